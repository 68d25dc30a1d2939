package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/mdcloud/mdcloud/internal/logging"
)

// CDN 把查找委托给外部 CDN 源站，本地不落盘。
type CDN struct {
	origin  *url.URL
	fetcher Fetcher
	logger  *logrus.Logger
}

var _ Provider = (*CDN)(nil)

// NewCDN 以 origin 为基础地址构建 CDN provider。
func NewCDN(origin string, fetcher Fetcher, logger *logrus.Logger) (*CDN, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("cdn provider requires a fetcher")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse cdn origin: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("cdn origin missing host: %s", origin)
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &CDN{origin: parsed, fetcher: fetcher, logger: logger}, nil
}

func (c *CDN) Kind() string { return KindCDN }

// Lookup 以相同路径请求 CDN，非 200 响应视为未命中。
func (c *CDN) Lookup(ctx context.Context, upstream *url.URL, clientIP string) (*Hit, error) {
	target := c.origin.ResolveReference(&url.URL{Path: upstream.Path, RawPath: upstream.RawPath})
	resp, err := c.fetcher.Fetch(ctx, target, clientIP)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_lookup",
			"target": target.String(),
		}).Debug("cdn lookup failed")
		return nil, ErrMiss
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, ErrMiss
	}
	return ResponseHit(resp), nil
}

func (c *CDN) Store(*url.URL, int, int64) (Sink, error) {
	return discardSink{}, nil
}

func (c *CDN) Stats() Stats {
	return Stats{Kind: KindCDN, Target: c.origin.String(), FreeDisk: -1}
}
