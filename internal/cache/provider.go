package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Provider 的三种实现名称。
const (
	KindPassthrough = "passthrough"
	KindCDN         = "cdn"
	KindSharded     = "sharded"
)

var (
	// ErrMiss 表示缓存未命中；任何读取错误都统一归为未命中。
	ErrMiss = errors.New("cache miss")
	// ErrStoreRejected 表示写入被准入检查拒绝。
	ErrStoreRejected = errors.New("cache store rejected")
)

// Provider 是服务管线使用的缓存抽象。
type Provider interface {
	Kind() string
	// Lookup 查找 upstream 对应的缓存条目，未命中返回 ErrMiss。
	Lookup(ctx context.Context, upstream *url.URL, clientIP string) (*Hit, error)
	// Store 在准入通过后返回写入 Sink；被拒绝时返回包装 ErrStoreRejected 的错误。
	Store(upstream *url.URL, status int, contentLength int64) (Sink, error)
	Stats() Stats
}

// Runner 由需要后台任务的 Provider 实现，Run 在 ctx 取消后返回。
type Runner interface {
	Run(ctx context.Context) error
}

// Fetcher 发起带转发头的上游 GET 请求，由 upstream.Client 实现。
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL, clientIP string) (*http.Response, error)
}

// Hit 是一次命中的结果，Body 由调用方关闭。
type Hit struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	LastModified  string
	Cache         string
	CacheLookup   string
}

// Sink 接收待缓存的响应字节，Commit 落盘，Abort 丢弃。
type Sink interface {
	io.Writer
	Commit() error
	Abort()
}

// Stats 是诊断接口输出的缓存概况。
type Stats struct {
	Kind          string `json:"kind"`
	Target        string `json:"target,omitempty"`
	EstimatedSize int64  `json:"estimated_size"`
	Limit         int64  `json:"limit"`
	ScannedShards int    `json:"scanned_shards"`
	TotalShards   int    `json:"total_shards"`
	FreeDisk      int64  `json:"free_disk"`
}

var remoteTarget = regexp.MustCompile(`^https?:`)

// NewProvider 根据 target 选择实现：http(s) 地址使用 CDN，可创建的目录使用分片磁盘缓存，
// 其余情况退化为不缓存并输出警告。
func NewProvider(target string, fetcher Fetcher, opts Options) Provider {
	logger := opts.logger()
	if remoteTarget.MatchString(target) {
		cdn, err := NewCDN(target, fetcher, logger)
		if err == nil {
			return cdn
		}
		logger.WithError(err).WithField("action", "cache_init").Warn("invalid cdn cache target")
	} else if target != "" {
		if err := os.MkdirAll(target, 0o755); err == nil {
			store, err := NewShardedStore(target, opts)
			if err == nil {
				return store
			}
			logger.WithError(err).WithField("action", "cache_init").Warn("sharded cache init failed")
		}
	}

	logger.WithFields(logrus.Fields{
		"action": "cache_init",
		"target": target,
	}).Warn("cache target is not usable by any provider, images will not be cached")
	return Passthrough{}
}

// ResponseHit 将上游 200 响应转换为 Hit，缓存状态取自 x-cache / cf-cache-status。
func ResponseHit(resp *http.Response) *Hit {
	status := resp.Header.Get("X-Cache")
	if status == "" {
		status = resp.Header.Get("Cf-Cache-Status")
	}
	if status == "" {
		status = "MISS"
	}
	lookup := resp.Header.Get("X-Cache-Lookup")
	if lookup == "" {
		lookup = status
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mimeOctetStream
	}
	length := resp.ContentLength
	if length < 0 {
		if parsed, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			length = parsed
		}
	}
	return &Hit{
		Body:          resp.Body,
		ContentType:   contentType,
		ContentLength: length,
		LastModified:  resp.Header.Get("Last-Modified"),
		Cache:         status,
		CacheLookup:   lookup,
	}
}

// Passthrough 不做任何缓存。
type Passthrough struct{}

var _ Provider = Passthrough{}

func (Passthrough) Kind() string { return KindPassthrough }

func (Passthrough) Lookup(context.Context, *url.URL, string) (*Hit, error) {
	return nil, ErrMiss
}

func (Passthrough) Store(*url.URL, int, int64) (Sink, error) {
	return discardSink{}, nil
}

func (Passthrough) Stats() Stats {
	return Stats{Kind: KindPassthrough, FreeDisk: -1}
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Commit() error               { return nil }
func (discardSink) Abort()                      {}
