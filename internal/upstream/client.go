package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mdcloud/mdcloud/internal/version"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const defaultTimeout = 30 * time.Second

// NewHTTPClient 返回基于共享 transport 的 http.Client，控制面与图片源共用。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// Client 发起图片源请求，并附带客户端 IP 转发头。
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient 使用给定超时构建上游客户端。
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http:      NewHTTPClient(timeout),
		userAgent: version.Identifier(),
	}
}

// Timeout 返回单次上游请求的超时。
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Fetch 对 target 发起 GET；调用方负责关闭响应体。
func (c *Client) Fetch(ctx context.Context, target *url.URL, clientIP string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	SetForwardedFor(req.Header, clientIP)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}
	return resp, nil
}

// SetForwardedFor 写入 X-Forwarded-For 与 RFC 7239 Forwarded 头，空 IP 不写。
func SetForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	h.Set("X-Forwarded-For", clientIP)
	h.Set("Forwarded", "for="+forwardedNode(clientIP))
}

// IPv6 节点需要加方括号并整体加引号。
func forwardedNode(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.To4() == nil {
		return fmt.Sprintf("%q", "["+ip+"]")
	}
	return ip
}
