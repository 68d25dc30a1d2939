package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoOrigin 表示既没有覆盖源也没有会话下发的图片源。
var ErrNoOrigin = errors.New("no upstream origin available")

// ResolveImageURL 去掉 /data 或 /data-saver 之前的路径段（通常是 token），再以 origin 解析。
// 不含这两个段的路径保持原样。
func ResolveImageURL(requestPath string, origin *url.URL) *url.URL {
	return origin.ResolveReference(&url.URL{Path: imagePath(requestPath)})
}

func imagePath(requestPath string) string {
	segments := strings.Split(requestPath, "/")
	for i, segment := range segments {
		if segment == "data" || segment == "data-saver" {
			return "/" + strings.Join(segments[i:], "/")
		}
	}
	if requestPath == "" {
		return "/"
	}
	return requestPath
}

// Resolver 生成按优先级排序的候选源地址：覆盖源在前，会话图片源在后。
type Resolver struct {
	override *url.URL
}

// NewResolver 解析可选的覆盖源，空字符串表示不使用。
func NewResolver(override string) (*Resolver, error) {
	r := &Resolver{}
	if override == "" {
		return r, nil
	}
	parsed, err := parseOrigin(override)
	if err != nil {
		return nil, fmt.Errorf("upstream override: %w", err)
	}
	r.override = parsed
	return r, nil
}

// Candidates 返回 requestPath 在各源上的完整地址，重复的源只保留一次。
// imageServer 无法解析时跳过；没有任何可用源时返回 ErrNoOrigin。
func (r *Resolver) Candidates(requestPath, imageServer string) ([]*url.URL, error) {
	origins := make([]*url.URL, 0, 2)
	if r != nil && r.override != nil {
		origins = append(origins, r.override)
	}
	if imageServer != "" {
		if parsed, err := parseOrigin(imageServer); err == nil {
			if len(origins) == 0 || origins[0].String() != parsed.String() {
				origins = append(origins, parsed)
			}
		}
	}
	if len(origins) == 0 {
		return nil, ErrNoOrigin
	}

	targets := make([]*url.URL, 0, len(origins))
	for _, origin := range origins {
		targets = append(targets, ResolveImageURL(requestPath, origin))
	}
	return targets, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return parsed, nil
}
