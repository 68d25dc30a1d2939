package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mdcloud/mdcloud/internal/cache"
	"github.com/mdcloud/mdcloud/internal/logging"
	"github.com/mdcloud/mdcloud/internal/server"
	"github.com/mdcloud/mdcloud/internal/upstream"
	"github.com/mdcloud/mdcloud/internal/validator"
)

const (
	// max-age 为两周。
	cacheControlValue = "public, max-age=1209600"

	bodyForbidden  = "Forbidden"
	bodyBadGateway = "Bad Gateway"
)

// OriginSource 提供会话当前的图片源。
type OriginSource interface {
	ImageServer() string
}

// Options 汇总服务管线依赖。
type Options struct {
	Logger        *logrus.Logger
	Validator     *validator.Validator
	Resolver      *upstream.Resolver
	Origins       OriginSource
	Cache         cache.Provider
	Fetcher       cache.Fetcher
	AllowedOrigin string
}

// Handler 串联“校验 → 解析源 → 缓存查找 → 回源并写回缓存”的全流程，对外暴露 Fiber handler。
type Handler struct {
	logger        *logrus.Logger
	validator     *validator.Validator
	resolver      *upstream.Resolver
	origins       OriginSource
	cache         cache.Provider
	fetcher       cache.Fetcher
	allowedOrigin string
}

// NewHandler constructs the serving pipeline.
func NewHandler(opts Options) (*Handler, error) {
	switch {
	case opts.Validator == nil:
		return nil, errors.New("validator is required")
	case opts.Origins == nil:
		return nil, errors.New("origin source is required")
	case opts.Fetcher == nil:
		return nil, errors.New("upstream fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	provider := opts.Cache
	if provider == nil {
		provider = cache.Passthrough{}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver, _ = upstream.NewResolver("")
	}
	return &Handler{
		logger:        logger,
		validator:     opts.Validator,
		resolver:      resolver,
		origins:       opts.Origins,
		cache:         provider,
		fetcher:       opts.Fetcher,
		allowedOrigin: opts.AllowedOrigin,
	}, nil
}

// Handle 处理一次图片请求；拒绝返回 403，所有源都失败返回 502。
func (h *Handler) Handle(c fiber.Ctx) error {
	// 计时从中间件记录的请求起点开始。
	started := time.Now().Add(-server.Elapsed(c))
	requestID := server.RequestID(c)
	path := string(c.Request().URI().Path())
	ip := c.IP()

	h.setFixedHeaders(c)

	req := validator.Request{
		Host:    requestHost(c),
		Path:    path,
		Referer: c.Get(fiber.HeaderReferer),
		IP:      ip,
	}
	if err := h.validator.Validate(req); err != nil {
		h.logRejected(requestID, req, err)
		return fiber.NewError(fiber.StatusForbidden, bodyForbidden)
	}
	h.logger.WithFields(logging.RequestFields(requestID, ip, path)).
		WithField("action", "request_admitted").Debug("request admitted")

	targets, err := h.resolver.Candidates(path, h.origins.ImageServer())
	if err != nil {
		h.logResult(requestID, ip, path, "", "", fiber.StatusBadGateway, started, err)
		return fiber.NewError(fiber.StatusBadGateway, bodyBadGateway)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	hit, err := h.cache.Lookup(ctx, targets[0], ip)
	switch {
	case err == nil:
		return h.serveHit(c, hit, requestID, ip, path, targets[0].String(), started)
	case !errors.Is(err, cache.ErrMiss):
		h.logger.WithError(err).WithFields(logging.RequestFields(requestID, ip, path)).
			WithField("action", "cache_lookup").Warn("cache lookup failed")
	}

	return h.fetchAndStream(ctx, c, targets, requestID, ip, path, started)
}

// setFixedHeaders 写入与请求结果无关的响应头。
func (h *Handler) setFixedHeaders(c fiber.Ctx) {
	if h.allowedOrigin != "" {
		c.Set(fiber.HeaderAccessControlAllowOrigin, h.allowedOrigin)
	}
	c.Set(fiber.HeaderAccessControlExposeHeaders, "*")
	c.Set(fiber.HeaderCacheControl, cacheControlValue)
	c.Set("Timing-Allow-Origin", "*")
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
}

func (h *Handler) serveHit(c fiber.Ctx, hit *cache.Hit, requestID, ip, path, upstreamURL string, started time.Time) error {
	defer hit.Body.Close()
	writeHitHeaders(c, hit)
	c.Status(fiber.StatusOK)

	_, err := io.Copy(c.Response().BodyWriter(), hit.Body)
	h.logResult(requestID, ip, path, upstreamURL, hit.Cache, fiber.StatusOK, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, bodyBadGateway)
	}
	return nil
}

// fetchAndStream 按顺序尝试候选源，首个 200 响应被同时写给客户端与缓存。
func (h *Handler) fetchAndStream(ctx context.Context, c fiber.Ctx, targets []*url.URL, requestID, ip, path string, started time.Time) error {
	var lastErr error
	for _, target := range targets {
		resp, err := h.fetcher.Fetch(ctx, target, ip)
		if err != nil {
			lastErr = err
			h.logger.WithError(err).WithFields(logging.RequestFields(requestID, ip, path)).
				WithFields(logrus.Fields{"action": "proxy", "upstream": target.String()}).
				Debug("upstream candidate failed")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("upstream %s returned status %d", target.Redacted(), resp.StatusCode)
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			continue
		}
		return h.streamAndStore(c, target, resp, requestID, ip, path, started)
	}

	if lastErr == nil {
		lastErr = upstream.ErrNoOrigin
	}
	h.logResult(requestID, ip, path, targets[len(targets)-1].String(), "", fiber.StatusBadGateway, started, lastErr)
	return fiber.NewError(fiber.StatusBadGateway, bodyBadGateway)
}

func (h *Handler) streamAndStore(c fiber.Ctx, target *url.URL, resp *http.Response, requestID, ip, path string, started time.Time) error {
	defer resp.Body.Close()
	hit := cache.ResponseHit(resp)
	writeHitHeaders(c, hit)
	c.Status(fiber.StatusOK)

	fields := logging.RequestFields(requestID, ip, path)
	fields["upstream"] = target.String()

	sink, err := h.cache.Store(target, resp.StatusCode, hit.ContentLength)
	if err != nil {
		level := logrus.WarnLevel
		if errors.Is(err, cache.ErrStoreRejected) {
			level = logrus.DebugLevel
		}
		h.logger.WithError(err).WithFields(fields).WithField("action", "cache_store").Log(level, "cache write-back skipped")
		sink = nil
	}

	var writeBack *tolerantWriter
	dst := c.Response().BodyWriter()
	if sink != nil {
		writeBack = &tolerantWriter{w: sink}
		dst = io.MultiWriter(dst, writeBack)
	}

	n, err := io.Copy(dst, resp.Body)
	if err == nil && hit.ContentLength >= 0 && n != hit.ContentLength {
		err = fmt.Errorf("short upstream body: got %d of %d bytes", n, hit.ContentLength)
	}
	if sink != nil {
		h.finishWriteBack(sink, writeBack, err, fields)
	}

	h.logResult(requestID, ip, path, target.String(), hit.Cache, fiber.StatusOK, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, bodyBadGateway)
	}
	return nil
}

// finishWriteBack 只在上游与缓存两侧都完整时提交，否则丢弃临时文件。
func (h *Handler) finishWriteBack(sink cache.Sink, w *tolerantWriter, streamErr error, fields logrus.Fields) {
	switch {
	case streamErr != nil:
		sink.Abort()
	case w.err != nil:
		sink.Abort()
		h.logger.WithError(w.err).WithFields(fields).WithField("action", "cache_store").Warn("cache write failed")
	default:
		if err := sink.Commit(); err != nil {
			h.logger.WithError(err).WithFields(fields).WithField("action", "cache_store").Warn("cache commit failed")
		}
	}
}

func writeHitHeaders(c fiber.Ctx, hit *cache.Hit) {
	c.Set(fiber.HeaderContentType, hit.ContentType)
	if hit.ContentLength >= 0 {
		c.Response().Header.SetContentLength(int(hit.ContentLength))
	}
	if hit.LastModified != "" {
		c.Set(fiber.HeaderLastModified, hit.LastModified)
	}
	c.Set("X-Cache", hit.Cache)
	c.Set("X-Cache-Lookup", hit.CacheLookup)
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func (h *Handler) logRejected(requestID string, req validator.Request, err error) {
	fields := logging.RequestFields(requestID, req.IP, req.Path)
	fields["action"] = "request_rejected"
	fields["referer"] = req.Referer
	fields["host"] = req.Host
	var rejection *validator.Rejection
	if errors.As(err, &rejection) {
		fields["rule"] = string(rejection.Rule)
		fields["reason"] = rejection.Reason
	}
	h.logger.WithFields(fields).Warn("request rejected")
}

func (h *Handler) logResult(requestID, ip, path, upstreamURL, cacheStatus string, status int, started time.Time, err error) {
	fields := logging.RequestFields(requestID, ip, path)
	fields["action"] = "proxy"
	fields["upstream"] = upstreamURL
	fields["cache"] = cacheStatus
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
