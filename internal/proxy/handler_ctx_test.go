package proxy

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/mdcloud/mdcloud/internal/upstream"
	"github.com/mdcloud/mdcloud/internal/validator"
)

const requestIDKey = "_mdcloud_request_id"

func newDirectHandler(t *testing.T, origin string, logger *logrus.Logger) *Handler {
	t.Helper()
	handler, err := NewHandler(Options{
		Logger: logger,
		Validator: validator.New(validator.Options{
			HostSuffix:    ".mangadex.network",
			RefererDomain: "mangadex.org",
		}),
		Origins:       staticOrigin(origin),
		Fetcher:       upstream.NewClient(5 * time.Second),
		AllowedOrigin: "https://mangadex.org",
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler
}

func acquireCtx(t *testing.T, app *fiber.App, host, path string) fiber.CustomCtx {
	t.Helper()
	fctx := new(fasthttp.RequestCtx)
	fctx.Request.Header.SetMethod(fiber.MethodGet)
	fctx.Request.SetRequestURI(path)
	fctx.Request.Header.SetHost(host)
	ctx := app.AcquireCtx(fctx)
	t.Cleanup(func() { app.ReleaseCtx(ctx) })
	return ctx
}

func TestHandleLogsRejectedRule(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	handler := newDirectHandler(t, "http://127.0.0.1:1", logger)
	ctx := acquireCtx(t, app, "evil.example.com", "/data/abcd/x1.png")
	ctx.Locals(requestIDKey, "reject-req")

	err := handler.Handle(ctx)
	var fe *fiber.Error
	if !errors.As(err, &fe) || fe.Code != fiber.StatusForbidden || fe.Message != "Forbidden" {
		t.Fatalf("expected 403 Forbidden error, got %v", err)
	}
	if got := string(ctx.Response().Header.Peek(fiber.HeaderCacheControl)); got != "public, max-age=1209600" {
		t.Fatalf("拒绝响应也应带固定头，got %q", got)
	}
	logs := logBuf.String()
	for _, want := range []string{"rule=host", "request_id=reject-req", "request rejected"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("expected log to contain %q, got %s", want, logs)
		}
	}
}

func TestHandleStreamsAdmittedRequest(t *testing.T) {
	origin := newImageServer(t, 200)

	app := fiber.New()
	defer app.Shutdown()

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	handler := newDirectHandler(t, origin.URL, logger)
	ctx := acquireCtx(t, app, "a.mangadex.network", "/data/abcd/x1.png")

	if err := handler.Handle(ctx); err != nil {
		t.Fatalf("handle returned error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !bytes.Equal(ctx.Response().Body(), pngImage) {
		t.Fatalf("响应体应与源站一致")
	}
	if got := string(ctx.Response().Header.Peek("X-Cache")); got != "MISS" {
		t.Fatalf("passthrough 应返回 MISS，got %q", got)
	}
	if !strings.Contains(logBuf.String(), "proxy_complete") {
		t.Fatalf("expected proxy_complete log, got %s", logBuf.String())
	}
}
