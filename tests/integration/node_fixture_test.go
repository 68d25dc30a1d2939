package integration

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mdcloud/mdcloud/internal/cache"
	"github.com/mdcloud/mdcloud/internal/config"
	"github.com/mdcloud/mdcloud/internal/proxy"
	"github.com/mdcloud/mdcloud/internal/server"
	"github.com/mdcloud/mdcloud/internal/session"
	"github.com/mdcloud/mdcloud/internal/token"
	"github.com/mdcloud/mdcloud/internal/upstream"
	"github.com/mdcloud/mdcloud/internal/validator"
	"github.com/mdcloud/mdcloud/internal/version"
)

const (
	nodeHost     = "node1.mangadex.network"
	testSecret   = "s3cr3t-client-key"
	chapterHash  = "0a1b2c3d4e5f60718293a4b5c6d7e8f9"
	imagePath    = "/data/" + chapterHash + "/x1-abc.png"
	firstTLSTime = "2024-01-01T00:00:00Z"
)

type fixtureOptions struct {
	// cacheTarget 为空时使用临时目录作为分片缓存。
	cacheTarget string
	override    string
	tokens      bool
	interval    time.Duration
}

// nodeFixture 按 main 的顺序组装完整节点，但不打开 TLS 监听。
type nodeFixture struct {
	app        *fiber.App
	handler    *proxy.Handler
	controller *session.Controller
	provider   cache.Provider
	holder     *server.CertificateHolder
	control    *controlStub
	origin     *imageOrigin
	tokenKey   []byte
	logger     *logrus.Logger
}

func newNodeFixture(t *testing.T, opts fixtureOptions) *nodeFixture {
	t.Helper()

	origin := newImageOrigin(t)
	key := make([]byte, token.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate token key: %v", err)
	}
	control := newControlStub(t, session.PingResponse{
		URL:           "https://" + nodeHost + ":443",
		ImageServer:   origin.URL,
		TokenKey:      base64.StdEncoding.EncodeToString(key),
		DisableTokens: !opts.tokens,
		LatestBuild:   version.Build,
		TLS:           selfSignedTLS(t, nodeHost, firstTLSTime),
	})

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	interval := opts.interval
	if interval <= 0 {
		interval = time.Hour
	}
	holder := &server.CertificateHolder{}
	controller := session.New(session.Options{
		ControlServer: control.URL,
		Secret:        testSecret,
		Port:          443,
		Interval:      interval,
		Timeout:       2 * time.Second,
		Logger:        logger,
		Reconfigurer:  holder,
	})
	if _, err := controller.Connect(context.Background()); err != nil {
		t.Fatalf("connect control plane: %v", err)
	}
	t.Cleanup(func() {
		_ = controller.Disconnect(context.Background())
	})

	client := upstream.NewClient(5 * time.Second)
	target := opts.cacheTarget
	if target == "" {
		target = filepath.Join(t.TempDir(), "cache")
	}
	provider := cache.NewProvider(target, client, cache.Options{
		Limit:        1 << 30,
		SafetyMargin: -1,
		DiskReserve:  -1,
		Logger:       logger,
	})

	resolver, err := upstream.NewResolver(opts.override)
	if err != nil {
		t.Fatalf("resolver error: %v", err)
	}
	checker := validator.New(validator.Options{
		HostSuffix:    ".mangadex.network",
		RefererDomain: "mangadex.org",
		Exemptions:    config.DefaultTokenExemptions,
		Policy:        controller,
	})
	handler, err := proxy.NewHandler(proxy.Options{
		Logger:        logger,
		Validator:     checker,
		Resolver:      resolver,
		Origins:       controller,
		Cache:         provider,
		Fetcher:       client,
		AllowedOrigin: "https://mangadex.org",
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:       logger,
		Handler:      handler.Handle,
		ServerHeader: version.Identifier(),
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &nodeFixture{
		app:        app,
		handler:    handler,
		controller: controller,
		provider:   provider,
		holder:     holder,
		control:    control,
		origin:     origin,
		tokenKey:   key,
		logger:     logger,
	}
}

// get 以节点域名请求 path，headers 以 key/value 成对传入。
func (f *nodeFixture) get(t *testing.T, path string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+nodeHost+path, nil)
	req.Host = nodeHost
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := f.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func (f *nodeFixture) token(t *testing.T, hash string, ttl time.Duration) string {
	t.Helper()
	raw, err := token.Encode(token.Token{Expires: time.Now().Add(ttl), Hash: hash}, f.tokenKey)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return raw
}
