// Package session keeps the node registered with the control plane: the
// initial ping, periodic renewal, configuration hot swap and the final stop.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdcloud/mdcloud/internal/logging"
	"github.com/mdcloud/mdcloud/internal/upstream"
	"github.com/mdcloud/mdcloud/internal/validator"
	"github.com/mdcloud/mdcloud/internal/version"
)

// MinDiskSpace 是控制面接受的最小磁盘容量（80GiB），上报值不会低于它。
const MinDiskSpace int64 = 85_899_345_920

const (
	defaultInterval = 60 * time.Second
	defaultTimeout  = 15 * time.Second
)

// ErrNotConnected 表示会话尚未建立或已经断开。
var ErrNotConnected = errors.New("session not connected")

// Reconfigurer 在 TLS 证书变化时接收新证书。
type Reconfigurer interface {
	Reconfigure(cert *tls.Certificate)
}

// Options 描述节点向控制面声明的固定能力与续约节奏。
type Options struct {
	ControlServer string
	Secret        string
	Port          int
	AdvertisedIP  string
	DiskSpace     int64
	NetworkSpeed  int64
	Interval      time.Duration
	Timeout       time.Duration
	// MaxStaleness 为 0 时续约失败永不判定过期。
	MaxStaleness time.Duration
	HTTPClient   *http.Client
	Logger       *logrus.Logger
	Reconfigurer Reconfigurer
	// OnStale 在首次判定过期时调用一次。
	OnStale func()
	Now     func() time.Time
}

// Controller 维护 Disconnected/Connected 两态会话。
type Controller struct {
	opts   Options
	client *http.Client
	logger *logrus.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	state atomic.Pointer[State]

	// pingMu 串行化控制面往返，保护以下字段。
	pingMu       sync.Mutex
	reportedPort int
	tlsCreatedAt string
	lastSuccess  time.Time
	staleFired   bool
}

var _ validator.PolicySource = (*Controller)(nil)

// New 构建会话控制器，未设置的间隔与超时使用默认值。
func New(opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.DiskSpace < MinDiskSpace {
		opts.DiskSpace = MinDiskSpace
	}
	if opts.Port == 0 {
		opts.Port = 443
	}
	client := opts.HTTPClient
	if client == nil {
		client = upstream.NewHTTPClient(opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		opts:         opts,
		client:       client,
		logger:       logger,
		now:          now,
		reportedPort: opts.Port,
	}
}

// Connect 完成首次注册并启动定时续约，返回生效的配置。
// 已连接时只记录警告并返回当前配置。
func (c *Controller) Connect(ctx context.Context) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.logger.WithField("action", "session_ping").Warn("session already connected")
		return c.state.Load(), nil
	}

	state, err := c.ping(ctx, "session_ping")
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.renewLoop(runCtx, c.done)
	return state, nil
}

// Disconnect 停止续约并尽力发送 stop；无论 stop 是否成功都进入 Disconnected。
// 未连接时只记录警告。
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		c.logger.WithField("action", "session_stop").Warn("session already disconnected")
		return nil
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.state.Store(nil)
	c.pingMu.Lock()
	c.tlsCreatedAt = ""
	c.pingMu.Unlock()

	err := c.stop(ctx)
	fields := logrus.Fields{"action": "session_stop", "control": c.opts.ControlServer}
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("stop request failed, disconnected anyway")
		return err
	}
	c.logger.WithFields(fields).Info("session stopped")
	return nil
}

// Connected 报告当前是否处于 Connected 状态。
func (c *Controller) Connected() bool {
	return c.state.Load() != nil
}

// Current 返回最近一次成功续约的配置。
func (c *Controller) Current() (*State, error) {
	state := c.state.Load()
	if state == nil {
		return nil, ErrNotConnected
	}
	return state, nil
}

// ImageServer 返回当前图片源，未连接时为空。
func (c *Controller) ImageServer() string {
	if state := c.state.Load(); state != nil {
		return state.ImageServer
	}
	return ""
}

// TokenPolicy 实现 validator.PolicySource。
func (c *Controller) TokenPolicy() validator.Policy {
	state := c.state.Load()
	if state == nil {
		return validator.Policy{}
	}
	return validator.Policy{Key: state.TokenKey, Enabled: state.TokenCheck}
}

// Snapshot 返回不含密钥材料的会话概况。
func (c *Controller) Snapshot() Snapshot {
	return c.state.Load().snapshot()
}

func (c *Controller) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.renew(ctx)
		}
	}
}

// renew 执行一次续约；失败时保留上一份配置，超过 MaxStaleness 时标记过期。
func (c *Controller) renew(ctx context.Context) {
	if _, err := c.ping(ctx, "session_renew"); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.markStaleIfExpired(err)
	}
}

func (c *Controller) markStaleIfExpired(cause error) {
	c.pingMu.Lock()
	limit := c.opts.MaxStaleness
	since := c.now().Sub(c.lastSuccess)
	if limit <= 0 || since <= limit {
		c.pingMu.Unlock()
		return
	}
	fire := !c.staleFired
	c.staleFired = true
	if current := c.state.Load(); current != nil && !current.Stale {
		stale := *current
		stale.Stale = true
		c.state.Store(&stale)
	}
	c.pingMu.Unlock()

	c.logger.WithError(cause).WithFields(logrus.Fields{
		"action":        "session_renew",
		"since_success": since.String(),
		"max_staleness": limit.String(),
	}).Error("session configuration is stale")
	if fire && c.opts.OnStale != nil {
		c.opts.OnStale()
	}
}

// ping 完成一次 /ping 往返并整体替换会话配置。
func (c *Controller) ping(ctx context.Context, action string) (*State, error) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	fields := logrus.Fields{"action": action, "control": c.opts.ControlServer}
	req := PingRequest{
		Secret:       c.opts.Secret,
		Port:         c.reportedPort,
		IPAddress:    c.opts.AdvertisedIP,
		DiskSpace:    c.opts.DiskSpace,
		NetworkSpeed: c.opts.NetworkSpeed,
		BuildVersion: version.Build,
		TLSCreatedAt: c.tlsCreatedAt,
	}

	var resp PingResponse
	if err := c.post(ctx, "ping", req, &resp); err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("ping failed, keeping previous configuration")
		return nil, err
	}

	previous := c.state.Load()
	state, err := c.apply(&resp, previous)
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("ping response rejected, keeping previous configuration")
		return nil, err
	}

	c.warn(&resp, fields)
	// 先切换证书再发布新状态，读到新状态的调用方一定能拿到新证书。
	if state.Identity != nil && (previous == nil || previous.Identity == nil ||
		previous.Identity.Fingerprint != state.Identity.Fingerprint) {
		if c.opts.Reconfigurer != nil {
			c.opts.Reconfigurer.Reconfigure(state.Identity.Certificate)
		}
		c.logger.WithFields(fields).WithFields(logrus.Fields{
			"tls_created_at":  state.Identity.CreatedAt,
			"tls_fingerprint": state.Identity.Fingerprint,
		}).Info("tls identity updated")
	}

	c.state.Store(state)
	c.reportedPort = state.Port
	c.lastSuccess = state.RenewedAt
	c.staleFired = false
	if state.Identity != nil {
		c.tlsCreatedAt = state.Identity.CreatedAt
	}

	c.logger.WithFields(fields).WithFields(logrus.Fields{
		"url":          state.URL,
		"image_server": state.ImageServer,
		"token_check":  state.TokenCheck,
		"disk_space":   logging.Bytes(c.opts.DiskSpace),
	}).Info("ping succeeded")
	return state, nil
}

// apply 将响应转换为新的会话配置；响应未携带 tls 时沿用之前的证书。
func (c *Controller) apply(resp *PingResponse, previous *State) (*State, error) {
	hostname, port, err := listenAddress(resp.URL)
	if err != nil {
		return nil, err
	}

	var key []byte
	if resp.TokenKey != "" {
		key, err = base64.StdEncoding.DecodeString(resp.TokenKey)
		if err != nil {
			return nil, fmt.Errorf("decode token_key: %w", err)
		}
	}

	var identity *Identity
	if previous != nil {
		identity = previous.Identity
	}
	if resp.TLS != nil && resp.TLS.Certificate != "" && resp.TLS.PrivateKey != "" {
		identity, err = newIdentity(resp.TLS)
		if err != nil {
			return nil, err
		}
	}

	return &State{
		Hostname:    hostname,
		Port:        port,
		URL:         resp.URL,
		ImageServer: resp.ImageServer,
		TokenKey:    key,
		TokenCheck:  !resp.DisableTokens,
		Identity:    identity,
		Paused:      resp.Paused,
		Compromised: resp.Compromised,
		LatestBuild: resp.LatestBuild,
		RenewedAt:   c.now(),
	}, nil
}

func (c *Controller) warn(resp *PingResponse, fields logrus.Fields) {
	if resp.Paused {
		c.logger.WithFields(fields).Warn("node is marked as paused and will no longer receive requests, check the secret and restart")
	}
	if resp.Compromised {
		c.logger.WithFields(fields).Warn("node is marked as compromised and will no longer receive requests, check the secret and restart")
	}
	if !resp.DisableTokens && resp.TokenKey == "" {
		c.logger.WithFields(fields).Warn("token check requested without token_key, tokens will not be enforced")
	}
	if resp.LatestBuild > version.Build {
		c.logger.WithFields(fields).WithFields(logrus.Fields{
			"build":        version.Build,
			"latest_build": resp.LatestBuild,
		}).Warn("a newer client build is available")
	}
}

func (c *Controller) stop(ctx context.Context) error {
	return c.post(ctx, "stop", StopRequest{Secret: c.opts.Secret}, nil)
}

// post 以 JSON 调用控制面接口；out 为 nil 时丢弃响应体。
func (c *Controller) post(ctx context.Context, endpoint string, in interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}
	target := strings.TrimRight(c.opts.ControlServer, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Identifier())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s request: unexpected status %d", endpoint, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// listenAddress 从控制面返回的 url 中取出主机名与端口，未写端口时按协议取 443/80。
func listenAddress(raw string) (string, int, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("parse url %q: %w", raw, err)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return "", 0, fmt.Errorf("url %q has no host", raw)
	}
	if p := parsed.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("url %q has invalid port", raw)
		}
		return hostname, port, nil
	}
	switch parsed.Scheme {
	case "https":
		return hostname, 443, nil
	case "http":
		return hostname, 80, nil
	}
	return "", 0, fmt.Errorf("url %q has unsupported scheme", raw)
}
