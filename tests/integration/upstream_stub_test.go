package integration

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mdcloud/mdcloud/internal/session"
)

// pngPayload 以 PNG 魔数开头，分片缓存据此嗅探 Content-Type。
var pngPayload = append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte("image-bytes"), 64)...)

// RecordedRequest 捕获每次请求的方法/路径/Host/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Host    string
	Headers http.Header
	Body    []byte
}

// stubServer 是基于 net.Listen + http.Server 的通用上游模拟器。
type stubServer struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
}

func startStub(t *testing.T, stub *stubServer, handler http.Handler) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start stub listener: %v", err)
	}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()
	stub.server = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		handler.ServeHTTP(w, r)
	})}
	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
}

func (s *stubServer) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *stubServer) recordRequest(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Host:    r.Host,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	s.mu.Unlock()
	r.Body = io.NopCloser(bytes.NewReader(body))
}

func (s *stubServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// imageOrigin 模拟图片源站：除 status / truncate 外总是返回 pngPayload。
type imageOrigin struct {
	stubServer

	mu       sync.Mutex
	status   int
	truncate bool
	xCache   string
}

func newImageOrigin(t *testing.T) *imageOrigin {
	t.Helper()
	origin := &imageOrigin{status: http.StatusOK}
	startStub(t, &origin.stubServer, http.HandlerFunc(origin.handle))
	return origin
}

func (o *imageOrigin) handle(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	status, truncate, xCache := o.status, o.truncate, o.xCache
	o.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Last-Modified", "Mon, 01 Jun 2020 10:00:00 GMT")
	if xCache != "" {
		w.Header().Set("X-Cache", xCache)
	}
	if truncate {
		// 声明完整长度但只写一半，模拟源站中途断开。
		w.Header().Set("Content-Length", strconv.Itoa(len(pngPayload)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pngPayload[:len(pngPayload)/2])
		return
	}
	_, _ = w.Write(pngPayload)
}

func (o *imageOrigin) SetStatus(status int) {
	o.mu.Lock()
	o.status = status
	o.mu.Unlock()
}

func (o *imageOrigin) SetTruncate(truncate bool) {
	o.mu.Lock()
	o.truncate = truncate
	o.mu.Unlock()
}

func (o *imageOrigin) SetXCache(value string) {
	o.mu.Lock()
	o.xCache = value
	o.mu.Unlock()
}

// GetCount 返回源站收到的 GET 次数。
func (o *imageOrigin) GetCount() int {
	count := 0
	for _, req := range o.Requests() {
		if req.Method == http.MethodGet {
			count++
		}
	}
	return count
}

// controlStub 模拟控制面的 /ping 与 /stop。
type controlStub struct {
	stubServer

	mu       sync.Mutex
	response session.PingResponse
	pings    []session.PingRequest
	stops    []session.StopRequest
}

func newControlStub(t *testing.T, response session.PingResponse) *controlStub {
	t.Helper()
	cp := &controlStub{response: response}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		var req session.PingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cp.mu.Lock()
		cp.pings = append(cp.pings, req)
		resp := cp.response
		cp.mu.Unlock()

		// 节点已持有同一证书时不再下发 tls。
		if resp.TLS != nil && req.TLSCreatedAt == resp.TLS.CreatedAt {
			resp.TLS = nil
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		var req session.StopRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		cp.mu.Lock()
		cp.stops = append(cp.stops, req)
		cp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	startStub(t, &cp.stubServer, mux)
	return cp
}

func (c *controlStub) SetResponse(resp session.PingResponse) {
	c.mu.Lock()
	c.response = resp
	c.mu.Unlock()
}

func (c *controlStub) Pings() []session.PingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.PingRequest(nil), c.pings...)
}

func (c *controlStub) Stops() []session.StopRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.StopRequest(nil), c.stops...)
}

// selfSignedTLS 生成控制面下发格式的自签名证书。
func selfSignedTLS(t *testing.T, host, createdAt string) *session.TLSPayload {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return &session.TLSPayload{
		CreatedAt:   createdAt,
		Certificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		PrivateKey:  string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
	}
}
