package session

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// selfSignedPEM 生成测试用的自签名证书与私钥。
func selfSignedPEM(t *testing.T, host string) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

// controlPlane 是记录请求的控制面桩。
type controlPlane struct {
	mu     sync.Mutex
	pings  []PingRequest
	stops  []StopRequest
	reply  func(n int) (int, *PingResponse)
	stopOK bool
	srv    *httptest.Server
}

func newControlPlane(t *testing.T, reply func(n int) (int, *PingResponse)) *controlPlane {
	t.Helper()
	cp := &controlPlane{reply: reply, stopOK: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		var req PingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cp.mu.Lock()
		cp.pings = append(cp.pings, req)
		n := len(cp.pings)
		cp.mu.Unlock()

		status, body := cp.reply(n)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		var req StopRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		cp.mu.Lock()
		cp.stops = append(cp.stops, req)
		ok := cp.stopOK
		cp.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	cp.srv = httptest.NewServer(mux)
	t.Cleanup(cp.srv.Close)
	return cp
}

func (cp *controlPlane) Pings() []PingRequest {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]PingRequest(nil), cp.pings...)
}

func (cp *controlPlane) Stops() []StopRequest {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]StopRequest(nil), cp.stops...)
}

func (cp *controlPlane) setStopOK(ok bool) {
	cp.mu.Lock()
	cp.stopOK = ok
	cp.mu.Unlock()
}

// recordingReconfigurer 记录收到的证书。
type recordingReconfigurer struct {
	mu    sync.Mutex
	certs int
}

func (r *recordingReconfigurer) Reconfigure(*tls.Certificate) {
	r.mu.Lock()
	r.certs++
	r.mu.Unlock()
}

func (r *recordingReconfigurer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.certs
}
