package session

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Identity 是当前生效的 TLS 证书。
type Identity struct {
	Certificate *tls.Certificate
	CreatedAt   string
	Fingerprint string
}

func newIdentity(payload *TLSPayload) (*Identity, error) {
	cert, err := tls.X509KeyPair([]byte(payload.Certificate), []byte(payload.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse tls key pair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("tls payload contains no certificate")
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return &Identity{
		Certificate: &cert,
		CreatedAt:   payload.CreatedAt,
		Fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// State 是一次成功续约得到的完整会话配置，只整体替换，不做局部修改。
type State struct {
	Hostname    string
	Port        int
	URL         string
	ImageServer string
	TokenKey    []byte
	TokenCheck  bool
	Identity    *Identity
	Paused      bool
	Compromised bool
	LatestBuild int
	RenewedAt   time.Time
	Stale       bool
}

// Snapshot 是诊断接口输出的会话概况，不包含任何密钥材料。
type Snapshot struct {
	Connected      bool      `json:"connected"`
	Hostname       string    `json:"hostname,omitempty"`
	Port           int       `json:"port,omitempty"`
	URL            string    `json:"url,omitempty"`
	ImageServer    string    `json:"image_server,omitempty"`
	TokenCheck     bool      `json:"token_check"`
	TokenKeyLoaded bool      `json:"token_key_loaded"`
	TLSCreatedAt   string    `json:"tls_created_at,omitempty"`
	TLSFingerprint string    `json:"tls_fingerprint,omitempty"`
	Paused         bool      `json:"paused"`
	Compromised    bool      `json:"compromised"`
	LatestBuild    int       `json:"latest_build"`
	RenewedAt      time.Time `json:"renewed_at,omitempty"`
	Stale          bool      `json:"stale"`
}

func (s *State) snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Connected:      true,
		Hostname:       s.Hostname,
		Port:           s.Port,
		URL:            s.URL,
		ImageServer:    s.ImageServer,
		TokenCheck:     s.TokenCheck,
		TokenKeyLoaded: len(s.TokenKey) > 0,
		Paused:         s.Paused,
		Compromised:    s.Compromised,
		LatestBuild:    s.LatestBuild,
		RenewedAt:      s.RenewedAt,
		Stale:          s.Stale,
	}
	if s.Identity != nil {
		snap.TLSCreatedAt = s.Identity.CreatedAt
		snap.TLSFingerprint = s.Identity.Fingerprint
	}
	return snap
}

// ListenAddr 返回 State 对应的 host:port。
func (s *State) ListenAddr() string {
	return net.JoinHostPort(s.Hostname, strconv.Itoa(s.Port))
}
