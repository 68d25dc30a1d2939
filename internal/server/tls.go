package server

import (
	"crypto/tls"
	"errors"
	"sync/atomic"
)

// ErrNoCertificate 表示尚未收到任何 TLS 证书。
var ErrNoCertificate = errors.New("no tls certificate loaded")

// CertificateHolder 保存当前生效的证书；替换对新握手立即生效，已建立的连接不受影响。
type CertificateHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// Reconfigure 整体替换证书，nil 被忽略。
func (h *CertificateHolder) Reconfigure(cert *tls.Certificate) {
	if cert == nil {
		return
	}
	h.cert.Store(cert)
}

// Loaded 报告是否已有证书。
func (h *CertificateHolder) Loaded() bool {
	return h.cert.Load() != nil
}

// GetCertificate 供 tls.Config 在握手时读取当前证书。
func (h *CertificateHolder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := h.cert.Load()
	if cert == nil {
		return nil, ErrNoCertificate
	}
	return cert, nil
}

// TLSConfig 返回从 holder 动态取证书的服务端配置。
func (h *CertificateHolder) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: h.GetCertificate,
	}
}
