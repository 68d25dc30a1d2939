// Package token decodes and encodes the opaque access tokens that gate image
// requests. A token is URL-safe base64 of a 24-byte nonce followed by a
// NaCl secretbox (XSalsa20-Poly1305) sealing a small JSON document:
//
//	{"expires": "<ISO-8601>", "hash": "<chapter hash>"}
//
// Decoding fails closed: any malformed input, wrong key or failed
// authentication yields ErrInvalidToken and never a partial result.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize 是 secretbox 要求的密钥长度。
	KeySize = 32
	// NonceSize 是令牌前缀中的 nonce 长度。
	NonceSize = 24
)

// ErrInvalidToken 表示令牌无法解码或认证失败。
var ErrInvalidToken = errors.New("invalid token")

// Token 是解密后的访问令牌。
type Token struct {
	Expires time.Time
	Hash    string
}

// Expired 判断令牌在 now 时刻是否已过期（等于 now 视为过期）。
func (t Token) Expired(now time.Time) bool {
	return !t.Expires.After(now)
}

type payload struct {
	Expires string `json:"expires"`
	Hash    string `json:"hash"`
}

// Decode 使用 key 解开令牌，任何失败都返回 ErrInvalidToken。
func Decode(raw string, key []byte) (Token, error) {
	if len(key) != KeySize {
		return Token{}, fmt.Errorf("%w: key must be %d bytes", ErrInvalidToken, KeySize)
	}

	data, err := decodeBase64(raw)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(data) < NonceSize+secretbox.Overhead {
		return Token{}, fmt.Errorf("%w: too short", ErrInvalidToken)
	}

	var nonce [NonceSize]byte
	var secret [KeySize]byte
	copy(nonce[:], data[:NonceSize])
	copy(secret[:], key)

	plain, ok := secretbox.Open(nil, data[NonceSize:], &nonce, &secret)
	if !ok {
		return Token{}, fmt.Errorf("%w: authentication failed", ErrInvalidToken)
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	expires, err := time.Parse(time.RFC3339, strings.TrimSpace(p.Expires))
	if err != nil {
		return Token{}, fmt.Errorf("%w: expires: %v", ErrInvalidToken, err)
	}

	return Token{Expires: expires, Hash: p.Hash}, nil
}

// Encode 以随机 nonce 封装令牌，输出不带填充的 URL-safe base64。
func Encode(t Token, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("key must be %d bytes", KeySize)
	}

	plain, err := json.Marshal(payload{
		Expires: t.Expires.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Hash:    t.Hash,
	})
	if err != nil {
		return "", err
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	var secret [KeySize]byte
	copy(secret[:], key)

	sealed := secretbox.Seal(nonce[:], plain, &nonce, &secret)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// decodeBase64 同时接受带或不带 '=' 填充的 URL-safe base64。
func decodeBase64(raw string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "=")
	if trimmed == "" {
		return nil, errors.New("empty token")
	}
	return base64.RawURLEncoding.DecodeString(trimmed)
}
