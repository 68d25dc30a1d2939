package token

import (
	"testing"

	"golang.org/x/crypto/nacl/secretbox"
)

func sealForTest(t *testing.T, plain []byte, nonce *[NonceSize]byte, key *[KeySize]byte) []byte {
	t.Helper()
	return secretbox.Seal(nonce[:], plain, nonce, key)
}
