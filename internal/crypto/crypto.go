package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultKeyBits = 2048
	MinKeyBits     = 1024

	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

// -----------------------------------------------------------------------------
// Protocol v1: RSA PKCS#1 v1.5 blocks
// -----------------------------------------------------------------------------

func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits {
		return nil, fmt.Errorf("rsa key size %d below minimum %d", bits, MinKeyBits)
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// LegacyBlockSize is the ciphertext length a v1 peer sends for pub.
func LegacyBlockSize(pub *rsa.PublicKey) int {
	if pub == nil {
		return 0
	}
	return pub.Size()
}

func EncryptLegacy(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("nil public key")
	}
	return rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
}

func DecryptLegacy(priv *rsa.PrivateKey, block []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("nil private key")
	}
	if len(block) != priv.Size() {
		return nil, fmt.Errorf("bad block size %d, need %d", len(block), priv.Size())
	}
	return rsa.DecryptPKCS1v15(nil, priv, block)
}

// -----------------------------------------------------------------------------
// Protocol v2: per-site HMAC-SHA256 tags
// -----------------------------------------------------------------------------

func ComputeTag(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifyTag recomputes the tag and compares in constant time.
func VerifyTag(secret, payload, tag []byte) bool {
	return hmac.Equal(ComputeTag(secret, payload), tag)
}

var tokenLimit = new(big.Int).Lsh(big.NewInt(1), 130)

// NewToken returns a random 130-bit value in base 32, the format voting
// sites expect for a site token.
func NewToken() (string, error) {
	n, err := rand.Int(rand.Reader, tokenLimit)
	if err != nil {
		return "", err
	}
	return n.Text(32), nil
}

// -----------------------------------------------------------------------------
// Relay envelopes: HKDF-SHA256 key + XChaCha20-Poly1305
// -----------------------------------------------------------------------------

func DeriveRelayKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty relay secret")
	}
	key := make([]byte, XKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal returns nonce || ciphertext under a fresh random nonce.
func Seal(key32, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	out := make([]byte, XNonceSize, XNonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:XNonceSize], plaintext, aad), nil
}

func Open(key32, sealed, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(sealed) < XNonceSize {
		return nil, errors.New("sealed message too short")
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, sealed[:XNonceSize], sealed[XNonceSize:], aad)
}
