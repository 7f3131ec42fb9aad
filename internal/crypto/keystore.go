package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	PublicKeyFile  = "public.key"
	PrivateKeyFile = "private.key"
)

var ErrNoKeyPair = errors.New("no key pair stored")

// KeyStore persists the protocol v1 key pair. Implementations must round-trip
// the pair exactly.
type KeyStore interface {
	Load() (*rsa.PrivateKey, error)
	Save(priv *rsa.PrivateKey) error
}

// DirKeyStore keeps base64 DER files in a directory: PKIX for the public key,
// PKCS#8 for the private key. public.key is what operators paste into voting
// sites.
type DirKeyStore struct {
	Dir string
}

func (s DirKeyStore) Save(priv *rsa.PrivateKey) error {
	if priv == nil {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.Dir, PublicKeyFile), []byte(base64.StdEncoding.EncodeToString(pubDER)), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, PrivateKeyFile), []byte(base64.StdEncoding.EncodeToString(privDER)), 0600)
}

func (s DirKeyStore) Load() (*rsa.PrivateKey, error) {
	privB64, err := os.ReadFile(filepath.Join(s.Dir, PrivateKeyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoKeyPair
		}
		return nil, err
	}
	pubB64, err := os.ReadFile(filepath.Join(s.Dir, PublicKeyFile))
	if err != nil {
		return nil, err
	}
	privDER, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(privB64)))
	if err != nil {
		return nil, fmt.Errorf("bad %s", PrivateKeyFile)
	}
	pubDER, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(pubB64)))
	if err != nil {
		return nil, fmt.Errorf("bad %s", PublicKeyFile)
	}
	priv, err := ParseRSAPrivateKey(privDER)
	if err != nil {
		return nil, err
	}
	pub, err := ParseRSAPublicKey(pubDER)
	if err != nil {
		return nil, err
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, fmt.Errorf("%s does not match %s", PublicKeyFile, PrivateKeyFile)
	}
	return priv, nil
}

// LoadOrGenerate loads the stored pair, or generates and saves a new one of
// the given size when none exists yet.
func LoadOrGenerate(store KeyStore, bits int) (*rsa.PrivateKey, bool, error) {
	priv, err := store.Load()
	if err == nil {
		return priv, false, nil
	}
	if !errors.Is(err, ErrNoKeyPair) {
		return nil, false, err
	}
	priv, err = GenerateKeyPair(bits)
	if err != nil {
		return nil, false, err
	}
	if err := store.Save(priv); err != nil {
		return nil, false, err
	}
	return priv, true, nil
}

func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func DecodePublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, err
	}
	return ParseRSAPublicKey(der)
}

func ParseRSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rsaKey, nil
}

func ParseRSAPrivateKey(priv []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not rsa private key")
	}
	return rsaKey, nil
}
