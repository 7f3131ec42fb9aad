package vote

import (
	"fmt"
	"sort"
)

type ProtocolVersion uint8

const (
	VersionUnset ProtocolVersion = iota
	VersionLegacy
	VersionModern
)

func (v ProtocolVersion) String() string {
	switch v {
	case VersionLegacy:
		return "v1"
	case VersionModern:
		return "v2"
	default:
		return "unset"
	}
}

// Vote is one decoded vote. Values are compared field by field and are never
// mutated after a decoder builds them.
type Vote struct {
	ServiceName string
	Username    string
	Address     string
	Timestamp   string
}

func (v Vote) String() string {
	return fmt.Sprintf("Vote (from:%s username:%s address:%s timeStamp:%s)", v.ServiceName, v.Username, v.Address, v.Timestamp)
}

// TokenStore maps a site identifier to its shared secret. It is immutable
// once built, so concurrent readers need no locking.
type TokenStore struct {
	tokens map[string][]byte
}

func NewTokenStore(tokens map[string]string) *TokenStore {
	s := &TokenStore{tokens: make(map[string][]byte, len(tokens))}
	for site, secret := range tokens {
		s.tokens[site] = []byte(secret)
	}
	return s
}

// Lookup returns a copy of the secret for site.
func (s *TokenStore) Lookup(site string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	secret, ok := s.tokens[site]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return out, true
}

func (s *TokenStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tokens)
}

func (s *TokenStore) Sites() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.tokens))
	for site := range s.tokens {
		out = append(out, site)
	}
	sort.Strings(out)
	return out
}

func (s *TokenStore) String() string {
	return fmt.Sprintf("TokenStore{sites=%d REDACTED}", s.Len())
}

func (s *TokenStore) GoString() string {
	return s.String()
}
