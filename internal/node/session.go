package node

import (
	"fmt"

	"github.com/google/uuid"

	"govotifier/internal/crypto"
	"govotifier/internal/proto"
	"govotifier/internal/vote"
)

// Session belongs to exactly one connection and is only touched by the
// goroutine serving it.
type Session struct {
	id        string
	version   vote.ProtocolVersion
	challenge string
	pending   []byte
}

func NewSession() *Session {
	return &Session{id: uuid.NewString()}
}

func NewSessionWithChallenge() (*Session, error) {
	challenge, err := crypto.NewToken()
	if err != nil {
		return nil, err
	}
	s := NewSession()
	s.challenge = challenge
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Challenge() string {
	return s.challenge
}

func (s *Session) Version() vote.ProtocolVersion {
	return s.version
}

func (s *Session) MarkLegacy() error {
	return s.mark(vote.VersionLegacy)
}

func (s *Session) MarkModern() error {
	return s.mark(vote.VersionModern)
}

func (s *Session) mark(v vote.ProtocolVersion) error {
	if s.version == v {
		return nil
	}
	if s.version != vote.VersionUnset {
		return proto.Errorf(proto.ErrAlreadyNegotiated, "session %s already %s, refusing %s", s.id, s.version, v)
	}
	s.version = v
	return nil
}

// Append buffers look-ahead bytes that arrived before classification and
// returns everything buffered so far.
func (s *Session) Append(p []byte) []byte {
	s.pending = append(s.pending, p...)
	return s.pending
}

func (s *Session) Buffered() []byte {
	return s.pending
}

// Discard drops buffered input once it has been handed to a decoder or the
// connection is abandoned.
func (s *Session) Discard() {
	s.pending = nil
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{id=%s version=%s}", s.id, s.version)
}
