package proto

import (
	"errors"
	"fmt"
)

type Class string

const (
	ProtocolError Class = "ProtocolError"
	CryptoError   Class = "CryptoError"
	AuthError     Class = "AuthError"
)

// Kind is a sentinel for one failure mode. Match with errors.Is.
type Kind struct {
	class Class
	name  string
}

func (k *Kind) Error() string {
	return string(k.class) + "::" + k.name
}

func (k *Kind) Class() Class { return k.class }

func (k *Kind) Name() string { return k.name }

var (
	ErrUnrecognizedProtocol   = &Kind{ProtocolError, "UnrecognizedProtocol"}
	ErrLegacyDisabled         = &Kind{ProtocolError, "LegacyDisabled"}
	ErrMalformedLegacyPayload = &Kind{ProtocolError, "MalformedLegacyPayload"}
	ErrMalformedModernPayload = &Kind{ProtocolError, "MalformedModernPayload"}
	ErrAlreadyNegotiated      = &Kind{ProtocolError, "AlreadyNegotiated"}

	ErrDecryptionFailed = &Kind{CryptoError, "DecryptionFailed"}

	ErrUnknownSite       = &Kind{AuthError, "UnknownSite"}
	ErrInvalidSignature  = &Kind{AuthError, "InvalidSignature"}
	ErrChallengeMismatch = &Kind{AuthError, "ChallengeMismatch"}
	ErrReplayed          = &Kind{AuthError, "Replayed"}
)

// Error carries a Kind plus the underlying detail.
type Error struct {
	Kind *Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Errorf(kind *Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Wrap(kind *Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the first Kind found in err's chain.
func KindOf(err error) (*Kind, bool) {
	var k *Kind
	if errors.As(err, &k) {
		return k, true
	}
	return nil, false
}

func ClassOf(err error) (Class, bool) {
	k, ok := KindOf(err)
	if !ok {
		return "", false
	}
	return k.class, true
}
