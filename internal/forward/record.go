package forward

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"govotifier/internal/crypto"
	"govotifier/internal/vote"
)

const (
	fieldService   protowire.Number = 1
	fieldUsername  protowire.Number = 2
	fieldAddress   protowire.Number = 3
	fieldTimestamp protowire.Number = 4
	fieldID        protowire.Number = 5

	DefaultChannel = "votifier"
	recordKeyInfo  = "votifier relay record"
)

var ErrBadRecord = errors.New("bad relay record")

// Record is one forwarded vote. ID lets the receiving side drop duplicates
// from a sender that retried.
type Record struct {
	ID   uuid.UUID
	Vote vote.Vote
}

func MarshalRecord(r Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldService, protowire.BytesType)
	b = protowire.AppendString(b, r.Vote.ServiceName)
	b = protowire.AppendTag(b, fieldUsername, protowire.BytesType)
	b = protowire.AppendString(b, r.Vote.Username)
	b = protowire.AppendTag(b, fieldAddress, protowire.BytesType)
	b = protowire.AppendString(b, r.Vote.Address)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
	b = protowire.AppendString(b, r.Vote.Timestamp)
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ID[:])
	return b
}

// UnmarshalRecord skips unknown fields; the id is mandatory.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	hasID := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldService:
			r.Vote.ServiceName = string(v)
		case fieldUsername:
			r.Vote.Username = string(v)
		case fieldAddress:
			r.Vote.Address = string(v)
		case fieldTimestamp:
			r.Vote.Timestamp = string(v)
		case fieldID:
			id, err := uuid.FromBytes(v)
			if err != nil {
				return Record{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			r.ID = id
			hasID = true
		}
	}
	if !hasID {
		return Record{}, fmt.Errorf("%w: missing id", ErrBadRecord)
	}
	return r, nil
}

// Codec seals records for one relay channel under a key derived from the
// shared relay secret.
type Codec struct {
	key []byte
	aad []byte
}

func NewCodec(secret []byte, channel string) (*Codec, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	key, err := crypto.DeriveRelayKey(secret, recordKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Codec{key: key, aad: crypto.BuildRelayAAD(channel)}, nil
}

func (c *Codec) Seal(r Record) ([]byte, error) {
	return crypto.Seal(c.key, MarshalRecord(r), c.aad)
}

func (c *Codec) Open(sealed []byte) (Record, error) {
	plain, err := crypto.Open(c.key, sealed, c.aad)
	if err != nil {
		return Record{}, err
	}
	return UnmarshalRecord(plain)
}

// NewRecord stamps v with a fresh message id.
func NewRecord(v vote.Vote) Record {
	return Record{ID: uuid.New(), Vote: v}
}
