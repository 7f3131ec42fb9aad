package proto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"govotifier/internal/vote"
)

// ModernEnvelope is the JSON body of a modern frame. Payload is itself a JSON
// document; Signature is the base64 HMAC-SHA256 of Payload's UTF-8 bytes.
type ModernEnvelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type ModernPayload struct {
	ServiceName string
	Username    string
	Address     string
	Timestamp   string
	Challenge   string

	missing []string
}

type modernPayloadWire struct {
	ServiceName *string    `json:"serviceName"`
	Username    *string    `json:"username"`
	Address     *string    `json:"address"`
	Timestamp   *Timestamp `json:"timestamp"`
	Challenge   string     `json:"challenge,omitempty"`
}

// Timestamp accepts either a JSON string or a JSON number.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp must be a string or number")
	}
	*t = Timestamp(n.String())
	return nil
}

func EncodeModernEnvelope(payload []byte, sig []byte) ([]byte, error) {
	return json.Marshal(ModernEnvelope{
		Payload:   string(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
}

func DecodeModernEnvelope(data []byte) (ModernEnvelope, error) {
	var m ModernEnvelope
	if err := json.Unmarshal(data, &m); err != nil {
		return ModernEnvelope{}, Wrap(ErrMalformedModernPayload, err)
	}
	if m.Payload == "" {
		return ModernEnvelope{}, Errorf(ErrMalformedModernPayload, "missing payload")
	}
	return m, nil
}

// DecodeSignature never reports a malformed payload: a tag that does not
// decode is just a wrong tag.
func DecodeSignature(sig string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) == 0 {
		return nil, Errorf(ErrInvalidSignature, "undecodable signature")
	}
	return raw, nil
}

func EncodeModernPayload(v vote.Vote, challenge string) ([]byte, error) {
	ts := Timestamp(v.Timestamp)
	return json.Marshal(modernPayloadWire{
		ServiceName: &v.ServiceName,
		Username:    &v.Username,
		Address:     &v.Address,
		Timestamp:   &ts,
		Challenge:   challenge,
	})
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// DecodeModernPayload parses the signed payload. Only serviceName is required
// here because the site lookup needs it; Validate checks the rest once the
// signature has been verified.
func DecodeModernPayload(payload []byte) (ModernPayload, error) {
	var w modernPayloadWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return ModernPayload{}, Wrap(ErrMalformedModernPayload, err)
	}
	if w.ServiceName == nil {
		return ModernPayload{}, Errorf(ErrMalformedModernPayload, "missing serviceName")
	}
	p := ModernPayload{ServiceName: *w.ServiceName, Challenge: w.Challenge}
	if w.Username != nil {
		p.Username = *w.Username
	} else {
		p.missing = append(p.missing, "username")
	}
	if w.Address != nil {
		p.Address = *w.Address
	} else {
		p.missing = append(p.missing, "address")
	}
	if w.Timestamp != nil {
		p.Timestamp = string(*w.Timestamp)
	} else {
		p.missing = append(p.missing, "timestamp")
	}
	return p, nil
}

func (p ModernPayload) Validate() error {
	if len(p.missing) > 0 {
		return Errorf(ErrMalformedModernPayload, "missing %v", p.missing)
	}
	return nil
}

func (p ModernPayload) Vote() vote.Vote {
	return vote.Vote{
		ServiceName: p.ServiceName,
		Username:    p.Username,
		Address:     p.Address,
		Timestamp:   p.Timestamp,
	}
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type StatusMsg struct {
	Status string `json:"status"`
	Cause  string `json:"cause,omitempty"`
	Error  string `json:"error,omitempty"`
}

func EncodeStatus(err error) []byte {
	m := StatusMsg{Status: StatusOK}
	if err != nil {
		m.Status = StatusError
		m.Cause = "Error"
		if k, ok := KindOf(err); ok {
			m.Cause = string(k.Class())
		}
		m.Error = err.Error()
	}
	out, _ := json.Marshal(m)
	return append(out, '\n')
}

func DecodeStatus(data []byte) (StatusMsg, error) {
	var m StatusMsg
	if err := json.Unmarshal(bytes.TrimSpace(data), &m); err != nil {
		return StatusMsg{}, err
	}
	if m.Status != StatusOK && m.Status != StatusError {
		return StatusMsg{}, fmt.Errorf("unexpected status %q", m.Status)
	}
	return m, nil
}
