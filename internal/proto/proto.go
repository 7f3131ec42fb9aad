package proto

import (
	"strings"

	"govotifier/internal/vote"
)

const LegacyMarker = "VOTE"

// LegacyPlaintext renders the newline separated block a voting site encrypts
// for protocol v1.
func LegacyPlaintext(v vote.Vote) []byte {
	b := make([]byte, 0, len(LegacyMarker)+len(v.ServiceName)+len(v.Username)+len(v.Address)+len(v.Timestamp)+5)
	b = append(b, LegacyMarker...)
	b = append(b, '\n')
	b = append(b, v.ServiceName...)
	b = append(b, '\n')
	b = append(b, v.Username...)
	b = append(b, '\n')
	b = append(b, v.Address...)
	b = append(b, '\n')
	b = append(b, v.Timestamp...)
	b = append(b, '\n')
	return b
}

// ParseLegacyPlaintext expects marker, service, username, address and
// timestamp, each on its own line. Trailing empty lines do not count as
// fields. Anything after the fifth line is padding some sites append and is
// ignored.
func ParseLegacyPlaintext(plain []byte) (vote.Vote, error) {
	lines := strings.Split(string(plain), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 5 {
		return vote.Vote{}, Errorf(ErrMalformedLegacyPayload, "expected 5 fields, got %d", len(lines))
	}
	if strings.TrimSpace(lines[0]) != LegacyMarker {
		return vote.Vote{}, Errorf(ErrMalformedLegacyPayload, "missing %s marker", LegacyMarker)
	}
	return vote.Vote{
		ServiceName: strings.TrimRight(lines[1], "\r"),
		Username:    strings.TrimRight(lines[2], "\r"),
		Address:     strings.TrimRight(lines[3], "\r"),
		Timestamp:   strings.TrimRight(lines[4], "\r"),
	}, nil
}
