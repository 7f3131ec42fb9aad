package crypto

import (
	"encoding/binary"
)

const relayAADLabel = "votifier:relay:v1"

// BuildRelayAAD binds a sealed relay record to its channel so a record
// captured on one relay cannot be replayed into another.
func BuildRelayAAD(channel string) []byte {
	chBytes := []byte(channel)
	buf := make([]byte, 0, len(relayAADLabel)+2+len(chBytes))
	buf = append(buf, relayAADLabel...)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(chBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, chBytes...)
	return buf
}
