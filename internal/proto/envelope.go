package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	ModernMagic     uint16 = 0x733A
	ModernMagicSize        = 2
	ModernHeaderLen        = 4
	MaxFrameSize           = 0xFFFF
)

func HasModernMagic(prefix []byte) bool {
	return len(prefix) >= ModernMagicSize && binary.BigEndian.Uint16(prefix) == ModernMagic
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, ModernHeaderLen+len(payload))
	binary.BigEndian.PutUint16(out[:2], ModernMagic)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[ModernHeaderLen:], payload)
	return out, nil
}

// ReadFrame reads one modern frame, magic included. Truncated input surfaces
// as the reader's error so callers can tell a dropped peer from bad framing.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [ModernHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if !HasModernMagic(hdr[:]) {
		return nil, Errorf(ErrMalformedModernPayload, "bad frame magic %#04x", binary.BigEndian.Uint16(hdr[:2]))
	}
	n := binary.BigEndian.Uint16(hdr[2:])
	if n == 0 {
		return nil, Errorf(ErrMalformedModernPayload, "empty frame")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
