package proto

import (
	"bufio"
	"bytes"
	"testing"

	"govotifier/internal/testutil"
)

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0x73, 0x3A, 0x00, 0x01, '{'})
	f.Add([]byte{0x73, 0x3A, 0xFF, 0xFF})
	f.Add([]byte{0x00, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrame(bytes.NewReader(data))
		})
	})
}

func FuzzDecodeModernEnvelope(f *testing.F) {
	f.Add([]byte(`{"payload":"{\"serviceName\":\"SiteB\",\"username\":\"Bob\",\"address\":\"5.6.7.8\",\"timestamp\":1700000100}","signature":"AA=="}`))
	f.Add([]byte(`{"payload":1}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			m, err := DecodeModernEnvelope(data)
			if err != nil {
				return
			}
			_, _ = DecodeSignature(m.Signature)
			p, err := DecodeModernPayload([]byte(m.Payload))
			if err == nil {
				_ = p.Validate()
			}
		})
	})
}

func FuzzParseLegacyPlaintext(f *testing.F) {
	f.Add([]byte("VOTE\nSiteA\nAlice\n1.2.3.4\n1700000000\n"))
	f.Add([]byte("VOTE\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			v, err := ParseLegacyPlaintext(data)
			if err != nil || v.Timestamp == "" {
				return
			}
			again, err := ParseLegacyPlaintext(LegacyPlaintext(v))
			if err != nil {
				t.Fatalf("re-encoded plaintext rejected: %v", err)
			}
			if again != v {
				t.Fatalf("re-encoded plaintext changed: %v != %v", again, v)
			}
		})
	})
}

func FuzzReadGreeting(f *testing.F) {
	f.Add([]byte("VOTIFIER 2 abc\n"))
	f.Add([]byte("VOTIFIER\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadGreeting(bufio.NewReader(bytes.NewReader(data)))
		})
	})
}
