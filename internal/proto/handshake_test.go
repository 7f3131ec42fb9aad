package proto

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreetingLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGreeting(&buf, Greeting{Version: "2.7.3"}))
	assert.Equal(t, "VOTIFIER 2.7.3\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteGreeting(&buf, Greeting{Version: "2", Challenge: "abc"}))
	assert.Equal(t, "VOTIFIER 2 abc\n", buf.String())
}

func TestGreetingRejectsBadTokens(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteGreeting(&buf, Greeting{}))
	assert.Error(t, WriteGreeting(&buf, Greeting{Version: "1 2"}))
	assert.Error(t, WriteGreeting(&buf, Greeting{Version: "2", Challenge: "a\nb"}))
	assert.Zero(t, buf.Len())
}

func TestReadGreeting(t *testing.T) {
	g, err := ReadGreeting(bufio.NewReader(strings.NewReader("VOTIFIER 2 abc\nrest")))
	require.NoError(t, err)
	assert.Equal(t, Greeting{Version: "2", Challenge: "abc"}, g)

	g, err = ReadGreeting(bufio.NewReader(strings.NewReader("VOTIFIER 1.9\r\n")))
	require.NoError(t, err)
	assert.Equal(t, Greeting{Version: "1.9"}, g)

	_, err = ReadGreeting(bufio.NewReader(strings.NewReader("HELLO 2\n")))
	assert.Error(t, err)
	_, err = ReadGreeting(bufio.NewReader(strings.NewReader(strings.Repeat("A", MaxGreetingSize+10))))
	assert.Error(t, err)
}

func TestLegacyPlaintextRoundTrip(t *testing.T) {
	plain := []byte("VOTE\nSiteA\nAlice\n1.2.3.4\n1700000000\n")
	v, err := ParseLegacyPlaintext(plain)
	require.NoError(t, err)
	assert.Equal(t, "SiteA", v.ServiceName)
	assert.Equal(t, "Alice", v.Username)
	assert.Equal(t, "1.2.3.4", v.Address)
	assert.Equal(t, "1700000000", v.Timestamp)
	assert.Equal(t, plain, LegacyPlaintext(v))
}

func TestLegacyPlaintextMalformed(t *testing.T) {
	for _, plain := range []string{
		"",
		"VOTE\nSiteA\nAlice\n",
		"VOTE\nSiteA\nAlice\n1.2.3.4\n",
		"VOTE\nSiteA\nAlice\n1.2.3.4\n\n\n",
		"NOPE\nSiteA\nAlice\n1.2.3.4\n1700000000\n",
	} {
		_, err := ParseLegacyPlaintext([]byte(plain))
		assert.ErrorIs(t, err, ErrMalformedLegacyPayload, plain)
	}
}
