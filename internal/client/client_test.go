package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govotifier/internal/crypto"
	"govotifier/internal/proto"
	"govotifier/internal/testutil"
	"govotifier/internal/vote"
)

var bob = vote.Vote{ServiceName: "SiteB", Username: "Bob", Address: "5.6.7.8", Timestamp: "1700000100"}

type pipeDialer struct {
	server func(net.Conn)
}

func (p pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	c, s := net.Pipe()
	go p.server(s)
	return c, nil
}

func TestSendModernEchoesChallengeAndSigns(t *testing.T) {
	got := make(chan []byte, 1)
	d := pipeDialer{server: func(c net.Conn) {
		defer c.Close()
		_ = proto.WriteGreeting(c, proto.Greeting{Version: "2", Challenge: "abc"})
		body, err := proto.ReadFrame(c)
		if err != nil {
			return
		}
		got <- body
		_, _ = c.Write(proto.EncodeStatus(nil))
	}}
	status, err := Client{Addr: "pipe", Dialer: d}.SendModern(context.Background(), "s3cr3t", bob)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusOK, status.Status)

	env, err := proto.DecodeModernEnvelope(<-got)
	require.NoError(t, err)
	p, err := proto.DecodeModernPayload([]byte(env.Payload))
	require.NoError(t, err)
	assert.Equal(t, "abc", p.Challenge)
	assert.Equal(t, bob, p.Vote())
	tag, err := proto.DecodeSignature(env.Signature)
	require.NoError(t, err)
	assert.True(t, crypto.VerifyTag([]byte("s3cr3t"), []byte(env.Payload), tag))
}

func TestSendLegacyWritesOneBlock(t *testing.T) {
	key := testutil.RSAKey(t)
	got := make(chan []byte, 1)
	d := pipeDialer{server: func(c net.Conn) {
		defer c.Close()
		_ = proto.WriteGreeting(c, proto.Greeting{Version: "2"})
		block := make([]byte, crypto.LegacyBlockSize(&key.PublicKey))
		if _, err := io.ReadFull(c, block); err != nil {
			return
		}
		got <- block
	}}
	require.NoError(t, Client{Addr: "pipe", Dialer: d}.SendLegacy(context.Background(), &key.PublicKey, bob))
	select {
	case block := <-got:
		plain, err := crypto.DecryptLegacy(key, block)
		require.NoError(t, err)
		v, err := proto.ParseLegacyPlaintext(plain)
		require.NoError(t, err)
		assert.Equal(t, bob, v)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not receive block")
	}
}

func TestBadGreetingFails(t *testing.T) {
	d := pipeDialer{server: func(c net.Conn) {
		defer c.Close()
		_, _ = c.Write([]byte("SSH-2.0-OpenSSH\n"))
	}}
	_, err := Client{Addr: "pipe", Dialer: d}.SendModern(context.Background(), "s3cr3t", bob)
	assert.Error(t, err)
}
