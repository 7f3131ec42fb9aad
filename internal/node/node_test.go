package node

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govotifier/internal/crypto"
	"govotifier/internal/proto"
	"govotifier/internal/testutil"
	"govotifier/internal/vote"
)

func newTestNode(t *testing.T, opts Options) *Node {
	t.Helper()
	if opts.Tokens == nil {
		opts.Tokens = vote.NewTokenStore(map[string]string{"SiteB": "s3cr3t"})
	}
	n, err := New(testutil.RSAKey(t), opts)
	require.NoError(t, err)
	return n
}

func modernBody(t *testing.T, v vote.Vote, challenge, secret string) []byte {
	t.Helper()
	payload, err := proto.EncodeModernPayload(v, challenge)
	require.NoError(t, err)
	body, err := proto.EncodeModernEnvelope(payload, crypto.ComputeTag([]byte(secret), payload))
	require.NoError(t, err)
	return body
}

var bob = vote.Vote{ServiceName: "SiteB", Username: "Bob", Address: "5.6.7.8", Timestamp: "1700000100"}

func TestNewNodeGeneratesKeys(t *testing.T) {
	dir := t.TempDir()
	n, err := NewNode(dir, Options{KeyBits: 1024})
	require.NoError(t, err)
	assert.Equal(t, 128, n.LegacyBlockSize())
	assert.Equal(t, DefaultVersion, n.Version)

	again, err := NewNode(dir, Options{KeyBits: 1024})
	require.NoError(t, err)
	assert.True(t, again.PublicKey().Equal(n.PublicKey()), "key regenerated on second start")

	_, err = crypto.DirKeyStore{Dir: filepath.Join(dir, "rsa")}.Load()
	assert.NoError(t, err)
}

func TestNewRejectsMissingKey(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestNewRejectsUnwritableVersion(t *testing.T) {
	for _, version := range []string{"2 beta", "2\n", "\t2"} {
		_, err := New(testutil.RSAKey(t), Options{Version: version})
		assert.Error(t, err, "%q", version)
	}
	n, err := New(testutil.RSAKey(t), Options{Version: "2.7.3"})
	require.NoError(t, err)
	assert.Equal(t, "2.7.3", n.Version)
}

func TestLegacyScenario(t *testing.T) {
	n := newTestNode(t, Options{})
	require.Equal(t, 256, n.LegacyBlockSize())
	block, err := crypto.EncryptLegacy(n.PublicKey(), []byte("VOTE\nSiteA\nAlice\n1.2.3.4\n1700000000\n"))
	require.NoError(t, err)

	v, err := n.DecodeLegacy(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, vote.Vote{ServiceName: "SiteA", Username: "Alice", Address: "1.2.3.4", Timestamp: "1700000000"}, v)
}

func TestLegacyRoundTripProperty(t *testing.T) {
	n := newTestNode(t, Options{})
	for _, want := range []vote.Vote{
		{ServiceName: "PlanetMinecraft", Username: "Steve", Address: "::1", Timestamp: "1"},
		{ServiceName: "", Username: "", Address: "", Timestamp: "0"},
		{ServiceName: "Ünïcode", Username: "名前", Address: "10.0.0.1", Timestamp: "1700000000123"},
	} {
		block, err := crypto.EncryptLegacy(n.PublicKey(), proto.LegacyPlaintext(want))
		require.NoError(t, err)
		got, err := n.DecodeLegacy(context.Background(), block)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLegacyFailures(t *testing.T) {
	n := newTestNode(t, Options{})
	block, err := crypto.EncryptLegacy(n.PublicKey(), []byte("HELLO\nSiteA\n"))
	require.NoError(t, err)
	_, err = n.DecodeLegacy(context.Background(), block)
	assert.ErrorIs(t, err, proto.ErrMalformedLegacyPayload)

	garbage := make([]byte, n.LegacyBlockSize())
	garbage[0] = 0x01
	_, err = n.DecodeLegacy(context.Background(), garbage)
	assert.ErrorIs(t, err, proto.ErrDecryptionFailed)

	other, err := crypto.GenerateKeyPair(2048)
	require.NoError(t, err)
	foreign, err := crypto.EncryptLegacy(&other.PublicKey, []byte("VOTE\na\nb\nc\nd\n"))
	require.NoError(t, err)
	_, err = n.DecodeLegacy(context.Background(), foreign)
	assert.ErrorIs(t, err, proto.ErrDecryptionFailed)

	disabled := newTestNode(t, Options{DisableLegacy: true})
	_, err = disabled.DecodeLegacy(context.Background(), block)
	assert.ErrorIs(t, err, proto.ErrLegacyDisabled)
}

func TestLegacyHonoursCancelledContext(t *testing.T) {
	n := newTestNode(t, Options{CryptoWorkers: 1})
	release, err := n.acquireCPU(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.DecodeLegacy(ctx, make([]byte, n.LegacyBlockSize()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModernScenario(t *testing.T) {
	n := newTestNode(t, Options{})
	v, err := n.DecodeModern(context.Background(), nil, modernBody(t, bob, "", "s3cr3t"))
	require.NoError(t, err)
	assert.Equal(t, bob, v)

	payload, err := proto.EncodeModernPayload(bob, "")
	require.NoError(t, err)
	literal, err := proto.EncodeModernEnvelope(payload, []byte("s3cr3t"))
	require.NoError(t, err)
	_, err = n.DecodeModern(context.Background(), nil, literal)
	assert.ErrorIs(t, err, proto.ErrInvalidSignature)
}

func TestModernBitFlippedTagIsInvalidSignature(t *testing.T) {
	n := newTestNode(t, Options{})
	payload, err := proto.EncodeModernPayload(bob, "")
	require.NoError(t, err)
	tag := crypto.ComputeTag([]byte("s3cr3t"), payload)
	for i := 0; i < len(tag)*8; i += 7 {
		flipped := append([]byte(nil), tag...)
		flipped[i/8] ^= 1 << (i % 8)
		body, err := proto.EncodeModernEnvelope(payload, flipped)
		require.NoError(t, err)
		_, err = n.DecodeModern(context.Background(), nil, body)
		require.ErrorIs(t, err, proto.ErrInvalidSignature, "bit %d", i)
		require.NotErrorIs(t, err, proto.ErrMalformedModernPayload, "bit %d", i)
	}
}

func TestModernGarbledSignatureText(t *testing.T) {
	n := newTestNode(t, Options{})
	payload, err := proto.EncodeModernPayload(bob, "")
	require.NoError(t, err)
	body := []byte(`{"payload":` + quote(t, payload) + `,"signature":"%%%"}`)
	_, err = n.DecodeModern(context.Background(), nil, body)
	assert.ErrorIs(t, err, proto.ErrInvalidSignature)
}

func TestModernUnknownSiteBeforeTag(t *testing.T) {
	n := newTestNode(t, Options{})
	stranger := bob
	stranger.ServiceName = "SiteZ"
	payload, err := proto.EncodeModernPayload(stranger, "")
	require.NoError(t, err)
	body := []byte(`{"payload":` + quote(t, payload) + `,"signature":"not base64"}`)
	_, err = n.DecodeModern(context.Background(), nil, body)
	assert.ErrorIs(t, err, proto.ErrUnknownSite)
	assert.NotErrorIs(t, err, proto.ErrInvalidSignature)
	assert.NotContains(t, err.Error(), "s3cr3t")
}

func TestModernDefaultTokenFallback(t *testing.T) {
	tokens := vote.NewTokenStore(map[string]string{DefaultSite: "fallback"})
	strict := newTestNode(t, Options{Tokens: tokens})
	_, err := strict.DecodeModern(context.Background(), nil, modernBody(t, bob, "", "fallback"))
	assert.ErrorIs(t, err, proto.ErrUnknownSite)

	lenient := newTestNode(t, Options{Tokens: tokens, DefaultTokenFallback: true})
	v, err := lenient.DecodeModern(context.Background(), nil, modernBody(t, bob, "", "fallback"))
	require.NoError(t, err)
	assert.Equal(t, bob, v)
}

func TestModernMalformed(t *testing.T) {
	n := newTestNode(t, Options{})
	for _, body := range [][]byte{
		[]byte(`nope`),
		[]byte(`{"signature":"AA=="}`),
		[]byte(`{"payload":"not json","signature":"AA=="}`),
		[]byte(`{"payload":"{\"username\":\"Bob\"}","signature":"AA=="}`),
	} {
		_, err := n.DecodeModern(context.Background(), nil, body)
		assert.ErrorIs(t, err, proto.ErrMalformedModernPayload, string(body))
	}

	partial := []byte(`{"serviceName":"SiteB","username":"Bob"}`)
	body, err := proto.EncodeModernEnvelope(partial, crypto.ComputeTag([]byte("s3cr3t"), partial))
	require.NoError(t, err)
	_, err = n.DecodeModern(context.Background(), nil, body)
	assert.ErrorIs(t, err, proto.ErrMalformedModernPayload)
}

func TestModernChallenge(t *testing.T) {
	n := newTestNode(t, Options{Challenge: true})
	sess, err := n.NewSession()
	require.NoError(t, err)
	require.NotEmpty(t, sess.Challenge())

	v, err := n.DecodeModern(context.Background(), sess, modernBody(t, bob, sess.Challenge(), "s3cr3t"))
	require.NoError(t, err)
	assert.Equal(t, bob, v)

	_, err = n.DecodeModern(context.Background(), sess, modernBody(t, bob, "stale", "s3cr3t"))
	assert.ErrorIs(t, err, proto.ErrChallengeMismatch)
	_, err = n.DecodeModern(context.Background(), nil, modernBody(t, bob, "", "s3cr3t"))
	assert.ErrorIs(t, err, proto.ErrChallengeMismatch)
}

func TestModernReplayWindow(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNode(t, Options{ReplayWindow: time.Minute, Clock: clk})
	body := modernBody(t, bob, "", "s3cr3t")

	_, err := n.DecodeModern(context.Background(), nil, body)
	require.NoError(t, err)
	_, err = n.DecodeModern(context.Background(), nil, body)
	assert.ErrorIs(t, err, proto.ErrReplayed)

	clk.Add(2 * time.Minute)
	_, err = n.DecodeModern(context.Background(), nil, body)
	assert.NoError(t, err)
}

func TestModernWithoutReplayWindowAcceptsDuplicates(t *testing.T) {
	n := newTestNode(t, Options{})
	body := modernBody(t, bob, "", "s3cr3t")
	for i := 0; i < 3; i++ {
		_, err := n.DecodeModern(context.Background(), nil, body)
		require.NoError(t, err)
	}
}

func TestDecodeErrorsAreClassified(t *testing.T) {
	n := newTestNode(t, Options{})
	_, err := n.DecodeModern(context.Background(), nil, modernBody(t, bob, "", "wrong"))
	class, ok := proto.ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, proto.AuthError, class)
	var perr *proto.Error
	assert.True(t, errors.As(err, &perr))
}

func quote(t *testing.T, payload []byte) string {
	t.Helper()
	out, err := json.Marshal(string(payload))
	require.NoError(t, err)
	return string(out)
}
