package node

import (
	"context"
	"crypto/subtle"

	"govotifier/internal/crypto"
	"govotifier/internal/proto"
	"govotifier/internal/vote"
)

// DefaultSite is the token consulted for unknown sites when the default
// fallback is enabled.
const DefaultSite = "default"

// DecodeLegacy decrypts one v1 block. Trust comes only from possession of
// the public key; there is no per-site secret on this path.
func (n *Node) DecodeLegacy(ctx context.Context, block []byte) (vote.Vote, error) {
	if !n.legacyEnabled {
		return vote.Vote{}, proto.Errorf(proto.ErrLegacyDisabled, "protocol v1 is disabled")
	}
	release, err := n.acquireCPU(ctx)
	if err != nil {
		return vote.Vote{}, err
	}
	plain, err := crypto.DecryptLegacy(n.key, block)
	release()
	if err != nil {
		return vote.Vote{}, proto.Wrap(proto.ErrDecryptionFailed, err)
	}
	return proto.ParseLegacyPlaintext(plain)
}

// DecodeModern verifies and decodes the JSON body of one v2 frame. sess may
// be nil when challenges are disabled.
func (n *Node) DecodeModern(ctx context.Context, sess *Session, body []byte) (vote.Vote, error) {
	if err := ctx.Err(); err != nil {
		return vote.Vote{}, err
	}
	env, err := proto.DecodeModernEnvelope(body)
	if err != nil {
		return vote.Vote{}, err
	}
	payload := []byte(env.Payload)
	p, err := proto.DecodeModernPayload(payload)
	if err != nil {
		return vote.Vote{}, err
	}
	site := p.ServiceName
	secret, ok := n.tokens.Lookup(site)
	if !ok && n.defaultFallback {
		site = DefaultSite
		secret, ok = n.tokens.Lookup(site)
	}
	if !ok {
		return vote.Vote{}, proto.Errorf(proto.ErrUnknownSite, "unknown service %q", p.ServiceName)
	}
	tag, err := proto.DecodeSignature(env.Signature)
	if err != nil {
		return vote.Vote{}, err
	}
	if !crypto.VerifyTag(secret, payload, tag) {
		return vote.Vote{}, proto.Errorf(proto.ErrInvalidSignature, "signature is not valid (invalid token?)")
	}
	if n.challenge {
		if sess == nil || sess.Challenge() == "" || subtle.ConstantTimeCompare([]byte(p.Challenge), []byte(sess.Challenge())) != 1 {
			return vote.Vote{}, proto.Errorf(proto.ErrChallengeMismatch, "challenge is not valid")
		}
	}
	if err := p.Validate(); err != nil {
		return vote.Vote{}, err
	}
	if n.replay.observe(replayKey(site, payload)) {
		return vote.Vote{}, proto.Errorf(proto.ErrReplayed, "payload already accepted")
	}
	return p.Vote(), nil
}
