package node

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"govotifier/internal/crypto"
	"govotifier/internal/vote"
)

const (
	DefaultVersion = "2"
	defaultKeyDir  = "rsa"
)

// Node is the engine handle shared by every connection: the v1 key pair,
// the site tokens and the decode policy. Everything in it is read-only once
// New returns.
type Node struct {
	Version string

	key             *rsa.PrivateKey
	tokens          *vote.TokenStore
	legacyEnabled   bool
	challenge       bool
	defaultFallback bool
	replay          *replayGuard
	cpu             *semaphore.Weighted
}

type Options struct {
	Version              string
	Tokens               *vote.TokenStore
	DisableLegacy        bool
	Challenge            bool
	DefaultTokenFallback bool
	ReplayWindow         time.Duration
	ReplayCacheSize      int
	CryptoWorkers        int
	KeyBits              int
	KeyStore             crypto.KeyStore
	Clock                clock.Clock
}

func New(key *rsa.PrivateKey, opts Options) (*Node, error) {
	if key == nil {
		return nil, errors.New("missing rsa key pair")
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rsa key pair: %w", err)
	}
	version := opts.Version
	if version == "" {
		version = DefaultVersion
	}
	// The version is a single greeting token.
	if strings.ContainsAny(version, " \t\r\n") {
		return nil, fmt.Errorf("invalid protocol version %q", version)
	}
	workers := opts.CryptoWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = vote.NewTokenStore(nil)
	}
	replay, err := newReplayGuard(opts.ReplayWindow, opts.ReplayCacheSize, opts.Clock)
	if err != nil {
		return nil, err
	}
	return &Node{
		Version:         version,
		key:             key,
		tokens:          tokens,
		legacyEnabled:   !opts.DisableLegacy,
		challenge:       opts.Challenge,
		defaultFallback: opts.DefaultTokenFallback,
		replay:          replay,
		cpu:             semaphore.NewWeighted(int64(workers)),
	}, nil
}

// NewNode loads the key pair kept under home (or opts.KeyStore), generating
// one on first start.
func NewNode(home string, opts Options) (*Node, error) {
	store := opts.KeyStore
	if store == nil {
		store = crypto.DirKeyStore{Dir: filepath.Join(home, defaultKeyDir)}
	}
	key, _, err := crypto.LoadOrGenerate(store, opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("load rsa key pair: %w", err)
	}
	return New(key, opts)
}

func (n *Node) PublicKey() *rsa.PublicKey {
	return &n.key.PublicKey
}

func (n *Node) LegacyEnabled() bool {
	return n.legacyEnabled
}

func (n *Node) LegacyBlockSize() int {
	return crypto.LegacyBlockSize(&n.key.PublicKey)
}

func (n *Node) ChallengeEnabled() bool {
	return n.challenge
}

func (n *Node) Tokens() *vote.TokenStore {
	return n.tokens
}

// NewSession creates the per-connection state, with a challenge when the
// node requires one.
func (n *Node) NewSession() (*Session, error) {
	if !n.challenge {
		return NewSession(), nil
	}
	return NewSessionWithChallenge()
}

func (n *Node) acquireCPU(ctx context.Context) (func(), error) {
	if err := n.cpu.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { n.cpu.Release(1) }, nil
}
