package node

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultReplayCacheSize = 4096

// replayGuard remembers signed modern payloads for a window so a captured
// message cannot be played back while it is still fresh.
type replayGuard struct {
	mu     sync.Mutex
	window time.Duration
	clock  clock.Clock
	seen   *lru.Cache[[32]byte, time.Time]
}

func newReplayGuard(window time.Duration, size int, clk clock.Clock) (*replayGuard, error) {
	if window <= 0 {
		return nil, nil
	}
	if size <= 0 {
		size = defaultReplayCacheSize
	}
	if clk == nil {
		clk = clock.New()
	}
	seen, err := lru.New[[32]byte, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &replayGuard{window: window, clock: clk, seen: seen}, nil
}

func replayKey(site string, payload []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(site))
	h.Write([]byte{0})
	h.Write(payload)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// observe records key and reports whether it was already seen inside the
// window.
func (g *replayGuard) observe(key [32]byte) bool {
	if g == nil {
		return false
	}
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.seen.Get(key); ok && now.Sub(last) < g.window {
		return true
	}
	g.seen.Add(key, now)
	return false
}
