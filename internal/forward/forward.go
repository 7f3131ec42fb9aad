package forward

import (
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"govotifier/internal/debuglog"
	"govotifier/internal/metrics"
	"govotifier/internal/vote"
)

const (
	defaultDedupSize = 8192
	dropLogInterval  = 5 * time.Second
)

// Listener receives votes a trusted relay already validated.
type Listener interface {
	OnForward(v vote.Vote)
}

// Sink is a running forwarding transport. Halt stops it and waits for its
// handlers to return.
type Sink interface {
	Halt() error
}

// receiver is the transport independent half of a sink: open, dedup,
// deliver.
type receiver struct {
	transport string
	codec     *Codec
	listener  Listener
	seen      *lru.Cache[uuid.UUID, struct{}]
	metrics   *metrics.Metrics
}

func newReceiver(transport string, codec *Codec, l Listener, dedupSize int, m *metrics.Metrics) (*receiver, error) {
	if l == nil {
		return nil, errors.New("missing forward listener")
	}
	if dedupSize <= 0 {
		dedupSize = defaultDedupSize
	}
	seen, err := lru.New[uuid.UUID, struct{}](dedupSize)
	if err != nil {
		return nil, err
	}
	return &receiver{transport: transport, codec: codec, listener: l, seen: seen, metrics: m}, nil
}

// deliver returns an error only when the message could not be opened; a
// duplicate is acknowledged so the sender stops retrying.
func (r *receiver) deliver(remote string, sealed []byte) error {
	rec, err := r.codec.Open(sealed)
	if err != nil {
		r.metrics.IncForwardDrop("open")
		debuglog.RateLimitedf("forward-open:"+remote, dropLogInterval, "%s relay from %s: drop unopenable message: %v", r.transport, remote, err)
		return err
	}
	if found, _ := r.seen.ContainsOrAdd(rec.ID, struct{}{}); found {
		r.metrics.IncForwardDrop("duplicate")
		debuglog.Debugf("%s relay from %s: drop duplicate %s", r.transport, remote, rec.ID)
		return nil
	}
	r.metrics.IncForwarded(r.transport)
	debuglog.Debugf("%s relay from %s: forwarded %s", r.transport, remote, rec.Vote)
	r.listener.OnForward(rec.Vote)
	return nil
}
