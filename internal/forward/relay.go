package forward

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"govotifier/internal/debuglog"
	"govotifier/internal/vote"
)

const defaultRelayTimeout = 10 * time.Second

// Sender pushes votes to a remote sink.
type Sender interface {
	Forward(ctx context.Context, v vote.Vote) error
	Close() error
}

// Relay re-sends every vote this server accepts to a set of upstream sinks.
// It satisfies the daemon's vote sink so it can sit next to the
// application's own.
type Relay struct {
	senders []Sender
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	halted bool
	wg     sync.WaitGroup
}

func NewRelay(timeout time.Duration, senders ...Sender) *Relay {
	if timeout <= 0 {
		timeout = defaultRelayTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{senders: senders, timeout: timeout, ctx: ctx, cancel: cancel}
}

// Forward sends v to every upstream and returns the combined failures.
func (r *Relay) Forward(ctx context.Context, v vote.Vote) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, s := range r.senders {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			if err := s.Forward(ctx, v); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errs
}

func (r *Relay) OnVoteReceived(v vote.Vote, version vote.ProtocolVersion) {
	if version == vote.VersionUnset {
		// Forwarded votes are not relayed again.
		return
	}
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		if err := r.Forward(r.ctx, v); err != nil {
			debuglog.Logf("forward %s failed: %v", v, err)
		}
	}()
}

func (r *Relay) OnError(string, error) {}

// Halt waits for in-flight forwards, then closes every sender.
func (r *Relay) Halt() error {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return nil
	}
	r.halted = true
	r.mu.Unlock()
	r.wg.Wait()
	r.cancel()
	var err error
	for _, s := range r.senders {
		err = multierr.Append(err, s.Close())
	}
	return err
}
