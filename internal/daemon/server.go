package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"govotifier/internal/debuglog"
	"govotifier/internal/metrics"
	"govotifier/internal/node"
	"govotifier/internal/vote"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	maxAcceptBackoff        = time.Second
)

type Options struct {
	Sink             Sink
	Metrics          *metrics.Metrics
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Server accepts vote connections and hands each to its own goroutine. It
// is also the forwarding listener: relayed votes go straight to the sink.
type Server struct {
	node    *node.Node
	sink    Sink
	metrics *metrics.Metrics
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(n *node.Node, opts Options) (*Server, error) {
	if n == nil {
		return nil, errors.New("missing node")
	}
	if opts.Sink == nil {
		return nil, errors.New("missing sink")
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = handshakeTimeout()
	}
	log := opts.Logger
	if log == nil {
		log = debuglog.L()
	}
	return &Server{
		node:    n,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		timeout: timeout,
		log:     log.Named("votes"),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = ln.Close()
		return net.ErrClosed
	}
	if s.ln != nil {
		_ = ln.Close()
		return errors.New("already listening")
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	s.log.Info("votifier enabled", zap.Stringer("addr", ln.Addr()), zap.Bool("legacy", s.node.LegacyEnabled()))
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("accept failed; retrying", zap.Duration("backoff", backoff), zap.Error(err))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, maxAcceptBackoff)
}

// OnForward dispatches a vote received from a trusted relay.
func (s *Server) OnForward(v vote.Vote) {
	s.metrics.IncVote(vote.VersionUnset.String())
	s.sink.OnVoteReceived(v, vote.VersionUnset)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listener, drops open connections and waits for their
// goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = multierr.Append(err, s.ln.Close())
	}
	for c := range s.conns {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
