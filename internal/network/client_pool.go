package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"govotifier/internal/debuglog"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
	clientTimeout     = 8 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// Client sends relay messages, reusing one QUIC connection per address
// while it stays fresh.
type Client struct {
	tlsConf   *tls.Config
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
}

func NewClient(secret []byte) (*Client, error) {
	tlsConf, err := clientTLSConfig(secret)
	if err != nil {
		return nil, err
	}
	return &Client{
		tlsConf:   tlsConf,
		conns:     make(map[string]*pooledConn),
		idleAfter: clientConnIdle,
	}, nil
}

func (c *Client) get(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	c.mu.Lock()
	if ent, ok := c.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= c.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			c.mu.Unlock()
			return conn, nil
		}
		delete(c.conns, addr)
		conn := ent.conn
		c.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		c.mu.Unlock()
	}
	debuglog.Debugf("quic relay dial to %s", addr)
	conn, err := quic.DialAddr(ctx, addr, c.tlsConf, &quic.Config{MaxIdleTimeout: clientConnIdle})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) drop(addr string, conn *quic.Conn, reason string) {
	c.mu.Lock()
	if ent, ok := c.conns[addr]; ok && ent.conn == conn {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

// Send delivers data on a fresh stream and waits for the relay's ack.
// Transport failures are retried with backoff; a rejection is not.
func (c *Client) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) == 0 || len(data) > maxMessageSize {
		return fmt.Errorf("relay message size %d out of range", len(data))
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	backoff := clientBackoffBase
	for attempt := 0; attempt < clientMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, clientBackoffMax)
		}
		lastErr = c.sendOnce(ctx, addr, data)
		if lastErr == nil || errors.Is(lastErr, ErrRejected) {
			return lastErr
		}
		debuglog.Debugf("quic relay send to %s attempt %d: %v", addr, attempt+1, lastErr)
	}
	return lastErr
}

func (c *Client) sendOnce(ctx context.Context, addr string, data []byte) error {
	conn, err := c.get(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.drop(addr, conn, "open stream failed")
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	if _, err := stream.Write(data); err != nil {
		c.drop(addr, conn, "write failed")
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	var ack [1]byte
	if _, err := io.ReadFull(stream, ack[:]); err != nil {
		c.drop(addr, conn, "ack failed")
		return fmt.Errorf("read ack: %w", err)
	}
	if ack[0] != ackOK {
		return ErrRejected
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*pooledConn)
	c.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "client closed")
	}
	return nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
