// Package client is the voting-site side of the protocol, used by the
// testvote command and by tests.
package client

import (
	"bufio"
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"time"

	"govotifier/internal/crypto"
	"govotifier/internal/proto"
	"govotifier/internal/vote"
)

const defaultTimeout = 5 * time.Second

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Client struct {
	Addr    string
	Timeout time.Duration
	Dialer  Dialer
}

func (c Client) dial(ctx context.Context) (net.Conn, proto.Greeting, *bufio.Reader, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := c.Dialer
	if d == nil {
		d = &net.Dialer{Timeout: timeout}
	}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, proto.Greeting{}, nil, err
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	r := bufio.NewReader(conn)
	g, err := proto.ReadGreeting(r)
	if err != nil {
		conn.Close()
		return nil, proto.Greeting{}, nil, fmt.Errorf("read greeting: %w", err)
	}
	return conn, g, r, nil
}

// SendLegacy encrypts v for pub and sends it as a v1 block. v1 has no
// reply, so success only means the bytes were written.
func (c Client) SendLegacy(ctx context.Context, pub *rsa.PublicKey, v vote.Vote) error {
	block, err := crypto.EncryptLegacy(pub, proto.LegacyPlaintext(v))
	if err != nil {
		return err
	}
	conn, _, _, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(block)
	return err
}

// SendModern signs v with the site token and returns the server's status.
func (c Client) SendModern(ctx context.Context, token string, v vote.Vote) (proto.StatusMsg, error) {
	conn, g, r, err := c.dial(ctx)
	if err != nil {
		return proto.StatusMsg{}, err
	}
	defer conn.Close()
	payload, err := proto.EncodeModernPayload(v, g.Challenge)
	if err != nil {
		return proto.StatusMsg{}, err
	}
	body, err := proto.EncodeModernEnvelope(payload, crypto.ComputeTag([]byte(token), payload))
	if err != nil {
		return proto.StatusMsg{}, err
	}
	if err := proto.WriteFrame(conn, body); err != nil {
		return proto.StatusMsg{}, err
	}
	line, err := r.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return proto.StatusMsg{}, fmt.Errorf("read status: %w", err)
	}
	return proto.DecodeStatus(line)
}
