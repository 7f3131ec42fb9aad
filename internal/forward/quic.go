package forward

import (
	"context"
	"net"

	"govotifier/internal/metrics"
	"govotifier/internal/network"
	"govotifier/internal/vote"
)

const TransportQUIC = "quic"

type QUICOptions struct {
	Addr      string
	Secret    []byte
	Channel   string
	DedupSize int
	Metrics   *metrics.Metrics
}

// QUICSink receives sealed records over QUIC, one stream per record.
type QUICSink struct {
	srv  *network.Server
	recv *receiver
}

func NewQUICSink(opts QUICOptions, l Listener) (*QUICSink, error) {
	codec, err := NewCodec(opts.Secret, opts.Channel)
	if err != nil {
		return nil, err
	}
	recv, err := newReceiver(TransportQUIC, codec, l, opts.DedupSize, opts.Metrics)
	if err != nil {
		return nil, err
	}
	srv, err := network.Listen(opts.Addr, opts.Secret)
	if err != nil {
		return nil, err
	}
	return &QUICSink{srv: srv, recv: recv}, nil
}

func (s *QUICSink) Addr() net.Addr {
	return s.srv.Addr()
}

// Serve blocks until ctx is done or Halt is called.
func (s *QUICSink) Serve(ctx context.Context) error {
	return s.srv.Serve(ctx, s.recv.deliver)
}

func (s *QUICSink) Halt() error {
	return s.srv.Close()
}

// QUICSender is the relay side of a QUICSink.
type QUICSender struct {
	addr   string
	codec  *Codec
	client *network.Client
}

func NewQUICSender(addr string, secret []byte, channel string) (*QUICSender, error) {
	codec, err := NewCodec(secret, channel)
	if err != nil {
		return nil, err
	}
	client, err := network.NewClient(secret)
	if err != nil {
		return nil, err
	}
	return &QUICSender{addr: addr, codec: codec, client: client}, nil
}

func (s *QUICSender) Forward(ctx context.Context, v vote.Vote) error {
	return s.send(ctx, NewRecord(v))
}

func (s *QUICSender) send(ctx context.Context, rec Record) error {
	sealed, err := s.codec.Seal(rec)
	if err != nil {
		return err
	}
	return s.client.Send(ctx, s.addr, sealed)
}

func (s *QUICSender) String() string {
	return TransportQUIC + "://" + s.addr
}

func (s *QUICSender) Close() error {
	return s.client.Close()
}

// SendQUIC forwards one vote and closes the connection.
func SendQUIC(ctx context.Context, addr string, secret []byte, channel string, v vote.Vote) error {
	s, err := NewQUICSender(addr, secret, channel)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Forward(ctx, v)
}
