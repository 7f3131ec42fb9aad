package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"govotifier/internal/crypto"
	"govotifier/internal/debuglog"
)

const (
	alpn           = "votifier-relay"
	certName       = "votifier-relay"
	maxMessageSize = 1 << 16
	streamTimeout  = 10 * time.Second

	ackOK       byte = 0
	ackRejected byte = 1
)

var ErrRejected = errors.New("relay rejected message")

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// relayCert derives the relay certificate from the shared secret, so both
// ends hold the same self-signed cert and the client can pin it.
func relayCert(secret []byte) (tls.Certificate, []byte, error) {
	seed, err := crypto.DeriveRelayKey(secret, "votifier relay tls")
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{certName},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig(secret []byte) (*tls.Config, error) {
	cert, _, err := relayCert(secret)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig(secret []byte) (*tls.Config, error) {
	_, der, err := relayCert(secret)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: certName,
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// Handler consumes one relay message. A non-nil error is reported back to
// the sender as a rejection.
type Handler func(remote string, data []byte) error

// Server accepts QUIC relay connections; every stream carries one message
// and is answered with a one byte ack.
type Server struct {
	ln     *quic.Listener
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[*quic.Conn]struct{}
	closed bool
}

func Listen(addr string, secret []byte) (*Server, error) {
	tlsConf, err := serverTLSConfig(secret)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	debuglog.Debugf("quic relay listen ready: %s", ln.Addr())
	return &Server{ln: ln, conns: make(map[*quic.Conn]struct{})}, nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until ctx is cancelled or the server is closed.
func (s *Server) Serve(ctx context.Context, handle Handler) error {
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.CloseWithError(0, "closing")
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn, handle)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, handle Handler) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic relay accept stream from %s: %v", remote, err)
			return
		}
		s.wg.Add(1)
		go func(st *quic.Stream) {
			defer s.wg.Done()
			serveStream(remote, st, handle)
		}(stream)
	}
}

func serveStream(remote string, st *quic.Stream, handle Handler) {
	defer st.Close()
	_ = st.SetDeadline(time.Now().Add(streamTimeout))
	data, err := io.ReadAll(io.LimitReader(st, maxMessageSize+1))
	if err != nil || len(data) == 0 || len(data) > maxMessageSize {
		debuglog.Debugf("quic relay read from %s: %d bytes, err=%v", remote, len(data), err)
		st.CancelRead(0)
		return
	}
	ack := ackOK
	if err := handle(remote, data); err != nil {
		ack = ackRejected
	}
	_, _ = st.Write([]byte{ack})
}

func (s *Server) track(conn *quic.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *quic.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes live connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*quic.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	err := s.ln.Close()
	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
	s.wg.Wait()
	return err
}
