package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"govotifier/internal/debuglog"
	"govotifier/internal/metrics"
	"govotifier/internal/vote"
)

const (
	TransportWebSocket = "websocket"
	DefaultWSPath      = "/relay"

	wsMaxMessage   = 1 << 16
	wsIdleTimeout  = 60 * time.Second
	wsWriteTimeout = 5 * time.Second

	ackOK       byte = 0
	ackRejected byte = 1
)

var ErrRejected = errors.New("relay rejected message")

type WebSocketOptions struct {
	Addr      string
	Path      string
	Secret    []byte
	Channel   string
	DedupSize int
	Metrics   *metrics.Metrics
}

// WebSocketSink receives sealed records as binary WebSocket messages and
// answers each with a one byte ack.
type WebSocketSink struct {
	ln       net.Listener
	srv      *http.Server
	recv     *receiver
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	wg     sync.WaitGroup
	halted bool
}

func NewWebSocketSink(opts WebSocketOptions, l Listener) (*WebSocketSink, error) {
	codec, err := NewCodec(opts.Secret, opts.Channel)
	if err != nil {
		return nil, err
	}
	recv, err := newReceiver(TransportWebSocket, codec, l, opts.DedupSize, opts.Metrics)
	if err != nil {
		return nil, err
	}
	path := opts.Path
	if path == "" {
		path = DefaultWSPath
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("websocket relay listen: %w", err)
	}
	s := &WebSocketSink{
		ln:   ln,
		recv: recv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	r := chi.NewRouter()
	r.Get(path, s.handle)
	s.srv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

func (s *WebSocketSink) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *WebSocketSink) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Halt() })
	defer stop()
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *WebSocketSink) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debuglog.Debugf("websocket relay upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	conn.SetReadLimit(wsMaxMessage)
	remote := r.RemoteAddr
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debuglog.Debugf("websocket relay read from %s: %v", remote, err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		ack := ackOK
		if err := s.recv.deliver(remote, data); err != nil {
			ack = ackRejected
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{ack}); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WebSocketSink) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	s.wg.Done()
}

func (s *WebSocketSink) Halt() error {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return nil
	}
	s.halted = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	err := s.srv.Close()
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

// WebSocketSender keeps one connection to a WebSocketSink; Forward calls
// are serialised on it.
type WebSocketSender struct {
	url   string
	codec *Codec
	mu    sync.Mutex
	conn  *websocket.Conn
}

// NewWebSocketSender connects on the first Forward.
func NewWebSocketSender(url string, secret []byte, channel string) (*WebSocketSender, error) {
	codec, err := NewCodec(secret, channel)
	if err != nil {
		return nil, err
	}
	return &WebSocketSender{url: url, codec: codec}, nil
}

func DialWebSocket(ctx context.Context, url string, secret []byte, channel string) (*WebSocketSender, error) {
	s, err := NewWebSocketSender(url, secret, channel)
	if err != nil {
		return nil, err
	}
	if err := s.dial(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WebSocketSender) dial(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket relay dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(16)
	s.conn = conn
	return nil
}

// Forward redials once if the previous connection broke; the record id is
// kept so the sink can drop the copy if the first attempt landed.
func (s *WebSocketSender) Forward(ctx context.Context, v vote.Vote) error {
	sealed, err := s.codec.Seal(NewRecord(v))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		if err := s.dial(ctx); err != nil {
			return err
		}
	}
	err = s.sendLocked(ctx, sealed)
	if err == nil || errors.Is(err, ErrRejected) || ctx.Err() != nil {
		return err
	}
	debuglog.Debugf("websocket relay send to %s: %v; redialing", s.url, err)
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if err := s.dial(ctx); err != nil {
		return err
	}
	return s.sendLocked(ctx, sealed)
}

func (s *WebSocketSender) sendLocked(ctx context.Context, sealed []byte) error {
	if s.conn == nil {
		return errors.New("websocket relay not connected")
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
		return err
	}
	_ = s.conn.SetReadDeadline(deadline)
	_, ack, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	if len(ack) != 1 || ack[0] != ackOK {
		return ErrRejected
	}
	return nil
}

func (s *WebSocketSender) String() string {
	return s.url
}

func (s *WebSocketSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
