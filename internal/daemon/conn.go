package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"govotifier/internal/node"
	"govotifier/internal/proto"
	"govotifier/internal/vote"
)

const readChunk = 512

// serveConn runs one connection: greeting, classification, decode, dispatch.
// A connection carries exactly one vote.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.metrics.ConnOpened()()

	sess, err := s.node.NewSession()
	if err != nil {
		s.fail(connID(nil, conn), conn, vote.VersionUnset, err)
		return
	}
	id := connID(sess, conn)
	defer sess.Discard()

	_ = conn.SetDeadline(time.Now().Add(s.timeout))
	greeting := proto.Greeting{Version: s.node.Version, Challenge: sess.Challenge()}
	if err := proto.WriteGreeting(conn, greeting); err != nil {
		s.fail(id, conn, vote.VersionUnset, err)
		return
	}

	v, err := s.readVote(ctx, conn, sess)
	if err != nil {
		s.fail(id, conn, sess.Version(), err)
		return
	}
	s.metrics.IncVote(sess.Version().String())
	s.log.Debug("vote received", zap.String("conn", id), zap.Stringer("vote", v))
	s.sink.OnVoteReceived(v, sess.Version())

	if sess.Version() == vote.VersionModern {
		if _, err := conn.Write(proto.EncodeStatus(nil)); err != nil {
			s.log.Debug("write status failed", zap.String("conn", id), zap.Error(err))
		}
	}
}

func (s *Server) readVote(ctx context.Context, conn net.Conn, sess *node.Session) (vote.Vote, error) {
	d := newDifferentiator(sess, s.node.LegacyEnabled(), s.node.LegacyBlockSize())
	buf := make([]byte, readChunk)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			state, err := d.feed(buf[:n])
			if err != nil {
				return vote.Vote{}, err
			}
			switch state {
			case classifiedLegacy:
				return s.decodeLegacy(ctx, d.legacyBlock())
			case classifiedModern:
				return s.decodeModern(ctx, conn, sess)
			}
		}
		if readErr != nil {
			return vote.Vote{}, d.abort(readErr)
		}
	}
}

func (s *Server) decodeLegacy(ctx context.Context, block []byte) (vote.Vote, error) {
	start := time.Now()
	v, err := s.node.DecodeLegacy(ctx, block)
	s.metrics.ObserveDecode(vote.VersionLegacy.String(), time.Since(start))
	return v, err
}

func (s *Server) decodeModern(ctx context.Context, conn net.Conn, sess *node.Session) (vote.Vote, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.timeout))
	r := io.MultiReader(bytes.NewReader(sess.Buffered()), conn)
	body, err := proto.ReadFrame(r)
	if err != nil {
		if _, ok := proto.KindOf(err); !ok {
			err = proto.Wrap(proto.ErrMalformedModernPayload, err)
		}
		return vote.Vote{}, err
	}
	start := time.Now()
	v, err := s.node.DecodeModern(ctx, sess, body)
	s.metrics.ObserveDecode(vote.VersionModern.String(), time.Since(start))
	return v, err
}

// fail reports err once for the connection. Modern peers also get a status
// reply before the close.
func (s *Server) fail(id string, conn net.Conn, version vote.ProtocolVersion, err error) {
	class, kind := "Error", "Unclassified"
	if k, ok := proto.KindOf(err); ok {
		class, kind = string(k.Class()), k.Name()
	}
	s.metrics.IncError(class, kind)
	if version == vote.VersionModern && !errors.Is(err, net.ErrClosed) {
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
		_, _ = conn.Write(proto.EncodeStatus(err))
	}
	s.log.Info("unable to process vote", zap.String("conn", id), zap.String("class", class), zap.String("kind", kind))
	s.log.Debug("vote failure cause", zap.String("conn", id), zap.Error(err))
	s.sink.OnError(id, err)
}

func connID(sess *node.Session, conn net.Conn) string {
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if sess == nil {
		return remote
	}
	return sess.ID() + "@" + remote
}
