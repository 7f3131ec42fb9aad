package daemon

import (
	"go.uber.org/zap"

	"govotifier/internal/vote"
)

// Sink is the application's side of the engine. OnVoteReceived runs on the
// connection's goroutine once per decoded vote; OnError runs at most once
// per failed connection.
type Sink interface {
	OnVoteReceived(v vote.Vote, version vote.ProtocolVersion)
	OnError(connID string, err error)
}

// MultiSink fans every event out to each sink in order.
type MultiSink []Sink

func (m MultiSink) OnVoteReceived(v vote.Vote, version vote.ProtocolVersion) {
	for _, s := range m {
		s.OnVoteReceived(v, version)
	}
}

func (m MultiSink) OnError(connID string, err error) {
	for _, s := range m {
		s.OnError(connID, err)
	}
}

// LogSink logs every vote; it is the daemon's sink when nothing else
// consumes votes.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) OnVoteReceived(v vote.Vote, version vote.ProtocolVersion) {
	l.Log.Info("got vote",
		zap.Stringer("protocol", version),
		zap.String("service", v.ServiceName),
		zap.String("username", v.Username),
		zap.String("address", v.Address),
		zap.String("timestamp", v.Timestamp),
	)
}

func (l LogSink) OnError(string, error) {}
