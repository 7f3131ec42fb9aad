package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	done := m.ConnOpened()
	m.ConnOpened()
	done()
	m.IncVote("v1")
	m.IncVote("v2")
	m.IncVote("v2")
	m.IncForwarded("quic")
	m.IncForwardDrop("duplicate")
	m.IncError("AuthError", "InvalidSignature")
	m.ObserveDecode("v2", time.Millisecond)

	if got := testutil.ToFloat64(m.connsAccepted); got != 2 {
		t.Fatalf("expected 2 accepted, got %v", got)
	}
	if got := testutil.ToFloat64(m.connsActive); got != 1 {
		t.Fatalf("expected 1 active, got %v", got)
	}
	if got := testutil.ToFloat64(m.votes.WithLabelValues("v2")); got != 2 {
		t.Fatalf("expected v2=2, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("AuthError", "InvalidSignature")); got != 1 {
		t.Fatalf("expected one auth error, got %v", got)
	}
	if got := testutil.CollectAndCount(m.decode); got != 1 {
		t.Fatalf("expected one decode series, got %d", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnOpened()()
	m.IncVote("v1")
	m.IncForwarded("websocket")
	m.IncForwardDrop("open")
	m.IncError("ProtocolError", "UnrecognizedProtocol")
	m.ObserveDecode("v1", time.Second)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncVote("v1")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `votifier_votes_total{protocol="v1"} 1`) {
		t.Fatalf("missing vote counter in:\n%s", body)
	}
}
