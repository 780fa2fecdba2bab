package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/rickgao/exchange-stream/internal/connection"
	"github.com/rickgao/exchange-stream/internal/integrity"
	"github.com/rickgao/exchange-stream/internal/router"
)

var (
	_ connection.Observer      = (*Metrics)(nil)
	_ integrity.DiagnosticSink = (*Metrics)(nil)
)

// value returns the sample of name whose labels include all of labels.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetrics_ConnectionState(t *testing.T) {
	m := New()

	if v := value(t, m, "stream_connection_state", map[string]string{"state": "disconnected"}); v != 1 {
		t.Errorf("disconnected = %v, want 1 initially", v)
	}

	m.StateChanged(connection.StateDisconnected, connection.StateConnecting)
	m.StateChanged(connection.StateConnecting, connection.StateConnected)

	if v := value(t, m, "stream_connection_state", map[string]string{"state": "connected"}); v != 1 {
		t.Errorf("connected = %v, want 1", v)
	}
	if v := value(t, m, "stream_connection_state", map[string]string{"state": "disconnected"}); v != 0 {
		t.Errorf("disconnected = %v, want 0", v)
	}
	if v := value(t, m, "stream_connection_transitions_total", map[string]string{"to": "connecting"}); v != 1 {
		t.Errorf("transitions to connecting = %v, want 1", v)
	}
}

func TestMetrics_ReconnectsAndHeartbeats(t *testing.T) {
	m := New()

	m.ReconnectScheduled(1, time.Second)
	m.ReconnectScheduled(2, 2*time.Second)
	m.HeartbeatMissed(1)

	if v := value(t, m, "stream_reconnects_scheduled_total", nil); v != 2 {
		t.Errorf("reconnects = %v, want 2", v)
	}
	if v := value(t, m, "stream_reconnect_delay_seconds", nil); v != 2 {
		t.Errorf("delay samples = %v, want 2", v)
	}
	if v := value(t, m, "stream_heartbeats_missed_total", nil); v != 1 {
		t.Errorf("heartbeats missed = %v, want 1", v)
	}
}

func TestMetrics_Outbound(t *testing.T) {
	m := New()

	m.OutboundQueued(7)
	m.OutboundDropped(connection.ErrOutboundOverflow)
	m.OutboundDropped(errors.New("write: broken pipe"))

	if v := value(t, m, "stream_outbound_queue_depth", nil); v != 7 {
		t.Errorf("depth = %v, want 7", v)
	}
	if v := value(t, m, "stream_outbound_dropped_total", map[string]string{"reason": "overflow"}); v != 1 {
		t.Errorf("overflow drops = %v, want 1", v)
	}
	if v := value(t, m, "stream_outbound_dropped_total", map[string]string{"reason": "send_failed"}); v != 1 {
		t.Errorf("send failures = %v, want 1", v)
	}
}

func TestMetrics_Diagnostics(t *testing.T) {
	m := New()

	m.Record(integrity.Diagnostic{Kind: integrity.KindOverflow, Category: "prices", Count: 100})
	m.Record(integrity.Diagnostic{Kind: integrity.KindForced, Category: "prices", Count: 2})
	m.Record(integrity.Diagnostic{Kind: integrity.KindDuplicate, Category: "news"})

	if v := value(t, m, "stream_integrity_events_total", map[string]string{"category": "prices", "kind": "overflow"}); v != 1 {
		t.Errorf("overflow events = %v, want 1", v)
	}
	if v := value(t, m, "stream_integrity_affected_total", map[string]string{"category": "prices", "kind": "overflow"}); v != 100 {
		t.Errorf("purged = %v, want 100", v)
	}
	if v := value(t, m, "stream_integrity_affected_total", map[string]string{"category": "prices", "kind": "forced"}); v != 2 {
		t.Errorf("skipped = %v, want 2", v)
	}
	if v := value(t, m, "stream_integrity_events_total", map[string]string{"category": "news", "kind": "duplicate"}); v != 1 {
		t.Errorf("duplicates = %v, want 1", v)
	}
}

func TestMetrics_ProtocolErrors(t *testing.T) {
	m := New()

	m.ProtocolError(&router.ProtocolError{Err: router.ErrMalformedFrame})
	m.ProtocolError(&router.ProtocolError{Err: router.ErrMissingCategory})
	m.ProtocolError(&router.ProtocolError{Err: router.ErrMissingCategory})

	if v := value(t, m, "stream_protocol_errors_total", map[string]string{"reason": "malformed"}); v != 1 {
		t.Errorf("malformed = %v, want 1", v)
	}
	if v := value(t, m, "stream_protocol_errors_total", map[string]string{"reason": "missing_category"}); v != 2 {
		t.Errorf("missing_category = %v, want 2", v)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.FrameReceived("data")
	m.FrameSent("ping")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`stream_frames_received_total{type="data"} 1`,
		`stream_frames_sent_total{type="ping"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
