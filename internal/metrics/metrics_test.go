package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.Outcomes == nil {
		t.Error("Outcomes metric is nil")
	}
	if m.ProbeLatency == nil {
		t.Error("ProbeLatency metric is nil")
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionStart()
	m.RecordReady()
	if got := testutil.ToFloat64(m.TunnelReady); got != 1 {
		t.Errorf("TunnelReady = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}

	m.RecordSessionEnd("stopped")
	m.RecordSessionStart()
	m.RecordSessionEnd("unsupported_family")

	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Errorf("SessionsActive = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.SessionsStarted); got != 2 {
		t.Errorf("SessionsStarted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TunnelReady); got != 0 {
		t.Errorf("TunnelReady = %v, want 0 after session end", got)
	}
	if got := testutil.ToFloat64(m.SessionsEnded.WithLabelValues("stopped")); got != 1 {
		t.Errorf("SessionsEnded[stopped] = %v, want 1", got)
	}
}

func TestRecordTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReceive(148)
	m.RecordReceive(32)
	m.RecordSend(92)

	if got := testutil.ToFloat64(m.DatagramsReceived); got != 2 {
		t.Errorf("DatagramsReceived = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 180 {
		t.Errorf("BytesReceived = %v, want 180", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 92 {
		t.Errorf("BytesSent = %v, want 92", got)
	}
}

func TestRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordOutcome("emit_to_transport")
	m.RecordOutcome("emit_to_transport")
	m.RecordOutcome("quiescent")
	m.RecordRejection("replay")

	if got := testutil.ToFloat64(m.Outcomes.WithLabelValues("emit_to_transport")); got != 2 {
		t.Errorf("Outcomes[emit_to_transport] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Rejections.WithLabelValues("replay")); got != 1 {
		t.Errorf("Rejections[replay] = %v, want 1", got)
	}
}

func TestRecordSocket(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBindRetry()
	m.RecordBindRetry()
	m.RecordRebind()

	if got := testutil.ToFloat64(m.BindRetries); got != 2 {
		t.Errorf("BindRetries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Rebinds); got != 1 {
		t.Errorf("Rebinds = %v, want 1", got)
	}
}

func TestRecordProbe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordProbe(true, 0.002)
	m.RecordProbe(false, 0)

	if got := testutil.ToFloat64(m.ProbeRuns.WithLabelValues("success")); got != 1 {
		t.Errorf("ProbeRuns[success] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProbeRuns.WithLabelValues("failure")); got != 1 {
		t.Errorf("ProbeRuns[failure] = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ProbeLatency); got != 1 {
		t.Errorf("ProbeLatency series = %d, want 1", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
