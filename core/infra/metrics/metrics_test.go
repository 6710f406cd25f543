package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncTriggersReceived("browser")
	m.IncTriggersRejected("rate_limited")
	m.IncTasksEnqueued("load")
	m.IncQueueRejections("load")
	m.ObserveRequest("GET", "/health", "200", 0.01)
	m.IncStreamsOpened()
	m.DecStreamsOpen()
	m.IncConsoleLines()
	m.IncStreamShutdowns("complete")
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("runbeam")
	m.IncTriggersReceived("browser")
	m.IncTriggersRejected("rate_limited")
	m.IncTasksEnqueued("browser")
	m.IncQueueRejections("load")
	m.ObserveRequest("POST", "/api/v1/jobs/{jobId}/trigger", "200", 0.05)
	m.IncStreamsOpened()
	m.IncConsoleLines()
	m.IncStreamShutdowns("client_abort")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "runbeam_triggers_received_total", map[string]string{"engine": "browser"}) {
		t.Fatalf("expected triggers_received metric")
	}
	if !hasMetric(families, "runbeam_triggers_rejected_total", map[string]string{"reason": "rate_limited"}) {
		t.Fatalf("expected triggers_rejected metric")
	}
	if !hasMetric(families, "runbeam_queue_rejections_total", map[string]string{"engine": "load"}) {
		t.Fatalf("expected queue_rejections metric")
	}
	if !hasMetric(families, "runbeam_console_stream_shutdowns_total", map[string]string{"reason": "client_abort"}) {
		t.Fatalf("expected stream_shutdowns metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("runbeam")
	m.IncTriggersReceived("browser")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
