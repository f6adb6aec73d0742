package perf

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/portalsync"
	"github.com/odyssey-erp/odyssey-pos/jobs"
)

func TestRelayThroughputAndReliability(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer portal.Close()

	store := inventory.NewMemoryStore()
	svc := inventory.NewService(store, inventory.ServiceConfig{})
	ctx := context.Background()
	const keys, perKey = 20, 10
	for k := 0; k < keys; k++ {
		for i := 0; i < perKey; i++ {
			_, err := svc.Replenish(ctx, inventory.ReplenishInput{ProductID: fmt.Sprintf("P%d", k), VendorID: "V1", Quantity: 1})
			if err != nil {
				t.Fatalf("seed: %v", err)
			}
		}
	}

	reg := prometheus.NewRegistry()
	policy := portalsync.DefaultPolicy()
	dispatcher := portalsync.NewDispatcher(store, portalsync.NewClient(portal.URL, "portal-key", time.Second), policy,
		portalsync.WithMetrics(portalsync.NewMetrics(reg)))
	job := jobs.NewSyncRelayJob(dispatcher, nil, jobmetrics.NewMetrics(reg))

	task, err := jobs.NewSyncRelayTask("perf", time.Now())
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	start := time.Now()
	if err := job.Handle(ctx, task); err != nil {
		t.Fatalf("relay: %v", err)
	}
	elapsed := time.Since(start)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	delivered := metricValue(t, families, "odyssey_pos_sync_attempts_total", map[string]string{"kind": "REPLENISH", "result": "delivered"})
	if delivered != keys*perKey {
		t.Fatalf("delivered %v events, want %d", delivered, keys*perKey)
	}
	settled := metricValue(t, families, "odyssey_pos_relay_settled_total", map[string]string{"outcome": "delivered"})
	if settled != keys*perKey {
		t.Fatalf("relay settled %v events, want %d", settled, keys*perKey)
	}
	pending := metricValue(t, families, "odyssey_pos_sync_events", map[string]string{"status": "PENDING"})
	if pending != 0 {
		t.Fatalf("outbox still holds %v pending events", pending)
	}
	runs := metricValue(t, families, "odyssey_jobs_total", map[string]string{"job": jobs.TaskPortalSyncRelay, "status": "success"})
	if runs != 1 {
		t.Fatalf("relay runs = %v, want 1", runs)
	}

	mean := histogramMean(t, families, "odyssey_job_duration_seconds", map[string]string{"job": jobs.TaskPortalSyncRelay})
	if mean > 5.0 || elapsed > 5*time.Second {
		t.Fatalf("relay duration above budget: mean=%f elapsed=%s", mean, elapsed)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
