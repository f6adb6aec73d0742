package perf

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
)

func newInventoryRouter(tb testing.TB) (http.Handler, *inventory.Service) {
	tb.Helper()
	svc := inventory.NewService(inventory.NewMemoryStore(), inventory.ServiceConfig{})
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		inventory.NewHandler(nil, svc, "bench-key").MountRoutes(r)
	})
	return r, svc
}

func TestSaleLatencyTargets(t *testing.T) {
	router, svc := newInventoryRouter(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := svc.Replenish(ctx, inventory.ReplenishInput{ProductID: fmt.Sprintf("P%d", i), VendorID: "V1", Quantity: 1000})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	samples := make([]time.Duration, 0, 500)
	for i := 0; i < 500; i++ {
		body := fmt.Sprintf(`{"productId":"P%d","vendorId":"V1","quantity":1}`, i%10)
		req := httptest.NewRequest(http.MethodPost, "/api/inventory/sale", strings.NewReader(body))
		rec := httptest.NewRecorder()
		start := time.Now()
		router.ServeHTTP(rec, req)
		samples = append(samples, time.Since(start))
		if rec.Code != http.StatusOK {
			t.Fatalf("sale %d: status %d body %s", i, rec.Code, rec.Body.String())
		}
	}

	if p95 := percentile95(samples); p95 > 50*time.Millisecond {
		t.Fatalf("sale latency regression: p95=%s threshold=50ms", p95)
	}
}

func BenchmarkConsumeParallel(b *testing.B) {
	_, svc := newInventoryRouter(b)
	ctx := context.Background()
	const keys = 64
	for i := 0; i < keys; i++ {
		_, err := svc.Replenish(ctx, inventory.ReplenishInput{ProductID: fmt.Sprintf("P%d", i), VendorID: "V1", Quantity: int64(b.N) + 1})
		if err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, err := svc.Consume(ctx, inventory.ConsumeInput{ProductID: fmt.Sprintf("P%d", i%keys), VendorID: "V1", Quantity: 1})
			if err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
