package observability

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestNewMetrics_RegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected a non-nil Metrics")
	}
	m.PollsTotal.WithLabelValues("c1", "ok").Inc()
	m.AnomalyEventsTotal.WithLabelValues("connections", "spike", "critical").Inc()
	m.ActiveConnections.Set(3)
}

func TestServeMetrics_ExposesMetricsAndHealthzEndpoints(t *testing.T) {
	m := NewMetrics()
	addr := "127.0.0.1:19091"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.ServeMetrics(ctx, addr) }()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("expected metrics server to become reachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	metricsResp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("unexpected error fetching /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	body, _ := io.ReadAll(metricsResp.Body)
	if len(body) == 0 {
		t.Error("expected a non-empty /metrics response body")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("expected ServeMetrics to return after ctx cancellation")
	}
}
