// Package integration_test exercises the full poll → detect → correlate →
// dispatch pipeline end to end, against a real BoltDB-backed store and a
// real HTTP webhook endpoint, rather than any single package in isolation.
//
// Test coverage:
//   - A sustained metric spike fires an anomaly event, persists it, and
//     delivers a signed webhook to a subscriber
//   - Two anomalies on the same connection within the correlation window
//     are grouped and the group is persisted
package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentineld/sentineld/internal/config"
	"github.com/sentineld/sentineld/internal/correlator"
	"github.com/sentineld/sentineld/internal/dbclient"
	"github.com/sentineld/sentineld/internal/engine"
	"github.com/sentineld/sentineld/internal/gate"
	"github.com/sentineld/sentineld/internal/model"
	"github.com/sentineld/sentineld/internal/storage"
	"github.com/sentineld/sentineld/internal/webhook"
)

type fakeClient struct {
	snap dbclient.InfoSnapshot
}

func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) InfoSnapshot(context.Context) (dbclient.InfoSnapshot, error) {
	return f.snap, nil
}
func (f *fakeClient) Capabilities(context.Context) (dbclient.Capabilities, error) {
	return dbclient.Capabilities{}, nil
}
func (f *fakeClient) GetClient() any { return nil }
func (f *fakeClient) Close() error   { return nil }

func openTestStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "sentineld.db"), 30)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPipeline_SpikeFiresPersistsAndDeliversWebhook(t *testing.T) {
	store := openTestStore(t)

	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = json.Marshal(map[string]string{"sig": r.Header.Get("X-Webhook-Signature")})
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := store.CreateWebhook(model.Webhook{
		ID:      "wh1",
		Name:    "ops",
		URL:     server.URL,
		Secret:  "topsecret",
		Enabled: true,
		Events:  []string{"anomaly.detected"},
	}); err != nil {
		t.Fatalf("failed to seed webhook: %v", err)
	}

	disp := webhook.New(store, gate.New(), nil, nil, webhook.Defaults{
		MaxRetries: 1, InitialDelayMs: 50, Multiplier: 2, MaxDelayMs: 500,
		TimeoutMs: 2000, MaxInFlight: 4,
	}, model.RealClock{})

	cfg := map[model.MetricKind]config.DetectorConfig{
		model.MetricConnections: {WarnZ: 2, CritZ: 3, ConsecutiveRequired: 1, Direction: "both"},
	}
	eng := engine.New(cfg, 120, 5, 100, store, nil, disp, model.RealClock{})

	client := &fakeClient{}
	for i := 0; i < 5; i++ {
		client.snap = dbclient.InfoSnapshot{"clients": {"connected_clients": "10"}}
		if err := eng.ProcessTick(context.Background(), "c1", "localhost", 6379, client); err != nil {
			t.Fatalf("warm-up tick failed: %v", err)
		}
	}
	client.snap = dbclient.InfoSnapshot{"clients": {"connected_clients": "1000"}}
	if err := eng.ProcessTick(context.Background(), "c1", "localhost", 6379, client); err != nil {
		t.Fatalf("spike tick failed: %v", err)
	}

	events, err := store.GetAnomalyEvents("c1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error reading events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one persisted anomaly event, got %d", len(events))
	}

	waitFor(t, 2*time.Second, func() bool { return received != nil })

	deliveries, err := store.GetDeliveriesByWebhook("wh1", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error reading deliveries: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one recorded delivery, got %d", len(deliveries))
	}
	if deliveries[0].Status != model.DeliverySuccess {
		t.Errorf("expected successful delivery, got %s", deliveries[0].Status)
	}
}

func TestPipeline_CorrelatedAnomaliesGroupWithinWindow(t *testing.T) {
	store := openTestStore(t)

	cfg := map[model.MetricKind]config.DetectorConfig{
		model.MetricConnections: {WarnZ: 2, CritZ: 3, ConsecutiveRequired: 1, Direction: "both"},
		model.MetricMemoryUsed:  {WarnZ: 2, CritZ: 3, ConsecutiveRequired: 1, Direction: "both"},
	}
	eng := engine.New(cfg, 120, 5, 100, store, nil, nil, model.RealClock{})

	client := &fakeClient{}
	for i := 0; i < 5; i++ {
		client.snap = dbclient.InfoSnapshot{
			"clients": {"connected_clients": "10"},
			"memory":  {"used_memory": "1000000"},
		}
		if err := eng.ProcessTick(context.Background(), "c1", "localhost", 6379, client); err != nil {
			t.Fatalf("warm-up tick failed: %v", err)
		}
	}
	client.snap = dbclient.InfoSnapshot{
		"clients": {"connected_clients": "1000"},
		"memory":  {"used_memory": "1000000000"},
	}
	if err := eng.ProcessTick(context.Background(), "c1", "localhost", 6379, client); err != nil {
		t.Fatalf("spike tick failed: %v", err)
	}

	corr := correlator.New(60000, eng, store, nil, nil, model.RealClock{})
	ctx, cancel := context.WithCancel(context.Background())
	go corr.Run(ctx, 10*time.Millisecond)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		groups, err := store.GetCorrelatedGroups("c1", 0, 0)
		return err == nil && len(groups) > 0
	})

	groups, err := store.GetCorrelatedGroups("c1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups[0].AnomalyIDs) < 2 {
		t.Fatalf("expected at least two anomalies grouped together, got %+v", groups[0])
	}
}
