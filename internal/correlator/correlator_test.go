package correlator

import (
	"testing"

	"go.uber.org/zap"

	"github.com/sentineld/sentineld/internal/engine"
	"github.com/sentineld/sentineld/internal/model"
)

type fakeStore struct {
	groups []model.CorrelatedGroup
	events []model.AnomalyEvent
}

func (s *fakeStore) SaveAnomalyEvent(evt model.AnomalyEvent) error {
	s.events = append(s.events, evt)
	return nil
}
func (s *fakeStore) GetAnomalyEvents(string, int64, int) ([]model.AnomalyEvent, error) { return nil, nil }
func (s *fakeStore) ResolveAnomaly(string, string, int64) error                        { return nil }
func (s *fakeStore) ClearResolvedAnomalyEvents(string) (int, error)                    { return 0, nil }
func (s *fakeStore) SaveCorrelatedGroup(g model.CorrelatedGroup) error {
	s.groups = append(s.groups, g)
	return nil
}
func (s *fakeStore) GetCorrelatedGroups(string, int64, int) ([]model.CorrelatedGroup, error) {
	return nil, nil
}
func (s *fakeStore) CreateWebhook(model.Webhook) error         { return nil }
func (s *fakeStore) ListWebhooks() ([]model.Webhook, error)    { return nil, nil }
func (s *fakeStore) GetWebhook(string) (*model.Webhook, error) { return nil, nil }
func (s *fakeStore) GetWebhooksByEvent(string, string) ([]model.Webhook, error) {
	return nil, nil
}
func (s *fakeStore) UpdateWebhook(model.Webhook) error          { return nil }
func (s *fakeStore) DeleteWebhook(string) error                 { return nil }
func (s *fakeStore) CreateDelivery(model.WebhookDelivery) error { return nil }
func (s *fakeStore) GetDelivery(string, string) (*model.WebhookDelivery, error) {
	return nil, nil
}
func (s *fakeStore) UpdateDelivery(model.WebhookDelivery) error { return nil }
func (s *fakeStore) GetRetriableDeliveries(int64) ([]model.WebhookDelivery, error) {
	return nil, nil
}
func (s *fakeStore) GetDeliveriesByWebhook(string, int, int) ([]model.WebhookDelivery, error) {
	return nil, nil
}
func (s *fakeStore) GetDeadLetterDeliveries() ([]model.WebhookDelivery, error) { return nil, nil }
func (s *fakeStore) PruneOldAnomalyEvents(int) (int, error)                   { return 0, nil }
func (s *fakeStore) PruneOldCorrelatedGroups(int) (int, error)                { return 0, nil }
func (s *fakeStore) PruneOldDeliveries(int) (int, error)                      { return 0, nil }
func (s *fakeStore) Close() error                                             { return nil }

func TestSweep_GroupsWithinWindowTogether(t *testing.T) {
	events := []model.AnomalyEvent{
		{ID: "a", Timestamp: 0},
		{ID: "b", Timestamp: 10_000},
		{ID: "c", Timestamp: 20_000},
	}
	groups := sweep(events, 30_000)
	if len(groups) != 1 || len(groups[0]) != 3 {
		t.Fatalf("expected single group of 3, got %+v", groups)
	}
}

func TestSweep_SplitsWhenGapExceedsWindow(t *testing.T) {
	events := []model.AnomalyEvent{
		{ID: "a", Timestamp: 0},
		{ID: "b", Timestamp: 5_000},
		{ID: "c", Timestamp: 100_000},
	}
	groups := sweep(events, 30_000)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(groups), groups)
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("unexpected group membership: %+v", groups)
	}
}

func TestClassify_MemoryPressureTakesPriorityOverUnknown(t *testing.T) {
	members := []model.AnomalyEvent{
		{MetricKind: model.MetricMemoryUsed, Kind: model.KindSpike},
		{MetricKind: model.MetricEvictedKeys, Kind: model.KindSpike},
	}
	if got := classify(members); got != model.PatternMemoryPressure {
		t.Errorf("expected memory pressure, got %s", got)
	}
}

func TestClassify_AuthStormRequiresCriticalACLDenied(t *testing.T) {
	members := []model.AnomalyEvent{
		{MetricKind: model.MetricACLDenied, Kind: model.KindSpike, Severity: model.SeverityCritical},
		{MetricKind: model.MetricACLDenied, Kind: model.KindSpike, Severity: model.SeverityCritical},
	}
	if got := classify(members); got != model.PatternAuthStorm {
		t.Errorf("expected auth storm, got %s", got)
	}
}

func TestClassify_TrafficSurgeRequiresBothSpikes(t *testing.T) {
	members := []model.AnomalyEvent{
		{MetricKind: model.MetricOpsPerSec, Kind: model.KindSpike},
		{MetricKind: model.MetricConnections, Kind: model.KindSpike},
	}
	if got := classify(members); got != model.PatternTrafficSurge {
		t.Errorf("expected traffic surge, got %s", got)
	}
}

func TestClassify_UnmatchedCombinationIsUnknown(t *testing.T) {
	members := []model.AnomalyEvent{
		{MetricKind: model.MetricBlockedClients, Kind: model.KindSpike},
	}
	if got := classify(members); got != model.PatternUnknown {
		t.Errorf("expected unknown pattern, got %s", got)
	}
}

func TestSweepConnection_EmitsGroupAndStampsCorrelationID(t *testing.T) {
	store := &fakeStore{}
	c := New(30_000, nil, store, nil, zap.NewNop(), model.RealClock{})

	ring := engine.NewRing(100)
	ring.Push(model.AnomalyEvent{ID: "a", Timestamp: 0, MetricKind: model.MetricMemoryUsed, Kind: model.KindSpike})
	ring.Push(model.AnomalyEvent{ID: "b", Timestamp: 1_000, MetricKind: model.MetricEvictedKeys, Kind: model.KindSpike})

	if err := c.sweepConnection("conn1", ring); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.groups) != 1 {
		t.Fatalf("expected one correlated group saved, got %d", len(store.groups))
	}
	grp := store.groups[0]
	if grp.Pattern != model.PatternMemoryPressure {
		t.Errorf("expected memory pressure pattern, got %s", grp.Pattern)
	}
	if len(grp.AnomalyIDs) != 2 {
		t.Errorf("expected both events in the group, got %+v", grp.AnomalyIDs)
	}

	for _, e := range ring.Snapshot() {
		if e.CorrelationID == "" {
			t.Errorf("expected event %s stamped with a correlationId", e.ID)
		}
	}
}

func TestSweepConnection_SingleEventGroupIsNotEmitted(t *testing.T) {
	store := &fakeStore{}
	c := New(30_000, nil, store, nil, zap.NewNop(), model.RealClock{})

	ring := engine.NewRing(100)
	ring.Push(model.AnomalyEvent{ID: "a", Timestamp: 0, MetricKind: model.MetricMemoryUsed, Kind: model.KindSpike})

	if err := c.sweepConnection("conn1", ring); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.groups) != 0 {
		t.Fatalf("expected no group for a lone event, got %d", len(store.groups))
	}
}

func TestSweepConnection_ResolvedAndAlreadyCorrelatedEventsAreIgnored(t *testing.T) {
	store := &fakeStore{}
	c := New(30_000, nil, store, nil, zap.NewNop(), model.RealClock{})

	ring := engine.NewRing(100)
	ring.Push(model.AnomalyEvent{ID: "a", Timestamp: 0, Resolved: true})
	ring.Push(model.AnomalyEvent{ID: "b", Timestamp: 1_000, CorrelationID: "already-grouped"})

	if err := c.sweepConnection("conn1", ring); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.groups) != 0 {
		t.Fatalf("expected no group, got %d", len(store.groups))
	}
}
