package engine

import (
	"testing"

	"github.com/sentineld/sentineld/internal/dbclient"
	"github.com/sentineld/sentineld/internal/model"
)

func TestGetExtractor_AllRegisteredKinds(t *testing.T) {
	for _, kind := range []model.MetricKind{
		model.MetricConnections, model.MetricOpsPerSec, model.MetricMemoryUsed,
		model.MetricInputKbps, model.MetricOutputKbps, model.MetricSlowlogCount,
		model.MetricEvictedKeys, model.MetricBlockedClients, model.MetricKeyspaceMisses,
		model.MetricFragmentationRatio, model.MetricACLDenied,
	} {
		if _, ok := GetExtractor(kind); !ok {
			t.Errorf("expected extractor registered for %s", kind)
		}
	}
}

func TestFieldExtractor_MissingFieldReturnsFalse(t *testing.T) {
	snap := dbclient.InfoSnapshot{"clients": {}}
	extractor, _ := GetExtractor(model.MetricConnections)
	_, ok := extractor(snap)
	if ok {
		t.Fatal("expected extraction to fail for missing field")
	}
}

func TestFieldExtractor_PresentFieldReturnsValue(t *testing.T) {
	snap := dbclient.InfoSnapshot{"clients": {"connected_clients": "42"}}
	extractor, _ := GetExtractor(model.MetricConnections)
	v, ok := extractor(snap)
	if !ok || v != 42 {
		t.Fatalf("expected 42, got v=%f ok=%v", v, ok)
	}
}

func TestACLDeniedExtractor_SumsBothFields(t *testing.T) {
	snap := dbclient.InfoSnapshot{"stats": {
		"rejected_connections":    "3",
		"acl_access_denied_auth":  "5",
	}}
	v, ok := aclDenied(snap)
	if !ok || v != 8 {
		t.Fatalf("expected sum 8, got v=%f ok=%v", v, ok)
	}
}

func TestACLDeniedExtractor_PartiallyPresentStillCounts(t *testing.T) {
	snap := dbclient.InfoSnapshot{"stats": {"rejected_connections": "3"}}
	v, ok := aclDenied(snap)
	if !ok || v != 3 {
		t.Fatalf("expected 3 from the present field alone, got v=%f ok=%v", v, ok)
	}
}

func TestACLDeniedExtractor_BothAbsentReturnsFalse(t *testing.T) {
	snap := dbclient.InfoSnapshot{"stats": {}}
	_, ok := aclDenied(snap)
	if ok {
		t.Fatal("expected false when both source fields are absent")
	}
}

func TestRegisterExtractor_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterExtractor(model.MetricConnections, field("clients", "connected_clients"))
}
