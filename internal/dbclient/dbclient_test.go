package dbclient

import "testing"

const sampleInfo = "# Server\r\nredis_version:7.2.4\r\n\r\n# Clients\r\nconnected_clients:12\r\n\r\n# Replication\r\nrole:master\r\n\r\n# Cluster\r\ncluster_enabled:0\r\n"

func TestParseInfo_SplitsIntoSectionFieldValue(t *testing.T) {
	snap := parseInfo(sampleInfo)

	if got := snap["server"]["redis_version"]; got != "7.2.4" {
		t.Errorf("expected redis_version 7.2.4, got %q", got)
	}
	if got := snap["clients"]["connected_clients"]; got != "12" {
		t.Errorf("expected connected_clients 12, got %q", got)
	}
	if got := snap["replication"]["role"]; got != "master" {
		t.Errorf("expected role master, got %q", got)
	}
}

func TestParseInfo_LinesBeforeAnySectionAreDiscarded(t *testing.T) {
	snap := parseInfo("orphan_field:1\n# Server\nredis_version:7.2.4\n")
	if _, ok := snap[""]; ok {
		t.Error("expected no section for a line preceding any header")
	}
	if got := snap["server"]["redis_version"]; got != "7.2.4" {
		t.Errorf("expected the Server section still parsed, got %q", got)
	}
}

func TestParseInfo_LinesWithoutColonAreSkipped(t *testing.T) {
	snap := parseInfo("# Server\nmalformed_line_no_colon\nredis_version:7.2.4\n")
	if len(snap["server"]) != 1 {
		t.Errorf("expected only the well-formed field parsed, got %+v", snap["server"])
	}
}

func TestInfoSnapshot_Float64_ParsesNumericField(t *testing.T) {
	snap := InfoSnapshot{"clients": {"connected_clients": "42"}}
	v, ok := snap.Float64("clients", "connected_clients")
	if !ok || v != 42 {
		t.Fatalf("expected 42, got v=%f ok=%v", v, ok)
	}
}

func TestInfoSnapshot_Float64_MissingSectionOrFieldReturnsFalse(t *testing.T) {
	snap := InfoSnapshot{"clients": {"connected_clients": "42"}}
	if _, ok := snap.Float64("missing_section", "x"); ok {
		t.Error("expected false for a missing section")
	}
	if _, ok := snap.Float64("clients", "missing_field"); ok {
		t.Error("expected false for a missing field")
	}
}

func TestInfoSnapshot_Float64_NonNumericValueReturnsFalse(t *testing.T) {
	snap := InfoSnapshot{"clients": {"role": "master"}}
	if _, ok := snap.Float64("clients", "role"); ok {
		t.Error("expected false for a non-numeric value")
	}
}

func TestNonZero_FallsBackToDefaultOnZeroOrNegative(t *testing.T) {
	if got := nonZero(0, 5); got != 5 {
		t.Errorf("expected fallback to default, got %v", got)
	}
	if got := nonZero(-1, 5); got != 5 {
		t.Errorf("expected fallback to default for negative, got %v", got)
	}
}

func TestNonZero_KeepsPositiveValue(t *testing.T) {
	if got := nonZero(10, 5); got != 10 {
		t.Errorf("expected positive value kept, got %v", got)
	}
}
