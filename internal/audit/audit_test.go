package audit

import (
	"testing"
	"time"

	"github.com/surgicase/platform/internal/shared/events"
	"github.com/surgicase/platform/internal/shared/types"
)

// TestNewAuditEntry tests creating a new audit entry
func TestNewAuditEntry(t *testing.T) {
	actorID := types.NewID()
	resourceID := types.NewID()

	entry := NewAuditEntry(
		actorID,
		"operations",
		ActionCaseCreated,
		"case",
		&resourceID,
		map[string]any{"ref_number": "AT-2026-000001"},
		"",
	)

	if entry.ID.IsZero() {
		t.Error("Expected non-zero ID")
	}

	if entry.ActorID != actorID {
		t.Errorf("Expected actorID %s, got %s", actorID, entry.ActorID)
	}

	if entry.ActorRole != "operations" {
		t.Errorf("Expected actor role 'operations', got %s", entry.ActorRole)
	}

	if entry.Action != ActionCaseCreated {
		t.Errorf("Expected action %s, got %s", ActionCaseCreated, entry.Action)
	}

	if entry.Hash == "" {
		t.Error("Expected non-empty hash")
	}

	if entry.PrevHash != "" {
		t.Error("Expected empty prev_hash for first entry")
	}
}

// TestHashChainIntegrity tests that hash chain links are valid
func TestHashChainIntegrity(t *testing.T) {
	actorID := types.NewID()

	entries := make([]*AuditEntry, 5)

	prevHash := ""
	for i := 0; i < 5; i++ {
		resourceID := types.NewID()
		entries[i] = NewAuditEntry(
			actorID,
			"operations",
			ActionCaseTransitioned,
			"case",
			&resourceID,
			map[string]any{"index": i},
			prevHash,
		)
		prevHash = entries[i].Hash
	}

	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Errorf("Chain broken at entry %d: expected prev_hash %s, got %s",
				i, entries[i-1].Hash, entries[i].PrevHash)
		}
	}
}

// TestHashChainTamperDetection tests that modifying an entry invalidates its hash
func TestHashChainTamperDetection(t *testing.T) {
	actorID := types.NewID()
	resourceID := types.NewID()

	entry := NewAuditEntry(
		actorID,
		"sales",
		ActionCaseAmended,
		"case",
		&resourceID,
		map[string]any{"surgeon_name": "Dr. Huber"},
		"",
	)

	originalHash := entry.Hash

	if !entry.VerifyHash() {
		t.Error("Hash should be valid before tampering")
	}

	entry.Changes["surgeon_name"] = "Dr. Tampered"

	if entry.VerifyHash() {
		t.Error("Hash should be invalid after tampering")
	}

	computedHash := entry.ComputeHash()
	if computedHash == originalHash {
		t.Error("Computed hash should differ after tampering")
	}
}

// TestCanonicalJSONDeterminism tests that canonical JSON produces consistent output
func TestCanonicalJSONDeterminism(t *testing.T) {
	actorID := types.NewID()
	resourceID := types.NewID()

	changes := map[string]any{
		"zebra":  "last",
		"apple":  "first",
		"middle": "middle",
		"nested": map[string]any{
			"z": 3,
			"a": 1,
			"m": 2,
		},
	}

	entry1 := NewAuditEntry(
		actorID,
		"operations",
		ActionCaseAmended,
		"case",
		&resourceID,
		changes,
		"prevhash",
	)

	entry2 := &AuditEntry{
		ID:           entry1.ID,
		Timestamp:    entry1.Timestamp,
		PrevHash:     entry1.PrevHash,
		ActorID:      entry1.ActorID,
		ActorRole:    entry1.ActorRole,
		Action:       entry1.Action,
		ResourceType: entry1.ResourceType,
		ResourceID:   entry1.ResourceID,
		Changes:      changes,
	}
	entry2.Hash = entry2.calculateHash()

	if entry1.Hash != entry2.Hash {
		t.Errorf("Hashes should be identical for same data: got %s and %s", entry1.Hash, entry2.Hash)
	}
}

// TestEntryTimestampPrecision tests that timestamps are handled correctly
func TestEntryTimestampPrecision(t *testing.T) {
	actorID := types.NewID()

	entry := NewAuditEntry(
		actorID,
		"system",
		ActionLogin,
		"auth",
		nil,
		nil,
		"",
	)

	// Timestamp should be truncated to microseconds for PostgreSQL compatibility
	if entry.Timestamp.Nanosecond()%1000 != 0 {
		t.Error("Timestamp should be truncated to microseconds")
	}

	if entry.Timestamp.Location() != time.UTC {
		t.Error("Timestamp should be in UTC")
	}
}

// TestWithRequest tests adding request info to an entry
func TestWithRequest(t *testing.T) {
	actorID := types.NewID()

	entry := NewAuditEntry(
		actorID,
		"driver",
		ActionLogin,
		"auth",
		nil,
		nil,
		"",
	)

	entry.WithRequest("192.168.1.100")

	if entry.ActorIP != "192.168.1.100" {
		t.Errorf("Expected IP '192.168.1.100', got '%s'", entry.ActorIP)
	}
}

// buildChain builds a chain of n entries and returns them in
// descending order, the order verifyEntries expects.
func buildChain(n int) []AuditEntry {
	actorID := types.NewID()
	entries := make([]AuditEntry, 0, n)
	prevHash := ""
	for i := 0; i < n; i++ {
		resourceID := types.NewID()
		entry := NewAuditEntry(
			actorID,
			"operations",
			ActionCaseTransitioned,
			"case",
			&resourceID,
			map[string]any{"index": i},
			prevHash,
		)
		entry.Sequence = int64(i + 1)
		prevHash = entry.Hash
		entries = append(entries, *entry)
	}

	// Reverse to descending order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// TestVerifyEntriesValidChain tests chain verification over an intact chain
func TestVerifyEntriesValidChain(t *testing.T) {
	entries := buildChain(10)

	result := verifyEntries(entries, true)

	if !result.Valid {
		t.Errorf("Expected valid chain, got violations: %v", result.Violations)
	}

	if result.Checked != 10 {
		t.Errorf("Expected 10 checked entries, got %d", result.Checked)
	}

	if result.ContentValid != 10 {
		t.Errorf("Expected 10 content-valid entries, got %d", result.ContentValid)
	}

	if result.ContentInvalid != 0 || result.LinkageInvalid != 0 {
		t.Errorf("Expected no invalid entries, got %d content, %d linkage",
			result.ContentInvalid, result.LinkageInvalid)
	}

	if len(result.Entries) != 10 {
		t.Errorf("Expected 10 detail entries, got %d", len(result.Entries))
	}
}

// TestVerifyEntriesContentTamper tests that content tampering is reported
func TestVerifyEntriesContentTamper(t *testing.T) {
	entries := buildChain(10)

	// Tamper with a middle entry's content without recomputing its hash
	entries[5].Changes["index"] = 999

	result := verifyEntries(entries, false)

	if result.Valid {
		t.Error("Expected invalid chain after content tampering")
	}

	if result.ContentInvalid != 1 {
		t.Errorf("Expected 1 content-invalid entry, got %d", result.ContentInvalid)
	}

	if len(result.Violations) == 0 {
		t.Error("Expected at least one violation message")
	}
}

// TestVerifyEntriesLinkageBreak tests that a broken prev_hash link is reported
func TestVerifyEntriesLinkageBreak(t *testing.T) {
	entries := buildChain(10)

	// Rewrite a middle entry so its own hash is consistent but the
	// next entry's prev_hash no longer points at it
	entries[5].PrevHash = "forged"
	entries[5].Hash = entries[5].ComputeHash()

	result := verifyEntries(entries, false)

	if result.Valid {
		t.Error("Expected invalid chain after linkage break")
	}

	if result.LinkageInvalid == 0 {
		t.Error("Expected at least one linkage-invalid entry")
	}

	if result.ContentInvalid != 0 {
		t.Errorf("Expected no content-invalid entries, got %d", result.ContentInvalid)
	}
}

// TestEventToAuditEntry tests mapping domain events to audit entries
func TestEventToAuditEntry(t *testing.T) {
	s := &Subscriber{}
	actorID := types.NewID()
	caseID := types.NewID()

	event := events.Event{
		ID:        types.NewID().String(),
		Type:      "case.transitioned",
		Source:    "casebook",
		Timestamp: time.Now(),
		ActorID:   actorID,
		ActorRole: "operations",
		ActorIP:   "10.0.0.5",
		Data: map[string]any{
			"case_id":     caseID.String(),
			"from_status": "booked",
			"to_status":   "order_preparation",
		},
	}

	entry := s.eventToAuditEntry(event)
	if entry == nil {
		t.Fatal("Expected audit entry, got nil")
	}

	if entry.Action != "case.transitioned" {
		t.Errorf("Expected action 'case.transitioned', got %s", entry.Action)
	}

	if entry.ResourceType != "case" {
		t.Errorf("Expected resource type 'case', got %s", entry.ResourceType)
	}

	if entry.ResourceID == nil || *entry.ResourceID != caseID {
		t.Error("Expected resource ID extracted from case_id field")
	}

	if entry.ActorID != actorID {
		t.Errorf("Expected actor %s, got %s", actorID, entry.ActorID)
	}

	if entry.ActorRole != "operations" {
		t.Errorf("Expected actor role 'operations', got %s", entry.ActorRole)
	}

	if entry.ActorIP != "10.0.0.5" {
		t.Errorf("Expected actor IP '10.0.0.5', got %s", entry.ActorIP)
	}

	if entry.Timestamp.Nanosecond()%1000 != 0 {
		t.Error("Timestamp should be truncated to microseconds")
	}
}

// TestEventToAuditEntrySkipsMalformedTypes tests that events without a
// dotted type are not audited
func TestEventToAuditEntrySkipsMalformedTypes(t *testing.T) {
	s := &Subscriber{}

	event := events.Event{
		Type:      "heartbeat",
		Timestamp: time.Now(),
	}

	if entry := s.eventToAuditEntry(event); entry != nil {
		t.Errorf("Expected nil entry for type without resource prefix, got %v", entry)
	}
}
