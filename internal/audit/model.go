// Package audit is the append-only sink for sensitive actions:
// permission edits, case transitions and amendments, logins. Entries
// are hash-chained for tamper evidence. The sink records, it never
// gates: nothing in here participates in authorization decisions.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/surgicase/platform/internal/shared/types"
)

// canonicalJSON produces deterministic JSON output with sorted map keys.
// This is critical for hash verification - Go maps have random iteration order,
// and PostgreSQL JSONB may reorder keys, so we must sort them for consistent hashing.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// AuditEntry represents an immutable audit log entry
type AuditEntry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	// Actor
	ActorID   types.ID `json:"actor_id"`
	ActorRole string   `json:"actor_role,omitempty"`
	ActorIP   string   `json:"actor_ip,omitempty"`

	// Action
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   *types.ID `json:"resource_id,omitempty"`

	// Changes
	Changes map[string]any `json:"changes,omitempty"`

	Justification string `json:"justification,omitempty"`
}

// NewAuditEntry creates a new audit entry
func NewAuditEntry(
	actorID types.ID,
	actorRole string,
	action, resourceType string,
	resourceID *types.ID,
	changes map[string]any,
	prevHash string,
) *AuditEntry {
	entry := &AuditEntry{
		ID:           types.NewID(),
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond), // Truncate to microseconds for PostgreSQL compatibility
		PrevHash:     prevHash,
		ActorID:      actorID,
		ActorRole:    actorRole,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Changes:      changes,
	}

	entry.Hash = entry.calculateHash()

	return entry
}

// calculateHash calculates the SHA-256 hash of the entry using canonical JSON
// for deterministic output regardless of map key ordering.
func (e *AuditEntry) calculateHash() string {
	// Always hash the UTC timestamp so verification is independent of
	// the verifier's timezone.
	data := map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":     e.PrevHash,
		"actor_id":      e.ActorID,
		"actor_role":    e.ActorRole,
		"action":        e.Action,
		"resource_type": e.ResourceType,
	}

	if e.ResourceID != nil {
		data["resource_id"] = e.ResourceID
	}
	if len(e.Changes) > 0 {
		data["changes"] = e.Changes
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *AuditEntry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ComputeHash computes and returns the correct hash for this entry
func (e *AuditEntry) ComputeHash() string {
	return e.calculateHash()
}

// WithRequest adds request information to the entry
func (e *AuditEntry) WithRequest(ip string) *AuditEntry {
	e.ActorIP = ip
	return e
}

// ListEntriesFilter defines filters for listing audit entries
type ListEntriesFilter struct {
	ActorID      *types.ID  `json:"actor_id,omitempty"`
	Action       string     `json:"action,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   *types.ID  `json:"resource_id,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// Common audit actions
const (
	// Authentication
	ActionLogin       = "auth.login"
	ActionLogout      = "auth.logout"
	ActionLoginFailed = "auth.login_failed"

	// Cases
	ActionCaseCreated      = "case.created"
	ActionCaseTransitioned = "case.transitioned"
	ActionCaseAmended      = "case.amended"

	// Permission matrix
	ActionPermissionChanged = "permission.changed"

	// Sensitive data access
	ActionDataExported = "sensitive.data_exported"
	ActionDataImported = "sensitive.data_imported"
)

// VerifyResult contains detailed verification results
type VerifyResult struct {
	Valid          bool                `json:"valid"`
	Checked        int                 `json:"checked"`
	ContentValid   int                 `json:"content_valid"`   // Entries with valid content hash
	ContentInvalid int                 `json:"content_invalid"` // Entries with tampered content
	LinkageValid   int                 `json:"linkage_valid"`   // Entries with valid chain linkage
	LinkageInvalid int                 `json:"linkage_invalid"` // Entries with broken chain
	Violations     []string            `json:"violations,omitempty"`
	Entries        []VerifyEntryResult `json:"entries,omitempty"`
}

// VerifyEntryResult contains verification result for a single entry
type VerifyEntryResult struct {
	ID            types.ID `json:"id"`
	Sequence      int64    `json:"sequence"`
	Hash          string   `json:"hash"`
	ComputedHash  string   `json:"computed_hash,omitempty"`
	PrevHash      string   `json:"prev_hash"`
	Valid         bool     `json:"valid"`
	ContentValid  bool     `json:"content_valid"`
	LinkageValid  bool     `json:"linkage_valid"`
	Action        string   `json:"action"`
	ViolationType string   `json:"violation_type,omitempty"` // "content", "linkage", "both"
}
