package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/metrics"
	"github.com/surgicase/platform/internal/shared/types"
)

// Repository provides append-only audit log operations over PostgreSQL
type Repository struct {
	pool     *pgxpool.Pool
	mu       sync.Mutex
	lastHash string
}

// NewRepository creates a new audit repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Initialize loads the last hash from the database
func (r *Repository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT hash FROM audit.entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&hash)

	if err != nil && !strings.Contains(err.Error(), "no rows") {
		return errors.Wrap(err, "failed to get last audit hash")
	}

	r.lastHash = hash
	return nil
}

// Append appends a new audit entry (thread-safe)
func (r *Repository) Append(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The chain link is assigned here, so the hash must be
	// recalculated after setting it
	entry.PrevHash = r.lastHash
	entry.Hash = entry.calculateHash()

	changesJSON, err := json.Marshal(entry.Changes)
	if err != nil {
		return errors.Wrap(err, "failed to marshal changes")
	}

	query := `
		INSERT INTO audit.entries (
			id, timestamp, hash, prev_hash,
			actor_id, actor_role, actor_ip,
			action, resource_type, resource_id,
			changes, justification
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		) RETURNING sequence`

	err = r.pool.QueryRow(ctx, query,
		entry.ID, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.ActorID, entry.ActorRole, entry.ActorIP,
		entry.Action, entry.ResourceType, entry.ResourceID,
		changesJSON, entry.Justification,
	).Scan(&entry.Sequence)

	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	r.lastHash = entry.Hash
	metrics.RecordAuditEntry()

	return nil
}

const entryColumns = `id, sequence, timestamp, hash, prev_hash,
	actor_id, actor_role, actor_ip,
	action, resource_type, resource_id,
	changes, justification`

func scanEntry(scan func(dest ...any) error) (*AuditEntry, error) {
	var e AuditEntry
	var changesJSON []byte

	err := scan(
		&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
		&e.ActorID, &e.ActorRole, &e.ActorIP,
		&e.Action, &e.ResourceType, &e.ResourceID,
		&changesJSON, &e.Justification,
	)
	if err != nil {
		return nil, err
	}

	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &e.Changes); err != nil {
			e.Changes = nil
		}
	}
	return &e, nil
}

// List lists audit entries with filters (read-only)
func (r *Repository) List(ctx context.Context, filter ListEntriesFilter) ([]AuditEntry, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.ActorID != nil {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argNum))
		args = append(args, *filter.ActorID)
		argNum++
	}

	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action LIKE $%d", argNum))
		args = append(args, filter.Action+"%")
		argNum++
	}

	if filter.ResourceType != "" {
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", argNum))
		args = append(args, filter.ResourceType)
		argNum++
	}

	if filter.ResourceID != nil {
		conditions = append(conditions, fmt.Sprintf("resource_id = $%d", argNum))
		args = append(args, *filter.ResourceID)
		argNum++
	}

	if filter.StartTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argNum))
		args = append(args, *filter.StartTime)
		argNum++
	}

	if filter.EndTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", argNum))
		args = append(args, *filter.EndTime)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit.entries %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit entries")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit.entries
		%s
		ORDER BY sequence DESC
		LIMIT $%d OFFSET $%d`, entryColumns, whereClause, argNum, argNum+1)

	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, *e)
	}

	return entries, total, nil
}

// FindByID finds an audit entry by ID (read-only)
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*AuditEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit.entries WHERE id = $1`, entryColumns)

	e, err := scanEntry(r.pool.QueryRow(ctx, query, id).Scan)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NotFound("audit entry", id.String())
		}
		return nil, errors.Wrap(err, "failed to find audit entry")
	}
	return e, nil
}

// VerifyChain verifies the integrity of the audit chain.
// Performs two checks:
//  1. Content verification: recalculates each entry's hash from its data
//  2. Linkage verification: each entry's hash must match the next
//     entry's prev_hash
func (r *Repository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit.entries
		ORDER BY sequence DESC
		LIMIT $1`, entryColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, *e)
	}

	return verifyEntries(entries, includeDetails), nil
}

// verifyEntries checks content hashes and chain linkage for entries in
// descending sequence order. Shared by both repository implementations.
func verifyEntries(entries []AuditEntry, includeDetails bool) *VerifyResult {
	result := &VerifyResult{
		Valid:   true,
		Entries: make([]VerifyEntryResult, 0),
	}

	// Hash expected by the entry that comes after this one in time
	var prevStoredHash string

	for i, e := range entries {
		verifyEntry := VerifyEntryResult{
			ID:           e.ID,
			Sequence:     e.Sequence,
			Hash:         e.Hash,
			PrevHash:     e.PrevHash,
			Action:       e.Action,
			ContentValid: true,
			LinkageValid: true,
			Valid:        true,
		}

		computedHash := e.ComputeHash()
		verifyEntry.ComputedHash = computedHash

		if computedHash != e.Hash {
			verifyEntry.ContentValid = false
			verifyEntry.Valid = false
			result.ContentInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("CONTENT TAMPERED: Entry %s (seq %d) - stored hash doesn't match content", e.ID, e.Sequence))
			verifyEntry.ViolationType = "content"
		} else {
			result.ContentValid++
		}

		// Entries arrive in DESC order, so prevStoredHash came from
		// the entry that follows this one in time
		if i > 0 && prevStoredHash != "" && e.Hash != prevStoredHash {
			verifyEntry.LinkageValid = false
			verifyEntry.Valid = false
			result.LinkageInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("CHAIN BROKEN: Entry %s (seq %d) - hash doesn't match next entry's prev_hash", e.ID, e.Sequence))
			if verifyEntry.ViolationType == "content" {
				verifyEntry.ViolationType = "both"
			} else {
				verifyEntry.ViolationType = "linkage"
			}
		} else if i > 0 {
			result.LinkageValid++
		}

		if includeDetails {
			result.Entries = append(result.Entries, verifyEntry)
		}

		prevStoredHash = e.PrevHash
		result.Checked++
	}

	return result
}

// GetByResource gets all audit entries for a specific resource
func (r *Repository) GetByResource(ctx context.Context, resourceType string, resourceID types.ID, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	filter := ListEntriesFilter{
		ResourceType: resourceType,
		ResourceID:   &resourceID,
		Limit:        limit,
	}

	entries, _, err := r.List(ctx, filter)
	return entries, err
}

// GetLastHash returns the last hash in the chain
func (r *Repository) GetLastHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHash
}

// Count returns the total number of audit entries
func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit.entries`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count audit entries")
	}
	return count, nil
}
