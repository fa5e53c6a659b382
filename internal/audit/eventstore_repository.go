package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/metrics"
	"github.com/surgicase/platform/internal/shared/types"
)

const (
	// AuditStreamName is the stream where all audit entries are stored
	AuditStreamName = "$audit"
	// AuditEventType is the event type for audit entries
	AuditEventType = "AuditEntry"
)

// EventStoreRepository provides append-only audit log operations using
// EventStoreDB. The store is inherently append-only - events cannot be
// modified or deleted - which matches the sink's contract exactly.
type EventStoreRepository struct {
	client   *esdb.Client
	mu       sync.Mutex
	lastHash string
	sequence int64
}

// NewEventStoreRepository creates a new EventStoreDB-based audit repository
func NewEventStoreRepository(client *esdb.Client) *EventStoreRepository {
	return &EventStoreRepository{client: client}
}

// Initialize loads the last hash and sequence from the audit stream
func (r *EventStoreRepository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	opts := esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}

	stream, err := r.client.ReadStream(ctx, AuditStreamName, opts, 1)
	if err != nil {
		// Stream doesn't exist yet - that's OK
		if esdbErr, ok := esdb.FromError(err); ok {
			if esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				r.lastHash = ""
				r.sequence = 0
				return nil
			}
		}
		return errors.Wrap(err, "failed to read audit stream")
	}
	defer stream.Close()

	event, err := stream.Recv()
	if err != nil {
		r.lastHash = ""
		r.sequence = 0
		return nil
	}

	if event.Event != nil && event.Event.EventType == AuditEventType {
		var entry AuditEntry
		if err := json.Unmarshal(event.Event.Data, &entry); err == nil {
			r.lastHash = entry.Hash
			r.sequence = entry.Sequence
		}
	}

	return nil
}

// Append appends a new audit entry (thread-safe)
func (r *EventStoreRepository) Append(ctx context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	entry.Sequence = r.sequence
	entry.PrevHash = r.lastHash
	entry.Hash = entry.ComputeHash()

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit entry")
	}

	eventData := esdb.EventData{
		EventID:     uuid.New(),
		EventType:   AuditEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata: []byte(fmt.Sprintf(`{"sequence":%d,"hash":"%s"}`,
			entry.Sequence, entry.Hash)),
	}

	_, err = r.client.AppendToStream(ctx, AuditStreamName, esdb.AppendToStreamOptions{}, eventData)
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	r.lastHash = entry.Hash
	metrics.RecordAuditEntry()

	return nil
}

// readEntries reads up to max entries from the audit stream in the
// given direction.
func (r *EventStoreRepository) readEntries(ctx context.Context, direction esdb.Direction, max uint64) ([]AuditEntry, error) {
	opts := esdb.ReadStreamOptions{Direction: direction}
	if direction == esdb.Backwards {
		opts.From = esdb.End{}
	} else {
		opts.From = esdb.Start{}
	}

	stream, err := r.client.ReadStream(ctx, AuditStreamName, opts, max)
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); ok {
			if esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				return nil, nil
			}
		}
		return nil, errors.Wrap(err, "failed to read audit stream")
	}
	defer stream.Close()

	var entries []AuditEntry
	for {
		event, err := stream.Recv()
		if err != nil {
			break
		}
		if event.Event != nil && event.Event.EventType == AuditEventType {
			var entry AuditEntry
			if err := json.Unmarshal(event.Event.Data, &entry); err == nil {
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

// FindByID finds an audit entry by ID. This walks the stream; a
// projection would serve large deployments better.
func (r *EventStoreRepository) FindByID(ctx context.Context, id types.ID) (*AuditEntry, error) {
	entries, err := r.readEntries(ctx, esdb.Forwards, 10000)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, errors.NotFound("audit entry", id.String())
}

// List lists audit entries with filters
func (r *EventStoreRepository) List(ctx context.Context, filter ListEntriesFilter) ([]AuditEntry, int, error) {
	maxEvents := uint64(1000)
	if filter.Limit > 0 {
		// Read extra to account for filtering
		maxEvents = uint64(filter.Limit + filter.Offset + 100)
	}

	all, err := r.readEntries(ctx, esdb.Backwards, maxEvents)
	if err != nil {
		return nil, 0, err
	}

	var entries []AuditEntry
	total := 0
	for _, entry := range all {
		if filter.ActorID != nil && entry.ActorID != *filter.ActorID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != nil && (entry.ResourceID == nil || *entry.ResourceID != *filter.ResourceID) {
			continue
		}
		if filter.StartTime != nil && entry.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && entry.Timestamp.After(*filter.EndTime) {
			continue
		}

		total++
		if filter.Offset > 0 && total <= filter.Offset {
			continue
		}
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, total, nil
}

// GetByResource gets audit entries for a specific resource
func (r *EventStoreRepository) GetByResource(ctx context.Context, resourceType string, resourceID types.ID, limit int) ([]AuditEntry, error) {
	filter := ListEntriesFilter{
		ResourceType: resourceType,
		ResourceID:   &resourceID,
		Limit:        limit,
	}
	entries, _, err := r.List(ctx, filter)
	return entries, err
}

// VerifyChain verifies the integrity of the audit chain
func (r *EventStoreRepository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := r.readEntries(ctx, esdb.Backwards, uint64(limit))
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return &VerifyResult{Valid: true, Checked: 0, Entries: []VerifyEntryResult{}}, nil
	}

	return verifyEntries(entries, includeDetails), nil
}

// GetLastHash returns the last hash in the chain
func (r *EventStoreRepository) GetLastHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHash
}

// Count returns the total number of audit entries
func (r *EventStoreRepository) Count(ctx context.Context) (int, error) {
	entries, err := r.readEntries(ctx, esdb.Forwards, 100000)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
