package permission

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	apperrors "github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/events"
	"github.com/surgicase/platform/internal/shared/metrics"
	"github.com/surgicase/platform/internal/shared/types"
)

// EventTypePermissionChanged is published after every successful
// override write; other instances refresh their snapshots on receipt.
const EventTypePermissionChanged = "permission.changed"

type matrixKey struct {
	action Action
	role   Role
}

// Engine resolves (role, action) pairs against an in-memory snapshot of
// the permission matrix. The snapshot is defaults overlaid with stored
// overrides and is rebuilt on writes, on change events from peers, and
// on a TTL tick, so a stale read is bounded by the refresh interval.
//
// Resolution itself never touches the store: it is a pure lookup and is
// safe on the hot path of every request.
type Engine struct {
	store      Store
	bus        events.EventBus
	instanceID string

	mu       sync.RWMutex
	snapshot map[matrixKey]Entry
	degraded bool
	loadedAt time.Time

	refreshInterval time.Duration
	invalidateCh    chan struct{}
	cancel          context.CancelFunc
}

// NewEngine builds an engine over the given store. The bus is optional;
// without one, cross-instance invalidation falls back to the TTL tick.
func NewEngine(store Store, bus events.EventBus, refreshInterval time.Duration) *Engine {
	if refreshInterval <= 0 {
		refreshInterval = 60 * time.Second
	}
	return &Engine{
		store:           store,
		bus:             bus,
		instanceID:      types.NewID().String(),
		snapshot:        make(map[matrixKey]Entry),
		refreshInterval: refreshInterval,
		invalidateCh:    make(chan struct{}, 1),
	}
}

// Initialize loads the first snapshot. If the store is unreachable the
// engine starts degraded on the static defaults alone rather than
// failing closed for every caller; overrides are picked up by the first
// successful refresh.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		e.mu.Lock()
		e.snapshot = defaultSnapshot()
		e.degraded = true
		e.loadedAt = time.Now()
		e.mu.Unlock()
		log.Printf("Permission store unavailable, running on defaults: %v", err)
		return nil
	}
	return nil
}

// Resolve answers whether role may perform action. Admin is always
// allowed. Unknown pairs and unknown roles or actions deny.
func (e *Engine) Resolve(role Role, action Action) bool {
	if role == RoleAdmin {
		metrics.RecordPermissionResolution(true)
		return true
	}

	e.mu.RLock()
	entry, ok := e.snapshot[matrixKey{action: action, role: role}]
	e.mu.RUnlock()

	allowed := ok && entry.Allowed
	metrics.RecordPermissionResolution(allowed)
	return allowed
}

// ListMatrix returns the full resolved matrix, one entry per
// (action, role) pair, in stable order. Admin rows report allowed with
// no override metadata.
func (e *Engine) ListMatrix() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Entry, 0, len(Actions())*len(Roles()))
	for _, action := range Actions() {
		for _, role := range Roles() {
			if role == RoleAdmin {
				out = append(out, Entry{Action: action, Role: role, Allowed: true})
				continue
			}
			if entry, ok := e.snapshot[matrixKey{action: action, role: role}]; ok {
				out = append(out, entry)
			} else {
				out = append(out, Entry{Action: action, Role: role, Allowed: false})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// SetEntry writes a single override, updates the local snapshot and
// notifies peers. Admin rows are immutable regardless of the value
// being written.
func (e *Engine) SetEntry(ctx context.Context, actor types.ID, actorRole Role, action Action, role Role, allowed bool) (Entry, error) {
	if !ValidAction(action) {
		return Entry{}, apperrors.Validation("validation failed", map[string]string{
			"action": fmt.Sprintf("unknown action %q", action),
		})
	}
	if !ValidRole(role) {
		return Entry{}, apperrors.Validation("validation failed", map[string]string{
			"role": fmt.Sprintf("unknown role %q", role),
		})
	}
	if role == RoleAdmin {
		return Entry{}, apperrors.AdminImmutable()
	}

	entry := Entry{
		Action:    action,
		Role:      role,
		Allowed:   allowed,
		UpdatedBy: actor,
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Put(ctx, entry); err != nil {
		return Entry{}, err
	}

	e.mu.Lock()
	previous, hadPrevious := e.snapshot[matrixKey{action: action, role: role}]
	e.snapshot[matrixKey{action: action, role: role}] = entry
	e.mu.Unlock()

	if e.bus != nil {
		event := events.NewEvent(EventTypePermissionChanged, e.instanceID, map[string]interface{}{
			"action":           string(action),
			"role":             string(role),
			"allowed":          allowed,
			"previous_allowed": hadPrevious && previous.Allowed,
			"had_override":     hadPrevious,
		}).WithActor(actor, string(actorRole))
		if err := e.bus.Publish(ctx, event); err != nil {
			log.Printf("Failed to publish permission change: %v", err)
		}
	}
	return entry, nil
}

// Refresh rebuilds the snapshot from defaults plus stored overrides.
// On store failure the previous snapshot stays in place.
func (e *Engine) Refresh(ctx context.Context) error {
	overrides, err := e.store.List(ctx)
	if err != nil {
		return err
	}

	snapshot := defaultSnapshot()
	for _, entry := range overrides {
		if !ValidAction(entry.Action) || !ValidRole(entry.Role) || entry.Role == RoleAdmin {
			continue
		}
		snapshot[matrixKey{action: entry.Action, role: entry.Role}] = entry
	}

	e.mu.Lock()
	e.snapshot = snapshot
	e.degraded = false
	e.loadedAt = time.Now()
	e.mu.Unlock()
	return nil
}

// Invalidate marks the snapshot stale. The refresh loop started by
// Start performs the actual reload; callers do not block on the store.
func (e *Engine) Invalidate() {
	select {
	case e.invalidateCh <- struct{}{}:
	default:
	}
}

// Degraded reports whether the engine is serving defaults because the
// store was unreachable at startup.
func (e *Engine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}

// Start launches the background refresh loop and, when a bus is
// configured, subscribes to change events from other instances.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.bus != nil {
		err := e.bus.Subscribe(ctx, EventTypePermissionChanged, "permission-engine-"+e.instanceID, func(ctx context.Context, event events.Event) error {
			if event.Source == e.instanceID {
				return nil
			}
			e.Invalidate()
			return nil
		})
		if err != nil {
			log.Printf("Permission change subscription failed, relying on TTL refresh: %v", err)
		}
	}

	go e.refreshLoop(ctx)
	return nil
}

func (e *Engine) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				log.Printf("Permission refresh failed: %v", err)
				continue
			}
			metrics.RecordPermissionRefresh("ttl")
		case <-e.invalidateCh:
			if err := e.Refresh(ctx); err != nil {
				log.Printf("Permission refresh failed: %v", err)
				continue
			}
			metrics.RecordPermissionRefresh("invalidation")
		}
	}
}

// Close stops the refresh loop.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
}

func defaultSnapshot() map[matrixKey]Entry {
	snapshot := make(map[matrixKey]Entry)
	for role, actions := range defaultGrants {
		for _, action := range actions {
			snapshot[matrixKey{action: action, role: role}] = Entry{
				Action:  action,
				Role:    role,
				Allowed: true,
			}
		}
	}
	return snapshot
}
