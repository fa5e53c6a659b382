package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/types"
)

// memoryStore is an in-memory Store for engine tests.
type memoryStore struct {
	mu      sync.Mutex
	entries map[matrixKey]Entry
	failing bool
	puts    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[matrixKey]Entry)}
}

func (s *memoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, apperrors.StoreUnavailable(errors.New("store down"))
	}
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *memoryStore) Put(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return apperrors.StoreUnavailable(errors.New("store down"))
	}
	s.entries[matrixKey{action: entry.Action, role: entry.Role}] = entry
	s.puts++
	return nil
}

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	engine := NewEngine(store, nil, time.Minute)
	if err := engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return engine
}

func TestResolveDefaults(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore())

	tests := []struct {
		name    string
		role    Role
		action  Action
		allowed bool
	}{
		{"admin always allowed", RoleAdmin, ActionBackupRestore, true},
		{"admin allowed for unknown action", RoleAdmin, Action("does-not-exist"), true},
		{"operations creates cases", RoleOperations, ActionCreateCase, true},
		{"operations processes orders", RoleOperations, ActionProcessOrder, true},
		{"operations cannot manage permissions", RoleOperations, ActionManagePermissions, false},
		{"driver marks hospital delivery", RoleDriver, ActionMarkDeliveredHospital, true},
		{"driver cannot create cases", RoleDriver, ActionCreateCase, false},
		{"sales approves", RoleSales, ActionSalesApproval, true},
		{"sales cannot bill", RoleSales, ActionMarkToBeBilled, false},
		{"sales manager bills", RoleSalesManager, ActionMarkToBeBilled, true},
		{"it views audit logs", RoleIT, ActionViewAuditLogs, true},
		{"it cannot delete cases", RoleIT, ActionDeleteCase, false},
		{"unknown role denied", Role("intern"), ActionViewCases, false},
		{"unknown action denied", RoleOperations, Action("does-not-exist"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.Resolve(tt.role, tt.action); got != tt.allowed {
				t.Errorf("Resolve(%s, %s) = %v, want %v", tt.role, tt.action, got, tt.allowed)
			}
		})
	}
}

func TestSetEntryOverride(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store)
	actor := types.NewID()

	if engine.Resolve(RoleDriver, ActionCaseCompleted) {
		t.Fatal("driver should not complete cases by default")
	}

	entry, err := engine.SetEntry(context.Background(), actor, RoleAdmin, ActionCaseCompleted, RoleDriver, true)
	if err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}
	if entry.UpdatedBy != actor {
		t.Errorf("Expected updated_by %s, got %s", actor, entry.UpdatedBy)
	}
	if !engine.Resolve(RoleDriver, ActionCaseCompleted) {
		t.Error("override should be visible immediately")
	}
	if store.puts != 1 {
		t.Errorf("Expected 1 store write, got %d", store.puts)
	}

	// Revoking a default grant works the same way
	if _, err := engine.SetEntry(context.Background(), actor, RoleAdmin, ActionCreateCase, RoleOperations, false); err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}
	if engine.Resolve(RoleOperations, ActionCreateCase) {
		t.Error("revoked default should deny")
	}
}

func TestSetEntryAdminImmutable(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore())

	for _, allowed := range []bool{true, false} {
		_, err := engine.SetEntry(context.Background(), types.NewID(), RoleAdmin, ActionViewCases, RoleAdmin, allowed)
		if err == nil {
			t.Fatal("Expected error writing admin row")
		}
		appErr, ok := err.(*apperrors.AppError)
		if !ok || appErr.Code != "ADMIN_IMMUTABLE" {
			t.Errorf("Expected ADMIN_IMMUTABLE, got %v", err)
		}
	}
}

func TestSetEntryValidation(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore())

	if _, err := engine.SetEntry(context.Background(), types.NewID(), RoleAdmin, Action("bogus"), RoleDriver, true); err == nil {
		t.Error("Expected error for unknown action")
	}
	if _, err := engine.SetEntry(context.Background(), types.NewID(), RoleAdmin, ActionViewCases, Role("bogus"), true); err == nil {
		t.Error("Expected error for unknown role")
	}
}

func TestSetEntryStoreFailure(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store)

	store.mu.Lock()
	store.failing = true
	store.mu.Unlock()

	_, err := engine.SetEntry(context.Background(), types.NewID(), RoleAdmin, ActionCaseCompleted, RoleDriver, true)
	if !apperrors.Is(err, apperrors.ErrStoreUnavailable) {
		t.Fatalf("Expected store unavailable, got %v", err)
	}
	// The failed write must not leak into the snapshot
	if engine.Resolve(RoleDriver, ActionCaseCompleted) {
		t.Error("snapshot changed despite failed write")
	}
}

func TestInitializeDegraded(t *testing.T) {
	store := newMemoryStore()
	store.entries[matrixKey{action: ActionCaseCompleted, role: RoleDriver}] = Entry{
		Action: ActionCaseCompleted, Role: RoleDriver, Allowed: true,
	}
	store.failing = true

	engine := NewEngine(store, nil, time.Minute)
	if err := engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize should not fail when store is down: %v", err)
	}
	if !engine.Degraded() {
		t.Error("Expected degraded mode")
	}
	// Defaults apply, stored overrides do not
	if !engine.Resolve(RoleOperations, ActionCreateCase) {
		t.Error("defaults should apply in degraded mode")
	}
	if engine.Resolve(RoleDriver, ActionCaseCompleted) {
		t.Error("stored override should not apply in degraded mode")
	}

	// Recovery via refresh picks up the override and clears the flag
	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()
	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if engine.Degraded() {
		t.Error("degraded flag should clear after refresh")
	}
	if !engine.Resolve(RoleDriver, ActionCaseCompleted) {
		t.Error("override should apply after refresh")
	}
}

func TestRefreshIgnoresBadOverrides(t *testing.T) {
	store := newMemoryStore()
	store.entries[matrixKey{action: Action("bogus"), role: RoleDriver}] = Entry{
		Action: Action("bogus"), Role: RoleDriver, Allowed: true,
	}
	store.entries[matrixKey{action: ActionViewCases, role: RoleAdmin}] = Entry{
		Action: ActionViewCases, Role: RoleAdmin, Allowed: false,
	}

	engine := newTestEngine(t, store)

	if engine.Resolve(RoleDriver, Action("bogus")) {
		t.Error("unknown action override should be ignored")
	}
	if !engine.Resolve(RoleAdmin, ActionViewCases) {
		t.Error("admin row override must be ignored")
	}
}

func TestListMatrixComplete(t *testing.T) {
	engine := newTestEngine(t, newMemoryStore())

	entries := engine.ListMatrix()
	want := len(Actions()) * len(Roles())
	if len(entries) != want {
		t.Fatalf("Expected %d entries, got %d", want, len(entries))
	}

	seen := make(map[matrixKey]bool)
	for _, e := range entries {
		key := matrixKey{action: e.Action, role: e.Role}
		if seen[key] {
			t.Fatalf("Duplicate entry for (%s, %s)", e.Action, e.Role)
		}
		seen[key] = true
		if e.Role == RoleAdmin && !e.Allowed {
			t.Errorf("Admin row (%s) must resolve allowed", e.Action)
		}
	}
}

func TestBypassesScope(t *testing.T) {
	tests := []struct {
		role   Role
		bypass bool
	}{
		{RoleAdmin, true},
		{RoleIT, true},
		{RoleOperations, false},
		{RoleSalesManager, false},
		{RoleDriver, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := BypassesScope(tt.role); got != tt.bypass {
				t.Errorf("BypassesScope(%s) = %v, want %v", tt.role, got, tt.bypass)
			}
		})
	}
}
