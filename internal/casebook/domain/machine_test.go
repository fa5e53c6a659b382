package domain

import (
	"testing"
	"time"

	"github.com/surgicase/platform/internal/permission"
	apperrors "github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/types"
)

// grantResolver allows exactly the (role, action) pairs listed, plus
// everything for admin, mirroring the engine's admin rule.
type grantResolver struct {
	grants map[permission.Role][]permission.Action
}

func (r *grantResolver) Resolve(role permission.Role, action permission.Action) bool {
	if role == permission.RoleAdmin {
		return true
	}
	for _, a := range r.grants[role] {
		if a == action {
			return true
		}
	}
	return false
}

func allowAll() *grantResolver {
	grants := make(map[permission.Role][]permission.Action)
	for _, role := range permission.Roles() {
		grants[role] = permission.Actions()
	}
	return &grantResolver{grants: grants}
}

func newTestCase(t *testing.T, status CaseStatus) *Case {
	t.Helper()
	c, err := NewCase("AT", "LKH Graz", "orthopedics", "PAT-4711", "Dr. Huber", "THA", time.Now().Add(48*time.Hour), types.NewID())
	if err != nil {
		t.Fatalf("NewCase failed: %v", err)
	}
	c.Status = status
	return c
}

func scopedActor(role permission.Role) Actor {
	return Actor{
		ID:          types.NewID(),
		Role:        role,
		Countries:   []string{"AT"},
		Departments: []string{"orthopedics"},
	}
}

func TestTransitionPipeline(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	pipeline := []CaseStatus{
		CaseStatusBooked,
		CaseStatusOrderPreparation,
		CaseStatusOrderPrepared,
		CaseStatusPendingDeliveryHospital,
		CaseStatusDeliveredHospital,
		CaseStatusCompleted,
		CaseStatusPendingDeliveryOffice,
		CaseStatusDeliveredOffice,
		CaseStatusToBeBilled,
		CaseStatusClosed,
	}

	c := newTestCase(t, CaseStatusBooked)
	actor := scopedActor(permission.RoleAdmin)

	for i := 1; i < len(pipeline); i++ {
		entry, err := machine.AttemptTransition(c, pipeline[i], actor, "")
		if err != nil {
			t.Fatalf("Transition %s -> %s failed: %v", pipeline[i-1], pipeline[i], err)
		}
		if entry == nil {
			t.Fatalf("Transition %s -> %s produced no history entry", pipeline[i-1], pipeline[i])
		}
		if entry.FromStatus != pipeline[i-1] || entry.ToStatus != pipeline[i] {
			t.Errorf("Entry records %s -> %s, want %s -> %s", entry.FromStatus, entry.ToStatus, pipeline[i-1], pipeline[i])
		}
		if c.Status != pipeline[i] {
			t.Errorf("Case status %s, want %s", c.Status, pipeline[i])
		}
	}
	if c.ClosedAt == nil {
		t.Error("ClosedAt should be set on reaching Closed")
	}
}

func TestTransitionSkippingStages(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())
	actor := scopedActor(permission.RoleAdmin)

	tests := []struct {
		from CaseStatus
		to   CaseStatus
	}{
		{CaseStatusBooked, CaseStatusOrderPrepared},
		{CaseStatusBooked, CaseStatusClosed},
		{CaseStatusOrderPrepared, CaseStatusBooked},
		{CaseStatusDeliveredHospital, CaseStatusDeliveredOffice},
		{CaseStatusToBeBilled, CaseStatusBooked},
		{CaseStatusBooked, CaseStatus("bogus")},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			c := newTestCase(t, tt.from)
			_, err := machine.AttemptTransition(c, tt.to, actor, "")
			if !apperrors.Is(err, apperrors.ErrIllegalTransition) {
				t.Fatalf("Expected illegal transition, got %v", err)
			}
			if c.Status != tt.from {
				t.Errorf("Status changed to %s on rejected transition", c.Status)
			}
		})
	}
}

func TestRequiredActionPerEdge(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	tests := []struct {
		from   CaseStatus
		to     CaseStatus
		action permission.Action
	}{
		{CaseStatusBooked, CaseStatusOrderPreparation, permission.ActionProcessOrder},
		{CaseStatusOrderPreparation, CaseStatusOrderPrepared, permission.ActionProcessOrder},
		{CaseStatusOrderPrepared, CaseStatusPendingDeliveryHospital, permission.ActionProcessOrder},
		{CaseStatusPendingDeliveryHospital, CaseStatusDeliveredHospital, permission.ActionMarkDeliveredHospital},
		{CaseStatusDeliveredHospital, CaseStatusCompleted, permission.ActionCaseCompleted},
		{CaseStatusCompleted, CaseStatusPendingDeliveryOffice, permission.ActionProcessOrder},
		{CaseStatusPendingDeliveryOffice, CaseStatusDeliveredOffice, permission.ActionMarkDeliveredOffice},
		{CaseStatusDeliveredOffice, CaseStatusToBeBilled, permission.ActionMarkToBeBilled},
		{CaseStatusToBeBilled, CaseStatusClosed, permission.ActionManageSettings},
		{CaseStatusBooked, CaseStatusCancelled, permission.ActionDeleteCase},
		{CaseStatusToBeBilled, CaseStatusCancelled, permission.ActionDeleteCase},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			action, ok := machine.RequiredAction(tt.from, tt.to)
			if !ok {
				t.Fatalf("Edge %s -> %s should exist", tt.from, tt.to)
			}
			if action != tt.action {
				t.Errorf("Edge requires %s, want %s", action, tt.action)
			}
		})
	}

	if _, ok := machine.RequiredAction(CaseStatusClosed, CaseStatusCancelled); ok {
		t.Error("Closed should have no outgoing edges")
	}
	if _, ok := machine.RequiredAction(CaseStatusCancelled, CaseStatusBooked); ok {
		t.Error("Cancelled should have no outgoing edges")
	}
}

func TestTransitionPolicyOverride(t *testing.T) {
	machine := NewMachine(allowAll(), TransitionPolicy{
		CloseAction:        permission.ActionMarkToBeBilled,
		OfficeReturnAction: permission.ActionCaseCompleted,
	})

	if action, _ := machine.RequiredAction(CaseStatusToBeBilled, CaseStatusClosed); action != permission.ActionMarkToBeBilled {
		t.Errorf("Close edge requires %s, want configured mark-to-be-billed", action)
	}
	if action, _ := machine.RequiredAction(CaseStatusCompleted, CaseStatusPendingDeliveryOffice); action != permission.ActionCaseCompleted {
		t.Errorf("Office return edge requires %s, want configured case-completed", action)
	}
}

func TestTransitionPermissionAllowed(t *testing.T) {
	// Operations with process-order moves Booked forward
	resolver := &grantResolver{grants: map[permission.Role][]permission.Action{
		permission.RoleOperations: {permission.ActionProcessOrder},
	}}
	machine := NewMachine(resolver, DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusBooked)
	entry, err := machine.AttemptTransition(c, CaseStatusOrderPreparation, scopedActor(permission.RoleOperations), "")
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if c.Status != CaseStatusOrderPreparation {
		t.Errorf("Status %s, want order_preparation", c.Status)
	}
	if entry.FromStatus != CaseStatusBooked || entry.ToStatus != CaseStatusOrderPreparation {
		t.Errorf("History entry records %s -> %s", entry.FromStatus, entry.ToStatus)
	}
}

func TestTransitionPermissionDenied(t *testing.T) {
	// Driver without process-order is rejected, case untouched
	resolver := &grantResolver{grants: map[permission.Role][]permission.Action{
		permission.RoleDriver: {permission.ActionMarkDeliveredHospital},
	}}
	machine := NewMachine(resolver, DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusBooked)
	entry, err := machine.AttemptTransition(c, CaseStatusOrderPreparation, scopedActor(permission.RoleDriver), "")
	if !apperrors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("Expected permission denied, got %v", err)
	}
	if entry != nil {
		t.Error("Rejected transition must not produce a history entry")
	}
	if c.Status != CaseStatusBooked {
		t.Errorf("Status changed to %s on denial", c.Status)
	}

	// The denial message must not name the missing permission
	appErr := err.(*apperrors.AppError)
	if appErr.Message != "not permitted" {
		t.Errorf("Denial leaks detail: %q", appErr.Message)
	}
}

func TestTransitionIdempotentReassertion(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusOrderPrepared)
	before := c.UpdatedAt
	entry, err := machine.AttemptTransition(c, CaseStatusOrderPrepared, scopedActor(permission.RoleOperations), "")
	if err != nil {
		t.Fatalf("Re-asserting current status should succeed: %v", err)
	}
	if entry != nil {
		t.Error("Re-assertion must not append history")
	}
	if c.Status != CaseStatusOrderPrepared || !c.UpdatedAt.Equal(before) {
		t.Error("Re-assertion must not mutate the case")
	}
}

func TestTerminalLock(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())
	notes := "late paperwork fix"

	for _, status := range []CaseStatus{CaseStatusClosed, CaseStatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			c := newTestCase(t, status)

			// Even admin cannot move or amend a terminal case,
			// including re-asserting the terminal status itself.
			for _, to := range append(AllStatuses(), status) {
				if _, err := machine.AttemptTransition(c, to, scopedActor(permission.RoleAdmin), ""); !apperrors.Is(err, apperrors.ErrTerminalState) {
					t.Fatalf("Transition to %s: expected terminal state, got %v", to, err)
				}
			}
			if _, err := machine.AttemptAmend(c, Amendment{Notes: &notes}, scopedActor(permission.RoleAdmin)); !apperrors.Is(err, apperrors.ErrTerminalState) {
				t.Fatalf("Amend: expected terminal state, got %v", err)
			}
		})
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())
	actor := scopedActor(permission.RoleAdmin)

	for _, status := range AllStatuses() {
		if status.IsTerminal() {
			continue
		}
		t.Run(string(status), func(t *testing.T) {
			c := newTestCase(t, status)
			entry, err := machine.AttemptTransition(c, CaseStatusCancelled, actor, "surgery postponed")
			if err != nil {
				t.Fatalf("Cancel from %s failed: %v", status, err)
			}
			if c.Status != CaseStatusCancelled {
				t.Errorf("Status %s, want cancelled", c.Status)
			}
			if entry.Note != "surgery postponed" {
				t.Errorf("Note %q not carried into history", entry.Note)
			}
		})
	}
}

func TestScopeViolation(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	tests := []struct {
		name  string
		actor Actor
		want  error
	}{
		{
			name: "wrong country",
			actor: Actor{ID: types.NewID(), Role: permission.RoleOperations,
				Countries: []string{"DE"}, Departments: []string{"orthopedics"}},
			want: apperrors.ErrScopeViolation,
		},
		{
			name: "wrong department",
			actor: Actor{ID: types.NewID(), Role: permission.RoleOperations,
				Countries: []string{"AT"}, Departments: []string{"cardiology"}},
			want: apperrors.ErrScopeViolation,
		},
		{
			name: "empty scope denies",
			actor: Actor{ID: types.NewID(), Role: permission.RoleOperations},
			want: apperrors.ErrScopeViolation,
		},
		{
			name:  "matching scope allows",
			actor: scopedActor(permission.RoleOperations),
			want:  nil,
		},
		{
			name: "admin bypasses scope",
			actor: Actor{ID: types.NewID(), Role: permission.RoleAdmin},
			want: nil,
		},
		{
			name: "it bypasses scope",
			actor: Actor{ID: types.NewID(), Role: permission.RoleIT},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCase(t, CaseStatusBooked)
			_, err := machine.AttemptTransition(c, CaseStatusOrderPreparation, tt.actor, "")
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				return
			}
			if !apperrors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if c.Status != CaseStatusBooked {
				t.Error("Status changed on scope rejection")
			}
		})
	}
}

func TestStructuralChecksPrecedePermission(t *testing.T) {
	// A denied actor probing an illegal edge must see the structural
	// error, not a permission error.
	resolver := &grantResolver{grants: map[permission.Role][]permission.Action{}}
	machine := NewMachine(resolver, DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusBooked)
	_, err := machine.AttemptTransition(c, CaseStatusClosed, scopedActor(permission.RoleDriver), "")
	if !apperrors.Is(err, apperrors.ErrIllegalTransition) {
		t.Fatalf("Expected illegal transition before permission check, got %v", err)
	}

	c.Status = CaseStatusClosed
	_, err = machine.AttemptTransition(c, CaseStatusCancelled, scopedActor(permission.RoleDriver), "")
	if !apperrors.Is(err, apperrors.ErrTerminalState) {
		t.Fatalf("Expected terminal state before permission check, got %v", err)
	}
}

func TestAmendCapturesOnlyChangedFields(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusBooked)
	sameType := c.SurgeryType
	newSurgeon := "Dr. Leitner"
	newNotes := "lateral approach"

	entry, err := machine.AttemptAmend(c, Amendment{
		SurgeonName: &newSurgeon,
		SurgeryType: &sameType,
		Notes:       &newNotes,
		Reason:      "surgeon swap",
	}, scopedActor(permission.RoleOperations))
	if err != nil {
		t.Fatalf("Amend failed: %v", err)
	}
	if entry == nil {
		t.Fatal("Expected amendment entry")
	}
	if len(entry.Changes) != 2 {
		t.Fatalf("Expected 2 changed fields, got %d: %v", len(entry.Changes), entry.Changes)
	}
	if _, ok := entry.Changes["surgery_type"]; ok {
		t.Error("Value-equal field must be excluded from the diff")
	}
	if change := entry.Changes["surgeon_name"]; change.Before != "Dr. Huber" || change.After != "Dr. Leitner" {
		t.Errorf("surgeon_name change %+v", change)
	}
	if entry.Reason != "surgeon swap" {
		t.Errorf("Reason %q not carried", entry.Reason)
	}
	if c.SurgeonName != newSurgeon || c.Notes != newNotes {
		t.Error("Amendment not applied to case")
	}
	if c.Status != CaseStatusBooked {
		t.Error("Amendment must never change status")
	}
}

func TestAmendNoopWhenNothingChanges(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusBooked)
	sameSurgeon := c.SurgeonName
	before := c.UpdatedAt

	entry, err := machine.AttemptAmend(c, Amendment{SurgeonName: &sameSurgeon}, scopedActor(permission.RoleOperations))
	if err != nil {
		t.Fatalf("No-op amend should succeed: %v", err)
	}
	if entry != nil {
		t.Error("No-op amend must not append history")
	}
	if !c.UpdatedAt.Equal(before) {
		t.Error("No-op amend must not touch the case")
	}
}

func TestAmendRightsFollowCurrentStatus(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	tests := []struct {
		status CaseStatus
		action permission.Action
	}{
		{CaseStatusBooked, permission.ActionCreateCase},
		{CaseStatusOrderPreparation, permission.ActionProcessOrder},
		{CaseStatusOrderPrepared, permission.ActionProcessOrder},
		{CaseStatusPendingDeliveryHospital, permission.ActionProcessOrder},
		{CaseStatusDeliveredHospital, permission.ActionMarkDeliveredHospital},
		{CaseStatusCompleted, permission.ActionCaseCompleted},
		{CaseStatusPendingDeliveryOffice, permission.ActionProcessOrder},
		{CaseStatusDeliveredOffice, permission.ActionMarkDeliveredOffice},
		{CaseStatusToBeBilled, permission.ActionMarkToBeBilled},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := machine.AmendAction(tt.status); got != tt.action {
				t.Errorf("AmendAction(%s) = %s, want %s", tt.status, got, tt.action)
			}
		})
	}
}

func TestAmendPermissionDenied(t *testing.T) {
	// Driver holds no edit right for a booked case
	resolver := &grantResolver{grants: map[permission.Role][]permission.Action{
		permission.RoleDriver: {permission.ActionMarkDeliveredHospital},
	}}
	machine := NewMachine(resolver, DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusBooked)
	newNotes := "changed"
	_, err := machine.AttemptAmend(c, Amendment{Notes: &newNotes}, scopedActor(permission.RoleDriver))
	if !apperrors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("Expected permission denied, got %v", err)
	}
	if c.Notes != "" {
		t.Error("Case amended despite denial")
	}
}

func TestAmendEquipmentValidation(t *testing.T) {
	machine := NewMachine(allowAll(), DefaultTransitionPolicy())

	c := newTestCase(t, CaseStatusBooked)
	bad := []EquipmentLine{{Code: "SET-1", Name: "Hip set", Quantity: 0}}
	_, err := machine.AttemptAmend(c, Amendment{SurgerySets: &bad}, scopedActor(permission.RoleOperations))
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}

	good := []EquipmentLine{{Code: "SET-1", Name: "Hip set", Quantity: 2}}
	entry, err := machine.AttemptAmend(c, Amendment{SurgerySets: &good}, scopedActor(permission.RoleOperations))
	if err != nil {
		t.Fatalf("Amend failed: %v", err)
	}
	if _, ok := entry.Changes["surgery_sets"]; !ok {
		t.Error("Equipment change not captured")
	}
}
