package domain

import (
	"encoding/json"
	"time"

	"github.com/surgicase/platform/internal/permission"
	"github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/types"
)

// Resolver answers permission questions for the state machine. Satisfied
// by *permission.Engine.
type Resolver interface {
	Resolve(role permission.Role, action permission.Action) bool
}

// Actor is the identity attempting a transition or amendment, with the
// countries and departments it is scoped to.
type Actor struct {
	ID          types.ID
	Role        permission.Role
	Countries   []string
	Departments []string
}

// TransitionPolicy configures the required actions on the two edges
// whose gating is deployment policy rather than fixed pipeline rule.
type TransitionPolicy struct {
	// CloseAction gates ToBeBilled -> Closed.
	CloseAction permission.Action
	// OfficeReturnAction gates Completed -> PendingDeliveryOffice.
	OfficeReturnAction permission.Action
}

// DefaultTransitionPolicy returns the standard gating for the
// policy-configurable edges.
func DefaultTransitionPolicy() TransitionPolicy {
	return TransitionPolicy{
		CloseAction:        permission.ActionManageSettings,
		OfficeReturnAction: permission.ActionProcessOrder,
	}
}

// Machine validates and applies status transitions and amendments. It
// holds no persistent state: given a case, a request and an actor it
// either mutates the case in memory and returns the history entry to
// append, or rejects without touching the case.
type Machine struct {
	resolver Resolver
	policy   TransitionPolicy
}

func NewMachine(resolver Resolver, policy TransitionPolicy) *Machine {
	if policy.CloseAction == "" || policy.OfficeReturnAction == "" {
		policy = DefaultTransitionPolicy()
	}
	return &Machine{resolver: resolver, policy: policy}
}

// successors maps each status to its forward pipeline successor. The
// Cancelled edge from every non-terminal status is handled separately.
var successors = map[CaseStatus]CaseStatus{
	CaseStatusBooked:                  CaseStatusOrderPreparation,
	CaseStatusOrderPreparation:        CaseStatusOrderPrepared,
	CaseStatusOrderPrepared:           CaseStatusPendingDeliveryHospital,
	CaseStatusPendingDeliveryHospital: CaseStatusDeliveredHospital,
	CaseStatusDeliveredHospital:       CaseStatusCompleted,
	CaseStatusCompleted:               CaseStatusPendingDeliveryOffice,
	CaseStatusPendingDeliveryOffice:   CaseStatusDeliveredOffice,
	CaseStatusDeliveredOffice:         CaseStatusToBeBilled,
	CaseStatusToBeBilled:              CaseStatusClosed,
}

// edgeActions gates every fixed forward edge by the action required to
// traverse it. Policy-configured edges are resolved in RequiredAction.
var edgeActions = map[CaseStatus]permission.Action{
	CaseStatusBooked:                  permission.ActionProcessOrder,
	CaseStatusOrderPreparation:        permission.ActionProcessOrder,
	CaseStatusOrderPrepared:           permission.ActionProcessOrder,
	CaseStatusPendingDeliveryHospital: permission.ActionMarkDeliveredHospital,
	CaseStatusDeliveredHospital:       permission.ActionCaseCompleted,
	CaseStatusPendingDeliveryOffice:   permission.ActionMarkDeliveredOffice,
	CaseStatusDeliveredOffice:         permission.ActionMarkToBeBilled,
}

// NextStatuses returns the legal successor statuses of from, in a
// stable order (forward edge first, then Cancelled).
func (m *Machine) NextStatuses(from CaseStatus) []CaseStatus {
	if from.IsTerminal() {
		return nil
	}
	var next []CaseStatus
	if to, ok := successors[from]; ok {
		next = append(next, to)
	}
	return append(next, CaseStatusCancelled)
}

// RequiredAction returns the action gating the from -> to edge, or
// false when the edge does not exist.
func (m *Machine) RequiredAction(from, to CaseStatus) (permission.Action, bool) {
	if from.IsTerminal() {
		return "", false
	}
	if to == CaseStatusCancelled {
		return permission.ActionDeleteCase, true
	}
	if successors[from] != to {
		return "", false
	}
	switch from {
	case CaseStatusToBeBilled:
		return m.policy.CloseAction, true
	case CaseStatusCompleted:
		return m.policy.OfficeReturnAction, true
	default:
		return edgeActions[from], true
	}
}

// AttemptTransition validates a requested status change and, when legal,
// mutates the case in memory and returns the single history entry to be
// appended atomically with the status write. A nil entry with nil error
// is the idempotent no-op for re-asserting the current status.
//
// Checks run structure-first: terminal lock and edge existence are
// decided before any permission lookup, so a rejected caller cannot
// probe the matrix through transition attempts.
func (m *Machine) AttemptTransition(c *Case, to CaseStatus, actor Actor, note string) (*StatusHistoryEntry, error) {
	if c.Status.IsTerminal() {
		return nil, errors.TerminalState(string(c.Status))
	}
	if to == c.Status {
		return nil, nil
	}
	if !ValidStatus(to) {
		return nil, errors.IllegalTransition(string(c.Status), string(to))
	}

	action, ok := m.RequiredAction(c.Status, to)
	if !ok {
		return nil, errors.IllegalTransition(string(c.Status), string(to))
	}
	if !m.resolver.Resolve(actor.Role, action) {
		return nil, errors.PermissionDenied()
	}
	if !m.inScope(c, actor) {
		return nil, errors.ScopeViolation()
	}

	now := time.Now().UTC()
	entry := &StatusHistoryEntry{
		ID:         types.NewID(),
		CaseID:     c.ID,
		FromStatus: c.Status,
		ToStatus:   to,
		ChangedBy:  actor.ID,
		ActorRole:  actor.Role,
		Note:       note,
		ChangedAt:  now,
	}

	c.Status = to
	c.UpdatedAt = now
	if to.IsTerminal() {
		c.ClosedAt = &now
	}
	return entry, nil
}

// AmendAction returns the edit right required to amend a case in its
// current status: the permission that produced the status, or
// create-case while still Booked.
func (m *Machine) AmendAction(status CaseStatus) permission.Action {
	switch status {
	case CaseStatusBooked:
		return permission.ActionCreateCase
	case CaseStatusOrderPreparation, CaseStatusOrderPrepared, CaseStatusPendingDeliveryHospital:
		return permission.ActionProcessOrder
	case CaseStatusDeliveredHospital:
		return permission.ActionMarkDeliveredHospital
	case CaseStatusCompleted:
		return permission.ActionCaseCompleted
	case CaseStatusPendingDeliveryOffice:
		return m.policy.OfficeReturnAction
	case CaseStatusDeliveredOffice:
		return permission.ActionMarkDeliveredOffice
	case CaseStatusToBeBilled:
		return permission.ActionMarkToBeBilled
	default:
		return m.policy.CloseAction
	}
}

// Amendment carries the descriptive fields a caller may change. Nil
// pointers leave the field untouched; status is never amendable.
type Amendment struct {
	SurgeonName  *string          `json:"surgeon_name,omitempty"`
	SurgeryType  *string          `json:"surgery_type,omitempty"`
	SurgeryDate  *time.Time       `json:"surgery_date,omitempty"`
	SurgerySets  *[]EquipmentLine `json:"surgery_sets,omitempty"`
	ImplantBoxes *[]EquipmentLine `json:"implant_boxes,omitempty"`
	Notes        *string          `json:"notes,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// AttemptAmend validates an amendment and, when legal, applies it in
// memory and returns the single history entry recording only the fields
// that actually changed. A request whose every field is value-equal to
// the current case is a no-op: nil entry, nil error, case untouched.
func (m *Machine) AttemptAmend(c *Case, amendment Amendment, actor Actor) (*AmendmentHistoryEntry, error) {
	if c.Status.IsTerminal() {
		return nil, errors.TerminalState(string(c.Status))
	}
	if !m.resolver.Resolve(actor.Role, m.AmendAction(c.Status)) {
		return nil, errors.PermissionDenied()
	}
	if !m.inScope(c, actor) {
		return nil, errors.ScopeViolation()
	}
	if amendment.SurgerySets != nil {
		if err := ValidateEquipment(*amendment.SurgerySets); err != nil {
			return nil, errors.Validation("validation failed", map[string]string{"surgery_sets": err.Error()})
		}
	}
	if amendment.ImplantBoxes != nil {
		if err := ValidateEquipment(*amendment.ImplantBoxes); err != nil {
			return nil, errors.Validation("validation failed", map[string]string{"implant_boxes": err.Error()})
		}
	}

	changes := make(map[string]FieldChange)
	if amendment.SurgeonName != nil && *amendment.SurgeonName != c.SurgeonName {
		changes["surgeon_name"] = FieldChange{Before: c.SurgeonName, After: *amendment.SurgeonName}
		c.SurgeonName = *amendment.SurgeonName
	}
	if amendment.SurgeryType != nil && *amendment.SurgeryType != c.SurgeryType {
		changes["surgery_type"] = FieldChange{Before: c.SurgeryType, After: *amendment.SurgeryType}
		c.SurgeryType = *amendment.SurgeryType
	}
	if amendment.SurgeryDate != nil && !amendment.SurgeryDate.Equal(c.SurgeryDate) {
		changes["surgery_date"] = FieldChange{Before: c.SurgeryDate.Format(time.RFC3339), After: amendment.SurgeryDate.Format(time.RFC3339)}
		c.SurgeryDate = *amendment.SurgeryDate
	}
	if amendment.SurgerySets != nil && !equipmentEqual(*amendment.SurgerySets, c.SurgerySets) {
		changes["surgery_sets"] = FieldChange{Before: equipmentJSON(c.SurgerySets), After: equipmentJSON(*amendment.SurgerySets)}
		c.SurgerySets = *amendment.SurgerySets
	}
	if amendment.ImplantBoxes != nil && !equipmentEqual(*amendment.ImplantBoxes, c.ImplantBoxes) {
		changes["implant_boxes"] = FieldChange{Before: equipmentJSON(c.ImplantBoxes), After: equipmentJSON(*amendment.ImplantBoxes)}
		c.ImplantBoxes = *amendment.ImplantBoxes
	}
	if amendment.Notes != nil && *amendment.Notes != c.Notes {
		changes["notes"] = FieldChange{Before: c.Notes, After: *amendment.Notes}
		c.Notes = *amendment.Notes
	}

	if len(changes) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	c.UpdatedAt = now
	return &AmendmentHistoryEntry{
		ID:        types.NewID(),
		CaseID:    c.ID,
		Changes:   changes,
		ChangedBy: actor.ID,
		ActorRole: actor.Role,
		Reason:    amendment.Reason,
		ChangedAt: now,
	}, nil
}

// inScope checks the case's country and department against the actor's
// assignments. Empty assignment lists deny; admin and it bypass.
func (m *Machine) inScope(c *Case, actor Actor) bool {
	if permission.BypassesScope(actor.Role) {
		return true
	}
	if !contains(actor.Countries, c.Country) {
		return false
	}
	if c.Department == "" {
		return true
	}
	return contains(actor.Departments, c.Department)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func equipmentEqual(a, b []EquipmentLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equipmentJSON(lines []EquipmentLine) string {
	b, _ := json.Marshal(lines)
	return string(b)
}
