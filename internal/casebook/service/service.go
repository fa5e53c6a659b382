// Package service orchestrates case operations: permission and scope
// gating, the state machine, persistence with optimistic retry, and
// event publication.
package service

import (
	"context"
	"log"
	"time"

	"github.com/surgicase/platform/internal/casebook/domain"
	"github.com/surgicase/platform/internal/permission"
	"github.com/surgicase/platform/internal/shared/errors"
	"github.com/surgicase/platform/internal/shared/events"
	"github.com/surgicase/platform/internal/shared/metrics"
	"github.com/surgicase/platform/internal/shared/types"
)

// Event types published by the case service.
const (
	EventTypeCaseCreated      = "case.created"
	EventTypeCaseTransitioned = "case.transitioned"
	EventTypeCaseAmended      = "case.amended"
)

// Service coordinates case booking and fulfillment operations.
type Service struct {
	repo     domain.Repository
	machine  *domain.Machine
	resolver domain.Resolver
	bus      events.EventBus
}

func New(repo domain.Repository, machine *domain.Machine, resolver domain.Resolver, bus events.EventBus) *Service {
	return &Service{repo: repo, machine: machine, resolver: resolver, bus: bus}
}

// CreateCaseRequest carries the fields for booking a new case.
type CreateCaseRequest struct {
	Country      string                 `json:"country"`
	Hospital     string                 `json:"hospital"`
	Department   string                 `json:"department"`
	PatientRef   string                 `json:"patient_ref"`
	SurgeonName  string                 `json:"surgeon_name"`
	SurgeryType  string                 `json:"surgery_type"`
	SurgeryDate  time.Time              `json:"surgery_date"`
	SurgerySets  []domain.EquipmentLine `json:"surgery_sets"`
	ImplantBoxes []domain.EquipmentLine `json:"implant_boxes"`
	Notes        string                 `json:"notes"`
}

// CreateCase books a new case in Booked status with an atomically
// generated reference number. Creation appends no history entry; the
// ledger starts with the first transition.
func (s *Service) CreateCase(ctx context.Context, actor domain.Actor, req CreateCaseRequest) (*domain.Case, error) {
	if !s.resolver.Resolve(actor.Role, permission.ActionCreateCase) {
		return nil, errors.PermissionDenied()
	}
	if !s.actorInScope(actor, req.Country, req.Department) {
		return nil, errors.ScopeViolation()
	}
	if err := domain.ValidateEquipment(req.SurgerySets); err != nil {
		return nil, errors.Validation("validation failed", map[string]string{"surgery_sets": err.Error()})
	}
	if err := domain.ValidateEquipment(req.ImplantBoxes); err != nil {
		return nil, errors.Validation("validation failed", map[string]string{"implant_boxes": err.Error()})
	}

	c, err := domain.NewCase(req.Country, req.Hospital, req.Department, req.PatientRef,
		req.SurgeonName, req.SurgeryType, req.SurgeryDate, actor.ID)
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	c.SurgerySets = req.SurgerySets
	c.ImplantBoxes = req.ImplantBoxes
	c.Notes = req.Notes

	year := c.CreatedAt.Year()
	seq, err := s.repo.NextRefNumber(ctx, c.Country, year)
	if err != nil {
		return nil, err
	}
	c.RefNumber = domain.FormatRefNumber(c.Country, year, seq)

	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}

	metrics.RecordCaseCreated(c.Country)
	s.publish(ctx, actor, EventTypeCaseCreated, map[string]any{
		"case_id":    c.ID,
		"ref_number": c.RefNumber,
		"country":    c.Country,
		"hospital":   c.Hospital,
		"status":     c.Status,
	})
	return c, nil
}

// GetCase returns a case to an actor allowed and scoped to see it.
func (s *Service) GetCase(ctx context.Context, actor domain.Actor, id types.ID) (*domain.Case, error) {
	if !s.resolver.Resolve(actor.Role, permission.ActionViewCases) {
		return nil, errors.PermissionDenied()
	}
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.actorInScope(actor, c.Country, c.Department) {
		return nil, errors.ScopeViolation()
	}
	return c, nil
}

// ListCases lists cases visible to the actor. Scoped roles only ever
// see cases inside their assigned countries and departments.
func (s *Service) ListCases(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.Case, int, error) {
	if !s.resolver.Resolve(actor.Role, permission.ActionViewCases) {
		return nil, 0, errors.PermissionDenied()
	}
	if !permission.BypassesScope(actor.Role) {
		filter.Countries = actor.Countries
		filter.Departments = actor.Departments
		filter.DepartmentScoped = true
		if len(filter.Countries) == 0 {
			return []domain.Case{}, 0, nil
		}
	}
	return s.repo.List(ctx, filter)
}

// TransitionCase applies a status change. On a StaleState conflict the
// case is re-fetched once: if its status moved the conflict is
// surfaced, if only descriptive fields changed the transition is
// retried against the fresh version.
func (s *Service) TransitionCase(ctx context.Context, actor domain.Actor, id types.ID, to domain.CaseStatus, note string) (*domain.Case, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c, err = s.transitionOnce(ctx, actor, c, to, note)
	if errors.Is(err, errors.ErrStaleState) {
		fresh, findErr := s.repo.FindByID(ctx, id)
		if findErr != nil {
			return nil, err
		}
		if fresh.Status != c.Status {
			return nil, err
		}
		return s.transitionOnce(ctx, actor, fresh, to, note)
	}
	return c, err
}

func (s *Service) transitionOnce(ctx context.Context, actor domain.Actor, c *domain.Case, to domain.CaseStatus, note string) (*domain.Case, error) {
	expectedVersion := c.Version
	from := c.Status
	updatedAt := c.UpdatedAt
	closedAt := c.ClosedAt

	entry, err := s.machine.AttemptTransition(c, to, actor, note)
	if err != nil {
		metrics.RecordTransitionRejection(rejectionReason(err))
		return c, err
	}
	if entry == nil {
		// Idempotent re-assertion, nothing to persist
		return c, nil
	}

	if err := s.repo.UpdateStatus(ctx, c, expectedVersion, entry); err != nil {
		// Roll back the in-memory mutation so a retry starts clean
		c.Status = from
		c.UpdatedAt = updatedAt
		c.ClosedAt = closedAt
		if errors.Is(err, errors.ErrStaleState) {
			metrics.RecordTransitionRejection("stale_state")
		}
		return c, err
	}

	metrics.RecordCaseTransition(string(from), string(to))
	s.publish(ctx, actor, EventTypeCaseTransitioned, map[string]any{
		"case_id":     c.ID,
		"ref_number":  c.RefNumber,
		"from_status": from,
		"to_status":   to,
		"note":        note,
	})
	return c, nil
}

// AmendCase applies descriptive-field changes. The StaleState retry
// mirrors TransitionCase: retried once only when the concurrent writer
// left the status untouched.
func (s *Service) AmendCase(ctx context.Context, actor domain.Actor, id types.ID, amendment domain.Amendment) (*domain.Case, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c, err = s.amendOnce(ctx, actor, c, amendment)
	if errors.Is(err, errors.ErrStaleState) {
		fresh, findErr := s.repo.FindByID(ctx, id)
		if findErr != nil {
			return nil, err
		}
		if fresh.Status != c.Status {
			return nil, err
		}
		return s.amendOnce(ctx, actor, fresh, amendment)
	}
	return c, err
}

func (s *Service) amendOnce(ctx context.Context, actor domain.Actor, c *domain.Case, amendment domain.Amendment) (*domain.Case, error) {
	expectedVersion := c.Version

	entry, err := s.machine.AttemptAmend(c, amendment, actor)
	if err != nil {
		return c, err
	}
	if entry == nil {
		// Every field value-equal, nothing to persist
		return c, nil
	}

	if err := s.repo.Amend(ctx, c, expectedVersion, entry); err != nil {
		return c, err
	}

	metrics.RecordCaseAmendment()
	fields := make([]string, 0, len(entry.Changes))
	for field := range entry.Changes {
		fields = append(fields, field)
	}
	s.publish(ctx, actor, EventTypeCaseAmended, map[string]any{
		"case_id":    c.ID,
		"ref_number": c.RefNumber,
		"fields":     fields,
		"reason":     entry.Reason,
	})
	return c, nil
}

// GetCaseHistory returns both ledgers for a case the actor may see.
func (s *Service) GetCaseHistory(ctx context.Context, actor domain.Actor, id types.ID) (*domain.CaseHistory, error) {
	if _, err := s.GetCase(ctx, actor, id); err != nil {
		return nil, err
	}

	statusHistory, err := s.repo.ListStatusHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	amendments, err := s.repo.ListAmendments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.CaseHistory{StatusHistory: statusHistory, Amendments: amendments}, nil
}

func (s *Service) actorInScope(actor domain.Actor, country, department string) bool {
	if permission.BypassesScope(actor.Role) {
		return true
	}
	if !containsString(actor.Countries, country) {
		return false
	}
	if department == "" {
		return true
	}
	return containsString(actor.Departments, department)
}

func (s *Service) publish(ctx context.Context, actor domain.Actor, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	event := events.NewEvent(eventType, "casebook", data).WithActor(actor.ID, string(actor.Role))
	if err := s.bus.Publish(ctx, event); err != nil {
		log.Printf("Failed to publish %s: %v", eventType, err)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrTerminalState):
		return "terminal_state"
	case errors.Is(err, errors.ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, errors.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, errors.ErrScopeViolation):
		return "scope_violation"
	default:
		return "other"
	}
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
