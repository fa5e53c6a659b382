package domain

import (
	"context"

	"github.com/surgicase/platform/internal/shared/types"
)

// Repository defines the interface for case persistence. Status and
// amendment writes take the version the caller read; a mismatch at
// write time yields StaleState and leaves the case and its history
// untouched.
type Repository interface {
	// Case operations
	Create(ctx context.Context, c *Case) error
	FindByID(ctx context.Context, id types.ID) (*Case, error)
	FindByRefNumber(ctx context.Context, refNumber string) (*Case, error)
	List(ctx context.Context, filter ListFilter) ([]Case, int, error)

	// UpdateStatus persists a status change and appends its history
	// entry atomically, assigning the entry's Seq.
	UpdateStatus(ctx context.Context, c *Case, expectedVersion int64, entry *StatusHistoryEntry) error

	// Amend persists amended descriptive fields and appends the
	// amendment entry atomically, assigning the entry's Seq.
	Amend(ctx context.Context, c *Case, expectedVersion int64, entry *AmendmentHistoryEntry) error

	// Ledger reads, ordered by Seq ascending.
	ListStatusHistory(ctx context.Context, caseID types.ID) ([]StatusHistoryEntry, error)
	ListAmendments(ctx context.Context, caseID types.ID) ([]AmendmentHistoryEntry, error)

	// NextRefNumber atomically reserves the next per-country sequence
	// value for reference number generation.
	NextRefNumber(ctx context.Context, country string, year int) (int64, error)
}

// ListFilter defines filters for listing cases
type ListFilter struct {
	Status      *CaseStatus `json:"status,omitempty"`
	Hospital    string      `json:"hospital,omitempty"`
	Search      string      `json:"search,omitempty"`
	Countries   []string    `json:"countries,omitempty"`
	Departments []string    `json:"departments,omitempty"`
	// DepartmentScoped restricts results to the Departments list plus
	// department-less cases. With an empty list only department-less
	// cases match, mirroring the per-case scope check.
	DepartmentScoped bool `json:"department_scoped,omitempty"`
	Limit            int  `json:"limit,omitempty"`
	Offset           int  `json:"offset,omitempty"`
}
