package permission

import (
	"context"
	"time"

	"github.com/surgicase/platform/internal/shared/types"
)

// Entry is one cell of the permission matrix as persisted: a runtime
// override of the static default for a (action, role) pair.
type Entry struct {
	Action    Action    `json:"action"`
	Role      Role      `json:"role"`
	Allowed   bool      `json:"allowed"`
	UpdatedBy types.ID  `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists runtime overrides of the permission matrix.
type Store interface {
	// List returns all persisted overrides.
	List(ctx context.Context) ([]Entry, error)

	// Put upserts a single override.
	Put(ctx context.Context, entry Entry) error
}
