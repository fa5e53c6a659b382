package domain

import (
	"time"

	"github.com/surgicase/platform/internal/permission"
	"github.com/surgicase/platform/internal/shared/types"
)

// StatusHistoryEntry is one immutable record of a case status change.
// Seq is the per-case monotonic position in the ledger, assigned by the
// repository at append time; ordering follows Seq, never ChangedAt.
type StatusHistoryEntry struct {
	ID         types.ID        `json:"id"`
	CaseID     types.ID        `json:"case_id"`
	Seq        int64           `json:"seq"`
	FromStatus CaseStatus      `json:"from_status"`
	ToStatus   CaseStatus      `json:"to_status"`
	ChangedBy  types.ID        `json:"changed_by"`
	ActorRole  permission.Role `json:"actor_role"`
	Note       string          `json:"note,omitempty"`
	ChangedAt  time.Time       `json:"changed_at"`
}

// FieldChange captures one field's value before and after an amendment.
type FieldChange struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// AmendmentHistoryEntry is one immutable record of a descriptive-field
// amendment. Changes holds only fields whose values actually differed.
type AmendmentHistoryEntry struct {
	ID        types.ID               `json:"id"`
	CaseID    types.ID               `json:"case_id"`
	Seq       int64                  `json:"seq"`
	Changes   map[string]FieldChange `json:"changes"`
	ChangedBy types.ID               `json:"changed_by"`
	ActorRole permission.Role        `json:"actor_role"`
	Reason    string                 `json:"reason,omitempty"`
	ChangedAt time.Time              `json:"changed_at"`
}

// CaseHistory bundles both ledgers for the history view.
type CaseHistory struct {
	StatusHistory []StatusHistoryEntry    `json:"status_history"`
	Amendments    []AmendmentHistoryEntry `json:"amendments"`
}
