package service

import (
	"context"
	"fmt"

	"github.com/surgicase/platform/internal/casebook/domain"
	"github.com/surgicase/platform/internal/permission"
	"github.com/surgicase/platform/internal/shared/errors"
)

// ImportRecordResult reports the outcome of one record in a bulk import.
type ImportRecordResult struct {
	Index     int    `json:"index"`
	RefNumber string `json:"ref_number,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ImportSummary is the partial-success report of a bulk import: failed
// records never abort the batch, and a failed record never leaves a
// half-written case behind.
type ImportSummary struct {
	Total     int                  `json:"total"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Results   []ImportRecordResult `json:"results"`
}

// ImportCases creates cases from a batch of records, accumulating
// per-record errors. The batch stops early only on context
// cancellation; remaining records are reported as skipped.
func (s *Service) ImportCases(ctx context.Context, actor domain.Actor, records []CreateCaseRequest) (*ImportSummary, error) {
	if !s.resolver.Resolve(actor.Role, permission.ActionImportData) {
		return nil, errors.PermissionDenied()
	}

	summary := &ImportSummary{Total: len(records)}
	for i, record := range records {
		if err := ctx.Err(); err != nil {
			remaining := len(records) - i
			summary.Failed += remaining
			for j := i; j < len(records); j++ {
				summary.Results = append(summary.Results, ImportRecordResult{
					Index: j,
					Error: "import abandoned before record was processed",
				})
			}
			break
		}

		c, err := s.CreateCase(ctx, actor, record)
		if err != nil {
			summary.Failed++
			summary.Results = append(summary.Results, ImportRecordResult{
				Index: i,
				Error: importErrorMessage(err),
			})
			continue
		}
		summary.Succeeded++
		summary.Results = append(summary.Results, ImportRecordResult{
			Index:     i,
			RefNumber: c.RefNumber,
		})
	}
	return summary, nil
}

func importErrorMessage(err error) string {
	if appErr, ok := err.(*errors.AppError); ok {
		if len(appErr.Details) > 0 {
			return fmt.Sprintf("%s: %v", appErr.Message, appErr.Details)
		}
		return appErr.Message
	}
	return err.Error()
}
