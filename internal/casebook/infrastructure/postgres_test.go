package infrastructure

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/surgicase/platform/internal/casebook/domain"
	"github.com/surgicase/platform/internal/shared/types"
)

// staticRow feeds fixed column values into Scan, standing in for a
// pgx.Row in tests.
type staticRow struct {
	values []any
}

func (r staticRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan expected %d destinations, got %d", len(r.values), len(dest))
	}
	for i, v := range r.values {
		target := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(v))
	}
	return nil
}

func caseRowValues(setsJSON, boxesJSON []byte) []any {
	now := time.Now()
	return []any{
		types.NewID(),                  // id
		"AT-2026-000001",               // ref_number
		domain.CaseStatusBooked,        // status
		"AT",                           // country
		"LKH Graz",                     // hospital
		"orthopedics",                  // department
		"PAT-4711",                     // patient_ref
		"Dr. Huber",                    // surgeon_name
		"THA",                          // surgery_type
		now.Add(48 * time.Hour),        // surgery_date
		setsJSON,                       // surgery_sets
		boxesJSON,                      // implant_boxes
		"",                             // notes
		int64(1),                       // version
		types.NewID(),                  // created_by
		now,                            // created_at
		now,                            // updated_at
		nil,                            // closed_at
	}
}

// TestScanCase tests that a well-formed row scans into a case
func TestScanCase(t *testing.T) {
	row := staticRow{values: caseRowValues(
		[]byte(`[{"code":"SET-1","name":"Hip set","quantity":1}]`),
		[]byte(`[]`),
	)}

	c, err := scanCase(row)
	if err != nil {
		t.Fatalf("scanCase failed: %v", err)
	}

	if c.RefNumber != "AT-2026-000001" {
		t.Errorf("RefNumber %s, want AT-2026-000001", c.RefNumber)
	}
	if len(c.SurgerySets) != 1 || c.SurgerySets[0].Code != "SET-1" {
		t.Errorf("SurgerySets %v, want one SET-1 line", c.SurgerySets)
	}
	if c.ClosedAt != nil {
		t.Errorf("ClosedAt %v, want nil", c.ClosedAt)
	}
}

// TestScanCaseCorruptEquipment tests that unreadable equipment JSON
// surfaces an error instead of reading back as a case without equipment
func TestScanCaseCorruptEquipment(t *testing.T) {
	tests := []struct {
		name      string
		setsJSON  []byte
		boxesJSON []byte
	}{
		{"corrupt surgery sets", []byte(`{not json`), []byte(`[]`)},
		{"corrupt implant boxes", []byte(`[]`), []byte(`{not json`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := staticRow{values: caseRowValues(tt.setsJSON, tt.boxesJSON)}

			if _, err := scanCase(row); err == nil {
				t.Error("Expected an error for corrupt equipment JSON")
			}
		})
	}
}
