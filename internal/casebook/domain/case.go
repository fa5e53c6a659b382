// Package domain holds the surgical case aggregate and its lifecycle
// rules: the status pipeline, the per-edge action requirements and the
// amendment rights derived from a case's current position.
package domain

import (
	"fmt"
	"time"

	"github.com/surgicase/platform/internal/shared/types"
)

// CaseStatus defines the fulfillment status of a surgical case
type CaseStatus string

const (
	CaseStatusBooked                  CaseStatus = "booked"
	CaseStatusOrderPreparation        CaseStatus = "order_preparation"
	CaseStatusOrderPrepared           CaseStatus = "order_prepared"
	CaseStatusPendingDeliveryHospital CaseStatus = "pending_delivery_hospital"
	CaseStatusDeliveredHospital       CaseStatus = "delivered_hospital"
	CaseStatusCompleted               CaseStatus = "completed"
	CaseStatusPendingDeliveryOffice   CaseStatus = "pending_delivery_office"
	CaseStatusDeliveredOffice         CaseStatus = "delivered_office"
	CaseStatusToBeBilled              CaseStatus = "to_be_billed"
	CaseStatusClosed                  CaseStatus = "closed"
	CaseStatusCancelled               CaseStatus = "cancelled"
)

// AllStatuses returns every status in pipeline order, Cancelled last.
func AllStatuses() []CaseStatus {
	return []CaseStatus{
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
		CaseStatusCancelled,
	}
}

// ValidStatus reports whether s names a known status.
func ValidStatus(s CaseStatus) bool {
	for _, status := range AllStatuses() {
		if status == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a case in this status can still change.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusClosed || s == CaseStatusCancelled
}

// EquipmentLine is one requested surgery set or implant box.
type EquipmentLine struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Case is the aggregate root for surgical case booking and fulfillment.
// Version backs optimistic locking: every successful status change or
// amendment increments it, and writers must present the version they read.
type Case struct {
	ID        types.ID   `json:"id"`
	RefNumber string     `json:"ref_number"`
	Status    CaseStatus `json:"status"`

	// Scope
	Country    string `json:"country"`
	Hospital   string `json:"hospital"`
	Department string `json:"department"`

	// Surgery details. PatientRef is a pseudonymized reference, never
	// a name or national identifier.
	PatientRef  string    `json:"patient_ref"`
	SurgeonName string    `json:"surgeon_name"`
	SurgeryType string    `json:"surgery_type"`
	SurgeryDate time.Time `json:"surgery_date"`

	SurgerySets  []EquipmentLine `json:"surgery_sets"`
	ImplantBoxes []EquipmentLine `json:"implant_boxes"`
	Notes        string          `json:"notes"`

	Version   int64      `json:"version"`
	CreatedBy types.ID   `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// NewCase creates a booked case with validation. No history entry is
// recorded for creation; the ledger starts with the first transition.
func NewCase(country, hospital, department, patientRef, surgeonName, surgeryType string, surgeryDate time.Time, createdBy types.ID) (*Case, error) {
	if country == "" {
		return nil, fmt.Errorf("country is required")
	}
	if hospital == "" {
		return nil, fmt.Errorf("hospital is required")
	}
	if patientRef == "" {
		return nil, fmt.Errorf("patient reference is required")
	}
	if surgeryDate.IsZero() {
		return nil, fmt.Errorf("surgery date is required")
	}
	if createdBy.IsZero() {
		return nil, fmt.Errorf("creator is required")
	}

	now := time.Now().UTC()
	return &Case{
		ID:          types.NewID(),
		Status:      CaseStatusBooked,
		Country:     country,
		Hospital:    hospital,
		Department:  department,
		PatientRef:  patientRef,
		SurgeonName: surgeonName,
		SurgeryType: surgeryType,
		SurgeryDate: surgeryDate,
		Version:     1,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ValidateEquipment checks the requested surgery sets and implant boxes.
// Every line needs a code and a positive quantity.
func ValidateEquipment(lines []EquipmentLine) error {
	for i, line := range lines {
		if line.Code == "" {
			return fmt.Errorf("equipment line %d: code is required", i)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("equipment line %d (%s): quantity must be at least 1", i, line.Code)
		}
	}
	return nil
}

// FormatRefNumber renders a case reference number from its parts.
// Format: COUNTRY-YEAR-SEQUENCE (e.g. AT-2026-000042).
func FormatRefNumber(country string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%06d", country, year, seq)
}
