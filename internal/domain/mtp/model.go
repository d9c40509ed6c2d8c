// Package mtp manages Massive Transfusion Protocol sessions. A session is a
// clinical mode scoped to one patient in one branch; units issued while it is
// active are tagged with the session id but their lifecycles stay independent.
package mtp

import (
	"time"

	"github.com/google/uuid"
)

// Status is the session status. INACTIVE is terminal.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Session is one MTP activation. At most one ACTIVE session exists per
// (branch, patient) pair; the partial unique index enforces it under
// concurrent activation.
type Session struct {
	ID                 uuid.UUID `json:"id"`
	BranchID           string    `json:"branchId"`
	PatientID          string    `json:"patientId"`
	EncounterID        *string   `json:"encounterId,omitempty"`
	Status             Status    `json:"status"`
	ClinicalIndication string    `json:"clinicalIndication,omitempty"`
	Notes              string    `json:"notes,omitempty"`

	ActivatedAt   time.Time  `json:"activatedAt"`
	ActivatedBy   string     `json:"activatedBy"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
	DeactivatedBy *string    `json:"deactivatedBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tally counts units released under a session, per blood component.
type Tally map[string]int

// SessionDetail is a session together with its component tallies.
type SessionDetail struct {
	Session
	Tallies Tally `json:"tallies"`
}
