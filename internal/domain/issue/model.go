// Package issue owns the lifecycle of an issued blood unit from blood-bank
// hand-off to its terminal state, together with the vitals cadence monitor
// that watches every active transfusion.
package issue

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a BloodIssue.
type State string

const (
	StateIssued          State = "ISSUED"
	StateBedsideVerified State = "BEDSIDE_VERIFIED"
	StateTransfusing     State = "TRANSFUSING"
	StateCompleted       State = "COMPLETED"
	StateReaction        State = "REACTION"
	StateReturned        State = "RETURNED"
)

// transitions is the legal edge set of the lifecycle graph. Terminal states
// have no outgoing edges.
var transitions = map[State][]State{
	StateIssued:          {StateBedsideVerified, StateReturned},
	StateBedsideVerified: {StateTransfusing, StateReaction, StateReturned},
	StateTransfusing:     {StateCompleted, StateReaction},
	StateCompleted:       {StateReturned},
}

// Terminal reports whether the issue is immutable. COMPLETED is not terminal
// in this sense: a completed unit may still be returned with residual volume.
func (s State) Terminal() bool {
	return s == StateReaction || s == StateReturned
}

// CanTransition reports whether s -> to is a legal edge.
func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIssued, StateBedsideVerified, StateTransfusing,
		StateCompleted, StateReaction, StateReturned:
		return true
	}
	return false
}

// Blood component codes carried on an issue. The component determines the
// tallies shown on an MTP session.
const (
	ComponentPRBC       = "PRBC"
	ComponentFFP        = "FFP"
	ComponentPlatelet   = "PLATELET"
	ComponentWholeBlood = "WHOLE_BLOOD"
)

// VerifyOutcomeMatch and VerifyOutcomeMismatch are the two recordable bedside
// verification outcomes. A mismatch is recorded but leaves the unit in
// ISSUED so it can flow to a return.
const (
	VerifyOutcomeMatch    = "MATCH"
	VerifyOutcomeMismatch = "MISMATCH"
)

// VitalsReading is one observation set taken at the bedside.
type VitalsReading struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	PulseRate       *float64 `json:"pulseRate,omitempty"`
	BloodPressure   string   `json:"bloodPressure,omitempty"`
	RespiratoryRate *float64 `json:"respiratoryRate,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

// VitalsRecord is one append-only element of an issue's vitals log.
type VitalsRecord struct {
	ID            uuid.UUID     `json:"id"`
	IssueID       uuid.UUID     `json:"issueId"`
	Interval      string        `json:"interval"`
	Reading       VitalsReading `json:"reading"`
	VolumeDeltaML *float64      `json:"volumeDeltaMl,omitempty"`
	RecordedBy    string        `json:"recordedBy"`
	RecordedAt    time.Time     `json:"recordedAt"`
}

// BedsideVerification is the two-identifier check record. Set once, never
// overwritten.
type BedsideVerification struct {
	VerifiedBy       string    `json:"verifiedBy"`
	Verifier2StaffID *string   `json:"verifier2StaffId,omitempty"`
	Outcome          string    `json:"outcome"`
	VerifiedAt       time.Time `json:"verifiedAt"`
}

// TransfusionStart snapshots the moment transfusion began.
type TransfusionStart struct {
	StartedBy      string        `json:"startedBy"`
	StartedAt      time.Time     `json:"startedAt"`
	StartingVitals VitalsReading `json:"startingVitals"`
}

// TransfusionEnd records the ending summary.
type TransfusionEnd struct {
	EndedBy string    `json:"endedBy"`
	EndedAt time.Time `json:"endedAt"`
	Summary string    `json:"summary,omitempty"`
}

// Reaction is the immutable adverse-reaction record. Once set the issue is
// terminal.
type Reaction struct {
	ReportedBy string    `json:"reportedBy"`
	ReportedAt time.Time `json:"reportedAt"`
	Severity   string    `json:"severity,omitempty"`
	Details    string    `json:"details"`
}

// ReturnInfo records a unit going back to the blood bank.
type ReturnInfo struct {
	ReturnedBy       string    `json:"returnedBy"`
	ReturnedAt       time.Time `json:"returnedAt"`
	Reason           string    `json:"reason"`
	ResidualVolumeML *float64  `json:"residualVolumeMl,omitempty"`
}

// BloodIssue is one issued unit. Mutated only through Service operations;
// terminal rows are retained for audit, never deleted.
type BloodIssue struct {
	ID           uuid.UUID  `json:"id"`
	BranchID     string     `json:"branchId"`
	CrossMatchID *string    `json:"crossMatchId,omitempty"`
	PatientID    string     `json:"patientId"`
	MTPSessionID *uuid.UUID `json:"mtpSessionId,omitempty"`
	Component    string     `json:"component"`
	UnitBarcode  *string    `json:"unitBarcode,omitempty"`

	IssuedTo      string   `json:"issuedTo"`
	IssuedToWard  *string  `json:"issuedToWard,omitempty"`
	TransportTemp *float64 `json:"transportTemp,omitempty"`
	IssuedBy      string   `json:"issuedBy"`

	State    State     `json:"state"`
	IssuedAt time.Time `json:"issuedAt"`

	Verification       *BedsideVerification `json:"bedsideVerification,omitempty"`
	TransfusionStart   *TransfusionStart    `json:"transfusionStart,omitempty"`
	VitalsLog          []VitalsRecord       `json:"vitalsLog,omitempty"`
	VolumeTransfusedML float64              `json:"volumeTransfusedMl"`
	TransfusionEnd     *TransfusionEnd      `json:"transfusionEnd,omitempty"`
	Reaction           *Reaction            `json:"reaction,omitempty"`
	ReturnInfo         *ReturnInfo          `json:"returnInfo,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
