package issue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hemovig/hemovig/internal/domain/protocol"
	"github.com/hemovig/hemovig/internal/platform/audit"
	"github.com/hemovig/hemovig/internal/platform/auth"
	"github.com/hemovig/hemovig/internal/platform/clock"
)

// ErrNotFound is returned by repositories when an issue does not exist.
var ErrNotFound = errors.New("blood issue not found")

// Audit action codes for the transfusion lifecycle.
const (
	ActionBloodIssued        = "BB_BLOOD_ISSUED"
	ActionBedsideVerified    = "BB_BEDSIDE_VERIFIED"
	ActionTransfusionStarted = "BB_TRANSFUSION_STARTED"
	ActionVitalsRecorded     = "BB_VITALS_RECORDED"
	ActionVitalsOverdue      = "BB_VITALS_OVERDUE"
	ActionTransfusionEnded   = "BB_TRANSFUSION_ENDED"
	ActionReactionReported   = "BB_REACTION_REPORTED"
	ActionUnitReturned       = "BB_UNIT_RETURNED"
)

// Metrics is the telemetry slice the service needs; may be nil.
type Metrics interface {
	TransfusionOperationCounter(operation, outcome string)
}

// Gauges receives the transfusions.active gauge; may be nil. The service
// refreshes it from a full count on every transition in or out of
// TRANSFUSING, so the gauge never drifts from the store.
type Gauges interface {
	SetTransfusionsActive(n int64)
}

const (
	DefaultCadence            = 15 * time.Minute
	DefaultReturnWindow       = 4 * time.Hour
	DefaultCrossMatchValidity = 72 * time.Hour
)

// Service owns every BloodIssue transition. All transition checks are
// evaluated against the persisted state and applied as a single
// compare-and-set, so duplicated bedside calls race safely: exactly one
// wins and the loser gets the authoritative current state back.
type Service struct {
	repo     Repository
	resolver CrossMatchResolver
	monitor  *CadenceMonitor
	sink     audit.Sink
	clk      clock.Clock
	metrics  Metrics
	gauges   Gauges
	logger   zerolog.Logger

	cadence            time.Duration
	returnWindow       time.Duration
	crossMatchValidity time.Duration
}

// Options carries the clinical policy knobs. Zero values fall back to the
// defaults above.
type Options struct {
	Cadence            time.Duration
	ReturnWindow       time.Duration
	CrossMatchValidity time.Duration
}

func NewService(repo Repository, resolver CrossMatchResolver, monitor *CadenceMonitor,
	sink audit.Sink, clk clock.Clock, metrics Metrics, gauges Gauges, logger zerolog.Logger, opts Options) *Service {

	if opts.Cadence <= 0 {
		opts.Cadence = DefaultCadence
	}
	if opts.ReturnWindow <= 0 {
		opts.ReturnWindow = DefaultReturnWindow
	}
	if opts.CrossMatchValidity <= 0 {
		opts.CrossMatchValidity = DefaultCrossMatchValidity
	}
	return &Service{
		repo:               repo,
		resolver:           resolver,
		monitor:            monitor,
		sink:               sink,
		clk:                clk,
		metrics:            metrics,
		gauges:             gauges,
		logger:             logger,
		cadence:            opts.Cadence,
		returnWindow:       opts.ReturnWindow,
		crossMatchValidity: opts.CrossMatchValidity,
	}
}

// Monitor exposes the cadence monitor for server wiring.
func (s *Service) Monitor() *CadenceMonitor { return s.monitor }

// IssueInput creates a unit in ISSUED against a resolved cross-match.
// IssuedTo arrives already defaulted by the boundary; the service itself
// rejects blank identities.
type IssueInput struct {
	CrossMatchID  string
	IssuedTo      string
	IssuedToWard  *string
	TransportTemp *float64
	Component     string
	MTPSessionID  *uuid.UUID
}

func (s *Service) IssueBlood(ctx context.Context, p auth.Principal, in IssueInput) (*BloodIssue, error) {
	if in.IssuedTo == "" {
		return nil, protocol.InvalidInput("issuedTo is required")
	}
	if in.CrossMatchID == "" {
		return nil, protocol.InvalidReference("crossMatchId is required")
	}

	cm, err := s.resolver.Resolve(ctx, p.BranchID, in.CrossMatchID)
	if err != nil {
		return nil, err
	}
	if cm == nil {
		s.count("issue", "rejected")
		return nil, protocol.InvalidReference("cross-match " + in.CrossMatchID + " does not resolve")
	}
	now := s.clk.Now()
	if cm.Result != ResultCompatible {
		s.count("issue", "rejected")
		return nil, protocol.PreconditionFailed("", "", "issueBlood",
			"cross-match result is "+cm.Result+", unit cannot be issued")
	}
	if now.Sub(cm.MatchedAt) > s.crossMatchValidity {
		s.count("issue", "rejected")
		return nil, protocol.PreconditionFailed("", "", "issueBlood",
			"cross-match has expired, a fresh sample is required")
	}

	component := in.Component
	if component == "" {
		component = cm.Component
	}
	if component == "" {
		component = ComponentPRBC
	}

	iss := &BloodIssue{
		ID:            uuid.New(),
		BranchID:      p.BranchID,
		CrossMatchID:  &cm.ID,
		PatientID:     cm.PatientID,
		MTPSessionID:  in.MTPSessionID,
		Component:     component,
		UnitBarcode:   &cm.UnitBarcode,
		IssuedTo:      in.IssuedTo,
		IssuedToWard:  in.IssuedToWard,
		TransportTemp: in.TransportTemp,
		IssuedBy:      p.UserID,
		State:         StateIssued,
		IssuedAt:      now,
	}
	if err := s.repo.Create(ctx, iss); err != nil {
		return nil, err
	}

	s.audit(ctx, p, ActionBloodIssued, iss.ID, map[string]interface{}{
		"crossMatchId": cm.ID,
		"component":    component,
		"issuedTo":     in.IssuedTo,
	})
	s.count("issue", "ok")
	return iss, nil
}

// ReleasePackUnit creates one uncrossmatched unit in ISSUED under an active
// MTP session. The mtp service is the only caller; it has already checked
// the session is ACTIVE.
func (s *Service) ReleasePackUnit(ctx context.Context, p auth.Principal, sessionID uuid.UUID,
	patientID, component, issuedTo string, ward *string) (*BloodIssue, error) {

	if component == "" {
		component = ComponentPRBC
	}
	iss := &BloodIssue{
		ID:           uuid.New(),
		BranchID:     p.BranchID,
		PatientID:    patientID,
		MTPSessionID: &sessionID,
		Component:    component,
		IssuedTo:     issuedTo,
		IssuedToWard: ward,
		IssuedBy:     p.UserID,
		State:        StateIssued,
		IssuedAt:     s.clk.Now(),
	}
	if err := s.repo.Create(ctx, iss); err != nil {
		return nil, err
	}

	s.audit(ctx, p, ActionBloodIssued, iss.ID, map[string]interface{}{
		"mtpSessionId": sessionID.String(),
		"component":    component,
		"emergency":    true,
	})
	s.count("issue", "ok")
	return iss, nil
}

// VerifyInput records the bedside two-identifier check. Scanned values,
// when present, are cross-checked against the unit before anything is
// recorded; a scan mismatch is an input error, not a MISMATCH outcome.
type VerifyInput struct {
	VerifiedBy         string
	Verifier2StaffID   *string
	Outcome            string
	ScannedPatientID   *string
	ScannedUnitBarcode *string
}

func (s *Service) BedsideVerify(ctx context.Context, p auth.Principal, id uuid.UUID, in VerifyInput) (*BloodIssue, error) {
	if in.Outcome != VerifyOutcomeMatch && in.Outcome != VerifyOutcomeMismatch {
		return nil, protocol.InvalidInput("outcome must be MATCH or MISMATCH")
	}
	if in.VerifiedBy == "" {
		return nil, protocol.InvalidInput("verifier identity is required")
	}

	iss, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if iss.Verification != nil || iss.State != StateIssued {
		s.count("bedside_verify", "rejected")
		return nil, transitionFailure(iss, "bedsideVerify")
	}
	if in.ScannedPatientID != nil && *in.ScannedPatientID != iss.PatientID {
		s.count("bedside_verify", "rejected")
		return nil, protocol.InvalidInput("scanned wristband does not match the patient on the cross-match")
	}
	if in.ScannedUnitBarcode != nil && iss.UnitBarcode != nil && *in.ScannedUnitBarcode != *iss.UnitBarcode {
		s.count("bedside_verify", "rejected")
		return nil, protocol.InvalidInput("scanned unit barcode does not match the issued unit")
	}

	v := BedsideVerification{
		VerifiedBy:       in.VerifiedBy,
		Verifier2StaffID: in.Verifier2StaffID,
		Outcome:          in.Outcome,
		VerifiedAt:       s.clk.Now(),
	}
	applied, err := s.repo.RecordVerification(ctx, id, v, in.Outcome == VerifyOutcomeMatch)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.count("bedside_verify", "rejected")
		return nil, s.staleTransition(ctx, p, id, "bedsideVerify")
	}

	s.audit(ctx, p, ActionBedsideVerified, id, map[string]interface{}{
		"outcome":    in.Outcome,
		"verifiedBy": in.VerifiedBy,
	})
	s.count("bedside_verify", "ok")
	return s.repo.GetByID(ctx, id)
}

type StartInput struct {
	StartingVitals VitalsReading
}

func (s *Service) StartTransfusion(ctx context.Context, p auth.Principal, id uuid.UUID, in StartInput) (*BloodIssue, error) {
	iss, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	switch {
	case iss.State == StateIssued:
		// The central safety gate.
		s.count("start", "rejected")
		return nil, protocol.PreconditionFailed(id.String(), string(iss.State), "startTransfusion",
			"bedside verification required before transfusion can start")
	case iss.State != StateBedsideVerified:
		s.count("start", "rejected")
		return nil, transitionFailure(iss, "startTransfusion")
	}

	start := TransfusionStart{
		StartedBy:      p.UserID,
		StartedAt:      s.clk.Now(),
		StartingVitals: in.StartingVitals,
	}
	applied, err := s.repo.MarkTransfusing(ctx, id, start)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.count("start", "rejected")
		return nil, s.staleTransition(ctx, p, id, "startTransfusion")
	}

	s.monitor.Register(id, iss.BranchID, derefStr(iss.IssuedToWard), s.cadence)
	s.refreshActiveGauge(ctx)

	s.audit(ctx, p, ActionTransfusionStarted, id, nil)
	s.count("start", "ok")
	return s.repo.GetByID(ctx, id)
}

type VitalsInput struct {
	Interval      string
	Reading       VitalsReading
	VolumeDeltaML *float64
}

func (s *Service) RecordVitals(ctx context.Context, p auth.Principal, id uuid.UUID, in VitalsInput) (*BloodIssue, error) {
	// The accumulator is monotonic; a negative delta never touches it.
	if in.VolumeDeltaML != nil && *in.VolumeDeltaML < 0 {
		s.count("vitals", "rejected")
		return nil, protocol.InvalidInput("volume delta must not be negative")
	}
	if in.Interval == "" {
		in.Interval = fmt.Sprintf("%dmin", int(s.cadence.Minutes()))
	}

	iss, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if iss.State != StateTransfusing {
		s.count("vitals", "rejected")
		return nil, transitionFailure(iss, "recordVitals")
	}

	rec := VitalsRecord{
		ID:            uuid.New(),
		IssueID:       id,
		Interval:      in.Interval,
		Reading:       in.Reading,
		VolumeDeltaML: in.VolumeDeltaML,
		RecordedBy:    p.UserID,
		RecordedAt:    s.clk.Now(),
	}
	applied, err := s.repo.AppendVitals(ctx, id, rec)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.count("vitals", "rejected")
		return nil, s.staleTransition(ctx, p, id, "recordVitals")
	}

	s.monitor.Heartbeat(id)

	meta := map[string]interface{}{"interval": in.Interval}
	if in.VolumeDeltaML != nil {
		meta["volumeDeltaMl"] = *in.VolumeDeltaML
	}
	s.audit(ctx, p, ActionVitalsRecorded, id, meta)
	s.count("vitals", "ok")
	return s.repo.GetByID(ctx, id)
}

// EndInput closes the transfusion. VolumeDeltaML is the final volume not yet
// covered by a vitals record; it lands on the same accumulator.
type EndInput struct {
	Summary       string
	VolumeDeltaML *float64
}

func (s *Service) EndTransfusion(ctx context.Context, p auth.Principal, id uuid.UUID, in EndInput) (*BloodIssue, error) {
	if in.VolumeDeltaML != nil && *in.VolumeDeltaML < 0 {
		s.count("end", "rejected")
		return nil, protocol.InvalidInput("volume delta must not be negative")
	}

	iss, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if iss.State != StateTransfusing {
		s.count("end", "rejected")
		return nil, transitionFailure(iss, "endTransfusion")
	}

	end := TransfusionEnd{EndedBy: p.UserID, EndedAt: s.clk.Now(), Summary: in.Summary}
	applied, err := s.repo.MarkCompleted(ctx, id, end, in.VolumeDeltaML)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.count("end", "rejected")
		return nil, s.staleTransition(ctx, p, id, "endTransfusion")
	}

	s.monitor.Deregister(id)
	s.refreshActiveGauge(ctx)

	meta := map[string]interface{}{}
	if in.VolumeDeltaML != nil {
		meta["volumeDeltaMl"] = *in.VolumeDeltaML
	}
	s.audit(ctx, p, ActionTransfusionEnded, id, meta)
	s.count("end", "ok")
	return s.repo.GetByID(ctx, id)
}

type ReactionInput struct {
	Severity string
	Details  string
}

func (s *Service) ReportReaction(ctx context.Context, p auth.Principal, id uuid.UUID, in ReactionInput) (*BloodIssue, error) {
	if in.Details == "" {
		return nil, protocol.InvalidInput("reaction details are required")
	}

	iss, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if iss.State != StateBedsideVerified && iss.State != StateTransfusing {
		s.count("reaction", "rejected")
		return nil, transitionFailure(iss, "reportReaction")
	}

	rx := Reaction{ReportedBy: p.UserID, ReportedAt: s.clk.Now(), Severity: in.Severity, Details: in.Details}
	applied, err := s.repo.MarkReaction(ctx, id, rx)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.count("reaction", "rejected")
		return nil, s.staleTransition(ctx, p, id, "reportReaction")
	}

	// Unconditional: a reaction always silences the cadence monitor.
	s.monitor.Deregister(id)
	s.refreshActiveGauge(ctx)

	s.audit(ctx, p, ActionReactionReported, id, map[string]interface{}{"severity": in.Severity})
	s.count("reaction", "ok")
	return s.repo.GetByID(ctx, id)
}

type ReturnInput struct {
	Reason           string
	ResidualVolumeML *float64
}

func (s *Service) ReturnUnit(ctx context.Context, p auth.Principal, id uuid.UUID, in ReturnInput) (*BloodIssue, error) {
	if in.Reason == "" {
		return nil, protocol.InvalidInput("return reason is required")
	}

	iss, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	switch iss.State {
	case StateIssued, StateBedsideVerified:
		// Cold-chain rule: an unspiked unit out of the bank too long cannot
		// go back into inventory.
		if s.clk.Now().Sub(iss.IssuedAt) > s.returnWindow {
			s.count("return", "rejected")
			return nil, protocol.PreconditionFailed(id.String(), string(iss.State), "returnUnit",
				"return window has elapsed, unit must be discarded per blood bank policy")
		}
	case StateCompleted:
		// Residual return after a completed transfusion; no window.
	default:
		s.count("return", "rejected")
		return nil, transitionFailure(iss, "returnUnit")
	}

	ri := ReturnInfo{
		ReturnedBy:       p.UserID,
		ReturnedAt:       s.clk.Now(),
		Reason:           in.Reason,
		ResidualVolumeML: in.ResidualVolumeML,
	}
	applied, err := s.repo.MarkReturned(ctx, id, iss.State, ri)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.count("return", "rejected")
		return nil, s.staleTransition(ctx, p, id, "returnUnit")
	}

	s.audit(ctx, p, ActionUnitReturned, id, map[string]interface{}{"reason": in.Reason})
	s.count("return", "ok")
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetIssue(ctx context.Context, p auth.Principal, id uuid.UUID) (*BloodIssue, error) {
	return s.getOwned(ctx, p, id)
}

// ListIssues returns issues for a branch the handler has already resolved
// against the caller's principal.
func (s *Service) ListIssues(ctx context.Context, branchID string, transfusing, transfusedToday bool, limit, offset int) ([]*BloodIssue, int, error) {
	f := ListFilter{
		BranchID:        branchID,
		Transfusing:     transfusing,
		TransfusedToday: transfusedToday,
		Today:           s.clk.Now(),
	}
	return s.repo.List(ctx, f, limit, offset)
}

// getOwned fetches an issue and enforces branch visibility. A foreign
// branch's issue is indistinguishable from a missing one.
func (s *Service) getOwned(ctx context.Context, p auth.Principal, id uuid.UUID) (*BloodIssue, error) {
	iss, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, protocol.NotFound("blood issue not found")
	}
	if err != nil {
		return nil, err
	}
	if iss.BranchID != p.BranchID && !p.HasRole("admin") {
		return nil, protocol.NotFound("blood issue not found")
	}
	return iss, nil
}

// staleTransition is the CAS-loser path: re-fetch and report the
// authoritative state so the caller can reconcile without another query.
func (s *Service) staleTransition(ctx context.Context, p auth.Principal, id uuid.UUID, attempted string) error {
	iss, err := s.getOwned(ctx, p, id)
	if err != nil {
		return err
	}
	return transitionFailure(iss, attempted)
}

func transitionFailure(iss *BloodIssue, attempted string) error {
	if iss.State.Terminal() {
		return protocol.AlreadyTerminal(iss.ID.String(), string(iss.State), attempted)
	}
	return protocol.InvalidTransition(iss.ID.String(), string(iss.State), attempted)
}

func (s *Service) audit(ctx context.Context, p auth.Principal, action string, id uuid.UUID, meta map[string]interface{}) {
	if s.sink == nil {
		return
	}
	entry := audit.Entry{
		BranchID:    p.BranchID,
		ActorUserID: p.UserID,
		Action:      action,
		Entity:      "blood_issue",
		EntityID:    id.String(),
		Meta:        meta,
		RecordedAt:  s.clk.Now(),
	}
	if err := s.sink.Record(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", action).Str("issue_id", id.String()).Msg("audit record failed")
	}
}

func (s *Service) count(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.TransfusionOperationCounter(operation, outcome)
	}
}

// refreshActiveGauge re-reads the TRANSFUSING count across all branches.
// Soft-fails: a gauge miss never fails the clinical operation.
func (s *Service) refreshActiveGauge(ctx context.Context) {
	if s.gauges == nil {
		return
	}
	n, err := s.repo.CountTransfusing(ctx, "")
	if err != nil {
		s.logger.Error().Err(err).Msg("transfusions active gauge refresh failed")
		return
	}
	s.gauges.SetTransfusionsActive(int64(n))
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
