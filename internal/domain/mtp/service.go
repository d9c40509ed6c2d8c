package mtp

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hemovig/hemovig/internal/domain/issue"
	"github.com/hemovig/hemovig/internal/domain/protocol"
	"github.com/hemovig/hemovig/internal/platform/audit"
	"github.com/hemovig/hemovig/internal/platform/auth"
	"github.com/hemovig/hemovig/internal/platform/clock"
)

// Audit action codes for the MTP session lifecycle.
const (
	ActionMTPActivated    = "BB_MTP_ACTIVATED"
	ActionMTPDeactivated  = "BB_MTP_DEACTIVATED"
	ActionMTPPackReleased = "BB_MTP_PACK_RELEASED"
)

// Default emergency pack composition when the caller omits counts.
const (
	DefaultPackPRBC = 4
	DefaultPackFFP  = 4
)

// PackIssuer releases one uncrossmatched unit under a session. The issue
// service implements it; taking the narrow interface here keeps the
// dependency pointing from mtp to issue only.
type PackIssuer interface {
	ReleasePackUnit(ctx context.Context, p auth.Principal, sessionID uuid.UUID,
		patientID, component, issuedTo string, ward *string) (*issue.BloodIssue, error)
}

// Metrics is the telemetry slice the service needs; may be nil.
type Metrics interface {
	MTPSessionCounter(event, branchID string)
}

// Gauges receives the mtp.sessions.active gauge; may be nil. Refreshed from
// a full count after every activation and deactivation.
type Gauges interface {
	SetMTPSessionsActive(n int64)
}

// Service owns MtpSession records. Activation is serialized per
// (branch, patient) by the repository's uniqueness guarantee, so two
// concurrent activations cannot both succeed.
type Service struct {
	repo    Repository
	issuer  PackIssuer
	sink    audit.Sink
	clk     clock.Clock
	metrics Metrics
	gauges  Gauges
	logger  zerolog.Logger
}

func NewService(repo Repository, issuer PackIssuer, sink audit.Sink, clk clock.Clock,
	metrics Metrics, gauges Gauges, logger zerolog.Logger) *Service {
	return &Service{repo: repo, issuer: issuer, sink: sink, clk: clk, metrics: metrics, gauges: gauges, logger: logger}
}

type ActivateInput struct {
	PatientID          string
	EncounterID        *string
	ClinicalIndication string
	Notes              string
}

func (s *Service) Activate(ctx context.Context, p auth.Principal, in ActivateInput) (*Session, error) {
	if strings.TrimSpace(in.PatientID) == "" {
		return nil, protocol.InvalidInput("patientId is required")
	}

	session := &Session{
		ID:                 uuid.New(),
		BranchID:           p.BranchID,
		PatientID:          in.PatientID,
		EncounterID:        in.EncounterID,
		Status:             StatusActive,
		ClinicalIndication: in.ClinicalIndication,
		Notes:              in.Notes,
		ActivatedAt:        s.clk.Now(),
		ActivatedBy:        p.UserID,
	}
	err := s.repo.Create(ctx, session)
	if errors.Is(err, ErrActiveExists) {
		s.countEvent("rejected", p.BranchID)
		return nil, protocol.Conflict("an ACTIVE MTP session already exists for this patient; deactivate it first")
	}
	if err != nil {
		return nil, err
	}

	s.audit(ctx, p, ActionMTPActivated, session.ID, map[string]interface{}{
		"patientId":          in.PatientID,
		"clinicalIndication": in.ClinicalIndication,
	})
	s.countEvent("activated", p.BranchID)
	s.refreshActiveGauge(ctx)
	return session, nil
}

func (s *Service) Deactivate(ctx context.Context, p auth.Principal, id uuid.UUID) (*Session, error) {
	session, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, protocol.InvalidTransition(id.String(), string(session.Status), "deactivateMTP")
	}

	applied, err := s.repo.Deactivate(ctx, id, p.UserID)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Lost the race to another deactivation.
		return nil, protocol.InvalidTransition(id.String(), string(StatusInactive), "deactivateMTP")
	}

	s.audit(ctx, p, ActionMTPDeactivated, id, nil)
	s.countEvent("deactivated", p.BranchID)
	s.refreshActiveGauge(ctx)
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Get(ctx context.Context, p auth.Principal, id uuid.UUID) (*SessionDetail, error) {
	session, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, err
	}
	tallies, err := s.repo.Tallies(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionDetail{Session: *session, Tallies: tallies}, nil
}

func (s *Service) List(ctx context.Context, branchID string, status Status, limit, offset int) ([]*SessionDetail, int, error) {
	sessions, total, err := s.repo.List(ctx, branchID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*SessionDetail, 0, len(sessions))
	for _, session := range sessions {
		tallies, err := s.repo.Tallies(ctx, session.ID)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, &SessionDetail{Session: *session, Tallies: tallies})
	}
	return out, total, nil
}

// ReleaseInput is the requested emergency pack composition. Zero counts with
// no explicit flag fall back to the standard 4 PRBC + 4 FFP pack.
type ReleaseInput struct {
	PRBC      int
	FFP       int
	Platelets int
	IssuedTo  string
	Ward      *string
}

// ReleaseEmergencyPack issues the requested pack under an ACTIVE session.
// Every unit is created in ISSUED with no cross-match and the session id
// stamped on it.
func (s *Service) ReleaseEmergencyPack(ctx context.Context, p auth.Principal, id uuid.UUID, in ReleaseInput) (*SessionDetail, []*issue.BloodIssue, error) {
	if in.PRBC < 0 || in.FFP < 0 || in.Platelets < 0 {
		return nil, nil, protocol.InvalidInput("pack counts must not be negative")
	}
	session, err := s.getOwned(ctx, p, id)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != StatusActive {
		return nil, nil, protocol.InvalidTransition(id.String(), string(session.Status), "releaseEmergencyPack")
	}

	if in.PRBC == 0 && in.FFP == 0 && in.Platelets == 0 {
		in.PRBC, in.FFP = DefaultPackPRBC, DefaultPackFFP
	}
	issuedTo := in.IssuedTo
	if issuedTo == "" {
		issuedTo = "Unknown"
	}

	var released []*issue.BloodIssue
	release := func(component string, n int) error {
		for i := 0; i < n; i++ {
			iss, err := s.issuer.ReleasePackUnit(ctx, p, id, session.PatientID, component, issuedTo, in.Ward)
			if err != nil {
				return err
			}
			released = append(released, iss)
		}
		return nil
	}
	if err := release(issue.ComponentPRBC, in.PRBC); err != nil {
		return nil, released, err
	}
	if err := release(issue.ComponentFFP, in.FFP); err != nil {
		return nil, released, err
	}
	if err := release(issue.ComponentPlatelet, in.Platelets); err != nil {
		return nil, released, err
	}

	s.audit(ctx, p, ActionMTPPackReleased, id, map[string]interface{}{
		"prbc":      in.PRBC,
		"ffp":       in.FFP,
		"platelets": in.Platelets,
	})
	s.countEvent("pack_released", p.BranchID)

	detail, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, released, err
	}
	return detail, released, nil
}

func (s *Service) getOwned(ctx context.Context, p auth.Principal, id uuid.UUID) (*Session, error) {
	session, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, protocol.NotFound("mtp session not found")
	}
	if err != nil {
		return nil, err
	}
	if session.BranchID != p.BranchID && !p.HasRole("admin") {
		return nil, protocol.NotFound("mtp session not found")
	}
	return session, nil
}

func (s *Service) audit(ctx context.Context, p auth.Principal, action string, id uuid.UUID, meta map[string]interface{}) {
	if s.sink == nil {
		return
	}
	entry := audit.Entry{
		BranchID:    p.BranchID,
		ActorUserID: p.UserID,
		Action:      action,
		Entity:      "mtp_session",
		EntityID:    id.String(),
		Meta:        meta,
		RecordedAt:  s.clk.Now(),
	}
	if err := s.sink.Record(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", action).Str("session_id", id.String()).Msg("audit record failed")
	}
}

func (s *Service) countEvent(event, branchID string) {
	if s.metrics != nil {
		s.metrics.MTPSessionCounter(event, branchID)
	}
}

// refreshActiveGauge re-reads the ACTIVE count across all branches.
// Soft-fails: a gauge miss never fails the activation.
func (s *Service) refreshActiveGauge(ctx context.Context) {
	if s.gauges == nil {
		return
	}
	n, err := s.repo.CountActive(ctx, "")
	if err != nil {
		s.logger.Error().Err(err).Msg("mtp sessions active gauge refresh failed")
		return
	}
	s.gauges.SetMTPSessionsActive(int64(n))
}
