package mtp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hemovig/hemovig/internal/domain/issue"
	"github.com/hemovig/hemovig/internal/domain/protocol"
	"github.com/hemovig/hemovig/internal/platform/audit"
	"github.com/hemovig/hemovig/internal/platform/auth"
	"github.com/hemovig/hemovig/internal/platform/clock"
)

// memRepo mirrors the uniqueness and CAS guarantees of the Postgres
// repository, including the one-ACTIVE-per-patient partial index.
type memRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	released []*issue.BloodIssue
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[uuid.UUID]*Session)}
}

func (r *memRepo) Create(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.BranchID == s.BranchID && existing.PatientID == s.PatientID && existing.Status == StatusActive {
			return ErrActiveExists
		}
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) List(_ context.Context, branchID string, status Status, limit, offset int) ([]*Session, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if branchID != "" && s.BranchID != branchID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *memRepo) Deactivate(_ context.Context, id uuid.UUID, by string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != StatusActive {
		return false, nil
	}
	now := time.Now()
	s.Status = StatusInactive
	s.DeactivatedAt = &now
	s.DeactivatedBy = &by
	return true, nil
}

func (r *memRepo) Tallies(_ context.Context, sessionID uuid.UUID) (Tally, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := Tally{}
	for _, iss := range r.released {
		if iss.MTPSessionID != nil && *iss.MTPSessionID == sessionID {
			t[iss.Component]++
		}
	}
	return t, nil
}

func (r *memRepo) CountActive(_ context.Context, branchID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if (branchID == "" || s.BranchID == branchID) && s.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

// memGauges records every gauge set so tests can assert the latest value.
type memGauges struct {
	mu     sync.Mutex
	active []int64
}

func (g *memGauges) SetMTPSessionsActive(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = append(g.active, n)
}

func (g *memGauges) last(t *testing.T) int64 {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.active) == 0 {
		t.Fatal("gauge was never set")
	}
	return g.active[len(g.active)-1]
}

// memIssuer records released units back into the repo so tallies reflect them.
type memIssuer struct {
	repo *memRepo
	fail bool
}

func (i *memIssuer) ReleasePackUnit(_ context.Context, p auth.Principal, sessionID uuid.UUID,
	patientID, component, issuedTo string, ward *string) (*issue.BloodIssue, error) {
	if i.fail {
		return nil, errors.New("issue service down")
	}
	iss := &issue.BloodIssue{
		ID:           uuid.New(),
		BranchID:     p.BranchID,
		PatientID:    patientID,
		MTPSessionID: &sessionID,
		Component:    component,
		IssuedTo:     issuedTo,
		IssuedToWard: ward,
		State:        issue.StateIssued,
	}
	i.repo.mu.Lock()
	i.repo.released = append(i.repo.released, iss)
	i.repo.mu.Unlock()
	return iss, nil
}

type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memSink) Record(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) has(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	issuer *memIssuer
	sink   *memSink
	clk    *clock.Fake
	gauges *memGauges
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	repo := newMemRepo()
	issuer := &memIssuer{repo: repo}
	sink := &memSink{}
	gauges := &memGauges{}
	svc := NewService(repo, issuer, sink, clk, nil, gauges, zerolog.Nop())
	return &fixture{svc: svc, repo: repo, issuer: issuer, sink: sink, clk: clk, gauges: gauges}
}

func physician() auth.Principal {
	return auth.Principal{UserID: "phys-1", BranchID: "branch-1", Roles: []string{"physician"}}
}

func (f *fixture) active(t *testing.T) *Session {
	t.Helper()
	s, err := f.svc.Activate(context.Background(), physician(), ActivateInput{
		PatientID: "patient-1", ClinicalIndication: "polytrauma",
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return s
}

func protocolCode(t *testing.T, err error) protocol.Code {
	t.Helper()
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	return pe.Code
}

func TestActivate(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	if s.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", s.Status)
	}
	if s.ActivatedBy != "phys-1" {
		t.Errorf("activatedBy = %s", s.ActivatedBy)
	}
	if !f.sink.has(ActionMTPActivated) {
		t.Error("missing BB_MTP_ACTIVATED audit entry")
	}
}

func TestActivateDuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	f.active(t)

	_, err := f.svc.Activate(context.Background(), physician(), ActivateInput{PatientID: "patient-1"})
	if protocolCode(t, err) != protocol.CodeConflict {
		t.Errorf("code = %v, want CONFLICT", protocolCode(t, err))
	}
}

func TestActivateConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Activate(context.Background(), physician(), ActivateInput{PatientID: "patient-1"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			ok++
		case protocolCode(t, err) == protocol.CodeConflict:
			conflicts++
		}
	}
	if ok != 1 || conflicts != 7 {
		t.Errorf("winners = %d, conflicts = %d, want 1/7", ok, conflicts)
	}
}

func TestActivateAfterDeactivate(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	if _, err := f.svc.Deactivate(context.Background(), physician(), s.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := f.svc.Activate(context.Background(), physician(), ActivateInput{PatientID: "patient-1"}); err != nil {
		t.Errorf("re-activation after deactivate should succeed: %v", err)
	}
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	out, err := f.svc.Deactivate(context.Background(), physician(), s.ID)
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if out.Status != StatusInactive {
		t.Errorf("status = %s, want INACTIVE", out.Status)
	}
	if out.DeactivatedBy == nil || *out.DeactivatedBy != "phys-1" {
		t.Error("deactivatedBy not recorded")
	}
	if !f.sink.has(ActionMTPDeactivated) {
		t.Error("missing BB_MTP_DEACTIVATED audit entry")
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	if got := f.gauges.last(t); got != 1 {
		t.Fatalf("gauge after activation = %d, want 1", got)
	}

	if _, err := f.svc.Deactivate(context.Background(), physician(), s.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got := f.gauges.last(t); got != 0 {
		t.Errorf("gauge after deactivation = %d, want 0", got)
	}
}

func TestDeactivateTwiceRejected(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)
	if _, err := f.svc.Deactivate(context.Background(), physician(), s.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Deactivate(context.Background(), physician(), s.ID)
	if protocolCode(t, err) != protocol.CodeInvalidTransition {
		t.Errorf("code = %v, want INVALID_TRANSITION", protocolCode(t, err))
	}
}

func TestDeactivateUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Deactivate(context.Background(), physician(), uuid.New())
	if protocolCode(t, err) != protocol.CodeNotFound {
		t.Errorf("code = %v, want NOT_FOUND", protocolCode(t, err))
	}
}

func TestGetForeignBranchHidden(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	other := auth.Principal{UserID: "phys-2", BranchID: "branch-2", Roles: []string{"physician"}}
	_, err := f.svc.Get(context.Background(), other, s.ID)
	if protocolCode(t, err) != protocol.CodeNotFound {
		t.Error("foreign branch must see not found")
	}
}

func TestReleaseEmergencyPackDefaults(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	detail, released, err := f.svc.ReleaseEmergencyPack(context.Background(), physician(), s.ID, ReleaseInput{})
	if err != nil {
		t.Fatalf("ReleaseEmergencyPack: %v", err)
	}
	if len(released) != DefaultPackPRBC+DefaultPackFFP {
		t.Fatalf("released %d units, want %d", len(released), DefaultPackPRBC+DefaultPackFFP)
	}
	if detail.Tallies[issue.ComponentPRBC] != DefaultPackPRBC {
		t.Errorf("PRBC tally = %d, want %d", detail.Tallies[issue.ComponentPRBC], DefaultPackPRBC)
	}
	if detail.Tallies[issue.ComponentFFP] != DefaultPackFFP {
		t.Errorf("FFP tally = %d, want %d", detail.Tallies[issue.ComponentFFP], DefaultPackFFP)
	}
	for _, iss := range released {
		if iss.CrossMatchID != nil {
			t.Error("pack unit must not carry a cross-match")
		}
		if iss.MTPSessionID == nil || *iss.MTPSessionID != s.ID {
			t.Error("pack unit not stamped with the session")
		}
	}
	if !f.sink.has(ActionMTPPackReleased) {
		t.Error("missing BB_MTP_PACK_RELEASED audit entry")
	}
}

func TestReleaseEmergencyPackExplicitCounts(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	detail, released, err := f.svc.ReleaseEmergencyPack(context.Background(), physician(), s.ID, ReleaseInput{
		PRBC: 2, Platelets: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 3 {
		t.Errorf("released %d units, want 3", len(released))
	}
	if detail.Tallies[issue.ComponentPlatelet] != 1 {
		t.Errorf("platelet tally = %d, want 1", detail.Tallies[issue.ComponentPlatelet])
	}
}

func TestReleaseEmergencyPackInactiveSession(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)
	if _, err := f.svc.Deactivate(context.Background(), physician(), s.ID); err != nil {
		t.Fatal(err)
	}

	_, _, err := f.svc.ReleaseEmergencyPack(context.Background(), physician(), s.ID, ReleaseInput{})
	if protocolCode(t, err) != protocol.CodeInvalidTransition {
		t.Errorf("code = %v, want INVALID_TRANSITION", protocolCode(t, err))
	}
}

func TestReleaseEmergencyPackNegativeCounts(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)

	_, _, err := f.svc.ReleaseEmergencyPack(context.Background(), physician(), s.ID, ReleaseInput{PRBC: -1})
	if protocolCode(t, err) != protocol.CodeInvalidInput {
		t.Errorf("code = %v, want INVALID_INPUT", protocolCode(t, err))
	}
}

func TestListWithTallies(t *testing.T) {
	f := newFixture(t)
	s := f.active(t)
	if _, _, err := f.svc.ReleaseEmergencyPack(context.Background(), physician(), s.ID, ReleaseInput{PRBC: 2}); err != nil {
		t.Fatal(err)
	}

	sessions, total, err := f.svc.List(context.Background(), "branch-1", "", 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(sessions) != 1 {
		t.Fatalf("list returned %d/%d, want 1/1", len(sessions), total)
	}
	if sessions[0].Tallies[issue.ComponentPRBC] != 2 {
		t.Errorf("tally = %d, want 2", sessions[0].Tallies[issue.ComponentPRBC])
	}
}
