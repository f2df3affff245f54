package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/domain"
	"github.com/transfa/netting-service/internal/store"
)

type candidateErrorRepoStub struct {
	*store.MemoryRepository
	failFor uuid.UUID
}

func (s *candidateErrorRepoStub) FindCounterCandidates(ctx context.Context, request *domain.TransferRequest, now time.Time) ([]domain.TransferRequest, error) {
	if request.ID == s.failFor {
		return nil, errors.New("statement timeout")
	}
	return s.MemoryRepository.FindCounterCandidates(ctx, request, now)
}

func TestRunTick_ProposesIdenticalPairAsPerfectExactMatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedRequest(t, "US", "USD", "EG", "EGP", "1000", "30900", baseTime)
	b := env.seedRequest(t, "EG", "EGP", "US", "USD", "30900", "1000", baseTime.Add(30*time.Second))

	report := env.matcher.RunTick(context.Background())
	if report.Err != nil {
		t.Fatalf("tick returned error: %v", report.Err)
	}
	if report.Scanned != 2 || report.Proposed != 1 {
		t.Fatalf("expected 2 scanned and 1 proposed, got %+v", report)
	}

	match := env.onlyProposal(t, a.ID)
	if match.MatchScore != 100 || match.MatchType != domain.MatchTypeExact {
		t.Fatalf("expected 100/EXACT, got %d/%s", match.MatchScore, match.MatchType)
	}
	if match.CounterRequestID != b.ID {
		t.Fatalf("expected the proposal to reference the counter request")
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if status := env.transferStatus(t, id); status != domain.TransferStatusMatching {
			t.Fatalf("expected MATCHING, got %s", status)
		}
	}
	if env.publisher.count(domain.EventMatchProposed) != 1 {
		t.Fatalf("expected one match.proposed event")
	}

	// a second tick sees the existing pair and proposes nothing
	if again := env.matcher.RunTick(context.Background()); again.Proposed != 0 {
		t.Fatalf("expected no new proposals on the second tick, got %d", again.Proposed)
	}
}

func TestRunTick_SkipsLowScoresAndWrongCorridors(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedRequest(t, "US", "USD", "EG", "EGP", "1000", "30900", baseTime)
	// 60% amount difference and 23 hours apart: 0 + 15 + 30
	env.seedRequest(t, "EG", "EGP", "US", "USD", "12360", "400", baseTime.Add(-23*time.Hour))
	// same currencies, different corridor
	env.seedRequest(t, "GB", "EGP", "US", "USD", "30900", "1000", baseTime)

	report := env.matcher.RunTick(context.Background())
	if report.Proposed != 0 {
		t.Fatalf("expected no proposals, got %d", report.Proposed)
	}
	if status := env.transferStatus(t, a.ID); status != domain.TransferStatusPending {
		t.Fatalf("expected request to stay PENDING, got %s", status)
	}
}

func TestRunTick_ExpiresStaleRequestsBeforeMatching(t *testing.T) {
	env := newTestEnv(t)
	stale := env.seedRequest(t, "US", "USD", "EG", "EGP", "1000", "30900", baseTime.Add(-25*time.Hour))
	fresh := env.seedRequest(t, "EG", "EGP", "US", "USD", "30900", "1000", baseTime.Add(-time.Minute))

	report := env.matcher.RunTick(context.Background())
	if report.Expired != 1 || report.Proposed != 0 {
		t.Fatalf("expected 1 expired and no proposals, got %+v", report)
	}
	if status := env.transferStatus(t, stale.ID); status != domain.TransferStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", status)
	}
	if status := env.transferStatus(t, fresh.ID); status != domain.TransferStatusPending {
		t.Fatalf("expected the fresh request to stay PENDING, got %s", status)
	}
}

func TestRunTick_ExpiryRejectsProposalsAndReleasesCounterparty(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedRequest(t, "US", "USD", "EG", "EGP", "1000", "30900", baseTime)
	b := env.seedRequest(t, "EG", "EGP", "US", "USD", "30900", "1000", baseTime.Add(2*time.Hour))
	env.clock.now = baseTime.Add(2 * time.Hour)
	env.matcher.RunTick(context.Background())
	match := env.onlyProposal(t, a.ID)

	// a expires 24h after creation; b is still valid
	env.clock.now = baseTime.Add(24*time.Hour + time.Minute)
	report := env.matcher.RunTick(context.Background())
	if report.Expired != 1 || report.Released != 1 {
		t.Fatalf("expected 1 expired and 1 released, got %+v", report)
	}

	stored, err := env.repo.FindMatchByID(context.Background(), match.ID)
	if err != nil {
		t.Fatalf("FindMatchByID returned error: %v", err)
	}
	if stored.Status != domain.MatchStatusRejected || stored.RejectReason == nil || *stored.RejectReason != domain.RejectReasonRequestExpired {
		t.Fatalf("expected proposal rejected for expiry, got %s", stored.Status)
	}
	if status := env.transferStatus(t, b.ID); status != domain.TransferStatusPending {
		t.Fatalf("expected counterparty released to PENDING, got %s", status)
	}
}

func TestRunTick_CancelledRequestIsNeverMatched(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := uuid.New()
	a := env.createTransfer(t, owner, "US", "USD", "EG", "EGP", "1000")
	b := env.createTransfer(t, uuid.New(), "EG", "EGP", "US", "USD", "30900")

	if _, err := env.transfers.CancelTransfer(ctx, a.ID, owner, "no longer needed"); err != nil {
		t.Fatalf("CancelTransfer returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if report := env.matcher.RunTick(ctx); report.Proposed != 0 || report.Scanned != 1 {
			t.Fatalf("tick %d: expected only the open request scanned and nothing proposed, got %+v", i, report)
		}
	}
	proposals, err := env.lifecycle.ListProposals(ctx, b.ID)
	if err != nil || len(proposals) != 0 {
		t.Fatalf("expected no proposals for the counterparty, got %d (%v)", len(proposals), err)
	}
}

func TestRunTick_CandidateErrorsDoNotStopTheTick(t *testing.T) {
	env := newTestEnv(t)
	broken := env.seedRequest(t, "US", "USD", "AE", "AED", "500", "1836", baseTime)
	a := env.seedRequest(t, "US", "USD", "EG", "EGP", "1000", "30900", baseTime.Add(time.Second))
	env.seedRequest(t, "EG", "EGP", "US", "USD", "30900", "1000", baseTime.Add(2*time.Second))

	stub := &candidateErrorRepoStub{MemoryRepository: env.repo, failFor: broken.ID}
	matcher := NewMatcher(stub, env.publisher, newTestLogger(), testConfig())
	matcher.now = env.clock.Now

	report := matcher.RunTick(context.Background())
	if report.Err == nil {
		t.Fatalf("expected the tick to report the candidate error")
	}
	if report.Proposed != 1 {
		t.Fatalf("expected the healthy pair to be proposed, got %d", report.Proposed)
	}
	env.onlyProposal(t, a.ID)
}

func TestHandleTransferCreated_ScansSingleRequest(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedRequest(t, "US", "USD", "EG", "EGP", "1000", "30900", baseTime)
	env.seedRequest(t, "EG", "EGP", "US", "USD", "30900", "1000", baseTime.Add(time.Second))

	body, err := json.Marshal(domain.NewTransferEvent(domain.EventTransferCreated, a, baseTime))
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if !env.matcher.HandleTransferCreated(body) {
		t.Fatalf("expected the event to be acknowledged")
	}
	env.onlyProposal(t, a.ID)

	if !env.matcher.HandleTransferCreated([]byte("not json")) {
		t.Fatalf("expected malformed events to be dropped, not redelivered")
	}
	unknown, _ := json.Marshal(domain.TransferEvent{TransferID: uuid.New()})
	if !env.matcher.HandleTransferCreated(unknown) {
		t.Fatalf("expected events for unknown transfers to be dropped")
	}
}

func TestRunTick_OlderRequestProposes(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		older := env.seedRequest(t, "EG", "EGP", "US", "USD", "30900", "1000", baseTime)
		newer := env.seedRequest(t, "US", "USD", "EG", "EGP", "1000", "30900", baseTime.Add(time.Second))
		env.matcher.RunTick(context.Background())

		match := env.onlyProposal(t, newer.ID)
		if match.RequestID != older.ID || match.CounterRequestID != newer.ID {
			t.Fatalf("run %d: expected %s to propose against %s, got %+v", i, older.ID, newer.ID, match)
		}
	}
}
