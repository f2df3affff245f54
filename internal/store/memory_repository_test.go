package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/netting-service/internal/domain"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTransfer(from, to, fromCurrency, toCurrency string, amount int64, createdAt time.Time) *domain.TransferRequest {
	return &domain.TransferRequest{
		ID:                uuid.New(),
		SenderID:          uuid.New(),
		SenderCountry:     from,
		SenderCurrency:    fromCurrency,
		RecipientCountry:  to,
		RecipientCurrency: toCurrency,
		SendAmount:        decimal.NewFromInt(amount),
		ReceiveAmount:     decimal.NewFromInt(amount),
		ExchangeRate:      decimal.NewFromInt(1),
		MarketRate:        decimal.NewFromInt(1),
		SpreadPercent:     decimal.RequireFromString("0.005"),
		PlatformFee:       decimal.NewFromInt(1),
		TotalCost:         decimal.NewFromInt(amount + 1),
		RateSource:        domain.RateSourceFallback,
		Status:            domain.TransferStatusPending,
		ExpiresAt:         createdAt.Add(24 * time.Hour),
		CreatedAt:         createdAt,
	}
}

func newProposal(a, b *domain.TransferRequest) *domain.SettlementMatch {
	return &domain.SettlementMatch{
		ID:               uuid.New(),
		RequestID:        a.ID,
		CounterRequestID: b.ID,
		MatchScore:       95,
		MatchType:        domain.MatchTypeExact,
		MatchedAmount:    a.SendAmount,
		RemainingAmount:  decimal.Zero,
	}
}

func seedPair(t *testing.T, repo *MemoryRepository) (*domain.TransferRequest, *domain.TransferRequest) {
	t.Helper()
	ctx := context.Background()
	a := newTransfer("US", "EG", "USD", "EGP", 1000, baseTime)
	b := newTransfer("EG", "US", "EGP", "USD", 1000, baseTime.Add(time.Minute))
	for _, tr := range []*domain.TransferRequest{a, b} {
		if err := repo.CreateTransfer(ctx, tr); err != nil {
			t.Fatalf("create transfer: %v", err)
		}
	}
	return a, b
}

func mustStatus(t *testing.T, repo *MemoryRepository, id uuid.UUID, want domain.TransferStatus) {
	t.Helper()
	got, err := repo.FindTransferByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find transfer: %v", err)
	}
	if got.Status != want {
		t.Fatalf("expected transfer %s to be %s, got %s", id, want, got.Status)
	}
}

func TestCreateMatchProposalIsUniquePerUnorderedPair(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)

	created, err := repo.CreateMatchProposal(ctx, newProposal(a, b), baseTime)
	if err != nil || !created {
		t.Fatalf("expected first proposal to be created, got created=%v err=%v", created, err)
	}
	created, err = repo.CreateMatchProposal(ctx, newProposal(b, a), baseTime)
	if err != nil {
		t.Fatalf("unexpected error on duplicate: %v", err)
	}
	if created {
		t.Fatal("expected reversed pair to be treated as a duplicate")
	}

	mustStatus(t, repo, a.ID, domain.TransferStatusMatching)
	mustStatus(t, repo, b.ID, domain.TransferStatusMatching)
}

func TestAcceptMatchPromotesOnSecondSideAndRejectsSiblings(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	c := newTransfer("EG", "US", "EGP", "USD", 1000, baseTime.Add(2*time.Minute))
	if err := repo.CreateTransfer(ctx, c); err != nil {
		t.Fatalf("create transfer: %v", err)
	}

	winner := newProposal(a, b)
	sibling := newProposal(a, c)
	for _, m := range []*domain.SettlementMatch{winner, sibling} {
		if _, err := repo.CreateMatchProposal(ctx, m, baseTime); err != nil {
			t.Fatalf("create proposal: %v", err)
		}
	}

	first, err := repo.AcceptMatch(ctx, winner.ID, domain.SideRequester, baseTime)
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if first.Promoted || first.Match.Status != domain.MatchStatusProposed {
		t.Fatalf("expected one side to leave match proposed, got %+v", first.Match)
	}

	repeat, err := repo.AcceptMatch(ctx, winner.ID, domain.SideRequester, baseTime)
	if err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if repeat.Promoted || repeat.Match.Version != first.Match.Version {
		t.Fatal("expected repeated acceptance on the same side to be a no-op")
	}

	second, err := repo.AcceptMatch(ctx, winner.ID, domain.SideCounter, baseTime)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if !second.Promoted || second.Match.Status != domain.MatchStatusAccepted || second.Match.AcceptedAt == nil {
		t.Fatalf("expected promotion to ACCEPTED, got %+v", second.Match)
	}
	if len(second.SiblingsRejected) != 1 || second.SiblingsRejected[0] != sibling.ID {
		t.Fatalf("expected sibling %s to be rejected, got %v", sibling.ID, second.SiblingsRejected)
	}

	rejected, _ := repo.FindMatchByID(ctx, sibling.ID)
	if rejected.Status != domain.MatchStatusRejected || *rejected.RejectReason != domain.RejectReasonSiblingAccepted {
		t.Fatalf("expected sibling rejected with SIBLING_ACCEPTED, got %+v", rejected)
	}
	mustStatus(t, repo, c.ID, domain.TransferStatusPending)

	again, err := repo.AcceptMatch(ctx, winner.ID, domain.SideCounter, baseTime)
	if err != nil {
		t.Fatalf("accept after promotion: %v", err)
	}
	if again.Promoted {
		t.Fatal("expected only one caller to observe promotion")
	}
}

func TestRejectMatchReleasesRequests(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	match := newProposal(a, b)
	if _, err := repo.CreateMatchProposal(ctx, match, baseTime); err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	result, err := repo.RejectMatch(ctx, match.ID, domain.RejectReasonUserRejected, baseTime)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !result.Changed || len(result.ReleasedRequests) != 2 {
		t.Fatalf("expected both requests released, got %+v", result)
	}
	mustStatus(t, repo, a.ID, domain.TransferStatusPending)

	result, err = repo.RejectMatch(ctx, match.ID, domain.RejectReasonUserRejected, baseTime)
	if err != nil || result.Changed {
		t.Fatalf("expected idempotent reject, got changed=%v err=%v", result.Changed, err)
	}

	if _, err := repo.AcceptMatch(ctx, match.ID, domain.SideRequester, baseTime); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state accepting a rejected match, got %v", err)
	}
}

func TestCancelTransferRejectsProposals(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	match := newProposal(a, b)
	if _, err := repo.CreateMatchProposal(ctx, match, baseTime); err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	result, err := repo.CancelTransfer(ctx, a.ID, "changed my mind", baseTime)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Transfer.Status != domain.TransferStatusCancelled || result.Transfer.CancelledAt == nil {
		t.Fatalf("expected cancelled transfer, got %+v", result.Transfer)
	}
	if len(result.RejectedMatches) != 1 {
		t.Fatalf("expected proposal to be rejected, got %v", result.RejectedMatches)
	}
	mustStatus(t, repo, b.ID, domain.TransferStatusPending)

	if _, err := repo.CancelTransfer(ctx, a.ID, "again", baseTime); !errors.Is(err, ErrTransferNotOpen) {
		t.Fatalf("expected ErrTransferNotOpen, got %v", err)
	}
	if _, err := repo.CancelTransfer(ctx, uuid.New(), "missing", baseTime); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExpireTransfersSweepsOpenRequests(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	match := newProposal(a, b)
	if _, err := repo.CreateMatchProposal(ctx, match, baseTime); err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	// a expires at baseTime+24h, b one minute later
	result, err := repo.ExpireTransfers(ctx, baseTime.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(result.ExpiredTransfers) != 1 || result.ExpiredTransfers[0] != a.ID {
		t.Fatalf("expected only a to expire, got %v", result.ExpiredTransfers)
	}
	got, _ := repo.FindMatchByID(ctx, match.ID)
	if got.Status != domain.MatchStatusRejected || *got.RejectReason != domain.RejectReasonRequestExpired {
		t.Fatalf("expected proposal rejected as expired, got %+v", got)
	}
	mustStatus(t, repo, b.ID, domain.TransferStatusPending)

	matchable, _ := repo.ListMatchableTransfers(ctx, baseTime.Add(24*time.Hour), 100)
	for _, tr := range matchable {
		if tr.ID == a.ID {
			t.Fatal("expired request must not be matchable")
		}
	}
}

func TestCancelTransferRefusesCommittedRequest(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	match := newProposal(a, b)
	acceptBoth(t, repo, match)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if _, err := repo.CancelTransfer(ctx, id, "too late", baseTime); !errors.Is(err, ErrTransferCommitted) || !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("expected ErrTransferCommitted, got %v", err)
		}
		mustStatus(t, repo, id, domain.TransferStatusMatching)
	}
	if _, _, err := repo.ExecuteMatch(ctx, match.ID, baseTime); err != nil {
		t.Fatalf("execute after refused cancel: %v", err)
	}
}

func TestExpireTransfersAbandonsUnexecutedAcceptedMatch(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	match := newProposal(a, b)
	acceptBoth(t, repo, match)

	result, err := repo.ExpireTransfers(ctx, baseTime.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(result.RejectedMatches) != 1 || result.RejectedMatches[0] != match.ID {
		t.Fatalf("expected the accepted match to be rejected, got %v", result.RejectedMatches)
	}
	got, _ := repo.FindMatchByID(ctx, match.ID)
	if got.Status != domain.MatchStatusRejected || *got.RejectReason != domain.RejectReasonRequestExpired {
		t.Fatalf("expected match rejected as expired, got %+v", got)
	}
	mustStatus(t, repo, a.ID, domain.TransferStatusExpired)
	mustStatus(t, repo, b.ID, domain.TransferStatusPending)

	other := newTransfer("US", "EG", "USD", "EGP", 1000, baseTime.Add(2*time.Hour))
	if err := repo.CreateTransfer(ctx, other); err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	candidates, _ := repo.FindCounterCandidates(ctx, other, baseTime.Add(24*time.Hour))
	if len(candidates) != 1 || candidates[0].ID != b.ID {
		t.Fatalf("expected the released counterparty to be matchable, got %v", candidates)
	}
}

func TestFindCounterCandidatesSkipsCommittedRequests(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	other := newTransfer("US", "EG", "USD", "EGP", 1000, baseTime.Add(3*time.Minute))
	if err := repo.CreateTransfer(ctx, other); err != nil {
		t.Fatalf("create transfer: %v", err)
	}

	candidates, _ := repo.FindCounterCandidates(ctx, other, baseTime)
	if len(candidates) != 1 || candidates[0].ID != b.ID {
		t.Fatalf("expected b as the only candidate, got %v", candidates)
	}

	match := newProposal(a, b)
	if _, err := repo.CreateMatchProposal(ctx, match, baseTime); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := repo.AcceptMatch(ctx, match.ID, domain.SideRequester, baseTime); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := repo.AcceptMatch(ctx, match.ID, domain.SideCounter, baseTime); err != nil {
		t.Fatalf("accept: %v", err)
	}

	candidates, _ = repo.FindCounterCandidates(ctx, other, baseTime)
	if len(candidates) != 0 {
		t.Fatalf("expected committed request to be excluded, got %v", candidates)
	}
}

func acceptBoth(t *testing.T, repo *MemoryRepository, match *domain.SettlementMatch) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.CreateMatchProposal(ctx, match, baseTime); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := repo.AcceptMatch(ctx, match.ID, domain.SideRequester, baseTime); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := repo.AcceptMatch(ctx, match.ID, domain.SideCounter, baseTime); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestExecuteAndCompleteSettlement(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	match := newProposal(a, b)
	acceptBoth(t, repo, match)

	executedAt := baseTime.Add(30 * time.Minute)
	executing, entry, err := repo.ExecuteMatch(ctx, match.ID, executedAt)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executing.Status != domain.MatchStatusExecuting || entry.Status != domain.LedgerStatusProcessing {
		t.Fatalf("unexpected execute result: %+v %+v", executing, entry)
	}
	if entry.PreviousHash != domain.GenesisHash {
		t.Fatalf("expected first ledger entry to link to genesis, got %s", entry.PreviousHash)
	}
	mustStatus(t, repo, a.ID, domain.TransferStatusProcessing)

	if _, _, err := repo.ExecuteMatch(ctx, match.ID, executedAt); !errors.Is(err, ErrMatchNotAccepted) {
		t.Fatalf("expected second execute to fail, got %v", err)
	}

	completed, settled, err := repo.CompleteSettlement(ctx, match.ID, executedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.MatchStatusCompleted || completed.ExecutedAt == nil {
		t.Fatalf("expected completed match, got %+v", completed)
	}
	if settled.Status != domain.LedgerStatusSettled || settled.SettledAt == nil {
		t.Fatalf("expected settled ledger, got %+v", settled)
	}
	mustStatus(t, repo, b.ID, domain.TransferStatusCompleted)

	corridor, err := repo.FindCorridor(ctx, "US", "EG")
	if err != nil {
		t.Fatalf("find corridor: %v", err)
	}
	if corridor.TotalTransfers != 1 || !corridor.TotalVolume.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected corridor totals: %+v", corridor)
	}
	if !corridor.AvgMatchTimeMinutes.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected 30 minute match time, got %s", corridor.AvgMatchTimeMinutes)
	}

	entries, _ := repo.ListLedgerEntries(ctx)
	if !domain.VerifyLedgerChain(entries).Valid {
		t.Fatal("expected ledger chain to verify after settlement")
	}
}

func TestCompleteSettlementIsAllOrNothing(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a, b := seedPair(t, repo)
	match := newProposal(a, b)
	acceptBoth(t, repo, match)
	if _, _, err := repo.ExecuteMatch(ctx, match.ID, baseTime); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// drop the ledger row so a precondition fails mid-settlement
	repo.mu.Lock()
	repo.ledger = nil
	repo.mu.Unlock()

	if _, _, err := repo.CompleteSettlement(ctx, match.ID, baseTime); !errors.Is(err, ErrSettlementMismatch) {
		t.Fatalf("expected settlement mismatch, got %v", err)
	}

	got, _ := repo.FindMatchByID(ctx, match.ID)
	if got.Status != domain.MatchStatusExecuting {
		t.Fatalf("expected match to stay EXECUTING, got %s", got.Status)
	}
	mustStatus(t, repo, a.ID, domain.TransferStatusProcessing)
	mustStatus(t, repo, b.ID, domain.TransferStatusProcessing)
	if _, err := repo.FindCorridor(ctx, "US", "EG"); !IsNotFound(err) {
		t.Fatalf("expected corridor untouched, got %v", err)
	}
}

func TestInsertRateClosesPreviousRow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := &domain.ExchangeRate{
		ID: uuid.New(), FromCurrency: "USD", ToCurrency: "EGP",
		MidRate: decimal.RequireFromString("30.9"), BuyRate: decimal.RequireFromString("30.8"), SellRate: decimal.RequireFromString("31"),
		Source: "manual", ValidFrom: baseTime, CreatedAt: baseTime,
	}
	second := *first
	second.ID = uuid.New()
	second.MidRate = decimal.RequireFromString("31.2")
	second.ValidFrom = baseTime.Add(time.Hour)

	for _, r := range []*domain.ExchangeRate{first, &second} {
		if err := repo.InsertRate(ctx, r); err != nil {
			t.Fatalf("insert rate: %v", err)
		}
	}

	current, err := repo.FindValidRate(ctx, "USD", "EGP", baseTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("find rate: %v", err)
	}
	if !current.MidRate.Equal(second.MidRate) {
		t.Fatalf("expected newest rate, got %s", current.MidRate)
	}
	earlier, err := repo.FindValidRate(ctx, "USD", "EGP", baseTime.Add(30*time.Minute))
	if err != nil || !earlier.MidRate.Equal(first.MidRate) {
		t.Fatalf("expected the first rate to still apply before the update, got %v %v", earlier, err)
	}

	history, _ := repo.ListRateHistory(ctx, "USD", "EGP", baseTime)
	if len(history) != 2 || history[1].ValidUntil == nil {
		t.Fatalf("expected closed history row, got %+v", history)
	}
	if _, err := repo.FindValidRate(ctx, "EGP", "USD", baseTime); !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound, got %v", err)
	}
}
