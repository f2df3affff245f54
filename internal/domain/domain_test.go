package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestTransferStatusTransitions(t *testing.T) {
	tests := []struct {
		from TransferStatus
		to   TransferStatus
		want bool
	}{
		{TransferStatusPending, TransferStatusMatching, true},
		{TransferStatusMatching, TransferStatusPending, true},
		{TransferStatusMatching, TransferStatusProcessing, true},
		{TransferStatusPending, TransferStatusProcessing, false},
		{TransferStatusPending, TransferStatusExpired, true},
		{TransferStatusProcessing, TransferStatusCompleted, true},
		{TransferStatusProcessing, TransferStatusCancelled, false},
		{TransferStatusCompleted, TransferStatusPending, false},
		{TransferStatusCancelled, TransferStatusMatching, false},
		{TransferStatusExpired, TransferStatusPending, false},
	}

	for _, tc := range tests {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestMatchStatusTransitions(t *testing.T) {
	if !MatchStatusProposed.CanTransitionTo(MatchStatusAccepted) {
		t.Fatal("expected PROPOSED -> ACCEPTED")
	}
	if MatchStatusProposed.CanTransitionTo(MatchStatusExecuting) {
		t.Fatal("EXECUTING must only follow ACCEPTED")
	}
	if !MatchStatusAccepted.CanTransitionTo(MatchStatusRejected) || MatchStatusExecuting.CanTransitionTo(MatchStatusRejected) {
		t.Fatal("only matches that never started executing can be rejected after acceptance")
	}
	if MatchStatusRejected.CanTransitionTo(MatchStatusAccepted) {
		t.Fatal("REJECTED is terminal")
	}
	if !MatchStatusExecuting.Committed() || MatchStatusProposed.Committed() {
		t.Fatal("unexpected committed classification")
	}
}

func TestIsCounterOf(t *testing.T) {
	a := &TransferRequest{SenderCountry: "US", RecipientCountry: "EG", SenderCurrency: "USD", RecipientCurrency: "EGP"}
	b := &TransferRequest{SenderCountry: "EG", RecipientCountry: "US", SenderCurrency: "EGP", RecipientCurrency: "USD"}
	c := &TransferRequest{SenderCountry: "EG", RecipientCountry: "US", SenderCurrency: "EUR", RecipientCurrency: "USD"}

	if !a.IsCounterOf(b) || !b.IsCounterOf(a) {
		t.Fatal("expected opposite corridors to be counters")
	}
	if a.IsCounterOf(c) {
		t.Fatal("currency mismatch must not be a counter")
	}
	if a.IsCounterOf(a) {
		t.Fatal("a request is never its own counter")
	}
}

func sealedChain(t *testing.T, n int) []LedgerEntry {
	t.Helper()
	entries := make([]LedgerEntry, 0, n)
	previous := ""
	for i := 0; i < n; i++ {
		entry := LedgerEntry{
			ID:               uuid.New(),
			Sequence:         int64(i + 1),
			MatchID:          uuid.New(),
			SenderID:         uuid.New(),
			RecipientID:      uuid.New(),
			SentAmount:       decimal.NewFromInt(int64(100 * (i + 1))),
			SentCurrency:     "USD",
			ReceivedAmount:   decimal.NewFromInt(int64(3000 * (i + 1))),
			ReceivedCurrency: "EGP",
			ExchangeRate:     decimal.RequireFromString("30.7455"),
			PlatformFee:      decimal.NewFromInt(1),
			Status:           LedgerStatusProcessing,
			CreatedAt:        time.Now().Add(time.Duration(i) * time.Second),
		}
		entry.Seal(previous)
		previous = entry.EntryHash
		entries = append(entries, entry)
	}
	return entries
}

func TestVerifyLedgerChain(t *testing.T) {
	entries := sealedChain(t, 3)
	result := VerifyLedgerChain(entries)
	if !result.Valid || result.EntriesChecked != 3 {
		t.Fatalf("expected valid chain of 3, got %+v", result)
	}
	if entries[0].PreviousHash != GenesisHash {
		t.Fatalf("expected first entry to link to genesis, got %s", entries[0].PreviousHash)
	}

	// settling changes status only and must keep the chain valid
	settledAt := time.Now()
	entries[1].Status = LedgerStatusSettled
	entries[1].SettledAt = &settledAt
	if !VerifyLedgerChain(entries).Valid {
		t.Fatal("settling an entry must not break the chain")
	}

	entries[1].SentAmount = decimal.NewFromInt(1)
	result = VerifyLedgerChain(entries)
	if result.Valid {
		t.Fatal("expected tampered amount to be detected")
	}
	if len(result.InvalidEntries) != 1 || result.InvalidEntries[0] != entries[1].ID {
		t.Fatalf("expected only the tampered entry to be flagged, got %v", result.InvalidEntries)
	}
}

func TestNewLedgerEntryUsesOriginatingRequest(t *testing.T) {
	request := &TransferRequest{
		SenderID:          uuid.New(),
		SenderCurrency:    "USD",
		RecipientCurrency: "EGP",
		ExchangeRate:      decimal.RequireFromString("30.7455"),
		PlatformFee:       decimal.RequireFromString("5"),
	}
	counter := &TransferRequest{SenderID: uuid.New()}
	match := &SettlementMatch{ID: uuid.New(), MatchedAmount: decimal.NewFromInt(1000)}

	entry := NewLedgerEntry(match, request, counter, time.Now())
	if entry.SenderID != request.SenderID || entry.RecipientID != counter.SenderID {
		t.Fatal("expected ledger parties from request sender to counter sender")
	}
	if !entry.ReceivedAmount.Equal(decimal.RequireFromString("30745.5")) {
		t.Fatalf("expected received 30745.50, got %s", entry.ReceivedAmount)
	}
	if entry.Status != LedgerStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", entry.Status)
	}
}

func TestCorridorApplyKeepsRunningAverage(t *testing.T) {
	c := TransferCorridor{FromCountry: "US", ToCountry: "EG"}
	now := time.Now()
	c.Apply(CorridorSample{Volume: decimal.NewFromInt(100), MatchTimeMinutes: decimal.NewFromInt(10)}, now)
	c.Apply(CorridorSample{Volume: decimal.NewFromInt(50), MatchTimeMinutes: decimal.NewFromInt(30)}, now)

	if c.TotalTransfers != 2 {
		t.Fatalf("expected 2 transfers, got %d", c.TotalTransfers)
	}
	if !c.TotalVolume.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected volume 150, got %s", c.TotalVolume)
	}
	if !c.AvgMatchTimeMinutes.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected average 20, got %s", c.AvgMatchTimeMinutes)
	}
	if !c.IsActive {
		t.Fatal("expected corridor to be active")
	}
}
