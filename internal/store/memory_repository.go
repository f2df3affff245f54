package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/domain"
)

type pairKey [2]uuid.UUID

func newPairKey(a, b uuid.UUID) pairKey {
	if a.String() > b.String() {
		a, b = b, a
	}
	return pairKey{a, b}
}

type corridorKey struct {
	from string
	to   string
}

// MemoryRepository is an in-memory implementation of the Repository interface used for
// local demos and scenario tests. A single mutex serialises every operation, and each
// multi-entity operation validates all of its preconditions before mutating anything, so
// a failure leaves no partial state behind.
type MemoryRepository struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*domain.TransferRequest
	matches   map[uuid.UUID]*domain.SettlementMatch
	pairs     map[pairKey]uuid.UUID
	ledger    []*domain.LedgerEntry
	corridors map[corridorKey]*domain.TransferCorridor
	rates     []*domain.ExchangeRate
}

// NewMemoryRepository instantiates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		transfers: make(map[uuid.UUID]*domain.TransferRequest),
		matches:   make(map[uuid.UUID]*domain.SettlementMatch),
		pairs:     make(map[pairKey]uuid.UUID),
		corridors: make(map[corridorKey]*domain.TransferCorridor),
	}
}

func (m *MemoryRepository) CreateTransfer(_ context.Context, t *domain.TransferRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transfers[t.ID]; exists {
		return fmt.Errorf("transfer request %s already exists: %w", t.ID, domain.ErrInvalidState)
	}
	t.Version = 1
	t.UpdatedAt = t.CreatedAt
	stored := *t
	m.transfers[t.ID] = &stored
	return nil
}

func (m *MemoryRepository) FindTransferByID(_ context.Context, transferID uuid.UUID) (*domain.TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemoryRepository) ListTransfersBySender(_ context.Context, senderID uuid.UUID, opts domain.TransferListOptions) ([]domain.TransferRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]domain.TransferRequest, 0)
	for _, t := range m.transfers {
		if t.SenderID != senderID {
			continue
		}
		if opts.Status != nil && t.Status != *opts.Status {
			continue
		}
		matched = append(matched, *t)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := opts.Offset
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < total {
		end = start + opts.Limit
	}
	return matched[start:end], total, nil
}

func (m *MemoryRepository) CancelTransfer(_ context.Context, transferID uuid.UUID, reason string, now time.Time) (*CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if !t.Status.Open() {
		return nil, ErrTransferNotOpen
	}
	if m.hasCommittedLocked(transferID, uuid.Nil) {
		return nil, ErrTransferCommitted
	}

	t.Status = domain.TransferStatusCancelled
	t.CancelReason = &reason
	t.CancelledAt = &now
	m.touchTransfer(t, now)

	rejected, touched := m.rejectProposalsLocked(map[uuid.UUID]bool{transferID: true}, domain.RejectReasonRequestCancelled, false, now)
	released := m.releaseLocked(touched, now)

	out := *t
	return &CancelResult{Transfer: &out, RejectedMatches: rejected, ReleasedRequests: released}, nil
}

func (m *MemoryRepository) ExpireTransfers(_ context.Context, now time.Time) (*ExpireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make(map[uuid.UUID]bool)
	result := &ExpireResult{}
	for _, t := range m.sortedTransfersLocked() {
		if t.Status.Open() && t.Expired(now) {
			t.Status = domain.TransferStatusExpired
			m.touchTransfer(t, now)
			expired[t.ID] = true
			result.ExpiredTransfers = append(result.ExpiredTransfers, t.ID)
		}
	}
	if len(expired) == 0 {
		return result, nil
	}

	rejected, touched := m.rejectProposalsLocked(expired, domain.RejectReasonRequestExpired, true, now)
	result.RejectedMatches = rejected
	result.ReleasedRequests = m.releaseLocked(touched, now)
	return result, nil
}

func (m *MemoryRepository) ListMatchableTransfers(_ context.Context, now time.Time, limit int) ([]domain.TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.TransferRequest, 0)
	for _, t := range m.sortedTransfersLocked() {
		if !t.Status.Open() || t.Expired(now) {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepository) FindCounterCandidates(_ context.Context, request *domain.TransferRequest, now time.Time) ([]domain.TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.TransferRequest, 0)
	for _, t := range m.sortedTransfersLocked() {
		if t.ID == request.ID || !t.IsCounterOf(request) {
			continue
		}
		if !t.Status.Open() || t.Expired(now) || m.hasCommittedLocked(t.ID, uuid.Nil) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *MemoryRepository) CreateMatchProposal(_ context.Context, match *domain.SettlementMatch, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := newPairKey(match.RequestID, match.CounterRequestID)
	if _, exists := m.pairs[key]; exists {
		return false, nil
	}
	for _, id := range []uuid.UUID{match.RequestID, match.CounterRequestID} {
		t, ok := m.transfers[id]
		if !ok || !t.Status.Open() || t.Expired(now) || m.hasCommittedLocked(id, match.ID) {
			return false, nil
		}
	}

	match.Status = domain.MatchStatusProposed
	match.RequestAccepted = false
	match.CounterAccepted = false
	match.CreatedAt = now
	match.UpdatedAt = now
	match.Version = 1
	stored := *match
	m.matches[match.ID] = &stored
	m.pairs[key] = match.ID

	for _, id := range []uuid.UUID{match.RequestID, match.CounterRequestID} {
		t := m.transfers[id]
		if t.Status == domain.TransferStatusPending {
			t.Status = domain.TransferStatusMatching
			m.touchTransfer(t, now)
		}
	}
	return true, nil
}

func (m *MemoryRepository) FindMatchByID(_ context.Context, matchID uuid.UUID) (*domain.SettlementMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	out := *match
	return &out, nil
}

func (m *MemoryRepository) ListMatchesByTransfer(_ context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.SettlementMatch, 0)
	for _, match := range m.matches {
		if match.Involves(transferID) {
			out = append(out, *match)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) ListProposedMatches(_ context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.SettlementMatch, 0)
	for _, match := range m.matches {
		if match.Involves(transferID) && match.Status == domain.MatchStatusProposed {
			out = append(out, *match)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore {
			return out[i].MatchScore > out[j].MatchScore
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) AcceptMatch(_ context.Context, matchID uuid.UUID, side domain.MatchSide, now time.Time) (*domain.AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	switch {
	case match.Status.Committed():
		out := *match
		return &domain.AcceptResult{Match: &out}, nil
	case match.Status != domain.MatchStatusProposed:
		return nil, ErrMatchNotProposed
	}

	requestAccepted, counterAccepted := match.RequestAccepted, match.CounterAccepted
	if side == domain.SideRequester {
		requestAccepted = true
	} else {
		counterAccepted = true
	}

	if !(requestAccepted && counterAccepted) {
		if requestAccepted != match.RequestAccepted || counterAccepted != match.CounterAccepted {
			match.RequestAccepted, match.CounterAccepted = requestAccepted, counterAccepted
			m.touchMatch(match, now)
		}
		out := *match
		return &domain.AcceptResult{Match: &out}, nil
	}

	for _, id := range []uuid.UUID{match.RequestID, match.CounterRequestID} {
		t, ok := m.transfers[id]
		if !ok {
			return nil, ErrTransferNotFound
		}
		if !t.Status.Open() || t.Expired(now) {
			return nil, ErrTransferNotOpen
		}
		if m.hasCommittedLocked(id, matchID) {
			return nil, ErrRequestCommitted
		}
	}

	match.RequestAccepted, match.CounterAccepted = true, true
	match.Status = domain.MatchStatusAccepted
	match.AcceptedAt = &now
	m.touchMatch(match, now)

	siblings, touched := m.rejectProposalsLocked(
		map[uuid.UUID]bool{match.RequestID: true, match.CounterRequestID: true},
		domain.RejectReasonSiblingAccepted, false, now,
	)
	m.releaseLocked(touched, now)

	out := *match
	return &domain.AcceptResult{Match: &out, Promoted: true, SiblingsRejected: siblings}, nil
}

func (m *MemoryRepository) RejectMatch(_ context.Context, matchID uuid.UUID, reason domain.RejectReason, now time.Time) (*RejectResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	switch match.Status {
	case domain.MatchStatusRejected:
		out := *match
		return &RejectResult{Match: &out}, nil
	case domain.MatchStatusProposed:
	default:
		return nil, ErrMatchNotProposed
	}

	m.rejectLocked(match, reason, now)
	released := m.releaseLocked([]uuid.UUID{match.RequestID, match.CounterRequestID}, now)

	out := *match
	return &RejectResult{Match: &out, Changed: true, ReleasedRequests: released}, nil
}

func (m *MemoryRepository) ExecuteMatch(_ context.Context, matchID uuid.UUID, now time.Time) (*domain.SettlementMatch, *domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return nil, nil, ErrMatchNotFound
	}
	if match.Status != domain.MatchStatusAccepted {
		return nil, nil, ErrMatchNotAccepted
	}
	request, okRequest := m.transfers[match.RequestID]
	counter, okCounter := m.transfers[match.CounterRequestID]
	if !okRequest || !okCounter {
		return nil, nil, ErrTransferNotFound
	}
	if request.Status != domain.TransferStatusMatching || counter.Status != domain.TransferStatusMatching || m.ledgerForLocked(matchID) != nil {
		return nil, nil, ErrSettlementMismatch
	}

	previousHash := ""
	if n := len(m.ledger); n > 0 {
		previousHash = m.ledger[n-1].EntryHash
	}
	entry := domain.NewLedgerEntry(match, request, counter, now)
	entry.Sequence = int64(len(m.ledger) + 1)
	entry.Seal(previousHash)
	m.ledger = append(m.ledger, entry)

	match.Status = domain.MatchStatusExecuting
	m.touchMatch(match, now)
	for _, t := range []*domain.TransferRequest{request, counter} {
		t.Status = domain.TransferStatusProcessing
		t.MatchedAt = &now
		m.touchTransfer(t, now)
	}

	outMatch, outEntry := *match, *entry
	return &outMatch, &outEntry, nil
}

func (m *MemoryRepository) CompleteSettlement(_ context.Context, matchID uuid.UUID, now time.Time) (*domain.SettlementMatch, *domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.matches[matchID]
	if !ok {
		return nil, nil, ErrMatchNotFound
	}
	if match.Status != domain.MatchStatusExecuting {
		return nil, nil, ErrMatchNotExecuting
	}
	entry := m.ledgerForLocked(matchID)
	if entry == nil || entry.Status != domain.LedgerStatusProcessing {
		return nil, nil, ErrSettlementMismatch
	}
	request, okRequest := m.transfers[match.RequestID]
	counter, okCounter := m.transfers[match.CounterRequestID]
	if !okRequest || !okCounter ||
		request.Status != domain.TransferStatusProcessing || counter.Status != domain.TransferStatusProcessing {
		return nil, nil, ErrSettlementMismatch
	}

	match.Status = domain.MatchStatusCompleted
	match.ExecutedAt = &now
	m.touchMatch(match, now)

	entry.Status = domain.LedgerStatusSettled
	entry.SettledAt = &now

	for _, t := range []*domain.TransferRequest{request, counter} {
		t.Status = domain.TransferStatusCompleted
		t.CompletedAt = &now
		m.touchTransfer(t, now)
	}

	sample := domain.SampleFor(match, request)
	key := corridorKey{from: sample.FromCountry, to: sample.ToCountry}
	corridor, ok := m.corridors[key]
	if !ok {
		corridor = &domain.TransferCorridor{FromCountry: sample.FromCountry, ToCountry: sample.ToCountry}
		m.corridors[key] = corridor
	}
	corridor.Apply(sample, now)

	outMatch, outEntry := *match, *entry
	return &outMatch, &outEntry, nil
}

func (m *MemoryRepository) FindLedgerByMatchID(_ context.Context, matchID uuid.UUID) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.ledgerForLocked(matchID)
	if entry == nil {
		return nil, ErrLedgerNotFound
	}
	out := *entry
	return &out, nil
}

func (m *MemoryRepository) ListLedgerEntries(_ context.Context) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.LedgerEntry, 0, len(m.ledger))
	for _, entry := range m.ledger {
		out = append(out, *entry)
	}
	return out, nil
}

func (m *MemoryRepository) ListActiveCorridors(_ context.Context, fromCountry string) ([]domain.TransferCorridor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.TransferCorridor, 0)
	for _, c := range m.corridors {
		if !c.IsActive || (fromCountry != "" && c.FromCountry != fromCountry) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TotalVolume.Equal(out[j].TotalVolume) {
			return out[i].TotalVolume.GreaterThan(out[j].TotalVolume)
		}
		if out[i].FromCountry != out[j].FromCountry {
			return out[i].FromCountry < out[j].FromCountry
		}
		return out[i].ToCountry < out[j].ToCountry
	})
	return out, nil
}

func (m *MemoryRepository) FindCorridor(_ context.Context, fromCountry, toCountry string) (*domain.TransferCorridor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.corridors[corridorKey{from: fromCountry, to: toCountry}]
	if !ok {
		return nil, ErrCorridorNotFound
	}
	out := *c
	return &out, nil
}

func (m *MemoryRepository) FindValidRate(_ context.Context, fromCurrency, toCurrency string, at time.Time) (*domain.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.ExchangeRate
	for _, rate := range m.rates {
		if rate.FromCurrency != fromCurrency || rate.ToCurrency != toCurrency || !rate.ValidAt(at) {
			continue
		}
		if best == nil || rate.ValidFrom.After(best.ValidFrom) {
			best = rate
		}
	}
	if best == nil {
		return nil, ErrRateNotFound
	}
	out := *best
	return &out, nil
}

func (m *MemoryRepository) ListCurrentRates(_ context.Context, at time.Time) ([]domain.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[corridorKey]*domain.ExchangeRate)
	for _, rate := range m.rates {
		if !rate.ValidAt(at) {
			continue
		}
		key := corridorKey{from: rate.FromCurrency, to: rate.ToCurrency}
		if best, ok := current[key]; !ok || rate.ValidFrom.After(best.ValidFrom) {
			current[key] = rate
		}
	}

	out := make([]domain.ExchangeRate, 0, len(current))
	for _, rate := range current {
		out = append(out, *rate)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromCurrency != out[j].FromCurrency {
			return out[i].FromCurrency < out[j].FromCurrency
		}
		return out[i].ToCurrency < out[j].ToCurrency
	})
	return out, nil
}

func (m *MemoryRepository) InsertRate(_ context.Context, rate *domain.ExchangeRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rates {
		if existing.FromCurrency == rate.FromCurrency && existing.ToCurrency == rate.ToCurrency && existing.ValidAt(rate.ValidFrom) {
			closedAt := rate.ValidFrom
			existing.ValidUntil = &closedAt
		}
	}
	stored := *rate
	m.rates = append(m.rates, &stored)
	return nil
}

func (m *MemoryRepository) ListRateHistory(_ context.Context, fromCurrency, toCurrency string, since time.Time) ([]domain.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ExchangeRate, 0)
	for _, rate := range m.rates {
		if rate.FromCurrency == fromCurrency && rate.ToCurrency == toCurrency && !rate.ValidFrom.Before(since) {
			out = append(out, *rate)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ValidFrom.After(out[j].ValidFrom)
	})
	return out, nil
}

func (m *MemoryRepository) touchTransfer(t *domain.TransferRequest, now time.Time) {
	t.UpdatedAt = now
	t.Version++
}

func (m *MemoryRepository) touchMatch(match *domain.SettlementMatch, now time.Time) {
	match.UpdatedAt = now
	match.Version++
}

func (m *MemoryRepository) sortedTransfersLocked() []*domain.TransferRequest {
	out := make([]*domain.TransferRequest, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryRepository) hasCommittedLocked(requestID, excludeMatchID uuid.UUID) bool {
	for _, match := range m.matches {
		if match.ID != excludeMatchID && match.Involves(requestID) && match.Status.Committed() {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) hasLiveLocked(requestID uuid.UUID) bool {
	for _, match := range m.matches {
		if match.Involves(requestID) && match.Status.Live() {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) rejectLocked(match *domain.SettlementMatch, reason domain.RejectReason, now time.Time) {
	match.Status = domain.MatchStatusRejected
	match.RejectReason = &reason
	match.RejectedAt = &now
	m.touchMatch(match, now)
}

// rejectProposalsLocked rejects the PROPOSED matches referencing requestIDs. With
// withAccepted set, ACCEPTED matches that never started executing are rejected as well.
func (m *MemoryRepository) rejectProposalsLocked(requestIDs map[uuid.UUID]bool, reason domain.RejectReason, withAccepted bool, now time.Time) ([]uuid.UUID, []uuid.UUID) {
	var rejected, touched []uuid.UUID
	for _, match := range m.matches {
		if match.Status != domain.MatchStatusProposed && !(withAccepted && match.Status == domain.MatchStatusAccepted) {
			continue
		}
		if !requestIDs[match.RequestID] && !requestIDs[match.CounterRequestID] {
			continue
		}
		m.rejectLocked(match, reason, now)
		rejected = append(rejected, match.ID)
		touched = append(touched, match.RequestID, match.CounterRequestID)
	}
	return rejected, touched
}

func (m *MemoryRepository) releaseLocked(requestIDs []uuid.UUID, now time.Time) []uuid.UUID {
	var released []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, id := range requestIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, ok := m.transfers[id]
		if !ok || t.Status != domain.TransferStatusMatching || m.hasLiveLocked(id) {
			continue
		}
		t.Status = domain.TransferStatusPending
		m.touchTransfer(t, now)
		released = append(released, id)
	}
	return released
}

func (m *MemoryRepository) ledgerForLocked(matchID uuid.UUID) *domain.LedgerEntry {
	for _, entry := range m.ledger {
		if entry.MatchID == matchID {
			return entry
		}
	}
	return nil
}
