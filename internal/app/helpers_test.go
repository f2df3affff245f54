package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/netting-service/internal/config"
	"github.com/transfa/netting-service/internal/domain"
	"github.com/transfa/netting-service/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		EventsExchange:       "netting.events",
		MatchIntervalSeconds: 5,
		MatchBatchSize:       100,
		MatchScoreThreshold:  70,
		TransferTTLHours:     24,
		TickLockTTLSeconds:   30,
		SpreadPercent:        decimal.RequireFromString("0.005"),
		PlatformFeePercent:   decimal.RequireFromString("0.005"),
		PlatformFeeMin:       decimal.NewFromInt(1),
		PlatformFeeMax:       decimal.NewFromInt(50),
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, _, routingKey string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, key := range p.keys {
		if key == routingKey {
			n++
		}
	}
	return n
}

// testEnv wires every component over one in-memory repository and a shared clock.
type testEnv struct {
	repo       *store.MemoryRepository
	clock      *testClock
	publisher  *recordingPublisher
	oracle     *RateOracle
	transfers  *TransferService
	matcher    *Matcher
	settlement *SettlementExecutor
	lifecycle  *MatchLifecycle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := newTestLogger()
	cfg := testConfig()

	env := &testEnv{
		repo:      store.NewMemoryRepository(),
		clock:     &testClock{now: baseTime},
		publisher: &recordingPublisher{},
	}
	env.oracle = NewRateOracle(env.repo, logger)
	env.oracle.now = env.clock.Now
	env.transfers = NewTransferService(env.repo, env.oracle, env.publisher, logger, cfg)
	env.transfers.now = env.clock.Now
	env.matcher = NewMatcher(env.repo, env.publisher, logger, cfg)
	env.matcher.now = env.clock.Now
	env.settlement = NewSettlementExecutor(env.repo, env.publisher, logger, cfg)
	env.settlement.now = env.clock.Now
	env.lifecycle = NewMatchLifecycle(env.repo, env.settlement, env.publisher, logger, cfg)
	env.lifecycle.now = env.clock.Now
	return env
}

func (e *testEnv) createTransfer(t *testing.T, sender uuid.UUID, fromCountry, fromCurrency, toCountry, toCurrency, amount string) *domain.TransferRequest {
	t.Helper()
	transfer, _, err := e.transfers.CreateTransfer(context.Background(), domain.CreateTransferInput{
		SenderID:          sender,
		SenderCountry:     fromCountry,
		SenderCurrency:    fromCurrency,
		RecipientCountry:  toCountry,
		RecipientCurrency: toCurrency,
		SendAmount:        decimal.RequireFromString(amount),
	})
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	return transfer
}

// seedRequest stores a request with hand-picked amounts, bypassing pricing.
func (e *testEnv) seedRequest(t *testing.T, fromCountry, fromCurrency, toCountry, toCurrency, send, receive string, createdAt time.Time) *domain.TransferRequest {
	t.Helper()
	request := &domain.TransferRequest{
		ID:                uuid.New(),
		SenderID:          uuid.New(),
		SenderCountry:     fromCountry,
		SenderCurrency:    fromCurrency,
		RecipientCountry:  toCountry,
		RecipientCurrency: toCurrency,
		SendAmount:        decimal.RequireFromString(send),
		ReceiveAmount:     decimal.RequireFromString(receive),
		ExchangeRate:      decimal.RequireFromString(receive).Div(decimal.RequireFromString(send)),
		MarketRate:        decimal.RequireFromString(receive).Div(decimal.RequireFromString(send)),
		SpreadPercent:     decimal.Zero,
		PlatformFee:       decimal.NewFromInt(1),
		TotalCost:         decimal.RequireFromString(send).Add(decimal.NewFromInt(1)),
		RateSource:        domain.RateSourceLive,
		Status:            domain.TransferStatusPending,
		ExpiresAt:         createdAt.Add(24 * time.Hour),
		CreatedAt:         createdAt,
	}
	if err := e.repo.CreateTransfer(context.Background(), request); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return request
}

func (e *testEnv) transferStatus(t *testing.T, id uuid.UUID) domain.TransferStatus {
	t.Helper()
	transfer, err := e.repo.FindTransferByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find transfer %s: %v", id, err)
	}
	return transfer.Status
}

func (e *testEnv) onlyProposal(t *testing.T, transferID uuid.UUID) domain.SettlementMatch {
	t.Helper()
	proposals, err := e.lifecycle.ListProposals(context.Background(), transferID)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected exactly one proposal, got %d", len(proposals))
	}
	return proposals[0]
}
