/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * transfer requests, corridors and exchange rates. Match and settlement queries live in
 * postgres_matching.go and postgres_settlement.go.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns scan into decimal.Decimal.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/netting-service/internal/domain"
)

const pgUniqueViolation = "23505"

const transferColumns = `id, sender_id, recipient_id, sender_country, sender_currency,
	recipient_country, recipient_currency, send_amount, receive_amount, exchange_rate,
	market_rate, spread_percent, platform_fee, total_cost, rate_source, status,
	cancel_reason, expires_at, matched_at, completed_at, cancelled_at, created_at,
	updated_at, version`

const rateColumns = `id, from_currency, to_currency, mid_rate, buy_rate, sell_rate, source,
	valid_from, valid_until, created_at`

const corridorColumns = `from_country, to_country, total_transfers, total_volume,
	avg_match_time_minutes, is_active, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanTransfer(row pgx.Row) (*domain.TransferRequest, error) {
	var t domain.TransferRequest
	var status string
	err := row.Scan(
		&t.ID, &t.SenderID, &t.RecipientID, &t.SenderCountry, &t.SenderCurrency,
		&t.RecipientCountry, &t.RecipientCurrency, &t.SendAmount, &t.ReceiveAmount, &t.ExchangeRate,
		&t.MarketRate, &t.SpreadPercent, &t.PlatformFee, &t.TotalCost, &t.RateSource, &status,
		&t.CancelReason, &t.ExpiresAt, &t.MatchedAt, &t.CompletedAt, &t.CancelledAt, &t.CreatedAt,
		&t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TransferStatus(status)
	return &t, nil
}

func collectTransfers(rows pgx.Rows) ([]domain.TransferRequest, error) {
	defer rows.Close()
	transfers := make([]domain.TransferRequest, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func scanRate(row pgx.Row) (*domain.ExchangeRate, error) {
	var rate domain.ExchangeRate
	err := row.Scan(
		&rate.ID, &rate.FromCurrency, &rate.ToCurrency, &rate.MidRate, &rate.BuyRate, &rate.SellRate,
		&rate.Source, &rate.ValidFrom, &rate.ValidUntil, &rate.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

func collectRates(rows pgx.Rows) ([]domain.ExchangeRate, error) {
	defer rows.Close()
	rates := make([]domain.ExchangeRate, 0)
	for rows.Next() {
		rate, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, *rate)
	}
	return rates, rows.Err()
}

func scanCorridor(row pgx.Row) (*domain.TransferCorridor, error) {
	var c domain.TransferCorridor
	err := row.Scan(&c.FromCountry, &c.ToCountry, &c.TotalTransfers, &c.TotalVolume,
		&c.AvgMatchTimeMinutes, &c.IsActive, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// CreateTransfer inserts a new transfer request.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.TransferRequest) error {
	query := `
		INSERT INTO transfer_requests (
			id, sender_id, recipient_id, sender_country, sender_currency,
			recipient_country, recipient_currency, send_amount, receive_amount, exchange_rate,
			market_rate, spread_percent, platform_fee, total_cost, rate_source, status,
			expires_at, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18, 1)
	`
	_, err := r.db.Exec(ctx, query,
		t.ID, t.SenderID, t.RecipientID, t.SenderCountry, t.SenderCurrency,
		t.RecipientCountry, t.RecipientCurrency, t.SendAmount, t.ReceiveAmount, t.ExchangeRate,
		t.MarketRate, t.SpreadPercent, t.PlatformFee, t.TotalCost, t.RateSource, string(t.Status),
		t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("transfer request %s already exists: %w", t.ID, domain.ErrInvalidState)
		}
		return fmt.Errorf("failed to insert transfer request: %w", err)
	}
	t.Version = 1
	t.UpdatedAt = t.CreatedAt
	return nil
}

// FindTransferByID retrieves a transfer request by its ID.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.TransferRequest, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_requests WHERE id = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListTransfersBySender returns one page of a sender's requests, newest first, plus the total count.
func (r *PostgresRepository) ListTransfersBySender(ctx context.Context, senderID uuid.UUID, opts domain.TransferListOptions) ([]domain.TransferRequest, int, error) {
	var status *string
	if opts.Status != nil {
		s := string(*opts.Status)
		status = &s
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM transfer_requests WHERE sender_id = $1 AND ($2::text IS NULL OR status = $2)`
	if err := r.db.QueryRow(ctx, countQuery, senderID, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transfers: %w", err)
	}

	query := `
		SELECT ` + transferColumns + `
		FROM transfer_requests
		WHERE sender_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, senderID, status, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transfers: %w", err)
	}
	transfers, err := collectTransfers(rows)
	if err != nil {
		return nil, 0, err
	}
	return transfers, total, nil
}

// CancelTransfer cancels an open request, rejects its proposals and releases counterparties.
func (r *PostgresRepository) CancelTransfer(ctx context.Context, transferID uuid.UUID, reason string, now time.Time) (*CancelResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM transfer_requests WHERE id = $1 FOR UPDATE`, transferID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to lock transfer: %w", err)
	}
	if !domain.TransferStatus(status).Open() {
		return nil, ErrTransferNotOpen
	}
	committed, err := hasCommittedMatch(ctx, tx, transferID, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("failed to check committed matches: %w", err)
	}
	if committed {
		return nil, ErrTransferCommitted
	}

	query := `
		UPDATE transfer_requests
		SET status = 'CANCELLED', cancel_reason = $2, cancelled_at = $3, updated_at = $3, version = version + 1
		WHERE id = $1 AND status IN ('PENDING', 'MATCHING')
		RETURNING ` + transferColumns
	transfer, err := scanTransfer(tx.QueryRow(ctx, query, transferID, reason, now))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel transfer: %w", err)
	}

	rejected, touched, err := rejectProposalsFor(ctx, tx, []uuid.UUID{transferID}, domain.RejectReasonRequestCancelled, false, now)
	if err != nil {
		return nil, err
	}
	released, err := releaseRequests(ctx, tx, touched, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return &CancelResult{Transfer: transfer, RejectedMatches: rejected, ReleasedRequests: released}, nil
}

// ExpireTransfers moves every open request past its expiry to EXPIRED and rejects the
// proposed or accepted-but-unexecuted matches that reference them.
func (r *PostgresRepository) ExpireTransfers(ctx context.Context, now time.Time) (*ExpireResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE transfer_requests
		SET status = 'EXPIRED', updated_at = $1, version = version + 1
		WHERE status IN ('PENDING', 'MATCHING') AND expires_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire transfers: %w", err)
	}
	expired, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to read expired transfers: %w", err)
	}

	result := &ExpireResult{ExpiredTransfers: expired}
	if len(expired) == 0 {
		return result, tx.Commit(ctx)
	}

	rejected, touched, err := rejectProposalsFor(ctx, tx, expired, domain.RejectReasonRequestExpired, true, now)
	if err != nil {
		return nil, err
	}
	released, err := releaseRequests(ctx, tx, touched, now)
	if err != nil {
		return nil, err
	}
	result.RejectedMatches = rejected
	result.ReleasedRequests = released

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit expiry sweep: %w", err)
	}
	return result, nil
}

// ListMatchableTransfers returns up to limit open, unexpired requests, oldest first.
func (r *PostgresRepository) ListMatchableTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferRequest, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfer_requests
		WHERE status IN ('PENDING', 'MATCHING') AND expires_at > $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list matchable transfers: %w", err)
	}
	return collectTransfers(rows)
}

// FindCounterCandidates returns open requests travelling the opposite way through the same
// corridor that are not yet committed to an accepted match.
func (r *PostgresRepository) FindCounterCandidates(ctx context.Context, request *domain.TransferRequest, now time.Time) ([]domain.TransferRequest, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfer_requests t
		WHERE t.sender_country = $1
			AND t.recipient_country = $2
			AND t.sender_currency = $3
			AND t.recipient_currency = $4
			AND t.status IN ('PENDING', 'MATCHING')
			AND t.expires_at > $5
			AND t.id <> $6
			AND NOT EXISTS (
				SELECT 1 FROM settlement_matches m
				WHERE (m.request_id = t.id OR m.counter_request_id = t.id)
					AND m.status IN ('ACCEPTED', 'EXECUTING', 'COMPLETED')
			)
		ORDER BY t.created_at ASC, t.id ASC
	`
	rows, err := r.db.Query(ctx, query,
		request.RecipientCountry, request.SenderCountry,
		request.RecipientCurrency, request.SenderCurrency,
		now, request.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find counter candidates: %w", err)
	}
	return collectTransfers(rows)
}

// ListActiveCorridors returns active corridors, optionally filtered by origin country.
func (r *PostgresRepository) ListActiveCorridors(ctx context.Context, fromCountry string) ([]domain.TransferCorridor, error) {
	query := `
		SELECT ` + corridorColumns + `
		FROM transfer_corridors
		WHERE is_active AND ($1 = '' OR from_country = $1)
		ORDER BY total_volume DESC, from_country, to_country
	`
	rows, err := r.db.Query(ctx, query, fromCountry)
	if err != nil {
		return nil, fmt.Errorf("failed to list corridors: %w", err)
	}
	defer rows.Close()

	corridors := make([]domain.TransferCorridor, 0)
	for rows.Next() {
		c, err := scanCorridor(rows)
		if err != nil {
			return nil, err
		}
		corridors = append(corridors, *c)
	}
	return corridors, rows.Err()
}

// FindCorridor retrieves the statistics of one ordered country pair.
func (r *PostgresRepository) FindCorridor(ctx context.Context, fromCountry, toCountry string) (*domain.TransferCorridor, error) {
	query := `SELECT ` + corridorColumns + ` FROM transfer_corridors WHERE from_country = $1 AND to_country = $2`
	c, err := scanCorridor(r.db.QueryRow(ctx, query, fromCountry, toCountry))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCorridorNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindValidRate returns the newest rate row for the pair that is valid at the given instant.
func (r *PostgresRepository) FindValidRate(ctx context.Context, fromCurrency, toCurrency string, at time.Time) (*domain.ExchangeRate, error) {
	query := `
		SELECT ` + rateColumns + `
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2
			AND valid_from <= $3 AND (valid_until IS NULL OR valid_until > $3)
		ORDER BY valid_from DESC
		LIMIT 1
	`
	rate, err := scanRate(r.db.QueryRow(ctx, query, fromCurrency, toCurrency, at))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRateNotFound
		}
		return nil, err
	}
	return rate, nil
}

// ListCurrentRates returns the current row of every pair.
func (r *PostgresRepository) ListCurrentRates(ctx context.Context, at time.Time) ([]domain.ExchangeRate, error) {
	query := `
		SELECT DISTINCT ON (from_currency, to_currency) ` + rateColumns + `
		FROM exchange_rates
		WHERE valid_from <= $1 AND (valid_until IS NULL OR valid_until > $1)
		ORDER BY from_currency, to_currency, valid_from DESC
	`
	rows, err := r.db.Query(ctx, query, at)
	if err != nil {
		return nil, fmt.Errorf("failed to list rates: %w", err)
	}
	return collectRates(rows)
}

// InsertRate closes the pair's currently valid rows at the new row's ValidFrom and inserts it.
func (r *PostgresRepository) InsertRate(ctx context.Context, rate *domain.ExchangeRate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE exchange_rates
		SET valid_until = $3
		WHERE from_currency = $1 AND to_currency = $2
			AND valid_from <= $3 AND (valid_until IS NULL OR valid_until > $3)
	`, rate.FromCurrency, rate.ToCurrency, rate.ValidFrom)
	if err != nil {
		return fmt.Errorf("failed to close previous rate: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO exchange_rates (`+rateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rate.ID, rate.FromCurrency, rate.ToCurrency, rate.MidRate, rate.BuyRate, rate.SellRate,
		rate.Source, rate.ValidFrom, rate.ValidUntil, rate.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rate: %w", err)
	}

	return tx.Commit(ctx)
}

// ListRateHistory returns every row of the pair that became valid at or after since, newest first.
func (r *PostgresRepository) ListRateHistory(ctx context.Context, fromCurrency, toCurrency string, since time.Time) ([]domain.ExchangeRate, error) {
	query := `
		SELECT ` + rateColumns + `
		FROM exchange_rates
		WHERE from_currency = $1 AND to_currency = $2 AND valid_from >= $3
		ORDER BY valid_from DESC
	`
	rows, err := r.db.Query(ctx, query, fromCurrency, toCurrency, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate history: %w", err)
	}
	return collectRates(rows)
}
