package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/netting-service/internal/domain"
)

// ledgerChainLockKey serialises ledger appends so every entry links to its true predecessor.
const ledgerChainLockKey int64 = 0x6e657474696e67

const ledgerColumns = `id, sequence, match_id, sender_id, recipient_id, sent_amount, sent_currency,
	received_amount, received_currency, exchange_rate, platform_fee, status, previous_hash,
	entry_hash, settled_at, created_at`

func scanLedger(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var status string
	err := row.Scan(
		&e.ID, &e.Sequence, &e.MatchID, &e.SenderID, &e.RecipientID, &e.SentAmount, &e.SentCurrency,
		&e.ReceivedAmount, &e.ReceivedCurrency, &e.ExchangeRate, &e.PlatformFee, &status, &e.PreviousHash,
		&e.EntryHash, &e.SettledAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = domain.LedgerStatus(status)
	return &e, nil
}

// ExecuteMatch moves an ACCEPTED match to EXECUTING, appends its ledger entry and moves
// both requests to PROCESSING, all in one transaction.
func (r *PostgresRepository) ExecuteMatch(ctx context.Context, matchID uuid.UUID, now time.Time) (*domain.SettlementMatch, *domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pair, err := lockPair(ctx, tx, matchID)
	if err != nil {
		return nil, nil, err
	}
	if pair.match.Status != domain.MatchStatusAccepted {
		return nil, nil, ErrMatchNotAccepted
	}
	if pair.request.Status != domain.TransferStatusMatching || pair.counter.Status != domain.TransferStatusMatching {
		return nil, nil, ErrSettlementMismatch
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerChainLockKey); err != nil {
		return nil, nil, fmt.Errorf("failed to lock ledger chain: %w", err)
	}
	var previousHash string
	err = tx.QueryRow(ctx, `SELECT entry_hash FROM settlement_ledger ORDER BY sequence DESC LIMIT 1`).Scan(&previousHash)
	if err != nil && err != pgx.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to read ledger head: %w", err)
	}

	entry := domain.NewLedgerEntry(pair.match, pair.request, pair.counter, now)
	entry.Seal(previousHash)
	err = tx.QueryRow(ctx, `
		INSERT INTO settlement_ledger (
			id, match_id, sender_id, recipient_id, sent_amount, sent_currency, received_amount,
			received_currency, exchange_rate, platform_fee, status, previous_hash, entry_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING sequence
	`, entry.ID, entry.MatchID, entry.SenderID, entry.RecipientID, entry.SentAmount, entry.SentCurrency,
		entry.ReceivedAmount, entry.ReceivedCurrency, entry.ExchangeRate, entry.PlatformFee,
		string(entry.Status), entry.PreviousHash, entry.EntryHash, entry.CreatedAt).Scan(&entry.Sequence)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	match, err := scanMatch(tx.QueryRow(ctx, `
		UPDATE settlement_matches
		SET status = 'EXECUTING', updated_at = $2, version = version + 1
		WHERE id = $1 AND status = 'ACCEPTED'
		RETURNING `+matchColumns, matchID, now))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mark match executing: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE transfer_requests
		SET status = 'PROCESSING', matched_at = $2, updated_at = $2, version = version + 1
		WHERE id = ANY($1::uuid[]) AND status = 'MATCHING'
	`, idStrings([]uuid.UUID{match.RequestID, match.CounterRequestID}), now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mark requests processing: %w", err)
	}
	if tag.RowsAffected() != 2 {
		return nil, nil, ErrSettlementMismatch
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit execution: %w", err)
	}
	return match, entry, nil
}

// CompleteSettlement finalises an EXECUTING match: the match, its ledger entry and both
// requests reach their terminal states and the corridor statistics are updated. Any failed
// precondition rolls the whole transaction back.
func (r *PostgresRepository) CompleteSettlement(ctx context.Context, matchID uuid.UUID, now time.Time) (*domain.SettlementMatch, *domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pair, err := lockPair(ctx, tx, matchID)
	if err != nil {
		return nil, nil, err
	}
	if pair.match.Status != domain.MatchStatusExecuting {
		return nil, nil, ErrMatchNotExecuting
	}

	match, err := scanMatch(tx.QueryRow(ctx, `
		UPDATE settlement_matches
		SET status = 'COMPLETED', executed_at = $2, updated_at = $2, version = version + 1
		WHERE id = $1 AND status = 'EXECUTING'
		RETURNING `+matchColumns, matchID, now))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to complete match: %w", err)
	}

	entry, err := scanLedger(tx.QueryRow(ctx, `
		UPDATE settlement_ledger
		SET status = 'SETTLED', settled_at = $2
		WHERE match_id = $1 AND status = 'PROCESSING'
		RETURNING `+ledgerColumns, matchID, now))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil, ErrSettlementMismatch
		}
		return nil, nil, fmt.Errorf("failed to settle ledger entry: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE transfer_requests
		SET status = 'COMPLETED', completed_at = $2, updated_at = $2, version = version + 1
		WHERE id = ANY($1::uuid[]) AND status = 'PROCESSING'
	`, idStrings([]uuid.UUID{match.RequestID, match.CounterRequestID}), now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to complete requests: %w", err)
	}
	if tag.RowsAffected() != 2 {
		return nil, nil, ErrSettlementMismatch
	}

	sample := domain.SampleFor(match, pair.request)
	_, err = tx.Exec(ctx, `
		INSERT INTO transfer_corridors (`+corridorColumns+`)
		VALUES ($1, $2, 1, $3, $4, TRUE, $5)
		ON CONFLICT (from_country, to_country) DO UPDATE SET
			total_transfers = transfer_corridors.total_transfers + 1,
			total_volume = transfer_corridors.total_volume + EXCLUDED.total_volume,
			avg_match_time_minutes = ROUND(
				(transfer_corridors.avg_match_time_minutes * transfer_corridors.total_transfers + EXCLUDED.avg_match_time_minutes)
				/ (transfer_corridors.total_transfers + 1), 2),
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
	`, sample.FromCountry, sample.ToCountry, sample.Volume, sample.MatchTimeMinutes, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update corridor statistics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return match, entry, nil
}

// FindLedgerByMatchID retrieves the ledger entry of a match.
func (r *PostgresRepository) FindLedgerByMatchID(ctx context.Context, matchID uuid.UUID) (*domain.LedgerEntry, error) {
	entry, err := scanLedger(r.db.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM settlement_ledger WHERE match_id = $1`, matchID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerNotFound
		}
		return nil, err
	}
	return entry, nil
}

// ListLedgerEntries returns the whole ledger in chain order.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+ledgerColumns+` FROM settlement_ledger ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}
