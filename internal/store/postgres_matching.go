package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/netting-service/internal/domain"
)

const matchColumns = `id, request_id, counter_request_id, match_score, match_type, matched_amount,
	remaining_amount, status, request_accepted, counter_accepted, reject_reason, accepted_at,
	executed_at, rejected_at, created_at, updated_at, version`

func scanMatch(row pgx.Row) (*domain.SettlementMatch, error) {
	var m domain.SettlementMatch
	var matchType, status string
	var rejectReason *string
	err := row.Scan(
		&m.ID, &m.RequestID, &m.CounterRequestID, &m.MatchScore, &matchType, &m.MatchedAmount,
		&m.RemainingAmount, &status, &m.RequestAccepted, &m.CounterAccepted, &rejectReason, &m.AcceptedAt,
		&m.ExecutedAt, &m.RejectedAt, &m.CreatedAt, &m.UpdatedAt, &m.Version,
	)
	if err != nil {
		return nil, err
	}
	m.MatchType = domain.MatchType(matchType)
	m.Status = domain.MatchStatus(status)
	if rejectReason != nil {
		reason := domain.RejectReason(*rejectReason)
		m.RejectReason = &reason
	}
	return &m, nil
}

func collectMatches(rows pgx.Rows) ([]domain.SettlementMatch, error) {
	defer rows.Close()
	matches := make([]domain.SettlementMatch, 0)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// lockedPair is a match together with both of its requests, all row-locked.
type lockedPair struct {
	match   *domain.SettlementMatch
	request *domain.TransferRequest
	counter *domain.TransferRequest
}

// lockPair locks both requests of a match and then the match itself. Every transaction that
// touches requests and matches takes locks in this order.
func lockPair(ctx context.Context, tx pgx.Tx, matchID uuid.UUID) (*lockedPair, error) {
	var requestID, counterID uuid.UUID
	err := tx.QueryRow(ctx, `SELECT request_id, counter_request_id FROM settlement_matches WHERE id = $1`, matchID).
		Scan(&requestID, &counterID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("failed to read match: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfer_requests
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE
	`, idStrings([]uuid.UUID{requestID, counterID}))
	if err != nil {
		return nil, fmt.Errorf("failed to lock match requests: %w", err)
	}
	requests, err := collectTransfers(rows)
	if err != nil {
		return nil, err
	}

	pair := &lockedPair{}
	for i := range requests {
		switch requests[i].ID {
		case requestID:
			pair.request = &requests[i]
		case counterID:
			pair.counter = &requests[i]
		}
	}
	if pair.request == nil || pair.counter == nil {
		return nil, ErrTransferNotFound
	}

	pair.match, err = scanMatch(tx.QueryRow(ctx, `SELECT `+matchColumns+` FROM settlement_matches WHERE id = $1 FOR UPDATE`, matchID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("failed to lock match: %w", err)
	}
	return pair, nil
}

func hasCommittedMatch(ctx context.Context, tx pgx.Tx, requestID, excludeMatchID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM settlement_matches
			WHERE (request_id = $1 OR counter_request_id = $1)
				AND id <> $2
				AND status IN ('ACCEPTED', 'EXECUTING', 'COMPLETED')
		)
	`, requestID, excludeMatchID).Scan(&exists)
	return exists, err
}

// rejectProposalsFor rejects every PROPOSED match referencing one of the given requests,
// plus ACCEPTED ones that never started executing when withAccepted is set. It returns the
// rejected match IDs and every request those matches referenced.
func rejectProposalsFor(ctx context.Context, tx pgx.Tx, requestIDs []uuid.UUID, reason domain.RejectReason, withAccepted bool, now time.Time) ([]uuid.UUID, []uuid.UUID, error) {
	rows, err := tx.Query(ctx, `
		UPDATE settlement_matches
		SET status = 'REJECTED', reject_reason = $2, rejected_at = $3, updated_at = $3, version = version + 1
		WHERE (status = 'PROPOSED' OR ($4 AND status = 'ACCEPTED'))
			AND (request_id = ANY($1::uuid[]) OR counter_request_id = ANY($1::uuid[]))
		RETURNING id, request_id, counter_request_id
	`, idStrings(requestIDs), string(reason), now, withAccepted)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reject proposals: %w", err)
	}
	defer rows.Close()

	var rejected, touched []uuid.UUID
	for rows.Next() {
		var id, requestID, counterID uuid.UUID
		if err := rows.Scan(&id, &requestID, &counterID); err != nil {
			return nil, nil, err
		}
		rejected = append(rejected, id)
		touched = append(touched, requestID, counterID)
	}
	return rejected, touched, rows.Err()
}

// releaseRequests reverts MATCHING requests to PENDING when no live match references them.
func releaseRequests(ctx context.Context, tx pgx.Tx, requestIDs []uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	if len(requestIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		UPDATE transfer_requests t
		SET status = 'PENDING', updated_at = $2, version = t.version + 1
		WHERE t.id = ANY($1::uuid[])
			AND t.status = 'MATCHING'
			AND NOT EXISTS (
				SELECT 1 FROM settlement_matches m
				WHERE (m.request_id = t.id OR m.counter_request_id = t.id)
					AND m.status IN ('PROPOSED', 'ACCEPTED', 'EXECUTING', 'COMPLETED')
			)
		RETURNING t.id
	`, idStrings(requestIDs), now)
	if err != nil {
		return nil, fmt.Errorf("failed to release requests: %w", err)
	}
	released, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to read released requests: %w", err)
	}
	return released, nil
}

// CreateMatchProposal inserts a PROPOSED match unless the unordered pair already has one.
// Both requests move PENDING -> MATCHING in the same transaction. It returns false without
// error when the pair exists or either request is no longer matchable.
func (r *PostgresRepository) CreateMatchProposal(ctx context.Context, match *domain.SettlementMatch, now time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := []uuid.UUID{match.RequestID, match.CounterRequestID}
	rows, err := tx.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfer_requests
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE
	`, idStrings(ids))
	if err != nil {
		return false, fmt.Errorf("failed to lock proposal requests: %w", err)
	}
	requests, err := collectTransfers(rows)
	if err != nil {
		return false, err
	}
	if len(requests) != 2 {
		return false, nil
	}
	for i := range requests {
		if !requests[i].Status.Open() || requests[i].Expired(now) {
			return false, nil
		}
		committed, err := hasCommittedMatch(ctx, tx, requests[i].ID, match.ID)
		if err != nil {
			return false, fmt.Errorf("failed to check committed matches: %w", err)
		}
		if committed {
			return false, nil
		}
	}

	var insertedID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO settlement_matches (
			id, request_id, counter_request_id, match_score, match_type, matched_amount,
			remaining_amount, status, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'PROPOSED', $8, $8, 1)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, match.ID, match.RequestID, match.CounterRequestID, match.MatchScore, string(match.MatchType),
		match.MatchedAmount, match.RemainingAmount, now).Scan(&insertedID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert match proposal: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE transfer_requests
		SET status = 'MATCHING', updated_at = $2, version = version + 1
		WHERE id = ANY($1::uuid[]) AND status = 'PENDING'
	`, idStrings(ids), now)
	if err != nil {
		return false, fmt.Errorf("failed to mark requests matching: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit match proposal: %w", err)
	}
	match.Status = domain.MatchStatusProposed
	match.CreatedAt = now
	match.UpdatedAt = now
	match.Version = 1
	return true, nil
}

// FindMatchByID retrieves a match by its ID.
func (r *PostgresRepository) FindMatchByID(ctx context.Context, matchID uuid.UUID) (*domain.SettlementMatch, error) {
	m, err := scanMatch(r.db.QueryRow(ctx, `SELECT `+matchColumns+` FROM settlement_matches WHERE id = $1`, matchID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMatchNotFound
		}
		return nil, err
	}
	return m, nil
}

// ListMatchesByTransfer returns every match referencing the request, newest first.
func (r *PostgresRepository) ListMatchesByTransfer(ctx context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+matchColumns+`
		FROM settlement_matches
		WHERE request_id = $1 OR counter_request_id = $1
		ORDER BY created_at DESC
	`, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}
	return collectMatches(rows)
}

// ListProposedMatches returns the request's PROPOSED matches, best score first.
func (r *PostgresRepository) ListProposedMatches(ctx context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+matchColumns+`
		FROM settlement_matches
		WHERE (request_id = $1 OR counter_request_id = $1) AND status = 'PROPOSED'
		ORDER BY match_score DESC, created_at ASC
	`, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	return collectMatches(rows)
}

// AcceptMatch records one side's acceptance. The call that observes both flags promotes the
// match to ACCEPTED and rejects every other proposal of either request.
func (r *PostgresRepository) AcceptMatch(ctx context.Context, matchID uuid.UUID, side domain.MatchSide, now time.Time) (*domain.AcceptResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pair, err := lockPair(ctx, tx, matchID)
	if err != nil {
		return nil, err
	}
	match := pair.match

	switch {
	case match.Status.Committed():
		return &domain.AcceptResult{Match: match}, nil
	case match.Status != domain.MatchStatusProposed:
		return nil, ErrMatchNotProposed
	}

	flagColumn, alreadySet := "request_accepted", match.RequestAccepted
	if side == domain.SideCounter {
		flagColumn, alreadySet = "counter_accepted", match.CounterAccepted
	}
	if alreadySet && !match.BothAccepted() {
		return &domain.AcceptResult{Match: match}, nil
	}
	match, err = scanMatch(tx.QueryRow(ctx, `
		UPDATE settlement_matches
		SET `+flagColumn+` = TRUE, updated_at = $2, version = version + 1
		WHERE id = $1 AND status = 'PROPOSED'
		RETURNING `+matchColumns, matchID, now))
	if err != nil {
		return nil, fmt.Errorf("failed to record acceptance: %w", err)
	}

	result := &domain.AcceptResult{Match: match}
	if !match.BothAccepted() {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit acceptance: %w", err)
		}
		return result, nil
	}

	for _, request := range []*domain.TransferRequest{pair.request, pair.counter} {
		if !request.Status.Open() || request.Expired(now) {
			return nil, ErrTransferNotOpen
		}
		committed, err := hasCommittedMatch(ctx, tx, request.ID, matchID)
		if err != nil {
			return nil, fmt.Errorf("failed to check committed matches: %w", err)
		}
		if committed {
			return nil, ErrRequestCommitted
		}
	}

	match, err = scanMatch(tx.QueryRow(ctx, `
		UPDATE settlement_matches
		SET status = 'ACCEPTED', accepted_at = $2, updated_at = $2, version = version + 1
		WHERE id = $1 AND status = 'PROPOSED' AND request_accepted AND counter_accepted
		RETURNING `+matchColumns, matchID, now))
	if err != nil {
		return nil, fmt.Errorf("failed to promote match: %w", err)
	}

	siblings, touched, err := rejectProposalsFor(ctx, tx, []uuid.UUID{pair.request.ID, pair.counter.ID}, domain.RejectReasonSiblingAccepted, false, now)
	if err != nil {
		return nil, err
	}
	if _, err := releaseRequests(ctx, tx, touched, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit acceptance: %w", err)
	}
	return &domain.AcceptResult{Match: match, Promoted: true, SiblingsRejected: siblings}, nil
}

// RejectMatch moves a PROPOSED match to REJECTED and releases its requests.
func (r *PostgresRepository) RejectMatch(ctx context.Context, matchID uuid.UUID, reason domain.RejectReason, now time.Time) (*RejectResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pair, err := lockPair(ctx, tx, matchID)
	if err != nil {
		return nil, err
	}
	switch pair.match.Status {
	case domain.MatchStatusRejected:
		return &RejectResult{Match: pair.match}, nil
	case domain.MatchStatusProposed:
	default:
		return nil, ErrMatchNotProposed
	}

	match, err := scanMatch(tx.QueryRow(ctx, `
		UPDATE settlement_matches
		SET status = 'REJECTED', reject_reason = $2, rejected_at = $3, updated_at = $3, version = version + 1
		WHERE id = $1 AND status = 'PROPOSED'
		RETURNING `+matchColumns, matchID, string(reason), now))
	if err != nil {
		return nil, fmt.Errorf("failed to reject match: %w", err)
	}

	released, err := releaseRequests(ctx, tx, []uuid.UUID{match.RequestID, match.CounterRequestID}, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit rejection: %w", err)
	}
	return &RejectResult{Match: match, Changed: true, ReleasedRequests: released}, nil
}
