package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

// AppendTransaction journals one balance-affecting event. The id is a
// fresh uuid when the caller leaves it empty.
func (s *Store) AppendTransaction(ctx context.Context, t *types.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, kind, network, token, amount, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, string(t.Kind), string(t.Network), t.Token,
		t.Amount.String(), t.Reference, fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// ListUserTransactions pages a user's journal, newest first.
func (s *Store) ListUserTransactions(ctx context.Context, userID int64, limit, offset int) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, network, token, amount, reference, created_at
		FROM transactions WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []types.Transaction
	for rows.Next() {
		var t types.Transaction
		var kind, network, amount, createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &network, &t.Token, &amount, &t.Reference, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = types.TxKind(kind)
		t.Network = types.Network(network)
		t.CreatedAt = parseTime(createdAt)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount %q: %w", t.ID, amount, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FeeTotalsSince sums FEE journal rows per user from the cutoff. Feeds
// the daily fee notification job.
func (s *Store) FeeTotalsSince(ctx context.Context, since time.Time) (map[int64]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, amount FROM transactions
		WHERE kind = ? AND created_at >= ?`,
		string(types.TxKindFee), fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("fee totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var userID int64
		var amount string
		if err := rows.Scan(&userID, &amount); err != nil {
			return nil, fmt.Errorf("scan fee row: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("fee amount %q: %w", amount, err)
		}
		totals[userID] = totals[userID].Add(d)
	}
	return totals, rows.Err()
}

// RecordMarketData persists a winning quote for history and analytics.
// Best effort: callers log and continue on error.
func (s *Store) RecordMarketData(ctx context.Context, q *types.Quote, fromToken, toToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_data (network, from_token, to_token, venue, input_amount, output_amount, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(q.Network), fromToken, toToken, q.Venue,
		q.InputAmount.String(), q.OutputAmount.String(), fmtTime(q.Timestamp))
	if err != nil {
		return fmt.Errorf("record market data: %w", err)
	}
	return nil
}
