package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

// CreateP2POrder inserts an OPEN advertisement and fills in id, creation
// and expiry times.
func (s *Store) CreateP2POrder(ctx context.Context, o *types.P2POrder, ttl time.Duration) error {
	o.Status = types.P2PStatusOpen
	o.CreatedAt = time.Now().UTC()
	o.ExpiresAt = o.CreatedAt.Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO p2p_orders
			(maker_id, side, base_currency, quote_currency, network,
			 crypto_amount, price, payment_method_id, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.MakerID, string(o.Side), o.BaseCurrency, o.QuoteCurrency, string(o.Network),
		o.CryptoAmount.String(), o.Price.String(), o.PaymentMethodID,
		string(o.Status), fmtTime(o.CreatedAt), fmtTime(o.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert p2p order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("p2p order id: %w", err)
	}
	o.ID = id
	return nil
}

const p2pColumns = `
	id, maker_id, taker_id, side, base_currency, quote_currency, network,
	crypto_amount, price, payment_method_id, status, created_at, expires_at,
	dispute_reason`

func (s *Store) scanP2POrder(row interface{ Scan(...any) error }) (*types.P2POrder, error) {
	var (
		o                    types.P2POrder
		takerID              sql.NullInt64
		side, network        string
		amount, price        string
		status               string
		createdAt, expiresAt string
	)
	err := row.Scan(&o.ID, &o.MakerID, &takerID, &side, &o.BaseCurrency, &o.QuoteCurrency,
		&network, &amount, &price, &o.PaymentMethodID, &status,
		&createdAt, &expiresAt, &o.DisputeReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("p2p order")
		}
		return nil, fmt.Errorf("scan p2p order: %w", err)
	}

	if takerID.Valid {
		o.TakerID = &takerID.Int64
	}
	o.Side = types.Side(side)
	o.Network = types.Network(network)
	o.Status = types.P2PStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.ExpiresAt = parseTime(expiresAt)

	if o.CryptoAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("p2p order %d amount %q: %w", o.ID, amount, err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("p2p order %d price %q: %w", o.ID, price, err)
	}
	return &o, nil
}

// GetP2POrder fetches one advertisement by id.
func (s *Store) GetP2POrder(ctx context.Context, id int64) (*types.P2POrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+p2pColumns+` FROM p2p_orders WHERE id = ?`, id)
	o, err := s.scanP2POrder(row)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, types.NotFoundf("p2p order %d", id)
		}
		return nil, err
	}
	return o, nil
}

// OpenFilter narrows ListOpenP2POrders. Zero values mean "any".
type OpenFilter struct {
	Side          types.Side // required
	BaseCurrency  string
	QuoteCurrency string
	PaymentMethod string
}

// ListOpenP2POrders returns OPEN ads matching the filter. Price ascending
// for BUY ads (buyer wants the lowest ask), descending for SELL ads,
// created_at ascending as tie-break. Prices are decimal strings, so the
// ordering runs in Go over decimals rather than through a lossy SQL CAST.
func (s *Store) ListOpenP2POrders(ctx context.Context, f OpenFilter) ([]types.P2POrder, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT` + p2pColumns + ` FROM p2p_orders WHERE status = ? AND side = ?`)
	args := []any{string(types.P2PStatusOpen), string(f.Side)}

	if f.BaseCurrency != "" {
		sb.WriteString(` AND base_currency = ?`)
		args = append(args, f.BaseCurrency)
	}
	if f.QuoteCurrency != "" {
		sb.WriteString(` AND quote_currency = ?`)
		args = append(args, f.QuoteCurrency)
	}
	if f.PaymentMethod != "" {
		sb.WriteString(` AND payment_method_id = ?`)
		args = append(args, f.PaymentMethod)
	}

	sb.WriteString(` ORDER BY created_at ASC, id ASC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list open p2p orders: %w", err)
	}
	defer rows.Close()

	var out []types.P2POrder
	for rows.Next() {
		o, err := s.scanP2POrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Stable sort keeps the created_at order within a price level.
	sort.SliceStable(out, func(i, j int) bool {
		c := out[i].Price.Cmp(out[j].Price)
		if f.Side == types.SideBuy {
			return c < 0
		}
		return c > 0
	})
	return out, nil
}

// TakeP2POrder is the OPEN→IN_PROGRESS compare-and-set, binding the taker.
func (s *Store) TakeP2POrder(ctx context.Context, id, takerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE p2p_orders
		SET status = ?, taker_id = ?
		WHERE id = ? AND status = ?`,
		string(types.P2PStatusInProgress), takerID,
		id, string(types.P2PStatusOpen),
	)
	if err != nil {
		return false, fmt.Errorf("take p2p order %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReopenP2POrder rolls a failed take back to OPEN and unbinds the taker.
func (s *Store) ReopenP2POrder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE p2p_orders
		SET status = ?, taker_id = NULL
		WHERE id = ? AND status = ?`,
		string(types.P2PStatusOpen), id, string(types.P2PStatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("reopen p2p order %d: %w", id, err)
	}
	return nil
}

// TransitionP2POrder moves id from any of the `from` statuses into `to`.
// Returns false when the row was in none of them.
func (s *Store) TransitionP2POrder(ctx context.Context, id int64, from []types.P2PStatus, to types.P2PStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition p2p order %d: empty from-set", id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE p2p_orders SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition p2p order %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetP2PDispute records the dispute reason alongside the DISPUTE status.
func (s *Store) SetP2PDispute(ctx context.Context, id int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE p2p_orders
		SET status = ?, dispute_reason = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(types.P2PStatusDispute), reason, id,
		string(types.P2PStatusInProgress), string(types.P2PStatusPaymentSent),
	)
	if err != nil {
		return false, fmt.Errorf("dispute p2p order %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkP2PReconcile flags an order for manual reconciliation after an
// escrow inconsistency. The status is left untouched: status is the
// source of truth, the flag is an operator signal.
func (s *Store) MarkP2PReconcile(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE p2p_orders SET reconcile_flag = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark p2p order %d for reconciliation: %w", id, err)
	}
	return nil
}

// P2PReconcileFlagged reports whether an order carries the manual
// reconciliation flag.
func (s *Store) P2PReconcileFlagged(ctx context.Context, id int64) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT reconcile_flag FROM p2p_orders WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, types.NotFoundf("p2p order %d", id)
		}
		return false, fmt.Errorf("read reconcile flag for p2p order %d: %w", id, err)
	}
	return flag == 1, nil
}

// ListExpiredOpen returns OPEN ads whose expires_at is in the past.
func (s *Store) ListExpiredOpen(ctx context.Context, now time.Time) ([]types.P2POrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+p2pColumns+` FROM p2p_orders WHERE status = ? AND expires_at <= ? ORDER BY id`,
		string(types.P2PStatusOpen), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired p2p orders: %w", err)
	}
	defer rows.Close()

	var out []types.P2POrder
	for rows.Next() {
		o, err := s.scanP2POrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// AddP2PMessage appends a chat line to a deal.
func (s *Store) AddP2PMessage(ctx context.Context, m *types.P2PMessage) error {
	m.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO p2p_messages (order_id, sender_id, body, created_at) VALUES (?, ?, ?, ?)`,
		m.OrderID, m.SenderID, m.Body, fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert p2p message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ListP2PMessages returns a deal's chat in insertion order.
func (s *Store) ListP2PMessages(ctx context.Context, orderID int64) ([]types.P2PMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, sender_id, body, created_at FROM p2p_messages WHERE order_id = ? ORDER BY id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list p2p messages: %w", err)
	}
	defer rows.Close()

	var out []types.P2PMessage
	for rows.Next() {
		var m types.P2PMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.OrderID, &m.SenderID, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan p2p message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
