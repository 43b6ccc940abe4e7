package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

// CreateSpotOrder inserts a PENDING order and fills in its monotonic id
// and creation time.
func (s *Store) CreateSpotOrder(ctx context.Context, o *types.SpotOrder) error {
	o.Status = types.OrderStatusPending
	o.CreatedAt = time.Now().UTC()

	var trigPrice, trigDir any
	if o.Conditions != nil {
		trigPrice = o.Conditions.TriggerPrice.String()
		trigDir = string(o.Conditions.Direction)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO spot_orders
			(user_id, type, network, from_token, to_token, amount,
			 trigger_price, trigger_direction, status, created_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		o.UserID, string(o.Type), string(o.Network), o.FromToken, o.ToToken,
		o.Amount.String(), trigPrice, trigDir, string(o.Status), fmtTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert spot order: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("spot order id: %w", err)
	}
	o.ID = id
	return nil
}

const spotColumns = `
	id, user_id, type, network, from_token, to_token, amount,
	trigger_price, trigger_direction, status, created_at,
	executed_at, cancelled_at, execution_json, error`

func (s *Store) scanSpotOrder(row interface{ Scan(...any) error }) (*types.SpotOrder, error) {
	var (
		o                  types.SpotOrder
		typ, network       string
		amount, status     string
		createdAt          string
		trigPrice, trigDir sql.NullString
		executedAt         sql.NullString
		cancelledAt        sql.NullString
		executionJSON      sql.NullString
	)
	err := row.Scan(&o.ID, &o.UserID, &typ, &network, &o.FromToken, &o.ToToken,
		&amount, &trigPrice, &trigDir, &status, &createdAt,
		&executedAt, &cancelledAt, &executionJSON, &o.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("spot order")
		}
		return nil, fmt.Errorf("scan spot order: %w", err)
	}

	o.Type = types.OrderType(typ)
	o.Network = types.Network(network)
	o.Status = types.OrderStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.ExecutedAt = parseTimePtr(executedAt)
	o.CancelledAt = parseTimePtr(cancelledAt)

	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("spot order %d amount %q: %w", o.ID, amount, err)
	}
	if trigPrice.Valid {
		price, err := decimal.NewFromString(trigPrice.String)
		if err != nil {
			return nil, fmt.Errorf("spot order %d trigger %q: %w", o.ID, trigPrice.String, err)
		}
		o.Conditions = &types.Conditions{
			TriggerPrice: price,
			Direction:    types.OrderType(trigDir.String),
		}
	}
	if executionJSON.Valid && executionJSON.String != "" {
		var exec types.SwapResult
		if err := json.Unmarshal([]byte(executionJSON.String), &exec); err != nil {
			return nil, fmt.Errorf("spot order %d execution: %w", o.ID, err)
		}
		o.Execution = &exec
	}
	return &o, nil
}

// GetSpotOrder fetches one order by id.
func (s *Store) GetSpotOrder(ctx context.Context, id int64) (*types.SpotOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+spotColumns+` FROM spot_orders WHERE id = ?`, id)
	o, err := s.scanSpotOrder(row)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, types.NotFoundf("spot order %d", id)
		}
		return nil, err
	}
	return o, nil
}

// ListUserSpotOrders pages a user's orders, newest first, optionally
// filtered by status.
func (s *Store) ListUserSpotOrders(ctx context.Context, userID int64, status *types.OrderStatus, limit, offset int) ([]types.SpotOrder, error) {
	query := `SELECT` + spotColumns + ` FROM spot_orders WHERE user_id = ?`
	args := []any{userID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spot orders: %w", err)
	}
	defer rows.Close()

	var out []types.SpotOrder
	for rows.Next() {
		o, err := s.scanSpotOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ListSpotOrdersByStatus returns all orders in a given status; used by
// startup recovery to re-register conditional orders.
func (s *Store) ListSpotOrdersByStatus(ctx context.Context, status types.OrderStatus) ([]types.SpotOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+spotColumns+` FROM spot_orders WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list spot orders by status: %w", err)
	}
	defer rows.Close()

	var out []types.SpotOrder
	for rows.Next() {
		o, err := s.scanSpotOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CompleteSpotOrder is the PENDING→COMPLETED compare-and-set. Returns
// false when the order was no longer PENDING (the caller lost the race).
func (s *Store) CompleteSpotOrder(ctx context.Context, id int64, result *types.SwapResult, at time.Time) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot_orders
		SET status = ?, executed_at = ?, execution_json = ?
		WHERE id = ? AND status = ?`,
		string(types.OrderStatusCompleted), fmtTime(at), string(data),
		id, string(types.OrderStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("complete spot order %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FailSpotOrder is the PENDING→FAILED compare-and-set.
func (s *Store) FailSpotOrder(ctx context.Context, id int64, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot_orders
		SET status = ?, executed_at = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(types.OrderStatusFailed), fmtTime(at), errMsg,
		id, string(types.OrderStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("fail spot order %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CancelSpotOrder is the PENDING→CANCELLED compare-and-set.
func (s *Store) CancelSpotOrder(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spot_orders
		SET status = ?, cancelled_at = ?
		WHERE id = ? AND status = ?`,
		string(types.OrderStatusCancelled), fmtTime(at),
		id, string(types.OrderStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("cancel spot order %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
