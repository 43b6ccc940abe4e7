package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

// EnsureUser upserts the user row and bumps last_seen_at. Rating
// aggregates are preserved across upserts.
func (s *Store) EnsureUser(ctx context.Context, id int64, username string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, last_seen_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, last_seen_at = excluded.last_seen_at`,
		id, username, now, now)
	if err != nil {
		return fmt.Errorf("ensure user %d: %w", id, err)
	}
	return nil
}

// AddReview inserts a review and folds it into the subject's denormalized
// rating aggregate in one transaction. A duplicate (order, author) pair is
// a conflict: one review per party per order.
func (s *Store) AddReview(ctx context.Context, r *types.P2PReview) error {
	r.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO p2p_reviews (order_id, author_id, subject_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.OrderID, r.AuthorID, r.SubjectID, r.Rating, r.Comment, fmtTime(r.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return types.Conflictf("user %d already reviewed order %d", r.AuthorID, r.OrderID)
		}
		return fmt.Errorf("insert review: %w", err)
	}
	r.ID, _ = res.LastInsertId()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET rating_sum = rating_sum + ?, rating_count = rating_count + 1 WHERE id = ?`,
		r.Rating, r.SubjectID); err != nil {
		return fmt.Errorf("update rating aggregate: %w", err)
	}

	return tx.Commit()
}

// UserRating returns the mean received rating and the review count.
func (s *Store) UserRating(ctx context.Context, userID int64) (float64, int, error) {
	var sum, count int
	err := s.db.QueryRowContext(ctx,
		`SELECT rating_sum, rating_count FROM users WHERE id = ?`, userID).Scan(&sum, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("user %d rating: %w", userID, err)
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(count), count, nil
}

// SetFollower upserts a copy-trading subscription.
func (s *Store) SetFollower(ctx context.Context, f types.Follower) error {
	active := 0
	if f.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followers (leader_id, follower_id, ratio, min_balance, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(leader_id, follower_id) DO UPDATE
		SET ratio = excluded.ratio, min_balance = excluded.min_balance, active = excluded.active`,
		f.LeaderID, f.FollowerID, f.Ratio.String(), f.MinBalance.String(), active)
	if err != nil {
		return fmt.Errorf("set follower %d→%d: %w", f.FollowerID, f.LeaderID, err)
	}
	return nil
}

// ActiveFollowers returns the active subscriptions for a leader.
func (s *Store) ActiveFollowers(ctx context.Context, leaderID int64) ([]types.Follower, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT leader_id, follower_id, ratio, min_balance FROM followers
		WHERE leader_id = ? AND active = 1 ORDER BY follower_id`, leaderID)
	if err != nil {
		return nil, fmt.Errorf("list followers of %d: %w", leaderID, err)
	}
	defer rows.Close()

	var out []types.Follower
	for rows.Next() {
		var f types.Follower
		var ratio, minBal string
		if err := rows.Scan(&f.LeaderID, &f.FollowerID, &ratio, &minBal); err != nil {
			return nil, fmt.Errorf("scan follower: %w", err)
		}
		if f.Ratio, err = decimal.NewFromString(ratio); err != nil {
			return nil, fmt.Errorf("follower ratio %q: %w", ratio, err)
		}
		if f.MinBalance, err = decimal.NewFromString(minBal); err != nil {
			return nil, fmt.Errorf("follower min balance %q: %w", minBal, err)
		}
		f.Active = true
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountUsers returns the total user count; CountActiveUsers those seen
// since the cutoff. Both feed the telemetry user gauges.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *Store) CountActiveUsers(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE last_seen_at >= ?`, fmtTime(since)).Scan(&n)
	return n, err
}
