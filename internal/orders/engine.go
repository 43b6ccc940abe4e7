// Package orders owns the spot order lifecycle: creation, conditional
// trigger tracking, idempotent execution through the aggregator, and the
// completed-order event feed that copy trading and the ops stream consume.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/GoYakushev/notlike/internal/cache"
	"github.com/GoYakushev/notlike/internal/config"
	"github.com/GoYakushev/notlike/internal/notify"
	"github.com/GoYakushev/notlike/internal/storage"
	"github.com/GoYakushev/notlike/internal/telemetry"
	"github.com/GoYakushev/notlike/pkg/types"
)

// Router executes quotes and swaps for one network. Satisfied by
// aggregator.Aggregator.
type Router interface {
	Network() types.Network
	BestPrice(ctx context.Context, fromToken, toToken string, amount decimal.Decimal) (*types.Quote, error)
	ExecuteSwap(ctx context.Context, fromToken, toToken string, amount decimal.Decimal) (*types.SwapResult, error)
}

const (
	triggerPairsKey   = "triggers:pairs"
	recentOrdersLimit = 20
)

func recentOrdersKey(userID int64) string {
	return fmt.Sprintf("orders:recent:%d", userID)
}

func triggerHashKey(network types.Network, fromToken string) string {
	return fmt.Sprintf("triggers:%s:%s", network, fromToken)
}

func pairMember(network types.Network, fromToken string) string {
	return fmt.Sprintf("%s:%s", network, fromToken)
}

// triggerEntry is the cached form of a registered conditional order.
type triggerEntry struct {
	OrderID      int64           `json:"order_id"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Direction    types.OrderType `json:"direction"`
}

// Engine is the spot order engine. Execution is idempotent: concurrent
// Execute calls for one order coalesce, and the store's compare-and-set
// guarantees a single winner even across processes.
type Engine struct {
	store    *storage.Store
	cache    cache.Store
	routers  map[types.Network]Router
	notifier notify.Notifier
	metrics  *telemetry.Metrics // may be nil
	logger   *slog.Logger

	feed event.Feed // carries types.OrderCompleted
	sf   singleflight.Group

	swapFeeRate decimal.Decimal // fraction, e.g. 0.003
	stableToken func(network string) string
	staleAfter  time.Duration
}

// New wires the engine. routers must cover every network orders will
// reference; unknown networks are rejected at creation.
func New(store *storage.Store, cacheStore cache.Store, routers map[types.Network]Router,
	notifier notify.Notifier, metrics *telemetry.Metrics, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		cache:       cacheStore,
		routers:     routers,
		notifier:    notifier,
		metrics:     metrics,
		logger:      logger.With("component", "orders"),
		swapFeeRate: decimal.NewFromFloat(cfg.Fees.SwapPct).Div(decimal.NewFromInt(100)),
		stableToken: cfg.Stable,
		staleAfter:  cfg.Orders.StaleAfter,
	}
}

// SubscribeCompleted registers ch on the completed-order feed.
func (e *Engine) SubscribeCompleted(ch chan<- types.OrderCompleted) event.Subscription {
	return e.feed.Subscribe(ch)
}

func (e *Engine) validate(o *types.SpotOrder) error {
	if o.UserID <= 0 {
		return types.Validationf("user id is required")
	}
	if _, ok := e.routers[o.Network]; !ok {
		return types.Validationf("unsupported network %q", o.Network)
	}
	if o.FromToken == "" || o.ToToken == "" {
		return types.Validationf("from and to tokens are required")
	}
	if o.FromToken == o.ToToken {
		return types.Validationf("from and to tokens must differ")
	}
	if o.Amount.Sign() <= 0 {
		return types.Validationf("amount must be positive, got %s", o.Amount)
	}
	switch o.Type {
	case types.OrderTypeMarket:
		if o.Conditions != nil {
			return types.Validationf("market orders carry no trigger conditions")
		}
	case types.OrderTypeStopLoss, types.OrderTypeTakeProfit:
		if o.Conditions == nil {
			return types.Validationf("%s orders require trigger conditions", o.Type)
		}
		if o.Conditions.Direction != o.Type {
			return types.Validationf("condition direction %s does not match order type %s",
				o.Conditions.Direction, o.Type)
		}
		if o.Conditions.TriggerPrice.Sign() <= 0 {
			return types.Validationf("trigger price must be positive, got %s", o.Conditions.TriggerPrice)
		}
	default:
		return types.Validationf("unknown order type %q", o.Type)
	}
	return nil
}

// CreateOrder validates and persists the order. MARKET orders execute
// synchronously before returning; conditional orders register their
// trigger and return PENDING. The returned order reflects the final
// state — a failed market swap comes back FAILED with the cause recorded,
// not as an error.
func (e *Engine) CreateOrder(ctx context.Context, o *types.SpotOrder) (*types.SpotOrder, error) {
	if err := e.validate(o); err != nil {
		return nil, err
	}
	if err := e.store.CreateSpotOrder(ctx, o); err != nil {
		return nil, types.Fatalf(err, "persist order")
	}
	e.countOp("order_create")

	key := recentOrdersKey(o.UserID)
	if err := e.cache.LPush(ctx, key, strconv.FormatInt(o.ID, 10)); err != nil {
		e.logger.Warn("recent-orders push failed", "order", o.ID, "error", err)
	} else if err := e.cache.LTrim(ctx, key, 0, recentOrdersLimit-1); err != nil {
		e.logger.Warn("recent-orders trim failed", "order", o.ID, "error", err)
	}

	if o.Type == types.OrderTypeMarket {
		return e.Execute(ctx, o.ID)
	}

	if err := e.registerTrigger(ctx, o); err != nil {
		// The order row exists but cannot fire; roll it back to FAILED so
		// the user is not left with a silent dead trigger.
		if _, ferr := e.store.FailSpotOrder(ctx, o.ID, "trigger registration failed", time.Now().UTC()); ferr != nil {
			e.logger.Error("trigger rollback failed", "order", o.ID, "error", ferr)
		}
		return nil, types.Fatalf(err, "register trigger for order %d", o.ID)
	}
	e.logger.Info("conditional order registered",
		"order", o.ID, "type", string(o.Type),
		"trigger", o.Conditions.TriggerPrice.String())
	return o, nil
}

// Execute drives the order to a terminal state. Safe to call repeatedly
// and concurrently: a terminal order is returned as-is.
func (e *Engine) Execute(ctx context.Context, orderID int64) (*types.SpotOrder, error) {
	v, err, _ := e.sf.Do(strconv.FormatInt(orderID, 10), func() (any, error) {
		return e.execute(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.SpotOrder), nil
}

func (e *Engine) execute(ctx context.Context, orderID int64) (*types.SpotOrder, error) {
	o, err := e.store.GetSpotOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, nil
	}

	router, ok := e.routers[o.Network]
	if !ok {
		return e.fail(ctx, o, fmt.Sprintf("no router for network %s", o.Network))
	}

	res, err := router.ExecuteSwap(ctx, o.FromToken, o.ToToken, o.Amount)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a venue verdict: leave the order PENDING for
			// the next run.
			return nil, types.Transientf(err, "execution interrupted for order %d", orderID)
		}
		return e.fail(ctx, o, err.Error())
	}

	now := time.Now().UTC()
	won, err := e.store.CompleteSpotOrder(ctx, o.ID, res, now)
	if err != nil {
		return nil, types.Fatalf(err, "complete order %d", o.ID)
	}
	if !won {
		return e.store.GetSpotOrder(ctx, o.ID)
	}
	e.deregisterTrigger(ctx, o)
	e.journalFill(ctx, o, res)
	e.countOp("order_execute")

	o.Status = types.OrderStatusCompleted
	o.ExecutedAt = &now
	o.Execution = res

	e.feed.Send(types.OrderCompleted{Order: *o, Result: *res})
	e.notifier.Notify(ctx, notify.Event{
		UserID: o.UserID,
		Kind:   "order_completed",
		Text: fmt.Sprintf("Order #%d filled: %s %s → %s %s via %s",
			o.ID, o.Amount, o.FromToken, res.OutputAmount, o.ToToken, res.Venue),
	})
	e.logger.Info("order completed",
		"order", o.ID, "venue", res.Venue, "out", res.OutputAmount.String(),
		"partial", res.PartialExecution)
	return o, nil
}

func (e *Engine) fail(ctx context.Context, o *types.SpotOrder, cause string) (*types.SpotOrder, error) {
	now := time.Now().UTC()
	won, err := e.store.FailSpotOrder(ctx, o.ID, cause, now)
	if err != nil {
		return nil, types.Fatalf(err, "fail order %d", o.ID)
	}
	if !won {
		return e.store.GetSpotOrder(ctx, o.ID)
	}
	e.deregisterTrigger(ctx, o)

	o.Status = types.OrderStatusFailed
	o.ExecutedAt = &now
	o.Error = cause

	e.notifier.Notify(ctx, notify.Event{
		UserID: o.UserID,
		Kind:   "order_failed",
		Text:   fmt.Sprintf("Order #%d failed: %s", o.ID, cause),
	})
	e.logger.Warn("order failed", "order", o.ID, "cause", cause)
	return o, nil
}

// journalFill books the swap and the platform fee. Best effort: a journal
// miss never unwinds a completed swap.
func (e *Engine) journalFill(ctx context.Context, o *types.SpotOrder, res *types.SwapResult) {
	ref := strconv.FormatInt(o.ID, 10)
	if err := e.store.AppendTransaction(ctx, &types.Transaction{
		UserID:    o.UserID,
		Kind:      types.TxKindSwap,
		Network:   o.Network,
		Token:     o.ToToken,
		Amount:    res.OutputAmount,
		Reference: ref,
	}); err != nil {
		e.logger.Error("swap journal failed", "order", o.ID, "error", err)
	}
	if e.swapFeeRate.Sign() > 0 {
		if err := e.store.AppendTransaction(ctx, &types.Transaction{
			UserID:    o.UserID,
			Kind:      types.TxKindFee,
			Network:   o.Network,
			Token:     o.ToToken,
			Amount:    res.OutputAmount.Mul(e.swapFeeRate),
			Reference: ref,
		}); err != nil {
			e.logger.Error("fee journal failed", "order", o.ID, "error", err)
		}
	}
}

// CancelOrder cancels a PENDING order owned by userID. Terminal orders
// are a conflict; other users' orders are not found.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64) (*types.SpotOrder, error) {
	o, err := e.store.GetSpotOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, types.NotFoundf("order %d", orderID)
	}
	if o.Status.Terminal() {
		return nil, types.Conflictf("order %d is already %s", orderID, o.Status)
	}

	now := time.Now().UTC()
	won, err := e.store.CancelSpotOrder(ctx, orderID, now)
	if err != nil {
		return nil, types.Fatalf(err, "cancel order %d", orderID)
	}
	if !won {
		return nil, types.Conflictf("order %d reached a terminal state first", orderID)
	}
	e.deregisterTrigger(ctx, o)
	e.countOp("order_cancel")

	o.Status = types.OrderStatusCancelled
	o.CancelledAt = &now
	e.logger.Info("order cancelled", "order", orderID)
	return o, nil
}

// GetOrder fetches one order, scoped to its owner.
func (e *Engine) GetOrder(ctx context.Context, orderID, userID int64) (*types.SpotOrder, error) {
	o, err := e.store.GetSpotOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, types.NotFoundf("order %d", orderID)
	}
	return o, nil
}

// RecentOrders returns the user's latest orders from the recency list,
// newest first, falling back to storage when the cache is cold.
func (e *Engine) RecentOrders(ctx context.Context, userID int64) ([]types.SpotOrder, error) {
	ids, err := e.cache.LRange(ctx, recentOrdersKey(userID), 0, recentOrdersLimit-1)
	if err != nil {
		e.logger.Warn("recent-orders read failed", "user", userID, "error", err)
	}
	if len(ids) == 0 {
		return e.store.ListUserSpotOrders(ctx, userID, nil, recentOrdersLimit, 0)
	}

	out := make([]types.SpotOrder, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue // corrupt entry, skip
		}
		o, err := e.store.GetSpotOrder(ctx, id)
		if err != nil {
			if types.KindOf(err) == types.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// ListOrders pages a user's orders, optionally filtered by status.
func (e *Engine) ListOrders(ctx context.Context, userID int64, status *types.OrderStatus, limit, offset int) ([]types.SpotOrder, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.store.ListUserSpotOrders(ctx, userID, status, limit, offset)
}

func (e *Engine) registerTrigger(ctx context.Context, o *types.SpotOrder) error {
	entry := triggerEntry{
		OrderID:      o.ID,
		TriggerPrice: o.Conditions.TriggerPrice,
		Direction:    o.Conditions.Direction,
	}
	key := triggerHashKey(o.Network, o.FromToken)
	if err := e.cache.HSet(ctx, key, strconv.FormatInt(o.ID, 10), entry); err != nil {
		return err
	}
	return e.cache.SAdd(ctx, triggerPairsKey, pairMember(o.Network, o.FromToken))
}

// deregisterTrigger drops the order's trigger and, when the pair has no
// triggers left, prunes it from the watch set. Errors are logged: a
// stale trigger re-fires into an idempotent Execute, which is harmless.
func (e *Engine) deregisterTrigger(ctx context.Context, o *types.SpotOrder) {
	if o.Conditions == nil {
		return
	}
	key := triggerHashKey(o.Network, o.FromToken)
	if err := e.cache.HDel(ctx, key, strconv.FormatInt(o.ID, 10)); err != nil {
		e.logger.Warn("trigger removal failed", "order", o.ID, "error", err)
		return
	}
	rest, err := e.cache.HGetAll(ctx, key)
	if err != nil {
		e.logger.Warn("trigger hash read failed", "key", key, "error", err)
		return
	}
	if len(rest) == 0 {
		if err := e.cache.SRem(ctx, triggerPairsKey, pairMember(o.Network, o.FromToken)); err != nil {
			e.logger.Warn("pair prune failed", "key", key, "error", err)
		}
	}
}

// Recover reconciles PENDING orders after a restart. Conditional orders
// re-register their triggers (the cache is empty after a cold start).
// PENDING market orders mean the process died mid-execution: recent ones
// are retried, ones older than the stale window are failed for manual
// review since the venue outcome is unknowable.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.store.ListSpotOrdersByStatus(ctx, types.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}

	var triggers, retried, staled int
	for i := range pending {
		o := &pending[i]
		if o.Type != types.OrderTypeMarket {
			if err := e.registerTrigger(ctx, o); err != nil {
				return fmt.Errorf("re-register trigger for order %d: %w", o.ID, err)
			}
			triggers++
			continue
		}
		if time.Since(o.CreatedAt) > e.staleAfter {
			if _, err := e.store.FailSpotOrder(ctx, o.ID,
				"interrupted by restart, venue outcome unknown", time.Now().UTC()); err != nil {
				return fmt.Errorf("flag stale order %d: %w", o.ID, err)
			}
			e.logger.Warn("stale market order flagged", "order", o.ID, "age", time.Since(o.CreatedAt))
			staled++
			continue
		}
		if _, err := e.Execute(ctx, o.ID); err != nil {
			e.logger.Error("recovery execution failed", "order", o.ID, "error", err)
		}
		retried++
	}

	if len(pending) > 0 {
		e.logger.Info("order recovery done",
			"pending", len(pending), "triggers", triggers, "retried", retried, "staled", staled)
	}
	return nil
}

func (e *Engine) countOp(op string) {
	if e.metrics != nil {
		e.metrics.UserOperations.WithLabelValues(op).Inc()
	}
}
