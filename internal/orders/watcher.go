package orders

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

// Watcher polls venue prices for every token that has a live conditional
// order and fires triggers through the engine. One instance per process;
// firing is safe to repeat because execution is idempotent.
type Watcher struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewWatcher(engine *Engine, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		engine:   engine,
		interval: interval,
		logger:   logger.With("component", "trigger-watcher"),
	}
}

// Run ticks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("trigger watcher started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("trigger watcher stopped")
			return nil
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick prices every watched pair once and fires due triggers.
func (w *Watcher) Tick(ctx context.Context) {
	pairs, err := w.engine.cache.SMembers(ctx, triggerPairsKey)
	if err != nil {
		w.logger.Error("pair set read failed", "error", err)
		return
	}
	for _, pair := range pairs {
		w.checkPair(ctx, pair)
	}
}

func (w *Watcher) checkPair(ctx context.Context, pair string) {
	// Members are "{NETWORK}:{fromToken}"; token identifiers may contain
	// further colons, network symbols never do.
	parts := strings.SplitN(pair, ":", 2)
	if len(parts) != 2 {
		w.logger.Warn("malformed pair member dropped", "pair", pair)
		if err := w.engine.cache.SRem(ctx, triggerPairsKey, pair); err != nil {
			w.logger.Warn("pair prune failed", "pair", pair, "error", err)
		}
		return
	}
	network, fromToken := types.Network(parts[0]), parts[1]

	router, ok := w.engine.routers[network]
	if !ok {
		w.logger.Warn("pair on unrouted network skipped", "pair", pair)
		return
	}

	entries, err := w.engine.cache.HGetAll(ctx, triggerHashKey(network, fromToken))
	if err != nil {
		w.logger.Error("trigger hash read failed", "pair", pair, "error", err)
		return
	}
	if len(entries) == 0 {
		if err := w.engine.cache.SRem(ctx, triggerPairsKey, pair); err != nil {
			w.logger.Warn("pair prune failed", "pair", pair, "error", err)
		}
		return
	}

	quote, err := router.BestPrice(ctx, fromToken, w.engine.stableToken(string(network)), decimal.NewFromInt(1))
	if err != nil {
		// No price this tick; triggers stay armed.
		w.logger.Warn("pricing failed", "pair", pair, "error", err)
		return
	}
	price := quote.OutputAmount

	for field, raw := range entries {
		var entry triggerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			w.logger.Error("corrupt trigger entry dropped", "pair", pair, "field", field, "error", err)
			if err := w.engine.cache.HDel(ctx, triggerHashKey(network, fromToken), field); err != nil {
				w.logger.Warn("corrupt trigger removal failed", "field", field, "error", err)
			}
			continue
		}
		if !fired(entry, price) {
			continue
		}
		w.logger.Info("trigger fired",
			"order", entry.OrderID, "direction", string(entry.Direction),
			"trigger", entry.TriggerPrice.String(), "price", price.String())
		if _, err := w.engine.Execute(ctx, entry.OrderID); err != nil {
			w.logger.Error("trigger execution failed", "order", entry.OrderID, "error", err)
		}
	}
}

// fired applies the trigger rule: stop-loss at or below, take-profit at
// or above.
func fired(entry triggerEntry, price decimal.Decimal) bool {
	switch entry.Direction {
	case types.OrderTypeStopLoss:
		return price.LessThanOrEqual(entry.TriggerPrice)
	case types.OrderTypeTakeProfit:
		return price.GreaterThanOrEqual(entry.TriggerPrice)
	default:
		return false
	}
}
