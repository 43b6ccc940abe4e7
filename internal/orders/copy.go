package orders

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/internal/storage"
	"github.com/GoYakushev/notlike/pkg/types"
)

// Balancer is the slice of the wallet adapter copy trading needs.
type Balancer interface {
	GetBalance(ctx context.Context, userID int64, network types.Network, token string) (decimal.Decimal, error)
}

// CopyDispatcher mirrors leaders' completed spot orders onto their
// followers as fresh MARKET orders, sized by each follower's ratio and
// gated by their minimum-balance floor. Orders the dispatcher itself
// created never cascade further, so follow cycles cannot amplify.
type CopyDispatcher struct {
	engine *Engine
	store  *storage.Store
	wallet Balancer
	logger *slog.Logger

	mu     sync.Mutex
	mirror map[int64]struct{} // order ids this dispatcher created
}

func NewCopyDispatcher(engine *Engine, store *storage.Store, wallet Balancer, logger *slog.Logger) *CopyDispatcher {
	return &CopyDispatcher{
		engine: engine,
		store:  store,
		wallet: wallet,
		logger: logger.With("component", "copy-trading"),
		mirror: make(map[int64]struct{}),
	}
}

// Run subscribes to the completed-order feed until ctx is cancelled.
//
// Mirroring creates orders whose own completion events come back through
// the same feed, and the feed blocks every sender until all subscribers
// accept. The subscription must therefore keep draining while Mirror
// runs: events queue here and a worker goroutine consumes them, so a
// leader with any number of followers never wedges the feed.
func (d *CopyDispatcher) Run(ctx context.Context) error {
	ch := make(chan types.OrderCompleted, 64)
	sub := d.engine.SubscribeCompleted(ch)
	defer sub.Unsubscribe()

	work := make(chan types.OrderCompleted)
	defer close(work)
	go func() {
		for ev := range work {
			d.Mirror(ctx, ev)
		}
	}()

	d.logger.Info("copy dispatcher started")
	var queue []types.OrderCompleted
	for {
		var handoff chan<- types.OrderCompleted
		var head types.OrderCompleted
		if len(queue) > 0 {
			handoff = work
			head = queue[0]
		}
		select {
		case <-ctx.Done():
			d.logger.Info("copy dispatcher stopped")
			return nil
		case err := <-sub.Err():
			return err
		case ev := <-ch:
			queue = append(queue, ev)
		case handoff <- head:
			queue = queue[1:]
		}
	}
}

// Mirror fans one completed order out to the leader's active followers.
func (d *CopyDispatcher) Mirror(ctx context.Context, ev types.OrderCompleted) {
	if d.isMirrorOrder(ev.Order.ID) {
		return
	}

	followers, err := d.store.ActiveFollowers(ctx, ev.Order.UserID)
	if err != nil {
		d.logger.Error("follower lookup failed", "leader", ev.Order.UserID, "error", err)
		return
	}

	for _, f := range followers {
		amount := ev.Order.Amount.Mul(f.Ratio)
		if amount.Sign() <= 0 {
			continue
		}

		balance, err := d.wallet.GetBalance(ctx, f.FollowerID, ev.Order.Network, ev.Order.FromToken)
		if err != nil {
			d.logger.Warn("balance check failed",
				"follower", f.FollowerID, "leader", f.LeaderID, "error", err)
			continue
		}
		if balance.Sub(amount).LessThan(f.MinBalance) {
			d.logger.Info("copy skipped below balance floor",
				"follower", f.FollowerID, "leader", f.LeaderID,
				"balance", balance.String(), "amount", amount.String(),
				"floor", f.MinBalance.String())
			continue
		}

		copyOrder := &types.SpotOrder{
			UserID:    f.FollowerID,
			Type:      types.OrderTypeMarket,
			Network:   ev.Order.Network,
			FromToken: ev.Order.FromToken,
			ToToken:   ev.Order.ToToken,
			Amount:    amount,
		}
		created, err := d.engine.CreateOrder(ctx, copyOrder)
		if err != nil {
			d.logger.Warn("copy order failed",
				"follower", f.FollowerID, "leader", f.LeaderID, "error", err)
			continue
		}
		d.markMirror(created.ID)
		d.logger.Info("order mirrored",
			"leader", f.LeaderID, "follower", f.FollowerID,
			"source", ev.Order.ID, "copy", created.ID,
			"amount", amount.String(), "status", string(created.Status))
	}
}

func (d *CopyDispatcher) markMirror(orderID int64) {
	d.mu.Lock()
	d.mirror[orderID] = struct{}{}
	d.mu.Unlock()
}

func (d *CopyDispatcher) isMirrorOrder(orderID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mirror[orderID]; ok {
		delete(d.mirror, orderID)
		return true
	}
	return false
}
