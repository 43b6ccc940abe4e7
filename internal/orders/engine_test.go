package orders

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/internal/cache"
	"github.com/GoYakushev/notlike/internal/config"
	"github.com/GoYakushev/notlike/internal/notify"
	"github.com/GoYakushev/notlike/internal/storage"
	"github.com/GoYakushev/notlike/pkg/types"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

type fakeRouter struct {
	network   types.Network
	price     decimal.Decimal // stable units per input unit
	quoteErr  error
	swapFn    func(amount decimal.Decimal) (*types.SwapResult, error)
	swapCalls atomic.Int32
}

func (r *fakeRouter) Network() types.Network { return r.network }

func (r *fakeRouter) BestPrice(_ context.Context, _, _ string, amount decimal.Decimal) (*types.Quote, error) {
	if r.quoteErr != nil {
		return nil, r.quoteErr
	}
	return &types.Quote{
		Venue:        "fake",
		Network:      r.network,
		InputAmount:  amount,
		OutputAmount: r.price.Mul(amount),
		Timestamp:    time.Now(),
	}, nil
}

func (r *fakeRouter) ExecuteSwap(_ context.Context, _, _ string, amount decimal.Decimal) (*types.SwapResult, error) {
	r.swapCalls.Add(1)
	return r.swapFn(amount)
}

func testConfig() *config.Config {
	return &config.Config{
		Fees:   config.FeesConfig{SwapPct: 0.3},
		Orders: config.OrdersConfig{StaleAfter: 10 * time.Minute},
		Networks: map[string]config.NetworkConfig{
			"TON": {StableToken: "USDT", Venues: map[string]string{"fake": "http://venue"}},
		},
	}
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestEngine(t *testing.T, router Router) (*Engine, *storage.Store, cache.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem := cache.NewMemory()
	eng := New(store, mem, map[types.Network]Router{router.Network(): router},
		notify.Nop{}, nil, testConfig(), testLogger(t))
	return eng, store, mem
}

func marketOrder(amount string, t *testing.T) *types.SpotOrder {
	return &types.SpotOrder{
		UserID:    1,
		Type:      types.OrderTypeMarket,
		Network:   "TON",
		FromToken: "TON",
		ToToken:   "USDT",
		Amount:    dec(t, amount),
	}
}

func stopLossOrder(amount, trigger string, t *testing.T) *types.SpotOrder {
	return &types.SpotOrder{
		UserID:    1,
		Type:      types.OrderTypeStopLoss,
		Network:   "TON",
		FromToken: "TON",
		ToToken:   "USDT",
		Amount:    dec(t, amount),
		Conditions: &types.Conditions{
			TriggerPrice: dec(t, trigger),
			Direction:    types.OrderTypeStopLoss,
		},
	}
}

func fullFillRouter(t *testing.T, price string) *fakeRouter {
	r := &fakeRouter{network: "TON", price: dec(t, price)}
	r.swapFn = func(amount decimal.Decimal) (*types.SwapResult, error) {
		return &types.SwapResult{
			Venue:        "fake",
			TxHash:       "0xabc",
			OutputAmount: amount.Mul(r.price),
		}, nil
	}
	return r
}

func TestMarketOrderExecutesSynchronously(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "0.95")
	eng, store, _ := newTestEngine(t, router)

	ch := make(chan types.OrderCompleted, 1)
	sub := eng.SubscribeCompleted(ch)
	defer sub.Unsubscribe()

	o, err := eng.CreateOrder(context.Background(), marketOrder("100", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != types.OrderStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", o.Status)
	}
	if o.Execution == nil || !o.Execution.OutputAmount.Equal(dec(t, "95")) {
		t.Fatalf("execution = %+v, want output 95", o.Execution)
	}
	if o.ExecutedAt == nil {
		t.Fatal("ExecutedAt not set")
	}

	select {
	case ev := <-ch:
		if ev.Order.ID != o.ID || !ev.Result.OutputAmount.Equal(dec(t, "95")) {
			t.Fatalf("event = %+v, want order %d output 95", ev, o.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no OrderCompleted event")
	}

	// Swap and fee were journaled: fee = 95 × 0.3% = 0.285.
	fees, err := store.FeeTotalsSince(context.Background(), time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("FeeTotalsSince: %v", err)
	}
	if !fees[1].Equal(dec(t, "0.285")) {
		t.Fatalf("fee total = %s, want 0.285", fees[1])
	}
}

func TestMarketOrderFailureIsRecordedNotReturned(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{network: "TON", price: dec(t, "1")}
	router.swapFn = func(decimal.Decimal) (*types.SwapResult, error) {
		return nil, errors.New("all venues failed to execute")
	}
	eng, _, _ := newTestEngine(t, router)

	o, err := eng.CreateOrder(context.Background(), marketOrder("100", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != types.OrderStatusFailed {
		t.Fatalf("status = %s, want FAILED", o.Status)
	}
	if o.Error == "" {
		t.Fatal("failure cause not recorded")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	t.Parallel()

	eng, _, _ := newTestEngine(t, fullFillRouter(t, "1"))

	cases := map[string]*types.SpotOrder{
		"unknown network": {
			UserID: 1, Type: types.OrderTypeMarket, Network: "SOL",
			FromToken: "SOL", ToToken: "USDT", Amount: dec(t, "1"),
		},
		"same tokens": {
			UserID: 1, Type: types.OrderTypeMarket, Network: "TON",
			FromToken: "TON", ToToken: "TON", Amount: dec(t, "1"),
		},
		"zero amount": {
			UserID: 1, Type: types.OrderTypeMarket, Network: "TON",
			FromToken: "TON", ToToken: "USDT", Amount: decimal.Zero,
		},
		"market with conditions": {
			UserID: 1, Type: types.OrderTypeMarket, Network: "TON",
			FromToken: "TON", ToToken: "USDT", Amount: dec(t, "1"),
			Conditions: &types.Conditions{TriggerPrice: dec(t, "1"), Direction: types.OrderTypeStopLoss},
		},
		"conditional without conditions": {
			UserID: 1, Type: types.OrderTypeStopLoss, Network: "TON",
			FromToken: "TON", ToToken: "USDT", Amount: dec(t, "1"),
		},
		"mismatched direction": {
			UserID: 1, Type: types.OrderTypeStopLoss, Network: "TON",
			FromToken: "TON", ToToken: "USDT", Amount: dec(t, "1"),
			Conditions: &types.Conditions{TriggerPrice: dec(t, "1"), Direction: types.OrderTypeTakeProfit},
		},
	}
	for name, o := range cases {
		if _, err := eng.CreateOrder(context.Background(), o); types.KindOf(err) != types.KindValidation {
			t.Errorf("%s: kind = %v, want validation (err: %v)", name, types.KindOf(err), err)
		}
	}
}

func TestConditionalOrderRegistersTrigger(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1")
	eng, _, mem := newTestEngine(t, router)

	o, err := eng.CreateOrder(context.Background(), stopLossOrder("100", "0.9", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Status != types.OrderStatusPending {
		t.Fatalf("status = %s, want PENDING", o.Status)
	}
	if n := router.swapCalls.Load(); n != 0 {
		t.Fatalf("conditional order swapped %d times at creation, want 0", n)
	}

	pairs, err := mem.SMembers(context.Background(), triggerPairsKey)
	if err != nil || len(pairs) != 1 || pairs[0] != "TON:TON" {
		t.Fatalf("pair set = %v (%v), want [TON:TON]", pairs, err)
	}
	entries, err := mem.HGetAll(context.Background(), triggerHashKey("TON", "TON"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("trigger hash = %v (%v), want one entry", entries, err)
	}
}

func TestWatcherFiresStopLoss(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "0.85") // below the 0.9 trigger
	eng, _, mem := newTestEngine(t, router)
	w := NewWatcher(eng, time.Second, testLogger(t))

	o, err := eng.CreateOrder(context.Background(), stopLossOrder("100", "0.9", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	w.Tick(context.Background())

	got, err := eng.GetOrder(context.Background(), o.ID, 1)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.OrderStatusCompleted {
		t.Fatalf("status after tick = %s, want COMPLETED", got.Status)
	}
	if n := router.swapCalls.Load(); n != 1 {
		t.Fatalf("swap calls = %d, want 1", n)
	}

	// Trigger is gone; a second tick must not re-execute.
	entries, err := mem.HGetAll(context.Background(), triggerHashKey("TON", "TON"))
	if err != nil || len(entries) != 0 {
		t.Fatalf("trigger hash after fire = %v (%v), want empty", entries, err)
	}
	w.Tick(context.Background())
	if n := router.swapCalls.Load(); n != 1 {
		t.Fatalf("swap calls after second tick = %d, want 1", n)
	}
}

func TestWatcherHoldsAboveStopLossTrigger(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1.10")
	eng, _, _ := newTestEngine(t, router)
	w := NewWatcher(eng, time.Second, testLogger(t))

	o, err := eng.CreateOrder(context.Background(), stopLossOrder("100", "0.9", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	w.Tick(context.Background())

	got, _ := eng.GetOrder(context.Background(), o.ID, 1)
	if got.Status != types.OrderStatusPending {
		t.Fatalf("status = %s, want PENDING (price above trigger)", got.Status)
	}
}

func TestWatcherFiresTakeProfit(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1.25")
	eng, _, _ := newTestEngine(t, router)
	w := NewWatcher(eng, time.Second, testLogger(t))

	o, err := eng.CreateOrder(context.Background(), &types.SpotOrder{
		UserID: 1, Type: types.OrderTypeTakeProfit, Network: "TON",
		FromToken: "TON", ToToken: "USDT", Amount: dec(t, "50"),
		Conditions: &types.Conditions{TriggerPrice: dec(t, "1.2"), Direction: types.OrderTypeTakeProfit},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	w.Tick(context.Background())

	got, _ := eng.GetOrder(context.Background(), o.ID, 1)
	if got.Status != types.OrderStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED at or above trigger", got.Status)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	eng, _, mem := newTestEngine(t, fullFillRouter(t, "1"))

	o, err := eng.CreateOrder(context.Background(), stopLossOrder("100", "0.9", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Wrong owner sees not-found, not conflict.
	if _, err := eng.CancelOrder(context.Background(), o.ID, 99); types.KindOf(err) != types.KindNotFound {
		t.Fatalf("foreign cancel kind = %v, want not_found", types.KindOf(err))
	}

	got, err := eng.CancelOrder(context.Background(), o.ID, 1)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if got.Status != types.OrderStatusCancelled || got.CancelledAt == nil {
		t.Fatalf("cancelled order = %+v", got)
	}

	entries, _ := mem.HGetAll(context.Background(), triggerHashKey("TON", "TON"))
	if len(entries) != 0 {
		t.Fatalf("trigger survived cancellation: %v", entries)
	}

	if _, err := eng.CancelOrder(context.Background(), o.ID, 1); types.KindOf(err) != types.KindConflict {
		t.Fatalf("double cancel kind = %v, want conflict", types.KindOf(err))
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1")
	eng, _, _ := newTestEngine(t, router)

	o, err := eng.CreateOrder(context.Background(), marketOrder("10", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := eng.Execute(context.Background(), o.ID)
		if err != nil {
			t.Fatalf("Execute #%d: %v", i, err)
		}
		if got.Status != types.OrderStatusCompleted {
			t.Fatalf("Execute #%d status = %s", i, got.Status)
		}
	}
	if n := router.swapCalls.Load(); n != 1 {
		t.Fatalf("swap calls = %d, want 1", n)
	}
}

func TestRecoverReregistersTriggersAndFlagsStaleMarket(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1")
	store, err := storage.Open(filepath.Join(t.TempDir(), "recover.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := testConfig()
	firstCache := cache.NewMemory()
	eng := New(store, firstCache, map[types.Network]Router{"TON": router},
		notify.Nop{}, nil, cfg, testLogger(t))

	cond, err := eng.CreateOrder(context.Background(), stopLossOrder("100", "0.9", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	// A market order stuck PENDING in the store simulates a mid-execution
	// crash; the tiny stale window makes it immediately stale.
	stuck := marketOrder("5", t)
	if err := store.CreateSpotOrder(context.Background(), stuck); err != nil {
		t.Fatalf("CreateSpotOrder: %v", err)
	}

	cfg.Orders.StaleAfter = time.Nanosecond
	freshCache := cache.NewMemory()
	restarted := New(store, freshCache, map[types.Network]Router{"TON": router},
		notify.Nop{}, nil, cfg, testLogger(t))

	time.Sleep(time.Millisecond) // let the stuck order age past the window
	if err := restarted.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	entries, err := freshCache.HGetAll(context.Background(), triggerHashKey("TON", "TON"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("trigger hash after recovery = %v (%v), want 1 entry", entries, err)
	}
	got, _ := store.GetSpotOrder(context.Background(), cond.ID)
	if got.Status != types.OrderStatusPending {
		t.Fatalf("conditional order status = %s, want PENDING", got.Status)
	}
	flagged, _ := store.GetSpotOrder(context.Background(), stuck.ID)
	if flagged.Status != types.OrderStatusFailed {
		t.Fatalf("stuck market order status = %s, want FAILED", flagged.Status)
	}
}

func TestCopyDispatcherMirrorsToEligibleFollowers(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1")
	eng, store, _ := newTestEngine(t, router)

	ctx := context.Background()
	for id, name := range map[int64]string{1: "leader", 2: "rich", 3: "poor"} {
		if err := store.EnsureUser(ctx, id, name); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
	}
	for _, f := range []types.Follower{
		{LeaderID: 1, FollowerID: 2, Ratio: dec(t, "0.5"), MinBalance: dec(t, "10"), Active: true},
		{LeaderID: 1, FollowerID: 3, Ratio: dec(t, "0.5"), MinBalance: dec(t, "10"), Active: true},
	} {
		if err := store.SetFollower(ctx, f); err != nil {
			t.Fatalf("SetFollower: %v", err)
		}
	}

	balances := balanceStub{2: dec(t, "100"), 3: dec(t, "12")} // 12 − 50 < floor
	d := NewCopyDispatcher(eng, store, balances, testLogger(t))

	leaderOrder, err := eng.CreateOrder(ctx, marketOrder("100", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	d.Mirror(ctx, types.OrderCompleted{Order: *leaderOrder, Result: *leaderOrder.Execution})

	mirrored, err := store.ListUserSpotOrders(ctx, 2, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListUserSpotOrders: %v", err)
	}
	if len(mirrored) != 1 {
		t.Fatalf("follower 2 has %d orders, want 1", len(mirrored))
	}
	if !mirrored[0].Amount.Equal(dec(t, "50")) {
		t.Fatalf("mirrored amount = %s, want 50 (ratio 0.5)", mirrored[0].Amount)
	}
	if mirrored[0].Status != types.OrderStatusCompleted {
		t.Fatalf("mirrored order status = %s", mirrored[0].Status)
	}

	skipped, _ := store.ListUserSpotOrders(ctx, 3, nil, 10, 0)
	if len(skipped) != 0 {
		t.Fatalf("follower 3 below balance floor got %d orders, want 0", len(skipped))
	}

	// The mirror's own completion event must not cascade again.
	d.Mirror(ctx, types.OrderCompleted{Order: mirrored[0], Result: *mirrored[0].Execution})
	again, _ := store.ListUserSpotOrders(ctx, 2, nil, 10, 0)
	if len(again) != 1 {
		t.Fatalf("mirror event cascaded: follower 2 has %d orders", len(again))
	}
}

type balanceStub map[int64]decimal.Decimal

func (b balanceStub) GetBalance(_ context.Context, userID int64, _ types.Network, _ string) (decimal.Decimal, error) {
	return b[userID], nil
}

func TestCopyDispatcherManyFollowersDoesNotWedgeFeed(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1")
	eng, store, _ := newTestEngine(t, router)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// More followers than the subscription buffer holds. Each mirror's
	// own completion flows back through the feed while Mirror is still
	// fanning out, so a dispatcher that stops draining wedges here.
	const followers = 80
	if err := store.EnsureUser(ctx, 1, "leader"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	balances := balanceStub{}
	for i := int64(0); i < followers; i++ {
		id := 100 + i
		if err := store.EnsureUser(ctx, id, "follower"); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
		f := types.Follower{LeaderID: 1, FollowerID: id, Ratio: dec(t, "0.1"), MinBalance: dec(t, "0"), Active: true}
		if err := store.SetFollower(ctx, f); err != nil {
			t.Fatalf("SetFollower: %v", err)
		}
		balances[id] = dec(t, "100")
	}

	d := NewCopyDispatcher(eng, store, balances, testLogger(t))
	go d.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let the subscription register

	if _, err := eng.CreateOrder(ctx, marketOrder("100", t)); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mirrored := 0
		for id := range balances {
			got, err := store.ListUserSpotOrders(ctx, id, nil, 5, 0)
			if err != nil {
				t.Fatalf("ListUserSpotOrders: %v", err)
			}
			if len(got) == 1 {
				mirrored++
			}
		}
		if mirrored == followers {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d followers mirrored before timeout", mirrored, followers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecentOrdersNewestFirstAndCapped(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1")
	eng, _, mem := newTestEngine(t, router)
	ctx := context.Background()

	const created = recentOrdersLimit + 5
	var lastID int64
	for i := 0; i < created; i++ {
		o, err := eng.CreateOrder(ctx, marketOrder("10", t))
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		lastID = o.ID
	}

	recent, err := eng.RecentOrders(ctx, 1)
	if err != nil {
		t.Fatalf("RecentOrders: %v", err)
	}
	if len(recent) != recentOrdersLimit {
		t.Fatalf("len = %d, want %d", len(recent), recentOrdersLimit)
	}
	if recent[0].ID != lastID {
		t.Fatalf("head = %d, want newest order %d", recent[0].ID, lastID)
	}

	ids, err := mem.LRange(ctx, recentOrdersKey(1), 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(ids) != recentOrdersLimit {
		t.Fatalf("cached list holds %d ids, want trimmed to %d", len(ids), recentOrdersLimit)
	}
}

func TestRecentOrdersColdCacheFallsBackToStore(t *testing.T) {
	t.Parallel()

	router := fullFillRouter(t, "1")
	eng, store, _ := newTestEngine(t, router)
	ctx := context.Background()

	first, err := eng.CreateOrder(ctx, marketOrder("10", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	second, err := eng.CreateOrder(ctx, marketOrder("20", t))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// A restarted process sees the same store but an empty cache.
	restarted := New(store, cache.NewMemory(), map[types.Network]Router{"TON": router},
		notify.Nop{}, nil, testConfig(), testLogger(t))

	recent, err := restarted.RecentOrders(ctx, 1)
	if err != nil {
		t.Fatalf("RecentOrders: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != second.ID || recent[1].ID != first.ID {
		t.Fatalf("recent = %+v, want [%d %d]", recent, second.ID, first.ID)
	}
}
