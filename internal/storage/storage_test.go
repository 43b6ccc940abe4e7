package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSpotOrderRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	o := &types.SpotOrder{
		UserID:    7,
		Type:      types.OrderTypeStopLoss,
		Network:   "SOL",
		FromToken: "SOL",
		ToToken:   "USDT",
		Amount:    dec("1"),
		Conditions: &types.Conditions{
			TriggerPrice: dec("95"),
			Direction:    types.OrderTypeStopLoss,
		},
	}
	if err := s.CreateSpotOrder(ctx, o); err != nil {
		t.Fatalf("CreateSpotOrder: %v", err)
	}
	if o.ID == 0 {
		t.Fatal("id not assigned")
	}

	got, err := s.GetSpotOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetSpotOrder: %v", err)
	}
	if got.Status != types.OrderStatusPending {
		t.Errorf("status = %s", got.Status)
	}
	if got.Conditions == nil || !got.Conditions.TriggerPrice.Equal(dec("95")) {
		t.Errorf("conditions = %+v", got.Conditions)
	}
	if !got.Amount.Equal(dec("1")) {
		t.Errorf("amount = %s", got.Amount)
	}
}

func TestSpotOrderIDsMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	var last int64
	for i := 0; i < 3; i++ {
		o := &types.SpotOrder{UserID: 1, Type: types.OrderTypeMarket, Network: "TON", FromToken: "TON", ToToken: "USDT", Amount: dec("1")}
		if err := s.CreateSpotOrder(ctx, o); err != nil {
			t.Fatalf("CreateSpotOrder: %v", err)
		}
		if o.ID <= last {
			t.Fatalf("id %d not monotonic after %d", o.ID, last)
		}
		last = o.ID
	}
}

func TestSpotOrderCASIsSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	o := &types.SpotOrder{UserID: 1, Type: types.OrderTypeMarket, Network: "TON", FromToken: "TON", ToToken: "USDT", Amount: dec("1")}
	if err := s.CreateSpotOrder(ctx, o); err != nil {
		t.Fatalf("CreateSpotOrder: %v", err)
	}

	now := time.Now()
	ok, err := s.CompleteSpotOrder(ctx, o.ID, &types.SwapResult{Venue: "stonfi", TxHash: "0x1", OutputAmount: dec("5")}, now)
	if err != nil || !ok {
		t.Fatalf("CompleteSpotOrder: ok=%v err=%v", ok, err)
	}

	// Losing attempts observe terminal state.
	if ok, _ := s.FailSpotOrder(ctx, o.ID, "late", now); ok {
		t.Error("FailSpotOrder succeeded on terminal order")
	}
	if ok, _ := s.CancelSpotOrder(ctx, o.ID, now); ok {
		t.Error("CancelSpotOrder succeeded on terminal order")
	}

	got, _ := s.GetSpotOrder(ctx, o.ID)
	if got.Status != types.OrderStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
	if got.Execution == nil || got.Execution.TxHash != "0x1" {
		t.Errorf("execution = %+v", got.Execution)
	}
}

func TestListUserSpotOrdersFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 4; i++ {
		o := &types.SpotOrder{UserID: 9, Type: types.OrderTypeMarket, Network: "TON", FromToken: "TON", ToToken: "USDT", Amount: dec("1")}
		if err := s.CreateSpotOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
		if i%2 == 0 {
			if _, err := s.CancelSpotOrder(ctx, o.ID, time.Now()); err != nil {
				t.Fatal(err)
			}
		}
	}

	cancelled := types.OrderStatusCancelled
	got, err := s.ListUserSpotOrders(ctx, 9, &cancelled, 10, 0)
	if err != nil {
		t.Fatalf("ListUserSpotOrders: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}

	all, err := s.ListUserSpotOrders(ctx, 9, nil, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("limit ignored: len = %d", len(all))
	}
	// Newest first.
	if len(all) >= 2 && all[0].ID < all[1].ID {
		t.Error("ordering is not newest-first")
	}
}

func TestP2POpenListingOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	prices := []string{"5.2", "5.0", "5.1"}
	for _, p := range prices {
		o := &types.P2POrder{
			MakerID: 1, Side: types.SideSell, BaseCurrency: "TON", QuoteCurrency: "USDT",
			Network: "TON", CryptoAmount: dec("10"), Price: dec(p), PaymentMethodID: "bank",
		}
		if err := s.CreateP2POrder(ctx, o, 24*time.Hour); err != nil {
			t.Fatal(err)
		}
	}

	sells, err := s.ListOpenP2POrders(ctx, OpenFilter{Side: types.SideSell})
	if err != nil {
		t.Fatalf("ListOpenP2POrders: %v", err)
	}
	if len(sells) != 3 {
		t.Fatalf("len = %d", len(sells))
	}
	// SELL ads: price descending.
	if !sells[0].Price.Equal(dec("5.2")) || !sells[2].Price.Equal(dec("5.0")) {
		t.Errorf("sell ordering = %s, %s, %s", sells[0].Price, sells[1].Price, sells[2].Price)
	}

	buys, err := s.ListOpenP2POrders(ctx, OpenFilter{Side: types.SideBuy})
	if err != nil {
		t.Fatal(err)
	}
	if len(buys) != 0 {
		t.Errorf("buy side should be empty, got %d", len(buys))
	}
}

func TestP2POpenListingOrderHighPrecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	// Prices differ only in the 19th significant digit — invisible to a
	// float64 comparison, distinct to a decimal one.
	prices := []string{"3.0000000000000000002", "3.0000000000000000001", "3.0000000000000000003"}
	for _, p := range prices {
		o := &types.P2POrder{
			MakerID: 1, Side: types.SideBuy, BaseCurrency: "TON", QuoteCurrency: "USDT",
			Network: "TON", CryptoAmount: dec("10"), Price: dec(p), PaymentMethodID: "bank",
		}
		if err := s.CreateP2POrder(ctx, o, 24*time.Hour); err != nil {
			t.Fatal(err)
		}
	}

	buys, err := s.ListOpenP2POrders(ctx, OpenFilter{Side: types.SideBuy})
	if err != nil {
		t.Fatalf("ListOpenP2POrders: %v", err)
	}
	if len(buys) != 3 {
		t.Fatalf("len = %d", len(buys))
	}
	// BUY side: strictly ascending under exact decimal comparison.
	for i := 0; i+1 < len(buys); i++ {
		if buys[i].Price.Cmp(buys[i+1].Price) >= 0 {
			t.Fatalf("misordered at %d: %s before %s", i, buys[i].Price, buys[i+1].Price)
		}
	}
}

func TestP2PTakeCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	o := &types.P2POrder{
		MakerID: 1, Side: types.SideSell, BaseCurrency: "TON", QuoteCurrency: "USDT",
		Network: "TON", CryptoAmount: dec("10"), Price: dec("5"), PaymentMethodID: "bank",
	}
	if err := s.CreateP2POrder(ctx, o, 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	ok, err := s.TakeP2POrder(ctx, o.ID, 2)
	if err != nil || !ok {
		t.Fatalf("TakeP2POrder: ok=%v err=%v", ok, err)
	}
	// Second taker loses.
	if ok, _ := s.TakeP2POrder(ctx, o.ID, 3); ok {
		t.Error("second take succeeded")
	}

	got, _ := s.GetP2POrder(ctx, o.ID)
	if got.TakerID == nil || *got.TakerID != 2 {
		t.Errorf("taker = %v", got.TakerID)
	}
	if got.Status != types.P2PStatusInProgress {
		t.Errorf("status = %s", got.Status)
	}
}

func TestP2PExpiredListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	o := &types.P2POrder{
		MakerID: 1, Side: types.SideSell, BaseCurrency: "TON", QuoteCurrency: "USDT",
		Network: "TON", CryptoAmount: dec("10"), Price: dec("5"), PaymentMethodID: "bank",
	}
	if err := s.CreateP2POrder(ctx, o, -time.Minute); err != nil {
		t.Fatal(err)
	}

	expired, err := s.ListExpiredOpen(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpiredOpen: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != o.ID {
		t.Errorf("expired = %v", expired)
	}
}

func TestReviewsAndRating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.EnsureUser(ctx, 5, "maker"); err != nil {
		t.Fatal(err)
	}

	r := &types.P2PReview{OrderID: 1, AuthorID: 2, SubjectID: 5, Rating: 5}
	if err := s.AddReview(ctx, r); err != nil {
		t.Fatalf("AddReview: %v", err)
	}
	// One review per (order, author).
	dup := &types.P2PReview{OrderID: 1, AuthorID: 2, SubjectID: 5, Rating: 1}
	if err := s.AddReview(ctx, dup); types.KindOf(err) != types.KindConflict {
		t.Errorf("duplicate review kind = %v, want conflict", types.KindOf(err))
	}

	r2 := &types.P2PReview{OrderID: 2, AuthorID: 3, SubjectID: 5, Rating: 4}
	if err := s.AddReview(ctx, r2); err != nil {
		t.Fatal(err)
	}

	avg, count, err := s.UserRating(ctx, 5)
	if err != nil {
		t.Fatalf("UserRating: %v", err)
	}
	if count != 2 || avg != 4.5 {
		t.Errorf("rating = %v (%d reviews), want 4.5 (2)", avg, count)
	}
}

func TestFollowersRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	f := types.Follower{LeaderID: 1, FollowerID: 2, Ratio: dec("0.5"), MinBalance: dec("10"), Active: true}
	if err := s.SetFollower(ctx, f); err != nil {
		t.Fatalf("SetFollower: %v", err)
	}
	inactive := types.Follower{LeaderID: 1, FollowerID: 3, Ratio: dec("1"), MinBalance: dec("0"), Active: false}
	if err := s.SetFollower(ctx, inactive); err != nil {
		t.Fatal(err)
	}

	got, err := s.ActiveFollowers(ctx, 1)
	if err != nil {
		t.Fatalf("ActiveFollowers: %v", err)
	}
	if len(got) != 1 || got[0].FollowerID != 2 || !got[0].Ratio.Equal(dec("0.5")) {
		t.Errorf("followers = %+v", got)
	}
}

func TestTransactionsJournalAndFeeTotals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	fee := &types.Transaction{UserID: 4, Kind: types.TxKindFee, Network: "TON", Token: "TON", Amount: dec("0.1"), Reference: "p2p:9"}
	if err := s.AppendTransaction(ctx, fee); err != nil {
		t.Fatalf("AppendTransaction: %v", err)
	}
	if fee.ID == "" {
		t.Error("transaction id not assigned")
	}
	swap := &types.Transaction{UserID: 4, Kind: types.TxKindSwap, Network: "TON", Token: "USDT", Amount: dec("5")}
	if err := s.AppendTransaction(ctx, swap); err != nil {
		t.Fatal(err)
	}

	listed, err := s.ListUserTransactions(ctx, 4, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Errorf("journal len = %d", len(listed))
	}

	totals, err := s.FeeTotalsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("FeeTotalsSince: %v", err)
	}
	if !totals[4].Equal(dec("0.1")) {
		t.Errorf("fee total = %s, want 0.1", totals[4])
	}
}

func TestRecordMarketData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	q := &types.Quote{Venue: "stonfi", Network: "TON", InputAmount: dec("1"), OutputAmount: dec("5.1"), Timestamp: time.Now()}
	if err := s.RecordMarketData(ctx, q, "TON", "USDT"); err != nil {
		t.Fatalf("RecordMarketData: %v", err)
	}
}
