// Package p2p runs the fiat-vs-crypto escrow marketplace.
//
// The lifecycle is a strict state machine:
//
//	OPEN ──take──▶ IN_PROGRESS ──confirm──▶ PAYMENT_SENT ──release──▶ COMPLETED
//	  │                 │    │                  │    │
//	cancel/expiry    cancel  dispute         dispute │
//	  ▼                 ▼    ▼                  ▼    │
//	CANCELLED      CANCELLED DISPUTE ◀──────────┘    │
//	                         │  └──resolve(complete)─┴─▶ COMPLETED
//	                         └────resolve(refund)──────▶ CANCELLED
//
// Crypto enters platform escrow the moment a deal starts: from the maker
// on a SELL ad, from the taker on a BUY ad. COMPLETED releases it to the
// buying side net of the platform fee; CANCELLED after escrow refunds it.
// Every status write is a compare-and-set, so concurrent actors get a
// conflict instead of a double transition.
package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/internal/config"
	"github.com/GoYakushev/notlike/internal/notify"
	"github.com/GoYakushev/notlike/internal/storage"
	"github.com/GoYakushev/notlike/internal/telemetry"
	"github.com/GoYakushev/notlike/internal/wallet"
	"github.com/GoYakushev/notlike/pkg/types"
)

// Resolution is an admin's dispute verdict.
type Resolution string

const (
	ResolutionRefund   Resolution = "refund"   // escrow back to the seller, deal cancelled
	ResolutionComplete Resolution = "complete" // escrow to the buyer net of fee, deal completed
)

// Engine owns P2P order state and the escrow it implies.
type Engine struct {
	store    *storage.Store
	wallet   wallet.Adapter
	notifier notify.Notifier
	metrics  *telemetry.Metrics // may be nil
	logger   *slog.Logger

	feed event.Feed

	feeRate  decimal.Decimal
	orderTTL time.Duration
}

// SubscribeStatus delivers a P2PStatusChanged after every successful
// deal transition. The ops event stream subscribes to it.
func (e *Engine) SubscribeStatus(ch chan<- types.P2PStatusChanged) event.Subscription {
	return e.feed.Subscribe(ch)
}

func (e *Engine) publish(o *types.P2POrder) {
	e.feed.Send(types.P2PStatusChanged{Order: *o})
}

func New(store *storage.Store, w wallet.Adapter, notifier notify.Notifier,
	metrics *telemetry.Metrics, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		wallet:   w,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With("component", "p2p"),
		feeRate:  decimal.NewFromFloat(cfg.Fees.P2PPct).Div(decimal.NewFromInt(100)),
		orderTTL: cfg.P2P.OrderTTL,
	}
}

// seller returns the party whose crypto the deal escrows: the maker on a
// SELL ad, the taker on a BUY ad.
func seller(o *types.P2POrder) int64 {
	if o.Side == types.SideSell {
		return o.MakerID
	}
	if o.TakerID == nil {
		return 0
	}
	return *o.TakerID
}

// buyer returns the party receiving crypto on completion.
func buyer(o *types.P2POrder) int64 {
	if o.Side == types.SideBuy {
		return o.MakerID
	}
	if o.TakerID == nil {
		return 0
	}
	return *o.TakerID
}

func isParty(o *types.P2POrder, userID int64) bool {
	return o.MakerID == userID || (o.TakerID != nil && *o.TakerID == userID)
}

// Create publishes a new advertisement. It expires after the configured
// TTL unless taken.
func (e *Engine) Create(ctx context.Context, o *types.P2POrder) (*types.P2POrder, error) {
	switch {
	case o.MakerID <= 0:
		return nil, types.Validationf("maker id is required")
	case o.Side != types.SideBuy && o.Side != types.SideSell:
		return nil, types.Validationf("side must be BUY or SELL, got %q", o.Side)
	case o.BaseCurrency == "" || o.QuoteCurrency == "":
		return nil, types.Validationf("base and quote currencies are required")
	case o.Network == "":
		return nil, types.Validationf("network is required")
	case o.CryptoAmount.Sign() <= 0:
		return nil, types.Validationf("crypto amount must be positive, got %s", o.CryptoAmount)
	case o.Price.Sign() <= 0:
		return nil, types.Validationf("price must be positive, got %s", o.Price)
	case o.PaymentMethodID == "":
		return nil, types.Validationf("payment method is required")
	}

	if err := e.store.CreateP2POrder(ctx, o, e.orderTTL); err != nil {
		return nil, types.Fatalf(err, "persist p2p order")
	}
	e.countOp("p2p_create")
	e.logger.Info("p2p ad published",
		"order", o.ID, "maker", o.MakerID, "side", string(o.Side),
		"amount", o.CryptoAmount.String(), "price", o.Price.String())
	return o, nil
}

// Take binds takerID to an OPEN ad and escrows the seller's crypto. A
// failed escrow (insufficient funds) rolls the ad back to OPEN.
func (e *Engine) Take(ctx context.Context, orderID, takerID int64) (*types.P2POrder, error) {
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.MakerID == takerID {
		return nil, types.Validationf("cannot take your own ad")
	}
	if o.Status != types.P2PStatusOpen {
		return nil, types.Conflictf("p2p order %d is %s, not OPEN", orderID, o.Status)
	}
	if time.Now().After(o.ExpiresAt) {
		return nil, types.Conflictf("p2p order %d has expired", orderID)
	}

	won, err := e.store.TakeP2POrder(ctx, orderID, takerID)
	if err != nil {
		return nil, types.Fatalf(err, "take p2p order %d", orderID)
	}
	if !won {
		return nil, types.Conflictf("p2p order %d was taken or closed first", orderID)
	}
	o.Status = types.P2PStatusInProgress
	o.TakerID = &takerID

	sellerID := seller(o)
	if err := e.wallet.TransferEscrow(ctx, o.ID, sellerID, o.Network, o.BaseCurrency, o.CryptoAmount); err != nil {
		if rerr := e.store.ReopenP2POrder(ctx, o.ID); rerr != nil {
			e.logger.Error("take rollback failed", "order", o.ID, "error", rerr)
			return nil, types.Fatalf(rerr, "escrow failed and rollback failed for p2p order %d", o.ID)
		}
		e.logger.Warn("escrow hold rejected, ad reopened",
			"order", o.ID, "seller", sellerID, "error", err)
		return nil, err
	}
	e.journal(ctx, sellerID, types.TxKindEscrowHold, o, o.CryptoAmount)
	e.countOp("p2p_take")
	e.publish(o)

	e.notifyParties(ctx, o, "p2p_status",
		fmt.Sprintf("Deal #%d started: %s %s at %s %s", o.ID,
			o.CryptoAmount, o.BaseCurrency, o.Price, o.QuoteCurrency))
	e.logger.Info("p2p deal started", "order", o.ID, "taker", takerID, "escrowed_from", sellerID)
	return o, nil
}

// ConfirmPayment is the fiat payer (the crypto buyer) declaring the fiat
// leg settled. IN_PROGRESS → PAYMENT_SENT.
func (e *Engine) ConfirmPayment(ctx context.Context, orderID, userID int64) (*types.P2POrder, error) {
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isParty(o, userID) {
		return nil, types.NotFoundf("p2p order %d", orderID)
	}
	if userID != buyer(o) {
		return nil, types.Validationf("only the paying side can confirm payment")
	}

	won, err := e.store.TransitionP2POrder(ctx, orderID,
		[]types.P2PStatus{types.P2PStatusInProgress}, types.P2PStatusPaymentSent)
	if err != nil {
		return nil, types.Fatalf(err, "confirm payment on p2p order %d", orderID)
	}
	if !won {
		return nil, types.Conflictf("p2p order %d is %s, cannot confirm payment", orderID, o.Status)
	}
	o.Status = types.P2PStatusPaymentSent
	e.publish(o)

	e.notifyParties(ctx, o, "p2p_status",
		fmt.Sprintf("Deal #%d: payment marked as sent, waiting for release", o.ID))
	e.logger.Info("p2p payment confirmed", "order", orderID, "by", userID)
	return o, nil
}

// Release is the seller handing over escrow after verifying the fiat
// payment. PAYMENT_SENT → COMPLETED; escrow goes to the buyer net of the
// platform fee.
func (e *Engine) Release(ctx context.Context, orderID, userID int64) (*types.P2POrder, error) {
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isParty(o, userID) {
		return nil, types.NotFoundf("p2p order %d", orderID)
	}
	if userID != seller(o) {
		return nil, types.Validationf("only the escrowing side can release")
	}
	// Status before escrow: a retry on an already-settled deal is a
	// conflict, not an inconsistency — its escrow entry is legitimately
	// gone.
	if o.Status != types.P2PStatusPaymentSent {
		return nil, types.Conflictf("p2p order %d is %s, cannot release", orderID, o.Status)
	}
	if err := e.checkEscrow(ctx, o); err != nil {
		return nil, err
	}

	won, err := e.store.TransitionP2POrder(ctx, orderID,
		[]types.P2PStatus{types.P2PStatusPaymentSent}, types.P2PStatusCompleted)
	if err != nil {
		return nil, types.Fatalf(err, "complete p2p order %d", orderID)
	}
	if !won {
		return nil, types.Conflictf("p2p order %d is %s, cannot release", orderID, o.Status)
	}
	o.Status = types.P2PStatusCompleted

	if err := e.settle(ctx, o); err != nil {
		return nil, err
	}
	e.countOp("p2p_complete")
	e.publish(o)
	e.notifyParties(ctx, o, "p2p_status",
		fmt.Sprintf("Deal #%d completed. You can now rate your counterparty.", o.ID))
	e.logger.Info("p2p deal completed", "order", orderID)
	return o, nil
}

// settle pays escrow out to the buyer net of fee and journals both legs.
// An escrow failure after the status flip is an inconsistency: flagged
// for reconciliation, surfaced as fatal.
func (e *Engine) settle(ctx context.Context, o *types.P2POrder) error {
	fee := o.CryptoAmount.Mul(e.feeRate)
	buyerID := buyer(o)
	if err := e.wallet.ReleaseEscrow(ctx, o.ID, buyerID, fee); err != nil {
		e.flagInconsistent(ctx, o.ID)
		return types.Fatalf(err, "escrow release failed for completed p2p order %d", o.ID)
	}
	e.journal(ctx, buyerID, types.TxKindEscrowRelease, o, o.CryptoAmount.Sub(fee))
	if fee.Sign() > 0 {
		e.journal(ctx, buyerID, types.TxKindFee, o, fee)
	}
	return nil
}

// Cancel withdraws an ad or aborts a deal that has not reached
// PAYMENT_SENT. An OPEN ad is maker-only; an IN_PROGRESS deal may be
// aborted by either party and refunds the escrow.
func (e *Engine) Cancel(ctx context.Context, orderID, userID int64) (*types.P2POrder, error) {
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case types.P2PStatusOpen:
		if o.MakerID != userID {
			return nil, types.NotFoundf("p2p order %d", orderID)
		}
		won, err := e.store.TransitionP2POrder(ctx, orderID,
			[]types.P2PStatus{types.P2PStatusOpen}, types.P2PStatusCancelled)
		if err != nil {
			return nil, types.Fatalf(err, "cancel p2p order %d", orderID)
		}
		if !won {
			return nil, types.Conflictf("p2p order %d was taken or closed first", orderID)
		}
		o.Status = types.P2PStatusCancelled
		e.publish(o)
		e.logger.Info("p2p ad withdrawn", "order", orderID)
		return o, nil

	case types.P2PStatusInProgress:
		if !isParty(o, userID) {
			return nil, types.NotFoundf("p2p order %d", orderID)
		}
		won, err := e.store.TransitionP2POrder(ctx, orderID,
			[]types.P2PStatus{types.P2PStatusInProgress}, types.P2PStatusCancelled)
		if err != nil {
			return nil, types.Fatalf(err, "cancel p2p order %d", orderID)
		}
		if !won {
			return nil, types.Conflictf("p2p order %d moved on, refresh and retry", orderID)
		}
		o.Status = types.P2PStatusCancelled
		if err := e.refund(ctx, o); err != nil {
			return nil, err
		}
		e.publish(o)
		e.notifyParties(ctx, o, "p2p_status", fmt.Sprintf("Deal #%d cancelled, escrow refunded", o.ID))
		e.logger.Info("p2p deal aborted", "order", orderID, "by", userID)
		return o, nil

	default:
		return nil, types.Conflictf("p2p order %d is %s; disputes are the only way out after payment is sent",
			orderID, o.Status)
	}
}

// OpenDispute freezes the deal for admin review. Allowed to either party
// from IN_PROGRESS or PAYMENT_SENT.
func (e *Engine) OpenDispute(ctx context.Context, orderID, userID int64, reason string) (*types.P2POrder, error) {
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isParty(o, userID) {
		return nil, types.NotFoundf("p2p order %d", orderID)
	}
	if reason == "" {
		return nil, types.Validationf("a dispute reason is required")
	}

	won, err := e.store.SetP2PDispute(ctx, orderID, reason)
	if err != nil {
		return nil, types.Fatalf(err, "dispute p2p order %d", orderID)
	}
	if !won {
		return nil, types.Conflictf("p2p order %d is %s, cannot be disputed", orderID, o.Status)
	}
	o.Status = types.P2PStatusDispute
	o.DisputeReason = reason
	e.publish(o)

	e.notifyParties(ctx, o, "p2p_dispute",
		fmt.Sprintf("Deal #%d is under dispute: %s", o.ID, reason))
	e.logger.Warn("p2p dispute opened", "order", orderID, "by", userID, "reason", reason)
	return o, nil
}

// ResolveDispute applies an admin verdict to a DISPUTE order. Caller
// authorization is the presentation layer's responsibility.
func (e *Engine) ResolveDispute(ctx context.Context, orderID int64, verdict Resolution) (*types.P2POrder, error) {
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != types.P2PStatusDispute {
		return nil, types.Conflictf("p2p order %d is %s, not DISPUTE", orderID, o.Status)
	}
	if err := e.checkEscrow(ctx, o); err != nil {
		return nil, err
	}

	var target types.P2PStatus
	switch verdict {
	case ResolutionRefund:
		target = types.P2PStatusCancelled
	case ResolutionComplete:
		target = types.P2PStatusCompleted
	default:
		return nil, types.Validationf("unknown resolution %q", verdict)
	}

	won, err := e.store.TransitionP2POrder(ctx, orderID,
		[]types.P2PStatus{types.P2PStatusDispute}, target)
	if err != nil {
		return nil, types.Fatalf(err, "resolve p2p order %d", orderID)
	}
	if !won {
		return nil, types.Conflictf("p2p order %d is %s, not DISPUTE", orderID, o.Status)
	}
	o.Status = target

	if verdict == ResolutionRefund {
		if err := e.refund(ctx, o); err != nil {
			return nil, err
		}
	} else {
		if err := e.settle(ctx, o); err != nil {
			return nil, err
		}
	}
	e.publish(o)
	e.notifyParties(ctx, o, "p2p_dispute",
		fmt.Sprintf("Deal #%d dispute resolved: %s", o.ID, verdict))
	e.logger.Info("p2p dispute resolved", "order", orderID, "verdict", string(verdict))
	return o, nil
}

// SweepExpired cancels OPEN ads past their TTL. Run periodically by the
// scheduler; returns the number of ads closed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired, err := e.store.ListExpiredOpen(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired p2p orders: %w", err)
	}

	var swept int
	for i := range expired {
		o := &expired[i]
		won, err := e.store.TransitionP2POrder(ctx, o.ID,
			[]types.P2PStatus{types.P2PStatusOpen}, types.P2PStatusCancelled)
		if err != nil {
			return swept, fmt.Errorf("expire p2p order %d: %w", o.ID, err)
		}
		if !won {
			continue // taken between listing and sweep
		}
		swept++
		o.Status = types.P2PStatusCancelled
		e.publish(o)
		e.notifier.Notify(ctx, notify.Event{
			UserID: o.MakerID,
			Kind:   "p2p_status",
			Text:   fmt.Sprintf("Your ad #%d expired without a taker", o.ID),
		})
	}
	if swept > 0 {
		e.logger.Info("expired p2p ads swept", "count", swept)
	}
	return swept, nil
}

// Get returns one ad. Ads are public; deal internals are not scoped here.
func (e *Engine) Get(ctx context.Context, orderID int64) (*types.P2POrder, error) {
	return e.store.GetP2POrder(ctx, orderID)
}

// ListOpen returns the order book for one side of the market.
func (e *Engine) ListOpen(ctx context.Context, f storage.OpenFilter) ([]types.P2POrder, error) {
	if f.Side != types.SideBuy && f.Side != types.SideSell {
		return nil, types.Validationf("side filter must be BUY or SELL")
	}
	return e.store.ListOpenP2POrders(ctx, f)
}

// AddMessage appends to the deal chat. Parties only, active deals only.
func (e *Engine) AddMessage(ctx context.Context, orderID, senderID int64, body string) (*types.P2PMessage, error) {
	if body == "" {
		return nil, types.Validationf("message body is required")
	}
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isParty(o, senderID) {
		return nil, types.NotFoundf("p2p order %d", orderID)
	}
	if !o.Status.Escrowed() {
		return nil, types.Conflictf("p2p order %d chat is closed (%s)", orderID, o.Status)
	}

	m := &types.P2PMessage{OrderID: orderID, SenderID: senderID, Body: body}
	if err := e.store.AddP2PMessage(ctx, m); err != nil {
		return nil, types.Fatalf(err, "store p2p message")
	}
	return m, nil
}

// Messages returns the deal chat, parties only.
func (e *Engine) Messages(ctx context.Context, orderID, userID int64) ([]types.P2PMessage, error) {
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isParty(o, userID) {
		return nil, types.NotFoundf("p2p order %d", orderID)
	}
	return e.store.ListP2PMessages(ctx, orderID)
}

// AddReview rates the counterparty on a COMPLETED deal. One review per
// party per deal; the subject is always the other party.
func (e *Engine) AddReview(ctx context.Context, orderID, authorID, rating int64, comment string) (*types.P2PReview, error) {
	if rating < 1 || rating > 5 {
		return nil, types.Validationf("rating must be 1..5, got %d", rating)
	}
	o, err := e.store.GetP2POrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isParty(o, authorID) {
		return nil, types.NotFoundf("p2p order %d", orderID)
	}
	if o.Status != types.P2PStatusCompleted {
		return nil, types.Conflictf("p2p order %d is %s; only completed deals take reviews", orderID, o.Status)
	}

	subject := o.MakerID
	if authorID == o.MakerID {
		subject = *o.TakerID
	}
	r := &types.P2PReview{
		OrderID:   orderID,
		AuthorID:  authorID,
		SubjectID: subject,
		Rating:    int(rating),
		Comment:   comment,
	}
	if err := e.store.AddReview(ctx, r); err != nil {
		return nil, err
	}
	e.countOp("p2p_review")
	return r, nil
}

// checkEscrow verifies the held amount matches the order before any
// release or refund. A mismatch is an inconsistency: flag and stop.
func (e *Engine) checkEscrow(ctx context.Context, o *types.P2POrder) error {
	held, err := e.wallet.EscrowedAmount(ctx, o.ID)
	if err != nil || !held.Equal(o.CryptoAmount) {
		e.flagInconsistent(ctx, o.ID)
		return types.Fatalf(err, "escrow for p2p order %d holds %s, order says %s",
			o.ID, held, o.CryptoAmount)
	}
	return nil
}

func (e *Engine) refund(ctx context.Context, o *types.P2POrder) error {
	if err := e.wallet.RefundEscrow(ctx, o.ID); err != nil {
		e.flagInconsistent(ctx, o.ID)
		return types.Fatalf(err, "escrow refund failed for p2p order %d", o.ID)
	}
	e.journal(ctx, seller(o), types.TxKindEscrowRefund, o, o.CryptoAmount)
	return nil
}

func (e *Engine) flagInconsistent(ctx context.Context, orderID int64) {
	if err := e.store.MarkP2PReconcile(ctx, orderID); err != nil {
		e.logger.Error("reconcile flag write failed", "order", orderID, "error", err)
	}
	e.logger.Error("escrow inconsistency", "order", orderID)
}

func (e *Engine) journal(ctx context.Context, userID int64, kind types.TxKind, o *types.P2POrder, amount decimal.Decimal) {
	if err := e.store.AppendTransaction(ctx, &types.Transaction{
		UserID:    userID,
		Kind:      kind,
		Network:   o.Network,
		Token:     o.BaseCurrency,
		Amount:    amount,
		Reference: strconv.FormatInt(o.ID, 10),
	}); err != nil {
		e.logger.Error("p2p journal failed", "order", o.ID, "kind", string(kind), "error", err)
	}
}

func (e *Engine) notifyParties(ctx context.Context, o *types.P2POrder, kind, text string) {
	e.notifier.Notify(ctx, notify.Event{UserID: o.MakerID, Kind: kind, Text: text})
	if o.TakerID != nil {
		e.notifier.Notify(ctx, notify.Event{UserID: *o.TakerID, Kind: kind, Text: text})
	}
}

func (e *Engine) countOp(op string) {
	if e.metrics != nil {
		e.metrics.UserOperations.WithLabelValues(op).Inc()
	}
}
