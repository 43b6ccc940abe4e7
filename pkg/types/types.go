// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the backend — spot and P2P
// orders, quotes, swap results, and ledger records. It has no dependencies
// on internal packages, so it can be imported by any layer. All monetary
// quantities are arbitrary-precision decimals; strings at the boundaries,
// never floats.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Network identifies a blockchain network. Uppercase ASCII symbol, e.g. "TON", "SOL".
type Network string

// OrderType enumerates the supported spot order lifecycles.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"      // executed once, synchronously, at creation
	OrderTypeStopLoss   OrderType = "STOP_LOSS"   // fires when price drops to or below trigger
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT" // fires when price rises to or above trigger
)

// OrderStatus is the spot order lifecycle state. Terminal states
// (COMPLETED, FAILED, CANCELLED) are absorbing: no further transitions.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed || s == OrderStatusCancelled
}

// Side represents the direction of a P2P advertisement: the maker BUYs or SELLs crypto.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ————————————————————————————————————————————————————————————————————————
// Spot orders
// ————————————————————————————————————————————————————————————————————————

// Conditions holds the trigger for a conditional (STOP_LOSS / TAKE_PROFIT)
// order. Non-nil iff the order type is not MARKET.
type Conditions struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Direction    OrderType       `json:"direction"` // STOP_LOSS or TAKE_PROFIT
}

// SpotOrder is a swap request owned by the order engine. IDs are monotonic.
type SpotOrder struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Type        OrderType       `json:"type"`
	Network     Network         `json:"network"`
	FromToken   string          `json:"from_token"`
	ToToken     string          `json:"to_token"`
	Amount      decimal.Decimal `json:"amount"`
	Conditions  *Conditions     `json:"conditions,omitempty"`
	Status      OrderStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	Execution   *SwapResult     `json:"execution_details,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Quotes and swaps
// ————————————————————————————————————————————————————————————————————————

// Quote is a non-binding price response from a venue. Ephemeral: memoized
// in the cache for a short TTL, never persisted as such.
type Quote struct {
	Venue        string          `json:"venue"`
	Network      Network         `json:"network"`
	InputAmount  decimal.Decimal `json:"input_amount"`
	OutputAmount decimal.Decimal `json:"output_amount"`
	Route        []string        `json:"route"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SwapResult is the outcome of an executed swap. When a venue fills only
// part of the requested amount, the aggregator cascades the remainder to
// the next venue and merges results: OutputAmount is the sum, AdditionalTx
// carries the remainder's hash, and PartialExecution is set.
type SwapResult struct {
	Venue            string          `json:"venue"`
	TxHash           string          `json:"tx_hash"`
	AdditionalTx     string          `json:"additional_tx,omitempty"`
	OutputAmount     decimal.Decimal `json:"output_amount"`
	PartialExecution bool            `json:"partial_execution,omitempty"`
}

// TokenInfo is venue-reported token metadata from GET /token/{address}.
type TokenInfo struct {
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Decimals    int             `json:"decimals"`
	TotalSupply decimal.Decimal `json:"total_supply,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// P2P
// ————————————————————————————————————————————————————————————————————————

// P2PStatus is the advertised-order state machine state.
type P2PStatus string

const (
	P2PStatusOpen        P2PStatus = "OPEN"
	P2PStatusInProgress  P2PStatus = "IN_PROGRESS"
	P2PStatusPaymentSent P2PStatus = "PAYMENT_SENT"
	P2PStatusCompleted   P2PStatus = "COMPLETED"
	P2PStatusCancelled   P2PStatus = "CANCELLED"
	P2PStatusDispute     P2PStatus = "DISPUTE"
	P2PStatusResolved    P2PStatus = "RESOLVED"
)

// Escrowed reports whether platform escrow holds the order's crypto in
// this state.
func (s P2PStatus) Escrowed() bool {
	return s == P2PStatusInProgress || s == P2PStatusPaymentSent || s == P2PStatusDispute
}

// Terminal reports whether the state admits no further transitions.
// DISPUTE is not terminal: admins resolve it to COMPLETED or CANCELLED.
func (s P2PStatus) Terminal() bool {
	return s == P2PStatusCompleted || s == P2PStatusCancelled
}

// P2POrder is a fiat-vs-crypto advertisement with platform escrow.
// TakerID is non-nil exactly when the order has progressed past OPEN.
type P2POrder struct {
	ID              int64           `json:"id"`
	MakerID         int64           `json:"maker_id"`
	TakerID         *int64          `json:"taker_id,omitempty"`
	Side            Side            `json:"side"`
	BaseCurrency    string          `json:"base_currency"`  // crypto symbol, e.g. "TON"
	QuoteCurrency   string          `json:"quote_currency"` // fiat or stable symbol, e.g. "USDT"
	Network         Network         `json:"network"`
	CryptoAmount    decimal.Decimal `json:"crypto_amount"`
	Price           decimal.Decimal `json:"price"` // quote units per base unit
	PaymentMethodID string          `json:"payment_method_id"`
	Status          P2PStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	DisputeReason   string          `json:"dispute_reason,omitempty"`
}

// P2PReview is a post-completion rating of the counterparty. One per
// party per completed order.
type P2PReview struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	AuthorID  int64     `json:"author_id"`
	SubjectID int64     `json:"subject_id"`
	Rating    int       `json:"rating"` // 1..5
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// P2PMessage is one chat line attached to an in-progress deal. Sides own
// their rows by order id; no back-references.
type P2PMessage struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	SenderID  int64     `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Ledger records
// ————————————————————————————————————————————————————————————————————————

// TxKind classifies a transactions-journal row.
type TxKind string

const (
	TxKindSwap          TxKind = "SWAP"
	TxKindEscrowHold    TxKind = "ESCROW_HOLD"
	TxKindEscrowRelease TxKind = "ESCROW_RELEASE"
	TxKindEscrowRefund  TxKind = "ESCROW_REFUND"
	TxKindFee           TxKind = "FEE"
	TxKindWithdrawal    TxKind = "WITHDRAWAL"
)

// Transaction is one balance-affecting event, journaled so that
// spendable+escrow always reconciles against deposits−withdrawals−fees.
type Transaction struct {
	ID        string          `json:"id"` // uuid
	UserID    int64           `json:"user_id"`
	Kind      TxKind          `json:"kind"`
	Network   Network         `json:"network"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"` // order id, tx hash, …
	CreatedAt time.Time       `json:"created_at"`
}

// Follower is one copy-trading subscription: follower mirrors the
// leader's completed trades at Ratio, provided their spendable balance
// stays at or above MinBalance.
type Follower struct {
	LeaderID   int64           `json:"leader_id"`
	FollowerID int64           `json:"follower_id"`
	Ratio      decimal.Decimal `json:"ratio"`
	MinBalance decimal.Decimal `json:"min_balance"`
	Active     bool            `json:"active"`
}

// OrderCompleted is published on the order engine's event feed whenever a
// spot order reaches COMPLETED. The copy dispatcher and the ops event
// stream subscribe to it.
type OrderCompleted struct {
	Order  SpotOrder
	Result SwapResult
}

// P2PStatusChanged is published on the p2p engine's event feed after
// every successful deal transition.
type P2PStatusChanged struct {
	Order P2POrder
}
