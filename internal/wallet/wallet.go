// Package wallet defines the wallet adapter contract (C8) and an
// in-memory ledger implementation.
//
// The core never touches private keys: signing, chains, and addresses
// live behind the Adapter. Engines request balance deltas; the adapter
// owns the balances. The Ledger implementation keeps spendable and
// escrowed funds per (user, network, token) and backs the dev
// composition and the test suites.
package wallet

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

// WithdrawalResult is returned by CreateWithdrawal.
type WithdrawalResult struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

// Adapter is the external wallet collaborator. All amounts are positive
// decimals; implementations reject anything else.
type Adapter interface {
	GetBalance(ctx context.Context, userID int64, network types.Network, token string) (decimal.Decimal, error)
	Send(ctx context.Context, fromUser, toUser int64, network types.Network, token string, amount decimal.Decimal) error
	ValidateAddress(ctx context.Context, address string, network types.Network) (bool, error)
	CreateWithdrawal(ctx context.Context, userID int64, network types.Network, token, address string, amount decimal.Decimal) (*WithdrawalResult, error)

	// TransferEscrow moves amount from fromUser's spendable balance into
	// the escrow ledger entry tagged by orderID. One entry per order.
	TransferEscrow(ctx context.Context, orderID int64, fromUser int64, network types.Network, token string, amount decimal.Decimal) error
	// ReleaseEscrow credits the escrowed amount net of fee to toUser and
	// books the fee to the platform account.
	ReleaseEscrow(ctx context.Context, orderID int64, toUser int64, fee decimal.Decimal) error
	// RefundEscrow returns the escrowed amount to its original owner, net
	// of nothing.
	RefundEscrow(ctx context.Context, orderID int64) error
	// EscrowedAmount reports the amount currently held for orderID; zero
	// with KindNotFound when no entry exists.
	EscrowedAmount(ctx context.Context, orderID int64) (decimal.Decimal, error)
}
