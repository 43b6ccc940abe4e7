package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/GoYakushev/notlike/pkg/types"
)

// PlatformAccount receives fees on escrow release.
const PlatformAccount int64 = 0

type balanceKey struct {
	user    int64
	network types.Network
	token   string
}

type escrowEntry struct {
	owner  int64
	key    balanceKey
	amount decimal.Decimal
}

// Ledger is the in-memory Adapter. Thread-safe via RWMutex. Spendable
// balances and escrow entries are kept separately so the reconciliation
// invariant (spendable + escrow = deposits − withdrawals − fees) is
// checkable at any moment.
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]decimal.Decimal
	escrow   map[int64]escrowEntry // by order id
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]decimal.Decimal),
		escrow:   make(map[int64]escrowEntry),
	}
}

// Deposit credits a spendable balance. Used by the composition root to
// seed dev balances and by tests.
func (l *Ledger) Deposit(userID int64, network types.Network, token string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{userID, network, token}
	l.balances[k] = l.balances[k].Add(amount)
}

func (l *Ledger) GetBalance(ctx context.Context, userID int64, network types.Network, token string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey{userID, network, token}], nil
}

func (l *Ledger) Send(ctx context.Context, fromUser, toUser int64, network types.Network, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return types.Validationf("send amount must be > 0, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := balanceKey{fromUser, network, token}
	if l.balances[from].LessThan(amount) {
		return types.Conflictf("user %d has %s %s, needs %s", fromUser, l.balances[from], token, amount)
	}
	to := balanceKey{toUser, network, token}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *Ledger) ValidateAddress(ctx context.Context, address string, network types.Network) (bool, error) {
	// Opaque addresses: the ledger only rejects the obviously malformed.
	addr := strings.TrimSpace(address)
	return addr != "" && !strings.ContainsAny(addr, " \t\n"), nil
}

func (l *Ledger) CreateWithdrawal(ctx context.Context, userID int64, network types.Network, token, address string, amount decimal.Decimal) (*WithdrawalResult, error) {
	ok, err := l.ValidateAddress(ctx, address, network)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Validationf("address %q is not valid on %s", address, network)
	}
	if !amount.IsPositive() {
		return nil, types.Validationf("withdrawal amount must be > 0, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := balanceKey{userID, network, token}
	if l.balances[k].LessThan(amount) {
		return nil, types.Conflictf("user %d has %s %s, needs %s", userID, l.balances[k], token, amount)
	}
	l.balances[k] = l.balances[k].Sub(amount)

	return &WithdrawalResult{
		TxHash: fmt.Sprintf("wd-%d-%s", userID, amount),
		Status: "SUBMITTED",
	}, nil
}

func (l *Ledger) TransferEscrow(ctx context.Context, orderID int64, fromUser int64, network types.Network, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return types.Validationf("escrow amount must be > 0, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.escrow[orderID]; exists {
		return types.Conflictf("order %d already has an escrow entry", orderID)
	}
	k := balanceKey{fromUser, network, token}
	if l.balances[k].LessThan(amount) {
		return types.Conflictf("user %d has %s %s, needs %s for escrow", fromUser, l.balances[k], token, amount)
	}
	l.balances[k] = l.balances[k].Sub(amount)
	l.escrow[orderID] = escrowEntry{owner: fromUser, key: k, amount: amount}
	return nil
}

func (l *Ledger) ReleaseEscrow(ctx context.Context, orderID int64, toUser int64, fee decimal.Decimal) error {
	if fee.IsNegative() {
		return types.Validationf("fee must be >= 0, got %s", fee)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.escrow[orderID]
	if !ok {
		return types.NotFoundf("escrow entry for order %d", orderID)
	}
	if fee.GreaterThan(e.amount) {
		return types.Validationf("fee %s exceeds escrowed %s", fee, e.amount)
	}
	delete(l.escrow, orderID)

	to := balanceKey{toUser, e.key.network, e.key.token}
	l.balances[to] = l.balances[to].Add(e.amount.Sub(fee))
	if fee.IsPositive() {
		platform := balanceKey{PlatformAccount, e.key.network, e.key.token}
		l.balances[platform] = l.balances[platform].Add(fee)
	}
	return nil
}

func (l *Ledger) RefundEscrow(ctx context.Context, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.escrow[orderID]
	if !ok {
		return types.NotFoundf("escrow entry for order %d", orderID)
	}
	delete(l.escrow, orderID)
	l.balances[e.key] = l.balances[e.key].Add(e.amount)
	return nil
}

func (l *Ledger) EscrowedAmount(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.escrow[orderID]
	if !ok {
		return decimal.Zero, types.NotFoundf("escrow entry for order %d", orderID)
	}
	return e.amount, nil
}

// TotalHeld sums spendable + escrowed funds for a (user, network, token).
// Used by reconciliation checks.
func (l *Ledger) TotalHeld(userID int64, network types.Network, token string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := l.balances[balanceKey{userID, network, token}]
	for _, e := range l.escrow {
		if e.owner == userID && e.key.network == network && e.key.token == token {
			total = total.Add(e.amount)
		}
	}
	return total
}

var _ Adapter = (*Ledger)(nil)
