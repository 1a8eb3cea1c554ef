// Package ledger provides the money primitives of the trade engine: the
// four-bucket merchant Wallet and the immutable Transaction entry.
//
// Every wallet mutation in the system goes through Wallet.Apply — there is
// no other writer. Apply is driven purely by the transaction's
// (kind, type, status) triple, so the ledger alone is enough to replay a
// wallet's history.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a debit would take a bucket
	// below zero.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrUnsupportedTransaction is returned when Apply has no effect
	// defined for the transaction's (kind, type, status) triple.
	ErrUnsupportedTransaction = errors.New("ledger: unsupported transaction for wallet mutation")

	// ErrNonPositiveAmount is returned for zero or negative amounts.
	// Direction is carried by the transaction type, not the sign.
	ErrNonPositiveAmount = errors.New("ledger: transaction amount must be positive")

	// ErrInvariantViolated is returned when a mutation would break
	// balance == trading_cash + unsettled_cash + withdrawable_cash.
	ErrInvariantViolated = errors.New("ledger: wallet bucket invariant violated")
)

// TransactionType is the direction of a ledger entry from the wallet's
// point of view.
type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

// TransactionKind classifies what a ledger entry is for.
type TransactionKind string

const (
	KindDeposit           TransactionKind = "deposit"
	KindWithdrawal        TransactionKind = "withdrawal"
	KindTradeUnitPurchase TransactionKind = "trade_unit_purchase"
	KindDisbursement      TransactionKind = "disbursement"
)

// TransactionStatus is the settlement state of a ledger entry.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusSuccess    TransactionStatus = "success"
	StatusFailed     TransactionStatus = "failed"
	StatusUnsettled  TransactionStatus = "unsettled"
	StatusRolledBack TransactionStatus = "rolled_back"
	StatusCancelled  TransactionStatus = "cancelled"
)

// Transaction is an immutable ledger entry. Amount, type and kind never
// change after creation; only Status transitions (e.g. unsettled → success
// at close, or → rolled_back on compensation).
type Transaction struct {
	ID         string            `json:"id" db:"id"`
	MerchantID string            `json:"merchant_id" db:"merchant_id"`
	Kind       TransactionKind   `json:"transaction_kind" db:"kind"`
	Type       TransactionType   `json:"transaction_type" db:"type"`
	Status     TransactionStatus `json:"transaction_status" db:"status"`
	Amount     decimal.Decimal   `json:"amount" db:"amount"`
	// Reference links the entry to the trade or trade unit it belongs to.
	Reference string    `json:"reference,omitempty" db:"reference"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewTransaction creates a ledger entry with a fresh ID.
func NewTransaction(merchantID string, kind TransactionKind, typ TransactionType, status TransactionStatus, amount decimal.Decimal, reference string) *Transaction {
	return &Transaction{
		ID:         uuid.New().String(),
		MerchantID: merchantID,
		Kind:       kind,
		Type:       typ,
		Status:     status,
		Amount:     amount,
		Reference:  reference,
		CreatedAt:  time.Now().UTC(),
	}
}

// WithStatus returns a copy of the transaction in a new status. The copy is
// what gets applied to the wallet for status-transition effects; the stored
// row is updated separately.
func (t *Transaction) WithStatus(status TransactionStatus) *Transaction {
	c := *t
	c.Status = status
	return &c
}

// Wallet holds one merchant's funds split across four buckets.
//
//	balance == trading_cash + unsettled_cash + withdrawable_cash
//
// must hold after every mutation; Apply enforces it.
type Wallet struct {
	MerchantID       string          `json:"merchant_id" db:"merchant_id"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	TradingCash      decimal.Decimal `json:"trading_cash" db:"trading_cash"`
	UnsettledCash    decimal.Decimal `json:"unsettled_cash" db:"unsettled_cash"`
	WithdrawableCash decimal.Decimal `json:"withdrawable_cash" db:"withdrawable_cash"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// NewWallet creates an empty wallet for a merchant.
func NewWallet(merchantID string) *Wallet {
	return &Wallet{MerchantID: merchantID}
}

// CheckInvariant verifies balance == trading + unsettled + withdrawable and
// that no bucket is negative.
func (w *Wallet) CheckInvariant() error {
	sum := w.TradingCash.Add(w.UnsettledCash).Add(w.WithdrawableCash)
	if !w.Balance.Equal(sum) {
		return ErrInvariantViolated
	}
	if w.TradingCash.IsNegative() || w.UnsettledCash.IsNegative() ||
		w.WithdrawableCash.IsNegative() || w.Balance.IsNegative() {
		return ErrInvariantViolated
	}
	return nil
}

// Apply mutates the wallet buckets according to the transaction's
// (kind, type, status) triple. The full effect table:
//
//	deposit             credit success      balance+, withdrawable+
//	withdrawal          debit  success      balance-, withdrawable-
//	trade_unit_purchase debit  success      withdrawable- → trading+   (slot purchase)
//	trade_unit_purchase credit success      trading-, balance-         (principal consumed at completion)
//	trade_unit_purchase credit rolled_back  trading+, balance+         (completion reversed)
//	disbursement        credit unsettled    balance+, unsettled+       (payout computed)
//	disbursement        credit success      unsettled- → withdrawable+ (payout settled at close)
//	disbursement        credit rolled_back  unsettled-, balance-       (payout reversed)
//
// Any other triple is rejected. On error the wallet is left unchanged.
func (w *Wallet) Apply(tx *Transaction) error {
	if !tx.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}

	next := *w
	a := tx.Amount

	switch {
	case tx.Kind == KindDeposit && tx.Type == TypeCredit && tx.Status == StatusSuccess:
		next.Balance = next.Balance.Add(a)
		next.WithdrawableCash = next.WithdrawableCash.Add(a)

	case tx.Kind == KindWithdrawal && tx.Type == TypeDebit && tx.Status == StatusSuccess:
		if next.WithdrawableCash.LessThan(a) {
			return ErrInsufficientFunds
		}
		next.Balance = next.Balance.Sub(a)
		next.WithdrawableCash = next.WithdrawableCash.Sub(a)

	case tx.Kind == KindTradeUnitPurchase && tx.Type == TypeDebit && tx.Status == StatusSuccess:
		if next.WithdrawableCash.LessThan(a) {
			return ErrInsufficientFunds
		}
		next.WithdrawableCash = next.WithdrawableCash.Sub(a)
		next.TradingCash = next.TradingCash.Add(a)

	case tx.Kind == KindTradeUnitPurchase && tx.Type == TypeCredit && tx.Status == StatusSuccess:
		if next.TradingCash.LessThan(a) {
			return ErrInsufficientFunds
		}
		next.TradingCash = next.TradingCash.Sub(a)
		next.Balance = next.Balance.Sub(a)

	case tx.Kind == KindTradeUnitPurchase && tx.Type == TypeCredit && tx.Status == StatusRolledBack:
		next.TradingCash = next.TradingCash.Add(a)
		next.Balance = next.Balance.Add(a)

	case tx.Kind == KindDisbursement && tx.Type == TypeCredit && tx.Status == StatusUnsettled:
		next.UnsettledCash = next.UnsettledCash.Add(a)
		next.Balance = next.Balance.Add(a)

	case tx.Kind == KindDisbursement && tx.Type == TypeCredit && tx.Status == StatusSuccess:
		if next.UnsettledCash.LessThan(a) {
			return ErrInsufficientFunds
		}
		next.UnsettledCash = next.UnsettledCash.Sub(a)
		next.WithdrawableCash = next.WithdrawableCash.Add(a)

	case tx.Kind == KindDisbursement && tx.Type == TypeCredit && tx.Status == StatusRolledBack:
		if next.UnsettledCash.LessThan(a) {
			return ErrInsufficientFunds
		}
		next.UnsettledCash = next.UnsettledCash.Sub(a)
		next.Balance = next.Balance.Sub(a)

	default:
		return ErrUnsupportedTransaction
	}

	if err := next.CheckInvariant(); err != nil {
		return err
	}

	next.UpdatedAt = time.Now().UTC()
	*w = next
	return nil
}
