// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/carpadi/trade-engine/internal/ledger"
	"github.com/carpadi/trade-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned on unique-constraint conflicts, e.g.
	// opening a second trade on the same car.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrSlotsUnavailable is returned when ReserveSlots cannot satisfy the
	// requested quantity. This is the oversell guard: the check and the
	// increment are one atomic compare-and-swap.
	ErrSlotsUnavailable = errors.New("store: not enough slots available")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for read-only endpoints.
type Store interface {
	// WithTx runs fn against a transaction-bound store. Every state
	// transition (slot purchase, completion, close, rollback) executes
	// inside one WithTx call: either every write in fn commits, or none do.
	WithTx(ctx context.Context, fn func(Store) error) error

	// --- Settings (singleton row) ---

	// GetSettings returns the platform percentage knobs.
	GetSettings(ctx context.Context) (*model.Settings, error)

	// SaveSettings upserts the singleton settings row.
	SaveSettings(ctx context.Context, s *model.Settings) error

	// --- Cars & cost accounting ---

	CreateCar(ctx context.Context, car *model.Car) error
	GetCar(ctx context.Context, id string) (*model.Car, error)
	ListCars(ctx context.Context) ([]model.Car, error)

	// UpdateCar persists mutable car fields (status, resale price,
	// aggregated maintenance cost).
	UpdateCar(ctx context.Context, car *model.Car) error

	// AddMaintenanceRecord appends a maintenance expense.
	AddMaintenanceRecord(ctx context.Context, rec *model.MaintenanceRecord) error
	GetMaintenanceRecords(ctx context.Context, carID string) ([]model.MaintenanceRecord, error)

	// --- Trades ---

	// CreateTrade persists a new trade. At most one trade exists per car.
	CreateTrade(ctx context.Context, trade *model.Trade) error
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	GetTradeByCar(ctx context.Context, carID string) (*model.Trade, error)
	ListTrades(ctx context.Context) ([]model.Trade, error)

	UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) error

	// SaveTradeFinancials persists the trade's computed financial fields,
	// status and completion time in one write (compute-then-freeze at
	// completion, reset on rollback).
	SaveTradeFinancials(ctx context.Context, trade *model.Trade) error

	// ReserveSlots atomically increments slots_sold by quantity if and only
	// if the trade is ongoing and enough slots remain, and returns the
	// post-increment slots_sold. Callers must use the returned count, not a
	// previously loaded trade, to decide whether the trade just sold out:
	// under concurrent reservations the pre-read count is stale. Returns
	// ErrSlotsUnavailable when the quantity cannot be satisfied.
	ReserveSlots(ctx context.Context, tradeID string, quantity int64) (int64, error)

	// --- Trade units ---

	CreateTradeUnit(ctx context.Context, unit *model.TradeUnit) error
	GetTradeUnits(ctx context.Context, tradeID string) ([]model.TradeUnit, error)
	GetTradeUnitsByMerchant(ctx context.Context, merchantID string) ([]model.TradeUnit, error)

	// UpdateTradeUnitSettlement links a unit to its disbursement and
	// checkout transaction at completion (empty strings clear the link on
	// rollback).
	UpdateTradeUnitSettlement(ctx context.Context, unitID, checkoutTxID, disbursementID string) error

	// --- Disbursements ---

	CreateDisbursement(ctx context.Context, dis *model.Disbursement) error
	GetDisbursementsByTrade(ctx context.Context, tradeID string) ([]model.Disbursement, error)
	UpdateDisbursementStatus(ctx context.Context, id string, status model.DisbursementStatus) error

	// --- Wallets & transactions ---

	GetWallet(ctx context.Context, merchantID string) (*ledger.Wallet, error)

	// EnsureWallet returns the merchant's wallet, creating an empty one
	// when none exists. Provisioning races resolve in the store
	// (insert-if-absent, then a locked re-read), so two concurrent first
	// deposits serialize instead of overwriting each other.
	EnsureWallet(ctx context.Context, merchantID string) (*ledger.Wallet, error)

	// SaveWallet upserts a wallet's bucket values. Callers mutate wallets
	// exclusively through ledger.Wallet.Apply before saving.
	SaveWallet(ctx context.Context, w *ledger.Wallet) error

	CreateTransaction(ctx context.Context, tx *ledger.Transaction) error
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
	GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]ledger.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status ledger.TransactionStatus) error
}
