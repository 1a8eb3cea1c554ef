// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CarStatus is the lifecycle state of a car on the platform.
type CarStatus string

const (
	CarNew              CarStatus = "new"
	CarInspected        CarStatus = "inspected"
	CarAvailable        CarStatus = "available"
	CarOngoingTrade     CarStatus = "ongoing_trade"
	CarSold             CarStatus = "sold"
	CarArchived         CarStatus = "archived"
	CarFailedInspection CarStatus = "failed_inspection"
)

// TradeStatus is the lifecycle state of a trade.
// ongoing → purchased → completed → closed; expired is the timeout path.
type TradeStatus string

const (
	TradeOngoing   TradeStatus = "ongoing"
	TradePurchased TradeStatus = "purchased"
	TradeCompleted TradeStatus = "completed"
	TradeClosed    TradeStatus = "closed"
	TradeExpired   TradeStatus = "expired"
)

// DisbursementStatus is the settlement state of a computed payout.
type DisbursementStatus string

const (
	DisbursementUnsettled  DisbursementStatus = "unsettled"
	DisbursementSettled    DisbursementStatus = "settled"
	DisbursementRolledBack DisbursementStatus = "rolled_back"
)

// Settings holds the admin-configured percentage knobs read by every
// allocation computation. A single row exists; it is written once at
// bootstrap and rarely thereafter.
type Settings struct {
	ROTPercent        decimal.Decimal `json:"merchant_trade_rot_percentage" db:"rot_percent"`
	BonusPercent      decimal.Decimal `json:"bonus_percentage" db:"bonus_percent"`
	CommissionPercent decimal.Decimal `json:"carpadi_commission" db:"commission_percent"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Car is the asset a trade is opened on. BoughtPrice and MaintenanceCost
// form its cost basis; ResalePrice is set when the car is sold.
type Car struct {
	ID              string          `json:"id" db:"id"`
	VIN             string          `json:"vin" db:"vin"`
	Name            string          `json:"name" db:"name"`
	BoughtPrice     decimal.Decimal `json:"bought_price" db:"bought_price"`
	MaintenanceCost decimal.Decimal `json:"maintenance_cost" db:"maintenance_cost"`
	ResalePrice     decimal.Decimal `json:"resale_price" db:"resale_price"`
	Status          CarStatus       `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// TotalCost returns the car's cost basis: acquisition plus aggregated
// maintenance.
func (c *Car) TotalCost() decimal.Decimal {
	return c.BoughtPrice.Add(c.MaintenanceCost)
}

// Margin returns realized profit from the sale before any return deduction.
// Meaningful only once ResalePrice is set.
func (c *Car) Margin() decimal.Decimal {
	return c.ResalePrice.Sub(c.TotalCost())
}

// MaintenanceRecord is one maintenance expense booked against a car.
// Records are append-only; the car's MaintenanceCost is the running sum.
type MaintenanceRecord struct {
	ID          string          `json:"id" db:"id"`
	CarID       string          `json:"car_id" db:"car_id"`
	Description string          `json:"description" db:"description"`
	Cost        decimal.Decimal `json:"cost" db:"cost"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Trade is a fractional resale deal on one car (one-to-one). Merchants buy
// slots while the trade is ongoing; the financial fields below are computed
// once at completion and frozen — the car's cost basis is historical fact
// from that point, so they are never recomputed from live state.
type Trade struct {
	ID             string          `json:"id" db:"id"`
	CarID          string          `json:"car_id" db:"car_id"`
	SlotsAvailable int64           `json:"slots_available" db:"slots_available"`
	SlotsSold      int64           `json:"slots_sold" db:"slots_sold"`
	Status         TradeStatus     `json:"trade_status" db:"status"`
	PricePerSlot   decimal.Decimal `json:"price_per_slot" db:"price_per_slot"`
	MinSalePrice   decimal.Decimal `json:"min_sale_price" db:"min_sale_price"`
	MaxSalePrice   decimal.Decimal `json:"max_sale_price" db:"max_sale_price"`

	// Frozen at completion.
	Commission          decimal.Decimal `json:"carpadi_commission" db:"commission"`
	TotalCarpadiROT     decimal.Decimal `json:"total_carpadi_rot" db:"total_carpadi_rot"`
	CarpadiBonus        decimal.Decimal `json:"carpadi_bonus" db:"carpadi_bonus"`
	TradersBonusPerSlot decimal.Decimal `json:"traders_bonus_per_slot" db:"traders_bonus_per_slot"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SlotsRemaining returns how many slots are still open for purchase.
func (t *Trade) SlotsRemaining() int64 {
	return t.SlotsAvailable - t.SlotsSold
}

// TradeUnit is one merchant's purchase of N slots in a trade. UnitValue and
// EstimatedROT are frozen at purchase time.
type TradeUnit struct {
	ID              string          `json:"id" db:"id"`
	TradeID         string          `json:"trade_id" db:"trade_id"`
	MerchantID      string          `json:"merchant_id" db:"merchant_id"`
	SlotsQuantity   int64           `json:"slots_quantity" db:"slots_quantity"`
	UnitValue       decimal.Decimal `json:"unit_value" db:"unit_value"`
	SharePercentage decimal.Decimal `json:"share_percentage" db:"share_percentage"`
	EstimatedROT    decimal.Decimal `json:"estimated_rot" db:"estimated_rot"`

	BuyTransactionID string `json:"buy_transaction_id" db:"buy_transaction_id"`
	// Populated at completion.
	CheckoutTransactionID string `json:"checkout_transaction_id,omitempty" db:"checkout_transaction_id"`
	DisbursementID        string `json:"disbursement_id,omitempty" db:"disbursement_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Disbursement is the computed payout owed to one trade unit, created
// atomically with trade completion. Amount is immutable; only the status
// moves (unsettled → settled, or rolled_back).
type Disbursement struct {
	ID            string             `json:"id" db:"id"`
	TradeUnitID   string             `json:"trade_unit_id" db:"trade_unit_id"`
	TradeID       string             `json:"trade_id" db:"trade_id"`
	MerchantID    string             `json:"merchant_id" db:"merchant_id"`
	Amount        decimal.Decimal    `json:"amount" db:"amount"`
	Status        DisbursementStatus `json:"disbursement_status" db:"status"`
	TransactionID string             `json:"transaction_id" db:"transaction_id"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
}
