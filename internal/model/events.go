package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a domain event emitted by a core operation.
type EventType string

const (
	EventTradeCreated    EventType = "trade_created"
	EventSlotsPurchased  EventType = "slots_purchased"
	EventTradePurchased  EventType = "trade_purchased"
	EventTradeCompleted  EventType = "trade_completed"
	EventTradeClosed     EventType = "trade_closed"
	EventTradeRolledBack EventType = "trade_rolled_back"
	EventWalletCredited  EventType = "wallet_credited"
	EventWalletDebited   EventType = "wallet_debited"
)

// Event is a domain event returned by core operations for the caller to
// dispatch. Side effects (notifications, broadcasts) happen outside the
// transaction that produced them, so a failed dispatch never corrupts
// settlement state.
type Event struct {
	Type       EventType       `json:"type"`
	TradeID    string          `json:"trade_id,omitempty"`
	CarID      string          `json:"car_id,omitempty"`
	MerchantID string          `json:"merchant_id,omitempty"`
	Amount     decimal.Decimal `json:"amount,omitempty"`
	At         time.Time       `json:"at"`
}
