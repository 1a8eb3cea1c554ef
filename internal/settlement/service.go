// Package settlement orchestrates the trade lifecycle: slot purchase,
// completion (car sold, payouts computed), close (payouts settled into
// withdrawable funds) and rollback (completion reversed).
//
// Every transition runs inside one store transaction — either the whole
// transition commits or none of it does. Per-trade mutexes serialize
// transitions on the same trade within this instance; the store's
// compare-and-swap slot reservation guards overselling even across
// instances.
//
// All monetary values use shopspring/decimal — never float64 for money.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carpadi/trade-engine/internal/allocation"
	"github.com/carpadi/trade-engine/internal/ledger"
	"github.com/carpadi/trade-engine/internal/metrics"
	"github.com/carpadi/trade-engine/internal/model"
	"github.com/carpadi/trade-engine/internal/store"
)

var (
	// ErrCarNotAvailable is returned when opening a trade on a car that is
	// not in the available state.
	ErrCarNotAvailable = errors.New("settlement: car is not available for trading")

	// ErrCarNotServiceable is returned when booking maintenance against a
	// car whose cost basis is already frozen under a trade.
	ErrCarNotServiceable = errors.New("settlement: car cost basis is frozen")

	// ErrInvalidTransition is returned when the trade is not in a state
	// that allows the requested transition.
	ErrInvalidTransition = errors.New("settlement: invalid trade state for this operation")

	// ErrInvalidQuantity is returned for a non-positive slot quantity.
	ErrInvalidQuantity = errors.New("settlement: slot quantity must be positive")

	// ErrInvalidAmount is returned for a non-positive monetary amount.
	ErrInvalidAmount = errors.New("settlement: amount must be positive")

	// ErrResaleOutOfBounds is returned when the resale price falls outside
	// the trade's configured sale price bounds.
	ErrResaleOutOfBounds = errors.New("settlement: resale price outside sale price bounds")

	// ErrUnbalancedSettlement indicates the computed disbursements do not
	// balance against the expected payout. This is a consistency failure,
	// not a recoverable condition: it aborts the transition and requires
	// manual intervention.
	ErrUnbalancedSettlement = errors.New("settlement: disbursements do not balance against payout")
)

// Service coordinates the allocation engine and the trade state machine
// over the store.
type Service struct {
	store store.Store
	hub   *EventHub // optional, nil disables broadcasting

	// One mutex per trade ID. Serializes transitions per trade in this
	// instance; the database CAS covers multi-instance deployments.
	locks sync.Map
}

// NewService creates a settlement service. Pass nil for hub if event
// broadcasting is not needed.
func NewService(st store.Store, hub *EventHub) *Service {
	return &Service{store: st, hub: hub}
}

func (s *Service) lockTrade(tradeID string) func() {
	v, _ := s.locks.LoadOrStore(tradeID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// dispatch logs and broadcasts domain events after a committed transition.
func (s *Service) dispatch(events []model.Event) {
	for _, e := range events {
		slog.Info("domain event",
			"type", e.Type,
			"trade_id", e.TradeID,
			"merchant_id", e.MerchantID,
			"amount", e.Amount.String(),
		)
		if s.hub != nil {
			s.hub.Broadcast(e)
		}
	}
}

func event(t model.EventType, tradeID, carID, merchantID string, amount decimal.Decimal) model.Event {
	return model.Event{
		Type:       t,
		TradeID:    tradeID,
		CarID:      carID,
		MerchantID: merchantID,
		Amount:     amount,
		At:         time.Now().UTC(),
	}
}

func track(operation string) func() {
	start := time.Now()
	return func() {
		metrics.SettlementLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// --- Cars & cost accounting ---

// CreateCar registers a car ready for trading. Inspection happens upstream;
// the engine receives cars already cleared for sale.
func (s *Service) CreateCar(ctx context.Context, vin, name string, boughtPrice decimal.Decimal) (*model.Car, error) {
	if !boughtPrice.IsPositive() {
		return nil, ErrInvalidAmount
	}
	car := &model.Car{
		ID:          uuid.New().String(),
		VIN:         vin,
		Name:        name,
		BoughtPrice: boughtPrice,
		Status:      model.CarAvailable,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateCar(ctx, car); err != nil {
		return nil, err
	}
	return car, nil
}

// AddMaintenance books a maintenance expense against a car and folds it
// into the car's aggregated cost basis. Rejected once a trade is open on
// the car: price-per-slot is derived from the cost basis at trade creation
// and must not drift afterwards.
func (s *Service) AddMaintenance(ctx context.Context, carID, description string, cost decimal.Decimal) (*model.Car, error) {
	if !cost.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var updated *model.Car
	err := s.store.WithTx(ctx, func(st store.Store) error {
		car, err := st.GetCar(ctx, carID)
		if err != nil {
			return err
		}
		switch car.Status {
		case model.CarNew, model.CarInspected, model.CarAvailable:
		default:
			return ErrCarNotServiceable
		}

		rec := &model.MaintenanceRecord{
			ID:          uuid.New().String(),
			CarID:       carID,
			Description: description,
			Cost:        cost,
			CreatedAt:   time.Now().UTC(),
		}
		if err := st.AddMaintenanceRecord(ctx, rec); err != nil {
			return err
		}

		car.MaintenanceCost = car.MaintenanceCost.Add(cost)
		if err := st.UpdateCar(ctx, car); err != nil {
			return err
		}
		updated = car
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --- Trade creation ---

// CreateTrade opens a trade on an available car: the car moves to
// ongoing_trade and the price per slot is frozen from the car's cost basis.
func (s *Service) CreateTrade(ctx context.Context, carID string, slots int64, minSale, maxSale decimal.Decimal) (*model.Trade, []model.Event, error) {
	if minSale.IsNegative() || maxSale.IsNegative() ||
		(maxSale.IsPositive() && minSale.GreaterThan(maxSale)) {
		return nil, nil, ErrInvalidAmount
	}

	var trade *model.Trade
	var events []model.Event
	err := s.store.WithTx(ctx, func(st store.Store) error {
		car, err := st.GetCar(ctx, carID)
		if err != nil {
			return err
		}
		if car.Status != model.CarAvailable {
			return ErrCarNotAvailable
		}

		pricePerSlot, err := allocation.PricePerSlot(car.TotalCost(), slots)
		if err != nil {
			return err
		}

		trade = &model.Trade{
			ID:             uuid.New().String(),
			CarID:          carID,
			SlotsAvailable: slots,
			Status:         model.TradeOngoing,
			PricePerSlot:   pricePerSlot,
			MinSalePrice:   minSale,
			MaxSalePrice:   maxSale,
			CreatedAt:      time.Now().UTC(),
		}
		if err := st.CreateTrade(ctx, trade); err != nil {
			return err
		}

		car.Status = model.CarOngoingTrade
		if err := st.UpdateCar(ctx, car); err != nil {
			return err
		}

		events = append(events, event(model.EventTradeCreated, trade.ID, carID, "", decimal.Zero))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.TradeTransitions.WithLabelValues(string(model.TradeOngoing)).Inc()
	metrics.OngoingTrades.Inc()
	slog.Info("trade created",
		"trade_id", trade.ID,
		"car_id", carID,
		"slots", slots,
		"price_per_slot", trade.PricePerSlot.String(),
	)
	s.dispatch(events)
	return trade, events, nil
}

// --- Slot purchase ---

// PurchaseSlots sells quantity slots of a trade to a merchant. The
// purchase debits the merchant's withdrawable cash into trading cash and
// records a buy transaction. When the last slot sells, the trade moves to
// purchased in the same transaction.
func (s *Service) PurchaseSlots(ctx context.Context, tradeID, merchantID string, quantity int64) (*model.TradeUnit, []model.Event, error) {
	defer track("purchase")()
	if quantity <= 0 {
		return nil, nil, ErrInvalidQuantity
	}

	unlock := s.lockTrade(tradeID)
	defer unlock()

	var unit *model.TradeUnit
	var events []model.Event
	var soldOut bool
	err := s.store.WithTx(ctx, func(st store.Store) error {
		trade, err := st.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != model.TradeOngoing {
			return ErrInvalidTransition
		}

		// Oversell guard: check-and-increment is one atomic operation. The
		// returned count is the only sold-out signal that survives a
		// concurrent reservation from another instance; trade.SlotsSold was
		// read before the increment and may be stale.
		sold, err := st.ReserveSlots(ctx, tradeID, quantity)
		if err != nil {
			return err
		}

		car, err := st.GetCar(ctx, trade.CarID)
		if err != nil {
			return err
		}
		settings, err := st.GetSettings(ctx)
		if err != nil {
			return err
		}

		unitValue := trade.PricePerSlot.Mul(decimal.NewFromInt(quantity))

		wallet, err := st.GetWallet(ctx, merchantID)
		if err != nil {
			return err
		}

		buyTx := ledger.NewTransaction(merchantID, ledger.KindTradeUnitPurchase,
			ledger.TypeDebit, ledger.StatusSuccess, unitValue, tradeID)
		if err := wallet.Apply(buyTx); err != nil {
			return err
		}
		if err := st.CreateTransaction(ctx, buyTx); err != nil {
			return err
		}
		if err := st.SaveWallet(ctx, wallet); err != nil {
			return err
		}

		unit = &model.TradeUnit{
			ID:               uuid.New().String(),
			TradeID:          tradeID,
			MerchantID:       merchantID,
			SlotsQuantity:    quantity,
			UnitValue:        unitValue,
			SharePercentage:  allocation.SharePercentage(quantity, trade.SlotsAvailable),
			EstimatedROT:     allocation.EstimatedReturn(car.TotalCost(), trade.SlotsAvailable, settings.ROTPercent, quantity),
			BuyTransactionID: buyTx.ID,
			CreatedAt:        time.Now().UTC(),
		}
		if err := st.CreateTradeUnit(ctx, unit); err != nil {
			return err
		}

		events = append(events,
			event(model.EventSlotsPurchased, tradeID, trade.CarID, merchantID, unitValue),
			event(model.EventWalletDebited, tradeID, "", merchantID, unitValue),
		)

		// Last slot sold: the trade is fully subscribed. Same transaction
		// as the purchase, so a crash cannot leave a sold-out ongoing
		// trade, and whichever purchase lands the final slot flips it.
		if sold == trade.SlotsAvailable {
			if err := st.UpdateTradeStatus(ctx, tradeID, model.TradePurchased); err != nil {
				return err
			}
			soldOut = true
			events = append(events, event(model.EventTradePurchased, tradeID, trade.CarID, "", decimal.Zero))
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSlotsUnavailable):
			metrics.SlotRejections.WithLabelValues("slots").Inc()
		case errors.Is(err, ledger.ErrInsufficientFunds):
			metrics.SlotRejections.WithLabelValues("funds").Inc()
		}
		return nil, nil, err
	}

	metrics.SlotsPurchased.Add(float64(quantity))
	metrics.WalletMutations.WithLabelValues(string(ledger.KindTradeUnitPurchase)).Inc()
	if soldOut {
		metrics.TradeTransitions.WithLabelValues(string(model.TradePurchased)).Inc()
		metrics.OngoingTrades.Dec()
	}
	slog.Info("slots purchased",
		"trade_id", tradeID,
		"merchant_id", merchantID,
		"quantity", quantity,
		"unit_value", unit.UnitValue.String(),
		"sold_out", soldOut,
	)
	s.dispatch(events)
	return unit, events, nil
}

// --- Completion ---

// CompleteTrade records the car's sale and computes every unit's payout.
// The allocation runs once; the resulting trade financials are frozen and
// one unsettled disbursement is created per unit, each with its paired
// ledger entries. The car moves to sold.
func (s *Service) CompleteTrade(ctx context.Context, tradeID string, resalePrice decimal.Decimal) (*model.Trade, []model.Event, error) {
	defer track("complete")()

	unlock := s.lockTrade(tradeID)
	defer unlock()

	var trade *model.Trade
	var events []model.Event
	err := s.store.WithTx(ctx, func(st store.Store) error {
		var err error
		trade, err = st.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != model.TradePurchased {
			return ErrInvalidTransition
		}
		if trade.MinSalePrice.IsPositive() && resalePrice.LessThan(trade.MinSalePrice) {
			return ErrResaleOutOfBounds
		}
		if trade.MaxSalePrice.IsPositive() && resalePrice.GreaterThan(trade.MaxSalePrice) {
			return ErrResaleOutOfBounds
		}

		car, err := st.GetCar(ctx, trade.CarID)
		if err != nil {
			return err
		}
		settings, err := st.GetSettings(ctx)
		if err != nil {
			return err
		}
		units, err := st.GetTradeUnits(ctx, tradeID)
		if err != nil {
			return err
		}

		in := allocation.Input{
			TotalCost:      car.TotalCost(),
			ResalePrice:    resalePrice,
			SlotsAvailable: trade.SlotsAvailable,
			ROTPercent:     settings.ROTPercent,
			BonusPercent:   settings.BonusPercent,
			Units:          make([]allocation.Unit, len(units)),
		}
		for i, u := range units {
			in.Units[i] = allocation.Unit{SlotsQuantity: u.SlotsQuantity, UnitValue: u.UnitValue}
		}
		breakdown, err := allocation.Allocate(in)
		if err != nil {
			return err
		}

		// Post-hoc consistency assertion: payouts plus the platform take
		// must balance against the resale proceeds (and the explicit
		// subsidy when margin falls short of the guaranteed return). A
		// mismatch means an upstream computation bug, never data to keep.
		// The zero floor on per-unit amounts can only push the total up,
		// so the upper-bound check applies only when no amount floored.
		total := breakdown.TotalPayout().Add(breakdown.CarpadiTotalROT)
		want := resalePrice.Add(breakdown.Shortfall)
		tolerance := decimal.New(1, -allocation.MoneyScale).
			Mul(decimal.NewFromInt(int64(len(units) + 1)))
		if total.LessThan(want.Sub(tolerance)) {
			return ErrUnbalancedSettlement
		}
		floored := false
		for _, a := range breakdown.UnitAmounts {
			if a.IsZero() {
				floored = true
				break
			}
		}
		if !floored && total.GreaterThan(want.Add(tolerance)) {
			return ErrUnbalancedSettlement
		}

		wallets := make(map[string]*ledger.Wallet)
		loadWallet := func(merchantID string) (*ledger.Wallet, error) {
			if w, ok := wallets[merchantID]; ok {
				return w, nil
			}
			w, err := st.GetWallet(ctx, merchantID)
			if err != nil {
				return nil, err
			}
			wallets[merchantID] = w
			return w, nil
		}

		created := 0
		for i, unit := range units {
			amount := breakdown.UnitAmounts[i]

			wallet, err := loadWallet(unit.MerchantID)
			if err != nil {
				return err
			}

			// The locked principal is consumed by the sale; it comes back
			// to the merchant inside the disbursement amount.
			release := ledger.NewTransaction(unit.MerchantID, ledger.KindTradeUnitPurchase,
				ledger.TypeCredit, ledger.StatusSuccess, unit.UnitValue, unit.ID)
			if err := wallet.Apply(release); err != nil {
				return err
			}
			if err := st.CreateTransaction(ctx, release); err != nil {
				return err
			}

			dis := &model.Disbursement{
				ID:          uuid.New().String(),
				TradeUnitID: unit.ID,
				TradeID:     tradeID,
				MerchantID:  unit.MerchantID,
				Amount:      amount,
				Status:      model.DisbursementUnsettled,
				CreatedAt:   time.Now().UTC(),
			}

			// A zero payout (extreme deficit) gets a disbursement record
			// but no ledger entry.
			if amount.IsPositive() {
				payout := ledger.NewTransaction(unit.MerchantID, ledger.KindDisbursement,
					ledger.TypeCredit, ledger.StatusUnsettled, amount, unit.ID)
				if err := wallet.Apply(payout); err != nil {
					return err
				}
				if err := st.CreateTransaction(ctx, payout); err != nil {
					return err
				}
				dis.TransactionID = payout.ID
			}

			if err := st.CreateDisbursement(ctx, dis); err != nil {
				return err
			}
			if err := st.UpdateTradeUnitSettlement(ctx, unit.ID, dis.TransactionID, dis.ID); err != nil {
				return err
			}
			created++

			events = append(events, event(model.EventWalletCredited, tradeID, "", unit.MerchantID, amount))
		}
		if created != len(units) {
			return ErrUnbalancedSettlement
		}

		for _, w := range wallets {
			if err := st.SaveWallet(ctx, w); err != nil {
				return err
			}
		}

		// Compute-then-freeze: payout numbers are historical facts from
		// here on.
		now := time.Now().UTC()
		trade.Status = model.TradeCompleted
		trade.Commission = breakdown.Commission
		trade.TotalCarpadiROT = breakdown.CarpadiTotalROT
		trade.CarpadiBonus = breakdown.CarpadiBonus
		trade.TradersBonusPerSlot = breakdown.TradersBonusPerSlot
		trade.CompletedAt = &now
		if err := st.SaveTradeFinancials(ctx, trade); err != nil {
			return err
		}

		car.ResalePrice = resalePrice
		car.Status = model.CarSold
		if err := st.UpdateCar(ctx, car); err != nil {
			return err
		}

		events = append(events, event(model.EventTradeCompleted, tradeID, trade.CarID, "", resalePrice))
		metrics.DisbursementsCreated.Add(float64(created))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.TradeTransitions.WithLabelValues(string(model.TradeCompleted)).Inc()
	slog.Info("trade completed",
		"trade_id", tradeID,
		"resale_price", resalePrice.String(),
		"total_carpadi_rot", trade.TotalCarpadiROT.String(),
	)
	s.dispatch(events)
	return trade, events, nil
}

// --- Close ---

// CloseTrade settles every disbursement of a completed trade: unsettled
// cash moves to withdrawable cash and the trade reaches its terminal
// state. The whole close is one transaction; if any disbursement is not
// unsettled going in, nothing settles. Closing a closed trade is rejected,
// so wallets can never be double-credited.
func (s *Service) CloseTrade(ctx context.Context, tradeID string) (*model.Trade, []model.Event, error) {
	defer track("close")()

	unlock := s.lockTrade(tradeID)
	defer unlock()

	var trade *model.Trade
	var events []model.Event
	err := s.store.WithTx(ctx, func(st store.Store) error {
		var err error
		trade, err = st.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != model.TradeCompleted {
			return ErrInvalidTransition
		}

		units, err := st.GetTradeUnits(ctx, tradeID)
		if err != nil {
			return err
		}
		all, err := st.GetDisbursementsByTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		// Rolled-back records from reversed completions are dead; anything
		// already settled on a merely completed trade is corrupt state.
		disbursements := all[:0:0]
		for _, d := range all {
			switch d.Status {
			case model.DisbursementUnsettled:
				disbursements = append(disbursements, d)
			case model.DisbursementSettled:
				return ErrInvalidTransition
			}
		}
		if len(disbursements) != len(units) {
			return ErrUnbalancedSettlement
		}

		wallets := make(map[string]*ledger.Wallet)
		for _, d := range disbursements {
			if d.TransactionID != "" {
				wallet, ok := wallets[d.MerchantID]
				if !ok {
					wallet, err = st.GetWallet(ctx, d.MerchantID)
					if err != nil {
						return err
					}
					wallets[d.MerchantID] = wallet
				}

				tx, err := st.GetTransaction(ctx, d.TransactionID)
				if err != nil {
					return err
				}
				if err := wallet.Apply(tx.WithStatus(ledger.StatusSuccess)); err != nil {
					return err
				}
				if err := st.UpdateTransactionStatus(ctx, tx.ID, ledger.StatusSuccess); err != nil {
					return err
				}
			}
			if err := st.UpdateDisbursementStatus(ctx, d.ID, model.DisbursementSettled); err != nil {
				return err
			}
			events = append(events, event(model.EventWalletCredited, tradeID, "", d.MerchantID, d.Amount))
		}

		for _, w := range wallets {
			if err := st.SaveWallet(ctx, w); err != nil {
				return err
			}
		}

		if err := st.UpdateTradeStatus(ctx, tradeID, model.TradeClosed); err != nil {
			return err
		}
		events = append(events, event(model.EventTradeClosed, tradeID, trade.CarID, "", decimal.Zero))
		trade.Status = model.TradeClosed
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.TradeTransitions.WithLabelValues(string(model.TradeClosed)).Inc()
	metrics.WalletMutations.WithLabelValues(string(ledger.KindDisbursement)).Inc()
	slog.Info("trade closed", "trade_id", tradeID)
	s.dispatch(events)
	return trade, events, nil
}

// --- Rollback ---

// RollbackTrade is the compensating transition for an erroneous
// completion: disbursements and their ledger entries are rolled back,
// locked principal returns to trading cash, the trade's frozen financials
// reset to zero and the car reverts to ongoing_trade. Only a completed
// trade can roll back — once closed, funds have reached withdrawable
// wallets and the completion is permanent.
func (s *Service) RollbackTrade(ctx context.Context, tradeID string) (*model.Trade, []model.Event, error) {
	defer track("rollback")()

	unlock := s.lockTrade(tradeID)
	defer unlock()

	var trade *model.Trade
	var events []model.Event
	err := s.store.WithTx(ctx, func(st store.Store) error {
		var err error
		trade, err = st.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != model.TradeCompleted {
			return ErrInvalidTransition
		}

		car, err := st.GetCar(ctx, trade.CarID)
		if err != nil {
			return err
		}
		units, err := st.GetTradeUnits(ctx, tradeID)
		if err != nil {
			return err
		}
		disbursements, err := st.GetDisbursementsByTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		// Earlier rollbacks leave rolled_back records behind; only the
		// unsettled ones belong to the completion being reversed.
		disByUnit := make(map[string]model.Disbursement, len(units))
		for _, d := range disbursements {
			if d.Status == model.DisbursementUnsettled {
				disByUnit[d.TradeUnitID] = d
			}
		}

		wallets := make(map[string]*ledger.Wallet)
		for _, unit := range units {
			wallet, ok := wallets[unit.MerchantID]
			if !ok {
				wallet, err = st.GetWallet(ctx, unit.MerchantID)
				if err != nil {
					return err
				}
				wallets[unit.MerchantID] = wallet
			}

			d, ok := disByUnit[unit.ID]
			if !ok {
				return ErrUnbalancedSettlement
			}

			// Reverse the payout first, then restore the locked principal.
			if d.TransactionID != "" {
				payout, err := st.GetTransaction(ctx, d.TransactionID)
				if err != nil {
					return err
				}
				if err := wallet.Apply(payout.WithStatus(ledger.StatusRolledBack)); err != nil {
					return err
				}
				if err := st.UpdateTransactionStatus(ctx, payout.ID, ledger.StatusRolledBack); err != nil {
					return err
				}
			}
			if err := st.UpdateDisbursementStatus(ctx, d.ID, model.DisbursementRolledBack); err != nil {
				return err
			}

			release, err := findRelease(ctx, st, unit)
			if err != nil {
				return err
			}
			if err := wallet.Apply(release.WithStatus(ledger.StatusRolledBack)); err != nil {
				return err
			}
			if err := st.UpdateTransactionStatus(ctx, release.ID, ledger.StatusRolledBack); err != nil {
				return err
			}

			if err := st.UpdateTradeUnitSettlement(ctx, unit.ID, "", ""); err != nil {
				return err
			}
			events = append(events, event(model.EventWalletDebited, tradeID, "", unit.MerchantID, d.Amount))
		}

		for _, w := range wallets {
			if err := st.SaveWallet(ctx, w); err != nil {
				return err
			}
		}

		trade.Status = model.TradePurchased
		trade.Commission = decimal.Zero
		trade.TotalCarpadiROT = decimal.Zero
		trade.CarpadiBonus = decimal.Zero
		trade.TradersBonusPerSlot = decimal.Zero
		trade.CompletedAt = nil
		if err := st.SaveTradeFinancials(ctx, trade); err != nil {
			return err
		}

		car.ResalePrice = decimal.Zero
		car.Status = model.CarOngoingTrade
		if err := st.UpdateCar(ctx, car); err != nil {
			return err
		}

		events = append(events, event(model.EventTradeRolledBack, tradeID, trade.CarID, "", decimal.Zero))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.TradeTransitions.WithLabelValues(string(model.TradePurchased)).Inc()
	slog.Info("trade rolled back", "trade_id", tradeID)
	s.dispatch(events)
	return trade, events, nil
}

// findRelease locates the principal-release ledger entry written for a
// unit at completion.
func findRelease(ctx context.Context, st store.Store, unit model.TradeUnit) (*ledger.Transaction, error) {
	txs, err := st.GetTransactionsByMerchant(ctx, unit.MerchantID)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		tx := &txs[i]
		if tx.Reference == unit.ID &&
			tx.Kind == ledger.KindTradeUnitPurchase &&
			tx.Type == ledger.TypeCredit &&
			tx.Status == ledger.StatusSuccess {
			return tx, nil
		}
	}
	return nil, ErrUnbalancedSettlement
}

// --- Wallet flows (deposits and withdrawals are external money movement;
// the engine records them so purchases have funds to draw on) ---

// Deposit credits a merchant's withdrawable cash, creating the wallet on
// first use.
func (s *Service) Deposit(ctx context.Context, merchantID string, amount decimal.Decimal) (*ledger.Wallet, []model.Event, error) {
	if !amount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}

	var wallet *ledger.Wallet
	err := s.store.WithTx(ctx, func(st store.Store) error {
		// EnsureWallet resolves first-deposit races in the store: a plain
		// GetWallet-or-create here would let two concurrent deposits both
		// start from an empty wallet and one credit would be lost.
		var err error
		wallet, err = st.EnsureWallet(ctx, merchantID)
		if err != nil {
			return err
		}

		tx := ledger.NewTransaction(merchantID, ledger.KindDeposit,
			ledger.TypeCredit, ledger.StatusSuccess, amount, "")
		if err := wallet.Apply(tx); err != nil {
			return err
		}
		if err := st.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		return st.SaveWallet(ctx, wallet)
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.WalletMutations.WithLabelValues(string(ledger.KindDeposit)).Inc()
	events := []model.Event{event(model.EventWalletCredited, "", "", merchantID, amount)}
	s.dispatch(events)
	return wallet, events, nil
}

// Withdraw debits a merchant's withdrawable cash.
func (s *Service) Withdraw(ctx context.Context, merchantID string, amount decimal.Decimal) (*ledger.Wallet, []model.Event, error) {
	if !amount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}

	var wallet *ledger.Wallet
	err := s.store.WithTx(ctx, func(st store.Store) error {
		var err error
		wallet, err = st.GetWallet(ctx, merchantID)
		if err != nil {
			return err
		}

		tx := ledger.NewTransaction(merchantID, ledger.KindWithdrawal,
			ledger.TypeDebit, ledger.StatusSuccess, amount, "")
		if err := wallet.Apply(tx); err != nil {
			return err
		}
		if err := st.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		return st.SaveWallet(ctx, wallet)
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.WalletMutations.WithLabelValues(string(ledger.KindWithdrawal)).Inc()
	events := []model.Event{event(model.EventWalletDebited, "", "", merchantID, amount)}
	s.dispatch(events)
	return wallet, events, nil
}
