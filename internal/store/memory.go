package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/carpadi/trade-engine/internal/ledger"
	"github.com/carpadi/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// WithTx runs the callback against a deep-copied snapshot and swaps it in
// only on success, so abort-on-error semantics behave like a database
// transaction. Transactions are serialized under one lock.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

type memoryState struct {
	settings     *model.Settings
	cars         map[string]*model.Car
	maintenance  []model.MaintenanceRecord
	trades       map[string]*model.Trade
	units        map[string]*model.TradeUnit
	disbursement map[string]*model.Disbursement
	wallets      map[string]*ledger.Wallet
	transactions map[string]*ledger.Transaction
	txOrder      []string // insertion order for listing
}

func newMemoryState() *memoryState {
	return &memoryState{
		cars:         make(map[string]*model.Car),
		trades:       make(map[string]*model.Trade),
		units:        make(map[string]*model.TradeUnit),
		disbursement: make(map[string]*model.Disbursement),
		wallets:      make(map[string]*ledger.Wallet),
		transactions: make(map[string]*ledger.Transaction),
	}
}

func (st *memoryState) clone() *memoryState {
	c := newMemoryState()
	if st.settings != nil {
		s := *st.settings
		c.settings = &s
	}
	for id, car := range st.cars {
		v := *car
		c.cars[id] = &v
	}
	c.maintenance = append([]model.MaintenanceRecord(nil), st.maintenance...)
	for id, t := range st.trades {
		v := *t
		if t.CompletedAt != nil {
			at := *t.CompletedAt
			v.CompletedAt = &at
		}
		c.trades[id] = &v
	}
	for id, u := range st.units {
		v := *u
		c.units[id] = &v
	}
	for id, d := range st.disbursement {
		v := *d
		c.disbursement[id] = &v
	}
	for id, w := range st.wallets {
		v := *w
		c.wallets[id] = &v
	}
	for id, tx := range st.transactions {
		v := *tx
		c.transactions[id] = &v
	}
	c.txOrder = append([]string(nil), st.txOrder...)
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (s *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	txStore := &MemoryStore{state: snapshot}
	if err := fn(txStore); err != nil {
		return err
	}
	s.state = snapshot
	return nil
}

// --- Settings ---

func (s *MemoryStore) GetSettings(_ context.Context) (*model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.settings == nil {
		return nil, fmt.Errorf("settings: %w", ErrNotFound)
	}
	v := *s.state.settings
	return &v, nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, set *model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *set
	s.state.settings = &v
	return nil
}

// --- Cars ---

func (s *MemoryStore) CreateCar(_ context.Context, car *model.Car) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.cars[car.ID]; ok {
		return fmt.Errorf("car %s: %w", car.ID, ErrAlreadyExists)
	}
	v := *car
	s.state.cars[car.ID] = &v
	return nil
}

func (s *MemoryStore) GetCar(_ context.Context, id string) (*model.Car, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	car, ok := s.state.cars[id]
	if !ok {
		return nil, fmt.Errorf("car %s: %w", id, ErrNotFound)
	}
	v := *car
	return &v, nil
}

func (s *MemoryStore) ListCars(_ context.Context) ([]model.Car, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cars := make([]model.Car, 0, len(s.state.cars))
	for _, c := range s.state.cars {
		cars = append(cars, *c)
	}
	return cars, nil
}

func (s *MemoryStore) UpdateCar(_ context.Context, car *model.Car) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.cars[car.ID]; !ok {
		return fmt.Errorf("car %s: %w", car.ID, ErrNotFound)
	}
	v := *car
	s.state.cars[car.ID] = &v
	return nil
}

func (s *MemoryStore) AddMaintenanceRecord(_ context.Context, rec *model.MaintenanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.cars[rec.CarID]; !ok {
		return fmt.Errorf("car %s: %w", rec.CarID, ErrNotFound)
	}
	s.state.maintenance = append(s.state.maintenance, *rec)
	return nil
}

func (s *MemoryStore) GetMaintenanceRecords(_ context.Context, carID string) ([]model.MaintenanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MaintenanceRecord
	for _, r := range s.state.maintenance {
		if r.CarID == carID {
			result = append(result, r)
		}
	}
	return result, nil
}

// --- Trades ---

func (s *MemoryStore) CreateTrade(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.trades {
		if existing.CarID == trade.CarID {
			return fmt.Errorf("trade for car %s: %w", trade.CarID, ErrAlreadyExists)
		}
	}
	v := *trade
	s.state.trades[trade.ID] = &v
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.getTrade(id)
}

func (st *memoryState) getTrade(id string) (*model.Trade, error) {
	t, ok := st.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	v := *t
	return &v, nil
}

func (s *MemoryStore) GetTradeByCar(_ context.Context, carID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.state.trades {
		if t.CarID == carID {
			v := *t
			return &v, nil
		}
	}
	return nil, fmt.Errorf("trade for car %s: %w", carID, ErrNotFound)
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]model.Trade, 0, len(s.state.trades))
	for _, t := range s.state.trades {
		trades = append(trades, *t)
	}
	return trades, nil
}

func (s *MemoryStore) UpdateTradeStatus(_ context.Context, id string, status model.TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.state.trades[id]
	if !ok {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) SaveTradeFinancials(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.state.trades[trade.ID]
	if !ok {
		return fmt.Errorf("trade %s: %w", trade.ID, ErrNotFound)
	}
	t.Status = trade.Status
	t.Commission = trade.Commission
	t.TotalCarpadiROT = trade.TotalCarpadiROT
	t.CarpadiBonus = trade.CarpadiBonus
	t.TradersBonusPerSlot = trade.TradersBonusPerSlot
	if trade.CompletedAt != nil {
		at := *trade.CompletedAt
		t.CompletedAt = &at
	} else {
		t.CompletedAt = nil
	}
	return nil
}

func (s *MemoryStore) ReserveSlots(_ context.Context, tradeID string, quantity int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.state.trades[tradeID]
	if !ok {
		return 0, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	if t.Status != model.TradeOngoing || t.SlotsSold+quantity > t.SlotsAvailable {
		return 0, ErrSlotsUnavailable
	}
	t.SlotsSold += quantity
	return t.SlotsSold, nil
}

// --- Trade units ---

func (s *MemoryStore) CreateTradeUnit(_ context.Context, unit *model.TradeUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *unit
	s.state.units[unit.ID] = &v
	return nil
}

func (s *MemoryStore) GetTradeUnits(_ context.Context, tradeID string) ([]model.TradeUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeUnit
	for _, u := range s.state.units {
		if u.TradeID == tradeID {
			result = append(result, *u)
		}
	}
	sortUnits(result)
	return result, nil
}

func (s *MemoryStore) GetTradeUnitsByMerchant(_ context.Context, merchantID string) ([]model.TradeUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeUnit
	for _, u := range s.state.units {
		if u.MerchantID == merchantID {
			result = append(result, *u)
		}
	}
	sortUnits(result)
	return result, nil
}

func (s *MemoryStore) UpdateTradeUnitSettlement(_ context.Context, unitID, checkoutTxID, disbursementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.state.units[unitID]
	if !ok {
		return fmt.Errorf("trade unit %s: %w", unitID, ErrNotFound)
	}
	u.CheckoutTransactionID = checkoutTxID
	u.DisbursementID = disbursementID
	return nil
}

// --- Disbursements ---

func (s *MemoryStore) CreateDisbursement(_ context.Context, dis *model.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *dis
	s.state.disbursement[dis.ID] = &v
	return nil
}

func (s *MemoryStore) GetDisbursementsByTrade(_ context.Context, tradeID string) ([]model.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Disbursement
	for _, d := range s.state.disbursement {
		if d.TradeID == tradeID {
			result = append(result, *d)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateDisbursementStatus(_ context.Context, id string, status model.DisbursementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.state.disbursement[id]
	if !ok {
		return fmt.Errorf("disbursement %s: %w", id, ErrNotFound)
	}
	d.Status = status
	return nil
}

// --- Wallets & transactions ---

func (s *MemoryStore) GetWallet(_ context.Context, merchantID string) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.state.wallets[merchantID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", merchantID, ErrNotFound)
	}
	v := *w
	return &v, nil
}

func (s *MemoryStore) EnsureWallet(_ context.Context, merchantID string) (*ledger.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.state.wallets[merchantID]
	if !ok {
		w = ledger.NewWallet(merchantID)
		s.state.wallets[merchantID] = w
	}
	v := *w
	return &v, nil
}

func (s *MemoryStore) SaveWallet(_ context.Context, w *ledger.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := *w
	s.state.wallets[w.MerchantID] = &v
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrAlreadyExists)
	}
	v := *tx
	s.state.transactions[tx.ID] = &v
	s.state.txOrder = append(s.state.txOrder, tx.ID)
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	v := *tx
	return &v, nil
}

func (s *MemoryStore) GetTransactionsByMerchant(_ context.Context, merchantID string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.Transaction
	for _, id := range s.state.txOrder {
		tx := s.state.transactions[id]
		if tx.MerchantID == merchantID {
			result = append(result, *tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateTransactionStatus(_ context.Context, id string, status ledger.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.state.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	tx.Status = status
	return nil
}

// sortUnits orders units by creation time so settlement iterates
// deterministically.
func sortUnits(units []model.TradeUnit) {
	sort.Slice(units, func(i, j int) bool {
		if units[i].CreatedAt.Equal(units[j].CreatedAt) {
			return units[i].ID < units[j].ID
		}
		return units[i].CreatedAt.Before(units[j].CreatedAt)
	})
}
