package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carpadi/trade-engine/internal/ledger"
	"github.com/carpadi/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the read-only endpoints (cars, trades, wallets). Writes go to
// the primary store and invalidate the cache; reads check Redis first then
// fall back to the primary.
//
// Money paths never read through the cache: WithTx hands the callback the
// transaction-bound primary store directly, so settlement always sees fresh
// rows. Cached reads may lag a settlement by at most the TTL.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(Store) error) error {
	err := s.primary.WithTx(ctx, fn)
	if err != nil {
		return err
	}
	// The callback wrote through the primary; cached copies age out at TTL.
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCar(ctx context.Context, id string) (*model.Car, error) {
	data, err := s.rdb.Get(ctx, carKey(id)).Bytes()
	if err == nil {
		var c model.Car
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetCar(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, carKey(id), c)
	return c, nil
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradeKey(id)).Bytes()
	if err == nil {
		var t model.Trade
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, tradeKey(id), t)
	return t, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, merchantID string) (*ledger.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(merchantID)).Bytes()
	if err == nil {
		var w ledger.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.GetWallet(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, walletKey(merchantID), w)
	return w, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateCar(ctx context.Context, car *model.Car) error {
	if err := s.primary.UpdateCar(ctx, car); err != nil {
		return err
	}
	s.rdb.Del(ctx, carKey(car.ID))
	return nil
}

func (s *CachedStore) UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) error {
	if err := s.primary.UpdateTradeStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(id))
	return nil
}

func (s *CachedStore) SaveTradeFinancials(ctx context.Context, trade *model.Trade) error {
	if err := s.primary.SaveTradeFinancials(ctx, trade); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(trade.ID))
	return nil
}

func (s *CachedStore) ReserveSlots(ctx context.Context, tradeID string, quantity int64) (int64, error) {
	sold, err := s.primary.ReserveSlots(ctx, tradeID, quantity)
	if err != nil {
		return 0, err
	}
	s.rdb.Del(ctx, tradeKey(tradeID))
	return sold, nil
}

func (s *CachedStore) EnsureWallet(ctx context.Context, merchantID string) (*ledger.Wallet, error) {
	w, err := s.primary.EnsureWallet(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, walletKey(merchantID))
	return w, nil
}

func (s *CachedStore) SaveWallet(ctx context.Context, w *ledger.Wallet) error {
	if err := s.primary.SaveWallet(ctx, w); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(w.MerchantID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	return s.primary.GetSettings(ctx)
}

func (s *CachedStore) SaveSettings(ctx context.Context, set *model.Settings) error {
	return s.primary.SaveSettings(ctx, set)
}

func (s *CachedStore) CreateCar(ctx context.Context, car *model.Car) error {
	return s.primary.CreateCar(ctx, car)
}

func (s *CachedStore) ListCars(ctx context.Context) ([]model.Car, error) {
	return s.primary.ListCars(ctx)
}

func (s *CachedStore) AddMaintenanceRecord(ctx context.Context, rec *model.MaintenanceRecord) error {
	if err := s.primary.AddMaintenanceRecord(ctx, rec); err != nil {
		return err
	}
	s.rdb.Del(ctx, carKey(rec.CarID))
	return nil
}

func (s *CachedStore) GetMaintenanceRecords(ctx context.Context, carID string) ([]model.MaintenanceRecord, error) {
	return s.primary.GetMaintenanceRecords(ctx, carID)
}

func (s *CachedStore) CreateTrade(ctx context.Context, trade *model.Trade) error {
	return s.primary.CreateTrade(ctx, trade)
}

func (s *CachedStore) GetTradeByCar(ctx context.Context, carID string) (*model.Trade, error) {
	return s.primary.GetTradeByCar(ctx, carID)
}

func (s *CachedStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx)
}

func (s *CachedStore) CreateTradeUnit(ctx context.Context, unit *model.TradeUnit) error {
	return s.primary.CreateTradeUnit(ctx, unit)
}

func (s *CachedStore) GetTradeUnits(ctx context.Context, tradeID string) ([]model.TradeUnit, error) {
	return s.primary.GetTradeUnits(ctx, tradeID)
}

func (s *CachedStore) GetTradeUnitsByMerchant(ctx context.Context, merchantID string) ([]model.TradeUnit, error) {
	return s.primary.GetTradeUnitsByMerchant(ctx, merchantID)
}

func (s *CachedStore) UpdateTradeUnitSettlement(ctx context.Context, unitID, checkoutTxID, disbursementID string) error {
	return s.primary.UpdateTradeUnitSettlement(ctx, unitID, checkoutTxID, disbursementID)
}

func (s *CachedStore) CreateDisbursement(ctx context.Context, dis *model.Disbursement) error {
	return s.primary.CreateDisbursement(ctx, dis)
}

func (s *CachedStore) GetDisbursementsByTrade(ctx context.Context, tradeID string) ([]model.Disbursement, error) {
	return s.primary.GetDisbursementsByTrade(ctx, tradeID)
}

func (s *CachedStore) UpdateDisbursementStatus(ctx context.Context, id string, status model.DisbursementStatus) error {
	return s.primary.UpdateDisbursementStatus(ctx, id, status)
}

func (s *CachedStore) CreateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	return s.primary.CreateTransaction(ctx, tx)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]ledger.Transaction, error) {
	return s.primary.GetTransactionsByMerchant(ctx, merchantID)
}

func (s *CachedStore) UpdateTransactionStatus(ctx context.Context, id string, status ledger.TransactionStatus) error {
	return s.primary.UpdateTransactionStatus(ctx, id, status)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSet(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func carKey(id string) string     { return fmt.Sprintf("car:%s", id) }
func tradeKey(id string) string   { return fmt.Sprintf("trade:%s", id) }
func walletKey(mid string) string { return fmt.Sprintf("wallet:%s", mid) }
