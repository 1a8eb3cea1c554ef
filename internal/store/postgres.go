package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carpadi/trade-engine/internal/ledger"
	"github.com/carpadi/trade-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same store
// methods run inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool // nil when bound to a transaction
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// WithTx runs fn against a store bound to a single database transaction.
// Called on a store that is already transaction-bound, it reuses the open
// transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	var set model.Settings
	var rot, bonus, commission string

	err := s.db.QueryRow(ctx,
		`SELECT rot_percent::TEXT, bonus_percent::TEXT, commission_percent::TEXT, updated_at
		 FROM settings WHERE id = TRUE`).
		Scan(&rot, &bonus, &commission, &set.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "settings", "singleton")
	}

	set.ROTPercent, _ = decimal.NewFromString(rot)
	set.BonusPercent, _ = decimal.NewFromString(bonus)
	set.CommissionPercent, _ = decimal.NewFromString(commission)
	return &set, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, set *model.Settings) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO settings (id, rot_percent, bonus_percent, commission_percent, updated_at)
		 VALUES (TRUE, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET rot_percent = EXCLUDED.rot_percent,
		     bonus_percent = EXCLUDED.bonus_percent,
		     commission_percent = EXCLUDED.commission_percent,
		     updated_at = EXCLUDED.updated_at`,
		set.ROTPercent.String(), set.BonusPercent.String(),
		set.CommissionPercent.String(), time.Now().UTC(),
	)
	return err
}

// --- Cars ---

func (s *PostgresStore) CreateCar(ctx context.Context, c *model.Car) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO cars (id, vin, name, bought_price, maintenance_cost, resale_price, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		c.ID, c.VIN, c.Name,
		c.BoughtPrice.String(), c.MaintenanceCost.String(), c.ResalePrice.String(),
		c.Status, c.CreatedAt,
	)
	return err
}

const carColumns = `id, vin, name,
	        bought_price::TEXT, maintenance_cost::TEXT, resale_price::TEXT,
	        status, created_at`

func scanCar(row pgx.Row) (*model.Car, error) {
	var c model.Car
	var bought, maintenance, resale string

	err := row.Scan(&c.ID, &c.VIN, &c.Name,
		&bought, &maintenance, &resale,
		&c.Status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.BoughtPrice, _ = decimal.NewFromString(bought)
	c.MaintenanceCost, _ = decimal.NewFromString(maintenance)
	c.ResalePrice, _ = decimal.NewFromString(resale)
	return &c, nil
}

func (s *PostgresStore) GetCar(ctx context.Context, id string) (*model.Car, error) {
	c, err := scanCar(s.db.QueryRow(ctx,
		`SELECT `+carColumns+` FROM cars WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "car", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCars(ctx context.Context) ([]model.Car, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+carColumns+` FROM cars ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cars []model.Car
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return nil, err
		}
		cars = append(cars, *c)
	}
	return cars, rows.Err()
}

func (s *PostgresStore) UpdateCar(ctx context.Context, c *model.Car) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE cars
		 SET maintenance_cost = $2::NUMERIC, resale_price = $3::NUMERIC, status = $4
		 WHERE id = $1`,
		c.ID, c.MaintenanceCost.String(), c.ResalePrice.String(), c.Status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("car %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddMaintenanceRecord(ctx context.Context, rec *model.MaintenanceRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO maintenance_records (id, car_id, description, cost, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		rec.ID, rec.CarID, rec.Description, rec.Cost.String(), rec.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMaintenanceRecords(ctx context.Context, carID string) ([]model.MaintenanceRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, car_id, description, cost::TEXT, created_at
		 FROM maintenance_records WHERE car_id = $1 ORDER BY created_at`, carID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.MaintenanceRecord
	for rows.Next() {
		var r model.MaintenanceRecord
		var cost string
		if err := rows.Scan(&r.ID, &r.CarID, &r.Description, &cost, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Cost, _ = decimal.NewFromString(cost)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Trades ---

const tradeColumns = `id, car_id, slots_available, slots_sold, status,
	        price_per_slot::TEXT, min_sale_price::TEXT, max_sale_price::TEXT,
	        commission::TEXT, total_carpadi_rot::TEXT, carpadi_bonus::TEXT,
	        traders_bonus_per_slot::TEXT, created_at, completed_at`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var pps, minSale, maxSale, commission, totalROT, carpadiBonus, tradersBonus string

	err := row.Scan(&t.ID, &t.CarID, &t.SlotsAvailable, &t.SlotsSold, &t.Status,
		&pps, &minSale, &maxSale,
		&commission, &totalROT, &carpadiBonus,
		&tradersBonus, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}

	t.PricePerSlot, _ = decimal.NewFromString(pps)
	t.MinSalePrice, _ = decimal.NewFromString(minSale)
	t.MaxSalePrice, _ = decimal.NewFromString(maxSale)
	t.Commission, _ = decimal.NewFromString(commission)
	t.TotalCarpadiROT, _ = decimal.NewFromString(totalROT)
	t.CarpadiBonus, _ = decimal.NewFromString(carpadiBonus)
	t.TradersBonusPerSlot, _ = decimal.NewFromString(tradersBonus)
	return &t, nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	// car_id carries a unique constraint: one trade per car.
	_, err := s.db.Exec(ctx,
		`INSERT INTO trades (id, car_id, slots_available, slots_sold, status,
		        price_per_slot, min_sale_price, max_sale_price,
		        commission, total_carpadi_rot, carpadi_bonus, traders_bonus_per_slot,
		        created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5,
		        $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		        $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		        $13, $14)`,
		t.ID, t.CarID, t.SlotsAvailable, t.SlotsSold, t.Status,
		t.PricePerSlot.String(), t.MinSalePrice.String(), t.MaxSalePrice.String(),
		t.Commission.String(), t.TotalCarpadiROT.String(), t.CarpadiBonus.String(),
		t.TradersBonusPerSlot.String(),
		t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("trade for car %s: %w", t.CarID, ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.db.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "trade", id)
	}
	return t, nil
}

func (s *PostgresStore) GetTradeByCar(ctx context.Context, carID string) (*model.Trade, error) {
	t, err := scanTrade(s.db.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE car_id = $1`, carID))
	if err != nil {
		return nil, notFound(err, "trade for car", carID)
	}
	return t, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) UpdateTradeStatus(ctx context.Context, id string, status model.TradeStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE trades SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SaveTradeFinancials(ctx context.Context, t *model.Trade) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE trades
		 SET status = $2,
		     commission = $3::NUMERIC,
		     total_carpadi_rot = $4::NUMERIC,
		     carpadi_bonus = $5::NUMERIC,
		     traders_bonus_per_slot = $6::NUMERIC,
		     completed_at = $7
		 WHERE id = $1`,
		t.ID, t.Status,
		t.Commission.String(), t.TotalCarpadiROT.String(),
		t.CarpadiBonus.String(), t.TradersBonusPerSlot.String(),
		t.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// ReserveSlots is the oversell guard: check and increment in one statement,
// so concurrent purchases race on the database row, not on application
// state.
func (s *PostgresStore) ReserveSlots(ctx context.Context, tradeID string, quantity int64) (int64, error) {
	// RETURNING gives the count after this reservation. Under READ
	// COMMITTED a concurrent reservation may have committed between the
	// caller's trade read and this UPDATE, so the post-increment value is
	// the only trustworthy sold-out signal.
	var sold int64
	err := s.db.QueryRow(ctx,
		`UPDATE trades
		 SET slots_sold = slots_sold + $2
		 WHERE id = $1 AND status = 'ongoing' AND slots_sold + $2 <= slots_available
		 RETURNING slots_sold`,
		tradeID, quantity,
	).Scan(&sold)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrSlotsUnavailable
	}
	if err != nil {
		return 0, err
	}
	return sold, nil
}

// --- Trade units ---

const unitColumns = `id, trade_id, merchant_id, slots_quantity,
	        unit_value::TEXT, share_percentage::TEXT, estimated_rot::TEXT,
	        buy_transaction_id, checkout_transaction_id, disbursement_id, created_at`

func scanUnit(row pgx.Row) (*model.TradeUnit, error) {
	var u model.TradeUnit
	var unitValue, share, estROT string

	err := row.Scan(&u.ID, &u.TradeID, &u.MerchantID, &u.SlotsQuantity,
		&unitValue, &share, &estROT,
		&u.BuyTransactionID, &u.CheckoutTransactionID, &u.DisbursementID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	u.UnitValue, _ = decimal.NewFromString(unitValue)
	u.SharePercentage, _ = decimal.NewFromString(share)
	u.EstimatedROT, _ = decimal.NewFromString(estROT)
	return &u, nil
}

func (s *PostgresStore) CreateTradeUnit(ctx context.Context, u *model.TradeUnit) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO trade_units (id, trade_id, merchant_id, slots_quantity,
		        unit_value, share_percentage, estimated_rot,
		        buy_transaction_id, checkout_transaction_id, disbursement_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		u.ID, u.TradeID, u.MerchantID, u.SlotsQuantity,
		u.UnitValue.String(), u.SharePercentage.String(), u.EstimatedROT.String(),
		u.BuyTransactionID, u.CheckoutTransactionID, u.DisbursementID, u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTradeUnits(ctx context.Context, tradeID string) ([]model.TradeUnit, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+unitColumns+` FROM trade_units WHERE trade_id = $1 ORDER BY created_at, id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectUnits(rows)
}

func (s *PostgresStore) GetTradeUnitsByMerchant(ctx context.Context, merchantID string) ([]model.TradeUnit, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+unitColumns+` FROM trade_units WHERE merchant_id = $1 ORDER BY created_at, id`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectUnits(rows)
}

func collectUnits(rows pgx.Rows) ([]model.TradeUnit, error) {
	var units []model.TradeUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

func (s *PostgresStore) UpdateTradeUnitSettlement(ctx context.Context, unitID, checkoutTxID, disbursementID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE trade_units
		 SET checkout_transaction_id = $2, disbursement_id = $3
		 WHERE id = $1`,
		unitID, checkoutTxID, disbursementID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade unit %s: %w", unitID, ErrNotFound)
	}
	return nil
}

// --- Disbursements ---

func (s *PostgresStore) CreateDisbursement(ctx context.Context, d *model.Disbursement) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO disbursements (id, trade_unit_id, trade_id, merchant_id, amount, status, transaction_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		d.ID, d.TradeUnitID, d.TradeID, d.MerchantID,
		d.Amount.String(), d.Status, d.TransactionID, d.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetDisbursementsByTrade(ctx context.Context, tradeID string) ([]model.Disbursement, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, trade_unit_id, trade_id, merchant_id, amount::TEXT, status, transaction_id, created_at
		 FROM disbursements WHERE trade_id = $1 ORDER BY created_at, id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Disbursement
	for rows.Next() {
		var d model.Disbursement
		var amount string
		if err := rows.Scan(&d.ID, &d.TradeUnitID, &d.TradeID, &d.MerchantID,
			&amount, &d.Status, &d.TransactionID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Amount, _ = decimal.NewFromString(amount)
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateDisbursementStatus(ctx context.Context, id string, status model.DisbursementStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE disbursements SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("disbursement %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Wallets & transactions ---

func (s *PostgresStore) GetWallet(ctx context.Context, merchantID string) (*ledger.Wallet, error) {
	var w ledger.Wallet
	var balance, trading, unsettled, withdrawable string

	// FOR UPDATE: wallet reads inside a settlement transaction take a row
	// lock, so concurrent settlements on the same wallet serialize.
	query := `SELECT merchant_id, balance::TEXT, trading_cash::TEXT,
	        unsettled_cash::TEXT, withdrawable_cash::TEXT, updated_at
	 FROM wallets WHERE merchant_id = $1`
	if s.pool == nil {
		query += ` FOR UPDATE`
	}

	err := s.db.QueryRow(ctx, query, merchantID).
		Scan(&w.MerchantID, &balance, &trading,
			&unsettled, &withdrawable, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "wallet", merchantID)
	}

	w.Balance, _ = decimal.NewFromString(balance)
	w.TradingCash, _ = decimal.NewFromString(trading)
	w.UnsettledCash, _ = decimal.NewFromString(unsettled)
	w.WithdrawableCash, _ = decimal.NewFromString(withdrawable)
	return &w, nil
}

func (s *PostgresStore) EnsureWallet(ctx context.Context, merchantID string) (*ledger.Wallet, error) {
	// Insert-if-absent, then the usual locked read. When two first
	// deposits race, both INSERTs resolve against the same row and the
	// loser's GetWallet blocks on the row lock until the winner commits,
	// so neither credit is lost.
	_, err := s.db.Exec(ctx,
		`INSERT INTO wallets (merchant_id, balance, trading_cash, unsettled_cash, withdrawable_cash, updated_at)
		 VALUES ($1, 0, 0, 0, 0, $2)
		 ON CONFLICT (merchant_id) DO NOTHING`,
		merchantID, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	return s.GetWallet(ctx, merchantID)
}

func (s *PostgresStore) SaveWallet(ctx context.Context, w *ledger.Wallet) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO wallets (merchant_id, balance, trading_cash, unsettled_cash, withdrawable_cash, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (merchant_id) DO UPDATE
		 SET balance = EXCLUDED.balance,
		     trading_cash = EXCLUDED.trading_cash,
		     unsettled_cash = EXCLUDED.unsettled_cash,
		     withdrawable_cash = EXCLUDED.withdrawable_cash,
		     updated_at = EXCLUDED.updated_at`,
		w.MerchantID,
		w.Balance.String(), w.TradingCash.String(),
		w.UnsettledCash.String(), w.WithdrawableCash.String(),
		w.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *ledger.Transaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO transactions (id, merchant_id, kind, type, status, amount, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		tx.ID, tx.MerchantID, tx.Kind, tx.Type, tx.Status,
		tx.Amount.String(), tx.Reference, tx.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var amount string

	err := s.db.QueryRow(ctx,
		`SELECT id, merchant_id, kind, type, status, amount::TEXT, reference, created_at
		 FROM transactions WHERE id = $1`, id).
		Scan(&tx.ID, &tx.MerchantID, &tx.Kind, &tx.Type, &tx.Status,
			&amount, &tx.Reference, &tx.CreatedAt)
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}

	tx.Amount, _ = decimal.NewFromString(amount)
	return &tx, nil
}

func (s *PostgresStore) GetTransactionsByMerchant(ctx context.Context, merchantID string) ([]ledger.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, merchant_id, kind, type, status, amount::TEXT, reference, created_at
		 FROM transactions WHERE merchant_id = $1 ORDER BY created_at, id`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		var tx ledger.Transaction
		var amount string
		if err := rows.Scan(&tx.ID, &tx.MerchantID, &tx.Kind, &tx.Type, &tx.Status,
			&amount, &tx.Reference, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateTransactionStatus(ctx context.Context, id string, status ledger.TransactionStatus) error {
	// Amount, kind and type are immutable; only the status moves.
	tag, err := s.db.Exec(ctx,
		`UPDATE transactions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}
