package settlement_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/carpadi/trade-engine/internal/ledger"
	"github.com/carpadi/trade-engine/internal/model"
	"github.com/carpadi/trade-engine/internal/settlement"
	"github.com/carpadi/trade-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
// Settings are seeded with the production defaults: 5% ROT, 50/50 bonus
// split.
func newTestEnv(t *testing.T) (*settlement.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	if err := ms.SaveSettings(context.Background(), &model.Settings{
		ROTPercent:        d(5),
		BonusPercent:      d(50),
		CommissionPercent: d(50),
		UpdatedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed settings: %v", err)
	}
	svc := settlement.NewService(ms, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/cars", svc.HandleCreateCar)
	r.Get("/api/v1/cars/{carID}", svc.HandleGetCar)
	r.Post("/api/v1/cars/{carID}/maintenance", svc.HandleAddMaintenance)
	r.Post("/api/v1/trades", svc.HandleCreateTrade)
	r.Get("/api/v1/trades/{tradeID}", svc.HandleGetTrade)
	r.Get("/api/v1/trades/{tradeID}/units", svc.HandleGetTradeUnits)
	r.Post("/api/v1/trades/{tradeID}/purchase", svc.HandlePurchaseSlots)
	r.Post("/api/v1/trades/{tradeID}/complete", svc.HandleCompleteTrade)
	r.Post("/api/v1/trades/{tradeID}/close", svc.HandleCloseTrade)
	r.Post("/api/v1/trades/{tradeID}/rollback", svc.HandleRollbackTrade)
	r.Get("/api/v1/wallets/{merchantID}", svc.HandleGetWallet)
	r.Post("/api/v1/wallets/{merchantID}/deposit", svc.HandleDeposit)
	r.Post("/api/v1/wallets/{merchantID}/withdraw", svc.HandleWithdraw)

	return svc, ms, r
}

// seedCar creates an available car directly in the store.
func seedCar(t *testing.T, ms *store.MemoryStore, boughtPrice float64) *model.Car {
	t.Helper()
	car := &model.Car{
		ID:          "test-car-1",
		VIN:         "VIN0001",
		Name:        "Toyota Corolla 2016",
		BoughtPrice: d(boughtPrice),
		Status:      model.CarAvailable,
		CreatedAt:   time.Now().UTC(),
	}
	if err := ms.CreateCar(context.Background(), car); err != nil {
		t.Fatalf("failed to seed car: %v", err)
	}
	return car
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func fund(t *testing.T, router chi.Router, merchantID string, amount float64) {
	t.Helper()
	w := doPost(t, router, "/api/v1/wallets/"+merchantID+"/deposit",
		settlement.AmountRequest{Amount: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit failed: %d: %s", w.Code, w.Body.String())
	}
}

// openTrade seeds a car and opens a trade on it via the API.
func openTrade(t *testing.T, ms *store.MemoryStore, router chi.Router, boughtPrice float64, slots int64) *model.Trade {
	t.Helper()
	car := seedCar(t, ms, boughtPrice)
	w := doPost(t, router, "/api/v1/trades", settlement.CreateTradeRequest{
		CarID:          car.ID,
		SlotsAvailable: slots,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create trade failed: %d: %s", w.Code, w.Body.String())
	}
	var trade model.Trade
	json.Unmarshal(w.Body.Bytes(), &trade)
	return &trade
}

func buySlots(t *testing.T, router chi.Router, tradeID, merchantID string, qty int64) *httptest.ResponseRecorder {
	t.Helper()
	return doPost(t, router, "/api/v1/trades/"+tradeID+"/purchase",
		settlement.PurchaseRequest{MerchantID: merchantID, Quantity: qty})
}

func getWallet(t *testing.T, ms *store.MemoryStore, merchantID string) *ledger.Wallet {
	t.Helper()
	w, err := ms.GetWallet(context.Background(), merchantID)
	if err != nil {
		t.Fatalf("failed to load wallet: %v", err)
	}
	if err := w.CheckInvariant(); err != nil {
		t.Fatalf("wallet invariant violated: %+v", w)
	}
	return w
}

// fullySubscribe funds three merchants and buys out a 5-slot trade
// (2 + 2 + 1), the canonical fixture.
func fullySubscribe(t *testing.T, router chi.Router, tradeID string) {
	t.Helper()
	fund(t, router, "m1", 50000)
	fund(t, router, "m2", 50000)
	fund(t, router, "m3", 30000)
	for _, p := range []struct {
		merchant string
		qty      int64
	}{{"m1", 2}, {"m2", 2}, {"m3", 1}} {
		if w := buySlots(t, router, tradeID, p.merchant, p.qty); w.Code != http.StatusCreated {
			t.Fatalf("purchase by %s failed: %d: %s", p.merchant, w.Code, w.Body.String())
		}
	}
}

func completeTrade(t *testing.T, router chi.Router, tradeID string, resale float64) *model.Trade {
	t.Helper()
	w := doPost(t, router, "/api/v1/trades/"+tradeID+"/complete",
		settlement.CompleteRequest{ResalePrice: d(resale)})
	if w.Code != http.StatusOK {
		t.Fatalf("complete failed: %d: %s", w.Code, w.Body.String())
	}
	var trade model.Trade
	json.Unmarshal(w.Body.Bytes(), &trade)
	return &trade
}

// --- Trade creation ---

func TestCreateTrade_FreezesPricePerSlot(t *testing.T) {
	_, ms, router := newTestEnv(t)

	trade := openTrade(t, ms, router, 102000, 5)

	if trade.Status != model.TradeOngoing {
		t.Errorf("expected ongoing, got %s", trade.Status)
	}
	if !trade.PricePerSlot.Equal(d(20400)) {
		t.Errorf("expected price per slot 20400, got %s", trade.PricePerSlot)
	}

	car, _ := ms.GetCar(context.Background(), trade.CarID)
	if car.Status != model.CarOngoingTrade {
		t.Errorf("expected car ongoing_trade, got %s", car.Status)
	}
}

func TestCreateTrade_CarNotAvailable(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)

	// The car is now under an ongoing trade; a second trade is rejected.
	w := doPost(t, router, "/api/v1/trades", settlement.CreateTradeRequest{
		CarID:          trade.CarID,
		SlotsAvailable: 10,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateTrade_CarNotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/trades", settlement.CreateTradeRequest{
		CarID:          "no-such-car",
		SlotsAvailable: 5,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Cost accounting ---

func TestAddMaintenance_UpdatesCostBasis(t *testing.T) {
	_, ms, router := newTestEnv(t)
	car := seedCar(t, ms, 100000)

	w := doPost(t, router, "/api/v1/cars/"+car.ID+"/maintenance",
		settlement.MaintenanceRequest{Description: "brake pads", Cost: d(2000)})
	if w.Code != http.StatusOK {
		t.Fatalf("maintenance failed: %d: %s", w.Code, w.Body.String())
	}

	var updated model.Car
	json.Unmarshal(w.Body.Bytes(), &updated)
	if !updated.MaintenanceCost.Equal(d(2000)) {
		t.Errorf("expected maintenance cost 2000, got %s", updated.MaintenanceCost)
	}
	if !updated.TotalCost().Equal(d(102000)) {
		t.Errorf("expected total cost 102000, got %s", updated.TotalCost())
	}
}

func TestAddMaintenance_RejectedUnderOpenTrade(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)

	// Price per slot is frozen; the cost basis must not drift.
	w := doPost(t, router, "/api/v1/cars/"+trade.CarID+"/maintenance",
		settlement.MaintenanceRequest{Description: "late repair", Cost: d(500)})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Slot purchase ---

func TestPurchaseSlots_LocksFunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fund(t, router, "m1", 60000)

	w := buySlots(t, router, trade.ID, "m1", 2)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var unit model.TradeUnit
	json.Unmarshal(w.Body.Bytes(), &unit)
	if !unit.UnitValue.Equal(d(40800)) {
		t.Errorf("expected unit value 40800, got %s", unit.UnitValue)
	}
	if !unit.SharePercentage.Equal(d(40)) {
		t.Errorf("expected 40%% share, got %s", unit.SharePercentage)
	}
	// Net guaranteed return: (rot - commission) / slots * qty = 1020.
	if !unit.EstimatedROT.Equal(d(1020)) {
		t.Errorf("expected estimated rot 1020, got %s", unit.EstimatedROT)
	}
	if unit.BuyTransactionID == "" {
		t.Error("expected buy transaction to be recorded")
	}

	wallet := getWallet(t, ms, "m1")
	if !wallet.TradingCash.Equal(d(40800)) {
		t.Errorf("expected trading cash 40800, got %s", wallet.TradingCash)
	}
	if !wallet.WithdrawableCash.Equal(d(19200)) {
		t.Errorf("expected withdrawable 19200, got %s", wallet.WithdrawableCash)
	}
	if !wallet.Balance.Equal(d(60000)) {
		t.Errorf("balance must not change on purchase, got %s", wallet.Balance)
	}
}

func TestPurchaseSlots_InsufficientFunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fund(t, router, "m1", 1000)

	w := buySlots(t, router, trade.ID, "m1", 2)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// The failed purchase must not leak a slot reservation.
	reloaded, _ := ms.GetTrade(context.Background(), trade.ID)
	if reloaded.SlotsSold != 0 {
		t.Errorf("expected 0 slots sold after failed purchase, got %d", reloaded.SlotsSold)
	}
	wallet := getWallet(t, ms, "m1")
	if !wallet.WithdrawableCash.Equal(d(1000)) {
		t.Errorf("wallet must be untouched, got %s", wallet.WithdrawableCash)
	}
}

func TestPurchaseSlots_Oversell(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fund(t, router, "m1", 150000)

	if w := buySlots(t, router, trade.ID, "m1", 4); w.Code != http.StatusCreated {
		t.Fatalf("first purchase failed: %d", w.Code)
	}
	// 1 slot remains; asking for 2 must fail atomically.
	if w := buySlots(t, router, trade.ID, "m1", 2); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on oversell, got %d", w.Code)
	}

	reloaded, _ := ms.GetTrade(context.Background(), trade.ID)
	if reloaded.SlotsSold != 4 {
		t.Errorf("expected 4 slots sold, got %d", reloaded.SlotsSold)
	}
}

func TestPurchaseSlots_SoldOutTransitionsToPurchased(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)

	reloaded, _ := ms.GetTrade(context.Background(), trade.ID)
	if reloaded.Status != model.TradePurchased {
		t.Errorf("expected purchased after sellout, got %s", reloaded.Status)
	}
	if reloaded.SlotsRemaining() != 0 {
		t.Errorf("expected 0 slots remaining, got %d", reloaded.SlotsRemaining())
	}

	// No further purchases once fully subscribed.
	fund(t, router, "m4", 30000)
	if w := buySlots(t, router, trade.ID, "m4", 1); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 after sellout, got %d", w.Code)
	}
}

// --- Completion ---

func TestCompleteTrade_PayoutsAndFrozenFinancials(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)

	completed := completeTrade(t, router, trade.ID, 150000)

	if completed.Status != model.TradeCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if !completed.Commission.Equal(d(2550)) {
		t.Errorf("expected commission 2550, got %s", completed.Commission)
	}
	if !completed.CarpadiBonus.Equal(d(21450)) {
		t.Errorf("expected carpadi bonus 21450, got %s", completed.CarpadiBonus)
	}
	if !completed.TotalCarpadiROT.Equal(d(24000)) {
		t.Errorf("expected total carpadi rot 24000, got %s", completed.TotalCarpadiROT)
	}
	if !completed.TradersBonusPerSlot.Equal(d(4290)) {
		t.Errorf("expected traders bonus per slot 4290, got %s", completed.TradersBonusPerSlot)
	}

	car, _ := ms.GetCar(context.Background(), trade.CarID)
	if car.Status != model.CarSold {
		t.Errorf("expected car sold, got %s", car.Status)
	}
	if !car.ResalePrice.Equal(d(150000)) {
		t.Errorf("expected resale 150000, got %s", car.ResalePrice)
	}

	disbursements, _ := ms.GetDisbursementsByTrade(context.Background(), trade.ID)
	if len(disbursements) != 3 {
		t.Fatalf("expected 3 disbursements, got %d", len(disbursements))
	}
	total := decimal.Zero
	for _, dis := range disbursements {
		if dis.Status != model.DisbursementUnsettled {
			t.Errorf("expected unsettled, got %s", dis.Status)
		}
		if dis.TransactionID == "" {
			t.Error("expected payout transaction on disbursement")
		}
		total = total.Add(dis.Amount)
	}
	// Payouts plus platform take consume the resale proceeds exactly.
	if !total.Add(completed.TotalCarpadiROT).Equal(d(150000)) {
		t.Errorf("payouts %s + take %s != 150000", total, completed.TotalCarpadiROT)
	}

	// m1 (2 slots): principal released, payout of 50400 pending settlement.
	wallet := getWallet(t, ms, "m1")
	if !wallet.TradingCash.IsZero() {
		t.Errorf("expected trading cash released, got %s", wallet.TradingCash)
	}
	if !wallet.UnsettledCash.Equal(d(50400)) {
		t.Errorf("expected unsettled 50400, got %s", wallet.UnsettledCash)
	}
	if !wallet.WithdrawableCash.Equal(d(9200)) {
		t.Errorf("expected withdrawable 9200, got %s", wallet.WithdrawableCash)
	}
}

func TestCompleteTrade_RequiresFullSubscription(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fund(t, router, "m1", 50000)
	buySlots(t, router, trade.ID, "m1", 2)

	// Still ongoing: completion is not allowed.
	w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/complete",
		settlement.CompleteRequest{ResalePrice: d(150000)})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCompleteTrade_DeficitSpreadAcrossSlots(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)

	// Sold below cost: merchants absorb the deficit pro rata, platform
	// still takes its commission.
	completed := completeTrade(t, router, trade.ID, 90000)

	disbursements, _ := ms.GetDisbursementsByTrade(context.Background(), trade.ID)
	total := decimal.Zero
	for _, dis := range disbursements {
		total = total.Add(dis.Amount)
	}
	if !total.Equal(d(92550)) {
		t.Errorf("expected total payouts 92550, got %s", total)
	}
	if !completed.TotalCarpadiROT.Equal(d(2550)) {
		t.Errorf("expected platform take 2550 (commission only), got %s", completed.TotalCarpadiROT)
	}
	if !completed.CarpadiBonus.IsZero() {
		t.Errorf("no bonus on a deficit sale, got %s", completed.CarpadiBonus)
	}
}

// --- Close ---

func TestCloseTrade_SettlesWallets(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)
	completeTrade(t, router, trade.ID, 150000)

	w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close failed: %d: %s", w.Code, w.Body.String())
	}

	reloaded, _ := ms.GetTrade(context.Background(), trade.ID)
	if reloaded.Status != model.TradeClosed {
		t.Errorf("expected closed, got %s", reloaded.Status)
	}

	wallet := getWallet(t, ms, "m1")
	if !wallet.UnsettledCash.IsZero() {
		t.Errorf("expected unsettled drained, got %s", wallet.UnsettledCash)
	}
	// 9200 leftover + 50400 payout, all spendable.
	if !wallet.WithdrawableCash.Equal(d(59600)) {
		t.Errorf("expected withdrawable 59600, got %s", wallet.WithdrawableCash)
	}

	disbursements, _ := ms.GetDisbursementsByTrade(context.Background(), trade.ID)
	for _, dis := range disbursements {
		if dis.Status != model.DisbursementSettled {
			t.Errorf("expected settled, got %s", dis.Status)
		}
		tx, err := ms.GetTransaction(context.Background(), dis.TransactionID)
		if err != nil {
			t.Fatalf("payout transaction missing: %v", err)
		}
		if tx.Status != ledger.StatusSuccess {
			t.Errorf("expected payout transaction success, got %s", tx.Status)
		}
	}
}

func TestCloseTrade_SecondCloseRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)
	completeTrade(t, router, trade.ID, 150000)

	if w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/close", nil); w.Code != http.StatusOK {
		t.Fatalf("first close failed: %d", w.Code)
	}
	// Double-crediting wallets is the one unforgivable bug.
	if w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/close", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second close, got %d", w.Code)
	}

	wallet := getWallet(t, ms, "m1")
	if !wallet.WithdrawableCash.Equal(d(59600)) {
		t.Errorf("wallet credited twice: %s", wallet.WithdrawableCash)
	}
}

func TestCloseTrade_RequiresCompleted(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)

	w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/close", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

// --- Rollback ---

func TestRollbackTrade_RestoresPreCompletionState(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)
	completeTrade(t, router, trade.ID, 150000)

	w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/rollback", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rollback failed: %d: %s", w.Code, w.Body.String())
	}

	reloaded, _ := ms.GetTrade(context.Background(), trade.ID)
	if reloaded.Status != model.TradePurchased {
		t.Errorf("expected purchased after rollback, got %s", reloaded.Status)
	}
	if !reloaded.Commission.IsZero() || !reloaded.TotalCarpadiROT.IsZero() ||
		!reloaded.CarpadiBonus.IsZero() || !reloaded.TradersBonusPerSlot.IsZero() {
		t.Errorf("expected frozen financials zeroed: %+v", reloaded)
	}
	if reloaded.CompletedAt != nil {
		t.Error("expected completed_at cleared")
	}

	car, _ := ms.GetCar(context.Background(), trade.CarID)
	if car.Status != model.CarOngoingTrade {
		t.Errorf("expected car back to ongoing_trade, got %s", car.Status)
	}
	if !car.ResalePrice.IsZero() {
		t.Errorf("expected resale cleared, got %s", car.ResalePrice)
	}

	// Wallets exactly as before completion: principal locked again.
	wallet := getWallet(t, ms, "m1")
	if !wallet.TradingCash.Equal(d(40800)) {
		t.Errorf("expected trading cash restored to 40800, got %s", wallet.TradingCash)
	}
	if !wallet.UnsettledCash.IsZero() {
		t.Errorf("expected unsettled cleared, got %s", wallet.UnsettledCash)
	}
	if !wallet.WithdrawableCash.Equal(d(9200)) {
		t.Errorf("expected withdrawable 9200, got %s", wallet.WithdrawableCash)
	}

	disbursements, _ := ms.GetDisbursementsByTrade(context.Background(), trade.ID)
	for _, dis := range disbursements {
		if dis.Status != model.DisbursementRolledBack {
			t.Errorf("expected rolled_back, got %s", dis.Status)
		}
	}
}

func TestRollbackTrade_CompletionIsDeterministic(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)

	first := completeTrade(t, router, trade.ID, 150000)
	firstDis, _ := ms.GetDisbursementsByTrade(context.Background(), trade.ID)

	if w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/rollback", nil); w.Code != http.StatusOK {
		t.Fatalf("rollback failed: %d", w.Code)
	}

	second := completeTrade(t, router, trade.ID, 150000)
	if !second.TotalCarpadiROT.Equal(first.TotalCarpadiROT) ||
		!second.Commission.Equal(first.Commission) {
		t.Errorf("re-completion diverged: first %+v, second %+v", first, second)
	}

	secondDis, _ := ms.GetDisbursementsByTrade(context.Background(), trade.ID)
	byUnit := make(map[string]decimal.Decimal)
	for _, dis := range firstDis {
		byUnit[dis.TradeUnitID] = dis.Amount
	}
	active := 0
	for _, dis := range secondDis {
		if dis.Status != model.DisbursementUnsettled {
			continue
		}
		active++
		if !dis.Amount.Equal(byUnit[dis.TradeUnitID]) {
			t.Errorf("unit %s: first payout %s, second %s",
				dis.TradeUnitID, byUnit[dis.TradeUnitID], dis.Amount)
		}
	}
	if active != 3 {
		t.Errorf("expected 3 active disbursements, got %d", active)
	}
}

func TestRollbackTrade_AfterCloseRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fullySubscribe(t, router, trade.ID)
	completeTrade(t, router, trade.ID, 150000)
	if w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/close", nil); w.Code != http.StatusOK {
		t.Fatalf("close failed: %d", w.Code)
	}

	// Funds already reached withdrawable wallets; completion is permanent.
	w := doPost(t, router, "/api/v1/trades/"+trade.ID+"/rollback", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on rollback after close, got %d", w.Code)
	}

	wallet := getWallet(t, ms, "m1")
	if !wallet.WithdrawableCash.Equal(d(59600)) {
		t.Errorf("wallet must be untouched, got %s", wallet.WithdrawableCash)
	}
}

// --- Concurrency ---

func TestPurchaseSlots_ConcurrentNeverOversells(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)

	// 8 funded merchants race for 5 slots, one slot each.
	merchants := make([]string, 8)
	for i := range merchants {
		merchants[i] = fmt.Sprintf("c%d", i)
		fund(t, router, merchants[i], 25000)
	}

	var wg sync.WaitGroup
	var purchased, flips int64
	for _, m := range merchants {
		wg.Add(1)
		go func(merchant string) {
			defer wg.Done()
			_, events, err := svc.PurchaseSlots(context.Background(), trade.ID, merchant, 1)
			if err != nil {
				return
			}
			atomic.AddInt64(&purchased, 1)
			for _, e := range events {
				if e.Type == model.EventTradePurchased {
					atomic.AddInt64(&flips, 1)
				}
			}
		}(m)
	}
	wg.Wait()

	if purchased != 5 {
		t.Errorf("expected exactly 5 successful purchases, got %d", purchased)
	}
	// Whichever purchase lands the final slot must flip the trade, and
	// only that one.
	if flips != 1 {
		t.Errorf("expected exactly one transition to purchased, got %d", flips)
	}

	reloaded, _ := ms.GetTrade(context.Background(), trade.ID)
	if reloaded.SlotsSold != reloaded.SlotsAvailable {
		t.Errorf("expected %d slots sold, got %d", reloaded.SlotsAvailable, reloaded.SlotsSold)
	}
	if reloaded.Status != model.TradePurchased {
		t.Errorf("expected purchased after concurrent sellout, got %s", reloaded.Status)
	}
}

func TestDeposit_ConcurrentFirstDeposits(t *testing.T) {
	svc, ms, _ := newTestEnv(t)

	// All deposits race wallet creation; none may be lost.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.Deposit(context.Background(), "m1", d(100)); err != nil {
				t.Errorf("deposit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	wallet := getWallet(t, ms, "m1")
	if !wallet.Balance.Equal(d(1000)) {
		t.Errorf("expected balance 1000 after 10 deposits, got %s", wallet.Balance)
	}

	txs, _ := ms.GetTransactionsByMerchant(context.Background(), "m1")
	sum := decimal.Zero
	for _, tx := range txs {
		if tx.Kind == ledger.KindDeposit && tx.Status == ledger.StatusSuccess {
			sum = sum.Add(tx.Amount)
		}
	}
	// The wallet must account for every recorded deposit.
	if !sum.Equal(wallet.Balance) {
		t.Errorf("ledger sum %s diverges from balance %s", sum, wallet.Balance)
	}
}

// --- Wallet flows ---

func TestDeposit_CreatesWalletOnFirstUse(t *testing.T) {
	_, ms, router := newTestEnv(t)
	fund(t, router, "m1", 5000)

	wallet := getWallet(t, ms, "m1")
	if !wallet.WithdrawableCash.Equal(d(5000)) {
		t.Errorf("expected withdrawable 5000, got %s", wallet.WithdrawableCash)
	}

	txs, _ := ms.GetTransactionsByMerchant(context.Background(), "m1")
	if len(txs) != 1 || txs[0].Kind != ledger.KindDeposit {
		t.Errorf("expected one deposit transaction, got %+v", txs)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	fund(t, router, "m1", 1000)

	w := doPost(t, router, "/api/v1/wallets/m1/withdraw",
		settlement.AmountRequest{Amount: d(2000)})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	wallet := getWallet(t, ms, "m1")
	if !wallet.WithdrawableCash.Equal(d(1000)) {
		t.Errorf("wallet must be untouched, got %s", wallet.WithdrawableCash)
	}
}

func TestWithdraw_LockedFundsNotSpendable(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trade := openTrade(t, ms, router, 102000, 5)
	fund(t, router, "m1", 50000)
	if w := buySlots(t, router, trade.ID, "m1", 2); w.Code != http.StatusCreated {
		t.Fatalf("purchase failed: %d", w.Code)
	}

	// Balance is 50000 but only 9200 is withdrawable.
	w := doPost(t, router, "/api/v1/wallets/m1/withdraw",
		settlement.AmountRequest{Amount: d(10000)})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 withdrawing locked funds, got %d", w.Code)
	}

	w = doPost(t, router, "/api/v1/wallets/m1/withdraw",
		settlement.AmountRequest{Amount: d(9000)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 withdrawing free funds, got %d: %s", w.Code, w.Body.String())
	}
	wallet := getWallet(t, ms, "m1")
	if !wallet.WithdrawableCash.Equal(d(200)) {
		t.Errorf("expected withdrawable 200, got %s", wallet.WithdrawableCash)
	}
}
