package settlement

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/carpadi/trade-engine/internal/allocation"
	"github.com/carpadi/trade-engine/internal/ledger"
	"github.com/carpadi/trade-engine/internal/model"
	"github.com/carpadi/trade-engine/internal/store"
)

// CreateCarRequest is the request body for POST /api/v1/cars
type CreateCarRequest struct {
	VIN         string          `json:"vin"`
	Name        string          `json:"name"`
	BoughtPrice decimal.Decimal `json:"bought_price"`
}

// MaintenanceRequest is the request body for POST /api/v1/cars/{carID}/maintenance
type MaintenanceRequest struct {
	Description string          `json:"description"`
	Cost        decimal.Decimal `json:"cost"`
}

// CreateTradeRequest is the request body for POST /api/v1/trades
type CreateTradeRequest struct {
	CarID          string          `json:"car_id"`
	SlotsAvailable int64           `json:"slots_available"`
	MinSalePrice   decimal.Decimal `json:"min_sale_price"`
	MaxSalePrice   decimal.Decimal `json:"max_sale_price"`
}

// PurchaseRequest is the request body for POST /api/v1/trades/{tradeID}/purchase
type PurchaseRequest struct {
	MerchantID string `json:"merchant_id"`
	Quantity   int64  `json:"quantity"`
}

// CompleteRequest is the request body for POST /api/v1/trades/{tradeID}/complete
type CompleteRequest struct {
	ResalePrice decimal.Decimal `json:"resale_price"`
}

// AmountRequest is the request body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// HandleCreateCar handles POST /api/v1/cars
func (s *Service) HandleCreateCar(w http.ResponseWriter, r *http.Request) {
	var req CreateCarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.VIN == "" {
		writeError(w, "vin is required", http.StatusBadRequest)
		return
	}

	car, err := s.CreateCar(r.Context(), req.VIN, req.Name, req.BoughtPrice)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(car)
}

// HandleGetCar handles GET /api/v1/cars/{carID}
func (s *Service) HandleGetCar(w http.ResponseWriter, r *http.Request) {
	carID := chi.URLParam(r, "carID")

	car, err := s.store.GetCar(r.Context(), carID)
	if err != nil {
		writeError(w, "car not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(car)
}

// HandleListCars handles GET /api/v1/cars
func (s *Service) HandleListCars(w http.ResponseWriter, r *http.Request) {
	cars, err := s.store.ListCars(r.Context())
	if err != nil {
		writeError(w, "failed to list cars", http.StatusInternalServerError)
		return
	}
	if cars == nil {
		cars = []model.Car{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cars)
}

// HandleAddMaintenance handles POST /api/v1/cars/{carID}/maintenance
func (s *Service) HandleAddMaintenance(w http.ResponseWriter, r *http.Request) {
	carID := chi.URLParam(r, "carID")

	var req MaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	car, err := s.AddMaintenance(r.Context(), carID, req.Description, req.Cost)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(car)
}

// HandleGetMaintenance handles GET /api/v1/cars/{carID}/maintenance
func (s *Service) HandleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	carID := chi.URLParam(r, "carID")

	records, err := s.store.GetMaintenanceRecords(r.Context(), carID)
	if err != nil {
		writeError(w, "failed to list maintenance records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.MaintenanceRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// HandleCreateTrade handles POST /api/v1/trades
func (s *Service) HandleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var req CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CarID == "" {
		writeError(w, "car_id is required", http.StatusBadRequest)
		return
	}
	if req.SlotsAvailable <= 0 {
		writeError(w, "slots_available must be positive", http.StatusBadRequest)
		return
	}

	trade, _, err := s.CreateTrade(r.Context(), req.CarID, req.SlotsAvailable, req.MinSalePrice, req.MaxSalePrice)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(trade)
}

// HandleGetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) HandleGetTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	trade, err := s.store.GetTrade(r.Context(), tradeID)
	if err != nil {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trade)
}

// HandleListTrades handles GET /api/v1/trades
// Optionally filtered by ?status=<tradeStatus>.
func (s *Service) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context())
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	if status := r.URL.Query().Get("status"); status != "" {
		var filtered []model.Trade
		for _, t := range trades {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		if filtered == nil {
			filtered = []model.Trade{}
		}
		trades = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// HandleGetTradeUnits handles GET /api/v1/trades/{tradeID}/units
func (s *Service) HandleGetTradeUnits(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	units, err := s.store.GetTradeUnits(r.Context(), tradeID)
	if err != nil {
		writeError(w, "failed to list trade units", http.StatusInternalServerError)
		return
	}
	if units == nil {
		units = []model.TradeUnit{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(units)
}

// HandleGetDisbursements handles GET /api/v1/trades/{tradeID}/disbursements
func (s *Service) HandleGetDisbursements(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	disbursements, err := s.store.GetDisbursementsByTrade(r.Context(), tradeID)
	if err != nil {
		writeError(w, "failed to list disbursements", http.StatusInternalServerError)
		return
	}
	if disbursements == nil {
		disbursements = []model.Disbursement{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(disbursements)
}

// HandlePurchaseSlots handles POST /api/v1/trades/{tradeID}/purchase
func (s *Service) HandlePurchaseSlots(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MerchantID == "" {
		writeError(w, "merchant_id is required", http.StatusBadRequest)
		return
	}

	unit, _, err := s.PurchaseSlots(r.Context(), tradeID, req.MerchantID, req.Quantity)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(unit)
}

// HandleCompleteTrade handles POST /api/v1/trades/{tradeID}/complete
func (s *Service) HandleCompleteTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.ResalePrice.IsPositive() {
		writeError(w, "resale_price must be positive", http.StatusBadRequest)
		return
	}

	trade, _, err := s.CompleteTrade(r.Context(), tradeID, req.ResalePrice)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trade)
}

// HandleCloseTrade handles POST /api/v1/trades/{tradeID}/close
func (s *Service) HandleCloseTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	trade, _, err := s.CloseTrade(r.Context(), tradeID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trade)
}

// HandleRollbackTrade handles POST /api/v1/trades/{tradeID}/rollback
func (s *Service) HandleRollbackTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	trade, _, err := s.RollbackTrade(r.Context(), tradeID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trade)
}

// HandleGetWallet handles GET /api/v1/wallets/{merchantID}
func (s *Service) HandleGetWallet(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	wallet, err := s.store.GetWallet(r.Context(), merchantID)
	if err != nil {
		writeError(w, "wallet not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// HandleGetTransactions handles GET /api/v1/wallets/{merchantID}/transactions
func (s *Service) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	txs, err := s.store.GetTransactionsByMerchant(r.Context(), merchantID)
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txs)
}

// HandleDeposit handles POST /api/v1/wallets/{merchantID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wallet, _, err := s.Deposit(r.Context(), merchantID, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// HandleWithdraw handles POST /api/v1/wallets/{merchantID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wallet, _, err := s.Withdraw(r.Context(), merchantID, req.Amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// HandleGetSettings handles GET /api/v1/settings
func (s *Service) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settings)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrResaleOutOfBounds),
		errors.Is(err, allocation.ErrInvalidSlots),
		errors.Is(err, allocation.ErrInvalidCost),
		errors.Is(err, allocation.ErrMissingResalePrice):
		return http.StatusBadRequest
	case errors.Is(err, ErrCarNotAvailable),
		errors.Is(err, ErrCarNotServiceable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, store.ErrSlotsUnavailable),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
