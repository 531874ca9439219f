/**
 * @description
 * This file contains the HTTP handlers for the ledger-service API. Handlers
 * decode and validate the request, call the transaction engine and translate
 * its errors into HTTP status codes.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http, strconv: Standard Go libraries.
 * - github.com/go-playground/validator/v10: Request DTO validation.
 * - github.com/shopspring/decimal: Monetary amounts in responses.
 * - The service's internal app and domain packages.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

// LedgerHandlers holds dependencies for the ledger HTTP handlers.
type LedgerHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewLedgerHandlers creates a new LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type balanceResponse struct {
	CustomerID string          `json:"customer_id"`
	Balance    decimal.Decimal `json:"balance"`
}

type historyResponse struct {
	CustomerID   string                     `json:"customer_id"`
	Transactions []domain.TransactionRecord `json:"transactions"`
}

// RequestOtpHandler issues a fresh OTP for the authenticated customer.
func (h *LedgerHandlers) RequestOtpHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := GetCustomerID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return
	}

	if err := h.service.RequestOtp(r.Context(), customerID); err != nil {
		log.Printf("level=warn component=api endpoint=request_otp outcome=failed customer_id=%s err=%v", customerID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "OTP sent"})
}

// GetBalanceHandler returns the current balance of the authenticated customer.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := GetCustomerID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), customerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{CustomerID: customerID, Balance: balance})
}

// GetHistoryHandler returns the journal entries of the authenticated customer, most recent first.
func (h *LedgerHandlers) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := GetCustomerID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return
	}

	records, err := h.service.GetHistory(r.Context(), customerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{CustomerID: customerID, Transactions: records})
}

// WithdrawHandler debits the authenticated customer's account.
func (h *LedgerHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := GetCustomerID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return
	}

	var req domain.WithdrawRequest
	if !h.decodeAndValidate(w, r, "withdraw", &req) {
		return
	}

	balance, err := h.service.Withdraw(r.Context(), customerID, req.Amount, req.OTP)
	if err != nil {
		log.Printf("level=warn component=api endpoint=withdraw outcome=failed customer_id=%s err=%v", customerID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{CustomerID: customerID, Balance: balance})
}

// DepositHandler credits the authenticated customer's account.
func (h *LedgerHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := GetCustomerID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return
	}

	var req domain.DepositRequest
	if !h.decodeAndValidate(w, r, "deposit", &req) {
		return
	}

	balance, err := h.service.Deposit(r.Context(), customerID, req.Amount, req.OTP)
	if err != nil {
		log.Printf("level=warn component=api endpoint=deposit outcome=failed customer_id=%s err=%v", customerID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{CustomerID: customerID, Balance: balance})
}

// TransferHandler moves funds from the authenticated customer to a receiver.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := GetCustomerID(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return
	}

	var req domain.TransferRequest
	if !h.decodeAndValidate(w, r, "transfer", &req) {
		return
	}

	if err := h.service.Transfer(r.Context(), customerID, req.ReceiverID, req.Amount, req.OTP); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=failed sender_id=%s receiver_id=%s err=%v", customerID, req.ReceiverID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Transfer completed"})
}

func (h *LedgerHandlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=validation_failed err=%v", endpoint, err)
		writeError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return false
	}
	return true
}

// statusForError maps engine errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrSameAccount):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrInvalidOtp):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrExceedsSingleLimit), errors.Is(err, app.ErrExceedsDailyLimit):
		return http.StatusForbidden
	case errors.Is(err, app.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrMutationFailed):
		return http.StatusConflict
	case errors.Is(err, app.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrOtpRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, "Internal server error")
		return
	}
	var rl *app.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
	}
	writeError(w, status, err.Error())
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
