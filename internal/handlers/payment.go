package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/services"
)

// PaymentHandler serves the caller-facing transaction endpoints. Every route
// sits behind Auth.Middleware and only sees the caller's own transactions.
type PaymentHandler struct {
	service *services.TransactionService
	log     *zap.Logger
}

func NewPaymentHandler(service *services.TransactionService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: service, log: log}
}

type createPaymentRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
	Amount          int64  `json:"amount"`
	Kind            string `json:"kind"`
	Description     string `json:"description"`
}

func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.PaymentMethodID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "payment_method_id is required"})
		return
	}
	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	tx, err := h.service.Create(r.Context(), services.CreateTransactionRequest{
		OwnerID:         Owner(r.Context()),
		PaymentMethodID: req.PaymentMethodID,
		Amount:          req.Amount,
		Kind:            kind,
		Description:     req.Description,
	})
	if err != nil {
		// the failed transaction is stored and retried, so hand it back
		if tx != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Transaction: tx})
			return
		}
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *PaymentHandler) GetPayments(w http.ResponseWriter, r *http.Request) {
	var filter models.Status
	if s := r.URL.Query().Get("status"); s != "" {
		filter = models.Status(s)
		if !filter.Valid() {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid status filter"})
			return
		}
	}

	txs, err := h.service.List(r.Context(), Owner(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	out := make([]models.Transaction, 0, len(txs))
	for _, tx := range txs {
		if filter == "" || tx.Status == filter {
			out = append(out, tx)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.Get(r.Context(), Owner(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *PaymentHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.Cancel(r.Context(), Owner(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// VerifyStatus checks the transaction with its provider now.
func (h *PaymentHandler) VerifyStatus(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.Refresh(r.Context(), Owner(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		if tx != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Transaction: tx})
			return
		}
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *PaymentHandler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "amount must not be negative"})
		return
	}
	refund, err := h.service.RequestRefund(r.Context(), services.RefundRequest{
		OwnerID:       Owner(r.Context()),
		TransactionID: mux.Vars(r)["id"],
		Amount:        req.Amount,
		Reason:        req.Reason,
	})
	if err != nil {
		if refund != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Refund: refund})
			return
		}
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (h *PaymentHandler) GetRefunds(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.service.Refunds(r.Context(), Owner(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if refunds == nil {
		refunds = []models.Refund{}
	}
	writeJSON(w, http.StatusOK, refunds)
}
