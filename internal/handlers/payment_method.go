package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
	"github.com/markjakearzadon/momopay-gobackend.git/internal/services"
)

type PaymentMethodHandler struct {
	service *services.PaymentMethodService
	log     *zap.Logger
}

func NewPaymentMethodHandler(service *services.PaymentMethodService, log *zap.Logger) *PaymentMethodHandler {
	return &PaymentMethodHandler{service: service, log: log}
}

type addPaymentMethodRequest struct {
	Provider    string `json:"provider"`
	PhoneNumber string `json:"phone_number"`
}

func (h *PaymentMethodHandler) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req addPaymentMethodRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	pm, err := h.service.Add(r.Context(), Owner(r.Context()), req.Provider, req.PhoneNumber)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, pm)
}

func (h *PaymentMethodHandler) GetPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.service.List(r.Context(), Owner(r.Context()))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if methods == nil {
		methods = []models.PaymentMethod{}
	}
	writeJSON(w, http.StatusOK, methods)
}

func (h *PaymentMethodHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	pm, err := h.service.SetDefault(r.Context(), Owner(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

// StartVerification sends a fresh code; the code itself never appears in
// the response.
func (h *PaymentMethodHandler) StartVerification(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.StartVerification(r.Context(), Owner(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"payment_method_id": v.PaymentMethodID,
		"expires_at":        v.ExpiresAt,
	})
}

type confirmRequest struct {
	Code string `json:"code"`
}

func (h *PaymentMethodHandler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "code is required"})
		return
	}
	pm, err := h.service.ConfirmVerification(r.Context(), Owner(r.Context()), mux.Vars(r)["id"], req.Code)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}
