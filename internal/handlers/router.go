package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Router struct {
	Auth           *Auth
	Payments       *PaymentHandler
	PaymentMethods *PaymentMethodHandler
	Webhooks       *WebhookHandler
	Log            *zap.Logger
}

// Handler builds the HTTP routes.
func (rt Router) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(rt.logRequests)
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/webhooks/{provider}", rt.Webhooks.Webhook).Methods("POST")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(rt.Auth.Middleware)
	api.HandleFunc("/transactions", rt.Payments.CreatePayment).Methods("POST")
	api.HandleFunc("/transactions", rt.Payments.GetPayments).Methods("GET")
	api.HandleFunc("/transactions/{id}", rt.Payments.GetPayment).Methods("GET")
	api.HandleFunc("/transactions/{id}/cancel", rt.Payments.CancelPayment).Methods("POST")
	api.HandleFunc("/transactions/{id}/verify-status", rt.Payments.VerifyStatus).Methods("POST")
	api.HandleFunc("/transactions/{id}/refunds", rt.Payments.RequestRefund).Methods("POST")
	api.HandleFunc("/transactions/{id}/refunds", rt.Payments.GetRefunds).Methods("GET")

	api.HandleFunc("/payment-methods", rt.PaymentMethods.AddPaymentMethod).Methods("POST")
	api.HandleFunc("/payment-methods", rt.PaymentMethods.GetPaymentMethods).Methods("GET")
	api.HandleFunc("/payment-methods/{id}/default", rt.PaymentMethods.SetDefault).Methods("POST")
	api.HandleFunc("/payment-methods/{id}/verify", rt.PaymentMethods.StartVerification).Methods("POST")
	api.HandleFunc("/payment-methods/{id}/confirm", rt.PaymentMethods.ConfirmVerification).Methods("POST")
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (rt Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		rt.Log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
