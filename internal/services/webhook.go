package services

import (
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/logger"
	"VPN-Reseller-bot/internal/purchase"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxWebhookBody caps the callback payload.
const maxWebhookBody = 1 << 20

// SignHeader carries the gateway signature of the raw body.
const SignHeader = "sign"

type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, body []byte, sign string) error
}

// WebhookHandler accepts payment gateway callbacks. A bad signature is 401, a malformed body 400,
// anything that may succeed on redelivery 500.
func WebhookHandler(p WebhookProcessor, notifier *logger.Notifier, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer notifier.NotifyOnPanic("WebhookHandler")
		if r.Method != http.MethodPost {
			log.Warn("webhook called with wrong method", zap.String("method", r.Method))
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			log.Warn("webhook body", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.Body.Close()

		err = p.HandleWebhook(r.Context(), body, r.Header.Get(SignHeader))
		switch {
		case err == nil:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		case errors.Is(err, purchase.ErrBadSignature):
			log.Warn("webhook with invalid signature", zap.String("remote", r.RemoteAddr))
			notifier.Alert(r.Context(), "Payment webhook with invalid signature from %s", r.RemoteAddr)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("invalid signature"))
		case errors.Is(err, errs.ErrPermanent), errors.Is(err, errs.ErrUserInput):
			log.Warn("webhook rejected", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
		default:
			log.Error("webhook failed", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// NewServer serves the webhook at path and /health.
func NewServer(addr, path string, p WebhookProcessor, notifier *logger.Notifier, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(path, WebhookHandler(p, notifier, log))
	mux.HandleFunc("/health", HealthHandler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
}
