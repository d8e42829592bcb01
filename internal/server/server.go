package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"quiz-bot/internal/payment"
	"quiz-bot/pkg/logger"
)

type Server struct {
	server *http.Server
	logger *logger.Logger
}

// yooNotification is the YooKassa webhook envelope. Only the payment id is
// acted on; event and status are decoded for the log line.
type yooNotification struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

func NewServer(port string, reconciler *payment.Reconciler, logger *logger.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/webhook/yookassa", func(w http.ResponseWriter, r *http.Request) {
		handleYooKassaWebhook(w, r, reconciler, logger)
	})

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		server: httpServer,
		logger: logger,
	}
}

// handleYooKassaWebhook accepts a gateway push notification and folds it
// into the reconciliation flow. The body carries no credentials, so only
// the payment id is taken from it; the reconciler re-fetches the real
// status from the gateway before acting. The poller remains the source of
// truth, so a dropped or duplicated webhook is harmless.
func handleYooKassaWebhook(w http.ResponseWriter, r *http.Request, reconciler *payment.Reconciler, logger *logger.Logger) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if reconciler == nil {
		// Payments disabled; acknowledge so the gateway stops retrying.
		w.WriteHeader(http.StatusOK)
		return
	}

	var n yooNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		logger.Warnw("failed to decode webhook body", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if n.Object.ID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	logger.Infow("received gateway webhook",
		"event", n.Event, "payment_id", n.Object.ID, "status", n.Object.Status)

	if err := reconciler.HandleGatewayEvent(r.Context(), n.Object.ID); err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			// Not a payment of ours; acknowledge so the sender stops retrying.
			logger.Warnw("webhook for unknown payment", "payment_id", n.Object.ID)
			w.WriteHeader(http.StatusOK)
			return
		}
		logger.Errorw("failed to process gateway webhook", "payment_id", n.Object.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) Start() error {
	s.logger.Infow("starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.server.Shutdown(ctx)
}
