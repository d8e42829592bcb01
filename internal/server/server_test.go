package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"quiz-bot/internal/payment"
	"quiz-bot/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/webhook/yookassa", nil)
	rec := httptest.NewRecorder()

	handleYooKassaWebhook(rec, req, nil, testLogger())

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestWebhookAcksWhenPaymentsDisabled(t *testing.T) {
	body := `{"event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded","paid":true}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", strings.NewReader(body))
	rec := httptest.NewRecorder()

	// With no reconciler the notification is acknowledged and dropped, so
	// the gateway stops retrying.
	handleYooKassaWebhook(rec, req, nil, testLogger())

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	// Decode and id validation run before the reconciler is touched, so a
	// reconciler with no backing stores is safe here.
	reconciler := payment.NewReconciler(nil, nil, testLogger(), time.Hour, time.Hour)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not-json"},
		{name: "missing payment id", body: `{"event":"payment.succeeded","object":{"status":"succeeded"}}`},
		{name: "empty object", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook/yookassa", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			handleYooKassaWebhook(rec, req, reconciler, testLogger())

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer("0", nil, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", rec.Body.String())
	}
}
