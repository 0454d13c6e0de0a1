package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/skillforge/api/internal/services"
)

func TestWebhookHandlersStripeDelivery(t *testing.T) {
	router := chi.NewRouter()
	var gotProvider, gotSignature string
	var gotPayload []byte
	service := &stubPaymentService{
		webhookFunc: func(ctx context.Context, provider, signature string, payload []byte) error {
			gotProvider, gotSignature, gotPayload = provider, signature, payload
			return nil
		},
	}
	NewWebhookHandlers(service).Routes(router)

	body := `{"type":"payment_intent.succeeded"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotProvider != "stripe" {
		t.Fatalf("expected provider stripe, got %s", gotProvider)
	}
	if gotSignature != "t=1,v1=abc" {
		t.Fatalf("expected signature header forwarded, got %s", gotSignature)
	}
	if string(gotPayload) != body {
		t.Fatalf("expected raw payload forwarded, got %s", gotPayload)
	}
}

func TestWebhookHandlersPaystackDelivery(t *testing.T) {
	router := chi.NewRouter()
	var gotProvider, gotSignature string
	service := &stubPaymentService{
		webhookFunc: func(ctx context.Context, provider, signature string, payload []byte) error {
			gotProvider, gotSignature = provider, signature
			return nil
		},
	}
	NewWebhookHandlers(service).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", bytes.NewBufferString(`{"event":"charge.success"}`))
	req.Header.Set("X-Paystack-Signature", "deadbeef")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotProvider != "paystack" || gotSignature != "deadbeef" {
		t.Fatalf("unexpected provider/signature %s/%s", gotProvider, gotSignature)
	}
}

func TestWebhookHandlersRejectBadSignature(t *testing.T) {
	router := chi.NewRouter()
	service := &stubPaymentService{
		webhookFunc: func(context.Context, string, string, []byte) error {
			return services.ErrPaymentInvalidSignature
		},
	}
	NewWebhookHandlers(service).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=wrong")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestWebhookHandlersUnavailableAsksForRetry(t *testing.T) {
	router := chi.NewRouter()
	service := &stubPaymentService{
		webhookFunc: func(context.Context, string, string, []byte) error {
			return services.ErrPaymentUnavailable
		},
	}
	NewWebhookHandlers(service).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", bytes.NewBufferString(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestWebhookHandlersRejectEmptyBody(t *testing.T) {
	router := chi.NewRouter()
	NewWebhookHandlers(&stubPaymentService{}).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
