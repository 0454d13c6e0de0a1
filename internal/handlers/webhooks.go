package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skillforge/api/internal/platform/httpx"
	"github.com/skillforge/api/internal/services"
)

// Provider webhook payloads are larger than client requests; Stripe events
// routinely carry full expanded objects.
const maxWebhookBodySize = 256 * 1024

const (
	stripeSignatureHeader   = "Stripe-Signature"
	paystackSignatureHeader = "X-Paystack-Signature"
)

// WebhookHandlers receives provider event callbacks. These endpoints are
// unauthenticated; each provider's signature check is the trust boundary.
type WebhookHandlers struct {
	payments services.PaymentService
}

// NewWebhookHandlers constructs webhook handlers for the payment service.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{payments: payments}
}

// Routes wires the provider webhook endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhooks/stripe", h.handleStripe)
	r.Post("/webhooks/paystack", h.handlePaystack)
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "stripe", r.Header.Get(stripeSignatureHeader))
}

func (h *WebhookHandlers) handlePaystack(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "paystack", r.Header.Get(paystackSignatureHeader))
}

func (h *WebhookHandlers) handle(w http.ResponseWriter, r *http.Request, provider, signature string) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := readWebhookBody(r)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read webhook payload", http.StatusBadRequest))
		}
		return
	}

	if err := h.payments.HandleWebhook(ctx, provider, signature, payload); err != nil {
		h.writeWebhookError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}

func (h *WebhookHandlers) writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentUnavailable):
		// 5xx asks the provider to retry delivery later.
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
	}
}

// readWebhookBody reads the raw payload without trimming; signatures are
// computed over the exact bytes the provider sent.
func readWebhookBody(r *http.Request) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errEmptyBody
	}
	if len(data) > maxWebhookBodySize {
		return nil, errBodyTooLarge
	}
	return data, nil
}
