package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/platform/auth"
	"github.com/skillforge/api/internal/platform/httpx"
	"github.com/skillforge/api/internal/services"
)

const maxPaymentBodySize = 16 * 1024

// PaymentHandlers exposes payment initialization, verification and refund
// endpoints. Webhooks live in WebhookHandlers so they can skip authentication.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService

	initMiddleware  func(http.Handler) http.Handler
	adminMiddleware func(http.Handler) http.Handler
	verifyLimiter   rateLimiter
}

// PaymentOption customises PaymentHandlers behaviour.
type PaymentOption func(*PaymentHandlers)

// WithInitializeMiddleware applies a middleware, typically the idempotency
// guard, to the initialize endpoint only.
func WithInitializeMiddleware(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.initMiddleware = mw
	}
}

// WithRefundMiddleware applies a middleware, typically the OIDC admin guard,
// to the refund endpoint.
func WithRefundMiddleware(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.adminMiddleware = mw
	}
}

// WithVerifyRateLimit throttles verification polling per caller.
func WithVerifyRateLimit(limit int, window time.Duration) PaymentOption {
	return func(h *PaymentHandlers) {
		h.verifyLimiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewPaymentHandlers constructs payment handlers guarded by Firebase authentication.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /payments endpoints onto the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	authed := r
	if h.authn != nil {
		authed = r.With(h.authn.RequireFirebaseAuth())
	}

	initialize := authed
	if h.initMiddleware != nil {
		initialize = authed.With(h.initMiddleware)
	}
	initialize.Post("/initialize", h.initialize)

	authed.Get("/verify/{transactionID}", h.verify)
	authed.Get("/verify-by-ref/{reference}", h.verifyByReference)

	refund := r
	if h.adminMiddleware != nil {
		refund = r.With(h.adminMiddleware)
	}
	refund.Post("/refund/{transactionID}", h.refund)
}

type initializePaymentRequest struct {
	TargetKind    string            `json:"targetKind"`
	TargetID      string            `json:"targetId"`
	Provider      string            `json:"provider"`
	Email         string            `json:"email"`
	CartSessionID string            `json:"cartSessionId"`
	CallbackURL   string            `json:"callbackUrl"`
	Metadata      map[string]string `json:"metadata"`
}

type initializePaymentResponse struct {
	Transaction      transactionPayload `json:"transaction"`
	AuthorizationURL string             `json:"authorizationUrl,omitempty"`
	ClientSecret     string             `json:"clientSecret,omitempty"`
	IsFree           bool               `json:"isFree"`
}

func (h *PaymentHandlers) initialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req initializePaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	targetKind := strings.TrimSpace(req.TargetKind)
	targetID := strings.TrimSpace(req.TargetID)
	if targetKind == "" || targetID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "targetKind and targetId are required", http.StatusBadRequest))
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = strings.TrimSpace(identity.Email)
	}

	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		metadata[key] = strings.TrimSpace(v)
	}

	cmd := services.InitializePaymentCommand{
		UserID:         identity.UID,
		Email:          email,
		TargetKind:     targetKind,
		TargetID:       targetID,
		Provider:       strings.TrimSpace(req.Provider),
		CallbackURL:    strings.TrimSpace(req.CallbackURL),
		Metadata:       metadata,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	switch {
	case strings.TrimSpace(req.CartSessionID) != "":
		cmd.CartOwnerKey = domain.SessionOwnerKey(req.CartSessionID)
	case targetKind == "order":
		cmd.CartOwnerKey = domain.UserOwnerKey(identity.UID)
	}

	result, err := h.payments.InitializePayment(ctx, cmd)
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}

	payload := initializePaymentResponse{
		Transaction:      buildTransactionPayload(result.Transaction),
		AuthorizationURL: result.AuthorizationURL,
		ClientSecret:     result.ClientSecret,
		IsFree:           result.IsFree,
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *PaymentHandlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if !h.allowVerify(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many verification requests", http.StatusTooManyRequests))
		return
	}

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transaction id is required", http.StatusBadRequest))
		return
	}

	txn, err := h.payments.VerifyPayment(ctx, transactionID)
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, transactionResponse{Transaction: buildTransactionPayload(txn)})
}

func (h *PaymentHandlers) verifyByReference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if !h.allowVerify(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many verification requests", http.StatusTooManyRequests))
		return
	}

	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reference is required", http.StatusBadRequest))
		return
	}

	txn, err := h.payments.VerifyByReference(ctx, reference)
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, transactionResponse{Transaction: buildTransactionPayload(txn)})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionID"))
	if transactionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transaction id is required", http.StatusBadRequest))
		return
	}

	var req refundRequest
	body, err := readLimitedBody(r, maxPaymentBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
	default:
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.RefundCommand{
		TransactionID: transactionID,
		Reason:        strings.TrimSpace(req.Reason),
		RequestedBy:   refundRequester(ctx),
	}

	txn, err := h.payments.Refund(ctx, cmd)
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, transactionResponse{Transaction: buildTransactionPayload(txn)})
}

func (h *PaymentHandlers) allowVerify(key string) bool {
	if h.verifyLimiter == nil {
		return true
	}
	return h.verifyLimiter.Allow(key)
}

func refundRequester(ctx context.Context) string {
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && strings.TrimSpace(svc.Subject) != "" {
		return svc.Subject
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		return identity.UID
	}
	return "admin"
}

func (h *PaymentHandlers) writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("transaction_not_found", "transaction not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transaction_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
	case errors.Is(err, services.ErrPaymentProviderFailed):
		httpx.WriteError(ctx, w, httpx.NewError("provider_error", "payment provider request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}

type transactionResponse struct {
	Transaction transactionPayload `json:"transaction"`
}

type transactionPayload struct {
	ID               string `json:"id"`
	Reference        string `json:"reference"`
	Provider         string `json:"provider"`
	TargetKind       string `json:"targetKind"`
	TargetID         string `json:"targetId"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ProviderRef      string `json:"providerRef,omitempty"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`
	FulfilledAt      string `json:"fulfilledAt,omitempty"`
	RefundedAt       string `json:"refundedAt,omitempty"`
	CreatedAt        string `json:"createdAt,omitempty"`
}

func buildTransactionPayload(txn services.Transaction) transactionPayload {
	return transactionPayload{
		ID:               strings.TrimSpace(txn.ID),
		Reference:        strings.TrimSpace(txn.Reference),
		Provider:         strings.TrimSpace(txn.Provider),
		TargetKind:       string(txn.Target.Kind),
		TargetID:         strings.TrimSpace(txn.Target.ID),
		Amount:           txn.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(txn.Currency)),
		Status:           string(txn.Status),
		ProviderRef:      strings.TrimSpace(txn.ProviderRef),
		AuthorizationURL: strings.TrimSpace(txn.AuthorizationURL),
		FailureReason:    strings.TrimSpace(txn.FailureReason),
		FulfilledAt:      formatTimePointer(txn.FulfilledAt),
		RefundedAt:       formatTimePointer(txn.RefundedAt),
		CreatedAt:        formatTime(txn.CreatedAt),
	}
}
