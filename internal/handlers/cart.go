package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/platform/auth"
	"github.com/skillforge/api/internal/platform/httpx"
	"github.com/skillforge/api/internal/services"
)

const (
	maxCartBodySize = 16 * 1024

	// sessionHeaderName carries the guest session identifier when no
	// Firebase identity is present.
	sessionHeaderName = "X-Session-ID"
)

// CartHandlers exposes cart endpoints for signed-in users and guest sessions.
type CartHandlers struct {
	authn         *auth.Authenticator
	carts         services.CartService
	allowGuests   bool
	sessionHeader string
}

// CartOption customises CartHandlers behaviour.
type CartOption func(*CartHandlers)

// WithGuestSessions toggles guest session carts. When disabled, requests
// without a Firebase identity are rejected even if they carry a session header.
func WithGuestSessions(enabled bool) CartOption {
	return func(h *CartHandlers) {
		h.allowGuests = enabled
	}
}

// WithSessionHeader overrides the header carrying the guest session identifier.
func WithSessionHeader(name string) CartOption {
	return func(h *CartHandlers) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			h.sessionHeader = trimmed
		}
	}
}

// NewCartHandlers constructs cart handlers. Authentication is optional: guests
// identify themselves through the session header instead of a bearer token.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn:         authn,
		carts:         carts,
		allowGuests:   true,
		sessionHeader: sessionHeaderName,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Get("/", h.getCart)
	r.Post("/items", h.addItem)
	r.Patch("/items/{productID}", h.updateItem)
	r.Delete("/items/{productID}", h.removeItem)
	r.Post("/merge", h.mergeCart)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	ownerKey, ok := h.ownerKey(r)
	if !ok {
		writeOwnerRequired(ctx, w)
		return
	}

	cart, err := h.carts.GetOrCreate(ctx, ownerKey)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	ownerKey, ok := h.ownerKey(r)
	if !ok {
		writeOwnerRequired(ctx, w)
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req cartItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}

	cart, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		OwnerKey:  ownerKey,
		ProductID: productID,
		Quantity:  quantity,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	ownerKey, ok := h.ownerKey(r)
	if !ok {
		writeOwnerRequired(ctx, w)
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req cartQuantityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.UpdateItemQuantity(ctx, services.UpdateCartItemCommand{
		OwnerKey:  ownerKey,
		ProductID: productID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	ownerKey, ok := h.ownerKey(r)
	if !ok {
		writeOwnerRequired(ctx, w)
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.RemoveItem(ctx, ownerKey, productID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) mergeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req cartMergeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get(h.sessionHeader))
	}
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sessionId is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.MergeGuestCart(ctx, sessionID, identity.UID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart or item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "not enough stock for the requested quantity", http.StatusConflict))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}

// ownerKey resolves the cart owner from the Firebase identity when present,
// otherwise from the guest session header.
func (h *CartHandlers) ownerKey(r *http.Request) (string, bool) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && strings.TrimSpace(identity.UID) != "" {
		return domain.UserOwnerKey(identity.UID), true
	}
	if !h.allowGuests {
		return "", false
	}
	if sessionID := strings.TrimSpace(r.Header.Get(h.sessionHeader)); sessionID != "" {
		return domain.SessionOwnerKey(sessionID), true
	}
	return "", false
}

func writeOwnerRequired(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication or session header required", http.StatusUnauthorized))
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ID          string            `json:"id"`
	OwnerKey    string            `json:"ownerKey"`
	Currency    string            `json:"currency"`
	Items       []cartItemPayload `json:"items"`
	ItemsCount  int               `json:"itemsCount"`
	TotalAmount int64             `json:"totalAmount"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	UpdatedAt   string            `json:"updatedAt,omitempty"`
	ExpiresAt   string            `json:"expiresAt,omitempty"`
}

type cartItemPayload struct {
	ProductID  string `json:"productId"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	UnitAmount int64  `json:"unitAmount"`
	Quantity   int64  `json:"quantity"`
	Subtotal   int64  `json:"subtotal"`
}

type cartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type cartQuantityRequest struct {
	Quantity int64 `json:"quantity"`
}

type cartMergeRequest struct {
	SessionID string `json:"sessionId"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	items := make([]cartItemPayload, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemPayload{
			ProductID:  item.ProductID,
			Kind:       string(item.Kind),
			Title:      item.Title,
			UnitAmount: item.UnitAmount,
			Quantity:   item.Quantity,
			Subtotal:   item.Subtotal(),
		})
	}

	return cartPayload{
		ID:          strings.TrimSpace(cart.ID),
		OwnerKey:    strings.TrimSpace(cart.OwnerKey),
		Currency:    strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:       items,
		ItemsCount:  len(items),
		TotalAmount: cart.TotalAmount(),
		Metadata:    cloneMetadata(cart.Metadata),
		UpdatedAt:   formatTime(cart.UpdatedAt),
		ExpiresAt:   formatTime(cart.ExpiresAt),
	}
}
