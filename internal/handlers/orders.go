package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/platform/auth"
	"github.com/skillforge/api/internal/platform/httpx"
	"github.com/skillforge/api/internal/services"
)

const (
	maxOrderBodySize     = 16 * 1024
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderHandlers exposes order creation and history endpoints for signed-in users.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
}

type createOrderRequest struct {
	Notes           string          `json:"notes"`
	SessionID       string          `json:"sessionId"`
	ShippingAddress *addressPayload `json:"shippingAddress"`
	BillingAddress  *addressPayload `json:"billingAddress"`
}

type addressPayload struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

func (p *addressPayload) toDomain() *domain.Address {
	if p == nil {
		return nil
	}
	return &domain.Address{
		Name:       strings.TrimSpace(p.Name),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      strings.TrimSpace(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      strings.TrimSpace(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(p.Country)),
		Phone:      strings.TrimSpace(p.Phone),
	}
}

func buildAddressPayload(addr *domain.Address) *addressPayload {
	if addr == nil {
		return nil
	}
	return &addressPayload{
		Name:       addr.Name,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req createOrderRequest
	body, err := readLimitedBody(r, maxOrderBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// An empty body orders the user's own cart with no notes.
	default:
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:          identity.UID,
		Notes:           req.Notes,
		ShippingAddress: req.ShippingAddress.toDomain(),
		BillingAddress:  req.BillingAddress.toDomain(),
	}
	// A session id lets a freshly signed-in user order a cart they built as
	// a guest without merging first.
	if sessionID := strings.TrimSpace(req.SessionID); sessionID != "" {
		cmd.OwnerKey = domain.SessionOwnerKey(sessionID)
	}

	order, err := h.orders.CreateFromCart(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	pager := services.Pagination{
		PageSize:  defaultOrderPageSize,
		PageToken: strings.TrimSpace(r.URL.Query().Get("pageToken")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageSize must be a positive integer", http.StatusBadRequest))
			return
		}
		if size > maxOrderPageSize {
			size = maxOrderPageSize
		}
		pager.PageSize = size
	}

	list, err := h.orders.ListOrders(ctx, identity.UID, pager)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	orders := make([]orderPayload, 0, len(list.Orders))
	for _, order := range list.Orders {
		orders = append(orders, buildOrderPayload(order))
	}

	payload := orderListResponse{Orders: orders}
	if list.NextPageToken != "" {
		payload.NextPageToken = list.NextPageToken
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, identity.UID, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart has no items to order", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order state has changed; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderPayload struct {
	ID                string             `json:"id"`
	Number            string             `json:"number"`
	Currency          string             `json:"currency"`
	Items             []orderItemPayload `json:"items"`
	Subtotal          int64              `json:"subtotal"`
	Tax               int64              `json:"tax,omitempty"`
	Shipping          int64              `json:"shipping,omitempty"`
	Discount          int64              `json:"discount,omitempty"`
	TotalAmount       int64              `json:"totalAmount"`
	Status            string             `json:"status"`
	PaymentStatus     string             `json:"paymentStatus"`
	FulfillmentStatus string             `json:"fulfillmentStatus"`
	ShippingAddress   *addressPayload    `json:"shippingAddress,omitempty"`
	BillingAddress    *addressPayload    `json:"billingAddress,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	PaidAt            string             `json:"paidAt,omitempty"`
	ShippedAt         string             `json:"shippedAt,omitempty"`
	CancelledAt       string             `json:"cancelledAt,omitempty"`
	CreatedAt         string             `json:"createdAt,omitempty"`
}

type orderItemPayload struct {
	ProductID  string `json:"productId"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
	UnitAmount int64  `json:"unitAmount"`
	Quantity   int64  `json:"quantity"`
	Subtotal   int64  `json:"subtotal"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:  item.ProductID,
			Kind:       string(item.Kind),
			Title:      item.Title,
			UnitAmount: item.UnitAmount,
			Quantity:   item.Quantity,
			Subtotal:   item.Subtotal,
		})
	}

	return orderPayload{
		ID:                strings.TrimSpace(order.ID),
		Number:            strings.TrimSpace(order.Number),
		Currency:          strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:             items,
		Subtotal:          order.Subtotal,
		Tax:               order.Tax,
		Shipping:          order.Shipping,
		Discount:          order.Discount,
		TotalAmount:       order.TotalAmount,
		Status:            string(order.Status),
		PaymentStatus:     string(order.Payment),
		FulfillmentStatus: string(order.Fulfillment),
		ShippingAddress:   buildAddressPayload(order.ShippingAddress),
		BillingAddress:    buildAddressPayload(order.BillingAddress),
		Notes:             strings.TrimSpace(order.Notes),
		PaidAt:            formatTimePointer(order.PaidAt),
		ShippedAt:         formatTimePointer(order.ShippedAt),
		CancelledAt:       formatTimePointer(order.CancelledAt),
		CreatedAt:         formatTime(order.CreatedAt),
	}
}
