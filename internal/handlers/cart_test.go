package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skillforge/api/internal/platform/auth"
	"github.com/skillforge/api/internal/services"
)

func TestCartHandlersGetCartForUser(t *testing.T) {
	router := chi.NewRouter()
	service := &stubCartService{
		getOrCreateFunc: func(ctx context.Context, ownerKey string) (services.Cart, error) {
			if ownerKey != "user:user-1" {
				t.Fatalf("expected owner key user:user-1, got %s", ownerKey)
			}
			return services.Cart{
				ID:       "crt_1",
				OwnerKey: ownerKey,
				Currency: "USD",
				Items: []services.CartItem{
					{ProductID: "course-go", Kind: "course", Title: "Go Basics", UnitAmount: 4999, Quantity: 2},
				},
				UpdatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	NewCartHandlers(nil, service).Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Cart.ID != "crt_1" {
		t.Fatalf("expected cart id crt_1, got %s", resp.Cart.ID)
	}
	if resp.Cart.TotalAmount != 9998 {
		t.Fatalf("expected total 9998, got %d", resp.Cart.TotalAmount)
	}
	if resp.Cart.ItemsCount != 1 {
		t.Fatalf("expected one line, got %d", resp.Cart.ItemsCount)
	}
}

func TestCartHandlersGetCartForGuestSession(t *testing.T) {
	router := chi.NewRouter()
	service := &stubCartService{
		getOrCreateFunc: func(ctx context.Context, ownerKey string) (services.Cart, error) {
			if ownerKey != "session:sess-9" {
				t.Fatalf("expected owner key session:sess-9, got %s", ownerKey)
			}
			return services.Cart{ID: "crt_2", OwnerKey: ownerKey, Currency: "USD"}, nil
		},
	}
	NewCartHandlers(nil, service).Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-ID", "sess-9")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestCartHandlersGuestSessionsCanBeDisabled(t *testing.T) {
	router := chi.NewRouter()
	NewCartHandlers(nil, &stubCartService{}, WithGuestSessions(false)).Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-ID", "sess-9")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersGetCartRequiresOwner(t *testing.T) {
	router := chi.NewRouter()
	NewCartHandlers(nil, &stubCartService{}).Routes(router)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemDefaultsQuantity(t *testing.T) {
	router := chi.NewRouter()
	var captured services.AddCartItemCommand
	service := &stubCartService{
		addItemFunc: func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{ID: "crt_1", OwnerKey: cmd.OwnerKey, Currency: "USD"}, nil
		},
	}
	NewCartHandlers(nil, service).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewBufferString(`{"productId":"course-go"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ProductID != "course-go" {
		t.Fatalf("expected product course-go, got %s", captured.ProductID)
	}
	if captured.Quantity != 1 {
		t.Fatalf("expected default quantity 1, got %d", captured.Quantity)
	}
}

func TestCartHandlersAddItemRequiresProduct(t *testing.T) {
	router := chi.NewRouter()
	NewCartHandlers(nil, &stubCartService{}).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewBufferString(`{"quantity":2}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemMapsStockError(t *testing.T) {
	router := chi.NewRouter()
	service := &stubCartService{
		addItemFunc: func(context.Context, services.AddCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartInsufficientStock
		},
	}
	NewCartHandlers(nil, service).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewBufferString(`{"productId":"course-go","quantity":5}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var errResp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp["error"] != "insufficient_stock" {
		t.Fatalf("expected error code insufficient_stock, got %#v", errResp["error"])
	}
}

func TestCartHandlersUpdateItemQuantity(t *testing.T) {
	router := chi.NewRouter()
	var captured services.UpdateCartItemCommand
	service := &stubCartService{
		updateItemFunc: func(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{ID: "crt_1", OwnerKey: cmd.OwnerKey, Currency: "USD"}, nil
		},
	}
	NewCartHandlers(nil, service).Routes(router)

	req := httptest.NewRequest(http.MethodPatch, "/items/course-go", bytes.NewBufferString(`{"quantity":3}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ProductID != "course-go" || captured.Quantity != 3 {
		t.Fatalf("unexpected command %#v", captured)
	}
}

func TestCartHandlersRemoveItem(t *testing.T) {
	router := chi.NewRouter()
	service := &stubCartService{
		removeItemFunc: func(ctx context.Context, ownerKey, productID string) (services.Cart, error) {
			if productID != "course-go" {
				t.Fatalf("expected product course-go, got %s", productID)
			}
			return services.Cart{ID: "crt_1", OwnerKey: ownerKey, Currency: "USD"}, nil
		},
	}
	NewCartHandlers(nil, service).Routes(router)

	req := httptest.NewRequest(http.MethodDelete, "/items/course-go", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestCartHandlersMergeRequiresAuthentication(t *testing.T) {
	router := chi.NewRouter()
	NewCartHandlers(nil, &stubCartService{}).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/merge", bytes.NewBufferString(`{"sessionId":"sess-9"}`))
	req.Header.Set("X-Session-ID", "sess-9")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersMergeDelegatesToService(t *testing.T) {
	router := chi.NewRouter()
	var gotSession, gotUser string
	service := &stubCartService{
		mergeFunc: func(ctx context.Context, sessionID, userID string) (services.Cart, error) {
			gotSession, gotUser = sessionID, userID
			return services.Cart{ID: "crt_1", OwnerKey: "user:" + userID, Currency: "USD"}, nil
		},
	}
	NewCartHandlers(nil, service).Routes(router)

	req := httptest.NewRequest(http.MethodPost, "/merge", bytes.NewBufferString(`{"sessionId":"sess-9"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotSession != "sess-9" || gotUser != "user-1" {
		t.Fatalf("expected merge sess-9 into user-1, got %s/%s", gotSession, gotUser)
	}
}

type stubCartService struct {
	getOrCreateFunc func(ctx context.Context, ownerKey string) (services.Cart, error)
	addItemFunc     func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error)
	updateItemFunc  func(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error)
	removeItemFunc  func(ctx context.Context, ownerKey, productID string) (services.Cart, error)
	clearFunc       func(ctx context.Context, ownerKey string) error
	mergeFunc       func(ctx context.Context, sessionID, userID string) (services.Cart, error)
}

func (s *stubCartService) GetOrCreate(ctx context.Context, ownerKey string) (services.Cart, error) {
	if s.getOrCreateFunc != nil {
		return s.getOrCreateFunc(ctx, ownerKey)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	if s.addItemFunc != nil {
		return s.addItemFunc(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) UpdateItemQuantity(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
	if s.updateItemFunc != nil {
		return s.updateItemFunc(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) RemoveItem(ctx context.Context, ownerKey, productID string) (services.Cart, error) {
	if s.removeItemFunc != nil {
		return s.removeItemFunc(ctx, ownerKey, productID)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) Clear(ctx context.Context, ownerKey string) error {
	if s.clearFunc != nil {
		return s.clearFunc(ctx, ownerKey)
	}
	return errors.New("not implemented")
}

func (s *stubCartService) MergeGuestCart(ctx context.Context, sessionID, userID string) (services.Cart, error) {
	if s.mergeFunc != nil {
		return s.mergeFunc(ctx, sessionID, userID)
	}
	return services.Cart{}, errors.New("not implemented")
}
