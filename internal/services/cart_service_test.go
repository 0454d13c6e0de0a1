package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/skillforge/api/internal/domain"
)

var cartTestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCartService(t *testing.T, carts *stubCartRepository, products *stubProductRepository) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Carts:           carts,
		Products:        products,
		Clock:           fixedClock(cartTestNow),
		DefaultCurrency: "USD",
	})
	if err != nil {
		t.Fatalf("NewCartService returned error: %v", err)
	}
	return svc
}

func TestGetOrCreateCreatesMissingCart(t *testing.T) {
	var upserted *domain.Cart
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{}, errRepoNotFound
		},
		UpsertFunc: func(_ context.Context, cart domain.Cart) (domain.Cart, error) {
			upserted = &cart
			return cart, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{})

	cart, err := svc.GetOrCreate(context.Background(), domain.UserOwnerKey("user-1"))
	if err != nil {
		t.Fatalf("GetOrCreate returned error: %v", err)
	}
	if upserted == nil {
		t.Fatal("expected a new cart to be persisted")
	}
	if cart.OwnerKey != "user:user-1" {
		t.Fatalf("unexpected owner key %s", cart.OwnerKey)
	}
	if cart.Currency != "USD" {
		t.Fatalf("expected default currency USD, got %s", cart.Currency)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected empty cart, got %d items", len(cart.Items))
	}
	if !cart.ExpiresAt.Equal(cartTestNow.Add(cartTTL)) {
		t.Fatalf("expected expiry %s, got %s", cartTestNow.Add(cartTTL), cart.ExpiresAt)
	}
}

func TestGetOrCreateRejectsMalformedOwnerKey(t *testing.T) {
	svc := newTestCartService(t, &stubCartRepository{}, &stubProductRepository{})
	if _, err := svc.GetOrCreate(context.Background(), "user-1"); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestAddItemMergesExistingLine(t *testing.T) {
	existing := domain.Cart{
		ID:       "crt_1",
		OwnerKey: "user:user-1",
		Currency: "USD",
		Items: []domain.CartItem{
			{ProductID: "course-go", Kind: domain.ProductKindCourse, Title: "Go Fundamentals", UnitAmount: 4999, Quantity: 1},
		},
		CreatedAt: cartTestNow.Add(-time.Hour),
		UpdatedAt: cartTestNow.Add(-time.Hour),
	}
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return existing, nil
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{
				ID: "course-go", Kind: domain.ProductKindCourse, Title: "Go Fundamentals",
				UnitAmount: 4999, Currency: "USD", Stock: int64Ptr(10), Active: true,
			}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("expected a single merged line, got %d", len(cart.Items))
	}
	if cart.Items[0].Quantity != 3 {
		t.Fatalf("expected merged quantity 3, got %d", cart.Items[0].Quantity)
	}
	if cart.TotalAmount() != 3*4999 {
		t.Fatalf("unexpected total %d", cart.TotalAmount())
	}
}

func TestAddItemMergeKeepsAddTimePrice(t *testing.T) {
	existing := domain.Cart{
		ID:       "crt_1",
		OwnerKey: "user:user-1",
		Currency: "USD",
		Items: []domain.CartItem{
			{ProductID: "course-go", Kind: domain.ProductKindCourse, Title: "Go Fundamentals", UnitAmount: 4999, Quantity: 1},
		},
	}
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return existing, nil
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			// Catalogue price rose after the line was added.
			return domain.Product{
				ID: "course-go", Kind: domain.ProductKindCourse, Title: "Go Fundamentals v2",
				UnitAmount: 5999, Currency: "USD", Stock: int64Ptr(10), Active: true,
			}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if cart.Items[0].UnitAmount != 4999 {
		t.Fatalf("expected merged line to keep price 4999, got %d", cart.Items[0].UnitAmount)
	}
	if cart.Items[0].Title != "Go Fundamentals" {
		t.Fatalf("expected merged line to keep its title, got %q", cart.Items[0].Title)
	}
	if cart.Items[0].Quantity != 2 {
		t.Fatalf("expected merged quantity 2, got %d", cart.Items[0].Quantity)
	}
}

func TestAddItemNewLineUsesCurrentPrice(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{}, errRepoNotFound
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{
				ID: "course-go", Kind: domain.ProductKindCourse, Title: "Go Fundamentals",
				UnitAmount: 5999, Currency: "USD", Stock: int64Ptr(10), Active: true,
			}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if cart.Items[0].UnitAmount != 5999 {
		t.Fatalf("expected new line at current price 5999, got %d", cart.Items[0].UnitAmount)
	}
}

func TestAddItemRejectsInsufficientStock(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{}, errRepoNotFound
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{
				ID: "course-go", Kind: domain.ProductKindCourse, Title: "Go Fundamentals",
				UnitAmount: 4999, Currency: "USD", Stock: int64Ptr(1), Active: true,
			}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  2,
	})
	if !errors.Is(err, ErrCartInsufficientStock) {
		t.Fatalf("expected ErrCartInsufficientStock, got %v", err)
	}
}

func TestAddItemAllowsUnlimitedStock(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{}, errRepoNotFound
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{
				ID: "tier-pro", Kind: domain.ProductKindTier, Title: "Pro",
				UnitAmount: 1999, Currency: "USD", Active: true,
			}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{
		OwnerKey:  "session:sess-1",
		ProductID: "tier-pro",
		Quantity:  5,
	})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}
	if cart.Items[0].Quantity != 5 {
		t.Fatalf("expected quantity 5, got %d", cart.Items[0].Quantity)
	}
}

func TestAddItemRejectsInactiveProduct(t *testing.T) {
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{ID: "course-go", Currency: "USD", Active: false}, nil
		},
	}
	svc := newTestCartService(t, &stubCartRepository{}, products)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestAddItemRejectsCurrencyMismatch(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{
				ID: "crt_1", OwnerKey: "user:user-1", Currency: "USD",
				Items: []domain.CartItem{{ProductID: "course-go", UnitAmount: 4999, Quantity: 1}},
			}, nil
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{ID: "course-ng", UnitAmount: 250000, Currency: "NGN", Active: true}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-ng",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestUpdateItemQuantityReplacesQuantity(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{
				ID: "crt_1", OwnerKey: "user:user-1", Currency: "USD",
				Items: []domain.CartItem{{ProductID: "course-go", UnitAmount: 4999, Quantity: 1}},
			}, nil
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{ID: "course-go", UnitAmount: 4999, Currency: "USD", Stock: int64Ptr(10), Active: true}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	cart, err := svc.UpdateItemQuantity(context.Background(), UpdateCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  4,
	})
	if err != nil {
		t.Fatalf("UpdateItemQuantity returned error: %v", err)
	}
	if cart.Items[0].Quantity != 4 {
		t.Fatalf("expected quantity 4, got %d", cart.Items[0].Quantity)
	}
}

func TestUpdateItemQuantityKeepsLinePrice(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{
				ID: "crt_1", OwnerKey: "user:user-1", Currency: "USD",
				Items: []domain.CartItem{{ProductID: "course-go", UnitAmount: 4999, Quantity: 1}},
			}, nil
		},
	}
	products := &stubProductRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return domain.Product{ID: "course-go", UnitAmount: 5999, Currency: "USD", Stock: int64Ptr(10), Active: true}, nil
		},
	}
	svc := newTestCartService(t, carts, products)

	cart, err := svc.UpdateItemQuantity(context.Background(), UpdateCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("UpdateItemQuantity returned error: %v", err)
	}
	if cart.Items[0].UnitAmount != 4999 {
		t.Fatalf("expected line to keep price 4999, got %d", cart.Items[0].UnitAmount)
	}
}

func TestUpdateItemQuantityZeroRemovesLine(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{
				ID: "crt_1", OwnerKey: "user:user-1", Currency: "USD",
				Items: []domain.CartItem{
					{ProductID: "course-go", UnitAmount: 4999, Quantity: 2},
					{ProductID: "tier-pro", UnitAmount: 1999, Quantity: 1},
				},
			}, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{})

	cart, err := svc.UpdateItemQuantity(context.Background(), UpdateCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  0,
	})
	if err != nil {
		t.Fatalf("UpdateItemQuantity returned error: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].ProductID != "tier-pro" {
		t.Fatalf("expected zero quantity to remove the line, got %+v", cart.Items)
	}
}

func TestUpdateItemQuantityMissingLine(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{ID: "crt_1", OwnerKey: "user:user-1", Currency: "USD"}, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{})

	_, err := svc.UpdateItemQuantity(context.Background(), UpdateCartItemCommand{
		OwnerKey:  "user:user-1",
		ProductID: "course-go",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestRemoveItemDropsLine(t *testing.T) {
	carts := &stubCartRepository{
		GetByOwnerFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{
				ID: "crt_1", OwnerKey: "user:user-1", Currency: "USD",
				Items: []domain.CartItem{
					{ProductID: "course-go", UnitAmount: 4999, Quantity: 1},
					{ProductID: "tier-pro", UnitAmount: 1999, Quantity: 1},
				},
			}, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{})

	cart, err := svc.RemoveItem(context.Background(), "user:user-1", "course-go")
	if err != nil {
		t.Fatalf("RemoveItem returned error: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].ProductID != "tier-pro" {
		t.Fatalf("unexpected items after removal: %+v", cart.Items)
	}
}

func TestClearIgnoresMissingCart(t *testing.T) {
	carts := &stubCartRepository{
		DeleteFunc: func(_ context.Context, _ string) error {
			return errRepoNotFound
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{})

	if err := svc.Clear(context.Background(), "user:user-1"); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
}

func TestMergeGuestCartDelegatesAtomically(t *testing.T) {
	var gotFrom, gotTo string
	carts := &stubCartRepository{
		MergeFunc: func(_ context.Context, fromKey, toKey string, _ time.Time) (domain.Cart, error) {
			gotFrom, gotTo = fromKey, toKey
			return domain.Cart{
				ID: "crt_user", OwnerKey: toKey, Currency: "USD",
				Items: []domain.CartItem{{ProductID: "course-go", UnitAmount: 4999, Quantity: 3}},
			}, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{})

	cart, err := svc.MergeGuestCart(context.Background(), "sess-1", "user-1")
	if err != nil {
		t.Fatalf("MergeGuestCart returned error: %v", err)
	}
	if gotFrom != "session:sess-1" || gotTo != "user:user-1" {
		t.Fatalf("unexpected merge keys %s -> %s", gotFrom, gotTo)
	}
	if cart.Items[0].Quantity != 3 {
		t.Fatalf("expected merged quantity 3, got %d", cart.Items[0].Quantity)
	}
}

func TestMergeGuestCartMissingSourceFallsBackToUserCart(t *testing.T) {
	userCart := domain.Cart{ID: "crt_user", OwnerKey: "user:user-1", Currency: "USD"}
	carts := &stubCartRepository{
		MergeFunc: func(_ context.Context, _, _ string, _ time.Time) (domain.Cart, error) {
			return domain.Cart{}, errRepoNotFound
		},
		GetByOwnerFunc: func(_ context.Context, ownerKey string) (domain.Cart, error) {
			if ownerKey == "user:user-1" {
				return userCart, nil
			}
			return domain.Cart{}, errRepoNotFound
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{})

	cart, err := svc.MergeGuestCart(context.Background(), "sess-1", "user-1")
	if err != nil {
		t.Fatalf("MergeGuestCart returned error: %v", err)
	}
	if cart.ID != "crt_user" {
		t.Fatalf("expected existing user cart, got %s", cart.ID)
	}
}
