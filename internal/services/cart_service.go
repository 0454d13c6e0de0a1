package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"

	domain "github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/repositories"
)

const (
	maxCartLineQuantity = 100

	// cartTTL is how long an untouched cart stays around before cleanup
	// jobs may reap it.
	cartTTL = 30 * 24 * time.Hour
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart or cart line does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// ErrCartInsufficientStock indicates the requested quantity exceeds the sellable stock.
var ErrCartInsufficientStock = errors.New("cart service: insufficient stock")

// CartServiceDeps wires the repositories required for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	IDGenerator     func() string
}

type cartService struct {
	carts     repositories.CartRepository
	products  repositories.ProductRepository
	newID     func() string
	now       func() time.Time
	currency  string
	sanitizer *bluemonday.Policy
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	if err := validateCurrencyCode(defaultCurrency); err != nil {
		return nil, fmt.Errorf("cart service: invalid default currency: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return "crt_" + ulid.Make().String() }
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		newID:    idGen,
		now: func() time.Time {
			return clock().UTC()
		},
		currency:  defaultCurrency,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
	}, nil
}

// GetOrCreate loads the cart for the owner key, creating an empty cart when absent.
func (s *cartService) GetOrCreate(ctx context.Context, ownerKey string) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}

	key, err := normaliseOwnerKey(ownerKey)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.carts.GetByOwner(ctx, key)
	if err != nil {
		if !isRepoNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		saved, err := s.carts.Upsert(ctx, s.newCart(key))
		if err != nil {
			return Cart{}, s.translateRepoError(err)
		}
		cart = saved
	}

	return s.normaliseCart(cart, key), nil
}

// AddItem loads the product, runs an optimistic stock check, and merges the
// quantity into any existing line for the same product.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	if s == nil || s.carts == nil || s.products == nil {
		return Cart{}, ErrCartUnavailable
	}

	key, err := normaliseOwnerKey(cmd.OwnerKey)
	if err != nil {
		return Cart{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}
	if cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be %d or fewer", ErrCartInvalidInput, maxCartLineQuantity)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: product not found", ErrCartInvalidInput)
		}
		return Cart{}, s.translateRepoError(err)
	}
	if !product.Active {
		return Cart{}, fmt.Errorf("%w: product is not purchasable", ErrCartInvalidInput)
	}

	cart, err := s.loadOrNewCart(ctx, key)
	if err != nil {
		return Cart{}, err
	}

	productCurrency := strings.ToUpper(strings.TrimSpace(product.Currency))
	if len(cart.Items) == 0 {
		cart.Currency = productCurrency
	} else if !strings.EqualFold(cart.Currency, productCurrency) {
		return Cart{}, fmt.Errorf("%w: product currency must match cart currency", ErrCartInvalidInput)
	}

	requested := cmd.Quantity
	idx := indexOfCartLine(cart.Items, productID)
	if idx >= 0 {
		requested += cart.Items[idx].Quantity
	}
	if err := checkAvailableStock(product, requested); err != nil {
		return Cart{}, err
	}

	// Merging into an existing line only grows the quantity. The line keeps
	// the price and title captured when it was first added; only a brand new
	// line picks up the current catalogue price.
	if idx >= 0 {
		cart.Items[idx].Quantity = requested
	} else {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:  product.ID,
			Kind:       product.Kind,
			Title:      strings.TrimSpace(s.sanitizer.Sanitize(product.Title)),
			UnitAmount: product.UnitAmount,
			Quantity:   cmd.Quantity,
		})
	}
	cart.UpdatedAt = s.now()

	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(saved, key), nil
}

// UpdateItemQuantity replaces the quantity of an existing line after a fresh
// stock check. A quantity of zero or less removes the line.
func (s *cartService) UpdateItemQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	if s == nil || s.carts == nil || s.products == nil {
		return Cart{}, ErrCartUnavailable
	}

	key, err := normaliseOwnerKey(cmd.OwnerKey)
	if err != nil {
		return Cart{}, err
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return s.RemoveItem(ctx, cmd.OwnerKey, cmd.ProductID)
	}
	if cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be %d or fewer", ErrCartInvalidInput, maxCartLineQuantity)
	}

	cart, err := s.carts.GetByOwner(ctx, key)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartNotFound
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, key)

	idx := indexOfCartLine(cart.Items, productID)
	if idx < 0 {
		return Cart{}, ErrCartNotFound
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: product not found", ErrCartInvalidInput)
		}
		return Cart{}, s.translateRepoError(err)
	}
	if err := checkAvailableStock(product, cmd.Quantity); err != nil {
		return Cart{}, err
	}

	cart.Items[idx].Quantity = cmd.Quantity
	cart.UpdatedAt = s.now()

	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(saved, key), nil
}

// RemoveItem drops the line for the product from the owner's cart.
func (s *cartService) RemoveItem(ctx context.Context, ownerKey, productID string) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}

	key, err := normaliseOwnerKey(ownerKey)
	if err != nil {
		return Cart{}, err
	}
	target := strings.TrimSpace(productID)
	if target == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.carts.GetByOwner(ctx, key)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartNotFound
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, key)

	idx := indexOfCartLine(cart.Items, target)
	if idx < 0 {
		return Cart{}, ErrCartNotFound
	}
	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	cart.UpdatedAt = s.now()

	saved, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(saved, key), nil
}

// Clear deletes the owner's cart. A missing cart is not an error.
func (s *cartService) Clear(ctx context.Context, ownerKey string) error {
	if s == nil || s.carts == nil {
		return ErrCartUnavailable
	}
	key, err := normaliseOwnerKey(ownerKey)
	if err != nil {
		return err
	}
	if err := s.carts.Delete(ctx, key); err != nil && !isRepoNotFound(err) {
		return s.translateRepoError(err)
	}
	return nil
}

// MergeGuestCart folds the guest session cart into the user cart atomically
// and deletes the session cart. Quantities for the same product are summed.
func (s *cartService) MergeGuestCart(ctx context.Context, sessionID, userID string) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}

	sid := strings.TrimSpace(sessionID)
	uid := strings.TrimSpace(userID)
	if sid == "" || uid == "" {
		return Cart{}, ErrCartInvalidInput
	}

	fromKey := domain.SessionOwnerKey(sid)
	toKey := domain.UserOwnerKey(uid)

	merged, err := s.carts.Merge(ctx, fromKey, toKey, s.now())
	if err != nil {
		if isRepoNotFound(err) {
			// Neither cart exists yet. Hand back a fresh user cart so the
			// caller always receives a usable result.
			return s.GetOrCreate(ctx, toKey)
		}
		return Cart{}, s.translateRepoError(err)
	}

	s.logger(ctx, "cart.guest_merged", map[string]any{
		"sessionKey": fromKey,
		"userKey":    toKey,
		"itemCount":  len(merged.Items),
	})
	return s.normaliseCart(merged, toKey), nil
}

func (s *cartService) loadOrNewCart(ctx context.Context, ownerKey string) (domain.Cart, error) {
	cart, err := s.carts.GetByOwner(ctx, ownerKey)
	if err != nil {
		if isRepoNotFound(err) {
			return s.newCart(ownerKey), nil
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(cart, ownerKey), nil
}

func (s *cartService) newCart(ownerKey string) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        s.newID(),
		OwnerKey:  ownerKey,
		Currency:  s.currency,
		Items:     []domain.CartItem{},
		Metadata:  map[string]any{},
		ExpiresAt: now.Add(cartTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) normaliseCart(cart domain.Cart, ownerKey string) domain.Cart {
	if strings.TrimSpace(cart.ID) == "" {
		cart.ID = s.newID()
	}
	cart.OwnerKey = strings.TrimSpace(firstNonEmpty(cart.OwnerKey, ownerKey))
	cart.Currency = strings.ToUpper(strings.TrimSpace(firstNonEmpty(cart.Currency, s.currency)))
	if cart.Items == nil {
		cart.Items = []domain.CartItem{}
	}
	if cart.Metadata == nil {
		cart.Metadata = map[string]any{}
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = s.now()
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = s.now()
	}
	if cart.ExpiresAt.IsZero() {
		cart.ExpiresAt = s.now().Add(cartTTL)
	}
	return cart
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
	}
	return ErrCartUnavailable
}

func normaliseOwnerKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if _, _, err := domain.ParseOwnerKey(trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCartInvalidInput, err)
	}
	return trimmed, nil
}

func checkAvailableStock(product domain.Product, requested int64) error {
	if product.Stock == nil {
		return nil
	}
	if requested > *product.Stock {
		return fmt.Errorf("%w: product %s has %d in stock, requested %d", ErrCartInsufficientStock, product.ID, *product.Stock, requested)
	}
	return nil
}

func indexOfCartLine(items []domain.CartItem, productID string) int {
	target := strings.TrimSpace(productID)
	if target == "" {
		return -1
	}
	for i, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.ProductID), target) {
			return i
		}
	}
	return -1
}

func validateCurrencyCode(code string) error {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if len(trimmed) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrCartInvalidInput)
	}
	if _, err := currency.ParseISO(trimmed); err != nil {
		return fmt.Errorf("%w: unknown currency %q", ErrCartInvalidInput, trimmed)
	}
	return nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
