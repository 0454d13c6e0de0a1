package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/repositories"
)

const (
	orderNumberCounterID = "orders"
	maxOrderNotesLength  = 2000
)

// ErrOrderInvalidInput indicates the caller supplied invalid input.
var ErrOrderInvalidInput = errors.New("order service: invalid input")

// ErrOrderUnavailable indicates the order service cannot fulfil the request due to missing dependencies or backend issues.
var ErrOrderUnavailable = errors.New("order service: unavailable")

// ErrOrderNotFound indicates the requested order does not exist or belongs to another user.
var ErrOrderNotFound = errors.New("order service: not found")

// ErrOrderCartEmpty indicates the cart holds no purchasable lines.
var ErrOrderCartEmpty = errors.New("order service: cart is empty")

// ErrOrderInsufficientStock indicates stock ran out between cart and order creation.
var ErrOrderInsufficientStock = errors.New("order service: insufficient stock")

// ErrOrderConflict indicates a concurrent modification prevented the operation.
var ErrOrderConflict = errors.New("order service: conflict")

// OrderServiceDeps wires the repositories required by the order factory.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Carts       repositories.CartRepository
	Counters    repositories.CounterRepository
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
	IDGenerator func() string
}

type orderService struct {
	orders    repositories.OrderRepository
	products  repositories.ProductRepository
	carts     repositories.CartRepository
	counters  repositories.CounterRepository
	newID     func() string
	now       func() time.Time
	sanitizer *bluemonday.Policy
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewOrderService constructs an OrderService validating required dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return "ord_" + ulid.Make().String() }
	}

	return &orderService{
		orders:   deps.Orders,
		products: deps.Products,
		carts:    deps.Carts,
		counters: deps.Counters,
		newID:    idGen,
		now: func() time.Time {
			return clock().UTC()
		},
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
	}, nil
}

// CreateFromCart snapshots the cart into an immutable order. Lines keep the
// unit prices captured when they were added to the cart; the catalogue is
// only consulted for existence, activity and stock. Stock decrement, sales
// counting and the order insert settle in one transaction. The cart itself
// stays untouched until payment succeeds.
func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrOrderUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, ErrOrderInvalidInput
	}
	ownerKey := strings.TrimSpace(cmd.OwnerKey)
	if ownerKey == "" {
		ownerKey = domain.UserOwnerKey(userID)
	}
	if _, _, err := domain.ParseOwnerKey(ownerKey); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	notes := strings.TrimSpace(s.sanitizer.Sanitize(cmd.Notes))
	if len(notes) > maxOrderNotesLength {
		return Order{}, fmt.Errorf("%w: notes must be %d characters or fewer", ErrOrderInvalidInput, maxOrderNotesLength)
	}
	if cmd.Tax < 0 || cmd.Shipping < 0 || cmd.Discount < 0 {
		return Order{}, fmt.Errorf("%w: tax, shipping and discount must not be negative", ErrOrderInvalidInput)
	}

	cart, err := s.carts.GetByOwner(ctx, ownerKey)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrOrderCartEmpty
		}
		return Order{}, s.translateRepoError(err)
	}
	if len(cart.Items) == 0 {
		return Order{}, ErrOrderCartEmpty
	}

	now := s.now()
	items, adjustments, err := s.snapshotItems(ctx, cart)
	if err != nil {
		return Order{}, err
	}

	var subtotal int64
	for _, item := range items {
		subtotal += item.Subtotal
	}
	total := subtotal + cmd.Tax + cmd.Shipping - cmd.Discount
	if total < 0 {
		return Order{}, fmt.Errorf("%w: discount exceeds the order amount", ErrOrderInvalidInput)
	}

	number, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := domain.Order{
		ID:              s.newID(),
		Number:          number,
		UserID:          userID,
		CartID:          cart.ID,
		Currency:        strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:           items,
		Subtotal:        subtotal,
		Tax:             cmd.Tax,
		Shipping:        cmd.Shipping,
		Discount:        cmd.Discount,
		TotalAmount:     total,
		Status:          domain.OrderStatusPending,
		Payment:         domain.PaymentStateUnpaid,
		Fulfillment:     domain.FulfillmentStateUnfulfilled,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
		Notes:           notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// One transaction settles everything: the order document, the stock
	// checks and decrements, and the sales counters. Two concurrent orders
	// can never both take the last unit, and a failed insert leaves stock
	// untouched.
	if err := s.orders.InsertWithStockDecrement(ctx, order, adjustments, now); err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderInsufficientStock, stockErr.Message)
		}
		return Order{}, s.translateRepoError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.Number,
		"userId":      userID,
		"totalAmount": total,
	})
	return order, nil
}

// GetOrder loads an order scoped to its owner.
func (s *orderService) GetOrder(ctx context.Context, userID, orderID string) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrOrderUnavailable
	}

	uid := strings.TrimSpace(userID)
	oid := strings.TrimSpace(orderID)
	if uid == "" || oid == "" {
		return Order{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindByID(ctx, oid)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if !strings.EqualFold(order.UserID, uid) {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns a page of the user's order history, newest first.
func (s *orderService) ListOrders(ctx context.Context, userID string, pager Pagination) (OrderList, error) {
	if s == nil || s.orders == nil {
		return OrderList{}, ErrOrderUnavailable
	}

	uid := strings.TrimSpace(userID)
	if uid == "" {
		return OrderList{}, ErrOrderInvalidInput
	}

	page, err := s.orders.ListByUser(ctx, uid, pager)
	if err != nil {
		return OrderList{}, s.translateRepoError(err)
	}
	return OrderList{
		Orders:        page.Orders,
		NextPageToken: page.NextPageToken,
	}, nil
}

func (s *orderService) snapshotItems(ctx context.Context, cart domain.Cart) ([]domain.OrderItem, []repositories.StockAdjustment, error) {
	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: line quantity must be greater than zero", ErrOrderInvalidInput)
		}
		ids = append(ids, item.ProductID)
	}

	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, nil, s.translateRepoError(err)
	}

	items := make([]domain.OrderItem, 0, len(cart.Items))
	adjustments := make([]repositories.StockAdjustment, 0, len(cart.Items))
	for _, line := range cart.Items {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: product %s no longer exists", ErrOrderInvalidInput, line.ProductID)
		}
		if !product.Active {
			return nil, nil, fmt.Errorf("%w: product %s is no longer purchasable", ErrOrderInvalidInput, line.ProductID)
		}
		// The cart line carries the price and title captured when the item
		// was added. The catalogue only gates existence, activity and stock;
		// a price change after the add never moves the order total.
		title := strings.TrimSpace(s.sanitizer.Sanitize(line.Title))
		if title == "" {
			title = strings.TrimSpace(s.sanitizer.Sanitize(product.Title))
		}
		items = append(items, domain.OrderItem{
			ProductID:  product.ID,
			Kind:       product.Kind,
			Title:      title,
			UnitAmount: line.UnitAmount,
			Quantity:   line.Quantity,
			Subtotal:   line.UnitAmount * line.Quantity,
		})
		adjustments = append(adjustments, repositories.StockAdjustment{
			ProductID: product.ID,
			Quantity:  line.Quantity,
		})
	}
	return items, adjustments, nil
}

func (s *orderService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounterID, 1)
	if err != nil {
		return "", s.translateRepoError(err)
	}
	return fmt.Sprintf("SF-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		case repoErr.IsUnavailable():
			return ErrOrderUnavailable
		}
	}
	return ErrOrderUnavailable
}
