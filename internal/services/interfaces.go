package services

import (
	"context"

	domain "github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination        = domain.Pagination
	Cart              = domain.Cart
	CartItem          = domain.CartItem
	Product           = domain.Product
	Order             = domain.Order
	OrderItem         = domain.OrderItem
	OrderStatus       = domain.OrderStatus
	Transaction       = domain.Transaction
	TransactionStatus = domain.TransactionStatus
	PaymentTarget     = domain.PaymentTarget
	Enrollment        = domain.Enrollment
	Subscription      = domain.Subscription
)

// AddCartItemCommand adds a quantity of a product to the owner's cart.
type AddCartItemCommand struct {
	OwnerKey  string
	ProductID string
	Quantity  int64
}

// UpdateCartItemCommand replaces the quantity of an existing cart line.
type UpdateCartItemCommand struct {
	OwnerKey  string
	ProductID string
	Quantity  int64
}

// CartService owns cart lifecycle operations for users and guest sessions.
type CartService interface {
	GetOrCreate(ctx context.Context, ownerKey string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateItemQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, ownerKey, productID string) (Cart, error)
	Clear(ctx context.Context, ownerKey string) error
	// MergeGuestCart folds the guest session cart into the user cart and
	// deletes the session cart atomically. Missing session carts are a no-op.
	MergeGuestCart(ctx context.Context, sessionID, userID string) (Cart, error)
}

// CreateOrderCommand snapshots the owner's cart into an immutable order.
// Tax, Shipping, and Discount are pluggable pricing inputs in minor units
// and default to zero.
type CreateOrderCommand struct {
	UserID          string
	OwnerKey        string
	Notes           string
	Tax             int64
	Shipping        int64
	Discount        int64
	ShippingAddress *domain.Address
	BillingAddress  *domain.Address
}

// OrderList is a page of the user's order history.
type OrderList struct {
	Orders        []Order
	NextPageToken string
}

// OrderService creates immutable order snapshots and serves the order history.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (Order, error)
	ListOrders(ctx context.Context, userID string, pager Pagination) (OrderList, error)
}

// InitializePaymentCommand starts a payment attempt against a target.
type InitializePaymentCommand struct {
	UserID         string
	Email          string
	TargetKind     string
	TargetID       string
	Provider       string
	CartOwnerKey   string
	CallbackURL    string
	Metadata       map[string]string
	IdempotencyKey string
}

// PaymentInit is the client-facing result of payment initialization.
type PaymentInit struct {
	Transaction      Transaction
	AuthorizationURL string
	ClientSecret     string
	// IsFree marks the zero-amount fast path: fulfillment already ran and
	// no provider redirect is needed.
	IsFree bool
}

// RefundCommand reverses a completed transaction.
type RefundCommand struct {
	TransactionID string
	Reason        string
	RequestedBy   string
}

// PaymentService reconciles provider outcomes onto transactions. Webhooks and
// direct verification converge on the same conditional transition path.
type PaymentService interface {
	InitializePayment(ctx context.Context, cmd InitializePaymentCommand) (PaymentInit, error)
	VerifyPayment(ctx context.Context, transactionID string) (Transaction, error)
	VerifyByReference(ctx context.Context, reference string) (Transaction, error)
	HandleWebhook(ctx context.Context, provider, signature string, payload []byte) error
	Refund(ctx context.Context, cmd RefundCommand) (Transaction, error)
}

// FulfillmentService delivers what a completed transaction paid for.
type FulfillmentService interface {
	Fulfill(ctx context.Context, txn Transaction) error
}

// NotificationPublisher pushes fulfillment side-effect tasks to the jobs topic.
type NotificationPublisher interface {
	Publish(ctx context.Context, task NotificationTask) error
}

// NotificationTask is one outbound side effect (receipt email, push notice).
type NotificationTask struct {
	Kind          string
	UserID        string
	TransactionID string
	TargetKind    string
	TargetID      string
	Metadata      map[string]string
}

// SystemService reports dependency health for readiness probes.
type SystemService interface {
	Health(ctx context.Context) (repositories.HealthReport, error)
}
