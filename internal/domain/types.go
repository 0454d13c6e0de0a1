package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// ProductKind enumerates the purchasable catalogue entry types.
type ProductKind string

const (
	// ProductKindCourse is a one-time purchase granting an enrollment.
	ProductKindCourse ProductKind = "course"
	// ProductKindTier is a subscription tier purchase.
	ProductKindTier ProductKind = "tier"
)

// Product is a purchasable catalogue entry. Amounts are minor units of Currency.
type Product struct {
	ID         string
	Kind       ProductKind
	Title      string
	UnitAmount int64
	Currency   string
	// Stock is the remaining sellable quantity. Nil means unlimited.
	Stock *int64
	// SalesCount is the lifetime number of units sold through orders.
	SalesCount int64
	Active     bool
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cart aggregates the mutable shopping cart state for a user or guest session.
type Cart struct {
	ID string
	// OwnerKey is "user:<uid>" for signed-in owners and "session:<sid>" for guests.
	OwnerKey string
	Currency string
	Items    []CartItem
	Metadata map[string]any
	// ExpiresAt marks when an untouched cart becomes eligible for cleanup.
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem stores a single product entry within a cart.
type CartItem struct {
	ProductID  string
	Kind       ProductKind
	Title      string
	UnitAmount int64
	Quantity   int64
}

// Subtotal returns the line total in minor units.
func (i CartItem) Subtotal() int64 {
	return i.UnitAmount * i.Quantity
}

// TotalAmount sums all line subtotals in minor units.
func (c Cart) TotalAmount() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.Subtotal()
	}
	return total
}

// OrderStatus is the overall order lifecycle state.
type OrderStatus string

const (
	// OrderStatusPending is the initial state after order creation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment settled for the order.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusShipped indicates the order contents were delivered to the buyer.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCancelled indicates the order was abandoned or voided.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentState tracks money movement independently of the order lifecycle.
type PaymentState string

const (
	// PaymentStateUnpaid means no successful charge exists yet.
	PaymentStateUnpaid PaymentState = "unpaid"
	// PaymentStatePaid means the charge settled.
	PaymentStatePaid PaymentState = "paid"
	// PaymentStateFailed means the latest charge attempt terminally failed.
	PaymentStateFailed PaymentState = "failed"
	// PaymentStatePartiallyRefunded means part of a settled charge was returned.
	PaymentStatePartiallyRefunded PaymentState = "partially_refunded"
	// PaymentStateRefunded means a settled charge was fully returned.
	PaymentStateRefunded PaymentState = "refunded"
)

// FulfillmentState tracks delivery of the purchased items.
type FulfillmentState string

const (
	// FulfillmentStateUnfulfilled means no items have been delivered.
	FulfillmentStateUnfulfilled FulfillmentState = "unfulfilled"
	// FulfillmentStateFulfilled means every item has been delivered.
	FulfillmentStateFulfilled FulfillmentState = "fulfilled"
)

// Address is a postal address stored verbatim on orders so later profile
// edits never change historical records.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Order is an immutable purchase snapshot. Items copy product titles and
// prices at creation time; later catalogue edits never change them.
type Order struct {
	ID       string
	Number   string
	UserID   string
	CartID   string
	Currency string
	Items    []OrderItem
	// Subtotal is the sum of line subtotals. TotalAmount adds tax and
	// shipping and subtracts the discount, all in minor units.
	Subtotal        int64
	Tax             int64
	Shipping        int64
	Discount        int64
	TotalAmount     int64
	Status          OrderStatus
	Payment         PaymentState
	Fulfillment     FulfillmentState
	ShippingAddress *Address
	BillingAddress  *Address
	Notes           string
	PaidAt          *time.Time
	ShippedAt       *time.Time
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem is a frozen line captured from the cart at order creation.
type OrderItem struct {
	ProductID  string
	Kind       ProductKind
	Title      string
	UnitAmount int64
	Quantity   int64
	Subtotal   int64
}

// TransactionStatus is the payment attempt lifecycle.
type TransactionStatus string

const (
	// TransactionPending is the initial state before the provider responds.
	TransactionPending TransactionStatus = "pending"
	// TransactionProcessing means the provider accepted the charge and
	// settlement is in flight.
	TransactionProcessing TransactionStatus = "processing"
	// TransactionCompleted is the terminal success state.
	TransactionCompleted TransactionStatus = "completed"
	// TransactionFailed is the terminal failure state.
	TransactionFailed TransactionStatus = "failed"
	// TransactionRefunded follows completed after a manual refund.
	TransactionRefunded TransactionStatus = "refunded"
)

// Terminal reports whether the status admits no further provider-driven
// transitions. Refunds move completed to refunded through the manual path.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionCompleted, TransactionFailed, TransactionRefunded:
		return true
	default:
		return false
	}
}

// Transaction records one payment attempt against a target.
type Transaction struct {
	ID string
	// Reference is the merchant-side identifier shared with the provider.
	Reference string
	Provider  string
	UserID    string
	Target    PaymentTarget
	Amount    int64
	Currency  string
	Status    TransactionStatus
	// ProviderRef is the provider-side identifier (payment intent ID,
	// Paystack reference) once known.
	ProviderRef      string
	AuthorizationURL string
	FailureReason    string
	Metadata         map[string]any
	FulfilledAt      *time.Time
	RefundedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Enrollment grants a user access to a course.
type Enrollment struct {
	ID                  string
	UserID              string
	CourseID            string
	SourceTransactionID string
	GrantedAt           time.Time
}

// SubscriptionStatus enumerates subscription lifecycle states.
type SubscriptionStatus string

const (
	// SubscriptionActive means the subscription currently grants access.
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionExpired means the access window has lapsed.
	SubscriptionExpired SubscriptionStatus = "expired"
)

// Subscription records a user's access to a tier.
type Subscription struct {
	ID                  string
	UserID              string
	TierID              string
	Status              SubscriptionStatus
	SourceTransactionID string
	ActivatedAt         time.Time
	ExpiresAt           *time.Time
}
