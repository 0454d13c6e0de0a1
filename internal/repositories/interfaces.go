package repositories

import (
	"context"
	"time"

	domain "github.com/skillforge/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository persists catalogue entries and owns their stock counts.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
	// RestoreStock adds quantities back after a failed payment and rolls
	// back the matching sales counts. Products with unlimited stock keep
	// their stock untouched.
	RestoreStock(ctx context.Context, lines []StockAdjustment, now time.Time) error
}

// StockAdjustment is one product/quantity pair in a stock mutation batch.
type StockAdjustment struct {
	ProductID string
	Quantity  int64
}

// CartRepository owns cart persistence keyed by owner, with optimistic locking guarantees.
type CartRepository interface {
	GetByOwner(ctx context.Context, ownerKey string) (domain.Cart, error)
	Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	// Merge moves every item of the cart owned by fromKey into the cart owned
	// by toKey and deletes the source, all in one transaction. A missing
	// source cart is a no-op.
	Merge(ctx context.Context, fromKey, toKey string, now time.Time) (domain.Cart, error)
	Delete(ctx context.Context, ownerKey string) error
}

// OrderRepository stores immutable order snapshots and status updates.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// InsertWithStockDecrement writes the order, subtracts stock, and bumps
	// the sales counters for every line in a single transaction. A line that
	// would drive stock negative aborts the whole batch with a StockError
	// and nothing is persisted.
	InsertWithStockDecrement(ctx context.Context, order domain.Order, lines []StockAdjustment, now time.Time) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (OrderPage, error)
	// UpdateStatuses persists the status triple and cascade timestamps.
	UpdateStatuses(ctx context.Context, order domain.Order) (domain.Order, error)
}

// OrderPage is one page of a user's order history.
type OrderPage struct {
	Orders        []domain.Order
	NextPageToken string
}

// TransactionRepository persists payment attempts and enforces single-winner
// terminal transitions.
type TransactionRepository interface {
	Insert(ctx context.Context, txn domain.Transaction) error
	FindByID(ctx context.Context, transactionID string) (domain.Transaction, error)
	FindByReference(ctx context.Context, reference string) (domain.Transaction, error)
	Update(ctx context.Context, txn domain.Transaction) (domain.Transaction, error)
	// Transition moves the transaction from one of the expected statuses to
	// next inside a transaction, applying mutate to the stored document. It
	// returns ErrAlreadyTransitioned (wrapped as a conflict) when the stored
	// status is not in expected, which callers treat as "another worker won".
	Transition(ctx context.Context, transactionID string, expected []domain.TransactionStatus, next domain.TransactionStatus, mutate func(*domain.Transaction), now time.Time) (domain.Transaction, error)
}

// EnrollmentRepository stores course access grants.
type EnrollmentRepository interface {
	// GrantOnce inserts the enrollment unless one already exists for the same
	// user and course. It returns the stored enrollment and whether this call
	// created it.
	GrantOnce(ctx context.Context, enrollment domain.Enrollment) (domain.Enrollment, bool, error)
	FindByUserAndCourse(ctx context.Context, userID, courseID string) (domain.Enrollment, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Enrollment, error)
}

// SubscriptionRepository stores tier subscriptions.
type SubscriptionRepository interface {
	// ActivateOnce creates or reactivates the subscription for user+tier. It
	// reports whether this call changed anything, so repeated fulfillment of
	// the same transaction stays a no-op.
	ActivateOnce(ctx context.Context, subscription domain.Subscription) (domain.Subscription, bool, error)
	FindByUserAndTier(ctx context.Context, userID, tierID string) (domain.Subscription, error)
	FindByID(ctx context.Context, subscriptionID string) (domain.Subscription, error)
}

// CounterConfig adjusts counter behaviour (step, bounds, initial value).
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// CounterRepository issues monotonically increasing sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthStatus describes an individual dependency probe outcome.
type HealthStatus struct {
	Name      string
	Healthy   bool
	Detail    string
	CheckedAt time.Time
}

// HealthReport aggregates dependency probe outcomes.
type HealthReport struct {
	Healthy  bool
	Statuses []HealthStatus
}

// HealthRepository evaluates dependency health for readiness probes.
type HealthRepository interface {
	Check(ctx context.Context) (HealthReport, error)
}
