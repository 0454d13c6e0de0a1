package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/repositories"
)

// ErrFulfillmentInvalidInput indicates the transaction cannot be fulfilled as given.
var ErrFulfillmentInvalidInput = errors.New("fulfillment service: invalid input")

// ErrFulfillmentUnavailable indicates fulfillment dependencies are currently unavailable.
var ErrFulfillmentUnavailable = errors.New("fulfillment service: unavailable")

// FulfillmentServiceDeps wires the repositories and side-effect publisher.
type FulfillmentServiceDeps struct {
	Enrollments   repositories.EnrollmentRepository
	Subscriptions repositories.SubscriptionRepository
	Orders        repositories.OrderRepository
	Publisher     NotificationPublisher
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	IDGenerator   func() string
	// SubscriptionPeriod is how long a tier activation lasts. Zero means no
	// expiry is recorded.
	SubscriptionPeriod time.Duration
}

type fulfillmentService struct {
	enrollments   repositories.EnrollmentRepository
	subscriptions repositories.SubscriptionRepository
	orders        repositories.OrderRepository
	publisher     NotificationPublisher
	newID         func() string
	now           func() time.Time
	period        time.Duration
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewFulfillmentService constructs a FulfillmentService validating required dependencies.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Enrollments == nil {
		return nil, errors.New("fulfillment service: enrollment repository is required")
	}
	if deps.Subscriptions == nil {
		return nil, errors.New("fulfillment service: subscription repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
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
		idGen = func() string { return ulid.Make().String() }
	}

	return &fulfillmentService{
		enrollments:   deps.Enrollments,
		subscriptions: deps.Subscriptions,
		orders:        deps.Orders,
		publisher:     deps.Publisher,
		newID:         idGen,
		now: func() time.Time {
			return clock().UTC()
		},
		period: deps.SubscriptionPeriod,
		logger: logger,
	}, nil
}

// Fulfill delivers what the transaction paid for, routed by target kind.
// Every branch is idempotent, so re-delivery of the same transaction is safe.
func (s *fulfillmentService) Fulfill(ctx context.Context, txn Transaction) error {
	if s == nil {
		return ErrFulfillmentUnavailable
	}
	if txn.Target.IsZero() {
		return fmt.Errorf("%w: transaction has no target", ErrFulfillmentInvalidInput)
	}

	var err error
	switch txn.Target.Kind {
	case domain.TargetCourse:
		err = s.grantEnrollment(ctx, txn)
	case domain.TargetOrder:
		err = s.fulfillOrder(ctx, txn)
	case domain.TargetSubscription, domain.TargetTier:
		err = s.activateSubscription(ctx, txn)
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrFulfillmentInvalidInput, txn.Target.Kind)
	}
	if err != nil {
		return err
	}

	s.publishNotification(ctx, txn)
	return nil
}

func (s *fulfillmentService) grantEnrollment(ctx context.Context, txn Transaction) error {
	enrollment := domain.Enrollment{
		ID:                  "enr_" + s.newID(),
		UserID:              txn.UserID,
		CourseID:            txn.Target.ID,
		SourceTransactionID: txn.ID,
		GrantedAt:           s.now(),
	}
	stored, created, err := s.enrollments.GrantOnce(ctx, enrollment)
	if err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "fulfillment.enrollment", map[string]any{
		"enrollmentId":  stored.ID,
		"userId":        txn.UserID,
		"courseId":      txn.Target.ID,
		"transactionId": txn.ID,
		"created":       created,
	})
	return nil
}

func (s *fulfillmentService) fulfillOrder(ctx context.Context, txn Transaction) error {
	order, err := s.orders.FindByID(ctx, txn.Target.ID)
	if err != nil {
		return s.translateRepoError(err)
	}

	paid := domain.PaymentStatePaid
	fulfilled := domain.FulfillmentStateFulfilled
	updated := domain.ApplyStatusCascade(order, &paid, &fulfilled, s.now())
	if updated.Payment == order.Payment && updated.Fulfillment == order.Fulfillment && updated.Status == order.Status {
		// Nothing left to apply; an earlier delivery already settled it.
		return nil
	}

	if _, err := s.orders.UpdateStatuses(ctx, updated); err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "fulfillment.order", map[string]any{
		"orderId":       order.ID,
		"orderNumber":   order.Number,
		"transactionId": txn.ID,
		"status":        string(updated.Status),
	})
	return nil
}

func (s *fulfillmentService) activateSubscription(ctx context.Context, txn Transaction) error {
	now := s.now()
	subscription := domain.Subscription{
		ID:                  "sub_" + s.newID(),
		UserID:              txn.UserID,
		TierID:              txn.Target.ID,
		Status:              domain.SubscriptionActive,
		SourceTransactionID: txn.ID,
		ActivatedAt:         now,
	}
	if s.period > 0 {
		expires := now.Add(s.period)
		subscription.ExpiresAt = &expires
	}

	stored, changed, err := s.subscriptions.ActivateOnce(ctx, subscription)
	if err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "fulfillment.subscription", map[string]any{
		"subscriptionId": stored.ID,
		"userId":         txn.UserID,
		"tierId":         txn.Target.ID,
		"transactionId":  txn.ID,
		"changed":        changed,
	})
	return nil
}

// publishNotification emits the receipt/notification task. Failures are
// logged and swallowed so side effects can never fail reconciliation.
func (s *fulfillmentService) publishNotification(ctx context.Context, txn Transaction) {
	if s.publisher == nil {
		return
	}
	task := NotificationTask{
		Kind:          "payment.receipt",
		UserID:        txn.UserID,
		TransactionID: txn.ID,
		TargetKind:    string(txn.Target.Kind),
		TargetID:      txn.Target.ID,
		Metadata: map[string]string{
			"reference": txn.Reference,
			"amount":    fmt.Sprintf("%d", txn.Amount),
			"currency":  strings.ToUpper(txn.Currency),
		},
	}
	if err := s.publisher.Publish(ctx, task); err != nil {
		s.logger(ctx, "fulfillment.notification_failed", map[string]any{
			"transactionId": txn.ID,
			"error":         err.Error(),
		})
	}
}

func (s *fulfillmentService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: target not found", ErrFulfillmentInvalidInput)
		default:
			return ErrFulfillmentUnavailable
		}
	}
	return ErrFulfillmentUnavailable
}
