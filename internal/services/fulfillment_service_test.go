package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/skillforge/api/internal/domain"
)

var fulfillmentTestNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestFulfillmentService(t *testing.T, deps FulfillmentServiceDeps) FulfillmentService {
	t.Helper()
	if deps.Enrollments == nil {
		deps.Enrollments = &stubEnrollmentRepository{}
	}
	if deps.Subscriptions == nil {
		deps.Subscriptions = &stubSubscriptionRepository{}
	}
	if deps.Orders == nil {
		deps.Orders = &stubOrderRepository{}
	}
	if deps.Clock == nil {
		deps.Clock = fixedClock(fulfillmentTestNow)
	}
	svc, err := NewFulfillmentService(deps)
	if err != nil {
		t.Fatalf("NewFulfillmentService returned error: %v", err)
	}
	return svc
}

func completedTransaction(kind domain.TargetKind, targetID string) domain.Transaction {
	return domain.Transaction{
		ID:        "txn_1",
		Reference: "sf_txn_1",
		Provider:  "stripe",
		UserID:    "user-1",
		Target:    domain.PaymentTarget{Kind: kind, ID: targetID},
		Amount:    4999,
		Currency:  "USD",
		Status:    domain.TransactionCompleted,
	}
}

func TestFulfillCourseGrantsEnrollment(t *testing.T) {
	enrollments := &stubEnrollmentRepository{}
	publisher := &stubPublisher{}
	svc := newTestFulfillmentService(t, FulfillmentServiceDeps{
		Enrollments: enrollments,
		Publisher:   publisher,
	})

	if err := svc.Fulfill(context.Background(), completedTransaction(domain.TargetCourse, "course-go")); err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if len(enrollments.grants) != 1 {
		t.Fatalf("expected one grant, got %d", len(enrollments.grants))
	}
	grant := enrollments.grants[0]
	if grant.UserID != "user-1" || grant.CourseID != "course-go" || grant.SourceTransactionID != "txn_1" {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected one notification task, got %d", len(publisher.published))
	}
	if publisher.published[0].Kind != "payment.receipt" {
		t.Fatalf("unexpected task kind %s", publisher.published[0].Kind)
	}
}

func TestFulfillCourseIdempotentGrant(t *testing.T) {
	enrollments := &stubEnrollmentRepository{
		GrantOnceFunc: func(_ context.Context, enrollment domain.Enrollment) (domain.Enrollment, bool, error) {
			return enrollment, false, nil
		},
	}
	svc := newTestFulfillmentService(t, FulfillmentServiceDeps{Enrollments: enrollments})

	if err := svc.Fulfill(context.Background(), completedTransaction(domain.TargetCourse, "course-go")); err != nil {
		t.Fatalf("repeat fulfillment must be a no-op, got %v", err)
	}
}

func TestFulfillOrderCascadesToShipped(t *testing.T) {
	var updated *domain.Order
	orders := &stubOrderRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Order, error) {
			return domain.Order{
				ID: "ord_1", UserID: "user-1",
				Status:      domain.OrderStatusPending,
				Payment:     domain.PaymentStateUnpaid,
				Fulfillment: domain.FulfillmentStateUnfulfilled,
			}, nil
		},
		UpdateStatusesFunc: func(_ context.Context, order domain.Order) (domain.Order, error) {
			updated = &order
			return order, nil
		},
	}
	svc := newTestFulfillmentService(t, FulfillmentServiceDeps{Orders: orders})

	if err := svc.Fulfill(context.Background(), completedTransaction(domain.TargetOrder, "ord_1")); err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if updated == nil {
		t.Fatal("expected order statuses to be persisted")
	}
	if updated.Payment != domain.PaymentStatePaid {
		t.Fatalf("expected payment paid, got %s", updated.Payment)
	}
	if updated.Fulfillment != domain.FulfillmentStateFulfilled {
		t.Fatalf("expected fulfilled, got %s", updated.Fulfillment)
	}
	if updated.Status != domain.OrderStatusShipped {
		t.Fatalf("expected cascade to shipped, got %s", updated.Status)
	}
	if updated.PaidAt == nil || updated.ShippedAt == nil {
		t.Fatal("expected cascade timestamps to be stamped")
	}
}

func TestFulfillOrderAlreadySettledIsNoOp(t *testing.T) {
	updateCalled := false
	paidAt := fulfillmentTestNow.Add(-time.Hour)
	orders := &stubOrderRepository{
		FindByIDFunc: func(_ context.Context, _ string) (domain.Order, error) {
			return domain.Order{
				ID: "ord_1", UserID: "user-1",
				Status:      domain.OrderStatusShipped,
				Payment:     domain.PaymentStatePaid,
				Fulfillment: domain.FulfillmentStateFulfilled,
				PaidAt:      &paidAt,
				ShippedAt:   &paidAt,
			}, nil
		},
		UpdateStatusesFunc: func(_ context.Context, order domain.Order) (domain.Order, error) {
			updateCalled = true
			return order, nil
		},
	}
	svc := newTestFulfillmentService(t, FulfillmentServiceDeps{Orders: orders})

	if err := svc.Fulfill(context.Background(), completedTransaction(domain.TargetOrder, "ord_1")); err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if updateCalled {
		t.Fatal("settled orders must not be rewritten")
	}
}

func TestFulfillTierActivatesSubscription(t *testing.T) {
	subscriptions := &stubSubscriptionRepository{}
	svc := newTestFulfillmentService(t, FulfillmentServiceDeps{
		Subscriptions:      subscriptions,
		SubscriptionPeriod: 30 * 24 * time.Hour,
	})

	if err := svc.Fulfill(context.Background(), completedTransaction(domain.TargetTier, "tier-pro")); err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if len(subscriptions.activations) != 1 {
		t.Fatalf("expected one activation, got %d", len(subscriptions.activations))
	}
	activation := subscriptions.activations[0]
	if activation.TierID != "tier-pro" || activation.Status != domain.SubscriptionActive {
		t.Fatalf("unexpected activation %+v", activation)
	}
	if activation.ExpiresAt == nil {
		t.Fatal("expected expiry from subscription period")
	}
	if got := activation.ExpiresAt.Sub(activation.ActivatedAt); got != 30*24*time.Hour {
		t.Fatalf("unexpected period %v", got)
	}
}

func TestFulfillPublisherFailureSwallowed(t *testing.T) {
	publisher := &stubPublisher{
		PublishFunc: func(context.Context, NotificationTask) error {
			return errors.New("topic unavailable")
		},
	}
	svc := newTestFulfillmentService(t, FulfillmentServiceDeps{Publisher: publisher})

	if err := svc.Fulfill(context.Background(), completedTransaction(domain.TargetCourse, "course-go")); err != nil {
		t.Fatalf("publish failures must never fail fulfillment, got %v", err)
	}
}

func TestFulfillRejectsUnknownTarget(t *testing.T) {
	svc := newTestFulfillmentService(t, FulfillmentServiceDeps{})

	txn := completedTransaction(domain.TargetCourse, "course-go")
	txn.Target = domain.PaymentTarget{Kind: "bundle", ID: "b-1"}
	if err := svc.Fulfill(context.Background(), txn); !errors.Is(err, ErrFulfillmentInvalidInput) {
		t.Fatalf("expected ErrFulfillmentInvalidInput, got %v", err)
	}
}
