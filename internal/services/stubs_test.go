package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/payments"
	"github.com/skillforge/api/internal/repositories"
)

// repoError is a minimal repositories.RepositoryError for exercising the
// service error translation layers.
type repoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repoError) Error() string       { return "repo error" }
func (e *repoError) IsNotFound() bool    { return e.notFound }
func (e *repoError) IsConflict() bool    { return e.conflict }
func (e *repoError) IsUnavailable() bool { return e.unavailable }

var (
	errRepoNotFound    = &repoError{notFound: true}
	errRepoUnavailable = &repoError{unavailable: true}
)

type stubCartRepository struct {
	GetByOwnerFunc func(ctx context.Context, ownerKey string) (domain.Cart, error)
	UpsertFunc     func(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	MergeFunc      func(ctx context.Context, fromKey, toKey string, now time.Time) (domain.Cart, error)
	DeleteFunc     func(ctx context.Context, ownerKey string) error
}

func (s *stubCartRepository) GetByOwner(ctx context.Context, ownerKey string) (domain.Cart, error) {
	if s.GetByOwnerFunc == nil {
		return domain.Cart{}, errRepoNotFound
	}
	return s.GetByOwnerFunc(ctx, ownerKey)
}

func (s *stubCartRepository) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if s.UpsertFunc == nil {
		return cart, nil
	}
	return s.UpsertFunc(ctx, cart)
}

func (s *stubCartRepository) Merge(ctx context.Context, fromKey, toKey string, now time.Time) (domain.Cart, error) {
	if s.MergeFunc == nil {
		return domain.Cart{}, errRepoNotFound
	}
	return s.MergeFunc(ctx, fromKey, toKey, now)
}

func (s *stubCartRepository) Delete(ctx context.Context, ownerKey string) error {
	if s.DeleteFunc == nil {
		return nil
	}
	return s.DeleteFunc(ctx, ownerKey)
}

type stubProductRepository struct {
	FindByIDFunc     func(ctx context.Context, productID string) (domain.Product, error)
	FindByIDsFunc    func(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	UpsertFunc       func(ctx context.Context, product domain.Product) (domain.Product, error)
	RestoreStockFunc func(ctx context.Context, lines []repositories.StockAdjustment, now time.Time) error
}

func (s *stubProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.FindByIDFunc == nil {
		return domain.Product{}, errRepoNotFound
	}
	return s.FindByIDFunc(ctx, productID)
}

func (s *stubProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if s.FindByIDsFunc == nil {
		return map[string]domain.Product{}, nil
	}
	return s.FindByIDsFunc(ctx, productIDs)
}

func (s *stubProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if s.UpsertFunc == nil {
		return product, nil
	}
	return s.UpsertFunc(ctx, product)
}

func (s *stubProductRepository) RestoreStock(ctx context.Context, lines []repositories.StockAdjustment, now time.Time) error {
	if s.RestoreStockFunc == nil {
		return nil
	}
	return s.RestoreStockFunc(ctx, lines, now)
}

type stubOrderRepository struct {
	InsertFunc                   func(ctx context.Context, order domain.Order) error
	InsertWithStockDecrementFunc func(ctx context.Context, order domain.Order, lines []repositories.StockAdjustment, now time.Time) error
	FindByIDFunc                 func(ctx context.Context, orderID string) (domain.Order, error)
	ListByUserFunc               func(ctx context.Context, userID string, pager domain.Pagination) (repositories.OrderPage, error)
	UpdateStatusesFunc           func(ctx context.Context, order domain.Order) (domain.Order, error)
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if s.InsertFunc == nil {
		return nil
	}
	return s.InsertFunc(ctx, order)
}

func (s *stubOrderRepository) InsertWithStockDecrement(ctx context.Context, order domain.Order, lines []repositories.StockAdjustment, now time.Time) error {
	if s.InsertWithStockDecrementFunc == nil {
		return nil
	}
	return s.InsertWithStockDecrementFunc(ctx, order, lines, now)
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.FindByIDFunc == nil {
		return domain.Order{}, errRepoNotFound
	}
	return s.FindByIDFunc(ctx, orderID)
}

func (s *stubOrderRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (repositories.OrderPage, error) {
	if s.ListByUserFunc == nil {
		return repositories.OrderPage{}, nil
	}
	return s.ListByUserFunc(ctx, userID, pager)
}

func (s *stubOrderRepository) UpdateStatuses(ctx context.Context, order domain.Order) (domain.Order, error) {
	if s.UpdateStatusesFunc == nil {
		return order, nil
	}
	return s.UpdateStatusesFunc(ctx, order)
}

// stubTransactionRepository keeps an in-memory transaction and honours the
// conditional transition contract, which the reconciliation tests lean on.
type stubTransactionRepository struct {
	byID        map[string]domain.Transaction
	inserted    []domain.Transaction
	transitions []domain.TransactionStatus
}

func newStubTransactionRepository(seed ...domain.Transaction) *stubTransactionRepository {
	repo := &stubTransactionRepository{byID: map[string]domain.Transaction{}}
	for _, txn := range seed {
		repo.byID[txn.ID] = txn
	}
	return repo
}

func (s *stubTransactionRepository) Insert(_ context.Context, txn domain.Transaction) error {
	if _, exists := s.byID[txn.ID]; exists {
		return &repoError{conflict: true}
	}
	s.byID[txn.ID] = txn
	s.inserted = append(s.inserted, txn)
	return nil
}

func (s *stubTransactionRepository) FindByID(_ context.Context, transactionID string) (domain.Transaction, error) {
	txn, ok := s.byID[transactionID]
	if !ok {
		return domain.Transaction{}, errRepoNotFound
	}
	return txn, nil
}

func (s *stubTransactionRepository) FindByReference(_ context.Context, reference string) (domain.Transaction, error) {
	for _, txn := range s.byID {
		if txn.Reference == reference {
			return txn, nil
		}
	}
	return domain.Transaction{}, errRepoNotFound
}

func (s *stubTransactionRepository) Update(_ context.Context, txn domain.Transaction) (domain.Transaction, error) {
	s.byID[txn.ID] = txn
	return txn, nil
}

func (s *stubTransactionRepository) Transition(_ context.Context, transactionID string, expected []domain.TransactionStatus, next domain.TransactionStatus, mutate func(*domain.Transaction), now time.Time) (domain.Transaction, error) {
	txn, ok := s.byID[transactionID]
	if !ok {
		return domain.Transaction{}, errRepoNotFound
	}
	allowed := false
	for _, status := range expected {
		if txn.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.Transaction{}, fmt.Errorf("%w: %s is %s", repositories.ErrAlreadyTransitioned, transactionID, txn.Status)
	}
	if mutate != nil {
		mutate(&txn)
	}
	txn.Status = next
	txn.UpdatedAt = now
	s.byID[transactionID] = txn
	s.transitions = append(s.transitions, next)
	return txn, nil
}

type stubEnrollmentRepository struct {
	GrantOnceFunc func(ctx context.Context, enrollment domain.Enrollment) (domain.Enrollment, bool, error)
	grants        []domain.Enrollment
}

func (s *stubEnrollmentRepository) GrantOnce(ctx context.Context, enrollment domain.Enrollment) (domain.Enrollment, bool, error) {
	s.grants = append(s.grants, enrollment)
	if s.GrantOnceFunc == nil {
		return enrollment, true, nil
	}
	return s.GrantOnceFunc(ctx, enrollment)
}

func (s *stubEnrollmentRepository) FindByUserAndCourse(context.Context, string, string) (domain.Enrollment, error) {
	return domain.Enrollment{}, errRepoNotFound
}

func (s *stubEnrollmentRepository) ListByUser(context.Context, string) ([]domain.Enrollment, error) {
	return nil, nil
}

type stubSubscriptionRepository struct {
	ActivateOnceFunc func(ctx context.Context, subscription domain.Subscription) (domain.Subscription, bool, error)
	FindByIDFunc     func(ctx context.Context, subscriptionID string) (domain.Subscription, error)
	activations      []domain.Subscription
}

func (s *stubSubscriptionRepository) ActivateOnce(ctx context.Context, subscription domain.Subscription) (domain.Subscription, bool, error) {
	s.activations = append(s.activations, subscription)
	if s.ActivateOnceFunc == nil {
		return subscription, true, nil
	}
	return s.ActivateOnceFunc(ctx, subscription)
}

func (s *stubSubscriptionRepository) FindByUserAndTier(context.Context, string, string) (domain.Subscription, error) {
	return domain.Subscription{}, errRepoNotFound
}

func (s *stubSubscriptionRepository) FindByID(ctx context.Context, subscriptionID string) (domain.Subscription, error) {
	if s.FindByIDFunc == nil {
		return domain.Subscription{}, errRepoNotFound
	}
	return s.FindByIDFunc(ctx, subscriptionID)
}

type stubCounterRepository struct {
	NextFunc func(ctx context.Context, counterID string, step int64) (int64, error)
	value    int64
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.NextFunc != nil {
		return s.NextFunc(ctx, counterID, step)
	}
	s.value += step
	return s.value, nil
}

func (s *stubCounterRepository) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubGateway struct {
	ResolveFunc       func(ctx payments.PaymentContext) (string, error)
	InitializeFunc    func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.InitializeRequest) (payments.InitializeResult, error)
	ProviderFunc      func(name string) (payments.Provider, error)
	ProviderNamesFunc func() []string
}

func (s *stubGateway) ResolveProviderName(ctx payments.PaymentContext) (string, error) {
	if s.ResolveFunc == nil {
		return "stripe", nil
	}
	return s.ResolveFunc(ctx)
}

func (s *stubGateway) Initialize(ctx context.Context, paymentCtx payments.PaymentContext, req payments.InitializeRequest) (payments.InitializeResult, error) {
	if s.InitializeFunc == nil {
		return payments.InitializeResult{Provider: "stripe", ProviderRef: "pi_1", AuthorizationURL: "https://pay.example.com"}, nil
	}
	return s.InitializeFunc(ctx, paymentCtx, req)
}

func (s *stubGateway) Provider(name string) (payments.Provider, error) {
	if s.ProviderFunc == nil {
		return nil, payments.ErrUnsupportedProvider
	}
	return s.ProviderFunc(name)
}

func (s *stubGateway) ProviderNames() []string {
	if s.ProviderNamesFunc == nil {
		return []string{"stripe"}
	}
	return s.ProviderNamesFunc()
}

// stubPSP implements payments.Provider for verify/refund/webhook paths.
type stubPSP struct {
	VerifyFunc        func(ctx context.Context, req payments.VerifyRequest) (payments.PaymentDetails, error)
	RefundFunc        func(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error)
	VerifyWebhookFunc func(signature string, payload []byte) (payments.WebhookEvent, error)
}

func (s *stubPSP) Initialize(context.Context, payments.InitializeRequest) (payments.InitializeResult, error) {
	return payments.InitializeResult{}, errors.New("not implemented")
}

func (s *stubPSP) Verify(ctx context.Context, req payments.VerifyRequest) (payments.PaymentDetails, error) {
	if s.VerifyFunc == nil {
		return payments.PaymentDetails{}, errors.New("not implemented")
	}
	return s.VerifyFunc(ctx, req)
}

func (s *stubPSP) Refund(ctx context.Context, req payments.RefundRequest) (payments.PaymentDetails, error) {
	if s.RefundFunc == nil {
		return payments.PaymentDetails{}, errors.New("not implemented")
	}
	return s.RefundFunc(ctx, req)
}

func (s *stubPSP) VerifyWebhook(signature string, payload []byte) (payments.WebhookEvent, error) {
	if s.VerifyWebhookFunc == nil {
		return payments.WebhookEvent{}, errors.New("not implemented")
	}
	return s.VerifyWebhookFunc(signature, payload)
}

type stubFulfillment struct {
	FulfillFunc func(ctx context.Context, txn domain.Transaction) error
	fulfilled   []domain.Transaction
}

func (s *stubFulfillment) Fulfill(ctx context.Context, txn domain.Transaction) error {
	s.fulfilled = append(s.fulfilled, txn)
	if s.FulfillFunc == nil {
		return nil
	}
	return s.FulfillFunc(ctx, txn)
}

type stubPublisher struct {
	PublishFunc func(ctx context.Context, task NotificationTask) error
	published   []NotificationTask
}

func (s *stubPublisher) Publish(ctx context.Context, task NotificationTask) error {
	s.published = append(s.published, task)
	if s.PublishFunc == nil {
		return nil
	}
	return s.PublishFunc(ctx, task)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func int64Ptr(v int64) *int64 { return &v }
