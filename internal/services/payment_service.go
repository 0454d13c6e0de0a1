package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/skillforge/api/internal/domain"
	"github.com/skillforge/api/internal/payments"
	"github.com/skillforge/api/internal/repositories"
)

// ProviderNone marks transactions that never touched a payment provider.
const ProviderNone = "none"

// ErrPaymentInvalidInput indicates the caller supplied invalid input.
var ErrPaymentInvalidInput = errors.New("payment service: invalid input")

// ErrPaymentUnavailable indicates payment dependencies are currently unavailable.
var ErrPaymentUnavailable = errors.New("payment service: unavailable")

// ErrPaymentNotFound indicates the transaction does not exist.
var ErrPaymentNotFound = errors.New("payment service: not found")

// ErrPaymentProviderFailed indicates the provider rejected or failed the request.
var ErrPaymentProviderFailed = errors.New("payment service: provider failed")

// ErrPaymentInvalidSignature indicates a webhook signature mismatch.
var ErrPaymentInvalidSignature = errors.New("payment service: invalid webhook signature")

// ErrPaymentInvalidState indicates the transaction status does not admit the operation.
var ErrPaymentInvalidState = errors.New("payment service: invalid transaction state")

// paymentGateway abstracts payments.Manager for easier testing.
type paymentGateway interface {
	ResolveProviderName(ctx payments.PaymentContext) (string, error)
	Initialize(ctx context.Context, paymentCtx payments.PaymentContext, req payments.InitializeRequest) (payments.InitializeResult, error)
	Provider(name string) (payments.Provider, error)
	ProviderNames() []string
}

// PaymentServiceDeps wires the reconciliation engine dependencies.
type PaymentServiceDeps struct {
	Transactions  repositories.TransactionRepository
	Orders        repositories.OrderRepository
	Products      repositories.ProductRepository
	Carts         repositories.CartRepository
	Subscriptions repositories.SubscriptionRepository
	Gateway       paymentGateway
	Fulfillment   FulfillmentService
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	IDGenerator   func() string
	// RestoreStockOnFailure enables the compensating restock when an order
	// payment terminally fails.
	RestoreStockOnFailure bool
}

type paymentService struct {
	txns          repositories.TransactionRepository
	orders        repositories.OrderRepository
	products      repositories.ProductRepository
	carts         repositories.CartRepository
	subscriptions repositories.SubscriptionRepository
	gateway       paymentGateway
	fulfillment   FulfillmentService
	newID         func() string
	now           func() time.Time
	restoreStock  bool
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewPaymentService constructs a PaymentService validating required dependencies.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Transactions == nil {
		return nil, errors.New("payment service: transaction repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("payment service: product repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("payment service: cart repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}
	if deps.Fulfillment == nil {
		return nil, errors.New("payment service: fulfillment service is required")
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

	return &paymentService{
		txns:          deps.Transactions,
		orders:        deps.Orders,
		products:      deps.Products,
		carts:         deps.Carts,
		subscriptions: deps.Subscriptions,
		gateway:       deps.Gateway,
		fulfillment:   deps.Fulfillment,
		newID:         idGen,
		now: func() time.Time {
			return clock().UTC()
		},
		restoreStock: deps.RestoreStockOnFailure,
		logger:       logger,
	}, nil
}

// InitializePayment resolves the target, prices it server-side, records the
// transaction, and asks the routed provider for an authorization URL. A zero
// total skips the gateway entirely and completes on the spot.
func (s *paymentService) InitializePayment(ctx context.Context, cmd InitializePaymentCommand) (PaymentInit, error) {
	if s == nil || s.txns == nil {
		return PaymentInit{}, ErrPaymentUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PaymentInit{}, ErrPaymentInvalidInput
	}
	target, err := domain.NewPaymentTarget(domain.TargetKind(strings.ToLower(strings.TrimSpace(cmd.TargetKind))), cmd.TargetID)
	if err != nil {
		return PaymentInit{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	amount, currency, err := s.resolveAmount(ctx, userID, target)
	if err != nil {
		return PaymentInit{}, err
	}

	now := s.now()
	id := "txn_" + s.newID()
	txn := domain.Transaction{
		ID:        id,
		Reference: "sf_" + strings.ToLower(s.newID()),
		UserID:    userID,
		Target:    target,
		Amount:    amount,
		Currency:  currency,
		Status:    domain.TransactionPending,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range cmd.Metadata {
		if strings.TrimSpace(k) == "" {
			continue
		}
		txn.Metadata[k] = v
	}
	if ownerKey := strings.TrimSpace(cmd.CartOwnerKey); ownerKey != "" {
		txn.Metadata["cartOwnerKey"] = ownerKey
	}

	// Free targets never touch a provider. The transaction is recorded as
	// completed with provider "none" and fulfillment runs immediately.
	if amount == 0 {
		txn.Provider = ProviderNone
		txn.Status = domain.TransactionCompleted
		txn.FulfilledAt = &now
		if err := s.txns.Insert(ctx, txn); err != nil {
			return PaymentInit{}, s.translateRepoError(err)
		}
		s.completeSideEffects(ctx, txn)
		return PaymentInit{Transaction: txn, IsFree: true}, nil
	}

	paymentCtx := payments.PaymentContext{
		PreferredProvider: strings.TrimSpace(cmd.Provider),
		Currency:          currency,
	}
	providerName, err := s.gateway.ResolveProviderName(paymentCtx)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return PaymentInit{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		return PaymentInit{}, ErrPaymentUnavailable
	}
	txn.Provider = providerName

	if err := s.txns.Insert(ctx, txn); err != nil {
		return PaymentInit{}, s.translateRepoError(err)
	}

	result, err := s.gateway.Initialize(ctx, paymentCtx, payments.InitializeRequest{
		Reference:      txn.Reference,
		Amount:         amount,
		Currency:       currency,
		CustomerID:     userID,
		CustomerEmail:  strings.TrimSpace(cmd.Email),
		CallbackURL:    strings.TrimSpace(cmd.CallbackURL),
		Description:    target.String(),
		Metadata:       map[string]string{"transactionId": txn.ID},
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	})
	if err != nil {
		s.logger(ctx, "payment.initialize_failed", map[string]any{
			"transactionId": txn.ID,
			"provider":      providerName,
			"error":         err.Error(),
		})
		if _, terr := s.txns.Transition(ctx, txn.ID,
			[]domain.TransactionStatus{domain.TransactionPending},
			domain.TransactionFailed,
			func(t *domain.Transaction) { t.FailureReason = "provider initialization failed" },
			s.now()); terr != nil && !errors.Is(terr, repositories.ErrAlreadyTransitioned) {
			s.logger(ctx, "payment.initialize_mark_failed", map[string]any{
				"transactionId": txn.ID,
				"error":         terr.Error(),
			})
		}
		return PaymentInit{}, ErrPaymentProviderFailed
	}

	updated, err := s.txns.Transition(ctx, txn.ID,
		[]domain.TransactionStatus{domain.TransactionPending},
		domain.TransactionPending,
		func(t *domain.Transaction) {
			t.ProviderRef = result.ProviderRef
			t.AuthorizationURL = result.AuthorizationURL
		},
		s.now())
	if err != nil {
		// A webhook can legitimately settle the transaction before this
		// write lands. Keep whatever state won.
		if !errors.Is(err, repositories.ErrAlreadyTransitioned) {
			return PaymentInit{}, s.translateRepoError(err)
		}
		updated, err = s.txns.FindByID(ctx, txn.ID)
		if err != nil {
			return PaymentInit{}, s.translateRepoError(err)
		}
	}

	return PaymentInit{
		Transaction:      updated,
		AuthorizationURL: result.AuthorizationURL,
		ClientSecret:     result.ClientSecret,
	}, nil
}

// VerifyPayment asks the provider for the authoritative state and converges
// on the shared transition path.
func (s *paymentService) VerifyPayment(ctx context.Context, transactionID string) (Transaction, error) {
	if s == nil || s.txns == nil {
		return Transaction{}, ErrPaymentUnavailable
	}
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return Transaction{}, ErrPaymentInvalidInput
	}
	txn, err := s.txns.FindByID(ctx, id)
	if err != nil {
		return Transaction{}, s.translateRepoError(err)
	}
	return s.verifyTransaction(ctx, txn)
}

// VerifyByReference is the fallback for callers holding only the merchant
// reference, typically the redirect back from a hosted checkout page. When no
// local transaction carries the reference, the registered providers are asked
// directly so the caller still learns the provider-side state.
func (s *paymentService) VerifyByReference(ctx context.Context, reference string) (Transaction, error) {
	if s == nil || s.txns == nil {
		return Transaction{}, ErrPaymentUnavailable
	}
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return Transaction{}, ErrPaymentInvalidInput
	}
	txn, err := s.txns.FindByReference(ctx, ref)
	if err != nil {
		if isRepoNotFound(err) {
			return s.verifyRemoteByReference(ctx, ref)
		}
		return Transaction{}, s.translateRepoError(err)
	}
	return s.verifyTransaction(ctx, txn)
}

// verifyRemoteByReference queries every registered provider by merchant
// reference alone. The result is reported to the caller without creating a
// local record; nothing is fulfilled from this path.
func (s *paymentService) verifyRemoteByReference(ctx context.Context, ref string) (Transaction, error) {
	for _, name := range s.gateway.ProviderNames() {
		provider, err := s.gateway.Provider(name)
		if err != nil {
			continue
		}
		details, err := provider.Verify(ctx, payments.VerifyRequest{Reference: ref})
		if err != nil || details.Status == "" {
			continue
		}
		s.logger(ctx, "payment.verify_remote_only", map[string]any{
			"provider":  name,
			"reference": ref,
		})
		return domain.Transaction{
			Reference:     ref,
			Provider:      name,
			ProviderRef:   details.ProviderRef,
			Amount:        details.Amount,
			Currency:      strings.ToUpper(strings.TrimSpace(details.Currency)),
			Status:        transactionStatusForPayment(details.Status),
			FailureReason: details.FailureReason,
		}, nil
	}
	return Transaction{}, ErrPaymentNotFound
}

// transactionStatusForPayment maps a provider status onto the transaction
// lifecycle for report-only results.
func transactionStatusForPayment(status payments.Status) domain.TransactionStatus {
	switch status {
	case payments.StatusSucceeded:
		return domain.TransactionCompleted
	case payments.StatusFailed:
		return domain.TransactionFailed
	case payments.StatusProcessing:
		return domain.TransactionProcessing
	case payments.StatusRefunded, payments.StatusPartiallyRefunded:
		return domain.TransactionRefunded
	default:
		return domain.TransactionPending
	}
}

func (s *paymentService) verifyTransaction(ctx context.Context, txn domain.Transaction) (Transaction, error) {
	if txn.Status.Terminal() || txn.Provider == ProviderNone {
		return txn, nil
	}

	provider, err := s.gateway.Provider(txn.Provider)
	if err != nil {
		return Transaction{}, ErrPaymentUnavailable
	}
	details, err := provider.Verify(ctx, payments.VerifyRequest{
		ProviderRef: txn.ProviderRef,
		Reference:   txn.Reference,
	})
	if err != nil {
		s.logger(ctx, "payment.verify_failed", map[string]any{
			"transactionId": txn.ID,
			"provider":      txn.Provider,
			"error":         err.Error(),
		})
		return Transaction{}, ErrPaymentProviderFailed
	}

	return s.applyProviderResult(ctx, txn, providerOutcome{
		Status:        details.Status,
		ProviderRef:   details.ProviderRef,
		FailureReason: details.FailureReason,
	})
}

// HandleWebhook validates the signature before any state is read, then
// converges the event on the same path direct verification uses. Unknown
// references are acknowledged so providers stop retrying.
func (s *paymentService) HandleWebhook(ctx context.Context, provider, signature string, payload []byte) error {
	if s == nil || s.txns == nil {
		return ErrPaymentUnavailable
	}

	p, err := s.gateway.Provider(strings.ToLower(strings.TrimSpace(provider)))
	if err != nil {
		return fmt.Errorf("%w: unknown provider %q", ErrPaymentInvalidInput, provider)
	}

	event, err := p.VerifyWebhook(signature, payload)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return ErrPaymentInvalidSignature
		}
		return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	if event.Status == "" {
		s.logger(ctx, "payment.webhook_skipped", map[string]any{
			"provider": provider,
			"type":     event.Type,
		})
		return nil
	}
	if strings.TrimSpace(event.Reference) == "" {
		s.logger(ctx, "payment.webhook_no_reference", map[string]any{
			"provider": provider,
			"type":     event.Type,
		})
		return nil
	}

	txn, err := s.txns.FindByReference(ctx, event.Reference)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "payment.webhook_unknown_reference", map[string]any{
				"provider":  provider,
				"reference": event.Reference,
				"type":      event.Type,
			})
			return nil
		}
		return s.translateRepoError(err)
	}

	_, err = s.applyProviderResult(ctx, txn, providerOutcome{
		Status:        event.Status,
		ProviderRef:   event.ProviderRef,
		FailureReason: event.FailureReason,
	})
	return err
}

// Refund reverses a completed transaction through its provider and records
// the refunded status on transaction and order.
func (s *paymentService) Refund(ctx context.Context, cmd RefundCommand) (Transaction, error) {
	if s == nil || s.txns == nil {
		return Transaction{}, ErrPaymentUnavailable
	}
	id := strings.TrimSpace(cmd.TransactionID)
	if id == "" {
		return Transaction{}, ErrPaymentInvalidInput
	}

	txn, err := s.txns.FindByID(ctx, id)
	if err != nil {
		return Transaction{}, s.translateRepoError(err)
	}
	if txn.Status != domain.TransactionCompleted {
		return Transaction{}, fmt.Errorf("%w: refunds require a completed transaction, have %s", ErrPaymentInvalidState, txn.Status)
	}

	if txn.Provider != ProviderNone {
		provider, err := s.gateway.Provider(txn.Provider)
		if err != nil {
			return Transaction{}, ErrPaymentUnavailable
		}
		if _, err := provider.Refund(ctx, payments.RefundRequest{
			ProviderRef: txn.ProviderRef,
			Reason:      strings.TrimSpace(cmd.Reason),
		}); err != nil {
			s.logger(ctx, "payment.refund_failed", map[string]any{
				"transactionId": txn.ID,
				"provider":      txn.Provider,
				"error":         err.Error(),
			})
			return Transaction{}, ErrPaymentProviderFailed
		}
	}

	now := s.now()
	refunded, err := s.txns.Transition(ctx, txn.ID,
		[]domain.TransactionStatus{domain.TransactionCompleted},
		domain.TransactionRefunded,
		func(t *domain.Transaction) {
			t.RefundedAt = &now
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			if reason := strings.TrimSpace(cmd.Reason); reason != "" {
				t.Metadata["refundReason"] = reason
			}
			if by := strings.TrimSpace(cmd.RequestedBy); by != "" {
				t.Metadata["refundedBy"] = by
			}
		},
		now)
	if err != nil {
		if errors.Is(err, repositories.ErrAlreadyTransitioned) {
			current, ferr := s.txns.FindByID(ctx, txn.ID)
			if ferr != nil {
				return Transaction{}, s.translateRepoError(ferr)
			}
			return current, nil
		}
		return Transaction{}, s.translateRepoError(err)
	}

	if refunded.Target.Kind == domain.TargetOrder {
		s.markOrderPayment(ctx, refunded.Target.ID, domain.PaymentStateRefunded)
	}

	s.logger(ctx, "payment.refunded", map[string]any{
		"transactionId": refunded.ID,
		"provider":      refunded.Provider,
		"requestedBy":   cmd.RequestedBy,
	})
	return refunded, nil
}

// providerOutcome is the provider-agnostic result both webhooks and direct
// verification reduce to before touching transaction state.
type providerOutcome struct {
	Status        payments.Status
	ProviderRef   string
	FailureReason string
}

// applyProviderResult is the single reconciliation path. Transitions are
// conditional on the stored status, so duplicate webhooks and concurrent
// verifications collapse into exactly one winner; everyone else observes the
// settled state.
func (s *paymentService) applyProviderResult(ctx context.Context, txn domain.Transaction, outcome providerOutcome) (Transaction, error) {
	now := s.now()

	switch outcome.Status {
	case payments.StatusSucceeded:
		completed, err := s.txns.Transition(ctx, txn.ID,
			[]domain.TransactionStatus{domain.TransactionPending, domain.TransactionProcessing},
			domain.TransactionCompleted,
			func(t *domain.Transaction) {
				if outcome.ProviderRef != "" {
					t.ProviderRef = outcome.ProviderRef
				}
				t.FailureReason = ""
				t.FulfilledAt = &now
			},
			now)
		if err != nil {
			return s.settleLost(ctx, txn.ID, err)
		}
		s.completeSideEffects(ctx, completed)
		return completed, nil

	case payments.StatusFailed:
		failed, err := s.txns.Transition(ctx, txn.ID,
			[]domain.TransactionStatus{domain.TransactionPending, domain.TransactionProcessing},
			domain.TransactionFailed,
			func(t *domain.Transaction) {
				if outcome.ProviderRef != "" {
					t.ProviderRef = outcome.ProviderRef
				}
				t.FailureReason = outcome.FailureReason
			},
			now)
		if err != nil {
			return s.settleLost(ctx, txn.ID, err)
		}
		s.failSideEffects(ctx, failed)
		return failed, nil

	case payments.StatusProcessing:
		processing, err := s.txns.Transition(ctx, txn.ID,
			[]domain.TransactionStatus{domain.TransactionPending},
			domain.TransactionProcessing,
			func(t *domain.Transaction) {
				if outcome.ProviderRef != "" {
					t.ProviderRef = outcome.ProviderRef
				}
			},
			now)
		if err != nil {
			return s.settleLost(ctx, txn.ID, err)
		}
		return processing, nil

	case payments.StatusPartiallyRefunded:
		// A partial refund leaves the transaction completed. Only the order
		// records that part of the money went back.
		if txn.Target.Kind == domain.TargetOrder {
			s.markOrderPayment(ctx, txn.Target.ID, domain.PaymentStatePartiallyRefunded)
		}
		return txn, nil

	case payments.StatusRefunded:
		refunded, err := s.txns.Transition(ctx, txn.ID,
			[]domain.TransactionStatus{domain.TransactionCompleted},
			domain.TransactionRefunded,
			func(t *domain.Transaction) {
				t.RefundedAt = &now
			},
			now)
		if err != nil {
			return s.settleLost(ctx, txn.ID, err)
		}
		if refunded.Target.Kind == domain.TargetOrder {
			s.markOrderPayment(ctx, refunded.Target.ID, domain.PaymentStateRefunded)
		}
		return refunded, nil

	default:
		return txn, nil
	}
}

// settleLost resolves a lost transition race by returning the stored state.
func (s *paymentService) settleLost(ctx context.Context, transactionID string, cause error) (Transaction, error) {
	if !errors.Is(cause, repositories.ErrAlreadyTransitioned) {
		return Transaction{}, s.translateRepoError(cause)
	}
	current, err := s.txns.FindByID(ctx, transactionID)
	if err != nil {
		return Transaction{}, s.translateRepoError(err)
	}
	return current, nil
}

// completeSideEffects runs after this worker won the transition to completed:
// fulfillment dispatch, then clearing the source cart. The cart clear is best
// effort; a leftover cart never blocks a settled payment.
func (s *paymentService) completeSideEffects(ctx context.Context, txn domain.Transaction) {
	if err := s.fulfillment.Fulfill(ctx, txn); err != nil {
		s.logger(ctx, "payment.fulfillment_failed", map[string]any{
			"transactionId": txn.ID,
			"target":        txn.Target.String(),
			"error":         err.Error(),
		})
	}

	if ownerKey, ok := txn.Metadata["cartOwnerKey"].(string); ok && strings.TrimSpace(ownerKey) != "" {
		if err := s.carts.Delete(ctx, ownerKey); err != nil && !isRepoNotFound(err) {
			s.logger(ctx, "payment.cart_clear_failed", map[string]any{
				"transactionId": txn.ID,
				"ownerKey":      ownerKey,
				"error":         err.Error(),
			})
		}
	}
}

// failSideEffects compensates a terminal failure: the order's reserved stock
// goes back on the shelf and the order records the failed charge.
func (s *paymentService) failSideEffects(ctx context.Context, txn domain.Transaction) {
	if txn.Target.Kind != domain.TargetOrder {
		return
	}

	s.markOrderPayment(ctx, txn.Target.ID, domain.PaymentStateFailed)

	if !s.restoreStock {
		return
	}
	order, err := s.orders.FindByID(ctx, txn.Target.ID)
	if err != nil {
		s.logger(ctx, "payment.restock_lookup_failed", map[string]any{
			"transactionId": txn.ID,
			"orderId":       txn.Target.ID,
			"error":         err.Error(),
		})
		return
	}
	adjustments := make([]repositories.StockAdjustment, 0, len(order.Items))
	for _, item := range order.Items {
		adjustments = append(adjustments, repositories.StockAdjustment{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	if err := s.products.RestoreStock(ctx, adjustments, s.now()); err != nil {
		s.logger(ctx, "payment.restock_failed", map[string]any{
			"transactionId": txn.ID,
			"orderId":       order.ID,
			"error":         err.Error(),
		})
	}
}

func (s *paymentService) markOrderPayment(ctx context.Context, orderID string, state domain.PaymentState) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.logger(ctx, "payment.order_lookup_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return
	}
	updated := domain.ApplyStatusCascade(order, &state, nil, s.now())
	if _, err := s.orders.UpdateStatuses(ctx, updated); err != nil {
		s.logger(ctx, "payment.order_update_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) resolveAmount(ctx context.Context, userID string, target domain.PaymentTarget) (int64, string, error) {
	switch target.Kind {
	case domain.TargetOrder:
		order, err := s.orders.FindByID(ctx, target.ID)
		if err != nil {
			if isRepoNotFound(err) {
				return 0, "", fmt.Errorf("%w: order not found", ErrPaymentInvalidInput)
			}
			return 0, "", s.translateRepoError(err)
		}
		if !strings.EqualFold(order.UserID, userID) {
			return 0, "", fmt.Errorf("%w: order not found", ErrPaymentInvalidInput)
		}
		if order.Payment == domain.PaymentStatePaid || order.Payment == domain.PaymentStateRefunded {
			return 0, "", fmt.Errorf("%w: order is already settled", ErrPaymentInvalidState)
		}
		return order.TotalAmount, strings.ToUpper(order.Currency), nil

	case domain.TargetCourse:
		return s.resolveProductAmount(ctx, target.ID, domain.ProductKindCourse)

	case domain.TargetTier:
		return s.resolveProductAmount(ctx, target.ID, domain.ProductKindTier)

	case domain.TargetSubscription:
		if s.subscriptions == nil {
			return 0, "", ErrPaymentUnavailable
		}
		subscription, err := s.subscriptions.FindByID(ctx, target.ID)
		if err != nil {
			if isRepoNotFound(err) {
				return 0, "", fmt.Errorf("%w: subscription not found", ErrPaymentInvalidInput)
			}
			return 0, "", s.translateRepoError(err)
		}
		if !strings.EqualFold(subscription.UserID, userID) {
			return 0, "", fmt.Errorf("%w: subscription not found", ErrPaymentInvalidInput)
		}
		return s.resolveProductAmount(ctx, subscription.TierID, domain.ProductKindTier)

	default:
		return 0, "", fmt.Errorf("%w: unsupported target kind %q", ErrPaymentInvalidInput, target.Kind)
	}
}

func (s *paymentService) resolveProductAmount(ctx context.Context, productID string, kind domain.ProductKind) (int64, string, error) {
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return 0, "", fmt.Errorf("%w: product not found", ErrPaymentInvalidInput)
		}
		return 0, "", s.translateRepoError(err)
	}
	if product.Kind != kind {
		return 0, "", fmt.Errorf("%w: product %s is not a %s", ErrPaymentInvalidInput, productID, kind)
	}
	if !product.Active {
		return 0, "", fmt.Errorf("%w: product %s is not purchasable", ErrPaymentInvalidInput, productID)
	}
	if product.UnitAmount < 0 {
		return 0, "", fmt.Errorf("%w: product %s has a negative price", ErrPaymentInvalidInput, productID)
	}
	return product.UnitAmount, strings.ToUpper(strings.TrimSpace(product.Currency)), nil
}

func (s *paymentService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrPaymentNotFound
		case repoErr.IsConflict():
			return fmt.Errorf("%w: conflicting update", ErrPaymentInvalidState)
		case repoErr.IsUnavailable():
			return ErrPaymentUnavailable
		}
	}
	return ErrPaymentUnavailable
}
