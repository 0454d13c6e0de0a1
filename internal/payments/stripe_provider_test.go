package payments

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

type stubSessionAPI struct {
	session *stripe.CheckoutSession
	err     error
	params  *stripe.CheckoutSessionParams
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.params = params
	return s.session, s.err
}

type stubIntentAPI struct {
	intent *stripe.PaymentIntent
	err    error
	lastID string
}

func (s *stubIntentAPI) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.lastID = id
	return s.intent, s.err
}

type stubRefundAPI struct {
	refund *stripe.Refund
	err    error
	params *stripe.RefundParams
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return s.refund, s.err
}

func newTestStripeProvider(t *testing.T, clients stripeClients) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: "whsec_test",
		SuccessURL:    "https://app.example.com/checkout/done",
		Clients:       &clients,
	})
	if err != nil {
		t.Fatalf("NewStripeProvider returned error: %v", err)
	}
	return provider
}

func TestStripeInitialize(t *testing.T) {
	sessions := &stubSessionAPI{session: &stripe.CheckoutSession{
		ID:            "cs_test_1",
		URL:           "https://checkout.stripe.com/pay/cs_test_1",
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_test_1"},
	}}
	provider := newTestStripeProvider(t, stripeClients{
		sessions: sessions,
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	result, err := provider.Initialize(context.Background(), InitializeRequest{
		Reference:      "txn_123",
		Amount:         4999,
		Currency:       "USD",
		CustomerEmail:  "learner@example.com",
		Description:    "Go Fundamentals",
		IdempotencyKey: "idem_1",
	})
	if err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if result.ProviderRef != "pi_test_1" {
		t.Fatalf("expected payment intent id, got %s", result.ProviderRef)
	}
	if result.AuthorizationURL != "https://checkout.stripe.com/pay/cs_test_1" {
		t.Fatalf("unexpected authorization url %s", result.AuthorizationURL)
	}
	if sessions.params == nil {
		t.Fatal("expected session create params to be captured")
	}
	if got := sessions.params.Metadata["reference"]; got != "txn_123" {
		t.Fatalf("expected reference metadata, got %q", got)
	}
	if got := stripe.StringValue(sessions.params.ClientReferenceID); got != "txn_123" {
		t.Fatalf("expected client reference id, got %q", got)
	}
	items := sessions.params.LineItems
	if len(items) != 1 || stripe.Int64Value(items[0].PriceData.UnitAmount) != 4999 {
		t.Fatalf("unexpected line items %+v", items)
	}
	if got := stripe.StringValue(items[0].PriceData.Currency); got != "usd" {
		t.Fatalf("expected lower-cased currency, got %q", got)
	}
}

func TestStripeVerifyStatuses(t *testing.T) {
	cases := []struct {
		intentStatus stripe.PaymentIntentStatus
		want         Status
	}{
		{stripe.PaymentIntentStatusSucceeded, StatusSucceeded},
		{stripe.PaymentIntentStatusProcessing, StatusProcessing},
		{stripe.PaymentIntentStatusCanceled, StatusFailed},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, StatusPending},
	}

	for _, tc := range cases {
		t.Run(string(tc.intentStatus), func(t *testing.T) {
			intents := &stubIntentAPI{intent: &stripe.PaymentIntent{
				ID:       "pi_test_1",
				Status:   tc.intentStatus,
				Amount:   4999,
				Currency: stripe.CurrencyUSD,
				Metadata: map[string]string{"reference": "txn_123"},
			}}
			provider := newTestStripeProvider(t, stripeClients{
				sessions: &stubSessionAPI{},
				intents:  intents,
				refunds:  &stubRefundAPI{},
			})

			details, err := provider.Verify(context.Background(), VerifyRequest{ProviderRef: "pi_test_1"})
			if err != nil {
				t.Fatalf("Verify returned error: %v", err)
			}
			if details.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, details.Status)
			}
			if details.Reference != "txn_123" {
				t.Fatalf("expected reference from metadata, got %s", details.Reference)
			}
			if intents.lastID != "pi_test_1" {
				t.Fatalf("expected lookup by provider ref, got %s", intents.lastID)
			}
		})
	}
}

func TestStripeVerifyRequiresProviderRef(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})
	if _, err := provider.Verify(context.Background(), VerifyRequest{}); err == nil {
		t.Fatal("expected error for missing provider ref")
	}
}

func TestStripeRefund(t *testing.T) {
	refunds := &stubRefundAPI{refund: &stripe.Refund{ID: "re_test_1"}}
	intents := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_test_1",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   4999,
		Currency: stripe.CurrencyUSD,
		LatestCharge: &stripe.Charge{
			Amount:         4999,
			AmountRefunded: 4999,
			Refunded:       true,
			Created:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Unix(),
		},
	}}
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  intents,
		refunds:  refunds,
	})

	amount := int64(4999)
	details, err := provider.Refund(context.Background(), RefundRequest{
		ProviderRef: "pi_test_1",
		Amount:      &amount,
		Reason:      "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if details.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", details.Status)
	}
	if refunds.params == nil {
		t.Fatal("expected refund params to be captured")
	}
	if got := stripe.StringValue(refunds.params.Reason); got != "requested_by_customer" {
		t.Fatalf("unexpected refund reason %q", got)
	}
}

func TestStripeRefundError(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{err: errors.New("boom")},
	})
	if _, err := provider.Refund(context.Background(), RefundRequest{ProviderRef: "pi_test_1"}); err == nil {
		t.Fatal("expected refund error to propagate")
	}
}

func TestStripeVerifyWebhook(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_test_1","amount":4999,"currency":"usd","metadata":{"reference":"txn_123"}}}}`)
	now := time.Now()
	signed := webhook.ComputeSignature(now, payload, "whsec_test")
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signed))

	event, err := provider.VerifyWebhook(header, payload)
	if err != nil {
		t.Fatalf("VerifyWebhook returned error: %v", err)
	}
	if event.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", event.Status)
	}
	if event.Reference != "txn_123" {
		t.Fatalf("unexpected reference %s", event.Reference)
	}
	if event.ProviderRef != "pi_test_1" {
		t.Fatalf("unexpected provider ref %s", event.ProviderRef)
	}
	if event.Currency != "USD" {
		t.Fatalf("unexpected currency %s", event.Currency)
	}
}

func TestStripeVerifyWebhookRefundAmounts(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	cases := []struct {
		name     string
		refunded int64
		want     Status
	}{
		{"partial", 1000, StatusPartiallyRefunded},
		{"full", 4999, StatusRefunded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := []byte(fmt.Sprintf(
				`{"id":"evt_1","type":"charge.refunded","data":{"object":{"id":"ch_test_1","amount":4999,"amount_refunded":%d,"currency":"usd","metadata":{"reference":"txn_123"}}}}`,
				tc.refunded))
			now := time.Now()
			signed := webhook.ComputeSignature(now, payload, "whsec_test")
			header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signed))

			event, err := provider.VerifyWebhook(header, payload)
			if err != nil {
				t.Fatalf("VerifyWebhook returned error: %v", err)
			}
			if event.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, event.Status)
			}
			if event.Amount != tc.refunded {
				t.Fatalf("expected refunded amount %d, got %d", tc.refunded, event.Amount)
			}
		})
	}
}

func TestStripeVerifyPartialRefundDetails(t *testing.T) {
	intents := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_test_1",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   4999,
		Currency: stripe.CurrencyUSD,
		LatestCharge: &stripe.Charge{
			Amount:         4999,
			AmountRefunded: 1000,
			Created:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Unix(),
		},
	}}
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  intents,
		refunds:  &stubRefundAPI{},
	})

	details, err := provider.Verify(context.Background(), VerifyRequest{ProviderRef: "pi_test_1"})
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if details.Status != StatusPartiallyRefunded {
		t.Fatalf("expected partially refunded, got %s", details.Status)
	}
	if details.RefundedAt == nil {
		t.Fatal("expected RefundedAt to be stamped")
	}
}

func TestStripeVerifyWebhookRejectsBadSignature(t *testing.T) {
	provider := newTestStripeProvider(t, stripeClients{
		sessions: &stubSessionAPI{},
		intents:  &stubIntentAPI{},
		refunds:  &stubRefundAPI{},
	})

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	header := fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix())
	if _, err := provider.VerifyWebhook(header, payload); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}
