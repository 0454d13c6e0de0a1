package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/skillforge/api/internal/domain"
	pfirestore "github.com/skillforge/api/internal/platform/firestore"
	"github.com/skillforge/api/internal/repositories"
)

const subscriptionCollection = "subscriptions"

// SubscriptionRepository stores tier subscriptions keyed by user and tier.
type SubscriptionRepository struct {
	base     *pfirestore.BaseRepository[subscriptionDocument]
	provider *pfirestore.Provider
}

// NewSubscriptionRepository constructs a Firestore-backed subscription repository.
func NewSubscriptionRepository(provider *pfirestore.Provider) (*SubscriptionRepository, error) {
	if provider == nil {
		return nil, errors.New("subscription repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[subscriptionDocument](provider, subscriptionCollection, nil, nil)
	return &SubscriptionRepository{
		base:     base,
		provider: provider,
	}, nil
}

// ActivateOnce creates or reactivates the subscription for user+tier inside a
// transaction. A subscription already activated by the same source transaction
// is left untouched, so duplicate fulfillment stays a no-op.
func (r *SubscriptionRepository) ActivateOnce(ctx context.Context, subscription domain.Subscription) (domain.Subscription, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Subscription{}, false, errors.New("subscription repository not initialised")
	}
	userID := strings.TrimSpace(subscription.UserID)
	tierID := strings.TrimSpace(subscription.TierID)
	if userID == "" || tierID == "" {
		return domain.Subscription{}, false, errors.New("subscription repository: user id and tier id are required")
	}

	docID := subscriptionDocID(userID, tierID)
	activatedAt := subscription.ActivatedAt.UTC()
	if activatedAt.IsZero() {
		activatedAt = time.Now().UTC()
	}

	var (
		saved   domain.Subscription
		changed bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, docID)
		if err != nil {
			return err
		}

		doc := subscriptionDocument{
			UserID:              userID,
			TierID:              tierID,
			Status:              string(domain.SubscriptionActive),
			SourceTransactionID: strings.TrimSpace(subscription.SourceTransactionID),
			ActivatedAt:         activatedAt,
			ExpiresAt:           subscription.ExpiresAt,
		}

		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
			saved = subscriptionFromDocument(docID, doc)
			changed = true
			return nil
		case codes.OK:
		default:
			return err
		}

		var existing subscriptionDocument
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.Status == string(domain.SubscriptionActive) &&
			existing.SourceTransactionID == doc.SourceTransactionID {
			saved = subscriptionFromDocument(docID, existing)
			changed = false
			return nil
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = subscriptionFromDocument(docID, doc)
		changed = true
		return nil
	})
	if err != nil {
		return domain.Subscription{}, false, pfirestore.WrapError("subscriptions.activate_once", err)
	}
	return saved, changed, nil
}

// FindByUserAndTier loads the subscription for user+tier when present.
func (r *SubscriptionRepository) FindByUserAndTier(ctx context.Context, userID, tierID string) (domain.Subscription, error) {
	if r == nil || r.base == nil {
		return domain.Subscription{}, errors.New("subscription repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	tid := strings.TrimSpace(tierID)
	if uid == "" || tid == "" {
		return domain.Subscription{}, errors.New("subscription repository: user id and tier id are required")
	}
	doc, err := r.base.Get(ctx, subscriptionDocID(uid, tid))
	if err != nil {
		return domain.Subscription{}, err
	}
	return subscriptionFromDocument(doc.ID, doc.Data), nil
}

// FindByID loads the subscription by its document ID.
func (r *SubscriptionRepository) FindByID(ctx context.Context, subscriptionID string) (domain.Subscription, error) {
	if r == nil || r.base == nil {
		return domain.Subscription{}, errors.New("subscription repository not initialised")
	}
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return domain.Subscription{}, errors.New("subscription repository: subscription id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Subscription{}, err
	}
	return subscriptionFromDocument(doc.ID, doc.Data), nil
}

func subscriptionDocID(userID, tierID string) string {
	return userID + "_" + tierID
}

func subscriptionFromDocument(id string, doc subscriptionDocument) domain.Subscription {
	return domain.Subscription{
		ID:                  id,
		UserID:              doc.UserID,
		TierID:              doc.TierID,
		Status:              domain.SubscriptionStatus(doc.Status),
		SourceTransactionID: doc.SourceTransactionID,
		ActivatedAt:         doc.ActivatedAt,
		ExpiresAt:           doc.ExpiresAt,
	}
}

type subscriptionDocument struct {
	UserID              string     `firestore:"userId"`
	TierID              string     `firestore:"tierId"`
	Status              string     `firestore:"status"`
	SourceTransactionID string     `firestore:"sourceTransactionId,omitempty"`
	ActivatedAt         time.Time  `firestore:"activatedAt"`
	ExpiresAt           *time.Time `firestore:"expiresAt,omitempty"`
}

var _ repositories.SubscriptionRepository = (*SubscriptionRepository)(nil)
