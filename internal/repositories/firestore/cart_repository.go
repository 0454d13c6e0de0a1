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

const cartCollection = "carts"

// CartRepository persists carts keyed by owner within Firestore.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// GetByOwner loads the cart stored under the owner key.
func (r *CartRepository) GetByOwner(ctx context.Context, ownerKey string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	key := strings.TrimSpace(ownerKey)
	if key == "" {
		return domain.Cart{}, errors.New("cart repository: owner key is required")
	}

	doc, err := r.base.Get(ctx, key)
	if err != nil {
		return domain.Cart{}, err
	}
	return cartFromDocument(doc.ID, doc.Data, doc.UpdateTime), nil
}

// Upsert persists the cart document using the owner key as document identifier.
func (r *CartRepository) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	key := strings.TrimSpace(cart.OwnerKey)
	if key == "" {
		return domain.Cart{}, errors.New("cart repository: owner key is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := cartToDocument(cart, createdAt, now)
	result, err := r.base.Set(ctx, key, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved := cartFromDocument(key, doc, result.UpdateTime)
	return saved, nil
}

// Merge moves every item from the cart under fromKey into the cart under
// toKey and deletes the source document, all within one transaction. Running
// it twice is harmless: a missing source cart is a no-op.
func (r *CartRepository) Merge(ctx context.Context, fromKey, toKey string, now time.Time) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	from := strings.TrimSpace(fromKey)
	to := strings.TrimSpace(toKey)
	if from == "" || to == "" {
		return domain.Cart{}, errors.New("cart repository: merge requires both owner keys")
	}
	if from == to {
		return r.GetByOwner(ctx, to)
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var merged domain.Cart
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fromRef, err := r.base.DocumentRef(ctx, from)
		if err != nil {
			return err
		}
		toRef, err := r.base.DocumentRef(ctx, to)
		if err != nil {
			return err
		}

		var source *cartDocument
		fromSnap, err := tx.Get(fromRef)
		switch status.Code(err) {
		case codes.OK:
			var doc cartDocument
			if err := fromSnap.DataTo(&doc); err != nil {
				return err
			}
			source = &doc
		case codes.NotFound:
			// Nothing to merge.
		default:
			return err
		}

		var target cartDocument
		targetExists := false
		toSnap, err := tx.Get(toRef)
		switch status.Code(err) {
		case codes.OK:
			if err := toSnap.DataTo(&target); err != nil {
				return err
			}
			targetExists = true
		case codes.NotFound:
		default:
			return err
		}

		if source == nil {
			if !targetExists {
				merged = domain.Cart{}
				return nil
			}
			merged = cartFromDocument(to, target, now)
			return nil
		}

		if !targetExists {
			target = cartDocument{
				Currency:  source.Currency,
				CreatedAt: now,
			}
		}
		if target.Currency == "" {
			target.Currency = source.Currency
		}

		target.Items = mergeCartItems(target.Items, source.Items)
		target.UpdatedAt = now

		if err := tx.Set(toRef, target); err != nil {
			return err
		}
		if err := tx.Delete(fromRef); err != nil {
			return err
		}
		merged = cartFromDocument(to, target, now)
		return nil
	})
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.merge", err)
	}
	return merged, nil
}

// Delete removes the cart owned by the given key. Missing carts are ignored.
func (r *CartRepository) Delete(ctx context.Context, ownerKey string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	key := strings.TrimSpace(ownerKey)
	if key == "" {
		return errors.New("cart repository: owner key is required")
	}
	ref, err := r.base.DocumentRef(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return pfirestore.WrapError("carts.delete", err)
	}
	return nil
}

func mergeCartItems(target, source []cartItemDocument) []cartItemDocument {
	byProduct := make(map[string]int, len(target))
	out := make([]cartItemDocument, len(target))
	copy(out, target)
	for i, item := range out {
		byProduct[item.ProductID] = i
	}
	for _, item := range source {
		if idx, ok := byProduct[item.ProductID]; ok {
			out[idx].Quantity += item.Quantity
			continue
		}
		byProduct[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out
}

func cartToDocument(cart domain.Cart, createdAt, updatedAt time.Time) cartDocument {
	doc := cartDocument{
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Metadata:  cloneAnyMap(cart.Metadata),
		ExpiresAt: cart.ExpiresAt,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, cartItemDocument{
			ProductID:  item.ProductID,
			Kind:       string(item.Kind),
			Title:      item.Title,
			UnitAmount: item.UnitAmount,
			Quantity:   item.Quantity,
		})
	}
	return doc
}

func cartFromDocument(ownerKey string, doc cartDocument, updateTime time.Time) domain.Cart {
	cart := domain.Cart{
		ID:        ownerKey,
		OwnerKey:  ownerKey,
		Currency:  strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Items:     make([]domain.CartItem, 0, len(doc.Items)),
		Metadata:  cloneAnyMap(doc.Metadata),
		ExpiresAt: doc.ExpiresAt,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if !updateTime.IsZero() {
		cart.UpdatedAt = updateTime
	}
	for _, item := range doc.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:  item.ProductID,
			Kind:       domain.ProductKind(item.Kind),
			Title:      item.Title,
			UnitAmount: item.UnitAmount,
			Quantity:   item.Quantity,
		})
	}
	return cart
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

type cartDocument struct {
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items,omitempty"`
	Metadata  map[string]any     `firestore:"metadata,omitempty"`
	ExpiresAt time.Time          `firestore:"expiresAt,omitempty"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID  string `firestore:"productId"`
	Kind       string `firestore:"kind"`
	Title      string `firestore:"title"`
	UnitAmount int64  `firestore:"unitAmount"`
	Quantity   int64  `firestore:"quantity"`
}

var _ repositories.CartRepository = (*CartRepository)(nil)
