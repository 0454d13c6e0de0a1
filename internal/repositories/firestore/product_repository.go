package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/skillforge/api/internal/domain"
	pfirestore "github.com/skillforge/api/internal/platform/firestore"
	"github.com/skillforge/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository stores catalogue entries and their stock counts.
type ProductRepository struct {
	base     *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	return &ProductRepository{
		base:     base,
		provider: provider,
	}, nil
}

// FindByID loads one product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return productFromDocument(doc.ID, doc.Data), nil
}

// FindByIDs loads the given products keyed by ID. Missing products are simply
// absent from the result; callers decide whether that is an error.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}
	out := make(map[string]domain.Product, len(productIDs))
	for _, raw := range productIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := out[id]; ok {
			continue
		}
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, err
		}
		out[id] = productFromDocument(doc.ID, doc.Data)
	}
	return out, nil
}

// Upsert writes the product document.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	now := time.Now().UTC()
	if !product.UpdatedAt.IsZero() {
		now = product.UpdatedAt.UTC()
	}
	createdAt := product.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := productDocument{
		Kind:       string(product.Kind),
		Title:      strings.TrimSpace(product.Title),
		UnitAmount: product.UnitAmount,
		Currency:   strings.ToUpper(strings.TrimSpace(product.Currency)),
		Stock:      product.Stock,
		SalesCount: product.SalesCount,
		Active:     product.Active,
		Metadata:   cloneAnyMap(product.Metadata),
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	}
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.Product{}, err
	}
	return productFromDocument(id, doc), nil
}

// RestoreStock adds quantities back after a failed payment and rolls the
// sales counters back with them. Unlimited products (nil stock) keep their
// stock untouched but still give back the counted sales.
func (r *ProductRepository) RestoreStock(ctx context.Context, lines []repositories.StockAdjustment, now time.Time) error {
	const op = "products.restore_stock"
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(lines) == 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	totals, ids, err := collapseStockLines(lines)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type pending struct {
			ref     *firestore.DocumentRef
			updates []firestore.Update
		}
		writes := make([]pending, 0, len(ids))

		for _, id := range ids {
			ref, err := r.base.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				wrapped := pfirestore.WrapError(op, err)
				var repoErr repositories.RepositoryError
				if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, id, fmt.Sprintf("product %s not found", id), err)
				}
				return wrapped
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("firestore products decode %s: %w", id, err)
			}
			sales := doc.SalesCount - totals[id]
			if sales < 0 {
				sales = 0
			}
			updates := []firestore.Update{
				{Path: "salesCount", Value: sales},
				{Path: "updatedAt", Value: now},
			}
			if doc.Stock != nil {
				updates = append(updates, firestore.Update{Path: "stock", Value: *doc.Stock + totals[id]})
			}
			writes = append(writes, pending{ref: ref, updates: updates})
		}

		for _, write := range writes {
			if err := tx.Update(write.ref, write.updates); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return stockErr
		}
		return pfirestore.WrapError(op, err)
	}
	return nil
}

// collapseStockLines merges duplicate product lines and fixes iteration order
// so transaction retries touch documents deterministically.
func collapseStockLines(lines []repositories.StockAdjustment) (map[string]int64, []string, error) {
	totals := make(map[string]int64, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return nil, nil, repositories.NewStockError(repositories.StockErrorUnknown, "", "stock adjustment requires a product id", nil)
		}
		if line.Quantity <= 0 {
			return nil, nil, repositories.NewStockError(repositories.StockErrorUnknown, id, fmt.Sprintf("stock adjustment for %s requires a positive quantity", id), nil)
		}
		totals[id] += line.Quantity
	}
	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return totals, ids, nil
}

func productFromDocument(id string, doc productDocument) domain.Product {
	var stock *int64
	if doc.Stock != nil {
		value := *doc.Stock
		stock = &value
	}
	return domain.Product{
		ID:         id,
		Kind:       domain.ProductKind(doc.Kind),
		Title:      doc.Title,
		UnitAmount: doc.UnitAmount,
		Currency:   strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Stock:      stock,
		SalesCount: doc.SalesCount,
		Active:     doc.Active,
		Metadata:   cloneAnyMap(doc.Metadata),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

type productDocument struct {
	Kind       string         `firestore:"kind"`
	Title      string         `firestore:"title"`
	UnitAmount int64          `firestore:"unitAmount"`
	Currency   string         `firestore:"currency"`
	Stock      *int64         `firestore:"stock,omitempty"`
	SalesCount int64          `firestore:"salesCount"`
	Active     bool           `firestore:"active"`
	Metadata   map[string]any `firestore:"metadata,omitempty"`
	CreatedAt  time.Time      `firestore:"createdAt"`
	UpdatedAt  time.Time      `firestore:"updatedAt"`
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
