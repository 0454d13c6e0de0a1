package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/skillforge/api/internal/domain"
	pfirestore "github.com/skillforge/api/internal/platform/firestore"
	"github.com/skillforge/api/internal/platform/pagination"
	"github.com/skillforge/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository stores immutable order snapshots within Firestore. It also
// holds a handle on the products collection so order creation can settle
// stock in the same transaction.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	products *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	products := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		products: products,
		provider: provider,
	}, nil
}

// Insert creates the order document. Order IDs are unique, so Create rejects
// duplicates as conflicts.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, orderToDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// InsertWithStockDecrement creates the order document, subtracts stock, and
// bumps the sales counters in one transaction. A line that would drive stock
// below zero aborts the whole batch with a StockError; unlimited products
// (nil stock) only gain sales counts. Nothing is persisted on failure.
func (r *OrderRepository) InsertWithStockDecrement(ctx context.Context, order domain.Order, lines []repositories.StockAdjustment, now time.Time) error {
	if r == nil || r.base == nil || r.products == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	if len(lines) == 0 {
		return r.Insert(ctx, order)
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

		// All reads come before any write.
		for _, pid := range ids {
			ref, err := r.products.DocumentRef(ctx, pid)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				wrapped := pfirestore.WrapError("orders.insert_with_stock", err)
				var repoErr repositories.RepositoryError
				if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, pid, fmt.Sprintf("product %s not found", pid), err)
				}
				return wrapped
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("firestore products decode %s: %w", pid, err)
			}
			updates := []firestore.Update{
				{Path: "salesCount", Value: doc.SalesCount + totals[pid]},
				{Path: "updatedAt", Value: now},
			}
			if doc.Stock != nil {
				if totals[pid] > *doc.Stock {
					return repositories.NewStockError(
						repositories.StockErrorInsufficient,
						pid,
						fmt.Sprintf("product %s has %d in stock, requested %d", pid, *doc.Stock, totals[pid]),
						nil,
					)
				}
				updates = append(updates, firestore.Update{Path: "stock", Value: *doc.Stock - totals[pid]})
			}
			writes = append(writes, pending{ref: ref, updates: updates})
		}

		for _, write := range writes {
			if err := tx.Update(write.ref, write.updates); err != nil {
				return err
			}
		}
		orderRef, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		return tx.Create(orderRef, orderToDocument(order))
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return stockErr
		}
		return pfirestore.WrapError("orders.insert_with_stock", err)
	}
	return nil
}

// FindByID loads one order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return orderFromDocument(doc.ID, doc.Data), nil
}

// ListByUser returns the user's orders newest first, one page at a time.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (repositories.OrderPage, error) {
	if r == nil || r.base == nil {
		return repositories.OrderPage{}, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return repositories.OrderPage{}, errors.New("order repository: user id is required")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	if pageSize > pagination.DefaultMaxPageSize {
		pageSize = pagination.DefaultMaxPageSize
	}

	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return repositories.OrderPage{}, err
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		q := query.Where("userId", "==", uid).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc).
			Limit(pageSize + 1)
		if len(cursor.StartAfter) > 0 {
			q = q.StartAfter(cursor.StartAfter...)
		}
		return q
	})
	if err != nil {
		return repositories.OrderPage{}, err
	}

	page := repositories.OrderPage{}
	limit := len(docs)
	hasMore := false
	if limit > pageSize {
		limit = pageSize
		hasMore = true
	}
	for _, doc := range docs[:limit] {
		page.Orders = append(page.Orders, orderFromDocument(doc.ID, doc.Data))
	}
	if hasMore {
		last := docs[limit-1]
		token, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.Data.CreatedAt, last.ID},
		})
		if err != nil {
			return repositories.OrderPage{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// UpdateStatuses persists the status triple and cascade timestamps inside a
// transaction so concurrent cascades never interleave.
func (r *OrderRepository) UpdateStatuses(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}

		doc.Status = string(order.Status)
		doc.Payment = string(order.Payment)
		doc.Fulfillment = string(order.Fulfillment)
		doc.PaidAt = order.PaidAt
		doc.ShippedAt = order.ShippedAt
		doc.CancelledAt = order.CancelledAt
		doc.UpdatedAt = order.UpdatedAt.UTC()
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = time.Now().UTC()
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = orderFromDocument(id, doc)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update_statuses", err)
	}
	return saved, nil
}

func orderToDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Number:          order.Number,
		UserID:          order.UserID,
		CartID:          order.CartID,
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Subtotal:        order.Subtotal,
		Tax:             order.Tax,
		Shipping:        order.Shipping,
		Discount:        order.Discount,
		TotalAmount:     order.TotalAmount,
		Status:          string(order.Status),
		Payment:         string(order.Payment),
		Fulfillment:     string(order.Fulfillment),
		ShippingAddress: addressToDocument(order.ShippingAddress),
		BillingAddress:  addressToDocument(order.BillingAddress),
		Notes:           order.Notes,
		PaidAt:          order.PaidAt,
		ShippedAt:       order.ShippedAt,
		CancelledAt:     order.CancelledAt,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID:  item.ProductID,
			Kind:       string(item.Kind),
			Title:      item.Title,
			UnitAmount: item.UnitAmount,
			Quantity:   item.Quantity,
			Subtotal:   item.Subtotal,
		})
	}
	return doc
}

func orderFromDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:              id,
		Number:          doc.Number,
		UserID:          doc.UserID,
		CartID:          doc.CartID,
		Currency:        doc.Currency,
		Subtotal:        doc.Subtotal,
		Tax:             doc.Tax,
		Shipping:        doc.Shipping,
		Discount:        doc.Discount,
		TotalAmount:     doc.TotalAmount,
		Status:          domain.OrderStatus(doc.Status),
		Payment:         domain.PaymentState(doc.Payment),
		Fulfillment:     domain.FulfillmentState(doc.Fulfillment),
		ShippingAddress: addressFromDocument(doc.ShippingAddress),
		BillingAddress:  addressFromDocument(doc.BillingAddress),
		Notes:           doc.Notes,
		PaidAt:          doc.PaidAt,
		ShippedAt:       doc.ShippedAt,
		CancelledAt:     doc.CancelledAt,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:  item.ProductID,
			Kind:       domain.ProductKind(item.Kind),
			Title:      item.Title,
			UnitAmount: item.UnitAmount,
			Quantity:   item.Quantity,
			Subtotal:   item.Subtotal,
		})
	}
	return order
}

type orderDocument struct {
	Number          string              `firestore:"number"`
	UserID          string              `firestore:"userId"`
	CartID          string              `firestore:"cartId,omitempty"`
	Currency        string              `firestore:"currency"`
	Items           []orderItemDocument `firestore:"items"`
	Subtotal        int64               `firestore:"subtotal"`
	Tax             int64               `firestore:"tax,omitempty"`
	Shipping        int64               `firestore:"shipping,omitempty"`
	Discount        int64               `firestore:"discount,omitempty"`
	TotalAmount     int64               `firestore:"totalAmount"`
	Status          string              `firestore:"status"`
	Payment         string              `firestore:"paymentStatus"`
	Fulfillment     string              `firestore:"fulfillmentStatus"`
	ShippingAddress *addressDocument    `firestore:"shippingAddress,omitempty"`
	BillingAddress  *addressDocument    `firestore:"billingAddress,omitempty"`
	Notes           string              `firestore:"notes,omitempty"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type addressDocument struct {
	Name       string `firestore:"name,omitempty"`
	Line1      string `firestore:"line1,omitempty"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city,omitempty"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
}

func addressToDocument(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		Name:       addr.Name,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func addressFromDocument(doc *addressDocument) *domain.Address {
	if doc == nil {
		return nil
	}
	return &domain.Address{
		Name:       doc.Name,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		State:      doc.State,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Phone:      doc.Phone,
	}
}

type orderItemDocument struct {
	ProductID  string `firestore:"productId"`
	Kind       string `firestore:"kind"`
	Title      string `firestore:"title"`
	UnitAmount int64  `firestore:"unitAmount"`
	Quantity   int64  `firestore:"quantity"`
	Subtotal   int64  `firestore:"subtotal"`
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
