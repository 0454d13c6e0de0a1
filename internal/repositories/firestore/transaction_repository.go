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
	"github.com/skillforge/api/internal/repositories"
)

const transactionCollection = "transactions"

// TransactionRepository persists payment attempts within Firestore.
type TransactionRepository struct {
	base     *pfirestore.BaseRepository[transactionDocument]
	provider *pfirestore.Provider
}

// NewTransactionRepository constructs a Firestore-backed transaction repository.
func NewTransactionRepository(provider *pfirestore.Provider) (*TransactionRepository, error) {
	if provider == nil {
		return nil, errors.New("transaction repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[transactionDocument](provider, transactionCollection, nil, nil)
	return &TransactionRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the transaction document, rejecting duplicate IDs.
func (r *TransactionRepository) Insert(ctx context.Context, txn domain.Transaction) error {
	if r == nil || r.base == nil {
		return errors.New("transaction repository not initialised")
	}
	id := strings.TrimSpace(txn.ID)
	if id == "" {
		return errors.New("transaction repository: transaction id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, transactionToDocument(txn)); err != nil {
		return pfirestore.WrapError("transactions.insert", err)
	}
	return nil
}

// FindByID loads one transaction.
func (r *TransactionRepository) FindByID(ctx context.Context, transactionID string) (domain.Transaction, error) {
	if r == nil || r.base == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return domain.Transaction{}, errors.New("transaction repository: transaction id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return transactionFromDocument(doc.ID, doc.Data), nil
}

// FindByReference locates the transaction carrying the merchant reference.
// References are unique, so more than one match indicates corrupted data.
func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (domain.Transaction, error) {
	if r == nil || r.base == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return domain.Transaction{}, errors.New("transaction repository: reference is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("reference", "==", ref).Limit(2)
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	switch len(docs) {
	case 0:
		return domain.Transaction{}, pfirestore.NewNotFoundError("transactions.find_by_reference", fmt.Sprintf("no transaction with reference %s", ref))
	case 1:
		return transactionFromDocument(docs[0].ID, docs[0].Data), nil
	default:
		return domain.Transaction{}, fmt.Errorf("transactions.find_by_reference: reference %s is ambiguous", ref)
	}
}

// Update rewrites the mutable transaction fields.
func (r *TransactionRepository) Update(ctx context.Context, txn domain.Transaction) (domain.Transaction, error) {
	if r == nil || r.base == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	id := strings.TrimSpace(txn.ID)
	if id == "" {
		return domain.Transaction{}, errors.New("transaction repository: transaction id is required")
	}
	doc := transactionToDocument(txn)
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	if _, err := r.base.Set(ctx, id, doc); err != nil {
		return domain.Transaction{}, err
	}
	return transactionFromDocument(id, doc), nil
}

// Transition moves the transaction into next only when its stored status is
// one of expected, applying mutate to the document first. The read and the
// conditional write share one Firestore transaction, which makes competing
// webhook and verification workers settle on a single winner.
func (r *TransactionRepository) Transition(ctx context.Context, transactionID string, expected []domain.TransactionStatus, next domain.TransactionStatus, mutate func(*domain.Transaction), now time.Time) (domain.Transaction, error) {
	if r == nil || r.provider == nil {
		return domain.Transaction{}, errors.New("transaction repository not initialised")
	}
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return domain.Transaction{}, errors.New("transaction repository: transaction id is required")
	}
	if len(expected) == 0 {
		return domain.Transaction{}, errors.New("transaction repository: expected statuses are required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var updated domain.Transaction
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc transactionDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}

		current := domain.TransactionStatus(doc.Status)
		allowed := false
		for _, status := range expected {
			if current == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s is %s, wanted one of %v", repositories.ErrAlreadyTransitioned, id, current, expected)
		}

		entity := transactionFromDocument(id, doc)
		entity.Status = next
		if mutate != nil {
			mutate(&entity)
		}
		entity.Status = next
		entity.UpdatedAt = now

		if err := tx.Set(ref, transactionToDocument(entity)); err != nil {
			return err
		}
		updated = entity
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrAlreadyTransitioned) {
			return domain.Transaction{}, err
		}
		return domain.Transaction{}, pfirestore.WrapError("transactions.transition", err)
	}
	return updated, nil
}

func transactionToDocument(txn domain.Transaction) transactionDocument {
	return transactionDocument{
		Reference:        txn.Reference,
		Provider:         txn.Provider,
		UserID:           txn.UserID,
		TargetKind:       string(txn.Target.Kind),
		TargetID:         txn.Target.ID,
		Amount:           txn.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(txn.Currency)),
		Status:           string(txn.Status),
		ProviderRef:      txn.ProviderRef,
		AuthorizationURL: txn.AuthorizationURL,
		FailureReason:    txn.FailureReason,
		Metadata:         cloneAnyMap(txn.Metadata),
		FulfilledAt:      txn.FulfilledAt,
		RefundedAt:       txn.RefundedAt,
		CreatedAt:        txn.CreatedAt.UTC(),
		UpdatedAt:        txn.UpdatedAt.UTC(),
	}
}

func transactionFromDocument(id string, doc transactionDocument) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		Reference: doc.Reference,
		Provider:  doc.Provider,
		UserID:    doc.UserID,
		Target: domain.PaymentTarget{
			Kind: domain.TargetKind(doc.TargetKind),
			ID:   doc.TargetID,
		},
		Amount:           doc.Amount,
		Currency:         doc.Currency,
		Status:           domain.TransactionStatus(doc.Status),
		ProviderRef:      doc.ProviderRef,
		AuthorizationURL: doc.AuthorizationURL,
		FailureReason:    doc.FailureReason,
		Metadata:         cloneAnyMap(doc.Metadata),
		FulfilledAt:      doc.FulfilledAt,
		RefundedAt:       doc.RefundedAt,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

type transactionDocument struct {
	Reference        string         `firestore:"reference"`
	Provider         string         `firestore:"provider"`
	UserID           string         `firestore:"userId"`
	TargetKind       string         `firestore:"targetKind"`
	TargetID         string         `firestore:"targetId"`
	Amount           int64          `firestore:"amount"`
	Currency         string         `firestore:"currency"`
	Status           string         `firestore:"status"`
	ProviderRef      string         `firestore:"providerRef,omitempty"`
	AuthorizationURL string         `firestore:"authorizationUrl,omitempty"`
	FailureReason    string         `firestore:"failureReason,omitempty"`
	Metadata         map[string]any `firestore:"metadata,omitempty"`
	FulfilledAt      *time.Time     `firestore:"fulfilledAt,omitempty"`
	RefundedAt       *time.Time     `firestore:"refundedAt,omitempty"`
	CreatedAt        time.Time      `firestore:"createdAt"`
	UpdatedAt        time.Time      `firestore:"updatedAt"`
}

var _ repositories.TransactionRepository = (*TransactionRepository)(nil)
