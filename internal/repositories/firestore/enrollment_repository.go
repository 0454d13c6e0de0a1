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

const enrollmentCollection = "enrollments"

// EnrollmentRepository stores course access grants keyed by user and course,
// which makes every grant naturally idempotent.
type EnrollmentRepository struct {
	base     *pfirestore.BaseRepository[enrollmentDocument]
	provider *pfirestore.Provider
}

// NewEnrollmentRepository constructs a Firestore-backed enrollment repository.
func NewEnrollmentRepository(provider *pfirestore.Provider) (*EnrollmentRepository, error) {
	if provider == nil {
		return nil, errors.New("enrollment repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[enrollmentDocument](provider, enrollmentCollection, nil, nil)
	return &EnrollmentRepository{
		base:     base,
		provider: provider,
	}, nil
}

// GrantOnce inserts the enrollment unless one already exists for user+course.
// The deterministic document ID turns duplicate fulfillment into a no-op.
func (r *EnrollmentRepository) GrantOnce(ctx context.Context, enrollment domain.Enrollment) (domain.Enrollment, bool, error) {
	if r == nil || r.base == nil {
		return domain.Enrollment{}, false, errors.New("enrollment repository not initialised")
	}
	userID := strings.TrimSpace(enrollment.UserID)
	courseID := strings.TrimSpace(enrollment.CourseID)
	if userID == "" || courseID == "" {
		return domain.Enrollment{}, false, errors.New("enrollment repository: user id and course id are required")
	}

	docID := enrollmentDocID(userID, courseID)
	grantedAt := enrollment.GrantedAt.UTC()
	if grantedAt.IsZero() {
		grantedAt = time.Now().UTC()
	}
	doc := enrollmentDocument{
		UserID:              userID,
		CourseID:            courseID,
		SourceTransactionID: strings.TrimSpace(enrollment.SourceTransactionID),
		GrantedAt:           grantedAt,
	}

	ref, err := r.base.DocumentRef(ctx, docID)
	if err != nil {
		return domain.Enrollment{}, false, err
	}
	_, err = ref.Create(ctx, doc)
	if err == nil {
		return enrollmentFromDocument(docID, doc), true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return domain.Enrollment{}, false, pfirestore.WrapError("enrollments.grant_once", err)
	}

	existing, err := r.base.Get(ctx, docID)
	if err != nil {
		return domain.Enrollment{}, false, err
	}
	return enrollmentFromDocument(existing.ID, existing.Data), false, nil
}

// FindByUserAndCourse loads the grant for user+course when present.
func (r *EnrollmentRepository) FindByUserAndCourse(ctx context.Context, userID, courseID string) (domain.Enrollment, error) {
	if r == nil || r.base == nil {
		return domain.Enrollment{}, errors.New("enrollment repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	cid := strings.TrimSpace(courseID)
	if uid == "" || cid == "" {
		return domain.Enrollment{}, errors.New("enrollment repository: user id and course id are required")
	}
	doc, err := r.base.Get(ctx, enrollmentDocID(uid, cid))
	if err != nil {
		return domain.Enrollment{}, err
	}
	return enrollmentFromDocument(doc.ID, doc.Data), nil
}

// ListByUser returns every course grant held by the user.
func (r *EnrollmentRepository) ListByUser(ctx context.Context, userID string) ([]domain.Enrollment, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("enrollment repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("enrollment repository: user id is required")
	}
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("userId", "==", uid).OrderBy("grantedAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Enrollment, 0, len(docs))
	for _, doc := range docs {
		out = append(out, enrollmentFromDocument(doc.ID, doc.Data))
	}
	return out, nil
}

func enrollmentDocID(userID, courseID string) string {
	return userID + "_" + courseID
}

func enrollmentFromDocument(id string, doc enrollmentDocument) domain.Enrollment {
	return domain.Enrollment{
		ID:                  id,
		UserID:              doc.UserID,
		CourseID:            doc.CourseID,
		SourceTransactionID: doc.SourceTransactionID,
		GrantedAt:           doc.GrantedAt,
	}
}

type enrollmentDocument struct {
	UserID              string    `firestore:"userId"`
	CourseID            string    `firestore:"courseId"`
	SourceTransactionID string    `firestore:"sourceTransactionId,omitempty"`
	GrantedAt           time.Time `firestore:"grantedAt"`
}

var _ repositories.EnrollmentRepository = (*EnrollmentRepository)(nil)
