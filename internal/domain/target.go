package domain

import (
	"errors"
	"fmt"
	"strings"
)

// TargetKind enumerates what a payment can settle against.
type TargetKind string

const (
	// TargetCourse pays for a single course and grants an enrollment.
	TargetCourse TargetKind = "course"
	// TargetOrder pays for an existing order.
	TargetOrder TargetKind = "order"
	// TargetSubscription renews an existing subscription.
	TargetSubscription TargetKind = "subscription"
	// TargetTier starts a subscription on a tier.
	TargetTier TargetKind = "tier"
)

// ErrInvalidTarget indicates a payment target with an unknown kind or empty ID.
var ErrInvalidTarget = errors.New("invalid payment target")

// PaymentTarget identifies the single entity a payment settles. Exactly one
// kind applies; construct through NewPaymentTarget to keep that invariant.
type PaymentTarget struct {
	Kind TargetKind
	ID   string
}

// NewPaymentTarget validates and builds a payment target.
func NewPaymentTarget(kind TargetKind, id string) (PaymentTarget, error) {
	id = strings.TrimSpace(id)
	switch kind {
	case TargetCourse, TargetOrder, TargetSubscription, TargetTier:
	default:
		return PaymentTarget{}, fmt.Errorf("%w: kind %q", ErrInvalidTarget, string(kind))
	}
	if id == "" {
		return PaymentTarget{}, fmt.Errorf("%w: id is required", ErrInvalidTarget)
	}
	return PaymentTarget{Kind: kind, ID: id}, nil
}

// IsZero reports whether the target is unset.
func (t PaymentTarget) IsZero() bool {
	return t.Kind == "" && t.ID == ""
}

func (t PaymentTarget) String() string {
	return string(t.Kind) + ":" + t.ID
}
