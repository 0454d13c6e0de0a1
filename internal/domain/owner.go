package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOwnerKey indicates a malformed cart owner key.
var ErrInvalidOwnerKey = errors.New("domain: invalid owner key")

const (
	ownerPrefixUser    = "user:"
	ownerPrefixSession = "session:"
)

// UserOwnerKey builds the cart owner key for a signed-in user.
func UserOwnerKey(userID string) string {
	return ownerPrefixUser + strings.TrimSpace(userID)
}

// SessionOwnerKey builds the cart owner key for a guest session.
func SessionOwnerKey(sessionID string) string {
	return ownerPrefixSession + strings.TrimSpace(sessionID)
}

// ParseOwnerKey validates an owner key and reports whether it belongs to a
// signed-in user.
func ParseOwnerKey(key string) (id string, isUser bool, err error) {
	trimmed := strings.TrimSpace(key)
	switch {
	case strings.HasPrefix(trimmed, ownerPrefixUser):
		id = strings.TrimSpace(strings.TrimPrefix(trimmed, ownerPrefixUser))
		isUser = true
	case strings.HasPrefix(trimmed, ownerPrefixSession):
		id = strings.TrimSpace(strings.TrimPrefix(trimmed, ownerPrefixSession))
	default:
		return "", false, fmt.Errorf("%w: %q", ErrInvalidOwnerKey, key)
	}
	if id == "" {
		return "", false, fmt.Errorf("%w: missing identifier", ErrInvalidOwnerKey)
	}
	return id, isUser, nil
}
