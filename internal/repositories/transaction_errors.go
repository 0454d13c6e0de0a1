package repositories

import "errors"

// ErrAlreadyTransitioned signals that a conditional status transition found
// the stored transaction outside the expected statuses. Callers treat it as
// "another worker already applied this transition".
var ErrAlreadyTransitioned = errors.New("transaction already transitioned")
