package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInvalidState         = errors.New("invalid market state")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAlreadyParticipated  = errors.New("already participated")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrTimeNotReached       = errors.New("time gate not reached")
	ErrTimeExpired          = errors.New("time expired")
	ErrVerificationFailed   = errors.New("verification failed")
	ErrTransferFailed       = errors.New("transfer failed")
	ErrNoParticipants       = errors.New("no participants")
	ErrInvalidTargetEntries = errors.New("invalid target entries")
	ErrReentrantCall        = errors.New("reentrant call")
	ErrLockHeld             = errors.New("lock already held")
)

// InvalidStateError reports a guard failure: the operation required one of
// Expected but the market was in Current. It matches ErrInvalidState under
// errors.Is.
type InvalidStateError struct {
	Current  MarketStatus
	Expected []MarketStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid market state %q, expected %v", e.Current, e.Expected)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// NewInvalidState builds an InvalidStateError for the given guard.
func NewInvalidState(current MarketStatus, expected ...MarketStatus) error {
	return &InvalidStateError{Current: current, Expected: expected}
}
