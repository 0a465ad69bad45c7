package ledger

import "errors"

var (
	// ErrInvalidAmount rejects non-positive monetary arguments.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInsufficientBalance rejects a debit or lock beyond available funds.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInsufficientLocked rejects an unlock beyond locked funds.
	ErrInsufficientLocked = errors.New("ledger: insufficient locked collateral")
)
