package ledger

import "errors"

var (
	// ErrInvalidAmount means the amount is not positive or carries more
	// than two fractional digits.
	ErrInvalidAmount = errors.New("amount must be a positive value with at most 2 decimal places")

	// ErrSelfTransfer means source and destination are the same account.
	ErrSelfTransfer = errors.New("cannot transfer to the same account")

	// ErrInsufficientFunds means the source balance is below the amount.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrInvalidRecipient means the destination has no account.
	ErrInvalidRecipient = errors.New("invalid recipient account")

	// ErrAccountNotFound means the caller has no account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionConflict means the transfer kept colliding with
	// concurrent writers and was given up. Nothing was applied; the caller
	// may retry.
	ErrTransactionConflict = errors.New("transfer conflicted with a concurrent update, retry")
)
