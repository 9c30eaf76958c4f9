package ledger

import "errors"

var (
	// ErrInsufficientFunds signals a fiat debit that would drive the
	// balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHoldings signals an asset debit larger than the
	// current holding.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrNotFound signals that no ledger exists for the user.
	ErrNotFound = errors.New("ledger not found")
)
