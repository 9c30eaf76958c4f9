package escrow

import "errors"

var (
	// ErrNotFound signals that the referenced escrow trade does not exist.
	ErrNotFound = errors.New("escrow trade not found")

	// ErrPermissionDenied signals a transition attempted by a caller who
	// is not the required party.
	ErrPermissionDenied = errors.New("caller is not permitted to perform this transition")

	// ErrInvalidState signals a transition attempted from a status that
	// does not permit it, including the replay of an already-completed
	// transition.
	ErrInvalidState = errors.New("trade status does not permit this transition")

	// ErrInvalidArgument signals malformed trade-creation input.
	ErrInvalidArgument = errors.New("invalid escrow trade parameters")
)
