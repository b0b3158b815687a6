package escrow

import "errors"

var (
	// ErrAgreementNotFound marks lookups for unknown agreement identifiers.
	ErrAgreementNotFound = errors.New("escrow: agreement not found")
	// ErrDisputeNotFound marks votes or queries referencing a dispute id
	// that was never raised on the agreement.
	ErrDisputeNotFound = errors.New("escrow: dispute not found")
	// ErrUnauthorized is returned when the caller is not the principal the
	// operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidState is returned when an operation is invoked outside its
	// required lifecycle state.
	ErrInvalidState = errors.New("escrow: invalid state for this action")
	// ErrPaymentMismatch is returned when the transferred value does not
	// exactly equal the required amount plus commission, or the deposit
	// would exceed the remaining total payment.
	ErrPaymentMismatch = errors.New("escrow: payment mismatch")
	// ErrDuplicateVote is returned when an arbitrator votes twice on the
	// same dispute.
	ErrDuplicateVote = errors.New("escrow: duplicate vote")
)
