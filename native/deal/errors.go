package deal

import "errors"

var (
	// ErrNotFound is returned for unknown deals, batches or parties.
	ErrNotFound = errors.New("deal: not found")
	// ErrInvalidState is returned when an operation does not apply to the current status.
	ErrInvalidState = errors.New("deal: operation not valid in current state")
	// ErrAlreadySigned is returned when a role acknowledges the same deal twice.
	ErrAlreadySigned = errors.New("deal: role already signed")
	// ErrAlreadyLocked is returned when a second escrow lock reference arrives.
	ErrAlreadyLocked = errors.New("deal: escrow lock already recorded")
	// ErrAlreadyPaidOut is returned when a second payout reference arrives.
	ErrAlreadyPaidOut = errors.New("deal: escrow payout already recorded")
	// ErrAlreadyAssigned is returned when a carrier is already bound to the deal.
	ErrAlreadyAssigned = errors.New("deal: carrier already assigned")
	// ErrUnauthorized is returned when the acting identity is not the expected counterpart.
	ErrUnauthorized = errors.New("deal: unauthorized")
	// ErrAssetUnavailable is returned when a batch cannot take a new deal.
	ErrAssetUnavailable = errors.New("deal: asset unavailable")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("deal: invalid argument")
	// ErrConcurrentUpdate is returned when a version check kept failing under contention.
	ErrConcurrentUpdate = errors.New("deal: concurrent update")
)

// Retriable reports whether the caller may retry the failed operation unchanged.
// Domain guard failures are final; only contention is transient.
func Retriable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

// AlreadyDone reports whether err is one of the idempotency guards, letting
// callers render "already done" instead of a generic failure.
func AlreadyDone(err error) bool {
	return errors.Is(err, ErrAlreadySigned) ||
		errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrAlreadyPaidOut) ||
		errors.Is(err, ErrAlreadyAssigned)
}
