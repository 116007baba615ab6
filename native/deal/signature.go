package deal

import "fmt"

// Evaluate applies the deal transition table to a mask/status pair until no
// further rule fires. Delivery confirmation (seller and carrier) moves
// PENDING_SIGNATURES to READY_TO_FINALIZE; settlement (buyer bit plus a
// recorded payout reference) moves READY_TO_FINALIZE to PAID_OUT. The two
// convergence points stay separate: neither implies the other.
func Evaluate(mask Mask, status Status, payoutRecorded bool) Status {
	for {
		next := step(mask, status, payoutRecorded)
		if next == status {
			return status
		}
		status = next
	}
}

func step(mask Mask, status Status, payoutRecorded bool) Status {
	switch status {
	case StatusPendingSignatures:
		if mask.Has(BitSeller | BitCarrier) {
			return StatusReadyToFinalize
		}
	case StatusReadyToFinalize:
		if mask.Has(BitBuyer) && payoutRecorded {
			return StatusPaidOut
		}
	}
	return status
}

// Advance records the acknowledgement of role on a deal with the given mask
// and status. It is a pure function: the returned mask has the role bit set and
// the returned status is the result of the transition table. A second
// acknowledgement by the same role fails with ErrAlreadySigned.
func Advance(mask Mask, status Status, role Role) (Mask, Status, error) {
	return AdvanceWithPayout(mask, status, role, false)
}

// AdvanceWithPayout is Advance for callers that know whether the payout
// reference has already been recorded, so a buyer signature arriving after the
// payout closes the deal in the same step.
func AdvanceWithPayout(mask Mask, status Status, role Role, payoutRecorded bool) (Mask, Status, error) {
	bit, ok := role.Bit()
	if !ok {
		return mask, status, fmt.Errorf("%w: role %s does not sign", ErrInvalidArgument, role)
	}
	if !mask.Valid() {
		return mask, status, fmt.Errorf("%w: mask %s", ErrInvalidArgument, mask)
	}
	if !status.Valid() {
		return mask, status, fmt.Errorf("%w: status %q", ErrInvalidArgument, status)
	}
	if mask&bit != 0 {
		return mask, status, fmt.Errorf("%w: %s", ErrAlreadySigned, role)
	}
	if status.Terminal() {
		return mask, status, fmt.Errorf("%w: deal is %s", ErrInvalidState, status)
	}
	next := mask | bit
	return next, Evaluate(next, status, payoutRecorded), nil
}

// AcceptCarrier returns the status after a carrier is bound to the deal.
func AcceptCarrier(status Status) (Status, error) {
	if status != StatusPendingCarrier {
		return status, fmt.Errorf("%w: carrier acceptance requires %s, deal is %s", ErrInvalidState, StatusPendingCarrier, status)
	}
	return StatusAwaitingEscrow, nil
}

// Lock returns the status after the escrow lock reference is recorded.
// Acknowledgements collected before the lock are honoured immediately.
func Lock(mask Mask, status Status) (Status, error) {
	if status != StatusAwaitingEscrow {
		return status, fmt.Errorf("%w: escrow lock requires %s, deal is %s", ErrInvalidState, StatusAwaitingEscrow, status)
	}
	return Evaluate(mask, StatusPendingSignatures, false), nil
}

// Payout returns the status after the escrow payout reference is recorded.
func Payout(mask Mask, status Status) (Status, error) {
	if status != StatusReadyToFinalize {
		return status, fmt.Errorf("%w: escrow payout requires %s, deal is %s", ErrInvalidState, StatusReadyToFinalize, status)
	}
	return Evaluate(mask, status, true), nil
}

// Expire returns DISPUTED for a deal still collecting signatures. The second
// return value is false when the deal is not eligible and must be skipped.
func Expire(status Status) (Status, bool) {
	if status != StatusPendingSignatures {
		return status, false
	}
	return StatusDisputed, true
}

// CustodyAfter returns the batch custody implied by a deal change, and
// whether it differs from current. Seller acknowledgement marks the hand-off
// to the carrier; delivery confirmation and payout move custody forward.
func CustodyAfter(current Custody, mask Mask, status Status) (Custody, bool) {
	target := current
	switch status {
	case StatusReadyToFinalize:
		target = CustodyDelivered
	case StatusPaidOut:
		target = CustodyFinalised
	default:
		if mask.Has(BitSeller) && current == CustodyLocked && !status.Terminal() {
			target = CustodyInTransit
		}
	}
	return target, target != current
}
