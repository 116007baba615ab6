// Package escrow records the opaque references that tie a deal to the external
// settlement mechanism. Both references are write-once.
package escrow

import (
	"fmt"
	"strings"
	"time"

	"farmtrade/native/deal"
	"farmtrade/services/dealsd/ledger"
)

// MaxReferenceLength bounds stored settlement references.
const MaxReferenceLength = 256

func normalizeRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: settlement reference required", deal.ErrInvalidArgument)
	}
	if len(ref) > MaxReferenceLength {
		return "", fmt.Errorf("%w: settlement reference exceeds %d bytes", deal.ErrInvalidArgument, MaxReferenceLength)
	}
	return ref, nil
}

// ApplyLock records the fund-lock reference on the deal loaded in txn and moves
// it to PENDING_SIGNATURES. The signature deadline starts counting here unless
// one was already set.
func ApplyLock(txn *ledger.Txn, ref string) error {
	ref, err := normalizeRef(ref)
	if err != nil {
		return err
	}
	d := txn.Deal
	if d.EscrowLockRef != "" {
		return deal.ErrAlreadyLocked
	}
	next, err := deal.Lock(d.Mask(), d.Status)
	if err != nil {
		return err
	}
	if !d.TotalLocked.Valid {
		return fmt.Errorf("%w: deal amounts are not frozen", deal.ErrInvalidState)
	}
	d.EscrowLockRef = ref
	if d.SignatureDeadline == nil {
		deadline := txn.Now.Add(time.Duration(d.SignatureTimeoutHours) * time.Hour)
		d.SignatureDeadline = &deadline
	}
	d.Status = next
	txn.Emit(deal.Event{
		Type: deal.EventTypeEscrowLocked,
		Attributes: map[string]string{
			"lockRef":     ref,
			"totalLocked": d.TotalLocked.Decimal.StringFixed(deal.MoneyPlaces),
			"deadline":    d.SignatureDeadline.UTC().Format(time.RFC3339),
		},
	})
	return nil
}

// ApplyPayout records the fund-release reference. Together with the buyer
// acknowledgement it closes the deal, whichever arrives last.
func ApplyPayout(txn *ledger.Txn, ref string) error {
	ref, err := normalizeRef(ref)
	if err != nil {
		return err
	}
	d := txn.Deal
	if d.EscrowPayoutRef != "" {
		return deal.ErrAlreadyPaidOut
	}
	next, err := deal.Payout(d.Mask(), d.Status)
	if err != nil {
		return err
	}
	d.EscrowPayoutRef = ref
	d.Status = next
	txn.Emit(deal.Event{
		Type:       deal.EventTypeEscrowPayout,
		Attributes: map[string]string{"payoutRef": ref},
	})
	return nil
}
