package deal

import (
	"fmt"
	"strings"
)

// Role identifies the capacity in which a party acts on a deal.
type Role string

const (
	RoleSeller   Role = "SELLER"
	RoleBuyer    Role = "BUYER"
	RoleCarrier  Role = "CARRIER"
	RoleOperator Role = "OPERATOR"
)

// Valid reports whether the role value is supported.
func (r Role) Valid() bool {
	switch r {
	case RoleSeller, RoleBuyer, RoleCarrier, RoleOperator:
		return true
	default:
		return false
	}
}

// ParseRole normalises user supplied role names. The legacy labels used by the
// first marketplace release (farmer, transporter, platform) are accepted as
// aliases.
func ParseRole(raw string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SELLER", "FARMER":
		return RoleSeller, nil
	case "BUYER":
		return RoleBuyer, nil
	case "CARRIER", "TRANSPORTER", "DRIVER":
		return RoleCarrier, nil
	case "OPERATOR", "PLATFORM":
		return RoleOperator, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, raw)
	}
}

// Mask is the signature bitmask stored on a deal. Bits are only ever set.
type Mask uint8

const (
	BitBuyer   Mask = 0x1
	BitSeller  Mask = 0x2
	BitCarrier Mask = 0x4

	// MaskAll is the value of a fully acknowledged deal.
	MaskAll = BitBuyer | BitSeller | BitCarrier
)

// Bit returns the signature bit owned by the role. Operators do not sign.
func (r Role) Bit() (Mask, bool) {
	switch r {
	case RoleBuyer:
		return BitBuyer, true
	case RoleSeller:
		return BitSeller, true
	case RoleCarrier:
		return BitCarrier, true
	default:
		return 0, false
	}
}

// Has reports whether every bit in other is set on m.
func (m Mask) Has(other Mask) bool { return m&other == other }

// Valid reports whether the mask only uses the three assigned bits.
func (m Mask) Valid() bool { return m&^MaskAll == 0 }

func (m Mask) String() string { return fmt.Sprintf("0b%03b", uint8(m)) }

// Status is the deal lifecycle state.
type Status string

const (
	StatusPendingCarrier    Status = "PENDING_CARRIER"
	StatusAwaitingEscrow    Status = "AWAITING_ESCROW"
	StatusPendingSignatures Status = "PENDING_SIGNATURES"
	StatusReadyToFinalize   Status = "READY_TO_FINALIZE"
	StatusPaidOut           Status = "PAID_OUT"
	StatusDisputed          Status = "DISPUTED"
)

// Valid reports whether the status value is supported.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingCarrier, StatusAwaitingEscrow, StatusPendingSignatures,
		StatusReadyToFinalize, StatusPaidOut, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the deal can no longer change.
func (s Status) Terminal() bool {
	return s == StatusPaidOut || s == StatusDisputed
}

// TerminalStatuses lists the states that close a deal.
func TerminalStatuses() []Status {
	return []Status{StatusPaidOut, StatusDisputed}
}

// Custody tracks where the physical batch is. It moves together with, but is
// stored separately from, the deal status.
type Custody string

const (
	CustodyListed    Custody = "LISTED"
	CustodyLocked    Custody = "LOCKED"
	CustodyInTransit Custody = "IN_TRANSIT"
	CustodyDelivered Custody = "DELIVERED"
	CustodyFinalised Custody = "FINALISED"
)

var custodyTransitions = map[Custody][]Custody{
	CustodyListed:    {CustodyLocked},
	CustodyLocked:    {CustodyInTransit, CustodyDelivered},
	CustodyInTransit: {CustodyDelivered},
	CustodyDelivered: {CustodyFinalised},
}

// Valid reports whether the custody value is supported.
func (c Custody) Valid() bool {
	switch c {
	case CustodyListed, CustodyLocked, CustodyInTransit, CustodyDelivered, CustodyFinalised:
		return true
	default:
		return false
	}
}

// CanTransition reports whether custody may move from c to next.
func (c Custody) CanTransition(next Custody) bool {
	for _, allowed := range custodyTransitions[c] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateCustodyTransition returns ErrInvalidState when the move is not permitted.
func ValidateCustodyTransition(current, next Custody) error {
	if current.CanTransition(next) {
		return nil
	}
	return fmt.Errorf("%w: custody %s -> %s", ErrInvalidState, current, next)
}
