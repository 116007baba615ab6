package coordinator

import (
	"fmt"
	"log/slog"

	"farmtrade/native/deal"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/models"
)

// Operation names a mutating coordinator entry point.
type Operation string

const (
	OpListBatch      Operation = "list_batch"
	OpCreateDeal     Operation = "create_deal"
	OpAcceptCarrier  Operation = "accept_carrier"
	OpSign           Operation = "sign"
	OpRecordLock     Operation = "record_lock"
	OpRecordPayout   Operation = "record_payout"
	OpExtendDeadline Operation = "extend_deadline"
	OpSweep          Operation = "sweep"
)

// Actor is the acting party after directory resolution.
type Actor struct {
	Identity string
	Role     deal.Role
}

// permitted is the single authorization table. d is nil for operations that
// do not target an existing deal.
func permitted(op Operation, actor Actor, d *models.Deal) bool {
	switch op {
	case OpListBatch:
		return actor.Role == deal.RoleSeller
	case OpCreateDeal:
		if actor.Role != deal.RoleBuyer {
			return false
		}
		return d == nil || distinctParties(d)
	case OpAcceptCarrier:
		if actor.Role != deal.RoleCarrier {
			return false
		}
		return d == nil || (d.Buyer != actor.Identity && d.Seller != actor.Identity)
	case OpSign:
		if _, signs := actor.Role.Bit(); !signs || d == nil {
			return false
		}
		return d.Counterpart(actor.Role) == actor.Identity
	case OpRecordLock:
		if actor.Role == deal.RoleOperator {
			return true
		}
		return d != nil && actor.Role == deal.RoleBuyer && d.Buyer == actor.Identity
	case OpRecordPayout, OpExtendDeadline, OpSweep:
		return actor.Role == deal.RoleOperator
	default:
		return false
	}
}

// distinctParties reports whether every filled counterpart slot of d holds a
// different identity.
func distinctParties(d *models.Deal) bool {
	if d.Buyer == d.Seller {
		return false
	}
	return d.Carrier == "" || (d.Carrier != d.Buyer && d.Carrier != d.Seller)
}

func requiredRole(op Operation) string {
	switch op {
	case OpListBatch:
		return string(deal.RoleSeller)
	case OpCreateDeal:
		return "BUYER distinct from the seller and carrier"
	case OpAcceptCarrier:
		return "CARRIER distinct from the buyer and seller"
	case OpSign:
		return "deal counterpart"
	case OpRecordLock:
		return "deal buyer or OPERATOR"
	default:
		return string(deal.RoleOperator)
	}
}

// authorize is the gate every mutation passes through. Rejections are always
// logged at WARN and counted.
func (c *Coordinator) authorize(op Operation, actor Actor, d *models.Deal) error {
	if permitted(op, actor, d) {
		return nil
	}
	attrs := []any{
		slog.String("operation", string(op)),
		slog.String("identity", logging.ShortIdentity(actor.Identity)),
		slog.String("role", string(actor.Role)),
		slog.String("required", requiredRole(op)),
	}
	if d != nil {
		attrs = append(attrs, slog.String("deal_id", d.ID.String()))
	}
	c.logger.Warn("unauthorized deal operation", attrs...)
	c.metrics.RecordUnauthorized(string(op))
	return fmt.Errorf("%w: %s requires %s", deal.ErrUnauthorized, op, requiredRole(op))
}
