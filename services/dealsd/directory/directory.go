package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"farmtrade/native/deal"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/models"
)

// Profile holds the display fields of a party.
type Profile struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Location    string `json:"location"`
	Bio         string `json:"bio"`
}

// Directory resolves wallet identities to roles and profiles.
type Directory struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// New constructs a directory backed by db.
func New(db *gorm.DB, now func() time.Time, logger *slog.Logger) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{db: db, now: now, logger: logging.Component(logger, "directory")}
}

// NormalizeIdentity validates a hex wallet address and returns it lowercased.
func NormalizeIdentity(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: identity %q is not a wallet address", deal.ErrInvalidArgument, raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// Register creates the party record for identity.
func (d *Directory) Register(ctx context.Context, identity string, role deal.Role, profile Profile) (*models.Party, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", deal.ErrInvalidArgument, role)
	}
	now := d.now().UTC()
	party := models.Party{
		Identity:    id,
		Role:        role,
		DisplayName: strings.TrimSpace(profile.DisplayName),
		Email:       strings.TrimSpace(profile.Email),
		Phone:       strings.TrimSpace(profile.Phone),
		Location:    strings.TrimSpace(profile.Location),
		Bio:         strings.TrimSpace(profile.Bio),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Party{}).Where("identity = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: identity already registered", deal.ErrInvalidArgument)
		}
		return tx.Create(&party).Error
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("party registered", slog.String("role", string(role)), slog.String("identity", logging.ShortIdentity(id)))
	return &party, nil
}

// Profile returns the party record for identity.
func (d *Directory) Profile(ctx context.Context, identity string) (*models.Party, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	var party models.Party
	if err := d.db.WithContext(ctx).First(&party, "identity = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: party %s", deal.ErrNotFound, id)
		}
		return nil, err
	}
	return &party, nil
}

// ResolveRole returns the role held by identity. The boolean is false for
// unknown identities.
func (d *Directory) ResolveRole(ctx context.Context, identity string) (deal.Role, bool, error) {
	party, err := d.Profile(ctx, identity)
	if err != nil {
		if errors.Is(err, deal.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return party.Role, true, nil
}

// AssignRole changes the role of identity. A party may switch itself between
// the trading roles; granting or removing OPERATOR requires an operator.
func (d *Directory) AssignRole(ctx context.Context, actor, identity string, role deal.Role) (*models.Party, error) {
	actorID, err := NormalizeIdentity(actor)
	if err != nil {
		return nil, err
	}
	targetID, err := NormalizeIdentity(identity)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", deal.ErrInvalidArgument, role)
	}
	actorRole, ok, err := d.ResolveRole(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !ok || actorRole != deal.RoleOperator {
		var reason string
		switch {
		case actorID != targetID:
			reason = "only the party or an operator may change a role"
		case role == deal.RoleOperator:
			reason = "only an operator may grant the operator role"
		}
		if reason != "" {
			d.logger.Warn("role reassignment rejected",
				slog.String("identity", logging.ShortIdentity(actorID)),
				slog.String("role", string(role)))
			return nil, fmt.Errorf("%w: %s", deal.ErrUnauthorized, reason)
		}
	}
	var party models.Party
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&party, "identity = ?", targetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: party %s", deal.ErrNotFound, targetID)
			}
			return err
		}
		party.Role = role
		party.UpdatedAt = d.now().UTC()
		return tx.Model(&models.Party{}).Where("identity = ?", targetID).
			Updates(map[string]any{"role": role, "updated_at": party.UpdatedAt}).Error
	})
	if err != nil {
		return nil, err
	}
	return &party, nil
}
