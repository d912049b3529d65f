package market

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/pkg/models"
)

var (
	decimalOne        = decimal.NewFromInt(1)
	decimalDefaultMax = decimal.NewFromInt(10000)
	basisPointDivisor = decimal.NewFromInt(10000)
)

// CreateOffer validates and persists a new ACTIVE offer. SELL offers
// additionally require the creator to hold the offered quantity of energy
// credits; the balance is re-checked at match time since it can move
// meanwhile.
func (s *Service) CreateOffer(ctx context.Context, creator uuid.UUID, kind string, quantity, unitPrice decimal.Decimal, expiresAt time.Time, locationTag, description string) (*models.Offer, error) {
	start := time.Now()
	var offer *models.Offer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if kind != models.OfferKindSell && kind != models.OfferKindBuy {
			return marketerrors.Validation("offer kind must be SELL or BUY, got %q", kind)
		}
		quantity = models.Truncate(quantity)
		unitPrice = models.Truncate(unitPrice)
		if quantity.LessThanOrEqual(decimal.Zero) {
			return marketerrors.Validation("quantity must be positive, got %s", quantity)
		}
		if unitPrice.LessThanOrEqual(decimal.Zero) {
			return marketerrors.Validation("unit price must be positive, got %s", unitPrice)
		}
		if !expiresAt.After(now) {
			return marketerrors.Validation("expiry %s is not in the future", expiresAt)
		}

		cfg, err := s.loadConfig(tx)
		if err != nil {
			return err
		}
		if cfg.Paused {
			return marketerrors.Paused("trading is paused")
		}
		if quantity.LessThan(cfg.MinTradeSize) || quantity.GreaterThan(cfg.MaxTradeSize) {
			return marketerrors.Validation("quantity %s outside trading limits [%s, %s]",
				quantity, cfg.MinTradeSize, cfg.MaxTradeSize)
		}
		blacklisted, err := s.isBlacklisted(tx, creator)
		if err != nil {
			return err
		}
		if blacklisted {
			return marketerrors.Blacklisted("account %s is blacklisted", creator)
		}

		if kind == models.OfferKindSell {
			balance, err := s.ledger.WithTx(tx).BalanceOf(ctx, creator, models.AssetEnergy)
			if err != nil {
				return err
			}
			if balance.LessThan(quantity) {
				return marketerrors.InsufficientFunds("creator holds %s energy credits, offer needs %s", balance, quantity)
			}
		}

		offer = &models.Offer{
			Creator:     creator,
			Kind:        kind,
			Quantity:    quantity,
			UnitPrice:   unitPrice,
			ExpiresAt:   expiresAt,
			LocationTag: locationTag,
			Description: description,
			Status:      models.OfferStatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(offer).Error; err != nil {
			return marketerrors.Internal(err, "persist offer")
		}
		return nil
	})
	s.metrics.Observe("create_offer", start, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("offer created",
		zap.Uint64("offer_id", offer.ID),
		zap.String("creator", creator.String()),
		zap.String("kind", kind),
		zap.String("quantity", offer.Quantity.String()),
		zap.String("unit_price", offer.UnitPrice.String()))
	return offer, nil
}

// CancelOffer transitions an ACTIVE offer to CANCELLED. Only the creator
// may cancel, and the transition is irreversible. Cancellation stays
// available while the market is paused.
func (s *Service) CancelOffer(ctx context.Context, caller uuid.UUID, offerID uint64) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		offer, err := s.lockOffer(tx, offerID)
		if err != nil {
			return err
		}
		if caller != offer.Creator {
			return marketerrors.Permission("only the creator may cancel offer %d", offerID)
		}
		if offer.Status != models.OfferStatusActive {
			return marketerrors.State("offer %d is %s, not ACTIVE", offerID, offer.Status)
		}
		return s.transitionOffer(tx, offer, models.OfferStatusCancelled)
	})
	s.metrics.Observe("cancel_offer", start, err)
	if err != nil {
		return err
	}

	s.logger.Info("offer cancelled", zap.Uint64("offer_id", offerID), zap.String("caller", caller.String()))
	return nil
}

// UpdateOffer mutates price and expiry of an ACTIVE offer in place.
// Quantity is immutable post-creation so in-flight matches never need
// re-validation.
func (s *Service) UpdateOffer(ctx context.Context, caller uuid.UUID, offerID uint64, newUnitPrice decimal.Decimal, newExpiresAt time.Time) (*models.Offer, error) {
	start := time.Now()
	var updated *models.Offer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		offer, err := s.lockOffer(tx, offerID)
		if err != nil {
			return err
		}
		if caller != offer.Creator {
			return marketerrors.Permission("only the creator may update offer %d", offerID)
		}
		if offer.Status != models.OfferStatusActive {
			return marketerrors.State("offer %d is %s, not ACTIVE", offerID, offer.Status)
		}
		now := s.clock.Now()
		newUnitPrice = models.Truncate(newUnitPrice)
		if newUnitPrice.LessThanOrEqual(decimal.Zero) {
			return marketerrors.Validation("unit price must be positive, got %s", newUnitPrice)
		}
		if !newExpiresAt.After(now) {
			return marketerrors.Validation("expiry %s is not in the future", newExpiresAt)
		}
		if err := tx.Model(&models.Offer{}).
			Where("id = ?", offer.ID).
			UpdateColumns(map[string]interface{}{
				"unit_price": newUnitPrice,
				"expires_at": newExpiresAt,
				"updated_at": now,
			}).Error; err != nil {
			return marketerrors.Internal(err, "update offer %d", offerID)
		}
		offer.UnitPrice = newUnitPrice
		offer.ExpiresAt = newExpiresAt
		offer.UpdatedAt = now
		updated = offer
		return nil
	})
	s.metrics.Observe("update_offer", start, err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// transitionOffer moves the offer to a new status, guarding against a
// concurrent transition with a conditional update.
func (s *Service) transitionOffer(tx *gorm.DB, offer *models.Offer, status string) error {
	now := s.clock.Now()
	res := tx.Model(&models.Offer{}).
		Where("id = ? AND status = ?", offer.ID, offer.Status).
		UpdateColumns(map[string]interface{}{
			"status":     status,
			"updated_at": now,
		})
	if res.Error != nil {
		return marketerrors.Internal(res.Error, "transition offer %d to %s", offer.ID, status)
	}
	if res.RowsAffected != 1 {
		return marketerrors.State("offer %d changed concurrently", offer.ID)
	}
	offer.Status = status
	offer.UpdatedAt = now
	return nil
}
