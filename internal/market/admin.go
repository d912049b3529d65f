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

const maxFeeBasisPoints = 1000 // 10%

// PauseTrading halts offer creation and acceptance. Cancellation,
// completion, disputes and refunds remain available so funds already in
// flight are never stranded.
func (s *Service) PauseTrading(ctx context.Context, caller uuid.UUID) error {
	return s.setPaused(ctx, caller, true)
}

// ResumeTrading lifts the market pause.
func (s *Service) ResumeTrading(ctx context.Context, caller uuid.UUID) error {
	return s.setPaused(ctx, caller, false)
}

func (s *Service) setPaused(ctx context.Context, caller uuid.UUID, paused bool) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.authority.IsAdmin(caller) {
			return marketerrors.Permission("account %s does not hold the admin role", caller)
		}
		cfg, err := s.loadConfig(tx)
		if err != nil {
			return err
		}
		return s.saveConfig(tx, cfg, map[string]interface{}{"paused": paused})
	})
	s.metrics.Observe("set_paused", start, err)
	if err != nil {
		return err
	}
	s.logger.Warn("market pause toggled", zap.Bool("paused", paused), zap.String("admin", caller.String()))
	return nil
}

// SetTradingLimits replaces the offer size bounds. Applies to subsequent
// offers only; in-flight offers and trades are unaffected.
func (s *Service) SetTradingLimits(ctx context.Context, caller uuid.UUID, min, max decimal.Decimal) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.authority.IsAdmin(caller) {
			return marketerrors.Permission("account %s does not hold the admin role", caller)
		}
		min = models.Truncate(min)
		max = models.Truncate(max)
		if min.LessThanOrEqual(decimal.Zero) {
			return marketerrors.Validation("minimum trade size must be positive, got %s", min)
		}
		if !min.LessThan(max) {
			return marketerrors.Validation("minimum trade size %s must be below maximum %s", min, max)
		}
		cfg, err := s.loadConfig(tx)
		if err != nil {
			return err
		}
		return s.saveConfig(tx, cfg, map[string]interface{}{
			"min_trade_size": min,
			"max_trade_size": max,
		})
	})
	s.metrics.Observe("set_trading_limits", start, err)
	if err != nil {
		return err
	}
	s.logger.Info("trading limits updated",
		zap.String("min", min.String()),
		zap.String("max", max.String()),
		zap.String("admin", caller.String()))
	return nil
}

// SetFeeBasisPoints replaces the platform fee rate, capped at 10%. Trades
// keep the rate captured at match time.
func (s *Service) SetFeeBasisPoints(ctx context.Context, caller uuid.UUID, bp int64) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.authority.IsAdmin(caller) {
			return marketerrors.Permission("account %s does not hold the admin role", caller)
		}
		if bp < 0 || bp > maxFeeBasisPoints {
			return marketerrors.Validation("fee must be within [0, %d] basis points, got %d", maxFeeBasisPoints, bp)
		}
		cfg, err := s.loadConfig(tx)
		if err != nil {
			return err
		}
		return s.saveConfig(tx, cfg, map[string]interface{}{"fee_basis_points": bp})
	})
	s.metrics.Observe("set_fee_basis_points", start, err)
	if err != nil {
		return err
	}
	s.logger.Info("fee rate updated", zap.Int64("basis_points", bp), zap.String("admin", caller.String()))
	return nil
}

// BlacklistUser prevents the account from creating or accepting offers
// going forward. Existing ACTIVE offers and PENDING trades of the account
// are not cancelled retroactively.
func (s *Service) BlacklistUser(ctx context.Context, caller uuid.UUID, account uuid.UUID) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.authority.IsAdmin(caller) {
			return marketerrors.Permission("account %s does not hold the admin role", caller)
		}
		entry := models.BlacklistEntry{Account: account, CreatedAt: s.clock.Now()}
		if err := tx.Where(models.BlacklistEntry{Account: account}).
			FirstOrCreate(&entry).Error; err != nil {
			return marketerrors.Internal(err, "blacklist %s", account)
		}
		return nil
	})
	s.metrics.Observe("blacklist_user", start, err)
	if err != nil {
		return err
	}
	s.logger.Warn("account blacklisted", zap.String("account", account.String()), zap.String("admin", caller.String()))
	return nil
}

// UnblacklistUser restores the account's eligibility.
func (s *Service) UnblacklistUser(ctx context.Context, caller uuid.UUID, account uuid.UUID) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.authority.IsAdmin(caller) {
			return marketerrors.Permission("account %s does not hold the admin role", caller)
		}
		if err := tx.Delete(&models.BlacklistEntry{}, "account = ?", account).Error; err != nil {
			return marketerrors.Internal(err, "unblacklist %s", account)
		}
		return nil
	})
	s.metrics.Observe("unblacklist_user", start, err)
	if err != nil {
		return err
	}
	s.logger.Info("account unblacklisted", zap.String("account", account.String()), zap.String("admin", caller.String()))
	return nil
}

func (s *Service) saveConfig(tx *gorm.DB, cfg *models.MarketConfig, cols map[string]interface{}) error {
	cols["updated_at"] = s.clock.Now()
	if err := tx.Model(&models.MarketConfig{}).
		Where("id = ?", cfg.ID).
		UpdateColumns(cols).Error; err != nil {
		return marketerrors.Internal(err, "update market config")
	}
	return nil
}
