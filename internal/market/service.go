// Package market implements the escrow and dispute engine of the voltmesh
// peer-to-peer energy marketplace: offer lifecycle, atomic trade matching
// with payment escrow, bounded dispute arbitration, permissionless timeout
// refund and the administrative safety controls.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/internal/auth"
	"github.com/voltmesh/voltmesh/internal/ledger"
	"github.com/voltmesh/voltmesh/pkg/metrics"
	"github.com/voltmesh/voltmesh/pkg/models"
)

// DefaultEscrowWindow is the time a pending trade has to complete before
// anyone may refund it.
const DefaultEscrowWindow = 24 * time.Hour

// Clock is the time source used for expiration and deadline checks.
// Injected so tests can advance time without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock time source.
func SystemClock() Clock { return systemClock{} }

// Service is the market engine. Every state-changing method runs in one
// database transaction; the ledger legs join that transaction, so a failed
// transfer aborts the whole operation with no partial state.
type Service struct {
	db           *gorm.DB
	ledger       *ledger.Ledger
	authority    auth.Authority
	events       Publisher
	logger       *zap.Logger
	clock        Clock
	metrics      *metrics.Market
	escrowWindow time.Duration
}

// Options carries the optional service collaborators.
type Options struct {
	Clock        Clock
	EscrowWindow time.Duration
	Metrics      *metrics.Market
}

// NewService creates the market engine.
func NewService(db *gorm.DB, ldg *ledger.Ledger, authority auth.Authority, events Publisher, logger *zap.Logger, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.EscrowWindow <= 0 {
		opts.EscrowWindow = DefaultEscrowWindow
	}
	return &Service{
		db:           db,
		ledger:       ldg,
		authority:    authority,
		events:       events,
		logger:       logger,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		escrowWindow: opts.EscrowWindow,
	}
}

// AutoMigrate creates the market and ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Offer{},
		&models.Trade{},
		&models.MarketConfig{},
		&models.BlacklistEntry{},
		&models.LedgerAccount{},
		&models.LedgerEntry{},
	)
}

// EnsureConfig seeds the singleton config record if it does not exist yet.
func (s *Service) EnsureConfig(ctx context.Context, defaults models.MarketConfig) error {
	defaults.ID = 1
	defaults.UpdatedAt = s.clock.Now()
	err := s.db.WithContext(ctx).
		Where(models.MarketConfig{ID: 1}).
		Attrs(defaults).
		FirstOrCreate(&models.MarketConfig{}).Error
	if err != nil {
		return marketerrors.Internal(err, "seed market config")
	}
	return nil
}

// GetOffer returns the offer by id.
func (s *Service) GetOffer(ctx context.Context, offerID uint64) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.WithContext(ctx).First(&offer, offerID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, marketerrors.NotFound("offer %d not found", offerID)
		}
		return nil, marketerrors.Internal(err, "read offer %d", offerID)
	}
	return &offer, nil
}

// GetActiveOffers returns a stable, creation-order page of ACTIVE offers.
func (s *Service) GetActiveOffers(ctx context.Context, offset, limit int) ([]models.Offer, error) {
	if offset < 0 {
		return nil, marketerrors.Validation("offset must not be negative")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var offers []models.Offer
	err := s.db.WithContext(ctx).
		Where("status = ?", models.OfferStatusActive).
		Order("id asc").
		Offset(offset).
		Limit(limit).
		Find(&offers).Error
	if err != nil {
		return nil, marketerrors.Internal(err, "list active offers")
	}
	return offers, nil
}

// GetUserOffers returns every offer the account has created, oldest first.
func (s *Service) GetUserOffers(ctx context.Context, account uuid.UUID) ([]models.Offer, error) {
	var offers []models.Offer
	err := s.db.WithContext(ctx).
		Where("creator = ?", account).
		Order("id asc").
		Find(&offers).Error
	if err != nil {
		return nil, marketerrors.Internal(err, "list offers of %s", account)
	}
	return offers, nil
}

// GetTrade returns the trade by id. Terminal trades are retained for audit.
func (s *Service) GetTrade(ctx context.Context, tradeID uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).Where("id = ?", tradeID).First(&trade).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, marketerrors.NotFound("trade %s not found", tradeID)
		}
		return nil, marketerrors.Internal(err, "read trade %s", tradeID)
	}
	return &trade, nil
}

// GetUserTrades returns every trade the account participates in, newest
// first.
func (s *Service) GetUserTrades(ctx context.Context, account uuid.UUID) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("buyer = ? OR seller = ?", account, account).
		Order("created_at desc").
		Find(&trades).Error
	if err != nil {
		return nil, marketerrors.Internal(err, "list trades of %s", account)
	}
	return trades, nil
}

// GetTradingStats returns the aggregate market counters.
func (s *Service) GetTradingStats(ctx context.Context) (*models.TradingStats, error) {
	var stats models.TradingStats
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.Offer{}).Count(&stats.TotalOffers).Error; err != nil {
		return nil, marketerrors.Internal(err, "count offers")
	}
	if err := db.Model(&models.Trade{}).Count(&stats.TotalTrades).Error; err != nil {
		return nil, marketerrors.Internal(err, "count trades")
	}
	if err := db.Model(&models.Offer{}).
		Where("status = ?", models.OfferStatusActive).
		Count(&stats.ActiveOffers).Error; err != nil {
		return nil, marketerrors.Internal(err, "count active offers")
	}
	cfg, err := s.loadConfig(db)
	if err != nil {
		return nil, err
	}
	stats.FeeBasisPoints = cfg.FeeBasisPoints
	return &stats, nil
}

// loadConfig reads the singleton config record, creating defaults on first
// use.
func (s *Service) loadConfig(tx *gorm.DB) (*models.MarketConfig, error) {
	var cfg models.MarketConfig
	err := tx.First(&cfg, 1).Error
	if err == gorm.ErrRecordNotFound {
		cfg = models.MarketConfig{
			ID:             1,
			FeeBasisPoints: 25,
			MinTradeSize:   decimalOne,
			MaxTradeSize:   decimalDefaultMax,
			UpdatedAt:      s.clock.Now(),
		}
		if err := tx.Create(&cfg).Error; err != nil {
			return nil, marketerrors.Internal(err, "create default market config")
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, marketerrors.Internal(err, "read market config")
	}
	return &cfg, nil
}

func (s *Service) isBlacklisted(tx *gorm.DB, account uuid.UUID) (bool, error) {
	var count int64
	err := tx.Model(&models.BlacklistEntry{}).
		Where("account = ?", account).
		Count(&count).Error
	if err != nil {
		return false, marketerrors.Internal(err, "read blacklist for %s", account)
	}
	return count > 0, nil
}

// lockOffer reads the offer row for update, taking a row lock on dialects
// that support FOR UPDATE.
func (s *Service) lockOffer(tx *gorm.DB, offerID uint64) (*models.Offer, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var offer models.Offer
	err := q.First(&offer, offerID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, marketerrors.NotFound("offer %d not found", offerID)
		}
		return nil, marketerrors.Internal(err, "lock offer %d", offerID)
	}
	return &offer, nil
}

// lockTrade reads the trade row for update.
func (s *Service) lockTrade(tx *gorm.DB, tradeID uuid.UUID) (*models.Trade, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var trade models.Trade
	err := q.Where("id = ?", tradeID).First(&trade).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, marketerrors.NotFound("trade %s not found", tradeID)
		}
		return nil, marketerrors.Internal(err, "lock trade %s", tradeID)
	}
	return &trade, nil
}

// tradeRef is the journal reference attributing ledger legs to a trade.
func tradeRef(tradeID uuid.UUID) string {
	return fmt.Sprintf("trade:%s", tradeID)
}
