package market

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/pkg/models"
)

// InitiateDispute freezes a PENDING trade. Only the buyer or seller may
// dispute; completion and timeout refund are blocked until an arbitrator
// resolves it. Dispute initiation stays available while the market is
// paused.
func (s *Service) InitiateDispute(ctx context.Context, caller uuid.UUID, tradeID uuid.UUID, reason string) (*models.Trade, error) {
	start := time.Now()
	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trade, err = s.lockTrade(tx, tradeID)
		if err != nil {
			return err
		}
		if !trade.Participant(caller) {
			return marketerrors.Permission("account %s is not a participant of trade %s", caller, tradeID)
		}
		if trade.Status != models.TradeStatusPending {
			return marketerrors.State("trade %s is %s, not PENDING", tradeID, trade.Status)
		}
		reason = strings.TrimSpace(reason)
		if reason == "" {
			return marketerrors.Validation("dispute reason must not be empty")
		}

		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ?", trade.ID, models.TradeStatusPending).
			UpdateColumns(map[string]interface{}{
				"status":            models.TradeStatusDisputed,
				"dispute_initiator": caller,
				"dispute_reason":    reason,
			})
		if res.Error != nil {
			return marketerrors.Internal(res.Error, "dispute trade %s", tradeID)
		}
		if res.RowsAffected != 1 {
			return marketerrors.State("trade %s changed concurrently", tradeID)
		}
		trade.Status = models.TradeStatusDisputed
		trade.DisputeInitiator = &caller
		trade.DisputeReason = reason
		return nil
	})
	s.metrics.Observe("initiate_dispute", start, err)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, EventTradeDisputed, trade)
	s.logger.Info("trade disputed",
		zap.String("trade_id", tradeID.String()),
		zap.String("initiator", caller.String()),
		zap.String("reason", reason))
	return trade, nil
}

// ResolveDispute settles a DISPUTED trade to one side. The caller must
// hold the arbitrator role. A seller win pays out escrow minus the fee,
// exactly like normal completion, since the buyer already holds the
// energy. A buyer win refunds the full escrow and reverses the energy leg
// buyer to seller. Either way the trade is RESOLVED, terminally.
func (s *Service) ResolveDispute(ctx context.Context, arbitrator uuid.UUID, tradeID uuid.UUID, winner string) (*models.Trade, error) {
	start := time.Now()
	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.authority.IsArbitrator(arbitrator) {
			return marketerrors.Permission("account %s does not hold the arbitrator role", arbitrator)
		}
		var err error
		trade, err = s.lockTrade(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != models.TradeStatusDisputed {
			return marketerrors.State("trade %s is %s, not DISPUTED", tradeID, trade.Status)
		}

		switch winner {
		case models.DisputeWinnerSeller:
			cfg, err := s.loadConfig(tx)
			if err != nil {
				return err
			}
			if err := s.payoutSeller(ctx, tx, trade, cfg.FeeCollector); err != nil {
				return err
			}
		case models.DisputeWinnerBuyer:
			if err := s.refundBuyer(ctx, tx, trade); err != nil {
				return err
			}
		default:
			return marketerrors.Validation("winner must be BUYER or SELLER, got %q", winner)
		}
		return s.closeTrade(tx, trade, models.TradeStatusResolved, &arbitrator)
	})
	s.metrics.Observe("resolve_dispute", start, err)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Escrowed.Dec()
	}
	s.publish(ctx, EventTradeResolved, trade)
	s.logger.Info("dispute resolved",
		zap.String("trade_id", tradeID.String()),
		zap.String("arbitrator", arbitrator.String()),
		zap.String("winner", winner))
	return trade, nil
}
