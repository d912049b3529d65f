package market

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/pkg/models"
)

// RefundExpiredTrade unwinds a PENDING trade stuck past its completion
// deadline: full escrow back to the buyer, energy reversed to the seller,
// exactly like a buyer-won dispute. Callable by any account so liveness
// never depends on the counterparties; idempotency comes from the status
// guard, so a second call fails with a state error instead of
// double-refunding. Disputed trades are frozen until an arbitrator rules.
func (s *Service) RefundExpiredTrade(ctx context.Context, caller uuid.UUID, tradeID uuid.UUID) (*models.Trade, error) {
	start := time.Now()
	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		trade, err = s.lockTrade(tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != models.TradeStatusPending {
			return marketerrors.State("trade %s is %s, not PENDING", tradeID, trade.Status)
		}
		if !s.clock.Now().After(trade.CompletionDeadline) {
			return marketerrors.NotExpired("trade %s completes until %s", tradeID, trade.CompletionDeadline)
		}
		if err := s.refundBuyer(ctx, tx, trade); err != nil {
			return err
		}
		return s.closeTrade(tx, trade, models.TradeStatusRefunded, nil)
	})
	s.metrics.Observe("refund_expired_trade", start, err)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Escrowed.Dec()
	}
	s.publish(ctx, EventTradeRefunded, trade)
	s.logger.Info("expired trade refunded",
		zap.String("trade_id", tradeID.String()),
		zap.String("caller", caller.String()))
	return trade, nil
}
