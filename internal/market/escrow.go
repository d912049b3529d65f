package market

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/internal/ledger"
	"github.com/voltmesh/voltmesh/pkg/models"
)

// AcceptOffer atomically matches the caller against an ACTIVE offer. The
// energy leg settles seller to buyer immediately; the payment leg is
// escrowed until completion, dispute resolution or timeout refund. If any
// ledger leg fails the whole match aborts with no partial state.
//
// For SELL offers the caller is the buyer and must supply exactly the
// total price; overpayment is rejected since excess is never retained. For
// BUY offers the caller is the seller, the payment is drawn from the offer
// creator, and the payment argument must be zero.
func (s *Service) AcceptOffer(ctx context.Context, caller uuid.UUID, offerID uint64, payment decimal.Decimal) (*models.Trade, error) {
	start := time.Now()
	var trade *models.Trade
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		offer, err := s.lockOffer(tx, offerID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if offer.Status != models.OfferStatusActive {
			return marketerrors.State("offer %d is %s, not ACTIVE", offerID, offer.Status)
		}
		if now.After(offer.ExpiresAt) {
			return marketerrors.State("offer %d expired at %s", offerID, offer.ExpiresAt)
		}
		if caller == offer.Creator {
			return marketerrors.Permission("cannot accept own offer %d", offerID)
		}

		cfg, err := s.loadConfig(tx)
		if err != nil {
			return err
		}
		if cfg.Paused {
			return marketerrors.Paused("trading is paused")
		}
		blacklisted, err := s.isBlacklisted(tx, caller)
		if err != nil {
			return err
		}
		if blacklisted {
			return marketerrors.Blacklisted("account %s is blacklisted", caller)
		}

		totalPrice := models.Truncate(offer.Quantity.Mul(offer.UnitPrice))
		payment = models.Truncate(payment)

		var buyer, seller uuid.UUID
		switch offer.Kind {
		case models.OfferKindSell:
			seller, buyer = offer.Creator, caller
			if payment.LessThan(totalPrice) {
				return marketerrors.InsufficientFunds("payment %s below total price %s", payment, totalPrice)
			}
			if payment.GreaterThan(totalPrice) {
				return marketerrors.Validation("payment %s exceeds total price %s; excess is never retained", payment, totalPrice)
			}
		case models.OfferKindBuy:
			buyer, seller = offer.Creator, caller
			if !payment.IsZero() {
				return marketerrors.Validation("BUY offers draw payment from the offer creator; payment must be zero")
			}
		default:
			return marketerrors.Internal(nil, "offer %d has unknown kind %q", offerID, offer.Kind)
		}

		ltx := s.ledger.WithTx(tx)

		// Live re-check: the seller's balance can have moved since the
		// offer was created.
		balance, err := ltx.BalanceOf(ctx, seller, models.AssetEnergy)
		if err != nil {
			return err
		}
		if balance.LessThan(offer.Quantity) {
			return marketerrors.InsufficientFunds("seller holds %s energy credits, trade needs %s", balance, offer.Quantity)
		}

		tradeID := uuid.New()
		ref := tradeRef(tradeID)

		// Energy leg first, before the trade record commits. Dispute
		// resolution then only ever needs to move payment.
		if err := ltx.Transfer(ctx, seller, buyer, models.AssetEnergy, offer.Quantity, ref); err != nil {
			return err
		}
		if err := ltx.Transfer(ctx, buyer, ledger.EscrowAccount, models.AssetPayment, totalPrice, ref); err != nil {
			return err
		}

		if err := s.transitionOffer(tx, offer, models.OfferStatusMatched); err != nil {
			return err
		}

		trade = &models.Trade{
			ID:                 tradeID,
			OfferID:            offer.ID,
			Buyer:              buyer,
			Seller:             seller,
			Quantity:           offer.Quantity,
			TotalPrice:         totalPrice,
			EscrowedAmount:     totalPrice,
			Status:             models.TradeStatusPending,
			FeeBasisPoints:     cfg.FeeBasisPoints,
			CreatedAt:          now,
			CompletionDeadline: now.Add(s.escrowWindow),
		}
		if err := tx.Create(trade).Error; err != nil {
			return marketerrors.Internal(err, "persist trade")
		}
		return nil
	})
	s.metrics.Observe("accept_offer", start, err)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Escrowed.Inc()
	}
	s.publish(ctx, EventTradeCreated, trade)
	s.logger.Info("trade created",
		zap.String("trade_id", trade.ID.String()),
		zap.Uint64("offer_id", trade.OfferID),
		zap.String("buyer", trade.Buyer.String()),
		zap.String("seller", trade.Seller.String()),
		zap.String("quantity", trade.Quantity.String()),
		zap.String("total_price", trade.TotalPrice.String()))
	return trade, nil
}

// CompleteTrade settles a PENDING trade: escrow minus the platform fee is
// released to the seller and the fee to the collector. Either participant
// may complete; completion stays available while the market is paused so
// funds in flight are never stranded.
func (s *Service) CompleteTrade(ctx context.Context, caller uuid.UUID, tradeID uuid.UUID) (*models.Trade, error) {
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
		cfg, err := s.loadConfig(tx)
		if err != nil {
			return err
		}
		if err := s.payoutSeller(ctx, tx, trade, cfg.FeeCollector); err != nil {
			return err
		}
		return s.closeTrade(tx, trade, models.TradeStatusCompleted, nil)
	})
	s.metrics.Observe("complete_trade", start, err)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Escrowed.Dec()
	}
	s.publish(ctx, EventTradeCompleted, trade)
	s.logger.Info("trade completed",
		zap.String("trade_id", trade.ID.String()),
		zap.String("caller", caller.String()))
	return trade, nil
}

// platformFee computes the fee of a trade using the basis points captured
// at match time, truncating toward zero at the ledger's smallest unit.
func platformFee(escrowed decimal.Decimal, feeBasisPoints int64) decimal.Decimal {
	return models.Truncate(escrowed.Mul(decimal.NewFromInt(feeBasisPoints)).Div(basisPointDivisor))
}

// payoutSeller releases escrow minus the platform fee to the seller and
// the fee to the collector. Shared by completion and seller-won disputes;
// the energy leg already happened at match time.
func (s *Service) payoutSeller(ctx context.Context, tx *gorm.DB, trade *models.Trade, feeCollector uuid.UUID) error {
	fee := platformFee(trade.EscrowedAmount, trade.FeeBasisPoints)
	proceeds := trade.EscrowedAmount.Sub(fee)
	ltx := s.ledger.WithTx(tx)
	ref := tradeRef(trade.ID)
	if err := ltx.Transfer(ctx, ledger.EscrowAccount, trade.Seller, models.AssetPayment, proceeds, ref); err != nil {
		return err
	}
	if fee.IsPositive() {
		if err := ltx.Transfer(ctx, ledger.EscrowAccount, feeCollector, models.AssetPayment, fee, ref); err != nil {
			return err
		}
	}
	return nil
}

// refundBuyer unwinds a trade in the buyer's favor: the full escrow goes
// back to the buyer and the energy leg is reversed buyer to seller. Shared
// by buyer-won disputes and timeout refunds.
func (s *Service) refundBuyer(ctx context.Context, tx *gorm.DB, trade *models.Trade) error {
	ltx := s.ledger.WithTx(tx)
	ref := tradeRef(trade.ID)
	if err := ltx.Transfer(ctx, ledger.EscrowAccount, trade.Buyer, models.AssetPayment, trade.EscrowedAmount, ref); err != nil {
		return err
	}
	return ltx.Transfer(ctx, trade.Buyer, trade.Seller, models.AssetEnergy, trade.Quantity, ref)
}

// closeTrade moves the trade to a terminal status with a conditional
// update so exactly one terminal transition ever fires. Escrow is zeroed:
// escrowedAmount is non-zero only while PENDING or DISPUTED.
func (s *Service) closeTrade(tx *gorm.DB, trade *models.Trade, status string, resolvedBy *uuid.UUID) error {
	now := s.clock.Now()
	cols := map[string]interface{}{
		"status":          status,
		"escrowed_amount": decimal.Zero,
		"closed_at":       now,
	}
	if resolvedBy != nil {
		cols["resolved_by"] = *resolvedBy
	}
	res := tx.Model(&models.Trade{}).
		Where("id = ? AND status = ?", trade.ID, trade.Status).
		UpdateColumns(cols)
	if res.Error != nil {
		return marketerrors.Internal(res.Error, "transition trade %s to %s", trade.ID, status)
	}
	if res.RowsAffected != 1 {
		return marketerrors.State("trade %s changed concurrently", trade.ID)
	}
	trade.Status = status
	trade.EscrowedAmount = decimal.Zero
	trade.ClosedAt = &now
	trade.ResolvedBy = resolvedBy
	return nil
}
