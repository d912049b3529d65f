package market

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/internal/ledger"
	"github.com/voltmesh/voltmesh/pkg/models"
)

type ReaperSuite struct {
	marketSuite
}

func TestReaperSuite(t *testing.T) {
	suite.Run(t, new(ReaperSuite))
}

func (s *ReaperSuite) TestRefundBeforeDeadline() {
	trade := s.pendingTrade("10", "1")
	s.clock.Advance(23 * time.Hour)

	_, err := s.svc.RefundExpiredTrade(context.Background(), s.bob, trade.ID)
	s.True(marketerrors.IsKind(err, marketerrors.KindNotExpired))
}

func (s *ReaperSuite) TestRefundAtExactDeadline() {
	trade := s.pendingTrade("10", "1")
	// The deadline instant itself still belongs to the completion window.
	s.clock.Advance(24 * time.Hour)

	_, err := s.svc.RefundExpiredTrade(context.Background(), s.bob, trade.ID)
	s.True(marketerrors.IsKind(err, marketerrors.KindNotExpired))
}

func (s *ReaperSuite) TestAnyoneMayRefundAfterDeadline() {
	trade := s.pendingTrade("100", "0.05")
	s.clock.Advance(24*time.Hour + time.Second)

	stranger := uuid.New()
	refunded, err := s.svc.RefundExpiredTrade(context.Background(), stranger, trade.ID)
	s.Require().NoError(err)

	// Identical to a buyer-won dispute: full escrow back, energy
	// reversed, no fee taken.
	s.True(s.balance(s.bob, models.AssetPayment).Equal(dec("5")))
	s.True(s.balance(s.alice, models.AssetEnergy).Equal(dec("100")))
	s.True(s.balance(s.bob, models.AssetEnergy).IsZero())
	s.True(s.balance(ledger.EscrowAccount, models.AssetPayment).IsZero())
	s.True(s.balance(s.collector, models.AssetPayment).IsZero())

	s.Equal(models.TradeStatusRefunded, refunded.Status)
	s.True(refunded.EscrowedAmount.IsZero())
	s.Require().NotNil(refunded.ClosedAt)
	s.Nil(refunded.ResolvedBy)

	s.Equal(EventTradeCreated, s.nextEvent().Type)
	s.Equal(EventTradeRefunded, s.nextEvent().Type)
}

func (s *ReaperSuite) TestRefundTwice() {
	trade := s.pendingTrade("10", "1")
	s.clock.Advance(25 * time.Hour)

	_, err := s.svc.RefundExpiredTrade(context.Background(), s.bob, trade.ID)
	s.Require().NoError(err)

	_, err = s.svc.RefundExpiredTrade(context.Background(), s.bob, trade.ID)
	s.True(marketerrors.IsKind(err, marketerrors.KindState))
	// Exactly one refund landed.
	s.True(s.balance(s.bob, models.AssetPayment).Equal(dec("10")))
}

func (s *ReaperSuite) TestRefundCompletedTrade() {
	trade := s.pendingTrade("10", "1")
	_, err := s.svc.CompleteTrade(context.Background(), s.bob, trade.ID)
	s.Require().NoError(err)
	s.clock.Advance(25 * time.Hour)

	_, err = s.svc.RefundExpiredTrade(context.Background(), s.bob, trade.ID)
	s.True(marketerrors.IsKind(err, marketerrors.KindState))
}

func (s *ReaperSuite) TestRefundMissingTrade() {
	_, err := s.svc.RefundExpiredTrade(context.Background(), s.bob, uuid.New())
	s.True(marketerrors.IsKind(err, marketerrors.KindNotFound))
}

func (s *ReaperSuite) TestCompletionStillWinsBeforeRefund() {
	trade := s.pendingTrade("10", "1")
	s.clock.Advance(25 * time.Hour)

	// The window bounds the refund eligibility, not completion; a late
	// completion still settles normally if it commits first.
	done, err := s.svc.CompleteTrade(context.Background(), s.alice, trade.ID)
	s.Require().NoError(err)
	s.Equal(models.TradeStatusCompleted, done.Status)

	_, err = s.svc.RefundExpiredTrade(context.Background(), s.bob, trade.ID)
	s.True(marketerrors.IsKind(err, marketerrors.KindState))
}
