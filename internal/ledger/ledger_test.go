package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/pkg/models"
)

var dbSeq atomic.Int64

type LedgerSuite struct {
	suite.Suite

	ldg   *Ledger
	alice uuid.UUID
	bob   uuid.UUID
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	dsn := fmt.Sprintf("file:ledgertest%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(&models.LedgerAccount{}, &models.LedgerEntry{}))

	s.ldg = New(db, zaptest.NewLogger(s.T()))
	s.alice = uuid.New()
	s.bob = uuid.New()
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func (s *LedgerSuite) balance(owner uuid.UUID, asset string) decimal.Decimal {
	b, err := s.ldg.BalanceOf(context.Background(), owner, asset)
	s.Require().NoError(err)
	return b
}

func (s *LedgerSuite) TestMissingAccountReadsZero() {
	s.True(s.balance(s.alice, models.AssetEnergy).IsZero())
}

func (s *LedgerSuite) TestMintCreditsBalance() {
	ctx := context.Background()
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetEnergy, dec("150.5"), "seed"))
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetEnergy, dec("49.5"), "seed"))
	s.True(s.balance(s.alice, models.AssetEnergy).Equal(dec("200")))
}

func (s *LedgerSuite) TestMintRejectsNonPositive() {
	err := s.ldg.Mint(context.Background(), s.alice, models.AssetEnergy, decimal.Zero, "seed")
	s.True(marketerrors.IsKind(err, marketerrors.KindValidation))
}

func (s *LedgerSuite) TestTransferMovesBalanceAndJournals() {
	ctx := context.Background()
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetPayment, dec("100"), "seed"))

	s.Require().NoError(s.ldg.Transfer(ctx, s.alice, s.bob, models.AssetPayment, dec("37.25"), "trade:x"))

	s.True(s.balance(s.alice, models.AssetPayment).Equal(dec("62.75")))
	s.True(s.balance(s.bob, models.AssetPayment).Equal(dec("37.25")))

	entries, err := s.ldg.Entries(ctx, "trade:x")
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(s.alice, entries[0].Owner)
	s.True(entries[0].Amount.Equal(dec("-37.25")))
	s.Equal(s.bob, entries[0].Counterparty)
	s.Equal(s.bob, entries[1].Owner)
	s.True(entries[1].Amount.Equal(dec("37.25")))
	s.True(entries[0].Amount.Add(entries[1].Amount).IsZero())
}

func (s *LedgerSuite) TestTransferCreatesDestinationAccount() {
	ctx := context.Background()
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetEnergy, dec("10"), "seed"))
	s.Require().NoError(s.ldg.Transfer(ctx, s.alice, s.bob, models.AssetEnergy, dec("10"), "trade:y"))
	s.True(s.balance(s.bob, models.AssetEnergy).Equal(dec("10")))
	s.True(s.balance(s.alice, models.AssetEnergy).IsZero())
}

func (s *LedgerSuite) TestTransferInsufficientFunds() {
	ctx := context.Background()
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetPayment, dec("5"), "seed"))

	err := s.ldg.Transfer(ctx, s.alice, s.bob, models.AssetPayment, dec("5.00000001"), "trade:z")
	s.True(marketerrors.IsKind(err, marketerrors.KindInsufficientFunds))

	// Nothing moved, nothing journaled.
	s.True(s.balance(s.alice, models.AssetPayment).Equal(dec("5")))
	s.True(s.balance(s.bob, models.AssetPayment).IsZero())
	entries, err := s.ldg.Entries(ctx, "trade:z")
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *LedgerSuite) TestTransferFromMissingAccount() {
	err := s.ldg.Transfer(context.Background(), s.alice, s.bob, models.AssetPayment, dec("1"), "trade:z")
	s.True(marketerrors.IsKind(err, marketerrors.KindInsufficientFunds))
}

func (s *LedgerSuite) TestTransferRejectsSelfAndNonPositive() {
	ctx := context.Background()
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetPayment, dec("10"), "seed"))

	err := s.ldg.Transfer(ctx, s.alice, s.alice, models.AssetPayment, dec("1"), "trade:z")
	s.True(marketerrors.IsKind(err, marketerrors.KindValidation))

	err = s.ldg.Transfer(ctx, s.alice, s.bob, models.AssetPayment, dec("-1"), "trade:z")
	s.True(marketerrors.IsKind(err, marketerrors.KindValidation))
}

func (s *LedgerSuite) TestTransferTruncatesToLedgerScale() {
	ctx := context.Background()
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetPayment, dec("10"), "seed"))

	// 9 decimal places; the last digit is cut, not rounded.
	s.Require().NoError(s.ldg.Transfer(ctx, s.alice, s.bob, models.AssetPayment, dec("1.123456789"), "trade:t"))
	s.True(s.balance(s.bob, models.AssetPayment).Equal(dec("1.12345678")))
}

func (s *LedgerSuite) TestAssetsAreIndependent() {
	ctx := context.Background()
	s.Require().NoError(s.ldg.Mint(ctx, s.alice, models.AssetEnergy, dec("100"), "seed"))

	err := s.ldg.Transfer(ctx, s.alice, s.bob, models.AssetPayment, dec("1"), "trade:a")
	s.True(marketerrors.IsKind(err, marketerrors.KindInsufficientFunds))
	s.True(s.balance(s.alice, models.AssetEnergy).Equal(dec("100")))
}
