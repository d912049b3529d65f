package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/voltmesh/voltmesh/internal/auth"
	"github.com/voltmesh/voltmesh/internal/ledger"
	"github.com/voltmesh/voltmesh/pkg/models"
)

var dbSeq atomic.Int64

// fakeClock lets tests cross deadlines without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// marketSuite is the shared harness: fresh sqlite store, fake clock,
// channel publisher, a static role set and seeded config at a 25 bp fee.
type marketSuite struct {
	suite.Suite

	svc    *Service
	ldg    *ledger.Ledger
	clock  *fakeClock
	events *ChannelPublisher

	admin      uuid.UUID
	arbitrator uuid.UUID
	collector  uuid.UUID
	alice      uuid.UUID // seller in most scenarios
	bob        uuid.UUID // buyer in most scenarios
}

func (s *marketSuite) SetupTest() {
	logger := zaptest.NewLogger(s.T())
	dsn := fmt.Sprintf("file:markettest%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(AutoMigrate(db))

	s.clock = newFakeClock()
	s.ldg = ledger.New(db, logger)
	s.events = NewChannelPublisher(32, logger)

	s.admin = uuid.New()
	s.arbitrator = uuid.New()
	s.collector = uuid.New()
	s.alice = uuid.New()
	s.bob = uuid.New()

	authority := auth.NewStaticAuthority(
		[]string{s.admin.String()},
		[]string{s.arbitrator.String()},
	)
	s.svc = NewService(db, s.ldg, authority, s.events, logger, Options{Clock: s.clock})
	s.Require().NoError(s.svc.EnsureConfig(context.Background(), models.MarketConfig{
		FeeBasisPoints: 25,
		MinTradeSize:   decimal.NewFromInt(1),
		MaxTradeSize:   decimal.NewFromInt(10000),
		FeeCollector:   s.collector,
	}))
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func (s *marketSuite) mint(owner uuid.UUID, asset, amount string) {
	s.Require().NoError(s.ldg.Mint(context.Background(), owner, asset, dec(amount), "test:seed"))
}

func (s *marketSuite) balance(owner uuid.UUID, asset string) decimal.Decimal {
	b, err := s.ldg.BalanceOf(context.Background(), owner, asset)
	s.Require().NoError(err)
	return b
}

// sellOffer mints the quantity of energy to alice and lists it.
func (s *marketSuite) sellOffer(qty, price string) *models.Offer {
	s.mint(s.alice, models.AssetEnergy, qty)
	offer, err := s.svc.CreateOffer(context.Background(), s.alice, models.OfferKindSell,
		dec(qty), dec(price), s.clock.Now().Add(time.Hour), "grid-a", "")
	s.Require().NoError(err)
	return offer
}

// pendingTrade lists a SELL offer from alice and has bob accept it with an
// exact payment.
func (s *marketSuite) pendingTrade(qty, price string) *models.Trade {
	offer := s.sellOffer(qty, price)
	total := models.Truncate(dec(qty).Mul(dec(price)))
	s.mint(s.bob, models.AssetPayment, total.String())
	trade, err := s.svc.AcceptOffer(context.Background(), s.bob, offer.ID, total)
	s.Require().NoError(err)
	return trade
}

// nextEvent pops the next published trade event, failing if none is
// buffered.
func (s *marketSuite) nextEvent() TradeEvent {
	select {
	case ev := <-s.events.Events():
		return ev
	default:
		s.Require().FailNow("no trade event published")
		return TradeEvent{}
	}
}
