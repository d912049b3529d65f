package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerScale is the number of fractional digits of the ledger's smallest
// unit. Every monetary or commodity amount is truncated toward zero at this
// scale before it is persisted or compared.
const LedgerScale = 8

// Constants for offer kinds, offer statuses, trade statuses, ledger assets
// and dispute outcomes.
const (
	// Offer kinds
	OfferKindSell = "SELL"
	OfferKindBuy  = "BUY"

	// Offer statuses
	OfferStatusActive    = "ACTIVE"
	OfferStatusCancelled = "CANCELLED"
	OfferStatusMatched   = "MATCHED"

	// Trade statuses
	TradeStatusPending   = "PENDING"
	TradeStatusCompleted = "COMPLETED"
	TradeStatusDisputed  = "DISPUTED"
	TradeStatusResolved  = "RESOLVED"
	TradeStatusRefunded  = "REFUNDED"

	// Ledger assets
	AssetEnergy  = "ENERGY"
	AssetPayment = "PAYMENT"

	// Dispute winners
	DisputeWinnerBuyer  = "BUYER"
	DisputeWinnerSeller = "SELLER"
)

// Offer represents a standing advertisement to sell or buy a fixed quantity
// of energy credits at a fixed unit price. Offer ids are sequential so that
// active-offer pages are stable in creation order.
type Offer struct {
	ID          uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Creator     uuid.UUID       `json:"creator" gorm:"type:uuid;index" validate:"required"`
	Kind        string          `json:"kind" validate:"required,oneof=SELL BUY"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(32,8)" validate:"required"`
	UnitPrice   decimal.Decimal `json:"unit_price" gorm:"type:decimal(32,8)" validate:"required"`
	ExpiresAt   time.Time       `json:"expires_at"`
	LocationTag string          `json:"location_tag" validate:"omitempty,max=64"`
	Description string          `json:"description" validate:"omitempty,max=500"`
	Status      string          `json:"status" gorm:"index" validate:"required,oneof=ACTIVE CANCELLED MATCHED"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Trade represents the escrowed result of one offer being accepted. The
// energy leg settles at match time; only the payment leg is escrowed.
// Terminal trades are retained for audit, never deleted.
type Trade struct {
	ID                 uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	OfferID            uint64          `json:"offer_id" gorm:"index"`
	Buyer              uuid.UUID       `json:"buyer" gorm:"type:uuid;index"`
	Seller             uuid.UUID       `json:"seller" gorm:"type:uuid;index"`
	Quantity           decimal.Decimal `json:"quantity" gorm:"type:decimal(32,8)"`
	TotalPrice         decimal.Decimal `json:"total_price" gorm:"type:decimal(32,8)"`
	EscrowedAmount     decimal.Decimal `json:"escrowed_amount" gorm:"type:decimal(32,8)"`
	Status             string          `json:"status" gorm:"index"`
	FeeBasisPoints     int64           `json:"fee_basis_points"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletionDeadline time.Time       `json:"completion_deadline"`
	DisputeInitiator   *uuid.UUID      `json:"dispute_initiator,omitempty" gorm:"type:uuid"`
	DisputeReason      string          `json:"dispute_reason,omitempty"`
	ResolvedBy         *uuid.UUID      `json:"resolved_by,omitempty" gorm:"type:uuid"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
}

// Participant reports whether the account is the buyer or the seller of the
// trade.
func (t *Trade) Participant(account uuid.UUID) bool {
	return account == t.Buyer || account == t.Seller
}

// Terminal reports whether the trade has reached one of its terminal
// statuses. Exactly one terminal transition ever fires per trade.
func (t *Trade) Terminal() bool {
	switch t.Status {
	case TradeStatusCompleted, TradeStatusResolved, TradeStatusRefunded:
		return true
	}
	return false
}

// MarketConfig is the singleton administrative configuration record. It is
// read by every state-changing operation and mutated only through admin
// operations.
type MarketConfig struct {
	ID             uint            `json:"-" gorm:"primaryKey"`
	FeeBasisPoints int64           `json:"fee_basis_points" validate:"min=0,max=1000"`
	MinTradeSize   decimal.Decimal `json:"min_trade_size" gorm:"type:decimal(32,8)"`
	MaxTradeSize   decimal.Decimal `json:"max_trade_size" gorm:"type:decimal(32,8)"`
	Paused         bool            `json:"paused"`
	FeeCollector   uuid.UUID       `json:"fee_collector" gorm:"type:uuid"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// BlacklistEntry marks an account as ineligible to create or accept offers.
// Existing offers and trades of the account are unaffected.
type BlacklistEntry struct {
	Account   uuid.UUID `json:"account" gorm:"primaryKey;type:uuid"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerAccount holds one asset balance for one owner.
type LedgerAccount struct {
	ID        uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Owner     uuid.UUID       `json:"owner" gorm:"type:uuid;uniqueIndex:idx_ledger_owner_asset"`
	Asset     string          `json:"asset" gorm:"uniqueIndex:idx_ledger_owner_asset"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(32,8)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerEntry is one signed journal row of a ledger movement. Escrowed
// funds are attributed to their trade through Reference.
type LedgerEntry struct {
	ID           uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Owner        uuid.UUID       `json:"owner" gorm:"type:uuid;index"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(32,8)"`
	Counterparty uuid.UUID       `json:"counterparty" gorm:"type:uuid"`
	Reference    string          `json:"reference" gorm:"index"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TradingStats is the aggregate view returned by GetTradingStats.
type TradingStats struct {
	TotalOffers    int64 `json:"total_offers"`
	TotalTrades    int64 `json:"total_trades"`
	ActiveOffers   int64 `json:"active_offers"`
	FeeBasisPoints int64 `json:"fee_basis_points"`
}

// Truncate clamps an amount to the ledger's smallest unit, rounding toward
// zero per the market's fixed-point rule.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(LedgerScale)
}

// NewOfferForTest creates an ACTIVE Offer with decimal values parsed from
// strings, for use in tests.
func NewOfferForTest(creator uuid.UUID, kind, qtyStr, priceStr string, expiresAt time.Time) *Offer {
	qty, _ := decimal.NewFromString(qtyStr)
	price, _ := decimal.NewFromString(priceStr)
	return &Offer{
		Creator:   creator,
		Kind:      kind,
		Quantity:  qty,
		UnitPrice: price,
		ExpiresAt: expiresAt,
		Status:    OfferStatusActive,
		CreatedAt: time.Now(),
	}
}
