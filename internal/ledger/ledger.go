// Package ledger implements the token ledger holding energy-credit and
// payment balances. It never double-moves value: every movement runs in one
// database transaction and reports failure atomically.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	marketerrors "github.com/voltmesh/voltmesh/common/errors"
	"github.com/voltmesh/voltmesh/pkg/models"
)

// EscrowAccount is the engine-owned account that holds payment funds of
// pending trades. Individual trades are attributed through journal entry
// references.
var EscrowAccount = uuid.MustParse("00000000-0000-0000-0000-00000000e5c0")

// Ledger is the gorm-backed token ledger.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a ledger on db.
func New(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// WithTx returns a ledger whose movements join the given transaction, so a
// caller can make ledger legs part of its own atomic commit boundary.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, logger: l.logger}
}

// BalanceOf returns the current balance of owner in asset. A missing
// account reads as zero.
func (l *Ledger) BalanceOf(ctx context.Context, owner uuid.UUID, asset string) (decimal.Decimal, error) {
	var acct models.LedgerAccount
	err := l.db.WithContext(ctx).
		Where("owner = ? AND asset = ?", owner, asset).
		First(&acct).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return decimal.Zero, nil
		}
		return decimal.Zero, marketerrors.Internal(err, "read balance of %s %s", owner, asset)
	}
	return acct.Balance, nil
}

// Transfer moves amount of asset from one owner to another. The source
// account must hold at least amount; the destination account is created on
// first receipt. The whole movement, including both journal rows, commits
// or fails as a unit.
func (l *Ledger) Transfer(ctx context.Context, from, to uuid.UUID, asset string, amount decimal.Decimal, reference string) error {
	amount = models.Truncate(amount)
	if amount.LessThanOrEqual(decimal.Zero) {
		return marketerrors.Validation("transfer amount must be positive, got %s", amount)
	}
	if from == to {
		return marketerrors.Validation("transfer source and destination must differ")
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock rows in a deterministic order so concurrent opposite
		// transfers cannot deadlock.
		var fromAcct, toAcct *models.LedgerAccount
		var err error
		if from.String() < to.String() {
			fromAcct, err = l.lockAccount(tx, from, asset)
			if err == nil {
				toAcct, err = l.lockAccount(tx, to, asset)
			}
		} else {
			toAcct, err = l.lockAccount(tx, to, asset)
			if err == nil {
				fromAcct, err = l.lockAccount(tx, from, asset)
			}
		}
		if err != nil {
			return err
		}
		if fromAcct == nil || fromAcct.Balance.LessThan(amount) {
			have := decimal.Zero
			if fromAcct != nil {
				have = fromAcct.Balance
			}
			return marketerrors.InsufficientFunds("%s holds %s %s, need %s", from, have, asset, amount)
		}
		if toAcct == nil {
			toAcct = &models.LedgerAccount{Owner: to, Asset: asset, Balance: decimal.Zero}
			if err := tx.Create(toAcct).Error; err != nil {
				return marketerrors.Internal(err, "create account %s %s", to, asset)
			}
		}

		now := time.Now()
		res := tx.Model(&models.LedgerAccount{}).
			Where("id = ? AND balance >= ?", fromAcct.ID, amount).
			UpdateColumns(map[string]interface{}{
				"balance":    fromAcct.Balance.Sub(amount),
				"updated_at": now,
			})
		if res.Error != nil {
			return marketerrors.Internal(res.Error, "debit %s %s", from, asset)
		}
		if res.RowsAffected != 1 {
			// Balance moved underneath the lock; treat as a ledger fault
			// and abort rather than continue on inconsistent state.
			return marketerrors.Internal(nil, "debit post-condition violated for %s %s", from, asset)
		}

		if err := tx.Model(&models.LedgerAccount{}).
			Where("id = ?", toAcct.ID).
			UpdateColumns(map[string]interface{}{
				"balance":    toAcct.Balance.Add(amount),
				"updated_at": now,
			}).Error; err != nil {
			return marketerrors.Internal(err, "credit %s %s", to, asset)
		}

		entries := []models.LedgerEntry{
			{Owner: from, Asset: asset, Amount: amount.Neg(), Counterparty: to, Reference: reference, CreatedAt: now},
			{Owner: to, Asset: asset, Amount: amount, Counterparty: from, Reference: reference, CreatedAt: now},
		}
		if err := tx.Create(&entries).Error; err != nil {
			return marketerrors.Internal(err, "journal transfer %s", reference)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.Debug("ledger transfer",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("reference", reference))
	return nil
}

// Mint credits amount of asset to owner out of thin air. Used for account
// provisioning and tests; production issuance lives outside the market
// core.
func (l *Ledger) Mint(ctx context.Context, to uuid.UUID, asset string, amount decimal.Decimal, reference string) error {
	amount = models.Truncate(amount)
	if amount.LessThanOrEqual(decimal.Zero) {
		return marketerrors.Validation("mint amount must be positive, got %s", amount)
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := l.lockAccount(tx, to, asset)
		if err != nil {
			return err
		}
		now := time.Now()
		if acct == nil {
			acct = &models.LedgerAccount{Owner: to, Asset: asset, Balance: amount, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(acct).Error; err != nil {
				return marketerrors.Internal(err, "create account %s %s", to, asset)
			}
		} else {
			if err := tx.Model(&models.LedgerAccount{}).
				Where("id = ?", acct.ID).
				UpdateColumns(map[string]interface{}{
					"balance":    acct.Balance.Add(amount),
					"updated_at": now,
				}).Error; err != nil {
				return marketerrors.Internal(err, "credit %s %s", to, asset)
			}
		}
		entry := models.LedgerEntry{Owner: to, Asset: asset, Amount: amount, Counterparty: uuid.Nil, Reference: reference, CreatedAt: now}
		if err := tx.Create(&entry).Error; err != nil {
			return marketerrors.Internal(err, "journal mint %s", reference)
		}
		return nil
	})
}

// Entries returns the journal rows carrying the given reference, oldest
// first.
func (l *Ledger) Entries(ctx context.Context, reference string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := l.db.WithContext(ctx).
		Where("reference = ?", reference).
		Order("id asc").
		Find(&entries).Error; err != nil {
		return nil, marketerrors.Internal(err, "read journal %s", reference)
	}
	return entries, nil
}

// lockAccount reads the account row, taking a row lock on dialects that
// support FOR UPDATE. Returns nil when the account does not exist.
func (l *Ledger) lockAccount(tx *gorm.DB, owner uuid.UUID, asset string) (*models.LedgerAccount, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var acct models.LedgerAccount
	err := q.Where("owner = ? AND asset = ?", owner, asset).First(&acct).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, marketerrors.Internal(err, "lock account %s %s", owner, asset)
	}
	return &acct, nil
}
