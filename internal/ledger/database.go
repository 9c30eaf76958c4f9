package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/escrow-api/internal/types"
)

// Store owns all reads and writes of account ledgers. The mutating
// primitives take the caller's open transaction and are never independently
// transactional: a failure of one leg must roll back every other leg of the
// same atomic unit, so callers wrap them in transaction.WithRetry.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// EnsureTx loads the user's ledger inside tx, creating the implicit all-zero
// ledger on first touch. The row is locked for the remainder of tx so
// concurrent mutations of the same ledger serialize.
func (s *Store) EnsureTx(tx *gorm.DB, userID string) (*Ledger, error) {
	var led Ledger
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&led).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		led = Ledger{UserID: userID, UpdatedAt: time.Now()}
		if err := tx.Create(&led).Error; err != nil {
			return nil, fmt.Errorf("failed to create ledger: %w", err)
		}
		return &led, nil
	}
	if err != nil {
		return nil, err
	}
	return &led, nil
}

// GetTx loads the user's ledger inside tx with a row lock, failing with
// ErrNotFound if the user has never been registered.
func (s *Store) GetTx(tx *gorm.DB, userID string) (*Ledger, error) {
	var led Ledger
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&led).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &led, nil
}

// AdjustFiatTx applies a signed delta to one currency bucket. It fails with
// ErrInsufficientFunds before any write if the result would be negative, and
// returns the new balance. The parent ledger's updated_at is touched in the
// same unit.
func (s *Store) AdjustFiatTx(tx *gorm.DB, userID, currency string, delta decimal.Decimal) (decimal.Decimal, error) {
	var bal FiatBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&bal).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if delta.IsNegative() {
			return decimal.Zero, ErrInsufficientFunds
		}
		bal = FiatBalance{UserID: userID, Currency: currency, Amount: delta}
		if err := tx.Create(&bal).Error; err != nil {
			return decimal.Zero, fmt.Errorf("failed to create fiat balance: %w", err)
		}
	case err != nil:
		return decimal.Zero, err
	default:
		next := bal.Amount.Add(delta)
		if next.IsNegative() {
			return decimal.Zero, ErrInsufficientFunds
		}
		bal.Amount = next
		if err := tx.Save(&bal).Error; err != nil {
			return decimal.Zero, fmt.Errorf("failed to update fiat balance: %w", err)
		}
	}

	if err := s.touchTx(tx, userID); err != nil {
		return decimal.Zero, err
	}
	return bal.Amount, nil
}

// AdjustHoldingTx applies a signed delta to the sparse holdings map. It
// fails with ErrInsufficientHoldings before any write if the result would be
// negative, deletes the row if the result is exactly zero, and returns the
// new quantity.
func (s *Store) AdjustHoldingTx(tx *gorm.DB, userID, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	var holding Holding
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset = ?", userID, asset).
		First(&holding).Error

	current := decimal.Zero
	exists := true
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		exists = false
	case err != nil:
		return decimal.Zero, err
	default:
		current = holding.Quantity
	}

	next := current.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientHoldings
	}

	switch {
	case next.IsZero():
		// Sparse representation: never store an explicit-zero entry.
		if exists {
			if err := tx.Unscoped().Delete(&holding).Error; err != nil {
				return decimal.Zero, fmt.Errorf("failed to remove holding: %w", err)
			}
		}
	case exists:
		holding.Quantity = next
		if err := tx.Save(&holding).Error; err != nil {
			return decimal.Zero, fmt.Errorf("failed to update holding: %w", err)
		}
	default:
		holding = Holding{UserID: userID, Asset: asset, Quantity: next}
		if err := tx.Create(&holding).Error; err != nil {
			return decimal.Zero, fmt.Errorf("failed to create holding: %w", err)
		}
	}

	if err := s.touchTx(tx, userID); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

// HoldingTx reads one asset quantity inside tx; an absent row reads as zero.
func (s *Store) HoldingTx(tx *gorm.DB, userID, asset string) (decimal.Decimal, error) {
	var holding Holding
	err := tx.Where("user_id = ? AND asset = ?", userID, asset).First(&holding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return holding.Quantity, nil
}

// SnapshotTx assembles the full read model of a ledger inside tx.
func (s *Store) SnapshotTx(tx *gorm.DB, userID string) (*types.LedgerSnapshot, error) {
	var led Ledger
	err := tx.Where("user_id = ?", userID).First(&led).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var fiat []FiatBalance
	if err := tx.Where("user_id = ?", userID).Find(&fiat).Error; err != nil {
		return nil, err
	}
	var holdings []Holding
	if err := tx.Where("user_id = ?", userID).Find(&holdings).Error; err != nil {
		return nil, err
	}

	snapshot := &types.LedgerSnapshot{
		UserID:    userID,
		Fiat:      make(map[string]decimal.Decimal, len(fiat)),
		Holdings:  make(map[string]decimal.Decimal, len(holdings)),
		UpdatedAt: led.UpdatedAt,
	}
	for _, b := range fiat {
		snapshot.Fiat[b.Currency] = b.Amount
	}
	for _, h := range holdings {
		snapshot.Holdings[h.Asset] = h.Quantity
	}
	return snapshot, nil
}

// Snapshot is the read-only entry point for callers outside an atomic unit.
func (s *Store) Snapshot(userID string) (*types.LedgerSnapshot, error) {
	return s.SnapshotTx(s.db, userID)
}

func (s *Store) touchTx(tx *gorm.DB, userID string) error {
	return tx.Model(&Ledger{}).
		Where("user_id = ?", userID).
		Update("updated_at", time.Now()).Error
}
