package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/escrow-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateTradeTx appends a direct trade record inside the caller's
// transaction, alongside the ledger mutation it documents.
func (d *Database) CreateTradeTx(tx *gorm.DB, trade *types.DirectTrade) error {
	return tx.Create(trade).Error
}

func (d *Database) GetTrade(tradeRecordID string) (*types.DirectTrade, error) {
	var trade types.DirectTrade
	if err := d.db.Where("trade_record_id = ?", tradeRecordID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) GetTradesByUser(userID string) ([]types.DirectTrade, error) {
	var trades []types.DirectTrade
	if err := d.db.Where("user_id = ?", userID).Order("executed_at DESC").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateIdempotencyRecordTx writes the idempotency record in the same
// transaction as the resource it protects.
func (d *Database) CreateIdempotencyRecordTx(tx *gorm.DB, key, resourceID, resourceType string) error {
	record := IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	return tx.Create(&record).Error
}

// DeleteIdempotencyRecordTx removes an expired record inside the caller's
// transaction so the unique index accepts the key's reuse.
func (d *Database) DeleteIdempotencyRecordTx(tx *gorm.DB, key string) error {
	return tx.Unscoped().
		Where("idempotency_key = ?", key).
		Delete(&IdempotencyRecord{}).Error
}

// DeleteExpiredIdempotencyRecords removes records past their expiry and
// returns how many were purged.
func (d *Database) DeleteExpiredIdempotencyRecords() (int64, error) {
	result := d.db.Unscoped().
		Where("expires_at < ?", time.Now()).
		Delete(&IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
