package escrow

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// normalizeStatus maps stored status labels onto the closed enumeration,
// folding the legacy IN_ESCROW label into AWAITING_PAYMENT. Any label
// outside the known set is rejected.
func normalizeStatus(status string) (string, error) {
	switch status {
	case StatusAwaitingPayment, StatusInEscrow:
		return StatusAwaitingPayment, nil
	case StatusPaymentConfirmed, StatusCompleted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidState, status)
	}
}

func (d *Database) CreateTrade(trade *Trade) error {
	return d.db.Create(trade).Error
}

// GetTradeForUpdateTx loads a trade inside tx with a row lock so concurrent
// transitions on the same trade serialize. The status is normalised before
// the caller sees it.
func (d *Database) GetTradeForUpdateTx(tx *gorm.DB, tradeID string) (*Trade, error) {
	var trade Trade
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("trade_id = ?", tradeID).
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	status, err := normalizeStatus(trade.Status)
	if err != nil {
		return nil, err
	}
	trade.Status = status
	return &trade, nil
}

func (d *Database) GetTrade(tradeID string) (*Trade, error) {
	var trade Trade
	err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	status, err := normalizeStatus(trade.Status)
	if err != nil {
		return nil, err
	}
	trade.Status = status
	return &trade, nil
}

// UpdateTradeTx persists a transition inside the caller's transaction.
func (d *Database) UpdateTradeTx(tx *gorm.DB, trade *Trade) error {
	return tx.Save(trade).Error
}

// GetTradesByStatus lists trades, optionally filtered by status, newest
// first.
func (d *Database) GetTradesByStatus(status string) ([]Trade, error) {
	query := d.db.Order("created_at DESC")
	switch status {
	case "":
	case StatusAwaitingPayment:
		// Rows written before the label migration may still carry the
		// legacy IN_ESCROW status.
		query = query.Where("status IN ?", []string{StatusAwaitingPayment, StatusInEscrow})
	default:
		query = query.Where("status = ?", status)
	}
	var trades []Trade
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}
