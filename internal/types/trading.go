package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Direct trade sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// DirectTrade is the append-only audit record of a buy/sell executed against
// the owner's own ledger. It is created in the same atomic unit as the
// ledger mutation it documents and never updated or deleted afterwards.
type DirectTrade struct {
	gorm.Model    `json:"-"`
	TradeRecordID string          `gorm:"uniqueIndex" json:"trade_record_id"`
	UserID        string          `gorm:"index" json:"user_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // BUY or SELL
	Quantity      decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	UnitPrice     decimal.Decimal `gorm:"type:decimal(32,8)" json:"unit_price"`
	Currency      string          `json:"currency"`
	ExecutedAt    time.Time       `json:"executed_at"`
}
