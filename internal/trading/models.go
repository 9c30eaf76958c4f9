package trading

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// IdempotencyRecord pins an Idempotency-Key to the trade record it produced
// so a replayed request returns the original result instead of re-applying
// the ledger mutation.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ExecuteTradeRequest is the JSON body for POST /trades.
type ExecuteTradeRequest struct {
	Symbol    string          `json:"symbol" binding:"required"`
	Side      string          `json:"side" binding:"required"` // BUY or SELL
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"` // defaults to USD
}
