package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Ledger is the parent record of a user's balances. Balance values live in
// the FiatBalance and Holding child rows; the parent carries the last
// mutation timestamp.
type Ledger struct {
	gorm.Model `json:"-"`
	UserID     string    `gorm:"uniqueIndex" json:"user_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FiatBalance is one currency bucket of a ledger. Amount is never negative.
// Rows persist at zero once created.
type FiatBalance struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"uniqueIndex:idx_fiat_user_currency" json:"user_id"`
	Currency   string          `gorm:"uniqueIndex:idx_fiat_user_currency" json:"currency"`
	Amount     decimal.Decimal `gorm:"type:decimal(32,8)" json:"amount"`
}

// Holding is one asset position of a ledger. The representation is sparse:
// quantity is always strictly positive, a mutation that drives it to exactly
// zero deletes the row, and an absent row reads as zero.
type Holding struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"uniqueIndex:idx_holding_user_asset" json:"user_id"`
	Asset      string          `gorm:"uniqueIndex:idx_holding_user_asset" json:"asset"`
	Quantity   decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
}
