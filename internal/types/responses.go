package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerSnapshot is the read model of an account ledger as observed between
// transactions. Holdings are sparse: an absent asset means quantity zero.
type LedgerSnapshot struct {
	UserID    string                     `json:"user_id"`
	Fiat      map[string]decimal.Decimal `json:"fiat"`
	Holdings  map[string]decimal.Decimal `json:"holdings"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// ExecuteTradeResponse is returned after a successful direct trade: the
// immutable trade record plus the post-trade ledger.
type ExecuteTradeResponse struct {
	Trade  *DirectTrade    `json:"trade"`
	Ledger *LedgerSnapshot `json:"ledger"`
}
