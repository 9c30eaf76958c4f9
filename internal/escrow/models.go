package escrow

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/escrow-api/internal/types"
)

// Escrow trade statuses. The machine moves strictly forward:
// AWAITING_PAYMENT -> PAYMENT_CONFIRMED -> COMPLETED.
const (
	StatusAwaitingPayment  = "AWAITING_PAYMENT"
	StatusPaymentConfirmed = "PAYMENT_CONFIRMED"
	StatusCompleted        = "COMPLETED"

	// StatusInEscrow is a legacy label for the initial state, accepted on
	// read and normalised to AWAITING_PAYMENT. It is never written.
	StatusInEscrow = "IN_ESCROW"
)

// Trade is a two-party P2P exchange record. Quantity is fixed at creation;
// buyer and seller are always distinct; terminal states are never mutated
// again.
type Trade struct {
	gorm.Model `json:"-"`
	TradeID    string          `gorm:"uniqueIndex" json:"trade_id"`
	BuyerID    string          `gorm:"index" json:"buyer_id"`
	SellerID   string          `gorm:"index" json:"seller_id"`
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CreateTradeRequest is the JSON body for the internal trade-creation
// endpoint, the stand-in for the offer-acceptance collaborator.
type CreateTradeRequest struct {
	BuyerID  string          `json:"buyer_id" binding:"required"`
	SellerID string          `json:"seller_id" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}

// StatusResponse is returned by transitions that only move the trade status.
type StatusResponse struct {
	TradeID   string    `json:"trade_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettlementResponse is returned by ReleaseFunds: the completed trade plus
// both post-settlement ledgers.
type SettlementResponse struct {
	Trade        *Trade                `json:"trade"`
	SellerLedger *types.LedgerSnapshot `json:"seller_ledger"`
	BuyerLedger  *types.LedgerSnapshot `json:"buyer_ledger"`
}
