package migrations

import (
	"github.com/ksred/escrow-api/internal/escrow"
	"gorm.io/gorm"
)

// AddEscrowTrades creates the escrow trade table and required indexes
func AddEscrowTrades(db *gorm.DB) error {
	// Create the escrow trade table
	if err := db.AutoMigrate(&escrow.Trade{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	indexes := []string{
		// Index for status filtering on the admin surface
		`CREATE INDEX IF NOT EXISTS idx_escrow_trades_status
		 ON trades(status)`,

		// Composite indexes for party lookups
		`CREATE INDEX IF NOT EXISTS idx_escrow_trades_buyer_status
		 ON trades(buyer_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_escrow_trades_seller_status
		 ON trades(seller_id, status)`,

		// Index for created_at timestamp (useful for time-based queries)
		`CREATE INDEX IF NOT EXISTS idx_escrow_trades_created_at
		 ON trades(created_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
