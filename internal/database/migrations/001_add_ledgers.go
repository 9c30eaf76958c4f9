package migrations

import (
	"github.com/ksred/escrow-api/internal/ledger"
	"gorm.io/gorm"
)

// AddLedgerTables creates the ledger tables and required indexes
func AddLedgerTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.Ledger{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&ledger.FiatBalance{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&ledger.Holding{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Index for per-user balance reads
		`CREATE INDEX IF NOT EXISTS idx_fiat_balances_user
		 ON fiat_balances(user_id)`,

		// Index for per-user holdings reads
		`CREATE INDEX IF NOT EXISTS idx_holdings_user
		 ON holdings(user_id)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
