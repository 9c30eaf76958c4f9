package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/escrow-api/internal/database/migrations"
	"github.com/ksred/escrow-api/internal/trading"
	"github.com/ksred/escrow-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
// The busy timeout lets concurrent writers queue instead of failing
// immediately; exhausted waits still surface as transient errors handled by
// the transaction retry layer.
func NewDatabase(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddLedgerTables(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddEscrowTrades(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.DirectTrade{},
		&trading.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
