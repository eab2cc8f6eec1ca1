package db

import (
	"fmt"

	"yieldo-indexer/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the Postgres connection and migrates the schema. GORM
// AutoMigrate creates the unique identity indexes the upsert layer relies on.
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		CreateBatchSize:                          1000,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&models.DepositIntent{},
		&models.Deposit{},
		&models.Withdrawal{},
		&models.PendingOriginMarker{},
		&models.ChainCursor{},
		&models.DailySnapshot{},
		&models.VaultRating{},
		&models.VaultRatingHistory{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate failed: %w", err)
	}

	return gdb, nil
}
