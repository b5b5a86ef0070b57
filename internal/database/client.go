// Package database constructs the GORM connection used by the audit log
// gateway.
package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/evaonline/matopiba/internal/log"
	"go.uber.org/zap"
)

// NewClient opens a Postgres connection with SQL logging bridged into
// zap. Slow queries (> 1s) and errors log at Warn.
func NewClient(connectionString string, sugared *zap.SugaredLogger) (*gorm.DB, error) {
	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	sugared.Info("connecting to audit log database...")
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("unable to create audit log database connection: %v", err)
	}
	sugared.Info("audit log database connection successful")

	return db, nil
}
