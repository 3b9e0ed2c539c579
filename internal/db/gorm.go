// Package db opens GORM handles for the supported drivers.
//
// The sqlite DSN is either a filesystem path or the literal ":memory:";
// postgres takes a full connection string. Richer sqlite URI forms are not
// accepted, matching what the configuration surface documents.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DefaultSQLiteDSN = "relay.db"
	memoryDSN        = ":memory:"
)

func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver != "sqlite" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = DefaultSQLiteDSN
	}

	switch driver {
	case "sqlite":
		if !strings.EqualFold(dsn, memoryDSN) {
			// First open must not fail on a missing data dir.
			if dir := filepath.Dir(dsn); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create sqlite db dir: %w", err)
				}
			}
		}
		return gorm.Open(sqliteDriver.Open(dsn), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}
