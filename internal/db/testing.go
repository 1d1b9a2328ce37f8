package db

import (
	"fmt"
	"sync/atomic"

	"github.com/deckflow/backend/internal/config"
	"gorm.io/gorm"
)

var memCounter atomic.Int64

// OpenInMemory returns a migrated, isolated sqlite database. Used by tests across packages.
func OpenInMemory() (*gorm.DB, error) {
	name := fmt.Sprintf("file:deckflow_%d?mode=memory&cache=shared", memCounter.Add(1))
	conn, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: name})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}
