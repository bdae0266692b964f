// Package repo is the GORM persistence layer: the durable queue and its
// counter, the chat and wallet projections, and the authority's ledger.
// This file opens the SQLite file (pure Go driver, WAL, one writer) and
// migrates the device and authority schemas.
package repo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// ErrDuplicate indicates that a row with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate")

// pragmas are applied through the DSN so that every pooled connection gets
// them, not only the one that happened to run an Exec.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// OpenSQLite opens (or creates) a SQLite database, applies PRAGMAs and
// installs the OpenTelemetry GORM plugin. The pool is capped to a single
// connection: SQLite has one writer, and the queue relies on transactions
// never interleaving.
func OpenSQLite(path string) (*gorm.DB, error) {
	// A missing directory would otherwise surface as SQLITE_CANTOPEN.
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxIdleTime(0)
		sqlDB.SetConnMaxLifetime(0)
	}

	return db, nil
}

// withPragmas appends the _pragma query parameters understood by the
// glebarez driver to path.
func withPragmas(path string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// AutoMigrate creates or updates the local queue and projection tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Counter{},
		&domain.QueueItem{},
		&domain.ChatSession{},
		&domain.ChatMessage{},
		&domain.TransactionRecord{},
		&domain.WalletBalance{},
		&domain.WalletSettings{},
	)
}

// AutoMigrateAuthority creates or updates the reference authority's ledger.
func AutoMigrateAuthority(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.AuthorityOperation{},
		&domain.Idempotency{},
	)
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
