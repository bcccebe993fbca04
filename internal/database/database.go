package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound сущность не найдена
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when a guarded status transition
	// matched zero rows: another writer won the race and the caller's view
	// of the row is stale. The losing transition must be dropped, not
	// retried blindly.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInventoryConflict is returned when a requested unit is already
	// covered by an active hold.
	ErrInventoryConflict = errors.New("inventory not available")
)

// ConflictError names the inventory units that blocked a TryHold, so the
// caller can tell the customer which seats or rooms to change.
type ConflictError struct {
	Units []int64
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.Units))
	for i, u := range e.Units {
		ids[i] = strconv.FormatInt(u, 10)
	}
	return fmt.Sprintf("inventory not available: units [%s]", strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrInventoryConflict }

// DB is the sqlite-backed ledger store for bookings, holds, payments and
// payment events. All cross-entity invariants are committed inside one
// transaction scope per state change.
type DB struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite has a single writer; one connection totally orders hold
	// transactions, which is what makes concurrent TryHolds linearizable.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("ledger database initialized")
	return &DB{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL,
            first_name TEXT NOT NULL,
            last_name TEXT,
            email TEXT,
            phone TEXT,
            total_amount INTEGER NOT NULL,
            currency TEXT NOT NULL DEFAULT 'USD',
            status TEXT NOT NULL DEFAULT 'pending',
            expires_at DATETIME NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS booking_items (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
            kind TEXT NOT NULL,
            inventory_id INTEGER NOT NULL,
            quantity INTEGER NOT NULL,
            unit_price INTEGER NOT NULL,
            total_price INTEGER NOT NULL,
            check_in DATE,
            check_out DATE,
            schedule_id INTEGER
        )`,
		`CREATE TABLE IF NOT EXISTS inventory_holds (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
            kind TEXT NOT NULL,
            unit_id INTEGER NOT NULL,
            schedule_id INTEGER NOT NULL DEFAULT 0,
            start_date DATE,
            end_date DATE,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS payments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL REFERENCES bookings(id) ON DELETE CASCADE,
            amount INTEGER NOT NULL,
            currency TEXT NOT NULL DEFAULT 'USD',
            tran_id TEXT NOT NULL UNIQUE,
            status TEXT NOT NULL DEFAULT 'pending',
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS payment_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            payment_id INTEGER NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
            type TEXT NOT NULL,
            payload TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            payment_id INTEGER NOT NULL,
            payload TEXT,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_expires_at ON bookings(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user_id ON bookings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_holds_unit ON inventory_holds(kind, unit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_holds_booking_id ON inventory_holds(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_booking_id ON payments(booking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_tran_id ON payments(tran_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_events_payment_id ON payment_events(payment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}
