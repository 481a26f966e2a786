package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/reference"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	slotActive   = "active"
	slotPrevious = "previous"
)

// =============================================================================
// SQLiteLedger
// =============================================================================

// SQLiteLedger implements Ledger using SQLite. The single-file database lives
// on the host so records survive orchestrator restarts, and Commit runs in
// one transaction so a crash mid-write never leaves a mismatched record.
type SQLiteLedger struct {
	db *sqlx.DB
}

// NewSQLiteLedger opens (or creates) the ledger database and runs migrations.
func NewSQLiteLedger(dsn string) (*SQLiteLedger, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewLedgerError("NewSQLiteLedger", "failed to open database", ErrConnectionFailed)
	}

	// The ledger is single-writer; one connection also keeps an in-memory
	// database on a single handle.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewLedgerError("NewSQLiteLedger", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewLedgerError("NewSQLiteLedger", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteLedger{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// =============================================================================
// Row Mapping
// =============================================================================

// recordRow represents a deployment record row in the database.
type recordRow struct {
	Slot         string `db:"slot"`
	Registry     string `db:"registry"`
	Repository   string `db:"repository"`
	Tag          string `db:"tag"`
	ContainerID  string `db:"container_id"`
	HostPort     int    `db:"host_port"`
	HealthStatus string `db:"health_status"`
	StartedAt    string `db:"started_at"`
	UpdatedAt    string `db:"updated_at"`
}

func rowFromRecord(slot string, rec deploy.Record) recordRow {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return recordRow{
		Slot:         slot,
		Registry:     rec.Ref.Registry,
		Repository:   rec.Ref.Repository,
		Tag:          rec.Ref.Tag,
		ContainerID:  rec.ContainerID,
		HostPort:     rec.HostPort,
		HealthStatus: string(rec.Health),
		StartedAt:    rec.StartedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    now,
	}
}

// recordFromRow converts a row back to a domain record. Any inconsistency
// surfaces as ErrLedgerCorrupt rather than a silently defaulted field.
func recordFromRow(row recordRow) (deploy.Record, error) {
	startedAt, err := time.Parse(time.RFC3339Nano, row.StartedAt)
	if err != nil {
		return deploy.Record{}, NewLedgerError("recordFromRow",
			fmt.Sprintf("slot %s has unparseable started_at %q", row.Slot, row.StartedAt), ErrLedgerCorrupt)
	}

	rec := deploy.Record{
		Ref: reference.ImageReference{
			Registry:   row.Registry,
			Repository: row.Repository,
			Tag:        row.Tag,
		},
		ContainerID: row.ContainerID,
		HostPort:    row.HostPort,
		Health:      deploy.HealthStatus(row.HealthStatus),
		StartedAt:   startedAt,
	}

	if err := rec.Validate(); err != nil {
		return deploy.Record{}, NewLedgerError("recordFromRow",
			fmt.Sprintf("slot %s holds an invalid record: %v", row.Slot, err), ErrLedgerCorrupt)
	}

	return rec, nil
}

// =============================================================================
// Ledger Operations
// =============================================================================

func (l *SQLiteLedger) readSlot(ctx context.Context, slot string, missing error) (deploy.Record, error) {
	var row recordRow
	err := l.db.GetContext(ctx, &row,
		`SELECT slot, registry, repository, tag, container_id, host_port, health_status, started_at, updated_at
		 FROM deployment_records WHERE slot = ?`, slot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deploy.Record{}, missing
		}
		return deploy.Record{}, NewLedgerError("readSlot", err.Error(), ErrLedgerCorrupt)
	}
	return recordFromRow(row)
}

// ReadActive returns the active deployment record.
func (l *SQLiteLedger) ReadActive(ctx context.Context) (deploy.Record, error) {
	return l.readSlot(ctx, slotActive, ErrNoActiveRecord)
}

// ReadPrevious returns the previous deployment record.
func (l *SQLiteLedger) ReadPrevious(ctx context.Context) (deploy.Record, error) {
	return l.readSlot(ctx, slotPrevious, ErrNoPreviousRecord)
}

// Commit atomically replaces both slots in a single transaction.
func (l *SQLiteLedger) Commit(ctx context.Context, active deploy.Record, previous *deploy.Record) error {
	if err := active.Validate(); err != nil {
		return NewLedgerError("Commit", "refusing to commit invalid active record", err)
	}
	if previous != nil {
		if err := previous.Validate(); err != nil {
			return NewLedgerError("Commit", "refusing to commit invalid previous record", err)
		}
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewLedgerError("Commit", err.Error(), ErrConnectionFailed)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO deployment_records
			(slot, registry, repository, tag, container_id, host_port, health_status, started_at, updated_at)
		VALUES
			(:slot, :registry, :repository, :tag, :container_id, :host_port, :health_status, :started_at, :updated_at)
		ON CONFLICT(slot) DO UPDATE SET
			registry = excluded.registry,
			repository = excluded.repository,
			tag = excluded.tag,
			container_id = excluded.container_id,
			host_port = excluded.host_port,
			health_status = excluded.health_status,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`

	if _, err := tx.NamedExecContext(ctx, upsert, rowFromRecord(slotActive, active)); err != nil {
		return NewLedgerError("Commit", "failed to write active record: "+err.Error(), err)
	}

	if previous != nil {
		if _, err := tx.NamedExecContext(ctx, upsert, rowFromRecord(slotPrevious, *previous)); err != nil {
			return NewLedgerError("Commit", "failed to write previous record: "+err.Error(), err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_records WHERE slot = ?`, slotPrevious); err != nil {
			return NewLedgerError("Commit", "failed to clear previous record: "+err.Error(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewLedgerError("Commit", err.Error(), err)
	}

	return nil
}
