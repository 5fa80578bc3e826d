package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	chunkdomain "github.com/smallbiznis/streampay/internal/chunk/domain"
	ledgerdomain "github.com/smallbiznis/streampay/internal/ledger/domain"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_active_viewer_video ON sessions (viewer_id, video_id) WHERE status = 'active'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_settlements_one_pending ON settlements (session_id) WHERE status = 'pending'`,
}

// AutoMigrate creates the schema from the gorm models. It backs sqlite/mysql
// local runs and tests, where the postgres SQL files do not apply.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	if err := db.AutoMigrate(
		&videodomain.Video{},
		&sessiondomain.Session{},
		&chunkdomain.ChunkView{},
		&settlementdomain.Settlement{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&auditdomain.AuditLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// mysql has no partial indexes; the in-process settlement lock still applies there.
	if db.Dialector.Name() == "mysql" {
		return nil
	}
	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create partial index: %w", err)
		}
	}
	return nil
}
