package migration

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"papertrade/internal/database"
)

//go:embed sql/*.sql
var files embed.FS

type Migrate struct {
	Db *database.PostgreSQL
	// Source overrides the embedded migrations with a golang-migrate source
	// URL such as file://db/migrations.
	Source string
	Logger *zap.Logger
}

func (m *Migrate) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m *Migrate) instance() (*migrate.Migrate, error) {
	if m.Source != "" {
		return migrate.New(m.Source, m.Db.ConnectionURI())
	}
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return migrate.NewWithSourceInstance("iofs", src, m.Db.ConnectionURI())
}

func (m *Migrate) MigrateUp() error {
	log := m.logger()
	log.Info("begin migration")

	mig, err := m.instance()
	if err != nil {
		return err
	}
	defer closeMigrate(log, mig)

	err = mig.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Error("migration up failed", zap.Error(err))
		return err
	}

	version, dirty, _ := mig.Version()
	log.Info("migration up done", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func (m *Migrate) MigrateDown() error {
	log := m.logger()
	mig, err := m.instance()
	if err != nil {
		return err
	}
	defer closeMigrate(log, mig)

	err = mig.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Error("migration down failed", zap.Error(err))
		return err
	}
	log.Info("migration down done")
	return nil
}

// Version returns the applied schema version. ok is false on an empty
// database.
func (m *Migrate) Version() (version uint, dirty bool, ok bool, err error) {
	mig, err := m.instance()
	if err != nil {
		return 0, false, false, err
	}
	defer closeMigrate(m.logger(), mig)

	version, dirty, err = mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

func closeMigrate(log *zap.Logger, mig *migrate.Migrate) {
	srcErr, dbErr := mig.Close()
	if srcErr != nil || dbErr != nil {
		log.Warn("close migrate", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
	}
}
