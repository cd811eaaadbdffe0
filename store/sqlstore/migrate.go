package sqlstore

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrator returns a golang-migrate instance for the store's schema.
// Closing the instance closes the store's database as well.
func (s *Store) Migrator() (*migrate.Migrate, error) {
	m, _, err := s.migrator()
	return m, err
}

func (s *Store) migrator() (*migrate.Migrate, source.Driver, error) {
	src, err := iofs.New(migrations, "migrations/"+string(s.dialect))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migrations: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case SQLite:
		driver, err = sqlite.WithInstance(s.db, &sqlite.Config{})
	case Postgres:
		driver, err = postgres.WithInstance(s.db, &postgres.Config{})
	default:
		err = fmt.Errorf("unknown dialect %q", s.dialect)
	}
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, src, nil
}

// Migrate applies all pending migrations. An up-to-date schema is not an
// error. The store stays usable afterwards.
func (s *Store) Migrate() error {
	m, src, err := s.migrator()
	if err != nil {
		return err
	}
	// m.Close would close s.db; release only the source.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
