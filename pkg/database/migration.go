package database

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint // target version; 0 means latest
	Force               int  // force to this version before migrating; 0 disables
	AutoRollback        bool
}

type MigrationService struct {
	logger ectologger.Logger
	config *MigrationConfig
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{
		logger: logger,
		config: config,
	}
}

// MigrationLogger adapts the application logger to the migrate.Logger interface.
type MigrationLogger struct {
	logger ectologger.Logger
}

func (l *MigrationLogger) Printf(format string, v ...any) {
	l.logger.Infof(format, v...)
}

func (l *MigrationLogger) Verbose() bool {
	return true
}

func (s *MigrationService) Migrate(databaseName string, databaseInstance migratedb.Driver) error {
	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", s.config.MigrationFolderPath),
		databaseName,
		databaseInstance,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create migration instance")
	}
	m.Log = &MigrationLogger{logger: s.logger}

	if s.config.Force > 0 {
		s.logger.Infof("Forcing migration version to %d", s.config.Force)
		if err := m.Force(s.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force migration version %d", s.config.Force)
		}
	}

	targetVersion := s.config.Version
	if targetVersion == 0 {
		targetVersion, err = s.getLatestVersion()
		if err != nil {
			return errors.Wrap(err, "failed to determine latest migration version")
		}
	}

	s.logger.Infof("Migrating database %s to version %d", databaseName, targetVersion)
	err = m.Migrate(targetVersion)
	if err == migrate.ErrNoChange {
		s.logger.Info("Database is up to date")
		return nil
	}
	if err != nil {
		if s.config.AutoRollback {
			if rbErr := s.rollbackDirty(m); rbErr != nil {
				s.logger.WithError(rbErr).Error("Failed to rollback dirty migration")
			}
		}
		return errors.Wrapf(err, "failed to migrate database %s to version %d", databaseName, targetVersion)
	}

	return nil
}

func (s *MigrationService) rollbackDirty(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if err != nil {
		return errors.Wrap(err, "failed to read migration version")
	}
	if !dirty {
		return nil
	}

	s.logger.Warnf("Migration version %d is dirty, rolling back", version)
	if err := m.Force(int(version)); err != nil {
		return errors.Wrapf(err, "failed to clear dirty flag at version %d", version)
	}
	if err := m.Steps(-1); err != nil {
		return errors.Wrapf(err, "failed to step back from version %d", version)
	}
	return nil
}

func (s *MigrationService) getLatestVersion() (uint, error) {
	files, err := os.ReadDir(s.config.MigrationFolderPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read migration folder %s", s.config.MigrationFolderPath)
	}

	re := regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)
	var latest uint
	for _, file := range files {
		matches := re.FindStringSubmatch(file.Name())
		if len(matches) != 2 {
			continue
		}
		version, err := strconv.ParseUint(matches[1], 10, 32)
		if err != nil {
			continue
		}
		if uint(version) > latest {
			latest = uint(version)
		}
	}

	if latest == 0 {
		return 0, fmt.Errorf("no migration files found in %s", s.config.MigrationFolderPath)
	}
	return latest, nil
}
