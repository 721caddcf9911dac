package db

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/studify-ai/studify/pkg/db/models"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

type DB struct {
	DB *gorm.DB

	// Dialect is the SQL flavor behind DB, either DialectPostgres or DialectSQLite.
	Dialect string
}

// New opens a database connection. Postgres URLs and key/value DSNs use the
// postgres driver; "sqlite://" prefixed paths, "file:" URIs and bare *.db paths
// use sqlite.
func New(dsn string, logLevel logger.LogLevel) (*DB, error) {
	dialect, dialector := dialectorFor(dsn)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s database", dialect)
	}

	if dialect == DialectSQLite {
		// sqlite allows a single writer; keep one connection so writers queue
		// in the pool instead of failing with "database is locked".
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.WithField("dialect", dialect).Debug("database connection opened")
	return &DB{
		DB:      db,
		Dialect: dialect,
	}, nil
}

func dialectorFor(dsn string) (string, gorm.Dialector) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return DialectPostgres, postgres.Open(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return DialectSQLite, sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return DialectSQLite, sqlite.Open(dsn)
	}
}

// UpdateSchema creates or migrates every table the service owns.
func (d *DB) UpdateSchema() error {
	for _, model := range []interface{}{
		&models.User{},
		&models.ChatTurn{},
	} {
		if err := d.DB.AutoMigrate(model); err != nil {
			return errors.Wrapf(err, "could not migrate %T", model)
		}
	}
	return nil
}

// Ping checks that the underlying connection pool can reach the database.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
