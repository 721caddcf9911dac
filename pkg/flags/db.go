package flags

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gorm.io/gorm/logger"

	"github.com/studify-ai/studify/pkg/db"
)

// Gorm Log Level Custom Flag Type
type logLevel logger.LogLevel

const (
	LogLevelInfo   = "info"
	LogLevelWarn   = "warn"
	LogLevelError  = "error"
	LogLevelSilent = "silent"
)

func (l *logLevel) String() string {
	switch *l {
	case logLevel(logger.Info):
		return LogLevelInfo
	case logLevel(logger.Warn):
		return LogLevelWarn
	case logLevel(logger.Error):
		return LogLevelError
	case logLevel(logger.Silent):
		return LogLevelSilent
	}

	return LogLevelInfo
}

func (l *logLevel) Set(v string) error {
	switch v {
	case LogLevelInfo:
		*l = logLevel(logger.Info)
	case LogLevelWarn:
		*l = logLevel(logger.Warn)
	case LogLevelError:
		*l = logLevel(logger.Error)
	case LogLevelSilent:
		*l = logLevel(logger.Silent)
	default:
		return fmt.Errorf("unknown gorm log level: %s", v)
	}

	return nil
}

func (l *logLevel) Type() string {
	return "logLevel"
}

const defaultDSN = "sqlite://studify.db"

// DBFlags contains the set of flags needed to connect to the database holding
// users and, by default, chat history.
type DBFlags struct {
	LogLevel logLevel
	DSN      string
}

func NewDBFlags() *DBFlags {
	dsn := os.Getenv("STUDIFY_DATABASE_DSN")
	if dsn == "" {
		dsn = defaultDSN
	}

	return &DBFlags{
		LogLevel: logLevel(logger.Warn),
		DSN:      dsn,
	}
}

func (f *DBFlags) BindFlags(fs *pflag.FlagSet) {
	fs.Var(&f.LogLevel, "db-log-level", "GORM database log level")
	fs.StringVar(&f.DSN, "database-dsn", f.DSN, "Database DSN: a postgresql:// URL or a sqlite:// path")
}

func (f *DBFlags) GetDBClient() (*db.DB, error) {
	dbc, err := db.New(f.DSN, logger.LogLevel(f.LogLevel))
	if err != nil {
		log.WithError(err).Error("could not connect to db")
		return nil, err
	}

	return dbc, nil
}
