package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
	// Do NOT block startup in init() waiting for DB; the service must listen on $PORT first.
}

// ConnectDatabaseWithRetry connects and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
//
// DB_DRIVER selects the dialect: "mysql" (default) or "sqlite" (SQLITE_PATH, local runs only).
func ConnectDatabaseWithRetry() {
	driver := driverFromEnv()

	var attempt int
	for {
		attempt++
		conn, err := OpenDatabase(driver, dsnFromEnv(driver))
		if err == nil {
			db = conn
			log.Printf("connected to database (driver=%s attempt=%d)", driver, attempt)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

// OpenDatabaseFromEnv makes a single connection attempt with the DB_* settings. Command line
// tools use it so a bad DSN fails fast instead of retrying forever.
func OpenDatabaseFromEnv() (*gorm.DB, error) {
	driver := driverFromEnv()
	return OpenDatabase(driver, dsnFromEnv(driver))
}

func driverFromEnv() string {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	if driver == "" {
		driver = DriverMySQL
	}
	return driver
}

// OpenDatabase opens a gorm handle for the given driver and installs the plugins every
// connection in this service runs with.
func OpenDatabase(driver string, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	conn, err := gorm.Open(dialector, initConfig())
	if err != nil {
		return nil, err
	}

	if sqlDB, derr := conn.DB(); derr == nil && sqlDB != nil {
		if driver == DriverSQLite {
			// A single writer avoids SQLITE_BUSY between the worker and maintenance queries.
			sqlDB.SetMaxOpenConns(1)
		} else {
			maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 50)
			maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 25)
			connMaxLife := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
			connMaxIdle := time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second

			if maxOpen > 0 {
				sqlDB.SetMaxOpenConns(maxOpen)
			}
			if maxIdle >= 0 {
				sqlDB.SetMaxIdleConns(maxIdle)
			}
			if connMaxLife > 0 {
				sqlDB.SetConnMaxLifetime(connMaxLife)
			}
			if connMaxIdle > 0 {
				sqlDB.SetConnMaxIdleTime(connMaxIdle)
			}
		}
	}

	if pluginErr := conn.Use(otelgorm.NewPlugin()); pluginErr != nil {
		log.Printf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	if pluginErr := conn.Use(NewOwnerScopePlugin()); pluginErr != nil {
		return nil, fmt.Errorf("install owner scope plugin: %w", pluginErr)
	}
	return conn, nil
}

func dsnFromEnv(driver string) string {
	if driver == DriverSQLite {
		path := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
		if path == "" {
			path = "tally_sync.db"
		}
		return path + "?_busy_timeout=5000&_foreign_keys=on"
	}

	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")

	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, dbPort)

	// Cloud SQL: DB_HOST=/cloudsql/<CONNECTION_NAME> connects through the proxy's unix socket.
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}

	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
		dbUser,
		dbPassword,
		network,
		address,
		dbName,
	)
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		// Unique violations surface as gorm.ErrDuplicatedKey regardless of dialect.
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func initLog() logger.Interface {
	return newGormLogger(os.Stdout)
}

func newGormLogger(w io.Writer) logger.Interface {
	return duplicateQuietLogger{logger.New(
		log.New(w, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)}
}

// duplicateQuietLogger drops unique violations from the SQL trace. The voucher store
// classifies them as re-synced records, so they are not errors.
type duplicateQuietLogger struct {
	logger.Interface
}

func (l duplicateQuietLogger) LogMode(level logger.LogLevel) logger.Interface {
	return duplicateQuietLogger{l.Interface.LogMode(level)}
}

func (l duplicateQuietLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return
	}
	l.Interface.Trace(ctx, begin, fc, err)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
