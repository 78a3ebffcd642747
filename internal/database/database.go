package database

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config describes the operational database. Driver "postgres" is the deployment default;
// "sqlite3" serves simulations and tests, with DBName used as the file path.
type Config struct {
	Driver   string
	Host     string
	Port     string
	Username string
	Password string
	DBName   string
	SSLMode  string
}

func NewConfigFromEnv() *Config {
	return &Config{
		Driver:   os.Getenv("OPS_DB_DRIVER"),
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		Username: os.Getenv("POSTGRES_USERNAME"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		DBName:   os.Getenv("POSTGRES_DB_NAME"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}
}

func (c *Config) Setup() *Config {
	const (
		defaultDriver   = "postgres"
		defaultHost     = "localhost"
		defaultPort     = "5432"
		defaultUsername = "postgres"
		defaultPassword = "postgres"
		defaultDBName   = "trading"
		defaultSSLMode  = "disable"
	)

	c.Driver = cmp.Or(c.Driver, defaultDriver)
	c.Host = cmp.Or(c.Host, defaultHost)
	c.Port = cmp.Or(c.Port, defaultPort)
	if _, err := strconv.Atoi(c.Port); err != nil {
		c.Port = defaultPort
	}
	c.Username = cmp.Or(c.Username, defaultUsername)
	c.Password = cmp.Or(c.Password, defaultPassword)
	c.DBName = cmp.Or(c.DBName, defaultDBName)
	c.SSLMode = cmp.Or(c.SSLMode, defaultSSLMode)

	return c
}

func (c *Config) String() string {
	if c.Driver == "sqlite3" {
		return c.DBName
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.DBName, c.Password, c.SSLMode,
	)
}

// Redacted is the DSN safe for logs.
func (c *Config) Redacted() string {
	if c.Driver == "sqlite3" {
		return c.DBName
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.DBName, c.SSLMode)
}

func NewDB(cfg *Config) (*sqlx.DB, error) {
	if cfg.Driver == "sqlite3" {
		return OpenSQLite(cfg.DBName)
	}
	return sqlx.Connect("postgres", cfg.String())
}

// OpenSQLite opens a sqlite file in WAL mode with a single writer connection.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: can't create db dir", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: can't open sqlite %s", err, path)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate runs schema statements one by one.
func Migrate(ctx context.Context, db *sqlx.DB, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: can't apply schema", err)
		}
	}
	return nil
}
