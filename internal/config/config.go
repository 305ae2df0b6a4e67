package config

import (
	"fmt"
	"os"
)

// Store driver names accepted by STORE_DRIVER.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config holds environment-driven configuration.
type Config struct {
	Store struct {
		Driver     string // mysql (default) or sqlite
		MySQLDSN   string // e.g., user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
		SQLitePath string // path to the database file, default timeledger.db
	}
	HTTP struct {
		Addr string // listen address, default :8080
	}
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config

	cfg.Store.Driver = os.Getenv("STORE_DRIVER")
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMySQL
	}
	switch cfg.Store.Driver {
	case DriverMySQL:
		cfg.Store.MySQLDSN = os.Getenv("MYSQL_DSN")
		if cfg.Store.MySQLDSN == "" {
			return cfg, fmt.Errorf("MYSQL_DSN is required for STORE_DRIVER=%s", DriverMySQL)
		}
	case DriverSQLite:
		cfg.Store.SQLitePath = os.Getenv("SQLITE_PATH")
		if cfg.Store.SQLitePath == "" {
			cfg.Store.SQLitePath = "timeledger.db"
		}
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}

	cfg.HTTP.Addr = os.Getenv("HTTP_ADDR")
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	return cfg, nil
}
