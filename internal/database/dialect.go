package database

import (
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rzpsarthak13/sheetsync/internal/config"
)

// Store types served by this package.
const (
	TypeMySQL      = "mysql"
	TypePostgreSQL = "postgresql"
	TypeSQLite     = "sqlite"
)

// DefaultTable is the documents table used when none is configured.
const DefaultTable = "documents"

// dialect holds the statements that differ between SQL engines. Queries are
// written with ? placeholders and rebound for engines that number them.
type dialect struct {
	name        string
	numbered    bool
	createTable string
	insertNew   string
	upsert      string
	lockSuffix  string
}

var dialects = map[string]dialect{
	TypeMySQL: {
		name: TypeMySQL,
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			collection VARCHAR(255) NOT NULL,
			id VARCHAR(255) NOT NULL,
			body LONGTEXT NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (collection, id)
		) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin`,
		insertNew:  `INSERT IGNORE INTO %s (collection, id, body, version) VALUES (?, ?, ?, 1)`,
		upsert:     `INSERT INTO %s (collection, id, body, version) VALUES (?, ?, ?, 1) ON DUPLICATE KEY UPDATE body = VALUES(body), version = version + 1`,
		lockSuffix: " FOR UPDATE",
	},
	TypePostgreSQL: {
		name:     TypePostgreSQL,
		numbered: true,
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL COLLATE "C",
			body TEXT NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		insertNew:  `INSERT INTO %s (collection, id, body, version) VALUES (?, ?, ?, 1) ON CONFLICT (collection, id) DO NOTHING`,
		upsert:     `INSERT INTO %[1]s (collection, id, body, version) VALUES (?, ?, ?, 1) ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, version = %[1]s.version + 1`,
		lockSuffix: " FOR UPDATE",
	},
	TypeSQLite: {
		name: TypeSQLite,
		createTable: `CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		insertNew: `INSERT INTO %s (collection, id, body, version) VALUES (?, ?, ?, 1) ON CONFLICT (collection, id) DO NOTHING`,
		upsert:    `INSERT INTO %[1]s (collection, id, body, version) VALUES (?, ?, ?, 1) ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, version = %[1]s.version + 1`,
	},
}

// rebind rewrites ? placeholders as $1, $2... for engines that need it.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// open creates the connection pool for a dialect.
func (d dialect) open(cfg config.SQLConfig) (*sql.DB, error) {
	switch d.name {
	case TypeMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Timeout = cfg.ConnectionTimeout
		return sql.Open("mysql", mc.FormatDSN())

	case TypePostgreSQL:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		connString := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, sslMode)
		pc, err := pgx.ParseConfig(connString)
		if err != nil {
			return nil, fmt.Errorf("invalid postgresql settings: %w", err)
		}
		if cfg.ConnectionTimeout > 0 {
			pc.ConnectTimeout = cfg.ConnectionTimeout
		}
		return stdlib.OpenDB(*pc), nil

	case TypeSQLite:
		db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
		if err != nil {
			return nil, err
		}
		// One connection serializes writers and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return db, nil
	}
	return nil, fmt.Errorf("unsupported SQL store type: %s", d.name)
}

func configurePool(db *sql.DB, cfg config.SQLConfig, name string) {
	if name != TypeSQLite && cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func connectionTimeout(cfg config.SQLConfig) time.Duration {
	if cfg.ConnectionTimeout > 0 {
		return cfg.ConnectionTimeout
	}
	return 5 * time.Second
}
