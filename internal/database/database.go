package database

import (
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"validchat/internal/config"
)

// Init opens the database configured by cfg and applies the schema.
func Init(cfg config.Config) (*sql.DB, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return OpenSQLite(cfg.DBPath)
	case "mysql":
		return OpenMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}

// OpenMySQL connects to MariaDB/MySQL and applies the schema.
func OpenMySQL(cfg config.Config) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db, "mysql"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens an SQLite database at path (":memory:" for an in-memory
// database) and applies the schema. The pool is limited to one connection,
// so an in-memory database is shared by every query.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch driver {
	case "mysql":
		stmts = mysqlSchema
	case "sqlite":
		stmts = sqliteSchema
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS companies (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		uid VARCHAR(36) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL,
		domain VARCHAR(255) NULL,
		api_key VARCHAR(64) NOT NULL UNIQUE,
		created_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		uid VARCHAR(36) NOT NULL UNIQUE,
		company_id BIGINT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_conversations_company_updated (company_id, updated_at),
		FOREIGN KEY (company_id) REFERENCES companies(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		uid VARCHAR(36) NOT NULL UNIQUE,
		conversation_id BIGINT NOT NULL,
		sender_type VARCHAR(16) NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_messages_conversation_created (conversation_id, created_at),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS widget_installs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		uid VARCHAR(36) NOT NULL UNIQUE,
		company_id BIGINT NOT NULL,
		site_url VARCHAR(2048) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		FOREIGN KEY (company_id) REFERENCES companies(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS companies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		domain TEXT NULL,
		api_key TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		company_id INTEGER NOT NULL REFERENCES companies(id),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_company_updated ON conversations(company_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id),
		sender_type TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS widget_installs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		company_id INTEGER NOT NULL REFERENCES companies(id),
		site_url TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}
