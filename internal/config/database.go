package config

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	// Create tables if they don't exist
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary tables in the database
func createTables(db *sqlx.DB) error {
	// Create users table
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			username VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create groups table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS groups (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create user_groups table (many-to-many membership)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS user_groups (
			user_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			group_id VARCHAR(36) NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, group_id)
		)
	`)
	if err != nil {
		return err
	}

	// Create pages table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pages (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			owner_id VARCHAR(36) NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create page_permissions table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS page_permissions (
			page_id VARCHAR(36) NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
			subject_type VARCHAR(5) NOT NULL CHECK (subject_type IN ('user', 'group')),
			subject_id VARCHAR(36) NOT NULL,
			can_view BOOLEAN NOT NULL DEFAULT TRUE,
			can_edit BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (page_id, subject_type, subject_id)
		)
	`)
	if err != nil {
		return err
	}

	// Create alarms table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS alarms (
			id VARCHAR(36) PRIMARY KEY,
			page_id VARCHAR(36) NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
			ticker VARCHAR(255) NOT NULL,
			option VARCHAR(255) NOT NULL,
			condition VARCHAR(255) NOT NULL,
			created_by VARCHAR(36) NOT NULL REFERENCES users(id),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			last_triggered TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	// Create alarm_events table (append-only audit log)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS alarm_events (
			id VARCHAR(36) PRIMARY KEY,
			alarm_id VARCHAR(36) NOT NULL REFERENCES alarms(id) ON DELETE CASCADE,
			triggered_by VARCHAR(36) NOT NULL REFERENCES users(id),
			price DOUBLE PRECISION,
			triggered_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create indexes for better performance
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_alarms_page ON alarms(page_id)",
		"CREATE INDEX IF NOT EXISTS idx_permissions_subject ON page_permissions(subject_type, subject_id)",
		"CREATE INDEX IF NOT EXISTS idx_user_groups_user ON user_groups(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_alarm_events_alarm ON alarm_events(alarm_id, triggered_at)",
	}

	for _, idx := range indexes {
		_, err = db.Exec(idx)
		if err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
			// Don't return error here, indexes are not critical
		}
	}

	return nil
}
