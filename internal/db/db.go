package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/cache"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
	Cache  *cache.InMemoryCache
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host             string        // Database host
	Port             string        // Database port
	User             string        // Database user
	Password         string        // Database password
	Database         string        // Database name
	SSLMode          string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns     int           // Maximum number of idle connections
	MaxOpenConns     int           // Maximum number of open connections
	MaxLifetime      time.Duration // Maximum lifetime of a connection
	StatementTimeout time.Duration // Server-side statement timeout applied to every session
	ApplicationName  string        // Reported in pg_stat_activity
	DatabaseURL      string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return augmentDSN(c.DatabaseURL, c.StatementTimeout, c.ApplicationName)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	return augmentDSN(dsn, c.StatementTimeout, c.ApplicationName)
}

// NewWithClient wraps an existing connection pool without touching the schema.
// Used by tests and tools that manage their own *sql.DB.
func NewWithClient(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}, Cache: cache.NewInMemoryCache()}
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	applyDefaults(config)

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config, Cache: cache.NewInMemoryCache()}, nil
}

func applyDefaults(config *Config) {
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}
	if config.StatementTimeout == 0 {
		config.StatementTimeout = 30 * time.Second
	}
	if config.ApplicationName == "" {
		config.ApplicationName = "crawl-coordinator"
	}
}

// ConfigFromEnv builds a Config from DATABASE_URL or the POSTGRES_* variables
func ConfigFromEnv() *Config {
	config := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ApplicationName: os.Getenv("DATABASE_APP_NAME"),
	}

	if v, err := strconv.Atoi(os.Getenv("DATABASE_MAX_OPEN_CONNS")); err == nil && v > 0 {
		config.MaxOpenConns = v
	}
	if v, err := strconv.Atoi(os.Getenv("DATABASE_MAX_IDLE_CONNS")); err == nil && v > 0 {
		config.MaxIdleConns = v
	}

	if config.DatabaseURL != "" {
		return config
	}

	config.Host = os.Getenv("POSTGRES_HOST")
	config.Port = os.Getenv("POSTGRES_PORT")
	config.User = os.Getenv("POSTGRES_USER")
	config.Password = os.Getenv("POSTGRES_PASSWORD")
	config.Database = os.Getenv("POSTGRES_DB")
	config.SSLMode = os.Getenv("POSTGRES_SSL_MODE")

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "crawl_coordinator"
	}

	return config
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	return New(ConfigFromEnv())
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_types (
			id SERIAL PRIMARY KEY,
			slug TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_terminal BOOLEAN NOT NULL DEFAULT TRUE,
			callback_url TEXT,
			required_fields JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_types table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS crawler_workers (
			id TEXT PRIMARY KEY,
			worker_identifier TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			host TEXT,
			port INTEGER,
			protocol TEXT NOT NULL DEFAULT 'http',
			status TEXT NOT NULL DEFAULT 'offline',
			current_site_id TEXT,
			last_heartbeat_at TIMESTAMPTZ,
			system_info JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create crawler_workers table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			url TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'new',
			priority TEXT NOT NULL DEFAULT 'normal',
			task_type TEXT NOT NULL REFERENCES task_types(slug) ON UPDATE CASCADE,
			assigned_worker_id TEXT REFERENCES crawler_workers(id) ON DELETE SET NULL,
			max_depth INTEGER,
			parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
			existence_status TEXT,
			last_existence_check_at TIMESTAMPTZ,
			dispatch_id TEXT,
			last_submitted_at TIMESTAMPTZ,
			last_response TEXT,
			last_activity_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sites table: %w", err)
	}

	// Added after sites exists to break the circular reference
	_, err = db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint WHERE conname = 'crawler_workers_current_site_fk'
			) THEN
				ALTER TABLE crawler_workers
					ADD CONSTRAINT crawler_workers_current_site_fk
					FOREIGN KEY (current_site_id) REFERENCES sites(id) ON DELETE SET NULL;
			END IF;
		END $$;
	`)
	if err != nil {
		return fmt.Errorf("failed to create current_site foreign key: %w", err)
	}

	indexes := []struct {
		name string
		ddl  string
	}{
		{"pending assignment", `CREATE INDEX IF NOT EXISTS idx_sites_pending_assignment ON sites (task_type, created_at) WHERE status = 'pending_assignment' AND assigned_worker_id IS NULL`},
		{"worker backlog", `CREATE INDEX IF NOT EXISTS idx_sites_worker_backlog ON sites (assigned_worker_id, task_type, updated_at) WHERE status = 'pending_submission'`},
		{"site status", `CREATE INDEX IF NOT EXISTS idx_sites_status ON sites (status)`},
		{"free workers", `CREATE INDEX IF NOT EXISTS idx_workers_free ON crawler_workers (last_heartbeat_at) WHERE status = 'online_idle' AND current_site_id IS NULL`},
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx.ddl); err != nil {
			return fmt.Errorf("failed to create %s index: %w", idx.name, err)
		}
	}

	if err := setupQueueTriggers(db); err != nil {
		return fmt.Errorf("failed to setup queue triggers: %w", err)
	}

	if err := seedTaskTypes(db); err != nil {
		return fmt.Errorf("failed to seed task types: %w", err)
	}

	return nil
}

// setupQueueTriggers wires NOTIFY events used to wake the reconciler early
func setupQueueTriggers(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE OR REPLACE FUNCTION notify_site_queued()
		RETURNS TRIGGER AS $$
		BEGIN
			IF NEW.status = 'pending_assignment'
				AND (TG_OP = 'INSERT' OR OLD.status IS DISTINCT FROM NEW.status) THEN
				PERFORM pg_notify('` + ChannelSiteQueued + `', NEW.id);
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify_site_queued function: %w", err)
	}

	_, err = db.Exec(`
		DROP TRIGGER IF EXISTS trigger_notify_site_queued ON sites;
		CREATE TRIGGER trigger_notify_site_queued
			AFTER INSERT OR UPDATE OF status ON sites
			FOR EACH ROW
			EXECUTE FUNCTION notify_site_queued();
	`)
	if err != nil {
		return fmt.Errorf("failed to create site queued trigger: %w", err)
	}

	_, err = db.Exec(`
		CREATE OR REPLACE FUNCTION notify_worker_idle()
		RETURNS TRIGGER AS $$
		BEGIN
			IF NEW.status = 'online_idle' AND OLD.status IS DISTINCT FROM NEW.status THEN
				PERFORM pg_notify('` + ChannelWorkerIdle + `', NEW.id);
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify_worker_idle function: %w", err)
	}

	_, err = db.Exec(`
		DROP TRIGGER IF EXISTS trigger_notify_worker_idle ON crawler_workers;
		CREATE TRIGGER trigger_notify_worker_idle
			AFTER UPDATE OF status ON crawler_workers
			FOR EACH ROW
			EXECUTE FUNCTION notify_worker_idle();
	`)
	if err != nil {
		return fmt.Errorf("failed to create worker idle trigger: %w", err)
	}

	return nil
}

// seedTaskTypes inserts the built-in task kinds without overwriting operator edits
func seedTaskTypes(db *sql.DB) error {
	for _, tt := range DefaultTaskTypes() {
		_, err := db.Exec(`
			INSERT INTO task_types (slug, name, description, is_active, is_terminal, required_fields)
			VALUES ($1, $2, $3, TRUE, $4, $5)
			ON CONFLICT (slug) DO NOTHING
		`, tt.Slug, tt.Name, tt.Description, tt.IsTerminal, string(tt.RequiredFields))
		if err != nil {
			return fmt.Errorf("failed to seed task type %s: %w", tt.Slug, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// ResetSchema drops and recreates the coordinator tables
func (db *DB) ResetSchema() error {
	log.Warn().Msg("Resetting PostgreSQL schema")

	// Order matters: sites references task_types, workers and sites reference each other
	tables := []string{"sites", "crawler_workers", "task_types"}
	for _, table := range tables {
		_, err := db.client.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table))
		if err != nil {
			log.Error().Err(err).Str("table", table).Msg("Failed to drop table")
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		log.Debug().Str("table", table).Msg("Dropped table")
	}

	if err := setupSchema(db.client); err != nil {
		log.Error().Err(err).Msg("Failed to recreate schema")
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	db.Cache.Clear()
	log.Info().Msg("Successfully reset database schema")
	return nil
}

// Serialise converts data to JSON string representation.
// It is named with British English spelling for consistency.
func Serialise(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}
