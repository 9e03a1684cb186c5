package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration is a single schema step, applied once and recorded in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: conversations, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS conversations (
			channel           TEXT NOT NULL,
			sender_id         TEXT NOT NULL,
			state             TEXT NOT NULL DEFAULT 'INITIAL',
			message_count     INTEGER NOT NULL DEFAULT 0,
			last_activity_ms  INTEGER NOT NULL DEFAULT 0,
			last_user_message TEXT NOT NULL DEFAULT '',
			last_reply        TEXT NOT NULL DEFAULT '',
			name              TEXT NOT NULL DEFAULT '',
			email             TEXT NOT NULL DEFAULT '',
			business_type     TEXT NOT NULL DEFAULT '',
			created_at_ms     INTEGER NOT NULL,
			PRIMARY KEY (channel, sender_id)
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity_ms);

		CREATE TABLE IF NOT EXISTS messages (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			channel       TEXT NOT NULL,
			sender_id     TEXT NOT NULL,
			mid           TEXT,
			direction     TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'text',
			text          TEXT NOT NULL DEFAULT '',
			processed     INTEGER NOT NULL DEFAULT 0,
			intent        TEXT NOT NULL DEFAULT '',
			latency_ms    INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(channel, sender_id, created_at_ms);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_mid ON messages(mid) WHERE mid IS NOT NULL AND mid != '';
		`,
	},
	{
		Version:     2,
		Description: "delivery and read receipts on messages",
		SQL: `
		ALTER TABLE messages ADD COLUMN is_delivered INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE messages ADD COLUMN is_read INTEGER NOT NULL DEFAULT 0;
		`,
	},
}

// RunMigrations brings the database up to schemaVersion.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range pending(current) {
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := applyInTx(db, m); err != nil {
			// A half-applied step (e.g. columns added by hand) fails as a batch.
			logger.Warn("migration batch failed, applying statement by statement", "version", m.Version, "err", err)
			if err := applyEach(db, m, logger); err != nil {
				return err
			}
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

func pending(current int) []migration {
	var out []migration
	for _, m := range migrations {
		if m.Version > current {
			out = append(out, m)
		}
	}
	return out
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func recordVersion(ex execer, m migration) error {
	_, err := ex.Exec(`INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)`, m.Version, m.Description)
	if err != nil {
		return fmt.Errorf("record schema v%d: %w", m.Version, err)
	}
	return nil
}

func applyInTx(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(m.SQL); err != nil {
		tx.Rollback()
		return err
	}
	if err := recordVersion(tx, m); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// applyEach skips statements whose effect is already present.
func applyEach(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		_, err := db.Exec(stmt)
		if err == nil {
			continue
		}
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
			logger.Debug("statement already applied", "version", m.Version, "stmt", truncate(stmt, 60))
			continue
		}
		return fmt.Errorf("schema v%d: %w (%s)", m.Version, err, truncate(stmt, 200))
	}
	return recordVersion(db, m)
}

func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	return version, err
}
