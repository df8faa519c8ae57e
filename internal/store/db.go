package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OpenDB opens (creating if needed) the SQLite database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent step merges.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates the documents and profiles tables if absent.
// Table names come from deployment config and are validated as bare
// identifiers before being interpolated.
func Migrate(ctx context.Context, db *sql.DB, documentsTable, profilesTable string) error {
	for _, name := range []string{documentsTable, profilesTable} {
		if !identRe.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}

	docs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	iep_id              TEXT NOT NULL,
	child_id            TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	status              TEXT NOT NULL,
	current_step        TEXT NOT NULL DEFAULT '',
	progress            INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT,
	failed_step         TEXT,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	created_at_ms       INTEGER NOT NULL DEFAULT 0,
	document_url        TEXT NOT NULL DEFAULT '',
	content_ref         TEXT,
	summaries           TEXT,
	sections            TEXT,
	document_index      TEXT,
	abbreviations       TEXT,
	meeting_notes       TEXT,
	missing_info        TEXT,
	ocr_result          TEXT,
	redacted_ocr_result TEXT,
	PRIMARY KEY (iep_id, child_id)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_user_created ON %[1]s (user_id, created_at_ms);
`, documentsTable)

	profiles := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	user_id          TEXT PRIMARY KEY,
	languages        TEXT NOT NULL DEFAULT '["en"]',
	default_language TEXT NOT NULL DEFAULT 'en'
);
`, profilesTable)

	if _, err := db.ExecContext(ctx, docs); err != nil {
		return fmt.Errorf("failed to create %s: %w", documentsTable, err)
	}
	if _, err := db.ExecContext(ctx, profiles); err != nil {
		return fmt.Errorf("failed to create %s: %w", profilesTable, err)
	}
	return nil
}
