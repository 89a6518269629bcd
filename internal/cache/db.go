// Package cache provides SQLite-based caching for mirrored CRM contacts.
package cache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
)

func init() {
	// SQLite's lower() only folds ASCII.
	sqlite.MustRegisterDeterministicScalarFunction("fold", 1, fold)
}

// fold lower-cases text with Unicode rules; other values pass through.
func fold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// DB represents a SQLite database connection for caching families.
type DB struct {
	path string
	conn *sql.DB
	now  func() time.Time
}

// Family represents a cached contact from the patient families tag.
type Family struct {
	ID                 int64
	Name               string
	ContactType        string            // empty when the CRM sent none
	CreatedDate        string            // as received, not reparsed
	Tags               []json.RawMessage // stored as JSON array in database
	UpdatedAt          time.Time         // last local write
	LastEngagementDate string            // empty until the refresh pass sets it
}

// Cursor is the persisted progress of a named sync pass.
type Cursor struct {
	Name            string
	LastSyncedCount int
	UpdatedAt       time.Time
}

// ListOptions filters and pages ListFamilies.
type ListOptions struct {
	Search string // case-insensitive substring of name; empty matches all
	Offset int
	Limit  int // <= 0 means no limit
}

// ClearResult counts the rows removed by Clear.
type ClearResult struct {
	Families   int64
	SyncStates int64
}

// createFamiliesTableSQL defines the schema for the families table.
const createFamiliesTableSQL = `
CREATE TABLE IF NOT EXISTS families (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    contact_type TEXT,
    created_date TEXT,
    tags TEXT,  -- JSON array of opaque tag values
    updated_at TEXT NOT NULL,
    last_engagement_date TEXT
);
`

// createNameIndexSQL supports the name-ordered listing and refresh batches.
const createNameIndexSQL = `CREATE INDEX IF NOT EXISTS idx_families_name ON families(name)`

// createSyncStateTableSQL defines the schema for sync cursors, one row per pass.
const createSyncStateTableSQL = `
CREATE TABLE IF NOT EXISTS sync_state (
    name TEXT PRIMARY KEY,
    last_synced_count INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT
);
`

// InitDB creates or opens a SQLite database at the given path and initializes the schema.
func InitDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; the API server and FUSE view
	// read concurrently, so keep one connection to avoid "database is locked".
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec(createFamiliesTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create families table: %w", err)
	}

	if _, err := conn.Exec(createNameIndexSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create families index: %w", err)
	}

	if _, err := conn.Exec(createSyncStateTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create sync_state table: %w", err)
	}

	return &DB{
		path: path,
		conn: conn,
		now:  time.Now,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// UpsertFamily inserts a family or updates the mirrored fields of an existing one.
// updated_at is always set to the current time. last_engagement_date is only
// written when the family carries one, so a re-sync never clears it.
func (db *DB) UpsertFamily(ctx context.Context, family Family) error {
	tags := family.Tags
	if tags == nil {
		tags = []json.RawMessage{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return storageErr("upsert family", fmt.Errorf("failed to marshal tags: %w", err))
	}

	query := `
		INSERT INTO families (
			id, name, contact_type, created_date, tags, updated_at, last_engagement_date
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			contact_type = excluded.contact_type,
			created_date = excluded.created_date,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			last_engagement_date = COALESCE(excluded.last_engagement_date, families.last_engagement_date)
	`

	_, err = db.conn.ExecContext(ctx, query,
		family.ID,
		family.Name,
		nullString(family.ContactType),
		nullString(family.CreatedDate),
		string(tagsJSON),
		db.now().UTC().Format(time.RFC3339Nano),
		nullString(family.LastEngagementDate),
	)
	if err != nil {
		return storageErr("upsert family", err)
	}

	return nil
}

// SetEngagementDate updates only last_engagement_date for one family.
// An unknown id is not an error; the returned bool reports whether a row matched.
func (db *DB) SetEngagementDate(ctx context.Context, id int64, date string) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE families SET last_engagement_date = ? WHERE id = ?", date, id)
	if err != nil {
		return false, storageErr("set engagement date", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("set engagement date", err)
	}

	return rowsAffected > 0, nil
}

// GetFamily retrieves a family by id. Returns nil, nil when it is not cached.
func (db *DB) GetFamily(ctx context.Context, id int64) (*Family, error) {
	query := `
		SELECT id, name, contact_type, created_date, tags, updated_at, last_engagement_date
		FROM families
		WHERE id = ?
	`

	row := db.conn.QueryRowContext(ctx, query, id)
	family, err := scanFamilyFrom(row)
	if err != nil {
		return nil, storageErr("get family", err)
	}
	return family, nil
}

// CountFamilies counts cached families whose name contains search (all when empty).
func (db *DB) CountFamilies(ctx context.Context, search string) (int, error) {
	where, args := searchClause(search)

	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM families"+where, args...).Scan(&count); err != nil {
		return 0, storageErr("count families", err)
	}
	return count, nil
}

// ListFamilies returns one page of families ordered by name, plus the number
// of families matching the filter.
func (db *DB) ListFamilies(ctx context.Context, opts ListOptions) ([]Family, int, error) {
	total, err := db.CountFamilies(ctx, opts.Search)
	if err != nil {
		return nil, 0, err
	}

	where, args := searchClause(opts.Search)

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := `
		SELECT id, name, contact_type, created_date, tags, updated_at, last_engagement_date
		FROM families` + where + `
		ORDER BY name ASC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("list families", err)
	}
	defer rows.Close()

	families := []Family{}
	for rows.Next() {
		family, err := scanFamilyFrom(rows)
		if err != nil {
			return nil, 0, storageErr("list families", err)
		}
		families = append(families, *family)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list families", fmt.Errorf("error iterating rows: %w", err))
	}

	return families, total, nil
}

// Clear deletes every cached family and every sync cursor.
func (db *DB) Clear(ctx context.Context) (ClearResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return ClearResult{}, storageErr("clear", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	families, err := tx.ExecContext(ctx, "DELETE FROM families")
	if err != nil {
		return ClearResult{}, storageErr("clear families", err)
	}
	states, err := tx.ExecContext(ctx, "DELETE FROM sync_state")
	if err != nil {
		return ClearResult{}, storageErr("clear sync state", err)
	}

	var result ClearResult
	if result.Families, err = families.RowsAffected(); err != nil {
		return ClearResult{}, storageErr("clear families", err)
	}
	if result.SyncStates, err = states.RowsAffected(); err != nil {
		return ClearResult{}, storageErr("clear sync state", err)
	}

	if err := tx.Commit(); err != nil {
		return ClearResult{}, storageErr("clear", fmt.Errorf("failed to commit transaction: %w", err))
	}

	return result, nil
}

// ReadCursor returns the named cursor, or nil, nil if it was never written.
func (db *DB) ReadCursor(ctx context.Context, name string) (*Cursor, error) {
	var cursor Cursor
	var updatedAt sql.NullString

	err := db.conn.QueryRowContext(ctx,
		"SELECT name, last_synced_count, updated_at FROM sync_state WHERE name = ?", name,
	).Scan(&cursor.Name, &cursor.LastSyncedCount, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storageErr("read cursor", err)
	}

	if updatedAt.Valid {
		cursor.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}
	return &cursor, nil
}

// WriteCursor creates or overwrites the named cursor.
func (db *DB) WriteCursor(ctx context.Context, name string, value int) error {
	query := `
		INSERT INTO sync_state (name, last_synced_count, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_synced_count = excluded.last_synced_count,
			updated_at = excluded.updated_at
	`

	if _, err := db.conn.ExecContext(ctx, query, name, value, db.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return storageErr("write cursor", err)
	}
	return nil
}

// searchClause builds the WHERE clause for a case-insensitive name filter.
func searchClause(search string) (string, []interface{}) {
	if search == "" {
		return "", nil
	}
	return " WHERE instr(fold(name), fold(?)) > 0", []interface{}{search}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanFamilyFrom scans a row into a Family. Returns nil, nil on sql.ErrNoRows.
func scanFamilyFrom(s scanner) (*Family, error) {
	var family Family
	var contactType, createdDate, tags, lastEngagement sql.NullString
	var updatedAt string

	err := s.Scan(
		&family.ID,
		&family.Name,
		&contactType,
		&createdDate,
		&tags,
		&updatedAt,
		&lastEngagement,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan family: %w", err)
	}

	family.ContactType = contactType.String
	family.CreatedDate = createdDate.String
	family.LastEngagementDate = lastEngagement.String

	family.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &family.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	return &family, nil
}
