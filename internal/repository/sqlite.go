package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			name TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL,
			source TEXT NOT NULL,
			use_when TEXT,
			description TEXT,
			chrome_profile_name TEXT,
			account_email TEXT,
			account_name TEXT,
			has_account INTEGER NOT NULL DEFAULT 0,
			size_mb REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS action_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			profile TEXT NOT NULL,
			method TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			url TEXT,
			tab_id TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL DEFAULT 0,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_records_profile ON action_records(profile, id)`,
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			profile_name TEXT NOT NULL,
			port TEXT NOT NULL,
			pid INTEGER NOT NULL,
			headless INTEGER NOT NULL DEFAULT 1,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const profileColumns = `name, profile_id, path, source, use_when, description, chrome_profile_name,
	account_email, account_name, has_account, size_mb, created_at, updated_at`

// CreateProfile inserts a new profile record.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p *domain.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.ID, p.Path, string(p.Source), p.UseWhen, p.Description, p.ChromeProfileName,
		p.AccountEmail, p.AccountName, p.HasAccount, p.SizeMB, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.WrapError(domain.KindDuplicateName, err, "profile %q already exists", p.Name)
	}
	return err
}

// GetProfile retrieves a profile by name. It returns nil, nil when absent.
func (s *SQLiteStore) GetProfile(ctx context.Context, name string) (*domain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name)
	return scanProfileRow(row)
}

// GetProfileByID retrieves a profile by its derived id. It returns nil, nil when absent.
func (s *SQLiteStore) GetProfileByID(ctx context.Context, id string) (*domain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE profile_id = ?`, id)
	return scanProfileRow(row)
}

// ListProfiles returns all profiles ordered by name.
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// UpdateProfile rewrites the mutable fields of a profile.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, p *domain.Profile) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET use_when = ?, description = ?, chrome_profile_name = ?, account_email = ?,
			account_name = ?, has_account = ?, updated_at = ? WHERE name = ?`,
		p.UseWhen, p.Description, p.ChromeProfileName, p.AccountEmail, p.AccountName, p.HasAccount,
		p.UpdatedAt, p.Name)
	if err != nil {
		return err
	}
	return requireRow(res, "profile", p.Name)
}

// RenameProfile moves a profile record and its action history to a new name.
func (s *SQLiteStore) RenameProfile(ctx context.Context, oldName string, p *domain.Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE profiles SET name = ?, profile_id = ?, path = ?, use_when = ?, description = ?, updated_at = ?
			WHERE name = ?`,
		p.Name, p.ID, p.Path, p.UseWhen, p.Description, p.UpdatedAt, oldName)
	if isUniqueViolation(err) {
		return domain.WrapError(domain.KindDuplicateName, err, "profile %q already exists", p.Name)
	}
	if err != nil {
		return err
	}
	if err := requireRow(res, "profile", oldName); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE action_records SET profile = ? WHERE profile = ?`, p.Name, oldName); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateProfileSize stores a freshly computed directory size.
func (s *SQLiteStore) UpdateProfileSize(ctx context.Context, name string, sizeMB float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET size_mb = ? WHERE name = ?`, sizeMB, name)
	return err
}

// DeleteProfile removes a profile record and its action history.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if err := requireRow(res, "profile", name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_records WHERE profile = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordAction appends an action record and trims the profile history to keep entries.
func (s *SQLiteStore) RecordAction(ctx context.Context, r *domain.ActionRecord, keep int) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_records (profile, method, endpoint, url, tab_id, duration_ms, status, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Profile, r.Method, r.Endpoint, r.URL, r.TabID, r.DurationMs, r.Status, r.Timestamp)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	if keep <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM action_records WHERE profile = ? AND id NOT IN (
			SELECT id FROM action_records WHERE profile = ? ORDER BY id DESC LIMIT ?)`,
		r.Profile, r.Profile, keep)
	return err
}

// ListActions returns the most recent action records of a profile, newest first.
func (s *SQLiteStore) ListActions(ctx context.Context, profile string, limit int) ([]domain.ActionRecord, error) {
	query := `SELECT id, profile, method, endpoint, url, tab_id, duration_ms, status, ts
		FROM action_records WHERE profile = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, profile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ActionRecord
	for rows.Next() {
		var r domain.ActionRecord
		var url, tabID sql.NullString
		if err := rows.Scan(&r.ID, &r.Profile, &r.Method, &r.Endpoint, &url, &tabID, &r.DurationMs, &r.Status, &r.Timestamp); err != nil {
			return nil, err
		}
		r.URL = url.String
		r.TabID = tabID.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveInstance records a spawned child so it can be re-adopted after a restart.
func (s *SQLiteStore) SaveInstance(ctx context.Context, e *domain.InstanceJournalEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO instances (instance_id, profile_name, port, pid, headless, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProfileName, e.Port, e.PID, e.Headless, e.StartedAt)
	return err
}

// DeleteInstance forgets a journal entry. Deleting a missing entry is not an error.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, instanceID)
	return err
}

// ListInstances returns all journal entries, oldest first.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]domain.InstanceJournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, profile_name, port, pid, headless, started_at FROM instances ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.InstanceJournalEntry
	for rows.Next() {
		var e domain.InstanceJournalEntry
		if err := rows.Scan(&e.ID, &e.ProfileName, &e.Port, &e.PID, &e.Headless, &e.StartedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProfileRow(row *sql.Row) (*domain.Profile, error) {
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanProfile(row rowScanner) (*domain.Profile, error) {
	var p domain.Profile
	var source string
	var useWhen, description, chromeName, email, accountName sql.NullString
	if err := row.Scan(&p.Name, &p.ID, &p.Path, &source, &useWhen, &description, &chromeName,
		&email, &accountName, &p.HasAccount, &p.SizeMB, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Source = domain.ProfileSource(source)
	p.UseWhen = useWhen.String
	p.Description = description.String
	p.ChromeProfileName = chromeName.String
	p.AccountEmail = email.String
	p.AccountName = accountName.String
	return &p, nil
}

func requireRow(res sql.Result, what, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewError(domain.KindNotFound, "%s %q not found", what, key)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
