package storage

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite database that keeps profile revision history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) weirdion.db in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "weirdion.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: keeps ":memory:" a single database and avoids
	// "database is locked" between writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that are not yet recorded in
// schema_version, in filename order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	if _, err := tx.Exec(content); err != nil {
		tx.Rollback()
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Profile revisions ---

// RecordRevision stores document as a new revision unless it is identical to
// the most recent one.
func (s *Store) RecordRevision(document []byte, profileCount int) error {
	sum := sha256.Sum256(document)
	checksum := hex.EncodeToString(sum[:])

	var latest string
	err := s.db.QueryRow(`SELECT checksum FROM profile_revisions ORDER BY seq DESC LIMIT 1`).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading latest revision: %w", err)
	}
	if latest == checksum {
		return nil
	}

	_, err = s.db.Exec(`
		INSERT INTO profile_revisions (id, created_at, profile_count, checksum, document)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), s.now().UTC().Format(time.RFC3339Nano), profileCount, checksum, string(document),
	)
	if err != nil {
		return fmt.Errorf("inserting revision: %w", err)
	}
	return nil
}

// ListRevisions returns revisions newest first, without their documents.
func (s *Store) ListRevisions(limit, offset int) ([]Revision, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, profile_count, checksum
		FROM profile_revisions ORDER BY seq DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Revision
	for rows.Next() {
		var r Revision
		var createdAt string
		if err := rows.Scan(&r.ID, &createdAt, &r.ProfileCount, &r.Checksum); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetRevision returns a single revision including its document.
func (s *Store) GetRevision(id string) (Revision, error) {
	var r Revision
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, created_at, profile_count, checksum, document
		FROM profile_revisions WHERE id = ?`, id,
	).Scan(&r.ID, &createdAt, &r.ProfileCount, &r.Checksum, &r.Document)
	if err == sql.ErrNoRows {
		return Revision{}, ErrNotFound
	}
	if err != nil {
		return Revision{}, err
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Revision{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

// CountRevisions returns the number of stored revisions.
func (s *Store) CountRevisions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM profile_revisions`).Scan(&n)
	return n, err
}

// PruneRevisions deletes all but the newest keep revisions and returns how
// many were removed. keep <= 0 disables pruning.
func (s *Store) PruneRevisions(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM profile_revisions
		WHERE seq NOT IN (SELECT seq FROM profile_revisions ORDER BY seq DESC LIMIT ?)`, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning revisions: %w", err)
	}
	return res.RowsAffected()
}
