package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite call-record database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the call database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "calls.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent webhooks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
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

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

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

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
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

// --- Calls ---

const callColumns = `communication_id, call_date, client_audio_path, staff_audio_path,
	transcript_path, metadata, created_at, is_archived, archive_path, archive_date`

// InsertCallIfAbsent records the first observation of a call. The insert is
// ignore-on-conflict: metadata and call_date are first-write-wins and are
// never overwritten by later notifications. Returns whether a row was
// actually inserted.
func (s *Store) InsertCallIfAbsent(id string, callDate time.Time, metadata []byte) (bool, error) {
	var meta any
	if len(metadata) > 0 {
		meta = string(metadata)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		INSERT INTO calls (communication_id, call_date, metadata, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(communication_id) DO NOTHING`,
		id, callDate.UTC().Format(time.RFC3339), meta, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateCallPaths sets the non-nil path fields of a record. The transcript
// path only transitions away from unset or NO_WAV; once a real path is
// recorded no update can replace it, so corrective runs only add information.
func (s *Store) UpdateCallPaths(id string, upd PathUpdate) error {
	var sets []string
	var args []any

	if upd.ClientAudioPath != nil {
		sets = append(sets, "client_audio_path = ?")
		args = append(args, *upd.ClientAudioPath)
	}
	if upd.StaffAudioPath != nil {
		sets = append(sets, "staff_audio_path = ?")
		args = append(args, *upd.StaffAudioPath)
	}
	if upd.TranscriptPath != nil {
		sets = append(sets, `transcript_path = CASE
			WHEN transcript_path = '' OR transcript_path = '`+TranscriptNoWav+`' THEN ?
			ELSE transcript_path END`)
		args = append(args, *upd.TranscriptPath)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec("UPDATE calls SET "+strings.Join(sets, ", ")+" WHERE communication_id = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCall returns the record for one communication ID.
func (s *Store) GetCall(id string) (CallRecord, error) {
	row := s.db.QueryRow("SELECT "+callColumns+" FROM calls WHERE communication_id = ?", id)
	rec, err := scanCall(row)
	if err == sql.ErrNoRows {
		return CallRecord{}, ErrNotFound
	}
	return rec, err
}

// ProcessedIDs returns the set of communication IDs with a real transcript
// (non-empty and not NO_WAV). Used by the reconciliation sweep.
func (s *Store) ProcessedIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(`
		SELECT communication_id FROM calls
		WHERE transcript_path != '' AND transcript_path != ?`, TranscriptNoWav)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// CallsOlderThan returns unarchived calls whose call_date is more than days
// days in the past.
func (s *Store) CallsOlderThan(days int) ([]CallRecord, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT `+callColumns+` FROM calls
		WHERE call_date < ? AND is_archived = 0
		ORDER BY call_date ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalls(rows)
}

// CallsBetween returns calls in [from, till] ordered by call date, for the
// analysis export.
func (s *Store) CallsBetween(from, till time.Time) ([]CallRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+callColumns+` FROM calls
		WHERE call_date BETWEEN ? AND ?
		ORDER BY call_date ASC`,
		from.UTC().Format(time.RFC3339), till.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalls(rows)
}

// MarkArchived flips the archive flag and records where the bundle went.
func (s *Store) MarkArchived(id, archivePath string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE calls SET is_archived = 1, archive_path = ?, archive_date = ?
		WHERE communication_id = ?`, archivePath, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats counts total, archived, and active records.
func (s *Store) Stats() (CallStats, error) {
	var st CallStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(is_archived), 0) FROM calls`).
		Scan(&st.Total, &st.Archived)
	if err != nil {
		return CallStats{}, err
	}
	st.Active = st.Total - st.Archived
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var r CallRecord
	var callDate, createdAt string
	var metadata, archiveDate sql.NullString
	var archived int

	err := row.Scan(&r.CommunicationID, &callDate, &r.ClientAudioPath, &r.StaffAudioPath,
		&r.TranscriptPath, &metadata, &createdAt, &archived, &r.ArchivePath, &archiveDate)
	if err != nil {
		return CallRecord{}, err
	}

	if r.CallDate, err = time.Parse(time.RFC3339, callDate); err != nil {
		return CallRecord{}, fmt.Errorf("parsing call_date for %s: %w", r.CommunicationID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return CallRecord{}, fmt.Errorf("parsing created_at for %s: %w", r.CommunicationID, err)
	}
	if metadata.Valid {
		r.Metadata = []byte(metadata.String)
	}
	r.IsArchived = archived != 0
	if archiveDate.Valid {
		t, err := time.Parse(time.RFC3339, archiveDate.String)
		if err != nil {
			return CallRecord{}, fmt.Errorf("parsing archive_date for %s: %w", r.CommunicationID, err)
		}
		r.ArchiveDate = &t
	}
	return r, nil
}

func scanCalls(rows *sql.Rows) ([]CallRecord, error) {
	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
