package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Entry is one persisted tracking artifact.
type Entry struct {
	CycleID    string
	CapturedAt time.Time
	Path       string
	IDs        []int
}

// Journal is an append-only sqlite log of persisted object ids. It mirrors what the
// artifact names record so that a restart does not depend on the image tree alone.
type Journal struct {
	db   *sql.DB
	path string
}

var journalMigrations = []string{
	`CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		captured_at DATETIME NOT NULL,
		path TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artifact_objects (
		artifact_id INTEGER NOT NULL REFERENCES artifacts(id),
		object_id INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifact_objects_object ON artifact_objects(object_id)`,
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %s", path)
	}
	for _, stmt := range journalMigrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "migrating journal")
		}
	}
	return &Journal{db: db, path: path}, nil
}

// Path returns the database file of the journal.
func (j *Journal) Path() string {
	return j.path
}

// Append records e in a single transaction.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting journal transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (cycle_id, captured_at, path) VALUES (?, ?, ?)`,
		e.CycleID, e.CapturedAt.UTC(), e.Path)
	if err != nil {
		return errors.Wrap(err, "inserting artifact")
	}
	artifactID, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "reading artifact id")
	}
	for _, id := range e.IDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifact_objects (artifact_id, object_id) VALUES (?, ?)`,
			artifactID, id); err != nil {
			return errors.Wrapf(err, "inserting object %d", id)
		}
	}
	return errors.Wrap(tx.Commit(), "committing journal entry")
}

// Counts returns how many artifacts each object id appears in.
func (j *Journal) Counts(ctx context.Context) (map[int]int, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT object_id, COUNT(*) FROM artifact_objects GROUP BY object_id`)
	if err != nil {
		return nil, errors.Wrap(err, "querying journal counts")
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var id, n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.Wrap(err, "scanning journal counts")
		}
		counts[id] = n
	}
	return counts, errors.Wrap(rows.Err(), "iterating journal counts")
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
