// Package catalog keeps an SQLite index of the subjects in a dataset, the
// volume files of each pulse sequence, and the containers built from them.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"brainslices/internal/models"
	"brainslices/pkg/discovery"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicateScan is returned when a subject already has a different file for a sequence
var ErrDuplicateScan = errors.New("duplicate scan for subject and sequence")

// Catalog wraps the SQLite database
type Catalog struct {
	db *sql.DB
}

// Open connects to the SQLite database at dsn (":memory:" for a private
// in-memory catalog) and applies all pending migrations.
func Open(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close db as well
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close releases the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Index walks root with the discovery package and registers every file found.
// It returns the number of files registered.
func (c *Catalog) Index(ctx context.Context, root string) (int, error) {
	files, err := discovery.Discover(root)
	if err != nil {
		return 0, err
	}
	if err := c.Register(ctx, files); err != nil {
		return 0, err
	}
	return len(files), nil
}

// Register stores discovered files in a single transaction. Registering the
// same file twice is a no-op; a second, different file for the same subject
// and sequence fails with ErrDuplicateScan.
func (c *Catalog) Register(ctx context.Context, files []discovery.File) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, f := range files {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO subjects (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, f.Subject); err != nil {
			return fmt.Errorf("registering subject %s: %w", f.Subject, err)
		}
		var subjectID int64
		if err = tx.QueryRowContext(ctx,
			`SELECT subject_id FROM subjects WHERE name = ?`, f.Subject).Scan(&subjectID); err != nil {
			return fmt.Errorf("looking up subject %s: %w", f.Subject, err)
		}

		var existing string
		err = tx.QueryRowContext(ctx,
			`SELECT path FROM scans WHERE subject_id = ? AND sequence = ?`, subjectID, f.Sequence).Scan(&existing)
		switch {
		case err == nil && existing == f.Path:
			continue
		case err == nil:
			err = fmt.Errorf("%s %s: %s and %s: %w", f.Subject, f.Sequence, existing, f.Path, ErrDuplicateScan)
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if _, err = tx.ExecContext(ctx,
			`INSERT INTO scans (subject_id, sequence, path) VALUES (?, ?, ?)`, subjectID, f.Sequence, f.Path); err != nil {
			return fmt.Errorf("registering %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

// Pairs returns the subjects that have both a scan of the given sequence and
// a ground truth mask, ordered by subject name. limit <= 0 returns all.
func (c *Catalog) Pairs(ctx context.Context, sequence string, limit int) ([]models.Subject, error) {
	seq, err := discovery.CanonicalSequence(sequence)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT s.name, x.path, g.path
		FROM subjects s
		JOIN scans x ON x.subject_id = s.subject_id AND x.sequence = ?
		JOIN scans g ON g.subject_id = s.subject_id AND g.sequence = ?
		ORDER BY s.name
		LIMIT ?`, seq, discovery.GroundTruth, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		var s models.Subject
		if err := rows.Scan(&s.Name, &s.ScanPath, &s.TruthPath); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// Unpaired lists subjects that have only one of the sequence scan and the
// ground truth. They are never returned by Pairs.
func (c *Catalog) Unpaired(ctx context.Context, sequence string) ([]string, error) {
	seq, err := discovery.CanonicalSequence(sequence)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.name
		FROM subjects s
		JOIN scans x ON x.subject_id = s.subject_id AND x.sequence IN (?, ?)
		GROUP BY s.subject_id
		HAVING COUNT(DISTINCT x.sequence) = 1
		ORDER BY s.name`, seq, discovery.GroundTruth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Build describes one persisted train/test container
type Build struct {
	ID         uuid.UUID
	Sequence   string
	TestSize   float64
	Seed       int64
	Subjects   int
	TrainCount int
	TestCount  int
	Normalized bool
	Container  string
	CreatedAt  time.Time
}

// NewBuild returns a Build with a fresh identifier and the current time
func NewBuild() Build {
	return Build{ID: uuid.New(), CreatedAt: time.Now().UTC()}
}

// RecordBuild stores the provenance of a container
func (c *Catalog) RecordBuild(ctx context.Context, b Build) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO builds (build_id, sequence, test_size, seed, subjects, train_count, test_count, normalized, container, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.Sequence, b.TestSize, b.Seed, b.Subjects, b.TrainCount, b.TestCount,
		b.Normalized, b.Container, b.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording build %s: %w", b.ID, err)
	}
	return nil
}

// Builds returns all recorded builds, oldest first
func (c *Catalog) Builds(ctx context.Context) ([]Build, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT build_id, sequence, test_size, seed, subjects, train_count, test_count, normalized, container, created_at
		FROM builds ORDER BY created_at, build_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		var (
			b       Build
			id      string
			created int64
		)
		if err := rows.Scan(&id, &b.Sequence, &b.TestSize, &b.Seed, &b.Subjects, &b.TrainCount,
			&b.TestCount, &b.Normalized, &b.Container, &created); err != nil {
			return nil, err
		}
		if b.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad build id %q: %w", id, err)
		}
		b.CreatedAt = time.Unix(0, created).UTC()
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
