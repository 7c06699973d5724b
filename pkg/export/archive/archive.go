// Package archive persists sealed spans in a local SQLite database so
// finished traces can be inspected offline with beacon query.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/andrewh/beacon/pkg/export"
	"github.com/andrewh/beacon/pkg/export/console"
	"github.com/andrewh/beacon/pkg/trace"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Archive is a span sink backed by one SQLite file. It satisfies the
// exporter contract, so it can sit behind a processor like any other sink.
type Archive struct {
	db      *sql.DB
	clock   clockz.Clock
	log     *zap.Logger
	stopped atomic.Bool
}

// Option configures the archive.
type Option func(*Archive)

// WithLogger sets the operational log sink.
func WithLogger(log *zap.Logger) Option {
	return func(a *Archive) { a.log = log }
}

// WithClock overrides the clock stamping row arrival times.
func WithClock(c clockz.Clock) Option {
	return func(a *Archive) { a.clock = c }
}

// Open opens or creates the database at path and brings its schema up to
// date. The parent directory is created if needed.
func Open(path string, opts ...Option) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	a := &Archive{
		db:    db,
		clock: clockz.RealClock,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating archive schema: %w", err)
	}
	return nil
}

const insertSpan = `
INSERT INTO spans (
	trace_id, span_id, parent_id, name, kind, tracer,
	start_unix_ns, end_unix_ns, status_code, status_desc,
	attributes, events, received_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trace_id, span_id) DO NOTHING`

// ExportSpans inserts the batch in one transaction. Redelivered spans
// collapse onto the existing row, so draining a spool twice is harmless.
func (a *Archive) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	if a.stopped.Load() {
		return fmt.Errorf("archive: %w", export.ErrStopped)
	}
	if len(spans) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting archive tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, insertSpan)
	if err != nil {
		return fmt.Errorf("preparing archive insert: %w", err)
	}
	defer stmt.Close()

	now := a.clock.Now().UnixNano()
	for _, s := range spans {
		rec := console.ToRecord(s)
		attrs, err := json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("encoding attributes for span %s: %w", rec.ID, err)
		}
		events, err := json.Marshal(rec.Events)
		if err != nil {
			return fmt.Errorf("encoding events for span %s: %w", rec.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			rec.TraceID, rec.ID, rec.ParentID, rec.Name, rec.Kind, s.TracerName(),
			s.StartTime().UnixNano(), s.EndTime().UnixNano(),
			rec.Status.Code, rec.Status.Description,
			string(attrs), string(events), now,
		)
		if err != nil {
			return fmt.Errorf("inserting span %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive tx: %w", err)
	}
	return nil
}

// Shutdown closes the database. Idempotent.
func (a *Archive) Shutdown(context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}
