package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store exposes the persistent state behind the single-writer worker.
// Public methods may be called from any goroutine; each one runs as a task
// on the worker and is committed before it returns.
type Store struct {
	db *sql.DB
	w  *Worker
}

// Open opens (creating if needed) the sqlite database at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	return open(path, nil)
}

// OpenWithClock opens the store with an injected clock, for tests that need
// deterministic timestamps.
func OpenWithClock(path string, now func() time.Time) (*Store, error) {
	return open(path, now)
}

func open(path string, now func() time.Time) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: the worker is the only user and an in-memory database
	// exists per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db, w: newWorker(db, now)}, nil
}

// Close drains the worker queue and closes the database.
func (s *Store) Close() error {
	s.w.shutdown()
	return s.db.Close()
}

// Run submits a scalar task to the worker.
func (s *Store) Run(ctx context.Context, fn func(*Session) error) error {
	return s.w.Run(ctx, fn)
}

// RunSteps submits a step-sequence task to the worker.
func (s *Store) RunSteps(ctx context.Context, steps ...Step) error {
	return s.w.RunSteps(ctx, steps...)
}

// Worker exposes the underlying worker for the generic Get helper.
func (s *Store) Worker() *Worker { return s.w }

// Pull request operations.

func (s *Store) GetPullRequest(ctx context.Context, prid int64) (*PullRequest, error) {
	return Get(ctx, s.w, func(se *Session) (*PullRequest, error) { return se.GetPullRequest(prid) })
}

func (s *Store) ListActivePullRequests(ctx context.Context) ([]*PullRequest, error) {
	return Get(ctx, s.w, func(se *Session) ([]*PullRequest, error) { return se.ListActivePullRequests() })
}

func (s *Store) InsertPullRequest(ctx context.Context, pr *PullRequest) error {
	return s.w.Run(ctx, func(se *Session) error { return se.InsertPullRequest(pr) })
}

func (s *Store) UpdatePullRequest(ctx context.Context, pr *PullRequest) error {
	return s.w.Run(ctx, func(se *Session) error { return se.UpdatePullRequest(pr) })
}

// Builder operations.

func (s *Store) GetBuilder(ctx context.Context, bid int64) (*Builder, error) {
	return Get(ctx, s.w, func(se *Session) (*Builder, error) { return se.GetBuilder(bid) })
}

func (s *Store) GetBuilderByName(ctx context.Context, internalName string) (*Builder, error) {
	return Get(ctx, s.w, func(se *Session) (*Builder, error) { return se.GetBuilderByName(internalName) })
}

func (s *Store) ListActiveBuilders(ctx context.Context) ([]*Builder, error) {
	return Get(ctx, s.w, func(se *Session) ([]*Builder, error) { return se.ListActiveBuilders() })
}

// ReconcileBuilders applies the configured builder set at startup.
func (s *Store) ReconcileBuilders(ctx context.Context, specs []BuilderSpec) error {
	return s.w.Run(ctx, func(se *Session) error { return se.ReconcileBuilders(specs) })
}

// Status operations.

func (s *Store) GetActiveStatus(ctx context.Context, prid, bid int64) (*Status, error) {
	return Get(ctx, s.w, func(se *Session) (*Status, error) { return se.GetActiveStatus(prid, bid) })
}

func (s *Store) GetStatusByRequest(ctx context.Context, prid, bid, brid int64) (*Status, error) {
	return Get(ctx, s.w, func(se *Session) (*Status, error) { return se.GetStatusByRequest(prid, bid, brid) })
}

func (s *Store) GetStatusByBuildNumber(ctx context.Context, prid, bid, buildNumber int64) (*Status, error) {
	return Get(ctx, s.w, func(se *Session) (*Status, error) {
		return se.GetStatusByBuildNumber(prid, bid, buildNumber)
	})
}

func (s *Store) ListActiveStatuses(ctx context.Context) ([]*Status, error) {
	return Get(ctx, s.w, func(se *Session) ([]*Status, error) { return se.ListActiveStatuses() })
}

func (s *Store) ListActiveStatusesForPR(ctx context.Context, prid int64) ([]*Status, error) {
	return Get(ctx, s.w, func(se *Session) ([]*Status, error) { return se.ListActiveStatusesForPR(prid) })
}

func (s *Store) AppendStatus(ctx context.Context, st *Status) error {
	return s.w.Run(ctx, func(se *Session) error { return se.AppendStatus(st) })
}

func (s *Store) UpdateStatus(ctx context.Context, st *Status) error {
	return s.w.Run(ctx, func(se *Session) error { return se.UpdateStatus(st) })
}

func (s *Store) DeleteStatus(ctx context.Context, st *Status) error {
	return s.w.Run(ctx, func(se *Session) error { return se.DeleteStatus(st) })
}

func (s *Store) PickNextForBuilder(ctx context.Context, bid int64) (*Status, error) {
	return Get(ctx, s.w, func(se *Session) (*Status, error) { return se.PickNextForBuilder(bid) })
}

// ResetInterrupted requeues SCHEDULING/BUILDING rows from a previous run.
func (s *Store) ResetInterrupted(ctx context.Context) (int64, error) {
	return Get(ctx, s.w, func(se *Session) (int64, error) { return se.ResetInterrupted() })
}
