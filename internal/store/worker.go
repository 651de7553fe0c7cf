package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// task is one unit of work executed on the writer goroutine. The worker
// opens a transaction, runs fn, and commits (or rolls back) before replying.
type task struct {
	ctx  context.Context
	fn   func(*Session) error
	done chan error
}

// Worker owns the database session. Every read and write runs on its
// goroutine, which serializes all mutations without row-level locking.
type Worker struct {
	db     *sql.DB
	tasks  chan task
	quit   chan struct{}
	closed chan struct{}
	now    func() time.Time
}

func newWorker(db *sql.DB, now func() time.Time) *Worker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	w := &Worker{
		db:     db,
		tasks:  make(chan task, 64),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
		now:    now,
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.closed)
	for {
		select {
		case t := <-w.tasks:
			w.run(t)
		case <-w.quit:
			// Drain whatever was already queued before stopping.
			for {
				select {
				case t := <-w.tasks:
					w.run(t)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) run(t task) {
	select {
	case <-t.ctx.Done():
		t.done <- t.ctx.Err()
		return
	default:
	}
	t.done <- w.execute(t)
}

func (w *Worker) execute(t task) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s := &Session{tx: tx, now: w.now}
	if err := t.fn(s); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Run submits a scalar task and waits for its result. Errors from fn
// propagate unchanged; the transaction is rolled back on error and committed
// otherwise.
func (w *Worker) Run(ctx context.Context, fn func(*Session) error) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return fmt.Errorf("store worker is shut down")
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The task may still run; its result is discarded.
		return ctx.Err()
	case <-w.closed:
		// The drain finished; the task either just ran or was never picked up.
		select {
		case err := <-t.done:
			return err
		default:
			return fmt.Errorf("store worker is shut down")
		}
	}
}

// Step is one leg of a multi-step logical transaction: a DB part executed
// and committed on the worker, then an async part awaited off the worker.
// Either may be nil. State flows between steps through closures.
type Step struct {
	DB    func(*Session) error
	Await func(context.Context) error
}

// RunSteps is the generator-task form: each DB part commits before the
// following async part runs, so observers see stable state between legs and
// later steps may observe the results of earlier ones.
func (w *Worker) RunSteps(ctx context.Context, steps ...Step) error {
	for _, st := range steps {
		if st.DB != nil {
			if err := w.Run(ctx, st.DB); err != nil {
				return err
			}
		}
		if st.Await != nil {
			if err := st.Await(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// shutdown stops accepting tasks and waits for queued work to drain.
func (w *Worker) shutdown() {
	close(w.quit)
	<-w.closed
}

// Get runs a result-returning task on the worker.
func Get[T any](ctx context.Context, w *Worker, fn func(*Session) (T, error)) (T, error) {
	var out T
	err := w.Run(ctx, func(s *Session) error {
		var err error
		out, err = fn(s)
		return err
	})
	return out, err
}
