// Package delivery runs one list delivery: it fans rows out to partial-file workers,
// merges their output, and drives the remote operations through to the reservation.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/experian_v2/internal/csvfile"
	"github.com/msageha/experian_v2/internal/lock"
	"github.com/msageha/experian_v2/internal/model"
	"github.com/msageha/experian_v2/internal/remote"
)

// Remote is the subset of remote.Client the orchestrator drives.
type Remote interface {
	Upload(ctx context.Context, path string) error
	Check(ctx context.Context) error
	DeliveryTest(ctx context.Context) error
	Reserve(ctx context.Context) error
}

type statsReporter interface {
	Stats() remote.Stats
}

// Orchestrator owns one run. It is not reusable: Run may be called once.
type Orchestrator struct {
	task   model.Task
	schema model.Schema
	remote Remote
	logger *zap.Logger
	now    func() time.Time
	runID  string

	mu          sync.Mutex
	started     bool
	state       State
	transitions []Transition
	merged      csvfile.MergeResult
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

func New(task model.Task, schema model.Schema, r Remote, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		task:   task,
		schema: schema.Clone(),
		remote: r,
		logger: zap.NewNop(),
		now:    time.Now,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.With(zap.String("run_id", o.runID), zap.String("prefix", task.TmpfilePrefix))
	return o
}

func (o *Orchestrator) RunID() string {
	return o.runID
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Transitions() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.transitions...)
}

// Run executes the delivery. With sources, each source is drained by its own worker
// into a partial file first; without sources, the partial files already in tmpdir
// (written by an external pipeline) are delivered. Failures are returned as *StepError.
func (o *Orchestrator) Run(ctx context.Context, sources ...csvfile.BatchSource) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("delivery: run already started")
	}
	o.started = true
	o.mu.Unlock()

	startedAt := o.now()
	o.logger.Info("run started",
		zap.Int("workers", len(sources)),
		zap.String("tmpdir", o.task.Tmpdir),
		zap.Stringer("book_time", o.task.Book))

	if err := o.task.EnsureTmpdir(); err != nil {
		return o.fail(StateIdle, err)
	}
	fl := lock.NewFileLock(o.task.LockPath())
	if err := fl.TryLock(); err != nil {
		return o.fail(StateIdle, err)
	}

	runErr := o.steps(ctx, sources)
	if runErr == nil {
		if err := o.transition(StateDone); err != nil {
			runErr = o.fail(StateReserving, err)
		}
	}

	cleanupErr := csvfile.Cleanup(o.task, o.logger)
	if cleanupErr != nil {
		o.logger.Warn("cleanup incomplete", zap.Error(cleanupErr))
	}
	if err := fl.Unlock(); err != nil {
		o.logger.Warn("release lock failed", zap.Error(err))
	}
	o.writeReport(startedAt, runErr, cleanupErr)

	if runErr != nil {
		o.logger.Error("run failed", zap.Error(runErr))
		return runErr
	}
	o.logger.Info("run finished",
		zap.Int("rows", o.merged.Rows),
		zap.Duration("elapsed", o.now().Sub(startedAt)))
	return nil
}

func (o *Orchestrator) steps(ctx context.Context, sources []csvfile.BatchSource) error {
	if len(sources) > 0 {
		if err := o.step(ctx, StateIngesting, func(ctx context.Context) error {
			return o.ingest(ctx, sources)
		}); err != nil {
			return err
		}
	}

	if err := o.step(ctx, StateMerging, func(context.Context) error {
		res, err := csvfile.Merge(o.task, o.schema, o.logger)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.merged = res
		o.mu.Unlock()
		o.logger.Info("partial files merged",
			zap.String("merged", res.Path),
			zap.Int("parts", len(res.Parts)),
			zap.Int("rows", res.Rows),
			zap.Int("replaced", res.Replaced))
		return nil
	}); err != nil {
		return err
	}

	if err := o.step(ctx, StateUploading, func(ctx context.Context) error {
		return o.remote.Upload(ctx, o.task.MergedPath())
	}); err != nil {
		return err
	}
	if err := o.step(ctx, StateChecking, o.remote.Check); err != nil {
		return err
	}
	if o.task.HasDeliveryTest() {
		if err := o.step(ctx, StateTestSending, o.remote.DeliveryTest); err != nil {
			return err
		}
	}
	return o.step(ctx, StateReserving, o.remote.Reserve)
}

func (o *Orchestrator) step(ctx context.Context, s State, fn func(context.Context) error) error {
	if err := o.transition(s); err != nil {
		return o.fail(o.State(), err)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(s, err)
	}
	if err := fn(ctx); err != nil {
		return o.fail(s, err)
	}
	return nil
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	from := o.state
	if err := ValidateTransition(from, to); err != nil {
		o.mu.Unlock()
		return err
	}
	o.state = to
	o.transitions = append(o.transitions, Transition{From: from, To: to, At: o.now()})
	o.mu.Unlock()

	o.logger.Info("state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// fail moves the run to failed and wraps err with the step it happened in.
func (o *Orchestrator) fail(s State, err error) error {
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		stepErr = &StepError{State: s, Err: err}
	}
	if o.State() != StateFailed {
		if terr := o.transition(StateFailed); terr != nil {
			o.logger.Error("cannot record failure", zap.Error(terr))
		}
	}
	return stepErr
}

// ingest drains every source concurrently, one worker and one partial file per source.
// Wait is the barrier: merging starts only after every worker has closed its file.
func (o *Orchestrator) ingest(ctx context.Context, sources []csvfile.BatchSource) error {
	if err := o.removeStalePartials(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			return o.work(gctx, i, src)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) work(ctx context.Context, index int, src csvfile.BatchSource) (err error) {
	w := csvfile.NewPartialWriter(o.task, index)
	logger := o.logger.With(zap.Int("worker", index))
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	batchSize := o.task.BatchSize
	if batchSize <= 0 {
		batchSize = model.DefaultBatchSize
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := src.NextBatch()
		if errors.Is(err, io.EOF) {
			logger.Debug("worker finished", zap.String("partial", w.Path()), zap.Int("rows", w.Lines()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker %d: read batch: %w", index, err)
		}
		for _, row := range batch {
			if err := o.schema.Check(row); err != nil {
				return fmt.Errorf("worker %d: %w", index, err)
			}
		}
		for len(batch) > 0 {
			n := min(batchSize, len(batch))
			if err := w.AppendRows(batch[:n]); err != nil {
				return fmt.Errorf("worker %d: %w", index, err)
			}
			batch = batch[n:]
		}
	}
}

// removeStalePartials drops partial files left by an earlier attempt with the same
// prefix, so appends start from empty files.
func (o *Orchestrator) removeStalePartials() error {
	parts, err := csvfile.PartialFiles(o.task)
	if err != nil {
		return err
	}
	for _, p := range parts {
		o.logger.Warn("removing stale partial file", zap.String("path", p))
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove stale partial %s: %w", csvfile.ErrIO, p, err)
		}
	}
	return nil
}
