// Package pipeline runs the registered stages over a dataset in order.
//
// A run takes the dataset's lease from the store, executes every stage in
// registry order, publishes each succeeded result and stops at the first
// failure. Stage failures never escape Run; they are recorded on the
// returned PipelineRun.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/stages"
	"tomorecon/pkg/store"
)

// Recorder persists terminal runs outside the process.
type Recorder interface {
	Record(ctx context.Context, run *models.PipelineRun) error
}

// Options configure a Runner.
type Options struct {
	// Queue makes a run wait for the dataset's active run instead of
	// failing with Conflict.
	Queue    bool
	Recorder Recorder
	Logger   *zap.Logger
}

// Runner is the PipelineRunner. It is safe for concurrent use; runs on
// different datasets proceed in parallel, runs on the same dataset are
// serialized by the store.
type Runner struct {
	store    *store.Store
	registry *stages.Registry
	queue    bool
	recorder Recorder
	log      *zap.Logger

	mu        sync.RWMutex
	observers []func(models.StatusUpdate)
}

// NewRunner creates a runner over a store and a stage registry.
func NewRunner(st *store.Store, registry *stages.Registry, opts Options) *Runner {
	return &Runner{
		store:    st,
		registry: registry,
		queue:    opts.Queue,
		recorder: opts.Recorder,
		log:      common.OrNop(opts.Logger),
	}
}

// Registry returns the stage registry the runner executes.
func (r *Runner) Registry() *stages.Registry {
	return r.registry
}

// Queue reports whether runs wait for a busy dataset instead of failing
// with Conflict.
func (r *Runner) Queue() bool {
	return r.queue
}

// OnProgress registers an observer for stage transitions. Observers are
// called synchronously from the running goroutine and must not block.
func (r *Runner) OnProgress(fn func(models.StatusUpdate)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// emit delivers an update to every observer. A panicking observer is logged
// and does not stop the run.
func (r *Runner) emit(u models.StatusUpdate) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, fn := range observers {
		r.notify(fn, u)
	}
}

func (r *Runner) notify(fn func(models.StatusUpdate), u models.StatusUpdate) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("progress observer panicked", zap.String("dataset", u.DatasetID), zap.String("stage", u.Stage), zap.Any("panic", p))
		}
	}()
	fn(u)
}

// prepared is a run whose inputs have been checked but which does not hold
// the lease yet.
type prepared struct {
	runID     string
	ds        *models.Dataset
	params    map[string]stages.Params
	overrides models.Overrides
}

func (r *Runner) prepare(datasetID string, overrides models.Overrides) (*prepared, error) {
	ds, err := r.store.Get(datasetID)
	if err != nil {
		return nil, err
	}
	params, err := r.registry.Resolve(overrides)
	if err != nil {
		return nil, err
	}
	return &prepared{runID: uuid.NewString(), ds: ds, params: params, overrides: overrides}, nil
}

// Run executes the pipeline for one dataset.
//
// The returned error is non-nil only when the run could not start: unknown
// dataset, invalid overrides, a busy dataset without queueing, or ctx done
// while queued. Once started the run always ends Succeeded or Failed.
func (r *Runner) Run(ctx context.Context, datasetID string, overrides models.Overrides) (*models.PipelineRun, error) {
	p, err := r.prepare(datasetID, overrides)
	if err != nil {
		return nil, err
	}
	lease, err := r.store.Begin(ctx, datasetID, p.runID, r.queue)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, lease, p), nil
}

// Start runs the pipeline for one dataset in the background and returns the
// id the run will carry. Errors that Run would return before starting are
// returned directly, except that a queued run which never acquires the
// dataset reports its error through done. done, when not nil, is called
// once with the terminal run or that error.
func (r *Runner) Start(ctx context.Context, datasetID string, overrides models.Overrides, done func(*models.PipelineRun, error)) (string, error) {
	p, err := r.prepare(datasetID, overrides)
	if err != nil {
		return "", err
	}
	if done == nil {
		done = func(*models.PipelineRun, error) {}
	}

	if !r.queue {
		lease, err := r.store.Begin(ctx, datasetID, p.runID, false)
		if err != nil {
			return "", err
		}
		go func() { done(r.execute(ctx, lease, p), nil) }()
		return p.runID, nil
	}

	go func() {
		lease, err := r.store.Begin(ctx, datasetID, p.runID, true)
		if err != nil {
			done(nil, err)
			return
		}
		done(r.execute(ctx, lease, p), nil)
	}()
	return p.runID, nil
}

// execute runs every stage under the lease and releases it with the
// terminal run.
func (r *Runner) execute(ctx context.Context, lease *store.Lease, p *prepared) *models.PipelineRun {
	// released without history if anything below panics
	defer lease.Finish(nil)

	ds, datasetID := p.ds, lease.DatasetID
	descs := r.registry.Stages()
	run := &models.PipelineRun{
		ID:         lease.RunID,
		DatasetID:  datasetID,
		Generation: lease.Generation,
		Status:     models.RunRunning,
		Stages:     make([]models.StageResult, len(descs)),
		Overrides:  p.overrides,
		CreatedAt:  time.Now(),
	}
	log := r.log.With(zap.String("dataset", datasetID), zap.String("run", run.ID), zap.Int("generation", run.Generation))
	log.Info("run started", zap.Strings("stages", r.registry.Names()))

	for i, d := range descs {
		run.Stages[i] = models.StageResult{RunID: run.ID, Stage: d.Name, Status: models.StagePending}
		r.emit(models.StatusUpdate{DatasetID: datasetID, RunID: run.ID, Stage: d.Name, Status: models.StagePending})
	}

	position := make(map[string]int, len(descs))
	var (
		stopReason string
		canceled   bool
	)
	for i, d := range descs {
		position[d.Name] = i
		res := &run.Stages[i]

		if stopReason == "" && ctx.Err() != nil {
			stopReason, canceled = "run canceled", true
		}
		if stopReason != "" {
			r.skip(run, res, stopReason, canceled)
			continue
		}
		if blocked := r.blockedUpstream(run, position, d); blocked != "" {
			r.skip(run, res, blocked, false)
			stopReason = blocked
			continue
		}

		in := stages.Input{
			Dataset:  ds,
			Array:    ds.Projections,
			Upstream: make(map[string]models.StageResult, len(d.Upstream)),
			Params:   p.params[d.Name],
		}
		for _, up := range d.Upstream {
			in.Upstream[up] = run.Stages[position[up]]
		}
		if d.Input != stages.RawInput {
			in.Array = run.Stages[position[d.Input]].Array
		}

		res.Status = models.StageRunning
		res.StartedAt = time.Now()
		started := res.StartedAt
		in.Progress = func(done, total int) {
			r.emit(models.StatusUpdate{
				DatasetID: datasetID,
				RunID:     run.ID,
				Stage:     d.Name,
				Status:    models.StageRunning,
				Elapsed:   time.Since(started),
				Done:      done,
				Total:     total,
			})
		}
		r.emit(models.StatusUpdate{DatasetID: datasetID, RunID: run.ID, Stage: d.Name, Status: models.StageRunning})

		out, err := runStage(ctx, d, in)
		res.Duration = time.Since(res.StartedAt)
		if err == nil {
			res.Status = models.StageSucceeded
			res.Array, res.Scalar = out.Array, out.Scalar
			err = r.store.PutStageResult(datasetID, *res)
			if err != nil {
				res.Array, res.Scalar = nil, nil
			}
		}
		if err != nil {
			res.Status = models.StageFailed
			res.Err = &models.StageError{Kind: string(common.KindOf(err)), Message: common.Message(err)}
			stopReason = fmt.Sprintf("stage %s failed", d.Name)
			log.Warn("stage failed", zap.String("stage", d.Name), zap.Duration("duration", res.Duration), zap.Error(err))
		} else {
			log.Info("stage succeeded", zap.String("stage", d.Name), zap.Duration("duration", res.Duration))
		}
		r.emit(models.StatusUpdate{
			DatasetID: datasetID,
			RunID:     run.ID,
			Stage:     d.Name,
			Status:    res.Status,
			Elapsed:   res.Duration,
			Err:       res.Err,
		})
	}

	run.Status = run.DeriveStatus()
	run.FinishedAt = time.Now()
	final := detach(run)
	lease.Finish(final)
	log.Info("run finished", zap.String("status", string(run.Status)), zap.Duration("elapsed", run.FinishedAt.Sub(run.CreatedAt)))

	if r.recorder != nil {
		if err := r.recorder.Record(context.WithoutCancel(ctx), final); err != nil {
			log.Warn("recording run failed", zap.Error(err))
		}
	}
	return final
}

// RunAll runs the pipeline over every stored dataset, oldest first. Datasets
// that cannot start are reported in the joined error; the others still run.
func (r *Runner) RunAll(ctx context.Context, overrides models.Overrides) ([]*models.PipelineRun, error) {
	if err := r.registry.Validate(overrides); err != nil {
		return nil, err
	}
	var (
		runs []*models.PipelineRun
		errs []error
	)
	for _, ds := range r.store.List() {
		if ctx.Err() != nil {
			errs = append(errs, common.Wrap(common.Canceled, ctx.Err(), "dataset %s not started", ds.ID))
			continue
		}
		run, err := r.Run(ctx, ds.ID, overrides)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, errors.Join(errs...)
}

func (r *Runner) skip(run *models.PipelineRun, res *models.StageResult, reason string, canceled bool) {
	res.Status = models.StageSkipped
	res.Err = &models.StageError{Message: reason}
	if canceled {
		res.Err.Kind = string(common.Canceled)
	}
	r.emit(models.StatusUpdate{DatasetID: run.DatasetID, RunID: run.ID, Stage: res.Stage, Status: res.Status, Err: res.Err})
}

// blockedUpstream returns a reason when a declared upstream stage has not
// succeeded in this run.
func (r *Runner) blockedUpstream(run *models.PipelineRun, position map[string]int, d stages.Descriptor) string {
	for _, up := range d.Upstream {
		i, ok := position[up]
		if !ok {
			return fmt.Sprintf("upstream stage %s has not run", up)
		}
		if st := run.Stages[i].Status; st != models.StageSucceeded {
			return fmt.Sprintf("upstream stage %s is %s", up, st)
		}
	}
	return ""
}

// runStage runs a stage function and turns panics and malformed outputs into
// errors.
func runStage(ctx context.Context, d stages.Descriptor, in stages.Input) (out stages.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = common.Errorf(common.Internal, "stage %s panicked: %v", d.Name, p)
		}
	}()
	out, err = d.Run(ctx, in)
	if err != nil {
		return stages.Output{}, err
	}
	if (out.Array == nil) == (out.Scalar == nil) {
		return stages.Output{}, common.Errorf(common.Internal, "stage %s must produce exactly one of an array or a scalar", d.Name)
	}
	return out, nil
}

// detach copies a run for history without the stage arrays, which stay owned
// by the store.
func detach(run *models.PipelineRun) *models.PipelineRun {
	out := *run
	out.Stages = make([]models.StageResult, len(run.Stages))
	for i, s := range run.Stages {
		s.Array = nil
		out.Stages[i] = s
	}
	return &out
}
