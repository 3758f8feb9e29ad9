// Package store holds uploaded datasets and the stage results derived from them.
//
// Every dataset owns a run slot. A pipeline run must hold the slot (a Lease)
// before it may publish stage results, so two runs never write results for the
// same dataset at the same time.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

type entry struct {
	dataset    *models.Dataset
	results    map[string]models.StageResult
	runs       []*models.PipelineRun
	slot       chan struct{}
	activeRun  string
	generation int
}

// Store is an in-memory DatasetStore. Arrays live for the lifetime of the
// process or until Delete is called.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *zap.Logger
}

// New creates an empty store.
func New(log *zap.Logger) *Store {
	return &Store{
		entries: make(map[string]*entry),
		log:     common.OrNop(log),
	}
}

// Put ingests a dataset and returns its id. Flats and darks are optional but
// must share the projection frame (height x width) when present.
func (s *Store) Put(raw, flats, darks *models.Stack, meta models.Metadata) (string, error) {
	if err := raw.Validate(); err != nil {
		return "", common.Wrap(common.InvalidInput, err, "invalid projection stack")
	}
	for name, ref := range map[string]*models.Stack{"flat": flats, "dark": darks} {
		if ref == nil {
			continue
		}
		if err := ref.Validate(); err != nil {
			return "", common.Wrap(common.InvalidInput, err, "invalid %s stack", name)
		}
		if !ref.SameFrame(raw) {
			return "", common.Errorf(common.InvalidInput, "%s frame %dx%d does not match projection frame %dx%d",
				name, ref.Height, ref.Width, raw.Height, raw.Width)
		}
	}

	if meta.Angles == nil {
		meta.Angles = models.DefaultAngles(raw.Depth)
	}
	if len(meta.Angles) != raw.Depth {
		return "", common.Errorf(common.InvalidInput, "got %d angles for %d projections", len(meta.Angles), raw.Depth)
	}
	if meta.SliceCount == 0 {
		meta.SliceCount = raw.Height
	}
	if meta.Resolution == (models.Resolution{}) {
		meta.Resolution = models.Resolution{X: 1, Y: 1, Z: 1}
	}

	ds := &models.Dataset{
		ID:          uuid.NewString(),
		Projections: raw,
		Flats:       flats,
		Darks:       darks,
		Meta:        meta,
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.entries[ds.ID] = &entry{
		dataset: ds,
		results: make(map[string]models.StageResult),
		slot:    make(chan struct{}, 1),
	}
	s.mu.Unlock()

	s.log.Info("dataset stored",
		zap.String("dataset", ds.ID),
		zap.String("source", meta.SourceName),
		zap.Ints("shape", []int{raw.Depth, raw.Height, raw.Width}))
	return ds.ID, nil
}

// Get returns the dataset with the given id.
func (s *Store) Get(id string) (*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.dataset, nil
}

// List returns all datasets ordered by creation time.
func (s *Store) List() []*models.Dataset {
	s.mu.RLock()
	out := make([]*models.Dataset, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.dataset)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete tears a dataset down. A dataset with an active run cannot be deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return notFound(id)
	}
	if e.activeRun != "" {
		return common.Errorf(common.Conflict, "dataset %s has run %s in progress", id, e.activeRun)
	}
	delete(s.entries, id)
	s.log.Info("dataset deleted", zap.String("dataset", id))
	return nil
}

// PutStageResult publishes a succeeded stage result. The result must belong
// to the run currently holding the dataset's lease.
func (s *Store) PutStageResult(id string, result models.StageResult) error {
	if result.Status != models.StageSucceeded {
		return common.Errorf(common.InvalidInput, "only succeeded results are published, got %s for %s", result.Status, result.Stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return notFound(id)
	}
	if e.activeRun == "" || e.activeRun != result.RunID {
		return common.Errorf(common.Conflict, "run %s does not hold the lease for dataset %s", result.RunID, id)
	}
	e.results[result.Stage] = result
	return nil
}

// GetStageResult returns the published result for a stage. The boolean is
// false when the stage has no published result.
func (s *Store) GetStageResult(id, stage string) (models.StageResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return models.StageResult{}, false, notFound(id)
	}
	r, ok := e.results[stage]
	return r, ok, nil
}

// Runs returns the terminal runs of a dataset, oldest first.
func (s *Store) Runs(id string) ([]*models.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	out := make([]*models.PipelineRun, len(e.runs))
	for i, run := range e.runs {
		out[i] = run.Clone()
	}
	return out, nil
}

// ActiveRun returns the id of the run holding the lease, or "".
func (s *Store) ActiveRun(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return "", notFound(id)
	}
	return e.activeRun, nil
}

func notFound(id string) error {
	return common.Errorf(common.NotFound, "dataset %s not found", id)
}
