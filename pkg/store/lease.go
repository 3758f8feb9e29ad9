package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

// Lease grants one run exclusive write access to a dataset's stage results.
type Lease struct {
	store      *Store
	DatasetID  string
	RunID      string
	Generation int
	once       sync.Once
}

// Begin acquires the run slot of a dataset for runID, or for a fresh id when
// runID is empty. With wait set the caller queues behind the active run
// until ctx is done; otherwise a busy dataset is a Conflict. Acquiring the
// slot clears previously published results so that every published result
// belongs to the same run.
func (s *Store) Begin(ctx context.Context, id, runID string, wait bool) (*Lease, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}

	select {
	case e.slot <- struct{}{}:
	default:
		if !wait {
			return nil, common.Errorf(common.Conflict, "dataset %s already has a run in progress", id)
		}
		s.log.Debug("run queued", zap.String("dataset", id))
		select {
		case e.slot <- struct{}{}:
		case <-ctx.Done():
			return nil, common.Wrap(common.Canceled, ctx.Err(), "waiting for dataset %s", id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[id]; !ok || cur != e {
		<-e.slot
		return nil, notFound(id)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	e.generation++
	e.activeRun = runID
	e.results = make(map[string]models.StageResult)

	return &Lease{
		store:      s,
		DatasetID:  id,
		RunID:      e.activeRun,
		Generation: e.generation,
	}, nil
}

// Finish records a copy of the terminal run in the dataset history and
// releases the slot. A nil run releases without recording. Calling Finish twice is a no-op.
func (l *Lease) Finish(run *models.PipelineRun) {
	l.once.Do(func() {
		s := l.store
		s.mu.Lock()
		e, ok := s.entries[l.DatasetID]
		held := ok && e.activeRun == l.RunID
		if held {
			if run != nil {
				kept := run.Clone()
				if kept.FinishedAt.IsZero() {
					kept.FinishedAt = time.Now()
				}
				e.runs = append(e.runs, kept)
			}
			e.activeRun = ""
		}
		s.mu.Unlock()
		if held {
			<-e.slot
		}
	})
}
