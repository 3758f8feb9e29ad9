package pipeline

import (
	"sync"

	"tomorecon/internal/models"
)

// Tracker keeps the latest status of every stage of the most recent run per
// dataset. Register Observe with Runner.OnProgress.
type Tracker struct {
	mu     sync.RWMutex
	latest map[string]*runProgress
}

type runProgress struct {
	runID  string
	order  []string
	stages map[string]models.StatusUpdate
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{latest: make(map[string]*runProgress)}
}

// Observe records a status update.
func (t *Tracker) Observe(u models.StatusUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.latest[u.DatasetID]
	if !ok || p.runID != u.RunID {
		p = &runProgress{runID: u.RunID, stages: make(map[string]models.StatusUpdate)}
		t.latest[u.DatasetID] = p
	}
	if _, seen := p.stages[u.Stage]; !seen {
		p.order = append(p.order, u.Stage)
	}
	p.stages[u.Stage] = u
}

// Latest returns the stage statuses of the dataset's most recent run in
// stage order. ok is false when no run has been observed.
func (t *Tracker) Latest(datasetID string) (runID string, updates []models.StatusUpdate, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.latest[datasetID]
	if !ok {
		return "", nil, false
	}
	updates = make([]models.StatusUpdate, 0, len(p.order))
	for _, name := range p.order {
		updates = append(updates, p.stages[name])
	}
	return p.runID, updates, true
}

// Forget drops the progress of a deleted dataset.
func (t *Tracker) Forget(datasetID string) {
	t.mu.Lock()
	delete(t.latest, datasetID)
	t.mu.Unlock()
}
