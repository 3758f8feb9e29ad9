package models

import "time"

// StageStatus is the lifecycle state of one stage within a run.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether no further transition can happen.
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

// RunStatus is the overall state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// StageError is the captured failure of a stage, kept verbatim for the user.
type StageError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StageResult is the outcome of one stage for one dataset.
// Exactly one of Array and Scalar is set on a succeeded result.
type StageResult struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Status    StageStatus   `json:"status"`
	Array     *Stack        `json:"-"`
	Scalar    *float64      `json:"scalar,omitempty"`
	Err       *StageError   `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Overrides maps stage name to parameter name to value.
type Overrides map[string]map[string]interface{}

// Merge returns a copy of o with top applied key by key. Neither input is
// modified.
func (o Overrides) Merge(top Overrides) Overrides {
	merged := make(Overrides, len(o)+len(top))
	for _, src := range []Overrides{o, top} {
		for stage, values := range src {
			if merged[stage] == nil {
				merged[stage] = make(map[string]interface{}, len(values))
			}
			for k, v := range values {
				merged[stage][k] = v
			}
		}
	}
	return merged
}

// PipelineRun is one end-to-end invocation of the pipeline for a dataset.
// Once its status is terminal it is never modified.
type PipelineRun struct {
	ID         string        `json:"id"`
	DatasetID  string        `json:"dataset_id"`
	Generation int           `json:"generation"`
	Status     RunStatus     `json:"status"`
	Stages     []StageResult `json:"stages"`
	Overrides  Overrides     `json:"overrides,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a copy of the run that shares no stage results, errors,
// scalars or override maps with r. Stage arrays are shared.
func (r *PipelineRun) Clone() *PipelineRun {
	out := *r
	out.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		if s.Scalar != nil {
			v := *s.Scalar
			s.Scalar = &v
		}
		if s.Err != nil {
			e := *s.Err
			s.Err = &e
		}
		out.Stages[i] = s
	}
	if r.Overrides != nil {
		out.Overrides = Overrides(nil).Merge(r.Overrides)
	}
	return &out
}

// DeriveStatus computes the run status from its stage statuses: succeeded only
// when every stage succeeded, failed when any stage failed or was skipped.
func (r *PipelineRun) DeriveStatus() RunStatus {
	allSucceeded := true
	for _, s := range r.Stages {
		switch s.Status {
		case StageFailed, StageSkipped:
			return RunFailed
		case StageSucceeded:
		default:
			allSucceeded = false
		}
	}
	if allSucceeded && len(r.Stages) > 0 {
		return RunSucceeded
	}
	return RunRunning
}

// Stage returns the result recorded for the named stage.
func (r *PipelineRun) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// FailedStage returns the first failed stage, if any.
func (r *PipelineRun) FailedStage() (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Status == StageFailed {
			return s, true
		}
	}
	return StageResult{}, false
}

// StatusUpdate is emitted by the runner after every stage transition.
type StatusUpdate struct {
	DatasetID string        `json:"dataset_id"`
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Status    StageStatus   `json:"status"`
	Elapsed   time.Duration `json:"elapsed"`
	// Done and Total count units of work, slices for reconstruction, while a
	// stage that reports them is running.
	Done  int         `json:"done,omitempty"`
	Total int         `json:"total,omitempty"`
	Err   *StageError `json:"error,omitempty"`
}
