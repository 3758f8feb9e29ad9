package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

// RunRequest starts a pipeline run. Overrides are applied on top of the
// named preset, key by key.
type RunRequest struct {
	Preset    string           `json:"preset"`
	Overrides models.Overrides `json:"overrides"`
}

// startRun validates the request and takes the dataset's run slot, then
// runs the pipeline in the background and answers 202 with the run id.
// Progress is polled from /progress.
func (s *Server) startRun(c *gin.Context) {
	id := c.Param("id")
	overrides, ok := s.runOverrides(c)
	if !ok {
		return
	}
	runID, err := s.start(id, overrides)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"dataset_id": id, "run_id": runID})
}

// StartedRun pairs a dataset with the run started for it.
type StartedRun struct {
	DatasetID string `json:"dataset_id"`
	RunID     string `json:"run_id"`
}

// RunFailure is a dataset whose run could not start.
type RunFailure struct {
	DatasetID string `json:"dataset_id"`
	ErrorResponse
}

// runAll starts the pipeline on every stored dataset, oldest first. Datasets
// that cannot start are listed with their error; the others run.
func (s *Server) runAll(c *gin.Context) {
	overrides, ok := s.runOverrides(c)
	if !ok {
		return
	}
	started := []StartedRun{}
	failed := []RunFailure{}
	for _, ds := range s.store.List() {
		runID, err := s.start(ds.ID, overrides)
		if err != nil {
			kind := common.KindOf(err)
			failed = append(failed, RunFailure{DatasetID: ds.ID, ErrorResponse: ErrorResponse{Error: err.Error(), Kind: string(kind)}})
			continue
		}
		started = append(started, StartedRun{DatasetID: ds.ID, RunID: runID})
	}
	c.JSON(http.StatusAccepted, gin.H{"runs": started, "failed": failed})
}

// runOverrides decodes the optional request body and resolves it to
// validated overrides, answering the request itself on error.
func (s *Server) runOverrides(c *gin.Context) (models.Overrides, bool) {
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, common.Wrap(common.InvalidParameter, err, "decoding run request"))
			return nil, false
		}
	}
	overrides, err := s.mergePreset(c, req)
	if err == nil {
		err = s.runner.Registry().Validate(overrides)
	}
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return overrides, true
}

// start hands a run to the runner and tracks it until it ends.
func (s *Server) start(id string, overrides models.Overrides) (string, error) {
	s.wg.Add(1)
	runID, err := s.runner.Start(s.ctx, id, overrides, func(run *models.PipelineRun, err error) {
		defer s.wg.Done()
		if err != nil {
			s.log.Warn("queued run not started", zap.String("dataset", id), zap.Error(err))
			return
		}
		s.log.Info("run finished",
			zap.String("dataset", id),
			zap.String("run", run.ID),
			zap.String("status", string(run.Status)))
	})
	if err != nil {
		s.wg.Done()
		return "", err
	}
	return runID, nil
}

func (s *Server) mergePreset(c *gin.Context, req RunRequest) (models.Overrides, error) {
	if req.Preset == "" {
		return req.Overrides, nil
	}
	if s.ledger == nil {
		return nil, common.Errorf(common.InvalidParameter, "presets are not available without a ledger")
	}
	p, err := s.ledger.Preset(c.Request.Context(), req.Preset)
	if err != nil {
		return nil, err
	}
	return p.Overrides.Merge(req.Overrides), nil
}

// listRuns returns the run history of a dataset. Deleted datasets are
// answered from the ledger when one is configured.
func (s *Server) listRuns(c *gin.Context) {
	id := c.Param("id")
	runs, err := s.store.Runs(id)
	if common.IsKind(err, common.NotFound) && s.ledger != nil {
		runs, err = s.ledger.Runs(c.Request.Context(), id)
		if err == nil && len(runs) == 0 {
			err = common.Errorf(common.NotFound, "dataset %s not found", id)
		}
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) progress(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(id); err != nil {
		fail(c, err)
		return
	}
	runID, updates, ok := s.tracker.Latest(id)
	if !ok {
		fail(c, common.Errorf(common.NotFound, "dataset %s has not been run", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "stages": updates})
}
