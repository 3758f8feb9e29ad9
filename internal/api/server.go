// Package api exposes datasets, pipeline runs and results over HTTP.
package api

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tomorecon/internal/common"
	"tomorecon/pkg/catalog"
	"tomorecon/pkg/history"
	"tomorecon/pkg/pipeline"
	"tomorecon/pkg/store"
)

// Deps are the components the server is glued onto. Ledger is optional;
// without it presets are unavailable and history is in-memory only.
type Deps struct {
	Store   *store.Store
	Runner  *pipeline.Runner
	Catalog *catalog.Catalog
	Ledger  *history.Ledger
	Logger  *zap.Logger
}

// Server owns the background runs started over HTTP.
type Server struct {
	store   *store.Store
	runner  *pipeline.Runner
	catalog *catalog.Catalog
	ledger  *history.Ledger
	tracker *pipeline.Tracker
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server and subscribes its progress tracker to the runner.
func NewServer(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:   deps.Store,
		runner:  deps.Runner,
		catalog: deps.Catalog,
		ledger:  deps.Ledger,
		tracker: pipeline.NewTracker(),
		log:     common.OrNop(deps.Logger),
		ctx:     ctx,
		cancel:  cancel,
	}
	deps.Runner.OnProgress(s.tracker.Observe)
	return s
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		datasets := api.Group("/datasets")
		{
			datasets.POST("", s.uploadDataset)
			datasets.GET("", s.listDatasets)
			datasets.GET("/:id", s.getDataset)
			datasets.DELETE("/:id", s.deleteDataset)

			datasets.POST("/:id/runs", s.startRun)
			datasets.GET("/:id/runs", s.listRuns)
			datasets.GET("/:id/progress", s.progress)

			datasets.GET("/:id/results", s.listResults)
			datasets.GET("/:id/results/:stage", s.resultInfo)
			datasets.GET("/:id/results/:stage/slices", s.pageSlices)
			datasets.GET("/:id/results/:stage/slices/:index", s.getSlice)
			datasets.GET("/:id/results/:stage/slices/:index/preview.png", s.previewSlice)
			datasets.GET("/:id/results/:stage/sections/:axis/:position", s.getSection)
			datasets.GET("/:id/results/:stage/sinograms/:row", s.getSinogram)
			datasets.GET("/:id/results/:stage/export", s.exportResult)
		}

		api.POST("/runs", s.runAll)
		api.GET("/exports/:stage", s.exportAll)

		presets := api.Group("/presets")
		{
			presets.GET("", s.listPresets)
			presets.GET("/:name", s.getPreset)
			presets.PUT("/:name", s.putPreset)
			presets.DELETE("/:name", s.deletePreset)
		}
	}
	return r
}

// Shutdown cancels background runs and waits for them to finish, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background run started so far has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
