package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/catalog"
	"tomorecon/pkg/history"
	"tomorecon/pkg/phantom"
	"tomorecon/pkg/pipeline"
	"tomorecon/pkg/stages"
	"tomorecon/pkg/store"
	"tomorecon/pkg/tiffstack"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv    *Server
	router *gin.Engine
}

func newTestServer(t *testing.T, withLedger bool) *testServer {
	t.Helper()
	st := store.New(nil)
	registry := stages.Default(stages.Options{Workers: 2})

	var ledger *history.Ledger
	var recorder pipeline.Recorder
	if withLedger {
		var err error
		ledger, err = history.Open(history.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"), registry, nil)
		require.NoError(t, err)
		t.Cleanup(func() { ledger.Close() })
		recorder = ledger
	}
	runner := pipeline.NewRunner(st, registry, pipeline.Options{Queue: true, Recorder: recorder})
	srv := NewServer(Deps{
		Store:   st,
		Runner:  runner,
		Catalog: catalog.New(st, registry),
		Ledger:  ledger,
	})
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &testServer{srv: srv, router: srv.Router()}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) get(path string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (ts *testServer) sendJSON(method, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return ts.do(req)
}

func multipartUpload(t *testing.T, files map[string]string, stacks map[string]*models.Stack, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, name := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		if s, ok := stacks[field]; ok {
			data, err := tiffstack.EncodeBytes(s)
			require.NoError(t, err)
			_, err = part.Write(data)
			require.NoError(t, err)
		}
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/datasets", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// uploadPhantom uploads a transmission acquisition of an off-axis blob
// rotating about detector position 34 and returns the dataset id.
func (ts *testServer) uploadPhantom(t *testing.T) string {
	t.Helper()
	proj := phantom.Projections(65, 2, models.DefaultAngles(91), 34, phantom.Blob{X: 5, Y: -3, Sigma: 3, Amplitude: 1})
	raw, flats, darks := phantom.Acquisition(proj, 100, 5, 0.1)
	req := multipartUpload(t,
		map[string]string{"projections": "proj.tif", "flats": "flats.tif", "darks": "darks.tiff"},
		map[string]*models.Stack{"projections": raw, "flats": flats, "darks": darks},
		nil)
	w := ts.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view DatasetView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, [3]int{91, 2, 65}, view.Shape)
	assert.True(t, view.HasFlats)
	assert.True(t, view.HasDarks)
	return view.ID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

var attenuation = models.Overrides{
	stages.Normalization: {"minus_log": true},
	stages.RingRemoval:   {"strength": 0},
}

func TestUploadRunAndBrowse(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.uploadPhantom(t)

	w := ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs", RunRequest{Overrides: attenuation})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted StartedRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, id, accepted.DatasetID)
	require.NotEmpty(t, accepted.RunID)
	ts.srv.Wait()

	w = ts.get("/api/datasets/" + id + "/progress")
	require.Equal(t, http.StatusOK, w.Code)
	var progress struct {
		RunID  string                `json:"run_id"`
		Stages []models.StatusUpdate `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	assert.Equal(t, accepted.RunID, progress.RunID)
	require.Len(t, progress.Stages, 4)
	for _, u := range progress.Stages {
		assert.Equal(t, models.StageSucceeded, u.Status, u.Stage)
		assert.Equal(t, progress.RunID, u.RunID)
	}

	w = ts.get("/api/datasets/" + id + "/results")
	require.Equal(t, http.StatusOK, w.Code)
	var results struct {
		Results []catalog.ResultInfo `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results.Results, 4)
	cor := results.Results[2]
	assert.Equal(t, catalog.KindScalar, cor.Kind)
	require.NotNil(t, cor.Scalar)
	assert.InDelta(t, 34, *cor.Scalar, 0.5)

	w = ts.get("/api/datasets/" + id + "/results/reconstruction/slices/1")
	require.Equal(t, http.StatusOK, w.Code)
	var slice models.Slice
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slice))
	assert.Equal(t, 65, slice.Height)
	assert.Len(t, slice.Data, 65*65)

	w = ts.get("/api/datasets/" + id + "/results/reconstruction/slices/2")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "IndexOutOfRange", resp.Kind)
	require.NotNil(t, resp.Count)
	assert.Equal(t, 2, *resp.Count)

	w = ts.get("/api/datasets/" + id + "/results/reconstruction/slices/9?clamp=true")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slice))
	assert.Equal(t, 1, slice.Index)
	w = ts.get("/api/datasets/" + id + "/results/reconstruction/slices/-3/preview.png?clamp=true")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.get("/api/datasets/" + id + "/results/normalization/sinograms/1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slice))
	assert.Equal(t, 91, slice.Height)
	assert.Equal(t, 65, slice.Width)
	w = ts.get("/api/datasets/" + id + "/results/normalization/sinograms/2")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)

	w = ts.get("/api/datasets/" + id + "/results/ring_removal/sections/y/70")
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, 2, *decodeError(t, w).Count)

	w = ts.get("/api/datasets/" + id + "/results/ring_removal/sections/y/0")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slice))
	assert.Equal(t, 91, slice.Height)

	w = ts.get("/api/datasets/" + id + "/results/reconstruction/slices?offset=0&limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	var page catalog.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Slices, 2)

	w = ts.get("/api/datasets/" + id + "/results/reconstruction/slices/0/preview.png")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = ts.get("/api/datasets/" + id + "/results/reconstruction/export")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/tiff", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "reconstruction.tif")
	_, info, err := tiffstack.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, info.Pages)

	w = ts.get("/api/datasets/" + id + "/results/cor_estimation/export")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.get("/api/datasets/" + id + "/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs struct {
		Runs []models.PipelineRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, models.RunSucceeded, runs.Runs[0].Status)
}

func TestUploadRejectsBadFiles(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(multipartUpload(t, map[string]string{"flats": "flats.tif"}, nil, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(multipartUpload(t, map[string]string{"projections": "scan.png"}, nil, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidInput", decodeError(t, w).Kind)

	w = ts.do(multipartUpload(t, map[string]string{"projections": "scan.h5"}, nil, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Error, "HDF5")

	w = ts.do(multipartUpload(t,
		map[string]string{"projections": "proj.tif"},
		map[string]*models.Stack{"projections": models.NewStack(3, 2, 4)},
		map[string]string{"angles": "0,90"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.get("/api/datasets")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"datasets":[]}`, w.Body.String())
}

func TestRunRequestValidation(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.uploadPhantom(t)

	w := ts.sendJSON(http.MethodPost, "/api/datasets/missing/runs", RunRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs",
		RunRequest{Overrides: models.Overrides{stages.RingRemoval: {"strength": 3}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidParameter", decodeError(t, w).Kind)

	w = ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs", RunRequest{Preset: "fast"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/datasets/"+id+"/runs", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, ts.do(req).Code)

	w = ts.get("/api/datasets/" + id + "/progress")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.get("/api/datasets/" + id + "/results/reconstruction")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.get("/api/datasets/" + id + "/results/reconstruction/slices/abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.get("/api/presets")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresetsAndRunWithPreset(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.uploadPhantom(t)

	w := ts.sendJSON(http.MethodPut, "/api/presets/attenuation", attenuation)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.sendJSON(http.MethodPut, "/api/presets/broken", models.Overrides{"denoise": {"sigma": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.get("/api/presets")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Presets []history.Preset `json:"presets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Presets, 1)
	assert.Equal(t, "attenuation", list.Presets[0].Name)

	// explicit overrides win over the preset
	w = ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs", RunRequest{
		Preset:    "attenuation",
		Overrides: models.Overrides{stages.Reconstruction: {"filter": "hann"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	ts.srv.Wait()

	w = ts.get("/api/datasets/" + id + "/runs")
	var runs struct {
		Runs []models.PipelineRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	run := runs.Runs[0]
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, true, run.Overrides[stages.Normalization]["minus_log"])
	assert.Equal(t, "hann", run.Overrides[stages.Reconstruction]["filter"])

	w = ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs", RunRequest{Preset: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, http.StatusNoContent, ts.do(httptest.NewRequest(http.MethodDelete, "/api/presets/attenuation", nil)).Code)
	assert.Equal(t, http.StatusNotFound, ts.get("/api/presets/attenuation").Code)
}

func TestDeleteDatasetKeepsLedgerHistory(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.uploadPhantom(t)

	w := ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs", RunRequest{Overrides: attenuation})
	require.Equal(t, http.StatusAccepted, w.Code)
	ts.srv.Wait()

	assert.Equal(t, http.StatusNoContent, ts.do(httptest.NewRequest(http.MethodDelete, "/api/datasets/"+id, nil)).Code)
	assert.Equal(t, http.StatusNotFound, ts.get("/api/datasets/"+id).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(httptest.NewRequest(http.MethodDelete, "/api/datasets/"+id, nil)).Code)

	w = ts.get("/api/datasets/" + id + "/runs")
	require.Equal(t, http.StatusOK, w.Code)
	var runs struct {
		Runs []models.PipelineRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Len(t, runs.Runs[0].Stages, 4)

	assert.Equal(t, http.StatusNotFound, ts.get("/api/datasets/never-existed/runs").Code)
}

func TestRunAllAndExportAll(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.get("/api/exports/reconstruction")
	assert.Equal(t, http.StatusNotFound, w.Code)

	first := ts.uploadPhantom(t)
	second := ts.uploadPhantom(t)

	w = ts.sendJSON(http.MethodPost, "/api/runs", RunRequest{Overrides: models.Overrides{"denoise": {}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.sendJSON(http.MethodPost, "/api/runs", RunRequest{Overrides: attenuation})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var all struct {
		Runs   []StartedRun `json:"runs"`
		Failed []RunFailure `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Empty(t, all.Failed)
	require.Len(t, all.Runs, 2)
	assert.ElementsMatch(t, []string{first, second}, []string{all.Runs[0].DatasetID, all.Runs[1].DatasetID})
	ts.srv.Wait()

	for _, started := range all.Runs {
		w = ts.get("/api/datasets/" + started.DatasetID + "/progress")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), started.RunID)
	}

	w = ts.get("/api/exports/reconstruction")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, "2", w.Header().Get("X-Dataset-Count"))
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"reconstruction_" + first + ".tif", "reconstruction_" + second + ".tif"}, names)

	assert.Equal(t, http.StatusNotFound, ts.get("/api/exports/bogus").Code)
}

func TestBusyDatasetAnswersConflict(t *testing.T) {
	release := make(chan struct{})
	registry, err := stages.NewRegistry(stages.Descriptor{
		Name:  "hold",
		Input: stages.RawInput,
		Run: func(_ context.Context, in stages.Input) (stages.Output, error) {
			<-release
			return stages.Output{Array: in.Array.Clone()}, nil
		},
	})
	require.NoError(t, err)

	st := store.New(nil)
	srv := NewServer(Deps{
		Store:   st,
		Runner:  pipeline.NewRunner(st, registry, pipeline.Options{}),
		Catalog: catalog.New(st, registry),
	})
	ts := &testServer{srv: srv, router: srv.Router()}
	id, err := st.Put(models.NewStack(2, 1, 4), nil, nil, models.Metadata{})
	require.NoError(t, err)

	w := ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs", RunRequest{})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted StartedRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	// the first run holds the dataset until released
	w = ts.sendJSON(http.MethodPost, "/api/datasets/"+id+"/runs", RunRequest{})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Conflict", decodeError(t, w).Kind)

	w = ts.sendJSON(http.MethodPost, "/api/runs", RunRequest{})
	require.Equal(t, http.StatusAccepted, w.Code)
	var all struct {
		Runs   []StartedRun `json:"runs"`
		Failed []RunFailure `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Empty(t, all.Runs)
	require.Len(t, all.Failed, 1)
	assert.Equal(t, "Conflict", all.Failed[0].Kind)

	close(release)
	srv.Wait()
	runs, err := st.Runs(id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, accepted.RunID, runs[0].ID)
}

func TestStatusOf(t *testing.T) {
	cases := map[common.Kind]int{
		common.NotFound:         http.StatusNotFound,
		common.InvalidInput:     http.StatusBadRequest,
		common.InvalidParameter: http.StatusBadRequest,
		common.IndexOutOfRange:  http.StatusRequestedRangeNotSatisfiable,
		common.Conflict:         http.StatusConflict,
		common.ConvergenceError: http.StatusUnprocessableEntity,
		common.NumericalError:   http.StatusUnprocessableEntity,
		common.Canceled:         http.StatusServiceUnavailable,
		common.Internal:         http.StatusInternalServerError,
	}
	for kind, expected := range cases {
		assert.Equal(t, expected, statusOf(kind), string(kind))
	}
}
