package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/ingest"
)

// DatasetView is the JSON form of a stored dataset.
type DatasetView struct {
	ID        string          `json:"id"`
	Shape     [3]int          `json:"shape"`
	HasFlats  bool            `json:"has_flats"`
	HasDarks  bool            `json:"has_darks"`
	Metadata  models.Metadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	ActiveRun string          `json:"active_run,omitempty"`
}

func (s *Server) view(ds *models.Dataset) DatasetView {
	active, _ := s.store.ActiveRun(ds.ID)
	return DatasetView{
		ID:        ds.ID,
		Shape:     ds.Shape(),
		HasFlats:  ds.Flats != nil,
		HasDarks:  ds.Darks != nil,
		Metadata:  ds.Meta,
		CreatedAt: ds.CreatedAt,
		ActiveRun: active,
	}
}

// uploadDataset ingests a multipart upload: "projections" is required,
// "flats" and "darks" are optional. Form field "angles" is a comma separated
// list, in degrees when "degrees" is true.
func (s *Server) uploadDataset(c *gin.Context) {
	var files []multipart.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	open := func(field string, required bool) (*ingest.Source, error) {
		header, err := c.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) && !required {
			return nil, nil
		}
		if err != nil {
			return nil, common.Wrap(common.InvalidInput, err, "form file %q", field)
		}
		if err := ingest.Validate(header.Filename); err != nil {
			return nil, err
		}
		f, err := header.Open()
		if err != nil {
			return nil, common.Wrap(common.InvalidInput, err, "opening %s", header.Filename)
		}
		files = append(files, f)
		return &ingest.Source{Name: header.Filename, Reader: f}, nil
	}

	proj, err := open("projections", true)
	if err != nil {
		fail(c, err)
		return
	}
	req := ingest.Request{Projections: *proj}
	if req.Flats, err = open("flats", false); err != nil {
		fail(c, err)
		return
	}
	if req.Darks, err = open("darks", false); err != nil {
		fail(c, err)
		return
	}
	degrees, _ := strconv.ParseBool(c.PostForm("degrees"))
	if req.Angles, err = ingest.ParseAngles(c.PostForm("angles"), degrees); err != nil {
		fail(c, err)
		return
	}

	id, err := ingest.Ingest(s.store, req, s.log)
	if err != nil {
		fail(c, err)
		return
	}
	ds, err := s.store.Get(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.view(ds))
}

func (s *Server) listDatasets(c *gin.Context) {
	all := s.store.List()
	out := make([]DatasetView, 0, len(all))
	for _, ds := range all {
		out = append(out, s.view(ds))
	}
	c.JSON(http.StatusOK, gin.H{"datasets": out})
}

func (s *Server) getDataset(c *gin.Context) {
	ds, err := s.store.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.view(ds))
}

func (s *Server) deleteDataset(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.Delete(id); err != nil {
		fail(c, err)
		return
	}
	s.tracker.Forget(id)
	c.Status(http.StatusNoContent)
}
