package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tomorecon/internal/common"
	"tomorecon/pkg/catalog"
)

func (s *Server) listResults(c *gin.Context) {
	id := c.Param("id")
	names, err := s.catalog.ListResults(id)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]catalog.ResultInfo, 0, len(names))
	for _, name := range names {
		info, err := s.catalog.Info(id, name)
		if err != nil {
			fail(c, err)
			return
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) resultInfo(c *gin.Context) {
	info, err := s.catalog.Info(c.Param("id"), c.Param("stage"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) pageSlices(c *gin.Context) {
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		fail(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 16)
	if err != nil {
		fail(c, err)
		return
	}
	page, err := s.catalog.Page(c.Param("id"), c.Param("stage"), offset, limit)
	if err != nil {
		s.failSlice(c, err, "z")
		return
	}
	c.JSON(http.StatusOK, page)
}

// sliceIndex reads the :index parameter. With ?clamp=true an index past
// either end is moved to the nearest slice instead of failing.
func (s *Server) sliceIndex(c *gin.Context) (int, error) {
	index, err := intParam(c, "index")
	if err != nil {
		return 0, err
	}
	if c.Query("clamp") != "true" {
		return index, nil
	}
	return s.catalog.Clamp(c.Param("id"), c.Param("stage"), index)
}

func (s *Server) getSlice(c *gin.Context) {
	index, err := s.sliceIndex(c)
	if err != nil {
		fail(c, err)
		return
	}
	slice, err := s.catalog.GetSlice(c.Param("id"), c.Param("stage"), index)
	if err != nil {
		s.failSlice(c, err, "z")
		return
	}
	c.JSON(http.StatusOK, slice)
}

func (s *Server) previewSlice(c *gin.Context) {
	index, err := s.sliceIndex(c)
	if err != nil {
		fail(c, err)
		return
	}
	data, err := s.catalog.PreviewPNG(c.Param("id"), c.Param("stage"), index)
	if err != nil {
		s.failSlice(c, err, "z")
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) getSection(c *gin.Context) {
	position, err := intParam(c, "position")
	if err != nil {
		fail(c, err)
		return
	}
	axis := c.Param("axis")
	slice, err := s.catalog.Section(c.Param("id"), c.Param("stage"), axis, position)
	if err != nil {
		s.failSlice(c, err, axis)
		return
	}
	c.JSON(http.StatusOK, slice)
}

func (s *Server) getSinogram(c *gin.Context) {
	row, err := intParam(c, "row")
	if err != nil {
		fail(c, err)
		return
	}
	slice, err := s.catalog.GetSinogram(c.Param("id"), c.Param("stage"), row)
	if err != nil {
		s.failSlice(c, err, "y")
		return
	}
	c.JSON(http.StatusOK, slice)
}

// exportAll downloads one stage of every dataset as a zip of TIFF stacks.
func (s *Server) exportAll(c *gin.Context) {
	stage := c.Param("stage")
	data, count, err := s.catalog.ExportAll(stage)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", stage+".zip"))
	c.Header("X-Dataset-Count", strconv.Itoa(count))
	c.Data(http.StatusOK, "application/zip", data)
}

func (s *Server) exportResult(c *gin.Context) {
	stage := c.Param("stage")
	data, err := s.catalog.Export(c.Param("id"), stage)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", stage+".tif"))
	c.Data(http.StatusOK, "image/tiff", data)
}

// failSlice answers IndexOutOfRange with the extent along axis so the
// client can clamp; every other error goes through fail.
func (s *Server) failSlice(c *gin.Context, err error, axis string) {
	if !common.IsKind(err, common.IndexOutOfRange) {
		fail(c, err)
		return
	}
	info, infoErr := s.catalog.Info(c.Param("id"), c.Param("stage"))
	if infoErr != nil {
		fail(c, err)
		return
	}
	count := info.SliceCount
	switch strings.ToLower(axis) {
	case "y":
		count = info.Height
	case "x":
		count = info.Width
	}
	failRange(c, err, count)
}
