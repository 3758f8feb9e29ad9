package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

// ledgerRequired aborts with InvalidParameter when no ledger is configured.
func (s *Server) ledgerRequired(c *gin.Context) bool {
	if s.ledger == nil {
		fail(c, common.Errorf(common.InvalidParameter, "presets are not available without a ledger"))
		return false
	}
	return true
}

func (s *Server) listPresets(c *gin.Context) {
	if !s.ledgerRequired(c) {
		return
	}
	presets, err := s.ledger.Presets(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": presets})
}

func (s *Server) getPreset(c *gin.Context) {
	if !s.ledgerRequired(c) {
		return
	}
	p, err := s.ledger.Preset(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// putPreset stores the request body, a stage -> parameter -> value object,
// under the preset name.
func (s *Server) putPreset(c *gin.Context) {
	if !s.ledgerRequired(c) {
		return
	}
	var overrides models.Overrides
	if err := c.ShouldBindJSON(&overrides); err != nil {
		fail(c, common.Wrap(common.InvalidParameter, err, "decoding preset"))
		return
	}
	name := c.Param("name")
	if err := s.ledger.SavePreset(c.Request.Context(), name, overrides); err != nil {
		fail(c, err)
		return
	}
	p, err := s.ledger.Preset(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deletePreset(c *gin.Context) {
	if !s.ledgerRequired(c) {
		return
	}
	if err := s.ledger.DeletePreset(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
