package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tomorecon/internal/common"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	// Count is the number of slices, set only on IndexOutOfRange.
	Count *int `json:"count,omitempty"`
}

func statusOf(kind common.Kind) int {
	switch kind {
	case common.NotFound:
		return http.StatusNotFound
	case common.InvalidInput, common.InvalidParameter:
		return http.StatusBadRequest
	case common.IndexOutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case common.Conflict:
		return http.StatusConflict
	case common.ConvergenceError, common.NumericalError:
		return http.StatusUnprocessableEntity
	case common.Canceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	kind := common.KindOf(err)
	c.AbortWithStatusJSON(statusOf(kind), ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

// failRange reports an out-of-range slice index along with the slice count
// so viewers can clamp.
func failRange(c *gin.Context, err error, count int) {
	c.AbortWithStatusJSON(http.StatusRequestedRangeNotSatisfiable, ErrorResponse{
		Error: err.Error(),
		Kind:  string(common.IndexOutOfRange),
		Count: &count,
	})
}

func intParam(c *gin.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, common.Errorf(common.InvalidParameter, "%s must be an integer, got %q", name, c.Param(name))
	}
	return v, nil
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.Errorf(common.InvalidParameter, "%s must be an integer, got %q", name, raw)
	}
	return v, nil
}
