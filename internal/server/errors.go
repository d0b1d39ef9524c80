package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"camerad/internal/camera"
)

// writeError はErrorResponseを書き込む
func writeError(c *gin.Context, status int, code, message string, err error) {
	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		details := err.Error()
		resp.Details = &details
	}
	c.JSON(status, resp)
}

// statusOf はカメラのエラーをHTTPステータスに変換する
func statusOf(err error) int {
	var he *camera.HostError
	switch {
	case errors.As(err, &he):
		switch he.Kind {
		case camera.HostBusy:
			return http.StatusConflict
		case camera.HostUnknown:
			return http.StatusInternalServerError
		default:
			return http.StatusServiceUnavailable
		}
	case errors.Is(err, camera.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, camera.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, camera.ErrInvalidSessionConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, camera.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, camera.ErrCaptureLimitExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeCameraError はカメラのエラーを対応するステータスで書き込む
func writeCameraError(c *gin.Context, message string, err error) {
	writeError(c, statusOf(err), camera.ErrorCode(err), message, err)
}
