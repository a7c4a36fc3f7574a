package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/mathimport/internal/pkg/errcode"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
	"github.com/xxxsen/mathimport/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	code, msg := classify(err)
	if code == errcode.ErrInternal || code == errcode.ErrUploadFailed {
		logger.Error("request failed")
	} else {
		logger.Warn("request rejected")
	}
	response.Error(c, code, msg)
}

func classify(err error) (int, string) {
	switch {
	case appErr.IsMalformedDocument(err):
		return errcode.ErrMalformedDocument, err.Error()
	case appErr.IsSessionNotFound(err):
		return errcode.ErrSessionNotFound, "session not found"
	case errors.Is(err, appErr.ErrIncompleteSession):
		return errcode.ErrIncompleteSession, err.Error()
	case errors.Is(err, appErr.ErrInvalidState):
		return errcode.ErrInvalidState, err.Error()
	case appErr.IsConflict(err), errors.Is(err, appErr.ErrDuplicateResult):
		return errcode.ErrConflict, err.Error()
	case appErr.IsNotFound(err):
		return errcode.ErrNotFound, "not found"
	case errors.Is(err, appErr.ErrInvalid):
		return errcode.ErrInvalid, err.Error()
	case appErr.IsStorageUnavailable(err):
		return errcode.ErrUploadFailed, "storage unavailable"
	default:
		return errcode.ErrInternal, "internal error"
	}
}

func formatUploadLimit(bytes int64) string {
	const mb = 1024 * 1024
	if bytes <= 0 {
		return "0MB"
	}
	value := bytes / mb
	if value <= 0 {
		value = 1
	}
	return strconv.FormatInt(value, 10) + "MB"
}

func indexParam(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 {
		response.Error(c, errcode.ErrInvalid, "invalid segment index")
		return 0, false
	}
	return idx, true
}
