package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mathimport/internal/model"
	"github.com/xxxsen/mathimport/internal/pipeline"
	"github.com/xxxsen/mathimport/internal/pkg/errcode"
	"github.com/xxxsen/mathimport/internal/pkg/response"
)

const multipartOverhead = 1 << 20

// Importer is the orchestrator surface the HTTP layer drives.
type Importer interface {
	Run(ctx context.Context, source string, data []byte) (*model.ImportJob, error)
	Preview(ctx context.Context, id string) (*model.ImportJob, error)
	Retry(ctx context.Context, id string, index int) (*model.ImportJob, error)
	FallbackImage(ctx context.Context, id string, index int) (*model.FallbackImage, error)
	Confirm(ctx context.Context, id string, overrides map[int]string) (*pipeline.ConfirmResult, error)
	Expire(ctx context.Context, id string) error
}

type ImportHandler struct {
	imports       Importer
	maxUploadSize int64
}

func NewImportHandler(imports Importer, maxUploadSize int64) *ImportHandler {
	return &ImportHandler{imports: imports, maxUploadSize: maxUploadSize}
}

type confirmRequest struct {
	Overrides map[int]string `json:"overrides"`
}

func (h *ImportHandler) Upload(c *gin.Context) {
	tooLarge := "file too large (max " + formatUploadLimit(h.maxUploadSize) + ")"
	if h.maxUploadSize > 0 {
		if c.Request.ContentLength > h.maxUploadSize+multipartOverhead {
			response.Error(c, errcode.ErrInvalidFile, tooLarge)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+multipartOverhead)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(c, errcode.ErrInvalidFile, tooLarge)
			return
		}
		response.Error(c, errcode.ErrInvalidFile, "file is required")
		return
	}
	if h.maxUploadSize > 0 && file.Size > h.maxUploadSize {
		response.Error(c, errcode.ErrInvalidFile, tooLarge)
		return
	}
	if strings.ToLower(filepath.Ext(file.Filename)) != ".docx" {
		response.Error(c, errcode.ErrInvalidFile, "docx file required")
		return
	}
	opened, err := file.Open()
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "failed to open file")
		return
	}
	defer opened.Close()
	data, err := io.ReadAll(opened)
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "failed to read file")
		return
	}

	job, err := h.imports.Run(c.Request.Context(), filepath.Base(file.Filename), data)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, job)
}

func (h *ImportHandler) Get(c *gin.Context) {
	job, err := h.imports.Preview(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, job)
}

func (h *ImportHandler) Retry(c *gin.Context) {
	idx, ok := indexParam(c)
	if !ok {
		return
	}
	job, err := h.imports.Retry(c.Request.Context(), c.Param("session_id"), idx)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, job)
}

// Fallback serves the raster of a formula that could not be recognized.
// With ?variant=source the untouched metafile bytes are returned instead.
func (h *ImportHandler) Fallback(c *gin.Context) {
	idx, ok := indexParam(c)
	if !ok {
		return
	}
	img, err := h.imports.FallbackImage(c.Request.Context(), c.Param("session_id"), idx)
	if err != nil {
		handleError(c, err)
		return
	}
	data, contentType, name := img.Data, img.ContentType, fmt.Sprintf("segment-%d.png", idx)
	if c.Query("variant") == "source" {
		data, contentType, name = img.Source, "application/octet-stream", fmt.Sprintf("segment-%d.bin", idx)
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	response.Binary(c, contentType, data)
}

func (h *ImportHandler) Confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	res, err := h.imports.Confirm(c.Request.Context(), c.Param("session_id"), req.Overrides)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *ImportHandler) Delete(c *gin.Context) {
	if err := h.imports.Expire(c.Request.Context(), c.Param("session_id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"ok": true})
}
