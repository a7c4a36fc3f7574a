package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/mathimport/internal/config"
	"github.com/xxxsen/mathimport/internal/filestore"
	"github.com/xxxsen/mathimport/internal/model"
	"github.com/xxxsen/mathimport/internal/pipeline"
	"github.com/xxxsen/mathimport/internal/pkg/errcode"
	appErr "github.com/xxxsen/mathimport/internal/pkg/errors"
)

type fakeImporter struct {
	runSource  string
	runData    []byte
	runErr     error
	overrides  map[int]string
	confirmErr error
	expired    []string
}

func (f *fakeImporter) Run(ctx context.Context, source string, data []byte) (*model.ImportJob, error) {
	f.runSource, f.runData = source, data
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &model.ImportJob{SessionID: "sid", Source: source, State: "staged"}, nil
}

func (f *fakeImporter) Preview(ctx context.Context, id string) (*model.ImportJob, error) {
	if id != "sid" {
		return nil, fmt.Errorf("%w: %s", appErr.ErrSessionNotFound, id)
	}
	return &model.ImportJob{SessionID: id, State: "converting"}, nil
}

func (f *fakeImporter) Retry(ctx context.Context, id string, index int) (*model.ImportJob, error) {
	if index != 2 {
		return nil, fmt.Errorf("%w: segment %d already converted", appErr.ErrConflict, index)
	}
	return &model.ImportJob{SessionID: id, State: "staged"}, nil
}

func (f *fakeImporter) FallbackImage(ctx context.Context, id string, index int) (*model.FallbackImage, error) {
	if index != 1 {
		return nil, appErr.ErrNotFound
	}
	return &model.FallbackImage{Data: []byte("png"), ContentType: "image/png", Source: []byte("wmf")}, nil
}

func (f *fakeImporter) Confirm(ctx context.Context, id string, overrides map[int]string) (*pipeline.ConfirmResult, error) {
	f.overrides = overrides
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &pipeline.ConfirmResult{SessionID: id, Entries: 3, Questions: 1}, nil
}

func (f *fakeImporter) Expire(ctx context.Context, id string) error {
	f.expired = append(f.expired, id)
	return nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"message"`
	Data json.RawMessage `json:"data"`
}

func setupRouter(t *testing.T, imp *fakeImporter, maxUpload int64) (*gin.Engine, filestore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	files, err := filestore.New(config.FileStoreConfig{Type: "local", Data: map[string]interface{}{"dir": t.TempDir()}})
	require.NoError(t, err)
	r := gin.New()
	RegisterRoutes(r.Group("/api/v1"), RouterDeps{
		Imports: NewImportHandler(imp, maxUpload),
		Files:   NewFileHandler(files),
	})
	return r, files
}

func do(r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func uploadRequest(t *testing.T, name string, data []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	imp := &fakeImporter{}
	r, _ := setupRouter(t, imp, 1024)

	w, env := do(r, uploadRequest(t, "paper.docx", []byte("docx-bytes")))
	require.Equal(t, http.StatusOK, w.Code)
	require.Zero(t, env.Code)
	require.Equal(t, "paper.docx", imp.runSource)
	require.Equal(t, []byte("docx-bytes"), imp.runData)
	var job model.ImportJob
	require.NoError(t, json.Unmarshal(env.Data, &job))
	require.Equal(t, "sid", job.SessionID)
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		data   []byte
		runErr error
		code   int
		msg    string
	}{
		{name: "wrong extension", file: "paper.pdf", data: []byte("x"), code: errcode.ErrInvalidFile},
		{name: "too large", file: "paper.docx", data: bytes.Repeat([]byte("x"), 2048), code: errcode.ErrInvalidFile, msg: "too large"},
		{name: "malformed", file: "paper.docx", data: []byte("x"), runErr: fmt.Errorf("%w: zip", appErr.ErrMalformedDocument), code: errcode.ErrMalformedDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp := &fakeImporter{runErr: tt.runErr}
			r, _ := setupRouter(t, imp, 1024)
			_, env := do(r, uploadRequest(t, tt.file, tt.data))
			require.Equal(t, tt.code, env.Code)
			require.Contains(t, env.Msg, tt.msg)
		})
	}

	r, _ := setupRouter(t, &fakeImporter{}, 1024)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", nil)
	_, env := do(r, req)
	require.Equal(t, errcode.ErrInvalidFile, env.Code)
}

func TestUploadBodyOverLimitReportsSize(t *testing.T) {
	imp := &fakeImporter{}
	r, _ := setupRouter(t, imp, 1)
	_, env := do(r, uploadRequest(t, "paper.docx", bytes.Repeat([]byte("x"), 2<<20)))
	require.Equal(t, errcode.ErrInvalidFile, env.Code)
	require.Contains(t, env.Msg, "too large")
	require.Nil(t, imp.runData)
}

func TestGetAndDelete(t *testing.T) {
	imp := &fakeImporter{}
	r, _ := setupRouter(t, imp, 0)

	_, env := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/imports/sid", nil))
	require.Zero(t, env.Code)
	_, env = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/imports/other", nil))
	require.Equal(t, errcode.ErrSessionNotFound, env.Code)

	_, env = do(r, httptest.NewRequest(http.MethodDelete, "/api/v1/imports/sid", nil))
	require.Zero(t, env.Code)
	require.Equal(t, []string{"sid"}, imp.expired)
}

func TestRetry(t *testing.T) {
	r, _ := setupRouter(t, &fakeImporter{}, 0)
	_, env := do(r, httptest.NewRequest(http.MethodPost, "/api/v1/imports/sid/segments/2/retry", nil))
	require.Zero(t, env.Code)
	_, env = do(r, httptest.NewRequest(http.MethodPost, "/api/v1/imports/sid/segments/1/retry", nil))
	require.Equal(t, errcode.ErrConflict, env.Code)
	_, env = do(r, httptest.NewRequest(http.MethodPost, "/api/v1/imports/sid/segments/x/retry", nil))
	require.Equal(t, errcode.ErrInvalid, env.Code)
}

func TestFallback(t *testing.T) {
	r, _ := setupRouter(t, &fakeImporter{}, 0)
	w, _ := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/imports/sid/segments/1/fallback", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))
	require.Equal(t, "png", w.Body.String())
	require.Contains(t, w.Header().Get("Content-Disposition"), "segment-1.png")

	w, _ = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/imports/sid/segments/1/fallback?variant=source", nil))
	require.Equal(t, "wmf", w.Body.String())

	_, env := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/imports/sid/segments/0/fallback", nil))
	require.Equal(t, errcode.ErrNotFound, env.Code)
}

func TestConfirm(t *testing.T) {
	imp := &fakeImporter{}
	r, _ := setupRouter(t, imp, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/sid/confirm", strings.NewReader(`{"overrides":{"1":"x^2"}}`))
	req.Header.Set("Content-Type", "application/json")
	_, env := do(r, req)
	require.Zero(t, env.Code)
	require.Equal(t, map[int]string{1: "x^2"}, imp.overrides)
	var res pipeline.ConfirmResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, 1, res.Questions)

	_, env = do(r, httptest.NewRequest(http.MethodPost, "/api/v1/imports/sid/confirm", nil))
	require.Zero(t, env.Code)
	require.Nil(t, imp.overrides)

	_, env = do(r, httptest.NewRequest(http.MethodPost, "/api/v1/imports/sid/confirm", strings.NewReader(`{bad`)))
	require.Equal(t, errcode.ErrInvalid, env.Code)

	imp.confirmErr = fmt.Errorf("%w: 1 of 3 segments without result", appErr.ErrIncompleteSession)
	_, env = do(r, httptest.NewRequest(http.MethodPost, "/api/v1/imports/sid/confirm", nil))
	require.Equal(t, errcode.ErrIncompleteSession, env.Code)
}

func TestFileGet(t *testing.T) {
	r, files := setupRouter(t, &fakeImporter{}, 0)
	data := []byte("\x89PNG-bytes")
	require.NoError(t, files.Save(context.Background(), "abc.png", bytes.NewReader(data), int64(len(data)), "image/png"))

	w, _ := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/files/abc.png", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))
	require.Equal(t, data, w.Body.Bytes())

	w, _ = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/files/missing.png", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestClassify(t *testing.T) {
	code, _ := classify(fmt.Errorf("%w: upload", appErr.ErrStorageUnavailable))
	require.Equal(t, errcode.ErrUploadFailed, code)
	code, _ = classify(appErr.ErrDuplicateResult)
	require.Equal(t, errcode.ErrConflict, code)
	code, _ = classify(fmt.Errorf("boom"))
	require.Equal(t, errcode.ErrInternal, code)
}
