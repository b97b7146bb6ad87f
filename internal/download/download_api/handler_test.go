package download_api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/auth"
	"tabesh/internal/database/dbtest"
	"tabesh/internal/download"
	"tabesh/internal/download/db"
	"tabesh/internal/download/download_api"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/utils"
)

var file = &models.OrderFile{ID: 9, OrderID: 1, UserID: "u1", OriginalName: "کتاب.pdf", MimeType: "application/pdf", SizeBytes: 8}

type fakeFiles struct{}

func (fakeFiles) GetFile(_ context.Context, actor models.Actor, id int64) (*models.OrderFile, error) {
	if actor.UserID != "u1" || id != file.ID {
		return nil, utils.ErrNotFound
	}
	return file, nil
}

func (fakeFiles) File(_ context.Context, id int64) (*models.OrderFile, error) {
	if id != file.ID {
		return nil, utils.ErrNotFound
	}
	return file, nil
}

func (fakeFiles) Open(context.Context, *models.OrderFile) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("%PDF-1.7")), nil
}

func setup(t *testing.T) http.Handler {
	svc := download.NewService(db.New(dbtest.New(t)), fakeFiles{}, nil, "http://localhost", time.Hour, 2*time.Hour, logger.Nop())
	h := download_api.NewHandler(svc, logger.Nop())

	r := chi.NewRouter()
	r.With(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithClaims(r.Context(), &auth.Claims{Subject: "u1", Role: models.RoleCustomer})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}).Post("/files/{fileId}/token", h.IssueToken)
	r.Get("/download/{fileId}", h.Download)
	return r
}

func TestIssueAndDownload(t *testing.T) {
	h := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/files/9/token", bytes.NewBufferString(`{"ttl_minutes":30}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var env struct {
		Data download.IssuedToken `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(t, env.Data.Token)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/9?token="+env.Data.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.7", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment;"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/9?token="+env.Data.Token, nil))
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestDownloadRejectsBadToken(t *testing.T) {
	h := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/9?token=nope", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/files/9/token", bytes.NewBufferString(`{"ttl_minutes":600}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
