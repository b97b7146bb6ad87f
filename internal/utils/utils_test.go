package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOrderNumber(t *testing.T) {
	now := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	n := GenerateOrderNumber(now)
	assert.Regexp(t, regexp.MustCompile(`^TB-20240309-[0-9A-F]{6}$`), n)
	assert.NotEqual(t, n, GenerateOrderNumber(now))
}

func TestGenerateStoredName(t *testing.T) {
	assert.True(t, strings.HasSuffix(GenerateStoredName(".PDF"), ".pdf"))
	assert.Len(t, GenerateStoredName(""), 36)
}

func TestTokenAndHash(t *testing.T) {
	tok, err := GenerateToken(32)
	require.NoError(t, err)
	assert.Len(t, tok, 64)

	h := HashToken(tok)
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken(tok))
	assert.NotEqual(t, tok, h)
}

func TestStatusFor(t *testing.T) {
	wrapped := fmt.Errorf("%w: order", ErrNotFound)
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("get: %w", wrapped)))
	assert.Equal(t, http.StatusBadRequest, StatusFor(ErrValidation))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(ErrRateLimited))
	assert.Equal(t, http.StatusGone, StatusFor(ErrGone))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom")))
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteError(rec, "Could not load order", fmt.Errorf("%w: order 3", ErrForbidden)))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Could not load order", resp.Message)
	assert.Equal(t, "forbidden: order 3", resp.Error)
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteError(rec, "Could not load order", errors.New(`pq: relation "orders" does not exist`)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Internal Server Error", resp.Error)
}

func TestClearWriteDeadlineKeepsStreamOpen(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ClearWriteDeadline(w)
		for i := 0; i < 4; i++ {
			fmt.Fprintf(w, "tick %d\n", i)
			w.(http.Flusher).Flush()
			time.Sleep(100 * time.Millisecond)
		}
	}))
	srv.Config.WriteTimeout = 150 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "tick 0\ntick 1\ntick 2\ntick 3\n", string(body))
}

func TestDecodeJSONValidates(t *testing.T) {
	var req struct {
		Title string `json:"title" validate:"required"`
		Qty   int    `json:"qty" validate:"min=1"`
	}
	err := DecodeJSON(strings.NewReader(`{"title":"","qty":0}`), &req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "Title (required)")

	err = DecodeJSON(strings.NewReader(`{bad`), &req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, 31, d.Day())

	_, err = ParseDate("31/01/2024")
	assert.ErrorIs(t, err, ErrValidation)
}
