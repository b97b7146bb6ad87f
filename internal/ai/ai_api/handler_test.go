package ai_api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/ai"
	"tabesh/internal/ai/ai_api"
	aidb "tabesh/internal/ai/db"
	"tabesh/internal/ai/provider"
	"tabesh/internal/auth"
	"tabesh/internal/database/dbtest"
	"tabesh/internal/logger"
	"tabesh/internal/models"
)

type echoProvider struct{}

func (echoProvider) Complete(_ context.Context, msgs []provider.Message) (string, error) {
	return "you said: " + msgs[len(msgs)-1].Content, nil
}

func asUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uid := r.Header.Get("X-Test-User"); uid != "" {
			ctx := auth.WithClaims(r.Context(), &auth.Claims{Subject: uid, Role: models.RoleCustomer})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func setup(t *testing.T) (http.Handler, *aidb.DB) {
	d := aidb.New(dbtest.New(t))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := ai.NewService(d, ai.NewProfileCache(client, time.Hour), ai.NewRateLimiter(client, 5, time.Minute),
		echoProvider{}, nil, ai.Options{Enabled: true}, logger.Nop())
	h := ai_api.NewHandler(svc, false, logger.Nop())

	r := chi.NewRouter()
	r.Use(asUser)
	r.Post("/ai/browser/track", h.Track)
	r.Post("/ai/query", h.Query)
	r.Get("/ai/profile", h.Profile)
	r.Post("/ai/merge-guest", h.MergeGuest)
	return r, d
}

func do(h http.Handler, method, path, body string, header map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func guestCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == ai_api.GuestCookie {
			return c
		}
	}
	return nil
}

func TestTrackMintsGuestCookie(t *testing.T) {
	h, d := setup(t)

	rec := do(h, http.MethodPost, "/ai/browser/track", `{"event_type":"page_view","page_url":"/thesis"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	c := guestCookie(rec)
	require.NotNil(t, c)
	_, err := uuid.Parse(c.Value)
	require.NoError(t, err)
	assert.True(t, c.HttpOnly)

	// the cookie is reused, not replaced
	rec = do(h, http.MethodPost, "/ai/browser/track", `{"event_type":"search"}`, nil, c)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Nil(t, guestCookie(rec))

	n, err := d.CountEvents(context.Background(), "", c.Value)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTrackRejectsUnknownEvent(t *testing.T) {
	h, _ := setup(t)
	rec := do(h, http.MethodPost, "/ai/browser/track", `{"event_type":"hover"}`, map[string]string{"X-Test-User": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":false`)
}

func TestQueryAndProfile(t *testing.T) {
	h, _ := setup(t)
	guest := map[string]string{ai_api.GuestHeader: uuid.NewString()}

	rec := do(h, http.MethodPost, "/ai/query", `{"message":"hello"}`, guest)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Success bool             `json:"success"`
		Data    ai.QueryResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "you said: hello", body.Data.Reply)

	rec = do(h, http.MethodGet, "/ai/profile", "", guest)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "guest:"+guest[ai_api.GuestHeader])

	rec = do(h, http.MethodPost, "/ai/query", `{"message":"hello"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no identity")
}

func TestMergeGuestFromCookie(t *testing.T) {
	h, d := setup(t)
	id := uuid.NewString()
	c := &http.Cookie{Name: ai_api.GuestCookie, Value: id}

	rec := do(h, http.MethodPost, "/ai/browser/track", `{"event_type":"page_view"}`, nil, c)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(h, http.MethodPost, "/ai/merge-guest", "", map[string]string{"X-Test-User": "u1"}, c)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"moved_events":1`)
	cleared := guestCookie(rec)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	n, err := d.CountEvents(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = do(h, http.MethodPost, "/ai/merge-guest", "", nil, c)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMergeGuestIgnoresBodyGuestID(t *testing.T) {
	h, d := setup(t)
	victim := uuid.NewString()

	rec := do(h, http.MethodPost, "/ai/browser/track", `{"event_type":"page_view"}`, map[string]string{ai_api.GuestHeader: victim})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(h, http.MethodPost, "/ai/merge-guest", `{"guest_id":"`+victim+`"}`, map[string]string{"X-Test-User": "u2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	n, err := d.CountEvents(context.Background(), "", victim)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "another visitor's history stays with them")
	n, err = d.CountEvents(context.Background(), "u2", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}
