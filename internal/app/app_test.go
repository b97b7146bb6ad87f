package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/app"
	"tabesh/internal/config"
	"tabesh/internal/database/dbtest"
	"tabesh/internal/events"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/settings"
	"tabesh/internal/sse"
)

const secret = "app-test-secret"

type env struct {
	app     *app.App
	handler http.Handler
	emitter *sse.Emitter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Setenv("JWT_SECRET", secret)
	t.Setenv("UPLOAD_DIR", t.TempDir())
	t.Setenv("LOG_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	emitter := sse.NewEmitter()
	a, err := app.New(cfg, dbtest.New(t), rdb, emitter, logger.Nop())
	require.NoError(t, err)

	verifier, err := app.NewVerifier(context.Background(), cfg.Auth)
	require.NoError(t, err)
	return &env{app: a, handler: a.Router(verifier, emitter), emitter: emitter}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *env) do(t *testing.T, method, path, tok, body string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var res response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	}
	return rec.Code, res
}

const orderBody = `{
	"book_title": "Wiring Notes",
	"book_size": "a5", "paper_type": "offset", "paper_weight": "70", "print_type": "bw",
	"page_count_bw": 100, "quantity": 10, "binding_type": "softcover", "lamination_type": "matte"
}`

func TestHealth(t *testing.T) {
	e := newEnv(t)
	code, res := e.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
}

func TestRouteAccess(t *testing.T) {
	e := newEnv(t)
	customer := token(t, "u1", "")
	staff := token(t, "s1", "staff")
	admin := token(t, "a1", "admin")

	tests := []struct {
		name   string
		method string
		path   string
		tok    string
		want   int
	}{
		{"quote is public", http.MethodPost, "/api/v1/orders/quote", "", http.StatusOK},
		{"orders need a token", http.MethodGet, "/api/v1/orders", "", http.StatusUnauthorized},
		{"customer lists own orders", http.MethodGet, "/api/v1/orders", customer, http.StatusOK},
		{"stats need staff", http.MethodGet, "/api/v1/admin/stats", customer, http.StatusForbidden},
		{"staff reads stats", http.MethodGet, "/api/v1/admin/stats", staff, http.StatusOK},
		{"export needs admin", http.MethodGet, "/api/v1/admin/export", staff, http.StatusForbidden},
		{"admin lists settings", http.MethodGet, "/api/v1/admin/settings", admin, http.StatusOK},
		{"admin lists cleanup actions", http.MethodGet, "/api/v1/admin/cleanup", admin, http.StatusOK},
		{"download without token", http.MethodGet, "/api/v1/download/1", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ""
			if tt.method == http.MethodPost {
				body = orderBody
			}
			code, res := e.do(t, tt.method, tt.path, tt.tok, body)
			assert.Equal(t, tt.want, code, res.Error)
		})
	}
}

func TestOrderLifecyclePublishesEvents(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := e.emitter.Subscribe(ctx, 0)

	customer := token(t, "u1", "")
	code, res := e.do(t, http.MethodPost, "/api/v1/orders", customer, orderBody)
	require.Equal(t, http.StatusCreated, code, res.Error)

	var created struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &created))
	assert.Equal(t, models.StatusPending, created.Order.Status)

	select {
	case ev := <-feed:
		assert.Equal(t, events.OrderCreated, ev.Type)
		assert.Equal(t, created.Order.ID, ev.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no event on the SSE emitter")
	}

	path := "/api/v1/orders/" + jsonNumber(created.Order.ID)
	code, _ = e.do(t, http.MethodGet, path, token(t, "u2", ""), "")
	assert.Equal(t, http.StatusNotFound, code, "other customers cannot see the order")

	code, _ = e.do(t, http.MethodPatch, path+"/status", customer, `{"status":"confirmed"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, res = e.do(t, http.MethodPatch, path+"/status", token(t, "s1", "staff"), `{"status":"confirmed"}`)
	assert.Equal(t, http.StatusOK, code, res.Error)

	code, res = e.do(t, http.MethodGet, path+"/history", customer, "")
	assert.Equal(t, http.StatusOK, code)
	var logs []models.OrderLog
	require.NoError(t, json.Unmarshal(res.Data, &logs))
	assert.Len(t, logs, 2)
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestSeedDefaults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	written, err := e.app.SeedDefaults(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{settings.PricingMatrix, settings.UploadRules}, written)

	written, err = e.app.SeedDefaults(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, written)

	written, err = e.app.SeedDefaults(ctx, true)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	// The seeded matrix is what the order service now prices with.
	code, res := e.do(t, http.MethodPost, "/api/v1/orders/quote", "", orderBody)
	require.Equal(t, http.StatusOK, code, res.Error)
	var quote struct {
		Total float64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &quote))
	assert.Equal(t, float64(420000), quote.Total)
}
