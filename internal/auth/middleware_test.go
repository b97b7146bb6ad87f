package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabesh/internal/logger"
	"tabesh/internal/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func echoActor() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := ActorFrom(r.Context())
		w.Header().Set("X-User", a.UserID)
		w.Header().Set("X-Role", string(a.Role))
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	mw := Middleware(NewHMACVerifier(testSecret), logger.Nop())

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantUser string
		wantRole string
	}{
		{"missing header", "", http.StatusUnauthorized, "", ""},
		{"bad format", "Token abc", http.StatusUnauthorized, "", ""},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized, "", ""},
		{"customer", "Bearer " + signToken(t, jwt.MapClaims{"sub": "u1"}), http.StatusOK, "u1", "customer"},
		{"staff via role", "Bearer " + signToken(t, jwt.MapClaims{"sub": "s1", "role": "staff"}), http.StatusOK, "s1", "staff"},
		{"admin via keycloak roles", "Bearer " + signToken(t, jwt.MapClaims{
			"sub":          "a1",
			"realm_access": map[string]interface{}{"roles": []interface{}{"offline_access", "admin"}},
		}), http.StatusOK, "a1", "admin"},
		{"expired", "Bearer " + signToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw(echoActor()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantUser, rec.Header().Get("X-User"))
			assert.Equal(t, tt.wantRole, rec.Header().Get("X-Role"))
		})
	}
}

func TestHMACVerifierRejectsOtherAlgorithms(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewHMACVerifier(testSecret).Verify(context.Background(), tok)
	assert.Error(t, err)
}

func TestOptionalMiddlewareFallsBackToGuest(t *testing.T) {
	mw := OptionalMiddleware(NewHMACVerifier(testSecret), logger.Nop())

	rec := httptest.NewRecorder()
	mw(echoActor()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "guest", rec.Header().Get("X-Role"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"sub": "u9"}))
	rec = httptest.NewRecorder()
	mw(echoActor()).ServeHTTP(rec, req)
	assert.Equal(t, "u9", rec.Header().Get("X-User"))
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(models.RoleStaff, models.RoleAdmin)(echoActor())

	ctx := WithClaims(context.Background(), &Claims{Subject: "u1", Role: models.RoleCustomer})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	ctx = WithClaims(context.Background(), &Claims{Subject: "s1", Role: models.RoleStaff})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusOK, rec.Code)
}
