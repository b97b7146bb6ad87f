package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"tabesh/internal/models"
)

// Claims is the subset of a verified token the service relies on.
type Claims struct {
	Subject string
	Role    models.Role
}

// Verifier checks a raw bearer token.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// ExtractTokenFromRequest extracts a JWT token from an HTTP request's Authorization header
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("authorization header format must be 'Bearer {token}'")
	}

	return parts[1], nil
}

// HMACVerifier validates HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (*Claims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claimsFromMap(claims)
}

// OIDCVerifier validates tokens issued by an OpenID Connect provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return claimsFromMap(claims)
}

func claimsFromMap(claims map[string]interface{}) (*Claims, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("subject claim not found in token")
	}
	return &Claims{Subject: sub, Role: roleFromClaims(claims)}, nil
}

// roleFromClaims reads "role", then "roles", then Keycloak's
// realm_access.roles, keeping the most privileged role found.
func roleFromClaims(claims map[string]interface{}) models.Role {
	var names []string
	if r, ok := claims["role"].(string); ok {
		names = append(names, r)
	}
	names = append(names, stringList(claims["roles"])...)
	if ra, ok := claims["realm_access"].(map[string]interface{}); ok {
		names = append(names, stringList(ra["roles"])...)
	}

	best := models.RoleCustomer
	for _, n := range names {
		switch models.Role(strings.ToLower(n)) {
		case models.RoleAdmin:
			return models.RoleAdmin
		case models.RoleStaff:
			best = models.RoleStaff
		}
	}
	return best
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
