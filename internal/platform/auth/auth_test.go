package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, roles []string) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, []string{"billing"}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := JWTMiddleware(JWTConfig{SigningKey: testKey})
	err := mw(func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "user-1" {
			t.Error("subject not propagated")
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 1 || roles[0] != "billing" {
			t.Errorf("roles = %v", roles)
		}
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatalf("middleware error: %v", err)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"malformed header", "Token abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := JWTMiddleware(JWTConfig{SigningKey: testKey})(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)

			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %v", err)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		allowed  bool
	}{
		{"exact match", []string{"billing"}, []string{"billing"}, true},
		{"admin override", []string{"admin"}, []string{"billing"}, true},
		{"no match", []string{"frontdesk"}, []string{"billing"}, false},
		{"no roles", nil, []string{"billing"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, tt.roles))
			c := e.NewContext(req, httptest.NewRecorder())

			handler := JWTMiddleware(JWTConfig{SigningKey: testKey})(
				RequireRole(tt.required...)(func(c echo.Context) error {
					return c.NoContent(http.StatusOK)
				}))

			err := handler(c)
			if tt.allowed && err != nil {
				t.Errorf("expected access, got %v", err)
			}
			if !tt.allowed {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusForbidden {
					t.Errorf("expected 403, got %v", err)
				}
			}
		})
	}
}
