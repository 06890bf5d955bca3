package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	cfg := JWTConfig{SigningKey: testSigningKey}
	mw := JWTMiddleware(cfg)
	h := mw(handler)
	err := h(c)

	if err == nil {
		t.Fatal("expected error for missing header")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			handler := func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			}

			cfg := JWTConfig{SigningKey: testSigningKey}
			mw := JWTMiddleware(cfg)
			h := mw(handler)
			err := h(c)

			if err == nil {
				t.Fatal("expected error for invalid format")
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", httpErr.Code)
			}
		})
	}
}

func serveWithToken(t *testing.T, mw echo.MiddlewareFunc, tokenStr string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if tokenStr != "" {
		req.Header.Set("Authorization", "Bearer "+tokenStr)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(handler)(c)
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
		Role: "kasir",
	}
	tokenStr := createTestToken(t, claims, testSigningKey)

	err := serveWithToken(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tokenStr, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err == nil {
		t.Fatal("expected error for expired token")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-456",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Name:  "dr. Dibya",
		Role:  "Dokter",
		Roles: []string{"dokter", "superadmin"},
	}
	tokenStr := createTestToken(t, claims, testSigningKey)

	var handlerCalled bool
	err := serveWithToken(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tokenStr, func(c echo.Context) error {
		handlerCalled = true
		ctx := c.Request().Context()

		if uid := UserIDFromContext(ctx); uid != "user-456" {
			t.Errorf("expected user_id=user-456, got %s", uid)
		}
		if name := UserNameFromContext(ctx); name != "dr. Dibya" {
			t.Errorf("expected name claim, got %q", name)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 2 || roles[0] != "dokter" || roles[1] != "superadmin" {
			t.Errorf("expected roles=[dokter superadmin], got %v", roles)
		}
		tok, ok := TokenFromContext(ctx)
		if !ok || tok != tokenStr {
			t.Errorf("expected raw bearer token in context")
		}
		return c.String(http.StatusOK, "ok")
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, Claims{Role: "kasir"}, []byte("another-key"))
	err := serveWithToken(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tokenStr, func(c echo.Context) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected error for token signed with a different key")
	}
}

func TestDevAuthMiddleware_NoTokenActsAsPhysician(t *testing.T) {
	var handlerCalled bool
	err := serveWithToken(t, DevAuthMiddleware(), "", func(c echo.Context) error {
		handlerCalled = true
		a := ActorFromContext(c.Request().Context())
		if a.ID != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", a.ID)
		}
		if !a.IsPhysician() {
			t.Errorf("expected dev user to be a physician, got %v", a.Roles)
		}
		if _, ok := TokenFromContext(c.Request().Context()); !ok {
			t.Error("expected a dev token to be forwarded")
		}
		return c.String(http.StatusOK, "ok")
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestDevAuthMiddleware_ForwardsSuppliedToken(t *testing.T) {
	tokenStr := createTestToken(t, Claims{Name: "Bidan Rina", Role: "bidan"}, []byte("whatever"))
	err := serveWithToken(t, DevAuthMiddleware(), tokenStr, func(c echo.Context) error {
		ctx := c.Request().Context()
		a := ActorFromContext(ctx)
		if a.Name != "Bidan Rina" || a.IsPhysician() {
			t.Errorf("unexpected actor %+v", a)
		}
		if tok, _ := TokenFromContext(ctx); tok != tokenStr {
			t.Error("supplied token must be forwarded as is")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
