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

func newContext(authHeader string) echo.Context {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/accounts", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(newContext(""))
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(newContext(header))
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	cfg := JWTConfig{Issuer: "hospital-idp", Audience: "billing", SigningKey: testSigningKey}
	token, err := IssueToken(cfg, "cashier-7", "st_marys", []string{RoleBilling}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	c := newContext("Bearer " + token)
	var gotUser string
	var gotRoles []string
	h := JWTMiddleware(cfg)(func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "cashier-7" {
		t.Errorf("user = %q", gotUser)
	}
	if len(gotRoles) != 1 || gotRoles[0] != RoleBilling {
		t.Errorf("roles = %v", gotRoles)
	}
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "st_marys" {
		t.Errorf("jwt_tenant_id = %q", tid)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	cfg := JWTConfig{Issuer: "hospital-idp", Audience: "billing", SigningKey: testSigningKey}

	expired, _ := IssueToken(cfg, "u1", "t1", nil, -time.Minute)
	wrongIssuer, _ := IssueToken(JWTConfig{Issuer: "other", Audience: "billing", SigningKey: testSigningKey}, "u1", "t1", nil, time.Hour)
	wrongKey, _ := IssueToken(JWTConfig{Issuer: "hospital-idp", Audience: "billing", SigningKey: []byte("another-key-another-key-another")}, "u1", "t1", nil, time.Hour)
	noSubject, _ := IssueToken(cfg, "", "t1", nil, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":      expired,
		"wrong issuer": wrongIssuer,
		"wrong key":    wrongKey,
		"no subject":   noSubject,
		"alg none":     none,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			err := JWTMiddleware(cfg)(okHandler)(newContext("Bearer " + token))
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	if err := JWTMiddleware(cfg)(okHandler)(newContext("")); err != nil {
		t.Fatalf("skipped request should pass, got %v", err)
	}
}

func TestDevAuthMiddleware_NoHeader(t *testing.T) {
	c := newContext("")
	h := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		if UserIDFromContext(c.Request().Context()) != "dev-user" {
			t.Error("expected dev-user")
		}
		if !HasRole(RolesFromContext(c.Request().Context()), RoleBillingSupervisor) {
			t.Error("dev user should be admin")
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_ValidatesProvidedToken(t *testing.T) {
	err := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(newContext("Bearer garbage"))
	expectStatus(t, err, http.StatusUnauthorized)
}
