package security_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-blinds/internal/security"
)

var jwtSecret = []byte(strings.Repeat("s", 32))

func signToken(t *testing.T, issuer, role string, exp time.Time) string {
	t.Helper()
	b := jwt.NewBuilder().Subject("ops-bot").Issuer(issuer).Claim("role", role)
	if !exp.IsZero() {
		b = b.Expiration(exp)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, jwtSecret))
	require.NoError(t, err)
	return string(signed)
}

func TestAdminAuth(t *testing.T) {
	hash, err := security.HashPassword("correct horse")
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	hashed := security.AdminAuth{User: "ops", Password: hash, JWTSecret: jwtSecret, Issuer: "blinds", Logger: zerolog.Nop()}.Middleware(ok)
	plain := security.AdminAuth{User: "ops", Password: "plain-pass", Logger: zerolog.Nop()}.Middleware(ok)
	future := time.Now().Add(time.Hour)

	cases := []struct {
		name    string
		handler http.Handler
		setup   func(r *http.Request)
		want    int
	}{
		{name: "argon2id password", handler: hashed, setup: func(r *http.Request) { r.SetBasicAuth("ops", "correct horse") }, want: http.StatusNoContent},
		{name: "wrong password", handler: hashed, setup: func(r *http.Request) { r.SetBasicAuth("ops", "battery staple") }, want: http.StatusUnauthorized},
		{name: "wrong user", handler: hashed, setup: func(r *http.Request) { r.SetBasicAuth("root", "correct horse") }, want: http.StatusUnauthorized},
		{name: "plain password", handler: plain, setup: func(r *http.Request) { r.SetBasicAuth("ops", "plain-pass") }, want: http.StatusNoContent},
		{name: "no credentials", handler: plain, setup: func(*http.Request) {}, want: http.StatusUnauthorized},
		{name: "admin token", handler: hashed, setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "blinds", security.AdminRole, future))
		}, want: http.StatusNoContent},
		{name: "token without admin role", handler: hashed, setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "blinds", "viewer", future))
		}, want: http.StatusUnauthorized},
		{name: "token from other issuer", handler: hashed, setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "elsewhere", security.AdminRole, future))
		}, want: http.StatusUnauthorized},
		{name: "expired token", handler: hashed, setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "blinds", security.AdminRole, time.Now().Add(-time.Hour)))
		}, want: http.StatusUnauthorized},
		{name: "token without expiry", handler: hashed, setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "blinds", security.AdminRole, time.Time{}))
		}, want: http.StatusUnauthorized},
		{name: "tokens disabled", handler: plain, setup: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "blinds", security.AdminRole, future))
		}, want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/reconciliations", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()
			tc.handler.ServeHTTP(rr, req)
			require.Equal(t, tc.want, rr.Code)
			if tc.want == http.StatusUnauthorized {
				require.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")
				require.Contains(t, rr.Body.String(), "UNAUTHORIZED")
			}
		})
	}
}
