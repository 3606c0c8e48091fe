package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-blinds/internal/common"
)

// AdminRole is the role claim a bearer token must carry.
const AdminRole = "admin"

// AdminAuth guards operator endpoints. It accepts HTTP basic auth against
// User/Password, where Password is either plain text or an argon2id hash, and
// HS256 bearer tokens signed with JWTSecret carrying role=admin. A zero
// AdminAuth rejects everything.
type AdminAuth struct {
	User      string
	Password  string
	JWTSecret []byte
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	Logger zerolog.Logger
	Now    func() time.Time
}

func (a AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := a.authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin credentials required", nil)
			return
		}
		a.Logger.Info().
			Str("principal", principal).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("admin_request")
		next.ServeHTTP(w, r)
	})
}

func (a AdminAuth) authenticate(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return a.bearer(strings.TrimSpace(h[7:]))
	}
	user, pass, ok := r.BasicAuth()
	if !ok || a.User == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.User)) != 1 {
		return "", false
	}
	if !a.passwordMatches(pass) {
		return "", false
	}
	return user, true
}

func (a AdminAuth) passwordMatches(pass string) bool {
	if strings.HasPrefix(a.Password, "$argon2id$") {
		match, err := argon2id.ComparePasswordAndHash(pass, a.Password)
		if err != nil {
			a.Logger.Error().Err(err).Msg("admin_password_hash_invalid")
			return false
		}
		return match
	}
	return a.Password != "" && subtle.ConstantTimeCompare([]byte(pass), []byte(a.Password)) == 1
}

func (a AdminAuth) bearer(raw string) (string, bool) {
	if len(a.JWTSecret) == 0 || raw == "" {
		return "", false
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, a.JWTSecret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if a.Now != nil {
		opts = append(opts, jwt.WithClock(jwt.ClockFunc(a.Now)))
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		a.Logger.Debug().Err(err).Msg("admin_token_rejected")
		return "", false
	}
	if tok.Expiration().IsZero() {
		return "", false
	}
	role, _ := tok.Get("role")
	if s, _ := role.(string); s != AdminRole {
		return "", false
	}
	return "token:" + tok.Subject(), true
}

// HashPassword returns an argon2id hash suitable for ADMIN_PASSWORD.
func HashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, argon2id.DefaultParams)
}
