package security

import (
	"net/http"
	"strconv"
	"time"
)

// Headers sets the response headers every API reply carries.
type Headers struct {
	// HSTS is the Strict-Transport-Security max-age sent on TLS requests.
	// Zero leaves the header off.
	HSTS time.Duration
	// NoStore marks responses uncacheable; carts and quotes are per-shopper.
	NoStore bool
}

func (h Headers) static() http.Header {
	set := http.Header{}
	set.Set("X-Content-Type-Options", "nosniff")
	set.Set("X-Frame-Options", "DENY")
	set.Set("Referrer-Policy", "no-referrer")
	set.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
	if h.NoStore {
		set.Set("Cache-Control", "no-store")
	}
	return set
}

// Middleware writes the headers before the wrapped handler runs, so handlers
// may still override any of them.
func (h Headers) Middleware(next http.Handler) http.Handler {
	static := h.static()
	var hsts string
	if h.HSTS > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(h.HSTS/time.Second), 10) + "; includeSubDomains"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := w.Header()
		for k, v := range static {
			out[k] = v
		}
		if hsts != "" && r.TLS != nil {
			out.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
