package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger builds the process logger. format is json (default) or console.
func NewLogger(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// RequestLogger writes one structured line per request and exposes a
// request-scoped logger through zerolog.Ctx.
type RequestLogger struct {
	Logger zerolog.Logger
}

// urlParamFields maps route parameters onto log fields.
var urlParamFields = map[string]string{
	"id":        "cart_id",
	"itemId":    "line_id",
	"productId": "product_id",
	"sid":       "session_id",
}

func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped := l.Logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

		sw := newStatusWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(scoped.WithContext(r.Context())))

		evt := scoped.Info()
		switch {
		case sw.status >= http.StatusInternalServerError:
			evt = scoped.Error()
		case sw.status == http.StatusServiceUnavailable, sw.status == http.StatusTooManyRequests:
			evt = scoped.Warn()
		}
		route := RoutePattern(r)
		if route == "" {
			route = r.URL.Path
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", route).
			Int("status", sw.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", sw.bytes)
		if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.IsValid() {
			evt = evt.Str("trace_id", spanCtx.TraceID().String())
		}
		if rc := chi.RouteContext(r.Context()); rc != nil {
			for i, key := range rc.URLParams.Keys {
				if field, ok := urlParamFields[key]; ok && i < len(rc.URLParams.Values) {
					evt = evt.Str(field, rc.URLParams.Values[i])
				}
			}
		}
		evt.Msg("http_request")
	})
}
