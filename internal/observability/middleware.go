package observability

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per request at a level derived from the status.
func RequestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			event := logger.Info()
			if m.Code >= 500 {
				event = logger.Error()
			} else if m.Code >= 400 {
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", routePath(r)).
				Int("status", m.Code).
				Dur("duration", m.Duration).
				Str("client_ip", r.RemoteAddr).
				Int64("bytes", m.Written).
				Msg("http_request")
		})
	}
}

func RequestMetricsMiddleware(node string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			RecordHTTPRequest(node, r.Method, routePath(r), m.Code, m.Duration)
		})
	}
}

// routePath prefers the matched route template so labels stay bounded.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}
