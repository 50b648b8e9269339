package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kodiq/kodiqd/internal/logging"
)

// RequestLogger logs one line per request at debug level, and at warn for
// server errors.
func RequestLogger(next http.Handler) http.Handler {
	log := logging.Module("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := log.Debug()
		if ww.Status() >= 500 {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", logging.Sanitize(r.URL.Path)).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
