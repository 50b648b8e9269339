package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kodiq/kodiqd/internal/config"
	"github.com/kodiq/kodiqd/internal/crypto"
)

type contextKey string

const subjectContextKey contextKey = "subject"

// TokenQueryParam carries the token for clients that cannot set headers,
// such as browser websockets.
const TokenQueryParam = "token"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireToken rejects requests without a valid API token. The token is read
// from an "Authorization: Bearer" header or the token query parameter.
func RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Cfg.AuthDisabled {
			ctx := context.WithValue(r.Context(), subjectContextKey, "local")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
			return
		}
		subject, err := crypto.VerifyToken(token, config.Cfg.TokenTTL)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// GetSubject returns the token subject of an authenticated request.
func GetSubject(r *http.Request) string {
	s, _ := r.Context().Value(subjectContextKey).(string)
	return s
}

// WithSubjectForTest attaches a subject to the request context for testing.
func WithSubjectForTest(r *http.Request, subject string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), subjectContextKey, subject))
}
