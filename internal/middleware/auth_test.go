package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm/logger"

	"github.com/kodiq/kodiqd/internal/config"
	"github.com/kodiq/kodiqd/internal/crypto"
	"github.com/kodiq/kodiqd/internal/database"
)

func setup(t *testing.T, authDisabled bool) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	prevDB, prevCfg := database.DB, config.Cfg
	database.DB = db
	config.Cfg.AuthDisabled = authDisabled
	config.Cfg.TokenTTL = time.Hour
	t.Cleanup(func() {
		database.Close()
		database.DB = prevDB
		config.Cfg = prevCfg
	})
}

func protected() http.Handler {
	return RequireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetSubject(r)))
	}))
}

func TestRequireToken(t *testing.T) {
	setup(t, false)
	tok, err := crypto.IssueToken("cli")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"bearer", "Bearer " + tok, "", http.StatusOK, "cli"},
		{"query", "", tok, http.StatusOK, "cli"},
		{"wrong scheme", "Basic " + tok, tok, http.StatusUnauthorized, ""},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/terminals"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			protected().ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}

func TestRequireTokenAuthDisabled(t *testing.T) {
	setup(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/terminals", nil)
	w := httptest.NewRecorder()
	protected().ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "local" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}
