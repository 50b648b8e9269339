package database

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm/logger"

	"github.com/kodiq/kodiqd/internal/errdefs"
)

// setupTestDB points DB at a fresh SQLite file for the test.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	prev := DB
	DB = db
	t.Cleanup(func() {
		Close()
		DB = prev
	})
}

func mustSaveProfile(t *testing.T, p SSHProfile) SSHProfile {
	t.Helper()
	if err := SaveProfile(&p); err != nil {
		t.Fatalf("SaveProfile(%s): %v", p.ID, err)
	}
	return p
}

func TestSettings(t *testing.T) {
	setupTestDB(t)

	if _, err := GetSetting("missing"); err == nil {
		t.Error("expected error for missing setting")
	}
	if err := SetSetting("k", "v1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := SetSetting("k", "v2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	if v, err := GetSetting("k"); err != nil || v != "v2" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}
	if err := DeleteSetting("k"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := GetSetting("k"); err == nil {
		t.Error("setting still present after delete")
	}
}

func TestSaveProfileDefaults(t *testing.T) {
	setupTestDB(t)

	p := mustSaveProfile(t, SSHProfile{Host: "10.0.0.5", Username: "deploy"})
	if p.ID == "" || p.Port != 22 || p.AuthMethod != "key" || p.Name != "10.0.0.5" {
		t.Errorf("defaults not applied: %+v", p)
	}
	if err := SaveProfile(&SSHProfile{ID: "bad", Host: " "}); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestSaveProfileUpsertKeepsStats(t *testing.T) {
	setupTestDB(t)

	mustSaveProfile(t, SSHProfile{ID: "web", Name: "Web", Host: "web.local", Username: "root"})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := RecordConnect("web", at); err != nil {
		t.Fatalf("RecordConnect: %v", err)
	}
	if err := (ConnectStats{}).RecordConnect("web", at.Add(time.Hour)); err != nil {
		t.Fatalf("ConnectStats.RecordConnect: %v", err)
	}

	mustSaveProfile(t, SSHProfile{ID: "web", Name: "Web 2", Host: "web2.local", Port: 2222, Username: "admin"})

	got, err := GetProfile("web")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Name != "Web 2" || got.Host != "web2.local" || got.Port != 2222 || got.Username != "admin" {
		t.Errorf("fields not updated: %+v", got)
	}
	if got.ConnectCount != 2 {
		t.Errorf("ConnectCount = %d, want 2", got.ConnectCount)
	}
	if got.LastConnected == nil || !got.LastConnected.Equal(at.Add(time.Hour)) {
		t.Errorf("LastConnected = %v", got.LastConnected)
	}
}

func TestRecordConnectUnknownProfile(t *testing.T) {
	setupTestDB(t)
	if err := RecordConnect("adhoc", time.Now()); err != nil {
		t.Errorf("RecordConnect on unsaved connection: %v", err)
	}
}

func TestListProfilesOrder(t *testing.T) {
	setupTestDB(t)

	mustSaveProfile(t, SSHProfile{ID: "a", Name: "zeta", Host: "h", Username: "u"})
	mustSaveProfile(t, SSHProfile{ID: "b", Name: "alpha", Host: "h", Username: "u"})
	mustSaveProfile(t, SSHProfile{ID: "c", Name: "old", Host: "h", Username: "u"})
	mustSaveProfile(t, SSHProfile{ID: "d", Name: "new", Host: "h", Username: "u"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	RecordConnect("c", base)
	RecordConnect("d", base.Add(time.Minute))

	list, err := ListProfiles()
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	var names []string
	for _, p := range list {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "new,old,alpha,zeta" {
		t.Errorf("order = %s", got)
	}
}

func TestDeleteProfileCascadesRules(t *testing.T) {
	setupTestDB(t)

	mustSaveProfile(t, SSHProfile{ID: "web", Host: "h", Username: "u"})
	if err := SaveForwardRule(&PortForwardRule{ConnectionID: "web", LocalPort: 3000, RemotePort: 3000}); err != nil {
		t.Fatalf("SaveForwardRule: %v", err)
	}
	if err := DeleteProfile("web"); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if _, err := GetProfile("web"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("GetProfile after delete: %v", err)
	}
	if rules, _ := ListForwardRules("web"); len(rules) != 0 {
		t.Errorf("rules left behind: %+v", rules)
	}
	if err := DeleteProfile("web"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestForwardRules(t *testing.T) {
	setupTestDB(t)
	mustSaveProfile(t, SSHProfile{ID: "web", Host: "h", Username: "u"})

	vite := PortForwardRule{ConnectionID: "web", LocalPort: 5173, RemotePort: 5173, AutoStart: true}
	if err := SaveForwardRule(&vite); err != nil {
		t.Fatalf("SaveForwardRule: %v", err)
	}
	if len(vite.ID) != 36 || vite.RemoteHost != DefaultRemoteHost {
		t.Errorf("defaults not applied: %+v", vite)
	}
	pg := PortForwardRule{ConnectionID: "web", LocalPort: 5432, RemoteHost: "db.internal", RemotePort: 5432}
	if err := SaveForwardRule(&pg); err != nil {
		t.Fatalf("SaveForwardRule: %v", err)
	}
	api := PortForwardRule{ConnectionID: "web", LocalPort: 3000, RemotePort: 8080, AutoStart: true}
	if err := SaveForwardRule(&api); err != nil {
		t.Fatalf("SaveForwardRule: %v", err)
	}

	rules, err := ListForwardRules("web")
	if err != nil {
		t.Fatalf("ListForwardRules: %v", err)
	}
	if len(rules) != 3 || rules[0].LocalPort != 3000 || rules[2].LocalPort != 5432 {
		t.Errorf("rules = %+v", rules)
	}

	auto, err := ListAutoStartRules("web")
	if err != nil {
		t.Fatalf("ListAutoStartRules: %v", err)
	}
	if len(auto) != 2 || auto[0].ID != api.ID || auto[1].ID != vite.ID {
		t.Errorf("auto = %+v", auto)
	}

	// Update in place.
	api.AutoStart = false
	api.RemotePort = 9090
	if err := SaveForwardRule(&api); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	if auto, _ := ListAutoStartRules("web"); len(auto) != 1 {
		t.Errorf("auto after update = %+v", auto)
	}

	if err := DeleteForwardRule(pg.ID); err != nil {
		t.Fatalf("DeleteForwardRule: %v", err)
	}
	if err := DeleteForwardRule(pg.ID); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestSaveForwardRuleValidation(t *testing.T) {
	setupTestDB(t)
	mustSaveProfile(t, SSHProfile{ID: "web", Host: "h", Username: "u"})

	tests := []struct {
		name string
		rule PortForwardRule
	}{
		{"unknown profile", PortForwardRule{ConnectionID: "nope", LocalPort: 1, RemotePort: 1}},
		{"zero local port", PortForwardRule{ConnectionID: "web", LocalPort: 0, RemotePort: 1}},
		{"remote port too big", PortForwardRule{ConnectionID: "web", LocalPort: 1, RemotePort: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			if err := SaveForwardRule(&r); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestImportProfiles(t *testing.T) {
	setupTestDB(t)

	doc := `
profiles:
  - id: web
    name: Web
    host: web.example.com
    port: 2222
    username: deploy
    auth_method: password
    forwards:
      - local_port: 5173
        remote_port: 5173
        auto_start: true
      - local_port: 5432
        remote_host: db.internal
        remote_port: 5432
  - host: 10.0.0.9
    username: root
`
	res, err := ImportProfiles(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ImportProfiles: %v", err)
	}
	if res.Profiles != 2 || res.Rules != 2 {
		t.Errorf("result = %+v", res)
	}
	web, err := GetProfile("web")
	if err != nil || web.Port != 2222 || web.AuthMethod != "password" {
		t.Fatalf("web = %+v, %v", web, err)
	}

	// Importing again replaces rules by local port instead of duplicating.
	if _, err := ImportProfiles(strings.NewReader(doc)); err != nil {
		t.Fatalf("second import: %v", err)
	}
	rules, _ := ListForwardRules("web")
	if len(rules) != 2 || rules[1].RemoteHost != "db.internal" {
		t.Errorf("rules = %+v", rules)
	}
	list, _ := ListProfiles()
	if len(list) != 3 {
		t.Errorf("profiles = %d, want 3 (the id-less entry gets a fresh id each import)", len(list))
	}
}

func TestImportProfilesRollsBack(t *testing.T) {
	setupTestDB(t)

	doc := `
profiles:
  - id: ok
    host: h
    username: u
  - id: broken
    host: h
    username: u
    forwards:
      - local_port: 0
        remote_port: 80
`
	if _, err := ImportProfiles(strings.NewReader(doc)); err == nil {
		t.Fatal("expected error")
	}
	if list, _ := ListProfiles(); len(list) != 0 {
		t.Errorf("partial import committed: %+v", list)
	}
	if _, err := ImportProfiles(strings.NewReader("profiles:\n  - hostt: x\n")); err == nil {
		t.Error("expected error for unknown field")
	}
}
