package main

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gorm.io/gorm/logger"

	"github.com/kodiq/kodiqd/internal/config"
	"github.com/kodiq/kodiqd/internal/crypto"
	"github.com/kodiq/kodiqd/internal/database"
	"github.com/kodiq/kodiqd/internal/sshmanager"
	"github.com/kodiq/kodiqd/internal/sshtest"
)

func setupTestDBMain(t *testing.T) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() {
		database.Close()
		database.DB = prev
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func lineEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					c.Write([]byte(line))
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAutoStartForwardsOnConnect(t *testing.T) {
	setupTestDBMain(t)
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})

	app := NewApp(config.Settings{})
	t.Cleanup(app.Close)

	profile := database.SSHProfile{
		ID: "box", Host: srv.Host(), Port: srv.Port(), Username: srv.User(), AuthMethod: "password",
	}
	if err := database.SaveProfile(&profile); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	local := freePort(t)
	rule := database.PortForwardRule{
		ConnectionID: "box", LocalPort: local, RemoteHost: "127.0.0.1", RemotePort: lineEcho(t), AutoStart: true,
	}
	if err := database.SaveForwardRule(&rule); err != nil {
		t.Fatalf("SaveForwardRule: %v", err)
	}
	manual := database.PortForwardRule{ConnectionID: "box", LocalPort: freePort(t), RemotePort: 80}
	if err := database.SaveForwardRule(&manual); err != nil {
		t.Fatalf("SaveForwardRule: %v", err)
	}

	cfg := sshmanager.ConnectionConfig{
		ID: "box", Host: srv.Host(), Port: srv.Port(), Username: srv.User(), AuthMethod: sshmanager.AuthPassword,
	}
	if _, err := app.SSH.Connect(context.Background(), cfg, "pw"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		list, _ := app.Forwards.List()
		if len(list) == 1 && list[0].RuleID == rule.ID && list[0].LocalPort == local {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("auto-start forward not running: %+v", list)
		}
		time.Sleep(10 * time.Millisecond)
	}

	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(local), 2*time.Second)
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(3 * time.Second))
	c.Write([]byte("ping\n"))
	if line, err := bufio.NewReader(c).ReadString('\n'); err != nil || line != "ping\n" {
		t.Errorf("read = %q, %v", line, err)
	}

	p, err := database.GetProfile("box")
	if err != nil || p.ConnectCount != 1 || p.LastConnected == nil {
		t.Errorf("connect stats not recorded: %+v, %v", p, err)
	}
}

func TestRouterAuth(t *testing.T) {
	setupTestDBMain(t)
	prev := config.Cfg
	config.Cfg.AuthDisabled = false
	config.Cfg.TokenTTL = time.Hour
	t.Cleanup(func() { config.Cfg = prev })

	app := NewApp(config.Settings{})
	t.Cleanup(app.Close)
	h := app.Router(true)

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if code := get("/health", ""); code != http.StatusOK {
		t.Errorf("/health = %d", code)
	}
	if code := get("/metrics", ""); code != http.StatusOK {
		t.Errorf("/metrics = %d", code)
	}
	if code := get("/api/v1/terminals", ""); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d", code)
	}
	tok, err := crypto.IssueToken("test")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if code := get("/api/v1/terminals", tok); code != http.StatusOK {
		t.Errorf("authenticated = %d", code)
	}
	if code := get("/nowhere", ""); code != http.StatusNotFound {
		t.Errorf("unknown path = %d", code)
	}
}
