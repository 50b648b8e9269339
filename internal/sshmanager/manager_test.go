package sshmanager

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/sshtest"
)

type fakeStats struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeStats) RecordConnect(id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

func passwordConfig(srv *sshtest.Server, id string) ConnectionConfig {
	return ConnectionConfig{
		ID:         id,
		Name:       id,
		Host:       srv.Host(),
		Port:       srv.Port(),
		Username:   srv.User(),
		AuthMethod: AuthPassword,
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := New(opts)
	t.Cleanup(m.CloseAll)
	return m
}

// stallListener accepts TCP connections and never speaks SSH.
func stallListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestConnectValidation(t *testing.T) {
	m := newTestManager(t, Options{})
	tests := []struct {
		name string
		cfg  ConnectionConfig
		want string
	}{
		{"empty id", ConnectionConfig{Host: "h", Port: 22, Username: "u", AuthMethod: AuthKey}, "connection id is empty"},
		{"empty host", ConnectionConfig{ID: "a", Port: 22, Username: "u", AuthMethod: AuthKey}, "host is empty"},
		{"bad port", ConnectionConfig{ID: "a", Host: "h", Port: 70000, Username: "u", AuthMethod: AuthKey}, "invalid port"},
		{"no user", ConnectionConfig{ID: "a", Host: "h", Port: 22, AuthMethod: AuthKey}, "username is empty"},
		{"bad method", ConnectionConfig{ID: "a", Host: "h", Port: 22, Username: "u", AuthMethod: "otp"}, "unknown auth method"},
	}
	for _, tt := range tests {
		_, err := m.Connect(context.Background(), tt.cfg, "")
		if !errors.Is(err, errdefs.ErrInvalid) || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: got %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestConnectPassword(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "hunter2"})
	stats := &fakeStats{}
	m := newTestManager(t, Options{Stats: stats})

	var mu sync.Mutex
	var seen []Status
	m.OnStateChange(func(id string, _, to Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	})

	conn, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "hunter2")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Status != StatusConnected || conn.RemoteHome != sshtest.DefaultHome {
		t.Errorf("conn = %+v", conn)
	}
	if conn.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not set")
	}

	st, err := m.Status("box")
	if err != nil || st.Status != StatusConnected {
		t.Errorf("Status = %+v, %v", st, err)
	}
	if _, err := m.Client("box"); err != nil {
		t.Errorf("Client: %v", err)
	}
	list, _ := m.List()
	if len(list) != 1 || list[0].ID != "box" {
		t.Errorf("List = %+v", list)
	}
	if len(stats.ids) != 1 || stats.ids[0] != "box" {
		t.Errorf("stats = %v", stats.ids)
	}
	mu.Lock()
	if len(seen) != 2 || seen[0] != StatusConnecting || seen[1] != StatusConnected {
		t.Errorf("transitions = %v", seen)
	}
	mu.Unlock()
}

func TestConnectPasswordRequiresSecret(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "hunter2"})
	m := newTestManager(t, Options{})

	_, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "")
	if !errors.Is(err, errdefs.ErrAuthRequired) {
		t.Fatalf("got %v, want ErrAuthRequired", err)
	}
	if _, err := m.Status("box"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("failed connect left an entry: %v", err)
	}
}

func TestConnectWrongPassword(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "hunter2"})
	m := newTestManager(t, Options{})

	_, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "wrong")
	if !errors.Is(err, errdefs.ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
	if _, err := m.Status("box"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("failed connect left an entry: %v", err)
	}
	if got := m.RateLimitStatus("box").ConsecFailures; got != 1 {
		t.Errorf("ConsecFailures = %d", got)
	}
}

func TestConnectKeyWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	path, pub := sshtest.WriteKey(t, dir, "deploy_key", "s3cret")
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{pub}})
	m := newTestManager(t, Options{})

	cfg := passwordConfig(srv, "box")
	cfg.AuthMethod = AuthKey
	cfg.PrivateKeyPath = path

	if _, err := m.Connect(context.Background(), cfg, ""); !errors.Is(err, errdefs.ErrAuthRequired) {
		t.Fatalf("encrypted key without passphrase: got %v", err)
	}
	if _, err := m.Connect(context.Background(), cfg, "s3cret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectKeyTildePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	_, pub := sshtest.WriteKey(t, filepath.Join(home, ".ssh"), "id_rsa", "")
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{pub}})
	m := newTestManager(t, Options{})

	cfg := passwordConfig(srv, "box")
	cfg.AuthMethod = AuthKey
	// Empty path means ~/.ssh/id_rsa.
	if _, err := m.Connect(context.Background(), cfg, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectAgentProbe(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SSH_AUTH_SOCK", "")
	sshDir := filepath.Join(home, ".ssh")
	sshtest.WriteKey(t, sshDir, "id_rsa", "")
	_, pub := sshtest.WriteKey(t, sshDir, "id_ecdsa", "")
	srv := sshtest.NewServer(t, sshtest.Options{AuthorizedKeys: []ssh.PublicKey{pub}})
	m := newTestManager(t, Options{})

	cfg := passwordConfig(srv, "box")
	cfg.AuthMethod = AuthAgent
	// id_rsa is refused, id_ecdsa is accepted.
	if _, err := m.Connect(context.Background(), cfg, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectAgentNoKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := sshtest.NewServer(t, sshtest.Options{})
	m := newTestManager(t, Options{})

	cfg := passwordConfig(srv, "box")
	cfg.AuthMethod = AuthAgent
	if _, err := m.Connect(context.Background(), cfg, ""); !errors.Is(err, errdefs.ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestReconnectTearsDownPrevious(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	m := newTestManager(t, Options{})
	cfg := passwordConfig(srv, "box")

	if _, err := m.Connect(context.Background(), cfg, "pw"); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	first, _ := m.Client("box")

	if _, err := m.Connect(context.Background(), cfg, "pw"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	second, _ := m.Client("box")
	if first == second {
		t.Fatal("second connect reused the first transport")
	}

	// The first transport was closed before the second was dialed.
	waited := make(chan struct{})
	go func() {
		first.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("first transport still open")
	}
	if !srv.WaitConnCount(1, 2*time.Second) {
		t.Errorf("server sees %d connections, want 1", srv.ConnCount())
	}
	// The old watcher must not mark the replacement as errored.
	time.Sleep(50 * time.Millisecond)
	if st, _ := m.Status("box"); st.Status != StatusConnected {
		t.Errorf("status = %s", st.Status)
	}
}

func TestDisconnect(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	m := newTestManager(t, Options{})

	if _, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "pw"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Disconnect("box"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := m.Status("box"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Status after disconnect: %v", err)
	}
	if err := m.Disconnect("box"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("second Disconnect: %v", err)
	}
	if !srv.WaitConnCount(0, 2*time.Second) {
		t.Errorf("server still sees %d connections", srv.ConnCount())
	}
}

func TestTransportLossMarksError(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	m := newTestManager(t, Options{})

	if _, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "pw"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.DropAll()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := m.Status("box"); st.Status == StatusError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st, _ := m.Status("box"); st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
	if _, err := m.Client("box"); !errors.Is(err, errdefs.ErrNotConnected) {
		t.Errorf("Client on errored connection: %v", err)
	}
	if _, err := m.RunCommand(context.Background(), "box", "true"); !errors.Is(err, errdefs.ErrNotConnected) {
		t.Errorf("RunCommand on errored connection: %v", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	addr := stallListener(t)
	host, port, _ := net.SplitHostPort(addr)
	m := newTestManager(t, Options{ConnectTimeout: 200 * time.Millisecond})

	cfg := ConnectionConfig{ID: "slow", Host: host, Username: "u", AuthMethod: AuthPassword}
	cfg.Port = mustAtoi(t, port)

	start := time.Now()
	_, err := m.Connect(context.Background(), cfg, "pw")
	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("connect took %s", elapsed)
	}
	if _, err := m.Status("slow"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("timed out connect left an entry: %v", err)
	}
}

func TestRegistryLockNotHeldAcrossHandshake(t *testing.T) {
	addr := stallListener(t)
	host, port, _ := net.SplitHostPort(addr)
	m := newTestManager(t, Options{ConnectTimeout: 300 * time.Millisecond})

	cfg := ConnectionConfig{ID: "slow", Host: host, Port: mustAtoi(t, port), Username: "u", AuthMethod: AuthPassword}
	done := make(chan struct{})
	go func() {
		m.Connect(context.Background(), cfg, "pw")
		close(done)
	}()
	// Other operations proceed while the handshake stalls.
	for i := 0; i < 20; i++ {
		if _, err := m.List(); err != nil {
			t.Fatalf("List: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	<-done
	if hold := m.conns.MaxHold(); hold > 50*time.Millisecond {
		t.Errorf("registry lock held for %s", hold)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := newTestManager(t, Options{})
	cfg := ConnectionConfig{ID: "gone", Host: "127.0.0.1", Port: port, Username: "u", AuthMethod: AuthPassword}
	if _, err := m.Connect(context.Background(), cfg, "pw"); !errors.Is(err, errdefs.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
}

func TestTestDoesNotRegister(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	m := newTestManager(t, Options{})

	if err := m.Test(context.Background(), passwordConfig(srv, "box"), "pw"); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := m.Test(context.Background(), passwordConfig(srv, "box"), "nope"); !errors.Is(err, errdefs.ErrAuthFailed) {
		t.Errorf("Test with bad password: %v", err)
	}
	if list, _ := m.List(); len(list) != 0 {
		t.Errorf("Test registered %d connections", len(list))
	}
	if !srv.WaitConnCount(0, 2*time.Second) {
		t.Error("Test left its transport open")
	}
}

func TestRemoteHomeFallback(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw", Home: "   "})
	m := newTestManager(t, Options{})

	conn, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "pw")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.RemoteHome != FallbackHome {
		t.Errorf("RemoteHome = %q, want %q", conn.RemoteHome, FallbackHome)
	}
}

func TestRunCommandAndGit(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{
		Password: "pw",
		Exec: func(cmd string) (string, int) {
			if strings.HasSuffix(cmd, "git rev-parse --abbrev-ref HEAD") {
				return "  main\n", 0
			}
			return "", 1
		},
	})
	m := newTestManager(t, Options{})
	if _, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "pw"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	out, err := m.GitRun(context.Background(), "box", "/srv/it's", "rev-parse --abbrev-ref HEAD")
	if err != nil || out != "main" {
		t.Fatalf("GitRun = %q, %v", out, err)
	}
	execs := srv.Execs()
	want := `cd '/srv/it'\''s' && git rev-parse --abbrev-ref HEAD`
	if execs[len(execs)-1] != want {
		t.Errorf("exec = %s, want %s", execs[len(execs)-1], want)
	}

	if out, ok := m.GitTry(context.Background(), "box", "/srv", "log"); !ok || out != "" {
		t.Errorf("GitTry = %q, %v", out, ok)
	}
	if _, err := m.RunCommand(context.Background(), "nope", "true"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("RunCommand unknown id: %v", err)
	}
}

func TestConnectRateLimited(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	m := newTestManager(t, Options{RateLimit: RateLimitConfig{MaxAttemptsPerMinute: 2, MaxConsecFailures: 10, BlockDuration: time.Minute}})
	cfg := passwordConfig(srv, "box")

	for i := 0; i < 2; i++ {
		if _, err := m.Connect(context.Background(), cfg, "pw"); err != nil {
			t.Fatalf("Connect %d: %v", i+1, err)
		}
	}
	if _, err := m.Connect(context.Background(), cfg, "pw"); !errors.Is(err, errdefs.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	// A refused attempt does not touch the live transport.
	if st, err := m.Status("box"); err != nil || st.Status != StatusConnected {
		t.Errorf("Status = %+v, %v", st, err)
	}
}

func TestHealthCheckKeepsHealthyTransport(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	m := newTestManager(t, Options{})
	if _, err := m.Connect(context.Background(), passwordConfig(srv, "box"), "pw"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.checkHealth()
	if st, _ := m.Status("box"); st.Status != StatusConnected {
		t.Errorf("status after health check = %s", st.Status)
	}
}

func TestCloseAll(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Password: "pw"})
	m := New(Options{HealthSchedule: "@every 1h"})
	for _, id := range []string{"a", "b"} {
		if _, err := m.Connect(context.Background(), passwordConfig(srv, id), "pw"); err != nil {
			t.Fatalf("Connect %s: %v", id, err)
		}
	}
	m.CloseAll()
	if list, _ := m.List(); len(list) != 0 {
		t.Errorf("List after CloseAll = %+v", list)
	}
	if !srv.WaitConnCount(0, 2*time.Second) {
		t.Errorf("server still sees %d connections", srv.ConnCount())
	}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("atoi %q: %v", s, err)
	}
	return n
}
