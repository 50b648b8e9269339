// Package sshtest runs an in-process SSH server for tests of the SSH
// engines. It supports password and public-key auth, PTY shells that echo
// their input, exec requests, window-change and direct-tcpip forwarding.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultHome is what "echo $HOME" prints unless Options.Home is set.
const DefaultHome = "/home/tester"

// Options configures a Server.
type Options struct {
	User     string // defaults to "tester"
	Password string
	// AuthorizedKeys are accepted for public-key auth.
	AuthorizedKeys []ssh.PublicKey
	Home           string
	// Exec answers exec requests other than "echo $HOME". It returns stdout
	// and the exit status. When nil, exec prints "ran: <cmd>".
	Exec func(cmd string) (string, int)
}

// Server is a running test SSH server.
type Server struct {
	Addr string

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener

	mu    sync.Mutex
	conns map[*ssh.ServerConn]struct{}
	execs []string

	wg sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 and stops it when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.User == "" {
		opts.User = "tester"
	}
	if opts.Home == "" {
		opts.Home = DefaultHome
	}

	hostSigner, _ := GenerateKey(t)
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if opts.Password != "" && c.User() == opts.User && string(pass) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() != opts.User {
				return nil, fmt.Errorf("unknown user %q", c.User())
			}
			for _, k := range opts.AuthorizedKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		Addr:     listener.Addr().String(),
		opts:     opts,
		config:   config,
		listener: listener,
		conns:    make(map[*ssh.ServerConn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// User returns the accepted user name.
func (s *Server) User() string {
	return s.opts.User
}

// ConnCount returns the number of open client connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitConnCount polls until ConnCount equals n or timeout expires.
func (s *Server) WaitConnCount(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.ConnCount() == n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.ConnCount() == n
}

// Execs returns the commands received through exec requests.
func (s *Server) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.execs))
	copy(out, s.execs)
	return out
}

// DropAll closes every client connection from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, requests, err := nch.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			go s.handleDirectTCPIP(nch)
		default:
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			req.Reply(true, nil)
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			fmt.Fprintf(ch, "PTY:%v\n", hasPTY)
			go echoShell(ch)
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			s.mu.Lock()
			s.execs = append(s.execs, payload.Command)
			s.mu.Unlock()
			out, status := s.runExec(payload.Command)
			io.WriteString(ch, out)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(cmd string) (string, int) {
	if cmd == "echo $HOME" {
		return s.opts.Home + "\n", 0
	}
	if s.opts.Exec != nil {
		return s.opts.Exec(cmd)
	}
	return "ran: " + cmd + "\n", 0
}

// echoShell writes every input chunk back prefixed with "echo:". A line
// containing "exit" ends the session.
func echoShell(ch ssh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
			if strings.Contains(string(buf[:n]), "exit") {
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleDirectTCPIP(nch ssh.NewChannel) {
	var target struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &target); err != nil {
		nch.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	remote, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
	if err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		remote.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, remote)
		ch.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(remote, ch)
		if tc, ok := remote.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	remote.Close()
}

// GenerateKey returns a fresh ed25519 signer and its OpenSSH PEM encoding.
func GenerateKey(t testing.TB) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return signer, pem.EncodeToMemory(block)
}

// WriteKey writes a new ed25519 private key to dir/name, encrypted when
// passphrase is non-empty, and returns its path and public key.
func WriteKey(t testing.TB, dir, name, passphrase string) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "sshtest")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "sshtest", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return path, signer.PublicKey()
}
