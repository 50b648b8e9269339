// Package sshtunnel forwards local TCP ports to remote targets through
// direct-tcpip channels on SSH connections (the ssh -L direction).
//
// Each forward owns one listener on 127.0.0.1 and an acceptor goroutine.
// Every accepted connection re-resolves the SSH connection, opens its own
// channel and is spliced independently. Stopping a forward closes the
// listener; whether open splices drain or are cut depends on the stop
// policy.
package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/kodiq/kodiqd/internal/config"
	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/metrics"
	"github.com/kodiq/kodiqd/internal/registry"
)

const (
	// DefaultRemoteHost is the target host when none is given.
	DefaultRemoteHost = "localhost"

	spliceBufferSize = 8 * 1024
)

// ClientSource resolves a connection id to a live transport.
type ClientSource interface {
	Client(id string) (*ssh.Client, error)
}

// Info describes a running forward.
type Info struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	LocalPort    int       `json:"local_port"`
	RemoteHost   string    `json:"remote_host"`
	RemotePort   int       `json:"remote_port"`
	RuleID       string    `json:"rule_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

type forward struct {
	info     Info
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	aborted bool
	splices map[net.Conn]net.Conn
}

// Options configures a Manager.
type Options struct {
	// StopPolicy is config.ForwardStopDrain (default) or
	// config.ForwardStopAbort.
	StopPolicy string
}

// Manager owns the running forwards.
type Manager struct {
	forwards *registry.Registry[*forward]
	clients  ClientSource
	opts     Options
	log      zerolog.Logger
}

// NewManager creates a Manager that resolves connections through clients.
func NewManager(clients ClientSource, opts Options) *Manager {
	if opts.StopPolicy == "" {
		opts.StopPolicy = config.ForwardStopDrain
	}
	return &Manager{
		forwards: registry.New[*forward]("forwards", "pf"),
		clients:  clients,
		opts:     opts,
		log:      logging.Module("forward"),
	}
}

// Start binds 127.0.0.1:localPort and forwards every accepted connection to
// remoteHost:remotePort through connection connID. A bind failure is
// returned as is; there is no fallback port. localPort 0 binds an ephemeral
// port, reported in the returned Info.
func (m *Manager) Start(ctx context.Context, connID string, localPort int, remoteHost string, remotePort int) (Info, error) {
	return m.start(ctx, connID, localPort, remoteHost, remotePort, "")
}

func (m *Manager) start(ctx context.Context, connID string, localPort int, remoteHost string, remotePort int, ruleID string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	if connID == "" {
		return Info{}, fmt.Errorf("start forward: connection id is empty: %w", errdefs.ErrInvalid)
	}
	if localPort < 0 || localPort > 65535 {
		return Info{}, fmt.Errorf("start forward: local port %d: %w", localPort, errdefs.ErrInvalid)
	}
	if remotePort <= 0 || remotePort > 65535 {
		return Info{}, fmt.Errorf("start forward: remote port %d: %w", remotePort, errdefs.ErrInvalid)
	}
	if remoteHost == "" {
		remoteHost = DefaultRemoteHost
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	if err != nil {
		return Info{}, fmt.Errorf("bind 127.0.0.1:%d: %v: %w", localPort, err, errdefs.ErrBind)
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &forward{
		info: Info{
			ID:           m.forwards.NextID(),
			ConnectionID: connID,
			LocalPort:    ln.Addr().(*net.TCPAddr).Port,
			RemoteHost:   remoteHost,
			RemotePort:   remotePort,
			RuleID:       ruleID,
			StartedAt:    time.Now(),
		},
		listener: ln,
		ctx:      fctx,
		cancel:   cancel,
		splices:  make(map[net.Conn]net.Conn),
	}
	if err := m.forwards.Put(f.info.ID, f); err != nil {
		cancel()
		ln.Close()
		return Info{}, err
	}

	context.AfterFunc(fctx, func() { ln.Close() })
	f.wg.Add(1)
	go m.acceptLoop(f)

	m.log.Info().Str("id", f.info.ID).Str("connection", logging.Sanitize(connID)).
		Int("local_port", f.info.LocalPort).Str("remote_host", logging.Sanitize(remoteHost)).
		Int("remote_port", remotePort).Msg("forward started")
	return f.info, nil
}

func (m *Manager) acceptLoop(f *forward) {
	defer f.wg.Done()
	log := m.log.With().Str("id", f.info.ID).Logger()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if f.ctx.Err() == nil {
				log.Error().Err(err).Msg("accept failed, stopping forward")
				m.forwards.RemoveIf(f.info.ID, func(cur *forward) bool { return cur == f })
				f.cancel()
			}
			log.Info().Msg("forward stopped accepting")
			return
		}
		if f.ctx.Err() != nil {
			conn.Close()
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			m.handle(f, conn, log)
		}()
	}
}

// handle opens a channel for one accepted connection and splices it.
func (m *Manager) handle(f *forward, local net.Conn, log zerolog.Logger) {
	client, err := m.clients.Client(f.info.ConnectionID)
	if err != nil {
		log.Warn().Err(err).Msg("connection not available, dropping accepted connection")
		metrics.ForwardConns.WithLabelValues("unavailable").Inc()
		local.Close()
		return
	}
	target := net.JoinHostPort(f.info.RemoteHost, strconv.Itoa(f.info.RemotePort))
	remote, err := client.Dial("tcp", target)
	if err != nil {
		log.Error().Err(err).Str("target", logging.Sanitize(target)).Msg("direct-tcpip failed")
		metrics.ForwardConns.WithLabelValues("dial_failed").Inc()
		local.Close()
		return
	}
	if !f.track(local, remote) {
		local.Close()
		remote.Close()
		return
	}
	defer f.untrack(local)
	metrics.ForwardConns.WithLabelValues("spliced").Inc()

	if err := splice(local, remote); err != nil {
		log.Debug().Err(err).Msg("splice ended with error")
	}
}

// track registers a splice unless the forward has been aborted.
func (f *forward) track(local, remote net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aborted {
		return false
	}
	f.splices[local] = remote
	return true
}

func (f *forward) untrack(local net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.splices, local)
}

// abort closes every open splice.
func (f *forward) abort() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	for local, remote := range f.splices {
		local.Close()
		remote.Close()
	}
	return len(f.splices)
}

// ActiveSplices returns the number of open spliced connections for id.
func (m *Manager) ActiveSplices(id string) (int, error) {
	f, err := m.forwards.Get(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.splices), nil
}

// splice copies in both directions until either side ends, then closes both.
func splice(local, remote net.Conn) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			local.Close()
			remote.Close()
		})
	}
	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		n, err := io.CopyBuffer(remote, local, make([]byte, spliceBufferSize))
		metrics.ForwardedBytes.WithLabelValues("upstream").Add(float64(n))
		return ignoreClosed(err)
	})
	g.Go(func() error {
		defer closeBoth()
		n, err := io.CopyBuffer(local, remote, make([]byte, spliceBufferSize))
		metrics.ForwardedBytes.WithLabelValues("downstream").Add(float64(n))
		return ignoreClosed(err)
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stop removes the forward and stops it accepting. Under the abort policy
// open splices are closed too; under drain they run to their own EOF. Stop
// does not wait for either.
func (m *Manager) Stop(id string) error {
	f, err := m.forwards.Remove(id)
	if err != nil {
		return fmt.Errorf("stop forward: %w", err)
	}
	f.cancel()
	ev := m.log.Info().Str("id", id).Str("policy", m.opts.StopPolicy)
	if m.opts.StopPolicy == config.ForwardStopAbort {
		ev = ev.Int("aborted", f.abort())
	}
	ev.Msg("forward stopped")
	return nil
}

// StopConnection stops every forward riding on connection connID.
func (m *Manager) StopConnection(connID string) int {
	list, err := m.forwards.List()
	if err != nil {
		return 0
	}
	var n int
	for _, f := range list {
		if f.info.ConnectionID == connID && m.Stop(f.info.ID) == nil {
			n++
		}
	}
	return n
}

// List returns the running forwards in start order.
func (m *Manager) List() ([]Info, error) {
	list, err := m.forwards.List()
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(list))
	for i, f := range list {
		out[i] = f.info
	}
	return out, nil
}

// CloseAll stops every forward, closes open splices and waits up to timeout
// for their goroutines.
func (m *Manager) CloseAll(timeout time.Duration) {
	list := m.forwards.Drain()
	for _, f := range list {
		f.cancel()
		f.abort()
	}
	done := make(chan struct{})
	go func() {
		for _, f := range list {
			f.wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.log.Warn().Msg("timed out waiting for forwards to stop")
	}
	if len(list) > 0 {
		m.log.Info().Int("count", len(list)).Msg("stopped all forwards")
	}
}
