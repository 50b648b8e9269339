package sshmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/metrics"
	"github.com/kodiq/kodiqd/internal/registry"
)

// Defaults used when Options leaves a timeout unset.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultTestTimeout    = 10 * time.Second
	DefaultExecTimeout    = 10 * time.Second
	DefaultHomeTimeout    = 5 * time.Second
	DefaultPort           = 22

	// FallbackHome is reported when the remote home cannot be detected.
	FallbackHome = "/root"
)

// Options configures a Manager.
type Options struct {
	ConnectTimeout time.Duration
	TestTimeout    time.Duration
	ExecTimeout    time.Duration
	HomeTimeout    time.Duration
	// HealthSchedule is a cron spec for keepalive checks. Empty disables them.
	HealthSchedule string
	RateLimit      RateLimitConfig
	// Stats, when set, receives a record for every successful connect.
	Stats StatsRecorder
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.TestTimeout <= 0 {
		o.TestTimeout = DefaultTestTimeout
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = DefaultExecTimeout
	}
	if o.HomeTimeout <= 0 {
		o.HomeTimeout = DefaultHomeTimeout
	}
	if o.RateLimit == (RateLimitConfig{}) {
		o.RateLimit = DefaultRateLimitConfig()
	}
}

// connection is an immutable registry entry. Status changes replace it.
type connection struct {
	cfg         ConnectionConfig
	client      *ssh.Client
	status      Status
	remoteHome  string
	connectedAt time.Time
}

func (c *connection) snapshot() ActiveConnection {
	return ActiveConnection{
		ID:          c.cfg.ID,
		Config:      c.cfg,
		Status:      c.status,
		RemoteHome:  c.remoteHome,
		ConnectedAt: c.connectedAt,
	}
}

// Manager owns SSH transports keyed by connection id.
type Manager struct {
	conns   *registry.Registry[*connection]
	states  *stateTracker
	limiter *RateLimiter
	opts    Options
	log     zerolog.Logger

	lockMu       sync.Mutex
	connectLocks map[string]*sync.Mutex

	cron *cron.Cron
}

// New creates a Manager and starts its health job when scheduled.
func New(opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		conns:        registry.New[*connection]("ssh", "ssh"),
		states:       newStateTracker(),
		limiter:      NewRateLimiter(opts.RateLimit),
		opts:         opts,
		log:          logging.Module("ssh"),
		connectLocks: make(map[string]*sync.Mutex),
		cron:         cron.New(),
	}
	if opts.HealthSchedule != "" {
		if _, err := m.cron.AddFunc(opts.HealthSchedule, m.checkHealth); err != nil {
			m.log.Error().Err(err).Str("schedule", opts.HealthSchedule).Msg("invalid health schedule, keepalive disabled")
		} else {
			m.cron.Start()
		}
	}
	return m
}

// connectLock serializes Connect calls for one id.
func (m *Manager) connectLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.connectLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.connectLocks[id] = l
	}
	return l
}

// Connect opens a transport for cfg and registers it under cfg.ID. Any
// transport already registered under that id is closed first. A failed
// connect leaves nothing registered.
func (m *Manager) Connect(ctx context.Context, cfg ConnectionConfig, secret string) (ActiveConnection, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if err := cfg.validate(); err != nil {
		return ActiveConnection{}, fmt.Errorf("connect: %v: %w", err, errdefs.ErrInvalid)
	}
	if err := m.limiter.Allow(cfg.ID); err != nil {
		metrics.SSHConnects.WithLabelValues("rate_limited").Inc()
		return ActiveConnection{}, err
	}

	l := m.connectLock(cfg.ID)
	l.Lock()
	defer l.Unlock()

	log := m.log.With().Str("id", logging.Sanitize(cfg.ID)).
		Str("addr", logging.Sanitize(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))).Logger()

	if old, err := m.conns.Remove(cfg.ID); err == nil {
		m.closeTransport(old)
		m.states.set(cfg.ID, StatusDisconnected)
		log.Info().Msg("closed previous transport before reconnect")
	} else if !errors.Is(err, errdefs.ErrNotFound) {
		return ActiveConnection{}, err
	}

	pending := &connection{cfg: cfg, status: StatusConnecting}
	if err := m.conns.Put(cfg.ID, pending); err != nil {
		return ActiveConnection{}, err
	}
	m.states.set(cfg.ID, StatusConnecting)

	log.Warn().Msg("host key verification disabled for this connection")
	client, err := m.dial(ctx, cfg, secret, m.opts.ConnectTimeout)
	if err != nil {
		m.conns.RemoveIf(cfg.ID, func(c *connection) bool { return c == pending })
		m.states.set(cfg.ID, StatusError)
		m.states.remove(cfg.ID)
		m.limiter.RecordFailure(cfg.ID)
		metrics.SSHConnects.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("connect failed")
		return ActiveConnection{}, err
	}

	conn := &connection{
		cfg:         cfg,
		client:      client,
		status:      StatusConnected,
		remoteHome:  m.detectRemoteHome(ctx, client),
		connectedAt: time.Now(),
	}
	var installed bool
	err = m.conns.Update(cfg.ID, func(c *connection) *connection {
		if c != pending {
			return c
		}
		installed = true
		return conn
	})
	if err != nil || !installed {
		client.Close()
		m.states.remove(cfg.ID)
		return ActiveConnection{}, fmt.Errorf("connect %s: disconnected while connecting: %w",
			logging.Sanitize(cfg.ID), errdefs.ErrNotConnected)
	}

	m.limiter.RecordSuccess(cfg.ID)
	metrics.SSHConnects.WithLabelValues("success").Inc()
	if m.opts.Stats != nil {
		if err := m.opts.Stats.RecordConnect(cfg.ID, conn.connectedAt); err != nil {
			log.Warn().Err(err).Msg("failed to record connect stats")
		}
	}
	go m.watch(cfg.ID, client)

	log.Info().Str("home", conn.remoteHome).Msg("connected")
	m.states.set(cfg.ID, StatusConnected)
	return conn.snapshot(), nil
}

// Test performs the handshake and authentication for cfg without
// registering anything.
func (m *Manager) Test(ctx context.Context, cfg ConnectionConfig, secret string) error {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ID == "" {
		cfg.ID = "test"
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("test: %v: %w", err, errdefs.ErrInvalid)
	}
	client, err := m.dial(ctx, cfg, secret, m.opts.TestTimeout)
	if err != nil {
		return err
	}
	return client.Close()
}

// Disconnect removes the transport for id and closes it together with every
// channel opened on it.
func (m *Manager) Disconnect(id string) error {
	c, err := m.conns.Remove(id)
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	m.closeTransport(c)
	m.states.set(id, StatusDisconnected)
	m.states.remove(id)
	m.log.Info().Str("id", logging.Sanitize(id)).Msg("disconnected")
	return nil
}

// Status returns a snapshot of the connection registered under id.
func (m *Manager) Status(id string) (ActiveConnection, error) {
	c, err := m.conns.Get(id)
	if err != nil {
		return ActiveConnection{}, err
	}
	return c.snapshot(), nil
}

// List returns snapshots of every registered connection.
func (m *Manager) List() ([]ActiveConnection, error) {
	conns, err := m.conns.List()
	if err != nil {
		return nil, err
	}
	out := make([]ActiveConnection, len(conns))
	for i, c := range conns {
		out[i] = c.snapshot()
	}
	return out, nil
}

// Client returns the transport for id so the caller can open channels on it.
// It fails unless the connection is connected.
func (m *Manager) Client(id string) (*ssh.Client, error) {
	c, err := m.conns.Get(id)
	if err != nil {
		return nil, err
	}
	if c.status != StatusConnected || c.client == nil {
		return nil, fmt.Errorf("connection %s is not active (%s): %w",
			logging.Sanitize(id), c.status, errdefs.ErrNotConnected)
	}
	return c.client, nil
}

// OnStateChange registers cb for every status transition.
func (m *Manager) OnStateChange(cb StateCallback) {
	m.states.onChange(cb)
}

// History returns the recorded status transitions for id.
func (m *Manager) History(id string) []StateTransition {
	return m.states.history(id)
}

// RateLimitStatus reports the connect limiter state for id.
func (m *Manager) RateLimitStatus(id string) RateLimitStatus {
	return m.limiter.Status(id)
}

// CloseAll stops the health job and closes every transport.
func (m *Manager) CloseAll() {
	<-m.cron.Stop().Done()
	conns := m.conns.Drain()
	for _, c := range conns {
		m.closeTransport(c)
		m.states.remove(c.cfg.ID)
	}
	if len(conns) > 0 {
		m.log.Info().Int("count", len(conns)).Msg("closed all connections")
	}
}

func (m *Manager) closeTransport(c *connection) {
	if c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.log.Debug().Err(err).Str("id", logging.Sanitize(c.cfg.ID)).Msg("close transport")
	}
}

// watch marks the connection as errored once its transport dies, unless it
// was removed or replaced in the meantime.
func (m *Manager) watch(id string, client *ssh.Client) {
	err := client.Wait()
	var marked bool
	m.conns.Update(id, func(c *connection) *connection {
		if c.client != client || c.status != StatusConnected {
			return c
		}
		marked = true
		cp := *c
		cp.status = StatusError
		return &cp
	})
	if marked {
		m.log.Warn().Err(err).Str("id", logging.Sanitize(id)).Msg("transport lost")
		m.states.set(id, StatusError)
	}
}

// dial opens and authenticates a transport within timeout.
func (m *Manager) dial(ctx context.Context, cfg ConnectionConfig, secret string, timeout time.Duration) (*ssh.Client, error) {
	auth, cleanup, err := m.authMethods(cfg, secret)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialErr(ctx, addr, err)
	}
	// Closing the socket is the only way to interrupt a stuck handshake.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, clientCfg)
	if !stop() {
		if err == nil {
			cc.Close()
			err = ctx.Err()
		}
		return nil, classifyDialErr(ctx, addr, err)
	}
	if err != nil {
		nc.Close()
		return nil, classifyDialErr(ctx, addr, err)
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

func classifyDialErr(ctx context.Context, addr string, err error) error {
	addr = logging.Sanitize(addr)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("connect %s: %v: %w", addr, err, errdefs.ErrTimeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("connect %s: %w", addr, ctx.Err())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("connect %s: %v: %w", addr, err, errdefs.ErrTimeout)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("connect %s: %v: %w", addr, err, errdefs.ErrAuthFailed)
	}
	return fmt.Errorf("connect %s: %v: %w", addr, err, errdefs.ErrTransport)
}
