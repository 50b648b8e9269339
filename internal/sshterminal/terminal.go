package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/events"
	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/registry"
	"github.com/kodiq/kodiqd/internal/termio"
)

// IDPrefix starts every SSH terminal id.
const IDPrefix = "ssh-term"

// Queue capacities and PTY bounds.
const (
	WriteQueueSize  = 256
	ResizeQueueSize = 16

	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
	MaxTermCols uint16 = 500
	MaxTermRows uint16 = 200

	readBufferSize = 4096
)

// ClientSource resolves a connection id to a live transport.
type ClientSource interface {
	Client(id string) (*ssh.Client, error)
}

// Info summarizes a remote terminal.
type Info struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Cols         uint16    `json:"cols"`
	Rows         uint16    `json:"rows"`
	StartedAt    time.Time `json:"started_at"`
}

type size struct{ cols, rows uint16 }

type session struct {
	info       Info
	writes     chan []byte
	resizes    chan size
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	scrollback *termio.Scrollback
}

// Options configures a Manager.
type Options struct {
	ScrollbackSize int
}

// Manager owns the remote terminal sessions.
type Manager struct {
	sessions *registry.Registry[*session]
	clients  ClientSource
	sink     events.Sink
	opts     Options
	log      zerolog.Logger
}

// NewManager creates a Manager that opens channels on connections resolved
// through clients.
func NewManager(clients ClientSource, sink events.Sink, opts Options) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		sessions: registry.New[*session]("ssh-terminals", IDPrefix),
		clients:  clients,
		sink:     sink,
		opts:     opts,
		log:      logging.Module("sshterminal"),
	}
}

func clampSize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return min(cols, MaxTermCols), min(rows, MaxTermRows)
}

// Spawn opens a PTY shell on connection connID and returns its summary.
func (m *Manager) Spawn(ctx context.Context, connID string, cols, rows uint16) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	client, err := m.clients.Client(connID)
	if err != nil {
		return Info{}, fmt.Errorf("spawn ssh terminal: %w", err)
	}
	cols, rows = clampSize(cols, rows)

	sess, err := client.NewSession()
	if err != nil {
		return Info{}, fmt.Errorf("open session channel: %v: %w", err, errdefs.ErrTransport)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return Info{}, fmt.Errorf("request pty: %v: %w", err, errdefs.ErrTransport)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return Info{}, fmt.Errorf("stdin pipe: %v: %w", err, errdefs.ErrTransport)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return Info{}, fmt.Errorf("stdout pipe: %v: %w", err, errdefs.ErrTransport)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return Info{}, fmt.Errorf("start shell: %v: %w", err, errdefs.ErrTransport)
	}

	id := m.sessions.NextID()
	taskCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		info: Info{
			ID:           id,
			ConnectionID: connID,
			Cols:         cols,
			Rows:         rows,
			StartedAt:    time.Now(),
		},
		writes:     make(chan []byte, WriteQueueSize),
		resizes:    make(chan size, ResizeQueueSize),
		ctx:        taskCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		scrollback: termio.NewScrollback(m.opts.ScrollbackSize),
	}
	if err := m.sessions.Put(id, s); err != nil {
		cancel()
		sess.Close()
		return Info{}, err
	}

	go m.run(s, sess, stdin, stdout)
	m.log.Info().Str("id", id).Str("connection", logging.Sanitize(connID)).
		Uint16("cols", cols).Uint16("rows", rows).Msg("ssh terminal spawned")
	return s.info, nil
}

// run is the only goroutine that emits events for s.
func (m *Manager) run(s *session, sess *ssh.Session, stdin io.Writer, stdout io.Reader) {
	id := s.info.ID
	log := m.log.With().Str("id", id).Logger()
	// Closing the channel unblocks a pending read or a write stuck on flow
	// control, so cancellation is observed promptly.
	stopClose := context.AfterFunc(s.ctx, func() { sess.Close() })
	defer func() {
		stopClose()
		s.cancel()
		sess.Close()
		s.scrollback.Close()
		m.sessions.RemoveIf(id, func(cur *session) bool { return cur == s })
		m.sink.Emit(events.SessionExit{ID: id})
		close(s.done)
		log.Info().Msg("ssh terminal exited")
	}()

	chunks := make(chan []byte, 16)
	go func() {
		defer close(chunks)
		buf := make([]byte, readBufferSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-s.ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Msg("read ended")
				}
				return
			}
		}
	}()

	ports := termio.NewPortScanner()
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			s.scrollback.Write(chunk)
			m.sink.Emit(events.SessionOutput{ID: id, Data: chunk})
			for _, p := range ports.Scan(termio.StripANSI(string(chunk))) {
				log.Info().Uint16("port", p.Port).Msg("port detected")
				m.sink.Emit(events.PortDetected{ID: id, Port: p.Port, URL: p.URL})
			}
		case data := <-s.writes:
			if _, err := stdin.Write(data); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}
		case sz := <-s.resizes:
			if err := sess.WindowChange(int(sz.rows), int(sz.cols)); err != nil {
				log.Debug().Err(err).Msg("window change failed")
			}
		}
	}
}

// Write queues data for the session. Unknown or closed ids are ignored.
func (m *Manager) Write(id string, data []byte) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case s.writes <- buf:
	case <-s.ctx.Done():
	}
	return nil
}

// Resize queues a window change. Unknown ids are ignored, and a resize is
// dropped when the queue is full.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil
	}
	cols, rows = clampSize(cols, rows)
	select {
	case s.resizes <- size{cols: cols, rows: rows}:
	default:
		m.log.Debug().Str("id", id).Msg("resize queue full, dropping")
	}
	return nil
}

// Close cancels the session and removes it. It does not wait for the
// session goroutine; the exit event may arrive after Close returns.
// Unknown ids are ignored.
func (m *Manager) Close(id string) error {
	s, err := m.sessions.Remove(id)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		return err
	}
	s.cancel()
	m.log.Info().Str("id", id).Msg("ssh terminal close requested")
	return nil
}

// List returns the live sessions in spawn order.
func (m *Manager) List() ([]Info, error) {
	sessions, err := m.sessions.List()
	if err != nil {
		return nil, err
	}
	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.info
	}
	return out, nil
}

// Scrollback returns the buffered output of a session.
func (m *Manager) Scrollback(id string) ([]byte, error) {
	s, err := m.sessions.Get(id)
	if err != nil {
		return nil, fmt.Errorf("scrollback: %w", err)
	}
	return s.scrollback.Snapshot(), nil
}

// CloseAll cancels every session and waits up to timeout for them to exit.
func (m *Manager) CloseAll(timeout time.Duration) {
	sessions := m.sessions.Drain()
	for _, s := range sessions {
		s.cancel()
	}
	deadline := time.After(timeout)
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-deadline:
			m.log.Warn().Msg("timed out waiting for ssh terminals to exit")
			return
		}
	}
	if len(sessions) > 0 {
		m.log.Info().Int("count", len(sessions)).Msg("closed all ssh terminals")
	}
}
