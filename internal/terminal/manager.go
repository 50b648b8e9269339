// Package terminal runs local interactive programs on pseudo-terminals and
// streams their output as events.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/events"
	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/registry"
	"github.com/kodiq/kodiqd/internal/termio"
)

// Default pty dimensions for new local sessions.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// SpawnOptions describes a new local session.
type SpawnOptions struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Info summarizes a live session.
type Info struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Command   string    `json:"command"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Session is a registered local terminal.
type Session struct {
	info       Info
	proc       *Process
	scrollback *termio.Scrollback
}

// Options configures a Manager.
type Options struct {
	// DefaultShell is used for shell commands when SpawnOptions.Shell is empty.
	DefaultShell   string
	ScrollbackSize int
	// CloseGrace overrides how long Close waits before killing a child.
	CloseGrace time.Duration
}

// Manager owns the local terminal sessions.
type Manager struct {
	sessions *registry.Registry[*Session]
	sink     events.Sink
	opts     Options
	log      zerolog.Logger
}

// NewManager creates a Manager that emits to sink.
func NewManager(sink events.Sink, opts Options) *Manager {
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		sessions: registry.New[*Session]("terminals", "term"),
		sink:     sink,
		opts:     opts,
		log:      logging.Module("terminal"),
	}
}

// Spawn starts a command on a new 24x80 pty and returns its summary.
func (m *Manager) Spawn(ctx context.Context, o SpawnOptions) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	shell := o.Shell
	if shell == "" {
		shell = m.opts.DefaultShell
	}
	program, args, label := ResolveCommand(o.Command, shell)

	dir := o.Cwd
	if dir == "" {
		dir = defaultCwd()
	}

	id := m.sessions.NextID()
	log := m.log.With().Str("id", id).Logger()
	proc, err := StartProcess(ProcessSpec{
		Program: program,
		Args:    args,
		Dir:     dir,
		Env:     BuildEnv(o.Env),
		Cols:    DefaultCols,
		Rows:    DefaultRows,
	}, log)
	if err != nil {
		log.Error().Err(err).Str("program", logging.Sanitize(program)).Msg("spawn failed")
		return Info{}, err
	}
	if m.opts.CloseGrace > 0 {
		proc.grace = m.opts.CloseGrace
	}

	s := &Session{
		info: Info{
			ID:        id,
			Label:     label,
			Command:   o.Command,
			Pid:       proc.Pid(),
			StartedAt: time.Now(),
		},
		proc:       proc,
		scrollback: termio.NewScrollback(m.opts.ScrollbackSize),
	}
	if err := m.sessions.Put(id, s); err != nil {
		proc.Close()
		return Info{}, err
	}

	ports := termio.NewPortScanner()
	proc.Run(func(chunk []byte) {
		s.scrollback.Write(chunk)
		m.sink.Emit(events.SessionOutput{ID: id, Data: chunk})
		for _, p := range ports.Scan(termio.StripANSI(string(chunk))) {
			log.Info().Uint16("port", p.Port).Msg("port detected")
			m.sink.Emit(events.PortDetected{ID: id, Port: p.Port, URL: p.URL})
		}
	}, func() {
		s.scrollback.Close()
		m.sink.Emit(events.SessionExit{ID: id})
	})

	log.Info().Str("label", label).Int("pid", s.info.Pid).Msg("terminal spawned")
	return s.info, nil
}

// Write sends data to a session. Unknown ids are ignored.
func (m *Manager) Write(id string, data []byte) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil
	}
	if err := s.proc.Write(data); err != nil {
		m.log.Debug().Err(err).Str("id", id).Msg("write failed")
	}
	return nil
}

// Resize changes a session's pty size. Unknown ids are ignored.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		m.log.Debug().Err(err).Str("id", id).Msg("resize failed")
	}
	return nil
}

// Close removes a session and tears its child down. It returns after the
// reader goroutine has exited, so no event for id is emitted afterwards.
// Unknown ids are ignored.
func (m *Manager) Close(id string) error {
	s, err := m.sessions.Remove(id)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		return err
	}
	s.proc.Close()
	m.log.Info().Str("id", id).Msg("terminal closed")
	return nil
}

// List returns summaries of the live sessions in spawn order.
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

// CloseAll tears down every session. Used at shutdown.
func (m *Manager) CloseAll() {
	sessions := m.sessions.Drain()
	for _, s := range sessions {
		s.proc.Close()
	}
	if len(sessions) > 0 {
		m.log.Info().Int("count", len(sessions)).Msg("closed all terminals")
	}
}
