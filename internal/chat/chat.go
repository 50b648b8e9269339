// Package chat runs one AI CLI at a time in non-interactive mode and streams
// its cleaned output as chat events.
package chat

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kodiq/kodiqd/internal/events"
	"github.com/kodiq/kodiqd/internal/logging"
	"github.com/kodiq/kodiqd/internal/terminal"
	"github.com/kodiq/kodiqd/internal/termio"
)

// Chat processes get a wide pty so the CLIs do not hard-wrap prose.
const (
	ptyCols uint16 = 120
	ptyRows uint16 = 24
)

// promptFlags holds the flag each known provider takes before the prompt.
var promptFlags = map[string]string{
	"claude": "-p",
	"gemini": "-p",
	"codex":  "-q",
}

// BuildArgs resolves provider to a program and appends the prompt the way
// that provider expects it in non-interactive mode.
func BuildArgs(provider, prompt string) (program string, args []string) {
	program, args, _ = terminal.ResolveCommand(provider, "")
	if flag, ok := promptFlags[provider]; ok {
		args = append(args, flag)
	}
	return program, append(args, prompt)
}

// Runner owns the single chat slot.
type Runner struct {
	mu     sync.Mutex
	active *run
	sink   events.Sink
	cwd    string
	log    zerolog.Logger
}

type run struct {
	provider string
	proc     *terminal.Process
}

// NewRunner creates a Runner. defaultCwd is used when Send gets no cwd.
func NewRunner(sink events.Sink, defaultCwd string) *Runner {
	if sink == nil {
		sink = events.Discard
	}
	return &Runner{sink: sink, cwd: defaultCwd, log: logging.Module("chat")}
}

// Send stops any running chat, then starts provider with prompt. Chunks and
// the final done event are emitted from the reader goroutine.
func (r *Runner) Send(ctx context.Context, provider, prompt, cwd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()

	if cwd == "" {
		cwd = r.cwd
	}
	if cwd == "" {
		cwd, _ = os.UserHomeDir()
	}

	program, args := BuildArgs(provider, prompt)
	log := r.log.With().Str("provider", logging.Sanitize(provider)).Logger()
	proc, err := terminal.StartProcess(terminal.ProcessSpec{
		Program: program,
		Args:    args,
		Dir:     cwd,
		Env:     terminal.BuildEnv(nil),
		Cols:    ptyCols,
		Rows:    ptyRows,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("chat spawn failed")
		return err
	}

	proc.Run(func(chunk []byte) {
		if clean := termio.StripANSI(string(chunk)); clean != "" {
			r.sink.Emit(events.ChatChunk{Provider: provider, Content: clean})
		}
	}, func() {
		r.sink.Emit(events.ChatDone{Provider: provider})
	})

	r.active = &run{provider: provider, proc: proc}
	log.Info().Int("pid", proc.Pid()).Msg("chat process spawned")
	return nil
}

// Stop tears down the running chat, if any, and waits for its reader.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// Active returns the provider of the running chat, or "".
func (r *Runner) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.provider
}

func (r *Runner) stopLocked() {
	if r.active == nil {
		return
	}
	r.active.proc.Close()
	r.log.Info().Str("provider", logging.Sanitize(r.active.provider)).Msg("chat process stopped")
	r.active = nil
}
