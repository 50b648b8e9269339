package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"

	"github.com/kodiq/kodiqd/internal/errdefs"
)

const (
	readBufferSize = 4096
	// eot is written to the pty on close so a line-reading child sees EOF.
	eot = "\n\x04"
	// defaultCloseGrace bounds how long Close waits for the reader after
	// hang-up before killing the child.
	defaultCloseGrace = 2 * time.Second
)

// ProcessSpec describes a child to start on a pty.
type ProcessSpec struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Process is a child attached to a pty master. A single reader goroutine
// owns all reads from the master; Close tears the child down in order and
// joins that goroutine.
type Process struct {
	cmd    *exec.Cmd
	master *os.File

	writeMu sync.Mutex

	running    atomic.Bool
	readerDone chan struct{}
	exited     chan struct{}

	closeOnce sync.Once
	grace     time.Duration
	log       zerolog.Logger
}

// StartProcess opens a pty of the requested size and starts the child on it.
// No goroutine reads the master until Run is called.
func StartProcess(ps ProcessSpec, log zerolog.Logger) (*Process, error) {
	if ps.Program == "" {
		return nil, fmt.Errorf("start process: empty program: %w", errdefs.ErrSpawn)
	}
	cmd := exec.Command(ps.Program, ps.Args...)
	cmd.Env = ps.Env
	cmd.Dir = ps.Dir

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ps.Rows, Cols: ps.Cols})
	if err != nil {
		return nil, fmt.Errorf("start %s: %v: %w", ps.Program, err, errdefs.ErrSpawn)
	}

	p := &Process{
		cmd:        cmd,
		master:     master,
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		grace:      defaultCloseGrace,
		log:        log,
	}
	// Reap the child independently of the reader so it never lingers as a
	// zombie when nobody calls Close.
	go func() {
		err := cmd.Wait()
		p.log.Debug().Err(err).Int("pid", p.Pid()).Msg("child exited")
		close(p.exited)
	}()
	return p, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Run starts the reader goroutine. onData receives a private copy of every
// chunk read; onExit runs once, after the last onData, when the master
// reports EOF or an error.
func (p *Process) Run(onData func([]byte), onExit func()) {
	p.running.Store(true)
	go func() {
		defer close(p.readerDone)
		buf := make([]byte, readBufferSize)
		for {
			n, err := p.master.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onData(chunk)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					p.log.Debug().Err(err).Msg("pty read ended")
				}
				break
			}
		}
		onExit()
	}()
}

// Write sends data to the child's input.
func (p *Process) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.master.Write(data)
	return err
}

// Resize changes the pty window size.
func (p *Process) Resize(cols, rows uint16) error {
	return pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Close runs the ordered teardown: EOT on the input side, hang-up to the
// child, close the master, then wait for the reader. If the reader has not
// finished within the grace period the child is killed. Close returns only
// after the reader goroutine has exited, or immediately if Run was never
// called.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		// Not under writeMu: a Write stuck on a full pty must not stall
		// teardown. Closing the master below unblocks it.
		_ = p.master.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_, _ = io.WriteString(p.master, eot)

		hangup(p.cmd)
		_ = p.master.Close()

		if !p.running.Load() {
			return
		}
		select {
		case <-p.readerDone:
		case <-time.After(p.grace):
			p.log.Warn().Int("pid", p.Pid()).Msg("reader still running after hang-up, killing child")
			kill(p.cmd)
			<-p.readerDone
		}
	})
}

// ReaderDone is closed when the reader goroutine has exited.
func (p *Process) ReaderDone() <-chan struct{} {
	return p.readerDone
}
