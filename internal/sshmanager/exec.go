package sshmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/logging"
)

// RunCommand executes command on the connection's host through an exec
// channel and returns its trimmed stdout. Output is read until EOF or the
// exec timeout; on timeout the partial output is returned together with an
// error wrapping errdefs.ErrTimeout. The remote exit status is not checked.
func (m *Manager) RunCommand(ctx context.Context, id, command string) (string, error) {
	client, err := m.Client(id)
	if err != nil {
		return "", err
	}
	out, err := runOnClient(ctx, client, command, m.opts.ExecTimeout)
	if err != nil {
		m.log.Debug().Err(err).Str("id", logging.Sanitize(id)).Msg("remote command failed")
	}
	return out, err
}

// GitRun runs "git <args>" inside path on the remote host. args is passed
// to the shell as given; path is quoted.
func (m *Manager) GitRun(ctx context.Context, id, path, args string) (string, error) {
	return m.RunCommand(ctx, id, GitCommand(path, args))
}

// GitTry is GitRun for callers that only care about success.
func (m *Manager) GitTry(ctx context.Context, id, path, args string) (string, bool) {
	out, err := m.GitRun(ctx, id, path, args)
	return out, err == nil
}

// GitCommand builds the shell command GitRun executes.
func GitCommand(path, args string) string {
	return fmt.Sprintf("cd %s && git %s", ShellQuote(path), args)
}

// detectRemoteHome asks the remote shell for $HOME and falls back to
// FallbackHome on any failure.
func (m *Manager) detectRemoteHome(ctx context.Context, client *ssh.Client) string {
	out, err := runOnClient(ctx, client, "echo $HOME", m.opts.HomeTimeout)
	if err != nil || out == "" {
		m.log.Debug().Err(err).Msg("remote home detection failed, using fallback")
		return FallbackHome
	}
	return out
}

func runOnClient(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open exec channel: %v: %w", err, errdefs.ErrTransport)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("exec stdout: %v: %w", err, errdefs.ErrTransport)
	}
	if err := sess.Start(command); err != nil {
		return "", fmt.Errorf("remote exec: %v: %w", err, errdefs.ErrTransport)
	}

	var buf bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(&buf, stdout)
		copied <- err
	}()

	select {
	case err = <-copied:
	case <-ctx.Done():
		// Closing the channel unblocks the copy.
		sess.Close()
		<-copied
		out := strings.TrimSpace(buf.String())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("remote exec after %s: %w", timeout, errdefs.ErrTimeout)
		}
		return out, ctx.Err()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return strings.TrimSpace(buf.String()), fmt.Errorf("read exec output: %v: %w", err, errdefs.ErrTransport)
	}
	return strings.TrimSpace(buf.String()), nil
}
