package sshmanager

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/logging"
)

// checkHealth sends a keepalive on every connected transport. A transport
// that does not answer is closed; its watcher then marks it as errored.
func (m *Manager) checkHealth() {
	conns, err := m.conns.List()
	if err != nil {
		m.log.Error().Err(err).Msg("health check: list connections")
		return
	}
	for _, c := range conns {
		if c.status != StatusConnected || c.client == nil {
			continue
		}
		if err := keepalive(c.client, m.opts.ExecTimeout); err != nil {
			m.log.Warn().Err(err).Str("id", logging.Sanitize(c.cfg.ID)).Msg("keepalive failed, closing transport")
			c.client.Close()
		}
	}
}

// keepalive sends keepalive@openssh.com and waits up to timeout for the reply.
func keepalive(client *ssh.Client, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("keepalive: %v: %w", err, errdefs.ErrTransport)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("keepalive: %w", errdefs.ErrTimeout)
	}
}
