package sshmanager

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/logging"
)

// DefaultKeyPath is used for key auth when the config names no key.
const DefaultKeyPath = "~/.ssh/id_rsa"

// probeKeys are tried in order by agent auth.
var probeKeys = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// ExpandTilde replaces a leading "~" with the user's home directory.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// authMethods builds the single ssh.AuthMethod for cfg. The returned cleanup
// releases an ssh-agent socket, if one was opened, once the handshake is done.
func (m *Manager) authMethods(cfg ConnectionConfig, secret string) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch cfg.AuthMethod {
	case AuthPassword:
		if secret == "" {
			return nil, noop, fmt.Errorf("password auth for %s: %w", logging.Sanitize(cfg.ID), errdefs.ErrAuthRequired)
		}
		return []ssh.AuthMethod{ssh.Password(secret)}, noop, nil

	case AuthKey:
		path := cfg.PrivateKeyPath
		if path == "" {
			path = DefaultKeyPath
		}
		signer, err := loadSigner(ExpandTilde(path), secret)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthAgent:
		var signers []ssh.Signer
		home, _ := os.UserHomeDir()
		for _, name := range probeKeys {
			path := filepath.Join(home, ".ssh", name)
			signer, err := loadSigner(path, "")
			if err != nil {
				m.log.Debug().Err(err).Str("key", name).Msg("skipping identity")
				continue
			}
			signers = append(signers, signer)
		}

		cleanup := noop
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				if agentSigners, err := agent.NewClient(conn).Signers(); err == nil {
					signers = append(signers, agentSigners...)
				}
				cleanup = func() { conn.Close() }
			}
		}
		if len(signers) == 0 {
			cleanup()
			return nil, noop, fmt.Errorf("no usable identity in ~/.ssh or ssh-agent: %w", errdefs.ErrAuthFailed)
		}
		// The client offers each signer in order and stops at the first the
		// server accepts.
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, cleanup, nil
	}
	return nil, noop, fmt.Errorf("unknown auth method %q", cfg.AuthMethod)
}

// loadSigner reads a private key, decrypting it with passphrase when given.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %v: %w", logging.Sanitize(path), err, errdefs.ErrAuthFailed)
	}
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypt private key %s: %v: %w", logging.Sanitize(path), err, errdefs.ErrAuthFailed)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is encrypted: %w", logging.Sanitize(path), errdefs.ErrAuthRequired)
		}
		return nil, fmt.Errorf("parse private key %s: %v: %w", logging.Sanitize(path), err, errdefs.ErrAuthFailed)
	}
	return signer, nil
}
