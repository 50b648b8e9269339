package sshmanager

import (
	"fmt"
	"strings"
	"time"
)

// AuthMethod selects how a connection authenticates.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
	// AuthAgent probes the default identity files under ~/.ssh and any
	// running ssh-agent.
	AuthAgent AuthMethod = "agent"
)

// ParseAuthMethod accepts the stored or wire form of an auth method.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch m := AuthMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case AuthKey, AuthPassword, AuthAgent:
		return m, nil
	default:
		return "", fmt.Errorf("unknown auth method %q", s)
	}
}

// ConnectionConfig describes how to reach one remote host.
type ConnectionConfig struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Username       string     `json:"username"`
	AuthMethod     AuthMethod `json:"auth_method"`
	PrivateKeyPath string     `json:"private_key_path,omitempty"`
}

func (c ConnectionConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection id is empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is empty")
	}
	if _, err := ParseAuthMethod(string(c.AuthMethod)); err != nil {
		return err
	}
	return nil
}

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ActiveConnection is a snapshot of a registered connection.
type ActiveConnection struct {
	ID          string           `json:"id"`
	Config      ConnectionConfig `json:"config"`
	Status      Status           `json:"status"`
	RemoteHome  string           `json:"remote_home,omitempty"`
	ConnectedAt time.Time        `json:"connected_at"`
}

// StatsRecorder persists connect statistics for saved profiles.
type StatsRecorder interface {
	RecordConnect(id string, at time.Time) error
}
