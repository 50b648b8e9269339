package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Forward stop policies.
const (
	ForwardStopDrain = "drain"
	ForwardStopAbort = "abort"
)

type Settings struct {
	DataPath     string        `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string        `envconfig:"DATABASE_PATH" default:""`
	ListenAddr   string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7421"`
	AuthDisabled bool          `envconfig:"AUTH_DISABLED" default:"false"`
	TokenTTL     time.Duration `envconfig:"TOKEN_TTL" default:"720h"`

	// Logging
	LogPath   string `envconfig:"LOG_PATH" default:""`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Local terminals and chat
	DefaultShell   string `envconfig:"DEFAULT_SHELL" default:""`
	ChatCwd        string `envconfig:"CHAT_CWD" default:""`
	ScrollbackSize int    `envconfig:"SCROLLBACK_SIZE" default:"262144"`

	// SSH timeouts
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"15s"`
	SSHTestTimeout    time.Duration `envconfig:"SSH_TEST_TIMEOUT" default:"10s"`
	SSHExecTimeout    time.Duration `envconfig:"SSH_EXEC_TIMEOUT" default:"10s"`
	SSHHomeTimeout    time.Duration `envconfig:"SSH_HOME_TIMEOUT" default:"5s"`
	SSHHealthSchedule string        `envconfig:"SSH_HEALTH_SCHEDULE" default:"@every 30s"`

	// Port forwards
	ForwardStopPolicy string `envconfig:"FORWARD_STOP_POLICY" default:"drain"`

	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}

var Cfg Settings

// Load reads KODIQ_* environment variables into Cfg.
func Load() error {
	var s Settings
	if err := envconfig.Process("KODIQ", &s); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.validate(); err != nil {
		return err
	}
	s.applyDerived()
	Cfg = s
	return nil
}

func (s *Settings) validate() error {
	switch s.ForwardStopPolicy {
	case ForwardStopDrain, ForwardStopAbort:
	default:
		return fmt.Errorf("load config: invalid FORWARD_STOP_POLICY %q (want %q or %q)",
			s.ForwardStopPolicy, ForwardStopDrain, ForwardStopAbort)
	}
	if s.SSHConnectTimeout <= 0 || s.SSHTestTimeout <= 0 || s.SSHExecTimeout <= 0 || s.SSHHomeTimeout <= 0 {
		return fmt.Errorf("load config: ssh timeouts must be positive")
	}
	return nil
}

func (s *Settings) applyDerived() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "kodiq.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "kodiq.log")
	}
}
