package database

import "time"

// SSHProfile is a saved SSH connection. Secrets are never stored.
type SSHProfile struct {
	ID             string     `gorm:"primaryKey;size:128" json:"id" yaml:"id"`
	Name           string     `gorm:"not null" json:"name" yaml:"name"`
	Host           string     `gorm:"not null" json:"host" yaml:"host"`
	Port           int        `gorm:"not null;default:22" json:"port" yaml:"port"`
	Username       string     `gorm:"not null" json:"username" yaml:"username"`
	AuthMethod     string     `gorm:"not null;default:key" json:"auth_method" yaml:"auth_method"`
	PrivateKeyPath string     `json:"private_key_path,omitempty" yaml:"private_key_path"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at" yaml:"-"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at" yaml:"-"`
	LastConnected  *time.Time `json:"last_connected,omitempty" yaml:"-"`
	ConnectCount   int        `gorm:"not null;default:0" json:"connect_count" yaml:"-"`
}

func (SSHProfile) TableName() string { return "ssh_connections" }

// PortForwardRule is a saved forward for one profile. AutoStart rules are
// started after each successful connect.
type PortForwardRule struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	ConnectionID string    `gorm:"not null;index" json:"connection_id"`
	LocalPort    int       `gorm:"not null" json:"local_port"`
	RemoteHost   string    `gorm:"not null;default:localhost" json:"remote_host"`
	RemotePort   int       `gorm:"not null" json:"remote_port"`
	AutoStart    bool      `gorm:"not null;default:false" json:"auto_start"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (PortForwardRule) TableName() string { return "ssh_port_forwards" }

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
