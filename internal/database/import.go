package database

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// ProfileFile is the YAML layout accepted by ImportProfiles:
//
//	profiles:
//	  - id: web
//	    host: web.example.com
//	    username: deploy
//	    auth_method: key
//	    forwards:
//	      - local_port: 5173
//	        remote_port: 5173
//	        auto_start: true
type ProfileFile struct {
	Profiles []ProfileEntry `yaml:"profiles"`
}

type ProfileEntry struct {
	SSHProfile `yaml:",inline"`
	Forwards   []ForwardEntry `yaml:"forwards"`
}

type ForwardEntry struct {
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
	AutoStart  bool   `yaml:"auto_start"`
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Profiles int `json:"profiles"`
	Rules    int `json:"rules"`
}

// ImportProfiles reads a ProfileFile and saves every profile and rule in one
// transaction. A rule replaces an existing rule of the same profile on the
// same local port.
func ImportProfiles(r io.Reader) (ImportResult, error) {
	var file ProfileFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return ImportResult{}, fmt.Errorf("parse profiles: %w", err)
	}

	var res ImportResult
	err := DB.Transaction(func(tx *gorm.DB) error {
		for i := range file.Profiles {
			entry := &file.Profiles[i]
			p := entry.SSHProfile
			if err := saveProfile(tx, &p); err != nil {
				return fmt.Errorf("profile %d: %w", i+1, err)
			}
			res.Profiles++
			for _, f := range entry.Forwards {
				rule := PortForwardRule{
					ConnectionID: p.ID,
					LocalPort:    f.LocalPort,
					RemoteHost:   f.RemoteHost,
					RemotePort:   f.RemotePort,
					AutoStart:    f.AutoStart,
				}
				var existing PortForwardRule
				if err := tx.Where("connection_id = ? AND local_port = ?", p.ID, f.LocalPort).First(&existing).Error; err == nil {
					rule.ID = existing.ID
				}
				if err := saveForwardRule(tx, &rule); err != nil {
					return fmt.Errorf("profile %s: %w", p.ID, err)
				}
				res.Rules++
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}
