package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kodiq/kodiqd/internal/errdefs"
)

// SaveProfile inserts p or updates the profile with the same id. Connect
// statistics and the creation time of an existing profile are kept. An
// empty id is filled with a new UUID.
func SaveProfile(p *SSHProfile) error {
	return saveProfile(DB, p)
}

func saveProfile(db *gorm.DB, p *SSHProfile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Port == 0 {
		p.Port = 22
	}
	if p.AuthMethod == "" {
		p.AuthMethod = "key"
	}
	if p.Name == "" {
		p.Name = p.Host
	}
	if strings.TrimSpace(p.Host) == "" || strings.TrimSpace(p.Username) == "" {
		return fmt.Errorf("save profile %s: host and username are required: %w", p.ID, errdefs.ErrInvalid)
	}
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "host", "port", "username", "auth_method", "private_key_path", "updated_at",
		}),
	}).Create(p).Error
}

func GetProfile(id string) (*SSHProfile, error) {
	return getProfile(DB, id)
}

func getProfile(db *gorm.DB, id string) (*SSHProfile, error) {
	var p SSHProfile
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("profile %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// ListProfiles returns the saved profiles, most recently connected first and
// never-connected ones last, ties broken by name.
func ListProfiles() ([]SSHProfile, error) {
	var profiles []SSHProfile
	err := DB.Order("last_connected IS NULL").Order("last_connected DESC").Order("name ASC").Find(&profiles).Error
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// DeleteProfile removes the profile and its forward rules.
func DeleteProfile(id string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", id).Delete(&PortForwardRule{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&SSHProfile{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("profile %s: %w", id, errdefs.ErrNotFound)
		}
		return nil
	})
}

// RecordConnect stamps last_connected and bumps connect_count. Connections
// without a saved profile are ignored.
func RecordConnect(id string, at time.Time) error {
	return DB.Model(&SSHProfile{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"last_connected": at,
		"connect_count":  gorm.Expr("connect_count + 1"),
	}).Error
}

// ConnectStats records successful connects against saved profiles.
type ConnectStats struct{}

func (ConnectStats) RecordConnect(id string, at time.Time) error {
	return RecordConnect(id, at)
}
