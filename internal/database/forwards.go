package database

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kodiq/kodiqd/internal/errdefs"
)

const DefaultRemoteHost = "localhost"

// SaveForwardRule inserts r or updates the rule with the same id. The owning
// profile must exist.
func SaveForwardRule(r *PortForwardRule) error {
	return saveForwardRule(DB, r)
}

func saveForwardRule(db *gorm.DB, r *PortForwardRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RemoteHost == "" {
		r.RemoteHost = DefaultRemoteHost
	}
	if r.LocalPort <= 0 || r.LocalPort > 65535 {
		return fmt.Errorf("save forward rule: local port %d: %w", r.LocalPort, errdefs.ErrInvalid)
	}
	if r.RemotePort <= 0 || r.RemotePort > 65535 {
		return fmt.Errorf("save forward rule: remote port %d: %w", r.RemotePort, errdefs.ErrInvalid)
	}
	if _, err := getProfile(db, r.ConnectionID); err != nil {
		return fmt.Errorf("save forward rule: %w", err)
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"local_port", "remote_host", "remote_port", "auto_start"}),
	}).Create(r).Error
}

// ListForwardRules returns the rules of one profile ordered by local port.
func ListForwardRules(connectionID string) ([]PortForwardRule, error) {
	var rules []PortForwardRule
	if err := DB.Where("connection_id = ?", connectionID).Order("local_port").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// ListAutoStartRules returns the rules of one profile that start on connect.
func ListAutoStartRules(connectionID string) ([]PortForwardRule, error) {
	var rules []PortForwardRule
	err := DB.Where("connection_id = ? AND auto_start = ?", connectionID, true).Order("local_port").Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func DeleteForwardRule(id string) error {
	res := DB.Where("id = ?", id).Delete(&PortForwardRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("forward rule %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}
