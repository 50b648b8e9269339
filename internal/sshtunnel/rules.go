package sshtunnel

import (
	"context"
	"fmt"
)

// Rule is a saved forward definition.
type Rule struct {
	ID         string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// StartRules starts a forward for each rule on connection connID, skipping
// rules that already have a running forward. It returns the forwards it
// started and one error per rule that failed.
func (m *Manager) StartRules(ctx context.Context, connID string, rules []Rule) ([]Info, []error) {
	running, err := m.List()
	if err != nil {
		return nil, []error{err}
	}
	active := make(map[string]bool, len(running))
	for _, f := range running {
		if f.RuleID != "" {
			active[f.RuleID] = true
		}
	}

	var started []Info
	var errs []error
	for _, r := range rules {
		if active[r.ID] {
			continue
		}
		info, err := m.start(ctx, connID, r.LocalPort, r.RemoteHost, r.RemotePort, r.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("rule", r.ID).Msg("auto-start forward failed")
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		started = append(started, info)
	}
	return started, errs
}
