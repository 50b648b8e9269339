package sshmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kodiq/kodiqd/internal/errdefs"
	"github.com/kodiq/kodiqd/internal/logging"
)

// Two independent limits guard against connect storms:
//   - a sliding window of attempts per minute per connection id;
//   - a temporary block after too many consecutive failures.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type rateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter tracks connect attempts per connection id.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*rateState
	nowFn  func() time.Time
	log    zerolog.Logger
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*rateState),
		nowFn:  time.Now,
		log:    logging.Module("ssh"),
	}
}

// Allow records an attempt for id, or returns an error wrapping
// errdefs.ErrRateLimited when the attempt is refused.
func (rl *RateLimiter) Allow(id string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.stateFor(id)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		rl.log.Warn().Str("id", logging.Sanitize(id)).Int("failures", s.consecFailures).
			Dur("remaining", remaining).Msg("connect blocked")
		return fmt.Errorf("connection %s blocked after %d consecutive failures, retry after %s: %w",
			logging.Sanitize(id), s.consecFailures, remaining, errdefs.ErrRateLimited)
	}

	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		rl.log.Warn().Str("id", logging.Sanitize(id)).Int("max", rl.config.MaxAttemptsPerMinute).
			Msg("connect rate exceeded")
		return fmt.Errorf("%d connect attempts for %s in the last minute (max %d): %w",
			len(s.attempts), logging.Sanitize(id), rl.config.MaxAttemptsPerMinute, errdefs.ErrRateLimited)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure streak and any block for id.
func (rl *RateLimiter) RecordSuccess(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.stateFor(id)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure extends the failure streak for id and blocks it once the
// streak reaches the configured threshold.
func (rl *RateLimiter) RecordFailure(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.stateFor(id)
	s.consecFailures++
	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = rl.nowFn().Add(rl.config.BlockDuration)
		rl.log.Warn().Str("id", logging.Sanitize(id)).Time("until", s.blockedUntil).
			Int("failures", s.consecFailures).Msg("blocking connection")
	}
}

// RateLimitStatus is the limiter state for one id.
type RateLimitStatus struct {
	RecentAttempts    int        `json:"recent_attempts"`
	MaxAttemptsPerMin int        `json:"max_attempts_per_min"`
	ConsecFailures    int        `json:"consec_failures"`
	MaxConsecFailures int        `json:"max_consec_failures"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Status returns the limiter state for id.
func (rl *RateLimiter) Status(id string) RateLimitStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st := RateLimitStatus{
		MaxAttemptsPerMin: rl.config.MaxAttemptsPerMinute,
		MaxConsecFailures: rl.config.MaxConsecFailures,
	}
	s, ok := rl.state[id]
	if !ok {
		return st
	}
	now := rl.nowFn()
	cutoff := now.Add(-time.Minute)
	for _, t := range s.attempts {
		if t.After(cutoff) {
			st.RecentAttempts++
		}
	}
	st.ConsecFailures = s.consecFailures
	if now.Before(s.blockedUntil) {
		until := s.blockedUntil
		st.Blocked = true
		st.BlockedUntil = &until
	}
	return st
}

// Reset forgets everything about id.
func (rl *RateLimiter) Reset(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, id)
}

// stateFor must be called with rl.mu held.
func (rl *RateLimiter) stateFor(id string) *rateState {
	s, ok := rl.state[id]
	if !ok {
		s = &rateState{}
		rl.state[id] = s
	}
	return s
}
