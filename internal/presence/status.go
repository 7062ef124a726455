// Package presence classifies session activity and drives the periodic sweep
// that moves quiet sessions through active, idle and away.
package presence

import (
	"errors"
	"fmt"
	"time"
)

// Status is a session's activity classification as seen by other room members.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

const (
	DefaultIdleAfter     = 60 * time.Second
	DefaultAwayAfter     = 300 * time.Second
	DefaultEvictAfter    = 24 * time.Hour
	DefaultSweepInterval = 15 * time.Second
)

// ErrInvalidPolicy indicates thresholds that are non-positive or out of order.
var ErrInvalidPolicy = errors.New("presence: invalid policy")

func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusIdle:
		return 1
	case StatusAway:
		return 2
	default:
		return 3
	}
}

// Live reports whether the status belongs to a session still in its room.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusIdle || s == StatusAway
}

// String returns the wire representation of the status.
func (s Status) String() string {
	return string(s)
}

// Policy holds the inactivity thresholds. All thresholds are measured from a
// session's last inbound event.
type Policy struct {
	IdleAfter     time.Duration
	AwayAfter     time.Duration
	EvictAfter    time.Duration
	SweepInterval time.Duration
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		IdleAfter:     DefaultIdleAfter,
		AwayAfter:     DefaultAwayAfter,
		EvictAfter:    DefaultEvictAfter,
		SweepInterval: DefaultSweepInterval,
	}
}

// Validate checks that idle < away < evict and that the sweep interval is positive.
func (p Policy) Validate() error {
	switch {
	case p.IdleAfter <= 0 || p.AwayAfter <= 0 || p.EvictAfter <= 0 || p.SweepInterval <= 0:
		return fmt.Errorf("%w: thresholds must be positive", ErrInvalidPolicy)
	case p.AwayAfter <= p.IdleAfter:
		return fmt.Errorf("%w: away threshold %s must exceed idle threshold %s", ErrInvalidPolicy, p.AwayAfter, p.IdleAfter)
	case p.EvictAfter <= p.AwayAfter:
		return fmt.Errorf("%w: eviction threshold %s must exceed away threshold %s", ErrInvalidPolicy, p.EvictAfter, p.AwayAfter)
	}
	return nil
}

// Evaluate returns the status a session should hold at now given its current
// status and last inbound event, and whether it is due for eviction.
// Without new activity the result never moves back toward active, and
// offline is terminal.
func (p Policy) Evaluate(current Status, lastSeen, now time.Time) (Status, bool) {
	if current == StatusOffline {
		return StatusOffline, false
	}
	quiet := now.Sub(lastSeen)
	if quiet >= p.EvictAfter {
		return StatusOffline, true
	}

	next := StatusActive
	switch {
	case quiet >= p.AwayAfter:
		next = StatusAway
	case quiet >= p.IdleAfter:
		next = StatusIdle
	}
	if next.rank() < current.rank() {
		return current, false
	}
	return next, false
}
