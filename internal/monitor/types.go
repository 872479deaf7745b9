// Package monitor drives a periodic signal/spec sampling loop against an
// Instrument, persisting samples and derived action events to a Store,
// grounded on the original Python trajectory/monitor.py's
// TrajectoryMonitorRunner and generalized into the teacher's
// internal/worker goroutine-loop shape (stopCh/stoppedCh graceful
// shutdown, per-tick panic safety).
package monitor

import "time"

// Config describes one monitoring run's identity, cadence, and the
// catalogue-declared parameters sampled as signals and specs.
type Config struct {
	RunName       string
	Interval      time.Duration
	RotateEntries int
	ActionWindow  time.Duration
	SignalLabels  []string
	SpecLabels    []string
}

func (c Config) validate() error {
	if c.RunName == "" {
		return &ConfigError{Field: "RunName", Message: "must be non-empty"}
	}
	if c.Interval <= 0 {
		return &ConfigError{Field: "Interval", Message: "must be positive"}
	}
	if c.RotateEntries < 1 {
		return &ConfigError{Field: "RotateEntries", Message: "must be at least 1"}
	}
	if c.ActionWindow < 0 {
		return &ConfigError{Field: "ActionWindow", Message: "must be non-negative"}
	}
	return nil
}
