package monitor

import "fmt"

// ConfigError is raised for a malformed Config, before any Run row is created.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("monitor: config field %s: %s", e.Field, e.Message)
}

// UnknownLabelError is raised when a configured signal or spec label does
// not resolve to a parameter in the current Catalogue. Labels are
// validated before run creation so a typo never produces a half-started run.
type UnknownLabelError struct {
	Kind  string // "signal" or "spec"
	Label string
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("monitor: unknown %s label %q: no such catalogue parameter", e.Kind, e.Label)
}
