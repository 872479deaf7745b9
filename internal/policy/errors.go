package policy

import "fmt"

// PolicyViolation reports a rejected write: an out-of-bounds target, a step
// or slew overage, an unelapsed cooldown, or writes disabled entirely.
// Never retried — the input itself is invalid.
type PolicyViolation struct {
	Channel string
	Message string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy: channel %q: %s", e.Channel, e.Message)
}

func violationf(channel, format string, args ...any) error {
	return &PolicyViolation{Channel: channel, Message: fmt.Sprintf(format, args...)}
}
