package instrument

import (
	"time"

	"github.com/BB-84C/nanonis-bridge/internal/policy"
)

// Identity mirrors the original's get_idn(): vendor/model identification
// surfaced for diagnostics.
type Identity struct {
	Vendor   string
	Model    string
	Serial   string
	Firmware string
}

// WriteAuditStatus tags the outcome of a guarded write attempt.
type WriteAuditStatus string

const (
	AuditApplied WriteAuditStatus = "applied"
	AuditDryRun  WriteAuditStatus = "dry_run"
	AuditBlocked WriteAuditStatus = "blocked"
	AuditFailed  WriteAuditStatus = "failed"
)

// GuardedWriteAuditEntry records one planned or executed write/action,
// mirroring qcodes_driver/instrument.py's GuardedWriteAuditEntry.
type GuardedWriteAuditEntry struct {
	TimestampS float64
	Operation  string
	Status     WriteAuditStatus
	DryRun     bool
	Detail     string
	Metadata   map[string]any
}

// InstrumentEventKind tags the variant of an InstrumentEvent.
type InstrumentEventKind string

const (
	EventCommandResult  InstrumentEventKind = "command_result"
	EventStateTransition InstrumentEventKind = "state_transition"
	EventWriteAudit     InstrumentEventKind = "write_audit"
)

// InstrumentEvent is a small tagged union emitted on the Instrument's event
// sink channel so a Monitor (or any subscriber) can observe activity
// without the Instrument importing the Monitor package.
type InstrumentEvent struct {
	Kind    InstrumentEventKind
	At      time.Time
	Payload map[string]any
}

// ScanFrameState is the five-channel aggregate the scan-frame commands
// move together: X/Y center, width, height, and frame angle.
type ScanFrameState struct {
	CenterXM  float64
	CenterYM  float64
	WidthM    float64
	HeightM   float64
	AngleDeg  float64
}

// ScanFrameWritePlan is the aggregate plan produced by PlanScanFrame: a
// per-channel Policy plan for each of the five scan-frame channels, kept
// so ExecuteScanFrame can later call Policy.RecordWrite per channel.
type ScanFrameWritePlan struct {
	CurrentFrame   ScanFrameState
	TargetFrame    ScanFrameState
	StepCount      int
	IntervalS      time.Duration
	DryRun         bool
	ComponentPlans map[string]policy.WritePlan
}

// ScanFrameWriteReport summarizes the outcome of ExecuteScanFrame.
type ScanFrameWriteReport struct {
	DryRun         bool
	AttemptedSteps int
	AppliedSteps   int
	InitialFrame   ScanFrameState
	TargetFrame    ScanFrameState
	FinalFrame     ScanFrameState
}

const (
	ScanFrameCenterX = "scan_frame_center_x_m"
	ScanFrameCenterY = "scan_frame_center_y_m"
	ScanFrameWidth   = "scan_frame_width_m"
	ScanFrameHeight  = "scan_frame_height_m"
	ScanFrameAngle   = "scan_frame_angle_deg"
)

// ScanFrameChannels lists the five Policy channel names that make up a
// scan frame, in the order the original's as_command_args() emits them.
var ScanFrameChannels = []string{
	ScanFrameCenterX, ScanFrameCenterY, ScanFrameWidth, ScanFrameHeight, ScanFrameAngle,
}
