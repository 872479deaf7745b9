// Package instrument binds a Catalogue snapshot to one Transport session and
// one Policy, exposing the guarded read/write/action surface described in
// SPEC_FULL.md §4.4, grounded on qcodes_driver/instrument.py's
// QcodesNanonisSTM facade.
package instrument

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BB-84C/nanonis-bridge/internal/catalogue"
	"github.com/BB-84C/nanonis-bridge/internal/policy"
	"github.com/BB-84C/nanonis-bridge/internal/transport"
)

const (
	scanFrameGetCommand = "Scan.FrameGet"
	scanFrameSetCommand = "Scan.FrameSet"
)

// Transport is the subset of *transport.Transport the Instrument depends
// on, accepted as an interface so tests can substitute a fake session.
type Transport interface {
	Call(ctx context.Context, command string, args map[string]transport.WireValue, order []string) (transport.CommandResponse, error)
	AvailableCommands(ctx context.Context, match string) ([]string, error)
	Version() string
	Health() transport.HealthReport
}

// Instrument is a thin, stateful façade over Catalogue+Transport+Policy.
type Instrument struct {
	catalogue catalogue.Catalogue
	transport Transport
	policy    *policy.Policy
	events    chan<- InstrumentEvent

	mu         sync.Mutex
	lastValues map[string]any
	auditLog   []GuardedWriteAuditEntry
}

// New constructs an Instrument. events may be nil; if non-nil, every
// parameter read result, state transition, and write audit is published to it
// (non-blocking: a full channel drops the event rather than stalling I/O).
func New(cat catalogue.Catalogue, tr Transport, pol *policy.Policy, events chan<- InstrumentEvent) *Instrument {
	return &Instrument{
		catalogue:  cat,
		transport:  tr,
		policy:     pol,
		events:     events,
		lastValues: make(map[string]any),
	}
}

func (in *Instrument) emit(kind InstrumentEventKind, payload map[string]any) {
	if in.events == nil {
		return
	}
	select {
	case in.events <- InstrumentEvent{Kind: kind, At: time.Now(), Payload: payload}:
	default:
	}
}

// Get reads a parameter's current value through its ReadCommand.
func (in *Instrument) Get(ctx context.Context, name string) (any, error) {
	spec, ok := in.catalogue.Parameter(name)
	if !ok {
		return nil, &UnknownParameter{Name: name}
	}
	if !spec.Readable() {
		return nil, &NotReadable{Name: name}
	}

	args, order := wireArgsFromFixed(spec.ReadCommand.Command, spec.ReadCommand.Args)
	resp, err := in.transport.Call(ctx, spec.ReadCommand.Command, args, order)
	if err != nil {
		return nil, err
	}

	idx := spec.ReadCommand.PayloadIndex
	if idx >= len(resp.Payload) {
		return nil, &transport.ProtocolError{Command: spec.ReadCommand.Command, Message: fmt.Sprintf("payload index %d out of range (len=%d)", idx, len(resp.Payload))}
	}
	value := coerceToValueType(resp.Payload[idx], spec.ValueType)

	in.recordStateTransition(name, value)
	in.emit(EventCommandResult, map[string]any{"command": spec.ReadCommand.Command, "parameter": name, "value": value})

	return value, nil
}

func (in *Instrument) recordStateTransition(key string, value any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	previous, existed := in.lastValues[key]
	if existed && previous == value {
		return
	}
	in.lastValues[key] = value
	in.emit(EventStateTransition, map[string]any{"state_key": key, "old": previous, "new": value})
}

func (in *Instrument) getFloat(ctx context.Context, name string) (float64, error) {
	value, err := in.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	return toFloat(value), nil
}

// PlanSingleStep reads the parameter's current value and delegates to
// Policy.PlanSingleStep.
func (in *Instrument) PlanSingleStep(ctx context.Context, name string, target float64, interval time.Duration) (policy.WritePlan, error) {
	spec, ok := in.catalogue.Parameter(name)
	if !ok {
		return policy.WritePlan{}, &UnknownParameter{Name: name}
	}
	if !spec.Writable() {
		return policy.WritePlan{}, &NotWritable{Name: name}
	}
	current, err := in.getFloat(ctx, name)
	if err != nil {
		return policy.WritePlan{}, err
	}
	return in.policy.PlanSingleStep(name, current, target, interval)
}

// SetSingleStep plans then executes a single-step write, appending an
// audit entry with status applied|dry_run|blocked|failed.
func (in *Instrument) SetSingleStep(ctx context.Context, name string, target float64, interval time.Duration) (policy.WriteExecutionReport, error) {
	operation := name + "_set"

	plan, err := in.PlanSingleStep(ctx, name, target, interval)
	if err != nil {
		in.appendAudit(operation, AuditBlocked, in.policy.DryRun, err.Error(), nil)
		return policy.WriteExecutionReport{}, err
	}

	spec, _ := in.catalogue.Parameter(name)
	report, err := in.policy.Execute(plan, in.scalarSender(ctx, spec), realSleep)
	if err != nil {
		in.appendAudit(operation, AuditFailed, false, err.Error(), map[string]any{
			"attempted_steps": plan.StepCount(), "target_value": plan.TargetValue,
		})
		return policy.WriteExecutionReport{}, err
	}

	status := AuditApplied
	if report.DryRun {
		status = AuditDryRun
	}
	in.appendAudit(operation, status, report.DryRun, "scalar write completed", map[string]any{
		"attempted_steps": report.AttemptedSteps, "applied_steps": report.AppliedSteps,
		"target_value": report.TargetValue, "final_value": report.FinalValue,
	})
	return report, nil
}

// PlanRamp produces a staircase write plan for a ramp-enabled parameter.
func (in *Instrument) PlanRamp(ctx context.Context, name string, start, end, stepValue float64, interval time.Duration) (policy.WritePlan, error) {
	spec, ok := in.catalogue.Parameter(name)
	if !ok {
		return policy.WritePlan{}, &UnknownParameter{Name: name}
	}
	if !spec.Writable() {
		return policy.WritePlan{}, &NotWritable{Name: name}
	}
	if spec.Safety == nil || !spec.Safety.RampEnabled {
		return policy.WritePlan{}, &RampDisabled{Name: name}
	}
	current, err := in.getFloat(ctx, name)
	if err != nil {
		return policy.WritePlan{}, err
	}
	return in.policy.PlanRamp(name, current, start, end, stepValue, interval)
}

// Ramp plans then executes a ramp write, subject to the same audit rules
// as SetSingleStep.
func (in *Instrument) Ramp(ctx context.Context, name string, start, end, stepValue float64, interval time.Duration) (policy.WriteExecutionReport, error) {
	operation := name + "_ramp"

	plan, err := in.PlanRamp(ctx, name, start, end, stepValue, interval)
	if err != nil {
		in.appendAudit(operation, AuditBlocked, in.policy.DryRun, err.Error(), nil)
		return policy.WriteExecutionReport{}, err
	}

	spec, _ := in.catalogue.Parameter(name)
	report, err := in.policy.Execute(plan, in.scalarSender(ctx, spec), realSleep)
	if err != nil {
		in.appendAudit(operation, AuditFailed, false, err.Error(), map[string]any{
			"attempted_steps": plan.StepCount(), "target_value": plan.TargetValue,
		})
		return policy.WriteExecutionReport{}, err
	}

	status := AuditApplied
	if report.DryRun {
		status = AuditDryRun
	}
	in.appendAudit(operation, status, report.DryRun, "ramp write completed", map[string]any{
		"attempted_steps": report.AttemptedSteps, "applied_steps": report.AppliedSteps,
		"target_value": report.TargetValue, "final_value": report.FinalValue,
	})
	return report, nil
}

func (in *Instrument) scalarSender(ctx context.Context, spec catalogue.ParameterSpec) func(float64) error {
	return func(value float64) error {
		args, order := wireArgsFromFixed(spec.WriteCommand.Command, spec.WriteCommand.Args)
		valueWire, err := transport.CoerceWireValue(spec.WriteCommand.Command, spec.WriteCommand.ValueArg, wireKindForValueType(spec.ValueType), value)
		if err != nil {
			return err
		}
		args[spec.WriteCommand.ValueArg] = valueWire
		order = append(order, spec.WriteCommand.ValueArg)
		_, err = in.transport.Call(ctx, spec.WriteCommand.Command, args, order)
		return err
	}
}

func realSleep(d time.Duration) { time.Sleep(d) }

// ExecuteAction runs (or, with planOnly, merely validates) a catalogue
// action. Blocked actions are refused outright; guarded actions require
// Policy.AllowWrites; alwaysAllowed actions always pass through.
func (in *Instrument) ExecuteAction(ctx context.Context, name string, args map[string]any, planOnly bool) (transport.CommandResponse, error) {
	action, ok := in.catalogue.Action(name)
	if !ok {
		return transport.CommandResponse{}, &UnknownAction{Name: name}
	}

	wireArgs := make(map[string]WireArg)
	for argName, raw := range args {
		kind, declared := action.Command.ArgTypes[argName]
		if !declared {
			return transport.CommandResponse{}, &transport.InvalidArgument{Command: action.Command.Command, Message: fmt.Sprintf("unknown argument %q", argName)}
		}
		v, err := transport.CoerceWireValue(action.Command.Command, argName, transport.WireKind(kind), raw)
		if err != nil {
			return transport.CommandResponse{}, err
		}
		wireArgs[argName] = WireArg{Name: argName, Value: v}
	}

	callArgs, order := wireArgsFromFixed(action.Command.Command, action.Command.Args)
	for name, arg := range wireArgs {
		callArgs[name] = arg.Value
		order = append(order, name)
	}

	if planOnly {
		return transport.CommandResponse{Command: action.Command.Command}, nil
	}

	if action.SafetyMode == catalogue.SafetyBlocked {
		in.appendAudit(name, AuditBlocked, false, "action is blocked by catalogue safety mode", nil)
		return transport.CommandResponse{}, &ActionBlocked{Name: name}
	}
	if action.SafetyMode == catalogue.SafetyGuarded && !in.policy.AllowWrites {
		in.appendAudit(name, AuditBlocked, false, "writes are disabled by policy", nil)
		return transport.CommandResponse{}, &ActionBlocked{Name: name}
	}

	resp, err := in.transport.Call(ctx, action.Command.Command, callArgs, order)
	if err != nil {
		in.appendAudit(name, AuditFailed, false, err.Error(), nil)
		return transport.CommandResponse{}, err
	}
	in.appendAudit(name, AuditApplied, false, "action executed", nil)
	return resp, nil
}

// WireArg pairs an argument name with its coerced wire value.
type WireArg struct {
	Name  string
	Value transport.WireValue
}

func (in *Instrument) appendAudit(operation string, status WriteAuditStatus, dryRun bool, detail string, metadata map[string]any) {
	entry := GuardedWriteAuditEntry{
		TimestampS: float64(time.Now().UnixNano()) / 1e9,
		Operation:  operation,
		Status:     status,
		DryRun:     dryRun,
		Detail:     detail,
		Metadata:   metadata,
	}
	in.mu.Lock()
	in.auditLog = append(in.auditLog, entry)
	in.mu.Unlock()
	in.emit(EventWriteAudit, map[string]any{"operation": operation, "status": string(status), "dry_run": dryRun, "detail": detail})
}

// AuditLog returns every recorded write/action attempt, in order.
func (in *Instrument) AuditLog() []GuardedWriteAuditEntry {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]GuardedWriteAuditEntry, len(in.auditLog))
	copy(out, in.auditLog)
	return out
}

// HasParameter reports whether name resolves to a parameter in the
// Instrument's bound Catalogue snapshot, used by the Monitor to fail fast
// on unknown signal/spec labels before a run is created.
func (in *Instrument) HasParameter(name string) bool {
	_, ok := in.catalogue.Parameter(name)
	return ok
}

// Identify returns vendor/model identification for the active session.
func (in *Instrument) Identify() Identity {
	health := in.transport.Health()
	return Identity{
		Vendor:   "Nanonis",
		Model:    "STM Simulator Bridge",
		Serial:   health.Endpoint,
		Firmware: in.transport.Version(),
	}
}

// AvailableBackendCommands lists every command the active Transport session
// recognizes, sorted and optionally substring-filtered.
func (in *Instrument) AvailableBackendCommands(ctx context.Context, match string) ([]string, error) {
	return in.transport.AvailableCommands(ctx, match)
}

// CallBackendCommand is an escape hatch calling the Transport directly,
// bypassing Catalogue parameter resolution.
func (in *Instrument) CallBackendCommand(ctx context.Context, command string, args map[string]any) (transport.CommandResponse, error) {
	wireArgs := make(map[string]transport.WireValue, len(args))
	order := make([]string, 0, len(args))
	for name, raw := range args {
		v, err := inferWireValue(command, name, raw)
		if err != nil {
			return transport.CommandResponse{}, err
		}
		wireArgs[name] = v
		order = append(order, name)
	}
	sort.Strings(order)
	return in.transport.Call(ctx, command, wireArgs, order)
}
