package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/BB-84C/nanonis-bridge/internal/policy"
	"github.com/BB-84C/nanonis-bridge/internal/transport"
)

// PlanScanFrame reads the current scan frame and plans a single-step write
// for each of the five channels independently, mirroring
// qcodes_driver/instrument.py's plan_scan_frame_set. Channels are not
// coordinated: a rejection on one channel aborts the whole plan before any
// wire command is sent, but acceptance of all five still executes as one
// Scan.FrameSet call, not five independent writes.
func (in *Instrument) PlanScanFrame(ctx context.Context, targets map[string]float64, interval time.Duration) (ScanFrameWritePlan, error) {
	for _, channel := range ScanFrameChannels {
		if _, ok := targets[channel]; !ok {
			return ScanFrameWritePlan{}, fmt.Errorf("instrument: scan frame plan missing target for %q", channel)
		}
	}

	current, err := in.readScanFrame(ctx)
	if err != nil {
		return ScanFrameWritePlan{}, err
	}

	target := current
	plans := make(map[string]policy.WritePlan, len(ScanFrameChannels))
	for _, channel := range ScanFrameChannels {
		value := targets[channel]
		plan, err := in.policy.PlanSingleStep(channel, frameChannelValue(current, channel), value, interval)
		if err != nil {
			in.appendAudit("scan_frame_set", AuditBlocked, in.policy.DryRun, err.Error(), map[string]any{"channel": channel})
			return ScanFrameWritePlan{}, err
		}
		plans[channel] = plan
		target = withFrameChannelValue(target, channel, value)
	}

	return ScanFrameWritePlan{
		CurrentFrame:   current,
		TargetFrame:    target,
		StepCount:      1,
		IntervalS:      interval,
		DryRun:         in.policy.DryRun,
		ComponentPlans: plans,
	}, nil
}

// ExecuteScanFrame sends the planned frame in one Scan.FrameSet call, then
// marks every affected channel's cooldown clock via Policy.RecordWrite.
// This is deliberately not atomic across channels: Policy never learns
// about multi-channel semantics, it only sees five independent RecordWrite
// calls after the fact.
func (in *Instrument) ExecuteScanFrame(ctx context.Context, plan ScanFrameWritePlan) (ScanFrameWriteReport, error) {
	if plan.DryRun {
		in.appendAudit("scan_frame_set", AuditDryRun, true, "scan frame write skipped (dry run)", nil)
		return ScanFrameWriteReport{
			DryRun:         true,
			AttemptedSteps: plan.StepCount,
			AppliedSteps:   0,
			InitialFrame:   plan.CurrentFrame,
			TargetFrame:    plan.TargetFrame,
			FinalFrame:     plan.CurrentFrame,
		}, nil
	}

	args := make(map[string]transport.WireValue, len(ScanFrameChannels))
	order := make([]string, len(ScanFrameChannels))
	copy(order, ScanFrameChannels)
	for _, channel := range ScanFrameChannels {
		args[channel] = transport.FloatValue(frameChannelValue(plan.TargetFrame, channel))
	}

	if _, err := in.transport.Call(ctx, scanFrameSetCommand, args, order); err != nil {
		in.appendAudit("scan_frame_set", AuditFailed, false, err.Error(), nil)
		return ScanFrameWriteReport{}, err
	}

	now := time.Now()
	for channel := range plan.ComponentPlans {
		in.policy.RecordWrite(channel, now)
	}

	final := plan.TargetFrame
	if observed, err := in.readScanFrame(ctx); err == nil {
		final = observed
	}

	in.appendAudit("scan_frame_set", AuditApplied, false, "scan frame write completed", nil)
	return ScanFrameWriteReport{
		DryRun:         false,
		AttemptedSteps: plan.StepCount,
		AppliedSteps:   plan.StepCount,
		InitialFrame:   plan.CurrentFrame,
		TargetFrame:    plan.TargetFrame,
		FinalFrame:     final,
	}, nil
}

func (in *Instrument) readScanFrame(ctx context.Context) (ScanFrameState, error) {
	resp, err := in.transport.Call(ctx, scanFrameGetCommand, nil, nil)
	if err != nil {
		return ScanFrameState{}, err
	}
	if len(resp.Payload) < len(ScanFrameChannels) {
		return ScanFrameState{}, &transport.ProtocolError{
			Command: scanFrameGetCommand,
			Message: fmt.Sprintf("expected %d payload fields, got %d", len(ScanFrameChannels), len(resp.Payload)),
		}
	}
	return ScanFrameState{
		CenterXM: resp.Payload[0].Float(),
		CenterYM: resp.Payload[1].Float(),
		WidthM:   resp.Payload[2].Float(),
		HeightM:  resp.Payload[3].Float(),
		AngleDeg: resp.Payload[4].Float(),
	}, nil
}

func frameChannelValue(frame ScanFrameState, channel string) float64 {
	switch channel {
	case ScanFrameCenterX:
		return frame.CenterXM
	case ScanFrameCenterY:
		return frame.CenterYM
	case ScanFrameWidth:
		return frame.WidthM
	case ScanFrameHeight:
		return frame.HeightM
	case ScanFrameAngle:
		return frame.AngleDeg
	default:
		return 0
	}
}

func withFrameChannelValue(frame ScanFrameState, channel string, value float64) ScanFrameState {
	switch channel {
	case ScanFrameCenterX:
		frame.CenterXM = value
	case ScanFrameCenterY:
		frame.CenterYM = value
	case ScanFrameWidth:
		frame.WidthM = value
	case ScanFrameHeight:
		frame.HeightM = value
	case ScanFrameAngle:
		frame.AngleDeg = value
	}
	return frame
}
