package policy

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Policy is a pure decision layer over a fixed set of ChannelLimits. The
// only mutable state it owns is the per-channel last-write timestamp table
// used for cooldown enforcement (SPEC_FULL.md §9: "global mutable state").
type Policy struct {
	AllowWrites bool
	DryRun      bool
	limits      map[string]ChannelLimit

	mu          sync.Mutex
	lastWriteAt map[string]time.Time
}

// New constructs a Policy over the given channel limits.
func New(allowWrites, dryRun bool, limits map[string]ChannelLimit) *Policy {
	copied := make(map[string]ChannelLimit, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &Policy{
		AllowWrites: allowWrites,
		DryRun:      dryRun,
		limits:      copied,
		lastWriteAt: make(map[string]time.Time),
	}
}

func (p *Policy) requireChannelLimit(channel string) (ChannelLimit, error) {
	limit, ok := p.limits[channel]
	if !ok {
		return ChannelLimit{}, violationf(channel, "no channel limit configured")
	}
	return limit, nil
}

func (p *Policy) ensureWritesEnabled(channel string) error {
	if !p.AllowWrites {
		return violationf(channel, "writes are disabled by policy (allow_writes=false)")
	}
	return nil
}

func (p *Policy) enforceCooldown(channel string, limit ChannelLimit, now time.Time) error {
	if limit.CooldownS <= 0 {
		return nil
	}
	p.mu.Lock()
	last, ok := p.lastWriteAt[channel]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	elapsed := now.Sub(last).Seconds()
	if elapsed <= limit.CooldownS {
		remaining := limit.CooldownS - elapsed
		return violationf(channel, fmt.Sprintf("in cooldown for another %.3f s", remaining))
	}
	return nil
}

// PlanSingleStep produces a one-step plan moving channel from current to
// target in exactly one controller command.
func (p *Policy) PlanSingleStep(channel string, current, target float64, interval time.Duration) (WritePlan, error) {
	if err := p.ensureWritesEnabled(channel); err != nil {
		return WritePlan{}, err
	}
	limit, err := p.requireChannelLimit(channel)
	if err != nil {
		return WritePlan{}, err
	}
	if target < limit.Min || target > limit.Max {
		return WritePlan{}, violationf(channel, fmt.Sprintf("target %v is outside bounds [%v, %v]", target, limit.Min, limit.Max))
	}

	delta := target - current
	if math.Abs(delta) > limit.MaxStep {
		return WritePlan{}, violationf(channel, fmt.Sprintf("delta %v exceeds max_step %v", delta, limit.MaxStep))
	}
	if limit.MaxSlewPerS != nil {
		allowed := *limit.MaxSlewPerS * interval.Seconds()
		if math.Abs(delta) > allowed {
			return WritePlan{}, violationf(channel, fmt.Sprintf("delta %v exceeds max_slew_per_s*interval %v", delta, allowed))
		}
	}

	if err := p.enforceCooldown(channel, limit, time.Now()); err != nil {
		return WritePlan{}, err
	}

	return WritePlan{
		Channel:      channel,
		CurrentValue: current,
		TargetValue:  target,
		Steps:        []float64{target},
		IntervalS:    limit.RampIntervalS,
		DryRun:       p.DryRun,
	}, nil
}

// PlanRamp produces a monotone staircase from start to end using stepValue
// magnitude per step. If current != start, a current -> start pre-step is
// prepended, subject to the same per-step bounds checks.
func (p *Policy) PlanRamp(channel string, current, start, end, stepValue float64, interval time.Duration) (WritePlan, error) {
	if err := p.ensureWritesEnabled(channel); err != nil {
		return WritePlan{}, err
	}
	limit, err := p.requireChannelLimit(channel)
	if err != nil {
		return WritePlan{}, err
	}
	if end < limit.Min || end > limit.Max {
		return WritePlan{}, violationf(channel, fmt.Sprintf("target %v is outside bounds [%v, %v]", end, limit.Min, limit.Max))
	}
	if stepValue <= 0 {
		return WritePlan{}, violationf(channel, "step_value must be positive")
	}

	if err := p.enforceCooldown(channel, limit, time.Now()); err != nil {
		return WritePlan{}, err
	}

	var steps []float64
	if current != start {
		if start < limit.Min || start > limit.Max {
			return WritePlan{}, violationf(channel, fmt.Sprintf("ramp start %v is outside bounds [%v, %v]", start, limit.Min, limit.Max))
		}
		preDelta := start - current
		if math.Abs(preDelta) > limit.MaxStep {
			return WritePlan{}, violationf(channel, fmt.Sprintf("pre-step delta %v exceeds max_step %v", preDelta, limit.MaxStep))
		}
		if limit.MaxSlewPerS != nil {
			allowed := *limit.MaxSlewPerS * interval.Seconds()
			if math.Abs(preDelta) > allowed {
				return WritePlan{}, violationf(channel, fmt.Sprintf("pre-step delta %v exceeds max_slew_per_s*interval %v", preDelta, allowed))
			}
		}
		steps = append(steps, start)
	}
	steps = append(steps, buildRampSteps(start, end, stepValue, limit, interval)...)

	return WritePlan{
		Channel:      channel,
		CurrentValue: current,
		TargetValue:  end,
		Steps:        steps,
		IntervalS:    limit.RampIntervalS,
		DryRun:       p.DryRun,
	}, nil
}

// buildRampSteps mirrors _build_steps in the Python original: step count is
// the larger of max_step-driven and slew-driven requirements; the terminal
// step is repaired to equal `end` exactly.
func buildRampSteps(start, end, stepValue float64, limit ChannelLimit, interval time.Duration) []float64 {
	delta := end - start
	if delta == 0 {
		return []float64{end}
	}

	stepCount := int(math.Ceil(math.Abs(delta) / stepValue))
	if stepCount < 1 {
		stepCount = 1
	}
	if limit.MaxStep > 0 {
		byMaxStep := int(math.Ceil(math.Abs(delta) / limit.MaxStep))
		if byMaxStep > stepCount {
			stepCount = byMaxStep
		}
	}
	if limit.MaxSlewPerS != nil {
		slewStepSize := *limit.MaxSlewPerS * interval.Seconds()
		if slewStepSize > 0 {
			bySlew := int(math.Ceil(math.Abs(delta) / slewStepSize))
			if bySlew > stepCount {
				stepCount = bySlew
			}
		}
	}

	increment := delta / float64(stepCount)
	steps := make([]float64, stepCount)
	for i := 0; i < stepCount; i++ {
		steps[i] = start + increment*float64(i+1)
	}
	steps[stepCount-1] = end
	return steps
}

// Execute applies a WritePlan. A dry-run plan never invokes sendStep.
func (p *Policy) Execute(plan WritePlan, sendStep func(float64) error, sleep func(time.Duration)) (WriteExecutionReport, error) {
	attempted := len(plan.Steps)
	finalValue := plan.CurrentValue
	if attempted > 0 {
		finalValue = plan.Steps[attempted-1]
	}

	if plan.DryRun {
		return WriteExecutionReport{
			Channel:        plan.Channel,
			DryRun:         true,
			AttemptedSteps: attempted,
			AppliedSteps:   0,
			InitialValue:   plan.CurrentValue,
			TargetValue:    plan.TargetValue,
			FinalValue:     finalValue,
		}, nil
	}

	applied := 0
	lastApplied := plan.CurrentValue
	for i, step := range plan.Steps {
		if err := sendStep(step); err != nil {
			return WriteExecutionReport{
				Channel:        plan.Channel,
				DryRun:         false,
				AttemptedSteps: attempted,
				AppliedSteps:   applied,
				InitialValue:   plan.CurrentValue,
				TargetValue:    plan.TargetValue,
				FinalValue:     lastApplied,
			}, fmt.Errorf("executing step %d for channel %q: %w", i, plan.Channel, err)
		}
		applied++
		lastApplied = step
		if i < attempted-1 && plan.IntervalS > 0 {
			sleep(plan.IntervalS)
		}
	}

	p.RecordWrite(plan.Channel, time.Now())

	return WriteExecutionReport{
		Channel:        plan.Channel,
		DryRun:         false,
		AttemptedSteps: attempted,
		AppliedSteps:   applied,
		InitialValue:   plan.CurrentValue,
		TargetValue:    plan.TargetValue,
		FinalValue:     finalValue,
	}, nil
}

// RecordWrite stamps the last-write clock for channel, exposed so callers
// like the scan-frame aggregate can mark multiple channels after a single
// multi-channel wire command (SPEC_FULL.md §9).
func (p *Policy) RecordWrite(channel string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastWriteAt[channel] = at
}
