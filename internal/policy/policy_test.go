package policy_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/BB-84C/nanonis-bridge/internal/policy"
)

func biasLimit() policy.ChannelLimit {
	return policy.ChannelLimit{
		Min:           -5,
		Max:           5,
		MaxStep:       0.1,
		RampIntervalS: 100 * time.Millisecond,
	}
}

var _ = Describe("PlanSingleStep", func() {
	var p *policy.Policy

	BeforeEach(func() {
		p = policy.New(true, false, map[string]policy.ChannelLimit{"bias": biasLimit()})
	})

	It("accepts a step within bounds (scenario 1)", func() {
		plan, err := p.PlanSingleStep("bias", 2.0, 2.05, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Steps).To(Equal([]float64{2.05}))
		Expect(plan.DryRun).To(BeFalse())

		var sent []float64
		report, err := p.Execute(plan, func(v float64) error {
			sent = append(sent, v)
			return nil
		}, func(time.Duration) {})
		Expect(err).NotTo(HaveOccurred())
		Expect(sent).To(Equal([]float64{2.05}))
		Expect(report.AppliedSteps).To(Equal(1))
		Expect(report.FinalValue).To(Equal(2.05))
	})

	It("rejects a step that is too large (scenario 2)", func() {
		_, err := p.PlanSingleStep("bias", 2.0, 2.2, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
		var violation *policy.PolicyViolation
		Expect(err).To(BeAssignableToTypeOf(violation))
	})

	It("accepts a delta exactly equal to max_step", func() {
		_, err := p.PlanSingleStep("bias", 2.0, 2.1, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
	})

	It("treats target == current as a single step equal to target", func() {
		plan, err := p.PlanSingleStep("bias", 2.0, 2.0, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Steps).To(Equal([]float64{2.0}))
	})

	It("rejects when writes are disabled", func() {
		disabled := policy.New(false, false, map[string]policy.ChannelLimit{"bias": biasLimit()})
		_, err := disabled.PlanSingleStep("bias", 2.0, 2.05, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a target outside bounds", func() {
		_, err := p.PlanSingleStep("bias", 4.95, 10, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
	})

	It("blocks a write inside the cooldown window", func() {
		limited := policy.New(true, false, map[string]policy.ChannelLimit{
			"bias": {Min: -5, Max: 5, MaxStep: 1, CooldownS: 1, RampIntervalS: 100 * time.Millisecond},
		})
		plan, err := limited.PlanSingleStep("bias", 0, 0.5, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		_, err = limited.Execute(plan, func(float64) error { return nil }, func(time.Duration) {})
		Expect(err).NotTo(HaveOccurred())

		_, err = limited.PlanSingleStep("bias", 0.5, 0.6, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
	})

	It("never calls sendStep in dry-run mode", func() {
		dry := policy.New(true, true, map[string]policy.ChannelLimit{"bias": biasLimit()})
		plan, err := dry.PlanSingleStep("bias", 2.0, 2.05, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.DryRun).To(BeTrue())

		called := false
		report, err := dry.Execute(plan, func(float64) error {
			called = true
			return nil
		}, func(time.Duration) {})
		Expect(err).NotTo(HaveOccurred())
		Expect(called).To(BeFalse())
		Expect(report.AppliedSteps).To(Equal(0))
		Expect(report.FinalValue).To(Equal(2.05))
	})
})

var _ = Describe("PlanRamp", func() {
	It("staircases under slew constraints (scenario 3)", func() {
		slew := 0.5
		limit := policy.ChannelLimit{
			Min: -5, Max: 5, MaxStep: 0.1, MaxSlewPerS: &slew, RampIntervalS: 100 * time.Millisecond,
		}
		p := policy.New(true, true, map[string]policy.ChannelLimit{"bias": limit})

		plan, err := p.PlanRamp("bias", 2.0, 2.0, 2.4, 0.1, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Steps).To(HaveLen(8))
		Expect(plan.Steps[len(plan.Steps)-1]).To(BeNumerically("~", 2.4, 1e-9))

		for i := 1; i < len(plan.Steps); i++ {
			delta := plan.Steps[i] - plan.Steps[i-1]
			Expect(delta).To(BeNumerically("<=", 0.1+1e-9))
		}

		called := false
		report, err := p.Execute(plan, func(float64) error { called = true; return nil }, func(time.Duration) {})
		Expect(err).NotTo(HaveOccurred())
		Expect(called).To(BeFalse())
		Expect(report.AppliedSteps).To(Equal(0))
	})

	It("prepends a pre-step when current != start", func() {
		p := policy.New(true, false, map[string]policy.ChannelLimit{"bias": biasLimit()})
		plan, err := p.PlanRamp("bias", 1.45, 1.5, 1.7, 0.1, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Steps[0]).To(Equal(1.5))
		Expect(plan.Steps[len(plan.Steps)-1]).To(BeNumerically("~", 1.7, 1e-9))
	})

	It("produces one step when end == start", func() {
		p := policy.New(true, false, map[string]policy.ChannelLimit{"bias": biasLimit()})
		plan, err := p.PlanRamp("bias", 2.0, 2.0, 2.0, 0.1, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.Steps).To(Equal([]float64{2.0}))
	})
})

var _ = Describe("RecordWrite", func() {
	It("lets an external caller mark a channel's cooldown clock directly", func() {
		p := policy.New(true, false, map[string]policy.ChannelLimit{
			"z": {Min: -10, Max: 10, MaxStep: 1, CooldownS: 10, RampIntervalS: 100 * time.Millisecond},
		})
		p.RecordWrite("z", time.Now())
		_, err := p.PlanSingleStep("z", 0, 0.5, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
	})
})
