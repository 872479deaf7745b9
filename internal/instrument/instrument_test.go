package instrument_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/BB-84C/nanonis-bridge/internal/catalogue"
	"github.com/BB-84C/nanonis-bridge/internal/instrument"
	"github.com/BB-84C/nanonis-bridge/internal/policy"
	"github.com/BB-84C/nanonis-bridge/internal/transport"
)

const fixtureDocument = `
version: 1
parameters:
  bias_v:
    label: Bias voltage
    unit: V
    value_type: float
    get_cmd:
      command: Bias.Get
      payload_index: 0
    set_cmd:
      command: Bias.Set
      value_arg: value
    safety:
      min: -5
      max: 5
      max_step: 0.1
      cooldown_s: 0
      ramp_enabled: true
      ramp_interval_s: 0.1
  readonly_temp:
    label: Cryostat temperature
    unit: K
    value_type: float
    get_cmd:
      command: Temp.Get
      payload_index: 0
  heater_power:
    label: Heater power
    unit: W
    value_type: float
    set_cmd:
      command: Heater.Set
      value_arg: value
    safety:
      min: 0
      max: 100
      max_step: 10
      cooldown_s: 0
  setpoint_a:
    label: Z setpoint
    unit: A
    value_type: float
    get_cmd:
      command: Setpoint.Get
      payload_index: 0
    set_cmd:
      command: Setpoint.Set
      value_arg: value
    safety:
      min: -10
      max: 10
      max_step: 1
      cooldown_s: 0
      ramp_enabled: false
actions:
  auto_approach:
    action_cmd:
      command: Approach.Auto
    safety:
      mode: alwaysAllowed
  withdraw_tip:
    action_cmd:
      command: Tip.Withdraw
    safety:
      mode: guarded
  vent_chamber:
    action_cmd:
      command: Chamber.Vent
    safety:
      mode: blocked
`

func loadFixture() catalogue.Catalogue {
	cat, err := catalogue.Load([]byte(fixtureDocument))
	Expect(err).NotTo(HaveOccurred())
	return cat
}

func scanFrameLimits() map[string]policy.ChannelLimit {
	limits := map[string]policy.ChannelLimit{}
	for _, ch := range instrument.ScanFrameChannels {
		limits[ch] = policy.ChannelLimit{Min: -1e6, Max: 1e6, MaxStep: 1e6, RampIntervalS: 100 * time.Millisecond}
	}
	return limits
}

var _ = Describe("Instrument Get", func() {
	var (
		ft  *fakeTransport
		pol *policy.Policy
		in  *instrument.Instrument
		ctx context.Context
	)

	BeforeEach(func() {
		ft = newFakeTransport()
		pol = policy.New(true, false, map[string]policy.ChannelLimit{
			"bias_v":     {Min: -5, Max: 5, MaxStep: 0.1, RampIntervalS: 100 * time.Millisecond},
			"setpoint_a": {Min: -10, Max: 10, MaxStep: 1, RampIntervalS: 100 * time.Millisecond},
		})
		in = instrument.New(loadFixture(), ft, pol, nil)
		ctx = context.Background()
	})

	It("reads a parameter through its read command", func() {
		ft.responses["Bias.Get"] = singlePayloadResponse(transport.FloatValue(2.5))
		value, err := in.Get(ctx, "bias_v")
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal(2.5))
	})

	It("rejects an unknown parameter", func() {
		_, err := in.Get(ctx, "does_not_exist")
		Expect(err).To(HaveOccurred())
		var unknown *instrument.UnknownParameter
		Expect(err).To(BeAssignableToTypeOf(unknown))
	})

	It("rejects a get on a write-only parameter", func() {
		_, err := in.Get(ctx, "heater_power")
		Expect(err).To(HaveOccurred())
		var notReadable *instrument.NotReadable
		Expect(err).To(BeAssignableToTypeOf(notReadable))
	})
})

var _ = Describe("Instrument SetSingleStep", func() {
	var (
		ft  *fakeTransport
		pol *policy.Policy
		in  *instrument.Instrument
		ctx context.Context
	)

	BeforeEach(func() {
		ft = newFakeTransport()
		ft.responses["Bias.Get"] = singlePayloadResponse(transport.FloatValue(2.0))
		pol = policy.New(true, false, map[string]policy.ChannelLimit{
			"bias_v": {Min: -5, Max: 5, MaxStep: 0.1, RampIntervalS: 100 * time.Millisecond},
		})
		in = instrument.New(loadFixture(), ft, pol, nil)
		ctx = context.Background()
	})

	It("applies an in-bounds write and records an applied audit entry", func() {
		report, err := in.SetSingleStep(ctx, "bias_v", 2.05, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.AppliedSteps).To(Equal(1))
		Expect(report.FinalValue).To(Equal(2.05))

		call, ok := ft.lastCall("Bias.Set")
		Expect(ok).To(BeTrue())
		Expect(call.Args["value"].Float()).To(Equal(2.05))

		entries := in.AuditLog()
		Expect(entries).NotTo(BeEmpty())
		Expect(entries[len(entries)-1].Status).To(Equal(instrument.AuditApplied))
	})

	It("blocks a write exceeding max_step and records a blocked audit entry", func() {
		_, err := in.SetSingleStep(ctx, "bias_v", 3.0, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
		Expect(ft.callCount("Bias.Set")).To(Equal(0))

		entries := in.AuditLog()
		Expect(entries[len(entries)-1].Status).To(Equal(instrument.AuditBlocked))
	})

	It("never calls the write command in dry-run mode", func() {
		dryPolicy := policy.New(true, true, map[string]policy.ChannelLimit{
			"bias_v": {Min: -5, Max: 5, MaxStep: 0.1, RampIntervalS: 100 * time.Millisecond},
		})
		dryIn := instrument.New(loadFixture(), ft, dryPolicy, nil)
		report, err := dryIn.SetSingleStep(ctx, "bias_v", 2.05, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.DryRun).To(BeTrue())
		Expect(ft.callCount("Bias.Set")).To(Equal(0))

		entries := dryIn.AuditLog()
		Expect(entries[len(entries)-1].Status).To(Equal(instrument.AuditDryRun))
	})
})

var _ = Describe("Instrument Ramp", func() {
	It("refuses a ramp on a parameter with ramp_enabled=false", func() {
		ft := newFakeTransport()
		ft.responses["Setpoint.Get"] = singlePayloadResponse(transport.FloatValue(1.0))
		pol := policy.New(true, false, map[string]policy.ChannelLimit{
			"setpoint_a": {Min: -10, Max: 10, MaxStep: 1, RampIntervalS: 100 * time.Millisecond},
		})
		in := instrument.New(loadFixture(), ft, pol, nil)

		_, err := in.Ramp(context.Background(), "setpoint_a", 1.0, 1.5, 0.5, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
		var disabled *instrument.RampDisabled
		Expect(err).To(BeAssignableToTypeOf(disabled))
	})

	It("staircases a ramp-enabled parameter", func() {
		ft := newFakeTransport()
		ft.responses["Bias.Get"] = singlePayloadResponse(transport.FloatValue(2.0))
		pol := policy.New(true, false, map[string]policy.ChannelLimit{
			"bias_v": {Min: -5, Max: 5, MaxStep: 0.1, RampIntervalS: 100 * time.Millisecond},
		})
		in := instrument.New(loadFixture(), ft, pol, nil)

		report, err := in.Ramp(context.Background(), "bias_v", 2.0, 2.3, 0.1, time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.AppliedSteps).To(Equal(3))
		Expect(report.FinalValue).To(BeNumerically("~", 2.3, 1e-9))
		Expect(ft.callCount("Bias.Set")).To(Equal(3))
	})
})

var _ = Describe("Instrument ExecuteAction", func() {
	var (
		ft  *fakeTransport
		in  *instrument.Instrument
		ctx context.Context
	)

	BeforeEach(func() {
		ft = newFakeTransport()
		pol := policy.New(true, false, nil)
		in = instrument.New(loadFixture(), ft, pol, nil)
		ctx = context.Background()
	})

	It("rejects an unknown action", func() {
		_, err := in.ExecuteAction(ctx, "does_not_exist", nil, false)
		var unknown *instrument.UnknownAction
		Expect(err).To(BeAssignableToTypeOf(unknown))
	})

	It("always executes an alwaysAllowed action", func() {
		resp, err := in.ExecuteAction(ctx, "auto_approach", nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Command).To(Equal("Approach.Auto"))
		Expect(ft.callCount("Approach.Auto")).To(Equal(1))
	})

	It("refuses a blocked action outright", func() {
		_, err := in.ExecuteAction(ctx, "vent_chamber", nil, false)
		Expect(err).To(HaveOccurred())
		var blocked *instrument.ActionBlocked
		Expect(err).To(BeAssignableToTypeOf(blocked))
		Expect(ft.callCount("Chamber.Vent")).To(Equal(0))
	})

	It("refuses a guarded action when writes are disabled", func() {
		noWrites := instrument.New(loadFixture(), ft, policy.New(false, false, nil), nil)
		_, err := noWrites.ExecuteAction(ctx, "withdraw_tip", nil, false)
		Expect(err).To(HaveOccurred())
		Expect(ft.callCount("Tip.Withdraw")).To(Equal(0))
	})

	It("allows a guarded action when writes are enabled", func() {
		resp, err := in.ExecuteAction(ctx, "withdraw_tip", nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Command).To(Equal("Tip.Withdraw"))
	})

	It("validates coercion only and never calls the backend when planOnly is set", func() {
		_, err := in.ExecuteAction(ctx, "withdraw_tip", nil, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ft.callCount("Tip.Withdraw")).To(Equal(0))
	})
})

var _ = Describe("Instrument scan frame aggregate", func() {
	It("plans and executes a scan frame write, then records each channel's cooldown", func() {
		ft := newFakeTransport()
		ft.responses["Scan.FrameGet"] = transport.CommandResponse{Payload: []transport.WireValue{
			transport.FloatValue(0), transport.FloatValue(0), transport.FloatValue(1e-6), transport.FloatValue(1e-6), transport.FloatValue(0),
		}}
		pol := policy.New(true, false, scanFrameLimits())
		in := instrument.New(loadFixture(), ft, pol, nil)

		targets := map[string]float64{
			instrument.ScanFrameCenterX: 1e-7,
			instrument.ScanFrameCenterY: 2e-7,
			instrument.ScanFrameWidth:   2e-6,
			instrument.ScanFrameHeight:  2e-6,
			instrument.ScanFrameAngle:   5,
		}

		plan, err := in.PlanScanFrame(context.Background(), targets, 100*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(plan.ComponentPlans).To(HaveLen(5))

		report, err := in.ExecuteScanFrame(context.Background(), plan)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.AppliedSteps).To(Equal(1))
		Expect(ft.callCount("Scan.FrameSet")).To(Equal(1))
		Expect(report.TargetFrame.AngleDeg).To(Equal(5.0))
	})

	It("refuses a plan missing a target channel", func() {
		ft := newFakeTransport()
		ft.responses["Scan.FrameGet"] = transport.CommandResponse{Payload: []transport.WireValue{
			transport.FloatValue(0), transport.FloatValue(0), transport.FloatValue(1e-6), transport.FloatValue(1e-6), transport.FloatValue(0),
		}}
		in := instrument.New(loadFixture(), ft, policy.New(true, false, scanFrameLimits()), nil)

		_, err := in.PlanScanFrame(context.Background(), map[string]float64{instrument.ScanFrameCenterX: 1}, 100*time.Millisecond)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Instrument diagnostics", func() {
	It("identifies the active session via transport health and version", func() {
		ft := newFakeTransport()
		ft.version = "nanonis-bridge-reference/1"
		ft.health = transport.HealthReport{Connected: true, Endpoint: "127.0.0.1:6501"}
		in := instrument.New(loadFixture(), ft, policy.New(true, false, nil), nil)

		id := in.Identify()
		Expect(id.Firmware).To(Equal("nanonis-bridge-reference/1"))
		Expect(id.Serial).To(Equal("127.0.0.1:6501"))
	})

	It("lists available backend commands via the transport", func() {
		ft := newFakeTransport()
		ft.available = []string{"Bias.Get", "Bias.Set"}
		in := instrument.New(loadFixture(), ft, policy.New(true, false, nil), nil)

		names, err := in.AvailableBackendCommands(context.Background(), "Bias")
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(Equal([]string{"Bias.Get", "Bias.Set"}))
	})

	It("calls an arbitrary backend command bypassing the catalogue", func() {
		ft := newFakeTransport()
		in := instrument.New(loadFixture(), ft, policy.New(true, false, nil), nil)

		_, err := in.CallBackendCommand(context.Background(), "Debug.Ping", map[string]any{"n": 3})
		Expect(err).NotTo(HaveOccurred())
		call, ok := ft.lastCall("Debug.Ping")
		Expect(ok).To(BeTrue())
		Expect(call.Args["n"].Int()).To(Equal(int64(3)))
	})
})
