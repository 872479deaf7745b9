package monitor

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/BB-84C/nanonis-bridge/common/logger"
	"github.com/BB-84C/nanonis-bridge/internal/store"
)

// Instrument is the subset of *instrument.Instrument the Monitor depends
// on, accepted as an interface so tests can substitute a fake.
type Instrument interface {
	Get(ctx context.Context, name string) (any, error)
	HasParameter(name string) bool
}

// Store is the subset of *store.Store the Monitor depends on.
type Store interface {
	CreateRun(ctx context.Context, runName, startedAtUTC string) (int64, error)
	InsertSignalCatalog(ctx context.Context, runID int64, label, unit string, metadata any) (int64, error)
	InsertSpecCatalog(ctx context.Context, runID int64, label, unit string, metadata any) (int64, error)
	InsertSamplePair(ctx context.Context, runID, signalID, specID int64, dtS float64, signalValues, specValues any) (int64, int64, error)
	InsertActionEvent(ctx context.Context, ev store.ActionEvent) (int64, error)
	InsertMonitorError(ctx context.Context, me store.MonitorError) (int64, error)
}

// Monitor drives the drift-aware periodic sample loop described in
// SPEC_FULL.md §4.5. One goroutine drives Run; the sample loop itself is
// single-threaded by design, so no synchronization guards tick state.
type Monitor struct {
	cfg        Config
	instrument Instrument
	st         Store
	now        func() time.Time
	sleep      func(time.Duration)

	runID       int64
	runStarted  bool
	runStartUTC string
	t0          time.Time

	sampleIdx           int
	signalCatalogIDs    map[int]int64
	specCatalogIDs      map[int]int64
	previousSpecs       map[string]any
	hasPreviousSnapshot bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

// New constructs a Monitor. now and sleep default to time.Now and
// time.Sleep; tests substitute fakes to drive the scheduling contract
// deterministically.
func New(cfg Config, instrument Instrument, st Store, now func() time.Time, sleep func(time.Duration)) (*Monitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	for _, label := range cfg.SignalLabels {
		if !instrument.HasParameter(label) {
			return nil, &UnknownLabelError{Kind: "signal", Label: label}
		}
	}
	for _, label := range cfg.SpecLabels {
		if !instrument.HasParameter(label) {
			return nil, &UnknownLabelError{Kind: "spec", Label: label}
		}
	}
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Monitor{
		cfg:              cfg,
		instrument:       instrument,
		st:               st,
		now:              now,
		sleep:            sleep,
		signalCatalogIDs: make(map[int]int64),
		specCatalogIDs:   make(map[int]int64),
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
	}, nil
}

// SampleIdx returns the number of ticks completed so far.
func (m *Monitor) SampleIdx() int { return m.sampleIdx }

// RunID returns the id of the created Run, valid only after the first tick.
func (m *Monitor) RunID() int64 { return m.runID }

func (m *Monitor) ensureRunStarted(ctx context.Context) error {
	if m.runStarted {
		return nil
	}
	m.runStartUTC = isoUTCNow(m.now())
	runID, err := m.st.CreateRun(ctx, m.cfg.RunName, m.runStartUTC)
	if err != nil {
		return err
	}
	m.runID = runID
	m.runStarted = true
	return nil
}

// RunIterations executes exactly n ticks then returns the number completed.
// Cooperative cancellation via ctx exits at the current sample boundary:
// the ctx is checked between ticks, never mid-tick, so a cancellation
// never produces a half-persisted sample.
func (m *Monitor) RunIterations(ctx context.Context, n int) (int, error) {
	if n < 0 {
		return 0, &ConfigError{Field: "n", Message: "must be non-negative"}
	}
	if err := m.ensureRunStarted(ctx); err != nil {
		return 0, err
	}

	completed := 0
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return completed, nil
		default:
		}
		if err := m.tick(ctx); err != nil {
			return completed, err
		}
		completed++
	}
	return completed, nil
}

// Run drives the sample loop indefinitely until ctx is cancelled or Stop
// is called, in the style of the teacher's internal/worker.Worker
// stopCh/stoppedCh shutdown shape.
func (m *Monitor) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "bridge.monitor.loop"})
	defer close(m.stoppedCh)

	if err := m.ensureRunStarted(ctx); err != nil {
		return err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: logger.Ptr(m.runID)})
	slog.InfoContext(ctx, "monitor started", "run_name", m.cfg.RunName, "interval", m.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			slog.InfoContext(ctx, "monitor stopping")
			return nil
		default:
		}
		if err := m.tickSafe(ctx); err != nil {
			slog.ErrorContext(ctx, "monitor tick error", "error", err)
			return err
		}
	}
}

// Stop signals Run to exit at the next tick boundary and waits for it to
// return.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.stoppedCh
}

func (m *Monitor) tickSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in monitor tick", "panic", r, "stack", string(debug.Stack()))
			err = m.recordTickError(ctx, "panic", "panic in monitor tick", r)
		}
	}()
	return m.tick(ctx)
}

// tick executes one per-iteration contract step per SPEC_FULL.md §4.5:
// wait for scheduled time, resolve this sample's segment catalog rows,
// poll signals and specs, insert the atomic sample pair, and emit any
// spec-change action events.
func (m *Monitor) tick(ctx context.Context) error {
	sampleIdx := m.sampleIdx
	m.waitUntilScheduled(sampleIdx)

	segmentID := sampleIdx / m.cfg.RotateEntries
	signalCatalogID, err := m.signalCatalogIDForSegment(ctx, segmentID)
	if err != nil {
		return err
	}
	specCatalogID, err := m.specCatalogIDForSegment(ctx, segmentID)
	if err != nil {
		return err
	}

	dtS := m.elapsedSeconds()

	signalValues, err := m.poll(ctx, m.cfg.SignalLabels)
	if err != nil {
		m.recordTickError(ctx, "poller_error", "signal poll failed: "+err.Error(), nil)
		m.sampleIdx = sampleIdx + 1
		return nil
	}
	specValues, err := m.poll(ctx, m.cfg.SpecLabels)
	if err != nil {
		m.recordTickError(ctx, "poller_error", "spec poll failed: "+err.Error(), nil)
		m.sampleIdx = sampleIdx + 1
		return nil
	}

	if _, _, err := m.st.InsertSamplePair(ctx, m.runID, signalCatalogID, specCatalogID, dtS, signalValues, specValues); err != nil {
		return err
	}

	m.recordSpecChangeEvents(ctx, dtS, specValues)
	m.sampleIdx = sampleIdx + 1
	return nil
}

func (m *Monitor) poll(ctx context.Context, labels []string) (map[string]any, error) {
	values := make(map[string]any, len(labels))
	for _, label := range labels {
		v, err := m.instrument.Get(ctx, label)
		if err != nil {
			return nil, err
		}
		values[label] = v
	}
	return values, nil
}

func (m *Monitor) recordTickError(ctx context.Context, errorType, message string, details any) error {
	dtS := m.elapsedSeconds()
	runID := m.runID
	me := store.MonitorError{
		RunID:     &runID,
		DtS:       &dtS,
		ErrorType: errorType,
		Message:   message,
	}
	if _, err := m.st.InsertMonitorError(ctx, me); err != nil {
		slog.ErrorContext(ctx, "failed to record monitor error", "error", err, "original_error", message)
	}
	return nil
}

func (m *Monitor) recordSpecChangeEvents(ctx context.Context, dtS float64, specValues map[string]any) {
	if !m.hasPreviousSnapshot {
		m.previousSpecs = specValues
		m.hasPreviousSnapshot = true
		return
	}

	previous := m.previousSpecs
	labels := make(map[string]struct{}, len(previous)+len(specValues))
	for label := range previous {
		labels[label] = struct{}{}
	}
	for label := range specValues {
		labels[label] = struct{}{}
	}
	sorted := make([]string, 0, len(labels))
	for label := range labels {
		sorted = append(sorted, label)
	}
	sort.Strings(sorted)

	detectedAtUTC := isoUTCNow(m.now())
	windowStart := dtS - m.cfg.ActionWindow.Seconds()
	windowEnd := dtS + m.cfg.ActionWindow.Seconds()

	for _, label := range sorted {
		oldValue, hadOld := previous[label]
		newValue, hasNew := specValues[label]
		if hadOld && hasNew && oldValue == newValue {
			continue
		}
		if !hadOld && !hasNew {
			continue
		}

		delta := computeDeltaValue(oldValue, newValue)
		oldJSON, _ := toJSONText(oldValue)
		newJSON, _ := toJSONText(newValue)

		ev := store.ActionEvent{
			RunID:                m.runID,
			DtS:                  dtS,
			ActionKind:           "spec-change",
			DetectedAtUTC:        detectedAtUTC,
			SpecLabel:            label,
			SignalWindowStartDtS: windowStart,
			SignalWindowEndDtS:   windowEnd,
			DeltaValue:           delta,
			OldValueJSON:         oldJSON,
			NewValueJSON:         newJSON,
		}
		if _, err := m.st.InsertActionEvent(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "failed to insert action event", "error", err, "spec_label", label)
		}
	}

	m.previousSpecs = specValues
}

func (m *Monitor) signalCatalogIDForSegment(ctx context.Context, segmentID int) (int64, error) {
	if id, ok := m.signalCatalogIDs[segmentID]; ok {
		return id, nil
	}
	id, err := m.st.InsertSignalCatalog(ctx, m.runID, segmentLabel(segmentID), "", m.segmentMetadata(segmentID))
	if err != nil {
		return 0, err
	}
	m.signalCatalogIDs[segmentID] = id
	return id, nil
}

func (m *Monitor) specCatalogIDForSegment(ctx context.Context, segmentID int) (int64, error) {
	if id, ok := m.specCatalogIDs[segmentID]; ok {
		return id, nil
	}
	id, err := m.st.InsertSpecCatalog(ctx, m.runID, segmentLabel(segmentID), "", m.segmentMetadata(segmentID))
	if err != nil {
		return 0, err
	}
	m.specCatalogIDs[segmentID] = id
	return id, nil
}

func (m *Monitor) segmentMetadata(segmentID int) map[string]any {
	return map[string]any{
		"segment_id":    segmentID,
		"run_start_utc": m.runStartUTC,
		"interval_s":    m.cfg.Interval.Seconds(),
	}
}

func (m *Monitor) waitUntilScheduled(sampleIdx int) {
	if m.t0.IsZero() {
		m.t0 = m.now()
	}
	scheduled := m.t0.Add(time.Duration(sampleIdx) * m.cfg.Interval)
	if d := scheduled.Sub(m.now()); d > 0 {
		m.sleep(d)
	}
}

func (m *Monitor) elapsedSeconds() float64 {
	if m.t0.IsZero() {
		m.t0 = m.now()
	}
	elapsed := m.now().Sub(m.t0).Seconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func segmentLabel(segmentID int) string {
	return "segment-" + itoa(segmentID)
}
