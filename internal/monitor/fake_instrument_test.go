package monitor_test

import (
	"context"
	"fmt"
)

// fakeInstrument implements monitor.Instrument with directly settable
// signal/spec values, standing in for a real *instrument.Instrument.
type fakeInstrument struct {
	signals map[string]any
	specs   map[string]any
	failOn  map[string]bool
}

func newFakeInstrument() *fakeInstrument {
	return &fakeInstrument{
		signals: make(map[string]any),
		specs:   make(map[string]any),
		failOn:  make(map[string]bool),
	}
}

func (f *fakeInstrument) Get(ctx context.Context, name string) (any, error) {
	if f.failOn[name] {
		return nil, fmt.Errorf("simulated poll failure for %s", name)
	}
	if v, ok := f.signals[name]; ok {
		return v, nil
	}
	if v, ok := f.specs[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown parameter %s", name)
}

func (f *fakeInstrument) HasParameter(name string) bool {
	if _, ok := f.signals[name]; ok {
		return true
	}
	if _, ok := f.specs[name]; ok {
		return true
	}
	return false
}
