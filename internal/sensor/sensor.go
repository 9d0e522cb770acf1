// SPDX-License-Identifier: BSD-3-Clause

// Package sensor implements the sensor publication façade (C11):
// per-monitoring-cycle lifecycle with per-sensor-type update policy
// (hysteresis / highest-seen / lowest-seen), external naming
// "<rail>_<sensortype>", and stale-sensor pruning at endCycle.
//
// Grounded on spec.md §4.11 for the lifecycle/policy; the raw-value
// wrapper shape is grounded on pkg/hwmon/values.go; exporting each
// published value as an OTel gauge is grounded on
// pkg/telemetry/provider.go's meter-provider construction.
package sensor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Type enumerates the fixed sensor types of spec.md §4.11.
type Type string

const (
	TypeIout            Type = "iout"
	TypeIoutPeak        Type = "iout_peak"
	TypeIoutValley      Type = "iout_valley"
	TypePout            Type = "pout"
	TypeTemperature     Type = "temperature"
	TypeTemperaturePeak Type = "temperature_peak"
	TypeVout            Type = "vout"
	TypeVoutPeak        Type = "vout_peak"
	TypeVoutValley      Type = "vout_valley"
)

// policy classifies the update rule each type follows.
type policy int

const (
	policyHysteresis policy = iota
	policyHighestSeen
	policyLowestSeen
)

type typeInfo struct {
	unit       string
	minValue   float64
	maxValue   float64
	policy     policy
	hysteresis float64
}

// typeTable fixes {unit, minValue, maxValue} and the update policy per
// type, per spec.md §4.11. Voltage hysteresis is intentionally tiny
// (1 mV) so small but significant changes are not hidden.
var typeTable = map[Type]typeInfo{
	TypeIout:            {unit: "A", minValue: -1000, maxValue: 1000, policy: policyHysteresis, hysteresis: 0.01},
	TypeIoutPeak:        {unit: "A", minValue: -1000, maxValue: 1000, policy: policyHighestSeen},
	TypeIoutValley:      {unit: "A", minValue: -1000, maxValue: 1000, policy: policyLowestSeen},
	TypePout:            {unit: "W", minValue: -100000, maxValue: 100000, policy: policyHysteresis, hysteresis: 0.1},
	TypeTemperature:     {unit: "C", minValue: -273, maxValue: 1000, policy: policyHysteresis, hysteresis: 0.5},
	TypeTemperaturePeak: {unit: "C", minValue: -273, maxValue: 1000, policy: policyHighestSeen},
	TypeVout:            {unit: "V", minValue: -100, maxValue: 1000, policy: policyHysteresis, hysteresis: 0.001},
	TypeVoutPeak:        {unit: "V", minValue: -100, maxValue: 1000, policy: policyHighestSeen},
	TypeVoutValley:      {unit: "V", minValue: -100, maxValue: 1000, policy: policyLowestSeen},
}

type entry struct {
	value          float64
	functional     bool
	lastUpdateTime time.Time
	rail           string
	typ            Type
}

// Facade is the in-process implementation of C11. It is safe for
// concurrent callers, though spec.md §5's single-threaded core means
// only one monitor/configure tick ever drives it at a time in practice.
type Facade struct {
	mu           sync.Mutex
	enabled      bool
	sensors      map[string]*entry
	cycleStart   time.Time
	currentRail  string
	meter        metric.Meter
	gauges       map[string]metric.Float64Gauge
	now          func() time.Time
}

// Option configures a Facade at construction time.
type Option func(*Facade)

// WithMeter attaches an OTel meter so every published value is also
// exported as a gauge, mirroring service/sensormon's pattern of
// mirroring hwmon readings onto published sensors.
func WithMeter(m metric.Meter) Option {
	return func(f *Facade) { f.meter = m }
}

// WithClock overrides the time source (for deterministic tests).
func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// New returns a disabled Facade.
func New(opts ...Option) *Facade {
	f := &Facade{
		sensors: make(map[string]*entry),
		gauges:  make(map[string]metric.Float64Gauge),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enable turns the façade on.
func (f *Facade) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable publishes NaN on every sensor and turns the façade off.
func (f *Facade) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, e := range f.sensors {
		e.value = math.NaN()
		f.publish(key, e.value)
	}
	f.enabled = false
}

// StartCycle begins a new monitoring cycle; its timestamp is used by
// EndCycle to detect sensors that went stale (hardware removal).
func (f *Facade) StartCycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycleStart = f.now()
}

// StartRail begins publication for one rail within the current cycle.
func (f *Facade) StartRail(rail, deviceInventoryPath, chassisInventoryPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentRail = rail
}

// name builds the external object name "<rail>_<sensortype>".
func name(rail string, typ Type) string {
	return fmt.Sprintf("%s_%s", rail, typ)
}

// SetValue applies typ's update policy against the sensor's current
// value and publishes a new reading if the policy says to. A NaN value
// always triggers an update (spec.md §4.11).
func (f *Facade) SetValue(typ Type, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled || f.currentRail == "" {
		return
	}

	info, ok := typeTable[typ]
	if !ok {
		return
	}

	key := name(f.currentRail, typ)
	e, exists := f.sensors[key]
	if !exists {
		e = &entry{rail: f.currentRail, typ: typ, value: math.NaN(), functional: true}
		f.sensors[key] = e
	}

	update := math.IsNaN(value)
	if !update {
		switch info.policy {
		case policyHysteresis:
			update = math.IsNaN(e.value) || math.Abs(value-e.value) >= info.hysteresis
		case policyHighestSeen:
			update = math.IsNaN(e.value) || value > e.value
		case policyLowestSeen:
			update = math.IsNaN(e.value) || value < e.value
		}
	}
	if !update {
		return
	}

	e.value = value
	e.functional = true
	e.lastUpdateTime = f.now()
	f.publish(key, value)
}

func (f *Facade) publish(key string, value float64) {
	if f.meter == nil {
		return
	}
	g, ok := f.gauges[key]
	if !ok {
		var err error
		g, err = f.meter.Float64Gauge(key)
		if err != nil {
			return
		}
		f.gauges[key] = g
	}
	g.Record(context.Background(), value)
}

// EndRail closes out publication for the current rail. If errorOccurred
// is true, every sensor belonging to the rail is marked non-functional.
func (f *Facade) EndRail(errorOccurred bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errorOccurred {
		for _, e := range f.sensors {
			if e.rail == f.currentRail {
				e.functional = false
			}
		}
	}
	f.currentRail = ""
}

// EndCycle prunes any sensor whose lastUpdateTime predates cycleStart
// (hardware removal detection), per spec.md §4.11.
func (f *Facade) EndCycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, e := range f.sensors {
		if e.lastUpdateTime.Before(f.cycleStart) {
			delete(f.sensors, key)
			delete(f.gauges, key)
		}
	}
}

// Value returns the sensor's current published value and whether it is
// functional, for tests and introspection.
func (f *Facade) Value(rail string, typ Type) (value float64, functional bool, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, exists := f.sensors[name(rail, typ)]
	if !exists {
		return 0, false, false
	}
	return e.value, e.functional, true
}

// Count returns the number of currently tracked sensors (for tests).
func (f *Facade) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sensors)
}
