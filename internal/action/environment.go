// SPDX-License-Identifier: BSD-3-Clause

// Package action implements the action/rule evaluation engine (C4): a
// tagged-variant tree of primitive I²C/PMBus operations executed against
// a per-invocation ActionEnvironment, with ${var} substitution at
// configuration-parse time.
//
// Grounded on spec.md §4.4/§4.4.1/§4.4.2 directly (the primitive list,
// VOUT_MODE parsing, and variable expansion are specified exactly) and
// on original_source/phosphor-regulators for the compare_vpd field
// shape. The tagged-variant dispatch shape is grounded on
// pkg/gpio/gpio.go and pkg/i2c/pmbus.go's plain-function style, adapted
// to a closed set of Action implementations instead of free functions;
// each is dispatched through the Action interface's Execute method.
package action

import (
	"fmt"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/i2c"
	"github.com/u-bmc/powerseqd/internal/sensor"
)

// DefaultMaxRuleDepth bounds run_rule recursion, carried from
// original_source's ActionEnvironment::maximumRuleDepth default.
const DefaultMaxRuleDepth = 30

// Device is the subset of a regulator device the action engine needs:
// its raw transport, its identity, and the three PMBus registers the
// pmbus_* primitives touch. internal/registry's Device satisfies this.
type Device interface {
	ID() string
	InventoryPath() string
	Conn() *i2c.Conn
	ReadVoutMode() (uint8, error)
	ReadVoutCommand() (uint16, error)
	WriteVoutCommand(value uint16) error
}

// Registry resolves the ids an ActionEnvironment and its actions
// reference. internal/registry.IDMap satisfies this.
type Registry interface {
	GetRule(id string) (*Rule, error)
	GetDevice(id string) (Device, error)
}

// Services is the subset of C3 the action engine's compare_presence and
// compare_vpd primitives need.
type Services interface {
	IsPresent(inventoryPath string) (bool, error)
	ReadVPD(fru, keyword string) (string, error)
}

// ActionEnvironment is scoped to one Rule.Run invocation: it borrows the
// Registry and Services, carries the mutable current-device id, an
// optional resolved volts value, a bounded rule-nesting depth, and an
// accumulating FFDC map. It must not be shared across rule invocations
// or across goroutines (spec.md §5).
type ActionEnvironment struct {
	Registry Registry
	Services Services
	Sensors  *sensor.Facade

	CurrentDevice  string
	Volts          *float64
	Depth          int
	MaxDepth       int
	AdditionalData errs.AdditionalData
}

// NewEnvironment returns an environment ready for a top-level rule
// invocation (depth 0).
func NewEnvironment(registry Registry, svc Services, sensors *sensor.Facade) *ActionEnvironment {
	return &ActionEnvironment{
		Registry:       registry,
		Services:       svc,
		Sensors:        sensors,
		MaxDepth:       DefaultMaxRuleDepth,
		AdditionalData: make(errs.AdditionalData),
	}
}

// device resolves the current device, raising ActionError if unset or
// unknown — every I²C and PMBus primitive needs one (set_device,
// run_rule, if/and/or/not, compare_presence and compare_vpd do not).
func (e *ActionEnvironment) device(description string) (Device, error) {
	if e.CurrentDevice == "" {
		return nil, &errs.ActionError{Description: description, Cause: fmt.Errorf("%w: no current device set", errs.ErrInvalidArgument)}
	}
	d, err := e.Registry.GetDevice(e.CurrentDevice)
	if err != nil {
		return nil, &errs.ActionError{Description: description, Cause: err}
	}
	return d, nil
}

// Rule is a named, ordered list of Actions. run_rule resolves one by id
// through the Registry and executes it in the caller's environment.
type Rule struct {
	ID      string
	Actions []Action
}

// Run executes every action in order and returns the last action's
// boolean result; the first error stops the run. An empty rule returns
// true. Run leaves env.Depth unchanged; RunRule.Execute maintains it.
func (r *Rule) Run(env *ActionEnvironment) (bool, error) {
	result := true
	for _, a := range r.Actions {
		v, err := a.Execute(env)
		if err != nil {
			return false, err
		}
		result = v
	}
	return result, nil
}

// Action is the uniform execute contract every primitive satisfies.
type Action interface {
	Execute(env *ActionEnvironment) (bool, error)
	String() string
}
