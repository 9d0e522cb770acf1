// SPDX-License-Identifier: BSD-3-Clause

// Package chassis implements the Chassis state machine (C7): a physical
// enclosure holding one or more power-sequencer devices, driven Off↔On
// and monitored for pgood, per spec.md §4.7.
//
// Grounded on original_source/phosphor-power-sequencer/src/chassis.cpp
// for the exact canSetPowerState/setPowerState/monitor/readPowerGood
// algorithms; pkg/state/state.go for the qmuntal/stateless wiring
// pattern, generalized to call stateless.StateMachine directly since
// canSetPowerState's rejection reasons don't fit a guard func's bool-only
// surface — the machine tracks validated On/Off state, while the
// business rules that decide whether a transition is allowed are plain
// Go returning a reason string, run before the machine is ever fired.
package chassis

import (
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/u-bmc/powerseqd/internal/sequencer"
	"github.com/u-bmc/powerseqd/internal/services"
)

// PowerState is the last requested power state of a chassis or system.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerOn
)

func (s PowerState) String() string {
	if s == PowerOn {
		return "On"
	}
	return "Off"
}

// PowerGood is the observed post-bring-up power-good state.
type PowerGood int

const (
	PowerGoodOff PowerGood = iota
	PowerGoodOn
)

// DefaultPowerGoodTimeout is this port's default for the build-option
// PGOOD_TIMEOUT the original expresses in seconds; the concrete default
// value wasn't present in the mounted source, so 10s is chosen as a
// typical power-sequencer bring-up bound.
const DefaultPowerGoodTimeout = 10 * time.Second

const (
	stateOff      = "Off"
	stateOn       = "On"
	triggerSetOff = "SetOff"
	triggerSetOn  = "SetOn"
)

func newMachine(initial PowerState) *stateless.StateMachine {
	name := stateOff
	if initial == PowerOn {
		name = stateOn
	}
	m := stateless.NewStateMachine(name)
	m.Configure(stateOff).Permit(triggerSetOn, stateOn).PermitReentry(triggerSetOff)
	m.Configure(stateOn).Permit(triggerSetOff, stateOff).PermitReentry(triggerSetOn)
	return m
}

// Chassis is one physical enclosure, per spec.md §3.
type Chassis struct {
	Number          int
	InventoryPath   string
	PowerSequencers []*sequencer.PowerSequencerDevice
	MonitorOptions  services.MonitoringOptions

	powerGoodTimeout time.Duration

	statusMonitor services.StatusMonitor
	machine       *stateless.StateMachine
	powerState    *PowerState
	powerGood     *PowerGood
}

// New returns a Chassis. Monitoring must be initialized with
// InitializeMonitoring before any status-dependent method is called.
func New(number int, inventoryPath string, powerSequencers []*sequencer.PowerSequencerDevice, options services.MonitoringOptions) *Chassis {
	return &Chassis{
		Number: number, InventoryPath: inventoryPath,
		PowerSequencers: powerSequencers, MonitorOptions: options,
		powerGoodTimeout: DefaultPowerGoodTimeout,
	}
}

// InitializeMonitoring creates the chassis's status monitor, replacing
// any previous one. Must be called before isPresent/isAvailable/
// isEnabled/isInputPowerGood/isPowerSuppliesPowerGood/canSetPowerState/
// setPowerState/monitor.
func (c *Chassis) InitializeMonitoring(svc services.Services) {
	c.statusMonitor = svc.CreateChassisStatusMonitor(c.Number, c.InventoryPath, c.MonitorOptions)
}

func (c *Chassis) verifyMonitoringInitialized() error {
	if c.statusMonitor == nil {
		return fmt.Errorf("monitoring not initialized for chassis %d", c.Number)
	}
	return nil
}

func (c *Chassis) IsPresent() (bool, error) {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return false, err
	}
	return c.statusMonitor.IsPresent()
}

func (c *Chassis) IsAvailable() (bool, error) {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return false, err
	}
	return c.statusMonitor.IsAvailable()
}

func (c *Chassis) IsEnabled() (bool, error) {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return false, err
	}
	return c.statusMonitor.IsEnabled()
}

func (c *Chassis) IsInputPowerGood() (bool, error) {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return false, err
	}
	return c.statusMonitor.IsInputPowerGood()
}

func (c *Chassis) IsPowerSuppliesPowerGood() (bool, error) {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return false, err
	}
	return c.statusMonitor.IsPowerSuppliesPowerGood()
}

// GetPowerState returns the last requested power state. Monitor must
// have run at least once.
func (c *Chassis) GetPowerState() (PowerState, error) {
	if c.powerState == nil {
		return 0, fmt.Errorf("power state could not be obtained for chassis %d", c.Number)
	}
	return *c.powerState, nil
}

// GetPowerGood returns the observed power-good state. Monitor must have
// run at least once.
func (c *Chassis) GetPowerGood() (PowerGood, error) {
	if c.powerGood == nil {
		return 0, fmt.Errorf("power good could not be obtained for chassis %d", c.Number)
	}
	return *c.powerGood, nil
}

func (c *Chassis) GetPowerGoodTimeout() time.Duration { return c.powerGoodTimeout }

func (c *Chassis) SetPowerGoodTimeout(d time.Duration) { c.powerGoodTimeout = d }

// CanSetPowerState implements spec.md §4.7's state-query composition. A
// non-nil error means monitoring was never initialized (propagates as a
// thrown exception would in the original); otherwise the bool/reason
// pair reports whether the transition is allowed.
func (c *Chassis) CanSetPowerState(newState PowerState) (bool, string, error) {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return false, "", err
	}

	if c.powerState != nil && *c.powerState == newState {
		return false, "Chassis is already at requested state", nil
	}

	present, err := c.IsPresent()
	if err != nil {
		return false, fmt.Sprintf("Error determining chassis status: %v", err), nil
	}
	if !present {
		return false, "Chassis is not present", nil
	}

	if newState == PowerOn {
		enabled, err := c.IsEnabled()
		if err != nil {
			return false, fmt.Sprintf("Error determining chassis status: %v", err), nil
		}
		if !enabled {
			return false, "Chassis is not enabled", nil
		}
	}

	inputGood, err := c.IsInputPowerGood()
	if err != nil {
		return false, fmt.Sprintf("Error determining chassis status: %v", err), nil
	}
	if !inputGood {
		return false, "Chassis does not have input power", nil
	}

	available, err := c.IsAvailable()
	if err != nil {
		return false, fmt.Sprintf("Error determining chassis status: %v", err), nil
	}
	if !available {
		return false, "Chassis is not available", nil
	}

	return true, "", nil
}

// SetPowerState implements spec.md §4.7: gate on CanSetPowerState, then
// power every device, touching all of them before raising an aggregate
// error.
func (c *Chassis) SetPowerState(newState PowerState, svc services.Services) error {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return err
	}
	canSet, reason, err := c.CanSetPowerState(newState)
	if err != nil {
		return err
	}
	if !canSet {
		return fmt.Errorf("unable to set chassis %d to state %s: %s", c.Number, newState, reason)
	}

	c.setState(newState)
	if newState == PowerOn {
		return c.powerOnDevices()
	}
	return c.powerOffDevices()
}

func (c *Chassis) setState(newState PowerState) {
	if c.machine == nil {
		c.machine = newMachine(newState)
	} else if newState == PowerOn {
		_ = c.machine.Fire(triggerSetOn)
	} else {
		_ = c.machine.Fire(triggerSetOff)
	}
	s := newState
	c.powerState = &s
}

func (c *Chassis) openDeviceIfNeeded(dev *sequencer.PowerSequencerDevice) error {
	if dev.IsOpen() {
		return nil
	}
	return dev.Open()
}

func (c *Chassis) powerOnDevices() error {
	var lastErr error
	for _, dev := range c.PowerSequencers {
		if err := c.openDeviceIfNeeded(dev); err != nil {
			lastErr = fmt.Errorf("unable to power on device %s in chassis %d: %w", dev.DeviceName(), c.Number, err)
			continue
		}
		if err := dev.PowerOn(); err != nil {
			lastErr = fmt.Errorf("unable to power on device %s in chassis %d: %w", dev.DeviceName(), c.Number, err)
		}
	}
	return lastErr
}

func (c *Chassis) powerOffDevices() error {
	var lastErr error
	for _, dev := range c.PowerSequencers {
		if err := c.openDeviceIfNeeded(dev); err != nil {
			lastErr = fmt.Errorf("unable to power off device %s in chassis %d: %w", dev.DeviceName(), c.Number, err)
			continue
		}
		if err := dev.PowerOff(); err != nil {
			lastErr = fmt.Errorf("unable to power off device %s in chassis %d: %w", dev.DeviceName(), c.Number, err)
		}
	}
	return lastErr
}

// Monitor implements spec.md §4.7's monitor tick.
func (c *Chassis) Monitor(svc services.Services) error {
	if err := c.verifyMonitoringInitialized(); err != nil {
		return err
	}

	present, err := c.IsPresent()
	if err != nil {
		return err
	}
	inputGood, err := c.IsInputPowerGood()
	if err != nil {
		return err
	}

	if !present || !inputGood {
		c.setState(PowerOff)
		off := PowerGoodOff
		c.powerGood = &off
		c.CloseDevices()
		return nil
	}

	available, err := c.IsAvailable()
	if err != nil {
		return err
	}
	if present && available && inputGood {
		c.readPowerGood()
		c.setInitialPowerStateIfNeeded()
	}
	return nil
}

// CloseDevices closes every open power-sequencer device. Best-effort;
// never raises, per spec.md §5.
func (c *Chassis) CloseDevices() {
	for _, dev := range c.PowerSequencers {
		if dev.IsOpen() {
			_ = dev.Close()
		}
	}
}

func (c *Chassis) readPowerGood() {
	onCount, offCount := 0, 0
	for _, dev := range c.PowerSequencers {
		if err := c.openDeviceIfNeeded(dev); err != nil {
			continue
		}
		good, err := dev.GetPowerGood()
		if err != nil {
			continue
		}
		if good {
			onCount++
		} else {
			offCount++
		}
	}

	total := len(c.PowerSequencers)
	if onCount == total {
		v := PowerGoodOn
		c.powerGood = &v
	} else if offCount == total {
		v := PowerGoodOff
		c.powerGood = &v
	}
}

func (c *Chassis) setInitialPowerStateIfNeeded() {
	if c.powerState != nil || c.powerGood == nil {
		return
	}
	v := PowerOn
	if *c.powerGood == PowerGoodOff {
		v = PowerOff
	}
	c.setState(v)
}
