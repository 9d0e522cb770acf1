// SPDX-License-Identifier: BSD-3-Clause

// Package sequencer implements the power-sequencer device model (C6):
// the two-pass pgood-fault algorithm shared by every device kind, with
// per-model GPIO vector formatting for debug data (UCD90160 groups of
// four, UCD90320 named spans).
//
// Grounded on original_source/phosphor-power-sequencer/src/
// standard_device.cpp (findPgoodFault/findRailWithPgoodFault's exact
// two-pass order and rationale), ucd90160_device.cpp and
// ucd90320_device.cpp (the GPIO naming tables), and ucd90x_device.cpp
// (best-effort MFR_STATUS capture).
package sequencer

import (
	"fmt"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/i2c"
	"github.com/u-bmc/powerseqd/internal/rail"
)

// ErrPowerSequencerVoltageFault is the root-cause error name returned
// when a pgood fault is attributed to this device and no power-supply
// error takes precedence, per spec.md §4.6 step 5.
const ErrPowerSequencerVoltageFault = "xyz.openbmc_project.Power.Error.PowerSequencerVoltageFault"

// Rail is the subset of rail.Rail the two-pass algorithm drives.
type Rail interface {
	HasPgoodFaultStatusVout(presence rail.Presence, logger rail.Logger, device rail.Device, additionalData errs.AdditionalData) (bool, error)
	HasPgoodFaultGPIOOrVoltage(presence rail.Presence, logger rail.Logger, device rail.Device, gpioValues []int, additionalData errs.AdditionalData) (bool, error)
	RailName() string
	RailIsPowerSupplyRail() bool
}

// Device is the subset of the PMBus adapter the sequencer needs in
// addition to what individual rails read (MFR_STATUS capture).
type Device interface {
	rail.Device
	ReadMfrStatus() (uint64, error)
	InvalidatePageMap()
	Conn() *i2c.Conn
}

// GPIOFormatter renders a whole-chip GPIO value vector into the
// additionalData entries a specific power-sequencer model exposes for
// diagnostics (spec.md §4.6: "subtype formatting of the GPIO vector").
type GPIOFormatter interface {
	FormatGPIOValues(logger rail.Logger, deviceName string, values []int, additionalData errs.AdditionalData)
}

// PowerSequencerDevice is one configured power-sequencer IC: its PMBus
// adapter, its ordered rail list (power-on order), and its model-specific
// GPIO formatter.
type PowerSequencerDevice struct {
	Name          string
	ChipLabel     string
	Device        Device
	Rails         []Rail
	GPIOFormatter GPIOFormatter

	// PowerControlGPIOName and PowerGoodGPIOName are the power-enable and
	// power-good line names spec.md §3 assigns to PowerSequencerDevice;
	// set via WithPowerControl, not the constructor, since only Chassis
	// needs them.
	PowerControlGPIOName string
	PowerGoodGPIOName    string

	presence    rail.Presence
	logger      rail.Logger
	gpio        func(chipLabel string) ([]int, error)
	gpioControl GPIOControl
}

// New returns a PowerSequencerDevice. gpioRead reads the whole-chip GPIO
// vector (internal/gpiochip.ReadAll in production).
func New(name, chipLabel string, device Device, rails []Rail, formatter GPIOFormatter, presence rail.Presence, logger rail.Logger, gpioRead func(string) ([]int, error)) *PowerSequencerDevice {
	return &PowerSequencerDevice{
		Name: name, ChipLabel: chipLabel, Device: device, Rails: rails,
		GPIOFormatter: formatter, presence: presence, logger: logger, gpio: gpioRead,
	}
}

// FindPgoodFault implements spec.md §4.6's findPgoodFault(services,
// powerSupplyError, &additionalData) → errorNameOrEmpty.
func (d *PowerSequencerDevice) FindPgoodFault(powerSupplyError string, additionalData errs.AdditionalData) (string, error) {
	d.Device.InvalidatePageMap()

	gpioValues := d.getGPIOValuesIfPossible()

	faultRail, err := d.findRailWithPgoodFault(gpioValues, additionalData)
	if err != nil {
		return "", fmt.Errorf("unable to determine if a pgood fault occurred in device %s: %w", d.Name, err)
	}
	if faultRail == nil {
		return "", nil
	}

	d.logger.LogInfo(fmt.Sprintf("pgood fault found in rail monitored by device %s", d.Name))

	errorName := ErrPowerSequencerVoltageFault
	if faultRail.RailIsPowerSupplyRail() && powerSupplyError != "" {
		errorName = powerSupplyError
	}

	d.storePgoodFaultDebugData(gpioValues, additionalData)
	return errorName, nil
}

func (d *PowerSequencerDevice) getGPIOValuesIfPossible() []int {
	if d.gpio == nil {
		return nil
	}
	values, err := d.gpio(d.ChipLabel)
	if err != nil {
		return nil
	}
	return values
}

// findRailWithPgoodFault is the two-pass algorithm: STATUS_VOUT across
// every rail first (Pass A), then GPIO-or-voltage across every rail
// (Pass B), per spec.md §4.6 steps 3-4.
func (d *PowerSequencerDevice) findRailWithPgoodFault(gpioValues []int, additionalData errs.AdditionalData) (Rail, error) {
	for _, r := range d.Rails {
		faulted, err := r.HasPgoodFaultStatusVout(d.presence, d.logger, d.Device, additionalData)
		if err != nil {
			return nil, err
		}
		if faulted {
			return r, nil
		}
	}

	for _, r := range d.Rails {
		faulted, err := r.HasPgoodFaultGPIOOrVoltage(d.presence, d.logger, d.Device, gpioValues, additionalData)
		if err != nil {
			return nil, err
		}
		if faulted {
			return r, nil
		}
	}

	return nil, nil
}

func (d *PowerSequencerDevice) storePgoodFaultDebugData(gpioValues []int, additionalData errs.AdditionalData) {
	additionalData["DEVICE_NAME"] = d.Name
	if d.GPIOFormatter != nil && len(gpioValues) > 0 {
		d.GPIOFormatter.FormatGPIOValues(d.logger, d.Name, gpioValues, additionalData)
	} else if len(gpioValues) > 0 {
		additionalData.Set("GPIO_VALUES", formatIntVector(gpioValues))
	}

	if mfrStatus, err := d.Device.ReadMfrStatus(); err == nil {
		d.logger.LogInfo(fmt.Sprintf("device %s MFR_STATUS: %#014x", d.Name, mfrStatus))
		additionalData["MFR_STATUS"] = fmt.Sprintf("%#014x", mfrStatus)
	}
}

func formatIntVector(values []int) string {
	s := "[ "
	for i, v := range values {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", v)
	}
	return s + " ]"
}
