// SPDX-License-Identifier: BSD-3-Clause

// Package rail implements the per-rail pgood-fault checks (C5):
// presence short-circuit, STATUS_VOUT warning-mask evaluation, GPIO
// pgood-inactive detection, Vout-vs-UV-limit comparison, and
// best-effort STATUS_WORD capture for diagnostics.
//
// Grounded on spec.md §4.5 directly; the STATUS_VOUT warning-mask
// treatment and the non-strict vout≤uvLimit comparison are carried from
// original_source/phosphor-power-sequencer/src/rail.cpp. The three
// checks are exposed as two entry points (HasPgoodFaultStatusVout,
// HasPgoodFaultGPIOOrVoltage) rather than folded into one combined
// method, because spec.md §4.6's two-pass device-level algorithm needs
// to run STATUS_VOUT across every rail before it runs GPIO/voltage
// across any rail — matching rail.cpp's own split between
// hasPgoodFaultStatusVout, hasPgoodFaultGPIO and
// hasPgoodFaultOutputVoltage.
package rail

import (
	"fmt"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/pmbus"
)

// Presence is the narrow C3 slice Rail needs to short-circuit a fault
// check on a not-present rail (e.g. a removable riser card).
type Presence interface {
	IsPresent(inventoryPath string) (bool, error)
}

// Logger receives the info-level messages spec.md §4.5 calls for.
type Logger interface {
	LogInfo(msg string)
}

// Device is the subset of the PMBus adapter Rail's checks read from.
type Device interface {
	ReadStatusVout(page uint8) (uint8, error)
	ReadVout(page uint8) (float64, error)
	ReadVoutUVFaultLimit(page uint8) (float64, error)
	ReadStatusWord(page uint8) (uint16, error)
}

// GPIOSpec names the GPIO line a rail's pgood is wired to.
type GPIOSpec struct {
	Line      uint32
	ActiveLow bool
}

// Rail is one regulator output, as configured (spec.md §3/§6).
type Rail struct {
	Name                  string
	Page                  uint8
	PresenceInventoryPath string
	IsPowerSupplyRail     bool

	CheckStatusVout       bool
	GPIO                  *GPIOSpec
	CompareVoltageToLimit bool
}

// RailName returns the rail's configured name (exported as a method,
// not a field access, so Rail satisfies sequencer.Rail).
func (r *Rail) RailName() string { return r.Name }

// RailIsPowerSupplyRail reports whether this rail belongs to a power
// supply unit, per spec.md §4.6 step 5.
func (r *Rail) RailIsPowerSupplyRail() bool { return r.IsPowerSupplyRail }

// isPresent applies spec.md §4.5 step 1; a rail with no presence gate is
// always present.
func (r *Rail) isPresent(presence Presence, logger Logger) (bool, error) {
	if r.PresenceInventoryPath == "" {
		return true, nil
	}
	present, err := presence.IsPresent(r.PresenceInventoryPath)
	if err != nil {
		return false, err
	}
	if !present {
		logger.LogInfo(fmt.Sprintf("rail %s not present, skipping pgood check", r.Name))
	}
	return present, nil
}

// finalize applies spec.md §4.5 step 5 once a fault has been found:
// record RAIL_NAME and best-effort capture STATUS_WORD.
func (r *Rail) finalize(device Device, additionalData errs.AdditionalData) {
	additionalData["RAIL_NAME"] = r.Name
	if statusWord, err := device.ReadStatusWord(r.Page); err == nil {
		additionalData["STATUS_WORD"] = fmt.Sprintf("0x%04X", statusWord)
	}
}

// HasPgoodFaultStatusVout implements spec.md §4.5 step 2: the STATUS_VOUT
// warning-mask check, gated by presence. Used by C6's Pass A.
func (r *Rail) HasPgoodFaultStatusVout(presence Presence, logger Logger, device Device, additionalData errs.AdditionalData) (bool, error) {
	if !r.CheckStatusVout {
		return false, nil
	}
	present, err := r.isPresent(presence, logger)
	if err != nil || !present {
		return false, err
	}

	statusVout, err := device.ReadStatusVout(r.Page)
	if err != nil {
		return false, err
	}
	if statusVout == 0 {
		return false, nil
	}
	if statusVout&^pmbus.StatusVoutWarningMask == 0 {
		logger.LogInfo(fmt.Sprintf("rail %s STATUS_VOUT has only warning bits set: 0x%02X", r.Name, statusVout))
		return false, nil
	}

	additionalData["STATUS_VOUT"] = fmt.Sprintf("0x%02X", statusVout)
	r.finalize(device, additionalData)
	return true, nil
}

// HasPgoodFaultGPIOOrVoltage implements spec.md §4.5 steps 3-4: the
// GPIO-based pgood-inactive check, or (if that doesn't fire) the
// Vout-vs-UV-limit check, gated by presence. Used by C6's Pass B.
func (r *Rail) HasPgoodFaultGPIOOrVoltage(presence Presence, logger Logger, device Device, gpioValues []int, additionalData errs.AdditionalData) (bool, error) {
	present, err := r.isPresent(presence, logger)
	if err != nil || !present {
		return false, err
	}

	faulted, err := r.checkGPIO(gpioValues, additionalData)
	if err != nil {
		return false, err
	}
	if !faulted {
		faulted, err = r.checkVoltageToLimit(device, additionalData)
		if err != nil {
			return false, err
		}
	}
	if !faulted {
		return false, nil
	}

	r.finalize(device, additionalData)
	return true, nil
}

func (r *Rail) checkGPIO(gpioValues []int, additionalData errs.AdditionalData) (bool, error) {
	if r.GPIO == nil {
		return false, nil
	}
	if int(r.GPIO.Line) >= len(gpioValues) {
		return false, fmt.Errorf("%w: gpio line %d out of range (have %d lines)", errs.ErrInternal, r.GPIO.Line, len(gpioValues))
	}
	value := gpioValues[r.GPIO.Line]
	inactive := (r.GPIO.ActiveLow && value == 1) || (!r.GPIO.ActiveLow && value == 0)
	if !inactive {
		return false, nil
	}
	additionalData["GPIO_LINE"] = fmt.Sprintf("%d", r.GPIO.Line)
	additionalData["GPIO_VALUE"] = fmt.Sprintf("%d", value)
	return true, nil
}

func (r *Rail) checkVoltageToLimit(device Device, additionalData errs.AdditionalData) (bool, error) {
	if !r.CompareVoltageToLimit {
		return false, nil
	}
	vout, err := device.ReadVout(r.Page)
	if err != nil {
		return false, err
	}
	uvLimit, err := device.ReadVoutUVFaultLimit(r.Page)
	if err != nil {
		return false, err
	}
	if vout > uvLimit {
		return false, nil
	}
	additionalData["READ_VOUT"] = fmt.Sprintf("%g", vout)
	additionalData["VOUT_UV_FAULT_LIMIT"] = fmt.Sprintf("%g", uvLimit)
	return true, nil
}
