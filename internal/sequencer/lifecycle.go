// SPDX-License-Identifier: BSD-3-Clause

package sequencer

import "fmt"

// GPIOControl is the named-line subset of the Services façade a device's
// power-enable and power-good lines are driven through, distinct from
// the whole-chip vector read every rail's pgood-fault check reuses.
// Grounded on pkg/gpio.SetGPIO/GetGPIO's by-name read/write pair.
type GPIOControl interface {
	SetGPIOValue(chipLabel, lineName string, value int) error
	GetGPIOValue(chipLabel, lineName string) (int, error)
}

// DeviceName returns the power-sequencer device's configured name, used
// by Chassis's aggregate power-on/power-off error messages.
func (d *PowerSequencerDevice) DeviceName() string { return d.Name }

// IsOpen reports whether the device's I²C handle is open, per spec.md
// §3's "explicit open/close/isOpen" requirement.
func (d *PowerSequencerDevice) IsOpen() bool {
	return d.Device.Conn().IsOpen()
}

// Open opens the device's I²C handle. Safe to call redundantly; Chassis
// only calls it when !IsOpen() per spec.md §4.7.
func (d *PowerSequencerDevice) Open() error {
	return d.Device.Conn().Open()
}

// Close closes the device's I²C handle. Always safe, never raises, per
// spec.md §3 and §5's "all closes are best-effort and swallow errors".
func (d *PowerSequencerDevice) Close() error {
	return d.Device.Conn().Close()
}

// PowerOn asserts the device's power-enable GPIO line, per spec.md §3's
// "name of the GPIO line that controls the device's power enable".
func (d *PowerSequencerDevice) PowerOn() error {
	return d.setPowerControl(1)
}

// PowerOff deasserts the device's power-enable GPIO line.
func (d *PowerSequencerDevice) PowerOff() error {
	return d.setPowerControl(0)
}

func (d *PowerSequencerDevice) setPowerControl(value int) error {
	if d.gpioControl == nil || d.PowerControlGPIOName == "" {
		return fmt.Errorf("device %s has no power control GPIO configured", d.Name)
	}
	if err := d.gpioControl.SetGPIOValue(d.ChipLabel, d.PowerControlGPIOName, value); err != nil {
		return fmt.Errorf("unable to drive power control GPIO for device %s: %w", d.Name, err)
	}
	return nil
}

// GetPowerGood reads the device's power-good GPIO line, per spec.md §3's
// "name of the GPIO line that reports the device's power-good". A high
// reading means power good is asserted.
func (d *PowerSequencerDevice) GetPowerGood() (bool, error) {
	if d.gpioControl == nil || d.PowerGoodGPIOName == "" {
		return false, fmt.Errorf("device %s has no power good GPIO configured", d.Name)
	}
	value, err := d.gpioControl.GetGPIOValue(d.ChipLabel, d.PowerGoodGPIOName)
	if err != nil {
		return false, fmt.Errorf("unable to read power good GPIO for device %s: %w", d.Name, err)
	}
	return value == 1, nil
}

// WithPowerControl attaches the power-enable/power-good GPIO line names
// and the backend used to drive/read them. Separate from New() because
// only Chassis-level code (not fault detection) needs it.
func (d *PowerSequencerDevice) WithPowerControl(powerControlGPIOName, powerGoodGPIOName string, ctrl GPIOControl) *PowerSequencerDevice {
	d.PowerControlGPIOName = powerControlGPIOName
	d.PowerGoodGPIOName = powerGoodGPIOName
	d.gpioControl = ctrl
	return d
}
