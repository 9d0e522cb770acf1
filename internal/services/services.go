// SPDX-License-Identifier: BSD-3-Clause

// Package services implements the C3 collaborator interface: the single
// façade the core uses for every side effect it does not own itself
// (journal logging, presence lookup, whole-chip GPIO reads, the C2
// factory, the chassis status monitor factory, the structured error
// sink, and the C11 handle).
//
// Grounded on service/interface.go's abstract-collaborator pattern.
// Implementations are free to be in-process mocks (used by tests) or
// backed by the real host D-Bus/Inventory/hwmon services, which
// spec.md §1 explicitly treats as external and out of scope.
package services

import (
	"fmt"
	"log/slog"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/gpiochip"
	"github.com/u-bmc/powerseqd/internal/i2c"
	"github.com/u-bmc/powerseqd/internal/pmbus"
	"github.com/u-bmc/powerseqd/internal/sensor"
)

// StatusMonitor is the upstream status reader a Chassis consults during
// canSetPowerState/monitor (spec.md §3: "the sole reader of upstream
// state"). The real implementation is backed by D-Bus/Inventory
// properties; spec.md treats that wiring as external.
type StatusMonitor interface {
	IsPresent() (bool, error)
	IsAvailable() (bool, error)
	IsEnabled() (bool, error)
	IsInputPowerGood() (bool, error)
	IsPowerSuppliesPowerGood() (bool, error)
}

// MonitoringOptions are the flags spec.md §3 describes on Chassis:
// presence/availability/power-state/input-power/power-good/power-supply
// monitoring. Power-state and power-good are always forced off by the
// caller (the daemon owns those properties), per spec.md §3.
type MonitoringOptions struct {
	MonitorPresence          bool
	MonitorAvailability      bool
	MonitorInputPower        bool
	MonitorPowerSuppliePower bool
}

// Services is the C3 contract.
type Services interface {
	LogInfo(msg string)
	LogError(msg string)
	LogStructured(message string, severity errs.Severity, additionalData errs.AdditionalData)

	IsPresent(inventoryPath string) (bool, error)
	ReadVPD(fru, keyword string) (string, error)
	GetGPIOValues(chipLabel string) ([]int, error)
	SetGPIOValue(chipLabel, lineName string, value int) error
	GetGPIOValue(chipLabel, lineName string) (int, error)

	CreatePMBus(bus string, address uint8, driverName string, instance int, hwmonRoot string) (*pmbus.Device, error)
	CreateChassisStatusMonitor(chassisNumber int, inventoryPath string, options MonitoringOptions) StatusMonitor

	Sensors() *sensor.Facade
}

// Default is the production-shaped implementation: real I2C/GPIO access
// plus a pluggable presence/status backend (the D-Bus/Inventory layer
// spec.md §1 keeps external to this specification).
type Default struct {
	logger        *slog.Logger
	presence      PresenceChecker
	vpd           VPDReader
	statusFactory StatusMonitorFactory
	sensors       *sensor.Facade
}

// PresenceChecker abstracts the inventory presence lookup.
type PresenceChecker interface {
	IsPresent(inventoryPath string) (bool, error)
}

// VPDReader abstracts the VPD keyword lookup used by compare_vpd.
type VPDReader interface {
	ReadVPD(fru, keyword string) (string, error)
}

// StatusMonitorFactory builds a StatusMonitor for one chassis.
type StatusMonitorFactory func(chassisNumber int, inventoryPath string, options MonitoringOptions) StatusMonitor

// New returns a Default services façade.
func New(logger *slog.Logger, presence PresenceChecker, statusFactory StatusMonitorFactory, sensors *sensor.Facade) *Default {
	return &Default{logger: logger, presence: presence, statusFactory: statusFactory, sensors: sensors}
}

// WithVPDReader attaches a VPD backend; without one, ReadVPD always
// raises VPDError (no VPD facade wired).
func (d *Default) WithVPDReader(r VPDReader) *Default {
	d.vpd = r
	return d
}

func (d *Default) ReadVPD(fru, keyword string) (string, error) {
	if d.vpd == nil {
		return "", &errs.VPDError{FRU: fru, Keyword: keyword, Cause: fmt.Errorf("no VPD backend wired")}
	}
	value, err := d.vpd.ReadVPD(fru, keyword)
	if err != nil {
		return "", &errs.VPDError{FRU: fru, Keyword: keyword, Cause: err}
	}
	return value, nil
}

func (d *Default) LogInfo(msg string)  { d.logger.Info(msg) }
func (d *Default) LogError(msg string) { d.logger.Error(msg) }

func (d *Default) LogStructured(message string, severity errs.Severity, additionalData errs.AdditionalData) {
	args := make([]any, 0, len(additionalData)*2+2)
	args = append(args, "severity", severity)
	for k, v := range additionalData {
		args = append(args, k, v)
	}
	switch severity {
	case errs.SeverityInfo:
		d.logger.Info(message, args...)
	case errs.SeverityWarning:
		d.logger.Warn(message, args...)
	default:
		d.logger.Error(message, args...)
	}
}

func (d *Default) IsPresent(inventoryPath string) (bool, error) {
	if d.presence == nil {
		return true, nil
	}
	present, err := d.presence.IsPresent(inventoryPath)
	if err != nil {
		return false, &errs.PresenceError{InventoryPath: inventoryPath, Cause: err}
	}
	return present, nil
}

func (d *Default) GetGPIOValues(chipLabel string) ([]int, error) {
	return gpiochip.ReadAll(chipLabel)
}

func (d *Default) SetGPIOValue(chipLabel, lineName string, value int) error {
	return gpiochip.SetByName(chipLabel, lineName, value)
}

func (d *Default) GetGPIOValue(chipLabel, lineName string) (int, error) {
	return gpiochip.GetByName(chipLabel, lineName)
}

func (d *Default) CreatePMBus(bus string, address uint8, driverName string, instance int, hwmonRoot string) (*pmbus.Device, error) {
	conn := i2c.New(bus, address)
	return pmbus.NewDevice(conn, bus, address, driverName, instance, hwmonRoot), nil
}

func (d *Default) CreateChassisStatusMonitor(chassisNumber int, inventoryPath string, options MonitoringOptions) StatusMonitor {
	if d.statusFactory != nil {
		return d.statusFactory(chassisNumber, inventoryPath, options)
	}
	return &staticStatusMonitor{present: true, available: true, enabled: true, inputPowerGood: true, psuPowerGood: true}
}

func (d *Default) Sensors() *sensor.Facade { return d.sensors }

// staticStatusMonitor is the fallback used when no external status
// backend is wired, and the default for tests that don't care about
// presence/availability edge cases.
type staticStatusMonitor struct {
	present, available, enabled, inputPowerGood, psuPowerGood bool
}

func (s *staticStatusMonitor) IsPresent() (bool, error)                { return s.present, nil }
func (s *staticStatusMonitor) IsAvailable() (bool, error)               { return s.available, nil }
func (s *staticStatusMonitor) IsEnabled() (bool, error)                 { return s.enabled, nil }
func (s *staticStatusMonitor) IsInputPowerGood() (bool, error)          { return s.inputPowerGood, nil }
func (s *staticStatusMonitor) IsPowerSuppliesPowerGood() (bool, error)  { return s.psuPowerGood, nil }

// NewStaticStatusMonitor builds a StatusMonitor with fixed responses,
// used by tests (spec.md scenarios S4/S5) to drive specific
// present/available/enabled/input-power-good combinations.
func NewStaticStatusMonitor(present, available, enabled, inputPowerGood, psuPowerGood bool) StatusMonitor {
	return &staticStatusMonitor{present, available, enabled, inputPowerGood, psuPowerGood}
}
