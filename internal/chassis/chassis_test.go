// SPDX-License-Identifier: BSD-3-Clause

package chassis

import (
	"testing"

	"github.com/u-bmc/powerseqd/internal/services"
)

func newChassis(status services.StatusMonitor) *Chassis {
	c := New(0, "/system/chassis0", nil, services.MonitoringOptions{})
	c.statusMonitor = status
	return c
}

func TestCanSetPowerStateFailsWithoutMonitoring(t *testing.T) {
	c := New(0, "/system/chassis0", nil, services.MonitoringOptions{})
	if _, _, err := c.CanSetPowerState(PowerOn); err == nil {
		t.Fatal("expected error when monitoring is not initialized")
	}
}

func TestCanSetPowerStateAlreadyAtRequestedState(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, true, true, true, true))
	c.setState(PowerOff)

	canSet, reason, err := c.CanSetPowerState(PowerOff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canSet {
		t.Fatal("expected rejection when already at requested state")
	}
	if reason != "Chassis is already at requested state" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestCanSetPowerStateRejectsWhenNotPresent(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(false, true, true, true, true))

	canSet, reason, err := c.CanSetPowerState(PowerOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canSet {
		t.Fatal("expected rejection when not present")
	}
	if reason != "Chassis is not present" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestCanSetPowerStateRejectsWhenNotEnabledForOn(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, true, false, true, true))

	canSet, reason, err := c.CanSetPowerState(PowerOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canSet {
		t.Fatal("expected rejection when not enabled")
	}
	if reason != "Chassis is not enabled" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestCanSetPowerStateAllowsOffEvenWhenNotEnabled(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, true, false, true, true))

	canSet, reason, err := c.CanSetPowerState(PowerOff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !canSet {
		t.Fatalf("expected power-off to be allowed when disabled, got reason %q", reason)
	}
}

func TestCanSetPowerStateRejectsWhenInputPowerNotGood(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, true, true, false, true))

	canSet, reason, err := c.CanSetPowerState(PowerOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canSet {
		t.Fatal("expected rejection when input power is not good")
	}
	if reason != "Chassis does not have input power" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestCanSetPowerStateRejectsWhenNotAvailable(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, false, true, true, true))

	canSet, reason, err := c.CanSetPowerState(PowerOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canSet {
		t.Fatal("expected rejection when not available")
	}
	if reason != "Chassis is not available" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestCanSetPowerStateAllowsWhenEverythingGood(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, true, true, true, true))

	canSet, reason, err := c.CanSetPowerState(PowerOn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !canSet {
		t.Fatalf("expected transition to be allowed, got reason %q", reason)
	}
}

func TestSetPowerStateRejectsAndReturnsReasonAsError(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(false, true, true, true, true))

	err := c.SetPowerState(PowerOn, nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMonitorForcesOffWhenNotPresent(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(false, true, true, true, true))
	c.setState(PowerOn)

	if err := c.Monitor(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := c.GetPowerState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PowerOff {
		t.Fatalf("expected forced Off state, got %s", state)
	}

	good, err := c.GetPowerGood()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if good != PowerGoodOff {
		t.Fatal("expected power good forced off")
	}
}

func TestMonitorForcesOffWhenInputPowerNotGood(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, true, true, false, true))

	if err := c.Monitor(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := c.GetPowerState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PowerOff {
		t.Fatalf("expected forced Off state, got %s", state)
	}
}

func TestMonitorSetsInitialPowerStateFromPowerGoodWithNoDevices(t *testing.T) {
	// With zero power-sequencer devices, readPowerGood's onCount==total(0)
	// check is vacuously true and reports power good On, matching the
	// original's unguarded device-count comparison.
	c := newChassis(services.NewStaticStatusMonitor(true, true, true, true, true))

	if err := c.Monitor(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	good, err := c.GetPowerGood()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if good != PowerGoodOn {
		t.Fatal("expected vacuous power good On with zero devices")
	}

	state, err := c.GetPowerState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PowerOn {
		t.Fatalf("expected initial power state On, got %s", state)
	}
}

func TestMonitorDoesNotOverwriteAlreadySetPowerState(t *testing.T) {
	c := newChassis(services.NewStaticStatusMonitor(true, true, true, true, true))
	c.setState(PowerOff)

	if err := c.Monitor(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := c.GetPowerState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PowerOff {
		t.Fatalf("expected power state to remain Off, got %s", state)
	}
}

func TestGetPowerStateBeforeMonitorFails(t *testing.T) {
	c := New(0, "/system/chassis0", nil, services.MonitoringOptions{})
	if _, err := c.GetPowerState(); err == nil {
		t.Fatal("expected error before any state has been set")
	}
}
