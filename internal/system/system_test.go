// SPDX-License-Identifier: BSD-3-Clause

package system

import (
	"log/slog"
	"testing"

	"github.com/u-bmc/powerseqd/internal/chassis"
	"github.com/u-bmc/powerseqd/internal/services"
)

// newTestServices builds a Services façade whose chassis status monitor
// factory looks up a fixed, per-chassis-number StatusMonitor, so each
// test can drive a distinct present/available/enabled/input-power
// combination per chassis without Chassis exposing a status setter.
func newTestServices(byNumber map[int]services.StatusMonitor) services.Services {
	factory := func(chassisNumber int, inventoryPath string, options services.MonitoringOptions) services.StatusMonitor {
		if m, ok := byNumber[chassisNumber]; ok {
			return m
		}
		return services.NewStaticStatusMonitor(true, true, true, true, true)
	}
	return services.New(slog.Default(), nil, factory, nil)
}

func newTestChassis(number int, svc services.Services) *chassis.Chassis {
	c := chassis.New(number, "/system/chassis", nil, services.MonitoringOptions{})
	c.InitializeMonitoring(svc)
	return c
}

func TestSetPowerStateFailsWithoutMonitoring(t *testing.T) {
	svc := newTestServices(nil)
	c := chassis.New(0, "/system/chassis0", nil, services.MonitoringOptions{})
	sys := New([]*chassis.Chassis{c})

	if err := sys.SetPowerState(chassis.PowerOn, svc); err == nil {
		t.Fatal("expected error when monitoring is not initialized")
	}
}

func TestSetPowerStateRejectsWhenAlreadyAtRequestedState(t *testing.T) {
	svc := newTestServices(map[int]services.StatusMonitor{
		0: services.NewStaticStatusMonitor(true, true, true, true, true),
	})
	c := newTestChassis(0, svc)
	sys := New([]*chassis.Chassis{c})
	sys.monitoringInitialized = true
	sys.setState(chassis.PowerOn)

	if err := sys.SetPowerState(chassis.PowerOn, svc); err == nil {
		t.Fatal("expected error when already at requested state")
	}
}

func TestSetPowerStateRejectsWhenNoChassisEligible(t *testing.T) {
	svc := newTestServices(map[int]services.StatusMonitor{
		0: services.NewStaticStatusMonitor(false, true, true, true, true),
	})
	c := newTestChassis(0, svc)
	sys := New([]*chassis.Chassis{c})
	sys.monitoringInitialized = true

	if err := sys.SetPowerState(chassis.PowerOn, svc); err == nil {
		t.Fatal("expected error when no chassis is eligible")
	}
}

func TestSetPowerStateCommitsAndFiresEligibleChassis(t *testing.T) {
	svc := newTestServices(map[int]services.StatusMonitor{
		0: services.NewStaticStatusMonitor(true, true, true, true, true),
	})
	c := newTestChassis(0, svc)
	sys := New([]*chassis.Chassis{c})
	sys.monitoringInitialized = true

	if err := sys.SetPowerState(chassis.PowerOn, svc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := sys.GetPowerState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != chassis.PowerOn {
		t.Fatalf("expected system state On, got %s", state)
	}
}

func TestMonitorAggregatesPowerGoodAcrossSelectedChassis(t *testing.T) {
	svc := newTestServices(map[int]services.StatusMonitor{
		0: services.NewStaticStatusMonitor(true, true, true, true, true),
		1: services.NewStaticStatusMonitor(true, true, true, true, true),
	})
	c0 := newTestChassis(0, svc)
	c1 := newTestChassis(1, svc)
	sys := New([]*chassis.Chassis{c0, c1})
	sys.monitoringInitialized = true

	if err := sys.Monitor(svc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	good, err := sys.GetPowerGood()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if good != chassis.PowerGoodOn {
		t.Fatalf("expected aggregated power good On, got %v", good)
	}

	state, err := sys.GetPowerState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != chassis.PowerOn {
		t.Fatalf("expected initial power state On, got %s", state)
	}
}

func TestMonitorSelectsOnChassisOverOffWhenBothPresent(t *testing.T) {
	// c0 has no input power, so it never surfaces a readable power-good
	// state and is excluded from the on/off partition entirely.
	svc := newTestServices(map[int]services.StatusMonitor{
		0: services.NewStaticStatusMonitor(true, true, true, false, true),
		1: services.NewStaticStatusMonitor(true, true, true, true, true),
	})
	c0 := newTestChassis(0, svc)
	c1 := newTestChassis(1, svc)
	sys := New([]*chassis.Chassis{c0, c1})
	sys.monitoringInitialized = true

	if err := sys.Monitor(svc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !sys.selectedChassis[1] {
		t.Fatal("expected chassis 1 to be selected")
	}
	if sys.selectedChassis[0] {
		t.Fatal("expected chassis 0 (no input power) to be excluded from selection")
	}
}

func TestMonitorSwallowsPerChassisErrors(t *testing.T) {
	svc := newTestServices(nil)
	broken := chassis.New(0, "/system/chassis0", nil, services.MonitoringOptions{})
	sys := New([]*chassis.Chassis{broken})
	sys.monitoringInitialized = true

	if err := sys.Monitor(svc); err != nil {
		t.Fatalf("expected per-chassis errors to be swallowed, got %v", err)
	}
}
