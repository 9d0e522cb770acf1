// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"log/slog"
	"testing"

	"github.com/u-bmc/powerseqd/internal/action"
	"github.com/u-bmc/powerseqd/internal/config"
	"github.com/u-bmc/powerseqd/internal/i2c"
	"github.com/u-bmc/powerseqd/internal/pmbus"
	"github.com/u-bmc/powerseqd/internal/registry"
	"github.com/u-bmc/powerseqd/internal/services"
)

func TestVariablesFlagSetParsesKeyValue(t *testing.T) {
	v := make(variablesFlag)
	if err := v.Set("bus=i2c5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v["bus"] != "i2c5" {
		t.Fatalf("expected bus=i2c5, got %q", v["bus"])
	}
}

func TestVariablesFlagSetRejectsMissingEquals(t *testing.T) {
	v := make(variablesFlag)
	if err := v.Set("bus"); err == nil {
		t.Fatal("expected error for malformed key=value pair")
	}
}

func newTestDevice(id string, ran *int) *registry.Device {
	conn := i2c.New("0", 0x40)
	return &registry.Device{
		DeviceID:           id,
		InventoryPathValue: "/system/chassis/" + id,
		PMBus:              pmbus.NewDevice(conn, "0", 0x40, "ucd9000", 0, ""),
		ConfigurationActions: []action.Action{
			&countingAction{ran: ran, value: true},
		},
	}
}

type countingAction struct {
	ran   *int
	value bool
}

func (a *countingAction) Execute(env *action.ActionEnvironment) (bool, error) {
	*a.ran++
	return a.value, nil
}

func (a *countingAction) String() string { return "counting_action" }

func TestConfigureRegulatorsRunsEveryPresentDevice(t *testing.T) {
	ran := 0
	dev := newTestDevice("vr1", &ran)
	regulators := &config.RegulatorsConfig{
		IDMap:   registry.NewIDMap([]*registry.Device{dev}, nil, nil),
		Devices: []*registry.Device{dev},
	}
	svc := services.New(slog.Default(), nil, nil, nil)

	if err := configureRegulators(regulators, svc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected configuration action to run once, got %d", ran)
	}
}

func TestConfigureRegulatorsSkipsAbsentDevice(t *testing.T) {
	ran := 0
	dev := newTestDevice("vr1", &ran)
	dev.PresenceRuleID = "never_present"
	presenceRule := &action.Rule{ID: "never_present", Actions: []action.Action{&countingAction{ran: new(int), value: false}}}

	regulators := &config.RegulatorsConfig{
		IDMap:   registry.NewIDMap([]*registry.Device{dev}, nil, []*action.Rule{presenceRule}),
		Devices: []*registry.Device{dev},
	}
	svc := services.New(slog.Default(), nil, nil, nil)

	if err := configureRegulators(regulators, svc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran != 0 {
		t.Fatalf("expected configuration action to be skipped for an absent device, got %d runs", ran)
	}
}
