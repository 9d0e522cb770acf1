// SPDX-License-Identifier: BSD-3-Clause

// Package registry implements the rule registry & ID map (C9): the
// read-only, load-time-built lookup tables run_rule and device/rail
// resolution go through, plus the regulator Device type those lookups
// resolve to.
//
// Grounded on spec.md §4.9 directly ("implement with indices or string
// keys, not parent pointers" — IDMap is three plain maps, built once by
// the config loader and never mutated after); the Device(regulator)
// shape is grounded on spec.md §3's data-model entry, since no
// phosphor-regulators Device header survives in the mounted original
// source (only its test file does).
package registry

import (
	"fmt"

	"github.com/u-bmc/powerseqd/internal/action"
	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/i2c"
	"github.com/u-bmc/powerseqd/internal/pmbus"
	"github.com/u-bmc/powerseqd/internal/rail"
)

// RailConfig is one Rail-configuration entry owned by a regulator
// Device, per spec.md §3: a reference to a Rail plus the rule or
// immediate actions that bring it up at configure time.
type RailConfig struct {
	RailID               string
	ConfigurationRuleID  string
	ConfigurationActions []action.Action
}

// Device is the regulator Device entity of spec.md §3: a unique id, an
// inventory path, an owned PMBus/I²C handle, optional presence
// detection, optional configuration, and its ordered rail
// configurations. Satisfies action.Device.
type Device struct {
	DeviceID           string
	IsRegulator        bool
	InventoryPathValue string
	PMBus              *pmbus.Device

	PresenceRuleID       string
	ConfigurationRuleID  string
	ConfigurationActions []action.Action
	Rails                []*RailConfig
}

func (d *Device) ID() string { return d.DeviceID }

// InventoryPath satisfies action.Device.
func (d *Device) InventoryPath() string { return d.InventoryPathValue }

func (d *Device) Conn() *i2c.Conn { return d.PMBus.Conn() }

func (d *Device) ReadVoutMode() (uint8, error) { return d.PMBus.ReadVoutMode() }

func (d *Device) ReadVoutCommand() (uint16, error) { return d.PMBus.ReadVoutCommand() }

func (d *Device) WriteVoutCommand(value uint16) error { return d.PMBus.WriteVoutCommand(value) }

// IsPresent runs the device's presence rule (if configured) in env and
// returns its result; a device with no presence rule is always present.
func (d *Device) IsPresent(env *action.ActionEnvironment) (bool, error) {
	if d.PresenceRuleID == "" {
		return true, nil
	}
	rule, err := env.Registry.GetRule(d.PresenceRuleID)
	if err != nil {
		return false, err
	}
	env.CurrentDevice = d.DeviceID
	return rule.Run(env)
}

// Configure runs the device's configuration rule if one is set,
// otherwise its immediate action list, at `configure` time per spec.md
// §3/§5.
func (d *Device) Configure(env *action.ActionEnvironment) error {
	env.CurrentDevice = d.DeviceID
	if d.ConfigurationRuleID != "" {
		rule, err := env.Registry.GetRule(d.ConfigurationRuleID)
		if err != nil {
			return err
		}
		_, err = rule.Run(env)
		return err
	}
	for _, a := range d.ConfigurationActions {
		if _, err := a.Execute(env); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureRails runs each rail's configuration rule or action list in
// turn, in declaration order. It does not check the device's presence.
func (d *Device) ConfigureRails(env *action.ActionEnvironment) error {
	for _, rc := range d.Rails {
		env.CurrentDevice = d.DeviceID
		if rc.ConfigurationRuleID != "" {
			rule, err := env.Registry.GetRule(rc.ConfigurationRuleID)
			if err != nil {
				return err
			}
			if _, err := rule.Run(env); err != nil {
				return err
			}
			continue
		}
		for _, a := range rc.ConfigurationActions {
			if _, err := a.Execute(env); err != nil {
				return err
			}
		}
	}
	return nil
}

// IDMap is the read-only lookup table built once at configuration load
// time, per spec.md §4.9. Missing lookups are wrapped as errs.ErrUnknownID,
// the same sentinel internal/action's registry fixtures already use for
// this condition; later mutation is unsupported by design — a reload of
// configuration builds an entirely new IDMap.
type IDMap struct {
	devices map[string]*Device
	rails   map[string]*rail.Rail
	rules   map[string]*action.Rule
}

// NewIDMap builds an IDMap from the fully-parsed entity lists. Later ids
// win on duplicates; neither this function nor the config loader
// rejects duplicate ids.
func NewIDMap(devices []*Device, rails []*rail.Rail, rules []*action.Rule) *IDMap {
	m := &IDMap{
		devices: make(map[string]*Device, len(devices)),
		rails:   make(map[string]*rail.Rail, len(rails)),
		rules:   make(map[string]*action.Rule, len(rules)),
	}
	for _, d := range devices {
		m.devices[d.DeviceID] = d
	}
	for _, r := range rails {
		m.rails[r.RailName()] = r
	}
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	return m
}

// GetDevice satisfies action.Registry.
func (m *IDMap) GetDevice(id string) (action.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device id %q", errs.ErrUnknownID, id)
	}
	return d, nil
}

// GetRule satisfies action.Registry.
func (m *IDMap) GetRule(id string) (*action.Rule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rule id %q", errs.ErrUnknownID, id)
	}
	return r, nil
}

// GetRail resolves a rail by name, per spec.md §4.9.
func (m *IDMap) GetRail(id string) (*rail.Rail, error) {
	r, ok := m.rails[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown rail id %q", errs.ErrUnknownID, id)
	}
	return r, nil
}
