// SPDX-License-Identifier: BSD-3-Clause

// Package config implements the JSON configuration loader spec.md §6
// describes the shape of but not the parser mechanics of: the
// power-sequencer schema (chassis_templates/chassis/power_sequencers/
// rails) builds a *system.System; the regulators schema
// (rules/chassis/devices/rail-configurations) builds an
// *action.Rule set plus a *registry.IDMap.
//
// Grounded on original_source/phosphor-power-sequencer/src/
// config_file_parser.cpp and phosphor-regulators/src/
// config_file_parser.cpp for the overall parse-and-build shape
// (getRequiredProperty/getOptionalProperty style field access, building
// the object graph bottom-up: rails before devices, devices before
// chassis); the variable-substitution and fully-consuming numeric
// parsing rules are spec.md §4.4.2 verbatim, implemented on top of
// internal/action's Expand/ParseXxx helpers rather than re-implemented
// here. Field names the mounted original source doesn't preserve
// (device/rail-configuration fields for the regulators schema;
// hwmon/driver plumbing for the power-sequencer schema) are this
// package's own design, recorded in DESIGN.md.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/u-bmc/powerseqd/internal/action"
	"github.com/u-bmc/powerseqd/internal/chassis"
	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/pmbus"
	"github.com/u-bmc/powerseqd/internal/rail"
	"github.com/u-bmc/powerseqd/internal/registry"
	"github.com/u-bmc/powerseqd/internal/sensor"
	"github.com/u-bmc/powerseqd/internal/sequencer"
	"github.com/u-bmc/powerseqd/internal/services"
	"github.com/u-bmc/powerseqd/internal/system"
)

// numOrStr accepts either a bare JSON number or a quoted string (which
// may itself carry a ${var} reference), per spec.md §6: "numeric
// literals may be plain integers or quoted strings containing ${var}
// references that expand into numeric literals."
type numOrStr string

func (n *numOrStr) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) >= 2 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = numOrStr(s)
		return nil
	}
	*n = numOrStr(trimmed)
	return nil
}

func (n numOrStr) expand(variables map[string]string) (string, error) {
	return action.Expand(string(n), variables)
}

// ---- power-sequencer schema -------------------------------------------

type i2cInterfaceSpec struct {
	Bus        string `json:"bus"`
	Address    string `json:"address"`
	DriverName string `json:"driver_name"`
	Instance   int    `json:"instance"`
	HwmonRoot  string `json:"hwmon_root"`
}

type gpioSpec struct {
	Line      numOrStr `json:"line"`
	ActiveLow *bool    `json:"active_low"`
}

type railSpec struct {
	Name                  string    `json:"name"`
	Presence              string    `json:"presence"`
	Page                  *numOrStr `json:"page"`
	IsPowerSupplyRail     bool      `json:"is_power_supply_rail"`
	CheckStatusVout       bool      `json:"check_status_vout"`
	CompareVoltageToLimit bool      `json:"compare_voltage_to_limit"`
	GPIO                  *gpioSpec `json:"gpio"`
}

type powerSequencerSpec struct {
	Type                 string           `json:"type"`
	I2CInterface         i2cInterfaceSpec `json:"i2c_interface"`
	PowerControlGPIOName string           `json:"power_control_gpio_name"`
	PowerGoodGPIOName    string           `json:"power_good_gpio_name"`
	Rails                []railSpec       `json:"rails"`
}

type chassisTemplateSpec struct {
	ID              string               `json:"id"`
	Number          int                  `json:"number"`
	InventoryPath   string               `json:"inventory_path"`
	PowerSequencers []powerSequencerSpec `json:"power_sequencers"`
}

type chassisSpec struct {
	Number                 *int                 `json:"number"`
	InventoryPath          string               `json:"inventory_path"`
	PowerSequencers        []powerSequencerSpec `json:"power_sequencers"`
	TemplateID             string               `json:"template_id"`
	TemplateVariableValues map[string]string    `json:"template_variable_values"`
	Comments               string               `json:"comments"`
}

type powerSequencerRoot struct {
	ChassisTemplates []chassisTemplateSpec `json:"chassis_templates"`
	Chassis          []chassisSpec         `json:"chassis"`
}

// LoadSystem reads a power-sequencer configuration file from path and
// builds the full System/Chassis/PowerSequencerDevice/Rail graph,
// wiring svc as every device's GPIO/PMBus/presence collaborator.
func LoadSystem(path string, variables map[string]string, svc services.Services) (*system.System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigFileError{Path: path, Message: "unable to read file", Cause: err}
	}
	return ParseSystem(data, path, variables, svc)
}

// ParseSystem parses raw JSON bytes per the power-sequencer schema.
// path is used only for error messages.
func ParseSystem(data []byte, path string, variables map[string]string, svc services.Services) (*system.System, error) {
	var root powerSequencerRoot
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &errs.ConfigFileError{Path: path, Message: "invalid JSON", Cause: err}
	}

	templates := make(map[string]chassisTemplateSpec, len(root.ChassisTemplates))
	for _, t := range root.ChassisTemplates {
		templates[t.ID] = t
	}

	chassisList := make([]*chassis.Chassis, 0, len(root.Chassis))
	for i, cs := range root.Chassis {
		resolved, err := resolveChassisSpec(cs, templates)
		if err != nil {
			return nil, &errs.ConfigFileError{Path: path, Message: fmt.Sprintf("chassis[%d]: %v", i, err)}
		}
		chassisVars := variables
		if cs.TemplateID != "" {
			chassisVars = make(map[string]string, len(variables)+len(cs.TemplateVariableValues))
			for k, v := range variables {
				chassisVars[k] = v
			}
			for k, v := range cs.TemplateVariableValues {
				chassisVars[k] = v
			}
		}
		c, err := buildChassis(resolved, chassisVars, svc)
		if err != nil {
			return nil, &errs.ConfigFileError{Path: path, Message: fmt.Sprintf("chassis[%d]: %v", i, err)}
		}
		chassisList = append(chassisList, c)
	}
	return system.New(chassisList), nil
}

// resolvedChassis is a chassisSpec after template substitution, with
// every template-supplied field collapsed into the three inline fields
// buildChassis needs.
type resolvedChassis struct {
	Number          int
	InventoryPath   string
	PowerSequencers []powerSequencerSpec
}

// resolveChassisSpec implements spec.md §6: "A chassis object either
// defines all properties inline or references a template, in which case
// exactly {template_id, template_variable_values} (plus optional
// comments) must appear." Template variables feed Expand when the
// template's own fields are later consumed by buildChassis.
func resolveChassisSpec(cs chassisSpec, templates map[string]chassisTemplateSpec) (resolvedChassis, error) {
	if cs.TemplateID != "" {
		if cs.Number != nil || cs.InventoryPath != "" || cs.PowerSequencers != nil {
			return resolvedChassis{}, fmt.Errorf("%w: chassis referencing template %q must not set number, inventory_path or power_sequencers", errs.ErrConfigFile, cs.TemplateID)
		}
		tmpl, ok := templates[cs.TemplateID]
		if !ok {
			return resolvedChassis{}, fmt.Errorf("%w: unknown chassis template id %q", errs.ErrConfigFile, cs.TemplateID)
		}
		inventoryPath, err := action.Expand(tmpl.InventoryPath, cs.TemplateVariableValues)
		if err != nil {
			return resolvedChassis{}, err
		}
		return resolvedChassis{
			Number:          tmpl.Number,
			InventoryPath:   inventoryPath,
			PowerSequencers: tmpl.PowerSequencers,
		}, nil
	}
	if cs.Number == nil {
		return resolvedChassis{}, fmt.Errorf("%w: chassis must set either number or template_id", errs.ErrConfigFile)
	}
	return resolvedChassis{
		Number:          *cs.Number,
		InventoryPath:   cs.InventoryPath,
		PowerSequencers: cs.PowerSequencers,
	}, nil
}

func buildChassis(cs resolvedChassis, variables map[string]string, svc services.Services) (*chassis.Chassis, error) {
	devices := make([]*sequencer.PowerSequencerDevice, 0, len(cs.PowerSequencers))
	for i, ps := range cs.PowerSequencers {
		dev, err := buildPowerSequencerDevice(ps, variables, svc)
		if err != nil {
			return nil, fmt.Errorf("power_sequencers[%d]: %w", i, err)
		}
		devices = append(devices, dev)
	}

	inventoryPath, err := action.Expand(cs.InventoryPath, variables)
	if err != nil {
		return nil, err
	}

	return chassis.New(cs.Number, inventoryPath, devices, services.MonitoringOptions{
		MonitorPresence:          true,
		MonitorAvailability:      true,
		MonitorInputPower:        true,
		MonitorPowerSuppliePower: true,
	}), nil
}

func buildPowerSequencerDevice(ps powerSequencerSpec, variables map[string]string, svc services.Services) (*sequencer.PowerSequencerDevice, error) {
	typeName, err := action.Expand(ps.Type, variables)
	if err != nil {
		return nil, err
	}

	bus, err := action.Expand(ps.I2CInterface.Bus, variables)
	if err != nil {
		return nil, err
	}
	addrStr, err := action.Expand(ps.I2CInterface.Address, variables)
	if err != nil {
		return nil, err
	}
	addr, err := action.ParseHexByte(addrStr)
	if err != nil {
		return nil, err
	}

	driverName := ps.I2CInterface.DriverName
	if driverName == "" {
		driverName = strings.ToLower(typeName)
	}

	pmbusDevice, err := svc.CreatePMBus(bus, addr, driverName, ps.I2CInterface.Instance, ps.I2CInterface.HwmonRoot)
	if err != nil {
		return nil, err
	}

	var formatter sequencer.GPIOFormatter
	switch typeName {
	case "UCD90160":
		formatter = sequencer.UCD90160Formatter{}
	case "UCD90320":
		formatter = sequencer.UCD90320Formatter{}
	default:
		return nil, fmt.Errorf("%w: unsupported power-sequencer type %q", errs.ErrConfigFile, typeName)
	}

	rails := make([]sequencer.Rail, 0, len(ps.Rails))
	for i, rs := range ps.Rails {
		r, err := buildRail(rs, variables)
		if err != nil {
			return nil, fmt.Errorf("rails[%d]: %w", i, err)
		}
		rails = append(rails, r)
	}

	powerControlName, err := action.Expand(ps.PowerControlGPIOName, variables)
	if err != nil {
		return nil, err
	}
	powerGoodName, err := action.Expand(ps.PowerGoodGPIOName, variables)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s@%s:%s", typeName, bus, addrStr)
	dev := sequencer.New(name, bus, pmbusDevice, rails, formatter, svc, svc, svc.GetGPIOValues)
	dev.WithPowerControl(powerControlName, powerGoodName, svc)
	return dev, nil
}

func buildRail(rs railSpec, variables map[string]string) (*rail.Rail, error) {
	name, err := action.Expand(rs.Name, variables)
	if err != nil {
		return nil, err
	}
	presence, err := action.Expand(rs.Presence, variables)
	if err != nil {
		return nil, err
	}

	r := &rail.Rail{
		Name:                  name,
		PresenceInventoryPath: presence,
		IsPowerSupplyRail:     rs.IsPowerSupplyRail,
		CheckStatusVout:       rs.CheckStatusVout,
		CompareVoltageToLimit: rs.CompareVoltageToLimit,
	}

	if rs.Page != nil {
		pageStr, err := rs.Page.expand(variables)
		if err != nil {
			return nil, err
		}
		page, err := action.ParseUint8(pageStr)
		if err != nil {
			return nil, err
		}
		r.Page = page
	}

	if rs.GPIO != nil {
		lineStr, err := rs.GPIO.Line.expand(variables)
		if err != nil {
			return nil, err
		}
		line, err := action.ParseInteger(lineStr)
		if err != nil {
			return nil, err
		}
		activeLow := false
		if rs.GPIO.ActiveLow != nil {
			activeLow = *rs.GPIO.ActiveLow
		}
		r.GPIO = &rail.GPIOSpec{Line: uint32(line), ActiveLow: activeLow}
	}

	return r, nil
}

// ---- regulators schema --------------------------------------------------

type actionBody map[string]json.RawMessage

type actionSpec struct {
	body actionBody
}

func (a *actionSpec) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &a.body)
}

type ruleSpec struct {
	ID      string       `json:"id"`
	Actions []actionSpec `json:"actions"`
}

type railConfigSpec struct {
	RailID  string       `json:"rail_id"`
	Rule    string       `json:"rule"`
	Actions []actionSpec `json:"actions"`
}

type deviceSpec struct {
	ID                   string           `json:"id"`
	IsRegulator          bool             `json:"is_regulator"`
	InventoryPath        string           `json:"inventory_path"`
	I2CInterface         i2cInterfaceSpec `json:"i2c_interface"`
	Presence             string           `json:"presence"`
	Configuration        string           `json:"configuration"`
	ConfigurationActions []actionSpec     `json:"configuration_actions"`
	Rails                []railConfigSpec `json:"rails"`
}

type regulatorsChassisSpec struct {
	Number        int          `json:"number"`
	InventoryPath string       `json:"inventory_path"`
	Devices       []deviceSpec `json:"devices"`
}

type regulatorsRoot struct {
	Rules   []ruleSpec              `json:"rules"`
	Rails   []railSpec              `json:"rails"`
	Chassis []regulatorsChassisSpec `json:"chassis"`
}

// RegulatorsConfig is the result of parsing a regulators configuration
// file: every declared rule, every declared rail (for IDMap.GetRail
// resolution), and every declared regulator device, assembled into a
// read-only registry.IDMap.
type RegulatorsConfig struct {
	IDMap   *registry.IDMap
	Devices []*registry.Device
}

// LoadRegulators reads a regulators configuration file from path and
// builds the rule/rail/device registry, wiring svc as every device's
// PMBus collaborator.
func LoadRegulators(path string, variables map[string]string, svc services.Services) (*RegulatorsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigFileError{Path: path, Message: "unable to read file", Cause: err}
	}
	return ParseRegulators(data, path, variables, svc)
}

// ParseRegulators parses raw JSON bytes per the regulators schema. path
// is used only for error messages.
func ParseRegulators(data []byte, path string, variables map[string]string, svc services.Services) (*RegulatorsConfig, error) {
	var root regulatorsRoot
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &errs.ConfigFileError{Path: path, Message: "invalid JSON", Cause: err}
	}

	rules := make([]*action.Rule, 0, len(root.Rules))
	for i, rs := range root.Rules {
		r, err := buildRule(rs, variables)
		if err != nil {
			return nil, &errs.ConfigFileError{Path: path, Message: fmt.Sprintf("rules[%d]: %v", i, err)}
		}
		rules = append(rules, r)
	}

	rails := make([]*rail.Rail, 0, len(root.Rails))
	for i, rs := range root.Rails {
		r, err := buildRail(rs, variables)
		if err != nil {
			return nil, &errs.ConfigFileError{Path: path, Message: fmt.Sprintf("rails[%d]: %v", i, err)}
		}
		rails = append(rails, r)
	}

	var devices []*registry.Device
	for ci, cs := range root.Chassis {
		for di, ds := range cs.Devices {
			d, err := buildDevice(ds, variables, svc)
			if err != nil {
				return nil, &errs.ConfigFileError{Path: path, Message: fmt.Sprintf("chassis[%d].devices[%d]: %v", ci, di, err)}
			}
			devices = append(devices, d)
		}
	}

	return &RegulatorsConfig{IDMap: registry.NewIDMap(devices, rails, rules), Devices: devices}, nil
}

func buildRule(rs ruleSpec, variables map[string]string) (*action.Rule, error) {
	id, err := action.Expand(rs.ID, variables)
	if err != nil {
		return nil, err
	}
	actions, err := buildActions(rs.Actions, variables)
	if err != nil {
		return nil, err
	}
	return &action.Rule{ID: id, Actions: actions}, nil
}

func buildDevice(ds deviceSpec, variables map[string]string, svc services.Services) (*registry.Device, error) {
	id, err := action.Expand(ds.ID, variables)
	if err != nil {
		return nil, err
	}
	inventoryPath, err := action.Expand(ds.InventoryPath, variables)
	if err != nil {
		return nil, err
	}
	bus, err := action.Expand(ds.I2CInterface.Bus, variables)
	if err != nil {
		return nil, err
	}
	addrStr, err := action.Expand(ds.I2CInterface.Address, variables)
	if err != nil {
		return nil, err
	}
	addr, err := action.ParseHexByte(addrStr)
	if err != nil {
		return nil, err
	}
	driverName := ds.I2CInterface.DriverName
	if driverName == "" {
		driverName = "pmbus"
	}

	pmbusDevice, err := svc.CreatePMBus(bus, addr, driverName, ds.I2CInterface.Instance, ds.I2CInterface.HwmonRoot)
	if err != nil {
		return nil, err
	}

	presenceRuleID, err := action.Expand(ds.Presence, variables)
	if err != nil {
		return nil, err
	}
	configurationRuleID, err := action.Expand(ds.Configuration, variables)
	if err != nil {
		return nil, err
	}
	configActions, err := buildActions(ds.ConfigurationActions, variables)
	if err != nil {
		return nil, err
	}

	rails := make([]*registry.RailConfig, 0, len(ds.Rails))
	for i, rc := range ds.Rails {
		built, err := buildRailConfig(rc, variables)
		if err != nil {
			return nil, fmt.Errorf("rails[%d]: %w", i, err)
		}
		rails = append(rails, built)
	}

	return &registry.Device{
		DeviceID:             id,
		IsRegulator:          ds.IsRegulator,
		InventoryPathValue:   inventoryPath,
		PMBus:                pmbusDevice,
		PresenceRuleID:       presenceRuleID,
		ConfigurationRuleID:  configurationRuleID,
		ConfigurationActions: configActions,
		Rails:                rails,
	}, nil
}

func buildRailConfig(rc railConfigSpec, variables map[string]string) (*registry.RailConfig, error) {
	railID, err := action.Expand(rc.RailID, variables)
	if err != nil {
		return nil, err
	}
	ruleID, err := action.Expand(rc.Rule, variables)
	if err != nil {
		return nil, err
	}
	actions, err := buildActions(rc.Actions, variables)
	if err != nil {
		return nil, err
	}
	return &registry.RailConfig{
		RailID:               railID,
		ConfigurationRuleID:  ruleID,
		ConfigurationActions: actions,
	}, nil
}

func buildActions(specs []actionSpec, variables map[string]string) ([]action.Action, error) {
	actions := make([]action.Action, 0, len(specs))
	for i, s := range specs {
		a, err := buildAction(s.body, variables)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// primitiveKeys enumerates the primitive/combinator keys an action
// object may carry, per spec.md §4.4. An object may also carry an
// optional "comments" key alongside exactly one of these.
var primitiveKeys = []string{
	"i2c_compare_bit", "i2c_write_bit", "i2c_compare_byte", "i2c_write_byte",
	"i2c_compare_bytes", "i2c_write_bytes", "i2c_capture_bytes",
	"pmbus_read_sensor", "pmbus_write_vout_command",
	"run_rule", "set_device", "if", "and", "or", "not",
	"compare_presence", "compare_vpd",
}

func buildAction(body actionBody, variables map[string]string) (action.Action, error) {
	var foundKey string
	for _, k := range primitiveKeys {
		if _, ok := body[k]; ok {
			if foundKey != "" {
				return nil, fmt.Errorf("%w: action object has multiple primitive keys (%s, %s)", errs.ErrConfigFile, foundKey, k)
			}
			foundKey = k
		}
	}
	if foundKey == "" {
		return nil, fmt.Errorf("%w: action object has no primitive key", errs.ErrConfigFile)
	}
	raw := body[foundKey]

	switch foundKey {
	case "i2c_compare_bit", "i2c_write_bit":
		var spec struct {
			Register numOrStr `json:"register"`
			Position numOrStr `json:"position"`
			Value    numOrStr `json:"value"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		register, position, value, err := decodeBitFields(spec.Register, spec.Position, spec.Value, variables)
		if err != nil {
			return nil, err
		}
		if foundKey == "i2c_compare_bit" {
			return &action.CompareBit{Register: register, Position: position, Value: value}, nil
		}
		return &action.WriteBit{Register: register, Position: position, Value: value}, nil

	case "i2c_compare_byte", "i2c_write_byte":
		var spec struct {
			Register numOrStr `json:"register"`
			Value    numOrStr `json:"value"`
			Mask     *numOrStr `json:"mask"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		register, err := parseHexByteField(spec.Register, variables)
		if err != nil {
			return nil, err
		}
		value, err := parseHexByteField(spec.Value, variables)
		if err != nil {
			return nil, err
		}
		mask, err := parseOptionalMask(spec.Mask, variables)
		if err != nil {
			return nil, err
		}
		if foundKey == "i2c_compare_byte" {
			return &action.CompareByte{Register: register, Value: value, Mask: mask}, nil
		}
		return &action.WriteByte{Register: register, Value: value, Mask: mask}, nil

	case "i2c_compare_bytes", "i2c_write_bytes":
		var spec struct {
			Register numOrStr   `json:"register"`
			Values   []numOrStr `json:"values"`
			Masks    []numOrStr `json:"masks"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		register, err := parseHexByteField(spec.Register, variables)
		if err != nil {
			return nil, err
		}
		values, err := parseByteList(spec.Values, variables)
		if err != nil {
			return nil, err
		}
		masks, err := parseByteList(spec.Masks, variables)
		if err != nil {
			return nil, err
		}
		if foundKey == "i2c_compare_bytes" {
			return &action.CompareBytes{Register: register, Values: values, Masks: masks}, nil
		}
		return &action.WriteBytes{Register: register, Values: values, Masks: masks}, nil

	case "i2c_capture_bytes":
		var spec struct {
			Register numOrStr `json:"register"`
			Count    numOrStr `json:"count"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		register, err := parseHexByteField(spec.Register, variables)
		if err != nil {
			return nil, err
		}
		countStr, err := spec.Count.expand(variables)
		if err != nil {
			return nil, err
		}
		count, err := action.ParseInteger(countStr)
		if err != nil {
			return nil, err
		}
		return &action.CaptureBytes{Register: register, Count: count}, nil

	case "pmbus_read_sensor":
		var spec struct {
			Type     string    `json:"type"`
			Command  numOrStr  `json:"command"`
			Format   string    `json:"format"`
			Exponent *numOrStr `json:"exponent"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		typeName, err := action.Expand(spec.Type, variables)
		if err != nil {
			return nil, err
		}
		command, err := parseHexByteField(spec.Command, variables)
		if err != nil {
			return nil, err
		}
		formatName, err := action.Expand(spec.Format, variables)
		if err != nil {
			return nil, err
		}
		format, err := parseVoutFormatName(formatName)
		if err != nil {
			return nil, err
		}
		exponent, err := parseOptionalInt8(spec.Exponent, variables)
		if err != nil {
			return nil, err
		}
		return &action.ReadSensor{Type: sensor.Type(typeName), Command: command, Format: format, Exponent: exponent}, nil

	case "pmbus_write_vout_command":
		var spec struct {
			Volts      *numOrStr `json:"volts"`
			Exponent   *numOrStr `json:"exponent"`
			IsVerified bool      `json:"is_verified"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		volts, err := parseOptionalDouble(spec.Volts, variables)
		if err != nil {
			return nil, err
		}
		exponent, err := parseOptionalInt8(spec.Exponent, variables)
		if err != nil {
			return nil, err
		}
		return &action.WriteVoutCommand{Volts: volts, Exponent: exponent, IsVerified: spec.IsVerified}, nil

	case "run_rule":
		var spec struct {
			RuleID string `json:"rule_id"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		ruleID, err := action.Expand(spec.RuleID, variables)
		if err != nil {
			return nil, err
		}
		return &action.RunRule{RuleID: ruleID}, nil

	case "set_device":
		var spec struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		deviceID, err := action.Expand(spec.DeviceID, variables)
		if err != nil {
			return nil, err
		}
		return &action.SetDevice{DeviceID: deviceID}, nil

	case "if":
		var spec struct {
			Condition actionSpec   `json:"condition"`
			Then      []actionSpec `json:"then"`
			Else      []actionSpec `json:"else"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		cond, err := buildAction(spec.Condition.body, variables)
		if err != nil {
			return nil, err
		}
		thenActions, err := buildActions(spec.Then, variables)
		if err != nil {
			return nil, err
		}
		elseActions, err := buildActions(spec.Else, variables)
		if err != nil {
			return nil, err
		}
		return &action.If{Condition: cond, Then: thenActions, Else: elseActions}, nil

	case "and", "or":
		var specs []actionSpec
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, err
		}
		children, err := buildActions(specs, variables)
		if err != nil {
			return nil, err
		}
		if foundKey == "and" {
			return &action.And{Children: children}, nil
		}
		return &action.Or{Children: children}, nil

	case "not":
		var spec actionSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		child, err := buildAction(spec.body, variables)
		if err != nil {
			return nil, err
		}
		return &action.Not{Child: child}, nil

	case "compare_presence":
		var spec struct {
			FRU   string `json:"fru"`
			Value bool   `json:"value"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		fru, err := action.Expand(spec.FRU, variables)
		if err != nil {
			return nil, err
		}
		return &action.ComparePresence{FRU: fru, Value: spec.Value}, nil

	case "compare_vpd":
		var spec struct {
			FRU     string `json:"fru"`
			Keyword string `json:"keyword"`
			Value   string `json:"value"`
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, err
		}
		fru, err := action.Expand(spec.FRU, variables)
		if err != nil {
			return nil, err
		}
		keyword, err := action.Expand(spec.Keyword, variables)
		if err != nil {
			return nil, err
		}
		value, err := action.Expand(spec.Value, variables)
		if err != nil {
			return nil, err
		}
		return &action.CompareVPD{FRU: fru, Keyword: keyword, Value: value}, nil
	}

	return nil, fmt.Errorf("%w: unhandled primitive key %q", errs.ErrConfigFile, foundKey)
}

func decodeBitFields(register, position, value numOrStr, variables map[string]string) (uint8, uint8, uint8, error) {
	r, err := parseHexByteField(register, variables)
	if err != nil {
		return 0, 0, 0, err
	}
	posStr, err := position.expand(variables)
	if err != nil {
		return 0, 0, 0, err
	}
	p, err := action.ParseBitPosition(posStr)
	if err != nil {
		return 0, 0, 0, err
	}
	valStr, err := value.expand(variables)
	if err != nil {
		return 0, 0, 0, err
	}
	v, err := action.ParseUint8(valStr)
	if err != nil {
		return 0, 0, 0, err
	}
	return r, p, v, nil
}

func parseHexByteField(n numOrStr, variables map[string]string) (uint8, error) {
	s, err := n.expand(variables)
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return action.ParseHexByte(s)
	}
	return action.ParseUint8(s)
}

func parseOptionalMask(n *numOrStr, variables map[string]string) (uint8, error) {
	if n == nil {
		return 0, nil
	}
	return parseHexByteField(*n, variables)
}

func parseByteList(ns []numOrStr, variables map[string]string) ([]uint8, error) {
	if ns == nil {
		return nil, nil
	}
	out := make([]uint8, len(ns))
	for i, n := range ns {
		v, err := parseHexByteField(n, variables)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseOptionalInt8(n *numOrStr, variables map[string]string) (*int8, error) {
	if n == nil {
		return nil, nil
	}
	s, err := n.expand(variables)
	if err != nil {
		return nil, err
	}
	v, err := action.ParseInt8(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseOptionalDouble(n *numOrStr, variables map[string]string) (*float64, error) {
	if n == nil {
		return nil, nil
	}
	s, err := n.expand(variables)
	if err != nil {
		return nil, err
	}
	v, err := action.ParseDouble(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseVoutFormatName maps the config file's "linear_11"/"linear_16"
// format names onto pmbus.VoutFormat. Only the linear/not-linear
// distinction matters to ReadSensor.Execute (it switches on
// format==VoutFormatLinear for the 11-bit decode, anything else for the
// 16-bit decode with an externally-resolved exponent), so linear_16 maps
// to VoutFormatDirect purely as a non-linear marker value, not because
// the device is actually in PMBus "direct" mode.
func parseVoutFormatName(name string) (pmbus.VoutFormat, error) {
	switch name {
	case "linear_11":
		return pmbus.VoutFormatLinear, nil
	case "linear_16":
		return pmbus.VoutFormatDirect, nil
	default:
		return 0, fmt.Errorf("%w: unknown pmbus_read_sensor format %q", errs.ErrConfigFile, name)
	}
}
