// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/u-bmc/powerseqd/internal/action"
	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/services"
)

func newTestServices() services.Services {
	return services.New(slog.Default(), nil, nil, nil)
}

const powerSequencerJSON = `
{
  "chassis_templates": [
    {
      "id": "standard",
      "number": 0,
      "inventory_path": "/system/chassis${chassis_num}",
      "power_sequencers": [
        {
          "type": "UCD90160",
          "i2c_interface": { "bus": "${bus}", "address": "0x64" },
          "power_control_gpio_name": "power-chassis-control",
          "power_good_gpio_name": "power-chassis-good",
          "rails": [
            {
              "name": "vdd_cpu0",
              "presence": "/system/chassis/cpu0",
              "page": "${vdd_page}",
              "is_power_supply_rail": false,
              "check_status_vout": true,
              "gpio": { "line": 12, "active_low": true }
            }
          ]
        }
      ]
    }
  ],
  "chassis": [
    {
      "template_id": "standard",
      "template_variable_values": { "chassis_num": "0", "bus": "3", "vdd_page": "0" }
    },
    {
      "number": 1,
      "inventory_path": "/system/chassis1",
      "power_sequencers": [
        {
          "type": "UCD90320",
          "i2c_interface": { "bus": "4", "address": "0x65" },
          "power_control_gpio_name": "power-chassis-control",
          "power_good_gpio_name": "power-chassis-good",
          "rails": [
            { "name": "vdd_cpu1", "presence": "", "check_status_vout": false }
          ]
        }
      ]
    }
  ]
}
`

func TestParseSystemBuildsChassisFromTemplateAndInline(t *testing.T) {
	svc := newTestServices()
	sys, err := ParseSystem([]byte(powerSequencerJSON), "test.json", nil, svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sys.InitializeMonitoring(svc)

	chassisList := sys.Chassis
	if len(chassisList) != 2 {
		t.Fatalf("expected 2 chassis, got %d", len(chassisList))
	}
	if chassisList[0].InventoryPath != "/system/chassis0" {
		t.Fatalf("expected templated inventory path, got %q", chassisList[0].InventoryPath)
	}
	if len(chassisList[0].PowerSequencers) != 1 {
		t.Fatalf("expected 1 power sequencer, got %d", len(chassisList[0].PowerSequencers))
	}
	if chassisList[1].InventoryPath != "/system/chassis1" {
		t.Fatalf("expected inline inventory path, got %q", chassisList[1].InventoryPath)
	}
}

func TestParseSystemRejectsUnknownTemplateID(t *testing.T) {
	svc := newTestServices()
	badJSON := `{"chassis": [{"template_id": "missing"}]}`
	_, err := ParseSystem([]byte(badJSON), "test.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for unknown template id")
	}
	var cfgErr *errs.ConfigFileError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigFileError, got %T: %v", err, err)
	}
}

func TestParseSystemRejectsChassisWithNoNumberOrTemplate(t *testing.T) {
	svc := newTestServices()
	badJSON := `{"chassis": [{"inventory_path": "/system/chassis0"}]}`
	_, err := ParseSystem([]byte(badJSON), "test.json", nil, svc)
	if err == nil {
		t.Fatal("expected error when chassis has neither number nor template_id")
	}
}

func TestParseSystemRejectsUnsupportedSequencerType(t *testing.T) {
	svc := newTestServices()
	badJSON := `{
		"chassis": [{
			"number": 0,
			"power_sequencers": [{
				"type": "UCD90999",
				"i2c_interface": {"bus": "0", "address": "0x64"},
				"power_control_gpio_name": "x",
				"power_good_gpio_name": "y"
			}]
		}]
	}`
	_, err := ParseSystem([]byte(badJSON), "test.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for unsupported power-sequencer type")
	}
}

func TestParseSystemPropagatesMissingVariableAsError(t *testing.T) {
	svc := newTestServices()
	badJSON := `{
		"chassis": [{
			"number": 0,
			"power_sequencers": [{
				"type": "UCD90160",
				"i2c_interface": {"bus": "${missing}", "address": "0x64"},
				"power_control_gpio_name": "x",
				"power_good_gpio_name": "y"
			}]
		}]
	}`
	_, err := ParseSystem([]byte(badJSON), "test.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for unresolved ${missing} variable reference")
	}
}

func TestParseSystemRejectsInvalidJSON(t *testing.T) {
	svc := newTestServices()
	_, err := ParseSystem([]byte("not json"), "test.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

const regulatorsJSON = `
{
  "rules": [
    {
      "id": "set_voltage_rule",
      "actions": [
        { "pmbus_write_vout_command": { "volts": "${target_volts}", "is_verified": true } }
      ]
    },
    {
      "id": "check_fault_rule",
      "actions": [
        {
          "and": [
            { "i2c_compare_bit": { "register": "0x7e", "position": 3, "value": 1 } },
            { "not": { "i2c_compare_byte": { "register": "0x20", "value": "0x00", "mask": "0xff" } } }
          ]
        }
      ]
    }
  ],
  "rails": [
    { "name": "vdd0_rail" }
  ],
  "chassis": [
    {
      "number": 0,
      "inventory_path": "/system/chassis0",
      "devices": [
        {
          "id": "vdd0_reg",
          "is_regulator": true,
          "inventory_path": "/system/chassis0/vdd0_reg",
          "i2c_interface": { "bus": "5", "address": "0x40" },
          "presence": "",
          "configuration": "",
          "configuration_actions": [
            { "run_rule": { "rule_id": "set_voltage_rule" } },
            { "compare_presence": { "fru": "/system/chassis0/psu0", "value": true } },
            { "compare_vpd": { "fru": "/system/chassis0/psu0", "keyword": "PN", "value": "ABC123" } }
          ],
          "rails": [
            {
              "rail_id": "vdd0_rail",
              "rule": "check_fault_rule"
            }
          ]
        }
      ]
    }
  ]
}
`

func TestParseRegulatorsBuildsIDMap(t *testing.T) {
	svc := newTestServices()
	cfg, err := ParseRegulators([]byte(regulatorsJSON), "regulators.json", map[string]string{"target_volts": "1.8"}, svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dev, err := cfg.IDMap.GetDevice("vdd0_reg")
	if err != nil {
		t.Fatalf("unexpected error resolving device: %v", err)
	}
	if dev.ID() != "vdd0_reg" {
		t.Fatalf("expected vdd0_reg, got %s", dev.ID())
	}

	if _, err := cfg.IDMap.GetRail("vdd0_rail"); err != nil {
		t.Fatalf("unexpected error resolving rail: %v", err)
	}
	if _, err := cfg.IDMap.GetRule("set_voltage_rule"); err != nil {
		t.Fatalf("unexpected error resolving rule: %v", err)
	}

	env := action.NewEnvironment(cfg.IDMap, svc, nil)
	env.CurrentDevice = "vdd0_reg"
	rule, err := cfg.IDMap.GetRule("check_fault_rule")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rule.Actions) != 1 {
		t.Fatalf("expected one top-level action in check_fault_rule, got %d", len(rule.Actions))
	}
	if _, ok := rule.Actions[0].(*action.And); !ok {
		t.Fatalf("expected top-level action to be And, got %T", rule.Actions[0])
	}
}

func TestParseRegulatorsRejectsActionWithNoPrimitiveKey(t *testing.T) {
	svc := newTestServices()
	badJSON := `{"rules": [{"id": "r", "actions": [{"comments": "nothing here"}]}], "chassis": []}`
	_, err := ParseRegulators([]byte(badJSON), "regulators.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for action object with no primitive key")
	}
}

func TestParseRegulatorsRejectsActionWithMultiplePrimitiveKeys(t *testing.T) {
	svc := newTestServices()
	badJSON := `{"rules": [{"id": "r", "actions": [{
		"run_rule": {"rule_id": "a"},
		"set_device": {"device_id": "b"}
	}]}], "chassis": []}`
	_, err := ParseRegulators([]byte(badJSON), "regulators.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for action object with multiple primitive keys")
	}
}

func TestParseRegulatorsParsesI2CWriteBytesWithMasks(t *testing.T) {
	svc := newTestServices()
	j := `{
		"rules": [{
			"id": "r",
			"actions": [{
				"i2c_write_bytes": {
					"register": "0x30",
					"values": ["0x01", "0x02"],
					"masks": ["0x0f", "0xff"]
				}
			}]
		}],
		"chassis": []
	}`
	cfg, err := ParseRegulators([]byte(j), "regulators.json", nil, svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rule, err := cfg.IDMap.GetRule("r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wb, ok := rule.Actions[0].(*action.WriteBytes)
	if !ok {
		t.Fatalf("expected WriteBytes, got %T", rule.Actions[0])
	}
	if wb.Register != 0x30 || len(wb.Values) != 2 || wb.Values[1] != 0x02 || wb.Masks[0] != 0x0f {
		t.Fatalf("unexpected WriteBytes fields: %+v", wb)
	}
}

func TestParseRegulatorsParsesReadSensorWithExponent(t *testing.T) {
	svc := newTestServices()
	j := `{
		"rules": [{
			"id": "r",
			"actions": [{
				"pmbus_read_sensor": {
					"type": "iout",
					"command": "0x8c",
					"format": "linear_16",
					"exponent": "-8"
				}
			}]
		}],
		"chassis": []
	}`
	cfg, err := ParseRegulators([]byte(j), "regulators.json", nil, svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rule, err := cfg.IDMap.GetRule("r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rs, ok := rule.Actions[0].(*action.ReadSensor)
	if !ok {
		t.Fatalf("expected ReadSensor, got %T", rule.Actions[0])
	}
	if rs.Command != 0x8c || rs.Exponent == nil || *rs.Exponent != -8 {
		t.Fatalf("unexpected ReadSensor fields: %+v", rs)
	}
}

func TestParseRegulatorsRejectsUnknownSensorFormat(t *testing.T) {
	svc := newTestServices()
	j := `{
		"rules": [{
			"id": "r",
			"actions": [{
				"pmbus_read_sensor": {"type": "iout", "command": "0x8c", "format": "bogus"}
			}]
		}],
		"chassis": []
	}`
	_, err := ParseRegulators([]byte(j), "regulators.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for unknown sensor format")
	}
}

func TestParseRegulatorsRejectsInvalidJSON(t *testing.T) {
	svc := newTestServices()
	_, err := ParseRegulators([]byte("not json"), "regulators.json", nil, svc)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseRegulatorsIfCombinatorNestsCorrectly(t *testing.T) {
	svc := newTestServices()
	j := `{
		"rules": [{
			"id": "r",
			"actions": [{
				"if": {
					"condition": { "compare_presence": { "fru": "/x", "value": true } },
					"then": [ { "run_rule": { "rule_id": "a" } } ],
					"else": [ { "run_rule": { "rule_id": "b" } } ]
				}
			}]
		}],
		"chassis": []
	}`
	cfg, err := ParseRegulators([]byte(j), "regulators.json", nil, svc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rule, err := cfg.IDMap.GetRule("r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ifAction, ok := rule.Actions[0].(*action.If)
	if !ok {
		t.Fatalf("expected If, got %T", rule.Actions[0])
	}
	if len(ifAction.Then) != 1 || len(ifAction.Else) != 1 {
		t.Fatalf("expected one action in each branch, got then=%d else=%d", len(ifAction.Then), len(ifAction.Else))
	}
}
