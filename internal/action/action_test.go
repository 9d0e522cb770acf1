// SPDX-License-Identifier: BSD-3-Clause

package action

import (
	"errors"
	"fmt"
	"testing"

	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/i2c"
)

// fakeDevice backs a *i2c.Conn with no real transport; tests exercise
// everything above the transport boundary using fakeRegistry instead.
type fakeDevice struct {
	id            string
	inventoryPath string
	voutMode      uint8
	voutCommand   uint16
	writeErr      error
}

func (d *fakeDevice) ID() string             { return d.id }
func (d *fakeDevice) InventoryPath() string  { return d.inventoryPath }
func (d *fakeDevice) Conn() *i2c.Conn        { return i2c.New("0", 0x40) }
func (d *fakeDevice) ReadVoutMode() (uint8, error) { return d.voutMode, nil }
func (d *fakeDevice) ReadVoutCommand() (uint16, error) {
	return d.voutCommand, nil
}
func (d *fakeDevice) WriteVoutCommand(value uint16) error {
	d.voutCommand = value
	return d.writeErr
}

type fakeRegistry struct {
	devices map[string]Device
	rules   map[string]*Rule
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{devices: make(map[string]Device), rules: make(map[string]*Rule)}
}

func (r *fakeRegistry) GetDevice(id string) (Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %q", errs.ErrUnknownID, id)
	}
	return d, nil
}

func (r *fakeRegistry) GetRule(id string) (*Rule, error) {
	ru, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: rule %q", errs.ErrUnknownID, id)
	}
	return ru, nil
}

type fakeServices struct {
	present    bool
	presentErr error
	vpdValue   string
	vpdErr     error
}

func (s *fakeServices) IsPresent(inventoryPath string) (bool, error) { return s.present, s.presentErr }
func (s *fakeServices) ReadVPD(fru, keyword string) (string, error)  { return s.vpdValue, s.vpdErr }

func TestWriteVoutCommandS1(t *testing.T) {
	reg := newFakeRegistry()
	dev := &fakeDevice{id: "vdd0", inventoryPath: "/xyz/vdd0", voutMode: 0b0001_0111, voutCommand: 0x069A}
	reg.devices["vdd0"] = dev

	env := NewEnvironment(reg, &fakeServices{}, nil)
	env.CurrentDevice = "vdd0"

	act := &WriteVoutCommand{Volts: floatPtr(3.3), IsVerified: true}
	ok, err := act.Execute(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected true result on matching readback")
	}
	if dev.voutCommand != 0x069A {
		t.Fatalf("expected VOUT_COMMAND 0x069A, got 0x%04X", dev.voutCommand)
	}
}

func TestWriteVoutCommandVerificationMismatch(t *testing.T) {
	reg := newFakeRegistry()
	dev := &verifyMismatchDevice{fakeDevice: fakeDevice{id: "vdd0", inventoryPath: "/xyz/vdd0", voutMode: 0b0001_0111}}
	reg.devices["vdd0"] = dev

	env := NewEnvironment(reg, &fakeServices{}, nil)
	env.CurrentDevice = "vdd0"

	act := &WriteVoutCommand{Volts: floatPtr(3.3), IsVerified: true}
	_, err := act.Execute(env)
	if err == nil {
		t.Fatal("expected WriteVerificationError")
	}
	var we *errs.WriteVerificationError
	if !errors.As(err, &we) {
		t.Fatalf("expected *errs.WriteVerificationError in chain, got %T: %v", err, err)
	}
	want := "value_written: 0x69A, value_read: 0x69B"
	if got := we.Error(); !contains(got, want) {
		t.Fatalf("expected error message to contain %q, got %q", want, got)
	}
}

// verifyMismatchDevice always reports a readback one off from whatever
// was written, to exercise the WriteVerificationError path.
type verifyMismatchDevice struct {
	fakeDevice
}

func (d *verifyMismatchDevice) WriteVoutCommand(value uint16) error {
	d.voutCommand = value
	return nil
}

func (d *verifyMismatchDevice) ReadVoutCommand() (uint16, error) {
	return d.voutCommand + 1, nil
}

func TestCaptureBytesDedupesKeys(t *testing.T) {
	env := &ActionEnvironment{AdditionalData: make(errs.AdditionalData)}
	env.AdditionalData.Set("ucd90160_register_0x79", "[ 0x00 ]")
	env.AdditionalData.Set("ucd90160_register_0x79", "[ 0x01 ]")
	k3 := env.AdditionalData.Set("ucd90160_register_0x79", "[ 0x02 ]")
	if k3 != "ucd90160_register_0x79_3" {
		t.Fatalf("expected third insert to get suffix _3, got %q", k3)
	}
	if len(env.AdditionalData) != 3 {
		t.Fatalf("expected 3 distinct keys, got %d", len(env.AdditionalData))
	}
}

func TestRunRuleDepthExceeded(t *testing.T) {
	reg := newFakeRegistry()
	reg.rules["self"] = &Rule{ID: "self", Actions: []Action{&RunRule{RuleID: "self"}}}

	env := NewEnvironment(reg, &fakeServices{}, nil)
	env.MaxDepth = 3

	_, err := (&RunRule{RuleID: "self"}).Execute(env)
	if err == nil {
		t.Fatal("expected ActionError for exceeded rule depth")
	}
	if !errors.Is(err, errs.ErrRuleDepthExceeded) {
		t.Fatalf("expected errs.ErrRuleDepthExceeded in chain, got %v", err)
	}
}

func TestIfCombinator(t *testing.T) {
	reg := newFakeRegistry()
	env := NewEnvironment(reg, &fakeServices{}, nil)

	alwaysTrue := constAction{true}
	thenMarker := &markerAction{}
	elseMarker := &markerAction{}

	ifAct := &If{Condition: alwaysTrue, Then: []Action{thenMarker}, Else: []Action{elseMarker}}
	if _, err := ifAct.Execute(env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !thenMarker.ran || elseMarker.ran {
		t.Fatal("expected only the then branch to run")
	}
}

func TestAndShortCircuits(t *testing.T) {
	env := NewEnvironment(newFakeRegistry(), &fakeServices{}, nil)
	second := &markerAction{}
	_, err := (&And{Children: []Action{constAction{false}, second}}).Execute(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ran {
		t.Fatal("expected and to short-circuit before the second child")
	}
}

func TestComparePresence(t *testing.T) {
	env := NewEnvironment(newFakeRegistry(), &fakeServices{present: true}, nil)
	ok, err := (&ComparePresence{FRU: "/xyz/psu0", Value: true}).Execute(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected presence match to report true")
	}
}

func TestExpandVariables(t *testing.T) {
	got, err := Expand("prefix-${name}-suffix", map[string]string{"name": "vdd0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "prefix-vdd0-suffix" {
		t.Fatalf("expected substituted string, got %q", got)
	}
}

func TestExpandMissingVariable(t *testing.T) {
	_, err := Expand("${missing}", nil)
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestParseBitPositionRejectsOutOfRange(t *testing.T) {
	if _, err := ParseBitPosition("8"); err == nil {
		t.Fatal("expected error for bit position 8")
	}
	v, err := ParseBitPosition("7")
	if err != nil || v != 7 {
		t.Fatalf("expected (7, nil), got (%d, %v)", v, err)
	}
}

func TestParseUint8RejectsWhitespaceTail(t *testing.T) {
	if _, err := ParseUint8("12 "); err == nil {
		t.Fatal("expected fully-consuming parse to reject trailing whitespace")
	}
}

func TestParseHexByte(t *testing.T) {
	v, err := ParseHexByte("0x1F")
	if err != nil || v != 0x1F {
		t.Fatalf("expected (0x1F, nil), got (0x%X, %v)", v, err)
	}
}

// --- test helpers ---

type constAction struct{ value bool }

func (c constAction) String() string                            { return "const" }
func (c constAction) Execute(env *ActionEnvironment) (bool, error) { return c.value, nil }

type markerAction struct{ ran bool }

func (m *markerAction) String() string { return "marker" }
func (m *markerAction) Execute(env *ActionEnvironment) (bool, error) {
	m.ran = true
	return true, nil
}

func floatPtr(v float64) *float64 { return &v }

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
