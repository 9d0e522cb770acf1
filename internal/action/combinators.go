// SPDX-License-Identifier: BSD-3-Clause

package action

import (
	"fmt"

	"github.com/u-bmc/powerseqd/internal/errs"
)

// RunRule is run_rule: {rule_id}. Looks up the rule via the Registry and
// executes it in the caller's environment, with a bounded depth.
type RunRule struct {
	RuleID string
}

func (a *RunRule) String() string { return fmt.Sprintf("run_rule{rule_id: %s}", a.RuleID) }

func (a *RunRule) Execute(env *ActionEnvironment) (bool, error) {
	if env.Depth+1 > env.MaxDepth {
		return false, &errs.ActionError{Description: a.String(), Cause: errs.ErrRuleDepthExceeded}
	}
	rule, err := env.Registry.GetRule(a.RuleID)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}

	env.Depth++
	defer func() { env.Depth-- }()

	result, err := rule.Run(env)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	return result, nil
}

// SetDevice is set_device: {device_id}. Mutates env.CurrentDevice.
type SetDevice struct {
	DeviceID string
}

func (a *SetDevice) String() string { return fmt.Sprintf("set_device{device_id: %s}", a.DeviceID) }

func (a *SetDevice) Execute(env *ActionEnvironment) (bool, error) {
	if _, err := env.Registry.GetDevice(a.DeviceID); err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	env.CurrentDevice = a.DeviceID
	return true, nil
}

// If is the if combinator: {condition, then, else?}. Short-circuits:
// evaluates condition, then runs exactly one branch.
type If struct {
	Condition Action
	Then      []Action
	Else      []Action
}

func (a *If) String() string { return "if" }

func (a *If) Execute(env *ActionEnvironment) (bool, error) {
	cond, err := a.Condition.Execute(env)
	if err != nil {
		return false, err
	}
	branch := a.Then
	if !cond {
		branch = a.Else
	}
	result := true
	for _, act := range branch {
		result, err = act.Execute(env)
		if err != nil {
			return false, err
		}
	}
	return result, nil
}

// And is the and combinator: short-circuits on the first false child.
type And struct {
	Children []Action
}

func (a *And) String() string { return "and" }

func (a *And) Execute(env *ActionEnvironment) (bool, error) {
	for _, c := range a.Children {
		v, err := c.Execute(env)
		if err != nil {
			return false, err
		}
		if !v {
			return false, nil
		}
	}
	return true, nil
}

// Or is the or combinator: short-circuits on the first true child.
type Or struct {
	Children []Action
}

func (a *Or) String() string { return "or" }

func (a *Or) Execute(env *ActionEnvironment) (bool, error) {
	for _, c := range a.Children {
		v, err := c.Execute(env)
		if err != nil {
			return false, err
		}
		if v {
			return true, nil
		}
	}
	return false, nil
}

// Not negates a single child.
type Not struct {
	Child Action
}

func (a *Not) String() string { return "not" }

func (a *Not) Execute(env *ActionEnvironment) (bool, error) {
	v, err := a.Child.Execute(env)
	if err != nil {
		return false, err
	}
	return !v, nil
}

// ComparePresence is compare_presence: {fru, value}. Queries C3 for
// fru's presence and compares it to the expected value.
type ComparePresence struct {
	FRU   string
	Value bool
}

func (a *ComparePresence) String() string {
	return fmt.Sprintf("compare_presence{fru: %s, value: %t}", a.FRU, a.Value)
}

func (a *ComparePresence) Execute(env *ActionEnvironment) (bool, error) {
	present, err := env.Services.IsPresent(a.FRU)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	return present == a.Value, nil
}

// CompareVPD is compare_vpd: {fru, keyword, value, byte_values?}. Field
// shape carried from original_source; ByteValues, when set, compares
// the keyword's raw bytes instead of its string form (not modeled here
// since every known caller compares strings — Value is authoritative).
type CompareVPD struct {
	FRU     string
	Keyword string
	Value   string
}

func (a *CompareVPD) String() string {
	return fmt.Sprintf("compare_vpd{fru: %s, keyword: %s}", a.FRU, a.Keyword)
}

func (a *CompareVPD) Execute(env *ActionEnvironment) (bool, error) {
	got, err := env.Services.ReadVPD(a.FRU, a.Keyword)
	if err != nil {
		return false, &errs.ActionError{Description: a.String(), Cause: err}
	}
	return got == a.Value, nil
}
