// SPDX-License-Identifier: BSD-3-Clause

// Package system implements the System state machine (C8): the
// collection of chassis a daemon instance manages, chassis selection on
// power-on/off, and system-wide power-good aggregation.
//
// Grounded on original_source/phosphor-power-sequencer/src/system.cpp
// for the exact setPowerState/monitor/getChassisForNewPowerState/
// setInitialSelectedChassisIfNeeded/setPowerGood algorithms.
package system

import (
	"fmt"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/u-bmc/powerseqd/internal/chassis"
	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/services"
)

const (
	stateOff      = "Off"
	stateOn       = "On"
	triggerSetOff = "SetOff"
	triggerSetOn  = "SetOn"
)

func newMachine(initial chassis.PowerState) *stateless.StateMachine {
	name := stateOff
	if initial == chassis.PowerOn {
		name = stateOn
	}
	m := stateless.NewStateMachine(name)
	m.Configure(stateOff).Permit(triggerSetOn, stateOn).PermitReentry(triggerSetOff)
	m.Configure(stateOn).Permit(triggerSetOff, stateOff).PermitReentry(triggerSetOn)
	return m
}

// System is the collection of chassis a daemon instance manages, per
// spec.md §3/§4.8.
type System struct {
	Chassis []*chassis.Chassis

	monitoringInitialized bool
	machine               *stateless.StateMachine
	powerState            *chassis.PowerState
	powerGood             *chassis.PowerGood
	selectedChassis       map[int]bool
}

// New returns a System over the given chassis, in declaration order.
func New(cs []*chassis.Chassis) *System {
	return &System{Chassis: cs}
}

// InitializeMonitoring initializes monitoring on every owned chassis.
func (s *System) InitializeMonitoring(svc services.Services) {
	for _, c := range s.Chassis {
		c.InitializeMonitoring(svc)
	}
	s.monitoringInitialized = true
}

func (s *System) verifyMonitoringInitialized() error {
	if !s.monitoringInitialized {
		return fmt.Errorf("system monitoring has not been initialized")
	}
	return nil
}

// GetPowerState returns the last committed system power state. Monitor
// must have run at least once.
func (s *System) GetPowerState() (chassis.PowerState, error) {
	if s.powerState == nil {
		return 0, fmt.Errorf("system power state could not be obtained")
	}
	return *s.powerState, nil
}

// GetPowerGood returns the system-wide aggregated power-good state.
// Monitor must have run at least once.
func (s *System) GetPowerGood() (chassis.PowerGood, error) {
	if s.powerGood == nil {
		return 0, fmt.Errorf("system power good could not be obtained")
	}
	return *s.powerGood, nil
}

// SetPowerGoodTimeOut fans the timeout out to every owned chassis.
func (s *System) SetPowerGoodTimeOut(d time.Duration) {
	for _, c := range s.Chassis {
		c.SetPowerGoodTimeout(d)
	}
}

// SetPowerState implements spec.md §4.8: verify monitoring is
// initialized and the transition isn't a no-op (both unconditional,
// propagated as errors, matching system.hpp's un-caught
// verifyCanSetPowerState — unlike Chassis.CanSetPowerState, which treats
// already-at-state as an ordinary rejection), compute the eligible
// chassis set, reject if empty, commit, then fire each eligible
// chassis's own SetPowerState, logging and swallowing per-chassis
// errors rather than aggregating them.
func (s *System) SetPowerState(newState chassis.PowerState, svc services.Services) error {
	if err := s.verifyMonitoringInitialized(); err != nil {
		return err
	}
	if s.powerState != nil && *s.powerState == newState {
		return fmt.Errorf("unable to set system to state %s: already at requested state", newState)
	}

	eligible, err := s.getChassisForNewPowerState(newState, svc)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return fmt.Errorf("unable to set system to state %s: no chassis are eligible", newState)
	}

	s.setState(newState)
	s.selectedChassis = eligible

	for i, c := range s.Chassis {
		if !eligible[i] {
			continue
		}
		if err := c.SetPowerState(newState, svc); err != nil {
			svc.LogError(fmt.Sprintf("unable to set power state for chassis %d: %v", c.Number, err))
		}
	}
	return nil
}

func (s *System) setState(newState chassis.PowerState) {
	if s.machine == nil {
		s.machine = newMachine(newState)
	} else if newState == chassis.PowerOn {
		_ = s.machine.Fire(triggerSetOn)
	} else {
		_ = s.machine.Fire(triggerSetOff)
	}
	v := newState
	s.powerState = &v
}

// getChassisForNewPowerState returns the set of chassis indices (into
// s.Chassis) allowed to transition to newState, logging the rejection
// reason for every chassis that can't, per system.cpp.
func (s *System) getChassisForNewPowerState(newState chassis.PowerState, svc services.Services) (map[int]bool, error) {
	eligible := make(map[int]bool)
	for i, c := range s.Chassis {
		canSet, reason, err := c.CanSetPowerState(newState)
		if err != nil {
			return nil, err
		}
		if canSet {
			eligible[i] = true
			continue
		}
		svc.LogInfo(fmt.Sprintf("chassis %d not eligible for state %s: %s", c.Number, newState, reason))
	}
	return eligible, nil
}

// Monitor implements spec.md §4.8's monitor tick: every owned chassis is
// monitored regardless of selection, swallowing and logging per-chassis
// errors, followed by initial-selection inference, power-good
// aggregation, and initial-power-state inference.
func (s *System) Monitor(svc services.Services) error {
	if err := s.verifyMonitoringInitialized(); err != nil {
		return err
	}

	history := errs.NewErrorHistory()
	for _, c := range s.Chassis {
		if err := c.Monitor(svc); err != nil {
			if history.ShouldLog(errs.KindOf(err)) {
				svc.LogError(fmt.Sprintf("unable to monitor chassis %d (correlation %s): %v", c.Number, history.ID(), err))
			}
		}
	}

	s.setInitialSelectedChassisIfNeeded()
	s.setPowerGood()
	s.setInitialPowerStateIfNeeded()
	return nil
}

// setInitialSelectedChassisIfNeeded partitions chassis with a fully
// readable status into on/off sets by observed power good, and adopts
// the on set unless it's empty, per system.cpp.
func (s *System) setInitialSelectedChassisIfNeeded() {
	if len(s.selectedChassis) > 0 {
		return
	}

	chassisOn := make(map[int]bool)
	chassisOff := make(map[int]bool)
	for i, c := range s.Chassis {
		present, err := c.IsPresent()
		if err != nil || !present {
			continue
		}
		available, err := c.IsAvailable()
		if err != nil || !available {
			continue
		}
		inputGood, err := c.IsInputPowerGood()
		if err != nil || !inputGood {
			continue
		}
		good, err := c.GetPowerGood()
		if err != nil {
			continue
		}
		if good == chassis.PowerGoodOn {
			chassisOn[i] = true
		} else {
			chassisOff[i] = true
		}
	}

	if len(chassisOn) == 0 {
		s.selectedChassis = chassisOff
		return
	}
	s.selectedChassis = chassisOn
}

// setPowerGood aggregates power good across the selected chassis, with
// the same all-on/all-off-vs-total comparison as Chassis's own
// readPowerGood, matching system.cpp::setPowerGood. With no selected
// chassis it returns early and leaves power good unchanged.
func (s *System) setPowerGood() {
	if len(s.selectedChassis) == 0 {
		return
	}

	onCount, offCount := 0, 0
	for i := range s.selectedChassis {
		good, err := s.Chassis[i].GetPowerGood()
		if err != nil {
			continue
		}
		if good == chassis.PowerGoodOn {
			onCount++
		} else {
			offCount++
		}
	}

	total := len(s.selectedChassis)
	if onCount == total {
		v := chassis.PowerGoodOn
		s.powerGood = &v
	} else if offCount == total {
		v := chassis.PowerGoodOff
		s.powerGood = &v
	}
}

func (s *System) setInitialPowerStateIfNeeded() {
	if s.powerState != nil || s.powerGood == nil {
		return
	}
	v := chassis.PowerOn
	if *s.powerGood == chassis.PowerGoodOff {
		v = chassis.PowerOff
	}
	s.setState(v)
}
