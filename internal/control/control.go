// SPDX-License-Identifier: BSD-3-Clause

// Package control implements the D-Bus-like external control surface
// (spec.md §6): a single interface named org.openbmc.control.Power,
// exposing setPowerState/getPowerState/setPowerSupplyError methods, the
// pgood/state/pgood_timeout properties, and the PowerGood/PowerLost
// signals.
//
// Grounded on service/powermgr's use of github.com/nats-io/nats.go and
// nats.go/micro for request/reply coordination and pkg/ipc's
// subject-naming/group-registration conventions, with plain JSON
// payloads standing in for the teacher's protobuf/connectrpc-generated
// wire types (no buf/protoc pipeline runs in this exercise).
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"github.com/u-bmc/powerseqd/internal/chassis"
	"github.com/u-bmc/powerseqd/internal/errs"
	"github.com/u-bmc/powerseqd/internal/services"
	"github.com/u-bmc/powerseqd/internal/system"
)

// Subject names, following pkg/ipc/constants.go's "group.endpoint"
// convention so nats.go/micro can register them as a single group with
// one endpoint per method.
const (
	subjectGroup = "power"

	EndpointSetState        = "set_state"
	EndpointGetState        = "get_state"
	EndpointSetSupplyError  = "set_supply_error"
	EndpointGetProperties   = "get_properties"
	EndpointSetPgoodTimeout = "set_pgood_timeout"

	SubjectSetState        = subjectGroup + "." + EndpointSetState
	SubjectGetState        = subjectGroup + "." + EndpointGetState
	SubjectSetSupplyError  = subjectGroup + "." + EndpointSetSupplyError
	SubjectGetProperties   = subjectGroup + "." + EndpointGetProperties
	SubjectSetPgoodTimeout = subjectGroup + "." + EndpointSetPgoodTimeout

	// SignalPowerGood and SignalPowerLost carry no payload, per spec.md
	// §6's "Signals PowerGood() and PowerLost() — no payload".
	SignalPowerGood = subjectGroup + ".good"
	SignalPowerLost = subjectGroup + ".lost"
)

const (
	serviceName        = "powerseqd-control"
	serviceDescription = "org.openbmc.control.Power equivalent surface"
	serviceVersion     = "1.0.0"
)

// SetPowerStateRequest is the JSON payload for SubjectSetState.
type SetPowerStateRequest struct {
	State int `json:"state"`
}

// GetPowerStateResponse is the JSON payload returned from SubjectGetState.
// State reports the current hardware pgood reading, not the
// last-requested state, per spec.md §6.
type GetPowerStateResponse struct {
	State int `json:"state"`
}

// SetPowerSupplyErrorRequest is the JSON payload for SubjectSetSupplyError.
type SetPowerSupplyErrorRequest struct {
	Error string `json:"error"`
}

// PropertiesResponse is the JSON payload returned from SubjectGetProperties.
type PropertiesResponse struct {
	Pgood        int `json:"pgood"`
	State        int `json:"state"`
	PgoodTimeout int `json:"pgood_timeout"`
}

// SetPgoodTimeoutRequest is the JSON payload for SubjectSetPgoodTimeout.
type SetPgoodTimeoutRequest struct {
	PgoodTimeoutSeconds int `json:"pgood_timeout"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Control is the org.openbmc.control.Power-equivalent surface over a
// system.System, reachable over NATS request/reply subjects and
// publishing PowerGood/PowerLost as subject broadcasts.
type Control struct {
	nc  *nats.Conn
	sys *system.System
	svc services.Services

	svcHandle micro.Service

	mu           sync.Mutex
	pgoodTimeout time.Duration
	psuError     string
	lastGood     *chassis.PowerGood
}

// New returns a Control surface over sys and svc, using nc for
// transport. pgoodTimeout is the read-write pgood_timeout property's
// initial value.
func New(nc *nats.Conn, sys *system.System, svc services.Services, pgoodTimeout time.Duration) *Control {
	return &Control{
		nc:           nc,
		sys:          sys,
		svc:          svc,
		pgoodTimeout: pgoodTimeout,
	}
}

// Start registers the NATS micro service and its endpoints. Call Close
// to stop serving and release the underlying micro.Service.
func (c *Control) Start(ctx context.Context) error {
	svcHandle, err := micro.AddService(c.nc, micro.Config{
		Name:        serviceName,
		Description: serviceDescription,
		Version:     serviceVersion,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create control micro service: %w", errs.ErrTransport, err)
	}
	c.svcHandle = svcHandle

	group := svcHandle.AddGroup(subjectGroup)
	handlers := map[string]micro.HandlerFunc{
		EndpointSetState:        c.handleSetState,
		EndpointGetState:        c.handleGetState,
		EndpointSetSupplyError:  c.handleSetSupplyError,
		EndpointGetProperties:   c.handleGetProperties,
		EndpointSetPgoodTimeout: c.handleSetPgoodTimeout,
	}
	for endpoint, handler := range handlers {
		if err := group.AddEndpoint(endpoint, handler); err != nil {
			return fmt.Errorf("%w: failed to register endpoint %s: %w", errs.ErrTransport, endpoint, err)
		}
	}

	c.svc.LogInfo(fmt.Sprintf("control surface listening on %s.*", subjectGroup))
	return nil
}

// Close stops the underlying NATS micro service.
func (c *Control) Close() error {
	if c.svcHandle == nil {
		return nil
	}
	return c.svcHandle.Stop()
}

func (c *Control) handleSetState(req micro.Request) {
	var in SetPowerStateRequest
	if err := json.Unmarshal(req.Data(), &in); err != nil {
		c.respondError(req, 400, fmt.Errorf("%w: malformed request", errs.ErrInvalidArgument))
		return
	}

	var newState chassis.PowerState
	switch in.State {
	case 0:
		newState = chassis.PowerOff
	case 1:
		newState = chassis.PowerOn
	default:
		c.respondError(req, 400, fmt.Errorf("%w: invalid power state", errs.ErrInvalidArgument))
		return
	}

	if err := c.sys.SetPowerState(newState, c.svc); err != nil {
		c.respondError(req, 500, fmt.Errorf("%w: %w", errs.ErrDBus, err))
		return
	}
	c.respondOK(req, struct{}{})
}

func (c *Control) handleGetState(req micro.Request) {
	good, err := c.sys.GetPowerGood()
	if err != nil {
		c.respondError(req, 500, fmt.Errorf("%w: %w", errs.ErrDBus, err))
		return
	}
	c.respondOK(req, GetPowerStateResponse{State: powerGoodToInt(good)})
}

func (c *Control) handleSetSupplyError(req micro.Request) {
	var in SetPowerSupplyErrorRequest
	if err := json.Unmarshal(req.Data(), &in); err != nil {
		c.respondError(req, 400, fmt.Errorf("%w: malformed request", errs.ErrInvalidArgument))
		return
	}
	c.mu.Lock()
	c.psuError = in.Error
	c.mu.Unlock()
	c.respondOK(req, struct{}{})
}

func (c *Control) handleGetProperties(req micro.Request) {
	state, errState := c.sys.GetPowerState()
	good, errGood := c.sys.GetPowerGood()
	if errState != nil || errGood != nil {
		c.respondError(req, 500, fmt.Errorf("%w: system state not yet available", errs.ErrDBus))
		return
	}

	c.mu.Lock()
	timeout := c.pgoodTimeout
	c.mu.Unlock()

	c.respondOK(req, PropertiesResponse{
		Pgood:        powerGoodToInt(good),
		State:        powerStateToInt(state),
		PgoodTimeout: int(timeout / time.Second),
	})
}

func (c *Control) handleSetPgoodTimeout(req micro.Request) {
	var in SetPgoodTimeoutRequest
	if err := json.Unmarshal(req.Data(), &in); err != nil || in.PgoodTimeoutSeconds < 0 {
		c.respondError(req, 400, fmt.Errorf("%w: invalid pgood_timeout", errs.ErrInvalidArgument))
		return
	}
	d := time.Duration(in.PgoodTimeoutSeconds) * time.Second
	c.mu.Lock()
	c.pgoodTimeout = d
	c.mu.Unlock()
	c.sys.SetPowerGoodTimeOut(d)
	c.respondOK(req, struct{}{})
}

// PSUError returns the most recently reported power-supply error name,
// per setPowerSupplyError's role in the pgood-fault pipeline's PSU-rail
// root-cause override.
func (c *Control) PSUError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.psuError
}

// PublishTransition compares the system's current pgood reading against
// the last-published value and, on change, broadcasts PowerGood or
// PowerLost. Call once per monitor tick after system.Monitor has run.
func (c *Control) PublishTransition() {
	good, err := c.sys.GetPowerGood()
	if err != nil {
		return
	}

	c.mu.Lock()
	changed := c.lastGood == nil || *c.lastGood != good
	c.lastGood = &good
	c.mu.Unlock()
	if !changed {
		return
	}

	subject := SignalPowerLost
	if good == chassis.PowerGoodOn {
		subject = SignalPowerGood
	}
	if err := c.nc.Publish(subject, nil); err != nil {
		c.svc.LogError(fmt.Sprintf("failed to publish %s: %v", subject, err))
	}
}

func (c *Control) respondOK(req micro.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.respondError(req, 500, fmt.Errorf("%w: failed to marshal response", errs.ErrInternal))
		return
	}
	if err := req.Respond(data); err != nil {
		c.svc.LogError(fmt.Sprintf("failed to respond on %s: %v", req.Subject(), err))
	}
}

func (c *Control) respondError(req micro.Request, code int, err error) {
	c.svc.LogError(fmt.Sprintf("control request on %s failed: %v", req.Subject(), err))
	data, _ := json.Marshal(errorResponse{Error: err.Error()})
	if respErr := req.Error(fmt.Sprintf("%d", code), err.Error(), data); respErr != nil {
		c.svc.LogError(fmt.Sprintf("failed to send error response on %s: %v", req.Subject(), respErr))
	}
}

func powerGoodToInt(g chassis.PowerGood) int {
	if g == chassis.PowerGoodOn {
		return 1
	}
	return 0
}

func powerStateToInt(s chassis.PowerState) int {
	if s == chassis.PowerOn {
		return 1
	}
	return 0
}
