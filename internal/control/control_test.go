// SPDX-License-Identifier: BSD-3-Clause

package control

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/u-bmc/powerseqd/internal/chassis"
	"github.com/u-bmc/powerseqd/internal/services"
	"github.com/u-bmc/powerseqd/internal/system"
)

// startTestServer starts an embedded NATS server on a random local port
// and returns a connected client, per service/ipc's embedded-server
// pattern (simplified here to a real loopback listener instead of the
// in-process transport, since tests need nothing but a reachable
// server).
func startTestServer(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect to embedded NATS server: %v", err)
	}

	return nc, func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}

// newTestSystem builds a System with a single present/available/
// input-power-good chassis with no power sequencers, whose pgood reads
// vacuously On once monitored, mirroring internal/system's own test
// fixtures.
func newTestSystem(t *testing.T) (*system.System, services.Services) {
	t.Helper()

	monitor := services.NewStaticStatusMonitor(true, true, true, true, true)
	factory := func(chassisNumber int, inventoryPath string, options services.MonitoringOptions) services.StatusMonitor {
		return monitor
	}
	svc := services.New(slog.Default(), nil, factory, nil)

	c := chassis.New(0, "/system/chassis0", nil, services.MonitoringOptions{})
	sys := system.New([]*chassis.Chassis{c})
	sys.InitializeMonitoring(svc)
	if err := sys.Monitor(svc); err != nil {
		t.Fatalf("unexpected monitor error: %v", err)
	}
	return sys, svc
}

func request(t *testing.T, nc *nats.Conn, subject string, in, out any) error {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	msg, err := nc.Request(subject, data, 2*time.Second)
	if err != nil {
		return err
	}
	if len(msg.Header) > 0 && msg.Header.Get("Nats-Service-Error-Code") != "" {
		return &requestError{code: msg.Header.Get("Nats-Service-Error-Code"), body: string(msg.Data)}
	}
	if out != nil {
		return json.Unmarshal(msg.Data, out)
	}
	return nil
}

type requestError struct {
	code string
	body string
}

func (e *requestError) Error() string { return e.code + ": " + e.body }

func TestGetStateReturnsHardwarePgoodReading(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	sys, svc := newTestSystem(t)
	c := New(nc, sys, svc, 10*time.Second)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error starting control surface: %v", err)
	}
	defer c.Close()

	var resp GetPowerStateResponse
	if err := request(t, nc, SubjectGetState, struct{}{}, &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.State != 1 {
		t.Fatalf("expected pgood state 1, got %d", resp.State)
	}
}

func TestSetStateRejectsInvalidValue(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	sys, svc := newTestSystem(t)
	c := New(nc, sys, svc, 10*time.Second)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error starting control surface: %v", err)
	}
	defer c.Close()

	err := request(t, nc, SubjectSetState, SetPowerStateRequest{State: 2}, nil)
	if err == nil {
		t.Fatal("expected error for invalid power state")
	}
}

func TestSetStateRejectsNoOpTransition(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	sys, svc := newTestSystem(t)
	c := New(nc, sys, svc, 10*time.Second)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error starting control surface: %v", err)
	}
	defer c.Close()

	// The fixture chassis already converged to On during newTestSystem's
	// Monitor call, so requesting On again is a no-op transition.
	err := request(t, nc, SubjectSetState, SetPowerStateRequest{State: 1}, nil)
	if err == nil {
		t.Fatal("expected error for no-op transition to the already-committed state")
	}
}

func TestSetSupplyErrorIsObservableViaPSUError(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	sys, svc := newTestSystem(t)
	c := New(nc, sys, svc, 10*time.Second)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error starting control surface: %v", err)
	}
	defer c.Close()

	if err := request(t, nc, SubjectSetSupplyError, SetPowerSupplyErrorRequest{Error: "psu0_fault"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.PSUError(); got != "psu0_fault" {
		t.Fatalf("expected psu0_fault, got %q", got)
	}
}

func TestGetPropertiesReportsPgoodStateAndTimeout(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	sys, svc := newTestSystem(t)
	c := New(nc, sys, svc, 15*time.Second)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error starting control surface: %v", err)
	}
	defer c.Close()

	var resp PropertiesResponse
	if err := request(t, nc, SubjectGetProperties, struct{}{}, &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Pgood != 1 {
		t.Fatalf("expected pgood 1, got %d", resp.Pgood)
	}
	if resp.State != 1 {
		t.Fatalf("expected state 1, got %d", resp.State)
	}
	if resp.PgoodTimeout != 15 {
		t.Fatalf("expected pgood_timeout 15, got %d", resp.PgoodTimeout)
	}
}

func TestSetPgoodTimeoutUpdatesProperty(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	sys, svc := newTestSystem(t)
	c := New(nc, sys, svc, 10*time.Second)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("unexpected error starting control surface: %v", err)
	}
	defer c.Close()

	if err := request(t, nc, SubjectSetPgoodTimeout, SetPgoodTimeoutRequest{PgoodTimeoutSeconds: 30}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp PropertiesResponse
	if err := request(t, nc, SubjectGetProperties, struct{}{}, &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.PgoodTimeout != 30 {
		t.Fatalf("expected updated pgood_timeout 30, got %d", resp.PgoodTimeout)
	}
}

func TestPublishTransitionBroadcastsOnPgoodChange(t *testing.T) {
	nc, cleanup := startTestServer(t)
	defer cleanup()

	sys, svc := newTestSystem(t)
	c := New(nc, sys, svc, 10*time.Second)

	good := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(SignalPowerGood, good)
	if err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}
	defer sub.Unsubscribe()

	// First call publishes: lastGood is still unset, and the earlier
	// Monitor call already converged to On, so the first
	// PublishTransition after construction is itself the On-transition
	// signal.
	c.PublishTransition()

	select {
	case <-good:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a PowerGood signal to be published")
	}
}
