/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package session implements SessionOrchestrator: the coupled state machine
// that composes an SSH transport, a remote browser, a local forward, and a
// CDP connection into one session with disciplined startup ordering,
// reverse-order teardown, and live state broadcast.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/browser"
	"github.com/gravitational-student/sshbrowser/lib/cdp"
	"github.com/gravitational-student/sshbrowser/lib/forward"
	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/pubsub"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// SSHState is the ssh axis.
type SSHState string

const (
	SSHDisconnected SSHState = "disconnected"
	SSHConnecting   SSHState = "connecting"
	SSHConnected    SSHState = "connected"
)

// ForwardState is the portForward axis.
type ForwardState string

const (
	ForwardInactive ForwardState = "inactive"
	ForwardActive   ForwardState = "active"
)

// BrowserState is the browser axis.
type BrowserState string

const (
	BrowserStopped  BrowserState = "stopped"
	BrowserStarting BrowserState = "starting"
	BrowserRunning  BrowserState = "running"
)

// CDPState is the cdp axis.
type CDPState string

const (
	CDPDisconnected CDPState = "disconnected"
	CDPConnecting   CDPState = "connecting"
	CDPConnected    CDPState = "connected"
)

// State is a snapshot of all four axes.
type State struct {
	SSH         SSHState
	PortForward ForwardState
	Browser     BrowserState
	CDP         CDPState
}

// Event is emitted for state changes, errors, and the terminal close.
type Event struct {
	// Kind is one of "state", "error", "closed", "ready".
	Kind  string
	State State
	Err   error
}

// Options parameterizes one Start call.
type Options struct {
	Descriptor    sshtransport.Descriptor
	LocalPort     int
	RemoteHost    string
	RemotePort    int
	BrowserOpts   browser.LaunchOptions
	CDPHost       string
	// AutoRestart, when positive, bounds how many times the orchestrator
	// retries Start after an unsolicited teardown before giving up.
	AutoRestart   int
	RestartDelay  time.Duration
}

// Orchestrator composes SSHTransport, RemoteBrowser, Forwarder, and CDP
// into one session with the strict start/stop ordering described for the
// core's coupled state machine.
type Orchestrator struct {
	log logrus.FieldLogger
	bus *pubsub.Bus[Event]

	mu    sync.Mutex
	state State
	busy  bool

	transport   *sshtransport.Transport
	forwarder   *forward.Forwarder
	rbrowser    *browser.RemoteBrowser
	mux         *cdp.Mux
	page        *cdp.PageAdapter
	network     *cdp.Recorder
	launchedPID int
	forwardRule *forward.Rule

	opts           Options
	stopping       bool
	restartAttempt int
}

// New returns an idle orchestrator.
func New(log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.WithField("component", "session")
	}
	return &Orchestrator{
		log:   log,
		bus:   pubsub.NewBus[Event](),
		state: State{SSH: SSHDisconnected, PortForward: ForwardInactive, Browser: BrowserStopped, CDP: CDPDisconnected},
	}
}

// Subscribe registers for session lifecycle events.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return pubsub.Subscribe(o.bus, 32)
}

// State returns a snapshot of the four axes.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(mutate func(*State)) {
	o.mu.Lock()
	mutate(&o.state)
	snapshot := o.state
	o.mu.Unlock()
	o.bus.Emit(Event{Kind: "state", State: snapshot})
}

func (o *Orchestrator) beginExclusive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return false
	}
	o.busy = true
	return true
}

func (o *Orchestrator) endExclusive() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

// Start runs the strictly ordered startup sequence: SSHTransport.connect,
// RemoteBrowser.launch, LocalForwarder.startLocal, CDPMux.connect (plus
// constructing PageAdapter/Recorder). Any step's failure triggers
// reverse-order cleanup of everything started so far and surfaces
// session/start-failed wrapping the original error.
func (o *Orchestrator) Start(ctx context.Context, opts Options) error {
	if o.State().SSH == SSHConnected {
		return kinderr.New(kinderr.SessionAlreadyActive, "session already active", nil)
	}
	if !o.beginExclusive() {
		return kinderr.New(kinderr.SessionAlreadyActive, "start or stop already in progress", nil)
	}
	defer o.endExclusive()

	o.transport = sshtransport.New(sshtransport.Config{Descriptor: opts.Descriptor, Log: o.log})
	o.forwarder = forward.New(o.transport, o.log)
	o.rbrowser = browser.New(o.transport, o.log)

	o.setState(func(s *State) { s.SSH = SSHConnecting })
	if err := o.transport.Connect(ctx); err != nil {
		o.setState(func(s *State) { s.SSH = SSHDisconnected })
		return o.failStart(err)
	}
	o.setState(func(s *State) { s.SSH = SSHConnected })

	o.setState(func(s *State) { s.Browser = BrowserStarting })
	launchResult, err := o.rbrowser.Launch(ctx, opts.BrowserOpts)
	if err != nil {
		o.setState(func(s *State) { s.Browser = BrowserStopped })
		o.teardownFrom(ctx, 1)
		return o.failStart(err)
	}
	o.launchedPID = launchResult.PID

	remoteHost := opts.RemoteHost
	if remoteHost == "" {
		remoteHost = "127.0.0.1"
	}
	remotePort := opts.RemotePort
	if remotePort == 0 {
		remotePort = opts.BrowserOpts.DebugPort
	}
	rule, err := o.forwarder.StartLocal("127.0.0.1", opts.LocalPort, remoteHost, remotePort)
	if err != nil {
		o.setState(func(s *State) { s.Browser = BrowserStopped })
		o.teardownFrom(ctx, 2)
		return o.failStart(err)
	}
	o.forwardRule = rule

	// The debug port is only reachable from this process once the forward
	// above is listening, so readiness is confirmed here rather than
	// inside RemoteBrowser.Launch.
	forwardedURL := fmt.Sprintf("http://127.0.0.1:%d", rule.LocalPort)
	if _, err := o.rbrowser.WaitReady(ctx, forwardedURL, opts.BrowserOpts.LaunchTimeout); err != nil {
		o.setState(func(s *State) { s.Browser = BrowserStopped })
		o.teardownFrom(ctx, 3)
		return o.failStart(err)
	}
	o.setState(func(s *State) { s.PortForward = ForwardActive; s.Browser = BrowserRunning })

	o.setState(func(s *State) { s.CDP = CDPConnecting })
	cdpHost := opts.CDPHost
	if cdpHost == "" {
		cdpHost = "127.0.0.1"
	}
	o.mux = cdp.New(cdp.Config{Host: cdpHost, Port: rule.LocalPort, Log: o.log})
	if err := o.mux.Connect(ctx, ""); err != nil {
		o.setState(func(s *State) { s.CDP = CDPDisconnected })
		o.teardownFrom(ctx, 3)
		return o.failStart(err)
	}

	o.page = cdp.NewPageAdapter(o.mux)
	if err := o.page.Enable(ctx); err != nil {
		o.setState(func(s *State) { s.CDP = CDPDisconnected })
		o.teardownFrom(ctx, 4)
		return o.failStart(err)
	}
	o.network = cdp.NewRecorder(o.mux)

	o.setState(func(s *State) { s.CDP = CDPConnected })
	o.opts = opts
	o.stopping = false
	o.restartAttempt = 0
	o.bus.Emit(Event{Kind: "ready", State: o.State()})

	if opts.AutoRestart > 0 {
		go o.watchForUnsolicitedClose(o.transport)
	}
	return nil
}

// watchForUnsolicitedClose retries Start up to Options.AutoRestart times,
// waiting RestartDelay between attempts, when the transport tears down on
// its own rather than through an explicit Stop.
func (o *Orchestrator) watchForUnsolicitedClose(transport *sshtransport.Transport) {
	events, unsubscribe := transport.Subscribe()
	defer unsubscribe()
	for ev := range events {
		if ev.Kind != "close" {
			continue
		}

		o.mu.Lock()
		stopping := o.stopping
		o.mu.Unlock()
		if stopping {
			return
		}

		o.mu.Lock()
		opts := o.opts
		o.mu.Unlock()

		delay := opts.RestartDelay
		if delay <= 0 {
			delay = 5 * time.Second
		}

		// The dropped session's axes still read as connected; release what is
		// left of it so Start does not refuse with session/already-active.
		o.teardownFrom(context.Background(), 4)
		for attempt := 1; attempt <= opts.AutoRestart; attempt++ {
			o.log.Warnf("session dropped, restart attempt %d/%d in %s", attempt, opts.AutoRestart, delay)
			time.Sleep(delay)
			err := o.Start(context.Background(), opts)
			if err == nil {
				return
			}
			o.log.WithError(err).Warn("auto-restart attempt failed")
		}
		return
	}
}

func (o *Orchestrator) failStart(cause error) error {
	wrapped := kinderr.New(kinderr.SessionStartFailed, "session start failed", cause)
	o.bus.Emit(Event{Kind: "error", Err: wrapped})
	return wrapped
}

// teardownFrom runs the reverse-order cleanup for steps completed up to and
// including completedSteps (1=ssh, 2=ssh+browser, 3=+forward, 4=+cdp), used
// when Start fails partway through.
func (o *Orchestrator) teardownFrom(ctx context.Context, completedSteps int) {
	if completedSteps >= 4 && o.mux != nil {
		o.mux.Disconnect()
	}
	if completedSteps >= 3 && o.forwarder != nil {
		o.forwarder.StopAll()
	}
	if completedSteps >= 2 && o.rbrowser != nil {
		o.rbrowser.Cleanup(ctx, o.launchedPID)
	}
	if o.transport != nil {
		o.transport.Disconnect()
	}
	o.resetState()
}

func (o *Orchestrator) resetState() {
	o.mu.Lock()
	o.page, o.network, o.forwardRule = nil, nil, nil
	o.mu.Unlock()
	o.setState(func(s *State) {
		*s = State{SSH: SSHDisconnected, PortForward: ForwardInactive, Browser: BrowserStopped, CDP: CDPDisconnected}
	})
}

// Stop runs the strict reverse-order teardown: CDPMux.disconnect,
// LocalForwarder.stopAll, RemoteBrowser.cleanup, SSHTransport.disconnect.
// Each step swallows its own errors; Stop is safe to call in any partial
// state. Emits closed once every axis has reverted to its initial value.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.State().SSH == SSHDisconnected {
		return kinderr.New(kinderr.SessionNotActive, "session is not active", nil)
	}
	if !o.beginExclusive() {
		return kinderr.New(kinderr.SessionNotActive, "start or stop already in progress", nil)
	}
	defer o.endExclusive()

	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	if o.mux != nil {
		o.mux.Disconnect()
	}
	if o.forwarder != nil {
		o.forwarder.StopAll()
	}
	if o.rbrowser != nil {
		o.rbrowser.Cleanup(ctx, o.launchedPID)
	}
	if o.transport != nil {
		o.transport.Disconnect()
	}

	o.resetState()
	o.bus.Emit(Event{Kind: "closed"})
	return nil
}

// Page returns the active PageAdapter, or nil when no session is running.
func (o *Orchestrator) Page() *cdp.PageAdapter { return o.page }

// Network returns the active Recorder, or nil when no session is running.
func (o *Orchestrator) Network() *cdp.Recorder { return o.network }

// ForwardRule returns the active local forward rule, or nil when no session
// is running.
func (o *Orchestrator) ForwardRule() *forward.Rule { return o.forwardRule }

// StartRemoteForward asks the connected SSH session to listen on
// remoteListenHost:remoteListenPort and relay inbound connections to
// destHost:destPort. It requires an SSH connection already established by
// Start; it does not itself drive the ssh/browser/cdp axes.
func (o *Orchestrator) StartRemoteForward(remoteListenHost string, remoteListenPort int, destHost string, destPort int) (*forward.Rule, error) {
	o.mu.Lock()
	transport := o.transport
	forwarder := o.forwarder
	connected := o.state.SSH == SSHConnected
	o.mu.Unlock()
	if !connected || transport == nil || forwarder == nil {
		return nil, kinderr.New(kinderr.TransportNotConnected, "remote forward requires an active session", nil)
	}
	return forwarder.StartRemoteForward(transport, remoteListenHost, remoteListenPort, destHost, destPort)
}
