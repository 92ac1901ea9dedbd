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

// Package forward implements LocalForwarder: a local TCP listener whose
// accepted sockets are bidirectionally proxied to channels opened through an
// SSHTransport, plus its remote-forward counterpart.
package forward

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/pubsub"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// RuleState is one of the forward rule's lifecycle positions.
type RuleState string

const (
	Inactive RuleState = "inactive"
	Active   RuleState = "active"
	Errored  RuleState = "error"
)

// Event is emitted for every rule's lifecycle and per-connection errors.
type Event struct {
	// Kind is one of "started", "stopped", "connError".
	Kind   string
	RuleID string
	Err    error
}

// Rule mirrors the forward rule data model: created on start, destroyed on
// stop, draining activeConns by destroying each.
type Rule struct {
	ID          string
	LocalAddr   string
	LocalPort   int
	RemoteHost  string
	RemotePort  int
	State       RuleState
	listener    net.Listener
	cancel      context.CancelFunc
	activeConns map[string]net.Conn
	mu          sync.Mutex
}

// channelOpener abstracts sshtransport.Transport.OpenChannel so forward can
// be unit tested against a fake without a real SSH handshake.
type channelOpener interface {
	OpenChannel(ctx context.Context, host string, port int, origin sshtransport.Origin) (net.Conn, error)
}

// Forwarder owns zero or more active Rules against one transport.
type Forwarder struct {
	transport channelOpener
	bus       *pubsub.Bus[Event]
	log       logrus.FieldLogger

	mu    sync.Mutex
	rules map[string]*Rule
}

// New returns a Forwarder that opens channels through transport.
func New(transport channelOpener, log logrus.FieldLogger) *Forwarder {
	if log == nil {
		log = logrus.WithField("component", "forward")
	}
	return &Forwarder{
		transport: transport,
		bus:       pubsub.NewBus[Event](),
		log:       log,
		rules:     make(map[string]*Rule),
	}
}

// Subscribe registers for forward lifecycle and per-connection error events.
func (f *Forwarder) Subscribe() (<-chan Event, func()) {
	return pubsub.Subscribe(f.bus, 16)
}

// StartLocal binds localHost:localPort and proxies every accepted socket to
// a direct-tcpip channel at remoteHost:remotePort, reporting the accepted
// peer's address as the channel's origin tuple.
func (f *Forwarder) StartLocal(localHost string, localPort int, remoteHost string, remotePort int) (*Rule, error) {
	addr := fmt.Sprintf("%s:%d", localHost, localPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, kinderr.New(kinderr.PortForward, "binding local listener", err)
	}

	actualAddr := listener.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithCancel(context.Background())
	rule := &Rule{
		ID:          uuid.NewString(),
		LocalAddr:   localHost,
		LocalPort:   actualAddr.Port,
		RemoteHost:  remoteHost,
		RemotePort:  remotePort,
		State:       Active,
		listener:    listener,
		cancel:      cancel,
		activeConns: make(map[string]net.Conn),
	}

	f.mu.Lock()
	f.rules[rule.ID] = rule
	f.mu.Unlock()

	go f.acceptLoop(ctx, rule)

	f.bus.Emit(Event{Kind: "started", RuleID: rule.ID})
	return rule, nil
}

func (f *Forwarder) acceptLoop(ctx context.Context, rule *Rule) {
	for {
		conn, err := acceptWithContext(ctx, rule.listener)
		if err != nil {
			return
		}
		go f.proxyConn(ctx, rule, conn)
	}
}

// acceptWithContext unblocks Accept when ctx is cancelled, the way a
// cancellable forward listener must stop without an explicit timeout.
func acceptWithContext(ctx context.Context, listener net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}
}

func (f *Forwarder) proxyConn(ctx context.Context, rule *Rule, local net.Conn) {
	peer, _ := net.ResolveTCPAddr("tcp", local.RemoteAddr().String())
	origin := sshtransport.Origin{}
	if peer != nil {
		origin = sshtransport.Origin{Host: peer.IP.String(), Port: peer.Port}
	}

	remote, err := f.transport.OpenChannel(ctx, rule.RemoteHost, rule.RemotePort, origin)
	if err != nil {
		local.Close()
		f.bus.Emit(Event{Kind: "connError", RuleID: rule.ID, Err: kinderr.New(kinderr.PortForward, "opening channel", err)})
		return
	}

	connID := uuid.NewString()
	rule.mu.Lock()
	rule.activeConns[connID] = local
	rule.mu.Unlock()

	defer func() {
		rule.mu.Lock()
		delete(rule.activeConns, connID)
		rule.mu.Unlock()
		local.Close()
		remote.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
		if cw, ok := remote.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
		if cw, ok := local.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	wg.Wait()
}

// Stop destroys every active socket pair for ruleID, closes its listener,
// and removes the rule. Stop is idempotent.
func (f *Forwarder) Stop(ruleID string) error {
	f.mu.Lock()
	rule, ok := f.rules[ruleID]
	if ok {
		delete(f.rules, ruleID)
	}
	f.mu.Unlock()
	if !ok {
		return nil
	}
	f.stopRule(rule)
	return nil
}

func (f *Forwarder) stopRule(rule *Rule) {
	rule.cancel()
	if rule.listener != nil {
		rule.listener.Close()
	}

	rule.mu.Lock()
	conns := make([]net.Conn, 0, len(rule.activeConns))
	for _, c := range rule.activeConns {
		conns = append(conns, c)
	}
	rule.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	rule.State = Inactive
	f.bus.Emit(Event{Kind: "stopped", RuleID: rule.ID})
}

// StopAll stops every active rule, in no particular order, swallowing
// nothing — each rule's own teardown errors never surface since Stop
// already treats them as best-effort.
func (f *Forwarder) StopAll() {
	f.mu.Lock()
	rules := make([]*Rule, 0, len(f.rules))
	for _, r := range f.rules {
		rules = append(rules, r)
	}
	f.rules = make(map[string]*Rule)
	f.mu.Unlock()

	for _, r := range rules {
		f.stopRule(r)
	}
}

// List returns a snapshot of every currently tracked rule.
func (f *Forwarder) List() []*Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Rule, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out
}
