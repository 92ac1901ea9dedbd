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

// Package sshtransport implements SSHTransport: an authenticated connection
// to a remote host that can run commands and open direct-tcpip channels for
// LocalForwarder, with keepalive-driven liveness detection.
package sshtransport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/pubsub"
	"github.com/gravitational-student/sshbrowser/lib/sshutils"
)

// State is one of the three positions of the ssh axis.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

const (
	// DefaultConnectTimeout is used when Config.ConnectTimeout is zero.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultKeepAliveInterval is used when Config.KeepAliveInterval is zero.
	DefaultKeepAliveInterval = 5 * time.Second
	// DefaultKeepAliveCountMax is the number of missed keepalives before the
	// transport is considered lost.
	DefaultKeepAliveCountMax = 3
)

// Event is emitted on the transport's pubsub.Bus.
type Event struct {
	// Kind is one of "ready", "close", "error", "timeout".
	Kind string
	// Err is populated for Kind == "error".
	Err error
}

// Config configures a Transport. Descriptor is required; the timeouts fall
// back to the package defaults when zero.
type Config struct {
	Descriptor        Descriptor
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveCountMax int
	Log               logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveCountMax <= 0 {
		c.KeepAliveCountMax = DefaultKeepAliveCountMax
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "ssh-transport")
	}
}

// Transport is an authenticated SSH connection to one remote host.
type Transport struct {
	cfg Config
	bus *pubsub.Bus[Event]

	mu     sync.Mutex
	state  State
	client *ssh.Client
	cancel context.CancelFunc
}

// New constructs a Transport in the disconnected state. Call Connect to
// establish the session.
func New(cfg Config) *Transport {
	cfg.setDefaults()
	return &Transport{cfg: cfg, bus: pubsub.NewBus[Event](), state: Disconnected}
}

// Subscribe registers for transport events (ready/close/error/timeout).
func (t *Transport) Subscribe() (<-chan Event, func()) {
	return pubsub.Subscribe(t.bus, 16)
}

// State returns the current ssh axis value.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether the transport currently has a live client.
func (t *Transport) IsConnected() bool {
	return t.State() == Connected
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Connect dials the remote host and performs authentication. Connect is a
// no-op when already connected.
func (t *Transport) Connect(ctx context.Context) error {
	if t.IsConnected() {
		return nil
	}
	t.setState(Connecting)

	authMethod, err := loadAuthMethod(t.cfg.Descriptor)
	if err != nil {
		t.setState(Disconnected)
		classified := classifyError(err)
		t.bus.Emit(Event{Kind: "error", Err: classified})
		return trace.Wrap(classified)
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.Descriptor.Username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Descriptor.Host, t.cfg.Descriptor.Port)

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	client, err := dialContext(dialCtx, addr, clientCfg)
	if err != nil {
		t.setState(Disconnected)
		classified := classifyError(err)
		t.bus.Emit(Event{Kind: "error", Err: classified})
		return trace.Wrap(classified)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.client = client
	t.cancel = runCancel
	t.state = Connected
	t.mu.Unlock()

	go t.monitor(runCtx, client)

	t.bus.Emit(Event{Kind: "ready"})
	return nil
}

// dialContext dials addr and performs the SSH handshake, unblocking on
// ctx.Done() the same way acceptWithContext unblocks a pending Accept.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
		if err != nil {
			done <- result{err: err}
			return
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case r := <-done:
		return r.client, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// monitor sends periodic keepalive requests; after KeepAliveCountMax
// consecutive failures it emits timeout, then tears the transport down and
// emits error/close.
func (t *Transport) monitor(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@sshbrowser", true, nil)
			if err != nil {
				misses++
				t.cfg.Log.WithError(err).Warnf("keepalive miss %d/%d", misses, t.cfg.KeepAliveCountMax)
				if misses >= t.cfg.KeepAliveCountMax {
					t.cfg.Log.Warn("keepalive threshold exceeded, closing transport")
					t.bus.Emit(Event{Kind: "timeout"})
					t.teardown(kinderr.New(kinderr.Connection, "keepalive timeout", nil))
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// teardown closes the client and emits close/error exactly once.
func (t *Transport) teardown(cause error) {
	t.mu.Lock()
	client := t.client
	cancel := t.cancel
	t.client = nil
	t.cancel = nil
	if t.state == Disconnected {
		t.mu.Unlock()
		return
	}
	t.state = Disconnected
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
	if cause != nil {
		t.bus.Emit(Event{Kind: "error", Err: cause})
	}
	t.bus.Emit(Event{Kind: "close"})
}

// Disconnect closes the transport. Disconnect is a no-op when not
// connected; the underlying transport closing cascades to every open
// channel.
func (t *Transport) Disconnect() error {
	if !t.IsConnected() {
		return nil
	}
	t.teardown(nil)
	return nil
}

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs cmd on the remote host and waits up to timeout for completion.
func (t *Transport) Exec(ctx context.Context, cmd string, timeout time.Duration) (*ExecResult, error) {
	t.mu.Lock()
	client := t.client
	connected := t.state == Connected
	t.mu.Unlock()
	if !connected || client == nil {
		return nil, kinderr.New(kinderr.TransportNotConnected, "exec requires a connected transport", nil)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, trace.Wrap(classifyError(err))
	}
	defer session.Close()

	if timeout <= 0 {
		timeout = t.cfg.ConnectTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		done <- result{err: session.Run(cmd)}
	}()

	select {
	case r := <-done:
		exitCode := 0
		if r.err != nil {
			if exitErr, ok := r.err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, trace.Wrap(classifyError(r.err))
			}
		}
		return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	case <-execCtx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, kinderr.New(kinderr.Timeout, fmt.Sprintf("exec %q timed out", cmd), execCtx.Err())
	}
}

// Origin describes the source tuple reported to the SSH server when opening
// a direct-tcpip channel, per LocalForwarder's requirement to report the
// accepted peer's address as the originator.
type Origin struct {
	Host string
	Port int
}

// Listen asks the remote host to listen on host:port and returns a
// net.Listener whose Accept yields one connection per inbound tcpip-forward
// channel, for the remote-forward variant of LocalForwarder.
func (t *Transport) Listen(host string, port int) (net.Listener, error) {
	t.mu.Lock()
	client := t.client
	connected := t.state == Connected
	t.mu.Unlock()
	if !connected || client == nil {
		return nil, kinderr.New(kinderr.TransportNotConnected, "listen requires a connected transport", nil)
	}
	listener, err := client.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, trace.Wrap(classifyError(err))
	}
	return listener, nil
}

// directTCPIPPayload is the wire payload for an SSH "direct-tcpip" channel
// open request (RFC 4254 §7.2).
type directTCPIPPayload struct {
	DestHost string
	DestPort uint32
	OrigHost string
	OrigPort uint32
}

// OpenChannel opens a direct-tcpip channel to host:port, reporting origin as
// the connection's source tuple. A zero Origin reports 0.0.0.0:0.
func (t *Transport) OpenChannel(ctx context.Context, host string, port int, origin Origin) (net.Conn, error) {
	t.mu.Lock()
	client := t.client
	conn := t.client
	connected := t.state == Connected
	t.mu.Unlock()
	if !connected || client == nil {
		return nil, kinderr.New(kinderr.TransportNotConnected, "openChannel requires a connected transport", nil)
	}

	if origin.Host == "" {
		origin.Host = "0.0.0.0"
	}

	payload := ssh.Marshal(directTCPIPPayload{
		DestHost: host,
		DestPort: uint32(port),
		OrigHost: origin.Host,
		OrigPort: uint32(origin.Port),
	})

	type result struct {
		ch  ssh.Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, reqs, err := conn.OpenChannel("direct-tcpip", payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
		done <- result{ch: ch, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, trace.Wrap(classifyError(r.err))
		}
		return sshutils.NewChConn(conn.Conn, r.ch), nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// classifyError maps an underlying error to the stable kinds named in the
// failure classification rule: authentication-related text becomes "auth",
// timeouts become "timeout", everything else becomes "connection". The
// original message is preserved as the wrapped cause.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if ke := kinderr.KindOf(err); ke != "" {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"), strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "passphrase"):
		return kinderr.New(kinderr.Auth, err.Error(), err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return kinderr.New(kinderr.Timeout, err.Error(), err)
	default:
		return kinderr.New(kinderr.Connection, err.Error(), err)
	}
}
