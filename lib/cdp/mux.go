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

// Package cdp multiplexes a single Chrome DevTools Protocol WebSocket:
// request/response correlation by id, fan-out of unsolicited events to
// subscribers, and the page- and network-level adapters built on top of it.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/pubsub"
)

// DefaultConnectTimeout is used when Config.ConnectTimeout is zero.
const DefaultConnectTimeout = 5 * time.Second

// Message is an unsolicited CDP event delivered to subscribers.
type Message struct {
	Method string
	Params json.RawMessage
}

// versionInfo is the /json/version response shape.
type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// targetInfo is one /json/list entry.
type targetInfo struct {
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// wireRequest is the outbound {id, method, params} envelope.
type wireRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// wireResponse is the inbound frame shape, covering both responses (ID set)
// and events (Method set).
type wireResponse struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Config configures a Mux.
type Config struct {
	// Host is the locally reachable address the forwarded debug port
	// listens on, e.g. "127.0.0.1".
	Host           string
	Port           int
	ConnectTimeout time.Duration
	Log            logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "cdp-mux")
	}
}

type waiter struct {
	method string
	result json.RawMessage
	err    error
	done   chan struct{}
}

// Mux owns one CDP WebSocket connection: request/response correlation and
// event fan-out.
type Mux struct {
	cfg Config
	bus *pubsub.Bus[Message]

	mu       sync.Mutex
	conn     *websocket.Conn
	counter  int64
	waiters  map[int64]*waiter
	closed   bool
	closeErr error

	// writeMu serializes WriteMessage calls across concurrent Send callers;
	// gorilla/websocket forbids concurrent writers on one connection.
	writeMu sync.Mutex
}

// New returns a disconnected Mux.
func New(cfg Config) *Mux {
	cfg.setDefaults()
	return &Mux{cfg: cfg, bus: pubsub.NewBus[Message](), waiters: make(map[int64]*waiter)}
}

// Subscribe registers for unsolicited CDP events.
func (m *Mux) Subscribe() (<-chan Message, func()) {
	return pubsub.Subscribe(m.bus, 64)
}

// Connect selects a target (explicit targetID, or the discovery fallback
// described by the target-selection rule) and dials its WebSocket. Connect
// while already connected is a no-op.
func (m *Mux) Connect(ctx context.Context, targetID string) error {
	m.mu.Lock()
	alreadyConnected := m.conn != nil
	m.mu.Unlock()
	if alreadyConnected {
		return nil
	}

	wsURL, err := m.resolveTarget(ctx, targetID)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return kinderr.New(kinderr.CDPTimeout, "connecting to CDP websocket", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.closed = false
	m.closeErr = nil
	m.mu.Unlock()

	go m.readLoop(conn)
	return nil
}

func (m *Mux) resolveTarget(ctx context.Context, targetID string) (string, error) {
	base := fmt.Sprintf("http://%s:%d", m.cfg.Host, m.cfg.Port)

	if targetID == "" {
		version, err := fetchJSON[versionInfo](ctx, base+"/json/version")
		if err == nil && version.WebSocketDebuggerURL != "" {
			return m.rewriteHost(version.WebSocketDebuggerURL), nil
		}

		targets, err := fetchJSON[[]targetInfo](ctx, base+"/json/list")
		if err != nil {
			return "", kinderr.New(kinderr.CDPNoTarget, "listing CDP targets", err)
		}
		for _, target := range targets {
			if target.Type == "page" {
				return m.rewriteHost(target.WebSocketDebuggerURL), nil
			}
		}
		return "", kinderr.New(kinderr.CDPNoTarget, "no page target available", nil)
	}

	targets, err := fetchJSON[[]targetInfo](ctx, base+"/json/list")
	if err != nil {
		return "", kinderr.New(kinderr.CDPNoTarget, "listing CDP targets", err)
	}
	for _, target := range targets {
		if target.WebSocketDebuggerURL != "" && strings.Contains(target.WebSocketDebuggerURL, targetID) {
			return m.rewriteHost(target.WebSocketDebuggerURL), nil
		}
	}
	return "", kinderr.New(kinderr.CDPNoTarget, fmt.Sprintf("target %q not found", targetID), nil)
}

// rewriteHost replaces a "localhost" host component in wsURL with
// Config.Host when that host is not itself "localhost", for the
// tunneled-access case where the remote browser reports localhost but the
// client must dial through the forward's own loopback address.
func (m *Mux) rewriteHost(wsURL string) string {
	if m.cfg.Host == "localhost" || m.cfg.Host == "" {
		return wsURL
	}
	return strings.Replace(wsURL, "localhost", m.cfg.Host, 1)
}

func fetchJSON[T any](ctx context.Context, url string) (T, error) {
	var out T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func (m *Mux) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.failAll(kinderr.New(kinderr.CDPTransportClosed, "CDP websocket closed", err))
			return
		}

		var frame wireResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			m.cfg.Log.WithError(err).Warn("dropping malformed CDP frame")
			continue
		}

		if frame.ID != 0 {
			m.deliver(frame)
			continue
		}
		if frame.Method != "" {
			m.bus.Emit(Message{Method: frame.Method, Params: frame.Params})
		}
	}
}

func (m *Mux) deliver(frame wireResponse) {
	m.mu.Lock()
	w, ok := m.waiters[frame.ID]
	if ok {
		delete(m.waiters, frame.ID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if frame.Error != nil {
		w.err = kinderr.NewProtocolError(w.method, frame.Error.Code, frame.Error.Message)
	} else {
		w.result = frame.Result
	}
	close(w.done)
}

func (m *Mux) failAll(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = cause
	waiters := m.waiters
	m.waiters = make(map[int64]*waiter)
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	for _, w := range waiters {
		w.err = cause
		close(w.done)
	}
	if conn != nil {
		conn.Close()
	}
	m.bus.Emit(Message{Method: "__closed"})
}

// Send allocates a request id, writes {id, method, params} to the
// WebSocket, and blocks until the matching response arrives, ctx is
// cancelled, or the transport closes.
func (m *Mux) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed || m.conn == nil {
		err := m.closeErr
		m.mu.Unlock()
		if err == nil {
			err = kinderr.New(kinderr.CDPTransportClosed, "send on a disconnected CDP mux", nil)
		}
		return nil, err
	}
	m.counter++
	id := m.counter
	w := &waiter{method: method, done: make(chan struct{})}
	m.waiters[id] = w
	conn := m.conn
	m.mu.Unlock()

	payload, err := json.Marshal(wireRequest{ID: id, Method: method, Params: params})
	if err != nil {
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
		return nil, kinderr.New(kinderr.CDPProtocol, "marshaling CDP request", err)
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()
	if err != nil {
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
		return nil, kinderr.New(kinderr.CDPTransportClosed, "writing CDP request", err)
	}

	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
		return nil, kinderr.New(kinderr.CDPTimeout, fmt.Sprintf("%s timed out", method), ctx.Err())
	}
}

// Disconnect closes the WebSocket and fails every outstanding waiter.
// Disconnect is idempotent.
func (m *Mux) Disconnect() error {
	m.failAll(kinderr.New(kinderr.CDPTransportClosed, "CDP mux disconnected", nil))
	return nil
}
