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

package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

var upgrader = websocket.Upgrader{}

// fakeCDPServer serves /json/version and /json/list like a real browser,
// and upgrades the reported websocket URL to a scripted connection.
type fakeCDPServer struct {
	httpServer *httptest.Server
	onFrame    func(conn *websocket.Conn, frame map[string]interface{})
}

func startFakeCDPServer(t *testing.T, onFrame func(conn *websocket.Conn, frame map[string]interface{})) *fakeCDPServer {
	t.Helper()
	fs := &fakeCDPServer{onFrame: onFrame}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := fmt.Sprintf("ws://%s/devtools/page/1", r.Host)
		json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go fs.serveConn(conn)
	})

	fs.httpServer = httptest.NewServer(mux)
	t.Cleanup(fs.httpServer.Close)
	return fs
}

func (fs *fakeCDPServer) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		json.Unmarshal(data, &frame)
		fs.onFrame(conn, frame)
	}
}

func (fs *fakeCDPServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(fs.httpServer.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestMuxSendReceivesResult(t *testing.T) {
	t.Parallel()

	server := startFakeCDPServer(t, func(conn *websocket.Conn, frame map[string]interface{}) {
		id := frame["id"]
		conn.WriteJSON(map[string]interface{}{"id": id, "result": map[string]interface{}{"ok": true}})
	})
	host, port := server.hostPort(t)

	m := New(Config{Host: host, Port: port, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, ""))
	t.Cleanup(func() { m.Disconnect() })

	result, err := m.Send(ctx, "Page.enable", nil)
	require.NoError(t, err)
	require.Contains(t, string(result), "\"ok\":true")
}

func TestMuxSendReceivesProtocolError(t *testing.T) {
	t.Parallel()

	server := startFakeCDPServer(t, func(conn *websocket.Conn, frame map[string]interface{}) {
		id := frame["id"]
		conn.WriteJSON(map[string]interface{}{"id": id, "error": map[string]interface{}{"code": -32000, "message": "boom"}})
	})
	host, port := server.hostPort(t)

	m := New(Config{Host: host, Port: port, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, ""))
	t.Cleanup(func() { m.Disconnect() })

	_, err := m.Send(ctx, "Page.navigate", nil)
	require.Error(t, err)
	require.Equal(t, kinderr.CDPProtocol, kinderr.KindOf(err))
	require.Contains(t, err.Error(), "boom")
}

func TestMuxEmitsUnsolicitedEvents(t *testing.T) {
	t.Parallel()

	server := startFakeCDPServer(t, func(conn *websocket.Conn, frame map[string]interface{}) {})
	host, port := server.hostPort(t)

	m := New(Config{Host: host, Port: port, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, ""))
	t.Cleanup(func() { m.Disconnect() })

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"method": "Page.loadEventFired", "params": map[string]interface{}{}}))

	select {
	case ev := <-events:
		require.Equal(t, "Page.loadEventFired", ev.Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMuxFailsAllWaitersOnClose(t *testing.T) {
	t.Parallel()

	server := startFakeCDPServer(t, func(conn *websocket.Conn, frame map[string]interface{}) {
		conn.Close()
	})
	host, port := server.hostPort(t)

	m := New(Config{Host: host, Port: port, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, ""))

	_, err := m.Send(ctx, "Page.enable", nil)
	require.Error(t, err)
	require.Equal(t, kinderr.CDPTransportClosed, kinderr.KindOf(err))

	_, err = m.Send(ctx, "Page.enable", nil)
	require.Error(t, err)
	require.Equal(t, kinderr.CDPTransportClosed, kinderr.KindOf(err))
}

func TestMuxSendSerializesConcurrentWrites(t *testing.T) {
	t.Parallel()

	server := startFakeCDPServer(t, func(conn *websocket.Conn, frame map[string]interface{}) {
		id := frame["id"]
		conn.WriteJSON(map[string]interface{}{"id": id, "result": map[string]interface{}{"ok": true}})
	})
	host, port := server.hostPort(t)

	m := New(Config{Host: host, Port: port, ConnectTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, ""))
	t.Cleanup(func() { m.Disconnect() })

	// Mirrors PageAdapter.Enable firing Page.enable/Runtime.enable/DOM.enable
	// from separate goroutines: nothing here should panic or error with a
	// concurrent write to the underlying websocket.
	const concurrency = 8
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			_, err := m.Send(ctx, "Page.enable", nil)
			errs <- err
		}()
	}
	for i := 0; i < concurrency; i++ {
		require.NoError(t, <-errs)
	}
}

func TestMuxConnectNoPageTargetFails(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{{"type": "background_page"}})
	})
	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)

	u, err := url.Parse(httpServer.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := New(Config{Host: host, Port: port, ConnectTimeout: time.Second})
	err = m.Connect(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, kinderr.CDPNoTarget, kinderr.KindOf(err))
}
