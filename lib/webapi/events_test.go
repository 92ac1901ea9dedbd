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

package webapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gravitational-student/sshbrowser/lib/session"
)

func TestEventsStreamDeliversOrchestratorEvents(t *testing.T) {
	t.Parallel()

	orchestrator := session.New(nil)
	h := NewHandler(Config{Orchestrator: orchestrator})

	server := httptest.NewServer(h)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to subscribe before the orchestrator state
	// changes, then drive one transition.
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	var got wireEvent
	go func() {
		_ = conn.ReadJSON(&got)
		close(done)
	}()

	// Stop on an idle orchestrator emits nothing, so drive a Start that
	// fails validation before dialing: it still emits ssh axis state events.
	orchestrator.Start(context.Background(), session.Options{}) //nolint:errcheck // the start is expected to fail

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
