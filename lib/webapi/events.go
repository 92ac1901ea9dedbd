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
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// wireEvent is the envelope every message on /api/events carries: a type
// tag, a JSON-able payload, and a send-time timestamp in epoch millis.
type wireEvent struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// serveEvents upgrades to a WebSocket and streams SessionOrchestrator
// lifecycle events as {type, payload, timestamp} frames until the client
// disconnects.
func (h *Handler) serveEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade /api/events")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.cfg.Orchestrator.Subscribe()
	defer unsubscribe()

	// Drain client reads so gorilla/websocket's control-frame handling
	// (ping/pong, close) keeps working; this server never expects inbound
	// application messages on this stream.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(wireEvent{Type: ev.Kind, Payload: ev, Timestamp: time.Now().UnixMilli()}); err != nil {
			return
		}
	}
}
