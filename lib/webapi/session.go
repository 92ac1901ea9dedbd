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

	"github.com/julienschmidt/httprouter"

	"github.com/gravitational-student/sshbrowser/lib/browser"
	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/session"
)

type startSessionRequest struct {
	ConnectionID string `json:"connectionId"`
	Headless     *bool  `json:"headless,omitempty"`
	LocalPort    int    `json:"localPort,omitempty"`
	RemotePort   int    `json:"remotePort,omitempty"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req startSessionRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	if req.ConnectionID == "" {
		return nil, kinderr.NewValidationError("connectionId", "must not be empty")
	}

	descriptor, err := h.cfg.Connections.Get(req.ConnectionID)
	if err != nil {
		return nil, err
	}

	browserSettings := h.cfg.Settings.BrowserSettings()
	forwardDefaults := h.cfg.Settings.PortForwardDefaults()

	headless := browserSettings.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}
	localPort := forwardDefaults.LocalPort
	if req.LocalPort != 0 {
		localPort = req.LocalPort
	}
	remotePort := forwardDefaults.RemotePort
	if req.RemotePort != 0 {
		remotePort = req.RemotePort
	}
	debugPort := browserSettings.DebugPort
	if remotePort != 0 {
		debugPort = remotePort
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	err = h.cfg.Orchestrator.Start(ctx, session.Options{
		Descriptor: descriptor,
		LocalPort:  localPort,
		RemotePort: remotePort,
		BrowserOpts: browser.LaunchOptions{
			ExecutablePath: browserSettings.ExecutablePath,
			Headless:       headless,
			DebugPort:      debugPort,
		},
	})
	if err != nil {
		return nil, err
	}

	_ = h.cfg.Connections.SetLastConnectionID(req.ConnectionID)
	return map[string]interface{}{"success": true, "state": h.cfg.Orchestrator.State()}, nil
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := h.cfg.Orchestrator.Stop(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	state := h.cfg.Orchestrator.State()
	active := state.SSH == session.SSHConnected
	if !active {
		return map[string]interface{}{"active": false, "state": nil}, nil
	}
	return map[string]interface{}{"active": true, "state": state}, nil
}
