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

	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// redactedSecret is the fixed sentinel the secret-handling rule replaces a
// password with on any response echoing a connection descriptor.
const redactedSecret = "********"

// redact returns d with its password replaced by redactedSecret. Private
// key paths are not secrets and pass through unchanged.
func redact(d sshtransport.Descriptor) sshtransport.Descriptor {
	if d.AuthKind == sshtransport.AuthPassword {
		d.Secret = redactedSecret
	}
	d.Passphrase = ""
	return d
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	conns, err := h.cfg.Connections.List()
	if err != nil {
		return nil, err
	}
	redacted := make([]sshtransport.Descriptor, 0, len(conns))
	for _, c := range conns {
		redacted = append(redacted, redact(c))
	}
	return map[string]interface{}{"connections": redacted}, nil
}

func (h *Handler) addConnection(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var d sshtransport.Descriptor
	if err := readJSON(r, &d); err != nil {
		return nil, err
	}
	id, err := h.cfg.Connections.Add(d)
	if err != nil {
		return nil, err
	}
	w.WriteHeader(http.StatusCreated)
	return map[string]string{"id": id}, nil
}

func (h *Handler) updateConnection(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id := p.ByName("id")
	existing, err := h.cfg.Connections.Get(id)
	if err != nil {
		return nil, err
	}

	var patch sshtransport.Descriptor
	if err := readJSON(r, &patch); err != nil {
		return nil, err
	}
	merged := mergeDescriptor(existing, patch)

	if err := h.cfg.Connections.Update(id, merged); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// mergeDescriptor applies non-zero fields of patch onto base, so a PUT body
// only needs to carry the fields it changes.
func mergeDescriptor(base, patch sshtransport.Descriptor) sshtransport.Descriptor {
	if patch.Name != "" {
		base.Name = patch.Name
	}
	if patch.Host != "" {
		base.Host = patch.Host
	}
	if patch.Port != 0 {
		base.Port = patch.Port
	}
	if patch.Username != "" {
		base.Username = patch.Username
	}
	if patch.AuthKind != "" {
		base.AuthKind = patch.AuthKind
	}
	if patch.Secret != "" && patch.Secret != redactedSecret {
		base.Secret = patch.Secret
	}
	if patch.Passphrase != "" {
		base.Passphrase = patch.Passphrase
	}
	return base
}

func (h *Handler) removeConnection(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id := p.ByName("id")
	if err := h.cfg.Connections.Remove(id); err != nil {
		return nil, err
	}
	if h.cfg.Pool != nil {
		h.cfg.Pool.Evict(id)
	}
	return map[string]bool{"success": true}, nil
}

// testConnection dials the descriptor's SSHTransport and reports whether
// the credentials and network path are valid, without starting a full
// session. When a Pool is configured the dial goes through it so a
// successful test leaves a warm entry in the pool (session start does not
// draw from the pool); otherwise a one-off Transport is dialed and
// immediately torn down.
func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	d, err := h.cfg.Connections.Get(p.ByName("id"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	if h.cfg.Pool != nil {
		if _, err := h.cfg.Pool.Get(ctx, d); err != nil {
			return map[string]interface{}{"success": false, "message": err.Error()}, nil
		}
		h.cfg.Pool.Release(d.ID)
		return map[string]interface{}{"success": true, "message": "connected"}, nil
	}

	transport := sshtransport.New(sshtransport.Config{Descriptor: d, Log: h.log})
	if err := transport.Connect(ctx); err != nil {
		return map[string]interface{}{"success": false, "message": err.Error()}, nil
	}
	transport.Disconnect()
	return map[string]interface{}{"success": true, "message": "connected"}, nil
}
