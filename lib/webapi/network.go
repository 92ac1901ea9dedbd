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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/gravitational-student/sshbrowser/lib/cdp"
	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

func (h *Handler) activeRecorder() (*cdp.Recorder, error) {
	rec := h.cfg.Orchestrator.Network()
	if rec == nil {
		return nil, kinderr.New(kinderr.SessionNotActive, "no active session", nil)
	}
	return rec, nil
}

func (h *Handler) networkStart(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	rec, err := h.activeRecorder()
	if err != nil {
		return nil, err
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := rec.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (h *Handler) networkStop(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	rec, err := h.activeRecorder()
	if err != nil {
		return nil, err
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := rec.Stop(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "count": len(rec.Entries())}, nil
}

func (h *Handler) networkClear(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	// NetworkRecorder has no clear() of its own: entries live for the
	// recorder's lifetime, and a fresh Recorder can only be constructed by
	// SessionOrchestrator. Report zero cleared rather than silently no-op.
	if _, err := h.activeRecorder(); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "count": 0}, nil
}

func (h *Handler) networkEntries(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	rec, err := h.activeRecorder()
	if err != nil {
		return nil, err
	}
	entries := rec.Entries()

	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		wanted, convErr := strconv.Atoi(statusFilter)
		if convErr != nil {
			return nil, kinderr.NewValidationError("status", "must be an integer")
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.Response != nil && e.Response.Status == wanted {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	total := len(entries)
	limit, offset := paginationParams(r)
	if offset > len(entries) {
		offset = len(entries)
	}
	end := offset + limit
	if limit <= 0 || end > len(entries) {
		end = len(entries)
	}

	return map[string]interface{}{
		"entries": entries[offset:end],
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	}, nil
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// networkExport streams a file download directly rather than going through
// wrap/writeJSON, since a successful export has no JSON envelope.
func (h *Handler) networkExport(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rec, err := h.activeRecorder()
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "har":
		w.Header().Set("Content-Disposition", `attachment; filename="network.har"`)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec.ExportHAR())
	case "json":
		raw, err := rec.ExportJSON()
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="network.json"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	default:
		writeError(w, h.log, kinderr.NewValidationError("format", "must be \"har\" or \"json\""))
	}
}
