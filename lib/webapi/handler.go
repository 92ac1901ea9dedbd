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

// Package webapi is the JSON-over-HTTP/WebSocket GUI server: thin glue that
// renders SessionOrchestrator, ConnectionStore, and SettingsStore over the
// endpoint table, using a func(w, r, params) (interface{}, error) handler
// shape wrapped into a {error:{code,message}} envelope convention.
package webapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

// handlerFunc is the shape every route handler implements: it returns a
// JSON-able payload on success, or an error to be rendered as an envelope.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// errorEnvelope is the {error:{code,message}} shape on any handler failure.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrap adapts handlerFunc to httprouter.Handle: it renders the returned
// value as a 200 JSON body, or the returned error as an envelope with a
// status chosen from its kinderr.Kind.
func wrap(log logrus.FieldLogger, h handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		result, err := h(w, r, p)
		if err != nil {
			writeError(w, log, err)
			return
		}
		if result == nil {
			result = map[string]bool{"success": true}
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {error:{code,message}} with a status derived
// from its kind: 400 for validation/missing-session, 404 for not-found,
// 500 otherwise, per the error handling design's HTTP boundary rule.
func writeError(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	kind := kinderr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case kinderr.Validation, kinderr.SessionAlreadyActive, kinderr.SessionNotActive, kinderr.ConfigInvalid:
		status = http.StatusBadRequest
	}
	if trace.IsNotFound(err) || (kind == kinderr.ConfigInvalid && strings.Contains(err.Error(), "not found")) {
		status = http.StatusNotFound
	}

	var envelope errorEnvelope
	envelope.Error.Code = string(kind)
	if envelope.Error.Code == "" {
		envelope.Error.Code = "internal"
	}
	envelope.Error.Message = err.Error()

	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, envelope)
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return kinderr.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}
