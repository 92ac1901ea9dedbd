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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-student/sshbrowser/lib/configstore"
	"github.com/gravitational-student/sshbrowser/lib/session"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := configstore.NewFileConfigStore(t.TempDir())
	require.NoError(t, err)
	return NewHandler(Config{
		Connections:  store,
		Settings:     store,
		Orchestrator: session.New(nil),
	})
}

func TestAddConnectionThenListRedactsPassword(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	body := `{"name":"dev","host":"h","port":22,"username":"u","authKind":"password","secret":"s3cret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/connections", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	listRec := httptest.NewRecorder()
	h.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	require.NotContains(t, listRec.Body.String(), "s3cret")
	require.Contains(t, listRec.Body.String(), redactedSecret)
}

func TestTestConnectionRoutesThroughPoolWhenConfigured(t *testing.T) {
	t.Parallel()
	store, err := configstore.NewFileConfigStore(t.TempDir())
	require.NoError(t, err)
	pool := sshtransport.NewPool(sshtransport.PoolConfig{ReconnectAttempts: 1, ReconnectDelay: time.Millisecond})
	t.Cleanup(pool.Close)
	h := NewHandler(Config{
		Connections:  store,
		Settings:     store,
		Orchestrator: session.New(nil),
		Pool:         pool,
	})

	body := `{"name":"dev","host":"127.0.0.1","port":1,"username":"u","authKind":"password","secret":"s"}`
	addReq := httptest.NewRequest(http.MethodPost, "/api/connections", strings.NewReader(body))
	addRec := httptest.NewRecorder()
	h.ServeHTTP(addRec, addReq)
	require.Equal(t, http.StatusCreated, addRec.Code)
	var added map[string]string
	require.NoError(t, json.Unmarshal(addRec.Body.Bytes(), &added))

	testReq := httptest.NewRequest(http.MethodPost, "/api/connections/"+added["id"]+"/test", nil)
	testRec := httptest.NewRecorder()
	h.ServeHTTP(testRec, testReq)
	require.Equal(t, http.StatusOK, testRec.Code)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(testRec.Body.Bytes(), &result))
	require.Equal(t, false, result["success"])
	require.NotEmpty(t, result["message"])
}

func TestRemoveUnknownConnectionReturns404(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/connections/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Error.Message)
}

func TestStartSessionValidatesBody(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/session/start", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionStatusInactiveByDefault(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/session/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, false, status["active"])
}

func TestBrowserNavigateWithoutSessionFails(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/browser/navigate", strings.NewReader(`{"url":"https://example.com"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNetworkExportWithoutSessionFails(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/network/export?format=har", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
