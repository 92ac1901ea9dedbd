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
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/configstore"
	"github.com/gravitational-student/sshbrowser/lib/session"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// Config wires the GUI server to the core components it fronts.
type Config struct {
	Connections  configstore.ConnectionStore
	Settings     configstore.SettingsStore
	Orchestrator *session.Orchestrator
	// Pool is used by the connection-test endpoint to dial a descriptor
	// without disturbing Orchestrator's own transport. A nil Pool makes
	// testConnection dial and tear down a one-off Transport instead.
	Pool *sshtransport.Pool
	Log  logrus.FieldLogger
}

// Handler implements the GUI server's JSON endpoint table over httprouter,
// using a func(w, r, params) (interface{}, error) handler idiom.
type Handler struct {
	cfg      Config
	log      logrus.FieldLogger
	router   *httprouter.Router
	upgrader websocket.Upgrader
}

// NewHandler builds the routed http.Handler for the GUI server.
func NewHandler(cfg Config) *Handler {
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "webapi")
	}
	h := &Handler{
		cfg:      cfg,
		log:      cfg.Log,
		router:   httprouter.New(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	h.bindRoutes()
	return h
}

func (h *Handler) bindRoutes() {
	h.router.GET("/api/connections", wrap(h.log, h.listConnections))
	h.router.POST("/api/connections", wrap(h.log, h.addConnection))
	h.router.PUT("/api/connections/:id", wrap(h.log, h.updateConnection))
	h.router.DELETE("/api/connections/:id", wrap(h.log, h.removeConnection))
	h.router.POST("/api/connections/:id/test", wrap(h.log, h.testConnection))

	h.router.POST("/api/session/start", wrap(h.log, h.startSession))
	h.router.POST("/api/session/stop", wrap(h.log, h.stopSession))
	h.router.GET("/api/session/status", wrap(h.log, h.sessionStatus))

	h.router.POST("/api/browser/navigate", wrap(h.log, h.browserNavigate))
	h.router.POST("/api/browser/back", wrap(h.log, h.browserBack))
	h.router.POST("/api/browser/forward", wrap(h.log, h.browserForward))
	h.router.POST("/api/browser/reload", wrap(h.log, h.browserReload))
	h.router.POST("/api/browser/screenshot", wrap(h.log, h.browserScreenshot))
	h.router.POST("/api/browser/evaluate", wrap(h.log, h.browserEvaluate))

	h.router.POST("/api/network/start", wrap(h.log, h.networkStart))
	h.router.POST("/api/network/stop", wrap(h.log, h.networkStop))
	h.router.POST("/api/network/clear", wrap(h.log, h.networkClear))
	h.router.GET("/api/network/entries", wrap(h.log, h.networkEntries))
	h.router.GET("/api/network/export", h.networkExport)

	h.router.GET("/api/events", h.serveEvents)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Server wraps an http.Server bound to Handler with graceful shutdown.
type Server struct {
	httpServer *http.Server
}

// NewServer starts listening has not happened yet; call Serve to start.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{httpServer: &http.Server{Addr: addr, Handler: handler}}
}

// Serve blocks serving HTTP until the server is shut down.
func (s *Server) Serve() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
