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

// Command sshbrowser-gui is the thin HTTP/WebSocket daemon front end over
// the session orchestrator core: it owns the process-wide ConfigStore,
// Orchestrator, and connection Pool, and serves lib/webapi's endpoint table
// until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/configstore"
	"github.com/gravitational-student/sshbrowser/lib/session"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
	"github.com/gravitational-student/sshbrowser/lib/utils"
	"github.com/gravitational-student/sshbrowser/lib/webapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	app := utils.InitCLIParser("sshbrowser-gui", "Serve the browser-automation GUI's JSON/WebSocket API.")

	var addr, configDir string
	var debug bool
	app.Flag("addr", "Address to listen on").Default("127.0.0.1:8787").StringVar(&addr)
	app.Flag("config-dir", fmt.Sprintf("Config directory (default ~/%s)", configstore.DefaultDirName)).StringVar(&configDir)
	app.Flag("debug", "Enable verbose logging").BoolVar(&debug)

	if _, err := app.Parse(args); err != nil {
		return err
	}

	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)
	log := logrus.WithField("component", "sshbrowser-gui")

	store, err := configstore.NewFileConfigStore(configDir)
	if err != nil {
		return err
	}

	pool := sshtransport.NewPool(sshtransport.PoolConfig{Log: log})
	defer pool.Close()

	orch := session.New(log)
	handler := webapi.NewHandler(webapi.Config{
		Connections:  store,
		Settings:     store,
		Orchestrator: orch,
		Pool:         pool,
		Log:          log,
	})
	server := webapi.NewServer(addr, handler)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()
	log.Infof("listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigCh:
		log.Infof("captured %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if orch.State().SSH != session.SSHDisconnected {
		_ = orch.Stop(ctx)
	}
	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return <-serveErr
}
