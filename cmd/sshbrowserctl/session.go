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

package main

import (
	"context"
	"fmt"

	"github.com/gravitational/kingpin"

	"github.com/gravitational-student/sshbrowser/lib/browser"
	"github.com/gravitational-student/sshbrowser/lib/configstore"
	"github.com/gravitational-student/sshbrowser/lib/session"
)

// sessionCommand implements `sshbrowserctl session start/stop/status`.
type sessionCommand struct {
	start  *kingpin.CmdClause
	stop   *kingpin.CmdClause
	status *kingpin.CmdClause

	connectionID string
	headless     bool
	localPort    int
	remotePort   int
}

func (c *sessionCommand) Initialize(app *kingpin.Application) {
	sess := app.Command("session", "Start, stop, or inspect the active session")

	c.start = sess.Command("start", "Start a session against a saved connection")
	c.start.Arg("connection-id", "Saved connection id").Required().StringVar(&c.connectionID)
	c.start.Flag("headless", "Launch the browser headless").Default("true").BoolVar(&c.headless)
	c.start.Flag("local-port", "Local port to forward the CDP endpoint onto").Default("9222").IntVar(&c.localPort)
	c.start.Flag("remote-port", "Remote debug port the browser listens on").Default("9222").IntVar(&c.remotePort)

	c.stop = sess.Command("stop", "Stop the active session")
	c.status = sess.Command("status", "Print the active session's four-axis state")
}

func (c *sessionCommand) RunStart(ctx context.Context, store *configstore.FileConfigStore, orch *session.Orchestrator) error {
	descriptor, err := store.Get(c.connectionID)
	if err != nil {
		return err
	}
	settings := store.BrowserSettings()
	if err := orch.Start(ctx, session.Options{
		Descriptor: descriptor,
		LocalPort:  c.localPort,
		RemotePort: c.remotePort,
		BrowserOpts: browser.LaunchOptions{
			ExecutablePath: settings.ExecutablePath,
			Headless:       c.headless,
			DebugPort:      c.remotePort,
		},
	}); err != nil {
		return err
	}
	_ = store.SetLastConnectionID(c.connectionID)
	fmt.Println(renderState(orch.State()))
	return nil
}

func (c *sessionCommand) RunStop(ctx context.Context, orch *session.Orchestrator) error {
	return orch.Stop(ctx)
}

func (c *sessionCommand) RunStatus(orch *session.Orchestrator) error {
	fmt.Println(renderState(orch.State()))
	return nil
}

func renderState(s session.State) string {
	return fmt.Sprintf("ssh=%s portForward=%s browser=%s cdp=%s", s.SSH, s.PortForward, s.Browser, s.CDP)
}
