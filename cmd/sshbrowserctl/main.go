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

// Command sshbrowserctl is the thin CLI front end over the session
// orchestrator core: it never re-implements SSH, CDP, or HAR handling
// itself, it only wires flags to lib/session, lib/configstore, lib/cdp,
// and lib/browser the way tctl wires flags to lib/auth and lib/service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gravitational/kingpin"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/configstore"
	"github.com/gravitational-student/sshbrowser/lib/session"
	"github.com/gravitational-student/sshbrowser/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// cli bundles the flag-parsed application, the resolved stores, and the
// single process-wide orchestrator every command shares, matching the
// teleport CLICommand "Initialize(app) then Run(client)" split.
type cli struct {
	app          *kingpin.Application
	configDir    string
	debug        bool
	orchestrator *session.Orchestrator

	connections *connectionsCommand
	sess        *sessionCommand
	browser     *browserCommand
	network     *networkCommand
}

func run(args []string) error {
	c := &cli{app: utils.InitCLIParser("sshbrowserctl", "Drive a remote browser automation session over SSH.")}

	c.app.Flag("config-dir", fmt.Sprintf("Config directory (default ~/%s)", configstore.DefaultDirName)).
		StringVar(&c.configDir)
	c.app.Flag("debug", "Enable verbose logging").BoolVar(&c.debug)

	c.connections = &connectionsCommand{}
	c.connections.Initialize(c.app)
	c.sess = &sessionCommand{}
	c.sess.Initialize(c.app)
	c.browser = &browserCommand{}
	c.browser.Initialize(c.app)
	c.network = &networkCommand{}
	c.network.Initialize(c.app)

	selected, err := c.app.Parse(args)
	if err != nil {
		return err
	}

	level := logrus.InfoLevel
	if c.debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForCLI, level)

	store, err := c.openStore()
	if err != nil {
		return err
	}
	c.orchestrator = session.New(logrus.WithField("component", "sshbrowserctl"))

	ctx := context.Background()
	switch selected {
	case c.connections.add.FullCommand():
		return c.connections.RunAdd(store)
	case c.connections.list.FullCommand():
		return c.connections.RunList(store)
	case c.connections.remove.FullCommand():
		return c.connections.RunRemove(store)
	case c.sess.start.FullCommand():
		return c.sess.RunStart(ctx, store, c.orchestrator)
	case c.sess.stop.FullCommand():
		return c.sess.RunStop(ctx, c.orchestrator)
	case c.sess.status.FullCommand():
		return c.sess.RunStatus(c.orchestrator)
	case c.browser.navigate.FullCommand():
		return c.browser.RunNavigate(ctx, c.orchestrator)
	case c.browser.screenshot.FullCommand():
		return c.browser.RunScreenshot(ctx, c.orchestrator)
	case c.browser.evaluate.FullCommand():
		return c.browser.RunEvaluate(ctx, c.orchestrator)
	case c.network.start.FullCommand():
		return c.network.RunStart(ctx, c.orchestrator)
	case c.network.stop.FullCommand():
		return c.network.RunStop(ctx, c.orchestrator)
	case c.network.export.FullCommand():
		return c.network.RunExport(c.orchestrator)
	}
	return nil
}

// openStore resolves --config-dir (or ~/.ssh-command-tool3) into a FileConfigStore.
func (c *cli) openStore() (*configstore.FileConfigStore, error) {
	return configstore.NewFileConfigStore(c.configDir)
}
