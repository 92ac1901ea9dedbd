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
	"encoding/json"
	"fmt"
	"os"

	"github.com/gravitational/kingpin"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/session"
)

// networkCommand implements `sshbrowserctl network start/stop/export`.
type networkCommand struct {
	start  *kingpin.CmdClause
	stop   *kingpin.CmdClause
	export *kingpin.CmdClause

	format  string
	outPath string
}

func (c *networkCommand) Initialize(app *kingpin.Application) {
	n := app.Command("network", "Record and export network activity for the active session")
	c.start = n.Command("start", "Begin recording Network.* events")
	c.stop = n.Command("stop", "Stop recording")

	c.export = n.Command("export", "Export recorded entries")
	c.export.Flag("format", `"har" or "json"`).Default("har").StringVar(&c.format)
	c.export.Flag("out", "Output file path").Default("network-export").StringVar(&c.outPath)
}

func (c *networkCommand) activeRecorder(orch *session.Orchestrator) (*session.Orchestrator, error) {
	if orch.Network() == nil {
		return nil, kinderr.New(kinderr.SessionNotActive, "no active session; run `sshbrowserctl session start` first", nil)
	}
	return orch, nil
}

func (c *networkCommand) RunStart(ctx context.Context, orch *session.Orchestrator) error {
	if _, err := c.activeRecorder(orch); err != nil {
		return err
	}
	return orch.Network().Start(ctx)
}

func (c *networkCommand) RunStop(ctx context.Context, orch *session.Orchestrator) error {
	if _, err := c.activeRecorder(orch); err != nil {
		return err
	}
	return orch.Network().Stop(ctx)
}

func (c *networkCommand) RunExport(orch *session.Orchestrator) error {
	if _, err := c.activeRecorder(orch); err != nil {
		return err
	}
	recorder := orch.Network()

	var (
		data []byte
		err  error
		path = c.outPath
	)
	switch c.format {
	case "json":
		data, err = recorder.ExportJSON()
		if path == "network-export" {
			path += ".json"
		}
	case "har", "":
		data, err = json.Marshal(recorder.ExportHAR())
		if path == "network-export" {
			path += ".har"
		}
	default:
		return kinderr.NewValidationError("format", `must be "har" or "json"`)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return kinderr.New(kinderr.ConfigIO, "writing network export", err)
	}
	fmt.Println(path)
	return nil
}
