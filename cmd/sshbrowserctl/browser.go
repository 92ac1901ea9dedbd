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
	"os"
	"time"

	"github.com/gravitational/kingpin"

	"github.com/gravitational-student/sshbrowser/lib/cdp"
	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/session"
)

// browserCommand implements `sshbrowserctl browser navigate/screenshot/evaluate`.
type browserCommand struct {
	navigate   *kingpin.CmdClause
	screenshot *kingpin.CmdClause
	evaluate   *kingpin.CmdClause

	url        string
	waitUntil  string
	timeout    time.Duration
	format     string
	quality    int
	fullPage   bool
	outPath    string
	expression string
}

func (c *browserCommand) Initialize(app *kingpin.Application) {
	b := app.Command("browser", "Drive the active session's page")

	c.navigate = b.Command("navigate", "Navigate to a URL")
	c.navigate.Arg("url", "URL to load").Required().StringVar(&c.url)
	c.navigate.Flag("wait-until", `"load", "domcontentloaded", or "networkidle"`).Default("load").StringVar(&c.waitUntil)
	c.navigate.Flag("timeout", "Navigation timeout").Default(cdp.DefaultNavigationTimeout.String()).DurationVar(&c.timeout)

	c.screenshot = b.Command("screenshot", "Capture a screenshot of the current page")
	c.screenshot.Flag("format", `"png", "jpeg", or "webp"`).Default("png").StringVar(&c.format)
	c.screenshot.Flag("quality", "JPEG/WebP quality (0-100)").IntVar(&c.quality)
	c.screenshot.Flag("full-page", "Capture the full scrollable page").BoolVar(&c.fullPage)
	c.screenshot.Flag("out", "Output file path").Default("screenshot.png").StringVar(&c.outPath)

	c.evaluate = b.Command("evaluate", "Evaluate a JavaScript expression")
	c.evaluate.Arg("expression", "JavaScript expression").Required().StringVar(&c.expression)
}

func (c *browserCommand) activePage(orch *session.Orchestrator) (*cdp.PageAdapter, error) {
	page := orch.Page()
	if page == nil {
		return nil, kinderr.New(kinderr.SessionNotActive, "no active session; run `sshbrowserctl session start` first", nil)
	}
	return page, nil
}

func (c *browserCommand) RunNavigate(ctx context.Context, orch *session.Orchestrator) error {
	page, err := c.activePage(orch)
	if err != nil {
		return err
	}
	if err := page.Navigate(ctx, c.url, cdp.NavigateOptions{WaitUntil: cdp.WaitUntil(c.waitUntil), Timeout: c.timeout}); err != nil {
		return err
	}
	title, _ := page.Title(ctx)
	fmt.Printf("%s  %s\n", c.url, title)
	return nil
}

func (c *browserCommand) RunScreenshot(ctx context.Context, orch *session.Orchestrator) error {
	page, err := c.activePage(orch)
	if err != nil {
		return err
	}
	data, err := page.Screenshot(ctx, cdp.ScreenshotOptions{
		Format:   cdp.ScreenshotFormat(c.format),
		Quality:  c.quality,
		FullPage: c.fullPage,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.outPath, data, 0o644); err != nil {
		return kinderr.New(kinderr.ConfigIO, "writing screenshot", err)
	}
	fmt.Println(c.outPath)
	return nil
}

func (c *browserCommand) RunEvaluate(ctx context.Context, orch *session.Orchestrator) error {
	page, err := c.activePage(orch)
	if err != nil {
		return err
	}
	result, err := page.Evaluate(ctx, c.expression)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}
