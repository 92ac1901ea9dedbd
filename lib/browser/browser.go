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

// Package browser implements RemoteBrowser: launching and reaping a
// headless Chromium instance on the remote host over SSHTransport's exec
// contract, with CDP enabled on a debug port reachable through the forward.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// execer is the slice of SSHTransport that RemoteBrowser depends on.
type execer interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (*sshtransport.ExecResult, error)
}

var (
	linuxCandidates = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "/snap/bin/chromium"}
	darwinCandidates = []string{
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	}
)

const (
	// DefaultLaunchTimeout bounds how long WaitReady polls /json/version
	// when no timeout is given.
	DefaultLaunchTimeout = 10 * time.Second
	launchPollInterval   = 200 * time.Millisecond
	stragglerKillPause   = 500 * time.Millisecond
	gracefulKillPause    = 500 * time.Millisecond
)

// LaunchOptions configures one Launch call.
type LaunchOptions struct {
	ExecutablePath string
	UserDataDir    string
	DebugAddress   string
	DebugPort      int
	Headless       bool
	// LaunchTimeout bounds the WaitReady poll started by the caller once a
	// local forward onto DebugPort exists. Launch itself does not wait for
	// readiness: the debug port is only reachable from this process once
	// LocalForwarder.StartLocal is up, which the orchestrator starts after
	// Launch returns.
	LaunchTimeout time.Duration
}

// LaunchResult is the outcome of a successful Launch: the process has been
// spawned, but is not yet confirmed ready. Call WaitReady once the debug
// port is reachable (through a local forward) to confirm CDP is serving.
type LaunchResult struct {
	PID      int
	DebugURL string
}

// RemoteBrowser detects, launches, and reaps a headless Chromium process on
// the remote host reachable through transport's exec contract.
type RemoteBrowser struct {
	transport execer
	log       logrus.FieldLogger
	httpGet   func(url string) (*http.Response, error)
}

// New returns a RemoteBrowser driven by transport.
func New(transport execer, log logrus.FieldLogger) *RemoteBrowser {
	if log == nil {
		log = logrus.WithField("component", "browser")
	}
	return &RemoteBrowser{transport: transport, log: log, httpGet: http.Get}
}

// DetectPath runs the uname → candidate-list → test -x → which fallback
// sequence and returns the first executable found.
func (b *RemoteBrowser) DetectPath(ctx context.Context) (string, error) {
	unameResult, err := b.transport.Exec(ctx, "uname -s", 5*time.Second)
	if err != nil {
		return "", kinderr.New(kinderr.BrowserNotFound, "detecting remote OS", err)
	}
	os := strings.TrimSpace(unameResult.Stdout)

	candidates := linuxCandidates
	if strings.EqualFold(os, "Darwin") {
		candidates = darwinCandidates
	}

	for _, candidate := range candidates {
		cmd := fmt.Sprintf("test -x %s", shellQuote(candidate))
		result, err := b.transport.Exec(ctx, cmd, 5*time.Second)
		if err == nil && result.ExitCode == 0 {
			return candidate, nil
		}
	}

	whichResult, err := b.transport.Exec(ctx, "which google-chrome chromium chromium-browser 2>/dev/null", 5*time.Second)
	if err == nil && whichResult.ExitCode == 0 {
		if first := strings.TrimSpace(strings.SplitN(whichResult.Stdout, "\n", 2)[0]); first != "" {
			return first, nil
		}
	}

	return "", kinderr.New(kinderr.BrowserNotFound, "no chromium-family executable found on remote host", nil)
}

// Launch runs the spawn half of the launch sequence: detect (if needed),
// ensure the user-data dir, kill debug-port stragglers, and spawn detached.
// It does not wait for the debug port to answer — that requires a local
// forward onto DebugPort, which the caller (SessionOrchestrator) starts
// only after Launch returns; call WaitReady once that forward is up.
func (b *RemoteBrowser) Launch(ctx context.Context, opts LaunchOptions) (*LaunchResult, error) {
	if opts.DebugAddress == "" {
		opts.DebugAddress = "127.0.0.1"
	}
	if opts.UserDataDir == "" {
		opts.UserDataDir = fmt.Sprintf("/tmp/sshbrowser-profile-%d", opts.DebugPort)
	}

	execPath := opts.ExecutablePath
	if execPath == "" {
		detected, err := b.DetectPath(ctx)
		if err != nil {
			return nil, err
		}
		execPath = detected
	}

	if _, err := b.transport.Exec(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(opts.UserDataDir)), 5*time.Second); err != nil {
		return nil, kinderr.New(kinderr.BrowserLaunchFailed, "creating user-data dir", err)
	}

	killCmd := fmt.Sprintf("pkill -f %s || true", shellQuote(fmt.Sprintf("remote-debugging-port=%d", opts.DebugPort)))
	b.transport.Exec(ctx, killCmd, 5*time.Second)
	time.Sleep(stragglerKillPause)

	launchCmd := buildLaunchCommand(execPath, opts)
	spawnResult, err := b.transport.Exec(ctx, launchCmd, 5*time.Second)
	if err != nil {
		return nil, kinderr.New(kinderr.BrowserLaunchFailed, "spawning browser process", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(spawnResult.Stdout))
	if err != nil {
		return nil, kinderr.New(kinderr.BrowserLaunchFailed, "parsing spawned pid", err)
	}

	return &LaunchResult{
		PID:      pid,
		DebugURL: fmt.Sprintf("http://%s:%d", opts.DebugAddress, opts.DebugPort),
	}, nil
}

// WaitReady polls forwardedURL + "/json/version" (reachable through the
// local forward onto the remote debug port) every 200ms until it answers
// HTTP 200 or timeout elapses, returning the reported Server header as the
// browser version string.
func (b *RemoteBrowser) WaitReady(ctx context.Context, forwardedURL string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}
	return b.pollVersion(ctx, forwardedURL+"/json/version", timeout)
}

// buildLaunchCommand assembles the detached shell launch line: redirect
// stdio to /dev/null, background with &, capture $! as the child PID.
func buildLaunchCommand(execPath string, opts LaunchOptions) string {
	flags := []string{
		fmt.Sprintf("--remote-debugging-port=%d", opts.DebugPort),
		fmt.Sprintf("--remote-debugging-address=%s", opts.DebugAddress),
		fmt.Sprintf("--user-data-dir=%s", opts.UserDataDir),
		"--disable-first-run-ui",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-default-apps",
		"--disable-background-networking",
		"--disable-client-side-phishing-detection",
		"--disable-extensions",
		"--disable-hang-monitor",
		"--disable-popup-blocking",
		"--disable-prompt-on-repost",
		"--disable-sync",
		"--disable-translate",
		"--metrics-recording-only",
		"--disable-safebrowsing-auto-update",
	}
	if opts.Headless {
		flags = append(flags, "--headless=new")
	}

	quoted := make([]string, len(flags))
	for i, f := range flags {
		quoted[i] = shellQuote(f)
	}

	return fmt.Sprintf("%s %s > /dev/null 2>&1 < /dev/null & echo $!",
		shellQuote(execPath), strings.Join(quoted, " "))
}

func (b *RemoteBrowser) pollVersion(ctx context.Context, url string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := b.httpGet(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return resp.Header.Get("Server"), nil
			}
		}
		if time.Now().After(deadline) {
			return "", kinderr.New(kinderr.BrowserLaunchTimeout, "timed out waiting for /json/version", nil)
		}
		select {
		case <-ctx.Done():
			return "", kinderr.New(kinderr.BrowserLaunchTimeout, "context cancelled waiting for /json/version", ctx.Err())
		case <-time.After(launchPollInterval):
		}
	}
}

// Kill sends a graceful kill followed by a pause and a forced kill -9,
// ignoring the forced kill's exit status. Kill is idempotent.
func (b *RemoteBrowser) Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	b.transport.Exec(ctx, fmt.Sprintf("kill %d 2>/dev/null || true", pid), 5*time.Second)
	time.Sleep(gracefulKillPause)
	b.transport.Exec(ctx, fmt.Sprintf("kill -9 %d 2>/dev/null || true", pid), 5*time.Second)
	return nil
}

// Cleanup is Kill's error-free counterpart used by orchestrator teardown: it
// kills pid when known, and is a no-op otherwise.
func (b *RemoteBrowser) Cleanup(ctx context.Context, pid int) {
	if pid > 0 {
		b.Kill(ctx, pid)
	}
}

// RunningProcess describes one chromium-family process found by
// FindRunning.
type RunningProcess struct {
	PID     int
	Command string
}

// FindRunning lists chromium-family processes currently running on the
// remote host.
func (b *RemoteBrowser) FindRunning(ctx context.Context) ([]RunningProcess, error) {
	result, err := b.transport.Exec(ctx, "ps -eo pid,command | grep -i -E 'chrome|chromium' | grep -v grep", 5*time.Second)
	if err != nil {
		return nil, kinderr.New(kinderr.Exec, "listing remote processes", err)
	}
	var procs []RunningProcess
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		cmd := ""
		if len(fields) > 1 {
			cmd = fields[1]
		}
		procs = append(procs, RunningProcess{PID: pid, Command: cmd})
	}
	return procs, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
