/*
Copyright 2016-2021 Gravitational, Inc.

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

package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// LoggingPurpose selects how InitLogger wires up output for a process.
type LoggingPurpose int

const (
	// LoggingForDaemon always writes formatted logs to stderr.
	LoggingForDaemon LoggingPurpose = iota
	// LoggingForCLI only writes logs to stderr when debug level is requested;
	// otherwise logs are discarded so interactive command output stays clean.
	LoggingForCLI
)

// InitLogger configures the global logrus logger for a given purpose/level.
func InitLogger(purpose LoggingPurpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   !trace.IsTerminal(os.Stderr),
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	switch purpose {
	case LoggingForCLI:
		if level == logrus.DebugLevel {
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case LoggingForDaemon:
		logrus.SetOutput(os.Stderr)
	}
}

// FatalError prints a clean, user-facing message derived from err to stderr
// and exits the process with status 1. Used by cmd/sshbrowserctl.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError renders a "✗ message" line suitable for CLI stderr
// output, per the error propagation policy: debug level gets the full
// trace report, everything else gets the wrapped message only.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	var buf bytes.Buffer
	fmt.Fprint(&buf, "✗ ")
	if traceErr, ok := err.(*trace.TraceErr); ok {
		for _, message := range traceErr.Messages {
			fmt.Fprint(&buf, AllowNewlines(message))
			fmt.Fprint(&buf, ": ")
		}
		fmt.Fprint(&buf, AllowNewlines(trace.Unwrap(traceErr).Error()))
	} else {
		fmt.Fprint(&buf, AllowNewlines(err.Error()))
	}
	return buf.String()
}

// InitCLIParser configures a kingpin application with the defaults shared
// across this repo's command-line tools.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()
	return app
}

// SplitIdentifiers splits a list of identifiers separated by commas, spaces,
// or newlines. Used for flags like "--labels" that accept repeated values.
func SplitIdentifiers(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// EscapeControl escapes ANSI control sequences so a malicious remote host
// (or page title, or HTTP header) cannot hide or spoof terminal output.
func EscapeControl(s string) string {
	if needsQuoting(s) {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// AllowNewlines is like EscapeControl but preserves literal newlines, which
// is what multi-line error and log messages need.
func AllowNewlines(s string) string {
	if !strings.Contains(s, "\n") {
		return EscapeControl(s)
	}
	parts := strings.Split(s, "\n")
	for i, part := range parts {
		parts[i] = EscapeControl(part)
	}
	return strings.Join(parts, "\n")
}

func needsQuoting(text string) bool {
	for _, r := range text {
		if !strconv.IsPrint(r) {
			return true
		}
	}
	return false
}
