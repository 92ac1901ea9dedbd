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

// Package configstore persists connection descriptors and session defaults
// the way the core consumes them: the core never touches the filesystem
// directly, it only calls through ConnectionStore/SettingsStore.
package configstore

import (
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

// BrowserSettings are the defaults applied to a session's RemoteBrowser
// launch when a start request doesn't override them.
type BrowserSettings struct {
	ExecutablePath string `json:"executablePath,omitempty"`
	Headless       bool   `json:"headless"`
	DebugPort      int    `json:"debugPort"`
}

// PortForwardDefaults are the defaults applied to a session's local forward
// when a start request doesn't override them.
type PortForwardDefaults struct {
	LocalPort  int `json:"localPort"`
	RemotePort int `json:"remotePort"`
}

// Document is the top-level persisted shape: {version, connections[],
// lastConnectionId?, browserSettings, portForwardDefaults}.
type Document struct {
	Version             int                      `json:"version"`
	Connections         []sshtransport.Descriptor `json:"connections"`
	LastConnectionID    string                    `json:"lastConnectionId,omitempty"`
	BrowserSettings     BrowserSettings           `json:"browserSettings"`
	PortForwardDefaults PortForwardDefaults       `json:"portForwardDefaults"`
}

// ConnectionStore is the connection-descriptor surface the core and the GUI
// server consume. The core never mutates descriptors directly; it always
// goes through this interface.
type ConnectionStore interface {
	List() ([]sshtransport.Descriptor, error)
	Get(id string) (sshtransport.Descriptor, error)
	Add(d sshtransport.Descriptor) (string, error)
	Update(id string, d sshtransport.Descriptor) error
	Remove(id string) error
	SetLastConnectionID(id string) error
	LastConnectionID() string
}

// SettingsStore is the browser/port-forward defaults surface.
type SettingsStore interface {
	BrowserSettings() BrowserSettings
	SetBrowserSettings(BrowserSettings) error
	PortForwardDefaults() PortForwardDefaults
	SetPortForwardDefaults(PortForwardDefaults) error
}

// CurrentVersion is written into Document.Version by NewFileConfigStore's
// default document. The version of an existing config.json is not checked
// on load.
const CurrentVersion = 1
