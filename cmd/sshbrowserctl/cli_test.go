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
	"testing"

	"github.com/gravitational/kingpin"
	"github.com/stretchr/testify/require"

	"github.com/gravitational-student/sshbrowser/lib/configstore"
	"github.com/gravitational-student/sshbrowser/lib/session"
)

func TestConnectionsAddListRemove(t *testing.T) {
	store, err := configstore.NewFileConfigStore(t.TempDir(), configstore.WithoutEncryption())
	require.NoError(t, err)

	c := &connectionsCommand{
		name:     "dev",
		host:     "example.com",
		port:     22,
		username: "root",
		authKind: "password",
		secret:   "s3cret",
	}
	require.NoError(t, c.RunAdd(store))

	conns, err := store.List()
	require.NoError(t, err)
	require.Len(t, conns, 1)

	c.removeID = conns[0].ID
	require.NoError(t, c.RunRemove(store))

	conns, err = store.List()
	require.NoError(t, err)
	require.Empty(t, conns)
}

func TestConnectionsAddRejectsInvalidDescriptor(t *testing.T) {
	store, err := configstore.NewFileConfigStore(t.TempDir(), configstore.WithoutEncryption())
	require.NoError(t, err)

	c := &connectionsCommand{name: "dev", authKind: "password"}
	err = c.RunAdd(store)
	require.Error(t, err)
}

func TestSessionStatusBeforeStart(t *testing.T) {
	orch := session.New(nil)
	c := &sessionCommand{}
	require.NoError(t, c.RunStatus(orch))
	require.Equal(t, "ssh=disconnected portForward=inactive browser=stopped cdp=disconnected", renderState(orch.State()))
}

func TestBrowserCommandsFailWithoutActiveSession(t *testing.T) {
	orch := session.New(nil)
	b := &browserCommand{url: "https://example.com"}
	require.Error(t, b.RunNavigate(nil, orch))

	n := &networkCommand{}
	require.Error(t, n.RunStart(nil, orch))
}

func TestAllSubcommandsRegistered(t *testing.T) {
	app := kingpin.New("sshbrowserctl-test", "")

	conn := &connectionsCommand{}
	conn.Initialize(app)
	sess := &sessionCommand{}
	sess.Initialize(app)
	br := &browserCommand{}
	br.Initialize(app)
	net := &networkCommand{}
	net.Initialize(app)

	_, err := app.Parse([]string{"connections", "add", "dev", "--host=h", "--username=u", "--secret=/tmp/k"})
	require.NoError(t, err)
}
