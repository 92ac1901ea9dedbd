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

package configstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

func TestNewFileConfigStoreCreatesLayout(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "cfg")
	_, err := NewFileConfigStore(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	saltInfo, err := os.Stat(filepath.Join(dir, saltFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), saltInfo.Mode().Perm())

	configInfo, err := os.Stat(filepath.Join(dir, configFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), configInfo.Mode().Perm())
}

func TestAddListGetRoundTripsDescriptor(t *testing.T) {
	t.Parallel()

	store, err := NewFileConfigStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.Add(sshtransport.Descriptor{
		Name: "dev", Host: "h", Port: 22, Username: "u",
		AuthKind: sshtransport.AuthPassword, Secret: "s3cret",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, "s3cret", got.Secret)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "s3cret", all[0].Secret)
}

func TestPasswordIsEncryptedOnDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileConfigStore(dir)
	require.NoError(t, err)

	_, err = store.Add(sshtransport.Descriptor{
		Name: "dev", Host: "h", Port: 22, Username: "u",
		AuthKind: sshtransport.AuthPassword, Secret: "s3cret",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, configFile))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "s3cret")
}

func TestPrivateKeyPathIsNeverEncrypted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileConfigStore(dir)
	require.NoError(t, err)

	_, err = store.Add(sshtransport.Descriptor{
		Name: "dev", Host: "h", Port: 22, Username: "u",
		AuthKind: sshtransport.AuthPrivateKey, Secret: "~/.ssh/id_rsa",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, configFile))
	require.NoError(t, err)
	require.Contains(t, string(raw), "~/.ssh/id_rsa")
}

func TestUpdateAndRemove(t *testing.T) {
	t.Parallel()

	store, err := NewFileConfigStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.Add(sshtransport.Descriptor{
		Name: "dev", Host: "h", Port: 22, Username: "u",
		AuthKind: sshtransport.AuthPassword, Secret: "s1",
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(id, sshtransport.Descriptor{
		Name: "dev2", Host: "h2", Port: 2222, Username: "u",
		AuthKind: sshtransport.AuthPassword, Secret: "s2",
	}))

	got, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, "dev2", got.Name)
	require.Equal(t, "s2", got.Secret)

	require.NoError(t, store.Remove(id))
	_, err = store.Get(id)
	require.Error(t, err)
}

func TestSetLastConnectionIDClearedOnRemove(t *testing.T) {
	t.Parallel()

	store, err := NewFileConfigStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.Add(sshtransport.Descriptor{
		Name: "dev", Host: "h", Port: 22, Username: "u",
		AuthKind: sshtransport.AuthPassword, Secret: "s1",
	})
	require.NoError(t, err)
	require.NoError(t, store.SetLastConnectionID(id))
	require.Equal(t, id, store.LastConnectionID())

	require.NoError(t, store.Remove(id))
	require.Empty(t, store.LastConnectionID())
}

func TestReopenDecryptsWithPersistedSalt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store1, err := NewFileConfigStore(dir)
	require.NoError(t, err)
	id, err := store1.Add(sshtransport.Descriptor{
		Name: "dev", Host: "h", Port: 22, Username: "u",
		AuthKind: sshtransport.AuthPassword, Secret: "s3cret",
	})
	require.NoError(t, err)

	store2, err := NewFileConfigStore(dir)
	require.NoError(t, err)
	got, err := store2.Get(id)
	require.NoError(t, err)
	require.Equal(t, "s3cret", got.Secret)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFileConfigStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SetBrowserSettings(BrowserSettings{Headless: true, DebugPort: 9222}))
	require.Equal(t, BrowserSettings{Headless: true, DebugPort: 9222}, store.BrowserSettings())

	require.NoError(t, store.SetPortForwardDefaults(PortForwardDefaults{LocalPort: 9222, RemotePort: 9222}))
	require.Equal(t, PortForwardDefaults{LocalPort: 9222, RemotePort: 9222}, store.PortForwardDefaults())
}
