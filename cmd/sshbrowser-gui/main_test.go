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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownFlag(t *testing.T) {
	err := run([]string{"--not-a-real-flag"})
	require.Error(t, err)
}

func TestRunFailsToListenOnInvalidAddr(t *testing.T) {
	err := run([]string{"--addr=not-an-address", "--config-dir=" + t.TempDir()})
	require.Error(t, err)
}

func TestRunFailsWhenConfigDirIsAFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-directory")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	err := run([]string{"--addr=127.0.0.1:0", "--config-dir=" + path})
	require.Error(t, err)
}
