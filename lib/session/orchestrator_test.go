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

package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
	"github.com/gravitational-student/sshbrowser/lib/sshtransport"
)

func TestStopWhileInactiveFails(t *testing.T) {
	t.Parallel()

	o := New(nil)
	err := o.Stop(context.Background())
	require.Error(t, err)
	require.Equal(t, kinderr.SessionNotActive, kinderr.KindOf(err))
}

func TestStartWhileActiveFails(t *testing.T) {
	t.Parallel()

	o := New(nil)
	o.setState(func(s *State) { s.SSH = SSHConnected })

	err := o.Start(context.Background(), Options{})
	require.Error(t, err)
	require.Equal(t, kinderr.SessionAlreadyActive, kinderr.KindOf(err))
}

func TestStartFailureRevertsToInitialState(t *testing.T) {
	t.Parallel()

	// A closed local port: connecting to it fails fast with a connection
	// refused rather than a 10s timeout.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	o := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	startErr := o.Start(ctx, Options{
		Descriptor: sshtransport.Descriptor{
			ID: "x", Host: "127.0.0.1", Port: addr.Port, Username: "u",
			AuthKind: sshtransport.AuthPassword, Secret: "p",
		},
	})
	require.Error(t, startErr)
	require.Equal(t, kinderr.SessionStartFailed, kinderr.KindOf(startErr))

	require.Equal(t, State{
		SSH: SSHDisconnected, PortForward: ForwardInactive,
		Browser: BrowserStopped, CDP: CDPDisconnected,
	}, o.State())
}

func TestStartFailureEmitsErrorEvent(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	o := New(nil)
	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = o.Start(ctx, Options{
		Descriptor: sshtransport.Descriptor{
			ID: "x", Host: "127.0.0.1", Port: addr.Port, Username: "u",
			AuthKind: sshtransport.AuthPassword, Secret: "p",
		},
	})

	sawError := false
	for {
		select {
		case ev := <-events:
			if ev.Kind == "error" {
				sawError = true
			}
		case <-time.After(200 * time.Millisecond):
			require.True(t, sawError, "expected an error event during failed start")
			return
		}
	}
}
