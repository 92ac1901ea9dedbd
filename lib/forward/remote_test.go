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

package forward

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// localListener implements remoteListener by binding a real local socket,
// standing in for the remote host granting a tcpip-forward request.
type localListener struct{}

func (localListener) Listen(host string, port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(host, "0"))
}

func TestStartRemoteForwardProxiesBytes(t *testing.T) {
	t.Parallel()

	destAddr := startEchoServer(t)
	destHost, destPortStr, err := net.SplitHostPort(destAddr)
	require.NoError(t, err)
	destPort, err := strconv.Atoi(destPortStr)
	require.NoError(t, err)

	fwd := New(&echoChannelOpener{}, nil)
	rule, err := fwd.StartRemoteForward(localListener{}, "127.0.0.1", 0, destHost, destPort)
	require.NoError(t, err)
	t.Cleanup(fwd.StopAll)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(rule.listener.Addr().(*net.TCPAddr).Port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("remote"))
	require.NoError(t, err)

	buf := make([]byte, 6)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "remote", string(buf))
}
