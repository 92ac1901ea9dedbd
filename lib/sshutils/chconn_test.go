/*
Copyright 2021 Gravitational, Inc.

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

package sshutils

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type sshConnPair struct {
	conn ssh.Conn
	ch   ssh.Channel
}

// startTestSSHServer accepts a single connection on listener, opens the one
// channel the client requests, and hands it back on connCh.
func startTestSSHServer(t *testing.T, listener net.Listener, connCh chan<- sshConnPair) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	nConn, err := listener.Accept()
	if err != nil {
		return
	}

	conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		ch, chReqs, err := newCh.Accept()
		require.NoError(t, err)
		go ssh.DiscardRequests(chReqs)
		connCh <- sshConnPair{conn: conn, ch: ch}
		return
	}
}

func TestChConnReadWrite(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	pairCh := make(chan sshConnPair, 1)
	go startTestSSHServer(t, listener, pairCh)

	client, err := ssh.Dial("tcp", listener.Addr().String(), &ssh.ClientConfig{
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	clientCh, _, err := client.OpenChannel("direct-tcpip", nil)
	require.NoError(t, err)

	pair := <-pairCh
	serverConn := NewChConn(pair.conn, pair.ch)
	t.Cleanup(func() { serverConn.Close() })

	_, err = clientCh.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	require.Equal(t, pair.conn.LocalAddr(), serverConn.LocalAddr())
	require.Equal(t, pair.conn.RemoteAddr(), serverConn.RemoteAddr())
}

func TestChConnReadDeadline(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	pairCh := make(chan sshConnPair, 1)
	go startTestSSHServer(t, listener, pairCh)

	client, err := ssh.Dial("tcp", listener.Addr().String(), &ssh.ClientConfig{
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, _, err = client.OpenChannel("direct-tcpip", nil)
	require.NoError(t, err)

	pair := <-pairCh
	serverConn := NewChConn(pair.conn, pair.ch)
	t.Cleanup(func() { serverConn.Close() })

	require.NoError(t, serverConn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))

	buf := make([]byte, 5)
	_, err = serverConn.Read(buf)
	require.Error(t, err)
	var timeoutErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &timeoutErr)
	require.True(t, timeoutErr.Timeout())
}
