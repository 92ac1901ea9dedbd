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

// Package sshutils provides small helpers shared by SSHTransport and
// LocalForwarder for working with golang.org/x/crypto/ssh primitives.
package sshutils

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ChConn adapts an ssh.Channel, plus the addresses of the underlying
// ssh.Conn, into a net.Conn so a direct-tcpip channel can be copied to and
// from a plain TCP socket with io.Copy like any other connection.
type ChConn struct {
	ssh.Channel

	conn ssh.Conn

	readDeadline  time.Time
	writeDeadline time.Time
}

// NewChConn returns a net.Conn that reads and writes through ch, reporting
// conn's addresses as its own.
func NewChConn(conn ssh.Conn, ch ssh.Channel) *ChConn {
	return &ChConn{Channel: ch, conn: conn}
}

// LocalAddr returns the local address of the underlying ssh.Conn.
func (c *ChConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote address of the underlying ssh.Conn.
func (c *ChConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the underlying SSH channel.
func (c *ChConn) Close() error { return c.Channel.Close() }

// SetDeadline sets both the read and write deadlines.
func (c *ChConn) SetDeadline(t time.Time) error {
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline records the read deadline. ssh.Channel has no native
// deadline support, so Read enforces it cooperatively via a timer.
func (c *ChConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

// SetWriteDeadline records the write deadline.
func (c *ChConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline = t
	return nil
}

// Read blocks on the channel's Read, honoring a read deadline set via
// SetReadDeadline/SetDeadline by racing it against a timer.
func (c *ChConn) Read(b []byte) (int, error) {
	if c.readDeadline.IsZero() {
		return c.Channel.Read(b)
	}

	d := time.Until(c.readDeadline)
	if d <= 0 {
		return 0, net.ErrClosed
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := c.Channel.Read(b)
		done <- result{n, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.n, r.err
	case <-timer.C:
		return 0, &net.OpError{Op: "read", Err: errDeadlineExceeded{}}
	}
}

type errDeadlineExceeded struct{}

func (errDeadlineExceeded) Error() string   { return "i/o timeout" }
func (errDeadlineExceeded) Timeout() bool   { return true }
func (errDeadlineExceeded) Temporary() bool { return true }
