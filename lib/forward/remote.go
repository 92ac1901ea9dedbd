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
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

// remoteListener abstracts sshtransport.Transport.Listen so the
// remote-forward variant can be exercised against a fake listener in tests.
type remoteListener interface {
	Listen(host string, port int) (net.Listener, error)
}

// StartRemoteForward asks the remote host to listen on
// remoteListenHost:remoteListenPort and dials destHost:destPort locally for
// each inbound channel. Unlike StartLocal, the rule owns no local listener;
// it matches inbound channel opens by destination port instead.
func (f *Forwarder) StartRemoteForward(remoteListener remoteListener, remoteListenHost string, remoteListenPort int, destHost string, destPort int) (*Rule, error) {
	listener, err := remoteListener.Listen(remoteListenHost, remoteListenPort)
	if err != nil {
		return nil, kinderr.New(kinderr.PortForward, "requesting remote listen", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rule := &Rule{
		ID:          uuid.NewString(),
		LocalAddr:   remoteListenHost,
		LocalPort:   remoteListenPort,
		RemoteHost:  destHost,
		RemotePort:  destPort,
		State:       Active,
		listener:    listener,
		cancel:      cancel,
		activeConns: make(map[string]net.Conn),
	}

	f.mu.Lock()
	f.rules[rule.ID] = rule
	f.mu.Unlock()

	go f.remoteAcceptLoop(ctx, rule, destHost, destPort)

	f.bus.Emit(Event{Kind: "started", RuleID: rule.ID})
	return rule, nil
}

func (f *Forwarder) remoteAcceptLoop(ctx context.Context, rule *Rule, destHost string, destPort int) {
	for {
		inbound, err := acceptWithContext(ctx, rule.listener)
		if err != nil {
			return
		}
		go f.proxyRemoteConn(ctx, rule, inbound, destHost, destPort)
	}
}

func (f *Forwarder) proxyRemoteConn(ctx context.Context, rule *Rule, inbound net.Conn, destHost string, destPort int) {
	dest, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(destHost, strconv.Itoa(destPort)))
	if err != nil {
		inbound.Close()
		f.bus.Emit(Event{Kind: "connError", RuleID: rule.ID, Err: kinderr.New(kinderr.PortForward, "dialing forward destination", err)})
		return
	}

	connID := uuid.NewString()
	rule.mu.Lock()
	rule.activeConns[connID] = inbound
	rule.mu.Unlock()

	defer func() {
		rule.mu.Lock()
		delete(rule.activeConns, connID)
		rule.mu.Unlock()
		inbound.Close()
		dest.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(dest, inbound)
	}()
	go func() {
		defer wg.Done()
		io.Copy(inbound, dest)
	}()
	wg.Wait()
}
