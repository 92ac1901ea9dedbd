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

package sshtransport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravitational-student/sshbrowser/lib/kinderr"
)

const (
	// DefaultMaxConnections bounds how many live transports a Pool keeps at
	// once.
	DefaultMaxConnections = 10
	// DefaultIdleTimeout is how long an unused entry survives before the
	// pool disconnects it in the background.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultReconnectAttempts is how many times Pool.Get retries a dead
	// entry before giving up.
	DefaultReconnectAttempts = 3
	// DefaultReconnectDelay is the unit of the linear backoff between
	// reconnect attempts: attempt n waits DefaultReconnectDelay * n.
	DefaultReconnectDelay = 5 * time.Second
)

// PoolConfig configures a Pool. Zero values fall back to the package
// defaults.
type PoolConfig struct {
	MaxConnections    int
	IdleTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Log               logrus.FieldLogger
}

func (c *PoolConfig) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "ssh-pool")
	}
}

type poolEntry struct {
	transport  *Transport
	lastUsedAt time.Time
}

// Pool bounds the number of simultaneously connected Transports, evicts
// idle entries, and retries a dead entry's Connect with linear backoff
// before giving up.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	entries map[string]*poolEntry

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewPool starts the idle-eviction loop and returns a ready Pool.
func NewPool(cfg PoolConfig) *Pool {
	cfg.setDefaults()
	p := &Pool{
		cfg:     cfg,
		entries: make(map[string]*poolEntry),
		closeCh: make(chan struct{}),
	}
	go p.evictIdle()
	return p
}

// Get returns a connected Transport for d, reusing a pooled entry when one
// exists and retrying a dead one with linear backoff before giving up. A
// brand-new entry beyond MaxConnections is rejected with kinderr.Connection.
func (p *Pool) Get(ctx context.Context, d Descriptor) (*Transport, error) {
	p.mu.Lock()
	entry, ok := p.entries[d.ID]
	if !ok && len(p.entries) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, kinderr.New(kinderr.Connection, "connection pool at capacity", nil)
	}
	if !ok {
		entry = &poolEntry{transport: New(Config{Descriptor: d, Log: p.cfg.Log})}
		p.entries[d.ID] = entry
	}
	transport := entry.transport
	entry.lastUsedAt = time.Now()
	p.mu.Unlock()

	if transport.IsConnected() {
		return transport, nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.ReconnectAttempts; attempt++ {
		if err := transport.Connect(ctx); err != nil {
			lastErr = err
			p.cfg.Log.WithError(err).Warnf("reconnect attempt %d/%d for %s failed", attempt, p.cfg.ReconnectAttempts, d.ID)
			select {
			case <-time.After(p.cfg.ReconnectDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		return transport, nil
	}
	return nil, lastErr
}

// Release marks d's entry as used-up-to-now without disconnecting it; the
// idle timeout measures inactivity from the most recent Get or Release.
func (p *Pool) Release(descriptorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[descriptorID]; ok {
		entry.lastUsedAt = time.Now()
	}
}

// Evict disconnects and removes descriptorID's entry immediately.
func (p *Pool) Evict(descriptorID string) {
	p.mu.Lock()
	entry, ok := p.entries[descriptorID]
	if ok {
		delete(p.entries, descriptorID)
	}
	p.mu.Unlock()
	if ok {
		entry.transport.Disconnect()
	}
}

func (p *Pool) evictIdle() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()
	stale := make(map[string]*Transport)

	p.mu.Lock()
	for id, entry := range p.entries {
		if now.Sub(entry.lastUsedAt) >= p.cfg.IdleTimeout {
			stale[id] = entry.transport
		}
	}
	for id := range stale {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for id, transport := range stale {
		p.cfg.Log.Debugf("evicting idle connection %s", id)
		transport.Disconnect()
	}
}

// Close stops the idle-eviction loop and disconnects every pooled entry.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closeCh) })

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.transport.Disconnect()
	}
}
