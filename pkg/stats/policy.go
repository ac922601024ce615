/*
Copyright 2021 The Everoute Authors.

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

package stats

import (
	"context"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
)

// RuleCounterReader reads cumulative hit counters for one rule,
// identified by its flow cookie.
type RuleCounterReader func(ctx context.Context, cookie uint64) (packets, bytes uint64, err error)

// RuleStatsManager is the common shape of PolicyStatsManager (contract
// rule hit counts) and SecGrpStatsManager (security-group rule hit
// counts): both poll a set of rule cookies and keep a per-rule delta
// ring buffer, differing only in which object class owns the cookies
// they track. Grounded on original_source PolicyStatsManager.h and
// SecGrpStatsManager.h, which share this shape closely enough that
// modeling it once and parameterizing by name avoids duplicating the
// poll/delta logic InterfaceStatsManager already implements.
type RuleStatsManager struct {
	mu       sync.Mutex
	name     string
	interval time.Duration
	read     RuleCounterReader
	buffers  map[uint64]*RingBuffer
	prev     map[uint64]Sample
	generation uint64
}

// NewRuleStatsManager builds a poller named name (used only in log
// messages, e.g. "contract" or "secgroup") reading counters via read.
func NewRuleStatsManager(name string, read RuleCounterReader, interval time.Duration) *RuleStatsManager {
	return &RuleStatsManager{
		name:     name,
		interval: interval,
		read:     read,
		buffers:  make(map[uint64]*RingBuffer),
		prev:     make(map[uint64]Sample),
	}
}

// Track begins polling cookie, keeping bufSize generations of deltas.
func (m *RuleStatsManager) Track(cookie uint64, bufSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[cookie]; ok {
		return
	}
	m.buffers[cookie] = NewRingBuffer(bufSize)
}

// Untrack stops polling cookie.
func (m *RuleStatsManager) Untrack(cookie uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, cookie)
	delete(m.prev, cookie)
}

// Poll samples every tracked cookie once.
func (m *RuleStatsManager) Poll(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	cookies := make([]uint64, 0, len(m.buffers))
	for c := range m.buffers {
		cookies = append(cookies, c)
	}
	m.mu.Unlock()

	for _, cookie := range cookies {
		packets, bytes, err := m.read(ctx, cookie)
		if err != nil {
			log.Errorf("stats: %s poller reading cookie %x: %v", m.name, cookie, err)
			continue
		}

		m.mu.Lock()
		prev, hadPrev := m.prev[cookie]
		buf, tracked := m.buffers[cookie]
		m.prev[cookie] = Sample{Generation: gen, PacketCount: packets, ByteCount: bytes}
		m.mu.Unlock()
		if !tracked {
			continue
		}

		deltaPkt, deltaByte := packets, bytes
		if hadPrev && packets >= prev.PacketCount && bytes >= prev.ByteCount {
			deltaPkt = packets - prev.PacketCount
			deltaByte = bytes - prev.ByteCount
		}
		buf.Push(Sample{Generation: gen, PacketCount: deltaPkt, ByteCount: deltaByte})
	}
}

// Run polls on m.interval until ctx is cancelled.
func (m *RuleStatsManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Latest returns the most recent delta sample for cookie.
func (m *RuleStatsManager) Latest(cookie uint64) (Sample, bool) {
	m.mu.Lock()
	buf, ok := m.buffers[cookie]
	m.mu.Unlock()
	if !ok {
		return Sample{}, false
	}
	return buf.Latest()
}

// NewContractStatsManager builds the PolicyStatsManager-equivalent
// poller for contract rule hit counts.
func NewContractStatsManager(read RuleCounterReader, interval time.Duration) *RuleStatsManager {
	return NewRuleStatsManager("contract", read, interval)
}

// NewSecGroupStatsManager builds the SecGrpStatsManager-equivalent
// poller for security-group rule hit counts.
func NewSecGroupStatsManager(read RuleCounterReader, interval time.Duration) *RuleStatsManager {
	return NewRuleStatsManager("secgroup", read, interval)
}
