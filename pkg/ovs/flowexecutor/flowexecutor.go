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

// Package flowexecutor submits flow/group edit batches to the switch
// and, for the blocking form, waits on an OFPT_BARRIER_REPLY to
// confirm the switch has processed every edit in the batch before
// returning. Grounded on original_source FlowExecutor.h: this is the
// one component in the agent loop allowed to block, and it blocks only
// for the duration of a single round trip to the local vswitchd.
package flowexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"

	"github.com/opendaylight/opflex-agent-ovs/pkg/ovs/ofnet"
)

// Executor applies FlowEditList/GroupEdit batches to a live switch.
type Executor struct {
	mu      sync.Mutex
	barrier map[uint32]chan struct{}
	encoder *ofnet.Encoder
	sw      *ofctrl.OFSwitch
}

// New builds an Executor bound to sw, rendering edits through enc.
func New(sw *ofctrl.OFSwitch, enc *ofnet.Encoder) *Executor {
	return &Executor{
		sw:      sw,
		encoder: enc,
		barrier: make(map[uint32]chan struct{}),
	}
}

// Encoder exposes the executor's underlying flow/group encoder, for
// callers (group-table writes, the reactive packet-in path) that need
// to install something outside the FlowEditList vocabulary.
func (e *Executor) Encoder() *ofnet.Encoder {
	return e.encoder
}

// HandleBarrierReply must be wired as the switch connection's barrier-
// reply callback; it wakes whichever Execute call is waiting on xid.
func (e *Executor) HandleBarrierReply(xid uint32) {
	e.mu.Lock()
	ch, ok := e.barrier[xid]
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Execute applies edits, sends a barrier request, and blocks until the
// matching barrier reply arrives or ctx is cancelled. This is the only
// blocking call on the agent's single cooperative goroutine; callers
// must bound ctx so a stalled switch cannot hang the whole loop.
func (e *Executor) Execute(ctx context.Context, edits ofnet.FlowEditList) error {
	if err := e.applyEdits(edits); err != nil {
		return err
	}

	barrierReq := openflow13.NewBarrierRequest()
	ch := make(chan struct{})
	e.mu.Lock()
	e.barrier[barrierReq.Xid] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.barrier, barrierReq.Xid)
		e.mu.Unlock()
	}()

	if err := e.sw.Send(barrierReq); err != nil {
		return fmt.Errorf("flowexecutor: sending barrier request: %w", err)
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flowexecutor: waiting for barrier reply: %w", ctx.Err())
	}
}

// ExecuteNoBlock applies edits without waiting for a barrier reply,
// for callers (e.g. a best-effort reactive packet-in flow) that accept
// the small risk the switch reorders writes.
func (e *Executor) ExecuteNoBlock(edits ofnet.FlowEditList) error {
	return e.applyEdits(edits)
}

func (e *Executor) applyEdits(edits ofnet.FlowEditList) error {
	for _, edit := range edits {
		switch edit.Type {
		case ofnet.EditAdd, ofnet.EditMod:
			if _, err := e.encoder.Install(edit.New); err != nil {
				return fmt.Errorf("flowexecutor: installing flow in table %d: %w", edit.New.Table, err)
			}
		case ofnet.EditDel:
			if err := e.encoder.Delete(edit.Old); err != nil {
				return fmt.Errorf("flowexecutor: deleting flow from table %d: %w", edit.Old.Table, err)
			}
		}
	}
	return nil
}

// DefaultBarrierTimeout bounds a blocking Execute call so a wedged
// vswitchd cannot stall the agent loop indefinitely.
const DefaultBarrierTimeout = 5 * time.Second
