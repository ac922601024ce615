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

// Package flowreader issues OpenFlow multipart (stats) dump requests
// and reassembles their (possibly multi-part) replies by transaction
// ID, handing the flow manager a complete snapshot of what is actually
// installed on the switch. Grounded on original_source FlowReader.h.
package flowreader

import (
	"context"
	"fmt"
	"sync"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"
)

// FlowStats is one entry from an OFPMP_FLOW reply.
type FlowStats struct {
	TableID      uint8
	Priority     uint16
	Cookie       uint64
	PacketCount  uint64
	ByteCount    uint64
	DurationSec  uint32
	Match        *openflow13.Match
	Instructions []openflow13.Instruction
}

// GroupStats is one entry from an OFPMP_GROUP_DESC reply.
type GroupStats struct {
	GroupID uint32
	Buckets []openflow13.Bucket
}

type pendingDump struct {
	replies chan *openflow13.MultipartReply
	done    chan struct{}
}

// FlowReader tracks in-flight dump requests by transaction ID and
// reassembles their (possibly multi-part, OFPMPF_MORE-chained) replies.
type FlowReader struct {
	mu      sync.Mutex
	pending map[uint32]*pendingDump
}

// New builds an empty FlowReader.
func New() *FlowReader {
	return &FlowReader{pending: make(map[uint32]*pendingDump)}
}

// HandleReply feeds one multipart reply to the reader. It must be
// wired as the switch connection's multipart-reply callback for xids
// this reader owns; replies for unknown xids are ignored so multiple
// dump consumers (flowreader and stats pollers) can coexist.
func (r *FlowReader) HandleReply(xid uint32, reply *openflow13.MultipartReply) {
	r.mu.Lock()
	p, ok := r.pending[xid]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.replies <- reply
	if reply.Flags&openflow13.OFPMPF_MORE == 0 {
		close(p.done)
	}
}

// DumpFlows sends an OFPMP_FLOW request for table (0xFF for all tables)
// and blocks until every reply fragment for its transaction has
// arrived or ctx is cancelled.
func (r *FlowReader) DumpFlows(ctx context.Context, sw *ofctrl.OFSwitch, table uint8) ([]FlowStats, error) {
	req := openflow13.NewFlowStatsRequest()
	req.TableId = table
	req.OutPort = openflow13.P_ANY
	req.OutGroup = openflow13.OFPG_ANY

	p := &pendingDump{replies: make(chan *openflow13.MultipartReply, 16), done: make(chan struct{})}
	xid := req.Xid
	r.mu.Lock()
	r.pending[xid] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, xid)
		r.mu.Unlock()
	}()

	if err := sw.Send(req); err != nil {
		return nil, fmt.Errorf("flowreader: sending flow stats request: %w", err)
	}

	var stats []FlowStats
	for {
		select {
		case reply := <-p.replies:
			stats = append(stats, decodeFlowStats(reply)...)
		case <-p.done:
			for {
				select {
				case reply := <-p.replies:
					stats = append(stats, decodeFlowStats(reply)...)
				default:
					return stats, nil
				}
			}
		case <-ctx.Done():
			return stats, ctx.Err()
		}
	}
}

// DumpGroups sends an OFPMP_GROUP_DESC request and blocks until every
// reply fragment has arrived or ctx is cancelled.
func (r *FlowReader) DumpGroups(ctx context.Context, sw *ofctrl.OFSwitch) ([]GroupStats, error) {
	req := openflow13.NewGroupDescStatsRequest()

	p := &pendingDump{replies: make(chan *openflow13.MultipartReply, 16), done: make(chan struct{})}
	xid := req.Xid
	r.mu.Lock()
	r.pending[xid] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, xid)
		r.mu.Unlock()
	}()

	if err := sw.Send(req); err != nil {
		return nil, fmt.Errorf("flowreader: sending group desc request: %w", err)
	}

	var stats []GroupStats
	for {
		select {
		case reply := <-p.replies:
			stats = append(stats, decodeGroupStats(reply)...)
		case <-p.done:
			for {
				select {
				case reply := <-p.replies:
					stats = append(stats, decodeGroupStats(reply)...)
				default:
					return stats, nil
				}
			}
		case <-ctx.Done():
			return stats, ctx.Err()
		}
	}
}

func decodeFlowStats(reply *openflow13.MultipartReply) []FlowStats {
	entries, ok := reply.Body.([]*openflow13.FlowStats)
	if !ok {
		return nil
	}
	out := make([]FlowStats, 0, len(entries))
	for _, e := range entries {
		out = append(out, FlowStats{
			TableID:     e.TableId,
			Priority:    e.Priority,
			Cookie:      e.Cookie,
			PacketCount: e.PacketCount,
			ByteCount:   e.ByteCount,
			DurationSec: e.DurationSec,
			Match:       &e.Match,
		})
	}
	return out
}

func decodeGroupStats(reply *openflow13.MultipartReply) []GroupStats {
	entries, ok := reply.Body.([]*openflow13.GroupDesc)
	if !ok {
		return nil
	}
	out := make([]GroupStats, 0, len(entries))
	for _, e := range entries {
		out = append(out, GroupStats{GroupID: e.GroupId, Buckets: e.Buckets})
	}
	return out
}
