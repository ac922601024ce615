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

package switchmanager

// RoundCookieAllocator tags every flow cookie with a monotonically
// increasing "round" number, so a crash mid-sync can be told apart from
// stale flows left by a genuinely previous agent generation. The caller
// passes in the last persisted round and stores CurRound itself; this
// type does not read or write OVSDB. Grounded on
// everoute multiBridgeDatapath.go's RoundInfo/cookie.NewAllocator/
// DeleteFlowByRoundInfo pattern, supplementing the sync algorithm in
// original_source SwitchManager.h, which has no restart-recovery story
// of its own.
//
// The round number occupies the top roundBits of the 64-bit cookie;
// the caller's own object-scoped cookie occupies the rest.
type RoundCookieAllocator struct {
	curRound  uint64
	prevRound uint64
	roundBits uint
}

const defaultRoundBits = 16

// NewRoundCookieAllocator builds an allocator whose current round is
// persistedRound+1 (the new generation), remembering persistedRound as
// the previous generation to sweep once the new round's flows are
// confirmed written.
func NewRoundCookieAllocator(persistedRound uint64) *RoundCookieAllocator {
	return &RoundCookieAllocator{
		curRound:  (persistedRound + 1) & roundMask(defaultRoundBits),
		prevRound: persistedRound & roundMask(defaultRoundBits),
		roundBits: defaultRoundBits,
	}
}

func roundMask(bits uint) uint64 {
	return (uint64(1) << bits) - 1
}

// CurRound is the round number to persist once sync completes.
func (r *RoundCookieAllocator) CurRound() uint64 { return r.curRound }

// Cookie merges base (an object-scoped cookie, using the low
// 64-roundBits bits) with the current round number in the high bits.
func (r *RoundCookieAllocator) Cookie(base uint64) uint64 {
	shift := 64 - r.roundBits
	baseMask := (uint64(1) << shift) - 1
	return (r.curRound << shift) | (base & baseMask)
}

// CurRoundMask returns the (value, mask) pair that matches every
// cookie tagged with the current round.
func (r *RoundCookieAllocator) CurRoundMask() (value, mask uint64) {
	shift := 64 - r.roundBits
	mask = roundMask(r.roundBits) << shift
	value = r.curRound << shift
	return value, mask
}

// PrevRoundMask returns the (value, mask) pair that matches every
// cookie tagged with the previous round, used to sweep leftovers from
// an agent generation before this one after a grace period.
func (r *RoundCookieAllocator) PrevRoundMask() (value, mask uint64) {
	shift := 64 - r.roundBits
	mask = roundMask(r.roundBits) << shift
	value = r.prevRound << shift
	return value, mask
}
