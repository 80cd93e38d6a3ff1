// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package secmalloc

import "unsafe"

// chunkState is the lifecycle state of a chunkRecord (§3).
type chunkState uint8

const (
	stateFree chunkState = iota
	stateUsed
)

func (s chunkState) String() string {
	if s == stateUsed {
		return "USED"
	}
	return "FREE"
}

// canaryWordSize is sizeof(canary): one machine word, mirrored into D
// immediately after the payload (§2, §4.10) and checked on release.
const canaryWordSize = unsafe.Sizeof(uintptr(0))

// chunkRecord describes one payload span inside D (§3). Records live inside
// the metadata region M and are never moved once materialized; only their
// fields are mutated in place by split, coalesce and state transitions.
//
// size is the literal user-visible size — it is never rounded up. Invariant
// 5's 16-byte alignment requirement binds only payload *addresses*; end()
// below rounds up only when computing where the next chunk may start, so a
// canary written at payload+size (exactly where a caller who asked for n
// bytes would expect it) is never hidden behind silent padding.
type chunkRecord struct {
	next    *chunkRecord // nil at list tail, in address order
	payload uintptr      // address of the first payload byte, inside D
	size    uintptr      // user-visible size, excludes the trailer
	state   chunkState
	canary  uintptr
}

// end returns the next 16-byte-aligned address at or after this record's
// trailer — i.e. the earliest address a successor's payload may legally
// occupy (invariants 2 and 5 together).
func (c *chunkRecord) end() uintptr {
	return roundup(c.payload+c.size+uintptr(canaryWordSize), mallocAlign)
}

// trailer returns the canaryWordSize-byte window immediately following the
// payload, as a slice over D. It is only valid while the record is alive.
func (c *chunkRecord) trailer() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c.payload+c.size)), canaryWordSize)
}

// writeTrailer mirrors c.canary into the trailer bytes (§4.10).
func (c *chunkRecord) writeTrailer() {
	*(*uintptr)(unsafe.Pointer(c.payload + c.size)) = c.canary
}

// trailerMatches reports whether the live trailer bytes still equal the
// stored canary (invariant 4, §4.7, §4.10).
func (c *chunkRecord) trailerMatches() bool {
	return *(*uintptr)(unsafe.Pointer(c.payload + c.size)) == c.canary
}

// findFreeChunk walks the list from head, first-fit (§4.2): the first FREE
// record whose size can hold request bytes. Returns nil if none qualifies.
func findFreeChunk(head *chunkRecord, request uintptr) *chunkRecord {
	for cur := head; cur != nil; cur = cur.next {
		if cur.state == stateFree && cur.size >= request {
			return cur
		}
	}
	return nil
}

// getChunk looks up the record whose payload address equals ptr exactly
// (identity, not arithmetic containment — §4.7's defense against crafted
// interior pointers). O(n); see DESIGN.md for the upgrade path.
func getChunk(head *chunkRecord, ptr uintptr) *chunkRecord {
	for cur := head; cur != nil; cur = cur.next {
		if cur.payload == ptr {
			return cur
		}
	}
	return nil
}

// mergeConsecutiveChunks performs the single left-to-right coalescing pass
// of §4.5. For every FREE record whose immediate successor is also FREE and
// physically address-adjacent, the successor is absorbed: the merged
// record's size is recomputed so its own end() lands exactly where the
// successor's end() used to be (no space gained or lost to rounding), the
// successor is spliced out of the list, and the trailer canary (which now
// physically sits in the last canaryWordSize bytes of the successor's former
// span) is refreshed from the successor's stored canary.
//
// The address-adjacency guard matters because a grow (§4.4) may start a
// fresh OS region that doesn't abut the previous one — two FREE records can
// be list-adjacent without being address-adjacent, and those must not merge.
func mergeConsecutiveChunks(head *chunkRecord) {
	for cur := head; cur != nil; cur = cur.next {
		for cur.state == stateFree && cur.next != nil && cur.next.state == stateFree && cur.end() == cur.next.payload {
			next := cur.next
			cur.size = next.end() - cur.payload - uintptr(canaryWordSize)
			cur.canary = next.canary
			cur.next = next.next
			cur.writeTrailer()
		}
	}
}
