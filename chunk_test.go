// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package secmalloc

import (
	"testing"
	"unsafe"
)

// backing returns n writable bytes whose address can stand in for a span of
// D in tests that only exercise list algebra, not real OS regions.
func backing(t *testing.T, n int) uintptr {
	t.Helper()
	buf := make([]byte, n)
	t.Cleanup(func() { _ = buf }) // keep buf alive for the life of the test
	return uintptr(unsafe.Pointer(&buf[0]))
}

func newTestRecord(payload, size uintptr, state chunkState, canary uintptr) *chunkRecord {
	r := &chunkRecord{payload: payload, size: size, state: state, canary: canary}
	r.writeTrailer()
	return r
}

func TestFindFreeChunkFirstFit(t *testing.T) {
	base := backing(t, 256)
	a := newTestRecord(base, 16, stateUsed, 1)
	b := newTestRecord(base+64, 32, stateFree, 2)
	c := newTestRecord(base+128, 64, stateFree, 3)
	a.next, b.next, c.next = b, c, nil

	got := findFreeChunk(a, 20)
	if got != b {
		t.Fatalf("expected first-fit to return b (size 32 >= 20), got %+v", got)
	}

	got = findFreeChunk(a, 40)
	if got != c {
		t.Fatalf("expected first-fit to skip b (too small) and return c, got %+v", got)
	}

	if findFreeChunk(a, 1000) != nil {
		t.Fatal("expected no chunk large enough to return nil")
	}
}

func TestGetChunkIdentityOnly(t *testing.T) {
	base := backing(t, 256)
	a := newTestRecord(base, 16, stateUsed, 1)
	b := newTestRecord(base+64, 32, stateUsed, 2)
	a.next = b

	if got := getChunk(a, base+64); got != b {
		t.Fatalf("expected getChunk to find b by exact payload address, got %+v", got)
	}

	// An interior pointer into b's payload must not alias b.
	if got := getChunk(a, base+65); got != nil {
		t.Fatalf("expected interior pointer to find nothing, got %+v", got)
	}
}

func TestMergeConsecutiveChunksAdjacent(t *testing.T) {
	base := backing(t, 256)
	a := newTestRecord(base, 32, stateFree, 1)
	bPayload := a.end()
	b := newTestRecord(bPayload, 32, stateFree, 2)
	cPayload := b.end()
	c := newTestRecord(cPayload, 16, stateUsed, 3)
	a.next, b.next = b, c

	mergeConsecutiveChunks(a)

	if a.next != c {
		t.Fatalf("expected a to splice directly to c after merge, got %+v", a.next)
	}
	if a.state != stateFree {
		t.Fatalf("expected merged chunk to remain FREE, got %v", a.state)
	}
	if a.end() != c.payload {
		t.Fatalf("expected merged chunk to extend exactly up to c's payload: end=%#x c.payload=%#x", a.end(), c.payload)
	}
	if !a.trailerMatches() {
		t.Fatal("expected merged chunk's trailer to have been refreshed")
	}
}

func TestMergeConsecutiveChunksNonAdjacentNotMerged(t *testing.T) {
	base := backing(t, 512)
	a := newTestRecord(base, 32, stateFree, 1)
	// Leave a gap: b does not start where a.end() is, simulating a fresh,
	// non-contiguous OS region acquired by a grow (§4.5).
	b := newTestRecord(a.end()+64, 32, stateFree, 2)
	a.next = b

	mergeConsecutiveChunks(a)

	if a.next != b {
		t.Fatal("non-adjacent FREE neighbours must not be merged")
	}
}

func TestMergeConsecutiveChunksSkipsUsedNeighbour(t *testing.T) {
	base := backing(t, 256)
	a := newTestRecord(base, 32, stateFree, 1)
	b := newTestRecord(a.end(), 32, stateUsed, 2)
	a.next = b

	mergeConsecutiveChunks(a)

	if a.next != b || a.size != 32 {
		t.Fatal("a USED neighbour must never be merged into a FREE record")
	}
}
