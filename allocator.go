// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package secmalloc

import (
	"math"
	"unsafe"
)

// defaultMetaCapacity mirrors the original C implementation's
// metadata_offset of 1e5 chunk records (§4.1, §9 "target ≈10⁴–10⁵").
const defaultMetaCapacity = 100_000

const mallocAlign = 16 // invariant 5: payloads land on 16-byte boundaries.

var recordSize = unsafe.Sizeof(chunkRecord{})

// roundup rounds n up to the next multiple of m. m must be a power of two.
func roundup(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

// osRegion is one OS-level mapping the allocator owns, tracked only so
// teardown can release exactly what init_heap/grow acquired (§5 resource
// discipline).
type osRegion struct {
	addr unsafe.Pointer
	size int
}

// Allocator is the process-wide hardened heap (§9: "encapsulate as a single
// opaque object behind the four entry points"). Its zero value is usable:
// ensureInit falls back to defaultMetaCapacity when no capacity was set.
// newAllocator picks another capacity; the package-level lazy singleton in
// secmalloc.go mirrors how a C allocator has no constructor call of its own.
type Allocator struct {
	head *chunkRecord

	metaRegion   []byte
	metaCapacity int
	metaUsed     int

	dataBase uintptr
	dataEnd  uintptr

	regions []osRegion

	canary *canarySource
	log    logSink

	initialized bool
	failed      bool
}

// newAllocator constructs an Allocator with the given metadata capacity.
// Production code always goes through the default singleton (capacity
// defaultMetaCapacity); tests use a small capacity so they don't have to
// mmap 100k records per case.
func newAllocator(metaCapacity int) *Allocator {
	return &Allocator{metaCapacity: metaCapacity}
}

// ensureLogSink lazily materializes the log sink. It is split out of
// ensureInit because several entry points (my_free on a null pointer,
// my_calloc on an overflowing request) must log before the rest of §4.1's
// heap setup has any reason to run — the singleton in secmalloc.go starts
// with log == nil, and a caller's very first call can be any of the four
// entry points in any order.
func (a *Allocator) ensureLogSink() {
	if a.log == nil {
		a.log = newLogSink()
	}
}

// ensureInit performs the lazy one-shot init of §4.1. Subsequent calls are
// no-ops; a prior failure is remembered so every later call keeps refusing
// to serve allocations rather than retrying a broken heap.
func (a *Allocator) ensureInit() bool {
	if a.initialized {
		return !a.failed
	}
	a.initialized = true

	a.ensureLogSink()
	if a.metaCapacity == 0 {
		a.metaCapacity = defaultMetaCapacity
	}

	a.log.infof("init_heap - initializing pools of memory")

	canary, err := newCanarySource()
	if err != nil {
		a.log.errorf("init_heap - failed to seed canary PRNG: %v", err)
		a.failed = true
		return false
	}
	a.canary = canary

	metaSize := int(uintptr(a.metaCapacity) * recordSize)
	metaRegion, err := reserveRegion(0, metaSize)
	if err != nil {
		a.log.errorf("init_heap - failed to allocate metadata pool: %v", err)
		a.failed = true
		return false
	}
	a.metaRegion = metaRegion
	a.regions = append(a.regions, osRegion{addr: unsafe.Pointer(&metaRegion[0]), size: metaSize})

	pageSize := osPageSize
	dataRegion, err := reserveRegion(0, pageSize)
	if err != nil {
		a.log.errorf("init_heap - failed to allocate data pool: %v", err)
		a.failed = true
		return false
	}
	dataBase := uintptr(unsafe.Pointer(&dataRegion[0]))
	a.regions = append(a.regions, osRegion{addr: unsafe.Pointer(&dataRegion[0]), size: pageSize})
	a.dataBase = dataBase
	a.dataEnd = dataBase + uintptr(pageSize)

	first := a.newRecord()
	first.payload = dataBase
	first.size = uintptr(pageSize) - uintptr(canaryWordSize)
	first.state = stateFree
	first.canary = a.canary.draw()
	first.writeTrailer()
	first.next = nil
	a.head = first

	return true
}

// newRecord materializes the next metadata slot, or nil if M's capacity is
// exhausted (§7 resource exhaustion band). Slots are never reclaimed
// (§3 meta_used, §9 "metadata slot reuse").
func (a *Allocator) newRecord() *chunkRecord {
	if a.metaUsed >= a.metaCapacity {
		a.log.errorf("allocate_chunk - metadata capacity exhausted (%d records)", a.metaCapacity)
		return nil
	}
	idx := a.metaUsed
	a.metaUsed++
	return (*chunkRecord)(unsafe.Pointer(&a.metaRegion[uintptr(idx)*recordSize]))
}

// insertRecord splices rec into the list keeping payload addresses in
// strictly increasing order (invariant 1). A grow (§4.4) has no control
// over where the OS hands back a fresh region — reserveRegion ignores its
// hint and a non-MAP_FIXED mmap can return an address below existing
// payloads — so growChunk must not assume the new record belongs at the
// tail.
func (a *Allocator) insertRecord(rec *chunkRecord) {
	if a.head == nil || rec.payload < a.head.payload {
		rec.next = a.head
		a.head = rec
		return
	}
	cur := a.head
	for cur.next != nil && cur.next.payload < rec.payload {
		cur = cur.next
	}
	rec.next = cur.next
	cur.next = rec
}

// splitChunk implements §4.3. free must be state FREE and big enough to
// hold size bytes. If the leftover after placing size (plus its trailer,
// rounded up to the next 16-byte boundary) isn't big enough to host a
// record of its own, the whole chunk is handed over unsplit.
func (a *Allocator) splitChunk(free *chunkRecord, size uintptr) uintptr {
	originalEnd := free.end()
	remainderStart := roundup(free.payload+size+uintptr(canaryWordSize), mallocAlign)

	if remainderStart+uintptr(canaryWordSize) >= originalEnd {
		free.state = stateUsed
		free.canary = a.canary.draw()
		free.writeTrailer()
		return free.payload
	}

	remainder := a.newRecord()
	if remainder == nil {
		// Capacity exhausted: fall back to handing over the whole chunk
		// rather than losing the remainder silently.
		free.state = stateUsed
		free.canary = a.canary.draw()
		free.writeTrailer()
		return free.payload
	}

	remainder.payload = remainderStart
	remainder.size = originalEnd - remainderStart - uintptr(canaryWordSize)
	remainder.state = stateFree
	remainder.next = free.next
	remainder.canary = a.canary.draw()
	remainder.writeTrailer()

	free.size = size
	free.state = stateUsed
	free.next = remainder
	free.canary = a.canary.draw()
	free.writeTrailer()

	return free.payload
}

// growChunk implements §4.4: extend D by a fresh OS region sized to hold
// the request (rounded up to a whole number of pages), insert a new USED
// record at its address-ordered position, and leave any page slack as a
// FREE record right after it.
func (a *Allocator) growChunk(size uintptr) uintptr {
	need := size + uintptr(canaryWordSize)
	pageSize := uintptr(osPageSize)
	regionSize := int(roundup(need, pageSize))

	mem, err := reserveRegion(a.dataEnd, regionSize)
	if err != nil {
		a.log.errorf("allocate_chunk - failed to grow data pool by %d bytes: %v", regionSize, err)
		return 0
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	a.regions = append(a.regions, osRegion{addr: unsafe.Pointer(&mem[0]), size: regionSize})

	rec := a.newRecord()
	if rec == nil {
		// Undo the partial grow: release the freshly reserved region so
		// AllocatorState's bounds (dataEnd) stay consistent with what was
		// actually kept (§5 "any early return from grow must undo its
		// partial region request").
		_ = releaseRegion(unsafe.Pointer(&mem[0]), regionSize)
		a.regions = a.regions[:len(a.regions)-1]
		return 0
	}

	rec.payload = base
	rec.size = size
	rec.state = stateUsed
	rec.canary = a.canary.draw()
	rec.writeTrailer()
	a.insertRecord(rec)

	recEnd := rec.end()
	regionEnd := base + uintptr(regionSize)
	if regionEnd > recEnd+uintptr(canaryWordSize) {
		free := a.newRecord()
		if free != nil {
			free.payload = recEnd
			free.size = regionEnd - recEnd - uintptr(canaryWordSize)
			free.state = stateFree
			free.canary = a.canary.draw()
			free.writeTrailer()
			// free lies inside the region just reserved for rec, strictly
			// between rec and whatever rec.next became above, so splicing
			// it in immediately after rec keeps address order intact.
			free.next = rec.next
			rec.next = free
		}
	}

	if base < a.dataBase {
		a.dataBase = base
	}
	if regionEnd > a.dataEnd {
		a.dataEnd = regionEnd
	}

	return rec.payload
}

// malloc is the entry point behind the exported Malloc (§4.6).
func (a *Allocator) malloc(size int) unsafe.Pointer {
	if !a.ensureInit() {
		return nil
	}
	if size <= 0 {
		return nil
	}

	request := uintptr(size)

	if free := findFreeChunk(a.head, request); free != nil {
		return unsafe.Pointer(a.splitChunk(free, request))
	}

	if p := a.growChunk(request); p != 0 {
		return unsafe.Pointer(p)
	}
	return nil
}

// free is the entry point behind the exported Free (§4.7).
func (a *Allocator) free(ptr unsafe.Pointer) {
	a.ensureLogSink()
	if ptr == nil {
		a.log.warnf("my_free - null pointer given")
		return
	}

	p := uintptr(ptr)
	if !a.initialized {
		// No heap exists yet, so no record can own ptr; setting the heap up
		// here would change AllocatorState on a rejected release.
		a.log.warnf("my_free - unknown pointer %#x", p)
		return
	}
	if !a.ensureInit() {
		return
	}

	chunk := getChunk(a.head, p)
	if chunk == nil {
		a.log.warnf("my_free - unknown pointer %#x", p)
		return
	}
	if chunk.state == stateFree {
		a.log.warnf("my_free - double free at %#x", p)
		return
	}

	if !chunk.trailerMatches() {
		a.log.errorf("my_free - canary corrupted at %#x (heap buffer overflow)", p)
	}

	chunk.state = stateFree
	mergeConsecutiveChunks(a.head)
}

// callocAlloc is the entry point behind the exported Calloc (§4.9).
func (a *Allocator) callocAlloc(nmemb, size int) unsafe.Pointer {
	a.ensureLogSink()
	if nmemb < 0 || size < 0 {
		return nil
	}
	if nmemb != 0 && size > math.MaxInt/nmemb {
		a.log.errorf("my_calloc - overflow computing %d * %d", nmemb, size)
		return nil
	}

	total := nmemb * size
	p := a.malloc(total)
	if p == nil {
		return nil
	}

	b := unsafe.Slice((*byte)(p), total)
	for i := range b {
		b[i] = 0
	}
	return p
}

// realloc is the entry point behind the exported Realloc (§4.8).
func (a *Allocator) realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	if ptr == nil {
		return a.malloc(size)
	}
	if size == 0 {
		a.free(ptr)
		return nil
	}
	if !a.ensureInit() {
		return nil
	}

	chunk := getChunk(a.head, uintptr(ptr))
	if chunk == nil {
		a.log.warnf("my_realloc - unknown pointer %#x", uintptr(ptr))
		return nil
	}

	if chunk.size >= uintptr(size) {
		return ptr
	}

	newPtr := a.malloc(size)
	if newPtr == nil {
		a.log.warnf("my_realloc - allocation failed for %d bytes", size)
		return nil
	}

	copySize := chunk.size
	if uintptr(size) < copySize {
		copySize = uintptr(size)
	}
	src := unsafe.Slice((*byte)(ptr), copySize)
	dst := unsafe.Slice((*byte)(newPtr), copySize)
	copy(dst, src)

	a.free(ptr)
	return newPtr
}

// leakScan implements the first exit-time stage of §4.11: report, then
// release, every still-USED record, walking the list exactly once before
// any release mutates it.
func (a *Allocator) leakScan() {
	if !a.initialized || a.failed {
		return
	}

	var leaked []*chunkRecord
	for cur := a.head; cur != nil; cur = cur.next {
		if cur.state == stateUsed {
			leaked = append(leaked, cur)
		}
	}

	for _, rec := range leaked {
		a.log.warnf("leak detected - unreleased allocation at %#x (%d bytes)", rec.payload, rec.size)
		a.free(unsafe.Pointer(rec.payload))
	}
}

// teardown implements the second exit-time stage of §4.11: unmap M and D
// and reset AllocatorState so a later ensureInit is well-defined.
func (a *Allocator) teardown() {
	if !a.initialized {
		return
	}

	for _, r := range a.regions {
		if err := releaseRegion(r.addr, r.size); err != nil {
			a.log.errorf("teardown - failed to release region at %p: %v", r.addr, err)
		}
	}

	a.log.infof("teardown - heap released")
	a.log.sync()

	*a = Allocator{metaCapacity: a.metaCapacity}
}
