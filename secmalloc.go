// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package secmalloc implements a hardened drop-in replacement for the
// standard dynamic memory allocation primitives: malloc, free, calloc and
// realloc.
//
// Unlike a general-purpose allocator, secmalloc is built to surface classes
// of memory-safety bugs the standard allocator silently tolerates: heap
// buffer overflows (via a per-chunk canary written immediately after every
// payload), double free, release of a pointer the allocator never handed
// out, and unreleased allocations still live at process exit. Corruption is
// reported, not fatal — a hardened allocator that aborts on first detection
// would be a worse diagnostic tool than one that keeps serving the program
// while it logs what went wrong.
//
// The heap is process-wide, single-threaded, and lazily initialized: the
// first call to Malloc, Calloc or Realloc triggers setup; callers that
// embed secmalloc into a longer-running program and want the exit-time
// leak report and region release should `defer secmalloc.Teardown()` in
// main, mirroring how github.com/cznic/memory documents its own optional
// Close.
package secmalloc

import "unsafe"

// global is the process-wide allocator instance behind the four entry
// points below (§9: "AllocatorState is unavoidably global because the
// entry points mirror the standard allocator's signatures").
var global = newAllocator(defaultMetaCapacity)

// Malloc allocates size bytes and returns a pointer to the start of the
// block, or nil if size is not positive or the allocation could not be
// satisfied (§4.6). The memory is not initialized.
func Malloc(size int) unsafe.Pointer {
	return global.malloc(size)
}

// Free releases a block previously returned by Malloc, Calloc or Realloc
// (§4.7). A nil pointer, an unrecognized pointer, and a double free are all
// reported and otherwise ignored rather than treated as fatal.
func Free(ptr unsafe.Pointer) {
	global.free(ptr)
}

// Calloc allocates memory for nmemb elements of size bytes each and zeroes
// it (§4.9). Returns nil on overflow or allocation failure.
func Calloc(nmemb, size int) unsafe.Pointer {
	return global.callocAlloc(nmemb, size)
}

// Realloc resizes the allocation at ptr to size bytes (§4.8). A nil ptr
// behaves like Malloc; a zero size behaves like Free and returns nil. A
// size the current block already holds returns ptr unchanged; the block is
// never shrunk.
func Realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	return global.realloc(ptr, size)
}

// Teardown runs the two exit-time stages of §4.11 in order: a leak scan
// (report and release every still-USED record) followed by releasing M and
// D back to the operating system. It is safe to call even if the heap was
// never touched. Go has no C-style atexit; this is the explicit
// equivalent callers are expected to defer.
func Teardown() {
	global.leakScan()
	global.teardown()
}
