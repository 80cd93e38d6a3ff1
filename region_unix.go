// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package secmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var osPageSize = unix.Getpagesize()

// reserveRegion asks the kernel for a fresh anonymous read/write mapping of
// size bytes. hint is advisory only: the portable mmap(2) wrapper gives us no
// way to request MAP_FIXED placement, so a grow (§4.4) may land anywhere in
// the address space above or below data_end. mergeConsecutiveChunks
// (chunk.go) never assumes two regions are address-adjacent for exactly this
// reason.
func reserveRegion(hint uintptr, size int) ([]byte, error) {
	_ = hint
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	if uintptr(unsafe.Pointer(&b[0]))&uintptr(osPageSize-1) != 0 {
		panic("secmalloc: region not page aligned")
	}

	return b, nil
}

func releaseRegion(addr unsafe.Pointer, size int) error {
	b := unsafe.Slice((*byte)(addr), size)
	return unix.Munmap(b)
}
