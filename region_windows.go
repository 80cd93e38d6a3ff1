// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2017 The Memory Authors, (c) standard3/secmalloc.

package secmalloc

import (
	"errors"
	"os"
	"reflect"
	"syscall"
	"unsafe"
)

var osPageSize = os.Getpagesize()

// handleMap recovers the file-mapping handle for an address returned by
// reserveRegion, since UnmapViewOfFile only needs the address but
// CloseHandle needs the handle.
var handleMap = map[uintptr]syscall.Handle{}

// reserveRegion is a two-step process on Windows: CreateFileMapping gets a
// handle backed by the system paging file, then MapViewOfFile maps it into
// the process. hint is not honored: MapViewOfFile (as opposed to
// MapViewOfFileEx) never accepts a preferred base address, so grow (§4.4)
// must tolerate non-adjacent regions exactly as the unix path does.
func reserveRegion(hint uintptr, size int) ([]byte, error) {
	_ = hint
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return nil, os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		return nil, os.NewSyscallError("MapViewOfFile", errno)
	}

	if addr&uintptr(osPageSize-1) != 0 {
		panic("secmalloc: region not page aligned")
	}

	handleMap[addr] = h
	var b []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = addr
	sh.Len = size
	sh.Cap = size
	return b, nil
}

func releaseRegion(addr unsafe.Pointer, size int) error {
	_ = size
	p := uintptr(addr)
	if err := syscall.UnmapViewOfFile(p); err != nil {
		return err
	}

	handle, ok := handleMap[p]
	if !ok {
		return errors.New("secmalloc: unknown region base address")
	}
	delete(handleMap, p)

	return os.NewSyscallError("CloseHandle", syscall.CloseHandle(handle))
}
