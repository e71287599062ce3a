package ioctl

import (
	"fmt"
	"syscall"
)

// To decode a hex IOCTL code:
//
// Most architectures use this generic format, but check
// include/ARCH/ioctl.h for specifics, e.g. powerpc
// uses 3 bits to encode read/write and 13 bits for size.
//
//  bits    meaning
//  31-30	00 - no parameters: uses _IO macro
// 	10 - read: _IOR
// 	01 - write: _IOW
// 	11 - read/write: _IOWR
//
//  29-16	size of arguments
//
//  15-8	ascii character supposedly
// 	unique to each driver
//
//  7-0	function #
//
// source: https://www.kernel.org/doc/Documentation/ioctl/ioctl-decoding.txt

const (
	None  = uint8(0x0)
	Write = uint8(0x1)
	Read  = uint8(0x2)
)

// NewCode builds the numeric command code issued to the device driver.
// The resulting value is a fixed lookup constant: nothing downstream
// ever recomputes it.
func NewCode(typ uint8, sz uint16, uniq, fn uint8) uint32 {
	if typ > Write|Read {
		panic(fmt.Errorf("invalid ioctl direction: %d", typ))
	}

	if sz > 2<<14 {
		panic(fmt.Errorf("invalid ioctl size value: %d", sz))
	}

	var code uint32
	code = code | (uint32(typ) << 30)
	code = code | (uint32(sz) << 16) // sz has 14bits
	code = code | (uint32(uniq) << 8)
	code = code | uint32(fn)
	return code
}

// Do issues a single control request against fd. On failure the error
// is the raw syscall.Errno, so callers can translate it into their own
// taxonomy with errors.Is.
func Do(fd uintptr, cmd uint32, ptr uintptr) error {
	_, _, errcode := syscall.Syscall(syscall.SYS_IOCTL, fd, uintptr(cmd), ptr)
	if errcode != 0 {
		return errcode
	}
	return nil
}
