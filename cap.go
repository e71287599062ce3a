package kms

import "unsafe"

type (
	sysCapability struct {
		cap uint64
		val uint64
	}

	sysClientCap struct {
		cap uint64
		val uint64
	}
)

const (
	CapDumbBuffer = iota + 1
	CapVBlankHighCRTC
	CapDumbPreferredDepth
	CapDumbPreferShadow
	CapPrime
	CapTimestampMonotonic
	CapAsyncPageFlip
	CapPageFlipTarget
	CapCrtcInVBlankEvent
	CapSyncObj

	CapCursorWidth  = 0x8
	CapCursorHeight = 0x9

	CapAddFB2Modifiers = 0x10
)

// Client capabilities announced by userspace before using the newer
// interfaces they unlock.
const (
	ClientCapStereo3D = iota + 1
	ClientCapUniversalPlanes
	ClientCapAtomic
)

// GetCap queries a single driver capability value.
func (d *Device) GetCap(id uint64) (uint64, error) {
	cap := &sysCapability{cap: id}
	err := d.Submit(IOCTLGetCap, unsafe.Pointer(cap))
	if err != nil {
		return 0, err
	}
	return cap.val, nil
}

// HasDumbBuffer reports whether the driver supports dumb buffers.
func (d *Device) HasDumbBuffer() bool {
	val, err := d.GetCap(CapDumbBuffer)
	if err != nil {
		return false
	}
	return val != 0
}

// SetClientCap announces a client capability to the driver. Atomic
// commits and plane enumeration beyond the primary planes require
// ClientCapAtomic and ClientCapUniversalPlanes respectively.
func (d *Device) SetClientCap(id, val uint64) error {
	cap := &sysClientCap{cap: id, val: val}
	return d.Submit(IOCTLSetClientCap, unsafe.Pointer(cap))
}
