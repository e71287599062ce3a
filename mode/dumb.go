package mode

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kms"
)

type (
	sysCreateDumb struct {
		height, width uint32
		bpp           uint32
		flags         uint32

		// returned values
		handle uint32
		pitch  uint32
		size   uint64
	}

	sysMapDumb struct {
		handle uint32 // Handle for the object being mapped
		pad    uint32

		// Fake offset to use for subsequent mmap call
		// This is a fixed-size type for 32/64 compatibility.
		offset uint64
	}

	sysDestroyDumb struct {
		handle uint32
	}
)

// DumbBuffer is kernel-allocated, CPU-mappable pixel storage with no
// acceleration semantics. Pitch and size come back from the device and
// may exceed width*bytes-per-pixel due to alignment: all offset
// arithmetic into a mapping must use Pitch and Size, never recomputed
// values. The owning device must outlive the buffer, and Destroy must
// be called explicitly.
type DumbBuffer struct {
	card Card

	handle        uint32
	width, height uint32
	bpp           uint32
	pitch         uint32
	size          uint64

	mapping   *Mapping
	fbs       int // live framebuffers built over this buffer
	destroyed bool
}

// CreateDumb allocates a dumb buffer. Width and height must be
// positive and bpp one of the depths dumb buffers support (8, 16, 24
// or 32); a value the device itself rejects fails with
// kms.ErrInvalidArgument, allocation exhaustion with
// kms.ErrOutOfMemory.
func CreateDumb(card Card, width, height, bpp uint32) (*DumbBuffer, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("create dumb %dx%d: %w",
			width, height, kms.ErrInvalidArgument)
	}
	switch bpp {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("create dumb: %d bpp: %w", bpp,
			kms.ErrInvalidArgument)
	}

	fb := &sysCreateDumb{}
	fb.width = width
	fb.height = height
	fb.bpp = bpp
	err := card.Submit(IOCTLModeCreateDumb, unsafe.Pointer(fb))
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSPC):
			return nil, fmt.Errorf("create dumb: %w", kms.ErrOutOfMemory)
		case errors.Is(err, unix.EINVAL):
			return nil, fmt.Errorf("create dumb: %w", kms.ErrInvalidArgument)
		default:
			return nil, fmt.Errorf("create dumb: %w", err)
		}
	}
	card.Ref()
	return &DumbBuffer{
		card:   card,
		handle: fb.handle,
		width:  fb.width,
		height: fb.height,
		bpp:    fb.bpp,
		pitch:  fb.pitch,
		size:   fb.size,
	}, nil
}

func (b *DumbBuffer) Handle() uint32 { return b.handle }
func (b *DumbBuffer) Width() uint32  { return b.width }
func (b *DumbBuffer) Height() uint32 { return b.height }
func (b *DumbBuffer) BPP() uint32    { return b.bpp }

// Pitch is the device-computed bytes per row.
func (b *DumbBuffer) Pitch() uint32 { return b.pitch }

// Size is the device-computed total size in bytes.
func (b *DumbBuffer) Size() uint64 { return b.size }

// Map requests the buffer's map offset token and maps that offset into
// process memory. A failed mapping reports kms.ErrMapFailed. The
// returned Mapping must be unmapped before the buffer is destroyed; a
// second Map while one is live fails with kms.ErrInUse.
//
// Writing pixels through the mapping is an ordinary memory write with
// no synchronization against scanout: writing a buffer that is being
// displayed can show a torn frame. Tear-free updates go through a page
// flip or atomic commit onto a second buffer.
func (b *DumbBuffer) Map() (*Mapping, error) {
	if b.destroyed {
		return nil, fmt.Errorf("map dumb %d: buffer destroyed: %w",
			b.handle, kms.ErrInvalidArgument)
	}
	if b.mapping != nil {
		return nil, fmt.Errorf("map dumb %d: %w", b.handle, kms.ErrInUse)
	}

	mreq := &sysMapDumb{}
	mreq.handle = b.handle
	err := b.card.Submit(IOCTLModeMapDumb, unsafe.Pointer(mreq))
	if err != nil {
		return nil, fmt.Errorf("map dumb %d: %v: %w", b.handle, err,
			kms.ErrMapFailed)
	}

	data, err := b.card.MapOffset(mreq.offset, int(b.size))
	if err != nil {
		return nil, fmt.Errorf("mmap dumb %d: %v: %w", b.handle, err,
			kms.ErrMapFailed)
	}
	b.mapping = &Mapping{buf: b, data: data}
	return b.mapping, nil
}

// Destroy releases the buffer handle. It fails with kms.ErrInUse while
// a mapping is live or a framebuffer built over this buffer still
// exists; the binding never detaches those implicitly, teardown order
// is the caller's. The handle must not be used afterwards.
func (b *DumbBuffer) Destroy() error {
	if b.destroyed {
		return nil
	}
	if b.mapping != nil {
		return fmt.Errorf("destroy dumb %d: mapping still live: %w",
			b.handle, kms.ErrInUse)
	}
	if b.fbs > 0 {
		return fmt.Errorf("destroy dumb %d: %d framebuffers still reference it: %w",
			b.handle, b.fbs, kms.ErrInUse)
	}

	err := b.card.Submit(IOCTLModeDestroyDumb,
		unsafe.Pointer(&sysDestroyDumb{b.handle}))
	if err != nil {
		return fmt.Errorf("destroy dumb %d: %w", b.handle, err)
	}
	b.destroyed = true
	b.card.Unref()
	return nil
}

// Mapping is a process-visible view over a DumbBuffer's memory. Its
// validity is bounded by the buffer: Unmap must happen before the
// buffer is destroyed and before the owning device is closed.
type Mapping struct {
	buf  *DumbBuffer
	data []byte
}

// Bytes exposes the mapped memory. The slice is invalid after Unmap.
func (m *Mapping) Bytes() []byte { return m.data }

// Len returns the mapped size, equal to the buffer's Size.
func (m *Mapping) Len() int { return len(m.data) }

// Unmap releases the view. Unmapping twice is a no-op.
func (m *Mapping) Unmap() error {
	if m.buf == nil {
		return nil
	}
	err := m.buf.card.Unmap(m.data)
	m.buf.mapping = nil
	m.buf = nil
	m.data = nil
	if err != nil {
		return fmt.Errorf("munmap: %v: %w", err, kms.ErrMapFailed)
	}
	return nil
}
