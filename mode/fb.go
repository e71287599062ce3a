package mode

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kms"
)

type sysFBCmd2 struct {
	fbID          uint32
	width, height uint32
	pixelFormat   uint32
	flags         uint32

	// per-plane handles; dumb buffers only ever fill plane 0
	handles  [4]uint32
	pitches  [4]uint32
	offsets  [4]uint32
	modifier [4]uint64
}

// Framebuffer is the device-side object binding a buffer to a
// presentable format and geometry. It keeps its DumbBuffer alive: the
// buffer cannot be destroyed while a framebuffer built from it exists,
// so a framebuffer never references destroyed storage.
type Framebuffer struct {
	card Card

	id      uint32
	buf     *DumbBuffer
	format  uint32
	removed bool
}

// AddFB registers a framebuffer over buf through the legacy
// depth/bpp request.
func AddFB(card Card, buf *DumbBuffer, depth uint8) (*Framebuffer, error) {
	if buf.destroyed {
		return nil, fmt.Errorf("add fb: buffer destroyed: %w",
			kms.ErrInvalidArgument)
	}
	f := &sysFBCmd{}
	f.width = buf.width
	f.height = buf.height
	f.pitch = buf.pitch
	f.bpp = buf.bpp
	f.depth = uint32(depth)
	f.handle = buf.handle
	err := card.Submit(IOCTLModeAddFB, unsafe.Pointer(f))
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil, fmt.Errorf("add fb: %w", kms.ErrInvalidFormat)
		}
		return nil, fmt.Errorf("add fb: %w", err)
	}
	card.Ref()
	buf.fbs++
	return &Framebuffer{card: card, id: f.fbID, buf: buf}, nil
}

// CreateFramebuffer registers a framebuffer over buf with an explicit
// fourcc pixel format (the add-fb2 request). Geometry and pitch come
// from the buffer; a format whose bits per pixel do not match the
// buffer's fails with kms.ErrInvalidArgument before any request is
// issued, and a format the device itself rejects with
// kms.ErrInvalidFormat.
func CreateFramebuffer(card Card, buf *DumbBuffer, format uint32) (*Framebuffer, error) {
	if buf.destroyed {
		return nil, fmt.Errorf("create fb: buffer destroyed: %w",
			kms.ErrInvalidArgument)
	}
	if bpp := FormatBPP(format); bpp != 0 && bpp != buf.bpp {
		return nil, fmt.Errorf("create fb: format needs %d bpp, buffer has %d: %w",
			bpp, buf.bpp, kms.ErrInvalidArgument)
	}

	f := &sysFBCmd2{}
	f.width = buf.width
	f.height = buf.height
	f.pixelFormat = format
	f.handles[0] = buf.handle
	f.pitches[0] = buf.pitch
	err := card.Submit(IOCTLModeAddFB2, unsafe.Pointer(f))
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil, fmt.Errorf("create fb: %w", kms.ErrInvalidFormat)
		}
		return nil, fmt.Errorf("create fb: %w", err)
	}
	card.Ref()
	buf.fbs++
	return &Framebuffer{card: card, id: f.fbID, buf: buf, format: format}, nil
}

// ID is the object id usable in controller set, page flip and atomic
// requests.
func (f *Framebuffer) ID() uint32 { return f.id }

// Format returns the fourcc format, or 0 for legacy depth/bpp
// framebuffers.
func (f *Framebuffer) Format() uint32 { return f.format }

// Buffer returns the underlying pixel storage.
func (f *Framebuffer) Buffer() *DumbBuffer { return f.buf }

// Remove destroys the framebuffer object. While the framebuffer is
// attached to an active controller the device refuses with
// kms.ErrInUse; detach first by pointing the controller at another
// framebuffer or clearing it. Removing twice is a no-op.
func (f *Framebuffer) Remove() error {
	if f.removed {
		return nil
	}
	err := f.card.Submit(IOCTLModeRmFB, unsafe.Pointer(&sysRmFB{f.id}))
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("rm fb %d: attached to active crtc: %w",
				f.id, kms.ErrInUse)
		}
		return fmt.Errorf("rm fb %d: %w", f.id, err)
	}
	f.removed = true
	if f.buf != nil {
		f.buf.fbs--
	}
	f.card.Unref()
	return nil
}
