package kms

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
	"launchpad.net/gommap"

	"github.com/NeowayLabs/kms/ioctl"
)

const driPath = "/dev/dri"

// Device owns one open handle to a display-control device node. It is
// the root of every other object in this library: master locks,
// resource snapshots, dumb buffers and framebuffers are all derived
// from it and must be released before (or are invalidated by) Close.
//
// A Device and the objects derived from it are not safe for concurrent
// mutation. The kernel state behind the handle (master ownership,
// controller assignment) is one shared resource per physical device, so
// callers running mode-setting from several goroutines must serialize
// externally, per controller at minimum. Read-only enumeration and
// pixel writes into distinct mappings need no such serialization.
type Device struct {
	mu       sync.Mutex
	file     *os.File
	closed   bool
	master   bool
	children int32
	logger   *log.Logger

	// replaced by in-process tests; defaults to the real ioctl path
	submit func(fd uintptr, cmd uint32, arg uintptr) error
}

// Open opens the display-control device node at path. The error
// distinguishes a missing node (ErrNotFound), an access failure
// (ErrPermissionDenied) and any other OS-level open failure (ErrIO).
func Open(path string) (*Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("open %s: %w", path, ErrPermissionDenied)
		default:
			return nil, fmt.Errorf("open %s: %v: %w", path, err, ErrIO)
		}
	}
	return newDevice(file), nil
}

// OpenCard opens the primary node of card n (usually /dev/dri/card0).
func OpenCard(n int) (*Device, error) {
	return Open(fmt.Sprintf("%s/card%d", driPath, n))
}

// OpenControlDev opens the legacy control node of card n.
func OpenControlDev(n int) (*Device, error) {
	return Open(fmt.Sprintf("%s/controlD%d", driPath, n))
}

// OpenRenderDev opens the render node of card n. Render nodes never
// carry mode-setting state, so master acquisition on them fails.
func OpenRenderDev(n int) (*Device, error) {
	return Open(fmt.Sprintf("%s/renderD%d", driPath, n))
}

func newDevice(file *os.File) *Device {
	d := &Device{
		file:   file,
		logger: log.Default(),
	}
	d.submit = func(fd uintptr, cmd uint32, arg uintptr) error {
		return ioctl.Do(fd, cmd, arg)
	}
	return d
}

// Available reports the driver version of the first card, or an error
// when no usable device exists.
func Available() (Version, error) {
	d, err := OpenCard(0)
	if err != nil {
		return Version{}, err
	}
	defer d.Close()
	return d.Version()
}

// Submit issues a single control request. The request and response
// share the fixed-layout structure behind arg; on failure the error
// wraps the raw errno so callers can classify it with errors.Is.
func (d *Device) Submit(cmd uint32, arg unsafe.Pointer) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	fd := d.file.Fd()
	d.mu.Unlock()

	if err := d.submit(fd, cmd, uintptr(arg)); err != nil {
		return fmt.Errorf("ioctl %#x: %w", cmd, err)
	}
	return nil
}

// MapOffset maps size bytes of device memory at the fake offset
// reported by a map-dumb request into the process address space. The
// returned slice is invalidated by Unmap and, implicitly, by Close.
func (d *Device) MapOffset(offset uint64, size int) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	fd := d.file.Fd()
	d.mu.Unlock()

	m, err := gommap.MapAt(0, fd, int64(offset), int64(size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return []byte(m), nil
}

// Unmap releases a mapping obtained from MapOffset.
func (d *Device) Unmap(data []byte) error {
	return gommap.MMap(data).UnsafeUnmap()
}

// ReadEvents reads pending device events (page-flip and vblank
// completions) into p. A negative timeout blocks until data arrives,
// zero polls, and a positive timeout bounds the wait, failing with
// ErrTimedOut when it expires. Giving up on the wait never retracts an
// already queued flip.
func (d *Device) ReadEvents(p []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	fd := int(d.file.Fd())
	d.mu.Unlock()

	ms := pollTimeout(timeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: %v: %w", err, ErrIO)
		}
		if n == 0 {
			return 0, ErrTimedOut
		}
		break
	}
	n, err := unix.Read(fd, p)
	if err != nil {
		return 0, fmt.Errorf("read events: %v: %w", err, ErrIO)
	}
	return n, nil
}

// pollTimeout converts a wait bound into poll(2) milliseconds.
// Negative blocks and zero polls. Positive sub-millisecond waits round
// up to 1ms so they stay bounded waits instead of degrading to a
// non-blocking poll.
func pollTimeout(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := int(timeout.Milliseconds())
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	return ms
}

// IsMaster reports whether this Device currently holds mode-setting
// privileges.
func (d *Device) IsMaster() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master
}

// Ref records a child object (buffer, framebuffer) created on this
// device. Close warns about children that were never released.
func (d *Device) Ref() { atomic.AddInt32(&d.children, 1) }

// Unref records the release of a child object.
func (d *Device) Unref() { atomic.AddInt32(&d.children, -1) }

// Fd exposes the raw handle for callers integrating with poll loops.
func (d *Device) Fd() uintptr {
	return d.file.Fd()
}

// Close releases the device handle unconditionally; the handle is
// never reused afterwards. Un-released child objects are a programming
// error surfaced as a warning, not a failure: the OS reclaims the
// kernel side on close. Mappings into buffers of this device must not
// be dereferenced after Close.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	master := d.master
	d.master = false
	d.mu.Unlock()

	if n := atomic.LoadInt32(&d.children); n > 0 {
		d.logger.Warn("closing device with unreleased child objects",
			"children", n)
	}
	if master {
		d.logger.Warn("closing device while master lock still held")
	}
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("close: %v: %w", err, ErrIO)
	}
	return nil
}
