package kms

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MasterLock is the capability object proving exclusive mode-setting
// privilege on a Device. Operations that mutate display state (setting
// a controller, page flips, atomic commits, plane and property writes)
// require the lock; read-only enumeration does not. Adding and removing
// framebuffers is not gated: the kernel accepts those from any client
// that owns the underlying buffer handle.
//
// At most one live MasterLock exists per Device. The kernel serializes
// acquisition system-wide: a second acquire against a device mastered
// elsewhere fails with ErrAlreadyMaster, it never deadlocks.
type MasterLock struct {
	dev *Device
}

// MasterLock issues the become-master request. A second acquisition on
// a Device that already holds the lock fails with ErrAlreadyMaster
// before any control request is issued.
func (d *Device) MasterLock() (*MasterLock, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.master {
		d.mu.Unlock()
		return nil, fmt.Errorf("master lock held by this device: %w", ErrAlreadyMaster)
	}
	d.mu.Unlock()

	if err := d.Submit(IOCTLSetMaster, nil); err != nil {
		switch {
		case errors.Is(err, unix.EBUSY):
			return nil, fmt.Errorf("set master: %w", ErrAlreadyMaster)
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return nil, fmt.Errorf("set master: %w", ErrPermissionDenied)
		default:
			return nil, fmt.Errorf("set master: %w", err)
		}
	}

	d.mu.Lock()
	d.master = true
	d.mu.Unlock()
	return &MasterLock{dev: d}, nil
}

// Drop releases mode-setting privileges via the paired drop-master
// request. Dropping twice, or after the Device was closed, is a no-op.
func (l *MasterLock) Drop() error {
	d := l.dev
	d.mu.Lock()
	if d.closed || !d.master {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	// Only mark the lock released once the device confirms it, so a
	// failed drop leaves IsMaster agreeing with the kernel.
	if err := d.Submit(IOCTLDropMaster, nil); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return fmt.Errorf("drop master: %w", err)
	}

	d.mu.Lock()
	d.master = false
	d.mu.Unlock()
	return nil
}
