package kms

import "errors"

// Error taxonomy of the binding. Every fallible operation wraps one of
// these sentinels, so callers dispatch with errors.Is instead of
// matching errno values or message strings.
var (
	// ErrNotFound reports that the device node does not exist.
	ErrNotFound = errors.New("device not found")

	// ErrPermissionDenied reports an access failure, either opening
	// the node or issuing a request that needs master privileges.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrIO is an open or transport failure with no better
	// classification.
	ErrIO = errors.New("i/o error")

	// ErrClosed reports use of a Device after Close.
	ErrClosed = errors.New("device closed")

	// ErrAlreadyMaster reports that mode-setting privileges are held
	// elsewhere, by this process or another one.
	ErrAlreadyMaster = errors.New("device already has a master")

	// ErrObjectVanished reports that an object id from an earlier
	// enumeration no longer resolves (hot-unplug race). Recoverable:
	// skip the element and continue iterating.
	ErrObjectVanished = errors.New("object vanished")

	// ErrInvalidArgument reports a caller-supplied value the device
	// rejects.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidFormat reports a pixel format the device does not
	// accept for scanout.
	ErrInvalidFormat = errors.New("unsupported pixel format")

	// ErrUnsupportedMode reports a mode that is not in the target
	// connector's mode list.
	ErrUnsupportedMode = errors.New("mode not supported by connector")

	// ErrIncompatibleEncoder reports an encoder that cannot drive the
	// chosen controller.
	ErrIncompatibleEncoder = errors.New("encoder cannot drive controller")

	// ErrInvalidCombination reports that the device rejected a
	// proposed atomic object/property set.
	ErrInvalidCombination = errors.New("invalid atomic combination")

	// ErrOutOfMemory reports device allocation exhaustion.
	ErrOutOfMemory = errors.New("device out of memory")

	// ErrInUse reports a teardown ordering violation: the object is
	// still referenced and must be detached first.
	ErrInUse = errors.New("object still in use")

	// ErrMapFailed reports a failed buffer mapping.
	ErrMapFailed = errors.New("mapping failed")

	// ErrTimedOut reports that a bounded event wait expired. Distinct
	// from a hard failure: the wait may be retried.
	ErrTimedOut = errors.New("wait timed out")
)
