package mode

import (
	"errors"
	"fmt"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kms"
)

// Page flip flags.
const (
	PageFlipEvent = 0x01
	PageFlipAsync = 0x02
)

// Atomic commit flags.
const (
	atomicTestOnly     = 0x0100
	atomicNonblock     = 0x0200
	atomicAllowModeset = 0x0400
)

type (
	sysPageFlip struct {
		crtcID   uint32
		fbID     uint32
		flags    uint32
		reserved uint32
		userData uint64
	}

	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uint64
		countPropsPtr uint64
		propsPtr      uint64
		propValuesPtr uint64
		reserved      uint64
		userData      uint64
	}
)

// CommitRequest describes one wiring to activate: drive Connector
// through Encoder and the controller Crtc, scanning out Framebuffer
// with Mode. A request with a zero Framebuffer and nil Mode clears the
// controller back to idle.
//
// Connector and Encoder are snapshot elements; they must come from the
// same enumeration pass as the Catalog the request is committed
// through, otherwise the possible-CRTC bitmask check is meaningless.
type CommitRequest struct {
	Crtc        uint32
	Framebuffer uint32
	Connector   *Connector
	Encoder     *Encoder
	Mode        *Info
}

func (r *CommitRequest) clears() bool {
	return r.Framebuffer == 0 && r.Mode == nil
}

// Committer applies a CommitRequest. The two strategies, legacy
// per-controller set and atomic property commit, share the same
// pre-submission validation; callers pick one and commits against the
// same controller must not race each other.
type Committer interface {
	Commit(cat *Catalog, req *CommitRequest) error
}

// validateRequest runs every check that can fail without touching the
// device: mode membership in the connector's mode list (exact timing
// match) and encoder/controller compatibility via the snapshot-scoped
// bitmask. No control request is issued when validation fails.
func validateRequest(cat *Catalog, req *CommitRequest) error {
	if req.clears() {
		return nil
	}
	if req.Connector == nil || req.Mode == nil {
		return fmt.Errorf("commit: connector and mode required: %w",
			kms.ErrInvalidArgument)
	}

	supported := false
	for i := range req.Connector.Modes {
		if req.Connector.Modes[i].SameTimings(req.Mode) {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("commit: mode %s on connector %d: %w",
			req.Mode, req.Connector.ID, kms.ErrUnsupportedMode)
	}

	if req.Encoder != nil && !cat.EncoderCanDrive(req.Encoder, req.Crtc) {
		return fmt.Errorf("commit: encoder %d with crtc %d: %w",
			req.Encoder.ID, req.Crtc, kms.ErrIncompatibleEncoder)
	}
	return nil
}

// LegacyCommit drives the per-controller set-crtc request.
type LegacyCommit struct{}

func (LegacyCommit) Commit(cat *Catalog, req *CommitRequest) error {
	if err := validateRequest(cat, req); err != nil {
		return err
	}
	if req.clears() {
		return SetCrtc(cat.card, req.Crtc, 0, 0, 0, nil, nil)
	}
	conns := []uint32{req.Connector.ID}
	return SetCrtc(cat.card, req.Crtc, req.Framebuffer, 0, 0, conns, req.Mode)
}

// AtomicCommit batches the wiring into one indivisible multi-object
// property update: connector CRTC_ID, controller MODE_ID/ACTIVE and
// the primary plane's framebuffer and geometry either all take effect
// in one vertical blank or none do. With TestOnly set the device
// validates the combination without applying it; a rejected set fails
// with kms.ErrInvalidCombination either way and leaves no visible
// state change.
type AtomicCommit struct {
	TestOnly bool
}

type propUpdate struct {
	prop  uint32
	value uint64
}

func (a AtomicCommit) Commit(cat *Catalog, req *CommitRequest) error {
	if err := validateRequest(cat, req); err != nil {
		return err
	}
	card := cat.card
	if !card.IsMaster() {
		return fmt.Errorf("atomic commit: master lock required: %w",
			kms.ErrPermissionDenied)
	}

	var (
		connID  uint32
		updates = map[uint32][]propUpdate{}
		blob    uint32
	)

	plane, err := PrimaryPlane(card, cat.res, req.Crtc)
	if err != nil {
		return fmt.Errorf("atomic commit: %w", err)
	}

	addProp := func(objID, objType uint32, name string, value uint64) error {
		p, _, err := FindProperty(card, objID, objType, name)
		if err != nil {
			return fmt.Errorf("atomic commit: %w", err)
		}
		updates[objID] = append(updates[objID], propUpdate{p.ID, value})
		return nil
	}

	if req.clears() {
		// connector id is unknown on a clear; only crtc and plane are
		// addressed
		if err := addProp(req.Crtc, ObjectCrtc, "ACTIVE", 0); err != nil {
			return err
		}
		if err := addProp(req.Crtc, ObjectCrtc, "MODE_ID", 0); err != nil {
			return err
		}
		if err := addProp(plane.ID, ObjectPlane, "CRTC_ID", 0); err != nil {
			return err
		}
		if err := addProp(plane.ID, ObjectPlane, "FB_ID", 0); err != nil {
			return err
		}
	} else {
		connID = req.Connector.ID

		blob, err = CreateBlob(card, infoBytes(req.Mode))
		if err != nil {
			return fmt.Errorf("atomic commit: %w", err)
		}
		defer DestroyBlob(card, blob)

		w := uint64(req.Mode.Hdisplay)
		h := uint64(req.Mode.Vdisplay)
		for _, u := range []struct {
			objID, objType uint32
			name           string
			value          uint64
		}{
			{connID, ObjectConnector, "CRTC_ID", uint64(req.Crtc)},
			{req.Crtc, ObjectCrtc, "MODE_ID", uint64(blob)},
			{req.Crtc, ObjectCrtc, "ACTIVE", 1},
			{plane.ID, ObjectPlane, "CRTC_ID", uint64(req.Crtc)},
			{plane.ID, ObjectPlane, "FB_ID", uint64(req.Framebuffer)},
			{plane.ID, ObjectPlane, "SRC_X", 0},
			{plane.ID, ObjectPlane, "SRC_Y", 0},
			{plane.ID, ObjectPlane, "SRC_W", w << 16},
			{plane.ID, ObjectPlane, "SRC_H", h << 16},
			{plane.ID, ObjectPlane, "CRTC_X", 0},
			{plane.ID, ObjectPlane, "CRTC_Y", 0},
			{plane.ID, ObjectPlane, "CRTC_W", w},
			{plane.ID, ObjectPlane, "CRTC_H", h},
		} {
			if err := addProp(u.objID, u.objType, u.name, u.value); err != nil {
				return err
			}
		}
	}

	// the device expects the object list in ascending id order
	objIDs := make([]uint32, 0, len(updates))
	for id := range updates {
		objIDs = append(objIDs, id)
	}
	sort.Slice(objIDs, func(i, j int) bool { return objIDs[i] < objIDs[j] })

	var (
		counts []uint32
		props  []uint32
		values []uint64
	)
	for _, id := range objIDs {
		counts = append(counts, uint32(len(updates[id])))
		for _, u := range updates[id] {
			props = append(props, u.prop)
			values = append(values, u.value)
		}
	}

	flags := uint32(atomicAllowModeset)
	if a.TestOnly {
		flags |= atomicTestOnly
	}
	raw := &sysAtomic{
		flags:         flags,
		countObjs:     uint32(len(objIDs)),
		objsPtr:       uint64(uintptr(unsafe.Pointer(&objIDs[0]))),
		countPropsPtr: uint64(uintptr(unsafe.Pointer(&counts[0]))),
		propsPtr:      uint64(uintptr(unsafe.Pointer(&props[0]))),
		propValuesPtr: uint64(uintptr(unsafe.Pointer(&values[0]))),
	}
	if err := card.Submit(IOCTLModeAtomic, unsafe.Pointer(raw)); err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ERANGE) {
			return fmt.Errorf("atomic commit: %w", kms.ErrInvalidCombination)
		}
		return fmt.Errorf("atomic commit: %w", err)
	}
	return nil
}

// infoBytes is the wire image of a mode descriptor, as uploaded into a
// MODE_ID property blob.
func infoBytes(m *Info) []byte {
	size := int(unsafe.Sizeof(*m))
	out := make([]byte, size)
	copy(out, (*(*[1 << 10]byte)(unsafe.Pointer(m)))[:size])
	return out
}

// PageFlip queues a framebuffer swap on an active controller without a
// full mode set and returns immediately; completion is signaled by a
// flip event on the device handle (request it with PageFlipEvent and
// collect it with WaitFlip). A flip already pending on the controller
// fails with kms.ErrInUse. Requires the master lock.
func PageFlip(card Card, crtcid, fbid uint32, flags uint32, userData uint64) error {
	if !card.IsMaster() {
		return fmt.Errorf("page flip crtc %d: master lock required: %w",
			crtcid, kms.ErrPermissionDenied)
	}
	raw := &sysPageFlip{
		crtcID:   crtcid,
		fbID:     fbid,
		flags:    flags,
		userData: userData,
	}
	err := card.Submit(IOCTLModePageFlip, unsafe.Pointer(raw))
	if err != nil {
		switch {
		case errors.Is(err, unix.EBUSY):
			return fmt.Errorf("page flip crtc %d: flip pending: %w",
				crtcid, kms.ErrInUse)
		case errors.Is(err, unix.EINVAL):
			return fmt.Errorf("page flip crtc %d: %w", crtcid,
				kms.ErrInvalidArgument)
		default:
			return fmt.Errorf("page flip crtc %d: %w", crtcid, err)
		}
	}
	return nil
}
