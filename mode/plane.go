package mode

import (
	"fmt"
	"unsafe"

	"github.com/NeowayLabs/kms"
)

// Plane type values of the "type" plane property.
const (
	PlaneOverlay = 0
	PlanePrimary = 1
	PlaneCursor  = 2
)

type (
	sysGetPlaneRes struct {
		planeIdPtr  uint64
		countPlanes uint32
	}

	sysGetPlane struct {
		id            uint32
		crtcID        uint32
		fbID          uint32
		possibleCrtcs uint32
		gammaSize     uint32

		countFormatTypes uint32
		formatTypePtr    uint64
	}

	sysSetPlane struct {
		id     uint32
		crtcID uint32
		fbID   uint32
		flags  uint32

		crtcX, crtcY int32
		crtcW, crtcH uint32

		// source rectangle in 16.16 fixed point
		srcX, srcY uint32
		srcH, srcW uint32
	}

	// Plane is a snapshot of one scanout plane. Universal plane
	// enumeration (anything beyond the primaries) requires the
	// universal-planes client capability.
	Plane struct {
		ID     uint32
		CrtcID uint32
		FbID   uint32

		// PossibleCrtcs follows the same snapshot-scoped bitmask
		// contract as Encoder.
		PossibleCrtcs uint32
		GammaSize     uint32

		Formats []uint32
	}
)

// GetPlaneResources enumerates the plane ids the device exposes. A
// count that grows between the size and fetch calls restarts the
// query.
func GetPlaneResources(card Card) ([]uint32, error) {
	const attempts = 4

	for i := 0; i < attempts; i++ {
		raw := &sysGetPlaneRes{}
		err := card.Submit(IOCTLModeGetPlaneResources, unsafe.Pointer(raw))
		if err != nil {
			return nil, fmt.Errorf("get plane resources: %w", err)
		}
		if raw.countPlanes == 0 {
			return nil, nil
		}
		alloc := raw.countPlanes
		ids := make([]uint32, alloc)
		raw.planeIdPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
		err = card.Submit(IOCTLModeGetPlaneResources, unsafe.Pointer(raw))
		if err != nil {
			return nil, fmt.Errorf("get plane resources: %w", err)
		}
		if raw.countPlanes > alloc {
			continue
		}
		return ids[:raw.countPlanes], nil
	}
	return nil, fmt.Errorf("get plane resources: plane count kept changing: %w",
		kms.ErrIO)
}

// GetPlane resolves one plane snapshot including its format list.
func GetPlane(card Card, id uint32) (*Plane, error) {
	raw := &sysGetPlane{}
	raw.id = id
	err := card.Submit(IOCTLModeGetPlane, unsafe.Pointer(raw))
	if err != nil {
		return nil, vanished(err, "plane", id)
	}

	var formats []uint32
	if raw.countFormatTypes > 0 {
		formats = make([]uint32, raw.countFormatTypes)
		raw.formatTypePtr = uint64(uintptr(unsafe.Pointer(&formats[0])))
		err = card.Submit(IOCTLModeGetPlane, unsafe.Pointer(raw))
		if err != nil {
			return nil, vanished(err, "plane", id)
		}
	}

	return &Plane{
		ID:            raw.id,
		CrtcID:        raw.crtcID,
		FbID:          raw.fbID,
		PossibleCrtcs: raw.possibleCrtcs,
		GammaSize:     raw.gammaSize,
		Formats:       formats,
	}, nil
}

// SetPlane attaches fb to the plane on the given controller, scanning
// the full source rectangle out to crtcW x crtcH at the origin. A zero
// fb id disables the plane. Requires the master lock.
func SetPlane(card Card, planeID, crtcID, fbID uint32, crtcW, crtcH uint32) error {
	if !card.IsMaster() {
		return fmt.Errorf("set plane %d: master lock required: %w",
			planeID, kms.ErrPermissionDenied)
	}
	raw := &sysSetPlane{
		id:     planeID,
		crtcID: crtcID,
		fbID:   fbID,
		crtcW:  crtcW,
		crtcH:  crtcH,
		// 16.16 fixed point
		srcW: crtcW << 16,
		srcH: crtcH << 16,
	}
	if err := card.Submit(IOCTLModeSetPlane, unsafe.Pointer(raw)); err != nil {
		return fmt.Errorf("set plane %d: %w", planeID, err)
	}
	return nil
}

// PrimaryPlane finds the primary plane able to scan out on the given
// controller, interpreting plane bitmasks against the same snapshot.
func PrimaryPlane(card Card, res *Resources, crtcid uint32) (*Plane, error) {
	idx := res.CrtcIndex(crtcid)
	if idx < 0 {
		return nil, fmt.Errorf("crtc %d not in snapshot: %w", crtcid,
			kms.ErrObjectVanished)
	}
	ids, err := GetPlaneResources(card)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		pl, err := GetPlane(card, id)
		if err != nil {
			continue // vanished mid-walk
		}
		if pl.PossibleCrtcs&(1<<uint(idx)) == 0 {
			continue
		}
		_, typ, err := FindProperty(card, pl.ID, ObjectPlane, "type")
		if err != nil {
			return nil, err
		}
		if typ == PlanePrimary {
			return pl, nil
		}
	}
	return nil, fmt.Errorf("no primary plane for crtc %d: %w", crtcid,
		kms.ErrNotFound)
}
