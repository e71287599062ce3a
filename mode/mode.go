// Package mode implements the KMS mode-setting protocol: resource
// enumeration, dumb buffers, framebuffers and the commit paths that
// turn pixels into a visible display.
//
// Connectors, encoders and CRTCs fetched here are transient snapshots
// of kernel-owned objects, not live references. An id from one snapshot
// may stop resolving at any time (hot-unplug); such fetches fail with
// kms.ErrObjectVanished and callers iterating are expected to skip and
// continue.
package mode

import (
	"errors"
	"fmt"
	"sort"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kms"
)

const (
	DisplayInfoLen   = 32
	ConnectorNameLen = 32
	DisplayModeLen   = 32
	PropNameLen      = 32

	Connected         = 1
	Disconnected      = 2
	UnknownConnection = 3
)

// Mode type flags.
const (
	ModeTypeBuiltin   = 1 << 0
	ModeTypeClockC    = 1<<1 | ModeTypeBuiltin
	ModeTypeCrtcC     = 1<<2 | ModeTypeBuiltin
	ModeTypePreferred = 1 << 3
	ModeTypeDefault   = 1 << 4
	ModeTypeUserdef   = 1 << 5
	ModeTypeDriver    = 1 << 6
)

// Card is the control connection all mode operations run against: one
// typed request/response exchange per call, plus buffer mapping and the
// event stream. *kms.Device implements it; tests substitute an
// in-memory fake.
type Card interface {
	Submit(cmd uint32, arg unsafe.Pointer) error
	MapOffset(offset uint64, size int) ([]byte, error)
	Unmap(data []byte) error
	ReadEvents(p []byte, timeout time.Duration) (int, error)
	IsMaster() bool
	Ref()
	Unref()
}

type (
	sysResources struct {
		fbIdPtr              uint64
		crtcIdPtr            uint64
		connectorIdPtr       uint64
		encoderIdPtr         uint64
		countFbs             uint32
		countCrtcs           uint32
		countConnectors      uint32
		countEncoders        uint32
		minWidth, maxWidth   uint32
		minHeight, maxHeight uint32
	}

	sysGetConnector struct {
		encodersPtr   uint64
		modesPtr      uint64
		propsPtr      uint64
		propValuesPtr uint64

		countModes    uint32
		countProps    uint32
		countEncoders uint32

		encoderID       uint32 // current encoder
		id              uint32
		connectorType   uint32
		connectorTypeID uint32

		connection        uint32
		mmWidth, mmHeight uint32 // HxW in millimeters
		subpixel          uint32
		pad               uint32
	}

	sysGetEncoder struct {
		id  uint32
		typ uint32

		crtcID uint32

		possibleCrtcs  uint32
		possibleClones uint32
	}

	sysCrtc struct {
		setConnectorsPtr uint64
		countConnectors  uint32

		id   uint32
		fbID uint32 // Id of framebuffer

		x, y uint32 // Position on the framebuffer

		gammaSize uint32
		modeValid uint32
		mode      Info
	}

	sysFBCmd struct {
		fbID          uint32
		width, height uint32
		pitch         uint32
		bpp           uint32
		depth         uint32

		/* driver specific handle */
		handle uint32
	}

	sysRmFB struct {
		handle uint32
	}

	// Info is a display timing descriptor: resolution, refresh and
	// timing flags. It is an opaque, comparable value copied out of
	// the device response; it has no lifecycle of its own.
	Info struct {
		Clock                                         uint32
		Hdisplay, HsyncStart, HsyncEnd, Htotal, Hskew uint16
		Vdisplay, VsyncStart, VsyncEnd, Vtotal, Vscan uint16

		Vrefresh uint32

		Flags uint32
		Type  uint32
		Name  [DisplayModeLen]uint8
	}

	// Resources is one enumeration snapshot of the object graph the
	// device exposes. Id order follows the device report and is not
	// guaranteed stable across snapshots; encoder possible-CRTC
	// bitmasks are only meaningful against the Crtcs list of the
	// snapshot they were fetched with.
	Resources struct {
		MinWidth, MaxWidth   uint32
		MinHeight, MaxHeight uint32

		Fbs        []uint32
		Crtcs      []uint32
		Connectors []uint32
		Encoders   []uint32
	}

	// Connector is a snapshot of one physical output port.
	Connector struct {
		ID            uint32
		EncoderID     uint32
		Type          uint32
		TypeID        uint32
		Connection    uint8
		Width, Height uint32 // physical size in mm
		Subpixel      uint8

		// Modes is ordered preferred mode first, then device report
		// order.
		Modes []Info

		Props      []uint32
		PropValues []uint64

		// Encoders lists the encoder ids that can drive this port.
		Encoders []uint32
	}

	// Encoder converts controller output into a connector's signal.
	Encoder struct {
		ID   uint32
		Type uint32

		CrtcID uint32

		// PossibleCrtcs is a bitmask over the Crtcs list of the
		// Resources snapshot this encoder was resolved against: bit i
		// corresponds to the i-th CRTC id.
		PossibleCrtcs  uint32
		PossibleClones uint32
	}

	// Crtc is a snapshot of one scanout pipeline stage.
	Crtc struct {
		ID       uint32
		BufferID uint32 // FB id being scanned out, 0 = disconnected

		X, Y          uint32 // Position on the framebuffer
		Width, Height uint32
		ModeValid     int
		Mode          Info

		GammaSize int // Number of gamma stops
	}

	// FBInfo describes an existing framebuffer object.
	FBInfo struct {
		ID            uint32
		Width, Height uint32
		Pitch         uint32
		BPP           uint32
		Depth         uint32
		Handle        uint32
	}
)

// SameTimings reports whether two modes describe exactly the same
// timings. Every timing field is compared; the cosmetic name and type
// fields are ignored.
func (m *Info) SameTimings(o *Info) bool {
	return m.Clock == o.Clock &&
		m.Hdisplay == o.Hdisplay && m.HsyncStart == o.HsyncStart &&
		m.HsyncEnd == o.HsyncEnd && m.Htotal == o.Htotal &&
		m.Hskew == o.Hskew &&
		m.Vdisplay == o.Vdisplay && m.VsyncStart == o.VsyncStart &&
		m.VsyncEnd == o.VsyncEnd && m.Vtotal == o.Vtotal &&
		m.Vscan == o.Vscan &&
		m.Vrefresh == o.Vrefresh && m.Flags == o.Flags
}

func (m *Info) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Hdisplay, m.Vdisplay, m.Vrefresh)
}

// CrtcIndex returns the position of a CRTC id within this snapshot, or
// -1 when the id is not part of it. The index is what encoder
// possible-CRTC bitmasks are interpreted against.
func (r *Resources) CrtcIndex(id uint32) int {
	for i, c := range r.Crtcs {
		if c == id {
			return i
		}
	}
	return -1
}

// GetResources runs the card-resources query. The exchange is the
// usual two calls, query sizes then fetch, but object counts may grow
// between them under concurrent hot-plug; when the device reports more
// objects than were allocated for, the query restarts from the size
// pass instead of trusting the stale counts.
func GetResources(card Card) (*Resources, error) {
	const attempts = 4

	for i := 0; i < attempts; i++ {
		mres := &sysResources{}
		err := card.Submit(IOCTLModeResources, unsafe.Pointer(mres))
		if err != nil {
			return nil, fmt.Errorf("get resources: %w", err)
		}

		var (
			fbids, crtcids, connectorids, encoderids []uint32
		)

		alloc := *mres
		if mres.countFbs > 0 {
			fbids = make([]uint32, mres.countFbs)
			mres.fbIdPtr = uint64(uintptr(unsafe.Pointer(&fbids[0])))
		}
		if mres.countCrtcs > 0 {
			crtcids = make([]uint32, mres.countCrtcs)
			mres.crtcIdPtr = uint64(uintptr(unsafe.Pointer(&crtcids[0])))
		}
		if mres.countEncoders > 0 {
			encoderids = make([]uint32, mres.countEncoders)
			mres.encoderIdPtr = uint64(uintptr(unsafe.Pointer(&encoderids[0])))
		}
		if mres.countConnectors > 0 {
			connectorids = make([]uint32, mres.countConnectors)
			mres.connectorIdPtr = uint64(uintptr(unsafe.Pointer(&connectorids[0])))
		}

		err = card.Submit(IOCTLModeResources, unsafe.Pointer(mres))
		if err != nil {
			return nil, fmt.Errorf("get resources: %w", err)
		}

		if mres.countFbs > alloc.countFbs ||
			mres.countCrtcs > alloc.countCrtcs ||
			mres.countConnectors > alloc.countConnectors ||
			mres.countEncoders > alloc.countEncoders {
			// hotplug between the two calls, re-query sizes
			continue
		}

		return &Resources{
			MinWidth:   mres.minWidth,
			MaxWidth:   mres.maxWidth,
			MinHeight:  mres.minHeight,
			MaxHeight:  mres.maxHeight,
			Fbs:        fbids[:mres.countFbs],
			Crtcs:      crtcids[:mres.countCrtcs],
			Encoders:   encoderids[:mres.countEncoders],
			Connectors: connectorids[:mres.countConnectors],
		}, nil
	}
	return nil, fmt.Errorf("get resources: object counts kept changing: %w", kms.ErrIO)
}

// vanished translates the errno of a get-by-id request issued against
// an id that no longer resolves.
func vanished(err error, what string, id uint32) error {
	if errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("%s %d: %w", what, id, kms.ErrObjectVanished)
	}
	return fmt.Errorf("get %s %d: %w", what, id, err)
}

// GetConnector resolves one connector snapshot including its mode list
// and the encoders able to drive it. A stale id fails with
// kms.ErrObjectVanished. Counts are re-validated between the size and
// fetch calls the same way GetResources does it: growth restarts the
// query instead of trusting stale allocations.
func GetConnector(card Card, connid uint32) (*Connector, error) {
	const attempts = 4

	for i := 0; i < attempts; i++ {
		conn := &sysGetConnector{}
		conn.id = connid
		err := card.Submit(IOCTLModeGetConnector, unsafe.Pointer(conn))
		if err != nil {
			return nil, vanished(err, "connector", connid)
		}

		var (
			props, encoders []uint32
			propValues      []uint64
			modes           []Info
		)

		if conn.countProps > 0 {
			props = make([]uint32, conn.countProps)
			conn.propsPtr = uint64(uintptr(unsafe.Pointer(&props[0])))

			propValues = make([]uint64, conn.countProps)
			conn.propValuesPtr = uint64(uintptr(unsafe.Pointer(&propValues[0])))
		}

		if conn.countModes == 0 {
			conn.countModes = 1
		}

		modes = make([]Info, conn.countModes)
		conn.modesPtr = uint64(uintptr(unsafe.Pointer(&modes[0])))

		if conn.countEncoders > 0 {
			encoders = make([]uint32, conn.countEncoders)
			conn.encodersPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
		}

		alloc := *conn

		err = card.Submit(IOCTLModeGetConnector, unsafe.Pointer(conn))
		if err != nil {
			return nil, vanished(err, "connector", connid)
		}

		if conn.countModes > alloc.countModes ||
			conn.countProps > alloc.countProps ||
			conn.countEncoders > alloc.countEncoders {
			// hotplug between the two calls, re-query sizes
			continue
		}

		ret := &Connector{
			ID:         conn.id,
			EncoderID:  conn.encoderID,
			Connection: uint8(conn.connection),
			Width:      conn.mmWidth,
			Height:     conn.mmHeight,

			// convert subpixel from kernel to userspace
			Subpixel: uint8(conn.subpixel + 1),
			Type:     conn.connectorType,
			TypeID:   conn.connectorTypeID,
		}

		ret.Props = make([]uint32, conn.countProps)
		copy(ret.Props, props[:conn.countProps])
		ret.PropValues = make([]uint64, conn.countProps)
		copy(ret.PropValues, propValues[:conn.countProps])
		ret.Modes = make([]Info, conn.countModes)
		copy(ret.Modes, modes[:conn.countModes])
		ret.Encoders = make([]uint32, conn.countEncoders)
		copy(ret.Encoders, encoders[:conn.countEncoders])

		// preferred mode first, rest in device report order
		sort.SliceStable(ret.Modes, func(i, j int) bool {
			return ret.Modes[i].Type&ModeTypePreferred != 0 &&
				ret.Modes[j].Type&ModeTypePreferred == 0
		})

		return ret, nil
	}
	return nil, fmt.Errorf("get connector %d: object counts kept changing: %w",
		connid, kms.ErrIO)
}

// GetEncoder resolves one encoder snapshot. The possible-CRTC bitmask
// must only be interpreted against the Resources snapshot taken in the
// same enumeration pass.
func GetEncoder(card Card, id uint32) (*Encoder, error) {
	encoder := &sysGetEncoder{}
	encoder.id = id

	err := card.Submit(IOCTLModeGetEncoder, unsafe.Pointer(encoder))
	if err != nil {
		return nil, vanished(err, "encoder", id)
	}

	return &Encoder{
		ID:             encoder.id,
		CrtcID:         encoder.crtcID,
		Type:           encoder.typ,
		PossibleCrtcs:  encoder.possibleCrtcs,
		PossibleClones: encoder.possibleClones,
	}, nil
}

// GetCrtc resolves one controller snapshot.
func GetCrtc(card Card, id uint32) (*Crtc, error) {
	crtc := &sysCrtc{}
	crtc.id = id
	err := card.Submit(IOCTLModeGetCrtc, unsafe.Pointer(crtc))
	if err != nil {
		return nil, vanished(err, "crtc", id)
	}
	ret := &Crtc{
		ID:        crtc.id,
		X:         crtc.x,
		Y:         crtc.y,
		ModeValid: int(crtc.modeValid),
		BufferID:  crtc.fbID,
		GammaSize: int(crtc.gammaSize),
	}

	ret.Mode = crtc.mode
	ret.Width = uint32(crtc.mode.Hdisplay)
	ret.Height = uint32(crtc.mode.Vdisplay)
	return ret, nil
}

// GetFB resolves one framebuffer object snapshot.
func GetFB(card Card, id uint32) (*FBInfo, error) {
	fb := &sysFBCmd{}
	fb.fbID = id
	err := card.Submit(IOCTLModeGetFB, unsafe.Pointer(fb))
	if err != nil {
		return nil, vanished(err, "framebuffer", id)
	}
	return &FBInfo{
		ID:     fb.fbID,
		Width:  fb.width,
		Height: fb.height,
		Pitch:  fb.pitch,
		BPP:    fb.bpp,
		Depth:  fb.depth,
		Handle: fb.handle,
	}, nil
}

// SetCrtc points a controller at a framebuffer and drives the listed
// connectors with the given mode. A nil mode with buffer id 0 clears
// the controller back to idle. Requires the master lock.
func SetCrtc(card Card, crtcid, bufferid, x, y uint32, connectors []uint32, mode *Info) error {
	if !card.IsMaster() {
		return fmt.Errorf("set crtc %d: master lock required: %w",
			crtcid, kms.ErrPermissionDenied)
	}
	crtc := &sysCrtc{}
	crtc.x = x
	crtc.y = y
	crtc.id = crtcid
	crtc.fbID = bufferid
	if len(connectors) > 0 {
		crtc.setConnectorsPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
	}
	crtc.countConnectors = uint32(len(connectors))
	if mode != nil {
		crtc.mode = *mode
		crtc.modeValid = 1
	}
	err := card.Submit(IOCTLModeSetCrtc, unsafe.Pointer(crtc))
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("set crtc %d: %w", crtcid, kms.ErrInvalidArgument)
		}
		return fmt.Errorf("set crtc %d: %w", crtcid, err)
	}
	return nil
}
