package mode

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kms"
)

// fakeCard emulates the control-node request/response protocol in
// memory: requests are decoded from the same fixed-layout structures
// the real device consumes, responses are written back through the
// caller-provided pointers, and failures are reported as errnos so the
// translation paths under test see exactly what the kernel would hand
// them.
type fakeCard struct {
	master bool

	connectors []*fakeConnector
	encoders   map[uint32]*fakeEncoder
	crtcs      map[uint32]*fakeCrtc
	planes     []*fakePlane

	props    map[uint32]*fakeProp
	objProps map[uint32][]propPair

	buffers    map[uint32]*fakeBuffer
	mapOffsets map[uint64]uint32
	fbs        map[uint32]*fakeFB
	blobs      map[uint32][]byte

	nextHandle uint32
	nextFB     uint32
	nextBlob   uint32

	// calls counts every submitted request by command code.
	calls map[uint32]int
	total int

	// failCmd forces the given errno on the next request with that
	// command code.
	failCmd map[uint32]unix.Errno

	// growFetches makes that many resource fetch passes report one
	// connector more than was allocated for, emulating a hot-plug
	// between the size and fetch calls. The other grow knobs do the
	// same for the remaining two-call queries.
	growFetches      int
	connGrowFetches  int
	propGrowFetches  int
	blobGrowFetches  int
	planeGrowFetches int

	// atomicReject makes the atomic request fail validation.
	atomicReject bool

	// applied holds the property updates of the last non-test-only
	// atomic request, keyed by object id then property id.
	applied map[uint32]map[uint32]uint64

	// tested is set when a test-only atomic request validated.
	tested bool

	flipPending map[uint32]bool
	events      []byte

	refs int
}

type fakeConnector struct {
	id         uint32
	encoderID  uint32
	typ        uint32
	connection uint32
	modes      []Info
	encoders   []uint32
	vanished   bool
}

type fakeEncoder struct {
	id            uint32
	typ           uint32
	crtcID        uint32
	possibleCrtcs uint32
	vanished      bool
}

type fakeCrtc struct {
	id         uint32
	fbID       uint32
	x, y       uint32
	mode       Info
	modeValid  uint32
	connectors []uint32
}

type fakePlane struct {
	id            uint32
	crtcID        uint32
	fbID          uint32
	possibleCrtcs uint32
	formats       []uint32
}

type fakeProp struct {
	id     uint32
	name   [PropNameLen]uint8
	flags  uint32
	values []uint64
	enums  []sysPropertyEnum
}

type propPair struct {
	prop  uint32
	value uint64
}

type fakeBuffer struct {
	handle        uint32
	width, height uint32
	bpp           uint32
	pitch         uint32
	size          uint64
	mem           []byte
}

type fakeFB struct {
	id     uint32
	handle uint32
	width  uint32
	height uint32
	pitch  uint32
	bpp    uint32
	depth  uint32
	format uint32
}

func newFakeCard() *fakeCard {
	return &fakeCard{
		encoders:    map[uint32]*fakeEncoder{},
		crtcs:       map[uint32]*fakeCrtc{},
		props:       map[uint32]*fakeProp{},
		objProps:    map[uint32][]propPair{},
		buffers:     map[uint32]*fakeBuffer{},
		mapOffsets:  map[uint64]uint32{},
		fbs:         map[uint32]*fakeFB{},
		blobs:       map[uint32][]byte{},
		calls:       map[uint32]int{},
		failCmd:     map[uint32]unix.Errno{},
		flipPending: map[uint32]bool{},
		nextHandle:  7,
		nextFB:      100,
		nextBlob:    500,
	}
}

// addProp registers a property descriptor and attaches it to an object
// with the given current value, returning the property id.
func (c *fakeCard) addProp(objID uint32, name string, flags uint32, value uint64) uint32 {
	id := uint32(1000 + len(c.props))
	p := &fakeProp{id: id, flags: flags}
	copy(p.name[:], name)
	c.props[id] = p
	c.objProps[objID] = append(c.objProps[objID], propPair{prop: id, value: value})
	return id
}

func (c *fakeCard) setObjValue(objID, propID uint32, value uint64) {
	pairs := c.objProps[objID]
	for i := range pairs {
		if pairs[i].prop == propID {
			pairs[i].value = value
			return
		}
	}
}

func (c *fakeCard) findConnector(id uint32) *fakeConnector {
	for _, conn := range c.connectors {
		if conn.id == id {
			return conn
		}
	}
	return nil
}

// queueVBlank appends an event to the pending stream.
func (c *fakeCard) queueVBlank(typ uint32, userData uint64, seq, crtcID uint32) {
	ev := sysEventVBlank{
		base: sysEvent{
			typ:    typ,
			length: uint32(unsafe.Sizeof(sysEventVBlank{})),
		},
		userData: userData,
		sequence: seq,
		crtcID:   crtcID,
	}
	size := int(unsafe.Sizeof(ev))
	raw := make([]byte, size)
	copy(raw, (*(*[1 << 8]byte)(unsafe.Pointer(&ev)))[:size])
	c.events = append(c.events, raw...)
}

func writeIDs(ptr uint64, ids []uint32) {
	if ptr == 0 || len(ids) == 0 {
		return
	}
	out := unsafe.Slice((*uint32)(unsafe.Pointer(uintptr(ptr))), len(ids))
	copy(out, ids)
}

func writeValues(ptr uint64, vals []uint64) {
	if ptr == 0 || len(vals) == 0 {
		return
	}
	out := unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(ptr))), len(vals))
	copy(out, vals)
}

func readIDs(ptr uint64, n int) []uint32 {
	if ptr == 0 || n == 0 {
		return nil
	}
	in := unsafe.Slice((*uint32)(unsafe.Pointer(uintptr(ptr))), n)
	out := make([]uint32, n)
	copy(out, in)
	return out
}

func readValues(ptr uint64, n int) []uint64 {
	if ptr == 0 || n == 0 {
		return nil
	}
	in := unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(ptr))), n)
	out := make([]uint64, n)
	copy(out, in)
	return out
}

func (c *fakeCard) Submit(cmd uint32, arg unsafe.Pointer) error {
	c.calls[cmd]++
	c.total++

	if errno, ok := c.failCmd[cmd]; ok {
		delete(c.failCmd, cmd)
		return errno
	}

	switch cmd {
	case IOCTLModeResources:
		return c.submitResources((*sysResources)(arg))
	case IOCTLModeGetConnector:
		return c.submitGetConnector((*sysGetConnector)(arg))
	case IOCTLModeGetEncoder:
		return c.submitGetEncoder((*sysGetEncoder)(arg))
	case IOCTLModeGetCrtc:
		return c.submitGetCrtc((*sysCrtc)(arg))
	case IOCTLModeSetCrtc:
		return c.submitSetCrtc((*sysCrtc)(arg))
	case IOCTLModeCreateDumb:
		return c.submitCreateDumb((*sysCreateDumb)(arg))
	case IOCTLModeMapDumb:
		return c.submitMapDumb((*sysMapDumb)(arg))
	case IOCTLModeDestroyDumb:
		return c.submitDestroyDumb((*sysDestroyDumb)(arg))
	case IOCTLModeAddFB:
		return c.submitAddFB((*sysFBCmd)(arg))
	case IOCTLModeAddFB2:
		return c.submitAddFB2((*sysFBCmd2)(arg))
	case IOCTLModeRmFB:
		return c.submitRmFB((*sysRmFB)(arg))
	case IOCTLModeGetFB:
		return c.submitGetFB((*sysFBCmd)(arg))
	case IOCTLModePageFlip:
		return c.submitPageFlip((*sysPageFlip)(arg))
	case IOCTLModeObjGetProperties:
		return c.submitObjGetProperties((*sysObjGetProperties)(arg))
	case IOCTLModeGetProperty:
		return c.submitGetProperty((*sysGetProperty)(arg))
	case IOCTLModeObjSetProperty:
		return c.submitObjSetProperty((*sysObjSetProperty)(arg))
	case IOCTLModeCreatePropBlob:
		return c.submitCreateBlob((*sysCreateBlob)(arg))
	case IOCTLModeGetPropBlob:
		return c.submitGetBlob((*sysGetBlob)(arg))
	case IOCTLModeDestroyPropBlob:
		return c.submitDestroyBlob((*sysDestroyBlob)(arg))
	case IOCTLModeGetPlaneResources:
		return c.submitGetPlaneResources((*sysGetPlaneRes)(arg))
	case IOCTLModeGetPlane:
		return c.submitGetPlane((*sysGetPlane)(arg))
	case IOCTLModeSetPlane:
		return c.submitSetPlane((*sysSetPlane)(arg))
	case IOCTLModeAtomic:
		return c.submitAtomic((*sysAtomic)(arg))
	}
	return unix.EINVAL
}

func (c *fakeCard) submitResources(r *sysResources) error {
	fetch := r.fbIdPtr != 0 || r.crtcIdPtr != 0 ||
		r.connectorIdPtr != 0 || r.encoderIdPtr != 0

	connectors := make([]uint32, 0, len(c.connectors))
	for _, conn := range c.connectors {
		connectors = append(connectors, conn.id)
	}
	encoders := make([]uint32, 0, len(c.encoders))
	for id := range c.encoders {
		encoders = append(encoders, id)
	}
	crtcs := make([]uint32, 0, len(c.crtcs))
	for id := range c.crtcs {
		crtcs = append(crtcs, id)
	}
	fbs := make([]uint32, 0, len(c.fbs))
	for id := range c.fbs {
		fbs = append(fbs, id)
	}

	if fetch && c.growFetches > 0 {
		// pretend a connector appeared between the two calls
		c.growFetches--
		r.countConnectors = uint32(len(connectors)) + 1
		writeIDs(r.connectorIdPtr, connectors)
		return nil
	}

	r.countConnectors = uint32(len(connectors))
	r.countEncoders = uint32(len(encoders))
	r.countCrtcs = uint32(len(crtcs))
	r.countFbs = uint32(len(fbs))
	r.minWidth, r.maxWidth = 640, 4096
	r.minHeight, r.maxHeight = 480, 4096

	if fetch {
		writeIDs(r.connectorIdPtr, connectors)
		writeIDs(r.encoderIdPtr, encoders)
		writeIDs(r.crtcIdPtr, crtcs)
		writeIDs(r.fbIdPtr, fbs)
	}
	return nil
}

func (c *fakeCard) submitGetConnector(raw *sysGetConnector) error {
	conn := c.findConnector(raw.id)
	if conn == nil || conn.vanished {
		return unix.ENOENT
	}

	raw.encoderID = conn.encoderID
	raw.connectorType = conn.typ
	raw.connection = conn.connection
	raw.countModes = uint32(len(conn.modes))
	raw.countEncoders = uint32(len(conn.encoders))
	raw.countProps = uint32(len(c.objProps[conn.id]))

	if raw.modesPtr != 0 && len(conn.modes) > 0 {
		out := unsafe.Slice((*Info)(unsafe.Pointer(uintptr(raw.modesPtr))),
			len(conn.modes))
		copy(out, conn.modes)
	}
	if raw.modesPtr != 0 && c.connGrowFetches > 0 {
		// pretend a mode appeared between the two calls
		c.connGrowFetches--
		raw.countModes = uint32(len(conn.modes)) + 1
	}
	writeIDs(raw.encodersPtr, conn.encoders)
	if raw.propsPtr != 0 {
		pairs := c.objProps[conn.id]
		ids := make([]uint32, len(pairs))
		vals := make([]uint64, len(pairs))
		for i, p := range pairs {
			ids[i], vals[i] = p.prop, p.value
		}
		writeIDs(raw.propsPtr, ids)
		writeValues(raw.propValuesPtr, vals)
	}
	return nil
}

func (c *fakeCard) submitGetEncoder(raw *sysGetEncoder) error {
	enc, ok := c.encoders[raw.id]
	if !ok || enc.vanished {
		return unix.ENOENT
	}
	raw.typ = enc.typ
	raw.crtcID = enc.crtcID
	raw.possibleCrtcs = enc.possibleCrtcs
	return nil
}

func (c *fakeCard) submitGetCrtc(raw *sysCrtc) error {
	crtc, ok := c.crtcs[raw.id]
	if !ok {
		return unix.ENOENT
	}
	raw.fbID = crtc.fbID
	raw.x, raw.y = crtc.x, crtc.y
	raw.mode = crtc.mode
	raw.modeValid = crtc.modeValid
	return nil
}

func (c *fakeCard) submitSetCrtc(raw *sysCrtc) error {
	crtc, ok := c.crtcs[raw.id]
	if !ok {
		return unix.ENOENT
	}
	if raw.fbID != 0 {
		if _, ok := c.fbs[raw.fbID]; !ok {
			return unix.EINVAL
		}
	}
	crtc.fbID = raw.fbID
	crtc.x, crtc.y = raw.x, raw.y
	crtc.modeValid = raw.modeValid
	if raw.modeValid != 0 {
		crtc.mode = raw.mode
	} else {
		crtc.mode = Info{}
	}
	crtc.connectors = readIDs(raw.setConnectorsPtr, int(raw.countConnectors))
	return nil
}

func (c *fakeCard) submitCreateDumb(raw *sysCreateDumb) error {
	handle := c.nextHandle
	c.nextHandle++
	pitch := raw.width * raw.bpp / 8
	size := uint64(pitch) * uint64(raw.height)
	buf := &fakeBuffer{
		handle: handle,
		width:  raw.width,
		height: raw.height,
		bpp:    raw.bpp,
		pitch:  pitch,
		size:   size,
		mem:    make([]byte, size),
	}
	c.buffers[handle] = buf
	raw.handle = handle
	raw.pitch = pitch
	raw.size = size
	return nil
}

func (c *fakeCard) submitMapDumb(raw *sysMapDumb) error {
	if _, ok := c.buffers[raw.handle]; !ok {
		return unix.ENOENT
	}
	offset := uint64(raw.handle) << 12
	c.mapOffsets[offset] = raw.handle
	raw.offset = offset
	return nil
}

func (c *fakeCard) submitDestroyDumb(raw *sysDestroyDumb) error {
	if _, ok := c.buffers[raw.handle]; !ok {
		return unix.ENOENT
	}
	delete(c.buffers, raw.handle)
	return nil
}

func (c *fakeCard) submitAddFB(raw *sysFBCmd) error {
	if _, ok := c.buffers[raw.handle]; !ok {
		return unix.EINVAL
	}
	id := c.nextFB
	c.nextFB++
	c.fbs[id] = &fakeFB{
		id:     id,
		handle: raw.handle,
		width:  raw.width,
		height: raw.height,
		pitch:  raw.pitch,
		bpp:    raw.bpp,
		depth:  raw.depth,
	}
	raw.fbID = id
	return nil
}

func (c *fakeCard) submitAddFB2(raw *sysFBCmd2) error {
	buf, ok := c.buffers[raw.handles[0]]
	if !ok {
		return unix.EINVAL
	}
	if FormatBPP(raw.pixelFormat) == 0 {
		return unix.EINVAL
	}
	id := c.nextFB
	c.nextFB++
	c.fbs[id] = &fakeFB{
		id:     id,
		handle: raw.handles[0],
		width:  raw.width,
		height: raw.height,
		pitch:  raw.pitches[0],
		bpp:    buf.bpp,
		format: raw.pixelFormat,
	}
	raw.fbID = id
	return nil
}

func (c *fakeCard) submitRmFB(raw *sysRmFB) error {
	if _, ok := c.fbs[raw.handle]; !ok {
		return unix.ENOENT
	}
	for _, crtc := range c.crtcs {
		if crtc.fbID == raw.handle {
			return unix.EBUSY
		}
	}
	delete(c.fbs, raw.handle)
	return nil
}

func (c *fakeCard) submitGetFB(raw *sysFBCmd) error {
	fb, ok := c.fbs[raw.fbID]
	if !ok {
		return unix.ENOENT
	}
	raw.width = fb.width
	raw.height = fb.height
	raw.pitch = fb.pitch
	raw.bpp = fb.bpp
	raw.depth = fb.depth
	raw.handle = fb.handle
	return nil
}

func (c *fakeCard) submitPageFlip(raw *sysPageFlip) error {
	crtc, ok := c.crtcs[raw.crtcID]
	if !ok {
		return unix.ENOENT
	}
	if _, ok := c.fbs[raw.fbID]; !ok {
		return unix.EINVAL
	}
	if c.flipPending[raw.crtcID] {
		return unix.EBUSY
	}
	c.flipPending[raw.crtcID] = true
	crtc.fbID = raw.fbID
	if raw.flags&PageFlipEvent != 0 {
		c.queueVBlank(EventFlipComplete, raw.userData, 1, raw.crtcID)
	}
	return nil
}

func (c *fakeCard) submitObjGetProperties(raw *sysObjGetProperties) error {
	pairs := c.objProps[raw.objID]
	raw.countProps = uint32(len(pairs))
	if raw.propsPtr != 0 {
		ids := make([]uint32, len(pairs))
		vals := make([]uint64, len(pairs))
		for i, p := range pairs {
			ids[i], vals[i] = p.prop, p.value
		}
		writeIDs(raw.propsPtr, ids)
		writeValues(raw.propValuesPtr, vals)
		if c.propGrowFetches > 0 {
			c.propGrowFetches--
			raw.countProps = uint32(len(pairs)) + 1
		}
	}
	return nil
}

func (c *fakeCard) submitGetProperty(raw *sysGetProperty) error {
	p, ok := c.props[raw.id]
	if !ok {
		return unix.ENOENT
	}
	raw.flags = p.flags
	raw.name = p.name
	raw.countValues = uint32(len(p.values))
	raw.countEnumBlobs = uint32(len(p.enums))
	writeValues(raw.valuesPtr, p.values)
	if raw.enumBlobPtr != 0 && len(p.enums) > 0 {
		out := unsafe.Slice(
			(*sysPropertyEnum)(unsafe.Pointer(uintptr(raw.enumBlobPtr))),
			len(p.enums))
		copy(out, p.enums)
	}
	return nil
}

func (c *fakeCard) submitObjSetProperty(raw *sysObjSetProperty) error {
	if _, ok := c.props[raw.propID]; !ok {
		return unix.ENOENT
	}
	c.setObjValue(raw.objID, raw.propID, raw.value)
	return nil
}

func (c *fakeCard) submitCreateBlob(raw *sysCreateBlob) error {
	id := c.nextBlob
	c.nextBlob++
	data := make([]byte, raw.length)
	if raw.length > 0 {
		in := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(raw.data))),
			int(raw.length))
		copy(data, in)
	}
	c.blobs[id] = data
	raw.blobID = id
	return nil
}

func (c *fakeCard) submitGetBlob(raw *sysGetBlob) error {
	data, ok := c.blobs[raw.blobID]
	if !ok {
		return unix.ENOENT
	}
	raw.length = uint32(len(data))
	if raw.data != 0 && len(data) > 0 {
		out := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(raw.data))),
			len(data))
		copy(out, data)
		if c.blobGrowFetches > 0 {
			c.blobGrowFetches--
			raw.length = uint32(len(data)) + 1
		}
	}
	return nil
}

func (c *fakeCard) submitDestroyBlob(raw *sysDestroyBlob) error {
	if _, ok := c.blobs[raw.blobID]; !ok {
		return unix.ENOENT
	}
	delete(c.blobs, raw.blobID)
	return nil
}

func (c *fakeCard) submitGetPlaneResources(raw *sysGetPlaneRes) error {
	raw.countPlanes = uint32(len(c.planes))
	if raw.planeIdPtr != 0 {
		ids := make([]uint32, len(c.planes))
		for i, pl := range c.planes {
			ids[i] = pl.id
		}
		writeIDs(raw.planeIdPtr, ids)
		if c.planeGrowFetches > 0 {
			c.planeGrowFetches--
			raw.countPlanes = uint32(len(c.planes)) + 1
		}
	}
	return nil
}

func (c *fakeCard) submitGetPlane(raw *sysGetPlane) error {
	for _, pl := range c.planes {
		if pl.id != raw.id {
			continue
		}
		raw.crtcID = pl.crtcID
		raw.fbID = pl.fbID
		raw.possibleCrtcs = pl.possibleCrtcs
		raw.countFormatTypes = uint32(len(pl.formats))
		writeIDs(raw.formatTypePtr, pl.formats)
		return nil
	}
	return unix.ENOENT
}

func (c *fakeCard) submitSetPlane(raw *sysSetPlane) error {
	for _, pl := range c.planes {
		if pl.id == raw.id {
			pl.crtcID = raw.crtcID
			pl.fbID = raw.fbID
			return nil
		}
	}
	return unix.ENOENT
}

func (c *fakeCard) submitAtomic(raw *sysAtomic) error {
	if c.atomicReject {
		return unix.EINVAL
	}

	objIDs := readIDs(raw.objsPtr, int(raw.countObjs))
	counts := readIDs(raw.countPropsPtr, int(raw.countObjs))
	var total int
	for _, n := range counts {
		total += int(n)
	}
	props := readIDs(raw.propsPtr, total)
	values := readValues(raw.propValuesPtr, total)

	updates := map[uint32]map[uint32]uint64{}
	k := 0
	for i, objID := range objIDs {
		updates[objID] = map[uint32]uint64{}
		for j := 0; j < int(counts[i]); j++ {
			updates[objID][props[k]] = values[k]
			k++
		}
	}

	if raw.flags&atomicTestOnly != 0 {
		c.tested = true
		return nil
	}
	c.applied = updates
	for objID, m := range updates {
		for propID, value := range m {
			c.setObjValue(objID, propID, value)
		}
	}
	return nil
}

func (c *fakeCard) MapOffset(offset uint64, size int) ([]byte, error) {
	handle, ok := c.mapOffsets[offset]
	if !ok {
		return nil, unix.EINVAL
	}
	buf, ok := c.buffers[handle]
	if !ok || size > len(buf.mem) {
		return nil, unix.EINVAL
	}
	return buf.mem[:size], nil
}

func (c *fakeCard) Unmap(data []byte) error { return nil }

func (c *fakeCard) ReadEvents(p []byte, timeout time.Duration) (int, error) {
	if len(c.events) == 0 {
		return 0, kms.ErrTimedOut
	}
	n := copy(p, c.events)
	c.events = c.events[n:]
	return n, nil
}

func (c *fakeCard) IsMaster() bool { return c.master }
func (c *fakeCard) Ref()           { c.refs++ }
func (c *fakeCard) Unref()         { c.refs-- }
