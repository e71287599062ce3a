package mode

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/NeowayLabs/kms"
)

// Object types for property queries.
const (
	ObjectCrtc      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xe0e0e0e0
	ObjectMode      = 0xdededede
	ObjectProperty  = 0xb0b0b0b0
	ObjectFB        = 0xfbfbfbfb
	ObjectBlob      = 0xbbbbbbbb
	ObjectPlane     = 0xeeeeeeee
	ObjectAny       = 0
)

// Property flag bits.
const (
	PropPending   = 1 << 0
	PropRange     = 1 << 1
	PropImmutable = 1 << 2
	PropEnum      = 1 << 3
	PropBlob      = 1 << 4
	PropBitmask   = 1 << 5

	propExtendedType = 0x0000ffc0
	PropObject       = 1 << 6
	PropSignedRange  = 2 << 6

	PropAtomic = 0x80000000
)

type (
	sysGetProperty struct {
		valuesPtr   uint64
		enumBlobPtr uint64

		id    uint32
		flags uint32
		name  [PropNameLen]uint8

		countValues    uint32
		countEnumBlobs uint32
	}

	sysPropertyEnum struct {
		value uint64
		name  [PropNameLen]uint8
	}

	sysObjGetProperties struct {
		propsPtr      uint64
		propValuesPtr uint64
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysObjSetProperty struct {
		value   uint64
		propID  uint32
		objID   uint32
		objType uint32
	}

	sysConnectorSetProperty struct {
		value       uint64
		propID      uint32
		connectorID uint32
	}

	sysGetBlob struct {
		blobID uint32
		length uint32
		data   uint64
	}

	sysCreateBlob struct {
		data   uint64
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	// PropertyEnum is one named value of an enum or bitmask property.
	PropertyEnum struct {
		Value uint64
		Name  string
	}

	// Property is the descriptor of one property id: its name, kind
	// flags, and the range limits or enum values that constrain it.
	Property struct {
		ID    uint32
		Flags uint32
		Name  string

		Values []uint64
		Enums  []PropertyEnum
	}

	// ObjectProps is the property id/value set attached to one object.
	ObjectProps struct {
		ObjID   uint32
		ObjType uint32
		IDs     []uint32
		Values  []uint64
	}
)

// IsRange reports a range-constrained property (Values holds min, max).
func (p *Property) IsRange() bool { return p.Flags&PropRange != 0 }

// IsEnum reports an enum property.
func (p *Property) IsEnum() bool { return p.Flags&PropEnum != 0 }

// IsBlob reports a blob-valued property.
func (p *Property) IsBlob() bool { return p.Flags&PropBlob != 0 }

// IsObject reports an object-id-valued property.
func (p *Property) IsObject() bool {
	return p.Flags&propExtendedType == PropObject
}

func propName(raw [PropNameLen]uint8) string {
	b := raw[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// GetProperty resolves a property descriptor, fetching its constraint
// values and enum names with the usual two-call exchange.
func GetProperty(card Card, id uint32) (*Property, error) {
	prop := &sysGetProperty{}
	prop.id = id
	err := card.Submit(IOCTLModeGetProperty, unsafe.Pointer(prop))
	if err != nil {
		return nil, vanished(err, "property", id)
	}

	var (
		values []uint64
		enums  []sysPropertyEnum
	)
	if prop.countValues > 0 {
		values = make([]uint64, prop.countValues)
		prop.valuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))
	}
	if prop.countEnumBlobs > 0 && prop.flags&(PropEnum|PropBitmask) != 0 {
		enums = make([]sysPropertyEnum, prop.countEnumBlobs)
		prop.enumBlobPtr = uint64(uintptr(unsafe.Pointer(&enums[0])))
	}

	if prop.countValues > 0 || len(enums) > 0 {
		err = card.Submit(IOCTLModeGetProperty, unsafe.Pointer(prop))
		if err != nil {
			return nil, vanished(err, "property", id)
		}
	}

	ret := &Property{
		ID:     prop.id,
		Flags:  prop.flags,
		Name:   propName(prop.name),
		Values: values,
	}
	for _, e := range enums {
		ret.Enums = append(ret.Enums, PropertyEnum{
			Value: e.value,
			Name:  propName(e.name),
		})
	}
	return ret, nil
}

// ObjectProperties fetches the property id/value pairs attached to one
// object. Growth between the size and fetch calls restarts the query.
func ObjectProperties(card Card, objID, objType uint32) (*ObjectProps, error) {
	const attempts = 4

	for i := 0; i < attempts; i++ {
		raw := &sysObjGetProperties{}
		raw.objID = objID
		raw.objType = objType
		err := card.Submit(IOCTLModeObjGetProperties, unsafe.Pointer(raw))
		if err != nil {
			return nil, vanished(err, "object properties of", objID)
		}

		var (
			ids    []uint32
			values []uint64
		)
		if raw.countProps > 0 {
			alloc := raw.countProps
			ids = make([]uint32, alloc)
			values = make([]uint64, alloc)
			raw.propsPtr = uint64(uintptr(unsafe.Pointer(&ids[0])))
			raw.propValuesPtr = uint64(uintptr(unsafe.Pointer(&values[0])))

			err = card.Submit(IOCTLModeObjGetProperties, unsafe.Pointer(raw))
			if err != nil {
				return nil, vanished(err, "object properties of", objID)
			}
			if raw.countProps > alloc {
				continue
			}
		}

		return &ObjectProps{
			ObjID:   objID,
			ObjType: objType,
			IDs:     ids[:raw.countProps],
			Values:  values[:raw.countProps],
		}, nil
	}
	return nil, fmt.Errorf("object properties of %d: counts kept changing: %w",
		objID, kms.ErrIO)
}

// FindProperty resolves the property with the given name on an object,
// returning its descriptor and current value. A missing property
// reports kms.ErrNotFound.
func FindProperty(card Card, objID, objType uint32, name string) (*Property, uint64, error) {
	props, err := ObjectProperties(card, objID, objType)
	if err != nil {
		return nil, 0, err
	}
	for i, id := range props.IDs {
		p, err := GetProperty(card, id)
		if err != nil {
			return nil, 0, err
		}
		if p.Name == name {
			return p, props.Values[i], nil
		}
	}
	return nil, 0, fmt.Errorf("object %d has no property %q: %w",
		objID, name, kms.ErrNotFound)
}

// SetObjectProperty writes one property value outside an atomic
// commit. Requires the master lock.
func SetObjectProperty(card Card, objID, objType, propID uint32, value uint64) error {
	if !card.IsMaster() {
		return fmt.Errorf("set property %d: master lock required: %w",
			propID, kms.ErrPermissionDenied)
	}
	raw := &sysObjSetProperty{
		value:   value,
		propID:  propID,
		objID:   objID,
		objType: objType,
	}
	if err := card.Submit(IOCTLModeObjSetProperty, unsafe.Pointer(raw)); err != nil {
		return fmt.Errorf("set property %d on %d: %w", propID, objID, err)
	}
	return nil
}

// CreateBlob uploads an immutable data blob (a mode descriptor for
// atomic commits, typically) and returns its id.
func CreateBlob(card Card, data []byte) (uint32, error) {
	raw := &sysCreateBlob{}
	raw.length = uint32(len(data))
	if len(data) > 0 {
		raw.data = uint64(uintptr(unsafe.Pointer(&data[0])))
	}
	if err := card.Submit(IOCTLModeCreatePropBlob, unsafe.Pointer(raw)); err != nil {
		return 0, fmt.Errorf("create blob: %w", err)
	}
	return raw.blobID, nil
}

// GetBlob fetches a blob's contents. A length that grows between the
// size and fetch calls restarts the query.
func GetBlob(card Card, id uint32) ([]byte, error) {
	const attempts = 4

	for i := 0; i < attempts; i++ {
		raw := &sysGetBlob{}
		raw.blobID = id
		err := card.Submit(IOCTLModeGetPropBlob, unsafe.Pointer(raw))
		if err != nil {
			return nil, vanished(err, "blob", id)
		}
		if raw.length == 0 {
			return nil, nil
		}
		alloc := raw.length
		data := make([]byte, alloc)
		raw.data = uint64(uintptr(unsafe.Pointer(&data[0])))
		err = card.Submit(IOCTLModeGetPropBlob, unsafe.Pointer(raw))
		if err != nil {
			return nil, vanished(err, "blob", id)
		}
		if raw.length > alloc {
			continue
		}
		return data[:raw.length], nil
	}
	return nil, fmt.Errorf("get blob %d: length kept changing: %w", id, kms.ErrIO)
}

// DestroyBlob releases a blob created by CreateBlob.
func DestroyBlob(card Card, id uint32) error {
	raw := &sysDestroyBlob{blobID: id}
	if err := card.Submit(IOCTLModeDestroyPropBlob, unsafe.Pointer(raw)); err != nil {
		return fmt.Errorf("destroy blob %d: %w", id, err)
	}
	return nil
}
