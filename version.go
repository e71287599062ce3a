package kms

import (
	"bytes"
	"unsafe"
)

type (
	sysVersion struct {
		Major   int32
		Minor   int32
		Patch   int32
		namelen int64
		name    uintptr
		datelen int64
		date    uintptr
		desclen int64
		desc    uintptr
	}

	// Version of the DRM driver behind a Device.
	Version struct {
		Major, Minor, Patch int32
		Name                string // Name of the driver (eg.: i915)
		Date                string
		Desc                string
	}
)

// Version queries the driver version. Like every variable-length query
// it is a two-call exchange: the first call reports the string lengths,
// the second fills caller-allocated buffers.
func (d *Device) Version() (Version, error) {
	var (
		name, date, desc []byte
	)

	version := &sysVersion{}
	err := d.Submit(IOCTLVersion, unsafe.Pointer(version))
	if err != nil {
		return Version{}, err
	}

	if version.namelen > 0 {
		name = make([]byte, version.namelen+1)
		version.name = uintptr(unsafe.Pointer(&name[0]))
	}
	if version.datelen > 0 {
		date = make([]byte, version.datelen+1)
		version.date = uintptr(unsafe.Pointer(&date[0]))
	}
	if version.desclen > 0 {
		desc = make([]byte, version.desclen+1)
		version.desc = uintptr(unsafe.Pointer(&desc[0]))
	}

	err = d.Submit(IOCTLVersion, unsafe.Pointer(version))
	if err != nil {
		return Version{}, err
	}

	// remove C null byte at end
	name = name[:version.namelen]
	date = date[:version.datelen]
	desc = desc[:version.desclen]

	nozero := func(r rune) bool {
		return r == 0
	}

	v := Version{
		Major: version.Major,
		Minor: version.Minor,
		Patch: version.Patch,
		Name:  string(bytes.TrimFunc(name, nozero)),
		Date:  string(bytes.TrimFunc(date, nozero)),
		Desc:  string(bytes.TrimFunc(desc, nozero)),
	}

	return v, nil
}
