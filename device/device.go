// Package device describes the compute devices an offload runs on and the
// abstract operations a backend provides for them.
//
// The engine never allocates or copies device memory itself. Everything goes
// through an Ops implementation: the in-process simulator in device/sim, or
// the OCCA backend in package occa.
package device

import (
	"fmt"
	"strings"
)

// Type identifies the kind of hardware behind a Device.
type Type int

const (
	Host Type = iota
	NVGPU
	ITLMIC
	TIDSP
	AMDAPU
	THSIM
	Remote
	LocalPS
	numTypes
)

var typeNames = [numTypes]struct {
	name, short string
}{
	{"OMP_DEVICE_HOST", "HOST"},
	{"OMP_DEVICE_NVGPU", "NVGPU"},
	{"OMP_DEVICE_ITLMIC", "ITLMIC"},
	{"OMP_DEVICE_TIDSP", "TIDSP"},
	{"OMP_DEVICE_AMDAPU", "AMDAPU"},
	{"OMP_DEVICE_THSIM", "THSIM"},
	{"OMP_DEVICE_REMOTE", "REMOTE"},
	{"OMP_DEVICE_LOCALPS", "LOCALPS"},
}

// String returns the long type name, e.g. OMP_DEVICE_NVGPU.
func (t Type) String() string {
	if t < 0 || t >= numTypes {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t].name
}

// ShortName returns the short type name used in reports, e.g. NVGPU.
func (t Type) ShortName() string {
	if t < 0 || t >= numTypes {
		return ""
	}
	return typeNames[t].short
}

// ParseType accepts either the long or the short type name, case-insensitive.
func ParseType(s string) (Type, bool) {
	for i, n := range typeNames {
		if strings.EqualFold(s, n.name) || strings.EqualFold(s, n.short) {
			return Type(i), true
		}
	}
	return 0, false
}

// MemoryModel tells whether a device shares the host address space.
type MemoryModel int

const (
	// Unified devices can read and write host memory directly.
	Unified MemoryModel = iota
	// Discrete devices have their own memory; data must be copied in and out.
	Discrete
)

func (m MemoryModel) String() string {
	switch m {
	case Unified:
		return "unified"
	case Discrete:
		return "discrete"
	}
	return fmt.Sprintf("MemoryModel(%d)", int(m))
}

// Device is the identity of one compute device. It is owned by a Registry and
// shared read-only by every topology and offload built from it.
type Device struct {
	ID     int // index in the registry
	SysID  int // backend-local id, e.g. the CUDA ordinal
	Type   Type
	Memory MemoryModel
	// Props is the backend property string, e.g. {"mode": "CUDA", "device_id": 0}.
	Props string
}

func (d *Device) String() string {
	return fmt.Sprintf("dev %d(sysid:%d,type:%s)", d.ID, d.SysID, d.Type.ShortName())
}

// IsDiscrete reports whether the device memory is separate from host memory.
func (d *Device) IsDiscrete() bool {
	return d.Memory == Discrete
}
