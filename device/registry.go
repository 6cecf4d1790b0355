package device

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NumActiveDevicesEnv overrides how many registered devices an offload uses.
const NumActiveDevicesEnv = "OMP_NUM_ACTIVE_DEVICES"

// Registry holds every device known to the process. It is built once during
// process setup and passed to topology and offload construction.
type Registry struct {
	devices []*Device
	def     int
}

// NewRegistry assigns ids in order and takes ownership of devs.
func NewRegistry(devs ...*Device) *Registry {
	r := &Registry{devices: make([]*Device, len(devs)), def: -1}
	for i, d := range devs {
		if d == nil {
			panic("device cannot be nil")
		}
		d.ID = i
		r.devices[i] = d
	}
	return r
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Get returns the device with the given id, or nil.
func (r *Registry) Get(id int) *Device {
	if id < 0 || id >= len(r.devices) {
		return nil
	}
	return r.devices[id]
}

// Devices returns the registered devices in id order.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// OfType returns up to n devices of type t, in id order.
func (r *Registry) OfType(t Type, n int) []*Device {
	var out []*Device
	for _, d := range r.devices {
		if len(out) >= n {
			break
		}
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// CountOfType returns the number of registered devices of type t.
func (r *Registry) CountOfType(t Type) int {
	n := 0
	for _, d := range r.devices {
		if d.Type == t {
			n++
		}
	}
	return n
}

// SetDefault selects the default device; -1 clears it.
func (r *Registry) SetDefault(id int) {
	r.def = id
}

// Default returns the default device id, -1 when unset.
func (r *Registry) Default() int {
	return r.def
}

// Active returns the first NumActiveDevices devices.
func (r *Registry) Active() []*Device {
	n := NumActiveDevices(len(r.devices))
	return r.Devices()[:n]
}

// NumActiveDevices reads OMP_NUM_ACTIVE_DEVICES and clamps it to [1, total].
// Unset, unparsable or non-positive values select all devices.
func NumActiveDevices(total int) int {
	return clampActive(os.Getenv(NumActiveDevicesEnv), total)
}

func clampActive(v string, total int) int {
	if v == "" {
		return total
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		klog.Warningf("ignoring %s=%q: %v", NumActiveDevicesEnv, v, err)
		return total
	}
	if n < 1 || n > total {
		return total
	}
	return n
}

type descriptor struct {
	Type   string          `json:"type"`
	SysID  int             `json:"sysid"`
	Memory string          `json:"memory"`
	Props  json.RawMessage `json:"props"`
}

// LoadRegistry builds a registry from a JSON array of device descriptors:
//
//	[{"type": "HOST", "memory": "unified", "props": {"mode": "Serial"}},
//	 {"type": "NVGPU", "sysid": 0, "memory": "discrete", "props": {"mode": "CUDA", "device_id": 0}}]
func LoadRegistry(r io.Reader) (*Registry, error) {
	var descs []descriptor
	if err := json.NewDecoder(r).Decode(&descs); err != nil {
		return nil, errors.Wrap(err, "decoding device descriptors")
	}
	devs := make([]*Device, 0, len(descs))
	for i, d := range descs {
		t, ok := ParseType(d.Type)
		if !ok {
			return nil, errors.Errorf("device %d: unknown type %q", i, d.Type)
		}
		var mem MemoryModel
		switch d.Memory {
		case "", "unified":
			mem = Unified
		case "discrete":
			mem = Discrete
		default:
			return nil, errors.Errorf("device %d: unknown memory model %q", i, d.Memory)
		}
		devs = append(devs, &Device{Type: t, SysID: d.SysID, Memory: mem, Props: string(d.Props)})
	}
	return NewRegistry(devs...), nil
}
