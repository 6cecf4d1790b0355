// Package offload distributes arrays and loop iterations over a device
// topology, manages the per-device data maps, and exchanges halo regions
// between neighbouring devices.
//
// A Runtime is built once per process from a device registry and a backend.
// Data maps and offloads are created through it:
//
//	rt := offload.NewRuntime(registry, sim.New())
//	a, _ := rt.NewStraightDataMapInfo(offload.DataMapConfig{...}, offload.Block)
//	info, _ := rt.NewOffloadingInfo(offload.OffloadingConfig{...})
//	err := rt.Run(ctx, info)
package offload

import (
	"sync"
	"time"

	"github.com/notargets/gohomp/device"
)

// DefaultMapCacheSize is the number of distinct maps an offloading instance
// may resolve before ResolveMap fails with ErrMapCacheFull.
const DefaultMapCacheSize = 32

// MapHandle names one DataMap: the index of its DataMapInfo in the runtime
// arena and the device sequence id.
type MapHandle struct {
	Var int32
	Seq int32
}

// Runtime owns the device registry, the backend, every DataMapInfo created
// through it, and one offload stack per device.
type Runtime struct {
	registry    *device.Registry
	ops         device.Ops
	cacheSize   int
	haloTimeout time.Duration

	mu     sync.RWMutex
	arena  []*DataMapInfo
	stacks []*Stack
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithMapCacheSize sets the per-instance map cache capacity.
func WithMapCacheSize(n int) Option {
	return func(rt *Runtime) { rt.cacheSize = n }
}

// WithHaloTimeout bounds how long a halo pull waits for its neighbour.
// Zero waits until the offload's context ends.
func WithHaloTimeout(d time.Duration) Option {
	return func(rt *Runtime) { rt.haloTimeout = d }
}

// NewRuntime creates a runtime over the devices of registry, moving data
// with ops. It panics if either is nil.
func NewRuntime(registry *device.Registry, ops device.Ops, opts ...Option) *Runtime {
	if registry == nil {
		panic("registry cannot be nil")
	}
	if ops == nil {
		panic("device ops cannot be nil")
	}
	rt := &Runtime{
		registry:  registry,
		ops:       ops,
		cacheSize: DefaultMapCacheSize,
		stacks:    make([]*Stack, registry.Len()),
	}
	for _, o := range opts {
		o(rt)
	}
	for i := range rt.stacks {
		rt.stacks[i] = &Stack{}
	}
	return rt
}

// Registry returns the devices the runtime was created with.
func (rt *Runtime) Registry() *device.Registry { return rt.registry }

// Ops returns the device backend.
func (rt *Runtime) Ops() device.Ops { return rt.ops }

// Stack returns the offload stack of device devID.
func (rt *Runtime) Stack(devID int) *Stack {
	return rt.stacks[devID]
}

func (rt *Runtime) register(info *DataMapInfo) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	info.id = int32(len(rt.arena))
	rt.arena = append(rt.arena, info)
}

// Map returns the DataMap a handle names, or nil.
func (rt *Runtime) Map(h MapHandle) *DataMap {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if h.Var < 0 || int(h.Var) >= len(rt.arena) {
		return nil
	}
	return rt.arena[h.Var].Map(int(h.Seq))
}
