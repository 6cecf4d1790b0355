package offload

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
	"github.com/notargets/gohomp/halo"
	"github.com/notargets/gohomp/topology"
)

// MaxLoopDims is the deepest loop nest an offload distributes.
const MaxLoopDims = 3

// Kind is what an offload does on each device.
type Kind int

const (
	// Compute maps variables, optionally exchanges halos, and launches a kernel.
	Compute Kind = iota
	// DataRegion maps variables on EnterData and releases them on ExitData so
	// offloads in between inherit them.
	DataRegion
	// Exchange pulls halos of already mapped variables.
	Exchange
)

func (k Kind) String() string {
	switch k {
	case Compute:
		return "compute"
	case DataRegion:
		return "data"
	case Exchange:
		return "exchange"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Stage is where an instance is in its offload.
type Stage int

const (
	StageIdle Stage = iota
	StageMapping
	StageExchanging
	StageKernel
	StageCopyOut
	StageMapped
	StageDone
)

// Launcher runs the kernel of a compute offload on one device. The instance
// gives access to the device, its loop range and its maps.
type Launcher func(ctx context.Context, inst *OffloadingInstance, args any) error

// HaloExchange asks for the halo of one dimension of a variable to be pulled.
type HaloExchange struct {
	Var       *DataMapInfo
	Dim       int
	Direction halo.Direction
}

// OffloadingConfig describes one offload over a topology.
type OffloadingConfig struct {
	Name      string
	Top       *topology.Grid
	Kind      Kind
	Recurring bool
	Vars      []*DataMapInfo
	LoopDist  []DistSpec
	Launcher  Launcher
	Args      any
	Exchanges []HaloExchange
}

// OffloadingInfo is one offload operation. A recurring offload keeps the
// map caches of its instances between runs, so later runs resolve their
// variables without a scan; a non-recurring offload clears them when a run
// ends.
type OffloadingInfo struct {
	rt *Runtime

	Name      string
	Top       *topology.Grid
	Targets   []*device.Device
	Kind      Kind
	Recurring bool
	Vars      []*DataMapInfo
	LoopDist  []DistSpec
	Exchanges []HaloExchange

	launcher Launcher
	args     any

	count     int
	StartTime time.Time
	ComplTime time.Time

	barrier   *Barrier
	instances []*OffloadingInstance
	entered   bool
}

// NewOffloadingInfo validates cfg and builds one instance per topology node.
func (rt *Runtime) NewOffloadingInfo(cfg OffloadingConfig) (*OffloadingInfo, error) {
	if cfg.Top == nil {
		panic("offload topology cannot be nil")
	}
	if len(cfg.LoopDist) > MaxLoopDims {
		return nil, errors.Wrapf(ErrUnsupportedDimensionality, "offload %s: %d loop dimensions", cfg.Name, len(cfg.LoopDist))
	}
	if cfg.Kind == Compute && cfg.Launcher == nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "compute offload %s has no launcher", cfg.Name)
	}
	for _, v := range cfg.Vars {
		if v == nil || v.rt != rt {
			return nil, errors.Wrapf(ErrInvalidConfig, "offload %s: variable not created by this runtime", cfg.Name)
		}
		if !sameNodes(v.Top, cfg.Top) {
			return nil, errors.Wrapf(ErrInvalidConfig, "offload %s: %s is mapped over %s", cfg.Name, v.Symbol, v.Top)
		}
	}
	for _, x := range cfg.Exchanges {
		if x.Var == nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "offload %s: exchange without variable", cfg.Name)
		}
	}

	info := &OffloadingInfo{
		rt:        rt,
		Name:      cfg.Name,
		Top:       cfg.Top,
		Targets:   make([]*device.Device, cfg.Top.NNodes),
		Kind:      cfg.Kind,
		Recurring: cfg.Recurring,
		Vars:      append([]*DataMapInfo(nil), cfg.Vars...),
		LoopDist:  append([]DistSpec(nil), cfg.LoopDist...),
		Exchanges: append([]HaloExchange(nil), cfg.Exchanges...),
		launcher:  cfg.Launcher,
		args:      cfg.Args,
		barrier:   NewBarrier(cfg.Top.NNodes + 1),
		instances: make([]*OffloadingInstance, cfg.Top.NNodes),
	}
	for seq, id := range cfg.Top.IDMap {
		dev := rt.registry.Get(id)
		if dev == nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "offload %s: no device %d", cfg.Name, id)
		}
		info.Targets[seq] = dev
		info.instances[seq] = &OffloadingInstance{
			info:     info,
			seq:      seq,
			dev:      dev,
			loopDist: make([]DistResult, len(cfg.LoopDist)),
		}
	}
	return info, nil
}

func sameNodes(a, b *topology.Grid) bool {
	if a == b {
		return true
	}
	if a.NNodes != b.NNodes {
		return false
	}
	for i := range a.IDMap {
		if a.IDMap[i] != b.IDMap[i] {
			return false
		}
	}
	return true
}

// Count is the number of completed runs.
func (info *OffloadingInfo) Count() int { return info.count }

// Instance returns the instance of the device at seq, or nil.
func (info *OffloadingInfo) Instance(seq int) *OffloadingInstance {
	if seq < 0 || seq >= len(info.instances) {
		return nil
	}
	return info.instances[seq]
}

// Elapsed is the time between the first start and the last completion.
func (info *OffloadingInfo) Elapsed() time.Duration {
	if info.ComplTime.Before(info.StartTime) {
		return 0
	}
	return info.ComplTime.Sub(info.StartTime)
}

type cacheEntry struct {
	key       *byte
	h         MapHandle
	inherited bool
}

// OffloadingInstance is an offload on one device.
type OffloadingInstance struct {
	info *OffloadingInfo
	seq  int
	dev  *device.Device

	loopDist        []DistResult
	loopDistributed bool
	loopBusy        bool

	cache []cacheEntry
	stage Stage
	// owned are the maps this instance mapped and must release.
	owned []*DataMap
}

func (inst *OffloadingInstance) targetDevice() *device.Device { return inst.dev }

// Info returns the offload the instance belongs to.
func (inst *OffloadingInstance) Info() *OffloadingInfo { return inst.info }

// SeqID is the topology node the instance runs on.
func (inst *OffloadingInstance) SeqID() int { return inst.seq }

// Device is the device the instance runs on.
func (inst *OffloadingInstance) Device() *device.Device { return inst.dev }

// Stage is how far the current or last run got.
func (inst *OffloadingInstance) Stage() Stage { return inst.stage }

// LoopDist returns the iteration range this device runs in loop dimension dim.
func (inst *OffloadingInstance) LoopDist(dim int) DistResult { return inst.loopDist[dim] }

// LoopIterationDistribute resolves the loop range of every loop dimension
// for this device. It runs once per offload run.
func (inst *OffloadingInstance) LoopIterationDistribute() error {
	if inst.loopDistributed {
		return nil
	}
	if inst.loopBusy {
		return errors.Wrapf(ErrInvalidDistribution, "alignment cycle through loop of %s", inst.info.Name)
	}
	inst.loopBusy = true
	defer func() { inst.loopBusy = false }()

	info := inst.info
	if err := distribute(info.LoopDist, inst.loopDist, info.Top, inst.seq, inst); err != nil {
		return errors.Wrapf(err, "distribute loop of %s", info.Name)
	}
	inst.loopDistributed = true
	return nil
}

func sourceKey(b []byte) *byte {
	if cap(b) == 0 {
		return nil
	}
	return unsafe.SliceData(b)
}

// ResolveMap finds this device's map of the array starting at source. It
// looks in the instance cache, then at variable hint of this offload (or all
// of them when the hint does not match), then in the caches of enclosing
// offloads on the same device. A nil source matches the hinted variable.
func (inst *OffloadingInstance) ResolveMap(source []byte, hint int) (*DataMap, error) {
	key := sourceKey(source)
	if key != nil {
		for _, e := range inst.cache {
			if e.key == key {
				return inst.info.rt.Map(e.h), nil
			}
		}
	}

	vars := inst.info.Vars
	if hint >= 0 && hint < len(vars) {
		if v := vars[hint]; key == nil || sourceKey(v.Source) == key {
			return inst.cacheMap(v.Map(inst.seq), false)
		}
	}
	if key == nil {
		return nil, errors.Wrapf(ErrMapNotFound, "nil source with hint %d", hint)
	}
	for _, v := range vars {
		if sourceKey(v.Source) == key {
			return inst.cacheMap(v.Map(inst.seq), false)
		}
	}

	for _, anc := range inst.info.rt.stacks[inst.dev.ID].ancestors(inst) {
		for _, e := range anc.cache {
			if e.key == key {
				return inst.cacheMap(inst.info.rt.Map(e.h), true)
			}
		}
	}
	return nil, errors.Wrapf(ErrMapNotFound, "offload %s on %s", inst.info.Name, inst.dev)
}

func (inst *OffloadingInstance) cacheMap(m *DataMap, inherited bool) (*DataMap, error) {
	key := sourceKey(m.info.Source)
	for _, e := range inst.cache {
		if e.key == key {
			return inst.info.rt.Map(e.h), nil
		}
	}
	if len(inst.cache) >= inst.info.rt.cacheSize {
		return nil, errors.Wrapf(ErrMapCacheFull, "offload %s on %s: %d maps", inst.info.Name, inst.dev, len(inst.cache))
	}
	inst.cache = append(inst.cache, cacheEntry{key: key, h: m.Handle(), inherited: inherited})
	return m, nil
}

// IsInherited reports whether m came from an enclosing offload.
func (inst *OffloadingInstance) IsInherited(m *DataMap) (bool, error) {
	h := m.Handle()
	for _, e := range inst.cache {
		if e.h == h {
			return e.inherited, nil
		}
	}
	return false, errors.Wrapf(ErrMapNotFound, "%s not cached by offload %s", m.info.Symbol, inst.info.Name)
}
