package offload

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/gohomp/device"
	"github.com/notargets/gohomp/halo"
	"github.com/notargets/gohomp/topology"
)

// MaxArrayDims is the highest array rank a data map supports.
const MaxArrayDims = 3

// MapDirection says which way data moves between the host array and a map.
type MapDirection int

const (
	MapTo MapDirection = iota
	MapFrom
	MapToFrom
	MapAlloc
)

func (d MapDirection) in() bool  { return d == MapTo || d == MapToFrom }
func (d MapDirection) out() bool { return d == MapFrom || d == MapToFrom }

func (d MapDirection) String() string {
	switch d {
	case MapTo:
		return "to"
	case MapFrom:
		return "from"
	case MapToFrom:
		return "tofrom"
	case MapAlloc:
		return "alloc"
	}
	return fmt.Sprintf("MapDirection(%d)", int(d))
}

// MapType is the requested or resolved memory treatment of a map.
type MapType int

const (
	MapAuto MapType = iota
	MapCopy
	MapShared
)

func (t MapType) String() string {
	switch t {
	case MapAuto:
		return "auto"
	case MapCopy:
		return "copy"
	case MapShared:
		return "shared"
	}
	return fmt.Sprintf("MapType(%d)", int(t))
}

// AccessLevel is the lifecycle stage of a DataMap. Levels only increase
// until release.
type AccessLevel int

const (
	Unmapped AccessLevel = iota
	TypeResolved
	Distributed
	Buffered
	HaloReady
)

func (l AccessLevel) String() string {
	switch l {
	case Unmapped:
		return "unmapped"
	case TypeResolved:
		return "type-resolved"
	case Distributed:
		return "distributed"
	case Buffered:
		return "buffered"
	case HaloReady:
		return "halo-ready"
	}
	return fmt.Sprintf("AccessLevel(%d)", int(l))
}

// HaloRegionSpec declares halo widths, in elements, for one array dimension.
type HaloRegionSpec struct {
	Left, Right int64
	Cyclic      bool
	// TopDim is the topology axis the neighbours are taken along.
	TopDim int
}

func (h HaloRegionSpec) declared() bool { return h.Left > 0 || h.Right > 0 }

// DataMapConfig describes one array to be mapped over a topology.
type DataMapConfig struct {
	Symbol    string
	Top       *topology.Grid
	Source    []byte
	Dims      []int64
	ElemSize  int64
	Dist      []DistSpec
	Direction MapDirection
	Type      MapType
}

// DataMapInfo is the shared description of one mapped array. It owns one
// DataMap per topology node.
type DataMapInfo struct {
	rt *Runtime
	id int32

	Symbol    string
	Top       *topology.Grid
	Source    []byte
	Dims      []int64
	ElemSize  int64
	Dist      []DistSpec
	Direction MapDirection
	Type      MapType
	// Halo is nil when no dimension declares a halo.
	Halo []HaloRegionSpec

	maps []DataMap
}

// NewDataMapInfo validates cfg and registers a new array description.
func (rt *Runtime) NewDataMapInfo(cfg DataMapConfig) (*DataMapInfo, error) {
	if cfg.Top == nil {
		panic("data map topology cannot be nil")
	}
	nd := len(cfg.Dims)
	if nd < 1 || nd > MaxArrayDims {
		return nil, errors.Wrapf(ErrUnsupportedDimensionality, "%s has %d dimensions", cfg.Symbol, nd)
	}
	if len(cfg.Dist) != nd {
		return nil, errors.Wrapf(ErrInvalidDistribution, "%s: %d distributions for %d dimensions", cfg.Symbol, len(cfg.Dist), nd)
	}
	if cfg.ElemSize < 1 {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: element size %d", cfg.Symbol, cfg.ElemSize)
	}
	n := cfg.ElemSize
	for i, d := range cfg.Dims {
		if d < 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "%s: dimension %d has extent %d", cfg.Symbol, i, d)
		}
		n *= d
	}
	if int64(len(cfg.Source)) < n {
		return nil, errors.Wrapf(ErrInvalidConfig, "%s: source has %d bytes, need %d", cfg.Symbol, len(cfg.Source), n)
	}

	info := &DataMapInfo{
		rt:        rt,
		Symbol:    cfg.Symbol,
		Top:       cfg.Top,
		Source:    cfg.Source,
		Dims:      append([]int64(nil), cfg.Dims...),
		ElemSize:  cfg.ElemSize,
		Dist:      append([]DistSpec(nil), cfg.Dist...),
		Direction: cfg.Direction,
		Type:      cfg.Type,
		maps:      make([]DataMap, cfg.Top.NNodes),
	}
	for seq := range info.maps {
		info.maps[seq] = DataMap{info: info, seq: seq}
		info.maps[seq].reset()
	}
	rt.register(info)
	return info, nil
}

// NewStraightDataMapInfo maps dimension i of the array, in full, with policy
// along topology dimension i.
func (rt *Runtime) NewStraightDataMapInfo(cfg DataMapConfig, policy Policy) (*DataMapInfo, error) {
	cfg.Dist = make([]DistSpec, len(cfg.Dims))
	for i, d := range cfg.Dims {
		cfg.Dist[i] = DistSpec{Length: d, Policy: policy, TopDim: i}
	}
	return rt.NewDataMapInfo(cfg)
}

// NewStraightDataMapInfoWithHalo is NewStraightDataMapInfo with the same halo
// on every dimension.
func (rt *Runtime) NewStraightDataMapInfoWithHalo(cfg DataMapConfig, policy Policy, left, right int64, cyclic bool) (*DataMapInfo, error) {
	if policy != Block {
		klog.Warningf("%s: halo regions are only handled for BLOCK distribution, got %s", cfg.Symbol, policy)
	}
	info, err := rt.NewStraightDataMapInfo(cfg, policy)
	if err != nil {
		return nil, err
	}
	for i := range info.Dims {
		if err := info.AddHaloRegion(i, left, right, cyclic); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// AddHaloRegion declares a halo on dimension dim, taking neighbours along
// the topology dimension that dim is distributed on.
func (info *DataMapInfo) AddHaloRegion(dim int, left, right int64, cyclic bool) error {
	if dim < 0 || dim >= info.NumDims() {
		return errors.Wrapf(ErrInvalidConfig, "%s: halo on dimension %d of %d", info.Symbol, dim, info.NumDims())
	}
	if left < 0 || right < 0 {
		return errors.Wrapf(ErrInvalidConfig, "%s: negative halo width (%d, %d)", info.Symbol, left, right)
	}
	if info.Halo == nil {
		info.Halo = make([]HaloRegionSpec, info.NumDims())
	}
	info.Halo[dim] = HaloRegionSpec{Left: left, Right: right, Cyclic: cyclic, TopDim: info.Dist[dim].TopDim}
	return nil
}

// NumDims is the array rank.
func (info *DataMapInfo) NumDims() int { return len(info.Dims) }

// HasHalo reports whether dimension dim declares a halo.
func (info *DataMapInfo) HasHalo(dim int) bool {
	return info.Halo != nil && dim >= 0 && dim < len(info.Halo) && info.Halo[dim].declared()
}

// Map returns the map of the device at seq, or nil.
func (info *DataMapInfo) Map(seq int) *DataMap {
	if seq < 0 || seq >= len(info.maps) {
		return nil
	}
	return &info.maps[seq]
}

// targets is the device of every topology node of the array.
func (info *DataMapInfo) targets() []*device.Device {
	devs := make([]*device.Device, info.Top.NNodes)
	for seq, id := range info.Top.IDMap {
		devs[seq] = info.rt.registry.Get(id)
	}
	return devs
}

// Handle names the map at seq.
func (info *DataMapInfo) Handle(seq int) MapHandle {
	return MapHandle{Var: info.id, Seq: int32(seq)}
}

// HaloRegionMem is the runtime state of one halo-bearing dimension of a map.
// In regions receive neighbour data; out regions are read by the neighbour.
// A relay is present only when the neighbour on that side cannot reach this
// device directly.
type HaloRegionMem struct {
	LeftSeq, RightSeq int

	LeftIn, LeftOut   device.Region
	RightIn, RightOut device.Region

	LeftRelay, RightRelay *halo.Relay
}

type padding struct{ lo, hi int64 }

// DataMap is one device's share of a mapped array.
type DataMap struct {
	info *DataMapInfo
	seq  int
	dev  *device.Device

	mapType MapType
	level   AccessLevel
	busy    bool

	dist       []DistResult
	pad        []padding
	contiguous bool
	wrapped    bool

	hostBuf  []byte
	devBuf   device.Buffer
	devOwned bool
	size     int64

	halo []HaloRegionMem
}

func (m *DataMap) reset() {
	nd := m.info.NumDims()
	*m = DataMap{
		info: m.info,
		seq:  m.seq,
		dist: make([]DistResult, nd),
		pad:  make([]padding, nd),
		halo: make([]HaloRegionMem, nd),
	}
	for i := range m.halo {
		m.halo[i].LeftSeq, m.halo[i].RightSeq = -1, -1
	}
}

func (m *DataMap) targetDevice() *device.Device { return m.dev }

// Info returns the array description the map belongs to.
func (m *DataMap) Info() *DataMapInfo { return m.info }

// SeqID is the topology node of the map.
func (m *DataMap) SeqID() int { return m.seq }

// Device is the device holding the map.
func (m *DataMap) Device() *device.Device { return m.dev }

// Type is the resolved memory treatment, MapCopy or MapShared.
func (m *DataMap) Type() MapType { return m.mapType }

// Level is the current access level.
func (m *DataMap) Level() AccessLevel { return m.level }

// Contiguous reports whether the owned region is one run of the source.
func (m *DataMap) Contiguous() bool { return m.contiguous }

// Size is the byte size of the map, halo rows included.
func (m *DataMap) Size() int64 { return m.size }

// Handle names the map in the runtime arena.
func (m *DataMap) Handle() MapHandle { return m.info.Handle(m.seq) }

// Dist is the range of dimension dim held by the map, halo rows included.
func (m *DataMap) Dist(dim int) DistResult { return m.dist[dim] }

// Halo returns the halo state of dimension dim.
func (m *DataMap) Halo(dim int) *HaloRegionMem { return &m.halo[dim] }

// HostBuffer is the host side of the map: a view into the source array for
// contiguous maps, or the packed staging buffer otherwise.
func (m *DataMap) HostBuffer() []byte { return m.hostBuf }

// DeviceBuffer is the device memory holding the map.
func (m *DataMap) DeviceBuffer() device.Buffer { return m.devBuf }

// HasHalo reports whether the map has a neighbour to exchange with on dim.
func (m *DataMap) HasHalo(dim int) bool {
	if !m.info.HasHalo(dim) {
		return false
	}
	h := m.halo[dim]
	return h.LeftSeq >= 0 || h.RightSeq >= 0
}

// HaloLeftSeqID is the sequence id of the left neighbour on dim, or -1.
func (m *DataMap) HaloLeftSeqID(dim int) int { return m.halo[dim].LeftSeq }

// HaloRightSeqID is the sequence id of the right neighbour on dim, or -1.
func (m *DataMap) HaloRightSeqID(dim int) int { return m.halo[dim].RightSeq }

// ElementOffset is the row-major element offset of the map's first element
// within the source array.
func (m *DataMap) ElementOffset() int64 {
	off, mt := int64(0), int64(1)
	for i := m.info.NumDims() - 1; i >= 0; i-- {
		off += mt * m.dist[i].Offset
		mt *= m.info.Dims[i]
	}
	return off
}

// ArrayElementOffset is the row-major offset of idx in an array of shape dims.
func ArrayElementOffset(dims, idx []int64) int64 {
	off, mt := int64(0), int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		off += mt * idx[i]
		mt *= dims[i]
	}
	return off
}

// LoopMapRange maps the iteration range [start, start+length) of the
// original array onto this map in dimension dim. A start <= 0 means the
// beginning of the map and a negative length means as far as the map goes.
// It returns the original index of the first mapped element, the start and
// length local to the map, and false if the range does not fit.
func (m *DataMap) LoopMapRange(dim int, start, length int64) (offset, mapStart, mapLength int64, ok bool) {
	d := m.dist[dim]
	if start <= 0 {
		switch {
		case length < 0:
			return d.Offset, 0, d.Length, true
		case length <= d.Length:
			return d.Offset, 0, length, true
		}
		return 0, 0, 0, false
	}
	mapStart = start - d.Offset
	maxLength := d.Length - mapStart
	if mapStart < 0 || maxLength < 0 {
		return 0, 0, 0, false
	}
	switch {
	case length < 0:
		return start, mapStart, maxLength, true
	case length <= maxLength:
		return start, mapStart, length, true
	}
	return 0, 0, 0, false
}

func (m *DataMap) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "map %s on %s (seq %d): %s %s, %s\n", m.info.Symbol, m.dev, m.seq, m.mapType, m.info.Direction, m.level)
	for i := range m.dist {
		fmt.Fprintf(&b, "\tdim %d: [%d, %d) of %d", i, m.dist[i].Offset, m.dist[i].End(), m.info.Dims[i])
		if m.info.HasHalo(i) {
			fmt.Fprintf(&b, ", halo left %d right %d", m.halo[i].LeftSeq, m.halo[i].RightSeq)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\t%d bytes, contiguous %v", m.size, m.contiguous)
	return b.String()
}

// resolveType binds the map to dev and picks COPY or SHARED.
func (m *DataMap) resolveType(dev *device.Device) {
	if m.level >= TypeResolved {
		return
	}
	m.dev = dev
	discrete := m.info.rt.ops.IsDiscreteMemory(dev)
	switch m.info.Type {
	case MapAuto:
		if discrete {
			m.mapType = MapCopy
		} else {
			m.mapType = MapShared
		}
	case MapShared:
		m.mapType = MapShared
		if discrete {
			klog.V(2).Infof("%s on %s: shared request on discrete memory, using copy", m.info.Symbol, dev)
			m.mapType = MapCopy
		}
	default:
		m.mapType = MapCopy
	}
	m.level = TypeResolved
}

// distribute computes the map's owned region and its contiguity.
func (m *DataMap) distribute() error {
	if m.level >= Distributed {
		return nil
	}
	if m.level < TypeResolved {
		return errors.Wrapf(ErrAccessLevel, "distribute %s at %s", m.info.Symbol, m.level)
	}
	if m.busy {
		return errors.Wrapf(ErrInvalidDistribution, "alignment cycle through %s", m.info.Symbol)
	}
	m.busy = true
	defer func() { m.busy = false }()

	info := m.info
	if err := distribute(info.Dist, m.dist, info.Top, m.seq, m); err != nil {
		return errors.Wrapf(err, "distribute %s", info.Symbol)
	}
	m.contiguous = true
	for i := 1; i < info.NumDims(); i++ {
		if m.dist[i].Offset != 0 || m.dist[i].Length != info.Dims[i] {
			m.contiguous = false
		}
	}
	m.level = Distributed
	return nil
}

// padHalo grows a BLOCK range by the halo widths on each side that has a
// neighbour and records the neighbours.
func (m *DataMap) padHalo(dim int, r DistResult, top *topology.Grid, seq int) DistResult {
	if !m.info.HasHalo(dim) {
		return r
	}
	spec := m.info.Halo[dim]
	left, right := top.Neighbors(seq, spec.TopDim, spec.Cyclic)
	m.halo[dim].LeftSeq, m.halo[dim].RightSeq = left, right
	if left >= 0 {
		r.Offset -= spec.Left
		r.Length += spec.Left
		m.pad[dim].lo = spec.Left
	}
	if right >= 0 {
		r.Length += spec.Right
		m.pad[dim].hi = spec.Right
	}
	return r
}

// rowBytes is the size of one full leading-dimension row of the source.
func (info *DataMapInfo) rowBytes() int64 {
	n := info.ElemSize
	for _, d := range info.Dims[1:] {
		n *= d
	}
	return n
}

// buffer sizes the map, prepares its host side, binds device memory and
// copies inbound data. With a declared halo it continues to HaloReady.
func (m *DataMap) buffer(targets []*device.Device) error {
	if m.level >= Buffered {
		return nil
	}
	if m.level < Distributed {
		return errors.Wrapf(ErrAccessLevel, "buffer %s at %s", m.info.Symbol, m.level)
	}
	info := m.info
	ops := info.rt.ops

	m.size = info.ElemSize
	for _, d := range m.dist {
		m.size *= d.Length
	}
	for i := 1; i < info.NumDims(); i++ {
		if m.dist[i].Offset < 0 || m.dist[i].End() > info.Dims[i] {
			return errors.Wrapf(ErrUnsupportedHalo, "%s: dimension %d range [%d, %d) leaves the array", info.Symbol, i, m.dist[i].Offset, m.dist[i].End())
		}
	}

	var err error
	if m.contiguous {
		rb := info.rowBytes()
		lo := m.dist[0].Offset
		if lo >= 0 && m.dist[0].End() <= info.Dims[0] {
			m.hostBuf = info.Source[lo*rb : lo*rb+m.size]
		} else {
			// Cyclic halo rows wrap past the array ends; stage them.
			m.wrapped = true
			m.hostBuf = gatherRows(info.Source, info.Dims[0], rb, lo, m.dist[0].Length)
			if m.mapType == MapShared {
				m.mapType = MapCopy
			}
		}
	} else if m.mapType == MapShared {
		klog.Warningf("%s on %s: non-contiguous region cannot be shared, using copy", info.Symbol, m.dev)
		m.mapType = MapCopy
	}

	switch {
	case m.mapType == MapShared:
		m.devBuf, err = ops.Wrap(m.dev, m.hostBuf)
	case !m.contiguous:
		if m.hostBuf, err = m.marshal(); err != nil {
			return err
		}
		if ops.IsDiscreteMemory(m.dev) {
			m.devBuf, err = ops.Allocate(m.dev, m.size)
			m.devOwned = true
		} else {
			m.devBuf, err = ops.Wrap(m.dev, m.hostBuf)
		}
	default:
		m.devBuf, err = ops.Allocate(m.dev, m.size)
		m.devOwned = true
	}
	if err != nil {
		m.devOwned = false
		return errors.Wrapf(err, "buffer %s on %s", info.Symbol, m.dev)
	}

	if m.devOwned && info.Direction.in() && m.size > 0 {
		if err := ops.CopyHostToDevice(device.Whole(m.devBuf), m.dev, m.hostBuf); err != nil {
			if ferr := ops.Free(m.dev, m.devBuf); ferr != nil {
				klog.Errorf("free %s on %s: %v", info.Symbol, m.dev, ferr)
			}
			m.devBuf, m.devOwned = nil, false
			return errors.Wrapf(err, "copy %s to %s", info.Symbol, m.dev)
		}
	}
	m.level = Buffered
	klog.V(2).Infof("buffered %s on %s: %d bytes, %s, contiguous %v", info.Symbol, m.dev, m.size, m.mapType, m.contiguous)

	if info.Halo != nil {
		if err := m.prepareHalo(targets); err != nil {
			return err
		}
		m.level = HaloReady
	}
	return nil
}

// gatherRows copies n rows starting at row lo, wrapping modulo rows, into a
// new buffer.
func gatherRows(src []byte, rows, rowBytes, lo, n int64) []byte {
	out := make([]byte, n*rowBytes)
	for r := int64(0); r < n; r++ {
		sr := ((lo+r)%rows + rows) % rows
		copy(out[r*rowBytes:(r+1)*rowBytes], src[sr*rowBytes:(sr+1)*rowBytes])
	}
	return out
}

// core returns the owned range of dimension dim, without halo padding.
func (m *DataMap) core(dim int) DistResult {
	d, p := m.dist[dim], m.pad[dim]
	n := d.Length - p.lo - p.hi
	if n < 0 {
		n = 0
	}
	return DistResult{Offset: d.Offset + p.lo, Length: n}
}

// writeBack copies the owned core of the map back into the source array.
func (m *DataMap) writeBack() error {
	info := m.info
	ops := info.rt.ops
	if !m.devOwned || m.size == 0 {
		if !m.contiguous {
			return m.unmarshal(m.hostBuf)
		}
		return nil
	}
	if m.contiguous {
		rb := info.rowBytes()
		core := halo.Core(m.size, rb, m.pad[0].lo, m.pad[0].hi, m.pad[0].lo > 0, m.pad[0].hi > 0)
		if core.Size == 0 {
			return nil
		}
		src, err := device.Whole(m.devBuf).Sub(core.Offset, core.Size)
		if err != nil {
			return err
		}
		at := m.dist[0].Offset*rb + core.Offset
		return ops.CopyDeviceToHost(info.Source[at:at+core.Size], src, m.dev)
	}
	if err := ops.CopyDeviceToHost(m.hostBuf, device.Whole(m.devBuf), m.dev); err != nil {
		return err
	}
	return m.unmarshal(m.hostBuf)
}

// release writes the map back when asked, frees what the map allocated and
// returns it to Unmapped.
func (m *DataMap) release(copyOut bool) error {
	if m.level < Buffered {
		m.reset()
		return nil
	}
	info := m.info
	var err error
	if copyOut && info.Direction.out() && m.mapType == MapCopy {
		if err = m.writeBack(); err != nil {
			err = errors.Wrapf(err, "copy out %s from %s", info.Symbol, m.dev)
		}
	}
	if m.devOwned {
		if ferr := info.rt.ops.Free(m.dev, m.devBuf); ferr != nil && err == nil {
			err = errors.Wrapf(ferr, "free %s on %s", info.Symbol, m.dev)
		}
	}
	klog.V(2).Infof("released %s on %s", info.Symbol, m.dev)
	m.reset()
	return err
}
