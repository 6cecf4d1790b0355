package offload

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
	"github.com/notargets/gohomp/topology"
)

// Policy decides how one dimension of an array or loop is split over the
// devices of a topology.
type Policy int

const (
	// Block splits the range into near-equal contiguous pieces along one
	// topology dimension.
	Block Policy = iota
	// Duplicate gives every device the full range.
	Duplicate
	// Align copies the result of another map or loop at the same device.
	Align
	// Auto is reserved and always fails.
	Auto
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "BLOCK"
	case Duplicate:
		return "DUPLICATE"
	case Align:
		return "ALIGN"
	case Auto:
		return "AUTO"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Alignee is the target of an Align distribution: AlignMap or AlignLoop.
type Alignee interface {
	alignee()
}

// AlignMap aligns with dimension Dim of another array's map.
type AlignMap struct {
	Info *DataMapInfo
	Dim  int
}

// AlignLoop aligns with dimension Dim of another offload's loop.
type AlignLoop struct {
	Info *OffloadingInfo
	Dim  int
}

func (AlignMap) alignee()  {}
func (AlignLoop) alignee() {}

// DistSpec describes one dimension of a distribution.
type DistSpec struct {
	Start  int64
	Length int64
	Policy Policy
	// TopDim is the topology dimension a Block split runs along.
	TopDim int
	Align  Alignee
}

// BlockDist splits [start, start+length) along topology dimension topDim.
func BlockDist(start, length int64, topDim int) DistSpec {
	return DistSpec{Start: start, Length: length, Policy: Block, TopDim: topDim}
}

// DuplicateDist gives every device [start, start+length).
func DuplicateDist(start, length int64) DistSpec {
	return DistSpec{Start: start, Length: length, Policy: Duplicate}
}

// AlignDist follows a.
func AlignDist(a Alignee) DistSpec {
	return DistSpec{Policy: Align, Align: a}
}

// DistResult is the range one device received.
type DistResult struct {
	Offset int64
	Length int64
}

// End is the first index past the range.
func (r DistResult) End() int64 { return r.Offset + r.Length }

// BlockRange returns the part of a range of n elements that the device at
// position pos out of size receives. The first n%size positions get one
// extra element, so the parts are contiguous, disjoint and cover [0, n).
//
// 10 over 3 gives lengths 4, 3, 3 at offsets 0, 4, 7.
func BlockRange(n int64, pos, size int) DistResult {
	s, c := int64(size), int64(pos)
	base, rem := n/s, n%s
	if c < rem {
		return DistResult{Offset: (base + 1) * c, Length: base + 1}
	}
	return DistResult{Offset: base*c + rem, Length: base}
}

// distTarget is the thing being distributed: a *DataMap or an
// *OffloadingInstance.
type distTarget interface {
	targetDevice() *device.Device
}

// distribute fills out[i] for each spec[i] for the device at seq of top.
func distribute(specs []DistSpec, out []DistResult, top *topology.Grid, seq int, target distTarget) error {
	var cbuf [topology.MaxDims]int
	coords := cbuf[:top.NDims]
	if _, err := top.CoordsInto(seq, coords); err != nil {
		return err
	}

	for i, spec := range specs {
		switch spec.Policy {
		case Block:
			if spec.TopDim < 0 || spec.TopDim >= top.NDims {
				return errors.Wrapf(ErrInvalidDistribution, "dimension %d: topology dimension %d outside %s", i, spec.TopDim, top)
			}
			r := BlockRange(spec.Length, coords[spec.TopDim], top.Dims[spec.TopDim])
			if m, ok := target.(*DataMap); ok {
				r = m.padHalo(i, r, top, seq)
			}
			r.Offset += spec.Start
			out[i] = r

		case Duplicate:
			out[i] = DistResult{Offset: spec.Start, Length: spec.Length}

		case Align:
			r, err := alignedRange(spec.Align, target.targetDevice())
			if err != nil {
				return errors.Wrapf(err, "dimension %d", i)
			}
			out[i] = r

		case Auto:
			return errors.Wrapf(ErrPolicyNotSupported, "dimension %d: %s", i, spec.Policy)

		default:
			return errors.Wrapf(ErrPolicyNotSupported, "dimension %d: %s", i, spec.Policy)
		}
	}
	return nil
}

// alignedRange distributes the alignee on dev if that has not happened yet
// and returns its range in the requested dimension.
func alignedRange(a Alignee, dev *device.Device) (DistResult, error) {
	switch a := a.(type) {
	case AlignMap:
		if a.Info == nil {
			return DistResult{}, errors.Wrap(ErrInvalidDistribution, "align to nil map")
		}
		seq := a.Info.Top.SeqIDOfDevice(dev.ID)
		if seq < 0 {
			return DistResult{}, errors.Wrapf(ErrInvalidDistribution, "%s not in topology of %s", dev, a.Info.Symbol)
		}
		if a.Dim < 0 || a.Dim >= a.Info.NumDims() {
			return DistResult{}, errors.Wrapf(ErrInvalidDistribution, "align to dimension %d of %d-D %s", a.Dim, a.Info.NumDims(), a.Info.Symbol)
		}
		am := a.Info.Map(seq)
		if am.level < TypeResolved {
			am.resolveType(dev)
		}
		if err := am.distribute(); err != nil {
			return DistResult{}, errors.Wrapf(err, "align to %s", a.Info.Symbol)
		}
		return am.dist[a.Dim], nil

	case AlignLoop:
		if a.Info == nil {
			return DistResult{}, errors.Wrap(ErrInvalidDistribution, "align to nil loop")
		}
		seq := a.Info.Top.SeqIDOfDevice(dev.ID)
		if seq < 0 {
			return DistResult{}, errors.Wrapf(ErrInvalidDistribution, "%s not in topology of offload %s", dev, a.Info.Name)
		}
		if a.Dim < 0 || a.Dim >= len(a.Info.LoopDist) {
			return DistResult{}, errors.Wrapf(ErrInvalidDistribution, "align to loop dimension %d of %d", a.Dim, len(a.Info.LoopDist))
		}
		inst := a.Info.Instance(seq)
		if err := inst.LoopIterationDistribute(); err != nil {
			return DistResult{}, errors.Wrapf(err, "align to loop of %s", a.Info.Name)
		}
		return inst.loopDist[a.Dim], nil
	}
	return DistResult{}, errors.Wrap(ErrInvalidDistribution, "align without alignee")
}
