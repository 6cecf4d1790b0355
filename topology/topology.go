// Package topology arranges the devices of an offload in a logical
// N-dimensional grid and maps between sequence ids and grid coordinates.
//
// Sequence ids are row-major: the last dimension varies fastest.
package topology

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
)

var (
	ErrMalformedTopology = errors.New("malformed topology")
	ErrNoFactorization   = errors.New("device count has no factorization in the lookup table")
	ErrCoordsCapacity    = errors.New("coordinate buffer smaller than topology rank")
)

// MaxDims is the highest topology rank supported.
const MaxDims = 3

// Grid is an immutable device topology.
type Grid struct {
	NNodes   int
	NDims    int
	Dims     []int  // extent per dimension
	Periodic []bool // wraparound per dimension
	IDMap    []int  // sequence id -> device id
}

// New builds a topology. The product of dims must equal len(idmap).
func New(dims []int, periodic []bool, idmap []int) (*Grid, error) {
	if len(dims) == 0 || len(dims) > MaxDims {
		return nil, errors.Wrapf(ErrMalformedTopology, "%d dimensions", len(dims))
	}
	if periodic == nil {
		periodic = make([]bool, len(dims))
	}
	if len(periodic) != len(dims) {
		return nil, errors.Wrapf(ErrMalformedTopology, "%d periodic flags for %d dimensions", len(periodic), len(dims))
	}
	n := 1
	for i, d := range dims {
		if d < 1 {
			return nil, errors.Wrapf(ErrMalformedTopology, "dimension %d has extent %d", i, d)
		}
		n *= d
	}
	if n != len(idmap) {
		return nil, errors.Wrapf(ErrMalformedTopology, "product of dims %v is %d, have %d nodes", dims, n, len(idmap))
	}
	g := &Grid{
		NNodes:   n,
		NDims:    len(dims),
		Dims:     append([]int(nil), dims...),
		Periodic: append([]bool(nil), periodic...),
		IDMap:    append([]int(nil), idmap...),
	}
	return g, nil
}

// NewSimple builds a non-periodic topology over devs, in order, with the
// shape taken from Factor.
func NewSimple(devs []*device.Device, ndims int) (*Grid, error) {
	dims, ok := Factor(len(devs), ndims)
	if !ok {
		return nil, errors.Wrapf(ErrNoFactorization, "%d devices in %d dimensions", len(devs), ndims)
	}
	idmap := make([]int, len(devs))
	for i, d := range devs {
		idmap[i] = d.ID
	}
	return New(dims, nil, idmap)
}

// CoordsInto writes the coordinates of seqID into coords and returns the
// number written. It fails if coords is shorter than the topology rank.
func (g *Grid) CoordsInto(seqID int, coords []int) (int, error) {
	if len(coords) < g.NDims {
		return 0, errors.Wrapf(ErrCoordsCapacity, "have %d, need %d", len(coords), g.NDims)
	}
	nnodes := g.NNodes
	for i := 0; i < g.NDims; i++ {
		nnodes /= g.Dims[i]
		coords[i] = seqID / nnodes
		seqID %= nnodes
	}
	return g.NDims, nil
}

// Coords returns the coordinates of seqID.
func (g *Grid) Coords(seqID int) []int {
	coords := make([]int, g.NDims)
	g.CoordsInto(seqID, coords)
	return coords
}

// SeqID returns the row-major sequence id of coords.
func (g *Grid) SeqID(coords []int) int {
	return Offset(g.Dims, coords)
}

// Offset is the row-major offset of idx within an array of shape dims.
// For dims [3][4][5], index [2][2][3] has offset 53.
func Offset(dims, idx []int) int {
	off, mt := 0, 1
	for i := len(dims) - 1; i >= 0; i-- {
		off += mt * idx[i]
		mt *= dims[i]
	}
	return off
}

// SeqIDOfDevice returns the sequence id of device devID, or -1.
func (g *Grid) SeqIDOfDevice(devID int) int {
	for i, id := range g.IDMap {
		if id == devID {
			return i
		}
	}
	return -1
}

// Neighbors returns the sequence ids one step left and right of seqID along
// axis. Without cyclic, -1 marks a boundary. Out-of-range seqID yields (-1, -1).
func (g *Grid) Neighbors(seqID, axis int, cyclic bool) (left, right int) {
	if seqID < 0 || seqID >= g.NNodes || axis < 0 || axis >= g.NDims {
		return -1, -1
	}
	var buf [MaxDims]int
	coords := buf[:g.NDims]
	g.CoordsInto(seqID, coords)

	c, size := coords[axis], g.Dims[axis]
	lc, rc := c-1, c+1
	if cyclic {
		if lc < 0 {
			lc = size - 1
		}
		if rc == size {
			rc = 0
		}
	}

	left, right = -1, -1
	if lc >= 0 {
		coords[axis] = lc
		left = g.SeqID(coords)
	}
	if rc < size {
		coords[axis] = rc
		right = g.SeqID(coords)
	}
	return left, right
}

func (g *Grid) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "top(%d):", g.NNodes)
	for _, d := range g.Dims {
		fmt.Fprintf(&sb, " %d", d)
	}
	return sb.String()
}
