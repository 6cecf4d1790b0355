package offload

import (
	"testing"

	"github.com/notargets/gohomp/device"
	"github.com/notargets/gohomp/device/sim"
	"github.com/notargets/gohomp/topology"
)

type testEnv struct {
	rt  *Runtime
	sim *sim.Backend
	reg *device.Registry
	top *topology.Grid
}

// newTestEnv builds n simulated devices in a 1-D topology.
func newTestEnv(t *testing.T, n int, mem device.MemoryModel, backend *sim.Backend, opts ...Option) *testEnv {
	t.Helper()
	devs := make([]*device.Device, n)
	idmap := make([]int, n)
	for i := range devs {
		devs[i] = &device.Device{SysID: i, Type: device.NVGPU, Memory: mem}
		idmap[i] = i
	}
	reg := device.NewRegistry(devs...)
	top, err := topology.New([]int{n}, nil, idmap)
	if err != nil {
		t.Fatal(err)
	}
	if backend == nil {
		backend = sim.New()
	}
	return &testEnv{rt: NewRuntime(reg, backend, opts...), sim: backend, reg: reg, top: top}
}

// rowMap maps a rows x cols float64 array by BLOCK rows.
func (e *testEnv) rowMap(t *testing.T, symbol string, data []float64, rows, cols int64, dir MapDirection, typ MapType) *DataMapInfo {
	t.Helper()
	info, err := e.rt.NewDataMapInfo(DataMapConfig{
		Symbol:    symbol,
		Top:       e.top,
		Source:    Bytes(data),
		Dims:      []int64{rows, cols},
		ElemSize:  8,
		Dist:      []DistSpec{BlockDist(0, rows, 0), DuplicateDist(0, cols)},
		Direction: dir,
		Type:      typ,
	})
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func iota64(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}
