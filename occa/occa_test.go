package occa

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
	"github.com/notargets/gohomp/offload"
	"github.com/notargets/gohomp/topology"
)

const serialProps = `{"mode": "Serial"}`

func serialDevices(n int) *device.Registry {
	devs := make([]*device.Device, n)
	for i := range devs {
		devs[i] = &device.Device{SysID: i, Type: device.Host, Memory: device.Discrete, Props: serialProps}
	}
	return device.NewRegistry(devs...)
}

func TestSerialCopies(t *testing.T) {
	reg := serialDevices(2)
	d0, d1 := reg.Get(0), reg.Get(1)
	b := New()
	defer b.Close()

	if mode, err := b.Mode(d0); err != nil || mode != "Serial" {
		t.Fatalf("expected Serial mode, got %q (%v)", mode, err)
	}
	m0, err := b.Allocate(d0, 16)
	if err != nil {
		t.Fatal(err)
	}
	m1, err := b.Allocate(d1, 16)
	if err != nil {
		t.Fatal(err)
	}
	if m0.Size() != 16 {
		t.Errorf("expected 16 bytes, got %d", m0.Size())
	}

	src := []byte("0123456789abcdef")
	if err := b.CopyHostToDevice(device.Whole(m0), d0, src); err != nil {
		t.Fatal(err)
	}
	if !b.CanPeerAccess(d0, d1) {
		t.Fatal("expected peer access between Serial devices")
	}
	dst := device.Region{Buf: m1, Offset: 4, Size: 4}
	from := device.Region{Buf: m0, Offset: 8, Size: 4}
	if err := b.CopyDeviceToDevice(dst, d1, from, d0); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 4)
	if err := b.CopyDeviceToHost(out, dst, d1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte("89ab")) {
		t.Errorf("expected %q, got %q", "89ab", out)
	}

	if _, err := b.Wrap(d0, src); !errors.Is(err, device.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	if err := b.Free(d0, m0); err != nil {
		t.Fatal(err)
	}
	if err := b.CopyHostToDevice(device.Whole(m0), d0, src); err == nil {
		t.Error("expected error copying into freed memory")
	}
	if err := b.Free(d1, m1); err != nil {
		t.Fatal(err)
	}
}

const scaleSource = `
@kernel void scale(const int n, const double a, double *x) {
  for (int i = 0; i < n; ++i; @tile(16, @outer, @inner)) {
    x[i] = a * x[i];
  }
}`

// Each Serial device scales the rows it owns with an OCCA kernel.
func TestOffloadScale(t *testing.T) {
	const rows, cols = 10, 3
	reg := serialDevices(2)
	b := New()
	defer b.Close()

	kernels := make(map[int]*Kernel)
	for _, dev := range reg.Devices() {
		k, err := b.BuildKernel(dev, scaleSource, "scale")
		if err != nil {
			t.Fatal(err)
		}
		defer k.Free()
		kernels[dev.ID] = k
	}

	top, err := topology.NewSimple(reg.Devices(), 1)
	if err != nil {
		t.Fatal(err)
	}
	rt := offload.NewRuntime(reg, b)
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = float64(i)
	}
	x, err := rt.NewDataMapInfo(offload.DataMapConfig{
		Symbol: "x", Top: top, Source: offload.Bytes(data), Dims: []int64{rows, cols}, ElemSize: 8,
		Dist:      []offload.DistSpec{offload.BlockDist(0, rows, 0), offload.DuplicateDist(0, cols)},
		Direction: offload.MapToFrom, Type: offload.MapAuto,
	})
	if err != nil {
		t.Fatal(err)
	}
	info, err := rt.NewOffloadingInfo(offload.OffloadingConfig{
		Name: "scale", Top: top, Kind: offload.Compute, Vars: []*offload.DataMapInfo{x},
		Launcher: func(ctx context.Context, inst *offload.OffloadingInstance, args any) error {
			m, err := inst.ResolveMap(offload.Bytes(data), 0)
			if err != nil {
				return err
			}
			n := int(m.Size() / 8)
			return kernels[inst.Device().ID].Run(n, 2.0, m.DeviceBuffer())
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Run(context.Background(), info); err != nil {
		t.Fatal(err)
	}
	for i, v := range data {
		if v != float64(2*i) {
			t.Fatalf("element %d: expected %v, got %v", i, float64(2*i), v)
		}
	}
}

func TestConvertArg(t *testing.T) {
	if _, err := convertArg("string"); err == nil {
		t.Error("expected an error for a string argument")
	}
	if _, err := convertArg(fakeBuffer(8)); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("expected ErrForeignBuffer, got %v", err)
	}
}

type fakeBuffer int64

func (f fakeBuffer) Size() int64 { return int64(f) }
