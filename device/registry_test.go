package device

import (
	"strings"
	"testing"
)

func TestClampActive(t *testing.T) {
	testCases := []struct {
		value string
		total int
		want  int
	}{
		{"", 4, 4},
		{"2", 4, 2},
		{"1", 4, 1},
		{"0", 4, 4},
		{"-3", 4, 4},
		{"9", 4, 4},
		{"two", 4, 4},
	}
	for _, tc := range testCases {
		if got := clampActive(tc.value, tc.total); got != tc.want {
			t.Errorf("clampActive(%q, %d): expected %d, got %d", tc.value, tc.total, tc.want, got)
		}
	}
}

func TestNumActiveDevicesEnv(t *testing.T) {
	t.Setenv(NumActiveDevicesEnv, "3")
	if n := NumActiveDevices(8); n != 3 {
		t.Fatalf("expected 3 active devices, got %d", n)
	}

	r := NewRegistry(&Device{}, &Device{}, &Device{}, &Device{})
	if n := len(r.Active()); n != 3 {
		t.Fatalf("expected 3 active devices from registry, got %d", n)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(
		&Device{Type: Host},
		&Device{Type: NVGPU, Memory: Discrete},
		&Device{Type: NVGPU, Memory: Discrete, SysID: 1},
	)
	if r.Len() != 3 {
		t.Fatalf("expected 3 devices, got %d", r.Len())
	}
	for i, d := range r.Devices() {
		if d.ID != i {
			t.Errorf("device %d has id %d", i, d.ID)
		}
	}
	if got := r.CountOfType(NVGPU); got != 2 {
		t.Errorf("expected 2 NVGPU devices, got %d", got)
	}
	gpus := r.OfType(NVGPU, 1)
	if len(gpus) != 1 || gpus[0].ID != 1 {
		t.Errorf("OfType(NVGPU, 1) returned %v", gpus)
	}
	if r.Get(3) != nil || r.Get(-1) != nil {
		t.Error("Get out of range should return nil")
	}
	if r.Default() != -1 {
		t.Errorf("expected no default device, got %d", r.Default())
	}
	r.SetDefault(2)
	if r.Default() != 2 {
		t.Errorf("expected default device 2, got %d", r.Default())
	}
	if s := r.Get(2).String(); s != "dev 2(sysid:1,type:NVGPU)" {
		t.Errorf("unexpected device string %q", s)
	}
}

func TestLoadRegistry(t *testing.T) {
	src := `[
		{"type": "HOST", "props": {"mode": "Serial"}},
		{"type": "OMP_DEVICE_NVGPU", "sysid": 3, "memory": "discrete", "props": {"mode": "CUDA", "device_id": 3}}
	]`
	r, err := LoadRegistry(strings.NewReader(src))
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 devices, got %d", r.Len())
	}
	gpu := r.Get(1)
	if gpu.Type != NVGPU || gpu.SysID != 3 || !gpu.IsDiscrete() {
		t.Errorf("unexpected gpu descriptor %+v", gpu)
	}
	if !strings.Contains(gpu.Props, `"CUDA"`) {
		t.Errorf("expected CUDA props, got %s", gpu.Props)
	}
	if r.Get(0).IsDiscrete() {
		t.Error("host device should default to unified memory")
	}

	if _, err := LoadRegistry(strings.NewReader(`[{"type": "FPGA"}]`)); err == nil {
		t.Error("expected error for unknown device type")
	}
	if _, err := LoadRegistry(strings.NewReader(`[{"type": "HOST", "memory": "paged"}]`)); err == nil {
		t.Error("expected error for unknown memory model")
	}
}

func TestRegionSub(t *testing.T) {
	b := fakeBuffer(64)
	r := Whole(b)
	sub, err := r.Sub(16, 8)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if sub.Offset != 16 || sub.Size != 8 || !sub.Valid() {
		t.Errorf("unexpected sub region %+v", sub)
	}
	if _, err := r.Sub(60, 8); err == nil {
		t.Error("expected out of range error")
	}
	if err := CheckCopy(sub, 4); err == nil {
		t.Error("expected short host buffer error")
	}
}

type fakeBuffer int64

func (b fakeBuffer) Size() int64 { return int64(b) }
