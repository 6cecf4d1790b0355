package offload

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
)

func TestBlockRangeCompleteness(t *testing.T) {
	for size := 1; size <= 9; size++ {
		for n := int64(0); n <= 50; n++ {
			var total, next int64
			lo, hi := n/int64(size), (n+int64(size)-1)/int64(size)
			larger := 0
			for c := 0; c < size; c++ {
				r := BlockRange(n, c, size)
				if r.Offset != next {
					t.Fatalf("n=%d size=%d pos=%d: expected offset %d, got %d", n, size, c, next, r.Offset)
				}
				if r.Length != lo && r.Length != hi {
					t.Fatalf("n=%d size=%d pos=%d: length %d not in {%d,%d}", n, size, c, r.Length, lo, hi)
				}
				if r.Length == hi && hi != lo {
					if c != larger {
						t.Fatalf("n=%d size=%d: larger part at position %d, expected lowest positions", n, size, c)
					}
					larger++
				}
				next = r.End()
				total += r.Length
			}
			if total != n {
				t.Fatalf("n=%d size=%d: parts sum to %d", n, size, total)
			}
			if hi != lo && int64(larger) != n%int64(size) {
				t.Fatalf("n=%d size=%d: %d larger parts, expected %d", n, size, larger, n%int64(size))
			}
		}
	}
}

func TestBlockTenOverThree(t *testing.T) {
	expected := []DistResult{{0, 4}, {4, 3}, {7, 3}}
	for c, want := range expected {
		if got := BlockRange(10, c, 3); got != want {
			t.Errorf("position %d: expected %+v, got %+v", c, want, got)
		}
	}
}

func TestDistributeLoop(t *testing.T) {
	env := newTestEnv(t, 3, device.Discrete, nil)
	info, err := env.rt.NewOffloadingInfo(OffloadingConfig{
		Name:     "loop",
		Top:      env.top,
		Kind:     Exchange,
		LoopDist: []DistSpec{BlockDist(5, 10, 0), DuplicateDist(2, 7)},
	})
	if err != nil {
		t.Fatal(err)
	}
	expected := []DistResult{{5, 4}, {9, 3}, {12, 3}}
	for seq, want := range expected {
		inst := info.Instance(seq)
		if err := inst.LoopIterationDistribute(); err != nil {
			t.Fatal(err)
		}
		if got := inst.LoopDist(0); got != want {
			t.Errorf("seq %d: expected %+v, got %+v", seq, want, got)
		}
		if got := inst.LoopDist(1); got != (DistResult{2, 7}) {
			t.Errorf("seq %d: duplicate gave %+v", seq, got)
		}
	}
}

func TestDistributeFailures(t *testing.T) {
	env := newTestEnv(t, 2, device.Discrete, nil)
	testCases := []struct {
		name     string
		dist     DistSpec
		expected error
	}{
		{"auto", DistSpec{Length: 4, Policy: Auto}, ErrPolicyNotSupported},
		{"unknown", DistSpec{Length: 4, Policy: Policy(42)}, ErrPolicyNotSupported},
		{"bad axis", BlockDist(0, 4, 1), ErrInvalidDistribution},
		{"no alignee", DistSpec{Policy: Align}, ErrInvalidDistribution},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			info, err := env.rt.NewOffloadingInfo(OffloadingConfig{
				Name: tc.name, Top: env.top, Kind: Exchange, LoopDist: []DistSpec{tc.dist},
			})
			if err != nil {
				t.Fatal(err)
			}
			err = info.Instance(0).LoopIterationDistribute()
			if !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}

func TestAlignToMap(t *testing.T) {
	env := newTestEnv(t, 3, device.Discrete, nil)
	data := iota64(10 * 2)
	c := env.rowMap(t, "c", data, 10, 2, MapFrom, MapCopy)

	info, err := env.rt.NewOffloadingInfo(OffloadingConfig{
		Name:     "aligned",
		Top:      env.top,
		Kind:     Exchange,
		LoopDist: []DistSpec{AlignDist(AlignMap{Info: c, Dim: 0}), AlignDist(AlignMap{Info: c, Dim: 1})},
	})
	if err != nil {
		t.Fatal(err)
	}
	for seq := 0; seq < 3; seq++ {
		inst := info.Instance(seq)
		if err := inst.LoopIterationDistribute(); err != nil {
			t.Fatal(err)
		}
		m := c.Map(seq)
		if m.Level() != Distributed {
			t.Fatalf("seq %d: alignee at %s, expected distributed", seq, m.Level())
		}
		if m.Device() != env.reg.Get(seq) {
			t.Errorf("seq %d: alignee bound to %s", seq, m.Device())
		}
		if inst.LoopDist(0) != m.Dist(0) || inst.LoopDist(1) != (DistResult{0, 2}) {
			t.Errorf("seq %d: loop %+v %+v, map %+v", seq, inst.LoopDist(0), inst.LoopDist(1), m.Dist(0))
		}
	}
}

func TestAlignToLoop(t *testing.T) {
	env := newTestEnv(t, 2, device.Discrete, nil)
	loop, err := env.rt.NewOffloadingInfo(OffloadingConfig{
		Name: "loop", Top: env.top, Kind: Exchange, LoopDist: []DistSpec{BlockDist(0, 9, 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	data := iota64(9)
	v, err := env.rt.NewDataMapInfo(DataMapConfig{
		Symbol: "v", Top: env.top, Source: Bytes(data), Dims: []int64{9}, ElemSize: 8,
		Dist: []DistSpec{AlignDist(AlignLoop{Info: loop, Dim: 0})},
	})
	if err != nil {
		t.Fatal(err)
	}
	m := v.Map(1)
	m.resolveType(env.reg.Get(1))
	if err := m.distribute(); err != nil {
		t.Fatal(err)
	}
	if got := m.Dist(0); got != (DistResult{5, 4}) {
		t.Fatalf("expected {5 4}, got %+v", got)
	}
	if !loop.Instance(1).loopDistributed {
		t.Error("alignee loop was not distributed")
	}
}

func TestAlignCycle(t *testing.T) {
	env := newTestEnv(t, 2, device.Discrete, nil)
	data := iota64(4)
	v, err := env.rt.NewDataMapInfo(DataMapConfig{
		Symbol: "v", Top: env.top, Source: Bytes(data), Dims: []int64{4}, ElemSize: 8,
		Dist: []DistSpec{BlockDist(0, 4, 0)},
	})
	if err != nil {
		t.Fatal(err)
	}
	v.Dist[0] = AlignDist(AlignMap{Info: v, Dim: 0})
	m := v.Map(0)
	m.resolveType(env.reg.Get(0))
	if err := m.distribute(); !errors.Is(err, ErrInvalidDistribution) {
		t.Fatalf("expected ErrInvalidDistribution, got %v", err)
	}
}
