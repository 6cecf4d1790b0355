package offload

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
)

func TestResolveMap(t *testing.T) {
	env := newTestEnv(t, 2, device.Discrete, nil)
	x, y := iota64(4), iota64(4)
	vx := env.rowMap(t, "x", x, 2, 2, MapTo, MapCopy)
	vy := env.rowMap(t, "y", y, 2, 2, MapTo, MapCopy)
	info, err := env.rt.NewOffloadingInfo(OffloadingConfig{
		Name: "resolve", Top: env.top, Kind: Exchange, Vars: []*DataMapInfo{vx, vy},
	})
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name     string
		source   []byte
		hint     int
		expected *DataMap
	}{
		{"hint", Bytes(y), 1, vy.Map(1)},
		{"nil source takes hint", nil, 0, vx.Map(1)},
		{"hint mismatch scans", Bytes(y), 0, vy.Map(1)},
		{"hint out of range scans", Bytes(x), 7, vx.Map(1)},
		{"no hint", Bytes(x), -1, vx.Map(1)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inst := info.Instance(1)
			inst.cache = nil
			m, err := inst.ResolveMap(tc.source, tc.hint)
			if err != nil {
				t.Fatal(err)
			}
			if m != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected.Info().Symbol, m.Info().Symbol)
			}
			if len(inst.cache) != 1 {
				t.Fatalf("expected one cached map, got %d", len(inst.cache))
			}
			// Second lookup is served from the cache.
			if again, err := inst.ResolveMap(Bytes(tc.expected.Info().Source), -1); err != nil || again != m {
				t.Fatalf("cache lookup gave %v, %v", again, err)
			}
			if inh, err := inst.IsInherited(m); err != nil || inh {
				t.Errorf("expected own map, got inherited %v err %v", inh, err)
			}
		})
	}

	inst := info.Instance(0)
	m, err := inst.ResolveMap(Bytes(iota64(2)), -1)
	if m != nil || !errors.Is(err, ErrMapNotFound) {
		t.Fatalf("expected nil map and ErrMapNotFound, got %v, %v", m, err)
	}
	if _, err := inst.ResolveMap(nil, -1); !errors.Is(err, ErrMapNotFound) {
		t.Fatalf("expected ErrMapNotFound for nil source, got %v", err)
	}
}

func TestMapCacheFull(t *testing.T) {
	env := newTestEnv(t, 1, device.Discrete, nil, WithMapCacheSize(1))
	x, y := iota64(4), iota64(4)
	vx := env.rowMap(t, "x", x, 2, 2, MapTo, MapCopy)
	vy := env.rowMap(t, "y", y, 2, 2, MapTo, MapCopy)
	info, err := env.rt.NewOffloadingInfo(OffloadingConfig{
		Name: "full", Top: env.top, Kind: Exchange, Vars: []*DataMapInfo{vx, vy},
	})
	if err != nil {
		t.Fatal(err)
	}
	inst := info.Instance(0)
	if _, err := inst.ResolveMap(Bytes(x), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.ResolveMap(Bytes(y), 1); !errors.Is(err, ErrMapCacheFull) {
		t.Fatalf("expected ErrMapCacheFull, got %v", err)
	}
}

// A compute offload inside a data region finds the region's maps through
// the device stack and does not map or release them itself.
func TestMapInheritance(t *testing.T) {
	env := newTestEnv(t, 2, device.Discrete, nil)
	x := iota64(4 * 2)
	vx := env.rowMap(t, "x", x, 4, 2, MapToFrom, MapCopy)
	region, err := env.rt.NewOffloadingInfo(OffloadingConfig{
		Name: "region", Top: env.top, Kind: DataRegion, Vars: []*DataMapInfo{vx},
	})
	if err != nil {
		t.Fatal(err)
	}

	inherited := make([]bool, 2)
	kernel, err := env.rt.NewOffloadingInfo(OffloadingConfig{
		Name: "kernel", Top: env.top, Kind: Compute,
		Launcher: func(ctx context.Context, inst *OffloadingInstance, args any) error {
			m, err := inst.ResolveMap(Bytes(x), -1)
			if err != nil {
				return err
			}
			inh, err := inst.IsInherited(m)
			inherited[inst.SeqID()] = inh
			if m.Level() < Buffered {
				return errors.Errorf("inherited map at %s", m.Level())
			}
			dev := Float64s(env.sim.View(m.DeviceBuffer()))
			for i := range dev {
				dev[i] *= 2
			}
			return err
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := env.rt.EnterData(ctx, region); err != nil {
		t.Fatal(err)
	}
	for id := 0; id < 2; id++ {
		if n := env.rt.Stack(id).Len(); n != 1 {
			t.Fatalf("device %d: expected stack depth 1, got %d", id, n)
		}
	}
	if err := env.rt.Run(ctx, kernel); err != nil {
		t.Fatal(err)
	}
	for seq, inh := range inherited {
		if !inh {
			t.Errorf("seq %d: expected inherited map", seq)
		}
		if vx.Map(seq).Level() < Buffered {
			t.Errorf("seq %d: kernel released an inherited map", seq)
		}
	}
	// Nothing is copied out until the region ends.
	if x[7] != 7 {
		t.Fatalf("expected source untouched before exit, got %v", x[7])
	}
	if err := env.rt.ExitData(ctx, region); err != nil {
		t.Fatal(err)
	}
	for i, v := range x {
		if v != float64(2*i) {
			t.Fatalf("element %d: expected %v, got %v", i, float64(2*i), v)
		}
	}
	for id := 0; id < 2; id++ {
		if n := env.rt.Stack(id).Len(); n != 0 {
			t.Errorf("device %d: expected empty stack, got %d", id, n)
		}
	}
	if n, _ := env.sim.Live(); n != 0 {
		t.Errorf("expected every buffer freed, %d live", n)
	}
	if err := env.rt.ExitData(ctx, region); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig exiting twice, got %v", err)
	}
}

func TestBarrier(t *testing.T) {
	const parties, rounds = 4, 50
	b := NewBarrier(parties)
	ctx := context.Background()
	arrived := make(chan int, parties*rounds)
	errs := make(chan error, parties)
	for p := 0; p < parties; p++ {
		go func() {
			for r := 0; r < rounds; r++ {
				arrived <- r
				if err := b.Wait(ctx); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}()
	}
	for p := 0; p < parties; p++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	close(arrived)
	count := make(map[int]int)
	for r := range arrived {
		count[r]++
	}
	for r := 0; r < rounds; r++ {
		if count[r] != parties {
			t.Fatalf("round %d: %d arrivals", r, count[r])
		}
	}
}

func TestBarrierBroken(t *testing.T) {
	b := NewBarrier(3)
	done := make(chan error, 1)
	go func() { done <- b.Wait(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := <-done; !errors.Is(err, ErrBarrierBroken) {
		t.Fatalf("expected ErrBarrierBroken for the other waiter, got %v", err)
	}
	b.Reset()
	go func() { done <- b.Wait(context.Background()) }()
	go func() { done <- b.Wait(context.Background()) }()
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("expected a clean round after reset, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecurringKeepsMapCache(t *testing.T) {
	env := newTestEnv(t, 2, device.Discrete, nil)
	x := iota64(4 * 2)
	vx := env.rowMap(t, "x", x, 4, 2, MapTo, MapCopy)
	testCases := []struct {
		recurring bool
		expected  int
	}{
		{true, 1},
		{false, 0},
	}
	for _, tc := range testCases {
		info, err := env.rt.NewOffloadingInfo(OffloadingConfig{
			Name: "kernel", Top: env.top, Kind: Compute, Recurring: tc.recurring, Vars: []*DataMapInfo{vx},
			Launcher: func(ctx context.Context, inst *OffloadingInstance, args any) error {
				_, err := inst.ResolveMap(Bytes(x), -1)
				return err
			},
		})
		if err != nil {
			t.Fatal(err)
		}
		for run := 1; run <= 2; run++ {
			if err := env.rt.Run(context.Background(), info); err != nil {
				t.Fatal(err)
			}
			for seq := 0; seq < 2; seq++ {
				if n := len(info.Instance(seq).cache); n != tc.expected {
					t.Fatalf("recurring %v run %d seq %d: expected %d cached maps, got %d", tc.recurring, run, seq, tc.expected, n)
				}
			}
		}
	}
}
