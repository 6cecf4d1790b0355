package offload

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Run executes a Compute or Exchange offload on every device of its
// topology and returns when all devices are done. Each device runs in its
// own shepherd goroutine; the shepherds and the caller meet at the offload
// barrier after every step.
func (rt *Runtime) Run(ctx context.Context, info *OffloadingInfo) error {
	switch info.Kind {
	case Compute:
		rounds := 2
		if len(info.Exchanges) > 0 {
			rounds++
		}
		return rt.execute(ctx, info, rounds, rt.compute)
	case Exchange:
		return rt.execute(ctx, info, 1, rt.exchangeOnly)
	}
	return errors.Wrapf(ErrInvalidConfig, "run %s offload %s; use EnterData/ExitData", info.Kind, info.Name)
}

// EnterData maps the variables of a DataRegion offload on every device and
// leaves its instances on the device stacks, so offloads run before ExitData
// inherit the maps.
func (rt *Runtime) EnterData(ctx context.Context, info *OffloadingInfo) error {
	if info.Kind != DataRegion {
		return errors.Wrapf(ErrInvalidConfig, "enter data on %s offload %s", info.Kind, info.Name)
	}
	if info.entered {
		return errors.Wrapf(ErrInvalidConfig, "data region %s already entered", info.Name)
	}
	rounds := 1
	if len(info.Exchanges) > 0 {
		rounds++
	}
	err := rt.execute(ctx, info, rounds, rt.enterData)
	if err != nil {
		for _, inst := range info.instances {
			rt.stacks[inst.dev.ID].pop(inst)
		}
		return err
	}
	info.entered = true
	return nil
}

// ExitData copies out and releases what EnterData mapped.
func (rt *Runtime) ExitData(ctx context.Context, info *OffloadingInfo) error {
	if info.Kind != DataRegion || !info.entered {
		return errors.Wrapf(ErrInvalidConfig, "exit data on %s offload %s that was not entered", info.Kind, info.Name)
	}
	info.entered = false
	return rt.execute(ctx, info, 1, rt.exitData)
}

type shepherd func(ctx context.Context, inst *OffloadingInstance) error

func (rt *Runtime) execute(ctx context.Context, info *OffloadingInfo, rounds int, step shepherd) error {
	info.barrier.Reset()
	start := time.Now()
	if info.StartTime.IsZero() {
		info.StartTime = start
	}
	klog.V(2).Infof("offload %s (%s) on %s: run %d", info.Name, info.Kind, info.Top, info.count+1)

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range info.instances {
		inst := inst
		g.Go(func() error {
			if err := step(gctx, inst); err != nil {
				return errors.Wrapf(err, "%s on %s", info.Name, inst.dev)
			}
			return nil
		})
	}
	var syncErr error
	for i := 0; i < rounds && syncErr == nil; i++ {
		syncErr = info.barrier.Wait(gctx)
	}
	err := g.Wait()
	if err == nil && syncErr != nil {
		err = errors.Wrapf(syncErr, "offload %s", info.Name)
	}
	info.ComplTime = time.Now()
	if err != nil {
		// Every shepherd has returned, so no neighbour still reads these maps.
		for _, inst := range info.instances {
			if rerr := inst.releaseOwned(false); rerr != nil {
				klog.Errorf("%s on %s: %v", info.Name, inst.dev, rerr)
			}
		}
		return err
	}
	info.count++
	klog.V(2).Infof("offload %s done in %v", info.Name, info.ComplTime.Sub(start))
	return nil
}

func (inst *OffloadingInstance) sync(ctx context.Context) error {
	return inst.info.barrier.Wait(ctx)
}

// begin prepares the instance for a run and pushes it on its device stack.
// Inherited cache entries never outlive a run; the enclosing offload may
// have ended since.
func (inst *OffloadingInstance) begin() {
	inst.loopDistributed = false
	kept := inst.cache[:0]
	for _, e := range inst.cache {
		if !e.inherited {
			kept = append(kept, e)
		}
	}
	inst.cache = kept
	inst.info.rt.stacks[inst.dev.ID].push(inst)
}

// end pops the instance. A non-recurring offload forgets its map cache.
func (inst *OffloadingInstance) end() {
	inst.info.rt.stacks[inst.dev.ID].pop(inst)
	if !inst.info.Recurring {
		inst.cache = inst.cache[:0]
	}
}

// mapVars brings every variable of the offload to Buffered (or HaloReady) on
// this device. Maps already mapped by an enclosing offload are left alone.
func (inst *OffloadingInstance) mapVars() error {
	inst.stage = StageMapping
	for i, v := range inst.info.Vars {
		m, err := inst.ResolveMap(v.Source, i)
		if err != nil {
			return err
		}
		if m.level >= Buffered {
			continue
		}
		inst.owned = append(inst.owned, m)
		m.resolveType(inst.dev)
		if err := m.distribute(); err != nil {
			return err
		}
		if err := m.buffer(v.targets()); err != nil {
			return err
		}
		klog.V(4).Info(m)
	}
	return nil
}

// exchange pulls every halo the offload asks for.
func (inst *OffloadingInstance) exchange(ctx context.Context) error {
	inst.stage = StageExchanging
	for _, x := range inst.info.Exchanges {
		m, err := inst.ResolveMap(x.Var.Source, -1)
		if err != nil {
			return err
		}
		if err := m.PullHalo(ctx, x.Dim, x.Direction); err != nil {
			if errors.Is(err, ErrUnsupportedHalo) {
				klog.Errorf("skip halo exchange: %v", err)
				continue
			}
			return err
		}
	}
	return nil
}

// releaseOwned releases the maps this instance mapped, copying out when
// copyOut is set.
func (inst *OffloadingInstance) releaseOwned(copyOut bool) error {
	var first error
	for _, m := range inst.owned {
		if err := m.release(copyOut); err != nil && first == nil {
			first = err
		}
	}
	inst.owned = inst.owned[:0]
	return first
}

// compute runs one compute offload on its device. On failure the maps it
// owns are released by execute once every shepherd has stopped.
func (rt *Runtime) compute(ctx context.Context, inst *OffloadingInstance) error {
	inst.begin()
	defer inst.end()

	if err := inst.mapVars(); err != nil {
		return err
	}
	if err := inst.sync(ctx); err != nil {
		return err
	}
	if len(inst.info.Exchanges) > 0 {
		if err := inst.exchange(ctx); err != nil {
			return err
		}
		if err := inst.sync(ctx); err != nil {
			return err
		}
	}

	inst.stage = StageKernel
	if err := inst.LoopIterationDistribute(); err != nil {
		return err
	}
	if err := inst.info.launcher(ctx, inst, inst.info.args); err != nil {
		return errors.Wrap(err, "kernel")
	}
	if err := inst.sync(ctx); err != nil {
		return err
	}

	inst.stage = StageCopyOut
	if err := inst.releaseOwned(true); err != nil {
		return err
	}
	inst.stage = StageDone
	return nil
}

func (rt *Runtime) exchangeOnly(ctx context.Context, inst *OffloadingInstance) error {
	inst.begin()
	defer inst.end()
	if err := inst.exchange(ctx); err != nil {
		return err
	}
	if err := inst.sync(ctx); err != nil {
		return err
	}
	inst.stage = StageDone
	return nil
}

func (rt *Runtime) enterData(ctx context.Context, inst *OffloadingInstance) error {
	inst.begin()
	if err := inst.mapVars(); err != nil {
		return err
	}
	if err := inst.sync(ctx); err != nil {
		return err
	}
	if len(inst.info.Exchanges) > 0 {
		if err := inst.exchange(ctx); err != nil {
			return err
		}
		if err := inst.sync(ctx); err != nil {
			return err
		}
	}
	inst.stage = StageMapped
	return nil
}

func (rt *Runtime) exitData(ctx context.Context, inst *OffloadingInstance) error {
	inst.stage = StageCopyOut
	err := inst.releaseOwned(true)
	inst.end()
	if err != nil {
		return err
	}
	if err := inst.sync(ctx); err != nil {
		return err
	}
	inst.stage = StageDone
	return nil
}
