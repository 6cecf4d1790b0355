package offload

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/gohomp/device"
	"github.com/notargets/gohomp/halo"
)

func region(buf device.Buffer, s halo.Span) device.Region {
	return device.Region{Buf: buf, Offset: s.Offset, Size: s.Size}
}

// haloSupported reports whether dim of m can take part in an exchange.
func (m *DataMap) haloSupported(dim int) error {
	if m.info.NumDims() != 2 || dim != 0 || !m.contiguous {
		return errors.Wrapf(ErrUnsupportedHalo, "%s: %d-D, dimension %d, contiguous %v",
			m.info.Symbol, m.info.NumDims(), dim, m.contiguous)
	}
	return nil
}

// prepareHalo lays out the in/out edge regions of each halo dimension and
// allocates a relay for every side whose neighbour has no peer path here.
// Unsupported layouts are logged and left without edges.
func (m *DataMap) prepareHalo(targets []*device.Device) error {
	info := m.info
	ops := info.rt.ops
	for dim, spec := range info.Halo {
		if !spec.declared() {
			continue
		}
		hm := &m.halo[dim]
		hasLeft, hasRight := hm.LeftSeq >= 0, hm.RightSeq >= 0
		if !hasLeft && !hasRight {
			continue
		}
		if err := m.haloSupported(dim); err != nil {
			klog.Errorf("skip halo preparation: %v", err)
			continue
		}
		rowBytes := m.dist[1].Length * info.ElemSize
		e := halo.RowEdges(m.size, rowBytes, spec.Left, spec.Right, hasLeft, hasRight)
		if hasLeft {
			hm.LeftIn, hm.LeftOut = region(m.devBuf, e.LeftIn), region(m.devBuf, e.LeftOut)
			if !ops.CanPeerAccess(targets[hm.LeftSeq], m.dev) {
				hm.LeftRelay = halo.NewRelay(e.LeftIn.Size, info.rt.haloTimeout)
			}
		}
		if hasRight {
			hm.RightIn, hm.RightOut = region(m.devBuf, e.RightIn), region(m.devBuf, e.RightOut)
			if !ops.CanPeerAccess(targets[hm.RightSeq], m.dev) {
				hm.RightRelay = halo.NewRelay(e.RightIn.Size, info.rt.haloTimeout)
			}
		}
		klog.V(4).Infof("halo %s on %s dim %d: left %d (relay %v) right %d (relay %v)",
			info.Symbol, m.dev, dim, hm.LeftSeq, hm.LeftRelay != nil, hm.RightSeq, hm.RightRelay != nil)
	}
	return nil
}

// PullHalo fills the in regions of dimension dim from the neighbours dir
// selects. Every device holding the array must pull with the same direction
// in the same round. A device first pushes its out regions into the relays of
// neighbours that cannot read it directly, then fills its own in regions,
// either by a peer copy or from its own relays once the neighbour has pushed.
//
// Only 2-D, dimension 0, contiguous maps are supported; anything else
// returns ErrUnsupportedHalo without moving data.
func (m *DataMap) PullHalo(ctx context.Context, dim int, dir halo.Direction) error {
	if err := m.haloSupported(dim); err != nil {
		return err
	}
	if m.level < HaloReady {
		return errors.Wrapf(ErrAccessLevel, "pull halo of %s at %s", m.info.Symbol, m.level)
	}
	hm := &m.halo[dim]

	// A neighbour pulling from its left reads our right edge, and the other
	// way round.
	if dir.Left() && hm.RightSeq >= 0 {
		if err := m.pushSide(ctx, dim, hm.RightSeq, false); err != nil {
			return errors.Wrapf(err, "push right edge of %s on %s", m.info.Symbol, m.dev)
		}
	}
	if dir.Right() && hm.LeftSeq >= 0 {
		if err := m.pushSide(ctx, dim, hm.LeftSeq, true); err != nil {
			return errors.Wrapf(err, "push left edge of %s on %s", m.info.Symbol, m.dev)
		}
	}

	if dir.Left() && hm.LeftSeq >= 0 {
		if err := m.pullSide(ctx, dim, hm.LeftSeq, true); err != nil {
			return errors.Wrapf(err, "pull left halo of %s on %s", m.info.Symbol, m.dev)
		}
	}
	if dir.Right() && hm.RightSeq >= 0 {
		if err := m.pullSide(ctx, dim, hm.RightSeq, false); err != nil {
			return errors.Wrapf(err, "pull right halo of %s on %s", m.info.Symbol, m.dev)
		}
	}
	return nil
}

func (m *DataMap) neighbour(nseq int) (*DataMap, error) {
	nm := m.info.Map(nseq)
	if nm == nil || nm.level < HaloReady {
		return nil, errors.Wrapf(ErrAccessLevel, "neighbour %d of %s not halo-ready", nseq, m.info.Symbol)
	}
	return nm, nil
}

// pushSide stages our edge facing neighbour nseq into the neighbour's relay,
// if it has one. left says the neighbour is on our left.
func (m *DataMap) pushSide(ctx context.Context, dim, nseq int, left bool) error {
	nm, err := m.neighbour(nseq)
	if err != nil {
		return err
	}
	hm, nhm := &m.halo[dim], &nm.halo[dim]
	out, nRelay := hm.RightOut, nhm.LeftRelay
	if left {
		out, nRelay = hm.LeftOut, nhm.RightRelay
	}
	if nRelay == nil || out.Size == 0 {
		return nil
	}
	if err := nRelay.WaitDrained(ctx); err != nil {
		return err
	}
	if err := m.info.rt.ops.CopyDeviceToHost(nRelay.Buffer(), out, m.dev); err != nil {
		return err
	}
	klog.V(4).Infof("%s: %s pushed %d bytes to relay of seq %d", m.info.Symbol, m.dev, out.Size, nseq)
	return nRelay.MarkPushed()
}

// pullSide fills our in region facing neighbour nseq.
func (m *DataMap) pullSide(ctx context.Context, dim, nseq int, left bool) error {
	nm, err := m.neighbour(nseq)
	if err != nil {
		return err
	}
	hm, nhm := &m.halo[dim], &nm.halo[dim]
	in, relay, nOut := hm.RightIn, hm.RightRelay, nhm.LeftOut
	if left {
		in, relay, nOut = hm.LeftIn, hm.LeftRelay, nhm.RightOut
	}
	if in.Size == 0 {
		return nil
	}
	ops := m.info.rt.ops
	if relay == nil {
		return ops.CopyDeviceToDevice(in, m.dev, nOut, nm.dev)
	}
	if err := relay.WaitFilled(ctx); err != nil {
		return err
	}
	if err := ops.CopyHostToDevice(in, m.dev, relay.Buffer()); err != nil {
		return err
	}
	return relay.MarkPulled()
}
