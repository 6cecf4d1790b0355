// Package sim implements device.Ops over host memory so the engine can run
// multi-device offloads in-process. Each "device" buffer is a Go byte slice;
// peer capability is a configurable matrix.
package sim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
)

var ErrForeignBuffer = errors.New("buffer not allocated by this backend")

type buffer struct {
	dev     int
	data    []byte
	wrapped bool
	freed   bool
}

func (b *buffer) Size() int64 { return int64(len(b.data)) }

// Backend is a simulated device backend. All copies are serialized.
type Backend struct {
	mu        sync.Mutex
	noPeer    map[[2]int]bool
	allPeer   bool
	live      int
	allocated int64
	stats     Stats
}

// Stats counts the traffic a Backend has carried.
type Stats struct {
	Allocs       int
	Frees        int
	HostToDevice int
	DeviceToHost int
	PeerCopies   int
}

// Option configures a Backend.
type Option func(*Backend)

// WithoutPeerAccess disables direct copies between every pair of devices.
func WithoutPeerAccess() Option {
	return func(b *Backend) { b.allPeer = false }
}

// WithoutPeerPair disables direct copies between devices a and b, both ways.
func WithoutPeerPair(a, b int) Option {
	return func(s *Backend) {
		s.noPeer[[2]int{a, b}] = true
		s.noPeer[[2]int{b, a}] = true
	}
}

// New returns a backend in which every device pair has peer access unless an
// option says otherwise.
func New(opts ...Option) *Backend {
	b := &Backend{noPeer: make(map[[2]int]bool), allPeer: true}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (s *Backend) own(buf device.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, ErrForeignBuffer
	}
	if b.freed {
		return nil, errors.New("use of freed buffer")
	}
	return b, nil
}

func (s *Backend) Allocate(dev *device.Device, bytes int64) (device.Buffer, error) {
	if bytes < 0 {
		return nil, errors.Errorf("negative allocation of %d bytes", bytes)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live++
	s.allocated += bytes
	s.stats.Allocs++
	return &buffer{dev: dev.ID, data: make([]byte, bytes)}, nil
}

func (s *Backend) Wrap(dev *device.Device, host []byte) (device.Buffer, error) {
	if dev.IsDiscrete() {
		return nil, errors.Wrapf(device.ErrNotSupported, "wrap host memory on discrete %s", dev)
	}
	return &buffer{dev: dev.ID, data: host, wrapped: true}, nil
}

func (s *Backend) Free(dev *device.Device, buf device.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.own(buf)
	if err != nil {
		return err
	}
	if b.wrapped {
		return errors.New("free of wrapped host memory")
	}
	b.freed = true
	s.live--
	s.allocated -= int64(len(b.data))
	s.stats.Frees++
	return nil
}

func (s *Backend) CopyHostToDevice(dst device.Region, dev *device.Device, src []byte) error {
	if err := device.CheckCopy(dst, len(src)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.own(dst.Buf)
	if err != nil {
		return err
	}
	copy(b.data[dst.Offset:dst.Offset+dst.Size], src)
	s.stats.HostToDevice++
	return nil
}

func (s *Backend) CopyDeviceToHost(dst []byte, src device.Region, dev *device.Device) error {
	if err := device.CheckCopy(src, len(dst)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.own(src.Buf)
	if err != nil {
		return err
	}
	copy(dst, b.data[src.Offset:src.Offset+src.Size])
	s.stats.DeviceToHost++
	return nil
}

func (s *Backend) CopyDeviceToDevice(dst device.Region, dstDev *device.Device, src device.Region, srcDev *device.Device) error {
	if !dst.Valid() || !src.Valid() || dst.Size != src.Size {
		return errors.Wrapf(device.ErrOutOfRange, "peer copy dst %+v src %+v", dst, src)
	}
	if dstDev.ID != srcDev.ID && !s.CanPeerAccess(dstDev, srcDev) {
		return errors.Errorf("no peer access between %s and %s", dstDev, srcDev)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.own(dst.Buf)
	if err != nil {
		return err
	}
	sb, err := s.own(src.Buf)
	if err != nil {
		return err
	}
	copy(db.data[dst.Offset:dst.Offset+dst.Size], sb.data[src.Offset:src.Offset+src.Size])
	s.stats.PeerCopies++
	return nil
}

func (s *Backend) CanPeerAccess(a, b *device.Device) bool {
	if a.ID == b.ID {
		return true
	}
	return s.allPeer && !s.noPeer[[2]int{a.ID, b.ID}]
}

func (s *Backend) IsDiscreteMemory(dev *device.Device) bool {
	return dev.IsDiscrete()
}

// Live returns the number of allocated, not yet freed buffers and their bytes.
func (s *Backend) Live() (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live, s.allocated
}

// Stats returns a snapshot of the traffic counters.
func (s *Backend) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Bytes returns the contents of a buffer for inspection in tests.
func (s *Backend) Bytes(buf device.Buffer) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.own(buf)
	if err != nil {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// View returns the live memory behind buf. Simulated kernels run on the host
// and read or write device buffers through it; the caller must not race with
// copies that touch the same buffer.
func (s *Backend) View(buf device.Buffer) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.own(buf)
	if err != nil {
		return nil
	}
	return b.data
}
