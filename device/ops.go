package device

import (
	"github.com/pkg/errors"
)

var (
	ErrOutOfRange   = errors.New("region outside buffer bounds")
	ErrNotSupported = errors.New("operation not supported by backend")
)

// Buffer is a backend-owned block of device memory.
type Buffer interface {
	// Size is the number of bytes in the buffer.
	Size() int64
}

// Region is a byte range within a Buffer. Halo in/out areas are Regions that
// point into a data map's device buffer.
type Region struct {
	Buf    Buffer
	Offset int64
	Size   int64
}

// Valid reports whether the region is non-empty and fits inside its buffer.
func (r Region) Valid() bool {
	return r.Buf != nil && r.Offset >= 0 && r.Size > 0 && r.Offset+r.Size <= r.Buf.Size()
}

// Sub returns the part of r starting at off with the given size.
func (r Region) Sub(off, size int64) (Region, error) {
	if off < 0 || size < 0 || off+size > r.Size {
		return Region{}, errors.Wrapf(ErrOutOfRange, "sub [%d,%d) of region size %d", off, off+size, r.Size)
	}
	return Region{Buf: r.Buf, Offset: r.Offset + off, Size: size}, nil
}

// Whole returns a Region covering the entire buffer.
func Whole(b Buffer) Region {
	return Region{Buf: b, Size: b.Size()}
}

// Ops is the capability set a backend provides. Copies are synchronous.
type Ops interface {
	Allocate(dev *Device, bytes int64) (Buffer, error)
	// Wrap binds host memory as device memory without copying. Only valid for
	// unified-memory devices.
	Wrap(dev *Device, host []byte) (Buffer, error)
	Free(dev *Device, buf Buffer) error

	CopyHostToDevice(dst Region, dev *Device, src []byte) error
	CopyDeviceToHost(dst []byte, src Region, dev *Device) error
	CopyDeviceToDevice(dst Region, dstDev *Device, src Region, srcDev *Device) error

	CanPeerAccess(a, b *Device) bool
	IsDiscreteMemory(dev *Device) bool
}

// CheckCopy validates a host<->device copy length against a region.
func CheckCopy(r Region, hostLen int) error {
	if !r.Valid() {
		return errors.Wrapf(ErrOutOfRange, "region offset %d size %d", r.Offset, r.Size)
	}
	if int64(hostLen) < r.Size {
		return errors.Wrapf(ErrOutOfRange, "host buffer %d bytes, region %d bytes", hostLen, r.Size)
	}
	return nil
}
