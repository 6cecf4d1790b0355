// Package occa implements device.Ops on top of libocca, so data maps can
// live on Serial, OpenMP, CUDA, HIP or OpenCL devices.
//
// Each registered device is opened lazily from its Props string, which is
// an OCCA device property JSON such as {"mode": "CUDA", "device_id": 0}.
// Go memory cannot be handed to OCCA to keep, so every device is treated as
// discrete: maps are always copied and Wrap is not supported.
package occa

/*
#cgo CFLAGS: -I/usr/local/include
#cgo LDFLAGS: -L/usr/local/lib -locca
#include <occa.h>
#include <stdlib.h>

occaDevice createDeviceHelper(const char* info) {
    occaJson props = occaJsonParse(info);
    occaDevice device = occaCreateDevice(props);
    occaFree(&props);
    return device;
}

void freeDevice(occaDevice d) {
    occaFree(&d);
}

void freeMemory(occaMemory m) {
    occaFree(&m);
}
*/
import "C"
import (
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/notargets/gohomp/device"
)

// ErrForeignBuffer is returned for a buffer another backend allocated.
var ErrForeignBuffer = errors.New("buffer not allocated by the occa backend")

// Memory is a block of OCCA device memory.
type Memory struct {
	memory C.occaMemory
	size   int64
	freed  bool
}

// Size is the allocation in bytes.
func (m *Memory) Size() int64 { return m.size }

type handle struct {
	device C.occaDevice
	mode   string
}

// Backend opens OCCA devices on first use and owns them until Close.
type Backend struct {
	mu      sync.Mutex
	devices map[int]*handle
}

// New returns a backend with no devices open yet.
func New() *Backend {
	return &Backend{devices: make(map[int]*handle)}
}

// open returns the OCCA device behind dev, creating it from dev.Props.
func (b *Backend) open(dev *device.Device) (*handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.devices[dev.ID]; ok {
		return h, nil
	}
	props := dev.Props
	if props == "" {
		props = `{"mode": "Serial"}`
	}
	cProps := C.CString(props)
	defer C.free(unsafe.Pointer(cProps))

	d := C.createDeviceHelper(cProps)
	if !bool(C.occaDeviceIsInitialized(d)) {
		return nil, errors.Errorf("occa device %s from %s failed to initialize", dev, props)
	}
	h := &handle{device: d, mode: C.GoString(C.occaDeviceMode(d))}
	b.devices[dev.ID] = h
	klog.V(2).Infof("opened %s as occa %s device", dev, h.mode)
	return h, nil
}

// Mode returns the OCCA mode of dev, e.g. "CUDA".
func (b *Backend) Mode(dev *device.Device) (string, error) {
	h, err := b.open(dev)
	if err != nil {
		return "", err
	}
	return h.mode, nil
}

// Close frees every device the backend opened.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, h := range b.devices {
		C.freeDevice(h.device)
		delete(b.devices, id)
	}
}

func own(buf device.Buffer) (*Memory, error) {
	m, ok := buf.(*Memory)
	if !ok {
		return nil, ErrForeignBuffer
	}
	if m.freed {
		return nil, errors.New("use of freed occa memory")
	}
	return m, nil
}

func (b *Backend) Allocate(dev *device.Device, bytes int64) (device.Buffer, error) {
	if bytes < 0 {
		return nil, errors.Errorf("negative allocation of %d bytes", bytes)
	}
	h, err := b.open(dev)
	if err != nil {
		return nil, err
	}
	mem := C.occaDeviceMalloc(h.device, C.occaUDim_t(bytes), nil, C.occaDefault)
	return &Memory{memory: mem, size: bytes}, nil
}

func (b *Backend) Wrap(dev *device.Device, host []byte) (device.Buffer, error) {
	return nil, errors.Wrapf(device.ErrNotSupported, "occa cannot wrap Go memory on %s", dev)
}

func (b *Backend) Free(dev *device.Device, buf device.Buffer) error {
	m, err := own(buf)
	if err != nil {
		return err
	}
	C.freeMemory(m.memory)
	m.freed = true
	return nil
}

func (b *Backend) CopyHostToDevice(dst device.Region, dev *device.Device, src []byte) error {
	if err := device.CheckCopy(dst, len(src)); err != nil {
		return err
	}
	m, err := own(dst.Buf)
	if err != nil {
		return err
	}
	C.occaCopyPtrToMem(m.memory, unsafe.Pointer(&src[0]), C.occaUDim_t(dst.Size), C.occaUDim_t(dst.Offset), C.occaDefault)
	return nil
}

func (b *Backend) CopyDeviceToHost(dst []byte, src device.Region, dev *device.Device) error {
	if err := device.CheckCopy(src, len(dst)); err != nil {
		return err
	}
	m, err := own(src.Buf)
	if err != nil {
		return err
	}
	C.occaCopyMemToPtr(unsafe.Pointer(&dst[0]), m.memory, C.occaUDim_t(src.Size), C.occaUDim_t(src.Offset), C.occaDefault)
	return nil
}

// CopyDeviceToDevice uses occaCopyMemToMem, which picks the native copy of
// the backend (cudaMemcpy, clEnqueueCopyBuffer, memcpy).
func (b *Backend) CopyDeviceToDevice(dst device.Region, dstDev *device.Device, src device.Region, srcDev *device.Device) error {
	if !dst.Valid() || !src.Valid() || dst.Size != src.Size {
		return errors.Wrapf(device.ErrOutOfRange, "peer copy dst %+v src %+v", dst, src)
	}
	if !b.CanPeerAccess(dstDev, srcDev) {
		return errors.Errorf("no peer access between %s and %s", dstDev, srcDev)
	}
	dm, err := own(dst.Buf)
	if err != nil {
		return err
	}
	sm, err := own(src.Buf)
	if err != nil {
		return err
	}
	C.occaCopyMemToMem(dm.memory, sm.memory, C.occaUDim_t(dst.Size),
		C.occaUDim_t(dst.Offset), C.occaUDim_t(src.Offset), C.occaDefault)
	return nil
}

func hostMode(mode string) bool {
	return strings.EqualFold(mode, "Serial") || strings.EqualFold(mode, "OpenMP")
}

// CanPeerAccess is true for a device and itself, and between devices that
// both run in host memory. Everything else goes through a host relay.
func (b *Backend) CanPeerAccess(x, y *device.Device) bool {
	if x.ID == y.ID {
		return true
	}
	hx, err := b.open(x)
	if err != nil {
		return false
	}
	hy, err := b.open(y)
	if err != nil {
		return false
	}
	return hostMode(hx.mode) && hostMode(hy.mode)
}

func (b *Backend) IsDiscreteMemory(dev *device.Device) bool { return true }
