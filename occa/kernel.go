package occa

/*
#include <occa.h>
#include <stdlib.h>

void freeKernel(occaKernel k) {
    occaFree(&k);
}
*/
import "C"
import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/notargets/gohomp/device"
)

// Kernel is an OCCA kernel built for one device. Launchers run it on the
// device buffers of their data maps.
type Kernel struct {
	kernel C.occaKernel
	name   string
}

// BuildKernel compiles an OKL kernel from source for dev.
func (b *Backend) BuildKernel(dev *device.Device, source, name string) (*Kernel, error) {
	h, err := b.open(dev)
	if err != nil {
		return nil, err
	}
	cSource := C.CString(source)
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cSource))
	defer C.free(unsafe.Pointer(cName))

	k := C.occaDeviceBuildKernelFromString(h.device, cSource, cName, C.occaDefault)
	if !bool(C.occaKernelIsInitialized(k)) {
		return nil, errors.Errorf("kernel %s failed to build on %s", name, dev)
	}
	return &Kernel{kernel: k, name: name}, nil
}

// Name is the kernel function name.
func (k *Kernel) Name() string { return k.name }

// Run launches the kernel. Arguments may be device buffers from this
// backend, Go integers or floats.
func (k *Kernel) Run(args ...any) error {
	C.occaKernelClearArgs(k.kernel)
	for i, arg := range args {
		a, err := convertArg(arg)
		if err != nil {
			return errors.Wrapf(err, "kernel %s argument %d", k.name, i)
		}
		C.occaKernelPushArg(k.kernel, a)
	}
	C.occaKernelRunFromArgs(k.kernel)
	return nil
}

// Free releases the compiled kernel.
func (k *Kernel) Free() {
	C.freeKernel(k.kernel)
}

func convertArg(arg any) (C.occaType, error) {
	switch v := arg.(type) {
	case bool:
		return C.occaBool(C.bool(v)), nil
	case int32:
		return C.occaInt32(C.int32_t(v)), nil
	case int64:
		return C.occaLong(C.long(v)), nil
	case int:
		return C.occaInt(C.int(v)), nil
	case float32:
		return C.occaFloat(C.float(v)), nil
	case float64:
		return C.occaDouble(C.double(v)), nil
	case device.Buffer:
		m, err := own(v)
		if err != nil {
			return C.occaType{}, err
		}
		return C.occaType(m.memory), nil
	}
	return C.occaType{}, errors.Errorf("unsupported argument type %T", arg)
}
