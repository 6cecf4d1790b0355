package offload

import "unsafe"

// Bytes views the memory of s as bytes without copying. Maps are keyed by
// the address of the first element, so the same view must be passed to the
// DataMapConfig and to ResolveMap.
func Bytes[T any](s []T) []byte {
	if cap(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// Float64s views b as float64s. len(b) must be a multiple of 8 and b must
// be 8-byte aligned, as any view returned by Bytes of a []float64 is.
func Float64s(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/8)
}
