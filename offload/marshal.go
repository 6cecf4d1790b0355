package offload

import "github.com/pkg/errors"

// rect is a 2-D sub-rectangle of an array, in elements.
type rect struct {
	row, col   int64
	rows, cols int64
}

// copyRect copies rows x cols elements between two row-major 2-D layouts.
// Strides are row widths in elements.
func copyRect(dst []byte, dstStride, dstRow, dstCol int64,
	src []byte, srcStride, srcRow, srcCol int64,
	rows, cols, elem int64) {
	n := cols * elem
	for r := int64(0); r < rows; r++ {
		d := ((dstRow+r)*dstStride + dstCol) * elem
		s := ((srcRow+r)*srcStride + srcCol) * elem
		copy(dst[d:d+n], src[s:s+n])
	}
}

// marshalRect packs r of a rows x cols source into a dense buffer.
func marshalRect(src []byte, cols, elem int64, r rect) []byte {
	buf := make([]byte, r.rows*r.cols*elem)
	copyRect(buf, r.cols, 0, 0, src, cols, r.row, r.col, r.rows, r.cols, elem)
	return buf
}

// unmarshalRect writes the part sub of a packed buffer holding whole back
// into the source. sub must lie within whole.
func unmarshalRect(dst []byte, cols, elem int64, whole, sub rect, buf []byte) {
	copyRect(dst, cols, sub.row, sub.col,
		buf, whole.cols, sub.row-whole.row, sub.col-whole.col,
		sub.rows, sub.cols, elem)
}

func (m *DataMap) ownedRect() rect {
	return rect{row: m.dist[0].Offset, col: m.dist[1].Offset, rows: m.dist[0].Length, cols: m.dist[1].Length}
}

func (m *DataMap) coreRect() rect {
	r, c := m.core(0), m.core(1)
	return rect{row: r.Offset, col: c.Offset, rows: r.Length, cols: c.Length}
}

// marshal packs the map's strided region into a new host buffer.
func (m *DataMap) marshal() ([]byte, error) {
	info := m.info
	if info.NumDims() != 2 {
		return nil, errors.Wrapf(ErrUnsupportedDimensionality, "marshal %d-D %s", info.NumDims(), info.Symbol)
	}
	r := m.ownedRect()
	if r.row < 0 || r.row+r.rows > info.Dims[0] {
		return nil, errors.Wrapf(ErrUnsupportedHalo, "marshal %s: rows [%d, %d) leave the array", info.Symbol, r.row, r.row+r.rows)
	}
	return marshalRect(info.Source, info.Dims[1], info.ElemSize, r), nil
}

// unmarshal writes the owned core held in buf back into the source.
func (m *DataMap) unmarshal(buf []byte) error {
	info := m.info
	if info.NumDims() != 2 {
		return errors.Wrapf(ErrUnsupportedDimensionality, "unmarshal %d-D %s", info.NumDims(), info.Symbol)
	}
	unmarshalRect(info.Source, info.Dims[1], info.ElemSize, m.ownedRect(), m.coreRect(), buf)
	return nil
}
