// Package halo holds the pieces of the halo exchange that do not depend on
// data maps: exchange direction, the layout of the in/out edge regions inside
// a row-distributed buffer, and the host relay buffer used when two devices
// have no direct peer path.
package halo

import "fmt"

// Direction selects which neighbours a pull reads from.
type Direction int

const (
	FromLeftRight Direction = iota
	FromLeftOnly
	FromRightOnly
)

func (d Direction) String() string {
	switch d {
	case FromLeftRight:
		return "left+right"
	case FromLeftOnly:
		return "left"
	case FromRightOnly:
		return "right"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Left reports whether d includes the left neighbour.
func (d Direction) Left() bool { return d == FromLeftRight || d == FromLeftOnly }

// Right reports whether d includes the right neighbour.
func (d Direction) Right() bool { return d == FromLeftRight || d == FromRightOnly }

// Span is a byte range relative to the start of a buffer.
type Span struct {
	Offset int64
	Size   int64
}

// End is the first byte after the span.
func (s Span) End() int64 { return s.Offset + s.Size }

// Edges are the four halo areas of a row-distributed buffer. In areas
// receive the neighbour's data; out areas are what the neighbour reads.
//
//	| LeftIn | LeftOut | ...core... | RightOut | RightIn |
//
// LeftIn holds `left` rows, LeftOut holds `right` rows (the left neighbour's
// right halo), and symmetrically on the right edge.
type Edges struct {
	LeftIn, LeftOut   Span
	RightIn, RightOut Span
}

// RowEdges lays out the edges of a buffer of total bytes with rowBytes per
// row and halo widths left and right, in rows. An edge without a neighbour
// is left zero.
func RowEdges(total, rowBytes, left, right int64, hasLeft, hasRight bool) Edges {
	var e Edges
	if hasLeft {
		e.LeftIn = Span{Offset: 0, Size: left * rowBytes}
		e.LeftOut = Span{Offset: e.LeftIn.End(), Size: right * rowBytes}
	}
	if hasRight {
		e.RightIn = Span{Offset: total - right*rowBytes, Size: right * rowBytes}
		e.RightOut = Span{Offset: e.RightIn.Offset - left*rowBytes, Size: left * rowBytes}
	}
	return e
}

// Core is the part of a halo-padded buffer the device owns outright, i.e.
// without the in areas that mirror its neighbours.
func Core(total, rowBytes, left, right int64, hasLeft, hasRight bool) Span {
	start, end := int64(0), total
	if hasLeft {
		start = left * rowBytes
	}
	if hasRight {
		end -= right * rowBytes
	}
	if end < start {
		end = start
	}
	return Span{Offset: start, Size: end - start}
}
