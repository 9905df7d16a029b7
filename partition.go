package flute

// Source block partitioning per RFC 5052 9.1. Given the transfer length,
// the symbol size E and the maximum block length B (in symbols), objects
// are split into N blocks whose sizes differ by at most one symbol.

type BlockLayout struct {
	// Number of source blocks
	BlockCount uint32
	// Symbols per large / small block
	LargeSymbols uint32
	SmallSymbols uint32
	// Number of large blocks, placed first
	LargeCount uint32
	SymbolSize uint16
	// Transfer length the layout was derived from
	TransferLength uint64
}

// Partition derives the block layout of an object from its OTI.
// A zero length object still occupies one empty block so that it can be
// announced and completed.
func Partition(oti *Oti, transferLength uint64) BlockLayout {
	e := uint64(oti.EncodingSymbolLength)
	b := uint64(oti.MaximumSourceBlockLength)
	t := (transferLength + e - 1) / e // total symbols
	if t == 0 {
		t = 1
	}
	n := (t + b - 1) / b // block count
	large := (t + n - 1) / n
	small := t / n
	layout := BlockLayout{
		BlockCount:     uint32(n),
		LargeSymbols:   uint32(large),
		SmallSymbols:   uint32(small),
		LargeCount:     uint32(t - small*n),
		SymbolSize:     oti.EncodingSymbolLength,
		TransferLength: transferLength,
	}
	return layout
}

// SourceSymbols returns k for block sbn.
func (layout *BlockLayout) SourceSymbols(sbn uint32) uint32 {
	if sbn < layout.LargeCount {
		return layout.LargeSymbols
	}
	return layout.SmallSymbols
}

// Offset returns the byte offset of block sbn inside the transfer bytes.
func (layout *BlockLayout) Offset(sbn uint32) uint64 {
	e := uint64(layout.SymbolSize)
	if sbn <= layout.LargeCount {
		return uint64(sbn) * uint64(layout.LargeSymbols) * e
	}
	large := uint64(layout.LargeCount) * uint64(layout.LargeSymbols)
	small := uint64(sbn-layout.LargeCount) * uint64(layout.SmallSymbols)
	return (large + small) * e
}

// Size returns the byte length of block sbn, truncated at the end of
// the object for the final block.
func (layout *BlockLayout) Size(sbn uint32) uint64 {
	offset := layout.Offset(sbn)
	full := uint64(layout.SourceSymbols(sbn)) * uint64(layout.SymbolSize)
	if offset >= layout.TransferLength {
		return 0
	}
	if offset+full > layout.TransferLength {
		return layout.TransferLength - offset
	}
	return full
}
