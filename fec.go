package flute

import (
	"bytes"
	"fmt"
)

// Outcome of pushing one symbol into a block decoder
type DecodeStatus int

const (
	DECODE_NEED_MORE DecodeStatus = iota
	DECODE_DECODED
	DECODE_FAILED
)

// BlockEncoder produces the encoding symbols of one source block.
// Source symbols have ESI 0..k-1, repair symbols k..n-1.
type BlockEncoder interface {
	K() uint32
	N() uint32
	// Symbol returns the encoding symbol for esi. The returned slice is
	// owned by the encoder and valid until the next call.
	Symbol(esi uint32) ([]byte, error)
}

// BlockDecoder accumulates symbols of one block until it can be decoded.
// Push is idempotent for duplicate ESIs and tolerates out of order
// arrival. Memory is bounded by (k+r) symbols.
type BlockDecoder interface {
	Push(esi uint32, data []byte) (DecodeStatus, error)
	// Block returns the decoded source block after DECODE_DECODED
	Block() []byte
}

// FecScheme is the per-scheme constructor pair dispatched once from the
// OTI when an object is registered or first received.
type FecScheme interface {
	NewBlockEncoder(oti *Oti, data []byte) (BlockEncoder, error)
	NewBlockDecoder(oti *Oti, k uint32, blockLength uint64) (BlockDecoder, error)
}

// SchemeFor returns the FecScheme for an OTI. The OTI must already have
// been validated.
func SchemeFor(oti *Oti) (FecScheme, error) {
	switch oti.FecEncodingID {
	case FEC_NO_CODE:
		return noCodeScheme{}, nil
	case FEC_REED_SOLOMON_GF28, FEC_REED_SOLOMON_GF28_UNDER_SPECIFIED, FEC_REED_SOLOMON_GF2M:
		return rsScheme{}, nil
	case FEC_RAPTOR, FEC_RAPTORQ:
		return fountainScheme{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported FEC encoding id %d", ErrConfig, oti.FecEncodingID)
}

// Compact No-Code, RFC 3695. Symbols are plain object slices; the block
// decodes once every source symbol is present.

type noCodeScheme struct{}

type noCodeEncoder struct {
	data       []byte
	k          uint32
	symbolSize uint16
	scratch    []byte
}

func (noCodeScheme) NewBlockEncoder(oti *Oti, data []byte) (BlockEncoder, error) {
	k := symbolCount(uint64(len(data)), oti.EncodingSymbolLength)
	return &noCodeEncoder{
		data:       data,
		k:          k,
		symbolSize: oti.EncodingSymbolLength,
		scratch:    make([]byte, oti.EncodingSymbolLength),
	}, nil
}

func (encoder *noCodeEncoder) K() uint32 { return encoder.k }
func (encoder *noCodeEncoder) N() uint32 { return encoder.k }

func (encoder *noCodeEncoder) Symbol(esi uint32) ([]byte, error) {
	if esi >= encoder.k {
		return nil, fmt.Errorf("%w: ESI %d out of range for no-code block", ErrConfig, esi)
	}
	start := uint64(esi) * uint64(encoder.symbolSize)
	end := start + uint64(encoder.symbolSize)
	if end > uint64(len(encoder.data)) {
		end = uint64(len(encoder.data))
	}
	return encoder.data[start:end], nil
}

type noCodeDecoder struct {
	symbols     [][]byte
	received    uint32
	blockLength uint64
	symbolSize  uint16
	decoded     []byte
}

func (noCodeScheme) NewBlockDecoder(oti *Oti, k uint32, blockLength uint64) (BlockDecoder, error) {
	return &noCodeDecoder{
		symbols:     make([][]byte, k),
		blockLength: blockLength,
		symbolSize:  oti.EncodingSymbolLength,
	}, nil
}

func (decoder *noCodeDecoder) Push(esi uint32, data []byte) (DecodeStatus, error) {
	if decoder.decoded != nil {
		return DECODE_DECODED, nil
	}
	if esi >= uint32(len(decoder.symbols)) {
		return DECODE_FAILED, fmt.Errorf("%w: ESI %d beyond source symbols", ErrFECDecodeFailure, esi)
	}
	if uint64(len(data)) > uint64(decoder.symbolSize) {
		return DECODE_FAILED, fmt.Errorf("%w: symbol length %d exceeds %d", ErrFECDecodeFailure, len(data), decoder.symbolSize)
	}
	if decoder.symbols[esi] == nil {
		decoder.symbols[esi] = append([]byte(nil), data...)
		decoder.received++
	}
	if decoder.received < uint32(len(decoder.symbols)) {
		return DECODE_NEED_MORE, nil
	}
	var assembled bytes.Buffer
	for _, symbol := range decoder.symbols {
		assembled.Write(symbol)
	}
	block := assembled.Bytes()
	if uint64(len(block)) < decoder.blockLength {
		return DECODE_FAILED, fmt.Errorf("%w: assembled %d bytes, expected %d", ErrFECDecodeFailure, len(block), decoder.blockLength)
	}
	decoder.decoded = block[:decoder.blockLength]
	decoder.symbols = nil
	return DECODE_DECODED, nil
}

func (decoder *noCodeDecoder) Block() []byte { return decoder.decoded }

func symbolCount(length uint64, symbolSize uint16) uint32 {
	k := (length + uint64(symbolSize) - 1) / uint64(symbolSize)
	if k == 0 {
		k = 1
	}
	return uint32(k)
}
