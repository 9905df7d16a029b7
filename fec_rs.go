package flute

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Reed-Solomon GF(2^8) scheme (FEC encoding ids 2, 5 and 129). The code
// is MDS: any k of the n = k+r symbols reconstruct the block.

type rsScheme struct{}

type rsEncoder struct {
	shards      [][]byte
	k           uint32
	n           uint32
	blockLength uint64
}

func (rsScheme) NewBlockEncoder(oti *Oti, data []byte) (BlockEncoder, error) {
	symbolSize := int(oti.EncodingSymbolLength)
	k := symbolCount(uint64(len(data)), oti.EncodingSymbolLength)
	r := oti.MaxNumberOfParitySymbols
	if k+r > 255 {
		return nil, fmt.Errorf("%w: k+r = %d exceeds 255 for RS GF(2^8)", ErrConfig, k+r)
	}
	enc, err := reedsolomon.New(int(k), int(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	shards := make([][]byte, k+r)
	for i := uint32(0); i < k; i++ {
		shard := make([]byte, symbolSize)
		start := int(i) * symbolSize
		if start < len(data) {
			copy(shard, data[start:])
		}
		shards[i] = shard
	}
	for i := k; i < k+r; i++ {
		shards[i] = make([]byte, symbolSize)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &rsEncoder{shards: shards, k: k, n: k + r, blockLength: uint64(len(data))}, nil
}

func (encoder *rsEncoder) K() uint32 { return encoder.k }
func (encoder *rsEncoder) N() uint32 { return encoder.n }

func (encoder *rsEncoder) Symbol(esi uint32) ([]byte, error) {
	if esi >= encoder.n {
		return nil, fmt.Errorf("%w: ESI %d out of range for RS block", ErrConfig, esi)
	}
	return encoder.shards[esi], nil
}

type rsDecoder struct {
	enc         reedsolomon.Encoder
	shards      [][]byte
	received    uint32
	k           uint32
	symbolSize  int
	blockLength uint64
	decoded     []byte
	failed      bool
}

func (rsScheme) NewBlockDecoder(oti *Oti, k uint32, blockLength uint64) (BlockDecoder, error) {
	r := oti.MaxNumberOfParitySymbols
	if k+r > 255 {
		return nil, fmt.Errorf("%w: k+r = %d exceeds 255 for RS GF(2^8)", ErrConfig, k+r)
	}
	enc, err := reedsolomon.New(int(k), int(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return &rsDecoder{
		enc:         enc,
		shards:      make([][]byte, k+r),
		k:           k,
		symbolSize:  int(oti.EncodingSymbolLength),
		blockLength: blockLength,
	}, nil
}

func (decoder *rsDecoder) Push(esi uint32, data []byte) (DecodeStatus, error) {
	if decoder.decoded != nil {
		return DECODE_DECODED, nil
	}
	if decoder.failed {
		return DECODE_FAILED, ErrFECDecodeFailure
	}
	if esi >= uint32(len(decoder.shards)) {
		return DECODE_NEED_MORE, nil
	}
	if len(data) > decoder.symbolSize {
		decoder.failed = true
		return DECODE_FAILED, fmt.Errorf("%w: symbol length %d exceeds %d", ErrFECDecodeFailure, len(data), decoder.symbolSize)
	}
	if decoder.shards[esi] == nil {
		shard := make([]byte, decoder.symbolSize)
		copy(shard, data)
		decoder.shards[esi] = shard
		decoder.received++
	}
	if decoder.received < decoder.k {
		return DECODE_NEED_MORE, nil
	}
	if err := decoder.enc.ReconstructData(decoder.shards); err != nil {
		decoder.failed = true
		decoder.shards = nil
		return DECODE_FAILED, fmt.Errorf("%w: %v", ErrFECDecodeFailure, err)
	}
	assembled := make([]byte, 0, uint64(decoder.k)*uint64(decoder.symbolSize))
	for i := uint32(0); i < decoder.k; i++ {
		assembled = append(assembled, decoder.shards[i]...)
	}
	if uint64(len(assembled)) < decoder.blockLength {
		decoder.failed = true
		decoder.shards = nil
		return DECODE_FAILED, fmt.Errorf("%w: assembled %d bytes, expected %d", ErrFECDecodeFailure, len(assembled), decoder.blockLength)
	}
	decoder.decoded = assembled[:decoder.blockLength]
	decoder.shards = nil
	return DECODE_DECODED, nil
}

func (decoder *rsDecoder) Block() []byte { return decoder.decoded }
