package flute

import (
	"fmt"

	fountain "github.com/google/gofountain"
)

// Raptor (RFC 5053) and RaptorQ (RFC 6330) fountain schemes. The codes
// are systematic: ESIs 0..k-1 are the source symbols, repair symbols are
// generated for ESI >= k. Unlike Reed-Solomon the decoder may need
// slightly more than k symbols; it retries on every push.

type fountainScheme struct{}

// Alignment of 1 keeps the fountain symbol size equal to the OTI
// encoding symbol length for any length value
const fountainAlignment = 1

func fountainCodec(oti *Oti, k uint32) fountain.Codec {
	if oti.FecEncodingID == FEC_RAPTORQ {
		return fountain.NewRaptorQCodec(int(k), fountainAlignment, int(oti.EncodingSymbolLength))
	}
	return fountain.NewRaptorCodec(int(k), fountainAlignment)
}

type fountainEncoder struct {
	symbols [][]byte
	k       uint32
	n       uint32
}

func (fountainScheme) NewBlockEncoder(oti *Oti, data []byte) (BlockEncoder, error) {
	symbolSize := uint64(oti.EncodingSymbolLength)
	k := symbolCount(uint64(len(data)), oti.EncodingSymbolLength)
	if k < 4 {
		k = 4
	}
	n := k + oti.MaxNumberOfParitySymbols
	codec := fountainCodec(oti, k)

	// Encoding is destructive to the message, work on a padded copy
	padded := make([]byte, uint64(k)*symbolSize)
	copy(padded, data)
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i)
	}
	ltBlocks := fountain.EncodeLTBlocks(padded, ids, codec)
	if uint32(len(ltBlocks)) != n {
		return nil, fmt.Errorf("%w: fountain codec produced %d of %d symbols", ErrConfig, len(ltBlocks), n)
	}
	symbols := make([][]byte, n)
	for i, ltBlock := range ltBlocks {
		symbols[i] = ltBlock.Data
	}
	return &fountainEncoder{symbols: symbols, k: k, n: n}, nil
}

func (encoder *fountainEncoder) K() uint32 { return encoder.k }
func (encoder *fountainEncoder) N() uint32 { return encoder.n }

func (encoder *fountainEncoder) Symbol(esi uint32) ([]byte, error) {
	if esi >= encoder.n {
		return nil, fmt.Errorf("%w: ESI %d out of range for fountain block", ErrConfig, esi)
	}
	return encoder.symbols[esi], nil
}

type fountainDecoder struct {
	decoder     fountain.Decoder
	seen        map[uint32]bool
	k           uint32
	n           uint32
	blockLength uint64
	paddedLen   uint64
	decoded     []byte
}

func (fountainScheme) NewBlockDecoder(oti *Oti, k uint32, blockLength uint64) (BlockDecoder, error) {
	if k < 4 {
		k = 4
	}
	codec := fountainCodec(oti, k)
	paddedLen := uint64(k) * uint64(oti.EncodingSymbolLength)
	return &fountainDecoder{
		decoder:     codec.NewDecoder(int(paddedLen)),
		seen:        make(map[uint32]bool),
		k:           k,
		n:           k + oti.MaxNumberOfParitySymbols,
		blockLength: blockLength,
		paddedLen:   paddedLen,
	}, nil
}

func (decoder *fountainDecoder) Push(esi uint32, data []byte) (DecodeStatus, error) {
	if decoder.decoded != nil {
		return DECODE_DECODED, nil
	}
	if decoder.seen[esi] {
		return DECODE_NEED_MORE, nil
	}
	decoder.seen[esi] = true
	done := decoder.decoder.AddBlocks([]fountain.LTBlock{{
		BlockCode: int64(esi),
		Data:      append([]byte(nil), data...),
	}})
	if !done {
		// Every planned symbol was seen and the code still does not
		// resolve: the block is lost for good
		if uint32(len(decoder.seen)) >= decoder.n {
			return DECODE_FAILED, fmt.Errorf("%w: %d symbols were not enough", ErrFECDecodeFailure, len(decoder.seen))
		}
		return DECODE_NEED_MORE, nil
	}
	message := decoder.decoder.Decode()
	if uint64(len(message)) < decoder.blockLength {
		return DECODE_FAILED, fmt.Errorf("%w: decoded %d bytes, expected %d", ErrFECDecodeFailure, len(message), decoder.blockLength)
	}
	decoder.decoded = message[:decoder.blockLength]
	decoder.seen = nil
	return DECODE_DECODED, nil
}

func (decoder *fountainDecoder) Block() []byte { return decoder.decoded }
