package flute

import (
	"encoding/binary"
	"fmt"
)

// Oti holds the Object Transmission Information: everything a receiver
// needs to derive the block structure of an object. All receivers of a
// session must derive an identical structure from the same Oti.
type Oti struct {
	FecEncodingID            uint8
	FecInstanceID            uint16
	MaximumSourceBlockLength uint32
	EncodingSymbolLength     uint16
	MaxNumberOfParitySymbols uint32
	SchemeSpecificInfo       []byte
	// When true the OTI is carried in EXT_FTI on every packet of the
	// object, allowing reception before the FDT is seen
	InbandOti bool
}

// NewOti returns the default session OTI: no FEC, 1424 byte symbols,
// 64 symbol blocks, OTI carried inband.
func NewOti() Oti {
	return Oti{
		FecEncodingID:            FEC_NO_CODE,
		EncodingSymbolLength:     1424,
		MaximumSourceBlockLength: 64,
		InbandOti:                true,
	}
}

// NewReedSolomonOti returns an OTI using Reed-Solomon GF(2^8) with the
// given block geometry.
func NewReedSolomonOti(symbolLength uint16, maxSourceSymbols uint32, paritySymbols uint32) (Oti, error) {
	oti := Oti{
		FecEncodingID:            FEC_REED_SOLOMON_GF28,
		EncodingSymbolLength:     symbolLength,
		MaximumSourceBlockLength: maxSourceSymbols,
		MaxNumberOfParitySymbols: paritySymbols,
		InbandOti:                true,
	}
	return oti, oti.Validate()
}

// Total number of encoding symbols per full block
func (oti *Oti) TotalSymbols() uint32 {
	return oti.MaximumSourceBlockLength + oti.MaxNumberOfParitySymbols
}

// Validate checks the OTI against per-scheme limits. Failures are
// reported as ErrConfig and are fatal to the construction call.
func (oti *Oti) Validate() error {
	if oti.EncodingSymbolLength == 0 {
		return fmt.Errorf("%w: encoding symbol length is 0", ErrConfig)
	}
	if oti.MaximumSourceBlockLength == 0 {
		return fmt.Errorf("%w: maximum source block length is 0", ErrConfig)
	}
	switch oti.FecEncodingID {
	case FEC_NO_CODE:
		if oti.MaxNumberOfParitySymbols != 0 {
			return fmt.Errorf("%w: no-code scheme cannot carry parity symbols", ErrConfig)
		}
	case FEC_REED_SOLOMON_GF28, FEC_REED_SOLOMON_GF28_UNDER_SPECIFIED:
		if oti.MaxNumberOfParitySymbols == 0 {
			return fmt.Errorf("%w: RS scheme without parity symbols, use no-code", ErrConfig)
		}
		if oti.TotalSymbols() > 255 {
			return fmt.Errorf("%w: k+r = %d exceeds 255 for RS GF(2^8)", ErrConfig, oti.TotalSymbols())
		}
	case FEC_REED_SOLOMON_GF2M:
		// Only the m=8 field size is supported
		if len(oti.SchemeSpecificInfo) > 0 && oti.SchemeSpecificInfo[0] != 8 {
			return fmt.Errorf("%w: RS GF(2^m) only supported for m=8", ErrConfig)
		}
		if oti.TotalSymbols() > 255 {
			return fmt.Errorf("%w: k+r = %d exceeds 255 for RS GF(2^8)", ErrConfig, oti.TotalSymbols())
		}
	case FEC_RAPTOR, FEC_RAPTORQ:
		if oti.MaximumSourceBlockLength < 4 {
			return fmt.Errorf("%w: fountain schemes need at least 4 source symbols per block", ErrConfig)
		}
		if oti.MaximumSourceBlockLength > 8192 {
			return fmt.Errorf("%w: fountain schemes limited to 8192 source symbols per block", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported FEC encoding id %d", ErrConfig, oti.FecEncodingID)
	}
	return nil
}

// NewExtFti encodes the OTI and the object transfer length as an
// EXT_FTI header extension. Scheme specific info, when present, is
// appended after the fixed part with a one byte length prefix.
func (oti *Oti) NewExtFti(transferLength uint64) Extension {
	content := make([]byte, 14)
	content[0] = byte(transferLength >> 40)
	content[1] = byte(transferLength >> 32)
	binary.BigEndian.PutUint32(content[2:], uint32(transferLength))
	binary.BigEndian.PutUint16(content[6:], oti.FecInstanceID)
	binary.BigEndian.PutUint16(content[8:], oti.EncodingSymbolLength)
	binary.BigEndian.PutUint16(content[10:], uint16(oti.MaximumSourceBlockLength))
	binary.BigEndian.PutUint16(content[12:], uint16(oti.TotalSymbols()))
	if len(oti.SchemeSpecificInfo) > 0 {
		content = append(content, uint8(len(oti.SchemeSpecificInfo)))
		content = append(content, oti.SchemeSpecificInfo...)
	}
	for (len(content)+2)%4 != 0 {
		content = append(content, 0)
	}
	return Extension{HET: EXT_FTI, Content: content}
}

// ParseExtFti decodes an EXT_FTI extension. The FEC encoding id is not
// part of the extension; it travels in the LCT codepoint field.
func ParseExtFti(extension *Extension, fecEncodingID uint8) (*Oti, uint64, error) {
	if extension.HET != EXT_FTI || len(extension.Content) < 14 {
		return nil, 0, fmt.Errorf("%w: bad EXT_FTI", ErrMalformedPacket)
	}
	content := extension.Content
	transferLength := uint64(content[0])<<40 | uint64(content[1])<<32 |
		uint64(binary.BigEndian.Uint32(content[2:]))
	oti := &Oti{
		FecEncodingID:            fecEncodingID,
		FecInstanceID:            binary.BigEndian.Uint16(content[6:]),
		EncodingSymbolLength:     binary.BigEndian.Uint16(content[8:]),
		MaximumSourceBlockLength: uint32(binary.BigEndian.Uint16(content[10:])),
		InbandOti:                true,
	}
	total := uint32(binary.BigEndian.Uint16(content[12:]))
	if total < oti.MaximumSourceBlockLength {
		return nil, 0, fmt.Errorf("%w: EXT_FTI total symbols below block length", ErrMalformedPacket)
	}
	oti.MaxNumberOfParitySymbols = total - oti.MaximumSourceBlockLength
	if len(content) > 14 {
		ssiLen := int(content[14])
		if 15+ssiLen > len(content) {
			return nil, 0, fmt.Errorf("%w: EXT_FTI scheme specific info overflows", ErrMalformedPacket)
		}
		if ssiLen > 0 {
			oti.SchemeSpecificInfo = append([]byte(nil), content[15:15+ssiLen]...)
		}
	}
	if err := oti.Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: EXT_FTI carries invalid OTI: %v", ErrMalformedPacket, err)
	}
	return oti, transferLength, nil
}

// EncodePayloadID packs (SBN, ESI) into the 32 bit FEC payload id.
// Fountain schemes use an 8/24 split, all others 16/16.
func (oti *Oti) EncodePayloadID(sbn uint32, esi uint32) uint32 {
	switch oti.FecEncodingID {
	case FEC_RAPTOR, FEC_RAPTORQ:
		return sbn<<24 | esi&0xFFFFFF
	default:
		return sbn<<16 | esi&0xFFFF
	}
}

// DecodePayloadID splits a raw payload id according to the scheme.
func (oti *Oti) DecodePayloadID(raw uint32) (sbn uint32, esi uint32) {
	switch oti.FecEncodingID {
	case FEC_RAPTOR, FEC_RAPTORQ:
		return raw >> 24, raw & 0xFFFFFF
	default:
		return raw >> 16, raw & 0xFFFF
	}
}
