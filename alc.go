package flute

import (
	"encoding/binary"
	"fmt"
	"time"
)

// AlcPkt is one parsed ALC/LCT packet. The FEC payload id is kept raw
// because its split into (SBN, ESI) depends on the FEC scheme, which may
// only become known later through the FDT.
type AlcPkt struct {
	LCT          *LCTHeader
	PayloadIDRaw uint32
	Payload      []byte

	// Fields lifted from header extensions when present
	Oti               *Oti
	TransferLength    uint64
	Cenc              *ContentEncoding
	FdtInstanceID     *uint32
	SenderCurrentTime *time.Time
}

// ParseAlcPkt parses a whole datagram into an ALC packet. Packets
// shorter than LCT header + payload id are malformed; unknown header
// extensions are skipped.
func ParseAlcPkt(data []byte) (*AlcPkt, error) {
	lct, err := DecodeLCTHeader(data)
	if err != nil {
		return nil, err
	}
	pkt := &AlcPkt{LCT: lct}

	offset := lct.HeaderLen
	if offset+4 > len(data) {
		// A close-session packet may legally carry no payload id
		if lct.CloseSession && offset == len(data) {
			return pkt, nil
		}
		return nil, fmt.Errorf("%w: missing FEC payload id", ErrMalformedPacket)
	}
	pkt.PayloadIDRaw = binary.BigEndian.Uint32(data[offset:])
	pkt.Payload = data[offset+4:]

	for i := range lct.Extensions {
		extension := &lct.Extensions[i]
		switch extension.HET {
		case EXT_FTI:
			oti, transferLength, err := ParseExtFti(extension, lct.Codepoint)
			if err != nil {
				return nil, err
			}
			pkt.Oti = oti
			pkt.TransferLength = transferLength
		case EXT_CENC:
			cenc, err := ParseExtCenc(extension)
			if err != nil {
				return nil, err
			}
			pkt.Cenc = &cenc
		case EXT_FDT:
			version, instanceID, err := ParseExtFdt(extension)
			if err != nil {
				return nil, err
			}
			if version != FDT_VERSION {
				return nil, fmt.Errorf("%w: FDT version %d", ErrMalformedPacket, version)
			}
			pkt.FdtInstanceID = &instanceID
		case EXT_TIME:
			sct, err := ParseExtTime(extension)
			if err != nil {
				return nil, err
			}
			pkt.SenderCurrentTime = &sct
		}
	}
	return pkt, nil
}

// IsFdt reports whether this packet belongs to the FDT object.
func (pkt *AlcPkt) IsFdt() bool {
	return pkt.LCT != nil && pkt.LCT.TOI == TOI_FDT
}
