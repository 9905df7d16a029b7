package flute

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// blockReassembler accumulates the encoding symbols of one source block
// and triggers FEC decoding as soon as the scheme reports decodability.
// Pushing duplicates is a no-op; a failed block stays failed.
type blockReassembler struct {
	sbn     uint32
	decoder BlockDecoder
	data    []byte
	failed  bool
}

func newBlockReassembler(scheme FecScheme, oti *Oti, sbn uint32, k uint32, blockLength uint64) (*blockReassembler, error) {
	decoder, err := scheme.NewBlockDecoder(oti, k, blockLength)
	if err != nil {
		return nil, err
	}
	return &blockReassembler{sbn: sbn, decoder: decoder}, nil
}

// push feeds one symbol. Returns true when the block just decoded.
func (block *blockReassembler) push(esi uint32, payload []byte) (bool, error) {
	if block.data != nil || block.failed {
		return false, nil
	}
	status, err := block.decoder.Push(esi, payload)
	switch status {
	case DECODE_DECODED:
		block.data = block.decoder.Block()
		block.decoder = nil
		return true, nil
	case DECODE_FAILED:
		block.failed = true
		block.decoder = nil
		FecDecodeFailures.Inc()
		log.Warnf("[RECEIVER][sbn %d] block permanently failed: %v", block.sbn, err)
		if err == nil {
			err = fmt.Errorf("%w: sbn %d", ErrFECDecodeFailure, block.sbn)
		}
		return false, err
	}
	return false, nil
}
