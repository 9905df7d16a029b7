package flute

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type receiverState int

const (
	// OTI unknown, packets are parked
	STATE_AWAITING_OTI receiverState = iota
	// Blocks are being assembled
	STATE_ACTIVE
	// All blocks decoded, waiting for FDT metadata
	STATE_COMPLETE
	// Delivered to the writer
	STATE_DONE
	// Unrecoverable, retained as tombstone
	STATE_FAILED
)

// objectReceiver reconstructs one transport object. It is re-entrant
// with respect to FDT arrival: the FDT may come before the first data
// packet, in between, or after the last one.
type objectReceiver struct {
	tsi uint64
	toi uint64

	state  receiverState
	oti    *Oti
	scheme FecScheme
	layout BlockLayout

	transferLength uint64
	cenc           ContentEncoding
	cencKnown      bool

	blocks     map[uint32]*blockReassembler
	blocksDone uint32
	buffer     []byte
	decoded    []bool

	meta   *ObjectMeta
	handle ObjectHandle

	// Raw datagrams waiting for the OTI, bounded in bytes
	parked         [][]byte
	parkedBytes    int
	maxParkedBytes int

	createdAt    time.Time
	lastActivity time.Time
	failure      error
}

func newObjectReceiver(tsi uint64, toi uint64, maxParkedBytes int, now time.Time) *objectReceiver {
	return &objectReceiver{
		tsi:            tsi,
		toi:            toi,
		state:          STATE_AWAITING_OTI,
		maxParkedBytes: maxParkedBytes,
		createdAt:      now,
		lastActivity:   now,
	}
}

// push processes one parsed packet. raw is the original datagram, kept
// around for parking while the OTI is unknown.
func (receiver *objectReceiver) push(pkt *AlcPkt, raw []byte, writer ObjectWriter, md5Check bool, now time.Time) {
	receiver.lastActivity = now
	switch receiver.state {
	case STATE_DONE, STATE_FAILED:
		return
	}

	if pkt.LCT.CloseObject && len(pkt.Payload) == 0 {
		if receiver.state != STATE_DONE {
			receiver.fail(fmt.Errorf("%w: object closed before completion", ErrFECDecodeFailure))
		}
		return
	}

	if receiver.state == STATE_AWAITING_OTI {
		if pkt.Oti == nil {
			receiver.park(raw)
			return
		}
		receiver.activate(pkt.Oti, pkt.TransferLength)
		if receiver.state == STATE_ACTIVE && len(receiver.parked) > 0 {
			receiver.drainParked(writer, md5Check, now)
		}
	}
	if pkt.Cenc != nil && !receiver.cencKnown {
		receiver.cenc = *pkt.Cenc
		receiver.cencKnown = true
	}
	receiver.pushSymbol(pkt, writer, md5Check, now)
	if pkt.LCT.CloseObject && receiver.state == STATE_ACTIVE {
		receiver.fail(fmt.Errorf("%w: object closed before completion", ErrFECDecodeFailure))
	}
}

// park buffers a raw datagram until the OTI is known, dropping the
// oldest packets when the byte budget is exceeded.
func (receiver *objectReceiver) park(raw []byte) {
	kept := append([]byte(nil), raw...)
	receiver.parked = append(receiver.parked, kept)
	receiver.parkedBytes += len(kept)
	for receiver.parkedBytes > receiver.maxParkedBytes && len(receiver.parked) > 0 {
		dropped := receiver.parked[0]
		receiver.parked = receiver.parked[1:]
		receiver.parkedBytes -= len(dropped)
		log.Warnf("[RECEIVER][toi %d] %v: dropped %d parked bytes", receiver.toi, ErrBufferOverflow, len(dropped))
	}
}

// activate transitions to ACTIVE once the OTI is known, either inband
// or through the FDT.
func (receiver *objectReceiver) activate(oti *Oti, transferLength uint64) {
	scheme, err := SchemeFor(oti)
	if err != nil {
		receiver.fail(err)
		return
	}
	receiver.oti = oti
	receiver.scheme = scheme
	receiver.transferLength = transferLength
	receiver.layout = Partition(oti, transferLength)
	receiver.blocks = make(map[uint32]*blockReassembler)
	receiver.buffer = make([]byte, transferLength)
	receiver.decoded = make([]bool, receiver.layout.BlockCount)
	receiver.state = STATE_ACTIVE
	log.Debugf("[RECEIVER][toi %d] active: %d blocks, scheme %d",
		receiver.toi, receiver.layout.BlockCount, oti.FecEncodingID)
}

// drainParked replays packets that arrived before the OTI, in their
// original order.
func (receiver *objectReceiver) drainParked(writer ObjectWriter, md5Check bool, now time.Time) {
	parked := receiver.parked
	receiver.parked = nil
	receiver.parkedBytes = 0
	for _, raw := range parked {
		pkt, err := ParseAlcPkt(raw)
		if err != nil {
			continue
		}
		receiver.push(pkt, raw, writer, md5Check, now)
	}
}

func (receiver *objectReceiver) pushSymbol(pkt *AlcPkt, writer ObjectWriter, md5Check bool, now time.Time) {
	if receiver.state != STATE_ACTIVE {
		return
	}
	sbn, esi := receiver.oti.DecodePayloadID(pkt.PayloadIDRaw)
	if sbn >= receiver.layout.BlockCount {
		log.Warnf("[RECEIVER][toi %d] %v: SBN %d out of range", receiver.toi, ErrMalformedPacket, sbn)
		return
	}
	if receiver.decoded[sbn] {
		return
	}
	block, ok := receiver.blocks[sbn]
	if !ok {
		var err error
		block, err = newBlockReassembler(receiver.scheme, receiver.oti, sbn,
			receiver.layout.SourceSymbols(sbn), receiver.layout.Size(sbn))
		if err != nil {
			receiver.fail(err)
			return
		}
		receiver.blocks[sbn] = block
	}
	done, err := block.push(esi, pkt.Payload)
	if err != nil {
		receiver.fail(err)
		return
	}
	if !done {
		return
	}
	offset := receiver.layout.Offset(sbn)
	copy(receiver.buffer[offset:], block.data)
	receiver.decoded[sbn] = true
	receiver.blocksDone++
	delete(receiver.blocks, sbn)
	if receiver.handle != nil && receiver.cenc == CENC_NULL {
		if _, err := receiver.handle.WriteAt(block.data, int64(offset)); err != nil {
			receiver.fail(err)
			return
		}
	}
	if receiver.blocksDone == receiver.layout.BlockCount {
		receiver.state = STATE_COMPLETE
		receiver.blocks = nil
		receiver.tryFinalize(writer, md5Check)
	}
}

// attachMeta binds FDT metadata to the object. It may activate a
// receiver that lacked inband OTI and may finalize a complete one.
func (receiver *objectReceiver) attachMeta(meta *ObjectMeta, writer ObjectWriter, md5Check bool, now time.Time) {
	switch receiver.state {
	case STATE_DONE, STATE_FAILED:
		return
	}
	receiver.meta = meta
	if !receiver.cencKnown {
		receiver.cenc = meta.Cenc
		receiver.cencKnown = true
	}
	if receiver.state == STATE_AWAITING_OTI {
		oti := meta.oti
		if oti == nil {
			return // keep parking until an OTI shows up
		}
		receiver.activate(oti, meta.TransferLength)
		if receiver.state != STATE_ACTIVE {
			return
		}
		receiver.openHandle(writer)
		receiver.drainParked(writer, md5Check, now)
		return
	}
	receiver.openHandle(writer)
	if receiver.state == STATE_COMPLETE {
		receiver.tryFinalize(writer, md5Check)
	}
}

// openHandle opens the writer early for write-through of decoded
// blocks, which only works when no content decoding is pending.
func (receiver *objectReceiver) openHandle(writer ObjectWriter) {
	if receiver.handle != nil || receiver.meta == nil || receiver.cenc != CENC_NULL {
		return
	}
	if receiver.state != STATE_ACTIVE && receiver.state != STATE_COMPLETE {
		return
	}
	handle, err := writer.Open(receiver.meta)
	if err != nil {
		receiver.fail(err)
		return
	}
	receiver.handle = handle
	// Flush blocks decoded before the handle existed
	for sbn := uint32(0); sbn < receiver.layout.BlockCount; sbn++ {
		if !receiver.decoded[sbn] {
			continue
		}
		offset := receiver.layout.Offset(sbn)
		size := receiver.layout.Size(sbn)
		if _, err := handle.WriteAt(receiver.buffer[offset:offset+size], int64(offset)); err != nil {
			receiver.fail(err)
			return
		}
	}
}

// tryFinalize verifies integrity, reverses the content encoding and
// hands the object to the writer. Without FDT metadata the object
// stays COMPLETE until the table names it.
func (receiver *objectReceiver) tryFinalize(writer ObjectWriter, md5Check bool) {
	if receiver.state != STATE_COMPLETE || receiver.meta == nil {
		return
	}
	md5Verified := false
	if md5Check && receiver.meta.MD5 != "" {
		digest := md5.Sum(receiver.buffer)
		announced, err := base64.StdEncoding.DecodeString(receiver.meta.MD5)
		if err != nil || !bytes.Equal(digest[:], announced) {
			receiver.fail(fmt.Errorf("%w: object %d", ErrIntegrity, receiver.toi))
			return
		}
		md5Verified = true
	}
	content, err := CencDecode(receiver.cenc, receiver.buffer)
	if err != nil {
		receiver.fail(err)
		return
	}
	if receiver.handle == nil {
		handle, err := writer.Open(receiver.meta)
		if err != nil {
			receiver.fail(err)
			return
		}
		receiver.handle = handle
		if _, err := handle.WriteAt(content, 0); err != nil {
			receiver.fail(err)
			return
		}
	}
	if err := receiver.handle.Complete(md5Verified); err != nil {
		receiver.fail(err)
		return
	}
	receiver.state = STATE_DONE
	receiver.release()
	ObjectsCompleted.Inc()
	log.Infof("[RECEIVER][toi %d] delivered %s", receiver.toi, receiver.meta.ContentLocation)
}

// content returns the reassembled, decoding-reversed object bytes.
// Used for the FDT object, which is consumed internally instead of
// going to the writer.
func (receiver *objectReceiver) content() ([]byte, error) {
	if receiver.state != STATE_COMPLETE {
		return nil, fmt.Errorf("%w: object %d not complete", ErrFECDecodeFailure, receiver.toi)
	}
	return CencDecode(receiver.cenc, receiver.buffer)
}

func (receiver *objectReceiver) fail(reason error) {
	if receiver.state == STATE_FAILED || receiver.state == STATE_DONE {
		return
	}
	receiver.state = STATE_FAILED
	receiver.failure = reason
	if receiver.handle != nil {
		receiver.handle.Fail(reason)
		receiver.handle = nil
	}
	receiver.release()
	ObjectsFailed.Inc()
	log.Warnf("[RECEIVER][toi %d] failed: %v", receiver.toi, reason)
}

// release drops caches once the terminal state is reached; the
// receiver itself stays as a duplicate-suppressing tombstone.
func (receiver *objectReceiver) release() {
	receiver.buffer = nil
	receiver.blocks = nil
	receiver.parked = nil
	receiver.parkedBytes = 0
	receiver.decoded = nil
}
