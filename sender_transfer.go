package flute

import (
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

type transferState int

const (
	TRANSFER_ACTIVE transferState = iota
	TRANSFER_WAITING
	TRANSFER_DONE
)

// transfer is one in-flight object inside the scheduler: an ObjectDesc
// plus a cursor over its (SBN, ESI) space. Only the active window of
// blocks is encoded at any time, so streaming objects stay bounded in
// memory regardless of file size.
type transfer struct {
	obj    *ObjectDesc
	toi    uint64
	oti    Oti
	scheme FecScheme
	layout BlockLayout

	interleave int
	randomize  bool

	// Active block window and round-robin cursor
	window  []*transferBlock
	ring    int
	nextSbn uint32

	emitted uint64
	planned uint64

	state     transferState
	wakeAt    time.Time
	startTime time.Time
	pass      int

	// Earliest next emission for target acquisition pacing
	nextEmitAt time.Time
	deadline   time.Time
}

type transferBlock struct {
	sbn     uint32
	encoder BlockEncoder
	order   []uint32
	next    int
}

func newTransfer(obj *ObjectDesc, toi uint64, oti Oti, interleave int, randomize bool) (*transfer, error) {
	scheme, err := SchemeFor(&oti)
	if err != nil {
		return nil, err
	}
	layout := Partition(&oti, obj.transferLength)
	t := &transfer{
		obj:        obj,
		toi:        toi,
		oti:        oti,
		scheme:     scheme,
		layout:     layout,
		interleave: interleave,
		randomize:  randomize,
	}
	t.planned = t.plannedSymbols()
	return t, nil
}

func (t *transfer) plannedSymbols() uint64 {
	isFountain := t.oti.FecEncodingID == FEC_RAPTOR || t.oti.FecEncodingID == FEC_RAPTORQ
	var total uint64
	for sbn := uint32(0); sbn < t.layout.BlockCount; sbn++ {
		k := t.layout.SourceSymbols(sbn)
		if isFountain && k < 4 {
			// Fountain codecs operate on at least 4 source symbols
			k = 4
		}
		total += uint64(k + t.oti.MaxNumberOfParitySymbols)
	}
	return total
}

func (t *transfer) remaining() uint64 {
	if t.emitted >= t.planned {
		return 0
	}
	return t.planned - t.emitted
}

// startPass rewinds the cursors for a new carousel pass.
func (t *transfer) startPass(now time.Time) {
	t.window = nil
	t.ring = 0
	t.nextSbn = 0
	t.emitted = 0
	t.state = TRANSFER_ACTIVE
	t.startTime = now
	t.pass++
	if ta := t.obj.TargetAcquisition; ta != nil {
		if ta.duration > 0 {
			t.deadline = now.Add(ta.duration)
		} else {
			t.deadline = ta.deadline
		}
	}
}

// fillWindow admits blocks into the interleave window.
func (t *transfer) fillWindow() error {
	for len(t.window) < t.interleave && t.nextSbn < t.layout.BlockCount {
		data, err := t.obj.readBlock(&t.layout, t.nextSbn)
		if err != nil {
			return fmt.Errorf("%w: reading block %d of object %d: %v", ErrConfig, t.nextSbn, t.toi, err)
		}
		encoder, err := t.scheme.NewBlockEncoder(&t.oti, data)
		if err != nil {
			return err
		}
		block := &transferBlock{sbn: t.nextSbn, encoder: encoder}
		n := encoder.N()
		block.order = make([]uint32, n)
		for i := uint32(0); i < n; i++ {
			block.order[i] = i
		}
		if t.randomize {
			rng := rand.New(rand.NewSource(int64(t.toi)<<20 ^ int64(t.nextSbn)<<8 ^ int64(t.pass)))
			rng.Shuffle(int(n), func(i, j int) {
				block.order[i], block.order[j] = block.order[j], block.order[i]
			})
		}
		t.window = append(t.window, block)
		t.nextSbn++
	}
	return nil
}

// nextSymbol advances the block-level round robin and returns the next
// (sbn, esi, symbol) triple. Returns false when the pass is complete.
func (t *transfer) nextSymbol() (uint32, uint32, []byte, bool, error) {
	if err := t.fillWindow(); err != nil {
		return 0, 0, nil, false, err
	}
	if len(t.window) == 0 {
		return 0, 0, nil, false, nil
	}
	t.ring %= len(t.window)
	block := t.window[t.ring]
	esi := block.order[block.next]
	symbol, err := block.encoder.Symbol(esi)
	if err != nil {
		return 0, 0, nil, false, err
	}
	block.next++
	if block.next >= len(block.order) {
		// Final planned symbol of this block, release the encoder
		t.window = append(t.window[:t.ring], t.window[t.ring+1:]...)
		if err := t.fillWindow(); err != nil {
			return 0, 0, nil, false, err
		}
	} else {
		t.ring++
	}
	t.emitted++
	return block.sbn, esi, symbol, true, nil
}

// pktEnv carries the per-packet session context from the sender.
type pktEnv struct {
	tsi           uint64
	fdtInstanceID *uint32
	senderTime    *time.Time
	closeSession  bool
}

// nextPacket produces the next ALC packet of the transfer. The second
// return value reports pass completion.
func (t *transfer) nextPacket(env *pktEnv) ([]byte, bool, error) {
	sbn, esi, symbol, ok, err := t.nextSymbol()
	if err != nil || !ok {
		return nil, !ok, err
	}
	header := LCTHeader{
		TSI:          env.tsi,
		TOI:          t.toi,
		Codepoint:    t.oti.FecEncodingID,
		CloseSession: env.closeSession,
	}
	if t.oti.InbandOti {
		header.Extensions = append(header.Extensions, t.oti.NewExtFti(t.obj.transferLength))
	}
	if t.obj.Cenc != CENC_NULL {
		header.Extensions = append(header.Extensions, NewExtCenc(t.obj.Cenc))
	}
	if env.fdtInstanceID != nil {
		header.Extensions = append(header.Extensions, NewExtFdt(*env.fdtInstanceID))
	}
	if env.senderTime != nil {
		header.Extensions = append(header.Extensions, NewExtTime(*env.senderTime))
	}
	buffer, err := header.Encode(make([]byte, 0, 64+len(symbol)))
	if err != nil {
		return nil, false, err
	}
	buffer = appendUint32(buffer, t.oti.EncodePayloadID(sbn, esi))
	buffer = append(buffer, symbol...)
	done := t.remaining() == 0
	if done {
		log.Debugf("[SENDER][toi %d] pass %d complete, %d symbols", t.toi, t.pass, t.emitted)
	}
	return buffer, done, nil
}

// onPassComplete applies the carousel policy. Returns true when the
// transfer should be removed from the scheduler.
func (t *transfer) onPassComplete(now time.Time) bool {
	repeat := t.obj.CarouselRepeat
	if repeat == nil {
		t.state = TRANSFER_DONE
		return true
	}
	t.state = TRANSFER_WAITING
	switch repeat.mode {
	case CAROUSEL_DELAY_BETWEEN_TRANSFERS:
		t.wakeAt = now.Add(repeat.interval)
	case CAROUSEL_INTERVAL_BETWEEN_START_TIMES:
		t.wakeAt = t.startTime.Add(repeat.interval)
		if t.wakeAt.Before(now) {
			log.Warnf("[SENDER][toi %d] transfer overran its %v start interval", t.toi, repeat.interval)
			t.wakeAt = now
		}
	}
	return false
}

// paced reports whether the transfer must be skipped this tick to meet
// its target acquisition window. readInterval is the observed cadence
// of the caller's Read loop.
func (t *transfer) paced(now time.Time, readInterval time.Duration) bool {
	if t.obj.TargetAcquisition == nil || t.deadline.IsZero() || readInterval <= 0 {
		return false
	}
	budget := time.Duration(t.remaining()) * readInterval
	earliest := t.deadline.Add(-budget)
	return now.Before(earliest)
}

func appendUint32(buffer []byte, value uint32) []byte {
	return append(buffer, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
}
