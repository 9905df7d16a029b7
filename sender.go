package flute

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sender multiplexes file objects of one FLUTE session into a stream of
// ALC packets. All methods are safe for concurrent use; Read is
// non-blocking and returns nil when no packet may be emitted right now.
// The engine never consults the clock: callers pass now explicitly.
type Sender struct {
	mu       sync.Mutex
	config   *SenderConfig
	endpoint UDPEndpoint
	tsi      uint64
	oti      Oti

	sched     *scheduler
	transfers map[uint64]*transfer
	nextToi   uint64

	// Objects added since the last publish, for incremental mode
	unannounced []uint64

	fdtInstanceID uint32
	fdtTransfer   *transfer
	fdtNextStart  time.Time

	lastTimeExt  time.Time
	lastRead     time.Time
	readInterval time.Duration

	// Close-object packets awaiting emission
	pendingClose [][]byte
	closed       bool
	closeSent    bool
}

func NewSender(endpoint UDPEndpoint, tsi uint64, oti *Oti, config *SenderConfig) (*Sender, error) {
	if config == nil {
		config = NewSenderConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if tsi > TSI_MAX {
		return nil, fmt.Errorf("%w: TSI %d does not fit 48 bits", ErrConfig, tsi)
	}
	sessionOti := NewOti()
	if oti != nil {
		sessionOti = *oti
	}
	if err := sessionOti.Validate(); err != nil {
		return nil, err
	}
	return &Sender{
		config:    config,
		endpoint:  endpoint,
		tsi:       tsi,
		oti:       sessionOti,
		sched:     newScheduler(config.MaxPriorityQueues, config.ConcurrentFilesPerQueue),
		transfers: make(map[uint64]*transfer),
		nextToi:   1,
	}, nil
}

// AddObject registers an object and returns its TOI. The object is
// announced in the FDT at the next Publish.
func (sender *Sender) AddObject(now time.Time, obj *ObjectDesc) (uint64, error) {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.closed {
		return 0, ErrTransportClosed
	}
	if err := obj.prepare(sender.config.Md5Enabled); err != nil {
		return 0, err
	}
	oti := sender.oti
	if obj.Oti != nil {
		oti = *obj.Oti
	}
	if err := oti.Validate(); err != nil {
		return 0, err
	}
	toi, err := sender.allocateToi()
	if err != nil {
		return 0, err
	}
	t, err := newTransfer(obj, toi, oti, sender.config.InterleaveBlocks, sender.config.RandomizeSymbolOrder)
	if err != nil {
		return 0, err
	}
	if err := checkPayloadIDWidths(&t.layout, &oti); err != nil {
		return 0, err
	}
	sender.transfers[toi] = t
	sender.sched.add(t, now)
	sender.unannounced = append(sender.unannounced, toi)
	log.Infof("[SENDER][toi %d] added %s (%d bytes, %d blocks)",
		toi, obj.ContentLocation, obj.transferLength, t.layout.BlockCount)
	return toi, nil
}

// checkPayloadIDWidths rejects objects whose block structure does not
// fit the 32 bit FEC payload id split of the scheme.
func checkPayloadIDWidths(layout *BlockLayout, oti *Oti) error {
	var sbnMax, esiMax uint64
	switch oti.FecEncodingID {
	case FEC_RAPTOR, FEC_RAPTORQ:
		sbnMax, esiMax = 1<<8, 1<<24
	default:
		sbnMax, esiMax = 1<<16, 1<<16
	}
	if uint64(layout.BlockCount) > sbnMax {
		return fmt.Errorf("%w: %d blocks exceed the SBN field", ErrConfig, layout.BlockCount)
	}
	if uint64(layout.LargeSymbols)+uint64(oti.MaxNumberOfParitySymbols) > esiMax {
		return fmt.Errorf("%w: %d symbols per block exceed the ESI field", ErrConfig,
			uint64(layout.LargeSymbols)+uint64(oti.MaxNumberOfParitySymbols))
	}
	return nil
}

func (sender *Sender) allocateToi() (uint64, error) {
	if sender.config.ToiAllocation == TOI_ALLOCATION_RANDOM {
		var raw [6]byte
		for attempt := 0; attempt < 16; attempt++ {
			if _, err := rand.Read(raw[:]); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrConfig, err)
			}
			toi := binary.BigEndian.Uint64(append([]byte{0, 0}, raw[:]...))
			if toi != TOI_FDT {
				if _, used := sender.transfers[toi]; !used {
					return toi, nil
				}
			}
		}
		return 0, fmt.Errorf("%w: could not allocate a random TOI", ErrConfig)
	}
	for {
		toi := sender.nextToi
		sender.nextToi++
		if toi == TOI_FDT {
			continue
		}
		if _, used := sender.transfers[toi]; !used {
			return toi, nil
		}
	}
}

// RemoveObject withdraws an object. A final packet with the LCT
// close-object flag is emitted for it.
func (sender *Sender) RemoveObject(toi uint64) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	t, ok := sender.transfers[toi]
	if !ok {
		return ErrObjectNotFound
	}
	sender.sched.remove(t)
	delete(sender.transfers, toi)
	pkt, err := sender.buildFlagPacket(toi, t.oti.FecEncodingID, false, true)
	if err != nil {
		return err
	}
	sender.pendingClose = append(sender.pendingClose, pkt)
	log.Infof("[SENDER][toi %d] removed %s", toi, t.obj.ContentLocation)
	return nil
}

// Publish builds a new FDT instance from the current object set and
// schedules it on TOI 0. In FullFDT mode every instance lists all
// objects; in incremental mode only those added since the last call.
func (sender *Sender) Publish(now time.Time) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.closed {
		return ErrTransportClosed
	}
	instance := &FdtInstance{
		Expires:       ExpiresFromTime(now.Add(sender.config.FdtExpires)),
		FullFDT:       sender.config.FdtPublishMode == FDT_PUBLISH_FULL,
		SchemaVersion: 1,
	}
	var tois []uint64
	if sender.config.FdtPublishMode == FDT_PUBLISH_FULL {
		for toi := range sender.transfers {
			tois = append(tois, toi)
		}
	} else {
		for _, toi := range sender.unannounced {
			if _, ok := sender.transfers[toi]; ok {
				tois = append(tois, toi)
			}
		}
	}
	for _, toi := range tois {
		t := sender.transfers[toi]
		file := FdtFile{
			Toi:             strconv.FormatUint(toi, 10),
			ContentLocation: t.obj.ContentLocation,
			ContentType:     t.obj.ContentType,
			ContentMD5:      t.obj.MD5,
		}
		contentLength := t.obj.ContentLength
		file.ContentLength = &contentLength
		if t.obj.Cenc != CENC_NULL {
			file.ContentEncoding = t.obj.Cenc.String()
		}
		file.AttachOti(&t.oti, t.obj.transferLength)
		instance.Files = append(instance.Files, file)
	}
	xmlBytes, err := instance.Encode()
	if err != nil {
		return err
	}

	sender.fdtInstanceID = (sender.fdtInstanceID + 1) % FDT_INSTANCE_ID_MODULO
	fdtObj := NewObjectDescFromBuffer(xmlBytes, "flute://fdt", "text/xml", CENC_NULL)
	if err := fdtObj.prepare(false); err != nil {
		return err
	}
	fdtOti := sender.oti
	fdtOti.InbandOti = true
	fdtTransfer, err := newTransfer(fdtObj, TOI_FDT, fdtOti, 1, false)
	if err != nil {
		return err
	}
	fdtTransfer.startPass(now)
	sender.fdtTransfer = fdtTransfer
	sender.fdtNextStart = now
	sender.unannounced = nil
	log.Infof("[FDT] published instance %d with %d files", sender.fdtInstanceID, len(instance.Files))
	return nil
}

// Read returns the next ALC packet, or nil when nothing may be emitted
// at this instant. Each call returns a distinct packet. The FDT
// carousel pre-empts content packets whenever it is due.
func (sender *Sender) Read(now time.Time) []byte {
	sender.mu.Lock()
	defer sender.mu.Unlock()

	if !sender.lastRead.IsZero() {
		sample := now.Sub(sender.lastRead)
		if sample > 0 {
			if sender.readInterval == 0 {
				sender.readInterval = sample
			} else {
				sender.readInterval = (sender.readInterval*7 + sample) / 8
			}
		}
	}
	sender.lastRead = now

	if len(sender.pendingClose) > 0 {
		pkt := sender.pendingClose[0]
		sender.pendingClose = sender.pendingClose[1:]
		PacketsSent.Inc()
		return pkt
	}
	if sender.closed {
		if sender.closeSent {
			return nil
		}
		pkt, err := sender.buildFlagPacket(TOI_FDT, sender.oti.FecEncodingID, true, false)
		if err != nil {
			log.Errorf("[SENDER] cannot build close-session packet: %v", err)
			return nil
		}
		sender.closeSent = true
		PacketsSent.Inc()
		return pkt
	}

	env := &pktEnv{tsi: sender.tsi}
	if sender.config.ExtensionTimePeriod > 0 &&
		(sender.lastTimeExt.IsZero() || now.Sub(sender.lastTimeExt) >= sender.config.ExtensionTimePeriod) {
		sct := now
		env.senderTime = &sct
		sender.lastTimeExt = now
	}

	// FDT carousel first, it pre-empts content when due
	if sender.fdtTransfer != nil {
		if sender.fdtTransfer.state == TRANSFER_WAITING && !now.Before(sender.fdtNextStart) {
			sender.fdtTransfer.startPass(now)
		}
		if sender.fdtTransfer.state == TRANSFER_ACTIVE {
			fdtEnv := *env
			instanceID := sender.fdtInstanceID
			fdtEnv.fdtInstanceID = &instanceID
			pkt, done, err := sender.fdtTransfer.nextPacket(&fdtEnv)
			if err != nil {
				log.Errorf("[FDT] packet production failed: %v", err)
				return nil
			}
			if done {
				sender.fdtTransfer.state = TRANSFER_WAITING
				sender.fdtNextStart = sender.fdtTransfer.startTime.Add(sender.config.FdtCarouselInterval)
			}
			if pkt != nil {
				PacketsSent.Inc()
				return pkt
			}
		}
	}

	t := sender.sched.next(now, sender.readInterval)
	if t == nil {
		return nil
	}
	pkt, done, err := t.nextPacket(env)
	if err != nil {
		log.Errorf("[SENDER][toi %d] packet production failed: %v", t.toi, err)
		sender.sched.remove(t)
		delete(sender.transfers, t.toi)
		return nil
	}
	if done {
		if sender.sched.complete(t, now) {
			delete(sender.transfers, t.toi)
			log.Infof("[SENDER][toi %d] transfer finished", t.toi)
		}
	}
	if pkt != nil {
		PacketsSent.Inc()
	}
	return pkt
}

// Close ends the session. The next Read emits a final packet carrying
// the LCT close-session flag; subsequent reads return nil.
func (sender *Sender) Close() {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.closed = true
}

// buildFlagPacket produces a packet that carries only LCT flags and an
// empty payload, for close-object and close-session signalling.
func (sender *Sender) buildFlagPacket(toi uint64, codepoint uint8, closeSession bool, closeObject bool) ([]byte, error) {
	header := LCTHeader{
		TSI:          sender.tsi,
		TOI:          toi,
		Codepoint:    codepoint,
		CloseSession: closeSession,
		CloseObject:  closeObject,
	}
	buffer, err := header.Encode(make([]byte, 0, 32))
	if err != nil {
		return nil, err
	}
	return appendUint32(buffer, 0), nil
}

// Endpoint returns the endpoint the session was created for.
func (sender *Sender) Endpoint() UDPEndpoint { return sender.endpoint }

// TSI returns the transport session identifier.
func (sender *Sender) TSI() uint64 { return sender.tsi }
