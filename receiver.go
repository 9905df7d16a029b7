package flute

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Receiver demultiplexes datagrams of any number of FLUTE sessions by
// (endpoint, TSI) and drives the per-session state machines. It is
// single threaded by design: callers needing parallel ingestion must
// partition by session and run one Receiver per partition.
type Receiver struct {
	config   *ReceiverConfig
	writer   ObjectWriter
	sessions map[string]*session
}

func NewReceiver(writer ObjectWriter, config *ReceiverConfig) (*Receiver, error) {
	if config == nil {
		config = NewReceiverConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, fmt.Errorf("%w: receiver needs an object writer", ErrConfig)
	}
	return &Receiver{
		config:   config,
		writer:   writer,
		sessions: make(map[string]*session),
	}, nil
}

// Push feeds one datagram received from endpoint. Malformed packets
// are dropped with a warning; the engine recovers from everything but
// construction errors, so Push never fails the session.
func (receiver *Receiver) Push(endpoint UDPEndpoint, data []byte, now time.Time) {
	PacketsReceived.Inc()
	pkt, err := ParseAlcPkt(data)
	if err != nil {
		MalformedPackets.Inc()
		log.Warnf("[RECEIVER] dropped datagram from %s: %v", endpoint, err)
		return
	}
	key := endpoint.Key() + "|" + strconv.FormatUint(pkt.LCT.TSI, 10)
	sess, ok := receiver.sessions[key]
	if !ok {
		sess = newSession(endpoint, pkt.LCT.TSI, receiver.writer, receiver.config, now)
		receiver.sessions[key] = sess
		SessionsActive.Inc()
		log.Infof("[SESSION][%d] created for %s", pkt.LCT.TSI, endpoint)
	}
	sess.push(pkt, data, now)
}

// Cleanup evicts idle and closed sessions, expires FDT views and fails
// objects stuck past the completion timeout. Calling it twice with the
// same now is a no-op the second time.
func (receiver *Receiver) Cleanup(now time.Time) {
	for key, sess := range receiver.sessions {
		sess.cleanup(now)
		evict := false
		if sess.closed && receiver.config.EnableCloseSessionEviction && sess.drained() {
			evict = true
		}
		if now.Sub(sess.lastActivity) > receiver.config.SessionIdleTTL {
			evict = true
		}
		if evict {
			delete(receiver.sessions, key)
			SessionsActive.Dec()
			log.Infof("[SESSION][%d] evicted", sess.tsi)
		}
	}
}

// SessionCount returns the number of live sessions.
func (receiver *Receiver) SessionCount() int { return len(receiver.sessions) }

// session is the per (endpoint, TSI) state: the FDT view, the object
// receivers and the close flags.
type session struct {
	endpoint UDPEndpoint
	tsi      uint64
	writer   ObjectWriter
	config   *ReceiverConfig

	objects map[uint64]*objectReceiver

	// FDT instances being reassembled, keyed by instance id
	fdtReceivers map[uint32]*objectReceiver
	// Guard against an instance id being reused with other content
	fdtHashes map[uint32][16]byte

	// Validated view
	files         map[uint64]*ObjectMeta
	fdtInstanceID uint32
	fdtExpires    time.Time
	haveFdt       bool
	fdtComplete   bool

	closed       bool
	lastActivity time.Time
}

func newSession(endpoint UDPEndpoint, tsi uint64, writer ObjectWriter, config *ReceiverConfig, now time.Time) *session {
	return &session{
		endpoint:     endpoint,
		tsi:          tsi,
		writer:       writer,
		config:       config,
		objects:      make(map[uint64]*objectReceiver),
		fdtReceivers: make(map[uint32]*objectReceiver),
		fdtHashes:    make(map[uint32][16]byte),
		files:        make(map[uint64]*ObjectMeta),
		lastActivity: now,
	}
}

func (sess *session) push(pkt *AlcPkt, raw []byte, now time.Time) {
	sess.lastActivity = now
	if pkt.LCT.CloseSession {
		if !sess.closed {
			sess.closed = true
			log.Infof("[SESSION][%d] close-session received", sess.tsi)
		}
	}
	if pkt.LCT.CloseSession && len(pkt.Payload) == 0 {
		// Pure close packet, nothing to route
		return
	}
	if pkt.IsFdt() {
		sess.pushFdt(pkt, raw, now)
		return
	}
	sess.pushObject(pkt, raw, now)
}

func (sess *session) pushObject(pkt *AlcPkt, raw []byte, now time.Time) {
	toi := pkt.LCT.TOI
	receiver, ok := sess.objects[toi]
	if !ok {
		if pkt.LCT.CloseObject && len(pkt.Payload) == 0 {
			return
		}
		if sess.fdtComplete {
			if _, announced := sess.files[toi]; !announced {
				log.Debugf("[SESSION][%d] ignoring TOI %d not in complete FDT", sess.tsi, toi)
				return
			}
		}
		receiver = newObjectReceiver(sess.tsi, toi, sess.config.MaxParkedBytesPerObject, now)
		sess.objects[toi] = receiver
		if meta, announced := sess.files[toi]; announced && sess.fdtValid(now) {
			receiver.attachMeta(meta, sess.writer, sess.config.Md5CheckEnabled, now)
		}
	}
	receiver.push(pkt, raw, sess.writer, sess.config.Md5CheckEnabled, now)
	if receiver.state == STATE_COMPLETE && receiver.meta == nil {
		if meta, announced := sess.files[toi]; announced && sess.fdtValid(now) {
			receiver.attachMeta(meta, sess.writer, sess.config.Md5CheckEnabled, now)
		}
	}
}

func (sess *session) fdtValid(now time.Time) bool {
	return sess.haveFdt && !now.After(sess.fdtExpires)
}

func (sess *session) pushFdt(pkt *AlcPkt, raw []byte, now time.Time) {
	if pkt.FdtInstanceID == nil {
		MalformedPackets.Inc()
		log.Warnf("[SESSION][%d] FDT packet without EXT_FDT", sess.tsi)
		return
	}
	instanceID := *pkt.FdtInstanceID
	receiver, ok := sess.fdtReceivers[instanceID]
	if !ok {
		if len(sess.fdtReceivers) >= sess.config.MaxCachedFdts {
			sess.evictOldestFdt()
		}
		receiver = newObjectReceiver(sess.tsi, TOI_FDT, sess.config.MaxParkedBytesPerObject, now)
		sess.fdtReceivers[instanceID] = receiver
	}
	receiver.push(pkt, raw, sess.writer, false, now)
	if receiver.state != STATE_COMPLETE {
		return
	}
	content, err := receiver.content()
	if err != nil {
		receiver.fail(err)
		return
	}
	receiver.state = STATE_DONE
	receiver.release()
	sess.applyFdt(instanceID, content, now)
}

// applyFdt validates a fully received FDT instance and folds it into
// the session view. A rejected instance keeps the prior view.
func (sess *session) applyFdt(instanceID uint32, content []byte, now time.Time) {
	digest := md5.Sum(content)
	if prior, seen := sess.fdtHashes[instanceID]; seen {
		if prior != digest {
			log.Warnf("[SESSION][%d] %v: instance %d reused with different content", sess.tsi, ErrFDTParse, instanceID)
		}
		return
	}
	instance, err := DecodeFdtInstance(content)
	if err != nil {
		log.Warnf("[SESSION][%d] rejected FDT instance %d: %v", sess.tsi, instanceID, err)
		return
	}
	expires, err := instance.ExpiresTime()
	if err != nil {
		log.Warnf("[SESSION][%d] rejected FDT instance %d: %v", sess.tsi, instanceID, err)
		return
	}
	if now.After(expires) {
		log.Warnf("[SESSION][%d] rejected already expired FDT instance %d", sess.tsi, instanceID)
		return
	}
	sess.fdtHashes[instanceID] = digest
	if sess.haveFdt && !FdtNewerInstance(sess.fdtInstanceID, instanceID) {
		log.Debugf("[SESSION][%d] FDT instance %d older than %d, ignored", sess.tsi, instanceID, sess.fdtInstanceID)
		return
	}

	if instance.FullFDT {
		// Atomic replacement of the whole view
		sess.files = make(map[uint64]*ObjectMeta)
	}
	for i := range instance.Files {
		file := &instance.Files[i]
		meta := metaFromFdtFile(sess.tsi, file, instance)
		if meta == nil {
			continue
		}
		sess.files[meta.Toi] = meta
	}
	sess.fdtInstanceID = instanceID
	sess.fdtExpires = expires
	sess.haveFdt = true
	if instance.Complete {
		sess.fdtComplete = true
	}
	log.Infof("[SESSION][%d] FDT instance %d applied, %d files known", sess.tsi, instanceID, len(sess.files))

	// Bind freshly named objects: parked packets drain in arrival order
	for toi, receiver := range sess.objects {
		if meta, announced := sess.files[toi]; announced {
			receiver.attachMeta(meta, sess.writer, sess.config.Md5CheckEnabled, now)
		}
	}
}

func metaFromFdtFile(tsi uint64, file *FdtFile, instance *FdtInstance) *ObjectMeta {
	toi, err := strconv.ParseUint(file.Toi, 10, 64)
	if err != nil || toi == TOI_FDT {
		return nil
	}
	meta := &ObjectMeta{
		Tsi:             tsi,
		Toi:             toi,
		ContentLocation: file.ContentLocation,
		ContentType:     file.ContentType,
		MD5:             file.ContentMD5,
		oti:             file.Oti(instance),
	}
	if file.ContentLength != nil {
		meta.ContentLength = *file.ContentLength
	}
	if file.TransferLength != nil {
		meta.TransferLength = *file.TransferLength
	} else {
		meta.TransferLength = meta.ContentLength
	}
	cencName := file.ContentEncoding
	if cencName == "" {
		cencName = instance.ContentEncoding
	}
	if cenc, err := ParseContentEncoding(cencName); err == nil {
		meta.Cenc = cenc
	}
	return meta
}

func (sess *session) evictOldestFdt() {
	var oldestID uint32
	var oldest *objectReceiver
	for id, receiver := range sess.fdtReceivers {
		if oldest == nil || receiver.createdAt.Before(oldest.createdAt) {
			oldest = receiver
			oldestID = id
		}
	}
	if oldest != nil {
		delete(sess.fdtReceivers, oldestID)
	}
}

// drained reports whether no object is still in flight.
func (sess *session) drained() bool {
	for _, receiver := range sess.objects {
		switch receiver.state {
		case STATE_DONE, STATE_FAILED:
		default:
			return false
		}
	}
	return true
}

func (sess *session) cleanup(now time.Time) {
	if sess.haveFdt && now.After(sess.fdtExpires) {
		sess.haveFdt = false
		sess.files = make(map[uint64]*ObjectMeta)
		log.Infof("[SESSION][%d] FDT view expired", sess.tsi)
	}
	for toi, receiver := range sess.objects {
		switch receiver.state {
		case STATE_DONE, STATE_FAILED:
			continue
		}
		if now.Sub(receiver.createdAt) > sess.config.ObjectCompletionTimeout {
			receiver.fail(fmt.Errorf("%w: object %d timed out", ErrFECDecodeFailure, toi))
		}
	}
	for id, receiver := range sess.fdtReceivers {
		switch receiver.state {
		case STATE_DONE, STATE_FAILED:
			continue
		}
		if now.Sub(receiver.createdAt) > sess.config.ObjectCompletionTimeout {
			delete(sess.fdtReceivers, id)
		}
	}
}
