package flute

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// pump moves every packet from sender to receiver, with an optional
// drop filter. The clock advances one millisecond per read.
func pump(t *testing.T, sender *Sender, receiver *Receiver, start time.Time, drop func(*AlcPkt) bool) time.Time {
	t.Helper()
	now := start
	idle := 0
	for produced := 0; idle < 20 && produced < 100000; {
		pkt := sender.Read(now)
		now = now.Add(time.Millisecond)
		if pkt == nil {
			idle++
			continue
		}
		idle = 0
		produced++
		if drop != nil {
			parsed, err := ParseAlcPkt(pkt)
			assert.Nil(t, err)
			if drop(parsed) {
				continue
			}
		}
		receiver.Push(testEndpoint(), pkt, now)
	}
	return now
}

func e2eSender(t *testing.T, oti *Oti) *Sender {
	t.Helper()
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	sender, err := NewSender(testEndpoint(), 1, oti, config)
	assert.Nil(t, err)
	return sender
}

func TestEndToEndReedSolomonUnderLoss(t *testing.T) {
	oti, err := NewReedSolomonOti(1024, 64, 16)
	assert.Nil(t, err)
	sender := e2eSender(t, &oti)
	content := randomPayload(100*1024, 100)
	now := testEpoch
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///big.bin", "application/octet-stream", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))

	receiver, writer := newTestReceiver(t, nil)
	// Drop 16 symbols per block, the exact parity budget
	dropped := map[uint32]int{}
	pump(t, sender, receiver, now, func(pkt *AlcPkt) bool {
		if pkt.IsFdt() {
			return false
		}
		sbn, _ := pkt.Oti.DecodePayloadID(pkt.PayloadIDRaw)
		if dropped[sbn] < 16 {
			dropped[sbn]++
			return true
		}
		return false
	})
	assert.Equal(t, content, writer.Objects["file:///big.bin"])
	assert.Empty(t, writer.Failed)
}

func TestEndToEndReedSolomonExcessLossFails(t *testing.T) {
	oti, err := NewReedSolomonOti(1024, 64, 16)
	assert.Nil(t, err)
	sender := e2eSender(t, &oti)
	content := randomPayload(100*1024, 101)
	now := testEpoch
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///lost.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))

	receiverConfig := NewReceiverConfig()
	receiverConfig.ObjectCompletionTimeout = 5 * time.Second
	receiver, writer := newTestReceiver(t, receiverConfig)
	// 17 losses in block 0: one more than the parity budget
	droppedFirst := 0
	end := pump(t, sender, receiver, now, func(pkt *AlcPkt) bool {
		if pkt.IsFdt() {
			return false
		}
		sbn, _ := pkt.Oti.DecodePayloadID(pkt.PayloadIDRaw)
		if sbn == 0 && droppedFirst < 17 {
			droppedFirst++
			return true
		}
		return false
	})
	assert.Empty(t, writer.Objects)

	receiver.Cleanup(end.Add(10 * time.Second))
	assert.ErrorIs(t, writer.Failed["file:///lost.bin"], ErrFECDecodeFailure)
}

func TestEndToEndContentEncoding(t *testing.T) {
	for _, cenc := range []ContentEncoding{CENC_ZLIB, CENC_DEFLATE, CENC_GZIP} {
		sender := e2eSender(t, smallOti(128, 16))
		content := bytes.Repeat([]byte("compressible content "), 500)
		now := testEpoch
		_, err := sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///packed.txt", "text/plain", cenc))
		assert.Nil(t, err)
		assert.Nil(t, sender.Publish(now))

		receiver, writer := newTestReceiver(t, nil)
		pump(t, sender, receiver, now, nil)
		assert.Equal(t, content, writer.Objects["file:///packed.txt"], cenc.String())
	}
}

func TestEndToEndRaptor(t *testing.T) {
	oti := &Oti{
		FecEncodingID:            FEC_RAPTOR,
		EncodingSymbolLength:     64,
		MaximumSourceBlockLength: 16,
		MaxNumberOfParitySymbols: 8,
		InbandOti:                true,
	}
	sender := e2eSender(t, oti)
	content := randomPayload(4000, 102)
	now := testEpoch
	_, err := sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///fountain.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))

	receiver, writer := newTestReceiver(t, nil)
	pump(t, sender, receiver, now, nil)
	assert.Equal(t, content, writer.Objects["file:///fountain.bin"])
	assert.Empty(t, writer.Failed)
}

func TestEndToEndEmptyObject(t *testing.T) {
	sender := e2eSender(t, smallOti(1400, 64))
	now := testEpoch
	_, err := sender.AddObject(now, NewObjectDescFromBuffer([]byte{}, "file:///empty", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))

	receiver, writer := newTestReceiver(t, nil)
	pump(t, sender, receiver, now, nil)
	object, delivered := writer.Objects["file:///empty"]
	assert.True(t, delivered)
	assert.Equal(t, 0, len(object))
}

func TestEndToEndStreamingObject(t *testing.T) {
	sender := e2eSender(t, smallOti(64, 8))
	content := randomPayload(10000, 103)
	now := testEpoch
	obj := NewObjectDescFromReader(bytes.NewReader(content), uint64(len(content)), "file:///streamed.bin", "")
	_, err := sender.AddObject(now, obj)
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))

	receiver, writer := newTestReceiver(t, nil)
	pump(t, sender, receiver, now, nil)
	assert.Equal(t, content, writer.Objects["file:///streamed.bin"])
}

func TestEndToEndIncrementalFdt(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	config.FdtPublishMode = FDT_PUBLISH_INCREMENTAL
	sender, err := NewSender(testEndpoint(), 1, smallOti(64, 8), config)
	assert.Nil(t, err)
	receiver, writer := newTestReceiver(t, nil)

	now := testEpoch
	contentA := randomPayload(500, 104)
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(contentA, "file:///a.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))
	now = pump(t, sender, receiver, now, nil)

	// The second instance lists only the addition; the receiver must
	// union it with the prior view
	contentB := randomPayload(600, 105)
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(contentB, "file:///b.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))
	pump(t, sender, receiver, now, nil)

	assert.Equal(t, contentA, writer.Objects["file:///a.bin"])
	assert.Equal(t, contentB, writer.Objects["file:///b.bin"])
}

func TestEndToEndMultipleFilesSamePriority(t *testing.T) {
	sender := e2eSender(t, smallOti(256, 8))
	now := testEpoch
	contents := map[string][]byte{}
	for _, name := range []string{"file:///one", "file:///two", "file:///three"} {
		content := randomPayload(5000, int64(len(name)))
		contents[name] = content
		_, err := sender.AddObject(now, NewObjectDescFromBuffer(content, name, "", CENC_NULL))
		assert.Nil(t, err)
	}
	assert.Nil(t, sender.Publish(now))

	receiver, writer := newTestReceiver(t, nil)
	pump(t, sender, receiver, now, nil)
	for name, content := range contents {
		assert.Equal(t, content, writer.Objects[name], name)
	}
}
