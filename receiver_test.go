package flute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// collect drains every packet the sender will produce from start,
// advancing the clock by one millisecond per read.
func collect(t *testing.T, sender *Sender, start time.Time, max int) ([][]byte, time.Time) {
	t.Helper()
	var packets [][]byte
	now := start
	idle := 0
	for len(packets) < max && idle < 20 {
		pkt := sender.Read(now)
		now = now.Add(time.Millisecond)
		if pkt == nil {
			idle++
			continue
		}
		idle = 0
		packets = append(packets, pkt)
	}
	return packets, now
}

func newTestReceiver(t *testing.T, config *ReceiverConfig) (*Receiver, *MemoryWriter) {
	t.Helper()
	writer := NewMemoryWriter()
	receiver, err := NewReceiver(writer, config)
	assert.Nil(t, err)
	return receiver, writer
}

func TestReceiverOutOfOrderAndDuplicates(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)
	content := randomPayload(200, 21)
	now := testEpoch
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///ooo.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))
	packets, now := collect(t, sender, now, 1000)

	receiver, writer := newTestReceiver(t, nil)
	// Push in reverse order, then everything again
	for i := len(packets) - 1; i >= 0; i-- {
		receiver.Push(testEndpoint(), packets[i], now)
	}
	for _, pkt := range packets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Equal(t, content, writer.Objects["file:///ooo.bin"])
	assert.Empty(t, writer.Failed)
}

func TestReceiverParkedPacketsDrainOnLateFdt(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	oti := smallOti(16, 4)
	oti.InbandOti = false
	sender, err := NewSender(testEndpoint(), 1, oti, config)
	assert.Nil(t, err)
	content := randomPayload(100, 22)
	now := testEpoch
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///late.bin", "", CENC_NULL))
	assert.Nil(t, err)

	// Data first: everything parks because nothing carries the OTI
	dataPackets, now := collect(t, sender, now, 1000)
	receiver, writer := newTestReceiver(t, nil)
	for _, pkt := range dataPackets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Empty(t, writer.Objects)

	// The FDT names the object: parked packets drain in order
	assert.Nil(t, sender.Publish(now))
	fdtPackets, now := collect(t, sender, now, 1000)
	assert.NotEmpty(t, fdtPackets)
	for _, pkt := range fdtPackets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Equal(t, content, writer.Objects["file:///late.bin"])
}

func TestReceiverParkedBytesBounded(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	oti := smallOti(16, 4)
	oti.InbandOti = false
	sender, err := NewSender(testEndpoint(), 1, oti, config)
	assert.Nil(t, err)
	now := testEpoch
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(randomPayload(400, 23), "file:///big.bin", "", CENC_NULL))
	assert.Nil(t, err)
	packets, now := collect(t, sender, now, 1000)

	receiverConfig := NewReceiverConfig()
	receiverConfig.MaxParkedBytesPerObject = 100 // far below the object size
	receiver, writer := newTestReceiver(t, receiverConfig)
	for _, pkt := range packets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	// Oldest packets were dropped; a later FDT cannot complete the
	// object anymore, but the engine survived within budget
	assert.Nil(t, sender.Publish(now))
	fdtPackets, now := collect(t, sender, now, 1000)
	for _, pkt := range fdtPackets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Empty(t, writer.Objects)
}

func TestReceiverFdtExpiry(t *testing.T) {
	senderConfig := NewSenderConfig()
	senderConfig.FdtCarouselInterval = time.Hour
	senderConfig.FdtExpires = time.Second
	oti := smallOti(16, 4)
	oti.InbandOti = false
	sender, err := NewSender(testEndpoint(), 1, oti, senderConfig)
	assert.Nil(t, err)

	now := testEpoch
	receiver, writer := newTestReceiver(t, nil)

	// First FDT, no files yet
	assert.Nil(t, sender.Publish(now))
	fdtPackets, now := collect(t, sender, now, 1000)
	for _, pkt := range fdtPackets {
		receiver.Push(testEndpoint(), pkt, now)
	}

	// Past expiry the view is dropped and new objects park
	now = now.Add(2 * time.Second)
	receiver.Cleanup(now)
	content := randomPayload(100, 24)
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///renewed.bin", "", CENC_NULL))
	assert.Nil(t, err)
	dataPackets, now := collect(t, sender, now, 1000)
	for _, pkt := range dataPackets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Empty(t, writer.Objects)

	// A renewed FDT instance names the object: parked packets drain
	assert.Nil(t, sender.Publish(now))
	fdtPackets, now = collect(t, sender, now, 1000)
	for _, pkt := range fdtPackets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Equal(t, content, writer.Objects["file:///renewed.bin"])
}

func TestReceiverIntegrityFailure(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)
	now := testEpoch
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(randomPayload(64, 25), "file:///bad.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))
	packets, now := collect(t, sender, now, 1000)

	receiver, writer := newTestReceiver(t, nil)
	for _, pkt := range packets {
		parsed, perr := ParseAlcPkt(pkt)
		assert.Nil(t, perr)
		if !parsed.IsFdt() && len(parsed.Payload) > 0 {
			// No-code cannot detect a flipped bit; MD5 must
			pkt[len(pkt)-1] ^= 0xFF
		}
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Empty(t, writer.Objects)
	assert.ErrorIs(t, writer.Failed["file:///bad.bin"], ErrIntegrity)
}

func TestReceiverCloseSessionEviction(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)
	now := testEpoch
	content := randomPayload(64, 26)
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///bye.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))
	packets, now := collect(t, sender, now, 1000)
	sender.Close()
	closePkt := sender.Read(now)
	assert.NotNil(t, closePkt)

	receiver, writer := newTestReceiver(t, nil)
	for _, pkt := range packets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	assert.Equal(t, content, writer.Objects["file:///bye.bin"])
	assert.Equal(t, 1, receiver.SessionCount())

	receiver.Push(testEndpoint(), closePkt, now)
	receiver.Cleanup(now)
	assert.Equal(t, 0, receiver.SessionCount())
}

func TestReceiverCleanupIdempotent(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)
	now := testEpoch
	_, err = sender.AddObject(now, NewObjectDescFromBuffer(randomPayload(64, 27), "file:///idem.bin", "", CENC_NULL))
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))
	packets, now := collect(t, sender, now, 1000)

	receiver, _ := newTestReceiver(t, nil)
	for _, pkt := range packets {
		receiver.Push(testEndpoint(), pkt, now)
	}
	later := now.Add(time.Minute)
	receiver.Cleanup(later)
	countAfterFirst := receiver.SessionCount()
	receiver.Cleanup(later)
	assert.Equal(t, countAfterFirst, receiver.SessionCount())
}

func TestReceiverMalformedPacketsAreDropped(t *testing.T) {
	receiver, writer := newTestReceiver(t, nil)
	receiver.Push(testEndpoint(), []byte{}, testEpoch)
	receiver.Push(testEndpoint(), []byte{0xFF, 0xFF}, testEpoch)
	receiver.Push(testEndpoint(), randomPayload(40, 28), testEpoch)
	assert.Empty(t, writer.Objects)
	assert.Empty(t, writer.Failed)
}

func TestReceiverSessionDemux(t *testing.T) {
	config := NewSenderConfig()
	config.FdtCarouselInterval = time.Hour
	now := testEpoch
	receiver, writer := newTestReceiver(t, nil)

	for tsi := uint64(1); tsi <= 2; tsi++ {
		sender, err := NewSender(testEndpoint(), tsi, smallOti(16, 4), config)
		assert.Nil(t, err)
		location := "file:///session-" + string(rune('0'+tsi))
		_, err = sender.AddObject(now, NewObjectDescFromBuffer(randomPayload(64, int64(tsi)), location, "", CENC_NULL))
		assert.Nil(t, err)
		assert.Nil(t, sender.Publish(now))
		packets, end := collect(t, sender, now, 1000)
		for _, pkt := range packets {
			receiver.Push(testEndpoint(), pkt, end)
		}
	}
	assert.Equal(t, 2, receiver.SessionCount())
	assert.Equal(t, 2, len(writer.Objects))
}
