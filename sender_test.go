package flute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testEpoch = time.Unix(1700000000, 0)

func testEndpoint() UDPEndpoint {
	return NewUDPEndpoint("", "224.0.0.96", 3400)
}

// smallOti returns a no-code OTI with tiny symbols, handy for block
// level assertions.
func smallOti(symbolLength uint16, maxSourceBlock uint32) *Oti {
	return &Oti{
		FecEncodingID:            FEC_NO_CODE,
		EncodingSymbolLength:     symbolLength,
		MaximumSourceBlockLength: maxSourceBlock,
		InbandOti:                true,
	}
}

func mustParse(t *testing.T, data []byte) *AlcPkt {
	t.Helper()
	pkt, err := ParseAlcPkt(data)
	if err != nil {
		t.Fatalf("sender produced an unparseable packet : %v", err)
	}
	return pkt
}

func TestSenderTinyFileSteadyState(t *testing.T) {
	config := NewSenderConfig()
	sender, err := NewSender(testEndpoint(), 1, smallOti(1400, 64), config)
	assert.Nil(t, err)

	obj := NewObjectDescFromBuffer([]byte("hello world"), "file:///hello.txt", "text/plain", CENC_NULL)
	now := testEpoch
	_, err = sender.AddObject(now, obj)
	assert.Nil(t, err)
	assert.Nil(t, sender.Publish(now))

	first := sender.Read(now)
	assert.NotNil(t, first)
	fdtPkt := mustParse(t, first)
	assert.True(t, fdtPkt.IsFdt())
	assert.NotNil(t, fdtPkt.FdtInstanceID)

	second := sender.Read(now.Add(time.Millisecond))
	assert.NotNil(t, second)
	dataPkt := mustParse(t, second)
	assert.False(t, dataPkt.IsFdt())
	assert.Equal(t, "hello world", string(dataPkt.Payload))

	// Exactly 2 packets: the transfer is over, only the FDT carousel
	// remains
	for i := 0; i < 10; i++ {
		assert.Nil(t, sender.Read(now.Add(time.Duration(2+i)*time.Millisecond)))
	}
	carousel := sender.Read(now.Add(config.FdtCarouselInterval + 10*time.Millisecond))
	assert.NotNil(t, carousel)
	assert.True(t, mustParse(t, carousel).IsFdt())
}

func TestSenderInterleavesFilesAndBlocks(t *testing.T) {
	config := NewSenderConfig()
	config.InterleaveBlocks = 3
	config.Md5Enabled = false
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)

	// 10 blocks of 4 symbols each
	content := randomPayload(640, 10)
	now := testEpoch
	toiA, err := sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///a", "", CENC_NULL))
	assert.Nil(t, err)
	toiB, err := sender.AddObject(now, NewObjectDescFromBuffer(content, "file:///b", "", CENC_NULL))
	assert.Nil(t, err)

	type emission struct {
		toi uint64
		sbn uint32
		esi uint32
	}
	var emissions []emission
	for i := 0; ; i++ {
		pkt := sender.Read(now.Add(time.Duration(i) * time.Millisecond))
		if pkt == nil {
			break
		}
		parsed := mustParse(t, pkt)
		sbn, esi := parsed.Oti.DecodePayloadID(parsed.PayloadIDRaw)
		emissions = append(emissions, emission{parsed.LCT.TOI, sbn, esi})
	}
	assert.Equal(t, 80, len(emissions))

	// File level fairness: packets strictly alternate between the two
	// transfers, so any window is balanced within one packet
	for i := 1; i < len(emissions); i++ {
		assert.NotEqual(t, emissions[i-1].toi, emissions[i].toi, "packet %d", i)
	}
	countA := 0
	for _, e := range emissions[:60] {
		if e.toi == toiA {
			countA++
		}
	}
	assert.LessOrEqual(t, absInt(countA-(60-countA)), 1)

	// Block level: at most interleave_blocks distinct SBNs in flight
	// per file, and every (sbn, esi) pair emitted exactly once
	seen := map[emission]bool{}
	inFlight := map[uint64]map[uint32]int{toiA: {}, toiB: {}}
	for _, e := range emissions {
		assert.False(t, seen[e], "duplicate emission %+v", e)
		seen[e] = true
		flight := inFlight[e.toi]
		flight[e.sbn]++
		if flight[e.sbn] == 4 { // block exhausted
			delete(flight, e.sbn)
		}
		assert.LessOrEqual(t, len(flight), 3, "more than 3 blocks in flight")
	}
	for _, flight := range inFlight {
		assert.Equal(t, 0, len(flight))
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestSenderPriorityStrictness(t *testing.T) {
	config := NewSenderConfig()
	config.Md5Enabled = false
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)

	now := testEpoch
	low := NewObjectDescFromBuffer(randomPayload(320, 1), "file:///low", "", CENC_NULL)
	low.Priority = 2
	lowToi, err := sender.AddObject(now, low)
	assert.Nil(t, err)

	high := NewObjectDescFromBuffer(randomPayload(320, 2), "file:///high", "", CENC_NULL)
	high.Priority = 0
	highToi, err := sender.AddObject(now, high)
	assert.Nil(t, err)

	var order []uint64
	for i := 0; ; i++ {
		pkt := sender.Read(now.Add(time.Duration(i) * time.Millisecond))
		if pkt == nil {
			break
		}
		order = append(order, mustParse(t, pkt).LCT.TOI)
	}
	assert.Equal(t, 40, len(order))
	// Every HIGHEST packet precedes every LOW packet
	lastHigh := -1
	firstLow := len(order)
	for i, toi := range order {
		if toi == highToi && i > lastHigh {
			lastHigh = i
		}
		if toi == lowToi && i < firstLow {
			firstLow = i
		}
	}
	assert.Less(t, lastHigh, firstLow)
}

func TestSenderCarouselIntervalBetweenStartTimes(t *testing.T) {
	config := NewSenderConfig()
	config.Md5Enabled = false
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 8), config)
	assert.Nil(t, err)

	obj := NewObjectDescFromBuffer(randomPayload(80, 3), "file:///loop", "", CENC_NULL)
	obj.CarouselRepeat = RepeatIntervalBetweenStartTimes(time.Second)
	now := testEpoch
	_, err = sender.AddObject(now, obj)
	assert.Nil(t, err)

	quantum := 10 * time.Millisecond
	var starts []time.Time
	for i := 0; i < 350; i++ {
		tick := now.Add(time.Duration(i) * quantum)
		pkt := sender.Read(tick)
		if pkt == nil {
			continue
		}
		parsed := mustParse(t, pkt)
		_, esi := parsed.Oti.DecodePayloadID(parsed.PayloadIDRaw)
		if esi == 0 {
			starts = append(starts, tick)
		}
	}
	assert.GreaterOrEqual(t, len(starts), 3)
	for i := 1; i < len(starts); i++ {
		spacing := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, spacing, time.Second)
		assert.LessOrEqual(t, spacing, time.Second+2*quantum)
	}
}

func TestSenderCarouselDelayBetweenTransfers(t *testing.T) {
	config := NewSenderConfig()
	config.Md5Enabled = false
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 8), config)
	assert.Nil(t, err)

	obj := NewObjectDescFromBuffer(randomPayload(80, 4), "file:///loop", "", CENC_NULL)
	obj.CarouselRepeat = RepeatDelayBetweenTransfers(500 * time.Millisecond)
	now := testEpoch
	_, err = sender.AddObject(now, obj)
	assert.Nil(t, err)

	quantum := 10 * time.Millisecond
	var passEnds, passStarts []time.Time
	count := 0
	for i := 0; i < 200; i++ {
		tick := now.Add(time.Duration(i) * quantum)
		pkt := sender.Read(tick)
		if pkt == nil {
			continue
		}
		if count%5 == 0 {
			passStarts = append(passStarts, tick)
		}
		if count%5 == 4 {
			passEnds = append(passEnds, tick)
		}
		count++
	}
	assert.GreaterOrEqual(t, len(passStarts), 2)
	for i := 1; i < len(passStarts); i++ {
		quiet := passStarts[i].Sub(passEnds[i-1])
		assert.GreaterOrEqual(t, quiet, 500*time.Millisecond)
	}
}

func TestSenderTargetAcquisitionPacing(t *testing.T) {
	config := NewSenderConfig()
	config.Md5Enabled = false
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 16), config)
	assert.Nil(t, err)

	obj := NewObjectDescFromBuffer(randomPayload(160, 5), "file:///paced", "", CENC_NULL)
	obj.TargetAcquisition = TargetWithinDuration(time.Second)
	now := testEpoch
	_, err = sender.AddObject(now, obj)
	assert.Nil(t, err)

	quantum := 10 * time.Millisecond
	var emitted []time.Time
	for i := 0; i < 150; i++ {
		tick := now.Add(time.Duration(i) * quantum)
		if pkt := sender.Read(tick); pkt != nil {
			emitted = append(emitted, tick)
		}
	}
	assert.Equal(t, 10, len(emitted))
	deadline := now.Add(time.Second)
	assert.False(t, emitted[len(emitted)-1].After(deadline.Add(2*quantum)))
	// The transfer was spread out instead of bursting
	assert.Greater(t, emitted[len(emitted)-1].Sub(emitted[0]), 500*time.Millisecond)
}

func TestSenderCloseFlags(t *testing.T) {
	config := NewSenderConfig()
	config.Md5Enabled = false
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 8), config)
	assert.Nil(t, err)

	now := testEpoch
	obj := NewObjectDescFromBuffer(randomPayload(80, 6), "file:///gone", "", CENC_NULL)
	obj.CarouselRepeat = RepeatDelayBetweenTransfers(time.Second)
	toi, err := sender.AddObject(now, obj)
	assert.Nil(t, err)

	assert.NotNil(t, sender.Read(now))
	assert.Nil(t, sender.RemoveObject(toi))
	pkt := mustParse(t, sender.Read(now.Add(time.Millisecond)))
	assert.True(t, pkt.LCT.CloseObject)
	assert.Equal(t, toi, pkt.LCT.TOI)

	sender.Close()
	closePkt := mustParse(t, sender.Read(now.Add(2*time.Millisecond)))
	assert.True(t, closePkt.LCT.CloseSession)
	assert.Nil(t, sender.Read(now.Add(3*time.Millisecond)))
	_, err = sender.AddObject(now, NewObjectDescFromBuffer([]byte("x"), "file:///late", "", CENC_NULL))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestSenderConcurrentFilesCapacity(t *testing.T) {
	config := NewSenderConfig()
	config.Md5Enabled = false
	config.ConcurrentFilesPerQueue = 1
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)

	now := testEpoch
	toiA, _ := sender.AddObject(now, NewObjectDescFromBuffer(randomPayload(64, 7), "file:///a", "", CENC_NULL))
	toiB, _ := sender.AddObject(now, NewObjectDescFromBuffer(randomPayload(64, 8), "file:///b", "", CENC_NULL))

	var order []uint64
	for i := 0; ; i++ {
		pkt := sender.Read(now.Add(time.Duration(i) * time.Millisecond))
		if pkt == nil {
			break
		}
		order = append(order, mustParse(t, pkt).LCT.TOI)
	}
	// With capacity 1, A finishes entirely before B starts
	assert.Equal(t, []uint64{toiA, toiA, toiA, toiA, toiB, toiB, toiB, toiB}, order)
}

func TestSenderRandomToiAllocation(t *testing.T) {
	config := NewSenderConfig()
	config.Md5Enabled = false
	config.ToiAllocation = TOI_ALLOCATION_RANDOM
	sender, err := NewSender(testEndpoint(), 1, smallOti(16, 4), config)
	assert.Nil(t, err)

	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		toi, err := sender.AddObject(testEpoch, NewObjectDescFromBuffer([]byte("x"), "file:///r", "", CENC_NULL))
		assert.Nil(t, err)
		assert.NotEqual(t, TOI_FDT, toi)
		assert.Less(t, toi, uint64(1)<<48)
		assert.False(t, seen[toi])
		seen[toi] = true
	}
}
