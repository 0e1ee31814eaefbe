package main

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeqLess(t *testing.T) {
	require.True(t, seqLess(1, 2))
	require.False(t, seqLess(2, 1))
	require.False(t, seqLess(5, 5))

	// Wrap-around: 65530 comes before 3.
	require.True(t, seqLess(65530, 3))
	require.False(t, seqLess(3, 65530))

	// Far apart but not straddling the boundary: plain compare.
	require.True(t, seqLess(10000, 60000))
}

func TestPayloadHeapOrdering(t *testing.T) {
	var h payloadHeap
	heap.Push(&h, voicePayload{seq: 3, timestamp: 2880})
	heap.Push(&h, voicePayload{seq: 1, timestamp: 960})
	heap.Push(&h, voicePayload{seq: 2, timestamp: 1920})

	var seqs []uint16
	for h.Len() > 0 {
		seqs = append(seqs, heap.Pop(&h).(voicePayload).seq)
	}
	require.Equal(t, []uint16{1, 2, 3}, seqs)
}

func TestPayloadHeapTimestampTiebreak(t *testing.T) {
	var h payloadHeap
	heap.Push(&h, voicePayload{seq: 65534, timestamp: 960})
	heap.Push(&h, voicePayload{seq: 2, timestamp: 960})
	heap.Push(&h, voicePayload{seq: 65533, timestamp: 960})

	var seqs []uint16
	for h.Len() > 0 {
		seqs = append(seqs, heap.Pop(&h).(voicePayload).seq)
	}
	// Sequence order with wrap-around handling.
	require.Equal(t, []uint16{65533, 65534, 2}, seqs)
}

func TestParkingLotRange(t *testing.T) {
	var lot parkingLot
	lot.park(voicePayload{seq: 10, timestamp: 960})
	lot.park(voicePayload{seq: 12, timestamp: 2880})
	lot.park(voicePayload{seq: 11, timestamp: 1920})

	require.True(t, lot.hasRange)
	require.Equal(t, uint16(10), lot.minSeq)
	require.Equal(t, uint16(12), lot.maxSeq)
	require.Equal(t, uint32(960), lot.minTimestamp)
	require.Equal(t, uint32(2880), lot.maxTimestamp)
	require.Equal(t, 3, lot.payloads.Len())
}

func TestMovingAverager(t *testing.T) {
	m := newMovingAverager(4)
	require.Zero(t, m.average())

	m.add(2)
	m.add(4)
	require.InDelta(t, 3.0, m.average(), 0.001)

	// Window is bounded; old samples fall off.
	for i := 0; i < 10; i++ {
		m.add(8)
	}
	require.InDelta(t, 8.0, m.average(), 0.001)
}

func TestScaleMixRampsGain(t *testing.T) {
	c := newVoiceCourier(10, "", courierCallbacks{})

	mix := make([]int32, 8)
	for i := range mix {
		mix[i] = 20000
	}

	// One active speaker: unity gain.
	out := c.scaleMix(mix, 1)
	require.Len(t, out, len(mix))
	require.Equal(t, int16(20000), out[len(out)-1])

	// Two speakers: the tail of the buffer reaches the halved target.
	for i := 0; i < gainAveragerWindow; i++ {
		out = c.scaleMix(mix, 2)
	}
	require.InDelta(t, 10000, float64(out[len(out)-1]), 500)
}

func TestScaleMixClamps(t *testing.T) {
	c := newVoiceCourier(10, "", courierCallbacks{})
	mix := []int32{1 << 20, -(1 << 20)}
	out := c.scaleMix(mix, 1)
	require.Equal(t, int16(32767), out[0])
	require.Equal(t, int16(-32768), out[1])
}

func TestCourierStartStop(t *testing.T) {
	c := newVoiceCourier(1, "", courierCallbacks{})
	c.start()
	c.park("user", voicePayload{seq: 1, timestamp: 960, data: []byte{0xFC}})
	c.stop()
	// Stop is idempotent.
	c.stop()
}

func TestCourierDropUser(t *testing.T) {
	c := newVoiceCourier(10, "", courierCallbacks{})
	c.park("user", voicePayload{seq: 1, timestamp: 960})
	c.queueDecoderCtl("user", func(*opusDecoderEngine) {})
	c.dropUser("user")

	c.mu.Lock()
	_, ok := c.lots["user"]
	c.mu.Unlock()
	require.False(t, ok)
}
