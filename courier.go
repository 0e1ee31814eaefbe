package main

import (
	"container/heap"
	"math"
	"sync"
	"time"
)

const (
	defaultIterationIntervalMs = 10
	seqWrapWindow              = 5000
	frameSamplesPerChannel     = opusSampleRateHz * opusFrameDurationMs / 1000
	frameSampleCount           = frameSamplesPerChannel * opusChannelCount
	gainAveragerWindow         = 10
)

// movingAverager smooths the active-speaker count used for mixdown
// gain.
type movingAverager struct {
	values []float64
	limit  int
}

func newMovingAverager(limit int) *movingAverager {
	return &movingAverager{limit: limit}
}

func (m *movingAverager) add(v float64) {
	m.values = append([]float64{v}, m.values...)
	if len(m.values) >= m.limit {
		m.values = m.values[:m.limit-1]
	}
}

func (m *movingAverager) average() float64 {
	if len(m.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m.values {
		sum += v
	}
	return sum / float64(len(m.values))
}

type voicePayload struct {
	seq       uint16
	timestamp uint32
	data      []byte
}

// seqLess compares RTP sequence numbers, treating values that straddle
// the wrap boundary as ordered across it.
func seqLess(a, b uint16) bool {
	if (a > math.MaxUint16-seqWrapWindow && b < seqWrapWindow) ||
		(b > math.MaxUint16-seqWrapWindow && a < seqWrapWindow) {
		return a+seqWrapWindow < b+seqWrapWindow
	}
	return a < b
}

type payloadHeap []voicePayload

func (h payloadHeap) Len() int { return len(h) }
func (h payloadHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return seqLess(h[i].seq, h[j].seq)
}
func (h payloadHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *payloadHeap) Push(x any)   { *h = append(*h, x.(voicePayload)) }
func (h *payloadHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type decoderCtl func(*opusDecoderEngine)

// parkingLot collects one speaker's payloads between courier
// iterations.
type parkingLot struct {
	hasRange     bool
	minSeq       uint16
	maxSeq       uint16
	minTimestamp uint32
	maxTimestamp uint32

	decoder  *opusDecoderEngine
	payloads payloadHeap

	pendingDecoderCtls []decoderCtl
}

func (l *parkingLot) park(p voicePayload) {
	if !l.hasRange {
		l.hasRange = true
		l.minSeq, l.maxSeq = p.seq, p.seq
		l.minTimestamp, l.maxTimestamp = p.timestamp, p.timestamp
	} else {
		if seqLess(l.maxSeq, p.seq) {
			l.maxSeq = p.seq
		}
		if p.timestamp > l.maxTimestamp {
			l.maxTimestamp = p.timestamp
		}
	}
	heap.Push(&l.payloads, p)
}

type courierCallbacks struct {
	onUserPCM  func(userID string, pcm []int16)
	onMixedPCM func(pcm []int16)
}

// voiceCourier owns the receive-side jitter buffer and runs decode and
// mixdown on its own goroutine.
type voiceCourier struct {
	mu          sync.Mutex
	lots        map[string]*parkingLot
	terminating bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	iterationInterval time.Duration
	opusLibPath       string

	cb courierCallbacks

	averager    *movingAverager
	currentGain float64
}

func newVoiceCourier(iterationIntervalMs int, opusLibPath string, cb courierCallbacks) *voiceCourier {
	if iterationIntervalMs <= 0 {
		iterationIntervalMs = defaultIterationIntervalMs
	}
	return &voiceCourier{
		lots:              make(map[string]*parkingLot),
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
		iterationInterval: time.Duration(iterationIntervalMs) * time.Millisecond,
		opusLibPath:       opusLibPath,
		cb:                cb,
		averager:          newMovingAverager(gainAveragerWindow),
		currentGain:       1.0,
	}
}

func (c *voiceCourier) start() {
	c.wg.Add(1)
	go c.loop()
}

func (c *voiceCourier) stop() {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.terminating = true
	c.mu.Unlock()
	close(c.done)
	c.signal()
	c.wg.Wait()

	c.mu.Lock()
	for _, lot := range c.lots {
		if lot.decoder != nil {
			lot.decoder.Close()
			lot.decoder = nil
		}
	}
	c.lots = make(map[string]*parkingLot)
	c.mu.Unlock()
}

func (c *voiceCourier) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// park queues one decrypted opus payload for a speaker.
func (c *voiceCourier) park(userID string, p voicePayload) {
	c.mu.Lock()
	lot := c.lots[userID]
	if lot == nil {
		lot = &parkingLot{}
		c.lots[userID] = lot
	}
	lot.park(p)
	c.mu.Unlock()
	c.signal()
}

// queueDecoderCtl parks a decoder control to apply before the speaker's
// next decode; the decoder does not have to exist yet.
func (c *voiceCourier) queueDecoderCtl(userID string, ctl decoderCtl) {
	c.mu.Lock()
	lot := c.lots[userID]
	if lot == nil {
		lot = &parkingLot{}
		c.lots[userID] = lot
	}
	lot.pendingDecoderCtls = append(lot.pendingDecoderCtls, ctl)
	c.mu.Unlock()
}

// dropUser discards a disconnected speaker's parked state.
func (c *voiceCourier) dropUser(userID string) {
	c.mu.Lock()
	if lot, ok := c.lots[userID]; ok {
		if lot.decoder != nil {
			lot.decoder.Close()
		}
		delete(c.lots, userID)
	}
	c.mu.Unlock()
}

type courierBatch struct {
	userID   string
	lot      *parkingLot
	payloads []voicePayload
	ctls     []decoderCtl
	firstSeq uint16
	hasRange bool
}

func (c *voiceCourier) loop() {
	defer c.wg.Done()

	timer := time.NewTimer(c.iterationInterval)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.iterationInterval)

		c.runIteration()
	}
}

// runIteration atomically drains every parking lot, then decodes and
// mixes outside the lock.
func (c *voiceCourier) runIteration() {
	var batches []courierBatch

	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		return
	}
	for userID, lot := range c.lots {
		if lot.payloads.Len() == 0 && len(lot.pendingDecoderCtls) == 0 {
			continue
		}
		payloads := make([]voicePayload, 0, lot.payloads.Len())
		for lot.payloads.Len() > 0 {
			payloads = append(payloads, heap.Pop(&lot.payloads).(voicePayload))
		}
		batch := courierBatch{
			userID:   userID,
			lot:      lot,
			payloads: payloads,
			ctls:     lot.pendingDecoderCtls,
			firstSeq: lot.minSeq,
			hasRange: lot.hasRange,
		}
		lot.pendingDecoderCtls = nil
		if lot.hasRange {
			// Next iteration resumes just past what we are about to
			// drain.
			lot.minSeq = lot.maxSeq + 1
			lot.minTimestamp = lot.maxTimestamp + 1
		}
		batches = append(batches, batch)
	}
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	var mix []int32
	active := 0

	for i := range batches {
		pcm := c.decodeBatch(&batches[i])
		if pcm == nil {
			continue
		}
		if c.cb.onUserPCM != nil {
			c.cb.onUserPCM(batches[i].userID, pcm)
		}
		if c.cb.onMixedPCM != nil {
			if mix == nil {
				mix = make([]int32, len(pcm))
			}
			if len(pcm) > len(mix) {
				grown := make([]int32, len(pcm))
				copy(grown, mix)
				mix = grown
			}
			for j, s := range pcm {
				mix[j] += int32(s)
			}
			active++
		}
	}

	if c.cb.onMixedPCM != nil && mix != nil {
		c.cb.onMixedPCM(c.scaleMix(mix, active))
	}
}

// decodeBatch walks one speaker's drained payloads in order, concealing
// sequence gaps with opus PLC.
func (c *voiceCourier) decodeBatch(b *courierBatch) []int16 {
	if b.lot.decoder == nil && len(b.payloads) > 0 {
		decoder, err := newOpusDecoderEngine(c.opusLibPath, opusSampleRateHz, opusChannelCount)
		if err != nil {
			logCourier.Errorf("cannot create opus decoder for %s: %v", b.userID, err)
			return nil
		}
		c.mu.Lock()
		b.lot.decoder = decoder
		c.mu.Unlock()
	}
	decoder := b.lot.decoder
	if decoder == nil {
		return nil
	}

	for _, ctl := range b.ctls {
		ctl(decoder)
	}

	var out []int16
	expected := b.firstSeq
	for _, p := range b.payloads {
		for gap := expected; seqLess(gap, p.seq); gap++ {
			conceal, err := decoder.Decode(nil)
			if err != nil {
				logCourier.Warningf("opus PLC failed for %s: %v", b.userID, err)
				break
			}
			out = append(out, conceal...)
		}
		pcm, err := decoder.Decode(p.data)
		if err != nil {
			logCourier.Warningf("opus decode failed for %s: %v", b.userID, err)
			continue
		}
		out = append(out, pcm...)
		expected = p.seq + 1
	}
	return out
}

// scaleMix applies the smoothed 1/N gain ramp and narrows the 32-bit
// mix back to 16-bit samples.
func (c *voiceCourier) scaleMix(mix []int32, activeUsers int) []int16 {
	c.averager.add(float64(activeUsers))
	avg := c.averager.average()
	target := 1.0
	if avg > 1 {
		target = 1.0 / avg
	}

	increment := 0.0
	if len(mix) > 0 {
		increment = (target - c.currentGain) / float64(len(mix))
	}

	out := make([]int16, len(mix))
	gain := c.currentGain
	for i, s := range mix {
		scaled := float64(s) * gain
		switch {
		case scaled > math.MaxInt16:
			out[i] = math.MaxInt16
		case scaled < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(scaled)
		}
		gain += increment
	}
	c.currentGain = target
	return out
}
