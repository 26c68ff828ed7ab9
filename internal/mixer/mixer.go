// Package mixer implements the time-windowed audio mixing engine: it
// accumulates the latest raw-PCM chunk per publisher and, on each tick,
// computes a per-recipient mix that excludes the recipient's own audio
// (loopback suppression).
//
// Numeric semantics are widen-then-clamp: samples are summed in a
// wider signed accumulator, divided by the publisher count, then clamped
// back to the 16-bit signed range. Integer arithmetic only — no floating
// point, so mixes are bit-identical across platforms.
package mixer

import (
	"sync"
	"time"
)

// ChunkSamples is the fixed number of int16 samples per audio chunk.
const ChunkSamples = 1024

// SampleRate is the fixed mono sample rate, in Hz.
const SampleRate = 44100

// TickInterval is the mixer's fixed tick period (~= ChunkSamples/SampleRate).
const TickInterval = time.Second * ChunkSamples / SampleRate

// StaleAfter is how long a bucket may go unrefreshed before it is evicted.
const StaleAfter = time.Second

// bucket holds the latest chunk received from one publisher since the
// previous tick, plus its arrival time for staleness eviction.
type bucket struct {
	samples  [ChunkSamples]int16
	arrived  time.Time
	fresh    bool // true if filled since the last Tick
}

// Mixer accumulates per-publisher chunks and computes per-recipient mixes.
// Safe for concurrent use: Put is called from datagram receivers, Tick from
// a single periodic timer goroutine.
type Mixer struct {
	mu      sync.Mutex
	buckets map[uint32]*bucket
}

// New returns an empty Mixer.
func New() *Mixer {
	return &Mixer{buckets: make(map[uint32]*bucket)}
}

// Put records publisher id's latest chunk, overwriting any chunk received
// since the previous tick. samples must have exactly ChunkSamples entries;
// a chunk of any other length is ignored and leaves the bucket unchanged
// (the audio engine also drops malformed datagrams before they reach Put).
func (m *Mixer) Put(id uint32, samples []int16, now time.Time) {
	if len(samples) != ChunkSamples {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[id]
	if !ok {
		b = &bucket{}
		m.buckets[id] = b
	}
	copy(b.samples[:], samples)
	b.arrived = now
	b.fresh = true
}

// Mix is one recipient's computed output: the mixed samples and the number
// of publishers summed into it (N_r in spec terms).
type Mix struct {
	ID      uint32
	Samples [ChunkSamples]int16
	N       int
}

// Tick computes a mix for every recipient in recipients that has at least
// one other live publisher contributing (N_r == 0 recipients are omitted —
// the spec requires no packet be sent when there is nothing to mix). A
// bucket not refreshed since the previous tick contributes silence this
// tick rather than its last chunk; it is only evicted once unrefreshed for
// longer than StaleAfter, a separate, slower cleanup horizon.
//
// Loopback exclusion is unconditional: a recipient's own chunk (if any)
// never contributes to its own mix.
func (m *Mixer) Tick(now time.Time, recipients []uint32) []Mix {
	m.mu.Lock()
	type contribution struct {
		id      uint32
		samples [ChunkSamples]int16
	}
	var live []contribution
	for id, b := range m.buckets {
		if !b.fresh && now.Sub(b.arrived) > StaleAfter {
			delete(m.buckets, id)
			continue
		}
		if b.fresh {
			live = append(live, contribution{id: id, samples: b.samples})
			b.fresh = false
		}
		// Not refreshed since the previous tick: silent for this tick, even
		// though the bucket survives until the staleness horizon.
	}
	m.mu.Unlock()

	if len(live) == 0 {
		return nil
	}

	var sums [ChunkSamples]int32
	for _, c := range live {
		for i, s := range c.samples {
			sums[i] += int32(s)
		}
	}

	out := make([]Mix, 0, len(recipients))
	for _, r := range recipients {
		n := len(live)
		mixSum := sums
		for _, c := range live {
			if c.id != r {
				continue
			}
			n--
			for i, s := range c.samples {
				mixSum[i] -= int32(s)
			}
			break
		}
		if n == 0 {
			continue // nothing to mix for this recipient — send no packet
		}

		var mix Mix
		mix.ID = r
		mix.N = n
		divisor := int32(n)
		for i, s := range mixSum {
			mix.Samples[i] = clamp16(s / divisor)
		}
		out = append(out, mix)
	}
	return out
}

// clamp16 clamps a wide sum to the 16-bit signed PCM range.
func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
