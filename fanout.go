package main

import (
	"net"
	"sync"
	"sync/atomic"
)

// sendHealth tracks consecutive send failures to one subscriber, the
// circuit breaker grounded in the teacher's client.go: once a subscriber
// has failed circuitBreakerThreshold sends in a row, further sends are
// skipped except for a periodic probe retry, so one dead peer never costs
// every packet's send latency (spec §8 property 9, fan-out isolation).
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	skips := h.skips.Add(1)
	return skips%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() { h.failures.Add(1) }

func (h *sendHealth) recordSuccess() {
	h.failures.Store(0)
	h.skips.Store(0)
}

// Fanout replicates inbound datagrams to bound subscriber endpoints on one
// plane's socket, tracking per-subscriber send health (spec §4.4/§4.6
// "failed sends are tallied but never retried" plus the circuit breaker
// supplement in SPEC_FULL §12).
type Fanout struct {
	conn net.PacketConn

	mu     sync.Mutex
	health map[uint32]*sendHealth

	dropped atomic.Uint64
}

// NewFanout returns a Fanout that writes outgoing datagrams to conn.
func NewFanout(conn net.PacketConn) *Fanout {
	return &Fanout{conn: conn, health: make(map[uint32]*sendHealth)}
}

func (f *Fanout) healthFor(id uint32) *sendHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[id]
	if !ok {
		h = &sendHealth{}
		f.health[id] = h
	}
	return h
}

// SendTo writes payload to addr on behalf of subscriber id, honoring the
// circuit breaker. Failures are tallied, never retried.
func (f *Fanout) SendTo(id uint32, addr net.Addr, payload []byte) {
	h := f.healthFor(id)
	if h.shouldSkip() {
		f.dropped.Add(1)
		return
	}
	if _, err := f.conn.WriteTo(payload, addr); err != nil {
		h.recordFailure()
		f.dropped.Add(1)
		return
	}
	h.recordSuccess()
}

// Dropped returns the cumulative count of datagrams this fanout declined
// to send, whether by circuit breaker skip or write error.
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }

// forget removes id's send-health record, called on participant removal so
// the map does not grow unboundedly over a long server run.
func (f *Fanout) forget(id uint32) {
	f.mu.Lock()
	delete(f.health, id)
	f.mu.Unlock()
}
