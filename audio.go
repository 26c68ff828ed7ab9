package main

import (
	"encoding/binary"
	"net"
	"time"

	"confserver/internal/mixer"
	"confserver/internal/wire"
)

// audioDatagramLen is the only accepted total length for an audio
// datagram: the 4-byte publisher id prefix plus CHUNK_SAMPLES int16
// little-endian samples (spec §6.4).
const audioDatagramLen = wire.PrefixLen + mixer.ChunkSamples*2

// AudioEngine receives raw PCM chunks, mixes them on a fixed tick, and
// sends each recipient's mix out excluding their own contribution
// (spec §4.5 Audio Mixer).
type AudioEngine struct {
	reg    *Registry
	mix    *mixer.Mixer
	fanout *Fanout
}

// NewAudioEngine constructs an engine that sends mixed output on conn.
func NewAudioEngine(reg *Registry, conn net.PacketConn) *AudioEngine {
	return &AudioEngine{reg: reg, mix: mixer.New(), fanout: NewFanout(conn)}
}

// HandleDatagram processes one inbound audio datagram from src. Chunks
// whose total length is not exactly audioDatagramLen are dropped without
// affecting the current tick (spec §8 boundary behavior).
func (a *AudioEngine) HandleDatagram(buf []byte, src net.Addr, now time.Time) {
	if len(buf) != audioDatagramLen {
		return
	}
	publisherID, payload, err := wire.SplitDatagram(buf)
	if err != nil {
		return
	}

	boundID, ok := a.reg.ResolveByDatagram(AudioPlane, src)
	if !ok {
		if !a.reg.BindDatagram(AudioPlane, publisherID, src, now) {
			return
		}
		boundID = publisherID
	} else {
		a.reg.Touch(AudioPlane, boundID, now)
	}
	if boundID != publisherID {
		return
	}

	samples := make([]int16, mixer.ChunkSamples)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*2 : i*2+2]))
	}
	a.mix.Put(publisherID, samples, now)
}

// Tick computes and sends one round of per-recipient mixes to every live
// participant with a bound audio endpoint (spec §4.5 algorithm step 2).
func (a *AudioEngine) Tick(now time.Time) {
	recipients := make([]uint32, 0)
	endpoints := make(map[uint32]net.Addr)
	for _, p := range a.reg.Snapshot() {
		if addr, ok := p.Endpoint(AudioPlane); ok {
			recipients = append(recipients, p.ID)
			endpoints[p.ID] = addr
		}
	}

	for _, mx := range a.mix.Tick(now, recipients) {
		addr, ok := endpoints[mx.ID]
		if !ok {
			continue
		}
		payload := make([]byte, audioDatagramLen)
		wire.PutPrefix(payload, mx.ID)
		for i, s := range mx.Samples {
			binary.LittleEndian.PutUint16(payload[wire.PrefixLen+i*2:wire.PrefixLen+i*2+2], uint16(s))
		}
		a.fanout.SendTo(mx.ID, addr, payload)
	}
}

// Run drives Tick on the mixer's fixed period until ctx-like stop fires.
// The caller is expected to run this in its own goroutine and close done
// to stop it (spec §5: "one periodic mixer tick worker").
func (a *AudioEngine) Run(done <-chan struct{}) {
	ticker := time.NewTicker(mixer.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			a.Tick(now)
		}
	}
}
