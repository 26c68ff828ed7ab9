package main

import (
	"encoding/binary"
	"testing"
	"time"

	"confserver/internal/mixer"
	"confserver/internal/wire"
)

func audioChunk(publisherID uint32, value int16) []byte {
	buf := make([]byte, audioDatagramLen)
	wire.PutPrefix(buf, publisherID)
	for i := 0; i < mixer.ChunkSamples; i++ {
		binary.LittleEndian.PutUint16(buf[wire.PrefixLen+i*2:wire.PrefixLen+i*2+2], uint16(value))
	}
	return buf
}

func TestAudioEngineThreePublisherMix(t *testing.T) {
	reg := NewRegistry(10)
	now := time.Now()
	a, _ := reg.Add("a", nil, now)
	b, _ := reg.Add("b", nil, now)
	c, _ := reg.Add("c", nil, now)

	conn := newMockPacketConn()
	engine := NewAudioEngine(reg, conn)

	addrA := fakeAddr("10.0.0.1:1")
	addrB := fakeAddr("10.0.0.2:2")
	addrC := fakeAddr("10.0.0.3:3")
	reg.BindDatagram(AudioPlane, a.ID, addrA, now)
	reg.BindDatagram(AudioPlane, b.ID, addrB, now)
	reg.BindDatagram(AudioPlane, c.ID, addrC, now)

	engine.HandleDatagram(audioChunk(a.ID, 100), addrA, now)
	engine.HandleDatagram(audioChunk(b.ID, 200), addrB, now)
	engine.HandleDatagram(audioChunk(c.ID, 300), addrC, now)

	engine.Tick(now)

	check := func(addr, label string, want int16) {
		pkts := conn.received(addr)
		if len(pkts) != 1 {
			t.Fatalf("%s: expected 1 packet, got %d", label, len(pkts))
		}
		sample := int16(binary.LittleEndian.Uint16(pkts[0][wire.PrefixLen : wire.PrefixLen+2]))
		if sample != want {
			t.Errorf("%s: sample = %d, want %d", label, sample, want)
		}
	}
	check(addrA.String(), "a (100)", 250)
	check(addrB.String(), "b (200)", 200)
	check(addrC.String(), "c (300)", 150)
}

func TestAudioEngineDropsWrongLengthDatagram(t *testing.T) {
	reg := NewRegistry(10)
	now := time.Now()
	a, _ := reg.Add("a", nil, now)
	conn := newMockPacketConn()
	engine := NewAudioEngine(reg, conn)
	addrA := fakeAddr("10.0.0.1:1")
	reg.BindDatagram(AudioPlane, a.ID, addrA, now)

	malformed := audioChunk(a.ID, 100)[:len(audioChunk(a.ID, 100))-1]
	engine.HandleDatagram(malformed, addrA, now)
	engine.Tick(now)

	if got := conn.received(addrA.String()); len(got) != 0 {
		t.Fatalf("malformed chunk must not contribute, got %d packets", len(got))
	}
}
