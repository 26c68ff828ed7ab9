package main

import (
	"testing"
	"time"

	"confserver/internal/wire"
)

func TestVideoRouterFansOutExceptPublisher(t *testing.T) {
	reg := NewRegistry(10)
	now := time.Now()
	a, _ := reg.Add("a", nil, now)
	b, _ := reg.Add("b", nil, now)
	c, _ := reg.Add("c", nil, now)

	conn := newMockPacketConn()
	vr := NewVideoRouter(reg, conn)

	addrA := fakeAddr("10.0.0.1:1")
	addrB := fakeAddr("10.0.0.2:2")
	addrC := fakeAddr("10.0.0.3:3")
	reg.BindDatagram(VideoPlane, a.ID, addrA, now)
	reg.BindDatagram(VideoPlane, b.ID, addrB, now)
	reg.BindDatagram(VideoPlane, c.ID, addrC, now)

	frame := wire.AppendDatagram(a.ID, []byte("frame-data"))
	vr.HandleDatagram(frame, addrA, now)

	if got := conn.received(addrB.String()); len(got) != 1 {
		t.Fatalf("b should receive 1 frame, got %d", len(got))
	}
	if got := conn.received(addrC.String()); len(got) != 1 {
		t.Fatalf("c should receive 1 frame, got %d", len(got))
	}
	if got := conn.received(addrA.String()); len(got) != 0 {
		t.Fatalf("publisher must never receive its own frame, got %d", len(got))
	}
}

func TestVideoRouterDropsSpoofedPrefix(t *testing.T) {
	reg := NewRegistry(10)
	now := time.Now()
	a, _ := reg.Add("a", nil, now)
	b, _ := reg.Add("b", nil, now)
	conn := newMockPacketConn()
	vr := NewVideoRouter(reg, conn)

	addrA := fakeAddr("10.0.0.1:1")
	addrB := fakeAddr("10.0.0.2:2")
	reg.BindDatagram(VideoPlane, a.ID, addrA, now)
	reg.BindDatagram(VideoPlane, b.ID, addrB, now)

	// addrA is bound to a, but the frame claims to be from b: spoofed.
	spoofed := wire.AppendDatagram(b.ID, []byte("spoof"))
	vr.HandleDatagram(spoofed, addrA, now)

	if got := conn.received(addrB.String()); len(got) != 0 {
		t.Fatalf("spoofed frame must be dropped, got %d deliveries", len(got))
	}
}

func TestVideoRouterBindsFirstPacketetFromUnboundEndpoint(t *testing.T) {
	reg := NewRegistry(10)
	now := time.Now()
	a, _ := reg.Add("a", nil, now)
	b, _ := reg.Add("b", nil, now)
	conn := newMockPacketConn()
	vr := NewVideoRouter(reg, conn)

	addrB := fakeAddr("10.0.0.2:2")
	reg.BindDatagram(VideoPlane, b.ID, addrB, now)

	addrA := fakeAddr("10.0.0.1:1")
	frame := wire.AppendDatagram(a.ID, []byte("hello"))
	vr.HandleDatagram(frame, addrA, now)

	if id, ok := reg.ResolveByDatagram(VideoPlane, addrA); !ok || id != a.ID {
		t.Fatalf("first packet should bind a's video endpoint, got (%d,%v)", id, ok)
	}
	if got := conn.received(addrB.String()); len(got) != 1 {
		t.Fatalf("b should receive the newly bound publisher's frame, got %d", len(got))
	}
}
