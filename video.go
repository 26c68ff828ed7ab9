package main

import (
	"net"
	"sync/atomic"
	"time"

	"confserver/internal/wire"
)

// VideoRouter fans out opaque video frames by publisher id, never
// inspecting the payload (spec §4.4).
type VideoRouter struct {
	reg    *Registry
	fanout *Fanout

	droppedSpoof atomic.Uint64
}

// NewVideoRouter constructs a router that sends replicated frames out on
// conn and resolves/binds endpoints against reg.
func NewVideoRouter(reg *Registry, conn net.PacketConn) *VideoRouter {
	return &VideoRouter{reg: reg, fanout: NewFanout(conn)}
}

// HandleDatagram processes one inbound video datagram from src, binding
// the sender's endpoint if this is its first packet and fanning the frame
// out unchanged to every other live participant with a bound video
// endpoint (spec §4.4 steps 1-3).
func (v *VideoRouter) HandleDatagram(buf []byte, src net.Addr, now time.Time) {
	publisherID, _, err := wire.SplitDatagram(buf)
	if err != nil {
		return
	}

	boundID, ok := v.reg.ResolveByDatagram(VideoPlane, src)
	if !ok {
		if !v.reg.BindDatagram(VideoPlane, publisherID, src, now) {
			return // unknown or spoofed prefix, or rebind refused
		}
		boundID = publisherID
	} else {
		v.reg.Touch(VideoPlane, boundID, now)
	}

	if boundID != publisherID {
		// declared prefix does not match the endpoint's learned identity
		v.droppedSpoof.Add(1)
		return
	}

	publisher, ok := v.reg.Get(boundID)
	if !ok {
		return
	}

	frame := append([]byte(nil), buf...) // datagram is forwarded unchanged
	for _, p := range v.reg.Snapshot() {
		if p.ID == boundID {
			continue // never echo to the publisher
		}
		if p.ChannelID != publisher.ChannelID {
			continue // fan-out is scoped to the publisher's channel
		}
		addr, ok := p.Endpoint(VideoPlane)
		if !ok {
			continue
		}
		v.fanout.SendTo(p.ID, addr, frame)
	}
}
