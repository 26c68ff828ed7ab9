package main

import (
	"net"
	"sync"
	"time"

	"confserver/internal/wire"
)

// PresenterArbiter enforces single-presenter exclusivity over the screen
// plane (spec §4.6). Requests are serialized under a single lock; the
// reply is computed synchronously while holding it, but no media I/O ever
// happens under the lock.
type PresenterArbiter struct {
	mu      sync.Mutex
	current uint32 // 0 means idle / no presenter
	router  *ChatRouter
}

// NewPresenterArbiter returns an idle arbiter that announces transitions
// through router.
func NewPresenterArbiter(router *ChatRouter) *PresenterArbiter {
	return &PresenterArbiter{router: router}
}

// Request handles REQUEST_PRESENTER(id): idle->granted(id) or an idempotent
// re-grant to the same id both reply PRESENTER_OK; any other id while
// granted replies PRESENTER_DENIED with no state change.
func (a *PresenterArbiter) Request(id uint32) bool {
	a.mu.Lock()
	grant := a.current == 0 || a.current == id
	if grant {
		changed := a.current != id
		a.current = id
		a.mu.Unlock()
		if changed {
			a.router.BroadcastPresenter(formatID(id))
		}
		return true
	}
	a.mu.Unlock()
	return false
}

// Release handles RELEASE_PRESENTER(id): only the current presenter may
// release, transitioning granted(id)->idle.
func (a *PresenterArbiter) Release(id uint32) {
	a.mu.Lock()
	if a.current != id {
		a.mu.Unlock()
		return
	}
	a.current = 0
	a.mu.Unlock()
	a.router.BroadcastPresenter("NONE")
}

// ParticipantGone handles control_conn_closed(id) / participant_removed(id):
// if id held the presenter lock, it is released unconditionally.
func (a *PresenterArbiter) ParticipantGone(id uint32) {
	a.mu.Lock()
	if a.current != id {
		a.mu.Unlock()
		return
	}
	a.current = 0
	a.mu.Unlock()
	a.router.BroadcastPresenter("NONE")
}

// Current returns the present presenter id, or 0 if idle.
func (a *PresenterArbiter) Current() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// ScreenRouter fans out screen-share frames from the current presenter
// only, dropping frames from anyone else and frames over the configured
// size ceiling (spec §4.6).
type ScreenRouter struct {
	reg      *Registry
	arbiter  *PresenterArbiter
	fanout   *Fanout
	ceiling  int
}

// NewScreenRouter constructs a router sending replicated frames on conn.
func NewScreenRouter(reg *Registry, arbiter *PresenterArbiter, conn net.PacketConn) *ScreenRouter {
	return &ScreenRouter{reg: reg, arbiter: arbiter, fanout: NewFanout(conn), ceiling: defaultScreenDatagramCeiling}
}

// HandleDatagram processes one inbound screen-data datagram from src.
func (s *ScreenRouter) HandleDatagram(buf []byte, src net.Addr, now time.Time) {
	if len(buf) > s.ceiling {
		return
	}
	publisherID, _, err := wire.SplitDatagram(buf)
	if err != nil {
		return
	}
	if publisherID != s.arbiter.Current() {
		return // not the active presenter: dropped silently
	}

	boundID, ok := s.reg.ResolveByDatagram(ScreenPlane, src)
	if !ok {
		if !s.reg.BindDatagram(ScreenPlane, publisherID, src, now) {
			return
		}
		boundID = publisherID
	} else {
		s.reg.Touch(ScreenPlane, boundID, now)
	}
	if boundID != publisherID {
		return
	}

	presenter, ok := s.reg.Get(boundID)
	if !ok {
		return
	}

	frame := append([]byte(nil), buf...)
	for _, p := range s.reg.Snapshot() {
		if p.ID == boundID {
			continue // never echo to the presenter (spec §4.6, §9)
		}
		if p.ChannelID != presenter.ChannelID {
			continue // fan-out is scoped to the presenter's channel
		}
		addr, ok := p.Endpoint(ScreenPlane)
		if !ok {
			continue
		}
		s.fanout.SendTo(p.ID, addr, frame)
	}
}
