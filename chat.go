package main

import (
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"confserver/internal/clock"
)

// ChatMessage is one entry in the in-memory, append-only chat history
// (spec §3 ChatMessage / ChatHistory).
type ChatMessage struct {
	Seq            uint64
	Kind           string // "group", "private", or "system"
	SenderID       uint32
	SenderName     string
	Recipients     []uint32
	RecipientNames string // comma-joined, excluding the sender; "private" only
	Body           string
	Timestamp      string
	ChannelID      int
	Deleted        bool

	mu        sync.Mutex
	reactions map[string]map[uint32]bool
}

// AddReaction records reactorID's emoji reaction, idempotently.
func (m *ChatMessage) AddReaction(emoji string, reactorID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactions == nil {
		m.reactions = make(map[string]map[uint32]bool)
	}
	if m.reactions[emoji] == nil {
		m.reactions[emoji] = make(map[uint32]bool)
	}
	m.reactions[emoji][reactorID] = true
}

// RemoveReaction undoes a prior reaction, if any.
func (m *ChatMessage) RemoveReaction(emoji string, reactorID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.reactions[emoji]; ok {
		delete(set, reactorID)
	}
}

// ChatHistory is the append-only, in-memory transcript of every chat and
// system message, bounded at maxMsgHistory entries (spec §9 Open
// Questions: "an implementation may impose a ring-buffer bound").
type ChatHistory struct {
	mu       sync.Mutex
	messages []*ChatMessage
	bySeq    map[uint64]*ChatMessage
	nextSeq  uint64
	pinned   map[int][]uint64 // channel id -> pinned message seqs
}

func newChatHistory() *ChatHistory {
	return &ChatHistory{
		bySeq:  make(map[uint64]*ChatMessage),
		pinned: make(map[int][]uint64),
	}
}

func (h *ChatHistory) append(msg *ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	msg.Seq = h.nextSeq
	h.messages = append(h.messages, msg)
	h.bySeq[msg.Seq] = msg
	if len(h.messages) > maxMsgHistory {
		evicted := h.messages[0]
		delete(h.bySeq, evicted.Seq)
		h.messages = h.messages[1:]
	}
}

func (h *ChatHistory) snapshot() []*ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*ChatMessage, 0, len(h.messages))
	for _, m := range h.messages {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

func (h *ChatHistory) get(seq uint64) (*ChatMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.bySeq[seq]
	return m, ok
}

func (h *ChatHistory) pin(channelID int, seq uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.bySeq[seq]; !ok {
		return false
	}
	list := h.pinned[channelID]
	for _, s := range list {
		if s == seq {
			return true
		}
	}
	if len(list) >= maxPinnedPerChannel {
		list = list[1:]
	}
	h.pinned[channelID] = append(list, seq)
	return true
}

func (h *ChatHistory) unpin(channelID int, seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.pinned[channelID]
	for i, s := range list {
		if s == seq {
			h.pinned[channelID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Search returns, most-recent-first, every non-deleted message in channelID
// whose body contains query (case-insensitive substring match).
func (h *ChatHistory) Search(channelID int, query string) []*ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := strings.ToLower(query)
	var out []*ChatMessage
	for i := len(h.messages) - 1; i >= 0; i-- {
		m := h.messages[i]
		if m.Deleted || m.ChannelID != channelID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Body), q) {
			out = append(out, m)
		}
	}
	return out
}

// ChatRouter delivers chat and system events over each participant's
// control connection (spec §4.3 Chat & Notification Router). Sends are
// individually bounded so a single slow recipient cannot stall delivery to
// others (spec §8 property 9, §5 liveness invariant ii).
type ChatRouter struct {
	reg     *Registry
	clock   clock.Clock
	history *ChatHistory

	mu         sync.Mutex
	slowMode   map[int]time.Duration
	lastSentAt map[uint32]time.Time
	channels   map[int]string
	nextChanID int

	// onPeerGone is invoked (outside any router lock) when a write to a
	// participant's control connection fails, so the caller can cascade
	// the removal described in spec §3.
	onPeerGone func(id uint32)
}

// NewChatRouter constructs a router bound to reg, with an empty history and
// a single default channel 0 ("general"), the lobby (SPEC_FULL §12).
func NewChatRouter(reg *Registry) *ChatRouter {
	return &ChatRouter{
		reg:        reg,
		history:    newChatHistory(),
		slowMode:   make(map[int]time.Duration),
		lastSentAt: make(map[uint32]time.Time),
		channels:   map[int]string{0: "general"},
	}
}

// writeLine writes line to conn under a bounded deadline, matching spec
// §5's "writes may block within a per-recipient bounded window; if
// exceeded, the recipient is deemed dead and removed."
func writeLine(conn net.Conn, line string) error {
	if conn == nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	_, err := conn.Write([]byte(line))
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}

func (r *ChatRouter) deliver(p *Participant, line string) {
	if err := writeLine(p.ControlConn, line); err != nil {
		log.Printf("[chat] write failed id=%d: %v", p.ID, err)
		if r.onPeerGone != nil {
			r.onPeerGone(p.ID)
		}
	}
}

// broadcast sends line to every participant in the live roster snapshot.
func (r *ChatRouter) broadcast(line string) {
	for _, p := range r.reg.Snapshot() {
		r.deliver(p, line)
	}
}

// CheckSlowMode reports whether senderID may post in channelID right now,
// per any configured per-channel cooldown (SPEC_FULL §12).
func (r *ChatRouter) CheckSlowMode(channelID int, senderID uint32, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cooldown, ok := r.slowMode[channelID]
	if !ok || cooldown <= 0 {
		return true
	}
	last, ok := r.lastSentAt[senderID]
	if ok && now.Sub(last) < cooldown {
		return false
	}
	r.lastSentAt[senderID] = now
	return true
}

// SetSlowMode configures channelID's chat cooldown.
func (r *ChatRouter) SetSlowMode(channelID int, seconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slowMode[channelID] = time.Duration(seconds) * time.Second
}

// BroadcastGroup delivers body to every participant including senderID
// (echo confirms send) and appends it to history (spec §4.3).
func (r *ChatRouter) BroadcastGroup(senderID uint32, channelID int, body string) {
	sender, ok := r.reg.Get(senderID)
	if !ok {
		return
	}
	now := time.Now()
	ts := r.clock.HHMMSS(now)
	msg := &ChatMessage{
		Kind:       "group",
		SenderID:   senderID,
		SenderName: sender.Username,
		Body:       body,
		Timestamp:  ts,
		ChannelID:  channelID,
	}
	r.history.append(msg)
	line := lineChat(senderID, sender.Username, ts, body)
	r.broadcast(line)
}

// SendPrivate delivers body to every id in recipientIDs plus the sender
// (spec §4.3 send_private). Unknown ids are silently ignored.
func (r *ChatRouter) SendPrivate(senderID uint32, recipientIDs []uint32, body string) {
	sender, ok := r.reg.Get(senderID)
	if !ok {
		return
	}
	now := time.Now()
	ts := r.clock.HHMMSS(now)

	var names []string
	var resolved []uint32
	seen := map[uint32]bool{senderID: true}
	for _, id := range recipientIDs {
		if seen[id] {
			continue
		}
		if p, ok := r.reg.Get(id); ok {
			names = append(names, p.Username)
			resolved = append(resolved, id)
			seen[id] = true
		}
	}

	recipientNames := strings.Join(names, ",")
	msg := &ChatMessage{
		Kind:           "private",
		SenderID:       senderID,
		SenderName:     sender.Username,
		Recipients:     append(resolved, senderID),
		RecipientNames: recipientNames,
		Body:           body,
		Timestamp:      ts,
	}
	r.history.append(msg)

	line := linePrivate(senderID, sender.Username, ts, recipientNames, body)
	r.deliver(sender, line)
	for _, id := range resolved {
		if p, ok := r.reg.Get(id); ok {
			r.deliver(p, line)
		}
	}
}

// EmitSystem delivers body to every live participant and appends it to
// history as a sender-less system message (spec §4.3 emit_system).
func (r *ChatRouter) EmitSystem(body string) {
	now := time.Now()
	msg := &ChatMessage{
		Kind:      "system",
		Body:      body,
		Timestamp: r.clock.HHMMSS(now),
	}
	r.history.append(msg)
	r.broadcast(lineSystem(body))
}

// BroadcastPresenter emits a PRESENTER: line naming either an id or NONE.
func (r *ChatRouter) BroadcastPresenter(idOrNone string) {
	r.broadcast(linePresenter(idOrNone))
}

// BroadcastRoster emits a ROSTER: line reflecting the current live set.
func (r *ChatRouter) BroadcastRoster() {
	r.broadcast(lineRoster(r.reg.Roster()))
}

// BroadcastFileOffer emits a FILE_OFFER: notification to every participant.
func (r *ChatRouter) BroadcastFileOffer(fileID uint32, filename string, size int64, uploaderName string, uploaderID uint32) {
	r.broadcast(lineFileOffer(fileID, filename, size, uploaderName, uploaderID))
}

// BroadcastFileDeleted emits a FILE_DELETED: notification.
func (r *ChatRouter) BroadcastFileDeleted(fileID uint32) {
	r.broadcast(lineFileDeleted(fileID))
}

// SendHistory streams the full retained transcript to p, bracketed by
// HISTORY_BEGIN/HISTORY_END (spec §4.3 send_history). System messages are
// rendered the same way they were broadcast live.
func (r *ChatRouter) SendHistory(p *Participant) {
	r.deliver(p, lineHistoryBegin())
	for _, m := range r.history.snapshot() {
		switch m.Kind {
		case "group":
			r.deliver(p, lineChat(m.SenderID, m.SenderName, m.Timestamp, m.Body))
		case "private":
			if !containsID(m.Recipients, p.ID) {
				continue
			}
			r.deliver(p, linePrivate(m.SenderID, m.SenderName, m.Timestamp, m.RecipientNames, m.Body))
		case "system":
			r.deliver(p, lineSystem(m.Body))
		}
	}
	r.deliver(p, lineHistoryEnd())
}

func containsID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// EditMessage rewrites seq's body if senderID owns it (SPEC_FULL §12).
func (r *ChatRouter) EditMessage(senderID uint32, seq uint64, newBody string) bool {
	m, ok := r.history.get(seq)
	if !ok || m.Deleted || m.SenderID != senderID {
		return false
	}
	m.Body = newBody
	return true
}

// DeleteMessage marks seq deleted if senderID is its author or the room
// owner (SPEC_FULL §12).
func (r *ChatRouter) DeleteMessage(senderID uint32, seq uint64) bool {
	m, ok := r.history.get(seq)
	if !ok || m.Deleted {
		return false
	}
	if m.SenderID != senderID && r.reg.Owner() != senderID {
		return false
	}
	m.Deleted = true
	return true
}

// React records reactorID's emoji reaction to seq.
func (r *ChatRouter) React(seq uint64, emoji string, reactorID uint32) bool {
	m, ok := r.history.get(seq)
	if !ok || m.Deleted {
		return false
	}
	m.AddReaction(emoji, reactorID)
	return true
}

// Unreact undoes a prior reaction.
func (r *ChatRouter) Unreact(seq uint64, emoji string, reactorID uint32) bool {
	m, ok := r.history.get(seq)
	if !ok {
		return false
	}
	m.RemoveReaction(emoji, reactorID)
	return true
}

// Pin adds seq to channelID's pinned list.
func (r *ChatRouter) Pin(channelID int, seq uint64) bool { return r.history.pin(channelID, seq) }

// Unpin removes seq from channelID's pinned list.
func (r *ChatRouter) Unpin(channelID int, seq uint64) { r.history.unpin(channelID, seq) }

// sortedChannelIDs returns, in ascending order, the ids of every channel
// that has a slow-mode setting.
func (r *ChatRouter) sortedChannelIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.slowMode))
	for id := range r.slowMode {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// CreateChannel adds a new named channel (owner-only at the call site) and
// returns its assigned id (SPEC_FULL §12 channel CRUD).
func (r *ChatRouter) CreateChannel(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextChanID++
	r.channels[r.nextChanID] = name
	return r.nextChanID
}

// RenameChannel renames an existing channel, returning false if id is
// unknown.
func (r *ChatRouter) RenameChannel(id int, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return false
	}
	r.channels[id] = name
	return true
}

// DeleteChannel removes a channel. Channel 0 (the lobby) may never be
// deleted.
func (r *ChatRouter) DeleteChannel(id int) bool {
	if id == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; !ok {
		return false
	}
	delete(r.channels, id)
	delete(r.slowMode, id)
	return true
}

// ChannelName returns id's display name, or "" if unknown.
func (r *ChatRouter) ChannelName(id int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.channels[id]
	return name, ok
}

// Channels returns a stable-ordered snapshot of channel id/name pairs.
func (r *ChatRouter) Channels() []RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RosterEntry, 0, len(r.channels))
	for id, name := range r.channels {
		out = append(out, RosterEntry{ID: uint32(id), Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
