package main

import (
	"bufio"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"confserver/internal/wire"
)

// Config holds the supervisor's startup parameters (spec §4.1 start(config)).
type Config struct {
	BindAddr          string
	ControlPort       int
	VideoPort         int
	AudioPort         int
	ScreenControlPort int
	ScreenDataPort    int
	FilePort          int

	MaxUsers   int
	PerIPLimit int
	RateLimit  rate.Limit // control messages per second, per participant
}

// DefaultConfig returns the spec's documented port and capacity defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:          "0.0.0.0",
		ControlPort:       defaultControlPort,
		VideoPort:         defaultVideoPort,
		AudioPort:         defaultAudioPort,
		ScreenControlPort: defaultScreenControlPort,
		ScreenDataPort:    defaultScreenDataPort,
		FilePort:          defaultFilePort,
		MaxUsers:          defaultMaxUsers,
		PerIPLimit:        defaultPerIPLimit,
		RateLimit:         20,
	}
}

// Supervisor owns the lifecycle of all six endpoints and the components
// wired to them (spec §4.1 Connection Supervisor).
type Supervisor struct {
	cfg Config

	reg           *Registry
	router        *ChatRouter
	video         *VideoRouter
	audio         *AudioEngine
	presenter     *PresenterArbiter
	screen        *ScreenRouter
	catalog       *Catalog
	fileHandler   *FileTransferHandler
	linkPreviews  *linkPreviewCache

	controlLn       net.Listener
	screenControlLn net.Listener
	fileLn          net.Listener
	videoConn       net.PacketConn
	audioConn       net.PacketConn
	screenConn      net.PacketConn

	ipMu   sync.Mutex
	ipConn map[string]int

	limiterMu sync.Mutex
	limiters  map[uint32]*rate.Limiter

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSupervisor wires every component against a shared registry, per cfg.
func NewSupervisor(cfg Config) *Supervisor {
	reg := NewRegistry(cfg.MaxUsers)
	router := NewChatRouter(reg)
	s := &Supervisor{
		cfg:          cfg,
		reg:          reg,
		router:       router,
		catalog:      NewCatalog(),
		ipConn:       make(map[string]int),
		limiters:     make(map[uint32]*rate.Limiter),
		linkPreviews: newLinkPreviewCache(),
		stopCh:       make(chan struct{}),
	}
	s.presenter = NewPresenterArbiter(router)
	s.fileHandler = NewFileTransferHandler(reg, s.catalog, router)
	router.onPeerGone = s.removeParticipant
	return s
}

// Start binds all six endpoints. Any bind failure unwinds every endpoint
// already bound and returns a BindError (spec §4.1).
func (s *Supervisor) Start() error {
	type bound struct {
		closer func() error
	}
	var opened []bound
	unwind := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].closer()
		}
	}

	bindTCP := func(port int) (net.Listener, error) {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(port)))
		if err != nil {
			return nil, err
		}
		opened = append(opened, bound{closer: ln.Close})
		return ln, nil
	}
	bindUDP := func(port int) (net.PacketConn, error) {
		conn, err := net.ListenPacket("udp", net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(port)))
		if err != nil {
			return nil, err
		}
		opened = append(opened, bound{closer: conn.Close})
		return conn, nil
	}

	var err error
	if s.controlLn, err = bindTCP(s.cfg.ControlPort); err != nil {
		unwind()
		return wrapErr(KindBind, "control port", err)
	}
	if s.screenControlLn, err = bindTCP(s.cfg.ScreenControlPort); err != nil {
		unwind()
		return wrapErr(KindBind, "screen-control port", err)
	}
	if s.fileLn, err = bindTCP(s.cfg.FilePort); err != nil {
		unwind()
		return wrapErr(KindBind, "file port", err)
	}
	if s.videoConn, err = bindUDP(s.cfg.VideoPort); err != nil {
		unwind()
		return wrapErr(KindBind, "video port", err)
	}
	if s.audioConn, err = bindUDP(s.cfg.AudioPort); err != nil {
		unwind()
		return wrapErr(KindBind, "audio port", err)
	}
	if s.screenConn, err = bindUDP(s.cfg.ScreenDataPort); err != nil {
		unwind()
		return wrapErr(KindBind, "screen-data port", err)
	}

	s.video = NewVideoRouter(s.reg, s.videoConn)
	s.audio = NewAudioEngine(s.reg, s.audioConn)
	s.screen = NewScreenRouter(s.reg, s.presenter, s.screenConn)

	s.wg.Add(1)
	go s.acceptLoop(s.controlLn, s.handleControlConn, "control")
	s.wg.Add(1)
	go s.acceptLoop(s.screenControlLn, s.handleScreenControlConn, "screen-control")
	s.wg.Add(1)
	go s.acceptLoop(s.fileLn, s.fileHandler.HandleConn, "file")

	s.wg.Add(1)
	go s.datagramLoop(s.videoConn, s.video.HandleDatagram, "video")
	s.wg.Add(1)
	go s.datagramLoop(s.audioConn, s.audio.HandleDatagram, "audio")
	s.wg.Add(1)
	go s.datagramLoop(s.screenConn, s.screen.HandleDatagram, "screen-data")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.audio.Run(s.stopCh)
	}()

	log.Printf("[supervisor] listening control=%d video=%d audio=%d screen-control=%d screen-data=%d file=%d",
		s.cfg.ControlPort, s.cfg.VideoPort, s.cfg.AudioPort, s.cfg.ScreenControlPort, s.cfg.ScreenDataPort, s.cfg.FilePort)
	return nil
}

// Stop closes acceptors, cancels datagram loops, closes every live stream
// connection, and waits for all outstanding workers to finish (spec §4.1
// stop(), §9 shutdown order).
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, c := range []interface{ Close() error }{s.controlLn, s.screenControlLn, s.fileLn, s.videoConn, s.audioConn, s.screenConn} {
			if c != nil {
				_ = c.Close()
			}
		}
	})
	s.wg.Wait()
}

// ControlAddr returns the bound control-plane listener address, useful
// when the port was requested as 0 (ephemeral, as in tests).
func (s *Supervisor) ControlAddr() net.Addr { return s.controlLn.Addr() }

// ScreenControlAddr returns the bound screen-control listener address.
func (s *Supervisor) ScreenControlAddr() net.Addr { return s.screenControlLn.Addr() }

// FileAddr returns the bound file-transfer listener address.
func (s *Supervisor) FileAddr() net.Addr { return s.fileLn.Addr() }

// VideoAddr returns the bound video datagram socket address.
func (s *Supervisor) VideoAddr() net.Addr { return s.videoConn.LocalAddr() }

// AudioAddr returns the bound audio datagram socket address.
func (s *Supervisor) AudioAddr() net.Addr { return s.audioConn.LocalAddr() }

// ScreenDataAddr returns the bound screen-data datagram socket address.
func (s *Supervisor) ScreenDataAddr() net.Addr { return s.screenConn.LocalAddr() }

func (s *Supervisor) acceptLoop(ln net.Listener, handle func(net.Conn), label string) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("[supervisor] %s accept error: %v", label, err)
				return
			}
		}
		if !s.admitIP(conn) {
			_, _ = conn.Write([]byte(lineError("Too many connections from this address")))
			conn.Close()
			continue
		}
		trace := uuid.New().String()
		log.Printf("[supervisor] conn trace=%s plane=%s accept remote=%s", trace, label, conn.RemoteAddr())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseIP(conn)
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[supervisor] conn trace=%s plane=%s worker panic: %v", trace, label, r)
				}
			}()
			// Close the stream on shutdown so a handler blocked reading from
			// a live peer returns and Stop's wait can complete.
			finished := make(chan struct{})
			defer close(finished)
			go func() {
				select {
				case <-s.stopCh:
					_ = conn.Close()
				case <-finished:
				}
			}()
			handle(conn)
		}()
	}
}

func hostOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (s *Supervisor) admitIP(conn net.Conn) bool {
	if s.cfg.PerIPLimit <= 0 {
		return true
	}
	host := hostOf(conn)
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipConn[host] >= s.cfg.PerIPLimit {
		return false
	}
	s.ipConn[host]++
	return true
}

func (s *Supervisor) releaseIP(conn net.Conn) {
	if s.cfg.PerIPLimit <= 0 {
		return
	}
	host := hostOf(conn)
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipConn[host] > 0 {
		s.ipConn[host]--
	}
}

func (s *Supervisor) datagramLoop(conn net.PacketConn, handle func([]byte, net.Addr, time.Time), label string) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[supervisor] %s datagram worker panic: %v", label, r)
		}
	}()
	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("[supervisor] %s datagram read error: %v", label, err)
				return
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		handle(pkt, addr, time.Now())
	}
}

// handleControlConn implements the admission handshake and subsequent
// control command loop for one participant (spec §4.1, §6.2).
func (s *Supervisor) handleControlConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(registrationWindow))
	r := bufio.NewReader(conn)
	line, err := wire.ReadLine(r)
	if err != nil {
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	fields, err := wire.SplitFields(line, 2)
	if err != nil || fields[0] != tagRegister {
		_, _ = conn.Write([]byte(lineError("Expected REGISTER")))
		conn.Close()
		return
	}
	username := strings.TrimSpace(fields[1])
	if username == "" || len(username) > maxUsernameLen {
		_, _ = conn.Write([]byte(lineError("Invalid username")))
		conn.Close()
		return
	}

	p, err := s.reg.Add(username, conn, time.Now())
	if err != nil {
		_, _ = conn.Write([]byte(lineError("Room full")))
		conn.Close()
		return
	}
	log.Printf("[supervisor] admitted id=%d username=%s", p.ID, p.Username)

	s.limiterMu.Lock()
	s.limiters[p.ID] = rate.NewLimiter(s.cfg.RateLimit, int(s.cfg.RateLimit)+1)
	s.limiterMu.Unlock()

	_, _ = conn.Write([]byte(lineID(p.ID)))
	_, _ = conn.Write([]byte(lineRoster(s.reg.Roster())))
	s.router.SendHistory(p)
	s.router.EmitSystem(p.Username + " joined")
	s.router.BroadcastRoster()

	s.controlReadLoop(conn, r, p)
}

func (s *Supervisor) rateOK(id uint32) bool {
	s.limiterMu.Lock()
	lim := s.limiters[id]
	s.limiterMu.Unlock()
	if lim == nil {
		return true
	}
	return lim.Allow()
}

func (s *Supervisor) controlReadLoop(conn net.Conn, r *bufio.Reader, p *Participant) {
	for {
		line, err := wire.ReadLine(r)
		if err != nil {
			break
		}
		if !s.rateOK(p.ID) {
			continue
		}
		s.processControl(p, line)
	}
	s.removeParticipant(p.ID)
}

func (s *Supervisor) processControl(p *Participant, line string) {
	fields := strings.SplitN(line, ":", 2)
	tag := fields[0]
	rest := ""
	if len(fields) == 2 {
		rest = fields[1]
	}

	switch tag {
	case tagChatMessage:
		if s.router.CheckSlowMode(p.ChannelID, p.ID, time.Now()) {
			s.router.BroadcastGroup(p.ID, p.ChannelID, rest)
			go s.maybePreviewLink(rest)
		}
	case tagPrivateChat:
		idsAndBody := strings.SplitN(rest, ":", 2)
		if len(idsAndBody) != 2 {
			return
		}
		s.router.SendPrivate(p.ID, wire.ParseUint32List(idsAndBody[0]), idsAndBody[1])
	case tagPing:
		writeLine(p.ControlConn, linePong())
	case tagRenameServer:
		if s.reg.Owner() == p.ID {
			s.router.broadcast(lineServerInfo(rest))
		}
	case tagKick:
		s.handleKick(p, rest)
	case tagCreateChan:
		if s.reg.Owner() == p.ID {
			id := s.router.CreateChannel(rest)
			s.router.EmitSystem("channel created: " + rest + " (" + formatID(uint32(id)) + ")")
		}
	case tagRenameChan:
		s.handleRenameChannel(p, rest)
	case tagDeleteChan:
		s.handleDeleteChannel(p, rest)
	case tagReact, tagUnreact:
		s.handleReaction(p, tag, rest)
	case tagPin, tagUnpin:
		s.handlePin(p, tag, rest)
	case tagEditMsg:
		s.handleEdit(p, rest)
	case tagDeleteMsg:
		s.handleDeleteMsg(p, rest)
	case tagSetSlowMode:
		s.handleSetSlowMode(p, rest)
	}
}

func (s *Supervisor) maybePreviewLink(body string) {
	url := extractFirstURL(body)
	if url == "" {
		return
	}
	lp, err := fetchLinkPreview(s.linkPreviews, url)
	if err != nil {
		return
	}
	if lp.Title == "" && lp.Desc == "" {
		return
	}
	s.router.EmitSystem("link preview: " + lp.Title + " — " + lp.Desc)
}

func (s *Supervisor) handleKick(p *Participant, rest string) {
	if s.reg.Owner() != p.ID {
		return
	}
	id, err := wire.ParseUint32(rest)
	if err != nil {
		return
	}
	target, ok := s.reg.Get(id)
	if !ok {
		return
	}
	writeLine(target.ControlConn, lineKicked())
	_ = target.ControlConn.Close()
}

func (s *Supervisor) handleRenameChannel(p *Participant, rest string) {
	if s.reg.Owner() != p.ID {
		return
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	id, err := wire.ParseUint32(parts[0])
	if err != nil {
		return
	}
	s.router.RenameChannel(int(id), parts[1])
}

func (s *Supervisor) handleDeleteChannel(p *Participant, rest string) {
	if s.reg.Owner() != p.ID {
		return
	}
	id, err := wire.ParseUint32(rest)
	if err != nil {
		return
	}
	s.router.DeleteChannel(int(id))
}

func (s *Supervisor) handleReaction(p *Participant, tag, rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return
	}
	if tag == tagReact {
		s.router.React(seq, parts[1], p.ID)
	} else {
		s.router.Unreact(seq, parts[1], p.ID)
	}
}

func (s *Supervisor) handlePin(p *Participant, tag, rest string) {
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return
	}
	if tag == tagPin {
		s.router.Pin(p.ChannelID, seq)
	} else {
		s.router.Unpin(p.ChannelID, seq)
	}
}

func (s *Supervisor) handleEdit(p *Participant, rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return
	}
	s.router.EditMessage(p.ID, seq, parts[1])
}

func (s *Supervisor) handleDeleteMsg(p *Participant, rest string) {
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return
	}
	s.router.DeleteMessage(p.ID, seq)
}

func (s *Supervisor) handleSetSlowMode(p *Participant, rest string) {
	if s.reg.Owner() != p.ID {
		return
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	chanID, err1 := strconv.Atoi(parts[0])
	seconds, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return
	}
	s.router.SetSlowMode(chanID, seconds)
}

// handleScreenControlConn implements the REQUEST_PRESENTER/RELEASE_PRESENTER
// handshake on a dedicated stream (spec §4.6, §6.3). The Open Question on
// HELLO-vs-prior-REGISTER is resolved here as an initial HELLO:<id> line so
// the stream can be matched to its control-plane participant.
func (s *Supervisor) handleScreenControlConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(registrationWindow))
	r := bufio.NewReader(conn)
	line, err := wire.ReadLine(r)
	if err != nil {
		return
	}
	fields, err := wire.SplitFields(line, 2)
	if err != nil || fields[0] != "HELLO" {
		_, _ = conn.Write([]byte(lineError("Expected HELLO")))
		return
	}
	id, err := wire.ParseUint32(fields[1])
	if err != nil {
		return
	}
	if _, ok := s.reg.Get(id); !ok {
		_, _ = conn.Write([]byte(lineError("Unknown client_id")))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	for {
		line, err := wire.ReadLine(r)
		if err != nil {
			s.presenter.ParticipantGone(id)
			return
		}
		switch line {
		case tagRequestPresenter:
			if s.presenter.Request(id) {
				_, _ = conn.Write([]byte(linePresenterOK))
			} else {
				_, _ = conn.Write([]byte(linePresenterDenied))
			}
		case tagReleasePresenter:
			s.presenter.Release(id)
		}
	}
}

// removeParticipant cascades a control-plane closure across every plane
// (spec §3 destruction cascade): unbind endpoints, release the presenter
// lock if held, forget circuit-breaker health, and notify the room.
func (s *Supervisor) removeParticipant(id uint32) {
	p, ok := s.reg.Remove(id)
	if !ok {
		return
	}
	if p.ControlConn != nil {
		_ = p.ControlConn.Close()
	}
	s.presenter.ParticipantGone(id)
	if s.video != nil {
		s.video.fanout.forget(id)
	}
	if s.audio != nil {
		s.audio.fanout.forget(id)
	}
	if s.screen != nil {
		s.screen.fanout.forget(id)
	}
	s.limiterMu.Lock()
	delete(s.limiters, id)
	s.limiterMu.Unlock()

	s.router.EmitSystem(p.Username + " left")
	s.router.BroadcastRoster()
	log.Printf("[supervisor] removed id=%d username=%s", id, p.Username)
}
