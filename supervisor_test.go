package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.ControlPort = 0
	cfg.VideoPort = 0
	cfg.AudioPort = 0
	cfg.ScreenControlPort = 0
	cfg.ScreenDataPort = 0
	cfg.FilePort = 0
	cfg.RateLimit = 1000
	return cfg
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	id   uint32
}

func registerClient(t *testing.T, addr net.Addr, username string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	fmt.Fprintf(conn, "REGISTER:%s\n", username)

	idLine := c.readLine()
	if _, err := fmt.Sscanf(idLine, "ID:%d\n", &c.id); err != nil {
		t.Fatalf("unexpected ID line %q: %v", idLine, err)
	}
	c.readLine() // ROSTER
	for {
		if line := c.readLine(); line == "HISTORY_END\n" {
			break
		}
	}
	return c
}

func (c *testClient) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read line: %v", err)
	}
	return line
}

func (c *testClient) send(line string) {
	_, _ = fmt.Fprint(c.conn, line)
}

func startTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := NewSupervisor(testConfig())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestScenarioS1TwoClientGroupChatEcho(t *testing.T) {
	s := startTestSupervisor(t)
	alice := registerClient(t, s.ControlAddr(), "Alice")
	bob := registerClient(t, s.ControlAddr(), "Bob")

	alice.send("CHAT_MESSAGE:hi\n")

	wantPrefix := fmt.Sprintf("CHAT:%d:Alice:", alice.id)
	lineOnAlice := drainUntilPrefix(alice, wantPrefix)
	lineOnBob := drainUntilPrefix(bob, wantPrefix)
	if !strings.HasSuffix(lineOnAlice, "hi\n") || !strings.HasSuffix(lineOnBob, "hi\n") {
		t.Fatalf("alice=%q bob=%q", lineOnAlice, lineOnBob)
	}
}

func drainUntilPrefix(c *testClient, prefix string) string {
	for i := 0; i < 10; i++ {
		line := c.readLine()
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	c.t.Fatalf("never saw line with prefix %q", prefix)
	return ""
}

func TestScenarioS2PrivateMessage(t *testing.T) {
	s := startTestSupervisor(t)
	alice := registerClient(t, s.ControlAddr(), "Alice")
	bob := registerClient(t, s.ControlAddr(), "Bob")
	charlie := registerClient(t, s.ControlAddr(), "Charlie")

	alice.send(fmt.Sprintf("PRIVATE_CHAT:%d:hello b\n", bob.id))

	wantPrefix := fmt.Sprintf("PRIVATE:%d:Alice:", alice.id)
	drainUntilPrefix(alice, wantPrefix)
	drainUntilPrefix(bob, wantPrefix)

	_ = charlie.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if line, err := charlie.r.ReadString('\n'); err == nil && strings.HasPrefix(line, "PRIVATE:") {
		t.Fatalf("charlie should not receive the private message, got %q", line)
	}
}

func TestScenarioS4PresenterTakeoverRace(t *testing.T) {
	s := startTestSupervisor(t)
	alice := registerClient(t, s.ControlAddr(), "Alice")
	bob := registerClient(t, s.ControlAddr(), "Bob")

	scAlice, err := net.Dial("tcp", s.ScreenControlAddr().String())
	if err != nil {
		t.Fatalf("dial screen-control: %v", err)
	}
	scBob, err := net.Dial("tcp", s.ScreenControlAddr().String())
	if err != nil {
		t.Fatalf("dial screen-control: %v", err)
	}
	fmt.Fprintf(scAlice, "HELLO:%d\n", alice.id)
	fmt.Fprintf(scBob, "HELLO:%d\n", bob.id)

	raAlice := bufio.NewReader(scAlice)
	raBob := bufio.NewReader(scBob)

	fmt.Fprint(scAlice, "REQUEST_PRESENTER\n")
	fmt.Fprint(scBob, "REQUEST_PRESENTER\n")

	_ = scAlice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = scBob.SetReadDeadline(time.Now().Add(2 * time.Second))
	replyA, _ := raAlice.ReadString('\n')
	replyB, _ := raBob.ReadString('\n')

	oks := 0
	if replyA == linePresenterOK {
		oks++
	}
	if replyB == linePresenterOK {
		oks++
	}
	if oks != 1 {
		t.Fatalf("expected exactly one PRESENTER_OK, replyA=%q replyB=%q", replyA, replyB)
	}

	drainUntilPrefix(alice, "PRESENTER:")
	drainUntilPrefix(bob, "PRESENTER:")
}

func TestScenarioS6DisconnectCascadeReleasesPresenter(t *testing.T) {
	s := startTestSupervisor(t)
	alice := registerClient(t, s.ControlAddr(), "Alice")
	bob := registerClient(t, s.ControlAddr(), "Bob")

	scAlice, _ := net.Dial("tcp", s.ScreenControlAddr().String())
	fmt.Fprintf(scAlice, "HELLO:%d\n", alice.id)
	raAlice := bufio.NewReader(scAlice)
	fmt.Fprint(scAlice, "REQUEST_PRESENTER\n")
	_ = scAlice.SetReadDeadline(time.Now().Add(2 * time.Second))
	if reply, _ := raAlice.ReadString('\n'); reply != linePresenterOK {
		t.Fatalf("alice should become presenter, got %q", reply)
	}
	drainUntilPrefix(bob, "PRESENTER:")

	alice.conn.Close()

	drainUntilPrefix(bob, "PRESENTER:NONE")
	drainUntilPrefix(bob, "SYSTEM:")

	scBob, _ := net.Dial("tcp", s.ScreenControlAddr().String())
	fmt.Fprintf(scBob, "HELLO:%d\n", bob.id)
	raBob := bufio.NewReader(scBob)
	fmt.Fprint(scBob, "REQUEST_PRESENTER\n")
	_ = scBob.SetReadDeadline(time.Now().Add(2 * time.Second))
	if reply, _ := raBob.ReadString('\n'); reply != linePresenterOK {
		t.Fatalf("bob should be able to become presenter after alice's disconnect cascade, got %q", reply)
	}
}

func TestMaxUsersPlusOneRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUsers = 2
	s := NewSupervisor(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)

	registerClient(t, s.ControlAddr(), "a")
	registerClient(t, s.ControlAddr(), "b")

	conn, err := net.Dial("tcp", s.ControlAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprint(conn, "REGISTER:c\n")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "ERROR:") {
		t.Fatalf("expected ERROR line for third admit, got %q err=%v", line, err)
	}
	if s.reg.Count() != 2 {
		t.Fatalf("incumbents affected: count = %d", s.reg.Count())
	}
}
