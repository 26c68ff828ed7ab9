package main

import (
	"errors"
	"net"
	"sync"
	"time"
)

// mockPacketConn is a hand-rolled net.PacketConn recording every WriteTo
// call, matching the teacher's preference for simple mocks over a mocking
// library.
type mockPacketConn struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	failTo  map[string]bool
}

func newMockPacketConn() *mockPacketConn {
	return &mockPacketConn{sent: make(map[string][][]byte), failTo: make(map[string]bool)}
}

func (m *mockPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTo[addr.String()] {
		return 0, errors.New("simulated write failure")
	}
	cp := append([]byte(nil), p...)
	m.sent[addr.String()] = append(m.sent[addr.String()], cp)
	return len(p), nil
}

func (m *mockPacketConn) received(addr string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[addr]
}

func (m *mockPacketConn) setFail(addr string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTo[addr] = fail
}

func (m *mockPacketConn) ReadFrom(p []byte) (int, net.Addr, error) { return 0, nil, errors.New("unused") }
func (m *mockPacketConn) Close() error                             { return nil }
func (m *mockPacketConn) LocalAddr() net.Addr                      { return fakeAddr("mock:0") }
func (m *mockPacketConn) SetDeadline(t time.Time) error            { return nil }
func (m *mockPacketConn) SetReadDeadline(t time.Time) error        { return nil }
func (m *mockPacketConn) SetWriteDeadline(t time.Time) error       { return nil }
