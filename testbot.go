package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"
	"time"

	"confserver/internal/mixer"
	"confserver/internal/wire"
)

// RunTestBot registers a synthetic participant and publishes a continuous
// sine-wave tone on the audio plane, adapted from the teacher's virtual
// test client for manual diagnostics (SPEC_FULL §12). It runs until done
// is closed or the control connection is lost.
func RunTestBot(controlAddr, audioAddr, username string, toneHz float64, done <-chan struct{}) error {
	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		return fmt.Errorf("testbot: dial control: %w", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "REGISTER:%s\n", username)
	r := bufio.NewReader(conn)
	idLine, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("testbot: reading ID: %w", err)
	}
	var id uint32
	if _, err := fmt.Sscanf(idLine, "ID:%d\n", &id); err != nil {
		return fmt.Errorf("testbot: unexpected ID line %q: %w", idLine, err)
	}

	// Drain everything else on the control connection so the server is
	// never blocked writing to an unread socket buffer.
	go func() {
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	audioConn, err := net.Dial("udp", audioAddr)
	if err != nil {
		return fmt.Errorf("testbot: dial audio: %w", err)
	}
	defer audioConn.Close()

	log.Printf("[testbot] %s registered id=%d, publishing %.0fHz tone", username, id, toneHz)

	ticker := time.NewTicker(mixer.TickInterval)
	defer ticker.Stop()
	var phase float64
	const amplitude = 8000
	step := 2 * math.Pi * toneHz / mixer.SampleRate

	buf := make([]byte, wire.PrefixLen+mixer.ChunkSamples*2)
	wire.PutPrefix(buf, id)
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			for i := 0; i < mixer.ChunkSamples; i++ {
				sample := int16(amplitude * math.Sin(phase))
				binary.LittleEndian.PutUint16(buf[wire.PrefixLen+i*2:wire.PrefixLen+i*2+2], uint16(sample))
				phase += step
			}
			if _, err := audioConn.Write(buf); err != nil {
				return fmt.Errorf("testbot: write audio: %w", err)
			}
		}
	}
}
