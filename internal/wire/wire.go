// Package wire implements the server's on-the-wire framing: the
// 4-byte big-endian publisher id prefix shared by the video, audio, and
// screen datagram planes, and the line-oriented ASCII helpers used by the
// control, screen-control, and file-transfer stream planes.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PrefixLen is the size of the publisher id prefix on every media datagram.
const PrefixLen = 4

// ErrShortDatagram is returned when a datagram is too small to carry a
// publisher id prefix.
var ErrShortDatagram = errors.New("wire: datagram shorter than id prefix")

// SplitDatagram parses the 4-byte big-endian publisher id prefix off the
// front of a media datagram (video, audio, or screen-data plane) and
// returns the id and the remaining payload, which aliases buf.
func SplitDatagram(buf []byte) (publisherID uint32, payload []byte, err error) {
	if len(buf) < PrefixLen {
		return 0, nil, ErrShortDatagram
	}
	return binary.BigEndian.Uint32(buf[:PrefixLen]), buf[PrefixLen:], nil
}

// PutPrefix writes publisherID as a 4-byte big-endian prefix into the front
// of buf, which must have length >= PrefixLen.
func PutPrefix(buf []byte, publisherID uint32) {
	binary.BigEndian.PutUint32(buf[:PrefixLen], publisherID)
}

// AppendDatagram returns a new buffer containing the 4-byte big-endian
// publisherID prefix followed by payload.
func AppendDatagram(publisherID uint32, payload []byte) []byte {
	out := make([]byte, PrefixLen+len(payload))
	PutPrefix(out, publisherID)
	copy(out[PrefixLen:], payload)
	return out
}

// ReadLine reads one newline-terminated ASCII line from r, stripping the
// trailing \n (and a preceding \r if present). It never reads past the
// first newline, matching the "ASCII header + binary body" discipline
// required before a stream switches to raw byte mode (file transfer).
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// SplitFields splits a line-oriented message into n fields separated by
// ':', where the last field is read verbatim to end-of-line (it may itself
// contain ':'). Returns an error if fewer than n fields are present.
func SplitFields(line string, n int) ([]string, error) {
	parts := strings.SplitN(line, ":", n)
	if len(parts) < n {
		return nil, fmt.Errorf("wire: expected %d fields, got %d", n, len(parts))
	}
	return parts, nil
}

// ParseUint32 parses a decimal participant/file id field.
func ParseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("wire: invalid id %q: %w", s, err)
	}
	return uint32(v), nil
}

// ParseUint32List parses a comma-separated list of decimal ids, as used by
// PRIVATE_CHAT's recipient list. Malformed entries are skipped rather than
// failing the whole list, matching spec's "unknown ids are ignored".
func ParseUint32List(s string) []uint32 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		v, err := ParseUint32(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// JoinUint32List renders ids as a comma-separated decimal list.
func JoinUint32List(ids []uint32) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return b.String()
}
