// Package clock provides the server's monotonic identifier allocators and
// timestamp helpers: a 32-bit client id counter, a 32-bit file id counter,
// and wall-clock formatting for chat/file metadata.
package clock

import (
	"sync/atomic"
	"time"
)

// IDAllocator hands out monotonically increasing 32-bit ids. It never
// reuses an id within a server run and never wraps within realistic runs.
type IDAllocator struct {
	next atomic.Uint32
}

// Next returns the next id, starting at 1 (0 is reserved to mean "none").
func (a *IDAllocator) Next() uint32 {
	return a.next.Add(1)
}

// Clock is the server's time source: wall-clock strings for chat/file
// metadata, monotonic instants for staleness eviction.
type Clock struct{}

// Now returns the current monotonic instant, suitable for staleness checks.
func (Clock) Now() time.Time {
	return time.Now()
}

// HHMMSS renders t as an HH:MM:SS wall-clock string for chat timestamps.
func (Clock) HHMMSS(t time.Time) string {
	return t.Format("15:04:05")
}

// UnixMilli returns t as Unix milliseconds.
func (Clock) UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}
