package main

import (
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// RunMetrics periodically logs a one-line summary of server activity,
// matching the teacher's metrics.go cadence and format (SPEC_FULL §10).
func RunMetrics(s *Supervisor, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Printf("[metrics] participants=%d presenter=%d video_dropped=%s audio_dropped=%s screen_dropped=%s files=%s",
				s.reg.Count(),
				s.presenter.Current(),
				humanize.Comma(int64(s.video.fanout.Dropped())),
				humanize.Comma(int64(s.audio.fanout.Dropped())),
				humanize.Comma(int64(s.screen.fanout.Dropped())),
				humanize.Comma(int64(len(s.catalog.List()))),
			)
		}
	}
}
