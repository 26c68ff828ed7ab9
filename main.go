package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

func main() {
	var (
		bindAddr          = flag.String("addr", "0.0.0.0", "bind address for all endpoints")
		controlPort       = flag.Int("control-port", defaultControlPort, "control/chat plane TCP port")
		videoPort         = flag.Int("video-port", defaultVideoPort, "video plane UDP port")
		audioPort         = flag.Int("audio-port", defaultAudioPort, "audio plane UDP port")
		screenControlPort = flag.Int("screen-control-port", defaultScreenControlPort, "screen-control plane TCP port")
		screenDataPort    = flag.Int("screen-data-port", defaultScreenDataPort, "screen-data plane UDP port")
		filePort          = flag.Int("file-port", defaultFilePort, "file-transfer plane TCP port")
		adminAddr         = flag.String("admin-addr", ":8090", "admin/introspection HTTP listen address")
		maxUsers          = flag.Int("max-connections", defaultMaxUsers, "maximum concurrent participants")
		perIPLimit        = flag.Int("per-ip-limit", defaultPerIPLimit, "maximum concurrent connections per source address")
		rateLimit         = flag.Float64("rate-limit", 20, "control messages per second, per participant")
		metricsInterval   = flag.Duration("metrics-interval", 30*time.Second, "periodic metrics log interval")
		testUser          = flag.String("test-user", "", "if set, run a synthetic tone-publishing test participant with this username")
	)
	flag.Parse()

	cfg := Config{
		BindAddr:          *bindAddr,
		ControlPort:       *controlPort,
		VideoPort:         *videoPort,
		AudioPort:         *audioPort,
		ScreenControlPort: *screenControlPort,
		ScreenDataPort:    *screenDataPort,
		FilePort:          *filePort,
		MaxUsers:          *maxUsers,
		PerIPLimit:        *perIPLimit,
		RateLimit:         rate.Limit(*rateLimit),
	}

	s := NewSupervisor(cfg)
	if err := s.Start(); err != nil {
		log.Fatalf("[main] start failed: %v", err)
	}

	admin := NewAdminServer(s, *adminAddr)
	go func() {
		if err := admin.Run(); err != nil {
			log.Printf("[main] admin server stopped: %v", err)
		}
	}()

	metricsDone := make(chan struct{})
	go RunMetrics(s, *metricsInterval, metricsDone)

	if *testUser != "" {
		go func() {
			controlAddr := net.JoinHostPort(*bindAddr, strconv.Itoa(*controlPort))
			audioAddr := net.JoinHostPort(*bindAddr, strconv.Itoa(*audioPort))
			if err := RunTestBot(controlAddr, audioAddr, *testUser, 440, metricsDone); err != nil {
				log.Printf("[main] testbot stopped: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("[main] shutting down")
	close(metricsDone)
	_ = admin.Close()
	s.Stop()
}
