package main

import "time"

// Default port assignments for the six logical endpoints (spec §6.1).
const (
	defaultControlPort       = 5000
	defaultVideoPort         = 5001
	defaultAudioPort         = 5002
	defaultScreenControlPort = 5003
	defaultScreenDataPort    = 5004
	defaultFilePort          = 5005
)

// Roster and connection accounting.
const (
	defaultMaxUsers  = 10
	maxUsernameLen   = 64
	defaultPerIPLimit = 4
)

// Registration and transfer timing windows (spec §5 Cancellation & timeouts).
const (
	registrationWindow = 5 * time.Second
	uploadIdleWindow   = 30 * time.Second
	downloadWriteTimeout = 30 * time.Second
	datagramRebindGrace  = 5 * time.Second
	sendTimeout          = 50 * time.Millisecond
)

// File transfer limits.
const (
	defaultMaxFileSize = 100 * 1024 * 1024 // 100 MiB
)

// Screen datagram size ceiling (spec §4.6).
const defaultScreenDatagramCeiling = 65000

// Circuit breaker for per-subscriber media fan-out (grounded in the
// teacher's client.go sendHealth).
const (
	circuitBreakerThreshold     = 50
	circuitBreakerProbeInterval = 25
)

// Chat history and message bookkeeping.
const (
	maxMsgHistory       = 10000
	maxPinnedPerChannel = 25
)
