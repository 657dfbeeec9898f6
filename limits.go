package main

import "time"

// Operational limits — named constants for values that would otherwise be
// scattered across multiple source files.

// Room / registry limits (§3, §4.5).
const (
	maxReceiversPerRoom   = 4
	maxTrackList          = 100
	maxChatHistory        = 200
	roomIDLength          = 7
	receiverIDLength      = 8
	roomSweepInterval     = 15 * time.Minute
	roomRetentionAfterEnd = 24 * time.Hour
)

// Field length caps (§3.1).
const (
	maxMetadataTextLen = 200
	maxCoverURLLen     = 500
	maxTrackFieldLen   = 500
	maxChatNameLen     = 50
	maxChatTextLen     = 280
)

// Signaling connection guards (§4.6).
const (
	maxFrameBytes       = 256 * 1024
	pingInterval        = 25 * time.Second
	pongWait            = 2 * pingInterval // read-deadline backstop behind the missed-pong check
	connRateLimitPerIP  = 20
	connRateLimitWindow = 60 * time.Second
	chatMinInterval     = 1000 * time.Millisecond
	maxOfferSDPLen      = 10000
	maxCandidateJSONLen = 2000
)

// External relay (§4.8).
const firstAudioTimeout = 8 * time.Second

// Source-client transport (§4.2).
const sourceClientTimeout = 10 * time.Second

// ICY framing (§4.4, §6.6).
const icyMetaInt = 16384

// Rate-limit / cache sweeps (§5, §4.9).
const (
	rateLimitSweepInterval   = 5 * time.Minute
	iceConfigCacheTTL        = 5 * time.Minute
	integrationTestRatePerMin = 10
	identifyAudioRateLimit   = 2
	identifyAudioWindow      = 10 * time.Second
	identifyAudioMaxBody     = 2 * 1024 * 1024 // 2 MiB
)

// listenerUserAgents is the case-insensitive set of User-Agent substrings
// that auto-enable ICY metadata for a relay listener (§4.4).
var listenerUserAgents = []string{
	"vlc", "winamp", "foobar", "xmms", "radio", "icecast",
	"mpv", "mplayer", "bass", "fstream", "tunein", "streamripper",
}
