package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// RelayServer implements C7: the HTTP endpoint that serves a room's
// broadcaster audio as a continuous MP3 stream with optional ICY metadata,
// the way any Icecast-compatible player expects (§4.7, §6.6).
type RelayServer struct {
	registry *Registry

	// transcodingAvailable reports whether this deployment has a transcoder
	// collaborator at all (§4.7's mode switch); false only when the server
	// was started without a configured transcoding binary, in which case
	// every room falls back to passthrough of the original container.
	transcodingAvailable bool
}

// NewRelayServer wires C7 against the room registry. transcodingAvailable
// mirrors whether Config.FFmpegPath resolved to something runnable.
func NewRelayServer(reg *Registry, transcodingAvailable bool) *RelayServer {
	return &RelayServer{registry: reg, transcodingAvailable: transcodingAvailable}
}

// ServeHTTP handles GET /stream/{room_id}. The room id is expected to have
// already been extracted into r.PathValue("room_id") by the caller's
// router.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	room := s.registry.Get(roomID)
	if room == nil || !room.IsLive() {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	// Mode follows §4.7: MP3 when the deployment has a transcoder
	// collaborator available, passthrough of the original container
	// otherwise.
	mp3Mode := s.transcodingAvailable
	icyEnabled := mp3Mode && wantsICYMetadata(r)

	header := w.Header()
	if mp3Mode {
		header.Set("Content-Type", "audio/mpeg")
	} else {
		header.Set("Content-Type", "audio/webm")
	}
	header.Set("Connection", "keep-alive")
	header.Set("Cache-Control", "no-cache, no-store")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("X-Accel-Buffering", "no")
	if mp3Mode {
		meta := room.GetMetadata()
		title := meta.Text
		if title == "" {
			title = "broadcast"
		}
		header.Set("icy-name", title)
		header.Set("icy-genre", "Various")
		header.Set("icy-pub", "1")
		header.Set("icy-br", "128")
		header.Set("icy-sr", "44100")
		if icyEnabled {
			header.Set("icy-metaint", strconv.Itoa(icyMetaInt))
		}
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	icy := NewICYWriter(&flushWriter{w: w, f: flusher}, icyEnabled)
	meta := room.GetMetadata()
	icy.SetTitle(meta.Text)

	if !room.AddRelayListener(icy) {
		return
	}
	defer room.RemoveRelayListener(icy)

	if !mp3Mode {
		if passthrough := room.RelayHeader(); passthrough != nil {
			if err := icy.Write(passthrough); err != nil {
				return
			}
		}
	}

	<-r.Context().Done()
	icy.End()
	slog.Debug("relay listener disconnected", "room", roomID)
}

// wantsICYMetadata reports whether the client requested ICY metadata via
// the conventional Icy-MetaData header, or is a known streaming client by
// User-Agent (§4.4, §4.7).
func wantsICYMetadata(r *http.Request) bool {
	if r.Header.Get("Icy-MetaData") == "1" {
		return true
	}
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	for _, marker := range listenerUserAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// flushWriter flushes after every write so listeners receive audio with
// minimal added latency, matching a streaming server's usual behavior.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil && fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
