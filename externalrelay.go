package main

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ExternalRelayServer implements C8: a second duplex endpoint, separate
// from the signaling router, whose only job is to forward a broadcaster's
// raw audio frames to an external Icecast/Shoutcast source server (§4.8).
type ExternalRelayServer struct {
	registry *Registry
	sessions *SessionValidator
	cfg      Config
	upgrader websocket.Upgrader
}

// NewExternalRelayServer wires C8 against the registry and session
// validator.
func NewExternalRelayServer(reg *Registry, sv *SessionValidator, cfg Config) *ExternalRelayServer {
	return &ExternalRelayServer{
		registry: reg,
		sessions: sv,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// handshakeMsg is the single control message this endpoint expects, sent
// once immediately after the upgrade (§4.8).
type handshakeMsg struct {
	Type          string `json:"type"`
	RoomID        string `json:"roomId"`
	StreamQuality string `json:"streamQuality"`
	Credentials   struct {
		Kind     string `json:"kind"`
		Host     string `json:"host"`
		Port     string `json:"port"`
		Mount    string `json:"mount"`
		User     string `json:"user"`
		Password string `json:"password"`
		StreamID string `json:"streamId"`
		Name     string `json:"name"`
	} `json:"credentials"`
}

// ServeHTTP upgrades the connection, requires a valid session cookie,
// performs the handshake/Connect sequence, then forwards the client's binary
// frames to the source server until either side closes; bytes the source
// server sends back are read and discarded (§4.8).
func (s *ExternalRelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.SetReadLimit(maxFrameBytes)

	cookie, err := r.Cookie("session")
	if err != nil || s.sessions.Validate(cookie.Value) == nil {
		closeWithCode(ws, closeUnauthorized, "authentication required")
		return
	}

	// First message must be the {type, credentials, roomId?, streamQuality?}
	// handshake object (§4.8); anything else received before it is ignored,
	// matching C6's "malformed/unexpected message" tolerance rather than
	// tearing the connection down.
	var hs handshakeMsg
	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(raw, &hs); err != nil || hs.Type == "" {
			continue
		}
		break
	}

	// roomId is optional: an external relay may be started without yet
	// being tied to a room (§4.8 point 3 "if roomId, store integration
	// info..."). An unknown room id is treated the same as no room id.
	var room *Room
	if hs.RoomID != "" {
		room = s.registry.Get(hs.RoomID)
	}

	cred := SourceCredentials{
		Kind:     SourceKind(hs.Credentials.Kind),
		Host:     hs.Credentials.Host,
		Port:     hs.Credentials.Port,
		Mount:    hs.Credentials.Mount,
		User:     hs.Credentials.User,
		Password: hs.Credentials.Password,
		StreamID: hs.Credentials.StreamID,
		Name:     hs.Credentials.Name,
	}

	// All control-message writes after this point may come from the main
	// loop, the first-audio timer, or the source-reply pump; wsOut keeps
	// them serialized (gorilla permits one concurrent writer).
	var wsMu sync.Mutex
	wsOut := func(v any) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		return ws.WriteJSON(v)
	}
	sendErr := func(kind, message string) {
		_ = wsOut(map[string]any{"type": "error", "code": kind, "message": message})
	}

	sourceConn, err := Connect(cred)
	if err != nil {
		kind := "protocol_error"
		if se, ok := err.(*SourceError); ok {
			kind = se.Kind()
		}
		sendErr(kind, err.Error())
		return
	}
	defer sourceConn.Close()

	listenerURL := buildListenerURL(cred)
	if room != nil {
		room.SetIntegrationInfo(&Integration{
			Type:        string(cred.Kind),
			Credentials: cred,
			ListenerURL: listenerURL,
		})
		for _, rid := range room.ReceiverIDs() {
			if rc := room.Receiver(rid); rc != nil {
				rc.Send(map[string]any{"type": "stream-url", "url": listenerURL})
			}
		}
	}

	if err := wsOut(map[string]any{"type": "connected", "listenerUrl": listenerURL}); err != nil {
		return
	}

	firstAudio := make(chan struct{})
	go watchFirstAudio(ws, sendErr, firstAudio)

	done := make(chan struct{})
	go pumpSourceReplies(sourceConn, ws, sendErr, done)

	gotFirstFrame := false
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !gotFirstFrame {
			gotFirstFrame = true
			close(firstAudio)
		}
		if _, err := sourceConn.Write(data); err != nil {
			slog.Warn("external relay write failed", "room", hs.RoomID, "err", err)
			sendErr("io_error", "source connection lost")
			break
		}
	}

	close(done)
	if room != nil {
		room.SetIntegrationInfo(nil)
	}
}

func watchFirstAudio(ws *websocket.Conn, sendErr func(kind, message string), firstAudio chan struct{}) {
	timer := time.NewTimer(firstAudioTimeout)
	defer timer.Stop()
	select {
	case <-firstAudio:
	case <-timer.C:
		sendErr("io_error", "no audio received within timeout")
		ws.Close()
	}
}

// pumpSourceReplies drains the source server's socket (mount servers
// occasionally send status lines), exiting on either close signal. A hard
// read error means the source hung up: the client gets an error message and
// the websocket is closed so the forwarding loop unblocks (§4.8).
func pumpSourceReplies(sourceConn net.Conn, ws *websocket.Conn, sendErr func(kind, message string), done chan struct{}) {
	buf := make([]byte, 2048)
	for {
		sourceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := sourceConn.Read(buf)
		if n > 0 {
			slog.Debug("source server reply", "bytes", n)
		}
		select {
		case <-done:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			sendErr("io_error", "source connection closed")
			ws.Close()
			return
		}
	}
}

// buildListenerURL composes the public-facing stream URL for an external
// relay target (§4.8, §8 scenario 5: icecast.example:8000 + /live ->
// http://icecast.example:8000/live).
func buildListenerURL(cred SourceCredentials) string {
	host := NormalizeHost(cred.Host)
	mount := normalizeMount(cred.Mount)
	if cred.Kind == SourceShoutcast {
		return "http://" + host + ":" + cred.Port + "/"
	}
	return "http://" + host + ":" + cred.Port + mount
}
