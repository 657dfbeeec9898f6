package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the duplex client connection used by C6: one reliable,
// ordered, bidirectional stream carrying both binary audio frames and JSON
// control messages. Outbound writes are serialized through a single
// draining goroutine so they stay totally ordered (§5 invariant 2) even
// though multiple room-mutation goroutines may call Send concurrently.
type Conn struct {
	ws     *websocket.Conn
	out    chan []byte
	done   chan struct{}
	closed atomic.Bool

	mu           sync.Mutex
	roomID       string
	role         string
	receiverID   string
	authed       bool
	lastChatTime time.Time
	sawPong      atomic.Bool

	// streamBase is the externally visible scheme://host this connection
	// arrived through, captured at upgrade time so start-relay can compose
	// a stream URL clients outside the proxy can reach.
	streamBase string
}

const outboundBuffer = 64

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, out: make(chan []byte, outboundBuffer), done: make(chan struct{})}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send marshals v to JSON and enqueues it for delivery. Never blocks the
// caller on a slow socket: if the outbound buffer is full the message is
// dropped rather than stalling a room mutation (mirrors §5's "suspension
// points must not hold a lock" discipline one level up — Send itself never
// suspends).
func (c *Conn) Send(v any) {
	if c.Closed() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("signaling marshal failed", "err", err)
		return
	}
	select {
	case c.out <- data:
	default:
		slog.Warn("signaling outbound buffer full, dropping message")
	}
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Close tears down the connection. Safe to call multiple times. The out
// channel is left open so a concurrent Send can never hit a closed channel;
// writeLoop exits via done.
func (c *Conn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		_ = c.ws.Close()
	}
}

func (c *Conn) setIdentity(role, roomID, receiverID string, authed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role, c.roomID, c.receiverID, c.authed = role, roomID, receiverID, authed
}

func (c *Conn) identity() (role, roomID, receiverID string, authed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.roomID, c.receiverID, c.authed
}

// ipConnRateLimiter enforces §4.6's "at most connRateLimitPerIP connections
// per connRateLimitWindow per IP" guard, swept every rateLimitSweepInterval
// to drop empty buckets (§5).
type ipConnRateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func newIPConnRateLimiter() *ipConnRateLimiter {
	l := &ipConnRateLimiter{buckets: make(map[string][]time.Time)}
	go l.sweepLoop()
	return l
}

func (l *ipConnRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-connRateLimitWindow)

	times := l.buckets[ip]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= connRateLimitPerIP {
		l.buckets[ip] = kept
		return false
	}
	l.buckets[ip] = append(kept, now)
	return true
}

func (l *ipConnRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimitSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		cutoff := time.Now().Add(-connRateLimitWindow)
		for ip, times := range l.buckets {
			kept := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(l.buckets, ip)
			} else {
				l.buckets[ip] = kept
			}
		}
		l.mu.Unlock()
	}
}

// SignalingServer implements C6: the per-connection state machine that
// dispatches typed control messages between a room's broadcaster and its
// receivers, and forwards binary audio frames into the relay pipeline.
type SignalingServer struct {
	registry  *Registry
	sessions  *SessionValidator
	rateLimit *ipConnRateLimiter
	cfg       Config

	upgrader websocket.Upgrader
}

// NewSignalingServer wires C6 against a registry and session validator.
func NewSignalingServer(reg *Registry, sv *SessionValidator, cfg Config) *SignalingServer {
	s := &SignalingServer{
		registry:  reg,
		sessions:  sv,
		rateLimit: newIPConnRateLimiter(),
		cfg:       cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforced explicitly below
	}
	return s
}

// Close codes §4.6 assigns to its connection-level guards. These are sent
// as real WebSocket close frames (not HTTP status codes) since the guard
// violation is a property of the duplex connection, not the upgrade request.
const (
	closeOriginRejected = 4003
	closeRateLimited    = 4029
	closeUnauthorized   = 4001
)

// ServeHTTP upgrades the connection after the guards in §4.6 and runs the
// per-connection read loop until it terminates.
func (s *SignalingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	if s.cfg.AllowedOrigin != "" && s.cfg.AllowedOrigin != "*" {
		origin := r.Header.Get("Origin")
		if origin == "" || origin != s.cfg.AllowedOrigin {
			closeWithCode(ws, closeOriginRejected, "origin not allowed")
			return
		}
	}

	ip := clientIP(r)
	if !s.rateLimit.Allow(ip) {
		closeWithCode(ws, closeRateLimited, "too many connections")
		return
	}

	authed := false
	if cookie, err := r.Cookie("session"); err == nil {
		authed = s.sessions.Validate(cookie.Value) != nil
	}

	conn := newConn(ws)
	conn.streamBase = streamBaseURL(r)
	conn.setIdentity("", "", "", authed)
	s.runConnection(conn)
}

// closeWithCode sends a WebSocket close frame carrying code and reason, then
// tears down the underlying socket. Best-effort: a failed write just means
// the peer is already gone.
func closeWithCode(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

// streamBaseURL derives the scheme://host a client outside any reverse
// proxy should use to reach this server, preferring forwarded headers when
// present (§4.6 start-relay).
func streamBaseURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

func (s *SignalingServer) runConnection(conn *Conn) {
	defer s.cleanup(conn)

	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.sawPong.Store(true)
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing)
	defer close(stopPing)

	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			s.handleBinaryFrame(conn, data)
		case websocket.TextMessage:
			s.handleTextMessage(conn, data)
		}
	}
}

// pingLoop pings the peer every pingInterval. A peer that has not ponged
// since the previous ping is terminated (§4.6 keepalive). Pings go out via
// WriteControl, which gorilla permits concurrently with the writeLoop.
func (s *SignalingServer) pingLoop(conn *Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	pinged := false
	for {
		select {
		case <-ticker.C:
			if pinged && !conn.sawPong.Load() {
				conn.Close()
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
			conn.sawPong.Store(false)
			pinged = true
		case <-stop:
			return
		}
	}
}

// handleBinaryFrame implements §4.6's binary-frame rules: accepted only
// from a joined broadcaster; the first frame is stored as relay_header;
// frames are forwarded to the transcoder if configured, else fanned out
// to relay listeners directly.
func (s *SignalingServer) handleBinaryFrame(conn *Conn, data []byte) {
	role, roomID, _, _ := conn.identity()
	if role != "broadcaster" || roomID == "" {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}

	room.SetRelayHeader(data)

	t := room.GetTranscoder()
	if (t == nil || t.Dead()) && transcodingEnabled {
		nt, err := StartTranscoder(room)
		if err != nil {
			slog.Warn("transcoder start failed", "room", roomID, "err", err)
			t = nil
		} else {
			room.SetTranscoder(nt)
			t = nt
		}
	}
	if t != nil {
		t.Write(data)
		return
	}

	for _, w := range room.RelayListeners() {
		if w.Dead() {
			room.RemoveRelayListener(w)
			continue
		}
		if err := w.Write(data); err != nil {
			room.RemoveRelayListener(w)
		}
	}
}

// inMsg is the permissive envelope every inbound text message is decoded
// into first (§6.1: "all numeric fields unmarshalled permissively; unknown
// fields ignored").
type inMsg struct {
	Type         string          `json:"type"`
	CustomID     string          `json:"customId"`
	RoomID       string          `json:"roomId"`
	Role         string          `json:"role"`
	SDP          json.RawMessage `json:"sdp"`
	ReceiverID   string          `json:"receiverId"`
	Candidate    json.RawMessage `json:"candidate"`
	Text         string          `json:"text"`
	Cover        string          `json:"cover"`
	Artist       string          `json:"artist"`
	Title        string          `json:"title"`
	Album        string          `json:"album"`
	ReleaseDate  string          `json:"releaseDate"`
	ISRC         string          `json:"isrc"`
	BPM          float64         `json:"bpm"`
	TrackPos     int             `json:"trackPos"`
	DiscNum      int             `json:"discNum"`
	Explicit     bool            `json:"explicit"`
	Contributors []string        `json:"contributors"`
	Label        string          `json:"label"`
	Genres       []string        `json:"genres"`
	Cover2       string          `json:"coverMedium"`
	Name         string          `json:"name"`
	Data         map[string]any  `json:"data"`
}

func (s *SignalingServer) handleTextMessage(conn *Conn, raw []byte) {
	var msg inMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // malformed JSON silently dropped (§7)
	}

	role, roomID, receiverID, authed := conn.identity()

	// UNIDENTIFIED state: only create-room / join-room are accepted (§4.6
	// state machine).
	if roomID == "" && msg.Type != "create-room" && msg.Type != "join-room" {
		return
	}

	switch msg.Type {
	case "create-room":
		s.handleCreateRoom(conn, authed, msg)
	case "join-room":
		s.handleJoinRoom(conn, authed, msg)
	case "ready":
		s.handleReady(conn, role, roomID)
	case "offer":
		s.handleOffer(conn, role, roomID, msg)
	case "answer":
		s.handleAnswer(conn, role, roomID, receiverID, msg)
	case "candidate":
		s.handleCandidate(conn, role, roomID, receiverID, msg)
	case "start-relay":
		s.handleStartRelay(conn, role, roomID)
	case "metadata":
		s.handleMetadata(conn, role, roomID, msg)
	case "add-track":
		s.handleAddTrack(conn, role, roomID, msg)
	case "chat":
		s.handleChat(conn, role, roomID, receiverID, msg)
	case "leave":
		s.doLeave(conn)
	case "stats":
		s.handleStats(role, roomID, msg)
	case "relay-diag":
		slog.Debug("relay-diag", "data", msg.Data)
	default:
		slog.Debug("unknown signaling message", "type", msg.Type)
	}
}

func (s *SignalingServer) handleCreateRoom(conn *Conn, authed bool, msg inMsg) {
	if !authed {
		conn.Send(errMsg("AUTH_REQUIRED", "authentication required"))
		return
	}
	room, err := s.registry.Create(msg.CustomID)
	if err != nil {
		conn.Send(errMsg(err.Error(), err.Error()))
		return
	}
	if err := room.JoinBroadcaster(conn); err != nil {
		conn.Send(errMsg(err.Error(), err.Error()))
		return
	}
	conn.setIdentity("broadcaster", room.ID(), "", authed)
	conn.Send(map[string]any{"type": "room-created", "roomId": room.ID()})
	conn.Send(map[string]any{"type": "joined", "roomId": room.ID(), "role": "broadcaster"})
	conn.Send(map[string]any{"type": "listener-count", "count": 0})
}

func (s *SignalingServer) handleJoinRoom(conn *Conn, authed bool, msg inMsg) {
	if msg.RoomID == "" {
		conn.Send(errMsg("MISSING_PARAMS", "roomId is required"))
		return
	}
	if msg.Role == "broadcaster" && !authed {
		conn.Send(errMsg("AUTH_REQUIRED", "authentication required"))
		return
	}
	room, err := s.registry.GetOrErr(msg.RoomID)
	if err != nil {
		conn.Send(errMsg(err.Error(), "room not found"))
		return
	}

	switch msg.Role {
	case "broadcaster":
		if err := room.JoinBroadcaster(conn); err != nil {
			conn.Send(errMsg(err.Error(), err.Error()))
			return
		}
		conn.setIdentity("broadcaster", room.ID(), "", authed)
		conn.Send(map[string]any{"type": "joined", "roomId": room.ID(), "role": "broadcaster"})
		for _, rid := range room.ReceiverIDs() {
			conn.Send(map[string]any{"type": "peer-joined", "role": "receiver", "receiverId": rid})
			if rc := room.Receiver(rid); rc != nil {
				rc.Send(map[string]any{"type": "peer-joined", "role": "broadcaster"})
			}
		}
		conn.Send(map[string]any{"type": "listener-count", "count": room.ListenerCount()})

	case "receiver":
		rid, err := s.registry.Join(room, "receiver", conn)
		if err != nil {
			conn.Send(errMsg(err.Error(), err.Error()))
			return
		}
		conn.setIdentity("receiver", room.ID(), rid, authed)
		conn.Send(map[string]any{"type": "joined", "roomId": room.ID(), "role": "receiver", "receiverId": rid, "peer-joined": "broadcaster"})

		if bc := room.Broadcaster(); bc != nil {
			bc.Send(map[string]any{"type": "peer-joined", "role": "receiver", "receiverId": rid})
			bc.Send(map[string]any{"type": "listener-count", "count": room.ListenerCount()})
		}

		meta := room.GetMetadata()
		conn.Send(map[string]any{"type": "metadata", "text": meta.Text, "cover": meta.CoverURL})
		conn.Send(map[string]any{"type": "track-list", "tracks": room.TrackList()})
		conn.Send(map[string]any{"type": "chat-history", "messages": room.ChatHistory()})
		if info := room.IntegrationInfo(); info != nil && info.ListenerURL != "" {
			conn.Send(map[string]any{"type": "stream-url", "url": info.ListenerURL})
		}

	default:
		conn.Send(errMsg("INVALID_ROLE", "role must be broadcaster or receiver"))
	}
}

func (s *SignalingServer) handleReady(conn *Conn, role, roomID string) {
	if role != "broadcaster" {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}
	for _, rid := range room.ReceiverIDs() {
		conn.Send(map[string]any{"type": "peer-joined", "role": "receiver", "receiverId": rid})
	}
}

func (s *SignalingServer) handleOffer(conn *Conn, role, roomID string, msg inMsg) {
	if role != "broadcaster" || len(msg.SDP) == 0 || len(msg.SDP) > maxOfferSDPLen || msg.ReceiverID == "" {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}
	if rc := room.Receiver(msg.ReceiverID); rc != nil {
		rc.Send(map[string]any{"type": "offer", "sdp": json.RawMessage(msg.SDP)})
	}
}

func (s *SignalingServer) handleAnswer(conn *Conn, role, roomID, receiverID string, msg inMsg) {
	if role != "receiver" || len(msg.SDP) == 0 {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}
	if bc := room.Broadcaster(); bc != nil {
		bc.Send(map[string]any{"type": "answer", "sdp": json.RawMessage(msg.SDP), "receiverId": receiverID})
	}
}

func (s *SignalingServer) handleCandidate(conn *Conn, role, roomID, receiverID string, msg inMsg) {
	if len(msg.Candidate) == 0 || len(msg.Candidate) > maxCandidateJSONLen {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}
	switch role {
	case "broadcaster":
		if msg.ReceiverID == "" {
			return
		}
		if rc := room.Receiver(msg.ReceiverID); rc != nil {
			rc.Send(map[string]any{"type": "candidate", "candidate": json.RawMessage(msg.Candidate)})
		}
	case "receiver":
		if bc := room.Broadcaster(); bc != nil {
			bc.Send(map[string]any{"type": "candidate", "candidate": json.RawMessage(msg.Candidate), "receiverId": receiverID})
		}
	}
}

func (s *SignalingServer) handleStartRelay(conn *Conn, role, roomID string) {
	if role != "broadcaster" {
		conn.Send(errMsg("AUTH_REQUIRED", "only the broadcaster may start a relay"))
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}
	url := conn.streamBase + "/stream/" + roomID
	info := room.IntegrationInfo()
	if info == nil {
		info = &Integration{Type: "local"}
	}
	updated := *info
	updated.LocalStreamURL = url
	if updated.ListenerURL == "" {
		updated.ListenerURL = url
	}
	room.SetIntegrationInfo(&updated)
	for _, rid := range room.ReceiverIDs() {
		if rc := room.Receiver(rid); rc != nil {
			rc.Send(map[string]any{"type": "stream-url", "url": url})
		}
	}
	conn.Send(map[string]any{"type": "relay-started", "url": url})
}

func (s *SignalingServer) handleMetadata(conn *Conn, role, roomID string, msg inMsg) {
	if role != "broadcaster" {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}
	meta := room.SetMetadata(msg.Text, msg.Cover)
	for _, rid := range room.ReceiverIDs() {
		if rc := room.Receiver(rid); rc != nil {
			rc.Send(map[string]any{"type": "metadata", "text": meta.Text, "cover": meta.CoverURL})
		}
	}
	for _, w := range room.RelayListeners() {
		w.SetTitle(meta.Text)
	}
}

func (s *SignalingServer) handleAddTrack(conn *Conn, role, roomID string, msg inMsg) {
	if role != "broadcaster" || strings.TrimSpace(msg.Text) == "" {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}

	cover := msg.Cover2
	if cover == "" {
		cover = msg.Cover
	}
	track := Track{
		Title:        truncate(msg.Text, maxTrackFieldLen),
		Time:         time.Now().UnixMilli(),
		Artist:       truncate(msg.Artist, maxTrackFieldLen),
		Album:        truncate(msg.Album, maxTrackFieldLen),
		ReleaseDate:  truncate(msg.ReleaseDate, maxTrackFieldLen),
		ISRC:         truncate(msg.ISRC, maxTrackFieldLen),
		BPM:          msg.BPM,
		TrackPos:     msg.TrackPos,
		DiscNum:      msg.DiscNum,
		Explicit:     msg.Explicit,
		Contributors: msg.Contributors,
		Label:        truncate(msg.Label, maxTrackFieldLen),
		Genres:       msg.Genres,
		Cover:        truncate(msg.Cover, maxCoverURLLen),
		CoverMedium:  truncate(msg.Cover2, maxCoverURLLen),
	}

	tracks, added := room.AddTrack(track)
	if !added {
		return
	}

	room.SetMetadata(track.Title, cover)
	meta := room.GetMetadata()

	broadcastAll := func(v any) {
		if bc := room.Broadcaster(); bc != nil {
			bc.Send(v)
		}
		for _, rid := range room.ReceiverIDs() {
			if rc := room.Receiver(rid); rc != nil {
				rc.Send(v)
			}
		}
	}
	broadcastAll(map[string]any{"type": "track-list", "tracks": tracks})
	broadcastAll(map[string]any{"type": "metadata", "text": meta.Text, "cover": meta.CoverURL})

	icyTitle := msg.Text
	if track.Artist != "" && msg.Title != "" {
		icyTitle = track.Artist + " - " + truncate(msg.Title, maxTrackFieldLen)
		if track.Album != "" {
			icyTitle += " [" + track.Album
			if len(track.ReleaseDate) >= 4 {
				icyTitle += " · " + track.ReleaseDate[:4]
			}
			icyTitle += "]"
		}
	}
	for _, w := range room.RelayListeners() {
		w.SetTitle(icyTitle)
	}
	if info := room.IntegrationInfo(); info != nil {
		if creds, ok := info.Credentials.(SourceCredentials); ok {
			go UpdateMetadata(creds, icyTitle)
		}
	}
}

func (s *SignalingServer) handleChat(conn *Conn, role, roomID, receiverID string, msg inMsg) {
	name := strings.TrimSpace(msg.Name)
	text := strings.TrimSpace(msg.Text)
	if len(name) == 0 || len(name) > maxChatNameLen || len(text) == 0 || len(text) > maxChatTextLen {
		return
	}
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}

	conn.mu.Lock()
	if !conn.lastChatTime.IsZero() && time.Since(conn.lastChatTime) < chatMinInterval {
		conn.mu.Unlock()
		return
	}
	conn.lastChatTime = time.Now()
	conn.mu.Unlock()

	participantID := "broadcaster"
	if role == "receiver" {
		participantID = receiverID
	}

	broadcastAll := func(v any) {
		if bc := room.Broadcaster(); bc != nil {
			bc.Send(v)
		}
		for _, rid := range room.ReceiverIDs() {
			if rc := room.Receiver(rid); rc != nil {
				rc.Send(v)
			}
		}
	}

	if room.AddChatParticipant(participantID, name) {
		sys := ChatMessage{Name: "", Text: name + " has joined the chat", Time: time.Now().UnixMilli(), System: true}
		room.AddChat(sys)
		broadcastAll(map[string]any{"type": "chat", "name": sys.Name, "text": sys.Text, "system": true})
	}

	chat := ChatMessage{Name: truncate(name, maxChatNameLen), Text: truncate(text, maxChatTextLen), Time: time.Now().UnixMilli()}
	room.AddChat(chat)

	if bc := room.Broadcaster(); bc != nil && conn != bc {
		bc.Send(map[string]any{"type": "chat", "name": chat.Name, "text": chat.Text})
	}
	for _, rid := range room.ReceiverIDs() {
		if rid == receiverID {
			continue
		}
		if rc := room.Receiver(rid); rc != nil {
			rc.Send(map[string]any{"type": "chat", "name": chat.Name, "text": chat.Text})
		}
	}

	if u := extractFirstURL(chat.Text); u != "" {
		go s.sendLinkPreview(room, u)
	}
}

// sendLinkPreview fetches OpenGraph metadata for a URL a chat message
// referenced and broadcasts it as a follow-up message once ready. Runs off
// the connection's goroutine: a slow or hanging page fetch must never
// delay chat delivery.
func (s *SignalingServer) sendLinkPreview(room *Room, u string) {
	lp, err := fetchLinkPreview(u)
	if err != nil {
		return
	}
	msg := map[string]any{
		"type":      "link-preview",
		"url":       lp.URL,
		"title":     lp.Title,
		"desc":      lp.Desc,
		"image":     lp.Image,
		"audio":     lp.Audio,
		"site_name": lp.SiteName,
	}
	if bc := room.Broadcaster(); bc != nil {
		bc.Send(msg)
	}
	for _, rid := range room.ReceiverIDs() {
		if rc := room.Receiver(rid); rc != nil {
			rc.Send(msg)
		}
	}
}

func (s *SignalingServer) handleStats(role, roomID string, msg inMsg) {
	if roomID == "" {
		return
	}
	s.registry.LogStats(roomID, role, msg.Data)
}

// doLeave and cleanup share the disconnect path described in §4.6: stop
// the transcoder if the leaver was the broadcaster, emit peer-left and a
// conditional "has left the chat" system message, call Registry.Leave,
// and push exactly one listener-count update.
func (s *SignalingServer) doLeave(conn *Conn) {
	role, roomID, receiverID, authed := conn.identity()
	if roomID == "" {
		return
	}
	// Clear the identity first so a later close after an explicit leave
	// does not run this path a second time.
	conn.setIdentity("", "", "", authed)
	room := s.registry.Get(roomID)
	if room == nil {
		return
	}

	participantID := "broadcaster"
	if role == "receiver" {
		participantID = receiverID
	}

	broadcastAll := func(v any) {
		if bc := room.Broadcaster(); bc != nil {
			bc.Send(v)
		}
		for _, rid := range room.ReceiverIDs() {
			if rc := room.Receiver(rid); rc != nil {
				rc.Send(v)
			}
		}
	}

	if role == "receiver" {
		if bc := room.Broadcaster(); bc != nil {
			bc.Send(map[string]any{"type": "peer-left", "receiverId": receiverID})
		}
	} else if role == "broadcaster" {
		for _, rid := range room.ReceiverIDs() {
			if rc := room.Receiver(rid); rc != nil {
				rc.Send(map[string]any{"type": "peer-left", "role": "broadcaster"})
			}
		}
	}

	if name, had := room.RemoveChatParticipant(participantID); had {
		sys := ChatMessage{Name: "", Text: name + " has left the chat", Time: time.Now().UnixMilli(), System: true}
		room.AddChat(sys)
		broadcastAll(map[string]any{"type": "chat", "name": sys.Name, "text": sys.Text, "system": true})
	}

	s.registry.Leave(room, role, receiverID, conn)

	if role == "receiver" {
		if bc := room.Broadcaster(); bc != nil {
			bc.Send(map[string]any{"type": "listener-count", "count": room.ListenerCount()})
		}
	}
}

func (s *SignalingServer) cleanup(conn *Conn) {
	s.doLeave(conn)
	conn.Close()
}

func errMsg(code, message string) map[string]any {
	return map[string]any{"type": "error", "code": code, "message": message}
}
