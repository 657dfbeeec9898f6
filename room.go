package main

import (
	"strings"
	"sync"
	"time"
)

// DuplexConn is the minimal surface the Room Registry needs from a
// broadcaster or receiver's signaling connection: a way to push an outbound
// message and a way to tell if it is still open. The real implementation
// (signaling.go's *Conn) wraps a gorilla/websocket connection with a
// single-writer outbound queue so writes stay totally ordered (§5).
type DuplexConn interface {
	Send(v any)
	Closed() bool
}

// Metadata is the room's current "now playing" information (§3.1).
type Metadata struct {
	Text     string `json:"text"`
	CoverURL string `json:"cover,omitempty"`
}

// Track is one entry in a room's track list (§3.1). All optional string
// fields are truncated to maxTrackFieldLen.
type Track struct {
	Title        string   `json:"title"`
	Time         int64    `json:"time"`
	Artist       string   `json:"artist,omitempty"`
	Album        string   `json:"album,omitempty"`
	DurationSec  int      `json:"duration_sec,omitempty"`
	ReleaseDate  string   `json:"release_date,omitempty"`
	ISRC         string   `json:"isrc,omitempty"`
	BPM          float64  `json:"bpm,omitempty"`
	TrackPos     int      `json:"track_pos,omitempty"`
	DiscNum      int      `json:"disc_num,omitempty"`
	Explicit     bool     `json:"explicit,omitempty"`
	Contributors []string `json:"contributors,omitempty"`
	Label        string   `json:"label,omitempty"`
	Genres       []string `json:"genres,omitempty"`
	Cover        string   `json:"cover,omitempty"`
	CoverMedium  string   `json:"cover_medium,omitempty"`
}

// ChatMessage is one chat entry (§3.1).
type ChatMessage struct {
	Name   string `json:"name"`
	Text   string `json:"text"`
	Time   int64  `json:"time"`
	System bool   `json:"system,omitempty"`
}

// Integration describes an active external-relay target for a room (§3.1).
type Integration struct {
	Type           string `json:"type"`
	Credentials    any    `json:"-"`
	ListenerURL    string `json:"listener_url,omitempty"`
	LocalStreamURL string `json:"local_stream_url,omitempty"`
}

// Room is the authoritative in-memory state for one broadcast session
// (§3.1). All mutation goes through its methods, each of which holds mu for
// the snapshot/mutation only — never across a suspension point such as a
// connection write or child-process I/O (§5).
type Room struct {
	mu sync.RWMutex

	id        string
	createdAt time.Time
	endedAt   time.Time // zero value means "not ended"

	broadcaster   DuplexConn
	receivers     map[string]DuplexConn // receiverID -> conn
	receiverOrder []string

	metadata         Metadata
	trackList        []Track // newest first
	chatHistory      []ChatMessage
	chatParticipants map[string]string // participantID -> display name

	integration *Integration

	relayHeader    []byte
	transcoder     *Transcoder
	relayListeners map[*ICYWriter]struct{}
}

// NewRoom constructs an empty room with the given id.
func NewRoom(id string) *Room {
	return &Room{
		id:               id,
		createdAt:        time.Now(),
		receivers:        make(map[string]DuplexConn),
		chatParticipants: make(map[string]string),
		relayListeners:   make(map[*ICYWriter]struct{}),
	}
}

// ID returns the room's stable id.
func (r *Room) ID() string { return r.id }

// IsLive reports whether a broadcaster is currently joined.
func (r *Room) IsLive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcaster != nil
}

// HasEnded reports whether the broadcaster has left and the room is in the
// ENDED retention window (§3.3).
func (r *Room) HasEnded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.endedAt.IsZero()
}

// EndedAt returns the moment the broadcaster last departed, or the zero
// time if the room has never ended.
func (r *Room) EndedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endedAt
}

// IsEmptyContent reports whether the room carries no chat/track history —
// used by invariant 8's immediate-reclamation rule.
func (r *Room) IsEmptyContent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackList) == 0 && len(r.chatHistory) == 0
}

// IsVacant reports whether the room currently has no broadcaster and no
// receivers (participant-wise, independent of history).
func (r *Room) IsVacant() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcaster == nil && len(r.receivers) == 0
}

// JoinBroadcaster attaches conn as the room's broadcaster. Fails with
// ErrBroadcasterOccupied if one is already joined (invariant 1).
func (r *Room) JoinBroadcaster(conn DuplexConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broadcaster != nil && !r.broadcaster.Closed() {
		return ErrBroadcasterOccupied
	}
	r.broadcaster = conn
	r.endedAt = time.Time{}
	return nil
}

// JoinReceiver allocates a fresh receiver id via idGen and attaches conn
// under it. Fails with ErrRoomFull once maxReceiversPerRoom is reached
// (invariant 2).
func (r *Room) JoinReceiver(conn DuplexConn, idGen func() string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.receivers) >= maxReceiversPerRoom {
		return "", ErrRoomFull
	}
	var id string
	for {
		id = idGen()
		if _, exists := r.receivers[id]; !exists {
			break
		}
	}
	r.receivers[id] = conn
	r.receiverOrder = append(r.receiverOrder, id)
	return id, nil
}

// LeaveBroadcaster detaches the broadcaster (if conn still matches it, or
// unconditionally if conn is nil) and marks the room ended.
func (r *Room) LeaveBroadcaster(conn DuplexConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn == nil || r.broadcaster == conn {
		r.broadcaster = nil
	}
	r.endedAt = time.Now()
}

// LeaveReceiver detaches the receiver identified by id.
func (r *Room) LeaveReceiver(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.receivers, id)
	for i, rid := range r.receiverOrder {
		if rid == id {
			r.receiverOrder = append(r.receiverOrder[:i], r.receiverOrder[i+1:]...)
			break
		}
	}
}

// Broadcaster returns the current broadcaster connection, or nil if it is
// absent or has since closed (§4.5 "only open connections").
func (r *Room) Broadcaster() DuplexConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.broadcaster != nil && !r.broadcaster.Closed() {
		return r.broadcaster
	}
	return nil
}

// Receiver returns the receiver connection for id, if open.
func (r *Room) Receiver(id string) DuplexConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.receivers[id]
	if !ok || c.Closed() {
		return nil
	}
	return c
}

// ReceiverIDs returns the ids of all currently open receivers, in join order.
func (r *Room) ReceiverIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.receiverOrder))
	for _, id := range r.receiverOrder {
		if c, ok := r.receivers[id]; ok && !c.Closed() {
			out = append(out, id)
		}
	}
	return out
}

// ListenerCount returns the number of currently joined receivers.
func (r *Room) ListenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.receivers)
}

// SetMetadata overwrites the room's now-playing metadata, truncating per
// §3.1's field caps, and returns the stored value.
func (r *Room) SetMetadata(text, coverURL string) Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = Metadata{
		Text:     truncate(text, maxMetadataTextLen),
		CoverURL: truncate(coverURL, maxCoverURLLen),
	}
	return r.metadata
}

// GetMetadata returns the room's current now-playing metadata.
func (r *Room) GetMetadata() Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata
}

// AddTrack prepends t to the track list unless its title matches the most
// recent entry (invariant 4, monotone track list), trims to maxTrackList,
// and returns the resulting snapshot plus whether a new entry was added.
func (r *Room) AddTrack(t Track) ([]Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.trackList) > 0 && r.trackList[0].Title == t.Title {
		return append([]Track(nil), r.trackList...), false
	}
	r.trackList = append([]Track{t}, r.trackList...)
	if len(r.trackList) > maxTrackList {
		r.trackList = r.trackList[:maxTrackList]
	}
	return append([]Track(nil), r.trackList...), true
}

// TrackList returns a snapshot of the room's track list, newest first.
func (r *Room) TrackList() []Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Track(nil), r.trackList...)
}

// AddChat appends msg to history, trimming the oldest entries beyond
// maxChatHistory (invariant 5), and returns the resulting snapshot.
func (r *Room) AddChat(msg ChatMessage) []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatHistory = append(r.chatHistory, msg)
	if len(r.chatHistory) > maxChatHistory {
		r.chatHistory = r.chatHistory[len(r.chatHistory)-maxChatHistory:]
	}
	return append([]ChatMessage(nil), r.chatHistory...)
}

// ChatHistory returns a snapshot of the room's chat history, oldest first.
func (r *Room) ChatHistory() []ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ChatMessage(nil), r.chatHistory...)
}

// AddChatParticipant records participantID -> name if not already present.
// Returns true iff this participant is new, which is what gates the
// "has joined the chat" system message.
func (r *Room) AddChatParticipant(participantID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.chatParticipants[participantID]; exists {
		return false
	}
	r.chatParticipants[participantID] = name
	return true
}

// RemoveChatParticipant drops participantID and returns its display name,
// if it had ever chatted (used for the conditional "has left" message).
func (r *Room) RemoveChatParticipant(participantID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.chatParticipants[participantID]
	if ok {
		delete(r.chatParticipants, participantID)
	}
	return name, ok
}

// SetIntegrationInfo records the active external-relay target for the room.
func (r *Room) SetIntegrationInfo(i *Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integration = i
}

// IntegrationInfo returns the room's current integration info, or nil.
func (r *Room) IntegrationInfo() *Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.integration
}

// SetRelayHeader stores the first ingested audio frame verbatim, used to
// give late-joining passthrough listeners a decodable container init
// segment. Only the first call has any effect (§5 ordering guarantee).
func (r *Room) SetRelayHeader(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relayHeader == nil {
		r.relayHeader = append([]byte(nil), data...)
	}
}

// RelayHeader returns the stored init segment, or nil if none has arrived.
func (r *Room) RelayHeader() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relayHeader
}

// SetTranscoder installs (or clears, with nil) the room's transcoder handle.
func (r *Room) SetTranscoder(t *Transcoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcoder = t
}

// GetTranscoder returns the room's current transcoder handle, or nil.
func (r *Room) GetTranscoder() *Transcoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transcoder
}

// AddRelayListener attaches w to the room. Refuses (returns false) if the
// room has no live broadcaster (§4.5).
func (r *Room) AddRelayListener(w *ICYWriter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broadcaster == nil || r.broadcaster.Closed() {
		return false
	}
	r.relayListeners[w] = struct{}{}
	return true
}

// RemoveRelayListener detaches w from the room.
func (r *Room) RemoveRelayListener(w *ICYWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relayListeners, w)
}

// RelayListeners returns a snapshot of the room's attached ICY writers.
func (r *Room) RelayListeners() []*ICYWriter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ICYWriter, 0, len(r.relayListeners))
	for w := range r.relayListeners {
		out = append(out, w)
	}
	return out
}

// EndAllRelayListeners calls End() on every attached ICY writer and clears
// the set. Used when the broadcaster disconnects or the room is destroyed
// (§4.6 "on close", invariant 7). Writes happen after the lock is released
// so a slow listener write never blocks a room mutation (§5).
func (r *Room) EndAllRelayListeners() {
	r.mu.Lock()
	listeners := make([]*ICYWriter, 0, len(r.relayListeners))
	for w := range r.relayListeners {
		listeners = append(listeners, w)
	}
	r.relayListeners = make(map[*ICYWriter]struct{})
	r.mu.Unlock()

	for _, w := range listeners {
		w.End()
	}
}

// truncate clips s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
