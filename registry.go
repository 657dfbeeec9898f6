package main

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"broadcast/server/store"
)

// Registry errors (§4.5, §7). Surfaced to the signaling router as
// {type:error, code, message}.
var (
	ErrRoomNotFound        = errors.New("ROOM_NOT_FOUND")
	ErrRoomFull            = errors.New("ROOM_FULL")
	ErrBroadcasterOccupied = errors.New("BROADCASTER_OCCUPIED")
	ErrInvalidRole         = errors.New("INVALID_ROLE")
	ErrInvalidSlug         = errors.New("INVALID_SLUG")
	ErrSlugInUse           = errors.New("SLUG_IN_USE")
	ErrMissingParams       = errors.New("MISSING_PARAMS")
)

// slugPattern implements §3.1's slug grammar.
var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{1,38}[a-z0-9])?$`)

// ValidSlug reports whether slug is syntactically acceptable as a room id
// (§3.1, §8 boundary cases: "ab" rejected, "abc" accepted, "a--b" rejected,
// "a-b" accepted, "-ab" rejected, uppercase rejected, 40 chars accepted, 41
// rejected).
func ValidSlug(slug string) bool {
	if len(slug) < 3 || len(slug) > 40 {
		return false
	}
	if !slugPattern.MatchString(slug) {
		return false
	}
	if contains(slug, "--") {
		return false
	}
	return true
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Registry is the in-memory catalog of all rooms (C5). Every mutation on a
// single room is serialized through that Room's own lock; the registry's
// lock only guards the top-level map itself (§5 invariant 1).
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	store *store.Store

	stopSweep chan struct{}
}

// NewRegistry constructs an empty registry backed by st for slug-history
// persistence (§6.5).
func NewRegistry(st *store.Store) *Registry {
	reg := &Registry{
		rooms:     make(map[string]*Room),
		store:     st,
		stopSweep: make(chan struct{}),
	}
	go reg.sweepLoop()
	return reg
}

// Stop halts the registry's maintenance goroutine.
func (reg *Registry) Stop() {
	close(reg.stopSweep)
}

// Create allocates a new room, optionally under a caller-supplied slug
// (§4.5). On success the slug (or generated id) is persisted to slug
// history.
func (reg *Registry) Create(slug string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var id string
	if slug != "" {
		if !ValidSlug(slug) {
			return nil, ErrInvalidSlug
		}
		if existing, ok := reg.rooms[slug]; ok && existing.IsLive() {
			return nil, ErrSlugInUse
		}
		id = slug
	} else {
		id = generateRoomID()
		for {
			if _, exists := reg.rooms[id]; !exists {
				break
			}
			id = generateRoomID()
		}
	}

	room, exists := reg.rooms[id]
	if !exists {
		room = NewRoom(id)
		reg.rooms[id] = room
	}

	if reg.store != nil {
		if err := reg.store.AddSlug(id); err != nil {
			slog.Warn("persist slug failed", "room", id, "err", err)
		}
	}
	return room, nil
}

// Get returns the room with the given id, or nil.
func (reg *Registry) Get(id string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[id]
}

// GetOrErr returns the room with the given id, or ErrRoomNotFound.
func (reg *Registry) GetOrErr(id string) (*Room, error) {
	room := reg.Get(id)
	if room == nil {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Join attaches conn to room under the given role (§4.5 invariants 1-3).
func (reg *Registry) Join(room *Room, role string, conn DuplexConn) (receiverID string, err error) {
	switch role {
	case "broadcaster":
		return "", room.JoinBroadcaster(conn)
	case "receiver":
		return room.JoinReceiver(conn, generateReceiverID)
	default:
		return "", ErrInvalidRole
	}
}

// Leave detaches conn from room under role, and conditionally destroys the
// room per invariant 8.
func (reg *Registry) Leave(room *Room, role string, receiverID string, conn DuplexConn) {
	switch role {
	case "broadcaster":
		room.LeaveBroadcaster(conn)
		if t := room.GetTranscoder(); t != nil {
			t.Stop()
		}
		room.SetTranscoder(nil)
		room.EndAllRelayListeners()
	case "receiver":
		room.LeaveReceiver(receiverID)
	}
	reg.maybeDestroy(room)
}

// maybeDestroy removes room from the registry immediately if it has no
// broadcaster, no receivers, no ended_at, and no content (invariant 8).
func (reg *Registry) maybeDestroy(room *Room) {
	if room.IsVacant() && !room.HasEnded() && room.IsEmptyContent() {
		reg.mu.Lock()
		delete(reg.rooms, room.ID())
		reg.mu.Unlock()
	}
}

// ListRooms returns a snapshot of all rooms currently tracked, live or
// retained (used by GET /admin/rooms).
func (reg *Registry) ListRooms() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		out = append(out, room)
	}
	return out
}

// ListSlugHistory returns all persisted slugs (§4.5, §6.5).
func (reg *Registry) ListSlugHistory() ([]string, error) {
	if reg.store == nil {
		return nil, nil
	}
	return reg.store.ListSlugs()
}

// RemoveSlug deletes a slug from persisted history.
func (reg *Registry) RemoveSlug(slug string) error {
	if reg.store == nil {
		return nil
	}
	return reg.store.RemoveSlug(slug)
}

// LogStats sanitizes and logs a stats payload from a connection (§4.5).
// Only scalar string/number/bool values are accepted; the keys
// "__proto__", "constructor", "roomId", and "role" are rejected defensively even
// though Go maps have no prototype-pollution hazard, to preserve the
// spec's documented contract for any cross-language client.
func (reg *Registry) LogStats(roomID, role string, data map[string]any) {
	clean := make(map[string]any, len(data))
	for k, v := range data {
		if k == "__proto__" || k == "constructor" || k == "roomId" || k == "role" {
			continue
		}
		switch v.(type) {
		case string, float64, int, int64, bool:
			clean[k] = v
		}
	}
	slog.Info("room stats", "room", roomID, "role", role, "data", clean)
}

func (reg *Registry) sweepLoop() {
	ticker := time.NewTicker(roomSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.sweepExpired()
		case <-reg.stopSweep:
			return
		}
	}
}

// sweepExpired destroys every room whose ended_at is older than
// roomRetentionAfterEnd (§3.3, §5), defensively stopping its transcoder and
// ending its relay listeners first.
func (reg *Registry) sweepExpired() {
	now := time.Now()
	reg.mu.Lock()
	var expired []*Room
	for id, room := range reg.rooms {
		if room.HasEnded() && now.Sub(room.EndedAt()) > roomRetentionAfterEnd {
			expired = append(expired, room)
			delete(reg.rooms, id)
		}
	}
	reg.mu.Unlock()

	for _, room := range expired {
		if t := room.GetTranscoder(); t != nil {
			t.Stop()
		}
		room.EndAllRelayListeners()
		slog.Info("room expired", "room", room.ID())
	}
}

func generateRoomID() string {
	return randomHex(roomIDLength)
}

func generateReceiverID() string {
	return randomHex(receiverIDLength)
}

// randomHex returns n lowercase hex characters derived from a fresh
// random UUIDv4 (crypto/rand-backed), truncated to the id lengths §3.1
// specifies for room and receiver ids.
func randomHex(n int) string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:n]
}
