package realtime

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotAuthenticated indicates that the action requires a prior authenticate.
	ErrNotAuthenticated = errors.New("realtime: not authenticated")
	// ErrAlreadyAuthenticated indicates a re-authentication attempt with a different identity.
	ErrAlreadyAuthenticated = errors.New("realtime: already authenticated")
	// ErrNotJoined indicates that the action requires membership in a room.
	ErrNotJoined = errors.New("realtime: not joined")
	// ErrValidation indicates an unknown event kind or a malformed payload.
	ErrValidation = errors.New("realtime: validation error")
	// ErrConnectionClosed indicates that the connection is no longer registered.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrConnectionExists indicates that a connection id is already registered.
	ErrConnectionExists = errors.New("realtime: connection already registered")
	// ErrRoomFull indicates that the room reached its configured size.
	ErrRoomFull = errors.New("realtime: room full")
	// ErrTooManyConnections indicates that the user reached the per-user connection limit.
	ErrTooManyConnections = errors.New("realtime: too many connections")
)

// ConnectionID identifies one live transport connection within this process.
type ConnectionID uint64

// Peer is the outbound delivery handle of a connection. Deliver must not block;
// it reports false when the message was dropped.
type Peer interface {
	Deliver(message ServerMessage) bool
}

// ConnectionSnapshot is a point-in-time copy of a registry entry.
type ConnectionSnapshot struct {
	ID        ConnectionID
	UserID    string
	ProjectID string
}

type connectionEntry struct {
	peer      Peer
	userID    string
	projectID string
}

// RegistryConfig bounds the registry. Zero values leave a dimension unbounded.
type RegistryConfig struct {
	MaxRoomSize           int
	MaxConnectionsPerUser int
}

// Registry indexes live connections by user and by project room. A single mutex
// guards the entries and both indices so they never disagree.
type Registry struct {
	mu      sync.Mutex
	entries map[ConnectionID]*connectionEntry
	byUser  map[string]map[ConnectionID]struct{}
	byRoom  map[string]map[ConnectionID]struct{}

	maxRoomSize           int
	maxConnectionsPerUser int
	nextID                atomic.Uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		entries:               make(map[ConnectionID]*connectionEntry),
		byUser:                make(map[string]map[ConnectionID]struct{}),
		byRoom:                make(map[string]map[ConnectionID]struct{}),
		maxRoomSize:           max(cfg.MaxRoomSize, 0),
		maxConnectionsPerUser: max(cfg.MaxConnectionsPerUser, 0),
	}
}

// NextConnectionID allocates a process-unique connection id.
func (r *Registry) NextConnectionID() ConnectionID {
	return ConnectionID(r.nextID.Add(1))
}

// Connect registers a new, unauthenticated connection.
func (r *Registry) Connect(id ConnectionID, peer Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return ErrConnectionExists
	}
	r.entries[id] = &connectionEntry{peer: peer}
	return nil
}

// Authenticate binds the connection to a user. Binding the same user twice is a no-op.
func (r *Registry) Authenticate(id ConnectionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return ErrConnectionClosed
	}
	if entry.userID != "" {
		if entry.userID == userID {
			return nil
		}
		return ErrAlreadyAuthenticated
	}
	if r.maxConnectionsPerUser > 0 && len(r.byUser[userID]) >= r.maxConnectionsPerUser {
		return ErrTooManyConnections
	}
	entry.userID = userID
	addToIndex(r.byUser, userID, id)
	return nil
}

// Join places the connection in a room, leaving its previous room if any. It returns
// the previous room id, or "" when the connection was in no room.
func (r *Registry) Join(id ConnectionID, projectID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return "", ErrConnectionClosed
	}
	if entry.userID == "" {
		return "", ErrNotAuthenticated
	}
	if entry.projectID == projectID {
		return "", nil
	}
	if r.maxRoomSize > 0 && len(r.byRoom[projectID]) >= r.maxRoomSize {
		return "", ErrRoomFull
	}
	previous := entry.projectID
	if previous != "" {
		removeFromIndex(r.byRoom, previous, id)
	}
	entry.projectID = projectID
	addToIndex(r.byRoom, projectID, id)
	return previous, nil
}

// Leave removes the connection from its room. left is false when it was in no room.
func (r *Registry) Leave(id ConnectionID) (projectID string, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || entry.projectID == "" {
		return "", false
	}
	projectID = entry.projectID
	removeFromIndex(r.byRoom, projectID, id)
	entry.projectID = ""
	return projectID, true
}

// Disconnect removes the connection from every index. Repeated calls are no-ops that
// report existed=false.
func (r *Registry) Disconnect(id ConnectionID) (snapshot ConnectionSnapshot, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return ConnectionSnapshot{ID: id}, false
	}
	if entry.userID != "" {
		removeFromIndex(r.byUser, entry.userID, id)
	}
	if entry.projectID != "" {
		removeFromIndex(r.byRoom, entry.projectID, id)
	}
	delete(r.entries, id)
	return ConnectionSnapshot{ID: id, UserID: entry.userID, ProjectID: entry.projectID}, true
}

// MembersOf returns the connections currently in the room, sorted by id.
func (r *Registry) MembersOf(projectID string) []ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDs(r.byRoom[projectID])
}

// ConnectionsOf returns the user's live connections, sorted by id.
func (r *Registry) ConnectionsOf(userID string) []ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDs(r.byUser[userID])
}

// RoomSize reports how many connections are in the room.
func (r *Registry) RoomSize(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byRoom[projectID])
}

// Peer resolves the delivery handle of a connection.
func (r *Registry) Peer(id ConnectionID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.peer, true
}

func addToIndex(index map[string]map[ConnectionID]struct{}, key string, id ConnectionID) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[ConnectionID]struct{})
		index[key] = bucket
	}
	bucket[id] = struct{}{}
}

func removeFromIndex(index map[string]map[ConnectionID]struct{}, key string, id ConnectionID) {
	bucket := index[key]
	if bucket == nil {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(index, key)
	}
}

func sortedIDs(bucket map[ConnectionID]struct{}) []ConnectionID {
	ids := make([]ConnectionID, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
