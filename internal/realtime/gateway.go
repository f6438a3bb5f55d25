package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/activity"
	"go.uber.org/zap"
)

// Error codes carried by error events.
const (
	CodeNotAuthenticated     = "not_authenticated"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeNotJoined            = "not_joined"
	CodeForbidden            = "forbidden"
	CodeNotFound             = "not_found"
	CodeValidation           = "validation_error"
	CodeStorage              = "storage_error"
	CodeRoomFull             = "room_full"
	CodeTooManyConnections   = "too_many_connections"
	CodeInternal             = "internal_error"
)

const (
	authReasonInvalidToken     = "invalid_token"
	authReasonIdentityMismatch = "identity_mismatch"
)

var (
	errMissingRegistry   = errors.New("realtime: registry required")
	errMissingVerifier   = errors.New("realtime: token verifier required")
	errMissingAuthorizer = errors.New("realtime: room authorizer required")
	errMissingActivity   = errors.New("realtime: activity log required")
	noOpLogger           = zap.NewNop()
)

// TokenVerifier validates a bearer token and returns its subject.
type TokenVerifier interface {
	ValidateToken(token string) (string, error)
}

// RoomAuthorizer decides whether a user may enter a project room or read its history.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, projectID, userID string) error
}

// ActivityLog persists accepted events.
type ActivityLog interface {
	Append(ctx context.Context, record activity.Record) (activity.Record, error)
	RecentByProject(ctx context.Context, projectID string, limit int) ([]activity.Record, error)
}

// Relay forwards room broadcasts to other nodes.
type Relay interface {
	Publish(ctx context.Context, projectID string, message ServerMessage) error
}

// GatewayConfig describes the collaborators of a Gateway.
type GatewayConfig struct {
	Registry   *Registry
	Verifier   TokenVerifier
	Authorizer RoomAuthorizer
	Activity   ActivityLog
	Relay      Relay
	Logger     *zap.Logger
	Clock      func() time.Time

	// SuppressSenderEcho excludes the originating connection from its own broadcasts.
	SuppressSenderEcho bool
	// SuppressOnStorageError skips presence broadcasts whose record failed to persist.
	SuppressOnStorageError bool
}

// Gateway runs the per-connection state machine against the registry, the
// authorizer and the activity log, and fans events out to room members.
type Gateway struct {
	registry               *Registry
	verifier               TokenVerifier
	authorizer             RoomAuthorizer
	activity               ActivityLog
	relay                  Relay
	logger                 *zap.Logger
	clock                  func() time.Time
	suppressSenderEcho     bool
	suppressOnStorageError bool
}

// NewGateway validates the configuration and constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errMissingRegistry
	case cfg.Verifier == nil:
		return nil, errMissingVerifier
	case cfg.Authorizer == nil:
		return nil, errMissingAuthorizer
	case cfg.Activity == nil:
		return nil, errMissingActivity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{
		registry:               cfg.Registry,
		verifier:               cfg.Verifier,
		authorizer:             cfg.Authorizer,
		activity:               cfg.Activity,
		relay:                  cfg.Relay,
		logger:                 logger,
		clock:                  clock,
		suppressSenderEcho:     cfg.SuppressSenderEcho,
		suppressOnStorageError: cfg.SuppressOnStorageError,
	}, nil
}

// Registry exposes the gateway's connection registry for read access.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// SessionState is the lifecycle position of a connection.
type SessionState int

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (state SessionState) String() string {
	switch state {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// Session is the state machine of one connection. Its methods are serialized so
// events from a connection are processed in arrival order.
type Session struct {
	gateway *Gateway
	id      ConnectionID
	peer    Peer

	mu        sync.Mutex
	state     SessionState
	userID    string
	projectID string
}

// Open registers a new connection and returns its session.
func (g *Gateway) Open(peer Peer) (*Session, error) {
	id := g.registry.NextConnectionID()
	if err := g.registry.Connect(id, peer); err != nil {
		return nil, err
	}
	g.logger.Debug("connection opened", zap.Uint64("connection_id", uint64(id)))
	return &Session{gateway: g, id: id, peer: peer, state: StateConnected}, nil
}

// ID returns the registry id of the connection.
func (s *Session) ID() ConnectionID {
	return s.id
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle processes one decoded client event.
func (s *Session) Handle(ctx context.Context, message ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	switch typed := message.(type) {
	case Authenticate:
		s.handleAuthenticate(typed)
	case JoinProject:
		s.handleJoin(ctx, typed)
	case LeaveProject:
		s.handleLeave(ctx, typed)
	case CursorMove:
		s.handleCursorMove(ctx, typed)
	case FileChange:
		s.handleFileChange(ctx, typed)
	default:
		s.sendError(fmt.Errorf("%w: unsupported event", ErrValidation))
	}
}

// Reject reports an event that could not be decoded. State is unchanged.
func (s *Session) Reject(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if !errors.Is(err, ErrValidation) {
		err = fmt.Errorf("%w: %v", ErrValidation, err)
	}
	s.sendError(err)
}

// Close removes the connection from the registry. When it was in a room the
// remaining members receive user-left. Repeated calls are no-ops.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	snapshot, existed := s.gateway.registry.Disconnect(s.id)
	s.gateway.logger.Debug("connection closed",
		zap.Uint64("connection_id", uint64(s.id)),
		zap.String("user_id", snapshot.UserID))
	if !existed || snapshot.ProjectID == "" {
		return
	}
	s.announceLeft(ctx, snapshot.ProjectID)
	s.projectID = ""
}

func (s *Session) handleAuthenticate(message Authenticate) {
	subject, err := s.gateway.verifier.ValidateToken(message.Token)
	if err != nil {
		s.gateway.logger.Info("websocket authentication rejected",
			zap.Uint64("connection_id", uint64(s.id)),
			zap.Error(err))
		s.send(ServerMessage{Event: KindAuthError, Data: AuthErrorData{Reason: authReasonInvalidToken}})
		return
	}
	if subject != message.UserID {
		s.send(ServerMessage{Event: KindAuthError, Data: AuthErrorData{Reason: authReasonIdentityMismatch}})
		return
	}
	if err := s.gateway.registry.Authenticate(s.id, subject); err != nil {
		s.sendError(err)
		return
	}
	s.userID = subject
	if s.state == StateConnected {
		s.state = StateAuthenticated
	}
	s.send(ServerMessage{Event: KindAuthenticated, Data: AuthenticatedData{Success: true}})
}

func (s *Session) handleJoin(ctx context.Context, message JoinProject) {
	if s.state == StateConnected {
		s.sendError(ErrNotAuthenticated)
		return
	}
	if s.state == StateJoined && s.projectID == message.ProjectID {
		return
	}
	if err := s.gateway.authorizer.AuthorizeRoom(ctx, message.ProjectID, s.userID); err != nil {
		s.sendError(err)
		return
	}
	previous, err := s.gateway.registry.Join(s.id, message.ProjectID)
	if err != nil {
		s.sendError(err)
		return
	}
	if previous != "" {
		s.announceLeft(ctx, previous)
	}
	s.projectID = message.ProjectID
	s.state = StateJoined

	record, err := s.gateway.appendRecord(ctx, activity.Record{
		ProjectID: message.ProjectID,
		UserID:    s.userID,
		Type:      activity.TypeUserJoined,
	})
	if err != nil {
		s.sendError(err)
		if s.gateway.suppressOnStorageError {
			return
		}
	}
	s.gateway.broadcast(ctx, message.ProjectID, s.echoExclusion(), ServerMessage{
		Event: KindUserJoined,
		Data:  PresenceData{UserID: s.userID, ProjectID: message.ProjectID, Timestamp: record.Timestamp()},
	})
}

func (s *Session) handleLeave(ctx context.Context, message LeaveProject) {
	if s.state == StateConnected {
		s.sendError(ErrNotAuthenticated)
		return
	}
	if s.state != StateJoined || s.projectID != message.ProjectID {
		return
	}
	projectID, left := s.gateway.registry.Leave(s.id)
	s.state = StateAuthenticated
	s.projectID = ""
	if !left {
		return
	}
	s.announceLeft(ctx, projectID)
}

// announceLeft persists UserLeft and tells the room's remaining members.
func (s *Session) announceLeft(ctx context.Context, projectID string) {
	record, err := s.gateway.appendRecord(ctx, activity.Record{
		ProjectID: projectID,
		UserID:    s.userID,
		Type:      activity.TypeUserLeft,
	})
	if err != nil && s.gateway.suppressOnStorageError {
		return
	}
	s.gateway.broadcast(ctx, projectID, 0, ServerMessage{
		Event: KindUserLeft,
		Data:  PresenceData{UserID: s.userID, ProjectID: projectID, Timestamp: record.Timestamp()},
	})
}

func (s *Session) handleCursorMove(ctx context.Context, message CursorMove) {
	if !s.requireJoined() {
		return
	}
	payload, err := json.Marshal(message.activityPayload())
	if err != nil {
		s.sendError(fmt.Errorf("%w: cursor position is not encodable: %v", ErrValidation, err))
		return
	}
	record, err := s.gateway.appendRecord(ctx, activity.Record{
		ProjectID:   s.projectID,
		UserID:      s.userID,
		Type:        activity.TypeCursorMoved,
		PayloadJSON: string(payload),
	})
	if err != nil {
		s.sendError(err)
	}
	s.gateway.broadcast(ctx, s.projectID, s.echoExclusion(), ServerMessage{
		Event: KindCursorUpdate,
		Data:  CursorUpdateData{UserID: s.userID, X: message.X, Y: message.Y, Timestamp: record.Timestamp()},
	})
}

func (s *Session) handleFileChange(ctx context.Context, message FileChange) {
	if !s.requireJoined() {
		return
	}
	payload, err := json.Marshal(message.activityPayload())
	if err != nil {
		s.sendError(fmt.Errorf("%w: changes are not encodable: %v", ErrValidation, err))
		return
	}
	record, err := s.gateway.appendRecord(ctx, activity.Record{
		ProjectID:   s.projectID,
		UserID:      s.userID,
		Type:        activity.TypeFileChanged,
		PayloadJSON: string(payload),
	})
	if err != nil {
		s.sendError(err)
	}
	s.gateway.broadcast(ctx, s.projectID, s.echoExclusion(), ServerMessage{
		Event: KindFileChanged,
		Data: FileChangedData{
			UserID:    s.userID,
			FileID:    message.FileID,
			Changes:   message.Changes,
			Timestamp: record.Timestamp(),
		},
	})
}

func (s *Session) requireJoined() bool {
	switch s.state {
	case StateConnected:
		s.sendError(ErrNotAuthenticated)
		return false
	case StateAuthenticated:
		s.sendError(ErrNotJoined)
		return false
	default:
		return true
	}
}

func (s *Session) echoExclusion() ConnectionID {
	if s.gateway.suppressSenderEcho {
		return s.id
	}
	return 0
}

func (s *Session) send(message ServerMessage) {
	if !s.peer.Deliver(message) {
		s.gateway.logger.Debug("outbound message dropped",
			zap.Uint64("connection_id", uint64(s.id)),
			zap.String("event", string(message.Event)))
	}
}

func (s *Session) sendError(err error) {
	code := ErrorCode(err)
	if code == CodeInternal {
		s.gateway.logger.Error("websocket event failed",
			zap.Uint64("connection_id", uint64(s.id)),
			zap.String("user_id", s.userID),
			zap.Error(err))
	}
	s.send(ServerMessage{Event: KindError, Data: ErrorData{Code: code, Message: err.Error()}})
}

// ErrorCode maps an error to the code reported in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case errors.Is(err, ErrAlreadyAuthenticated):
		return CodeAlreadyAuthenticated
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	case errors.Is(err, access.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, access.ErrProjectNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, activity.ErrInvalidType), errors.Is(err, activity.ErrInvalidRecord):
		return CodeValidation
	case errors.Is(err, activity.ErrStorage):
		return CodeStorage
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrTooManyConnections):
		return CodeTooManyConnections
	default:
		return CodeInternal
	}
}

// appendRecord persists the record. On failure the returned record still carries a
// usable timestamp so best-effort broadcasts can proceed.
func (g *Gateway) appendRecord(ctx context.Context, record activity.Record) (activity.Record, error) {
	stored, err := g.activity.Append(ctx, record)
	if err != nil {
		g.logger.Warn("activity append failed",
			zap.String("project_id", record.ProjectID),
			zap.String("activity_type", string(record.Type)),
			zap.Error(err))
		record.OccurredAtMicros = g.clock().UTC().UnixMicro()
		return record, err
	}
	return stored, nil
}

func (g *Gateway) broadcast(ctx context.Context, projectID string, exclude ConnectionID, message ServerMessage) {
	g.deliver(projectID, exclude, message)
	if g.relay == nil {
		return
	}
	if err := g.relay.Publish(ctx, projectID, message); err != nil {
		g.logger.Warn("relay publish failed",
			zap.String("project_id", projectID),
			zap.String("event", string(message.Event)),
			zap.Error(err))
	}
}

// DeliverLocal fans a message out to the room's members on this node.
func (g *Gateway) DeliverLocal(projectID string, message ServerMessage) {
	g.deliver(projectID, 0, message)
}

func (g *Gateway) deliver(projectID string, exclude ConnectionID, message ServerMessage) {
	for _, id := range g.registry.MembersOf(projectID) {
		if id == exclude {
			continue
		}
		peer, ok := g.registry.Peer(id)
		if !ok {
			continue
		}
		if !peer.Deliver(message) {
			g.logger.Debug("outbound message dropped",
				zap.Uint64("connection_id", uint64(id)),
				zap.String("project_id", projectID),
				zap.String("event", string(message.Event)))
		}
	}
}

// ReadHistory returns the room's most recent activity after checking access.
func (g *Gateway) ReadHistory(ctx context.Context, projectID, userID string, limit int) ([]activity.Record, error) {
	if err := g.authorizer.AuthorizeRoom(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return g.activity.RecentByProject(ctx, projectID, limit)
}

// decodePublishPayload applies the stream schema of the matching client event.
func decodePublishPayload(eventType activity.Type, payload json.RawMessage) (map[string]any, error) {
	kind := KindCursorMove
	if eventType == activity.TypeFileChanged {
		kind = KindFileChange
	}
	message, err := decodeClientData(string(kind), payload, json.Unmarshal)
	if err != nil {
		return nil, err
	}
	switch typed := message.(type) {
	case CursorMove:
		return typed.activityPayload(), nil
	case FileChange:
		return typed.activityPayload(), nil
	default:
		return nil, fmt.Errorf("%w: unexpected %s payload", ErrValidation, eventType)
	}
}

// Publish injects a cursor or file event from outside the stream. The record is
// persisted before the room receives an activity event.
func (g *Gateway) Publish(ctx context.Context, projectID, userID string, eventType activity.Type, payload json.RawMessage) (activity.Record, error) {
	if eventType != activity.TypeCursorMoved && eventType != activity.TypeFileChanged {
		return activity.Record{}, fmt.Errorf("%w: %s cannot be published", ErrValidation, eventType)
	}
	decoded, err := decodePublishPayload(eventType, payload)
	if err != nil {
		return activity.Record{}, err
	}
	if err := g.authorizer.AuthorizeRoom(ctx, projectID, userID); err != nil {
		return activity.Record{}, err
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return activity.Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	record, err := g.activity.Append(ctx, activity.Record{
		ProjectID:   projectID,
		UserID:      userID,
		Type:        eventType,
		PayloadJSON: string(encoded),
	})
	if err != nil {
		return activity.Record{}, err
	}
	g.broadcast(ctx, projectID, 0, ServerMessage{Event: KindActivity, Data: ActivityData{
		ID:        record.ID,
		ProjectID: record.ProjectID,
		UserID:    record.UserID,
		Type:      string(record.Type),
		Payload:   decoded,
		Timestamp: record.Timestamp(),
	}})
	return record, nil
}
