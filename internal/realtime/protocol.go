package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gobwas/ws"
)

// ClientKind names an event a client may send.
type ClientKind string

// ServerKind names an event the server emits.
type ServerKind string

const (
	KindAuthenticate ClientKind = "authenticate"
	KindJoinProject  ClientKind = "join-project"
	KindLeaveProject ClientKind = "leave-project"
	KindCursorMove   ClientKind = "cursor-move"
	KindFileChange   ClientKind = "file-change"
)

const (
	KindAuthenticated ServerKind = "authenticated"
	KindAuthError     ServerKind = "auth-error"
	KindUserJoined    ServerKind = "user-joined"
	KindUserLeft      ServerKind = "user-left"
	KindCursorUpdate  ServerKind = "cursor-update"
	KindFileChanged   ServerKind = "file-changed"
	KindActivity      ServerKind = "activity"
	KindError         ServerKind = "error"
)

// ClientMessage is one decoded client event. The concrete types are
// Authenticate, JoinProject, LeaveProject, CursorMove and FileChange.
type ClientMessage interface {
	Kind() ClientKind
}

type Authenticate struct {
	UserID string
	Token  string
}

type JoinProject struct {
	ProjectID string
}

type LeaveProject struct {
	ProjectID string
}

type CursorMove struct {
	X float64
	Y float64
}

// FileChange carries an opaque change payload that is relayed without interpretation.
type FileChange struct {
	FileID  string
	Changes any
}

func (Authenticate) Kind() ClientKind { return KindAuthenticate }
func (JoinProject) Kind() ClientKind  { return KindJoinProject }
func (LeaveProject) Kind() ClientKind { return KindLeaveProject }
func (CursorMove) Kind() ClientKind   { return KindCursorMove }
func (FileChange) Kind() ClientKind   { return KindFileChange }

// ServerMessage is one outbound event. Data holds one of the *Data types below.
type ServerMessage struct {
	Event ServerKind
	Data  any
}

type AuthenticatedData struct {
	Success bool `json:"success" cbor:"success"`
}

type AuthErrorData struct {
	Reason string `json:"reason" cbor:"reason"`
}

// PresenceData is the payload of user-joined and user-left.
type PresenceData struct {
	UserID    string    `json:"userId" cbor:"userId"`
	ProjectID string    `json:"projectId" cbor:"projectId"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

type CursorUpdateData struct {
	UserID    string    `json:"userId" cbor:"userId"`
	X         float64   `json:"x" cbor:"x"`
	Y         float64   `json:"y" cbor:"y"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

type FileChangedData struct {
	UserID    string    `json:"userId" cbor:"userId"`
	FileID    string    `json:"fileId" cbor:"fileId"`
	Changes   any       `json:"changes" cbor:"changes"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// ActivityData mirrors an activity record for events published outside the stream.
type ActivityData struct {
	ID        string    `json:"id" cbor:"id"`
	ProjectID string    `json:"projectId" cbor:"projectId"`
	UserID    string    `json:"userId" cbor:"userId"`
	Type      string    `json:"type" cbor:"type"`
	Payload   any       `json:"payload" cbor:"payload"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

type ErrorData struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// Codec converts between websocket frame payloads and protocol messages.
type Codec interface {
	Name() string
	OpCode() ws.OpCode
	DecodeClient(payload []byte) (ClientMessage, error)
	EncodeServer(message ServerMessage) ([]byte, error)
	DecodeServer(payload []byte) (ServerMessage, error)
}

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// CodecFor resolves the codec selected by the ?encoding= query parameter.
func CodecFor(encoding string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingJSON:
		return JSONCodec{}, nil
	case EncodingCBOR:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrValidation, encoding)
	}
}

type envelope[R any] struct {
	Event string `json:"event" cbor:"event"`
	Data  R      `json:"data,omitempty" cbor:"data,omitempty"`
}

type authenticateWire struct {
	UserID string `json:"userId" cbor:"userId"`
	Token  string `json:"token" cbor:"token"`
}

type projectWire struct {
	ProjectID string `json:"projectId" cbor:"projectId"`
}

type cursorWire struct {
	X *float64 `json:"x" cbor:"x"`
	Y *float64 `json:"y" cbor:"y"`
}

type fileChangeWire struct {
	FileID  string `json:"fileId" cbor:"fileId"`
	Changes any    `json:"changes" cbor:"changes"`
}

func decodeClientData(event string, data []byte, unmarshal func([]byte, any) error) (ClientMessage, error) {
	decode := func(target any) error {
		if len(data) == 0 {
			return nil
		}
		if err := unmarshal(data, target); err != nil {
			return fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, event, err)
		}
		return nil
	}

	switch ClientKind(event) {
	case KindAuthenticate:
		var wire authenticateWire
		if err := decode(&wire); err != nil {
			return nil, err
		}
		userID := strings.TrimSpace(wire.UserID)
		if userID == "" || strings.TrimSpace(wire.Token) == "" {
			return nil, fmt.Errorf("%w: authenticate requires userId and token", ErrValidation)
		}
		return Authenticate{UserID: userID, Token: strings.TrimSpace(wire.Token)}, nil
	case KindJoinProject, KindLeaveProject:
		var wire projectWire
		if err := decode(&wire); err != nil {
			return nil, err
		}
		projectID := strings.TrimSpace(wire.ProjectID)
		if projectID == "" {
			return nil, fmt.Errorf("%w: %s requires projectId", ErrValidation, event)
		}
		if ClientKind(event) == KindJoinProject {
			return JoinProject{ProjectID: projectID}, nil
		}
		return LeaveProject{ProjectID: projectID}, nil
	case KindCursorMove:
		var wire cursorWire
		if err := decode(&wire); err != nil {
			return nil, err
		}
		if wire.X == nil || wire.Y == nil {
			return nil, fmt.Errorf("%w: cursor-move requires numeric x and y", ErrValidation)
		}
		if !isFinite(*wire.X) || !isFinite(*wire.Y) {
			return nil, fmt.Errorf("%w: cursor-move coordinates must be finite", ErrValidation)
		}
		return CursorMove{X: *wire.X, Y: *wire.Y}, nil
	case KindFileChange:
		var wire fileChangeWire
		if err := decode(&wire); err != nil {
			return nil, err
		}
		fileID := strings.TrimSpace(wire.FileID)
		if fileID == "" || wire.Changes == nil {
			return nil, fmt.Errorf("%w: file-change requires fileId and changes", ErrValidation)
		}
		return FileChange{FileID: fileID, Changes: wire.Changes}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, event)
	}
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// activityPayload is the record payload stored for a cursor move.
func (m CursorMove) activityPayload() map[string]any {
	return map[string]any{"x": m.X, "y": m.Y}
}

// activityPayload is the record payload stored for a file change.
func (m FileChange) activityPayload() map[string]any {
	return map[string]any{"fileId": m.FileID, "changes": m.Changes}
}

func decodeServerData(event string, data []byte, unmarshal func([]byte, any) error) (ServerMessage, error) {
	var target any
	switch ServerKind(event) {
	case KindAuthenticated:
		target = &AuthenticatedData{}
	case KindAuthError:
		target = &AuthErrorData{}
	case KindUserJoined, KindUserLeft:
		target = &PresenceData{}
	case KindCursorUpdate:
		target = &CursorUpdateData{}
	case KindFileChanged:
		target = &FileChangedData{}
	case KindActivity:
		target = &ActivityData{}
	case KindError:
		target = &ErrorData{}
	default:
		return ServerMessage{}, fmt.Errorf("%w: unknown server event %q", ErrValidation, event)
	}
	if len(data) > 0 {
		if err := unmarshal(data, target); err != nil {
			return ServerMessage{}, fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, event, err)
		}
	}
	return ServerMessage{Event: ServerKind(event), Data: reflect.ValueOf(target).Elem().Interface()}, nil
}

// JSONCodec exchanges UTF-8 JSON envelopes over text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string      { return EncodingJSON }
func (JSONCodec) OpCode() ws.OpCode { return ws.OpText }

func (JSONCodec) DecodeClient(payload []byte) (ClientMessage, error) {
	var wire envelope[json.RawMessage]
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}
	return decodeClientData(wire.Event, wire.Data, json.Unmarshal)
}

func (JSONCodec) EncodeServer(message ServerMessage) ([]byte, error) {
	return json.Marshal(envelope[any]{Event: string(message.Event), Data: message.Data})
}

func (JSONCodec) DecodeServer(payload []byte) (ServerMessage, error) {
	var wire envelope[json.RawMessage]
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}
	return decodeServerData(wire.Event, wire.Data, json.Unmarshal)
}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	cborEncMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	// string-keyed maps keep opaque payloads encodable as JSON for the activity log
	cborDecMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBORCodec exchanges CBOR envelopes over binary frames.
type CBORCodec struct{}

func (CBORCodec) Name() string      { return EncodingCBOR }
func (CBORCodec) OpCode() ws.OpCode { return ws.OpBinary }

func (CBORCodec) DecodeClient(payload []byte) (ClientMessage, error) {
	var wire envelope[cbor.RawMessage]
	if err := cborDecMode.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}
	return decodeClientData(wire.Event, wire.Data, cborDecMode.Unmarshal)
}

func (CBORCodec) EncodeServer(message ServerMessage) ([]byte, error) {
	return cborEncMode.Marshal(envelope[any]{Event: string(message.Event), Data: message.Data})
}

func (CBORCodec) DecodeServer(payload []byte) (ServerMessage, error) {
	var wire envelope[cbor.RawMessage]
	if err := cborDecMode.Unmarshal(payload, &wire); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}
	return decodeServerData(wire.Event, wire.Data, cborDecMode.Unmarshal)
}

// EncodeClient serializes a client event. The server never calls it; clients and tests do.
func EncodeClient(codec Codec, message ClientMessage) ([]byte, error) {
	var data any
	switch typed := message.(type) {
	case Authenticate:
		data = authenticateWire{UserID: typed.UserID, Token: typed.Token}
	case JoinProject:
		data = projectWire{ProjectID: typed.ProjectID}
	case LeaveProject:
		data = projectWire{ProjectID: typed.ProjectID}
	case CursorMove:
		data = cursorWire{X: &typed.X, Y: &typed.Y}
	case FileChange:
		data = fileChangeWire{FileID: typed.FileID, Changes: typed.Changes}
	default:
		return nil, errors.New("realtime: unsupported client message")
	}
	wire := envelope[any]{Event: string(message.Kind()), Data: data}
	switch codec.(type) {
	case CBORCodec:
		return cborEncMode.Marshal(wire)
	default:
		return json.Marshal(wire)
	}
}
