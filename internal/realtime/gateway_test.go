package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/access"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/activity"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type recordingPeer struct {
	mu       sync.Mutex
	messages []ServerMessage
}

func (p *recordingPeer) Deliver(message ServerMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return true
}

func (p *recordingPeer) take() []ServerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	messages := p.messages
	p.messages = nil
	return messages
}

type staticVerifier map[string]string

func (v staticVerifier) ValidateToken(token string) (string, error) {
	subject, ok := v[token]
	if !ok {
		return "", errors.New("token rejected")
	}
	return subject, nil
}

type memoryDirectory struct {
	mu      sync.Mutex
	owners  map[string]string
	members map[string]map[string]access.Role
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{owners: map[string]string{}, members: map[string]map[string]access.Role{}}
}

func (d *memoryDirectory) addProject(projectID, ownerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[projectID] = ownerID
}

func (d *memoryDirectory) invite(projectID, userID string, role access.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[projectID] == nil {
		d.members[projectID] = map[string]access.Role{}
	}
	d.members[projectID][userID] = role
}

func (d *memoryDirectory) FindProjectOwner(_ context.Context, projectID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ownerID, ok := d.owners[projectID]
	if !ok {
		return "", access.ErrProjectNotFound
	}
	return ownerID, nil
}

func (d *memoryDirectory) FindMembership(_ context.Context, projectID, userID string) (access.Membership, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.members[projectID][userID]
	if !ok {
		return access.Membership{}, false, nil
	}
	return access.Membership{ProjectID: projectID, UserID: userID, Role: role}, true, nil
}

type failingStore struct{}

func (failingStore) Insert(context.Context, activity.Record) error {
	return errors.New("disk full")
}

func (failingStore) ListRecent(context.Context, string, int) ([]activity.Record, error) {
	return nil, errors.New("disk full")
}

type gatewayHarness struct {
	gateway   *Gateway
	directory *memoryDirectory
	log       *activity.Log
}

func newGatewayHarness(t *testing.T, configure func(*GatewayConfig)) *gatewayHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "realtime.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&activity.Record{}); err != nil {
		t.Fatalf("failed to migrate activity schema: %v", err)
	}
	store, err := activity.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return newGatewayHarnessWithStore(t, store, configure)
}

func newGatewayHarnessWithStore(t *testing.T, store activity.Store, configure func(*GatewayConfig)) *gatewayHarness {
	t.Helper()
	log, err := activity.NewLog(activity.LogConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create activity log: %v", err)
	}
	directory := newMemoryDirectory()
	gate, err := access.NewGate(directory)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	cfg := GatewayConfig{
		Registry:   NewRegistry(RegistryConfig{}),
		Verifier:   staticVerifier{"token-a": "user-a", "token-b": "user-b", "token-c": "user-c"},
		Authorizer: gate,
		Activity:   log,
	}
	if configure != nil {
		configure(&cfg)
	}
	gateway, err := NewGateway(cfg)
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	return &gatewayHarness{gateway: gateway, directory: directory, log: log}
}

func (h *gatewayHarness) open(t *testing.T) (*Session, *recordingPeer) {
	t.Helper()
	peer := &recordingPeer{}
	session, err := h.gateway.Open(peer)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return session, peer
}

func (h *gatewayHarness) joined(t *testing.T, userID, token, projectID string) (*Session, *recordingPeer) {
	t.Helper()
	session, peer := h.open(t)
	ctx := context.Background()
	session.Handle(ctx, Authenticate{UserID: userID, Token: token})
	session.Handle(ctx, JoinProject{ProjectID: projectID})
	if session.State() != StateJoined {
		t.Fatalf("expected %s to be joined, state=%s messages=%#v", userID, session.State(), peer.take())
	}
	return session, peer
}

func expectEvents(t *testing.T, messages []ServerMessage, kinds ...ServerKind) {
	t.Helper()
	if len(messages) != len(kinds) {
		t.Fatalf("expected %d messages %v, got %#v", len(kinds), kinds, messages)
	}
	for index, kind := range kinds {
		if messages[index].Event != kind {
			t.Fatalf("message %d: expected %s, got %s (%#v)", index, kind, messages[index].Event, messages[index].Data)
		}
	}
}

func expectErrorCode(t *testing.T, messages []ServerMessage, code string) {
	t.Helper()
	expectEvents(t, messages, KindError)
	if got := messages[0].Data.(ErrorData).Code; got != code {
		t.Fatalf("expected error code %s, got %s", code, got)
	}
}

func TestCursorBroadcastReachesRoomAndAbruptDisconnectAnnouncesLeave(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	harness.directory.invite("project-p", "user-b", access.RoleCollaborator)
	ctx := context.Background()

	sessionA, peerA := harness.joined(t, "user-a", "token-a", "project-p")
	sessionB, peerB := harness.joined(t, "user-b", "token-b", "project-p")
	peerA.take()
	peerB.take()

	sessionA.Handle(ctx, CursorMove{X: 1, Y: 2})
	for name, peer := range map[string]*recordingPeer{"A": peerA, "B": peerB} {
		messages := peer.take()
		expectEvents(t, messages, KindCursorUpdate)
		update := messages[0].Data.(CursorUpdateData)
		if update.UserID != "user-a" || update.X != 1 || update.Y != 2 {
			t.Fatalf("%s received unexpected cursor update %#v", name, update)
		}
	}

	sessionA.Close(ctx)
	messages := peerB.take()
	expectEvents(t, messages, KindUserLeft)
	if left := messages[0].Data.(PresenceData); left.UserID != "user-a" || left.ProjectID != "project-p" {
		t.Fatalf("unexpected user-left payload %#v", left)
	}
	if len(peerA.take()) != 0 {
		t.Fatalf("closed connection must not receive its own user-left")
	}
	members := harness.gateway.Registry().MembersOf("project-p")
	if len(members) != 1 || members[0] != sessionB.ID() {
		t.Fatalf("expected only B in the room, got %v", members)
	}

	sessionA.Close(ctx)
	if len(peerB.take()) != 0 {
		t.Fatalf("second close must not broadcast again")
	}
}

func TestInvalidEventWhileJoinedIsRejectedWithoutSideEffects(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	harness.directory.invite("project-p", "user-b", access.RoleViewer)
	ctx := context.Background()

	sessionA, peerA := harness.joined(t, "user-a", "token-a", "project-p")
	_, peerB := harness.joined(t, "user-b", "token-b", "project-p")
	peerA.take()
	peerB.take()
	before, err := harness.log.RecentByProject(ctx, "project-p", 100)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}

	_, decodeErr := JSONCodec{}.DecodeClient([]byte(`{"event":"typing","data":{"fileId":"f-1"}}`))
	if !errors.Is(decodeErr, ErrValidation) {
		t.Fatalf("expected validation error from codec, got %v", decodeErr)
	}
	sessionA.Reject(decodeErr)

	expectErrorCode(t, peerA.take(), CodeValidation)
	if messages := peerB.take(); len(messages) != 0 {
		t.Fatalf("expected no broadcast, got %#v", messages)
	}
	if sessionA.State() != StateJoined {
		t.Fatalf("expected state to remain joined, got %s", sessionA.State())
	}
	after, err := harness.log.RecentByProject(ctx, "project-p", 100)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected no new activity record, had %d now %d", len(before), len(after))
	}

	_, err = harness.gateway.Publish(ctx, "project-p", "user-a", activity.TypeUserJoined, nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for presence publish, got %v", err)
	}
	if messages := peerB.take(); len(messages) != 0 {
		t.Fatalf("expected no broadcast after rejected publish, got %#v", messages)
	}
}

func TestHistoryRequiresRoomAccess(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	ctx := context.Background()

	sessionA, _ := harness.joined(t, "user-a", "token-a", "project-p")
	if members := harness.gateway.Registry().MembersOf("project-p"); len(members) != 1 || members[0] != sessionA.ID() {
		t.Fatalf("expected A in the room index, got %v", members)
	}
	sessionA.Handle(ctx, CursorMove{X: 3, Y: 4})

	if _, err := harness.gateway.ReadHistory(ctx, "project-p", "user-b", 10); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected forbidden before invite, got %v", err)
	}

	harness.directory.invite("project-p", "user-b", access.RoleCollaborator)
	records, err := harness.gateway.ReadHistory(ctx, "project-p", "user-b", 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != activity.TypeCursorMoved || records[1].Type != activity.TypeUserJoined {
		t.Fatalf("expected newest first, got %s then %s", records[0].Type, records[1].Type)
	}
	if records[0].OccurredAtMicros <= records[1].OccurredAtMicros {
		t.Fatalf("expected strictly newer first record")
	}

	if _, err := harness.gateway.ReadHistory(ctx, "project-missing", "user-a", 10); !errors.Is(err, access.ErrProjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuthenticationStateMachine(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	ctx := context.Background()
	session, peer := harness.open(t)

	session.Handle(ctx, JoinProject{ProjectID: "project-p"})
	expectErrorCode(t, peer.take(), CodeNotAuthenticated)

	session.Handle(ctx, CursorMove{X: 1, Y: 1})
	expectErrorCode(t, peer.take(), CodeNotAuthenticated)

	session.Handle(ctx, LeaveProject{ProjectID: "project-p"})
	expectErrorCode(t, peer.take(), CodeNotAuthenticated)

	session.Handle(ctx, Authenticate{UserID: "user-a", Token: "forged"})
	messages := peer.take()
	expectEvents(t, messages, KindAuthError)
	if reason := messages[0].Data.(AuthErrorData).Reason; reason != authReasonInvalidToken {
		t.Fatalf("unexpected auth-error reason %s", reason)
	}

	session.Handle(ctx, Authenticate{UserID: "user-b", Token: "token-a"})
	messages = peer.take()
	expectEvents(t, messages, KindAuthError)
	if reason := messages[0].Data.(AuthErrorData).Reason; reason != authReasonIdentityMismatch {
		t.Fatalf("unexpected auth-error reason %s", reason)
	}
	if session.State() != StateConnected {
		t.Fatalf("expected connected state after failures, got %s", session.State())
	}

	session.Handle(ctx, Authenticate{UserID: "user-a", Token: "token-a"})
	expectEvents(t, peer.take(), KindAuthenticated)
	if session.State() != StateAuthenticated {
		t.Fatalf("expected authenticated state, got %s", session.State())
	}

	session.Handle(ctx, Authenticate{UserID: "user-a", Token: "token-a"})
	expectEvents(t, peer.take(), KindAuthenticated)

	session.Handle(ctx, Authenticate{UserID: "user-b", Token: "token-b"})
	expectErrorCode(t, peer.take(), CodeAlreadyAuthenticated)

	session.Handle(ctx, FileChange{FileID: "f-1", Changes: []any{"x"}})
	expectErrorCode(t, peer.take(), CodeNotJoined)

	session.Handle(ctx, LeaveProject{ProjectID: "project-p"})
	if messages := peer.take(); len(messages) != 0 {
		t.Fatalf("leave while not joined must be a no-op, got %#v", messages)
	}
}

func TestJoinDenialKeepsAuthenticatedState(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	ctx := context.Background()
	session, peer := harness.open(t)
	session.Handle(ctx, Authenticate{UserID: "user-b", Token: "token-b"})
	peer.take()

	session.Handle(ctx, JoinProject{ProjectID: "project-p"})
	expectErrorCode(t, peer.take(), CodeForbidden)
	session.Handle(ctx, JoinProject{ProjectID: "project-unknown"})
	expectErrorCode(t, peer.take(), CodeNotFound)

	if session.State() != StateAuthenticated {
		t.Fatalf("expected authenticated state, got %s", session.State())
	}
	if size := harness.gateway.Registry().RoomSize("project-p"); size != 0 {
		t.Fatalf("expected empty room, got %d", size)
	}
}

func TestSwitchingRoomsAnnouncesLeaveFirst(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-1", "user-a")
	harness.directory.addProject("project-2", "user-a")
	harness.directory.invite("project-1", "user-b", access.RoleViewer)
	ctx := context.Background()

	sessionA, peerA := harness.joined(t, "user-a", "token-a", "project-1")
	_, peerB := harness.joined(t, "user-b", "token-b", "project-1")
	peerA.take()
	peerB.take()

	sessionA.Handle(ctx, JoinProject{ProjectID: "project-2"})
	expectEvents(t, peerB.take(), KindUserLeft)
	messages := peerA.take()
	expectEvents(t, messages, KindUserJoined)
	if joined := messages[0].Data.(PresenceData); joined.ProjectID != "project-2" {
		t.Fatalf("unexpected join payload %#v", joined)
	}

	sessionA.Handle(ctx, LeaveProject{ProjectID: "project-2"})
	if sessionA.State() != StateAuthenticated {
		t.Fatalf("expected authenticated after leave, got %s", sessionA.State())
	}
	if harness.gateway.Registry().RoomSize("project-2") != 0 {
		t.Fatalf("expected project-2 to be empty")
	}

	records, err := harness.log.RecentByProject(ctx, "project-1", 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if records[0].Type != activity.TypeUserLeft || records[0].UserID != "user-a" {
		t.Fatalf("expected user-left record for A, got %#v", records[0])
	}
}

func TestSenderEchoCanBeSuppressed(t *testing.T) {
	harness := newGatewayHarness(t, func(cfg *GatewayConfig) {
		cfg.SuppressSenderEcho = true
	})
	harness.directory.addProject("project-p", "user-a")
	harness.directory.invite("project-p", "user-b", access.RoleCollaborator)
	ctx := context.Background()

	sessionA, peerA := harness.joined(t, "user-a", "token-a", "project-p")
	_, peerB := harness.joined(t, "user-b", "token-b", "project-p")
	peerA.take()
	peerB.take()

	sessionA.Handle(ctx, FileChange{FileID: "f-1", Changes: map[string]any{"insert": "hello"}})
	if messages := peerA.take(); len(messages) != 0 {
		t.Fatalf("expected no echo to sender, got %#v", messages)
	}
	messages := peerB.take()
	expectEvents(t, messages, KindFileChanged)
	if changed := messages[0].Data.(FileChangedData); changed.FileID != "f-1" || changed.UserID != "user-a" {
		t.Fatalf("unexpected file-changed payload %#v", changed)
	}

	records, err := harness.log.RecentByProject(ctx, "project-p", 1)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(records[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("stored payload is not JSON: %v", err)
	}
	if payload["fileId"] != "f-1" {
		t.Fatalf("unexpected stored payload %s", records[0].PayloadJSON)
	}
}

func TestStorageFailurePolicy(t *testing.T) {
	testCases := []struct {
		name            string
		suppress        bool
		expectBroadcast bool
	}{
		{name: "best effort", suppress: false, expectBroadcast: true},
		{name: "suppress presence", suppress: true, expectBroadcast: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			harness := newGatewayHarnessWithStore(t, failingStore{}, func(cfg *GatewayConfig) {
				cfg.SuppressOnStorageError = testCase.suppress
				cfg.Logger = zap.New(core)
				cfg.Clock = func() time.Time { return time.Unix(1700000000, 0) }
			})
			harness.directory.addProject("project-p", "user-a")
			ctx := context.Background()
			session, peer := harness.open(t)
			session.Handle(ctx, Authenticate{UserID: "user-a", Token: "token-a"})
			peer.take()

			session.Handle(ctx, JoinProject{ProjectID: "project-p"})
			messages := peer.take()
			if testCase.expectBroadcast {
				expectEvents(t, messages, KindError, KindUserJoined)
				if stamp := messages[1].Data.(PresenceData).Timestamp; !stamp.Equal(time.Unix(1700000000, 0)) {
					t.Fatalf("expected clock fallback timestamp, got %v", stamp)
				}
			} else {
				expectEvents(t, messages, KindError)
			}
			if code := messages[0].Data.(ErrorData).Code; code != CodeStorage {
				t.Fatalf("expected storage error code, got %s", code)
			}
			if session.State() != StateJoined {
				t.Fatalf("storage failure must not undo the join, state=%s", session.State())
			}

			session.Handle(ctx, CursorMove{X: 5, Y: 6})
			expectEvents(t, peer.take(), KindError, KindCursorUpdate)

			if logs.FilterMessage("activity append failed").Len() != 2 {
				t.Fatalf("expected append failures to be logged, got %d entries", logs.Len())
			}
		})
	}
}

func TestPublishBroadcastsActivity(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	ctx := context.Background()
	_, peerA := harness.joined(t, "user-a", "token-a", "project-p")
	peerA.take()

	record, err := harness.gateway.Publish(ctx, "project-p", "user-a", activity.TypeFileChanged, json.RawMessage(`{"fileId":"f-9","changes":{"insert":"x"}}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	messages := peerA.take()
	expectEvents(t, messages, KindActivity)
	data := messages[0].Data.(ActivityData)
	if data.ID != record.ID || data.Type != string(activity.TypeFileChanged) {
		t.Fatalf("unexpected activity payload %#v", data)
	}

	if _, err := harness.gateway.Publish(ctx, "project-p", "user-z", activity.TypeCursorMoved, json.RawMessage(`{"x":1,"y":2}`)); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("expected forbidden publish, got %v", err)
	}
	if _, err := harness.gateway.Publish(ctx, "project-p", "user-a", activity.TypeCursorMoved, json.RawMessage(`[1]`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for non-object payload, got %v", err)
	}
}

func TestPublishEnforcesEventSchema(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	ctx := context.Background()
	_, peerA := harness.joined(t, "user-a", "token-a", "project-p")
	peerA.take()
	before, err := harness.log.RecentByProject(ctx, "project-p", 100)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}

	testCases := []struct {
		name      string
		eventType activity.Type
		payload   string
	}{
		{name: "cursor without payload", eventType: activity.TypeCursorMoved, payload: ``},
		{name: "cursor missing y", eventType: activity.TypeCursorMoved, payload: `{"x":1}`},
		{name: "cursor string coordinates", eventType: activity.TypeCursorMoved, payload: `{"x":"1","y":"2"}`},
		{name: "file missing changes", eventType: activity.TypeFileChanged, payload: `{"fileId":"f-1"}`},
		{name: "file missing id", eventType: activity.TypeFileChanged, payload: `{"changes":{"insert":"x"}}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := harness.gateway.Publish(ctx, "project-p", "user-a", testCase.eventType, json.RawMessage(testCase.payload))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if messages := peerA.take(); len(messages) != 0 {
		t.Fatalf("expected no broadcast for rejected publishes, got %#v", messages)
	}
	after, err := harness.log.RecentByProject(ctx, "project-p", 100)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected no new records, had %d now %d", len(before), len(after))
	}

	record, err := harness.gateway.Publish(ctx, "project-p", "user-a", activity.TypeCursorMoved, json.RawMessage(`{"x":3,"y":4,"extra":true}`))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if record.PayloadJSON != `{"x":3,"y":4}` {
		t.Fatalf("expected normalized cursor payload, got %s", record.PayloadJSON)
	}
	expectEvents(t, peerA.take(), KindActivity)
}

func TestNonFiniteCursorIsRejectedWithoutRecord(t *testing.T) {
	harness := newGatewayHarness(t, nil)
	harness.directory.addProject("project-p", "user-a")
	harness.directory.invite("project-p", "user-b", access.RoleCollaborator)
	ctx := context.Background()
	sessionA, peerA := harness.joined(t, "user-a", "token-a", "project-p")
	_, peerB := harness.joined(t, "user-b", "token-b", "project-p")
	peerA.take()
	peerB.take()
	before, err := harness.log.RecentByProject(ctx, "project-p", 100)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}

	sessionA.Handle(ctx, CursorMove{X: math.NaN(), Y: 1})
	expectErrorCode(t, peerA.take(), CodeValidation)
	sessionA.Handle(ctx, CursorMove{X: 1, Y: math.Inf(-1)})
	expectErrorCode(t, peerA.take(), CodeValidation)
	if messages := peerB.take(); len(messages) != 0 {
		t.Fatalf("expected no cursor broadcast, got %#v", messages)
	}
	after, err := harness.log.RecentByProject(ctx, "project-p", 100)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected no cursor record, had %d now %d", len(before), len(after))
	}
}

func TestNewGatewayValidatesConfig(t *testing.T) {
	if _, err := NewGateway(GatewayConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestErrorCodeMapping(t *testing.T) {
	testCases := map[error]string{
		ErrNotAuthenticated:     CodeNotAuthenticated,
		ErrAlreadyAuthenticated: CodeAlreadyAuthenticated,
		access.ErrForbidden:     CodeForbidden,
		activity.ErrStorage:     CodeStorage,
		ErrRoomFull:             CodeRoomFull,
		errors.New("boom"):      CodeInternal,
	}
	for err, want := range testCases {
		if got := ErrorCode(err); got != want {
			t.Fatalf("ErrorCode(%v) = %s, want %s", err, got, want)
		}
	}
}
