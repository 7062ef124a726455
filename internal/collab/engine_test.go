package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/auth"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/ids"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/membership"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/room"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/sessions"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testProjectID = "project-1"

var (
	ownerIdentity  = auth.Identity{UserID: "user-owner", Username: "owner", Email: "owner@example.com"}
	editorIdentity = auth.Identity{UserID: "user-editor", Username: "editor", Email: "editor@example.com"}
	viewerIdentity = auth.Identity{UserID: "user-viewer", Username: "viewer", Email: "viewer@example.com"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingLog fails every append while failing is set.
type failingLog struct {
	Log
	mu      sync.Mutex
	failing bool
}

var errLogDown = errors.New("log storage offline")

func (l *failingLog) setFailing(value bool) {
	l.mu.Lock()
	l.failing = value
	l.mu.Unlock()
}

func (l *failingLog) down() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failing
}

func (l *failingLog) AppendEvent(ctx context.Context, input eventlog.EventInput) (eventlog.Event, error) {
	if l.down() {
		return eventlog.Event{}, apperr.Unavailable("eventlog.append_event.insert_failed", errLogDown)
	}
	return l.Log.AppendEvent(ctx, input)
}

func (l *failingLog) AppendFileChange(ctx context.Context, input eventlog.FileChangeInput) (eventlog.Event, eventlog.FileRevision, error) {
	if l.down() {
		return eventlog.Event{}, eventlog.FileRevision{}, apperr.Unavailable("eventlog.append_file_change.commit_failed", errLogDown)
	}
	return l.Log.AppendFileChange(ctx, input)
}

func (l *failingLog) AppendChat(ctx context.Context, input eventlog.ChatInput) (eventlog.ChatMessage, error) {
	if l.down() {
		return eventlog.ChatMessage{}, apperr.Unavailable("eventlog.append_chat.insert_failed", errLogDown)
	}
	return l.Log.AppendChat(ctx, input)
}

type engineFixture struct {
	engine     *Engine
	registry   *sessions.Registry
	membership *membership.Service
	log        *failingLog
	clock      *testClock
	db         *gorm.DB
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&users.User{},
		&membership.Project{},
		&membership.Collaborator{},
		&sessions.Record{},
		&eventlog.Event{},
		&eventlog.FileRevision{},
		&eventlog.ChatMessage{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	for _, identity := range []auth.Identity{ownerIdentity, editorIdentity, viewerIdentity} {
		if _, err := directory.Remember(context.Background(), identity); err != nil {
			t.Fatalf("failed to seed user %s: %v", identity.UserID, err)
		}
	}
	members, err := membership.NewService(membership.ServiceConfig{
		Database:   db,
		Directory:  directory,
		IDProvider: ids.NewSequence("collab"),
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build membership service: %v", err)
	}
	if _, err := members.RegisterProject(context.Background(), testProjectID, ownerIdentity.UserID, "Landing page"); err != nil {
		t.Fatalf("failed to register project: %v", err)
	}
	for _, invitee := range []struct {
		identity auth.Identity
		role     membership.Role
	}{{editorIdentity, membership.RoleEditor}, {viewerIdentity, membership.RoleViewer}} {
		if _, err := members.Invite(context.Background(), testProjectID, ownerIdentity.UserID, invitee.identity.Email, invitee.role); err != nil {
			t.Fatalf("invite failed: %v", err)
		}
		if _, err := members.Accept(context.Background(), testProjectID, invitee.identity.UserID); err != nil {
			t.Fatalf("accept failed: %v", err)
		}
	}

	logService, err := eventlog.NewService(eventlog.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: ids.NewSequence("chat"),
	})
	if err != nil {
		t.Fatalf("failed to build event log: %v", err)
	}
	store, err := sessions.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build session store: %v", err)
	}
	registry, err := sessions.NewRegistry(sessions.RegistryConfig{
		Store:      store,
		IDProvider: ids.NewSequence("session"),
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	log := &failingLog{Log: logService}
	engine, err := NewEngine(Config{
		Registry:    registry,
		Broadcaster: room.NewBroadcaster(nil),
		Membership:  members,
		Log:         log,
		Policy:      presence.DefaultPolicy(),
		IDProvider:  ids.NewSequence("conn"),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engineFixture{engine: engine, registry: registry, membership: members, log: log, clock: clock, db: db}
}

func (f engineFixture) connectAndJoin(t *testing.T, identity auth.Identity) (*Connection, sessions.Session) {
	t.Helper()
	conn, err := f.engine.Connect(identity)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	session, err := f.engine.Join(context.Background(), conn, testProjectID)
	if err != nil {
		t.Fatalf("join failed for %s: %v", identity.UserID, err)
	}
	return conn, session
}

func drainOutbox(conn *Connection) []room.Event {
	events := make([]room.Event, 0)
	for conn.Outbox().Len() > 0 {
		event, err := conn.Outbox().Next(context.Background())
		if err != nil {
			break
		}
		events = append(events, event)
	}
	return events
}

func eventsOfType(events []room.Event, eventType room.EventType) []room.Event {
	matched := make([]room.Event, 0)
	for _, event := range events {
		if event.Type() == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestJoinDeliversSnapshotAndAnnouncesToOthers(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, ownerSession := fixture.connectAndJoin(t, ownerIdentity)
	events := drainOutbox(ownerConn)
	if len(events) != 1 || events[0].Type() != room.TypeProjectJoined {
		t.Fatalf("expected a lone project-joined snapshot, got %+v", events)
	}
	snapshot := events[0].(room.ProjectJoined)
	if snapshot.SessionID != ownerSession.ID || snapshot.Role != "OWNER" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(snapshot.Sessions) != 1 || snapshot.Sessions[0].ID != ownerSession.ID {
		t.Fatalf("expected snapshot to contain the joiner, got %+v", snapshot.Sessions)
	}

	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	ownerEvents := drainOutbox(ownerConn)
	if len(ownerEvents) != 1 || ownerEvents[0].Type() != room.TypeUserJoined {
		t.Fatalf("expected owner to observe user-joined, got %+v", ownerEvents)
	}
	if ownerEvents[0].(room.UserJoined).Session.ID != editorSession.ID {
		t.Fatalf("user-joined carried wrong session")
	}
	editorSnapshot := drainOutbox(editorConn)[0].(room.ProjectJoined)
	if len(editorSnapshot.Sessions) != 2 {
		t.Fatalf("expected editor snapshot to list both sessions, got %d", len(editorSnapshot.Sessions))
	}
	if editorConn.State(testProjectID) != StateJoined {
		t.Fatalf("expected editor connection to be joined")
	}
}

func TestJoinDeniedForStranger(t *testing.T) {
	fixture := newEngineFixture(t)
	conn, err := fixture.engine.Connect(auth.Identity{UserID: "user-stranger", Username: "stranger"})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	_, err = fixture.engine.Join(context.Background(), conn, testProjectID)
	if !apperr.Is(err, apperr.KindForbidden) && !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected stranger to be refused, got %v", err)
	}
	if conn.State(testProjectID) != StateDisconnected {
		t.Fatalf("expected refused connection to stay disconnected")
	}
	if fixture.registry.Len() != 0 {
		t.Fatalf("expected no session for refused join")
	}
}

func TestRejoinResendsSnapshotWithoutNewSession(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	again, err := fixture.engine.Join(context.Background(), editorConn, testProjectID)
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if again.ID != editorSession.ID {
		t.Fatalf("expected rejoin to keep session %s, got %s", editorSession.ID, again.ID)
	}
	editorEvents := drainOutbox(editorConn)
	if len(editorEvents) != 1 || editorEvents[0].Type() != room.TypeProjectJoined {
		t.Fatalf("expected re-sent snapshot, got %+v", editorEvents)
	}
	if leaked := drainOutbox(ownerConn); len(leaked) != 0 {
		t.Fatalf("expected no second user-joined, got %+v", leaked)
	}
	if got := len(fixture.registry.ActiveSessionsFor(testProjectID)); got != 2 {
		t.Fatalf("expected two sessions, got %d", got)
	}
}

func TestViewerCannotEditButReceivesChanges(t *testing.T) {
	fixture := newEngineFixture(t)
	viewerConn, _ := fixture.connectAndJoin(t, viewerIdentity)
	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(viewerConn)
	drainOutbox(editorConn)

	_, err := fixture.engine.SendTextChange(context.Background(), viewerConn, testProjectID, json.RawMessage(`{"op":"insert"}`))
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected viewer text change to be forbidden, got %v", err)
	}
	if leaked := drainOutbox(editorConn); len(leaked) != 0 {
		t.Fatalf("expected no broadcast for refused change, got %+v", leaked)
	}

	event, err := fixture.engine.SendTextChange(context.Background(), editorConn, testProjectID, json.RawMessage(`{"op":"insert","text":"hi"}`))
	if err != nil {
		t.Fatalf("editor text change failed: %v", err)
	}
	viewerEvents := drainOutbox(viewerConn)
	if len(viewerEvents) != 1 || viewerEvents[0].Type() != room.TypeTextChangeApplied {
		t.Fatalf("expected viewer to receive the change, got %+v", viewerEvents)
	}
	applied := viewerEvents[0].(room.TextChangeApplied)
	if applied.SessionID != editorSession.ID || applied.EventID != event.ID {
		t.Fatalf("unexpected applied change: %+v", applied)
	}
	if echoed := drainOutbox(editorConn); len(echoed) != 0 {
		t.Fatalf("expected sender to be excluded, got %+v", echoed)
	}
}

func TestCursorUpdateReachesOthersOnce(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, ownerSession := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, _ := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	if err := fixture.engine.UpdateCursor(context.Background(), ownerConn, testProjectID, json.RawMessage(`{"line":3,"column":7}`), "index.html"); err != nil {
		t.Fatalf("cursor update failed: %v", err)
	}
	received := eventsOfType(drainOutbox(editorConn), room.TypeCursorUpdate)
	if len(received) != 1 {
		t.Fatalf("expected exactly one cursor update, got %d", len(received))
	}
	update := received[0].(room.CursorUpdate)
	if update.SessionID != ownerSession.ID || update.ActiveFile != "index.html" {
		t.Fatalf("unexpected cursor update: %+v", update)
	}
	if echoed := drainOutbox(ownerConn); len(echoed) != 0 {
		t.Fatalf("expected sender to be excluded, got %+v", echoed)
	}
	session, ok := fixture.registry.Lookup(ownerSession.ID)
	if !ok || session.ActiveFile != "index.html" {
		t.Fatalf("expected registry to record the cursor, got %+v", session)
	}
}

func TestViewerCursorIsForbidden(t *testing.T) {
	fixture := newEngineFixture(t)
	viewerConn, _ := fixture.connectAndJoin(t, viewerIdentity)
	err := fixture.engine.UpdateCursor(context.Background(), viewerConn, testProjectID, json.RawMessage(`{"line":1}`), "")
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden cursor, got %v", err)
	}
}

func TestActionsRequireJoinedSession(t *testing.T) {
	fixture := newEngineFixture(t)
	conn, err := fixture.engine.Connect(editorIdentity)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	_, err = fixture.engine.SendChatMessage(context.Background(), conn, testProjectID, "hello")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not joined error, got %v", err)
	}
}

func TestFileChangeBumpsRevisionAndBroadcasts(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, _ := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	for expected := int64(1); expected <= 2; expected++ {
		revision, err := fixture.engine.SendFileChange(context.Background(), editorConn, testProjectID, "style.css", "body{}", eventlog.ChangeUpdate)
		if err != nil {
			t.Fatalf("file change failed: %v", err)
		}
		if revision.Revision != expected {
			t.Fatalf("expected revision %d, got %d", expected, revision.Revision)
		}
	}
	changes := eventsOfType(drainOutbox(ownerConn), room.TypeFileChanged)
	if len(changes) != 2 {
		t.Fatalf("expected two file-changed events, got %d", len(changes))
	}
	last := changes[1].(room.FileChanged)
	if last.Filename != "style.css" || last.Revision != 2 || last.ChangeType != eventlog.ChangeUpdate {
		t.Fatalf("unexpected file change: %+v", last)
	}
}

func TestChatReachesEveryMemberIncludingSender(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, _ := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	message, err := fixture.engine.SendChatMessage(context.Background(), editorConn, testProjectID, "ship it")
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	for _, conn := range []*Connection{ownerConn, editorConn} {
		received := eventsOfType(drainOutbox(conn), room.TypeChatMessageReceived)
		if len(received) != 1 || received[0].(room.ChatMessageReceived).Message.ID != message.ID {
			t.Fatalf("expected chat on connection %s, got %+v", conn.ID(), received)
		}
	}

	edited, err := fixture.engine.EditChatMessage(context.Background(), editorConn, testProjectID, message.ID, "ship it now")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !edited.IsEdited || edited.Message != "ship it now" {
		t.Fatalf("unexpected edited message: %+v", edited)
	}
	if got := eventsOfType(drainOutbox(ownerConn), room.TypeChatMessageEdited); len(got) != 1 {
		t.Fatalf("expected chat edit broadcast, got %d", len(got))
	}

	_, err = fixture.engine.EditChatMessage(context.Background(), ownerConn, testProjectID, message.ID, "hijack")
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected non-author edit to be forbidden, got %v", err)
	}

	if err := fixture.engine.DeleteChatMessage(context.Background(), editorConn, testProjectID, message.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	deleted := eventsOfType(drainOutbox(ownerConn), room.TypeChatMessageDeleted)
	if len(deleted) != 1 || deleted[0].(room.ChatMessageDeleted).MessageID != message.ID {
		t.Fatalf("expected delete broadcast, got %+v", deleted)
	}
}

func TestLogFailureSuppressesBroadcast(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, _ := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	fixture.log.setFailing(true)
	_, err := fixture.engine.SendChatMessage(context.Background(), editorConn, testProjectID, "lost")
	if !apperr.Is(err, apperr.KindUnavailable) || !apperr.Retryable(err) {
		t.Fatalf("expected retryable unavailable error, got %v", err)
	}
	_, err = fixture.engine.SendTextChange(context.Background(), editorConn, testProjectID, json.RawMessage(`{"op":"x"}`))
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable text change, got %v", err)
	}
	_, err = fixture.engine.SendFileChange(context.Background(), editorConn, testProjectID, "a.html", "<p>", eventlog.ChangeCreate)
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable file change, got %v", err)
	}
	if leaked := drainOutbox(ownerConn); len(leaked) != 0 {
		t.Fatalf("expected no broadcast while the log is down, got %+v", leaked)
	}

	errEvent := ErrorEvent(err, "req-7")
	if !errEvent.Retryable || errEvent.RequestID != "req-7" || errEvent.Kind != string(apperr.KindUnavailable) {
		t.Fatalf("unexpected error event: %+v", errEvent)
	}
}

func TestLeaveAnnouncesAndIsIdempotent(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	if err := fixture.engine.Leave(context.Background(), editorConn, testProjectID); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	left := eventsOfType(drainOutbox(ownerConn), room.TypeUserLeft)
	if len(left) != 1 || left[0].(room.UserLeft).Reason != room.ReasonLeft {
		t.Fatalf("expected user-left with reason left, got %+v", left)
	}
	ended := eventsOfType(drainOutbox(editorConn), room.TypeSessionEnded)
	if len(ended) != 1 || ended[0].(room.SessionEnded).SessionID != editorSession.ID {
		t.Fatalf("expected leaver to get session-ended, got %+v", ended)
	}
	if err := fixture.engine.Leave(context.Background(), editorConn, testProjectID); err != nil {
		t.Fatalf("second leave failed: %v", err)
	}
	if extra := drainOutbox(ownerConn); len(extra) != 0 {
		t.Fatalf("expected second leave to be silent, got %+v", extra)
	}
	if editorConn.State(testProjectID) != StateDisconnected {
		t.Fatalf("expected editor to be disconnected from the room")
	}
}

func TestDisconnectEndsSessionsAndAnnounces(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)

	ended := fixture.engine.Disconnect(context.Background(), editorConn)
	if len(ended) != 1 || ended[0].ID != editorSession.ID {
		t.Fatalf("expected editor session to end, got %+v", ended)
	}
	left := eventsOfType(drainOutbox(ownerConn), room.TypeUserLeft)
	if len(left) != 1 || left[0].(room.UserLeft).Reason != room.ReasonDisconnected {
		t.Fatalf("expected user-left with reason disconnected, got %+v", left)
	}
	for _, session := range fixture.registry.ActiveSessionsFor(testProjectID) {
		if session.ID == editorSession.ID {
			t.Fatalf("expected disconnected session to be gone")
		}
	}
	if again := fixture.engine.Disconnect(context.Background(), editorConn); len(again) != 0 {
		t.Fatalf("expected repeated disconnect to be a no-op, got %+v", again)
	}
	if _, err := fixture.engine.Join(context.Background(), editorConn, testProjectID); err == nil {
		t.Fatalf("expected closed connection to refuse joins")
	}

	var record sessions.Record
	if err := fixture.db.Where("id = ?", editorSession.ID).First(&record).Error; err != nil {
		t.Fatalf("failed to load session row: %v", err)
	}
	if record.IsActive || record.EndedAt == nil {
		t.Fatalf("expected durable row to be ended, got %+v", record)
	}
}

func TestRemoveCollaboratorEndsSessions(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	collaborators, err := fixture.engine.ListCollaborators(context.Background(), ownerIdentity.UserID, testProjectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var editorRow membership.Collaborator
	for _, collaborator := range collaborators {
		if collaborator.UserID == editorIdentity.UserID {
			editorRow = collaborator
		}
	}
	if editorRow.ID == "" {
		t.Fatalf("expected editor collaborator row")
	}

	if _, err := fixture.engine.RemoveCollaborator(context.Background(), editorIdentity.UserID, testProjectID, editorRow.ID); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected non-owner removal to be forbidden, got %v", err)
	}
	if _, err := fixture.engine.RemoveCollaborator(context.Background(), ownerIdentity.UserID, testProjectID, editorRow.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	for _, session := range fixture.registry.ActiveSessionsFor(testProjectID) {
		if session.UserID == editorIdentity.UserID {
			t.Fatalf("expected removed user to hold no sessions")
		}
	}
	ended := eventsOfType(drainOutbox(editorConn), room.TypeSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("expected removed user to receive session-ended, got %d", len(ended))
	}
	if notice := ended[0].(room.SessionEnded); notice.Reason != room.ReasonRemoved || notice.SessionID != editorSession.ID {
		t.Fatalf("unexpected session-ended: %+v", notice)
	}
	left := eventsOfType(drainOutbox(ownerConn), room.TypeUserLeft)
	if len(left) != 1 || left[0].(room.UserLeft).Reason != room.ReasonRemoved {
		t.Fatalf("expected owner to see removal, got %+v", left)
	}
	if editorConn.State(testProjectID) != StateDisconnected {
		t.Fatalf("expected removed connection to be released")
	}
	if _, err := fixture.engine.Join(context.Background(), editorConn, testProjectID); err == nil {
		t.Fatalf("expected removed user to be refused on rejoin")
	}
}

func TestRoleChangeAppliesToLiveSession(t *testing.T) {
	fixture := newEngineFixture(t)
	editorConn, _ := fixture.connectAndJoin(t, editorIdentity)
	collaborators, err := fixture.engine.ListCollaborators(context.Background(), ownerIdentity.UserID, testProjectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var editorRowID string
	for _, collaborator := range collaborators {
		if collaborator.UserID == editorIdentity.UserID {
			editorRowID = collaborator.ID
		}
	}
	if _, err := fixture.engine.UpdateRole(context.Background(), ownerIdentity.UserID, testProjectID, editorRowID, membership.RoleViewer); err != nil {
		t.Fatalf("update role failed: %v", err)
	}
	_, err = fixture.engine.SendTextChange(context.Background(), editorConn, testProjectID, json.RawMessage(`{"op":"x"}`))
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected demoted editor to be forbidden, got %v", err)
	}
}

func TestSweepAnnouncesIdleAndActivityResets(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	fixture.clock.Advance(presence.DefaultIdleAfter + time.Second)
	fixture.engine.Sweep(context.Background(), fixture.clock.Now())

	updates := eventsOfType(drainOutbox(ownerConn), room.TypePresenceUpdated)
	var sawEditorIdle bool
	for _, event := range updates {
		update := event.(room.PresenceUpdated)
		if update.SessionID == editorSession.ID && update.Status == presence.StatusIdle && update.Previous == presence.StatusActive {
			sawEditorIdle = true
		}
	}
	if !sawEditorIdle {
		t.Fatalf("expected owner to observe editor going idle, got %+v", updates)
	}

	if _, err := fixture.engine.Heartbeat(context.Background(), editorConn, testProjectID); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	resets := eventsOfType(drainOutbox(ownerConn), room.TypePresenceUpdated)
	if len(resets) != 1 || resets[0].(room.PresenceUpdated).Status != presence.StatusActive {
		t.Fatalf("expected presence reset to active, got %+v", resets)
	}
}

func TestSweepEvictsStaleSessions(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, _ := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	fixture.clock.Advance(presence.DefaultEvictAfter + time.Minute)
	fixture.engine.Sweep(context.Background(), fixture.clock.Now())

	if got := len(fixture.registry.ActiveSessionsFor(testProjectID)); got != 0 {
		t.Fatalf("expected every session evicted, got %d", got)
	}
	ended := eventsOfType(drainOutbox(editorConn), room.TypeSessionEnded)
	if len(ended) != 1 || ended[0].(room.SessionEnded).Reason != room.ReasonExpired {
		t.Fatalf("expected expired session-ended, got %+v", ended)
	}
	if editorConn.State(testProjectID) != StateDisconnected {
		t.Fatalf("expected evicted connection to be released")
	}
}

func TestReadSurfaceHonoursRoles(t *testing.T) {
	fixture := newEngineFixture(t)
	editorConn, _ := fixture.connectAndJoin(t, editorIdentity)
	if _, err := fixture.engine.SendChatMessage(context.Background(), editorConn, testProjectID, "hello"); err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	page, err := fixture.engine.ChatMessages(context.Background(), viewerIdentity.UserID, testProjectID, 10, 0)
	if err != nil || len(page) != 1 {
		t.Fatalf("expected viewer to read chat, got %d messages err=%v", len(page), err)
	}
	history, err := fixture.engine.History(context.Background(), viewerIdentity.UserID, testProjectID, 10)
	if err != nil || len(history) == 0 {
		t.Fatalf("expected viewer to read history, got %d events err=%v", len(history), err)
	}
	active, err := fixture.engine.ActiveSessions(context.Background(), viewerIdentity.UserID, testProjectID)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active session, got %d err=%v", len(active), err)
	}

	var export bytes.Buffer
	if err := fixture.engine.ExportHistory(context.Background(), editorIdentity.UserID, testProjectID, eventlog.FormatYAML, &export); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected editor export to be forbidden, got %v", err)
	}
	if err := fixture.engine.ExportHistory(context.Background(), ownerIdentity.UserID, testProjectID, eventlog.FormatYAML, &export); err != nil {
		t.Fatalf("owner export failed: %v", err)
	}
	if !strings.Contains(export.String(), "hello") {
		t.Fatalf("expected export to contain chat, got %s", export.String())
	}
}

func TestConcurrentJoinsAndLeavesStayConsistent(t *testing.T) {
	fixture := newEngineFixture(t)
	identities := []auth.Identity{ownerIdentity, editorIdentity, viewerIdentity}
	var wg sync.WaitGroup
	for round := 0; round < 5; round++ {
		for _, identity := range identities {
			wg.Add(1)
			go func(identity auth.Identity) {
				defer wg.Done()
				conn, err := fixture.engine.Connect(identity)
				if err != nil {
					t.Errorf("connect failed: %v", err)
					return
				}
				if _, err := fixture.engine.Join(context.Background(), conn, testProjectID); err != nil {
					t.Errorf("join failed: %v", err)
					return
				}
				fixture.engine.Disconnect(context.Background(), conn)
			}(identity)
		}
	}
	wg.Wait()
	if got := len(fixture.registry.ActiveSessionsFor(testProjectID)); got != 0 {
		t.Fatalf("expected no sessions after every disconnect, got %d", got)
	}
}

func TestErrorEventHidesInternalDetail(t *testing.T) {
	event := ErrorEvent(errors.New("pq: connection refused at 10.0.0.3"), "req-1")
	if event.Message != "internal error" || event.Kind != string(apperr.KindInternal) || event.Retryable {
		t.Fatalf("unexpected internal error event: %+v", event)
	}
}

func (f engineFixture) collaboratorRow(t *testing.T, userID string) membership.Collaborator {
	t.Helper()
	collaborators, err := f.engine.ListCollaborators(context.Background(), ownerIdentity.UserID, testProjectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, collaborator := range collaborators {
		if collaborator.UserID == userID {
			return collaborator
		}
	}
	t.Fatalf("no collaborator row for %s", userID)
	return membership.Collaborator{}
}

// removingMembership removes a collaborator the first time that user's role
// is resolved, which lands the removal in the middle of their join.
type removingMembership struct {
	Membership
	engine         *Engine
	userID         string
	collaboratorID string
	once           sync.Once
	removeErr      error
}

func (m *removingMembership) RoleOf(ctx context.Context, projectID, userID string) (membership.Role, bool, error) {
	if userID == m.userID {
		m.once.Do(func() {
			_, m.removeErr = m.engine.RemoveCollaborator(ctx, ownerIdentity.UserID, projectID, m.collaboratorID)
		})
	}
	return m.Membership.RoleOf(ctx, projectID, userID)
}

func TestRemovalDuringJoinEndsTheNewSession(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	drainOutbox(ownerConn)

	racing := &removingMembership{
		Membership:     fixture.engine.membership,
		engine:         fixture.engine,
		userID:         editorIdentity.UserID,
		collaboratorID: fixture.collaboratorRow(t, editorIdentity.UserID).ID,
	}
	fixture.engine.membership = racing

	editorConn, err := fixture.engine.Connect(editorIdentity)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	_, err = fixture.engine.Join(context.Background(), editorConn, testProjectID)
	if racing.removeErr != nil {
		t.Fatalf("removal failed: %v", racing.removeErr)
	}
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected the join to be refused once access was gone, got %v", err)
	}

	for _, session := range fixture.registry.ActiveSessionsFor(testProjectID) {
		if session.UserID == editorIdentity.UserID {
			t.Fatalf("expected removed user to hold no sessions, found %s", session.ID)
		}
	}
	if editorConn.State(testProjectID) != StateDisconnected {
		t.Fatalf("expected the connection to be released")
	}
	editorEvents := drainOutbox(editorConn)
	ended := eventsOfType(editorEvents, room.TypeSessionEnded)
	if len(ended) != 1 || ended[0].(room.SessionEnded).Reason != room.ReasonRemoved {
		t.Fatalf("expected a single removed session-ended, got %+v", editorEvents)
	}

	if _, err := fixture.engine.SendChatMessage(context.Background(), ownerConn, testProjectID, "still here?"); err != nil {
		t.Fatalf("owner chat failed: %v", err)
	}
	if got := len(eventsOfType(drainOutbox(editorConn), room.TypeChatMessageReceived)); got != 0 {
		t.Fatalf("removed user received %d room broadcasts", got)
	}
	left := eventsOfType(drainOutbox(ownerConn), room.TypeUserLeft)
	if len(left) != 1 || left[0].(room.UserLeft).Reason != room.ReasonRemoved {
		t.Fatalf("expected owner to see the removed joiner leave, got %+v", left)
	}
}

func TestActionAfterLostAccessEndsSession(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	editorConn, editorSession := fixture.connectAndJoin(t, editorIdentity)
	drainOutbox(ownerConn)
	drainOutbox(editorConn)

	// The membership row goes away without the engine ending the session.
	if _, err := fixture.membership.Remove(context.Background(), testProjectID, ownerIdentity.UserID, fixture.collaboratorRow(t, editorIdentity.UserID).ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	_, err := fixture.engine.SendTextChange(context.Background(), editorConn, testProjectID, json.RawMessage(`{"op":"insert"}`))
	if !apperr.Is(err, apperr.KindForbidden) || !errors.Is(err, membership.ErrNoAccess) {
		t.Fatalf("expected no-access refusal, got %v", err)
	}
	if _, ok := fixture.registry.Lookup(editorSession.ID); ok {
		t.Fatalf("expected the session to be ended")
	}
	if editorConn.State(testProjectID) != StateDisconnected {
		t.Fatalf("expected the connection to be released")
	}
	ended := eventsOfType(drainOutbox(editorConn), room.TypeSessionEnded)
	if len(ended) != 1 || ended[0].(room.SessionEnded).Reason != room.ReasonRemoved {
		t.Fatalf("expected session-ended with reason removed, got %+v", ended)
	}
	ownerEvents := drainOutbox(ownerConn)
	if got := len(eventsOfType(ownerEvents, room.TypeTextChangeApplied)); got != 0 {
		t.Fatalf("refused change was broadcast %d times", got)
	}
	if left := eventsOfType(ownerEvents, room.TypeUserLeft); len(left) != 1 {
		t.Fatalf("expected owner to see user-left, got %+v", ownerEvents)
	}
}

func TestViewerDenialKeepsSession(t *testing.T) {
	fixture := newEngineFixture(t)
	viewerConn, viewerSession := fixture.connectAndJoin(t, viewerIdentity)
	drainOutbox(viewerConn)

	if _, err := fixture.engine.SendTextChange(context.Background(), viewerConn, testProjectID, json.RawMessage(`{"op":"insert"}`)); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, ok := fixture.registry.Lookup(viewerSession.ID); !ok {
		t.Fatalf("a role too weak for the action must not end the session")
	}
}

// gatedLog holds RecentChat until released.
type gatedLog struct {
	Log
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *gatedLog) RecentChat(ctx context.Context, projectID string, n int) ([]eventlog.ChatMessage, error) {
	l.once.Do(func() { close(l.entered) })
	<-l.release
	return l.Log.RecentChat(ctx, projectID, n)
}

func TestSlowSnapshotReadDoesNotBlockRoom(t *testing.T) {
	fixture := newEngineFixture(t)
	ownerConn, _ := fixture.connectAndJoin(t, ownerIdentity)
	drainOutbox(ownerConn)

	gate := &gatedLog{Log: fixture.engine.log, entered: make(chan struct{}), release: make(chan struct{})}
	fixture.engine.log = gate

	joined := make(chan error, 1)
	go func() {
		conn, err := fixture.engine.Connect(editorIdentity)
		if err == nil {
			_, err = fixture.engine.Join(context.Background(), conn, testProjectID)
		}
		joined <- err
	}()
	<-gate.entered

	sent := make(chan error, 1)
	go func() {
		_, err := fixture.engine.SendChatMessage(context.Background(), ownerConn, testProjectID, "while you load")
		sent <- err
	}()
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("chat failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatalf("publishing to the room waited on the joiner's chat read")
	}

	close(gate.release)
	if err := <-joined; err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if got := len(eventsOfType(drainOutbox(ownerConn), room.TypeChatMessageReceived)); got != 1 {
		t.Fatalf("expected owner to receive the chat message, got %d", got)
	}
}
