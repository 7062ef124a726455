// Package collab composes the session registry, room broadcaster, membership
// service and event log into the operations a collaboration client can
// invoke.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/auth"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/ids"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/membership"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/room"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/sessions"
	"go.uber.org/zap"
)

const (
	opEngineNew    = "collab.engine.new"
	opConnect      = "collab.connect"
	opJoin         = "collab.join"
	opCursor       = "collab.cursor_update"
	opTextChange   = "collab.text_change"
	opFileChange   = "collab.file_change"
	opChatSend     = "collab.chat_send"
	opChatEdit     = "collab.chat_edit"
	opChatDelete   = "collab.chat_delete"
	opHeartbeat    = "collab.heartbeat"
	opSweep        = "collab.sweep"
	opPresenceLog  = "collab.presence_log"
	opRemove       = "collab.remove_collaborator"
	opInvalidInput = "collab.invalid_input"

	// DefaultSnapshotChat is the number of chat messages in a join snapshot.
	DefaultSnapshotChat = 50
)

var (
	errMissingRegistry    = errors.New("session registry is required")
	errMissingBroadcaster = errors.New("room broadcaster is required")
	errMissingMembership  = errors.New("membership service is required")
	errMissingLog         = errors.New("event log is required")
	errMissingIdentity    = errors.New("authenticated identity is required")
	errMissingProjectID   = errors.New("project id is required")
	errNotJoined          = errors.New("connection has not joined the project")
	errSessionEnded       = errors.New("session has ended")
	errEmptyChange        = errors.New("text change payload is required")
	errEmptyCursor        = errors.New("cursor payload is required")
)

// Membership is the authorization and collaborator management surface the
// engine depends on.
type Membership interface {
	RoleOf(ctx context.Context, projectID, userID string) (membership.Role, bool, error)
	Authorize(ctx context.Context, projectID, userID string, action membership.Action) error
	Invite(ctx context.Context, projectID, inviterID, inviteeEmail string, role membership.Role) (membership.Collaborator, error)
	Accept(ctx context.Context, projectID, userID string) (membership.Collaborator, error)
	UpdateRole(ctx context.Context, projectID, actorID, collaboratorID string, role membership.Role) (membership.Collaborator, error)
	Remove(ctx context.Context, projectID, actorID, collaboratorID string) (membership.Collaborator, error)
	List(ctx context.Context, projectID, actorID string) ([]membership.Collaborator, error)
}

// Log is the durable record the engine writes before every broadcast.
type Log interface {
	AppendEvent(ctx context.Context, input eventlog.EventInput) (eventlog.Event, error)
	AppendFileChange(ctx context.Context, input eventlog.FileChangeInput) (eventlog.Event, eventlog.FileRevision, error)
	AppendChat(ctx context.Context, input eventlog.ChatInput) (eventlog.ChatMessage, error)
	EditChat(ctx context.Context, projectID, messageID, actorID, text string) (eventlog.ChatMessage, error)
	DeleteChat(ctx context.Context, projectID, messageID, actorID string) (eventlog.ChatMessage, error)
	ListChat(ctx context.Context, projectID string, limit, offset int) ([]eventlog.ChatMessage, error)
	RecentChat(ctx context.Context, projectID string, n int) ([]eventlog.ChatMessage, error)
	History(ctx context.Context, projectID string, limit int) ([]eventlog.Event, error)
	Export(ctx context.Context, projectID string, format eventlog.Format, w io.Writer) error
}

// Config describes the engine's collaborators.
type Config struct {
	Registry       *sessions.Registry
	Broadcaster    *room.Broadcaster
	Membership     Membership
	Log            Log
	Policy         presence.Policy
	SnapshotChat   int
	OutboxCapacity int
	IDProvider     ids.Provider
	Logger         *zap.Logger
}

// Engine is the collaboration core. One Engine is built per process and
// shared by every connection handler.
type Engine struct {
	registry       *sessions.Registry
	broadcaster    *room.Broadcaster
	membership     Membership
	log            Log
	policy         presence.Policy
	snapshotChat   int
	outboxCapacity int
	idProvider     ids.Provider
	logger         *zap.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Registry == nil:
		return nil, apperr.New(apperr.KindInternal, opEngineNew+".missing_registry", errMissingRegistry)
	case cfg.Broadcaster == nil:
		return nil, apperr.New(apperr.KindInternal, opEngineNew+".missing_broadcaster", errMissingBroadcaster)
	case cfg.Membership == nil:
		return nil, apperr.New(apperr.KindInternal, opEngineNew+".missing_membership", errMissingMembership)
	case cfg.Log == nil:
		return nil, apperr.New(apperr.KindInternal, opEngineNew+".missing_log", errMissingLog)
	}
	policy := cfg.Policy
	if policy == (presence.Policy{}) {
		policy = presence.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, apperr.New(apperr.KindInternal, opEngineNew+".invalid_policy", err)
	}
	snapshotChat := cfg.SnapshotChat
	if snapshotChat <= 0 {
		snapshotChat = DefaultSnapshotChat
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry:       cfg.Registry,
		broadcaster:    cfg.Broadcaster,
		membership:     cfg.Membership,
		log:            cfg.Log,
		policy:         policy,
		snapshotChat:   snapshotChat,
		outboxCapacity: cfg.OutboxCapacity,
		idProvider:     idProvider,
		logger:         logger,
		connections:    make(map[string]*Connection),
	}, nil
}

// Policy returns the presence thresholds in force.
func (e *Engine) Policy() presence.Policy {
	return e.policy
}

// Connect registers a new transport connection for an authenticated identity.
func (e *Engine) Connect(identity auth.Identity) (*Connection, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, opConnect+".missing_identity", errMissingIdentity)
	}
	connectionID, err := e.idProvider.NewID()
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, opConnect+".id_generation_failed", err)
	}
	conn := newConnection(connectionID, identity, room.NewOutbox(e.outboxCapacity))
	e.mu.Lock()
	e.connections[connectionID] = conn
	e.mu.Unlock()
	return conn, nil
}

// Join admits the connection to the project room. The joiner receives a
// project-joined snapshot and the other members receive user-joined. Joining
// a room the connection already holds re-sends the snapshot.
func (e *Engine) Join(ctx context.Context, conn *Connection, projectID string) (sessions.Session, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return sessions.Session{}, apperr.Invalid(opJoin+".missing_project_id", errMissingProjectID)
	}
	identity := conn.Identity()
	if err := e.membership.Authorize(ctx, projectID, identity.UserID, membership.ActionJoin); err != nil {
		return sessions.Session{}, err
	}
	role, _, err := e.membership.RoleOf(ctx, projectID, identity.UserID)
	if err != nil {
		return sessions.Session{}, err
	}

	state, sessionID, err := conn.beginJoin(projectID)
	if err != nil {
		return sessions.Session{}, apperr.New(apperr.KindAlreadyJoined, opJoin+".busy", err)
	}
	if state == StateJoined {
		session, ok := e.registry.Lookup(sessionID)
		if ok {
			snapshot, err := e.snapshot(ctx, projectID, session.ID, role)
			if err == nil {
				err = e.broadcaster.Join(ctx, room.Member{Session: session, Outbox: conn.Outbox()}, snapshot)
			}
			if err != nil {
				return sessions.Session{}, apperr.Unavailable(opJoin+".snapshot_failed", err)
			}
			return session, nil
		}
		conn.release(projectID, sessionID)
		if state, _, err = conn.beginJoin(projectID); err != nil || state != StateDisconnected {
			return sessions.Session{}, apperr.New(apperr.KindAlreadyJoined, opJoin+".busy", errJoinInProgress)
		}
	}

	session, err := e.registry.Create(ctx, projectID, identity.UserID, identity.Username, conn.ID())
	if err != nil {
		conn.abortJoin(projectID)
		return sessions.Session{}, err
	}

	snapshot, err := e.snapshot(ctx, projectID, session.ID, role)
	if err == nil {
		err = e.broadcaster.Join(ctx, room.Member{Session: session, Outbox: conn.Outbox()}, snapshot)
	}
	if err != nil {
		conn.abortJoin(projectID)
		e.registry.EndSession(ctx, session.ID)
		e.logger.Error("join snapshot failed",
			zap.String("project_id", projectID),
			zap.String("session_id", session.ID),
			zap.Error(err))
		return sessions.Session{}, apperr.Unavailable(opJoin+".snapshot_failed", err)
	}
	if !conn.completeJoin(projectID, session.ID) {
		if ended, ok := e.registry.EndSession(ctx, session.ID); ok {
			session = ended
		}
		e.endSessions(ctx, []sessions.Session{session}, room.ReasonDisconnected, false)
		return sessions.Session{}, apperr.New(apperr.KindNotFound, opJoin+".connection_closed", errConnectionClosed)
	}

	// A removal that landed while the session was being created either fails
	// this check or has already taken the session out of the registry.
	if err := e.membership.Authorize(ctx, projectID, identity.UserID, membership.ActionJoin); err != nil {
		e.revoke(ctx, conn, session)
		return sessions.Session{}, err
	}
	if _, ok := e.registry.Lookup(session.ID); !ok {
		e.revoke(ctx, conn, session)
		return sessions.Session{}, apperr.NotFound(opJoin+".session_ended", errSessionEnded)
	}
	e.recordPresence(ctx, session, "joined", presence.StatusOffline)
	return session, nil
}

// snapshot reads the chat tail before the room is locked. The returned func
// only copies the registry's sessions.
func (e *Engine) snapshot(ctx context.Context, projectID, sessionID string, role membership.Role) (room.SnapshotFunc, error) {
	chat, err := e.log.RecentChat(ctx, projectID, e.snapshotChat)
	if err != nil {
		return nil, err
	}
	return func() (room.ProjectJoined, error) {
		return room.ProjectJoined{
			ProjectID:  projectID,
			SessionID:  sessionID,
			Role:       role.String(),
			Sessions:   e.registry.ActiveSessionsFor(projectID),
			RecentChat: chat,
		}, nil
	}, nil
}

// revoke ends a session whose user no longer has access to the project. The
// session may already be gone from the registry when a removal ran first;
// the room and the connection are cleaned up either way.
func (e *Engine) revoke(ctx context.Context, conn *Connection, session sessions.Session) {
	if ended, ok := e.registry.EndSession(ctx, session.ID); ok {
		e.endSessions(ctx, []sessions.Session{ended}, room.ReasonRemoved, true)
		return
	}
	e.broadcaster.Notify(session.ProjectID, session.ID, room.SessionEnded{
		ProjectID: session.ProjectID,
		SessionID: session.ID,
		Reason:    room.ReasonRemoved,
	})
	e.broadcaster.Leave(session.ProjectID, session.ID, room.ReasonRemoved)
	conn.release(session.ProjectID, session.ID)
}

// Leave ends the connection's session in the project. Leaving a room the
// connection does not hold is a no-op.
func (e *Engine) Leave(ctx context.Context, conn *Connection, projectID string) error {
	sessionID, ok := conn.SessionID(projectID)
	if !ok {
		return nil
	}
	session, ended := e.registry.EndSession(ctx, sessionID)
	conn.release(projectID, sessionID)
	if !ended {
		return nil
	}
	e.broadcaster.Leave(projectID, sessionID, room.ReasonLeft)
	conn.Outbox().Push(room.SessionEnded{ProjectID: projectID, SessionID: sessionID, Reason: room.ReasonLeft})
	e.recordPresence(ctx, session, room.ReasonLeft, session.Status)
	return nil
}

// UpdateCursor records the cursor and fans it out to the other members.
func (e *Engine) UpdateCursor(ctx context.Context, conn *Connection, projectID string, cursor json.RawMessage, activeFile string) error {
	if len(cursor) == 0 || !json.Valid(cursor) {
		return apperr.Invalid(opCursor+".invalid_cursor", errEmptyCursor)
	}
	session, err := e.act(ctx, conn, projectID, membership.ActionCursor, opCursor, func(sessionID string) (sessions.Session, presence.Status, bool) {
		return e.registry.UpdateCursor(sessionID, cursor, activeFile)
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]interface{}{"cursor": cursor, "active_file": session.ActiveFile})
	if err != nil {
		return apperr.New(apperr.KindInternal, opCursor+".encode_failed", err)
	}
	if _, err := e.log.AppendEvent(ctx, eventlog.EventInput{
		ProjectID: projectID,
		UserID:    session.UserID,
		SessionID: session.ID,
		Type:      eventlog.EventCursor,
		Payload:   payload,
	}); err != nil {
		return err
	}
	e.broadcaster.Publish(projectID, room.CursorUpdate{
		ProjectID:  projectID,
		SessionID:  session.ID,
		UserID:     session.UserID,
		Username:   session.Username,
		Cursor:     session.Cursor,
		ActiveFile: session.ActiveFile,
	}, session.ID)
	return nil
}

// SendTextChange logs an opaque text change and fans it out. Concurrent edits
// are not merged; recipients apply changes in arrival order.
func (e *Engine) SendTextChange(ctx context.Context, conn *Connection, projectID string, change json.RawMessage) (eventlog.Event, error) {
	if len(change) == 0 || !json.Valid(change) {
		return eventlog.Event{}, apperr.Invalid(opTextChange+".invalid_change", errEmptyChange)
	}
	session, err := e.act(ctx, conn, projectID, membership.ActionEdit, opTextChange, e.registry.Touch)
	if err != nil {
		return eventlog.Event{}, err
	}
	event, err := e.log.AppendEvent(ctx, eventlog.EventInput{
		ProjectID: projectID,
		UserID:    session.UserID,
		SessionID: session.ID,
		Type:      eventlog.EventTextChange,
		Payload:   change,
	})
	if err != nil {
		return eventlog.Event{}, err
	}
	e.broadcaster.Publish(projectID, room.TextChangeApplied{
		ProjectID: projectID,
		SessionID: session.ID,
		UserID:    session.UserID,
		Change:    change,
		EventID:   event.ID,
	}, session.ID)
	return event, nil
}

// SendFileChange logs a whole-file write, bumps the file revision and fans
// the change out with the new revision.
func (e *Engine) SendFileChange(ctx context.Context, conn *Connection, projectID, filename, content string, changeType eventlog.ChangeType) (eventlog.FileRevision, error) {
	session, err := e.act(ctx, conn, projectID, membership.ActionEdit, opFileChange, e.registry.Touch)
	if err != nil {
		return eventlog.FileRevision{}, err
	}
	event, revision, err := e.log.AppendFileChange(ctx, eventlog.FileChangeInput{
		ProjectID:  projectID,
		UserID:     session.UserID,
		SessionID:  session.ID,
		Filename:   filename,
		Content:    content,
		ChangeType: changeType,
	})
	if err != nil {
		return eventlog.FileRevision{}, err
	}
	var payload eventlog.FileChangePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return eventlog.FileRevision{}, apperr.New(apperr.KindInternal, opFileChange+".decode_failed", err)
	}
	e.broadcaster.Publish(projectID, room.FileChanged{
		ProjectID:  projectID,
		SessionID:  session.ID,
		UserID:     session.UserID,
		Filename:   payload.Filename,
		Content:    payload.Content,
		ChangeType: payload.ChangeType,
		Revision:   revision.Revision,
		EventID:    event.ID,
	}, session.ID)
	return revision, nil
}

// SendChatMessage stores a chat message and delivers it to every member,
// the sender included, so all clients see the stored id and timestamp.
func (e *Engine) SendChatMessage(ctx context.Context, conn *Connection, projectID, text string) (eventlog.ChatMessage, error) {
	session, err := e.act(ctx, conn, projectID, membership.ActionChat, opChatSend, e.registry.Touch)
	if err != nil {
		return eventlog.ChatMessage{}, err
	}
	message, err := e.log.AppendChat(ctx, eventlog.ChatInput{
		ProjectID: projectID,
		UserID:    session.UserID,
		Username:  session.Username,
		Message:   text,
	})
	if err != nil {
		return eventlog.ChatMessage{}, err
	}
	e.broadcaster.Publish(projectID, room.ChatMessageReceived{Message: message}, "")
	return message, nil
}

// EditChatMessage edits one of the connection user's own messages.
func (e *Engine) EditChatMessage(ctx context.Context, conn *Connection, projectID, messageID, text string) (eventlog.ChatMessage, error) {
	if _, err := e.act(ctx, conn, projectID, membership.ActionChat, opChatEdit, e.registry.Touch); err != nil {
		return eventlog.ChatMessage{}, err
	}
	return e.EditChat(ctx, conn.Identity().UserID, projectID, messageID, text)
}

// DeleteChatMessage deletes one of the connection user's own messages.
func (e *Engine) DeleteChatMessage(ctx context.Context, conn *Connection, projectID, messageID string) error {
	if _, err := e.act(ctx, conn, projectID, membership.ActionChat, opChatDelete, e.registry.Touch); err != nil {
		return err
	}
	return e.DeleteChat(ctx, conn.Identity().UserID, projectID, messageID)
}

// Heartbeat marks the session active without any other effect.
func (e *Engine) Heartbeat(ctx context.Context, conn *Connection, projectID string) (sessions.Session, error) {
	return e.act(ctx, conn, projectID, membership.ActionJoin, opHeartbeat, e.registry.Touch)
}

// Disconnect reconciles a closed transport: every session the connection
// held is ended and user-left is announced in each room. It is safe to call
// after explicit leaves and more than once.
func (e *Engine) Disconnect(ctx context.Context, conn *Connection) []sessions.Session {
	conn.close()
	ended := e.registry.End(ctx, conn.ID())
	for _, session := range ended {
		e.broadcaster.Leave(session.ProjectID, session.ID, room.ReasonDisconnected)
		e.recordPresence(ctx, session, room.ReasonDisconnected, session.Status)
	}
	e.mu.Lock()
	delete(e.connections, conn.ID())
	e.mu.Unlock()
	conn.Outbox().Close()
	return ended
}

// Sweep is one presence step: visible status changes are logged and
// announced, sessions past the eviction threshold are ended as if
// disconnected, and pending activity is flushed to storage.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	changes, evicted := e.registry.ApplyPresence(ctx, now, e.policy)
	for _, change := range changes {
		if err := e.appendPresence(ctx, change.Session, "sweep", change.Previous); err != nil {
			e.logger.Warn("presence change not announced",
				zap.String("operation", opSweep),
				zap.String("session_id", change.Session.ID),
				zap.Error(err))
			continue
		}
		e.broadcaster.Publish(change.Session.ProjectID, presenceUpdated(change.Session, change.Previous), change.Session.ID)
	}
	e.endSessions(ctx, evicted, room.ReasonExpired, true)
	if err := e.registry.FlushActivity(ctx); err != nil {
		e.logger.Warn("session activity flush failed", zap.String("operation", opSweep), zap.Error(err))
	}
}

// ActiveSessions lists the project's live sessions for a reader.
func (e *Engine) ActiveSessions(ctx context.Context, actorID, projectID string) ([]sessions.Session, error) {
	if err := e.membership.Authorize(ctx, projectID, actorID, membership.ActionRead); err != nil {
		return nil, err
	}
	return e.registry.ActiveSessionsFor(projectID), nil
}

// History returns the newest events of the project log.
func (e *Engine) History(ctx context.Context, actorID, projectID string, limit int) ([]eventlog.Event, error) {
	if err := e.membership.Authorize(ctx, projectID, actorID, membership.ActionRead); err != nil {
		return nil, err
	}
	return e.log.History(ctx, projectID, limit)
}

// ExportHistory writes the project's audit log. Only the owner may export.
func (e *Engine) ExportHistory(ctx context.Context, actorID, projectID string, format eventlog.Format, w io.Writer) error {
	if err := e.membership.Authorize(ctx, projectID, actorID, membership.ActionManage); err != nil {
		return err
	}
	return e.log.Export(ctx, projectID, format, w)
}

// ChatMessages returns a newest-first page of chat.
func (e *Engine) ChatMessages(ctx context.Context, actorID, projectID string, limit, offset int) ([]eventlog.ChatMessage, error) {
	if err := e.membership.Authorize(ctx, projectID, actorID, membership.ActionRead); err != nil {
		return nil, err
	}
	return e.log.ListChat(ctx, projectID, limit, offset)
}

// EditChat edits a message on behalf of actorID and announces the edit.
func (e *Engine) EditChat(ctx context.Context, actorID, projectID, messageID, text string) (eventlog.ChatMessage, error) {
	if err := e.membership.Authorize(ctx, projectID, actorID, membership.ActionChat); err != nil {
		return eventlog.ChatMessage{}, err
	}
	message, err := e.log.EditChat(ctx, projectID, messageID, actorID, text)
	if err != nil {
		return eventlog.ChatMessage{}, err
	}
	e.broadcaster.Publish(projectID, room.ChatMessageEdited{Message: message}, "")
	return message, nil
}

// DeleteChat deletes a message on behalf of actorID and announces the deletion.
func (e *Engine) DeleteChat(ctx context.Context, actorID, projectID, messageID string) error {
	if err := e.membership.Authorize(ctx, projectID, actorID, membership.ActionChat); err != nil {
		return err
	}
	message, err := e.log.DeleteChat(ctx, projectID, messageID, actorID)
	if err != nil {
		return err
	}
	e.broadcaster.Publish(projectID, room.ChatMessageDeleted{
		ProjectID: projectID,
		MessageID: message.ID,
		UserID:    message.UserID,
	}, "")
	return nil
}

// ListCollaborators returns the project's collaborator rows.
func (e *Engine) ListCollaborators(ctx context.Context, actorID, projectID string) ([]membership.Collaborator, error) {
	return e.membership.List(ctx, projectID, actorID)
}

// Invite creates a pending invitation.
func (e *Engine) Invite(ctx context.Context, actorID, projectID, email string, role membership.Role) (membership.Collaborator, error) {
	return e.membership.Invite(ctx, projectID, actorID, email, role)
}

// AcceptInvitation activates the caller's pending invitation.
func (e *Engine) AcceptInvitation(ctx context.Context, userID, projectID string) (membership.Collaborator, error) {
	return e.membership.Accept(ctx, projectID, userID)
}

// UpdateRole changes a collaborator's role. Live sessions pick it up on
// their next action.
func (e *Engine) UpdateRole(ctx context.Context, actorID, projectID, collaboratorID string, role membership.Role) (membership.Collaborator, error) {
	return e.membership.UpdateRole(ctx, projectID, actorID, collaboratorID, role)
}

// RemoveCollaborator deletes the collaborator and immediately ends every
// session the removed user holds in the project.
func (e *Engine) RemoveCollaborator(ctx context.Context, actorID, projectID, collaboratorID string) (membership.Collaborator, error) {
	removed, err := e.membership.Remove(ctx, projectID, actorID, collaboratorID)
	if err != nil {
		return membership.Collaborator{}, err
	}
	ended := e.registry.EndUser(ctx, projectID, removed.UserID)
	e.endSessions(ctx, ended, room.ReasonRemoved, true)
	if len(ended) > 0 {
		e.logger.Info("ended sessions of removed collaborator",
			zap.String("operation", opRemove),
			zap.String("project_id", projectID),
			zap.String("user_id", removed.UserID),
			zap.Int("sessions", len(ended)))
	}
	return removed, nil
}

// act is the common prologue of every in-room action: the connection must
// hold a session, the role must permit the action, and the registry records
// the activity. A status reset to active is announced.
func (e *Engine) act(ctx context.Context, conn *Connection, projectID string, action membership.Action, operation string, touch func(string) (sessions.Session, presence.Status, bool)) (sessions.Session, error) {
	sessionID, ok := conn.SessionID(projectID)
	if !ok {
		return sessions.Session{}, apperr.NotFound(operation+".not_joined", errNotJoined)
	}
	if err := e.membership.Authorize(ctx, projectID, conn.Identity().UserID, action); err != nil {
		if errors.Is(err, membership.ErrNoAccess) {
			if session, ok := e.registry.Lookup(sessionID); ok {
				e.revoke(ctx, conn, session)
			}
		}
		return sessions.Session{}, err
	}
	session, previous, ok := touch(sessionID)
	if !ok {
		conn.release(projectID, sessionID)
		return sessions.Session{}, apperr.NotFound(operation+".session_ended", errSessionEnded)
	}
	if previous != presence.StatusActive && previous.Live() {
		if err := e.appendPresence(ctx, session, "activity", previous); err == nil {
			e.broadcaster.Publish(projectID, presenceUpdated(session, previous), session.ID)
		}
	}
	return session, nil
}

// endSessions announces sessions the server ended on its own initiative.
func (e *Engine) endSessions(ctx context.Context, ended []sessions.Session, reason string, notify bool) {
	for _, session := range ended {
		if notify {
			e.broadcaster.Notify(session.ProjectID, session.ID, room.SessionEnded{
				ProjectID: session.ProjectID,
				SessionID: session.ID,
				Reason:    reason,
			})
		}
		e.broadcaster.Leave(session.ProjectID, session.ID, reason)
		e.mu.RLock()
		conn, ok := e.connections[session.ConnectionID]
		e.mu.RUnlock()
		if ok {
			conn.release(session.ProjectID, session.ID)
		}
		e.recordPresence(ctx, session, reason, session.Status)
	}
}

func (e *Engine) appendPresence(ctx context.Context, session sessions.Session, transition string, previous presence.Status) error {
	payload, err := json.Marshal(map[string]string{
		"transition": transition,
		"status":     session.Status.String(),
		"previous":   previous.String(),
	})
	if err != nil {
		return err
	}
	_, err = e.log.AppendEvent(ctx, eventlog.EventInput{
		ProjectID: session.ProjectID,
		UserID:    session.UserID,
		SessionID: session.ID,
		Type:      eventlog.EventPresence,
		Payload:   payload,
	})
	return err
}

// recordPresence logs a join or departure. Failures are logged only: the
// membership change has already happened.
func (e *Engine) recordPresence(ctx context.Context, session sessions.Session, transition string, previous presence.Status) {
	if err := e.appendPresence(ctx, session, transition, previous); err != nil {
		e.logger.Warn("presence event not logged",
			zap.String("operation", opPresenceLog),
			zap.String("session_id", session.ID),
			zap.String("transition", transition),
			zap.Error(err))
	}
}

func presenceUpdated(session sessions.Session, previous presence.Status) room.PresenceUpdated {
	return room.PresenceUpdated{
		ProjectID: session.ProjectID,
		SessionID: session.ID,
		UserID:    session.UserID,
		Status:    session.Status,
		Previous:  previous,
		LastSeen:  session.LastSeen,
	}
}

// ErrorEvent converts a failure into the error event sent to the connection
// that caused it.
func ErrorEvent(err error, requestID string) room.Error {
	kind := apperr.KindOf(err)
	message := err.Error()
	if kind == apperr.KindInternal {
		message = "internal error"
	}
	return room.Error{
		Code:      apperr.CodeOf(err),
		Kind:      string(kind),
		Message:   message,
		RequestID: requestID,
		Retryable: apperr.Retryable(err),
	}
}

// InvalidInput wraps a malformed client payload.
func InvalidInput(reason string, err error) error {
	return apperr.Invalid(opInvalidInput+"."+reason, err)
}
