package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/ids"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"go.uber.org/zap"
)

const (
	opRegistryNew   = "sessions.registry.new"
	opCreate        = "sessions.create"
	opEnd           = "sessions.end"
	opFlushActivity = "sessions.flush_activity"
	opRecover       = "sessions.recover_orphans"

	fieldProjectID    = "project_id"
	fieldConnectionID = "connection_id"
)

var (
	// ErrAlreadyJoined indicates the connection already holds an active session in the project.
	ErrAlreadyJoined = errors.New("sessions: connection already joined project")
	// ErrInvalidSession indicates a create request without project, user or connection.
	ErrInvalidSession = errors.New("sessions: project, user and connection are required")

	errMissingStore = errors.New("session store is required")
)

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Store      Store
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

type entry struct {
	session Session
	dirty   bool
}

// shard holds one project room's sessions behind its own lock. A shard with
// no sessions and no reservations is dropped from the registry; dropped is
// set under mu so a caller holding a stale pointer can tell.
type shard struct {
	mu           sync.Mutex
	sessions     map[string]*entry
	byConnection map[string]string
	reserved     map[string]struct{}
	dropped      bool
}

func (s *shard) empty() bool {
	return len(s.sessions) == 0 && len(s.reserved) == 0
}

func newShard() *shard {
	return &shard{
		sessions:     make(map[string]*entry),
		byConnection: make(map[string]string),
		reserved:     make(map[string]struct{}),
	}
}

// Registry is the in-memory table of live sessions. Lookups by session id are
// O(1) through a flat index; all mutation of a session happens under its
// project shard's lock. When both locks are needed, r.mu is taken first.
type Registry struct {
	store      Store
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger

	mu          sync.RWMutex
	shards      map[string]*shard
	index       map[string]string
	connections map[string]map[string]string
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, apperr.New(apperr.KindInternal, opRegistryNew+".missing_store", errMissingStore)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:       cfg.Store,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		shards:      make(map[string]*shard),
		index:       make(map[string]string),
		connections: make(map[string]map[string]string),
	}, nil
}

// Create registers a new active session for the connection in the project.
// The durable row is inserted before the session becomes visible; a failed
// insert releases the reservation.
func (r *Registry) Create(ctx context.Context, projectID, userID, username, connectionID string) (Session, error) {
	projectID = strings.TrimSpace(projectID)
	userID = strings.TrimSpace(userID)
	connectionID = strings.TrimSpace(connectionID)
	if projectID == "" || userID == "" || connectionID == "" {
		return Session{}, apperr.Invalid(opCreate+".invalid_request", ErrInvalidSession)
	}

	room := r.reserve(projectID)
	if _, joined := room.byConnection[connectionID]; joined {
		room.mu.Unlock()
		return Session{}, apperr.New(apperr.KindAlreadyJoined, opCreate+".already_joined", ErrAlreadyJoined)
	}
	if _, pending := room.reserved[connectionID]; pending {
		room.mu.Unlock()
		return Session{}, apperr.New(apperr.KindAlreadyJoined, opCreate+".already_joined", ErrAlreadyJoined)
	}
	room.reserved[connectionID] = struct{}{}
	room.mu.Unlock()

	release := func() {
		room.mu.Lock()
		delete(room.reserved, connectionID)
		room.mu.Unlock()
		r.dropEmpty(projectID)
	}

	sessionID, err := r.idProvider.NewID()
	if err != nil {
		release()
		return Session{}, apperr.New(apperr.KindInternal, opCreate+".id_generation_failed", err)
	}
	now := r.clock().UTC()
	session := Session{
		ID:           sessionID,
		ProjectID:    projectID,
		UserID:       userID,
		Username:     username,
		ConnectionID: connectionID,
		Status:       presence.StatusActive,
		LastSeen:     now,
		JoinedAt:     now,
		Active:       true,
	}
	if err := r.store.Insert(ctx, recordFromSession(session)); err != nil {
		release()
		r.logError(opCreate, "insert_failed", err,
			zap.String(fieldProjectID, projectID),
			zap.String(fieldConnectionID, connectionID))
		return Session{}, apperr.Unavailable(opCreate+".insert_failed", err)
	}

	// The shard entry and the index entries appear together, so a concurrent
	// detach always finds both.
	r.mu.Lock()
	room.mu.Lock()
	delete(room.reserved, connectionID)
	room.sessions[sessionID] = &entry{session: session}
	room.byConnection[connectionID] = sessionID
	r.index[sessionID] = projectID
	owned, ok := r.connections[connectionID]
	if !ok {
		owned = make(map[string]string)
		r.connections[connectionID] = owned
	}
	owned[sessionID] = projectID
	room.mu.Unlock()
	r.mu.Unlock()

	return session.clone(), nil
}

// Lookup returns a copy of the active session.
func (r *Registry) Lookup(sessionID string) (Session, bool) {
	room, ok := r.shardOf(sessionID)
	if !ok {
		return Session{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	current, ok := room.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return current.session.clone(), true
}

// UpdateCursor records a cursor move. It also counts as activity. An unknown
// session id is a no-op reported by the boolean.
func (r *Registry) UpdateCursor(sessionID string, cursor json.RawMessage, activeFile string) (Session, presence.Status, bool) {
	return r.mutate(sessionID, func(session *Session) {
		session.Cursor = append(json.RawMessage(nil), cursor...)
		if activeFile != "" {
			session.ActiveFile = activeFile
		}
	})
}

// Touch records an inbound event and returns the status the session held
// before it was reset to active.
func (r *Registry) Touch(sessionID string) (Session, presence.Status, bool) {
	return r.mutate(sessionID, nil)
}

func (r *Registry) mutate(sessionID string, apply func(*Session)) (Session, presence.Status, bool) {
	room, ok := r.shardOf(sessionID)
	if !ok {
		return Session{}, "", false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	current, ok := room.sessions[sessionID]
	if !ok {
		return Session{}, "", false
	}
	previous := current.session.Status
	if apply != nil {
		apply(&current.session)
	}
	current.session.Status = presence.StatusActive
	current.session.LastSeen = r.clock().UTC()
	current.dirty = true
	return current.session.clone(), previous, true
}

// ActiveSessionsFor returns a point-in-time copy of the project's sessions,
// ordered by join time.
func (r *Registry) ActiveSessionsFor(projectID string) []Session {
	room := r.shardFor(projectID, false)
	if room == nil {
		return []Session{}
	}
	room.mu.Lock()
	snapshot := make([]Session, 0, len(room.sessions))
	for _, current := range room.sessions {
		snapshot = append(snapshot, current.session.clone())
	}
	room.mu.Unlock()
	sortByJoin(snapshot)
	return snapshot
}

// End marks every session owned by the connection inactive and returns them.
// Calling it again for the same connection returns nothing.
func (r *Registry) End(ctx context.Context, connectionID string) []Session {
	r.mu.Lock()
	owned := r.connections[connectionID]
	delete(r.connections, connectionID)
	for sessionID := range owned {
		delete(r.index, sessionID)
	}
	r.mu.Unlock()

	ended := make([]Session, 0, len(owned))
	for sessionID, projectID := range owned {
		room := r.shardFor(projectID, false)
		if room == nil {
			continue
		}
		room.mu.Lock()
		if session, ok := room.detach(sessionID); ok {
			ended = append(ended, session)
		}
		room.mu.Unlock()
	}
	r.retire(ended)
	sortByJoin(ended)
	r.persistEnded(ctx, ended)
	return ended
}

// EndSession ends one session regardless of its connection.
func (r *Registry) EndSession(ctx context.Context, sessionID string) (Session, bool) {
	room, ok := r.shardOf(sessionID)
	if !ok {
		return Session{}, false
	}
	room.mu.Lock()
	session, ok := room.detach(sessionID)
	room.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	r.retire([]Session{session})
	r.persistEnded(ctx, []Session{session})
	return session, true
}

// EndUser ends every session the user holds in the project.
func (r *Registry) EndUser(ctx context.Context, projectID, userID string) []Session {
	room := r.shardFor(projectID, false)
	if room == nil {
		return []Session{}
	}
	room.mu.Lock()
	ended := make([]Session, 0)
	for sessionID, current := range room.sessions {
		if current.session.UserID != userID {
			continue
		}
		if session, ok := room.detach(sessionID); ok {
			ended = append(ended, session)
		}
	}
	room.mu.Unlock()

	r.retire(ended)
	sortByJoin(ended)
	r.persistEnded(ctx, ended)
	return ended
}

// ApplyPresence runs one sweep step: every session is evaluated against the
// policy under its shard lock. Sessions past the eviction threshold are
// ended and returned separately from the visible status changes.
func (r *Registry) ApplyPresence(ctx context.Context, now time.Time, policy presence.Policy) ([]PresenceChange, []Session) {
	changes := make([]PresenceChange, 0)
	evicted := make([]Session, 0)
	for _, room := range r.allShards() {
		room.mu.Lock()
		for sessionID, current := range room.sessions {
			previous := current.session.Status
			next, evict := policy.Evaluate(previous, current.session.LastSeen, now)
			if evict {
				if session, ok := room.detach(sessionID); ok {
					evicted = append(evicted, session)
				}
				continue
			}
			if next != previous {
				current.session.Status = next
				current.dirty = true
				changes = append(changes, PresenceChange{Session: current.session.clone(), Previous: previous})
			}
		}
		room.mu.Unlock()
	}

	r.retire(evicted)
	sortByJoin(evicted)
	r.persistEnded(ctx, evicted)
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Session.JoinedAt.Before(changes[j].Session.JoinedAt)
	})
	return changes, evicted
}

// FlushActivity writes dirty cursor, status and last-seen values back to the
// durable rows. Entries stay dirty when the write fails.
func (r *Registry) FlushActivity(ctx context.Context) error {
	type pending struct {
		room     *shard
		activity Activity
	}
	batch := make([]pending, 0)
	for _, room := range r.allShards() {
		room.mu.Lock()
		for _, current := range room.sessions {
			if !current.dirty {
				continue
			}
			current.dirty = false
			batch = append(batch, pending{room: room, activity: activityOf(current.session.clone())})
		}
		room.mu.Unlock()
	}
	if len(batch) == 0 {
		return nil
	}

	activities := make([]Activity, 0, len(batch))
	for _, item := range batch {
		activities = append(activities, item.activity)
	}
	if err := r.store.SaveActivity(ctx, activities); err != nil {
		for _, item := range batch {
			item.room.mu.Lock()
			if current, ok := item.room.sessions[item.activity.SessionID]; ok {
				current.dirty = true
			}
			item.room.mu.Unlock()
		}
		r.logError(opFlushActivity, "save_failed", err, zap.Int("batch_size", len(batch)))
		return apperr.Unavailable(opFlushActivity+".save_failed", err)
	}
	return nil
}

// RecoverOrphans marks durable rows left active by a previous process as
// ended. It must run before the registry accepts sessions.
func (r *Registry) RecoverOrphans(ctx context.Context) (int64, error) {
	recovered, err := r.store.DeactivateAll(ctx, r.clock().UTC())
	if err != nil {
		r.logError(opRecover, "update_failed", err)
		return 0, apperr.Unavailable(opRecover+".update_failed", err)
	}
	if recovered > 0 {
		r.logger.Info("recovered orphaned sessions", zap.Int64("count", recovered))
	}
	return recovered, nil
}

// Rooms reports the number of projects with live or joining sessions.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

// Len reports the number of live sessions across all rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// detach removes the session from the shard. Caller holds s.mu.
func (s *shard) detach(sessionID string) (Session, bool) {
	current, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	delete(s.sessions, sessionID)
	if s.byConnection[current.session.ConnectionID] == sessionID {
		delete(s.byConnection, current.session.ConnectionID)
	}
	ended := current.session.clone()
	ended.Status = presence.StatusOffline
	ended.Active = false
	return ended, true
}

// retire removes ended sessions from the lookup index and drops the shards
// they leave empty.
func (r *Registry) retire(ended []Session) {
	if len(ended) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	projects := make(map[string]struct{}, len(ended))
	for _, session := range ended {
		delete(r.index, session.ID)
		if owned, ok := r.connections[session.ConnectionID]; ok {
			delete(owned, session.ID)
			if len(owned) == 0 {
				delete(r.connections, session.ConnectionID)
			}
		}
		projects[session.ProjectID] = struct{}{}
	}
	for projectID := range projects {
		r.dropLocked(projectID)
	}
}

func (r *Registry) dropEmpty(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(projectID)
}

// dropLocked removes the project's shard when it holds nothing. Caller holds r.mu.
func (r *Registry) dropLocked(projectID string) {
	room, ok := r.shards[projectID]
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if !room.empty() {
		return
	}
	room.dropped = true
	delete(r.shards, projectID)
}

func (r *Registry) persistEnded(ctx context.Context, ended []Session) {
	if len(ended) == 0 {
		return
	}
	final := make([]Activity, 0, len(ended))
	for _, session := range ended {
		final = append(final, activityOf(session))
	}
	if err := r.store.MarkEnded(ctx, final, r.clock().UTC()); err != nil {
		r.logError(opEnd, "mark_ended_failed", err, zap.Int("sessions", len(ended)))
	}
}

func (r *Registry) shardFor(projectID string, create bool) *shard {
	r.mu.RLock()
	room, ok := r.shards[projectID]
	r.mu.RUnlock()
	if ok || !create {
		return room
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok = r.shards[projectID]; ok {
		return room
	}
	room = newShard()
	r.shards[projectID] = room
	return room
}

// reserve returns the project's live shard with its lock held, creating the
// shard when needed.
func (r *Registry) reserve(projectID string) *shard {
	for {
		room := r.shardFor(projectID, true)
		room.mu.Lock()
		if !room.dropped {
			return room
		}
		room.mu.Unlock()
	}
}

func (r *Registry) shardOf(sessionID string) (*shard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	projectID, ok := r.index[sessionID]
	if !ok {
		return nil, false
	}
	room, ok := r.shards[projectID]
	return room, ok
}

func (r *Registry) allShards() []*shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]*shard, 0, len(r.shards))
	for _, room := range r.shards {
		rooms = append(rooms, room)
	}
	return rooms
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("session registry error", attrs...)
}

func sortByJoin(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
}
