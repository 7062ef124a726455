package room

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/sessions"
	"go.uber.org/zap"
)

// Member is a joined session together with the outbox of its connection.
type Member struct {
	Session sessions.Session
	Outbox  *Outbox
}

// SnapshotFunc builds the joiner's snapshot. It runs under the room lock so
// no concurrent join or leave can slip between the snapshot and the
// membership change. It must not wait on storage: every publisher to the
// room is blocked while it runs.
type SnapshotFunc func() (ProjectJoined, error)

type roomState struct {
	mu      sync.Mutex
	members map[string]Member
	closed  bool
}

// Broadcaster maps project ids to their joined members. Each room has its own
// lock; the room map lock is held only for lookup and insert.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[string]*roomState
	logger *zap.Logger
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		rooms:  make(map[string]*roomState),
		logger: logger,
	}
}

// Join adds the member to its project room, delivers the snapshot to it and
// announces user-joined to everyone else. Joining again with the same session
// id only re-delivers the snapshot.
func (b *Broadcaster) Join(ctx context.Context, member Member, snapshot SnapshotFunc) error {
	projectID := member.Session.ProjectID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		state := b.roomFor(projectID, true)
		state.mu.Lock()
		if state.closed {
			state.mu.Unlock()
			continue
		}

		joined, err := snapshot()
		if err != nil {
			state.mu.Unlock()
			return err
		}
		_, rejoin := state.members[member.Session.ID]
		state.members[member.Session.ID] = member
		b.deliver(member, joined)
		if !rejoin {
			announcement := UserJoined{ProjectID: projectID, Session: member.Session}
			for sessionID, other := range state.members {
				if sessionID == member.Session.ID {
					continue
				}
				b.deliver(other, announcement)
			}
		}
		state.mu.Unlock()
		return nil
	}
}

// Leave removes the session from the room and announces user-left to the
// remaining members. It reports false when the session was not a member.
func (b *Broadcaster) Leave(projectID, sessionID, reason string) bool {
	state := b.roomFor(projectID, false)
	if state == nil {
		return false
	}
	state.mu.Lock()
	member, ok := state.members[sessionID]
	if !ok {
		state.mu.Unlock()
		return false
	}
	delete(state.members, sessionID)
	announcement := UserLeft{
		ProjectID: projectID,
		SessionID: sessionID,
		UserID:    member.Session.UserID,
		Reason:    reason,
	}
	for _, other := range state.members {
		b.deliver(other, announcement)
	}
	empty := len(state.members) == 0
	state.mu.Unlock()

	if empty {
		b.dropIfEmpty(projectID, state)
	}
	return true
}

// Publish delivers the event to every member of the project except
// excludeSessionID and returns the number of recipients. Events published by
// one goroutine reach each recipient in publish order.
func (b *Broadcaster) Publish(projectID string, event Event, excludeSessionID string) int {
	state := b.roomFor(projectID, false)
	if state == nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	recipients := 0
	for sessionID, member := range state.members {
		if sessionID == excludeSessionID {
			continue
		}
		b.deliver(member, event)
		recipients++
	}
	return recipients
}

// Notify delivers the event to a single member.
func (b *Broadcaster) Notify(projectID, sessionID string, event Event) bool {
	state := b.roomFor(projectID, false)
	if state == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	member, ok := state.members[sessionID]
	if !ok {
		return false
	}
	b.deliver(member, event)
	return true
}

// Members returns the session ids joined to the project, sorted.
func (b *Broadcaster) Members(projectID string) []string {
	state := b.roomFor(projectID, false)
	if state == nil {
		return []string{}
	}
	state.mu.Lock()
	members := make([]string, 0, len(state.members))
	for sessionID := range state.members {
		members = append(members, sessionID)
	}
	state.mu.Unlock()
	sort.Strings(members)
	return members
}

// Rooms reports the number of rooms with at least one member.
func (b *Broadcaster) Rooms() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

func (b *Broadcaster) deliver(member Member, event Event) {
	if member.Outbox == nil {
		return
	}
	if member.Outbox.Push(event) {
		b.logger.Warn("outbox full, dropped oldest event",
			zap.String("project_id", member.Session.ProjectID),
			zap.String("session_id", member.Session.ID),
			zap.String("event_type", string(event.Type())),
			zap.Uint64("dropped_total", member.Outbox.Dropped()))
	}
}

func (b *Broadcaster) roomFor(projectID string, create bool) *roomState {
	b.mu.RLock()
	state, ok := b.rooms[projectID]
	b.mu.RUnlock()
	if ok || !create {
		return state
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok = b.rooms[projectID]; ok {
		return state
	}
	state = &roomState{members: make(map[string]Member)}
	b.rooms[projectID] = state
	return state
}

func (b *Broadcaster) dropIfEmpty(projectID string, state *roomState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[projectID] != state {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.members) > 0 {
		return
	}
	state.closed = true
	delete(b.rooms, projectID)
}
