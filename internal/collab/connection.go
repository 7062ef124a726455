package collab

import (
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/auth"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/room"
)

// ConnState is a connection's standing in one project room.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateJoining      ConnState = "joining"
	StateJoined       ConnState = "joined"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errJoinInProgress   = errors.New("join already in progress")
)

type binding struct {
	state     ConnState
	sessionID string
}

// Connection is one transport connection. It may hold a session in several
// project rooms at once, each with its own Disconnected -> Joining -> Joined
// state. The transport owns reading and writing; the engine owns the state.
type Connection struct {
	id       string
	identity auth.Identity
	outbox   *room.Outbox

	mu       sync.Mutex
	bindings map[string]binding
	closed   bool
}

func newConnection(id string, identity auth.Identity, outbox *room.Outbox) *Connection {
	return &Connection{
		id:       id,
		identity: identity,
		outbox:   outbox,
		bindings: make(map[string]binding),
	}
}

// ID returns the connection identifier used by the session registry.
func (c *Connection) ID() string {
	return c.id
}

// Identity returns the authenticated user behind the connection.
func (c *Connection) Identity() auth.Identity {
	return c.identity
}

// Outbox returns the queue the transport drains to the client.
func (c *Connection) Outbox() *room.Outbox {
	return c.outbox
}

// State reports the connection's state in the project room.
func (c *Connection) State(projectID string) ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.bindings[projectID]
	if !ok {
		return StateDisconnected
	}
	return current.state
}

// SessionID returns the session the connection holds in the project, if joined.
func (c *Connection) SessionID(projectID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.bindings[projectID]
	if !ok || current.state != StateJoined {
		return "", false
	}
	return current.sessionID, true
}

// Projects lists the projects the connection is joined to, sorted.
func (c *Connection) Projects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	projects := make([]string, 0, len(c.bindings))
	for projectID, current := range c.bindings {
		if current.state == StateJoined {
			projects = append(projects, projectID)
		}
	}
	sort.Strings(projects)
	return projects
}

// Closed reports whether the transport has gone away.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// beginJoin moves Disconnected -> Joining. When the connection is already
// joined it returns the current session id and leaves the state alone.
func (c *Connection) beginJoin(projectID string) (ConnState, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return StateDisconnected, "", errConnectionClosed
	}
	current := c.bindings[projectID]
	switch current.state {
	case StateJoined:
		return StateJoined, current.sessionID, nil
	case StateJoining:
		return StateJoining, "", errJoinInProgress
	}
	c.bindings[projectID] = binding{state: StateJoining}
	return StateDisconnected, "", nil
}

// completeJoin moves Joining -> Joined once the snapshot has been delivered.
func (c *Connection) completeJoin(projectID, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.bindings[projectID].state != StateJoining {
		return false
	}
	c.bindings[projectID] = binding{state: StateJoined, sessionID: sessionID}
	return true
}

// abortJoin moves Joining -> Disconnected.
func (c *Connection) abortJoin(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindings[projectID].state == StateJoining {
		delete(c.bindings, projectID)
	}
}

// release moves Joined -> Disconnected if the binding still refers to sessionID.
func (c *Connection) release(projectID, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.bindings[projectID]
	if !ok || current.state != StateJoined || current.sessionID != sessionID {
		return false
	}
	delete(c.bindings, projectID)
	return true
}

// close moves every room to Disconnected and refuses further joins.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.bindings = make(map[string]binding)
	return true
}
