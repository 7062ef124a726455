package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/collab"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/room"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Inbound command names.
const (
	CommandJoinProject  = "join-project"
	CommandLeaveProject = "leave-project"
	CommandCursorUpdate = "cursor-update"
	CommandTextChange   = "text-change"
	CommandFileChange   = "file-change"
	CommandChatMessage  = "chat-message"
	CommandChatEdit     = "chat-edit"
	CommandChatDelete   = "chat-delete"
	CommandHeartbeat    = "heartbeat"
)

const (
	defaultKeepAliveInterval = 25 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultPingTimeout       = 5 * time.Second
	defaultReadLimit         = 1 << 20
)

var (
	errMalformedCommand = errors.New("command is not valid JSON")
	errUnknownCommand   = errors.New("unknown command type")
	errShuttingDown     = errors.New("server is shutting down")
)

// WebSocketConfig tunes the realtime endpoint.
type WebSocketConfig struct {
	// OriginPatterns lists host patterns allowed to open cross-origin sockets.
	OriginPatterns     []string
	InsecureSkipVerify bool
	KeepAliveInterval  time.Duration
	WriteTimeout       time.Duration
	ReadLimit          int64
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

type inboundCommand struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	ProjectID string          `json:"project_id"`
	Data      json.RawMessage `json:"data"`
}

type cursorData struct {
	Cursor     json.RawMessage `json:"cursor"`
	ActiveFile string          `json:"active_file"`
}

type textChangeData struct {
	Change json.RawMessage `json:"change"`
}

type fileChangeData struct {
	Filename   string `json:"filename"`
	Content    string `json:"content"`
	ChangeType string `json:"change_type"`
}

type chatData struct {
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

type wsClient struct {
	socket     *websocket.Conn
	connection *collab.Connection
	cancel     context.CancelFunc
	logger     *zap.Logger
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity := identityFrom(c)
	if !h.trackSocket() {
		h.abortWithError(c, apperr.Unavailable("server.websocket.shutting_down", errShuttingDown))
		return
	}
	defer h.open.Done()

	socket, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns:     h.ws.OriginPatterns,
		InsecureSkipVerify: h.ws.InsecureSkipVerify,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}
	socket.SetReadLimit(h.ws.ReadLimit)

	connection, err := h.engine.Connect(identity)
	if err != nil {
		h.logger.Error("failed to register connection", zap.String("user_id", identity.UserID), zap.Error(err))
		_ = socket.Close(websocket.StatusInternalError, "connection rejected")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	stopOnClose := context.AfterFunc(h.sockets, cancel)
	defer stopOnClose()
	client := &wsClient{
		socket:     socket,
		connection: connection,
		cancel:     cancel,
		logger:     h.logger.With(zap.String("connection_id", connection.ID()), zap.String("user_id", identity.UserID)),
	}
	client.logger.Debug("websocket connected")

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		client.writeLoop(ctx, h.ws.WriteTimeout)
	}()
	go func() {
		defer loops.Done()
		client.keepAliveLoop(ctx, h.ws.KeepAliveInterval)
	}()

	h.readLoop(ctx, client)
	cancel()
	loops.Wait()

	ended := h.engine.Disconnect(context.Background(), connection)
	client.logger.Debug("websocket disconnected", zap.Int("sessions_ended", len(ended)))
	if h.sockets.Err() != nil {
		_ = socket.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	_ = socket.Close(websocket.StatusNormalClosure, "bye")
}

func (h *httpHandler) trackSocket() bool {
	h.socketsMu.Lock()
	defer h.socketsMu.Unlock()
	if h.closing {
		return false
	}
	h.open.Add(1)
	return true
}

func (h *httpHandler) closeSockets(ctx context.Context) error {
	h.socketsMu.Lock()
	h.closing = true
	h.socketsMu.Unlock()
	h.stopSockets()

	drained := make(chan struct{})
	go func() {
		h.open.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *httpHandler) readLoop(ctx context.Context, client *wsClient) {
	for {
		_, payload, err := client.socket.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				client.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		var command inboundCommand
		if err := json.Unmarshal(payload, &command); err != nil {
			client.reply(collab.ErrorEvent(collab.InvalidInput("malformed_command", errMalformedCommand), ""))
			continue
		}
		h.dispatch(ctx, client, command)
	}
}

// dispatch runs one command to completion. Commands from one connection are
// handled in arrival order.
func (h *httpHandler) dispatch(ctx context.Context, client *wsClient, command inboundCommand) {
	conn := client.connection
	ack := room.Ack{RequestID: command.RequestID, Command: command.Type, ProjectID: command.ProjectID}
	var err error

	switch command.Type {
	case CommandJoinProject:
		_, err = h.engine.Join(ctx, conn, command.ProjectID)
		if err == nil {
			return
		}
	case CommandLeaveProject:
		err = h.engine.Leave(ctx, conn, command.ProjectID)
	case CommandCursorUpdate:
		var data cursorData
		if err = decodeData(command, &data); err == nil {
			err = h.engine.UpdateCursor(ctx, conn, command.ProjectID, data.Cursor, data.ActiveFile)
		}
	case CommandTextChange:
		var data textChangeData
		if err = decodeData(command, &data); err == nil {
			var event eventlog.Event
			event, err = h.engine.SendTextChange(ctx, conn, command.ProjectID, data.Change)
			ack.EventID = event.ID
		}
	case CommandFileChange:
		var data fileChangeData
		if err = decodeData(command, &data); err == nil {
			var revision eventlog.FileRevision
			revision, err = h.engine.SendFileChange(ctx, conn, command.ProjectID, data.Filename, data.Content, eventlog.ChangeType(data.ChangeType))
			ack.Revision = revision.Revision
		}
	case CommandChatMessage:
		var data chatData
		if err = decodeData(command, &data); err == nil {
			_, err = h.engine.SendChatMessage(ctx, conn, command.ProjectID, data.Message)
		}
		if err == nil {
			return
		}
	case CommandChatEdit:
		var data chatData
		if err = decodeData(command, &data); err == nil {
			_, err = h.engine.EditChatMessage(ctx, conn, command.ProjectID, data.MessageID, data.Message)
		}
		if err == nil {
			return
		}
	case CommandChatDelete:
		var data chatData
		if err = decodeData(command, &data); err == nil {
			err = h.engine.DeleteChatMessage(ctx, conn, command.ProjectID, data.MessageID)
		}
		if err == nil {
			return
		}
	case CommandHeartbeat:
		_, err = h.engine.Heartbeat(ctx, conn, command.ProjectID)
	default:
		err = collab.InvalidInput("unknown_command", errUnknownCommand)
	}

	if err != nil {
		h.logCommandFailure(client, command, err)
		client.reply(collab.ErrorEvent(err, command.RequestID))
		return
	}
	if sessionID, ok := conn.SessionID(command.ProjectID); ok {
		ack.SessionID = sessionID
	}
	client.reply(ack)
}

func decodeData(command inboundCommand, target interface{}) error {
	if len(command.Data) == 0 {
		return collab.InvalidInput("missing_data", errMalformedCommand)
	}
	if err := json.Unmarshal(command.Data, target); err != nil {
		return collab.InvalidInput("malformed_data", err)
	}
	return nil
}

func (h *httpHandler) logCommandFailure(client *wsClient, command inboundCommand, err error) {
	fields := []zap.Field{
		zap.String("command", command.Type),
		zap.String("project_id", command.ProjectID),
		zap.String("code", apperr.CodeOf(err)),
		zap.Error(err),
	}
	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		client.logger.Error("command failed", fields...)
	case apperr.KindUnavailable:
		client.logger.Warn("command failed", fields...)
	default:
		client.logger.Debug("command rejected", fields...)
	}
}

// reply queues an event for the connection's own client.
func (c *wsClient) reply(event room.Event) {
	c.connection.Outbox().Push(event)
}

func (c *wsClient) writeLoop(ctx context.Context, timeout time.Duration) {
	outbox := c.connection.Outbox()
	for {
		event, err := outbox.Next(ctx)
		if err != nil {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, timeout)
		err = wsjson.Write(writeCtx, c.socket, room.Wrap(event))
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("websocket write failed, closing connection", zap.String("event_type", string(event.Type())), zap.Error(err))
			}
			c.cancel()
			_ = c.socket.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (c *wsClient) keepAliveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := c.socket.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Info("websocket keepalive failed", zap.Error(err))
				c.cancel()
				return
			}
		}
	}
}
