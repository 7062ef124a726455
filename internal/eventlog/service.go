package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/ids"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProjectID  = errors.New("project identifier is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMessageNotFound   = errors.New("chat message not found")
	errNotAuthor         = errors.New("only the author may change a chat message")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew       = "eventlog.service.new"
	opAppendEvent      = "eventlog.append_event"
	opAppendFileChange = "eventlog.append_file_change"
	opAppendChat       = "eventlog.append_chat"
	opEditChat         = "eventlog.edit_chat"
	opDeleteChat       = "eventlog.delete_chat"
	opListChat         = "eventlog.list_chat"
	opRecentChat       = "eventlog.recent_chat"
	opHistory          = "eventlog.history"
	opRevision         = "eventlog.revision"

	fieldProjectID = "project_id"
	fieldMessageID = "message_id"
	fieldFilename  = "filename"
)

// ServiceConfig describes the dependencies of the log service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service appends to and reads from the collaboration log. Every append is a
// synchronous durable write; callers broadcast only after it returns nil.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService constructs the log service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew+".missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew+".missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AppendEvent writes one event row.
func (s *Service) AppendEvent(ctx context.Context, input EventInput) (Event, error) {
	if err := requireIdentifiers(opAppendEvent, input.ProjectID, input.UserID); err != nil {
		return Event{}, err
	}
	if _, err := ParseEventType(string(input.Type)); err != nil {
		return Event{}, apperr.Invalid(opAppendEvent+".invalid_event_type", err)
	}
	payload := input.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return Event{}, apperr.Invalid(opAppendEvent+".invalid_payload", ErrInvalidPayload)
	}

	event := Event{
		ProjectID: input.ProjectID,
		UserID:    input.UserID,
		SessionID: input.SessionID,
		EventType: input.Type,
		Payload:   datatypes.JSON(payload),
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logError(opAppendEvent, "insert_failed", err,
			zap.String(fieldProjectID, input.ProjectID),
			zap.String("event_type", string(input.Type)))
		return Event{}, apperr.Unavailable(opAppendEvent+".insert_failed", err)
	}
	return event, nil
}

// AppendFileChange writes a file-change event and bumps the file's revision
// counter in one transaction.
func (s *Service) AppendFileChange(ctx context.Context, input FileChangeInput) (Event, FileRevision, error) {
	if err := requireIdentifiers(opAppendFileChange, input.ProjectID, input.UserID); err != nil {
		return Event{}, FileRevision{}, err
	}
	filename, err := validateFilename(input.Filename)
	if err != nil {
		return Event{}, FileRevision{}, apperr.Invalid(opAppendFileChange+".invalid_filename", err)
	}
	changeType, err := ParseChangeType(string(input.ChangeType))
	if err != nil {
		return Event{}, FileRevision{}, apperr.Invalid(opAppendFileChange+".invalid_change_type", err)
	}

	var (
		event    Event
		revision FileRevision
	)
	appliedAt := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing FileRevision
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("project_id = ? AND filename = ?", input.ProjectID, filename).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			revision = FileRevision{ProjectID: input.ProjectID, Filename: filename}
		case err != nil:
			s.logError(opAppendFileChange, "revision_select_failed", err,
				zap.String(fieldProjectID, input.ProjectID),
				zap.String(fieldFilename, filename))
			return apperr.Unavailable(opAppendFileChange+".revision_select_failed", err)
		default:
			revision = existing
		}

		revision.Revision = nextRevision(revision.Revision)
		revision.LastUserID = input.UserID
		revision.LastSessionID = input.SessionID
		revision.UpdatedAt = appliedAt
		if err := tx.Save(&revision).Error; err != nil {
			s.logError(opAppendFileChange, "revision_save_failed", err,
				zap.String(fieldProjectID, input.ProjectID),
				zap.String(fieldFilename, filename))
			return apperr.Unavailable(opAppendFileChange+".revision_save_failed", err)
		}

		payload, err := json.Marshal(FileChangePayload{
			Filename:   filename,
			Content:    input.Content,
			ChangeType: changeType,
			Revision:   revision.Revision,
		})
		if err != nil {
			return apperr.New(apperr.KindInternal, opAppendFileChange+".payload_encode_failed", err)
		}
		event = Event{
			ProjectID: input.ProjectID,
			UserID:    input.UserID,
			SessionID: input.SessionID,
			EventType: EventFileChange,
			Payload:   datatypes.JSON(payload),
			CreatedAt: appliedAt,
		}
		if err := tx.Create(&event).Error; err != nil {
			s.logError(opAppendFileChange, "event_insert_failed", err,
				zap.String(fieldProjectID, input.ProjectID),
				zap.String(fieldFilename, filename))
			return apperr.Unavailable(opAppendFileChange+".event_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		var appErr *apperr.Error
		if errors.As(txErr, &appErr) {
			return Event{}, FileRevision{}, txErr
		}
		s.logError(opAppendFileChange, "commit_failed", txErr, zap.String(fieldProjectID, input.ProjectID))
		return Event{}, FileRevision{}, apperr.Unavailable(opAppendFileChange+".commit_failed", txErr)
	}
	return event, revision, nil
}

// Revision returns the current revision of a file, zero when it was never written.
func (s *Service) Revision(ctx context.Context, projectID, filename string) (FileRevision, error) {
	var revision FileRevision
	err := s.db.WithContext(ctx).Where("project_id = ? AND filename = ?", projectID, filename).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileRevision{ProjectID: projectID, Filename: filename}, nil
	}
	if err != nil {
		s.logError(opRevision, "query_failed", err, zap.String(fieldProjectID, projectID))
		return FileRevision{}, apperr.Unavailable(opRevision+".query_failed", err)
	}
	return revision, nil
}

// AppendChat stores a chat message.
func (s *Service) AppendChat(ctx context.Context, input ChatInput) (ChatMessage, error) {
	if err := requireIdentifiers(opAppendChat, input.ProjectID, input.UserID); err != nil {
		return ChatMessage{}, err
	}
	text, err := validateMessage(input.Message)
	if err != nil {
		return ChatMessage{}, apperr.Invalid(opAppendChat+".invalid_message", err)
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendChat, "id_generation_failed", err, zap.String(fieldProjectID, input.ProjectID))
		return ChatMessage{}, apperr.New(apperr.KindInternal, opAppendChat+".id_generation_failed", err)
	}
	message := ChatMessage{
		ID:        messageID,
		ProjectID: input.ProjectID,
		UserID:    input.UserID,
		Username:  input.Username,
		Message:   text,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opAppendChat, "insert_failed", err, zap.String(fieldProjectID, input.ProjectID))
		return ChatMessage{}, apperr.Unavailable(opAppendChat+".insert_failed", err)
	}
	return message, nil
}

// EditChat replaces the text of a message authored by actorID.
func (s *Service) EditChat(ctx context.Context, projectID, messageID, actorID, text string) (ChatMessage, error) {
	updated, err := validateMessage(text)
	if err != nil {
		return ChatMessage{}, apperr.Invalid(opEditChat+".invalid_message", err)
	}
	message, err := s.authoredMessage(ctx, opEditChat, projectID, messageID, actorID)
	if err != nil {
		return ChatMessage{}, err
	}

	editedAt := s.clock().UTC()
	if err := s.db.WithContext(ctx).Model(&ChatMessage{}).
		Where("id = ? AND user_id = ?", message.ID, actorID).
		Updates(map[string]interface{}{
			"message":   updated,
			"is_edited": true,
			"edited_at": editedAt,
		}).Error; err != nil {
		s.logError(opEditChat, "update_failed", err, zap.String(fieldMessageID, messageID))
		return ChatMessage{}, apperr.Unavailable(opEditChat+".update_failed", err)
	}
	message.Message = updated
	message.IsEdited = true
	message.EditedAt = &editedAt
	return message, nil
}

// DeleteChat removes a message authored by actorID and returns it.
func (s *Service) DeleteChat(ctx context.Context, projectID, messageID, actorID string) (ChatMessage, error) {
	message, err := s.authoredMessage(ctx, opDeleteChat, projectID, messageID, actorID)
	if err != nil {
		return ChatMessage{}, err
	}
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", message.ID, actorID).
		Delete(&ChatMessage{}).Error; err != nil {
		s.logError(opDeleteChat, "delete_failed", err, zap.String(fieldMessageID, messageID))
		return ChatMessage{}, apperr.Unavailable(opDeleteChat+".delete_failed", err)
	}
	return message, nil
}

// ListChat returns a page of messages, newest first.
func (s *Service) ListChat(ctx context.Context, projectID string, limit, offset int) ([]ChatMessage, error) {
	if projectID == "" {
		return nil, apperr.Invalid(opListChat+".missing_project_id", errMissingProjectID)
	}
	if offset < 0 {
		offset = 0
	}
	var messages []ChatMessage
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(pageSize(limit)).
		Offset(offset).
		Find(&messages).Error; err != nil {
		s.logError(opListChat, "query_failed", err, zap.String(fieldProjectID, projectID))
		return nil, apperr.Unavailable(opListChat+".query_failed", err)
	}
	return messages, nil
}

// RecentChat returns the newest n messages in chronological order, the shape
// a joining client displays.
func (s *Service) RecentChat(ctx context.Context, projectID string, n int) ([]ChatMessage, error) {
	if n <= 0 {
		return []ChatMessage{}, nil
	}
	messages, err := s.ListChat(ctx, projectID, n, 0)
	if err != nil {
		return nil, apperr.New(apperr.KindOf(err), opRecentChat+".query_failed", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// History returns the most recent events, newest first.
func (s *Service) History(ctx context.Context, projectID string, limit int) ([]Event, error) {
	if projectID == "" {
		return nil, apperr.Invalid(opHistory+".missing_project_id", errMissingProjectID)
	}
	var events []Event
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id DESC").
		Limit(pageSize(limit)).
		Find(&events).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String(fieldProjectID, projectID))
		return nil, apperr.Unavailable(opHistory+".query_failed", err)
	}
	return events, nil
}

func (s *Service) authoredMessage(ctx context.Context, operation, projectID, messageID, actorID string) (ChatMessage, error) {
	var message ChatMessage
	err := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", messageID, projectID).
		Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatMessage{}, apperr.NotFound(operation+".message_not_found", errMessageNotFound)
	}
	if err != nil {
		s.logError(operation, "lookup_failed", err, zap.String(fieldMessageID, messageID))
		return ChatMessage{}, apperr.Unavailable(operation+".lookup_failed", err)
	}
	if message.UserID != actorID {
		return ChatMessage{}, apperr.Forbidden(operation+".not_author", errNotAuthor)
	}
	return message, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("eventlog service error", attrs...)
}

func requireIdentifiers(operation, projectID, userID string) error {
	if projectID == "" {
		return apperr.Invalid(operation+".missing_project_id", errMissingProjectID)
	}
	if userID == "" {
		return apperr.Invalid(operation+".missing_user_id", errMissingUserID)
	}
	return nil
}

func nextRevision(current int64) int64 {
	next := current + 1
	if next <= 0 {
		next = 1
	}
	return next
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
