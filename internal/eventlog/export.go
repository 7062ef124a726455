package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Format selects the audit export encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

const opExport = "eventlog.export"

// ErrInvalidFormat indicates an export format other than yaml or json.
var ErrInvalidFormat = errors.New("eventlog: invalid export format")

// ParseFormat validates a raw format name. An empty value means yaml.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatYAML, "yml":
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}
}

// ContentType returns the media type of the encoding.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "application/yaml"
}

type exportEvent struct {
	ID        int64       `json:"id" yaml:"id"`
	UserID    string      `json:"user_id" yaml:"user_id"`
	SessionID string      `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	EventType EventType   `json:"event_type" yaml:"event_type"`
	Payload   interface{} `json:"payload" yaml:"payload"`
	CreatedAt time.Time   `json:"created_at" yaml:"created_at"`
}

type exportDocument struct {
	ProjectID  string        `json:"project_id" yaml:"project_id"`
	ExportedAt time.Time     `json:"exported_at" yaml:"exported_at"`
	Events     []exportEvent `json:"events" yaml:"events"`
	Chat       []ChatMessage `json:"chat" yaml:"chat"`
}

// Export writes the project's full event log in insertion order, followed by
// its chat in chronological order.
func (s *Service) Export(ctx context.Context, projectID string, format Format, w io.Writer) error {
	if projectID == "" {
		return apperr.Invalid(opExport+".missing_project_id", errMissingProjectID)
	}
	if _, err := ParseFormat(string(format)); err != nil {
		return apperr.Invalid(opExport+".invalid_format", err)
	}

	var events []Event
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id ASC").Find(&events).Error; err != nil {
		s.logError(opExport, "events_query_failed", err, zap.String(fieldProjectID, projectID))
		return apperr.Unavailable(opExport+".events_query_failed", err)
	}
	var chat []ChatMessage
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at ASC").Order("id ASC").Find(&chat).Error; err != nil {
		s.logError(opExport, "chat_query_failed", err, zap.String(fieldProjectID, projectID))
		return apperr.Unavailable(opExport+".chat_query_failed", err)
	}

	document := exportDocument{
		ProjectID:  projectID,
		ExportedAt: s.clock().UTC(),
		Events:     make([]exportEvent, 0, len(events)),
		Chat:       chat,
	}
	if document.Chat == nil {
		document.Chat = []ChatMessage{}
	}
	for _, event := range events {
		var payload interface{}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			payload = string(event.Payload)
		}
		document.Events = append(document.Events, exportEvent{
			ID:        event.ID,
			UserID:    event.UserID,
			SessionID: event.SessionID,
			EventType: event.EventType,
			Payload:   payload,
			CreatedAt: event.CreatedAt,
		})
	}

	if format == FormatJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(document); err != nil {
			return apperr.New(apperr.KindInternal, opExport+".encode_failed", err)
		}
		return nil
	}
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(document); err != nil {
		return apperr.New(apperr.KindInternal, opExport+".encode_failed", err)
	}
	if err := encoder.Close(); err != nil {
		return apperr.New(apperr.KindInternal, opExport+".encode_failed", err)
	}
	return nil
}
