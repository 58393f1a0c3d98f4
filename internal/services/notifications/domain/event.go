package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Environment describes the client that performed an action.
type Environment struct {
	IPAddress  string
	UserAgent  string
	DeviceType string
}

// Event is the inbound contract for one user action recorded by the
// surrounding application.
type Event struct {
	UserID         string
	SessionID      string
	Action         string
	Entity         EntityRef
	Context        map[string]any
	Changes        map[string]any
	PreviousState  map[string]any
	NewState       map[string]any
	Environment    Environment
	ProcessingTime time.Duration
	Failed         bool
	ErrorMessage   string
}

// NormalizeEvent trims identifiers and rejects events missing required fields.
func NormalizeEvent(event Event) (Event, error) {
	event.UserID = strings.TrimSpace(event.UserID)
	event.SessionID = strings.TrimSpace(event.SessionID)
	event.Action = strings.TrimSpace(event.Action)
	event.Entity.Type = strings.TrimSpace(event.Entity.Type)
	event.Entity.ID = strings.TrimSpace(event.Entity.ID)
	event.ErrorMessage = strings.TrimSpace(event.ErrorMessage)
	if event.UserID == "" {
		return Event{}, NewValidationError("userId", "is required")
	}
	if event.Action == "" {
		return Event{}, NewValidationError("action", "is required")
	}
	if event.Entity.Type == "" {
		return Event{}, NewValidationError("entityType", "is required")
	}
	if event.ProcessingTime < 0 {
		return Event{}, NewValidationError("processingTime", "must not be negative")
	}
	if event.Context == nil {
		event.Context = map[string]any{}
	}
	return event, nil
}

type eventDocument struct {
	UserID        string         `json:"userId"`
	SessionID     string         `json:"sessionId,omitempty"`
	Action        string         `json:"action"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId,omitempty"`
	Context       map[string]any `json:"context"`
	Changes       map[string]any `json:"changes,omitempty"`
	PreviousState map[string]any `json:"previousState,omitempty"`
	NewState      map[string]any `json:"newState,omitempty"`
}

// Document returns the JSON view of the event that conditions and
// placeholders address by path.
func (e Event) Document() (Document, error) {
	raw, err := json.Marshal(eventDocument{
		UserID:        e.UserID,
		SessionID:     e.SessionID,
		Action:        e.Action,
		EntityType:    e.Entity.Type,
		EntityID:      e.Entity.ID,
		Context:       e.Context,
		Changes:       e.Changes,
		PreviousState: e.PreviousState,
		NewState:      e.NewState,
	})
	if err != nil {
		return Document{}, fmt.Errorf("encode event document: %w", err)
	}
	return Document{raw: raw}, nil
}

// Document is an immutable JSON document queried with gjson paths.
type Document struct {
	raw []byte
}

// NewDocument wraps raw JSON.
func NewDocument(raw []byte) Document {
	return Document{raw: raw}
}

// Get resolves a gjson path.
func (d Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.raw, path)
}

// Raw returns the underlying JSON.
func (d Document) Raw() []byte {
	return d.raw
}

// With returns a copy of the document with value set at path.
func (d Document) With(path string, value any) (Document, error) {
	raw, err := sjson.SetBytes(append([]byte(nil), d.raw...), path, value)
	if err != nil {
		return Document{}, fmt.Errorf("set document %s: %w", path, err)
	}
	return Document{raw: raw}, nil
}
