package server

import (
	"encoding/json"

	"refeed/internal/domain"
	"refeed/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type ReadConversationRequest struct {
	OtherUserID string `json:"other_user_id"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type missionList struct {
	Items []domain.Mission `json:"items"`
}

type userSummaryList struct {
	Items []domain.UserSummary `json:"items"`
}

type APIKeyResponse struct {
	APIKey domain.APIKey `json:"api_key"`
	// Key is only returned once, at creation.
	Key string `json:"key,omitempty"`
}

type apiKeyList struct {
	Items []domain.APIKey `json:"items"`
}

type messageList struct {
	Items []domain.Message `json:"items"`
}

type conversationList struct {
	Items []domain.Conversation `json:"items"`
}

type ReadResponse struct {
	Updated int64 `json:"updated"`
}

type timelineList struct {
	Items []engine.TimelineEntry `json:"items"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
