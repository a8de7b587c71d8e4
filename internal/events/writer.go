// Package events appends audit rows for every state change, inside the caller's transaction.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ListingCreated   = "listing.created"
	ListingUpdated   = "listing.updated"
	ListingClaimed   = "listing.claimed"
	ListingExpired   = "listing.expired"
	ListingCancelled = "listing.cancelled"
	ListingDeleted   = "listing.deleted"
	ListingCompleted = "listing.completed"
	ListingInterest  = "listing.interest"

	MissionCreated         = "mission.created"
	MissionStatusUpdated   = "mission.status.updated"
	MissionLocationUpdated = "mission.location.updated"
	MissionRated           = "mission.rated"
	MissionPhotosAdded     = "mission.photos.added"

	UserRegistered     = "user.registered"
	UserProfileUpdated = "user.profile.updated"
	UserRated          = "user.rated"
	UserStatsUpdated   = "user.stats.updated"

	MessageSent = "message.sent"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row using tx so the event commits or rolls back with the change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
