package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"refeed/internal/domain"
	"refeed/internal/engine/auth"
	"refeed/internal/errs"
	"refeed/internal/events"
	"refeed/internal/geo"
	"refeed/internal/notify"
	"refeed/internal/repo"
)

// MissionInput is the payload a volunteer submits to pick up a claimed listing.
type MissionInput struct {
	ListingID             string          `json:"listing_id" validate:"required"`
	DeliveryLocation      domain.Location `json:"delivery_location"`
	ScheduledPickupTime   string          `json:"scheduled_pickup_time" validate:"required"`
	ScheduledDeliveryTime *string         `json:"scheduled_delivery_time,omitempty"`
	Notes                 string          `json:"notes,omitempty" validate:"max=500"`
}

// CreateMission starts a pending delivery for a claimed listing. The listing itself is not modified.
func (e Engine) CreateMission(ctx context.Context, caller auth.Caller, in MissionInput) (domain.Mission, error) {
	if err := caller.RequireType("create mission", domain.UserTypeVolunteer); err != nil {
		return domain.Mission{}, err
	}
	if err := validateInput(in); err != nil {
		return domain.Mission{}, err
	}
	if strings.TrimSpace(in.DeliveryLocation.Address) == "" {
		return domain.Mission{}, fmt.Errorf("%w: delivery_location.address is required", errs.ErrInvalidInput)
	}
	pickup, _, err := normalizeTime("scheduled_pickup_time", in.ScheduledPickupTime)
	if err != nil {
		return domain.Mission{}, err
	}
	delivery, err := optionalTime("scheduled_delivery_time", in.ScheduledDeliveryTime)
	if err != nil {
		return domain.Mission{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListing(ctx, tx, in.ListingID)
	if err != nil {
		return domain.Mission{}, listingErr(in.ListingID, err)
	}
	if l.Status != domain.ListingClaimed || l.ClaimedBy == nil {
		return domain.Mission{}, fmt.Errorf("%w: listing %s is %s, missions need a claimed listing", errs.ErrInvalidState, l.ID, l.Status)
	}
	active, err := e.Repo.HasActiveMission(ctx, tx, l.ID)
	if err != nil {
		return domain.Mission{}, err
	}
	if active {
		return domain.Mission{}, fmt.Errorf("%w: listing %s already has an active mission", errs.ErrInvalidState, l.ID)
	}
	m := domain.Mission{
		ID:                    newID(),
		ListingID:             l.ID,
		DonorID:               l.DonorID,
		VolunteerID:           caller.UserID,
		Status:                domain.MissionPending,
		PickupLocation:        l.PickupLocation,
		DeliveryLocation:      in.DeliveryLocation,
		ScheduledPickupTime:   pickup,
		ScheduledDeliveryTime: delivery,
		TrackingUpdates:       []domain.TrackingUpdate{},
		Photos:                domain.MissionPhotos{Pickup: []string{}, Delivery: []string{}},
		Notes:                 strings.TrimSpace(in.Notes),
		ImpactMetrics:         estimateImpact(l),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if claimer := *l.ClaimedBy; claimer != caller.UserID {
		m.ReceiverID = &claimer
	}
	if from, to := m.PickupLocation.Coordinates, m.DeliveryLocation.Coordinates; from != nil && to != nil {
		d := geo.DistanceKm(*from, *to)
		m.EstimatedDistanceKm = &d
	}
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.MissionCreated, "mission", m.ID, caller.UserID, events.EventPayload{
		"listing_id": m.ListingID,
		"donor_id":   m.DonorID,
		"receiver":   m.ReceiverID,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	e.broadcast([]string{m.DonorID}, notify.EventNewMission, m)
	return m, nil
}

func estimateImpact(l domain.Listing) domain.ImpactMetrics {
	meals := 0
	if l.Servings != nil {
		meals = *l.Servings
	}
	return domain.ImpactMetrics{MealsServed: meals, PeopleHelped: meals}
}

// ensureMissionTransition guards the mission lifecycle. Same-state and terminal-state requests are rejected.
func ensureMissionTransition(oldStatus, newStatus string) error {
	allowed := false
	switch oldStatus {
	case domain.MissionPending:
		allowed = newStatus == domain.MissionAccepted || newStatus == domain.MissionInProgress ||
			newStatus == domain.MissionCancelled || newStatus == domain.MissionFailed
	case domain.MissionAccepted:
		allowed = newStatus == domain.MissionInProgress || newStatus == domain.MissionCancelled || newStatus == domain.MissionFailed
	case domain.MissionInProgress:
		allowed = newStatus == domain.MissionCompleted || newStatus == domain.MissionCancelled || newStatus == domain.MissionFailed
	}
	if allowed {
		return nil
	}
	return fmt.Errorf("%w: invalid mission status transition %s -> %s", errs.ErrInvalidState, oldStatus, newStatus)
}

// StatusInput requests a mission status change.
type StatusInput struct {
	Status   string              `json:"status" validate:"required,oneof=pending accepted in_progress completed cancelled failed"`
	Note     string              `json:"note,omitempty" validate:"max=500"`
	Location *domain.Coordinates `json:"location,omitempty"`
}

// UpdateMissionStatus moves a mission along its lifecycle. Completion stats, the listing update,
// the tracking entry and the event share one transaction; participants are notified after commit.
func (e Engine) UpdateMissionStatus(ctx context.Context, caller auth.Caller, id string, in StatusInput) (domain.Mission, error) {
	if err := validateInput(in); err != nil {
		return domain.Mission{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMission(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, missionErr(id, err)
	}
	if caller.UserID != m.DonorID && caller.UserID != m.VolunteerID {
		return domain.Mission{}, auth.ForbiddenError{Action: "update mission status", Reason: "only the donor or volunteer may change status"}
	}
	from := m.Status
	if err := ensureMissionTransition(from, in.Status); err != nil {
		return domain.Mission{}, err
	}
	m.Status = in.Status
	m.UpdatedAt = now
	switch in.Status {
	case domain.MissionInProgress:
		if m.ActualPickupTime == nil {
			m.ActualPickupTime = &now
		}
	case domain.MissionCompleted:
		m.ActualDeliveryTime = &now
		m.ImpactMetrics.CarbonOffset = e.config().Impact.CarbonPerMissionKg
	case domain.MissionCancelled:
		m.CancellationReason = strings.TrimSpace(in.Note)
	}
	ok, err := e.Repo.TransitionMission(ctx, tx, m, from)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, fmt.Errorf("%w: mission %s changed concurrently", errs.ErrInvalidState, id)
	}
	entry := domain.TrackingUpdate{Status: in.Status, Location: in.Location, Note: strings.TrimSpace(in.Note), Timestamp: now}
	if err := e.Repo.AppendTracking(ctx, tx, id, entry); err != nil {
		return domain.Mission{}, err
	}
	if in.Status == domain.MissionCompleted {
		if err := e.completeMission(ctx, tx, m, caller.UserID, now); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := e.writer().Append(ctx, tx, events.MissionStatusUpdated, "mission", id, caller.UserID, events.EventPayload{
		"from": from,
		"to":   in.Status,
		"note": entry.Note,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.TrackingUpdates = append(m.TrackingUpdates, entry)
	e.broadcast(m.Participants(), notify.EventMissionUpdate, m)
	return m, nil
}

// completeMission applies the completion side effects inside tx.
func (e Engine) completeMission(ctx context.Context, tx *sql.Tx, m domain.Mission, actorID, now string) error {
	impact := e.config().Impact
	type credit struct {
		userID string
		delta  repo.StatsDelta
	}
	credits := []credit{
		{m.VolunteerID, repo.StatsDelta{MissionsCompleted: 1, ImpactScore: impact.VolunteerPoints}},
		{m.DonorID, repo.StatsDelta{TotalDonations: 1, ImpactScore: impact.DonorPoints}},
	}
	if m.ReceiverID != nil {
		credits = append(credits, credit{*m.ReceiverID, repo.StatsDelta{TotalReceived: 1}})
	}
	for _, c := range credits {
		if err := e.Repo.IncrementUserStats(ctx, tx, c.userID, c.delta, now); err != nil {
			return fmt.Errorf("credit %s: %w", c.userID, err)
		}
		if err := e.writer().Append(ctx, tx, events.UserStatsUpdated, "user", c.userID, actorID, events.EventPayload{
			"mission_id":         m.ID,
			"impact_score":       c.delta.ImpactScore,
			"total_donations":    c.delta.TotalDonations,
			"missions_completed": c.delta.MissionsCompleted,
			"total_received":     c.delta.TotalReceived,
		}); err != nil {
			return err
		}
	}
	ok, err := e.Repo.CompleteListing(ctx, tx, m.ListingID, now)
	if err != nil {
		return err
	}
	if !ok {
		e.logger().Warn("listing not completed with mission",
			zap.String("mission_id", m.ID), zap.String("listing_id", m.ListingID))
		return nil
	}
	return e.writer().Append(ctx, tx, events.ListingCompleted, "listing", m.ListingID, actorID, events.EventPayload{"mission_id": m.ID})
}

// LocationInput is one volunteer position report.
type LocationInput struct {
	Lat  float64 `json:"lat" validate:"latitude"`
	Lng  float64 `json:"lng" validate:"longitude"`
	Note string  `json:"note,omitempty" validate:"max=500"`
}

// UpdateMissionLocation appends a location entry to the tracking log without changing status.
func (e Engine) UpdateMissionLocation(ctx context.Context, caller auth.Caller, id string, in LocationInput) (domain.Mission, error) {
	if err := validateInput(in); err != nil {
		return domain.Mission{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMission(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, missionErr(id, err)
	}
	if caller.UserID != m.VolunteerID {
		return domain.Mission{}, auth.ForbiddenError{Action: "update mission location", Reason: "only the volunteer reports location"}
	}
	if domain.IsTerminalMission(m.Status) {
		return domain.Mission{}, fmt.Errorf("%w: mission %s is %s", errs.ErrInvalidState, id, m.Status)
	}
	loc := domain.Coordinates{Lat: in.Lat, Lng: in.Lng}
	entry := domain.TrackingUpdate{Status: domain.TrackingLocationUpdate, Location: &loc, Note: strings.TrimSpace(in.Note), Timestamp: now}
	if err := e.Repo.AppendTracking(ctx, tx, id, entry); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Repo.TouchMission(ctx, tx, id, now); err != nil {
		return domain.Mission{}, err
	}
	if err := e.writer().Append(ctx, tx, events.MissionLocationUpdated, "mission", id, caller.UserID, events.EventPayload{
		"lat": in.Lat,
		"lng": in.Lng,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.TrackingUpdates = append(m.TrackingUpdates, entry)
	m.UpdatedAt = now
	recipients := []string{m.DonorID}
	if m.ReceiverID != nil {
		recipients = append(recipients, *m.ReceiverID)
	}
	e.broadcast(recipients, notify.EventLocationUpdate, map[string]any{
		"mission_id": m.ID,
		"location":   loc,
		"timestamp":  now,
	})
	return m, nil
}

// RatingInput rates one participant of a completed mission.
type RatingInput struct {
	RatingFor string `json:"rating_for" validate:"required,oneof=donor volunteer receiver"`
	Score     int    `json:"score" validate:"min=1,max=5"`
	Comment   string `json:"comment,omitempty" validate:"max=500"`
}

// RateMission stores a rating on a completed mission, replacing any earlier rating for the same role.
func (e Engine) RateMission(ctx context.Context, caller auth.Caller, id string, in RatingInput) (domain.Mission, error) {
	if err := validateInput(in); err != nil {
		return domain.Mission{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMission(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, missionErr(id, err)
	}
	if m.Status != domain.MissionCompleted {
		return domain.Mission{}, fmt.Errorf("%w: mission %s is %s, only completed missions can be rated", errs.ErrInvalidState, id, m.Status)
	}
	rating := &domain.Rating{Score: in.Score, Comment: strings.TrimSpace(in.Comment), RatedBy: caller.UserID, RatedAt: now}
	switch in.RatingFor {
	case "donor":
		if caller.UserID != m.VolunteerID {
			return domain.Mission{}, auth.ForbiddenError{Action: "rate donor", Reason: "only the volunteer rates the donor"}
		}
		m.Ratings.Donor = rating
	case "volunteer":
		if caller.UserID != m.DonorID {
			return domain.Mission{}, auth.ForbiddenError{Action: "rate volunteer", Reason: "only the donor rates the volunteer"}
		}
		m.Ratings.Volunteer = rating
	case "receiver":
		if caller.UserID != m.VolunteerID {
			return domain.Mission{}, auth.ForbiddenError{Action: "rate receiver", Reason: "only the volunteer rates the receiver"}
		}
		if m.ReceiverID == nil {
			return domain.Mission{}, fmt.Errorf("%w: mission %s has no receiver", errs.ErrInvalidInput, id)
		}
		m.Ratings.Receiver = rating
	}
	if err := e.Repo.SetMissionRatings(ctx, tx, id, m.Ratings, now); err != nil {
		return domain.Mission{}, err
	}
	if err := e.writer().Append(ctx, tx, events.MissionRated, "mission", id, caller.UserID, events.EventPayload{
		"rating_for": in.RatingFor,
		"score":      in.Score,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.UpdatedAt = now
	return m, nil
}

// PhotoInput attaches photo URLs to a mission stage.
type PhotoInput struct {
	Stage string   `json:"stage" validate:"required,oneof=pickup delivery"`
	URLs  []string `json:"urls" validate:"required,min=1,max=10,dive,url"`
}

// AddMissionPhotos appends pickup or delivery photos. Only the volunteer may attach them.
func (e Engine) AddMissionPhotos(ctx context.Context, caller auth.Caller, id string, in PhotoInput) (domain.Mission, error) {
	if err := validateInput(in); err != nil {
		return domain.Mission{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMission(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, missionErr(id, err)
	}
	if caller.UserID != m.VolunteerID {
		return domain.Mission{}, auth.ForbiddenError{Action: "add mission photos", Reason: "only the volunteer attaches photos"}
	}
	if m.Status == domain.MissionCancelled || m.Status == domain.MissionFailed {
		return domain.Mission{}, fmt.Errorf("%w: mission %s is %s", errs.ErrInvalidState, id, m.Status)
	}
	if in.Stage == "pickup" {
		m.Photos.Pickup = append(m.Photos.Pickup, in.URLs...)
	} else {
		m.Photos.Delivery = append(m.Photos.Delivery, in.URLs...)
	}
	if err := e.Repo.SetMissionPhotos(ctx, tx, id, m.Photos, now); err != nil {
		return domain.Mission{}, err
	}
	if err := e.writer().Append(ctx, tx, events.MissionPhotosAdded, "mission", id, caller.UserID, events.EventPayload{
		"stage": in.Stage,
		"count": len(in.URLs),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.UpdatedAt = now
	return m, nil
}

// GetMission returns a mission to one of its participants or an admin.
func (e Engine) GetMission(ctx context.Context, caller auth.Caller, id string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, nil, id)
	if err != nil {
		return domain.Mission{}, missionErr(id, err)
	}
	if !m.IsParticipant(caller.UserID) && caller.UserType != domain.UserTypeAdmin {
		return domain.Mission{}, auth.ForbiddenError{Action: "view mission", Reason: "not a participant"}
	}
	return m, nil
}

// MissionQuery filters the caller's missions. Role selects which column the caller must occupy;
// empty matches any.
type MissionQuery struct {
	Role   string
	Status string
	Limit  int
	Offset int
}

func (e Engine) ListMissions(ctx context.Context, caller auth.Caller, q MissionQuery) ([]domain.Mission, error) {
	f := repo.MissionFilters{Status: q.Status, Limit: q.Limit, Offset: q.Offset}
	switch q.Role {
	case "":
		f.ParticipantID = caller.UserID
	case "donor":
		f.DonorID = caller.UserID
	case "volunteer":
		f.VolunteerID = caller.UserID
	case "receiver":
		f.ReceiverID = caller.UserID
	default:
		return nil, fmt.Errorf("%w: role must be donor, volunteer or receiver", errs.ErrInvalidInput)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	items, err := e.Repo.ListMissions(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Mission{}
	}
	return items, nil
}

func missionErr(id string, err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("mission %s: %w", id, errs.ErrNotFound)
	}
	return err
}
