package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"refeed/internal/domain"
)

const missionColumns = `id,listing_id,donor_id,volunteer_id,receiver_id,status,COALESCE(pickup_address,''),pickup_lat,pickup_lng,
COALESCE(delivery_address,''),delivery_lat,delivery_lng,scheduled_pickup_time,scheduled_delivery_time,actual_pickup_time,actual_delivery_time,
estimated_distance_km,photos_json,ratings_json,COALESCE(notes,''),COALESCE(cancellation_reason,''),meals_served,people_helped,carbon_offset,
created_at,updated_at`

func scanMission(s scanner) (domain.Mission, error) {
	var (
		m                                  domain.Mission
		receiver                           sql.NullString
		pLat, pLng, dLat, dLng, distance   sql.NullFloat64
		schedDelivery, actPickup, actDeliv sql.NullString
		photos, ratings                    string
	)
	err := s.Scan(&m.ID, &m.ListingID, &m.DonorID, &m.VolunteerID, &receiver, &m.Status,
		&m.PickupLocation.Address, &pLat, &pLng, &m.DeliveryLocation.Address, &dLat, &dLng,
		&m.ScheduledPickupTime, &schedDelivery, &actPickup, &actDeliv, &distance, &photos, &ratings,
		&m.Notes, &m.CancellationReason, &m.ImpactMetrics.MealsServed, &m.ImpactMetrics.PeopleHelped,
		&m.ImpactMetrics.CarbonOffset, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ReceiverID = stringPtr(receiver)
	m.PickupLocation.Coordinates = coordsFrom(pLat, pLng)
	m.DeliveryLocation.Coordinates = coordsFrom(dLat, dLng)
	m.ScheduledDeliveryTime = stringPtr(schedDelivery)
	m.ActualPickupTime = stringPtr(actPickup)
	m.ActualDeliveryTime = stringPtr(actDeliv)
	if distance.Valid {
		d := distance.Float64
		m.EstimatedDistanceKm = &d
	}
	if err := json.Unmarshal([]byte(photos), &m.Photos); err != nil {
		return m, fmt.Errorf("decode photos for mission %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(ratings), &m.Ratings); err != nil {
		return m, fmt.Errorf("decode ratings for mission %s: %w", m.ID, err)
	}
	m.Photos.Pickup = nonNilStrings(m.Photos.Pickup)
	m.Photos.Delivery = nonNilStrings(m.Photos.Delivery)
	m.TrackingUpdates = []domain.TrackingUpdate{}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	photos, err := marshalJSON(m.Photos)
	if err != nil {
		return err
	}
	ratings, err := marshalJSON(m.Ratings)
	if err != nil {
		return err
	}
	pLat, pLng := coordArgs(m.PickupLocation.Coordinates)
	dLat, dLng := coordArgs(m.DeliveryLocation.Coordinates)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO missions(id,listing_id,donor_id,volunteer_id,receiver_id,status,
pickup_address,pickup_lat,pickup_lng,delivery_address,delivery_lat,delivery_lng,scheduled_pickup_time,scheduled_delivery_time,
estimated_distance_km,photos_json,ratings_json,notes,meals_served,people_helped,carbon_offset,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ListingID, m.DonorID, m.VolunteerID, nullableStringPtr(m.ReceiverID), m.Status,
		nullable(m.PickupLocation.Address), pLat, pLng, nullable(m.DeliveryLocation.Address), dLat, dLng,
		m.ScheduledPickupTime, nullableStringPtr(m.ScheduledDeliveryTime), nullableFloatPtr(m.EstimatedDistanceKm),
		photos, ratings, nullable(m.Notes), m.ImpactMetrics.MealsServed, m.ImpactMetrics.PeopleHelped, m.ImpactMetrics.CarbonOffset,
		m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMission loads a mission with its tracking log.
func (r Repo) GetMission(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	m, err := scanMission(r.on(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err != nil {
		return m, err
	}
	tracking, err := r.trackingFor(ctx, tx, []string{id})
	if err != nil {
		return m, err
	}
	if items, ok := tracking[id]; ok {
		m.TrackingUpdates = items
	}
	return m, nil
}

func (r Repo) trackingFor(ctx context.Context, tx *sql.Tx, ids []string) (map[string][]domain.TrackingUpdate, error) {
	res := map[string][]domain.TrackingUpdate{}
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT mission_id,status,lat,lng,COALESCE(note,''),ts FROM mission_tracking
WHERE mission_id IN (`+placeholders(len(ids))+`) ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var missionID string
		var u domain.TrackingUpdate
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&missionID, &u.Status, &lat, &lng, &u.Note, &u.Timestamp); err != nil {
			return nil, err
		}
		u.Location = coordsFrom(lat, lng)
		res[missionID] = append(res[missionID], u)
	}
	return res, rows.Err()
}

// AppendTracking adds one entry to the mission's tracking log.
func (r Repo) AppendTracking(ctx context.Context, tx *sql.Tx, missionID string, u domain.TrackingUpdate) error {
	lat, lng := coordArgs(u.Location)
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO mission_tracking(mission_id,status,lat,lng,note,ts) VALUES (?,?,?,?,?,?)`,
		missionID, u.Status, lat, lng, nullable(u.Note), u.Timestamp)
	return err
}

// TransitionMission writes m's status, lifecycle timestamps and impact only if the stored status still equals from.
// It reports false when another writer moved the mission first.
func (r Repo) TransitionMission(ctx context.Context, tx *sql.Tx, m domain.Mission, from string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE missions SET status=?, actual_pickup_time=?, actual_delivery_time=?,
cancellation_reason=?, meals_served=?, people_helped=?, carbon_offset=?, updated_at=? WHERE id=? AND status=?`,
		m.Status, nullableStringPtr(m.ActualPickupTime), nullableStringPtr(m.ActualDeliveryTime),
		nullable(m.CancellationReason), m.ImpactMetrics.MealsServed, m.ImpactMetrics.PeopleHelped, m.ImpactMetrics.CarbonOffset,
		m.UpdatedAt, m.ID, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// TouchMission bumps updated_at, used when only the tracking log changes.
func (r Repo) TouchMission(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE missions SET updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

func (r Repo) SetMissionRatings(ctx context.Context, tx *sql.Tx, id string, ratings domain.MissionRatings, updatedAt string) error {
	payload, err := marshalJSON(ratings)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `UPDATE missions SET ratings_json=?, updated_at=? WHERE id=?`, payload, updatedAt, id)
	return err
}

func (r Repo) SetMissionPhotos(ctx context.Context, tx *sql.Tx, id string, photos domain.MissionPhotos, updatedAt string) error {
	payload, err := marshalJSON(photos)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `UPDATE missions SET photos_json=?, updated_at=? WHERE id=?`, payload, updatedAt, id)
	return err
}

// HasActiveMission reports whether a non-terminal mission exists for the listing.
func (r Repo) HasActiveMission(ctx context.Context, tx *sql.Tx, listingID string) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM missions WHERE listing_id=? AND status IN (?,?,?)`,
		listingID, domain.MissionPending, domain.MissionAccepted, domain.MissionInProgress).Scan(&n)
	return n > 0, err
}

// MissionFilters narrows ListMissions. ParticipantID matches any of donor, volunteer, receiver.
type MissionFilters struct {
	DonorID       string
	VolunteerID   string
	ReceiverID    string
	ParticipantID string
	ListingID     string
	Status        string
	Since         string
	Limit         int
	Offset        int
}

func (f MissionFilters) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	add := func(clause string, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("donor_id=?", f.DonorID)
	add("volunteer_id=?", f.VolunteerID)
	add("receiver_id=?", f.ReceiverID)
	add("listing_id=?", f.ListingID)
	add("status=?", f.Status)
	add("created_at>=?", f.Since)
	if f.ParticipantID != "" {
		clauses = append(clauses, "(donor_id=? OR volunteer_id=? OR receiver_id=?)")
		args = append(args, f.ParticipantID, f.ParticipantID, f.ParticipantID)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListMissions returns missions newest first with their tracking logs.
func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	where, args := f.where()
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Release the connection before loading children.
	rows.Close()
	ids := make([]string, len(res))
	for i, m := range res {
		ids[i] = m.ID
	}
	tracking, err := r.trackingFor(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if items, ok := tracking[res[i].ID]; ok {
			res[i].TrackingUpdates = items
		}
	}
	return res, nil
}

// CountMissionsByStatus aggregates missions matching f per status.
func (r Repo) CountMissionsByStatus(ctx context.Context, f MissionFilters) (map[string]int, error) {
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions `+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
