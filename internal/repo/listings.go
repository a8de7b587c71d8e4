package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"refeed/internal/domain"
	"refeed/internal/geo"
)

const listingColumns = `id,donor_id,title,description,food_type,category,quantity,servings,COALESCE(pickup_address,''),pickup_lat,pickup_lng,
available_from,available_until,expiry_date,urgency,refrigeration,transportation,COALESCE(special_handling,''),images_json,status,
claimed_by,claimed_at,completed_at,views,created_at,updated_at`

func scanListing(s scanner) (domain.Listing, error) {
	var (
		l                                 domain.Listing
		servings                          sql.NullInt64
		lat, lng                          sql.NullFloat64
		expiry, claimedBy, claimedAt, cAt sql.NullString
		refrigeration, transportation     int
		images                            string
	)
	err := s.Scan(&l.ID, &l.DonorID, &l.Title, &l.Description, &l.FoodType, &l.Category, &l.Quantity, &servings,
		&l.PickupLocation.Address, &lat, &lng, &l.AvailableFrom, &l.AvailableUntil, &expiry, &l.Urgency,
		&refrigeration, &transportation, &l.Requirements.SpecialHandling, &images, &l.Status,
		&claimedBy, &claimedAt, &cAt, &l.Views, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if servings.Valid {
		n := int(servings.Int64)
		l.Servings = &n
	}
	l.PickupLocation.Coordinates = coordsFrom(lat, lng)
	l.ExpiryDate = stringPtr(expiry)
	l.ClaimedBy = stringPtr(claimedBy)
	l.ClaimedAt = stringPtr(claimedAt)
	l.CompletedAt = stringPtr(cAt)
	l.Requirements.Refrigeration = refrigeration != 0
	l.Requirements.Transportation = transportation != 0
	l.Images = []string{}
	if images != "" {
		if err := json.Unmarshal([]byte(images), &l.Images); err != nil {
			return l, fmt.Errorf("decode images for listing %s: %w", l.ID, err)
		}
	}
	l.InterestedUsers = []domain.Interest{}
	return l, nil
}

func (r Repo) InsertListing(ctx context.Context, tx *sql.Tx, l domain.Listing) error {
	images, err := marshalJSON(nonNilStrings(l.Images))
	if err != nil {
		return err
	}
	lat, lng := coordArgs(l.PickupLocation.Coordinates)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO listings(id,donor_id,title,description,food_type,category,quantity,servings,
pickup_address,pickup_lat,pickup_lng,available_from,available_until,expiry_date,urgency,refrigeration,transportation,special_handling,
images_json,status,views,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.DonorID, l.Title, l.Description, l.FoodType, l.Category, l.Quantity, nullableIntPtr(l.Servings),
		nullable(l.PickupLocation.Address), lat, lng, l.AvailableFrom, l.AvailableUntil, nullableStringPtr(l.ExpiryDate), l.Urgency,
		boolToInt(l.Requirements.Refrigeration), boolToInt(l.Requirements.Transportation), nullable(l.Requirements.SpecialHandling),
		images, l.Status, l.Views, l.CreatedAt, l.UpdatedAt)
	return err
}

// GetListing loads a listing together with its interested users.
func (r Repo) GetListing(ctx context.Context, tx *sql.Tx, id string) (domain.Listing, error) {
	l, err := scanListing(r.on(tx).QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=?`, id))
	if err != nil {
		return l, err
	}
	interest, err := r.interestFor(ctx, tx, []string{id})
	if err != nil {
		return l, err
	}
	if items, ok := interest[id]; ok {
		l.InterestedUsers = items
	}
	return l, nil
}

func (r Repo) interestFor(ctx context.Context, tx *sql.Tx, ids []string) (map[string][]domain.Interest, error) {
	res := map[string][]domain.Interest{}
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT listing_id,user_id,at FROM listing_interest WHERE listing_id IN (`+placeholders(len(ids))+`) ORDER BY at, user_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var listingID string
		var in domain.Interest
		if err := rows.Scan(&listingID, &in.UserID, &in.At); err != nil {
			return nil, err
		}
		res[listingID] = append(res[listingID], in)
	}
	return res, rows.Err()
}

// ListingFilters narrows ListListings. Zero values mean no filter.
type ListingFilters struct {
	Status    string
	FoodType  string
	Category  string
	Urgency   string
	DonorID   string
	ClaimedBy string
	Near      *domain.Coordinates
	RadiusKm  float64
	Page      int
	Limit     int
	// AvailableAt hides overdue rows from status=available queries.
	AvailableAt string
}

// ListListings returns one page of listings (newest first) and the total number of matches.
func (r Repo) ListListings(ctx context.Context, f ListingFilters) ([]domain.Listing, int, error) {
	page, limit := normalizePage(f.Page, f.Limit, 10, 100)
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
		if f.Status == domain.ListingAvailable && f.AvailableAt != "" {
			clauses = append(clauses, "available_until>=?")
			args = append(args, f.AvailableAt)
		}
	}
	if f.FoodType != "" {
		clauses = append(clauses, "food_type=?")
		args = append(args, f.FoodType)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Urgency != "" {
		clauses = append(clauses, "urgency=?")
		args = append(args, f.Urgency)
	}
	if f.DonorID != "" {
		clauses = append(clauses, "donor_id=?")
		args = append(args, f.DonorID)
	}
	if f.ClaimedBy != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.ClaimedBy)
	}
	if f.Near != nil && f.RadiusKm > 0 {
		clause, boxArgs := geo.BoundingBox(*f.Near, f.RadiusKm).Where("pickup_lat", "pickup_lng")
		clauses = append(clauses, clause)
		args = append(args, boxArgs...)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	var (
		items []domain.Listing
		total int
		err   error
	)
	if f.Near != nil && f.RadiusKm > 0 {
		// The box over-selects near its corners, so exact filtering and paging happen here.
		all, err := r.queryListings(ctx, `SELECT `+listingColumns+` FROM listings `+where+` ORDER BY created_at DESC, id DESC`, args...)
		if err != nil {
			return nil, 0, err
		}
		var inRange []domain.Listing
		for _, l := range all {
			if l.PickupLocation.Coordinates != nil && geo.Within(*f.Near, *l.PickupLocation.Coordinates, f.RadiusKm) {
				inRange = append(inRange, l)
			}
		}
		total = len(inRange)
		start := (page - 1) * limit
		if start < len(inRange) {
			end := start + limit
			if end > len(inRange) {
				end = len(inRange)
			}
			items = inRange[start:end]
		}
	} else {
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings `+where, args...).Scan(&total); err != nil {
			return nil, 0, err
		}
		pageArgs := append(append([]any{}, args...), limit, (page-1)*limit)
		items, err = r.queryListings(ctx, `SELECT `+listingColumns+` FROM listings `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, pageArgs...)
		if err != nil {
			return nil, 0, err
		}
	}
	ids := make([]string, len(items))
	for i, l := range items {
		ids[i] = l.ID
	}
	interest, err := r.interestFor(ctx, nil, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range items {
		if in, ok := interest[items[i].ID]; ok {
			items[i].InterestedUsers = in
		}
	}
	return items, total, nil
}

func (r Repo) queryListings(ctx context.Context, query string, args ...any) ([]domain.Listing, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ListingPatch carries optional listing fields; nil leaves a field untouched.
type ListingPatch struct {
	Title          *string
	Description    *string
	FoodType       *string
	Category       *string
	Quantity       *string
	Servings       *int
	PickupLocation *domain.Location
	AvailableFrom  *string
	AvailableUntil *string
	ExpiryDate     *string
	Urgency        *string
	Requirements   *domain.Requirements
	Images         []string
}

// UpdateListingFields applies p only while the listing is still available.
// It reports false when no available listing with id exists.
func (r Repo) UpdateListingFields(ctx context.Context, tx *sql.Tx, id string, p ListingPatch, updatedAt string) (bool, error) {
	var (
		fields []string
		args   []any
	)
	set := func(field string, v any) {
		fields = append(fields, field+"=?")
		args = append(args, v)
	}
	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Description != nil {
		set("description", *p.Description)
	}
	if p.FoodType != nil {
		set("food_type", *p.FoodType)
	}
	if p.Category != nil {
		set("category", *p.Category)
	}
	if p.Quantity != nil {
		set("quantity", *p.Quantity)
	}
	if p.Servings != nil {
		set("servings", *p.Servings)
	}
	if p.PickupLocation != nil {
		lat, lng := coordArgs(p.PickupLocation.Coordinates)
		set("pickup_address", nullable(p.PickupLocation.Address))
		set("pickup_lat", lat)
		set("pickup_lng", lng)
	}
	if p.AvailableFrom != nil {
		set("available_from", *p.AvailableFrom)
	}
	if p.AvailableUntil != nil {
		set("available_until", *p.AvailableUntil)
	}
	if p.ExpiryDate != nil {
		set("expiry_date", nullable(*p.ExpiryDate))
	}
	if p.Urgency != nil {
		set("urgency", *p.Urgency)
	}
	if p.Requirements != nil {
		set("refrigeration", boolToInt(p.Requirements.Refrigeration))
		set("transportation", boolToInt(p.Requirements.Transportation))
		set("special_handling", nullable(p.Requirements.SpecialHandling))
	}
	if p.Images != nil {
		images, err := marshalJSON(p.Images)
		if err != nil {
			return false, err
		}
		set("images_json", images)
	}
	set("updated_at", updatedAt)
	args = append(args, id, domain.ListingAvailable)
	res, err := r.on(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE listings SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ClaimListing atomically moves an available, unexpired listing to claimed.
// It reports false when the row did not match, leaving the caller to classify why.
func (r Repo) ClaimListing(ctx context.Context, tx *sql.Tx, id, claimerID, now string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE listings SET status=?, claimed_by=?, claimed_at=?, updated_at=?
WHERE id=? AND status=? AND available_until>=?`,
		domain.ListingClaimed, claimerID, now, now, id, domain.ListingAvailable, now)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ExpireListing persists expired for an available listing whose window closed before now.
func (r Repo) ExpireListing(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE listings SET status=?, updated_at=? WHERE id=? AND status=? AND available_until<?`,
		domain.ListingExpired, now, id, domain.ListingAvailable, now)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ExpireOverdue marks every overdue available listing expired and returns their ids.
func (r Repo) ExpireOverdue(ctx context.Context, tx *sql.Tx, now string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `UPDATE listings SET status=?, updated_at=? WHERE status=? AND available_until<? RETURNING id`,
		domain.ListingExpired, now, domain.ListingAvailable, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompleteListing moves a claimed listing to completed.
func (r Repo) CompleteListing(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE listings SET status=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.ListingCompleted, now, now, id, domain.ListingClaimed)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// CancelListing withdraws an available listing.
func (r Repo) CancelListing(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE listings SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.ListingCancelled, now, id, domain.ListingAvailable)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (r Repo) DeleteListing(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM listings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementListingViews(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE listings SET views=views+1 WHERE id=?`, id)
	return err
}

// AddInterest records that userID is interested; repeated calls keep the first timestamp.
func (r Repo) AddInterest(ctx context.Context, tx *sql.Tx, listingID, userID, at string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO listing_interest(listing_id,user_id,at) VALUES (?,?,?)`, listingID, userID, at)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// ListingCounts aggregates listings for analytics. Empty filters count everything.
type ListingCounts struct {
	Total             int
	ByStatus          map[string]int
	CompletedServings int
}

// CountListings aggregates listings owned by donorID or claimed by claimedBy.
func (r Repo) CountListings(ctx context.Context, donorID, claimedBy string) (ListingCounts, error) {
	clauses := []string{"1=1"}
	var args []any
	if donorID != "" {
		clauses = append(clauses, "donor_id=?")
		args = append(args, donorID)
	}
	if claimedBy != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, claimedBy)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(COALESCE(servings,0)),0) FROM listings WHERE `+strings.Join(clauses, " AND ")+` GROUP BY status`, args...)
	if err != nil {
		return ListingCounts{}, err
	}
	defer rows.Close()
	res := ListingCounts{ByStatus: map[string]int{}}
	for rows.Next() {
		var status string
		var n, servings int
		if err := rows.Scan(&status, &n, &servings); err != nil {
			return ListingCounts{}, err
		}
		res.ByStatus[status] = n
		res.Total += n
		if status == domain.ListingCompleted {
			res.CompletedServings = servings
		}
	}
	return res, rows.Err()
}

// ListingsCreatedSince returns a donor's listings created at or after since, newest first.
func (r Repo) ListingsCreatedSince(ctx context.Context, donorID, since string) ([]domain.Listing, error) {
	return r.queryListings(ctx, `SELECT `+listingColumns+` FROM listings WHERE donor_id=? AND created_at>=? ORDER BY created_at DESC, id DESC`, donorID, since)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
