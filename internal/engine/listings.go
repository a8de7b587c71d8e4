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
	"refeed/internal/notify"
	"refeed/internal/repo"
)

// ListingInput is the payload for a new listing.
type ListingInput struct {
	Title          string              `json:"title" validate:"required,max=100"`
	Description    string              `json:"description" validate:"required,max=1000"`
	FoodType       string              `json:"food_type" validate:"required,oneof=cooked raw packaged groceries other"`
	Category       string              `json:"category,omitempty" validate:"omitempty,oneof=vegetarian non-vegetarian vegan mixed"`
	Quantity       string              `json:"quantity" validate:"required,max=100"`
	Servings       *int                `json:"servings,omitempty" validate:"omitempty,min=1"`
	PickupLocation domain.Location     `json:"pickup_location"`
	AvailableFrom  string              `json:"available_from,omitempty"`
	AvailableUntil string              `json:"available_until" validate:"required"`
	ExpiryDate     *string             `json:"expiry_date,omitempty"`
	Urgency        string              `json:"urgency,omitempty" validate:"omitempty,oneof=low medium high"`
	Requirements   domain.Requirements `json:"requirements,omitempty"`
	Images         []string            `json:"images,omitempty" validate:"omitempty,max=10,dive,url"`
}

// CreateListing publishes a donation. Only donors may list food.
func (e Engine) CreateListing(ctx context.Context, caller auth.Caller, in ListingInput) (domain.Listing, error) {
	if err := caller.RequireType("create listing", domain.UserTypeDonor); err != nil {
		return domain.Listing{}, err
	}
	if err := validateInput(in); err != nil {
		return domain.Listing{}, err
	}
	if strings.TrimSpace(in.PickupLocation.Address) == "" {
		return domain.Listing{}, fmt.Errorf("%w: pickup_location.address is required", errs.ErrInvalidInput)
	}
	now := e.now()
	from := formatTime(now)
	fromTime := now
	if strings.TrimSpace(in.AvailableFrom) != "" {
		var err error
		from, fromTime, err = normalizeTime("available_from", in.AvailableFrom)
		if err != nil {
			return domain.Listing{}, err
		}
	}
	until, untilTime, err := normalizeTime("available_until", in.AvailableUntil)
	if err != nil {
		return domain.Listing{}, err
	}
	if !untilTime.After(fromTime) {
		return domain.Listing{}, fmt.Errorf("%w: available_until must be after available_from", errs.ErrInvalidInput)
	}
	expiry, err := optionalTime("expiry_date", in.ExpiryDate)
	if err != nil {
		return domain.Listing{}, err
	}
	if in.Category == "" {
		in.Category = "mixed"
	}
	if in.Urgency == "" {
		in.Urgency = "medium"
	}
	images := in.Images
	if images == nil {
		images = []string{}
	}
	l := domain.Listing{
		ID:              newID(),
		DonorID:         caller.UserID,
		Title:           strings.TrimSpace(in.Title),
		Description:     strings.TrimSpace(in.Description),
		FoodType:        in.FoodType,
		Category:        in.Category,
		Quantity:        strings.TrimSpace(in.Quantity),
		Servings:        in.Servings,
		PickupLocation:  in.PickupLocation,
		AvailableFrom:   from,
		AvailableUntil:  until,
		ExpiryDate:      expiry,
		Urgency:         in.Urgency,
		Requirements:    in.Requirements,
		Images:          images,
		Status:          domain.ListingAvailable,
		InterestedUsers: []domain.Interest{},
		CreatedAt:       formatTime(now),
		UpdatedAt:       formatTime(now),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertListing(ctx, tx, l); err != nil {
		return domain.Listing{}, fmt.Errorf("insert listing: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.ListingCreated, "listing", l.ID, caller.UserID, events.EventPayload{
		"title":           l.Title,
		"food_type":       l.FoodType,
		"available_until": l.AvailableUntil,
	}); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	return l, nil
}

// GetListing returns a listing, counting the view. An overdue available listing is persisted as expired first.
func (e Engine) GetListing(ctx context.Context, caller auth.Caller, id string) (domain.Listing, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListing(ctx, tx, id)
	if err != nil {
		return domain.Listing{}, listingErr(id, err)
	}
	if err := e.expireIfOverdue(ctx, tx, &l, caller.UserID, now); err != nil {
		return domain.Listing{}, err
	}
	if caller.UserID != l.DonorID {
		if err := e.Repo.IncrementListingViews(ctx, tx, id); err != nil {
			return domain.Listing{}, err
		}
		l.Views++
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	return l, nil
}

// expireIfOverdue persists the expired status for an available listing past its window.
func (e Engine) expireIfOverdue(ctx context.Context, tx *sql.Tx, l *domain.Listing, actorID, now string) error {
	if l.Status != domain.ListingAvailable || l.AvailableUntil >= now {
		return nil
	}
	ok, err := e.Repo.ExpireListing(ctx, tx, l.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	l.Status = domain.ListingExpired
	l.UpdatedAt = now
	return e.writer().Append(ctx, tx, events.ListingExpired, "listing", l.ID, actorID, events.EventPayload{
		"available_until": l.AvailableUntil,
	})
}

// ListingQuery filters ListListings. An empty Status lists every status.
type ListingQuery struct {
	Status   string
	FoodType string
	Category string
	Urgency  string
	DonorID  string
	Claimed  string
	Near     *domain.Coordinates
	RadiusKm float64
	Page     int
	Limit    int
}

// ListingPage is one page of listings plus the total match count.
type ListingPage struct {
	Items []domain.Listing `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

// ListListings sweeps overdue listings and returns one page of matches.
func (e Engine) ListListings(ctx context.Context, q ListingQuery) (ListingPage, error) {
	if _, err := e.ExpireOverdue(ctx); err != nil {
		return ListingPage{}, err
	}
	radius := q.RadiusKm
	if q.Near != nil && radius <= 0 {
		radius = e.config().Listings.DefaultRadiusKm
	}
	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	items, total, err := e.Repo.ListListings(ctx, repo.ListingFilters{
		Status:      q.Status,
		FoodType:    q.FoodType,
		Category:    q.Category,
		Urgency:     q.Urgency,
		DonorID:     q.DonorID,
		ClaimedBy:   q.Claimed,
		Near:        q.Near,
		RadiusKm:    radius,
		Page:        page,
		Limit:       limit,
		AvailableAt: e.nowString(),
	})
	if err != nil {
		return ListingPage{}, err
	}
	if items == nil {
		items = []domain.Listing{}
	}
	return ListingPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// ListingUpdate carries optional listing fields.
type ListingUpdate struct {
	Title          *string              `json:"title,omitempty" validate:"omitempty,min=1,max=100"`
	Description    *string              `json:"description,omitempty" validate:"omitempty,min=1,max=1000"`
	FoodType       *string              `json:"food_type,omitempty" validate:"omitempty,oneof=cooked raw packaged groceries other"`
	Category       *string              `json:"category,omitempty" validate:"omitempty,oneof=vegetarian non-vegetarian vegan mixed"`
	Quantity       *string              `json:"quantity,omitempty" validate:"omitempty,min=1,max=100"`
	Servings       *int                 `json:"servings,omitempty" validate:"omitempty,min=1"`
	PickupLocation *domain.Location     `json:"pickup_location,omitempty"`
	AvailableFrom  *string              `json:"available_from,omitempty"`
	AvailableUntil *string              `json:"available_until,omitempty"`
	ExpiryDate     *string              `json:"expiry_date,omitempty"`
	Urgency        *string              `json:"urgency,omitempty" validate:"omitempty,oneof=low medium high"`
	Requirements   *domain.Requirements `json:"requirements,omitempty"`
	Images         []string             `json:"images,omitempty" validate:"omitempty,max=10,dive,url"`
}

// UpdateListing edits an available listing owned by the caller.
func (e Engine) UpdateListing(ctx context.Context, caller auth.Caller, id string, in ListingUpdate) (domain.Listing, error) {
	if err := validateInput(in); err != nil {
		return domain.Listing{}, err
	}
	patch := repo.ListingPatch{
		Title:          in.Title,
		Description:    in.Description,
		FoodType:       in.FoodType,
		Category:       in.Category,
		Quantity:       in.Quantity,
		Servings:       in.Servings,
		PickupLocation: in.PickupLocation,
		Urgency:        in.Urgency,
		Requirements:   in.Requirements,
		Images:         in.Images,
	}
	var err error
	if patch.AvailableFrom, err = optionalTime("available_from", in.AvailableFrom); err != nil {
		return domain.Listing{}, err
	}
	if patch.AvailableUntil, err = optionalTime("available_until", in.AvailableUntil); err != nil {
		return domain.Listing{}, err
	}
	if patch.ExpiryDate, err = optionalTime("expiry_date", in.ExpiryDate); err != nil {
		return domain.Listing{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListing(ctx, tx, id)
	if err != nil {
		return domain.Listing{}, listingErr(id, err)
	}
	if l.DonorID != caller.UserID {
		return domain.Listing{}, auth.ForbiddenError{Action: "update listing", Reason: "only the donor may edit a listing"}
	}
	// Expiry is judged on the stored window; a patch cannot revive an overdue listing.
	if err := e.expireIfOverdue(ctx, tx, &l, caller.UserID, now); err != nil {
		return domain.Listing{}, err
	}
	if l.Status != domain.ListingAvailable {
		if l.Status == domain.ListingExpired {
			if err := tx.Commit(); err != nil {
				return domain.Listing{}, err
			}
		}
		return domain.Listing{}, fmt.Errorf("%w: listing %s is %s", errs.ErrInvalidState, id, l.Status)
	}
	from, until := l.AvailableFrom, l.AvailableUntil
	if patch.AvailableFrom != nil {
		from = *patch.AvailableFrom
	}
	if patch.AvailableUntil != nil {
		until = *patch.AvailableUntil
	}
	if until <= from {
		return domain.Listing{}, fmt.Errorf("%w: available_until must be after available_from", errs.ErrInvalidInput)
	}
	ok, err := e.Repo.UpdateListingFields(ctx, tx, id, patch, now)
	if err != nil {
		return domain.Listing{}, err
	}
	if !ok {
		return domain.Listing{}, fmt.Errorf("%w: listing %s is no longer available", errs.ErrInvalidState, id)
	}
	if err := e.writer().Append(ctx, tx, events.ListingUpdated, "listing", id, caller.UserID, nil); err != nil {
		return domain.Listing{}, err
	}
	updated, err := e.Repo.GetListing(ctx, tx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	return updated, nil
}

// CancelListing withdraws an available listing owned by the caller.
func (e Engine) CancelListing(ctx context.Context, caller auth.Caller, id string) (domain.Listing, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListing(ctx, tx, id)
	if err != nil {
		return domain.Listing{}, listingErr(id, err)
	}
	if l.DonorID != caller.UserID {
		return domain.Listing{}, auth.ForbiddenError{Action: "cancel listing", Reason: "only the donor may cancel a listing"}
	}
	ok, err := e.Repo.CancelListing(ctx, tx, id, now)
	if err != nil {
		return domain.Listing{}, err
	}
	if !ok {
		return domain.Listing{}, fmt.Errorf("%w: listing %s is %s", errs.ErrInvalidState, id, l.Status)
	}
	if err := e.writer().Append(ctx, tx, events.ListingCancelled, "listing", id, caller.UserID, events.EventPayload{"from": l.Status}); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	l.Status = domain.ListingCancelled
	l.UpdatedAt = now
	return l, nil
}

// DeleteListing removes a listing owned by the caller. Missions keep their listing id.
func (e Engine) DeleteListing(ctx context.Context, caller auth.Caller, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListing(ctx, tx, id)
	if err != nil {
		return listingErr(id, err)
	}
	if l.DonorID != caller.UserID {
		return auth.ForbiddenError{Action: "delete listing", Reason: "only the donor may delete a listing"}
	}
	if err := e.Repo.DeleteListing(ctx, tx, id); err != nil {
		return listingErr(id, err)
	}
	if err := e.writer().Append(ctx, tx, events.ListingDeleted, "listing", id, caller.UserID, events.EventPayload{
		"status": l.Status,
		"title":  l.Title,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimListing reserves an available listing for the caller.
// Exactly one of several concurrent claims wins; the rest fail with ErrInvalidState.
func (e Engine) ClaimListing(ctx context.Context, caller auth.Caller, id string) (domain.Listing, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListing(ctx, tx, id)
	if err != nil {
		return domain.Listing{}, listingErr(id, err)
	}
	if l.DonorID == caller.UserID {
		return domain.Listing{}, auth.ForbiddenError{Action: "claim listing", Reason: "donors cannot claim their own listing"}
	}
	ok, err := e.Repo.ClaimListing(ctx, tx, id, caller.UserID, now)
	if err != nil {
		return domain.Listing{}, err
	}
	if !ok {
		return domain.Listing{}, e.classifyClaimMiss(ctx, tx, l, caller.UserID, now)
	}
	if err := e.writer().Append(ctx, tx, events.ListingClaimed, "listing", id, caller.UserID, events.EventPayload{
		"donor_id":   l.DonorID,
		"claimed_by": caller.UserID,
	}); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	claimer := caller.UserID
	claimedAt := now
	l.Status = domain.ListingClaimed
	l.ClaimedBy = &claimer
	l.ClaimedAt = &claimedAt
	l.UpdatedAt = now
	e.broadcast([]string{l.DonorID}, notify.EventListingClaimed, listingClaimedPayload(l))
	return l, nil
}

// classifyClaimMiss explains why the conditional claim matched no row. The overdue case
// commits the expired status before reporting ErrExpired.
func (e Engine) classifyClaimMiss(ctx context.Context, tx *sql.Tx, observed domain.Listing, actorID, now string) error {
	current, err := e.Repo.GetListing(ctx, tx, observed.ID)
	if err != nil {
		return listingErr(observed.ID, err)
	}
	if current.Status == domain.ListingAvailable && current.AvailableUntil < now {
		if err := e.expireIfOverdue(ctx, tx, &current, actorID, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return fmt.Errorf("%w: listing %s was available until %s", errs.ErrExpired, current.ID, current.AvailableUntil)
	}
	if current.Status == domain.ListingExpired {
		return fmt.Errorf("%w: listing %s was available until %s", errs.ErrExpired, current.ID, current.AvailableUntil)
	}
	return fmt.Errorf("%w: listing %s is %s", errs.ErrInvalidState, current.ID, current.Status)
}

func listingClaimedPayload(l domain.Listing) map[string]any {
	return map[string]any{
		"listing_id": l.ID,
		"title":      l.Title,
		"claimed_by": l.ClaimedBy,
		"claimed_at": l.ClaimedAt,
	}
}

// RegisterInterest records that the caller wants the listing. Repeats are no-ops.
func (e Engine) RegisterInterest(ctx context.Context, caller auth.Caller, id string) (domain.Listing, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListing(ctx, tx, id)
	if err != nil {
		return domain.Listing{}, listingErr(id, err)
	}
	if l.DonorID == caller.UserID {
		return domain.Listing{}, auth.ForbiddenError{Action: "register interest", Reason: "donors cannot express interest in their own listing"}
	}
	added, err := e.Repo.AddInterest(ctx, tx, id, caller.UserID, now)
	if err != nil {
		return domain.Listing{}, err
	}
	if added {
		if err := e.writer().Append(ctx, tx, events.ListingInterest, "listing", id, caller.UserID, nil); err != nil {
			return domain.Listing{}, err
		}
		l.InterestedUsers = append(l.InterestedUsers, domain.Interest{UserID: caller.UserID, At: now})
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, err
	}
	return l, nil
}

// ExpireOverdue persists expired for every available listing past its window and returns their ids.
func (e Engine) ExpireOverdue(ctx context.Context) ([]string, error) {
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids, err := e.Repo.ExpireOverdue(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := e.writer().Append(ctx, tx, events.ListingExpired, "listing", id, "system", nil); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.logger().Info("expired overdue listings", zap.Int("count", len(ids)))
	}
	return ids, nil
}

func listingErr(id string, err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("listing %s: %w", id, errs.ErrNotFound)
	}
	return err
}
