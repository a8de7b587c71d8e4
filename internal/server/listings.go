package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"refeed/internal/domain"
	"refeed/internal/engine"
)

func registerListings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-listing",
		Method:        http.MethodPost,
		Path:          "/listings",
		Summary:       "Publish a food listing (donors)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body engine.ListingInput `json:"body"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CreateListing(ctx, caller, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-listings",
		Method:      http.MethodGet,
		Path:        "/listings",
		Summary:     "Browse listings",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string  `query:"status" default:"available" enum:"available,claimed,completed,expired,cancelled,all"`
		FoodType string  `query:"food_type"`
		Category string  `query:"category"`
		Urgency  string  `query:"urgency"`
		DonorID  string  `query:"donor_id"`
		Lat      string  `query:"lat" doc:"Latitude of the search center; requires lng"`
		Lng      string  `query:"lng"`
		RadiusKm float64 `query:"radius_km"`
		Page     int     `query:"page" default:"1"`
		Limit    int     `query:"limit" default:"10"`
	}) (*struct {
		Body engine.ListingPage `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		near, err := parseNear(input.Lat, input.Lng)
		if err != nil {
			return nil, err
		}
		status := input.Status
		if status == "all" {
			status = ""
		}
		page, listErr := e.ListListings(ctx, engine.ListingQuery{
			Status:   status,
			FoodType: input.FoodType,
			Category: input.Category,
			Urgency:  input.Urgency,
			DonorID:  input.DonorID,
			Near:     near,
			RadiusKm: input.RadiusKm,
			Page:     input.Page,
			Limit:    input.Limit,
		})
		if listErr != nil {
			return nil, handleError(ctx, listErr)
		}
		return &struct {
			Body engine.ListingPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-listings",
		Method:      http.MethodGet,
		Path:        "/listings/mine",
		Summary:     "Listings donated or claimed by the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Page   int    `query:"page" default:"1"`
		Limit  int    `query:"limit" default:"10"`
	}) (*struct {
		Body engine.ListingPage `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q := engine.ListingQuery{Status: input.Status, Page: input.Page, Limit: input.Limit}
		if caller.UserType == domain.UserTypeDonor {
			q.DonorID = caller.UserID
		} else {
			q.Claimed = caller.UserID
		}
		page, err := e.ListListings(ctx, q)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.ListingPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-listing",
		Method:      http.MethodGet,
		Path:        "/listings/{id}",
		Summary:     "Get a listing",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.GetListing(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-listing",
		Method:      http.MethodPatch,
		Path:        "/listings/{id}",
		Summary:     "Edit an available listing (owner)",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body engine.ListingUpdate `json:"body"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.UpdateListing(ctx, caller, input.ID, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-listing",
		Method:      http.MethodPost,
		Path:        "/listings/{id}/cancel",
		Summary:     "Withdraw a listing (owner)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CancelListing(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-listing",
		Method:        http.MethodDelete,
		Path:          "/listings/{id}",
		Summary:       "Delete a listing (owner)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteListing(ctx, caller, input.ID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-listing",
		Method:      http.MethodPost,
		Path:        "/listings/{id}/claim",
		Summary:     "Claim an available listing",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ClaimListing(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listing-interest",
		Method:      http.MethodPost,
		Path:        "/listings/{id}/interest",
		Summary:     "Register interest in a listing",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Listing `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.RegisterInterest(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Listing `json:"body"`
		}{Body: l}, nil
	})
}

// parseNear returns nil when neither coordinate is given.
func parseNear(lat, lng string) (*domain.Coordinates, huma.StatusError) {
	lat, lng = strings.TrimSpace(lat), strings.TrimSpace(lng)
	if lat == "" && lng == "" {
		return nil, nil
	}
	if lat == "" || lng == "" {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "lat and lng must be given together", nil)
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil || la < -90 || la > 90 {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid lat", map[string]any{"lat": lat})
	}
	ln, err := strconv.ParseFloat(lng, 64)
	if err != nil || ln < -180 || ln > 180 {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid lng", map[string]any{"lng": lng})
	}
	return &domain.Coordinates{Lat: la, Lng: ln}, nil
}
