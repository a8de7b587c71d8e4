package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"refeed/internal/domain"
	"refeed/internal/engine"
)

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Start a delivery mission for a claimed listing (volunteers)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body engine.MissionInput `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMission(ctx, caller, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List the caller's missions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Role   string `query:"role" enum:"donor,volunteer,receiver"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Offset int    `query:"offset"`
	}) (*struct {
		Body missionList `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMissions(ctx, caller, engine.MissionQuery{
			Role:   input.Role,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
			Offset: input.Offset,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Mission{}
		}
		return &struct {
			Body missionList `json:"body"`
		}{Body: missionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get a mission (participants)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.GetMission(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission-status",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/status",
		Summary:     "Move a mission along its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body engine.StatusInput `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMissionStatus(ctx, caller, input.ID, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission-location",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/location",
		Summary:     "Report the volunteer's position",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body engine.LocationInput `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMissionLocation(ctx, caller, input.ID, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rate-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/rate",
		Summary:     "Rate a participant of a completed mission",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body engine.RatingInput `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RateMission(ctx, caller, input.ID, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-mission-photos",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/photos",
		Summary:     "Attach pickup or delivery photo URLs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body engine.PhotoInput `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddMissionPhotos(ctx, caller, input.ID, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})
}
