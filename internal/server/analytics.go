package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"refeed/internal/domain"
	"refeed/internal/engine"
)

func registerAnalytics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/analytics/dashboard",
		Summary:     "Role-specific dashboard for the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Dashboard(ctx, caller)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "platform-stats",
		Method:      http.MethodGet,
		Path:        "/analytics/platform",
		Summary:     "Platform-wide totals (admin)",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.PlatformStats `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := caller.RequireType("read platform stats", domain.UserTypeAdmin); err != nil {
			return nil, handleError(ctx, err)
		}
		p, err := e.PlatformStats(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.PlatformStats `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "timeline",
		Method:      http.MethodGet,
		Path:        "/analytics/timeline",
		Summary:     "The caller's recent listings and missions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"30" minimum:"1" maximum:"365"`
	}) (*struct {
		Body timelineList `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Timeline(ctx, caller, input.Days)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body timelineList `json:"body"`
		}{Body: timelineList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "impact",
		Method:      http.MethodGet,
		Path:        "/analytics/impact",
		Summary:     "The caller's contribution",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ImpactSummary `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Impact(ctx, caller)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body engine.ImpactSummary `json:"body"`
		}{Body: res}, nil
	})
}
