package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"refeed/internal/domain"
	"refeed/internal/engine"
)

func registerChat(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/chat/messages",
		Summary:       "Send a direct message",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body engine.MessageInput `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SendMessage(ctx, caller, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conversations",
		Method:      http.MethodGet,
		Path:        "/chat/conversations",
		Summary:     "The caller's conversations, latest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body conversationList `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Conversations(ctx, caller)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body conversationList `json:"body"`
		}{Body: conversationList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-conversation",
		Method:      http.MethodGet,
		Path:        "/chat/conversations/{user_id}",
		Summary:     "Messages exchanged with another user",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Limit  int    `query:"limit" default:"50"`
		Before string `query:"before" doc:"Message id to page backwards from"`
	}) (*struct {
		Body messageList `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ConversationPage(ctx, caller, input.UserID, normalizeLimit(input.Limit), input.Before)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body messageList `json:"body"`
		}{Body: messageList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-conversation",
		Method:      http.MethodPost,
		Path:        "/chat/read",
		Summary:     "Mark messages from another user as read",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ReadConversationRequest `json:"body"`
	}) (*struct {
		Body ReadResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.OtherUserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "other_user_id is required", nil)
		}
		n, err := e.MarkConversationRead(ctx, caller, input.Body.OtherUserID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ReadResponse `json:"body"`
		}{Body: ReadResponse{Updated: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-message",
		Method:        http.MethodDelete,
		Path:          "/chat/messages/{id}",
		Summary:       "Delete one of the caller's messages",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteMessage(ctx, caller, input.ID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}
