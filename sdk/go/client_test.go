package refeedsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginStoresBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dana@example.com", body["email"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token": "tok-1",
				"user":  map[string]any{"id": "u1", "user_type": "donor"},
			})
		case "/api/listings/l1":
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "l1", "status": "available"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	u, err := c.Login(context.Background(), "dana@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "tok-1", c.BearerToken)

	l, err := c.GetListing(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "available", l.Status)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestAPIKeyHeaderAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "/api/listings", r.URL.Path)
		assert.Equal(t, "cooked", r.URL.Query().Get("food_type"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "l1"}},
			"total": 1, "page": 2, "limit": 20,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key-1"
	page, err := c.ListListings(context.Background(), ListingFilter{FoodType: "cooked", Page: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Page)
}

func TestErrorEnvelopeIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/listings/l1/claim", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_state","message":"listing is not available"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ClaimListing(context.Background(), "l1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "listing is not available")
}

func TestUpdateMissionStatusSendsNote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/missions/m1/status", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cancelled", body["status"])
		assert.Equal(t, "van broke down", body["note"])
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "m1", "status": "cancelled"})
	}))
	defer srv.Close()

	m, err := New(srv.URL).UpdateMissionStatus(context.Background(), "m1", "cancelled", "van broke down")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", m.Status)
}

func TestBaseWithoutBasePath(t *testing.T) {
	c := &Client{BaseURL: "http://example.test/"}
	assert.Equal(t, "http://example.test", c.base())
	c.BasePath = "/v1/"
	assert.Equal(t, "http://example.test/v1", c.base())
}
