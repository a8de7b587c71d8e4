// Package refeedsdk is a small typed client for the ReFeed HTTP API.
package refeedsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one ReFeed deployment. Set BearerToken (see Login) or APIKey.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	Address     string       `json:"address,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// User is the account model (partial).
type User struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	UserType string  `json:"user_type"`
	Rating   float64 `json:"rating"`
}

// Listing is the API listing model (partial).
type Listing struct {
	ID             string   `json:"id"`
	DonorID        string   `json:"donor_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	FoodType       string   `json:"food_type"`
	Quantity       string   `json:"quantity"`
	Servings       *int     `json:"servings,omitempty"`
	PickupLocation Location `json:"pickup_location"`
	AvailableUntil string   `json:"available_until"`
	Status         string   `json:"status"`
	ClaimedBy      *string  `json:"claimed_by,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

// NewListing is the payload for CreateListing.
type NewListing struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	FoodType       string   `json:"food_type"`
	Quantity       string   `json:"quantity"`
	Servings       *int     `json:"servings,omitempty"`
	PickupLocation Location `json:"pickup_location"`
	AvailableUntil string   `json:"available_until"`
	Urgency        string   `json:"urgency,omitempty"`
}

// ListingPage is one page of ListListings.
type ListingPage struct {
	Items []Listing `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}

// ListingFilter narrows ListListings; zero values are omitted.
type ListingFilter struct {
	Status   string
	FoodType string
	Near     *Coordinates
	RadiusKm float64
	Page     int
	Limit    int
}

type TrackingUpdate struct {
	Status    string       `json:"status"`
	Location  *Coordinates `json:"location,omitempty"`
	Note      string       `json:"note,omitempty"`
	Timestamp string       `json:"timestamp"`
}

// Mission is the API mission model (partial).
type Mission struct {
	ID                  string           `json:"id"`
	ListingID           string           `json:"listing_id"`
	DonorID             string           `json:"donor_id"`
	VolunteerID         string           `json:"volunteer_id"`
	ReceiverID          *string          `json:"receiver_id,omitempty"`
	Status              string           `json:"status"`
	ScheduledPickupTime string           `json:"scheduled_pickup_time"`
	TrackingUpdates     []TrackingUpdate `json:"tracking_updates"`
}

// NewMission is the payload for CreateMission.
type NewMission struct {
	ListingID           string   `json:"listing_id"`
	DeliveryLocation    Location `json:"delivery_location"`
	ScheduledPickupTime string   `json:"scheduled_pickup_time"`
	Notes               string   `json:"notes,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// CreateListing publishes a listing; the caller must be a donor.
func (c *Client) CreateListing(ctx context.Context, in NewListing) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodPost, "listings", in, &resp)
	return resp, err
}

func (c *Client) GetListing(ctx context.Context, id string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodGet, "listings/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListListings browses listings. The server defaults to available ones.
func (c *Client) ListListings(ctx context.Context, f ListingFilter) (ListingPage, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.FoodType != "" {
		q.Set("food_type", f.FoodType)
	}
	if f.Near != nil {
		q.Set("lat", fmt.Sprint(f.Near.Lat))
		q.Set("lng", fmt.Sprint(f.Near.Lng))
	}
	if f.RadiusKm > 0 {
		q.Set("radius_km", fmt.Sprint(f.RadiusKm))
	}
	if f.Page > 0 {
		q.Set("page", fmt.Sprint(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "listings"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ListingPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ClaimListing claims an available listing for the caller.
func (c *Client) ClaimListing(ctx context.Context, id string) (Listing, error) {
	var resp Listing
	err := c.do(ctx, http.MethodPost, "listings/"+url.PathEscape(id)+"/claim", nil, &resp)
	return resp, err
}

// CreateMission starts a mission; the caller must be a volunteer.
func (c *Client) CreateMission(ctx context.Context, in NewMission) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", in, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListMissions returns the caller's missions, optionally filtered by status.
func (c *Client) ListMissions(ctx context.Context, status string) ([]Mission, error) {
	endpoint := "missions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Mission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateMissionStatus moves a mission; note becomes the cancellation reason when cancelling.
func (c *Client) UpdateMissionStatus(ctx context.Context, id, status, note string) (Mission, error) {
	body := map[string]any{"status": status}
	if note != "" {
		body["note"] = note
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	root := strings.TrimRight(c.BaseURL, "/")
	if basePath == "" {
		return root
	}
	return root + "/" + basePath
}
