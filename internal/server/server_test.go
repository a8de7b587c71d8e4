package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"refeed/internal/config"
	"refeed/internal/db"
	"refeed/internal/domain"
	"refeed/internal/engine"
	"refeed/internal/migrate"
	"refeed/internal/notify"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Auth.JWTSecret = "server-test-secret"
	for _, fn := range mutate {
		fn(cfg)
	}
	e := engine.New(conn, cfg)
	e.Notify = notify.NewHub(nil)
	handler, err := New(Config{Engine: e, BasePath: "/api"})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type session struct {
	Token string
	User  domain.User
}

func (s session) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.Token}
}

func register(t *testing.T, srv *testServer, name, userType string) session {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/auth/register", map[string]any{
		"name":      name,
		"email":     name + "@example.org",
		"password":  "secret-pass",
		"user_type": userType,
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var s engine.Session
	require.NoError(t, json.Unmarshal(data, &s))
	require.NotEmpty(t, s.Token)
	return session{Token: s.Token, User: s.User}
}

func listingBody() map[string]any {
	return map[string]any{
		"title":       "Leftover lasagne",
		"description": "Two trays from the evening service",
		"food_type":   "cooked",
		"quantity":    "2 trays",
		"servings":    8,
		"pickup_location": map[string]any{
			"address":     "Main St 1",
			"coordinates": map[string]any{"lat": 52.52, "lng": 13.405},
		},
		"available_until": time.Now().Add(3 * time.Hour).UTC().Format(time.RFC3339),
	}
}

func createListing(t *testing.T, srv *testServer, donor session) domain.Listing {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/listings", listingBody(), donor.headers())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var l domain.Listing
	require.NoError(t, json.Unmarshal(data, &l))
	return l
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestDonationFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	donor := register(t, srv, "dora", domain.UserTypeDonor)
	receiver := register(t, srv, "rick", domain.UserTypeReceiver)
	volunteer := register(t, srv, "vera", domain.UserTypeVolunteer)

	l := createListing(t, srv, donor)
	require.Equal(t, domain.ListingAvailable, l.Status)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/listings/"+l.ID+"/claim", nil, receiver.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var claimed domain.Listing
	require.NoError(t, json.Unmarshal(data, &claimed))
	require.Equal(t, domain.ListingClaimed, claimed.Status)
	require.NotNil(t, claimed.ClaimedBy)
	require.Equal(t, receiver.User.ID, *claimed.ClaimedBy)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/missions", map[string]any{
		"listing_id":            l.ID,
		"delivery_location":     map[string]any{"address": "Shelter Rd 5", "coordinates": map[string]any{"lat": 52.50, "lng": 13.42}},
		"scheduled_pickup_time": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}, volunteer.headers())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var m domain.Mission
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, domain.MissionPending, m.Status)
	require.NotNil(t, m.ReceiverID)
	require.Equal(t, receiver.User.ID, *m.ReceiverID)

	for _, status := range []string{domain.MissionAccepted, domain.MissionInProgress, domain.MissionCompleted} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/missions/"+m.ID+"/status", map[string]any{
			"status": status,
		}, volunteer.headers())
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}
	require.NoError(t, json.Unmarshal(data, &m))
	require.Equal(t, domain.MissionCompleted, m.Status)
	require.Len(t, m.TrackingUpdates, 3)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/users/"+volunteer.User.ID+"/stats", nil, donor.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stats domain.UserStats
	require.NoError(t, json.Unmarshal(data, &stats))
	require.Equal(t, 1, stats.MissionsCompleted)
	require.Equal(t, srv.Engine.Config.Impact.VolunteerPoints, stats.ImpactScore)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/listings/"+l.ID, nil, volunteer.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var done domain.Listing
	require.NoError(t, json.Unmarshal(data, &done))
	require.Equal(t, domain.ListingCompleted, done.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/missions/"+m.ID+"/rate", map[string]any{
		"rating_for": "volunteer",
		"score":      5,
	}, donor.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/analytics/dashboard", nil, donor.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dash engine.Dashboard
	require.NoError(t, json.Unmarshal(data, &dash))
	require.NotNil(t, dash.Donor)
	require.Equal(t, 1, dash.Donor.CompletedDonations)
}

func TestErrorEnvelopeCodes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	donor := register(t, srv, "dora", domain.UserTypeDonor)
	receiver := register(t, srv, "rick", domain.UserTypeReceiver)
	other := register(t, srv, "ngo", domain.UserTypeNGO)
	l := createListing(t, srv, donor)

	cases := []struct {
		name    string
		method  string
		path    string
		body    any
		headers map[string]string
		status  int
		code    string
	}{
		{"no credentials", http.MethodGet, "/api/listings", nil, nil, http.StatusUnauthorized, "unauthorized"},
		{"bad token", http.MethodGet, "/api/listings", nil, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, "unauthorized"},
		{"receiver lists food", http.MethodPost, "/api/listings", listingBody(), receiver.headers(), http.StatusForbidden, "forbidden"},
		{"unknown listing", http.MethodGet, "/api/listings/missing", nil, receiver.headers(), http.StatusNotFound, "not_found"},
		{"donor claims own listing", http.MethodPost, "/api/listings/" + l.ID + "/claim", nil, donor.headers(), http.StatusForbidden, "forbidden"},
		{"missing title", http.MethodPost, "/api/listings", map[string]any{"description": "x"}, donor.headers(), http.StatusBadRequest, "bad_request"},
		{"register admin", http.MethodPost, "/api/auth/register", map[string]any{
			"name": "root", "email": "root@example.org", "password": "secret-pass", "user_type": "admin",
		}, nil, http.StatusForbidden, "forbidden"},
		{"duplicate email", http.MethodPost, "/api/auth/register", map[string]any{
			"name": "dora", "email": "dora@example.org", "password": "secret-pass", "user_type": "donor",
		}, nil, http.StatusConflict, "already_exists"},
		{"wrong password", http.MethodPost, "/api/auth/login", map[string]any{
			"email": "dora@example.org", "password": "wrong-pass",
		}, nil, http.StatusUnauthorized, "unauthorized"},
		{"platform stats need admin", http.MethodGet, "/api/analytics/platform", nil, donor.headers(), http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, tc.headers)
			require.Equal(t, tc.status, res.StatusCode, string(data))
			require.Equal(t, tc.code, errorCode(t, data))
		})
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/listings/"+l.ID+"/claim", nil, receiver.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/listings/"+l.ID+"/claim", nil, other.headers())
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	require.Equal(t, "invalid_state", errorCode(t, data))
}

func TestLoginAndAPIKey(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	register(t, srv, "vera", domain.UserTypeVolunteer)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/login", map[string]any{
		"email":    "vera@example.org",
		"password": "secret-pass",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var s engine.Session
	require.NoError(t, json.Unmarshal(data, &s))
	vera := session{Token: s.Token, User: s.User}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/auth/api-keys", map[string]any{"name": "cli"}, vera.headers())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var key APIKeyResponse
	require.NoError(t, json.Unmarshal(data, &key))
	require.True(t, strings.HasPrefix(key.Key, "rf_"))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me domain.User
	require.NoError(t, json.Unmarshal(data, &me))
	require.Equal(t, vera.User.ID, me.ID)
	require.NotContains(t, string(data), "password")

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/api/auth/api-keys/"+key.APIKey.ID, nil, vera.headers())
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/auth/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestChatOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	donor := register(t, srv, "dora", domain.UserTypeDonor)
	volunteer := register(t, srv, "vera", domain.UserTypeVolunteer)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/messages", map[string]any{
		"receiver_id": donor.User.ID,
		"content":     "On my way",
	}, volunteer.headers())
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/chat/conversations", nil, donor.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var convs conversationList
	require.NoError(t, json.Unmarshal(data, &convs))
	require.Len(t, convs.Items, 1)
	require.Equal(t, 1, convs.Items[0].UnreadCount)
	require.Equal(t, volunteer.User.ID, convs.Items[0].OtherUser.ID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/chat/read", map[string]any{
		"other_user_id": volunteer.User.ID,
	}, donor.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var read ReadResponse
	require.NoError(t, json.Unmarshal(data, &read))
	require.EqualValues(t, 1, read.Updated)
}

func TestWebsocketReceivesListingClaimed(t *testing.T) {
	srv := newTestServer(t)
	donor := register(t, srv, "dora", domain.UserTypeDonor)
	receiver := register(t, srv, "rick", domain.UserTypeReceiver)
	l := createListing(t, srv, donor)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + donor.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hub := srv.Engine.Notify.(*notify.Hub)
	require.Eventually(t, func() bool { return hub.Connected(donor.User.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/listings/"+l.ID+"/claim", nil, receiver.headers())
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var envelope struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg, &envelope))
	require.Equal(t, notify.EventListingClaimed, envelope.Event)
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/ws", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var received []webhookEvent
	var headers []http.Header
	var bodies [][]byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(raw, &evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		bodies = append(bodies, raw)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Events: []string{"listing.*"}}}
	})
	d := NewWebhookDispatcher(srv.Engine, nil)
	require.NotNil(t, d)
	ctx := context.Background()
	// The first pass pins the cursor at the newest event.
	d.dispatchAll(ctx)

	donor := register(t, srv, "dora", domain.UserTypeDonor)
	l := createListing(t, srv, donor)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, "listing.created", received[0].Type)
	require.Equal(t, "listing", received[0].Entity.Kind)
	require.Equal(t, l.ID, received[0].Entity.ID)
	require.Equal(t, "listing.created", headers[0].Get("X-Refeed-Event"))
	require.Equal(t, "sha256="+signPayload("s3cret", bodies[0]), headers[0].Get("X-Refeed-Signature"))
}

func TestWebhookBacksOffAfterFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fail := true
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	})
	d := NewWebhookDispatcher(srv.Engine, nil)
	require.NotNil(t, d)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()
	d.dispatchAll(ctx)

	register(t, srv, "dora", domain.UserTypeDonor)
	d.dispatchAll(ctx)
	mu.Lock()
	require.Equal(t, 1, calls)
	fail = false
	mu.Unlock()

	// Still inside the backoff window.
	d.dispatchAll(ctx)
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()

	now = now.Add(time.Minute)
	d.dispatchAll(ctx)
	mu.Lock()
	require.Equal(t, 2, calls)
	mu.Unlock()
	require.Zero(t, d.hooks[0].failures)
}

func TestWebhookDispatcherDisabledWithoutHooks(t *testing.T) {
	srv := newTestServer(t)
	require.Nil(t, NewWebhookDispatcher(srv.Engine, nil))
}

func TestEventFilter(t *testing.T) {
	require.True(t, newEventFilter(nil).match("anything"))
	f := newEventFilter([]string{"mission.*", "user.registered"})
	require.True(t, f.match("mission.status.updated"))
	require.True(t, f.match("user.registered"))
	require.False(t, f.match("user.rated"))
	require.False(t, f.match("listing.created"))
}
