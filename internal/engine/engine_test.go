package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"refeed/internal/config"
	"refeed/internal/db"
	"refeed/internal/domain"
	"refeed/internal/engine"
	"refeed/internal/engine/auth"
	"refeed/internal/errs"
	"refeed/internal/migrate"
	"refeed/internal/notify"
	"refeed/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Hub    *notify.Hub
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	eng := engine.New(conn, cfg)
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = c.Now
	hub := notify.NewHub(nil)
	eng.Notify = hub
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: c, Hub: hub}
}

func (env testEnv) user(t *testing.T, name, userType string) auth.Caller {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserInput{
		Name:     name,
		Email:    name + "@example.org",
		Password: "secret-pass",
		UserType: userType,
	})
	require.NoError(t, err)
	return auth.Caller{UserID: u.ID, UserType: u.UserType}
}

func (env testEnv) listing(t *testing.T, donor auth.Caller, until time.Duration) domain.Listing {
	t.Helper()
	servings := 12
	l, err := env.Engine.CreateListing(env.Ctx, donor, engine.ListingInput{
		Title:          "Vegetable curry",
		Description:    "Fresh from lunch service",
		FoodType:       "cooked",
		Quantity:       "3 trays",
		Servings:       &servings,
		PickupLocation: domain.Location{Address: "1 Main St", Coordinates: &domain.Coordinates{Lat: 52.52, Lng: 13.405}},
		AvailableUntil: env.Clock.Now().Add(until).Format(time.RFC3339),
	})
	require.NoError(t, err)
	return l
}

func (env testEnv) mission(t *testing.T, volunteer auth.Caller, listingID string) domain.Mission {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, volunteer, engine.MissionInput{
		ListingID:           listingID,
		DeliveryLocation:    domain.Location{Address: "9 Shelter Rd", Coordinates: &domain.Coordinates{Lat: 52.50, Lng: 13.40}},
		ScheduledPickupTime: env.Clock.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	return m
}

func (env testEnv) setStatus(t *testing.T, caller auth.Caller, missionID, status string) domain.Mission {
	t.Helper()
	m, err := env.Engine.UpdateMissionStatus(env.Ctx, caller, missionID, engine.StatusInput{Status: status})
	require.NoError(t, err)
	return m
}

func (env testEnv) stats(t *testing.T, id string) domain.UserStats {
	t.Helper()
	u, err := env.Engine.GetUser(env.Ctx, id)
	require.NoError(t, err)
	return u.Stats
}

func (env testEnv) storedListing(t *testing.T, id string) domain.Listing {
	t.Helper()
	l, err := env.Engine.Repo.GetListing(env.Ctx, nil, id)
	require.NoError(t, err)
	return l
}

func TestExampleScenario(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)

	l := env.listing(t, donor, 24*time.Hour)
	claimed, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ListingClaimed, claimed.Status)
	require.Equal(t, receiver.UserID, *claimed.ClaimedBy)

	m := env.mission(t, volunteer, l.ID)
	require.Equal(t, domain.MissionPending, m.Status)
	require.Equal(t, donor.UserID, m.DonorID)
	require.Equal(t, volunteer.UserID, m.VolunteerID)
	require.NotNil(t, m.ReceiverID)
	require.Equal(t, receiver.UserID, *m.ReceiverID)
	require.NotNil(t, m.EstimatedDistanceKm)

	m = env.setStatus(t, volunteer, m.ID, domain.MissionInProgress)
	require.NotNil(t, m.ActualPickupTime)
	require.Len(t, m.TrackingUpdates, 1)

	env.Clock.Advance(time.Hour)
	m = env.setStatus(t, volunteer, m.ID, domain.MissionCompleted)
	require.NotNil(t, m.ActualDeliveryTime)
	require.Len(t, m.TrackingUpdates, 2)
	require.Equal(t, 12, m.ImpactMetrics.MealsServed)

	require.Equal(t, domain.UserStats{MissionsCompleted: 1, ImpactScore: 10}, env.stats(t, volunteer.UserID))
	require.Equal(t, domain.UserStats{TotalDonations: 1, ImpactScore: 5}, env.stats(t, donor.UserID))
	require.Equal(t, domain.UserStats{TotalReceived: 1}, env.stats(t, receiver.UserID))

	stored := env.storedListing(t, l.ID)
	require.Equal(t, domain.ListingCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.Equal(t, receiver.UserID, *stored.ClaimedBy)

	_, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, m.ID, engine.StatusInput{Status: domain.MissionCompleted})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	require.Equal(t, domain.UserStats{MissionsCompleted: 1, ImpactScore: 10}, env.stats(t, volunteer.UserID))
	require.Equal(t, domain.UserStats{TotalDonations: 1, ImpactScore: 5}, env.stats(t, donor.UserID))

	reloaded, err := env.Engine.GetMission(env.Ctx, donor, m.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.TrackingUpdates, 2)
}

func TestClaimOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	first := env.user(t, "rita", domain.UserTypeReceiver)
	second := env.user(t, "nora", domain.UserTypeNGO)
	l := env.listing(t, donor, 24*time.Hour)

	_, err := env.Engine.ClaimListing(env.Ctx, first, l.ID)
	require.NoError(t, err)
	_, err = env.Engine.ClaimListing(env.Ctx, second, l.ID)
	require.ErrorIs(t, err, errs.ErrInvalidState)

	stored := env.storedListing(t, l.ID)
	require.Equal(t, first.UserID, *stored.ClaimedBy)
}

func TestClaimRules(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	l := env.listing(t, donor, 24*time.Hour)

	_, err := env.Engine.ClaimListing(env.Ctx, donor, l.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	_, err = env.Engine.ClaimListing(env.Ctx, receiver, "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = env.Engine.CancelListing(env.Ctx, donor, l.ID)
	require.NoError(t, err)
	_, err = env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.ErrorIs(t, err, errs.ErrInvalidState)
	require.Nil(t, env.storedListing(t, l.ID).ClaimedBy)
}

func TestClaimExpiredListing(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	l := env.listing(t, donor, time.Hour)

	env.Clock.Advance(2 * time.Hour)
	_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.ErrorIs(t, err, errs.ErrExpired)

	stored := env.storedListing(t, l.ID)
	require.Equal(t, domain.ListingExpired, stored.Status)
	require.Nil(t, stored.ClaimedBy)

	_, err = env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.ErrorIs(t, err, errs.ErrExpired)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	l := env.listing(t, donor, 24*time.Hour)

	const n = 8
	claimers := make([]auth.Caller, n)
	for i := range claimers {
		claimers[i] = env.user(t, "claimer"+string(rune('a'+i)), domain.UserTypeReceiver)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		conflict int
	)
	for _, c := range claimers {
		wg.Add(1)
		go func(c auth.Caller) {
			defer wg.Done()
			_, err := env.Engine.ClaimListing(env.Ctx, c, l.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, errs.ErrInvalidState):
				conflict++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(c)
	}
	wg.Wait()
	require.Equal(t, 1, winners)
	require.Equal(t, n-1, conflict)
}

func TestClaimedByMatchesStatus(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)

	available := env.listing(t, donor, 24*time.Hour)
	claimed := env.listing(t, donor, 24*time.Hour)
	completed := env.listing(t, donor, 24*time.Hour)
	cancelled := env.listing(t, donor, 24*time.Hour)

	_, err := env.Engine.ClaimListing(env.Ctx, receiver, claimed.ID)
	require.NoError(t, err)
	_, err = env.Engine.ClaimListing(env.Ctx, receiver, completed.ID)
	require.NoError(t, err)
	m := env.mission(t, volunteer, completed.ID)
	env.setStatus(t, volunteer, m.ID, domain.MissionInProgress)
	env.setStatus(t, volunteer, m.ID, domain.MissionCompleted)
	_, err = env.Engine.CancelListing(env.Ctx, donor, cancelled.ID)
	require.NoError(t, err)

	page, err := env.Engine.ListListings(env.Ctx, engine.ListingQuery{DonorID: donor.UserID})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	for _, l := range page.Items {
		holds := l.Status == domain.ListingClaimed || l.Status == domain.ListingCompleted
		require.Equal(t, holds, l.ClaimedBy != nil, "listing %s in status %s", l.ID, l.Status)
	}
	require.Equal(t, domain.ListingAvailable, env.storedListing(t, available.ID).Status)
}

func TestMissionRequiresClaimedListing(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	l := env.listing(t, donor, 24*time.Hour)

	_, err := env.Engine.CreateMission(env.Ctx, volunteer, engine.MissionInput{
		ListingID:           l.ID,
		DeliveryLocation:    domain.Location{Address: "9 Shelter Rd"},
		ScheduledPickupTime: env.Clock.Now().Format(time.RFC3339),
	})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	missions, err := env.Engine.Repo.CountMissionsByStatus(env.Ctx, repo.MissionFilters{})
	require.NoError(t, err)
	require.Empty(t, missions)

	_, err = env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	_, err = env.Engine.CreateMission(env.Ctx, donor, engine.MissionInput{
		ListingID:           l.ID,
		DeliveryLocation:    domain.Location{Address: "9 Shelter Rd"},
		ScheduledPickupTime: env.Clock.Now().Format(time.RFC3339),
	})
	require.ErrorIs(t, err, errs.ErrForbidden)

	env.mission(t, volunteer, l.ID)
	_, err = env.Engine.CreateMission(env.Ctx, volunteer, engine.MissionInput{
		ListingID:           l.ID,
		DeliveryLocation:    domain.Location{Address: "9 Shelter Rd"},
		ScheduledPickupTime: env.Clock.Now().Format(time.RFC3339),
	})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	require.Equal(t, domain.ListingClaimed, env.storedListing(t, l.ID).Status)
}

func TestMissionStatusAuthorization(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	stranger := env.user(t, "sam", domain.UserTypeVolunteer)
	l := env.listing(t, donor, 24*time.Hour)
	_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	m := env.mission(t, volunteer, l.ID)

	_, err = env.Engine.UpdateMissionStatus(env.Ctx, stranger, m.ID, engine.StatusInput{Status: domain.MissionAccepted})
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = env.Engine.UpdateMissionStatus(env.Ctx, receiver, m.ID, engine.StatusInput{Status: domain.MissionAccepted})
	require.ErrorIs(t, err, errs.ErrForbidden)

	m = env.setStatus(t, donor, m.ID, domain.MissionAccepted)
	require.Equal(t, domain.MissionAccepted, m.Status)

	_, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, m.ID, engine.StatusInput{Status: domain.MissionAccepted})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, m.ID, engine.StatusInput{Status: domain.MissionCompleted})
	require.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, "missing", engine.StatusInput{Status: domain.MissionAccepted})
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, m.ID, engine.StatusInput{Status: "teleported"})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestCancelledMissionRecordsReasonAndIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	l := env.listing(t, donor, 24*time.Hour)
	_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	m := env.mission(t, volunteer, l.ID)

	m, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, m.ID, engine.StatusInput{Status: domain.MissionCancelled, Note: "flat tyre"})
	require.NoError(t, err)
	require.Equal(t, "flat tyre", m.CancellationReason)

	for _, next := range []string{domain.MissionPending, domain.MissionInProgress, domain.MissionCompleted, domain.MissionCancelled} {
		_, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, m.ID, engine.StatusInput{Status: next})
		require.ErrorIs(t, err, errs.ErrInvalidState, next)
	}

	// A cancelled mission frees the listing for another one.
	other := env.mission(t, volunteer, l.ID)
	require.Equal(t, domain.MissionPending, other.Status)
	require.Equal(t, domain.UserStats{}, env.stats(t, volunteer.UserID))
}

func TestTrackingLogLength(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	l := env.listing(t, donor, 24*time.Hour)
	_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	m := env.mission(t, volunteer, l.ID)

	env.setStatus(t, volunteer, m.ID, domain.MissionAccepted)
	env.setStatus(t, volunteer, m.ID, domain.MissionInProgress)
	for i := 0; i < 3; i++ {
		_, err := env.Engine.UpdateMissionLocation(env.Ctx, volunteer, m.ID, engine.LocationInput{Lat: 52.51, Lng: 13.40 + float64(i)/100})
		require.NoError(t, err)
	}
	env.setStatus(t, volunteer, m.ID, domain.MissionCompleted)

	got, err := env.Engine.GetMission(env.Ctx, volunteer, m.ID)
	require.NoError(t, err)
	require.Len(t, got.TrackingUpdates, 6)
	var locations int
	for _, u := range got.TrackingUpdates {
		if u.Status == domain.TrackingLocationUpdate {
			locations++
			require.NotNil(t, u.Location)
		}
	}
	require.Equal(t, 3, locations)
	require.Equal(t, domain.MissionCompleted, got.TrackingUpdates[5].Status)
}

func TestLocationUpdateRules(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	l := env.listing(t, donor, 24*time.Hour)
	_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	m := env.mission(t, volunteer, l.ID)

	_, err = env.Engine.UpdateMissionLocation(env.Ctx, donor, m.ID, engine.LocationInput{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = env.Engine.UpdateMissionLocation(env.Ctx, volunteer, m.ID, engine.LocationInput{Lat: 123, Lng: 1})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	env.setStatus(t, volunteer, m.ID, domain.MissionFailed)
	_, err = env.Engine.UpdateMissionLocation(env.Ctx, volunteer, m.ID, engine.LocationInput{Lat: 1, Lng: 1})
	require.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestRatingRules(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	stranger := env.user(t, "sam", domain.UserTypeVolunteer)
	l := env.listing(t, donor, 24*time.Hour)
	_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	m := env.mission(t, volunteer, l.ID)

	for _, c := range []auth.Caller{donor, volunteer, receiver, stranger} {
		_, err := env.Engine.RateMission(env.Ctx, c, m.ID, engine.RatingInput{RatingFor: "donor", Score: 5})
		require.ErrorIs(t, err, errs.ErrInvalidState)
	}

	env.setStatus(t, volunteer, m.ID, domain.MissionInProgress)
	env.setStatus(t, volunteer, m.ID, domain.MissionCompleted)

	for _, c := range []auth.Caller{donor, receiver, stranger} {
		_, err := env.Engine.RateMission(env.Ctx, c, m.ID, engine.RatingInput{RatingFor: "donor", Score: 4})
		require.ErrorIs(t, err, errs.ErrForbidden)
	}
	_, err = env.Engine.RateMission(env.Ctx, volunteer, m.ID, engine.RatingInput{RatingFor: "volunteer", Score: 4})
	require.ErrorIs(t, err, errs.ErrForbidden)

	rated, err := env.Engine.RateMission(env.Ctx, volunteer, m.ID, engine.RatingInput{RatingFor: "donor", Score: 4, Comment: "great food"})
	require.NoError(t, err)
	require.Equal(t, 4, rated.Ratings.Donor.Score)

	rated, err = env.Engine.RateMission(env.Ctx, donor, m.ID, engine.RatingInput{RatingFor: "volunteer", Score: 5})
	require.NoError(t, err)
	require.Equal(t, 5, rated.Ratings.Volunteer.Score)
	require.Equal(t, donor.UserID, rated.Ratings.Volunteer.RatedBy)

	_, err = env.Engine.RateMission(env.Ctx, volunteer, m.ID, engine.RatingInput{RatingFor: "receiver", Score: 9})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	stored, err := env.Engine.GetMission(env.Ctx, receiver, m.ID)
	require.NoError(t, err)
	require.Equal(t, "great food", stored.Ratings.Donor.Comment)
	require.NotNil(t, stored.Ratings.Volunteer)
	require.Nil(t, stored.Ratings.Receiver)
}

func TestMissionReadAccess(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	stranger := env.user(t, "sam", domain.UserTypeReceiver)
	l := env.listing(t, donor, 24*time.Hour)
	// A volunteer claiming for themselves delivers without a separate receiver.
	_, err := env.Engine.ClaimListing(env.Ctx, volunteer, l.ID)
	require.NoError(t, err)
	m := env.mission(t, volunteer, l.ID)
	require.Nil(t, m.ReceiverID)

	_, err = env.Engine.GetMission(env.Ctx, stranger, m.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)

	mine, err := env.Engine.ListMissions(env.Ctx, volunteer, engine.MissionQuery{Role: "volunteer"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	none, err := env.Engine.ListMissions(env.Ctx, volunteer, engine.MissionQuery{Role: "donor"})
	require.NoError(t, err)
	require.Empty(t, none)
	theirs, err := env.Engine.ListMissions(env.Ctx, donor, engine.MissionQuery{})
	require.NoError(t, err)
	require.Len(t, theirs, 1)
}

func TestNotificationsAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)

	inboxes := map[string]notify.Buffered{}
	for _, c := range []auth.Caller{donor, receiver, volunteer} {
		ch := make(notify.Buffered, 16)
		env.Hub.Register(c.UserID, ch)
		inboxes[c.UserID] = ch
	}

	l := env.listing(t, donor, 24*time.Hour)
	_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	require.Equal(t, notify.EventListingClaimed, nextEvent(t, inboxes[donor.UserID]))

	m := env.mission(t, volunteer, l.ID)
	require.Equal(t, notify.EventNewMission, nextEvent(t, inboxes[donor.UserID]))

	env.setStatus(t, volunteer, m.ID, domain.MissionInProgress)
	for _, id := range []string{donor.UserID, receiver.UserID, volunteer.UserID} {
		require.Equal(t, notify.EventMissionUpdate, nextEvent(t, inboxes[id]))
	}

	_, err = env.Engine.UpdateMissionLocation(env.Ctx, volunteer, m.ID, engine.LocationInput{Lat: 52.5, Lng: 13.4})
	require.NoError(t, err)
	require.Equal(t, notify.EventLocationUpdate, nextEvent(t, inboxes[donor.UserID]))
	require.Equal(t, notify.EventLocationUpdate, nextEvent(t, inboxes[receiver.UserID]))
	require.Empty(t, inboxes[volunteer.UserID])

	// Rejected transitions do not notify anyone.
	_, err = env.Engine.UpdateMissionStatus(env.Ctx, volunteer, m.ID, engine.StatusInput{Status: domain.MissionAccepted})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	for _, ch := range inboxes {
		require.Empty(t, ch)
	}
}

func nextEvent(t *testing.T, ch notify.Buffered) string {
	t.Helper()
	select {
	case raw := <-ch:
		var msg notify.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg.Event
	default:
		t.Fatal("no notification delivered")
		return ""
	}
}

func TestListingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	other := env.user(t, "otto", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)

	_, err := env.Engine.CreateListing(env.Ctx, receiver, engine.ListingInput{})
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = env.Engine.CreateListing(env.Ctx, donor, engine.ListingInput{Title: "x"})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = env.Engine.CreateListing(env.Ctx, donor, engine.ListingInput{
		Title: "Bread", Description: "Loaves", FoodType: "raw", Quantity: "5",
		PickupLocation: domain.Location{Address: "1 Main St"},
		AvailableFrom:  "2024-01-02T00:00:00Z",
		AvailableUntil: "2024-01-01T12:00:00Z",
	})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	l := env.listing(t, donor, 24*time.Hour)
	require.Equal(t, "mixed", l.Category)
	require.Equal(t, "medium", l.Urgency)

	title := "Vegetable curry (large)"
	_, err = env.Engine.UpdateListing(env.Ctx, other, l.ID, engine.ListingUpdate{Title: &title})
	require.ErrorIs(t, err, errs.ErrForbidden)
	updated, err := env.Engine.UpdateListing(env.Ctx, donor, l.ID, engine.ListingUpdate{Title: &title})
	require.NoError(t, err)
	require.Equal(t, title, updated.Title)

	viewed, err := env.Engine.GetListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	require.Equal(t, 1, viewed.Views)
	viewed, err = env.Engine.GetListing(env.Ctx, donor, l.ID)
	require.NoError(t, err)
	require.Equal(t, 1, viewed.Views)

	withInterest, err := env.Engine.RegisterInterest(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	require.Len(t, withInterest.InterestedUsers, 1)
	withInterest, err = env.Engine.RegisterInterest(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	require.Len(t, withInterest.InterestedUsers, 1)

	_, err = env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
	require.NoError(t, err)
	_, err = env.Engine.UpdateListing(env.Ctx, donor, l.ID, engine.ListingUpdate{Title: &title})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = env.Engine.CancelListing(env.Ctx, donor, l.ID)
	require.ErrorIs(t, err, errs.ErrInvalidState)

	require.ErrorIs(t, env.Engine.DeleteListing(env.Ctx, other, l.ID), errs.ErrForbidden)
	require.NoError(t, env.Engine.DeleteListing(env.Ctx, donor, l.ID))
	_, err = env.Engine.GetListing(env.Ctx, receiver, l.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLazyExpiryAndSweep(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	short := env.listing(t, donor, time.Hour)
	long := env.listing(t, donor, 48*time.Hour)
	other := env.listing(t, donor, 2*time.Hour)

	env.Clock.Advance(3 * time.Hour)
	got, err := env.Engine.GetListing(env.Ctx, receiver, short.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ListingExpired, got.Status)

	page, err := env.Engine.ListListings(env.Ctx, engine.ListingQuery{Status: domain.ListingAvailable})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, long.ID, page.Items[0].ID)
	require.Equal(t, domain.ListingExpired, env.storedListing(t, other.ID).Status)

	ids, err := env.Engine.ExpireOverdue(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestListListingsNear(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	near := env.listing(t, donor, 24*time.Hour)
	far, err := env.Engine.CreateListing(env.Ctx, donor, engine.ListingInput{
		Title: "Apples", Description: "Crate", FoodType: "raw", Quantity: "1 crate",
		PickupLocation: domain.Location{Address: "Munich", Coordinates: &domain.Coordinates{Lat: 48.137, Lng: 11.575}},
		AvailableUntil: env.Clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)

	page, err := env.Engine.ListListings(env.Ctx, engine.ListingQuery{
		Status: domain.ListingAvailable,
		Near:   &domain.Coordinates{Lat: 52.53, Lng: 13.41},
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, near.ID, page.Items[0].ID)

	page, err = env.Engine.ListListings(env.Ctx, engine.ListingQuery{
		Status:   domain.ListingAvailable,
		Near:     &domain.Coordinates{Lat: 52.53, Lng: 13.41},
		RadiusKm: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.ElementsMatch(t, []string{near.ID, far.ID}, []string{page.Items[0].ID, page.Items[1].ID})
}

func TestUpdateListingCannotReviveOverdueListing(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	l := env.listing(t, donor, time.Hour)

	env.Clock.Advance(2 * time.Hour)
	until := env.Clock.Now().Add(time.Hour).Format(time.RFC3339)
	_, err := env.Engine.UpdateListing(env.Ctx, donor, l.ID, engine.ListingUpdate{AvailableUntil: &until})
	require.ErrorIs(t, err, errs.ErrInvalidState)

	stored := env.storedListing(t, l.ID)
	require.Equal(t, domain.ListingExpired, stored.Status)
	require.Equal(t, l.AvailableUntil, stored.AvailableUntil)
}

func TestListListingsNearAcrossAntimeridian(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	fiji, err := env.Engine.CreateListing(env.Ctx, donor, engine.ListingInput{
		Title: "Taro", Description: "Sacks", FoodType: "raw", Quantity: "2 sacks",
		PickupLocation: domain.Location{Address: "Taveuni", Coordinates: &domain.Coordinates{Lat: -16.8, Lng: -179.95}},
		AvailableUntil: env.Clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	env.listing(t, donor, 24*time.Hour)

	page, err := env.Engine.ListListings(env.Ctx, engine.ListingQuery{
		Status:   domain.ListingAvailable,
		Near:     &domain.Coordinates{Lat: -16.8, Lng: 179.95},
		RadiusKm: 50,
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, fiji.ID, page.Items[0].ID)
}

func TestAddMissionPhotos(t *testing.T) {
	env := newTestEnv(t)
	donor := env.user(t, "dana", domain.UserTypeDonor)
	receiver := env.user(t, "rita", domain.UserTypeReceiver)
	volunteer := env.user(t, "vic", domain.UserTypeVolunteer)
	claimed := func() domain.Listing {
		l := env.listing(t, donor, 24*time.Hour)
		_, err := env.Engine.ClaimListing(env.Ctx, receiver, l.ID)
		require.NoError(t, err)
		return l
	}
	m := env.mission(t, volunteer, claimed().ID)

	pickup := engine.PhotoInput{Stage: "pickup", URLs: []string{"https://img.example.org/p1.jpg"}}
	_, err := env.Engine.AddMissionPhotos(env.Ctx, donor, m.ID, pickup)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = env.Engine.AddMissionPhotos(env.Ctx, volunteer, m.ID, engine.PhotoInput{Stage: "unboxing", URLs: pickup.URLs})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = env.Engine.AddMissionPhotos(env.Ctx, volunteer, "missing", pickup)
	require.ErrorIs(t, err, errs.ErrNotFound)

	got, err := env.Engine.AddMissionPhotos(env.Ctx, volunteer, m.ID, pickup)
	require.NoError(t, err)
	require.Equal(t, pickup.URLs, got.Photos.Pickup)
	got, err = env.Engine.AddMissionPhotos(env.Ctx, volunteer, m.ID, engine.PhotoInput{Stage: "delivery", URLs: []string{"https://img.example.org/d1.jpg"}})
	require.NoError(t, err)
	require.Len(t, got.Photos.Pickup, 1)
	require.Len(t, got.Photos.Delivery, 1)

	stored, err := env.Engine.GetMission(env.Ctx, donor, m.ID)
	require.NoError(t, err)
	require.Equal(t, got.Photos, stored.Photos)

	env.setStatus(t, volunteer, m.ID, domain.MissionCancelled)
	_, err = env.Engine.AddMissionPhotos(env.Ctx, volunteer, m.ID, pickup)
	require.ErrorIs(t, err, errs.ErrInvalidState)

	failed := env.mission(t, volunteer, claimed().ID)
	env.setStatus(t, volunteer, failed.ID, domain.MissionFailed)
	_, err = env.Engine.AddMissionPhotos(env.Ctx, volunteer, failed.ID, pickup)
	require.ErrorIs(t, err, errs.ErrInvalidState)
}
