package engine

import (
	"context"
	"sort"
	"time"

	"refeed/internal/domain"
	"refeed/internal/engine/auth"
	"refeed/internal/repo"
)

// Role computes the dashboard for one kind of user.
type Role interface {
	ComputeStats(ctx context.Context, e Engine, u domain.User) (Dashboard, error)
}

type DonorStats struct {
	TotalListings      int `json:"total_listings"`
	ActiveListings     int `json:"active_listings"`
	CompletedDonations int `json:"completed_donations"`
	MealsDonated       int `json:"meals_donated"`
}

type VolunteerStats struct {
	TotalMissions     int `json:"total_missions"`
	ActiveMissions    int `json:"active_missions"`
	CompletedMissions int `json:"completed_missions"`
}

type ReceiverStats struct {
	TotalClaimed   int `json:"total_claimed"`
	TotalReceived  int `json:"total_received"`
	PendingPickups int `json:"pending_pickups"`
}

// Dashboard carries the role-specific block plus the user's counters.
type Dashboard struct {
	UserType  string           `json:"user_type"`
	Stats     domain.UserStats `json:"stats"`
	Donor     *DonorStats      `json:"donor,omitempty"`
	Volunteer *VolunteerStats  `json:"volunteer,omitempty"`
	Receiver  *ReceiverStats   `json:"receiver,omitempty"`
	Platform  *PlatformStats   `json:"platform,omitempty"`
}

type DonorRole struct{}

func (DonorRole) ComputeStats(ctx context.Context, e Engine, u domain.User) (Dashboard, error) {
	counts, err := e.Repo.CountListings(ctx, u.ID, "")
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		UserType: u.UserType,
		Stats:    u.Stats,
		Donor: &DonorStats{
			TotalListings:      counts.Total,
			ActiveListings:     counts.ByStatus[domain.ListingAvailable],
			CompletedDonations: counts.ByStatus[domain.ListingCompleted],
			MealsDonated:       counts.CompletedServings,
		},
	}, nil
}

type VolunteerRole struct{}

func (VolunteerRole) ComputeStats(ctx context.Context, e Engine, u domain.User) (Dashboard, error) {
	byStatus, err := e.Repo.CountMissionsByStatus(ctx, repo.MissionFilters{VolunteerID: u.ID})
	if err != nil {
		return Dashboard{}, err
	}
	stats := VolunteerStats{CompletedMissions: byStatus[domain.MissionCompleted]}
	for status, n := range byStatus {
		stats.TotalMissions += n
		if !domain.IsTerminalMission(status) {
			stats.ActiveMissions += n
		}
	}
	return Dashboard{UserType: u.UserType, Stats: u.Stats, Volunteer: &stats}, nil
}

// ReceiverRole also serves NGOs.
type ReceiverRole struct{}

func (ReceiverRole) ComputeStats(ctx context.Context, e Engine, u domain.User) (Dashboard, error) {
	counts, err := e.Repo.CountListings(ctx, "", u.ID)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		UserType: u.UserType,
		Stats:    u.Stats,
		Receiver: &ReceiverStats{
			TotalClaimed:   counts.Total,
			TotalReceived:  counts.ByStatus[domain.ListingCompleted],
			PendingPickups: counts.ByStatus[domain.ListingClaimed],
		},
	}, nil
}

type adminRole struct{}

func (adminRole) ComputeStats(ctx context.Context, e Engine, u domain.User) (Dashboard, error) {
	p, err := e.PlatformStats(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{UserType: u.UserType, Stats: u.Stats, Platform: &p}, nil
}

// RoleFor maps a user type to its dashboard role.
func RoleFor(userType string) Role {
	switch userType {
	case domain.UserTypeDonor:
		return DonorRole{}
	case domain.UserTypeVolunteer:
		return VolunteerRole{}
	case domain.UserTypeAdmin:
		return adminRole{}
	default:
		return ReceiverRole{}
	}
}

func (e Engine) Dashboard(ctx context.Context, caller auth.Caller) (Dashboard, error) {
	u, err := e.Repo.GetUser(ctx, nil, caller.UserID)
	if err != nil {
		return Dashboard{}, userErr(caller.UserID, err)
	}
	return RoleFor(u.UserType).ComputeStats(ctx, e, u)
}

type ListingTotals struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
}

type MissionTotals struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

type ImpactTotals struct {
	MealsServed    int     `json:"meals_served"`
	PeopleHelped   int     `json:"people_helped"`
	CarbonOffsetKg float64 `json:"carbon_offset_kg"`
}

type PlatformStats struct {
	Users      map[string]int `json:"users"`
	TotalUsers int            `json:"total_users"`
	Listings   ListingTotals  `json:"listings"`
	Missions   MissionTotals  `json:"missions"`
	Impact     ImpactTotals   `json:"impact"`
}

// PlatformStats aggregates counts across every user.
func (e Engine) PlatformStats(ctx context.Context) (PlatformStats, error) {
	users, err := e.Repo.CountUsersByType(ctx)
	if err != nil {
		return PlatformStats{}, err
	}
	listings, err := e.Repo.CountListings(ctx, "", "")
	if err != nil {
		return PlatformStats{}, err
	}
	missions, err := e.Repo.CountMissionsByStatus(ctx, repo.MissionFilters{})
	if err != nil {
		return PlatformStats{}, err
	}
	p := PlatformStats{
		Users: users,
		Listings: ListingTotals{
			Total:     listings.Total,
			Available: listings.ByStatus[domain.ListingAvailable],
			Claimed:   listings.ByStatus[domain.ListingClaimed],
			Completed: listings.ByStatus[domain.ListingCompleted],
			Expired:   listings.ByStatus[domain.ListingExpired],
			Cancelled: listings.ByStatus[domain.ListingCancelled],
		},
		Missions: MissionTotals{
			Completed: missions[domain.MissionCompleted],
			Cancelled: missions[domain.MissionCancelled],
			Failed:    missions[domain.MissionFailed],
		},
	}
	for _, n := range users {
		p.TotalUsers += n
	}
	for status, n := range missions {
		p.Missions.Total += n
		if !domain.IsTerminalMission(status) {
			p.Missions.Active += n
		}
	}
	p.Impact = ImpactTotals{
		MealsServed:    listings.CompletedServings,
		PeopleHelped:   listings.CompletedServings,
		CarbonOffsetKg: float64(p.Missions.Completed) * e.config().Impact.CarbonPerMissionKg,
	}
	return p, nil
}

// TimelineEntry is one listing or mission on the caller's activity timeline.
type TimelineEntry struct {
	Kind      string `json:"kind" enum:"listing,mission"`
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Timeline lists the caller's listings and missions created in the last days, newest first.
func (e Engine) Timeline(ctx context.Context, caller auth.Caller, days int) ([]TimelineEntry, error) {
	if days <= 0 {
		days = 30
	}
	since := formatTime(e.now().Add(-time.Duration(days) * 24 * time.Hour))
	var res []TimelineEntry
	if caller.UserType == domain.UserTypeDonor {
		listings, err := e.Repo.ListingsCreatedSince(ctx, caller.UserID, since)
		if err != nil {
			return nil, err
		}
		for _, l := range listings {
			res = append(res, TimelineEntry{Kind: "listing", ID: l.ID, Title: l.Title, Status: l.Status, CreatedAt: l.CreatedAt})
		}
	}
	missions, err := e.Repo.ListMissions(ctx, repo.MissionFilters{ParticipantID: caller.UserID, Since: since})
	if err != nil {
		return nil, err
	}
	for _, m := range missions {
		res = append(res, TimelineEntry{Kind: "mission", ID: m.ID, Status: m.Status, CreatedAt: m.CreatedAt})
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt > res[j].CreatedAt })
	if res == nil {
		res = []TimelineEntry{}
	}
	return res, nil
}

// ImpactSummary is the caller's contribution.
type ImpactSummary struct {
	MealsProvided     int     `json:"meals_provided"`
	MissionsCompleted int     `json:"missions_completed"`
	PeopleHelped      int     `json:"people_helped"`
	CarbonOffsetKg    float64 `json:"carbon_offset_kg"`
	ImpactScore       int     `json:"impact_score"`
}

func (e Engine) Impact(ctx context.Context, caller auth.Caller) (ImpactSummary, error) {
	u, err := e.Repo.GetUser(ctx, nil, caller.UserID)
	if err != nil {
		return ImpactSummary{}, userErr(caller.UserID, err)
	}
	missions, err := e.Repo.ListMissions(ctx, repo.MissionFilters{ParticipantID: u.ID, Status: domain.MissionCompleted})
	if err != nil {
		return ImpactSummary{}, err
	}
	res := ImpactSummary{MissionsCompleted: len(missions), ImpactScore: u.Stats.ImpactScore}
	for _, m := range missions {
		res.MealsProvided += m.ImpactMetrics.MealsServed
		res.PeopleHelped += m.ImpactMetrics.PeopleHelped
		res.CarbonOffsetKg += m.ImpactMetrics.CarbonOffset
	}
	return res, nil
}
