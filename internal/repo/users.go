package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"refeed/internal/domain"
	"refeed/internal/errs"
	"refeed/internal/geo"
)

const userColumns = `id,name,email,COALESCE(phone,''),password_hash,user_type,COALESCE(bio,''),COALESCE(address,''),lat,lng,
COALESCE(profile_image,''),rating,total_ratings,impact_score,total_donations,missions_completed,total_received,created_at,updated_at`

func scanUser(s scanner) (domain.User, error) {
	var u domain.User
	var lat, lng sql.NullFloat64
	err := s.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.UserType, &u.Bio, &u.Address.Address, &lat, &lng,
		&u.ProfileImage, &u.Rating, &u.TotalRatings, &u.Stats.ImpactScore, &u.Stats.TotalDonations, &u.Stats.MissionsCompleted,
		&u.Stats.TotalReceived, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Address.Coordinates = coordsFrom(lat, lng)
	return u, nil
}

// InsertUser stores a new user; duplicate email or phone yields errs.ErrAlreadyExists.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	lat, lng := coordArgs(u.Address.Coordinates)
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO users(id,name,email,phone,password_hash,user_type,bio,address,lat,lng,profile_image,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Name, strings.ToLower(u.Email), nullable(u.Phone), u.PasswordHash, u.UserType, nullable(u.Bio),
		nullable(u.Address.Address), lat, lng, nullable(u.ProfileImage), u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: email or phone already registered", errs.ErrAlreadyExists)
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(r.on(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, strings.ToLower(strings.TrimSpace(email))))
}

// UserFilters narrows ListUsers.
type UserFilters struct {
	UserType string
	Limit    int
}

func (r Repo) ListUsers(ctx context.Context, f UserFilters) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if f.UserType != "" {
		query += ` WHERE user_type=?`
		args = append(args, f.UserType)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryUsers(ctx, nil, query, args...)
}

func (r Repo) queryUsers(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.User, error) {
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UsersByIDs returns the users found among ids, keyed by id.
func (r Repo) UsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error) {
	res := map[string]domain.User{}
	if len(ids) == 0 {
		return res, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	users, err := r.queryUsers(ctx, nil, `SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		res[u.ID] = u
	}
	return res, nil
}

// ProfilePatch carries optional profile fields; nil leaves a field untouched.
type ProfilePatch struct {
	Name         *string
	Phone        *string
	Bio          *string
	Address      *domain.Location
	ProfileImage *string
}

func (r Repo) UpdateUserProfile(ctx context.Context, tx *sql.Tx, id string, p ProfilePatch, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if p.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *p.Name)
	}
	if p.Phone != nil {
		fields = append(fields, "phone=?")
		args = append(args, nullable(*p.Phone))
	}
	if p.Bio != nil {
		fields = append(fields, "bio=?")
		args = append(args, nullable(*p.Bio))
	}
	if p.Address != nil {
		lat, lng := coordArgs(p.Address.Coordinates)
		fields = append(fields, "address=?", "lat=?", "lng=?")
		args = append(args, nullable(p.Address.Address), lat, lng)
	}
	if p.ProfileImage != nil {
		fields = append(fields, "profile_image=?")
		args = append(args, nullable(*p.ProfileImage))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.on(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: phone already registered", errs.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// StatsDelta is added to a user's counters.
type StatsDelta struct {
	ImpactScore       int
	TotalDonations    int
	MissionsCompleted int
	TotalReceived     int
}

// IncrementUserStats adds delta to the user's counters; it never lowers them.
func (r Repo) IncrementUserStats(ctx context.Context, tx *sql.Tx, id string, d StatsDelta, updatedAt string) error {
	if d.ImpactScore < 0 || d.TotalDonations < 0 || d.MissionsCompleted < 0 || d.TotalReceived < 0 {
		return fmt.Errorf("%w: stat deltas must not be negative", errs.ErrInvalidInput)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE users SET impact_score=impact_score+?, total_donations=total_donations+?,
missions_completed=missions_completed+?, total_received=total_received+?, updated_at=? WHERE id=?`,
		d.ImpactScore, d.TotalDonations, d.MissionsCompleted, d.TotalReceived, updatedAt, id)
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// ApplyUserRating folds score into the user's running average.
func (r Repo) ApplyUserRating(ctx context.Context, tx *sql.Tx, id string, score int, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE users SET rating=(rating*total_ratings+?)/(total_ratings+1), total_ratings=total_ratings+1, updated_at=? WHERE id=?`,
		float64(score), updatedAt, id)
	if err != nil {
		return err
	}
	if ok, err := rowsAffected(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

// NearbyFilters selects users around a point.
type NearbyFilters struct {
	Center    domain.Coordinates
	RadiusKm  float64
	UserType  string
	ExcludeID string
	Limit     int
}

// NearbyUsers prefilters by bounding box in SQL and then applies the exact distance, nearest first.
func (r Repo) NearbyUsers(ctx context.Context, f NearbyFilters) ([]domain.User, error) {
	boxClause, args := geo.BoundingBox(f.Center, f.RadiusKm).Where("lat", "lng")
	clauses := []string{"lat IS NOT NULL", "lng IS NOT NULL", boxClause}
	if f.UserType != "" {
		clauses = append(clauses, "user_type=?")
		args = append(args, f.UserType)
	}
	if f.ExcludeID != "" {
		clauses = append(clauses, "id<>?")
		args = append(args, f.ExcludeID)
	}
	users, err := r.queryUsers(ctx, nil, `SELECT `+userColumns+` FROM users WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return nil, err
	}
	type ranked struct {
		user domain.User
		dist float64
	}
	var hits []ranked
	for _, u := range users {
		d := geo.DistanceKm(f.Center, *u.Address.Coordinates)
		if d <= f.RadiusKm {
			hits = append(hits, ranked{user: u, dist: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	limit := f.Limit
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	res := make([]domain.User, 0, limit)
	for i := 0; i < len(hits) && i < limit; i++ {
		res = append(res, hits[i].user)
	}
	return res, nil
}

// CountUsersByType returns the number of users per user type.
func (r Repo) CountUsersByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_type, COUNT(*) FROM users GROUP BY user_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		res[t] = n
	}
	return res, rows.Err()
}
