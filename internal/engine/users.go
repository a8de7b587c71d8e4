package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"refeed/internal/domain"
	"refeed/internal/engine/auth"
	"refeed/internal/errs"
	"refeed/internal/events"
	"refeed/internal/repo"
)

// UserInput registers an account.
type UserInput struct {
	Name     string          `json:"name" validate:"required,max=100"`
	Email    string          `json:"email" validate:"required,email"`
	Phone    string          `json:"phone,omitempty" validate:"omitempty,max=32"`
	Password string          `json:"password" validate:"required,min=6,max=72"`
	UserType string          `json:"user_type" validate:"required,oneof=donor volunteer receiver ngo admin"`
	Address  domain.Location `json:"address,omitempty"`
	Bio      string          `json:"bio,omitempty" validate:"max=500"`
}

// Session is returned on register and login.
type Session struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// CreateUser stores a new account of any user type.
func (e Engine) CreateUser(ctx context.Context, in UserInput) (domain.User, error) {
	if err := validateInput(in); err != nil {
		return domain.User{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	now := e.nowString()
	u := domain.User{
		ID:           newID(),
		Name:         strings.TrimSpace(in.Name),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:        strings.TrimSpace(in.Phone),
		UserType:     in.UserType,
		Bio:          strings.TrimSpace(in.Bio),
		Address:      in.Address,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.writer().Append(ctx, tx, events.UserRegistered, "user", u.ID, u.ID, events.EventPayload{"user_type": u.UserType}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Register is the public sign-up path: admins cannot self-register.
func (e Engine) Register(ctx context.Context, in UserInput) (Session, error) {
	if in.UserType == domain.UserTypeAdmin {
		return Session{}, auth.ForbiddenError{Action: "register", Reason: "admin accounts are created by operators"}
	}
	u, err := e.CreateUser(ctx, in)
	if err != nil {
		return Session{}, err
	}
	token, err := e.tokens().Issue(u.ID, u.UserType)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: u}, nil
}

// Login exchanges credentials for a bearer token.
func (e Engine) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: invalid credentials", errs.ErrUnauthorized)
		}
		return Session{}, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return Session{}, fmt.Errorf("%w: invalid credentials", errs.ErrUnauthorized)
	}
	token, err := e.tokens().Issue(u.ID, u.UserType)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: u}, nil
}

// Authenticate resolves a bearer token to the caller it was issued for.
func (e Engine) Authenticate(token string) (auth.Caller, error) {
	return e.tokens().Parse(token)
}

// AuthenticateAPIKey resolves an API key to its owner.
func (e Engine) AuthenticateAPIKey(ctx context.Context, key string) (auth.Caller, error) {
	k, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return auth.Caller{}, fmt.Errorf("%w: unknown api key", errs.ErrUnauthorized)
		}
		return auth.Caller{}, err
	}
	return e.CallerFor(ctx, k.UserID)
}

// CallerFor builds a caller from a stored user.
func (e Engine) CallerFor(ctx context.Context, userID string) (auth.Caller, error) {
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if err != nil {
		return auth.Caller{}, userErr(userID, err)
	}
	return auth.Caller{UserID: u.ID, UserType: u.UserType}, nil
}

// CreateAPIKey issues a key for userID. The plaintext is returned once and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetUser(ctx, nil, userID); err != nil {
		return domain.APIKey{}, "", userErr(userID, err)
	}
	plain := "rf_" + strings.ReplaceAll(newID(), "-", "") + strings.ReplaceAll(newID(), "-", "")
	key := domain.APIKey{
		ID:        newID(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, userID, id string) error {
	if err := e.Repo.DeleteAPIKey(ctx, userID, id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("api key %s: %w", id, errs.ErrNotFound)
		}
		return err
	}
	return nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, nil, id)
	if err != nil {
		return domain.User{}, userErr(id, err)
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context, userType string, limit int) ([]domain.User, error) {
	users, err := e.Repo.ListUsers(ctx, repo.UserFilters{UserType: userType, Limit: limit})
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}

// ProfileInput carries optional profile fields.
type ProfileInput struct {
	Name         *string          `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Phone        *string          `json:"phone,omitempty" validate:"omitempty,max=32"`
	Bio          *string          `json:"bio,omitempty" validate:"omitempty,max=500"`
	Address      *domain.Location `json:"address,omitempty"`
	ProfileImage *string          `json:"profile_image,omitempty" validate:"omitempty,url"`
}

// UpdateProfile edits the caller's own profile.
func (e Engine) UpdateProfile(ctx context.Context, caller auth.Caller, in ProfileInput) (domain.User, error) {
	if err := validateInput(in); err != nil {
		return domain.User{}, err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateUserProfile(ctx, tx, caller.UserID, repo.ProfilePatch{
		Name:         in.Name,
		Phone:        in.Phone,
		Bio:          in.Bio,
		Address:      in.Address,
		ProfileImage: in.ProfileImage,
	}, now); err != nil {
		return domain.User{}, userErr(caller.UserID, err)
	}
	if err := e.writer().Append(ctx, tx, events.UserProfileUpdated, "user", caller.UserID, caller.UserID, nil); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, tx, caller.UserID)
	if err != nil {
		return domain.User{}, userErr(caller.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UserRatingInput rates another user directly.
type UserRatingInput struct {
	Score   int    `json:"score" validate:"min=1,max=5"`
	Comment string `json:"comment,omitempty" validate:"max=500"`
}

// RateUser folds a score into the target's running average. Users cannot rate themselves.
func (e Engine) RateUser(ctx context.Context, caller auth.Caller, targetID string, in UserRatingInput) (domain.User, error) {
	if err := validateInput(in); err != nil {
		return domain.User{}, err
	}
	if targetID == caller.UserID {
		return domain.User{}, auth.ForbiddenError{Action: "rate user", Reason: "cannot rate yourself"}
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ApplyUserRating(ctx, tx, targetID, in.Score, now); err != nil {
		return domain.User{}, userErr(targetID, err)
	}
	if err := e.writer().Append(ctx, tx, events.UserRated, "user", targetID, caller.UserID, events.EventPayload{
		"score":   in.Score,
		"comment": strings.TrimSpace(in.Comment),
	}); err != nil {
		return domain.User{}, err
	}
	u, err := e.Repo.GetUser(ctx, tx, targetID)
	if err != nil {
		return domain.User{}, userErr(targetID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// NearbyQuery locates users around a point.
type NearbyQuery struct {
	Lat      float64 `validate:"latitude"`
	Lng      float64 `validate:"longitude"`
	RadiusKm float64 `validate:"min=0,max=500"`
	UserType string  `validate:"omitempty,oneof=donor volunteer receiver ngo"`
}

// NearbyUsers returns up to 20 users within the radius, nearest first, excluding the caller.
func (e Engine) NearbyUsers(ctx context.Context, caller auth.Caller, q NearbyQuery) ([]domain.UserSummary, error) {
	if err := validateInput(q); err != nil {
		return nil, err
	}
	radius := q.RadiusKm
	if radius <= 0 {
		radius = e.config().Listings.DefaultRadiusKm
	}
	users, err := e.Repo.NearbyUsers(ctx, repo.NearbyFilters{
		Center:    domain.Coordinates{Lat: q.Lat, Lng: q.Lng},
		RadiusKm:  radius,
		UserType:  q.UserType,
		ExcludeID: caller.UserID,
		Limit:     20,
	})
	if err != nil {
		return nil, err
	}
	res := make([]domain.UserSummary, 0, len(users))
	for _, u := range users {
		res = append(res, u.Summary())
	}
	return res, nil
}

func userErr(id string, err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("user %s: %w", id, errs.ErrNotFound)
	}
	return err
}
