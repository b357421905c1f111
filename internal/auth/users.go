package auth

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/jeffreysanford/soundforge/internal/apperr"
)

// User is an end-user account (spec.md §4.6: "email/username + password").
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserStore is a Redis-backed account store, following the same
// hash-per-record shape as internal/job.Store.
type UserStore struct {
	rdb *redis.Client
}

// NewUserStore wraps an existing Redis client.
func NewUserStore(rdb *redis.Client) *UserStore {
	return &UserStore{rdb: rdb}
}

func userKey(email string) string {
	return "user:" + email
}

func userIDIndexKey(id string) string {
	return "user:id:" + id
}

// Register creates a new user, or returns apperr.ErrValidation (409-mapped
// by the handler) if the email is already taken.
func (s *UserStore) Register(ctx context.Context, email, password string) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
		CreatedAt:    time.Now().UTC(),
	}

	ok, err := s.rdb.HSetNX(ctx, userKey(email), "id", u.ID).Result()
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if !ok {
		return nil, apperr.Validation("email already registered")
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, userKey(email), map[string]interface{}{
			"id":           u.ID,
			"email":        u.Email,
			"passwordHash": u.PasswordHash,
			"role":         string(u.Role),
			"createdAt":    u.CreatedAt.Format(time.RFC3339Nano),
		})
		pipe.Set(ctx, userIDIndexKey(u.ID), email, 0)
		return nil
	})
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return u, nil
}

// Authenticate verifies email/password and returns the User on success.
func (s *UserStore) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.byEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := VerifyPassword(password, u.PasswordHash); err != nil {
		return nil, err
	}
	return u, nil
}

// ByID looks a user up by their JWT subject.
func (s *UserStore) ByID(ctx context.Context, id string) (*User, error) {
	email, err := s.rdb.Get(ctx, userIDIndexKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, apperr.NotFound("user %s", id)
		}
		return nil, apperr.Storage(err)
	}
	return s.byEmail(ctx, email)
}

func (s *UserStore) byEmail(ctx context.Context, email string) (*User, error) {
	h, err := s.rdb.HGetAll(ctx, userKey(email)).Result()
	if err != nil {
		return nil, apperr.Storage(err)
	}
	if len(h) == 0 {
		return nil, apperr.Auth("invalid credentials")
	}
	u := &User{
		ID:           h["id"],
		Email:        h["email"],
		PasswordHash: h["passwordHash"],
		Role:         Role(h["role"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, h["createdAt"]); err == nil {
		u.CreatedAt = t
	}
	return u, nil
}
