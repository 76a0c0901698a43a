// Package users keeps accounts in the "users" collection with bcrypt
// password hashes. Usernames are unique ignoring case.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/RichardoC/padi-chat/internal/docstore"
	"github.com/RichardoC/padi-chat/internal/models"
)

const (
	collection = "users"

	DefaultRole       = "User"
	MinPasswordLength = 6
	// bcrypt only looks at the first 72 bytes.
	MaxPasswordLength = 72
)

var (
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidInput       = errors.New("invalid user input")
)

// Compared against when the username is unknown so a miss costs as much as
// a wrong password.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type Store struct {
	users  *docstore.Collection[models.User]
	cost   int
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Store)

// WithCost sets the bcrypt cost for new hashes.
func WithCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(docs *docstore.Store, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		users:  docstore.Open[models.User](docs, collection),
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
		logger: logger.Named("users"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an account. The duplicate check and the insert happen
// under the collection lock.
func (s *Store) Register(ctx context.Context, username, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if n := len(password); n < MinPasswordLength || n > MaxPasswordLength {
		return models.User{}, fmt.Errorf("%w: password must be %d to %d bytes",
			ErrInvalidInput, MinPasswordLength, MaxPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return models.User{}, fmt.Errorf("hashing password: %w", err)
	}

	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         DefaultRole,
		CreatedAt:    s.now().UTC(),
	}
	err = s.users.Update(ctx, func(users []models.User) ([]models.User, error) {
		if _, ok := find(users, username); ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateUsername, username)
		}
		return append(users, user), nil
	})
	if err != nil {
		return models.User{}, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

// Authenticate returns the user when the password matches.
func (s *Store) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return models.User{}, err
	}

	user, ok := find(users, strings.TrimSpace(username))
	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return models.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Store) Get(ctx context.Context, id string) (models.User, bool, error) {
	return s.users.Get(ctx, id)
}

func find(users []models.User, username string) (models.User, bool) {
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			return u, true
		}
	}
	return models.User{}, false
}
