// Package identity handles signup, signin, session tokens, profile updates
// and the user directory.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"wallet/internal/logging"
	"wallet/internal/models"
	"wallet/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrDuplicateRegistration means the handle is already registered.
	ErrDuplicateRegistration = errors.New("handle already registered")
	// ErrInvalidCredentials means the handle or password did not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated means the session token is missing, malformed,
	// expired or signed with the wrong key.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Identity is the verified caller of an authenticated request.
type Identity struct {
	UserID string
}

type Config struct {
	TokenSecret string
	TokenTTL    time.Duration
	BcryptCost  int
	Logger      *logging.Logger
}

type SignupResult struct {
	UserID string
	Token  string
}

type Service struct {
	users     store.UserStore
	tokens    *Tokens
	cost      int
	dummyHash string
	logger    *logging.Logger
	now       func() time.Time
	// startingBalance assigns the balance of a freshly created account.
	startingBalance func() decimal.Decimal
}

func NewService(users store.UserStore, cfg Config) (*Service, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("token secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cfg.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	dummy, err := HashPassword(uuid.NewString(), cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	return &Service{
		users:           users,
		tokens:          NewTokens(cfg.TokenSecret, cfg.TokenTTL),
		cost:            cfg.BcryptCost,
		dummyHash:       dummy,
		logger:          logger.Named("identity"),
		now:             func() time.Time { return time.Now().UTC() },
		startingBalance: randomStartingBalance,
	}, nil
}

// randomStartingBalance returns a balance in [1.00, 10000.99].
func randomStartingBalance() decimal.Decimal {
	cents := 100 + rand.Int63n(1_000_000)
	return decimal.New(cents, -2)
}

func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// Signup registers a user, creates their account in the same transaction
// and returns a session token.
func (s *Service) Signup(ctx context.Context, req models.SignupRequest) (*SignupResult, error) {
	handle := NormalizeHandle(req.Handle)

	hash, err := HashPassword(req.Password, s.cost)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &models.User{
		ID:           uuid.NewString(),
		Handle:       handle,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	account := &models.Account{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Balance:   s.startingBalance(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.users.CreateUserWithAccount(ctx, user, account); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateRegistration
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user signed up", zap.String("user_id", user.ID))
	return &SignupResult{UserID: user.ID, Token: token}, nil
}

// Signin checks the credentials and returns a fresh session token.
func (s *Service) Signin(ctx context.Context, handle, password string) (string, error) {
	user, err := s.users.UserByHandle(ctx, NormalizeHandle(handle))
	if errors.Is(err, store.ErrNotFound) {
		CheckPasswordHash(password, s.dummyHash)
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}

	if !CheckPasswordHash(password, user.PasswordHash) {
		s.logger.Info("signin rejected", zap.String("user_id", user.ID))
		return "", ErrInvalidCredentials
	}

	return s.tokens.Generate(user.ID)
}

// Verify resolves a session token to the caller's identity.
func (s *Service) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	userID, err := s.tokens.Parse(token)
	if err != nil {
		s.logger.Debug("token rejected", zap.Error(err))
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: userID}, nil
}

// UpdateProfile replaces the password and optionally the name fields.
func (s *Service) UpdateProfile(ctx context.Context, userID string, req models.UpdateUserRequest) error {
	hash, err := HashPassword(req.Password, s.cost)
	if err != nil {
		return err
	}

	upd := models.ProfileUpdate{PasswordHash: hash}
	if req.FirstName != nil {
		v := strings.TrimSpace(*req.FirstName)
		upd.FirstName = &v
	}
	if req.LastName != nil {
		v := strings.TrimSpace(*req.LastName)
		upd.LastName = &v
	}

	if err := s.users.UpdateUser(ctx, userID, upd); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthenticated
		}
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// Search lists users whose first or last name contains filter.
func (s *Service) Search(ctx context.Context, filter string) ([]models.UserSummary, error) {
	users, err := s.users.SearchUsers(ctx, strings.TrimSpace(filter))
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}
