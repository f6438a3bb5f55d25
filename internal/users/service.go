package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/ids"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrEmailTaken indicates that an account already exists for the email address.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates that the email/password pair did not match.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrAccountNotFound indicates that no account matched the lookup.
	ErrAccountNotFound = errors.New("users: account not found")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	// HashCost overrides the bcrypt cost; zero selects bcrypt.DefaultCost.
	HashCost int
}

// Service registers accounts and verifies login credentials.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	hashCost   int
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
		hashCost:   hashCost,
	}, nil
}

// RegisterRequest carries the inputs of a sign-up.
type RegisterRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// Register creates a new account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (Account, error) {
	email, err := NormalizeEmail(request.Email)
	if err != nil {
		return Account{}, err
	}
	displayName, err := normalizeDisplayName(request.DisplayName)
	if err != nil {
		return Account{}, err
	}
	if err := validatePassword(request.Password); err != nil {
		return Account{}, err
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("user_email = ?", email).Count(&existing).Error; err != nil {
		return Account{}, err
	}
	if existing > 0 {
		return Account{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), s.hashCost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		return Account{}, err
	}

	account := Account{
		UserID:       userID,
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Account{}, ErrEmailTaken
		}
		return Account{}, err
	}
	s.logger.Info("account registered", zap.String("user_id", account.UserID))
	return account, nil
}

// Authenticate verifies an email/password pair and returns the matching account.
func (s *Service) Authenticate(ctx context.Context, rawEmail, password string) (Account, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return Account{}, ErrInvalidCredentials
	}
	account, err := s.FindByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}

	account.LastLoginAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", account.UserID).
		Update("last_login_at", account.LastLoginAt).Error; err != nil {
		s.logger.Warn("failed to record login time", zap.String("user_id", account.UserID), zap.Error(err))
	}
	return account, nil
}

// FindByEmail looks up an account by normalized email address.
func (s *Service) FindByEmail(ctx context.Context, rawEmail string) (Account, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return Account{}, err
	}
	var account Account
	err = s.db.WithContext(ctx).Where("user_email = ?", email).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// FindByID looks up an account by user identifier.
func (s *Service) FindByID(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}
