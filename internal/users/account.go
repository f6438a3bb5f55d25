package users

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

const (
	maxEmailLength       = 320
	maxDisplayNameLength = 190
	minPasswordLength    = 8
	// bcrypt ignores input beyond 72 bytes.
	maxPasswordLength = 72
)

var (
	// ErrInvalidEmail indicates that an email address is empty or malformed.
	ErrInvalidEmail = errors.New("users: invalid email")
	// ErrInvalidDisplayName indicates that a display name is empty or too long.
	ErrInvalidDisplayName = errors.New("users: invalid display name")
	// ErrWeakPassword indicates that a password does not meet the length requirements.
	ErrWeakPassword = errors.New("users: weak password")
)

// Account is a registered user able to log in with email and password.
type Account struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:user_email;size:320;not null;uniqueIndex"`
	DisplayName  string    `gorm:"column:user_display_name;size:190;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null"`
	LastLoginAt  time.Time `gorm:"column:last_login_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (Account) TableName() string {
	return "user_accounts"
}

// NormalizeEmail validates and lower-cases an email address.
func NormalizeEmail(rawInput string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	if len(trimmed) > maxEmailLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEmail, maxEmailLength)
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", fmt.Errorf("%w: malformed", ErrInvalidEmail)
	}
	return trimmed, nil
}

func normalizeDisplayName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDisplayName)
	}
	if len(trimmed) > maxDisplayNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDisplayName, maxDisplayNameLength)
	}
	return trimmed, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrWeakPassword, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrWeakPassword, maxPasswordLength)
	}
	return nil
}
