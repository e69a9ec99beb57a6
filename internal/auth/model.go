package auth

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// ParseRole maps registration input onto a known role. Anything unknown,
// including an empty string, becomes RoleUser.
func ParseRole(value string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

type User struct {
	ID               int64
	Username         string
	Email            string
	PasswordHash     string
	FullName         string
	Role             Role
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastLoginAt      *time.Time
	ResetToken       *string
	ResetTokenExpiry *time.Time
	Version          int64
}

func (u User) Profile() Profile {
	return Profile{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FullName:    u.FullName,
		Role:        u.Role,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// Profile is the public view of a User. It never carries secrets.
type Profile struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name"`
	Role        Role       `json:"role"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type RefreshToken struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Principal is what a validated access token proves about its bearer.
type Principal struct {
	UserID int64
	Role   Role
}

type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Role         Role   `json:"role"`
}

type ResetGrant struct {
	UserID    int64
	Email     string
	Token     string
	ExpiresAt time.Time
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
	FullName string
	Role     string
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	ClearedResetTokens   int64 `json:"cleared_reset_tokens"`
}
