package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultResetTTL   = time.Hour
	maxSaveAttempts   = 3
)

type Service struct {
	store    CredentialStore
	hasher   SecretHasher
	tokens   *TokenIssuer
	ledger   *Ledger
	resetTTL time.Duration
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(store CredentialStore, hasher SecretHasher, tokens *TokenIssuer, ledger *Ledger) *Service {
	return &Service{
		store:    store,
		hasher:   hasher,
		tokens:   tokens,
		ledger:   ledger,
		resetTTL: defaultResetTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithResetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.resetTTL = ttl
	}
}

// WithClock replaces the time source. Tests use it to step past expiries.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Profile, error) {
	username := normalizeUsername(input.Username)
	email := normalizeEmail(input.Email)
	fullName := strings.TrimSpace(input.FullName)

	if err := validateUsername(username); err != nil {
		return Profile{}, err
	}
	if err := validateEmail(email); err != nil {
		return Profile{}, err
	}
	if err := validateFullName(fullName); err != nil {
		return Profile{}, err
	}
	if err := validatePassword("password", input.Password); err != nil {
		return Profile{}, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return Profile{}, err
	}

	now := s.now()
	user, err := s.store.Create(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     fullName,
		Role:         ParseRole(input.Role),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return Profile{}, err
	}

	return user.Profile(), nil
}

// Login never tells a missing or inactive account apart from a wrong
// password.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.burnVerify(password)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok || !user.Active {
		return LoginResult{}, ErrInvalidCredentials
	}

	now := s.now()
	access, err := s.tokens.Issue(user.ID, user.Role, now)
	if err != nil {
		return LoginResult{}, err
	}
	// stamp before rotating so a failed stamp leaves the old refresh token usable
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		return LoginResult{}, loginStoreError(err)
	}
	refresh, err := s.ledger.Issue(ctx, user.ID, now)
	if err != nil {
		return LoginResult{}, loginStoreError(err)
	}

	return LoginResult{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.TTL().Seconds()),
		Username:     user.Username,
		Email:        user.Email,
		Role:         user.Role,
	}, nil
}

// loginStoreError hides a user deleted mid-login behind the same answer as
// a wrong password.
func loginStoreError(err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	return err
}

// Refresh mints a new access token from a live refresh token. The role is
// re-read from the store and the refresh token itself is not rotated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (LoginResult, error) {
	record, err := s.ledger.Lookup(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return LoginResult{}, ErrInvalidToken
		}
		return LoginResult{}, err
	}

	now := s.now()
	record, err = s.ledger.VerifyNotExpired(record, now)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return LoginResult{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
		}
		return LoginResult{}, err
	}

	user, err := s.store.FindByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidToken
		}
		return LoginResult{}, err
	}
	if !user.Active {
		return LoginResult{}, ErrInvalidToken
	}

	access, err := s.tokens.Issue(user.ID, user.Role, now)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		AccessToken:  access.Token,
		RefreshToken: record.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.TTL().Seconds()),
		Username:     user.Username,
		Email:        user.Email,
		Role:         user.Role,
	}, nil
}

func (s *Service) Logout(ctx context.Context, userID int64) error {
	return s.ledger.DeleteForUser(ctx, userID)
}

// LogoutToken drops a single refresh token, provided it belongs to
// userID.
func (s *Service) LogoutToken(ctx context.Context, userID int64, refreshToken string) error {
	record, err := s.ledger.Lookup(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if record.UserID != userID {
		return ErrInvalidToken
	}
	return s.ledger.Revoke(ctx, refreshToken)
}

func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword, confirmPassword string) error {
	if err := validatePassword("new_password", newPassword); err != nil {
		return err
	}
	if newPassword != confirmPassword {
		return invalid("confirm_password", "does not match new password")
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	ok, err := s.hasher.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	verifiedHash := user.PasswordHash
	_, err = s.mutate(ctx, user, func(u *User) error {
		// the secret we verified against must still be the stored one
		if u.PasswordHash != verifiedHash {
			return ErrStaleUser
		}
		u.PasswordHash = hash
		return nil
	})
	return err
}

// ForgotPassword stores a fresh reset grant on the user and returns the raw
// token for out-of-band delivery. Only its SHA-256 is persisted.
func (s *Service) ForgotPassword(ctx context.Context, email string) (ResetGrant, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return ResetGrant{}, err
	}

	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return ResetGrant{}, err
	}

	raw, err := randomToken(tokenBytes)
	if err != nil {
		return ResetGrant{}, fmt.Errorf("generate reset token: %w", err)
	}
	tokenHash := hashToken(raw)
	expiresAt := s.now().Add(s.resetTTL)

	user, err = s.mutate(ctx, user, func(u *User) error {
		u.ResetToken = &tokenHash
		u.ResetTokenExpiry = &expiresAt
		return nil
	})
	if err != nil {
		return ResetGrant{}, err
	}

	return ResetGrant{
		UserID:    user.ID,
		Email:     user.Email,
		Token:     raw,
		ExpiresAt: expiresAt,
	}, nil
}

// ResetPassword consumes a reset grant. Of several concurrent calls with the
// same token exactly one succeeds; the rest see ErrInvalidToken.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	if err := validatePassword("new_password", newPassword); err != nil {
		return err
	}

	tokenHash := hashToken(token)
	user, err := s.findResetGrant(ctx, tokenHash)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		user.PasswordHash = hash
		user.ResetToken = nil
		user.ResetTokenExpiry = nil
		user.UpdatedAt = s.now()

		_, err = s.store.Save(ctx, user)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStaleUser) || attempt+1 >= maxSaveAttempts {
			return err
		}

		// someone else touched the row; the grant may already be spent
		user, err = s.findResetGrant(ctx, tokenHash)
		if err != nil {
			return err
		}
	}

	return s.ledger.DeleteForUser(ctx, user.ID)
}

func (s *Service) findResetGrant(ctx context.Context, tokenHash string) (User, error) {
	user, err := s.store.FindByResetToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}
	if user.ResetTokenExpiry == nil || user.ResetTokenExpiry.Before(s.now()) {
		return User{}, ErrTokenExpired
	}
	return user, nil
}

func (s *Service) UpdateProfile(ctx context.Context, userID int64, fullName, email string) (Profile, error) {
	fullName = strings.TrimSpace(fullName)
	email = normalizeEmail(email)
	if err := validateFullName(fullName); err != nil {
		return Profile{}, err
	}
	if err := validateEmail(email); err != nil {
		return Profile{}, err
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	user, err = s.mutate(ctx, user, func(u *User) error {
		u.FullName = fullName
		u.Email = email
		return nil
	})
	if err != nil {
		return Profile{}, err
	}

	return user.Profile(), nil
}

func (s *Service) CurrentUser(ctx context.Context, userID int64) (Profile, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return user.Profile(), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]Profile, error) {
	users, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	profiles := make([]Profile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.Profile())
	}
	return profiles, nil
}

// DeleteUser removes the user's refresh tokens and then the user. The caller
// must already hold an ADMIN principal.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	if _, err := s.store.FindByID(ctx, userID); err != nil {
		return err
	}
	if err := s.ledger.DeleteForUser(ctx, userID); err != nil {
		return err
	}
	return s.store.Delete(ctx, userID)
}

// BootstrapAdmin creates the ADMIN account named by the environment. It is a
// no-op when all three values are empty or the account already exists.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if username == "" && email == "" && password == "" {
		return nil
	}
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	_, err := s.Register(ctx, RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
		FullName: "Administrator",
		Role:     string(RoleAdmin),
	})
	if errors.Is(err, ErrDuplicateIdentity) {
		return nil
	}
	return err
}

// Cleanup reclaims expired refresh tokens and reset grants. Expiry is always
// enforced at use time, so this only frees space.
func (s *Service) Cleanup(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := s.now()

	deletedTokens, err := s.ledger.PurgeExpired(ctx, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}
	clearedResets, err := s.store.ClearExpiredResetTokens(ctx, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens: deletedTokens,
		ClearedResetTokens:   clearedResets,
	}, nil
}

// mutate applies fn to user and saves it, re-reading and re-applying on a
// version conflict.
func (s *Service) mutate(ctx context.Context, user User, fn func(*User) error) (User, error) {
	for attempt := 0; ; attempt++ {
		if err := fn(&user); err != nil {
			return User{}, err
		}
		user.UpdatedAt = s.now()

		saved, err := s.store.Save(ctx, user)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrStaleUser) || attempt+1 >= maxSaveAttempts {
			return User{}, err
		}

		user, err = s.store.FindByID(ctx, user.ID)
		if err != nil {
			return User{}, err
		}
	}
}

// burnVerify spends roughly one verify worth of CPU so a missing username
// answers in about the same time as a wrong password.
func (s *Service) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("not-a-real-password")
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(password, s.dummyHash)
	}
}
