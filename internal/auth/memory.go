package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps users and refresh tokens in process. It backs
// STORE_DRIVER=memory and the service tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
	tokens map[string]RefreshToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]User),
		tokens: make(map[string]RefreshToken),
	}
}

func (m *MemoryStore) FindByID(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (m *MemoryStore) FindByUsername(_ context.Context, username string) (User, error) {
	return m.findFirst(func(u User) bool { return u.Active && u.Username == username })
}

func (m *MemoryStore) FindByEmail(_ context.Context, email string) (User, error) {
	return m.findFirst(func(u User) bool { return u.Email == email })
}

func (m *MemoryStore) FindByResetToken(_ context.Context, token string) (User, error) {
	return m.findFirst(func(u User) bool { return u.ResetToken != nil && *u.ResetToken == token })
}

func (m *MemoryStore) findFirst(match func(User) bool) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *MemoryStore) Create(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Username == user.Username || existing.Email == user.Email {
			return User{}, ErrDuplicateIdentity
		}
	}

	m.nextID++
	user.ID = m.nextID
	user.Version = 1
	m.users[user.ID] = cloneUser(user)

	return cloneUser(user), nil
}

func (m *MemoryStore) Save(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.users[user.ID]
	if !ok || current.Version != user.Version {
		return User{}, ErrStaleUser
	}
	for id, existing := range m.users {
		if id != user.ID && existing.Email == user.Email {
			return User{}, ErrDuplicateIdentity
		}
	}

	user.Username = current.Username
	user.CreatedAt = current.CreatedAt
	user.LastLoginAt = current.LastLoginAt
	user.Version = current.Version + 1
	m.users[user.ID] = cloneUser(user)

	return cloneUser(user), nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, id)
	for hash, token := range m.tokens {
		if token.UserID == id {
			delete(m.tokens, hash)
		}
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	return users, nil
}

func (m *MemoryStore) TouchLastLogin(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	at = at.UTC()
	user.LastLoginAt = &at
	m.users[id] = user
	return nil
}

func (m *MemoryStore) ClearExpiredResetTokens(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cleared int64
	for id, u := range m.users {
		if limit > 0 && cleared >= int64(limit) {
			break
		}
		if u.ResetTokenExpiry == nil || !u.ResetTokenExpiry.Before(before) {
			continue
		}
		u.ResetToken = nil
		u.ResetTokenExpiry = nil
		u.Version++
		m.users[id] = u
		cleared++
	}
	return cleared, nil
}

func (m *MemoryStore) ReplaceRefreshToken(_ context.Context, userID int64, tokenHash string, expiresAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrUserNotFound
	}
	for hash, token := range m.tokens {
		if token.UserID == userID {
			delete(m.tokens, hash)
		}
	}
	m.tokens[tokenHash] = RefreshToken{UserID: userID, ExpiresAt: expiresAt.UTC(), CreatedAt: now.UTC()}
	return nil
}

func (m *MemoryStore) FindRefreshToken(_ context.Context, tokenHash string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[tokenHash]
	if !ok {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}
	return token, nil
}

func (m *MemoryStore) DeleteRefreshToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenHash)
	return nil
}

func (m *MemoryStore) DeleteRefreshTokensForUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, token := range m.tokens {
		if token.UserID == userID {
			delete(m.tokens, hash)
		}
	}
	return nil
}

func (m *MemoryStore) PurgeExpiredRefreshTokens(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for hash, token := range m.tokens {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if token.ExpiresAt.Before(before) {
			delete(m.tokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

// cloneUser copies the pointer fields so callers cannot mutate stored state.
func cloneUser(u User) User {
	if u.ResetToken != nil {
		v := *u.ResetToken
		u.ResetToken = &v
	}
	if u.ResetTokenExpiry != nil {
		v := *u.ResetTokenExpiry
		u.ResetTokenExpiry = &v
	}
	if u.LastLoginAt != nil {
		v := *u.LastLoginAt
		u.LastLoginAt = &v
	}
	return u
}
