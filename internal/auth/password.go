package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	HasherBcrypt   = "bcrypt"
	HasherArgon2id = "argon2id"

	argon2Prefix = "$argon2id$"
)

// SecretHasher is a one-way salted hash with a constant-time verify.
type SecretHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) (bool, error)
}

type BcryptHasher struct {
	cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h *BcryptHasher) Verify(plaintext, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("compare password hash: %w", err)
}

type Argon2Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Time:        1,
		Parallelism: 4,
		SaltLength:  16,
		KeyLength:   32,
	}
}

type Argon2Hasher struct {
	params Argon2Params
}

func NewArgon2Hasher(params Argon2Params) (*Argon2Hasher, error) {
	if params.Memory < 8*1024 || params.Time < 1 || params.Parallelism < 1 {
		return nil, errors.New("argon2 params below minimum")
	}
	if params.SaltLength < 16 || params.KeyLength < 16 {
		return nil, errors.New("argon2 salt and key must be at least 16 bytes")
	}
	return &Argon2Hasher{params: params}, nil
}

func (h *Argon2Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2Hasher) Verify(plaintext, hash string) (bool, error) {
	params, salt, key, err := decodeArgon2(hash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(plaintext), salt, params.Time, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}

func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != HasherArgon2id {
		return params, nil, nil, errors.New("malformed argon2 hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, errors.New("unsupported argon2 version")
	}

	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("parse argon2 params: %w", err)
	}
	if parallelism == 0 || parallelism > 255 {
		return params, nil, nil, errors.New("argon2 parallelism out of range")
	}
	params.Parallelism = uint8(parallelism)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("decode argon2 salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, errors.New("decode argon2 key")
	}

	return params, salt, key, nil
}

// dualHasher hashes with the configured algorithm and verifies either format,
// so switching PASSWORD_HASHER does not lock out existing accounts.
type dualHasher struct {
	primary SecretHasher
	bcrypt  *BcryptHasher
	argon2  *Argon2Hasher
}

func NewSecretHasher(kind string, bcryptCost int) (SecretHasher, error) {
	argon, err := NewArgon2Hasher(DefaultArgon2Params())
	if err != nil {
		return nil, err
	}
	h := &dualHasher{bcrypt: NewBcryptHasher(bcryptCost), argon2: argon}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", HasherBcrypt:
		h.primary = h.bcrypt
	case HasherArgon2id:
		h.primary = h.argon2
	default:
		return nil, fmt.Errorf("unknown password hasher %q", kind)
	}

	return h, nil
}

func (h *dualHasher) Hash(plaintext string) (string, error) {
	return h.primary.Hash(plaintext)
}

func (h *dualHasher) Verify(plaintext, hash string) (bool, error) {
	if strings.HasPrefix(hash, argon2Prefix) {
		return h.argon2.Verify(plaintext, hash)
	}
	return h.bcrypt.Verify(plaintext, hash)
}
