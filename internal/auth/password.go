package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	SchemeBcrypt   = "bcrypt"
	SchemeArgon2id = "argon2id"
)

const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16

	// Upper bounds on parameters read back from stored hashes.
	argonMaxMemory = 1 << 20
	argonMaxKeyLen = 1024
)

// Hasher hashes and verifies passwords. The zero value is not usable; use NewHasher.
type Hasher struct {
	scheme string
	cost   int
}

// HasherOption configures Hasher.
type HasherOption func(*Hasher) error

// WithScheme selects the hashing scheme used for new hashes.
func WithScheme(scheme string) HasherOption {
	return func(h *Hasher) error {
		scheme = strings.TrimSpace(strings.ToLower(scheme))
		switch scheme {
		case "":
			return nil
		case SchemeBcrypt, SchemeArgon2id:
			h.scheme = scheme
			return nil
		default:
			return fmt.Errorf("%w: unsupported password scheme %q", ErrInvalidInput, scheme)
		}
	}
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) HasherOption {
	return func(h *Hasher) error {
		if cost == 0 {
			return nil
		}
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("%w: bcrypt cost %d out of range", ErrInvalidInput, cost)
		}
		h.cost = cost
		return nil
	}
}

// NewHasher constructs a Hasher; bcrypt with the default cost unless configured.
func NewHasher(opts ...HasherOption) (*Hasher, error) {
	h := &Hasher{scheme: SchemeBcrypt, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Scheme returns the scheme used for new hashes.
func (h *Hasher) Scheme() string { return h.scheme }

// HashPassword returns a salted one-way encoding of password.
func (h *Hasher) HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if h.scheme == SchemeArgon2id {
		return hashArgon2id(password)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares password with a stored hash of either scheme.
// Mismatches and malformed hashes both yield false.
func (h *Hasher) VerifyPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	if strings.HasPrefix(hash, "$argon2id$") {
		ok, err := verifyArgon2id(password, hash)
		return err == nil && ok
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func hashArgon2id(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyArgon2id(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid PHC hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}
	var (
		memory, iterations uint32
		threads            uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("parse parameters: %w", err)
	}
	if iterations < 1 || threads < 1 || memory == 0 || memory > argonMaxMemory {
		return false, fmt.Errorf("argon2 parameters out of range: m=%d,t=%d,p=%d", memory, iterations, threads)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	if len(want) == 0 || len(want) > argonMaxKeyLen {
		return false, fmt.Errorf("argon2 key length %d out of range", len(want))
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
