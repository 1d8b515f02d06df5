package db

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Client roles carried by API keys.
const (
	RolePatient = "patient"
	RoleMonitor = "monitor"
	RoleAdmin   = "admin"
)

// ErrKeyNotFound is returned when no active key has the requested prefix.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey authenticates a bedside uploader, a monitoring station or an
// administrator. Tokens have the form "<prefix>.<secret>"; only a bcrypt
// hash of the secret is stored.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	// Name is a user-friendly identifier (e.g. "ward-3-monitor").
	Name string `gorm:"size:128;not null"`

	// Role is one of RolePatient, RoleMonitor or RoleAdmin.
	Role string `gorm:"size:16;not null"`

	// Prefix is the public part of the token, used for lookup.
	Prefix string `gorm:"uniqueIndex;size:64;not null"`

	SecretHash string `gorm:"size:255;not null"`

	Active bool `gorm:"default:true"`
}

// Verify reports whether secret matches the stored hash.
func (k *APIKey) Verify(secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)) == nil
}

// ValidRole reports whether role is a known client role.
func ValidRole(role string) bool {
	switch role {
	case RolePatient, RoleMonitor, RoleAdmin:
		return true
	}
	return false
}

// SplitToken separates a bearer token into its prefix and secret.
func SplitToken(token string) (prefix, secret string, err error) {
	prefix, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || prefix == "" || secret == "" {
		return "", "", errors.New("token must have the form <prefix>.<secret>")
	}
	return prefix, secret, nil
}

// GenerateToken returns a fresh random token for the given role.
func GenerateToken(role string) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	p := make([]byte, 6)
	if _, err := rand.Read(p); err != nil {
		return "", err
	}
	s := make([]byte, 32)
	if _, err := rand.Read(s); err != nil {
		return "", err
	}
	return role[:3] + hex.EncodeToString(p) + "." + base64.RawURLEncoding.EncodeToString(s), nil
}

// NewAPIKey hashes the secret part of token into a key record.
func NewAPIKey(name, role, token string) (*APIKey, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	prefix, secret, err := SplitToken(token)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &APIKey{
		Name:       name,
		Role:       role,
		Prefix:     prefix,
		SecretHash: string(hash),
		Active:     true,
	}, nil
}

// KeyRepo looks keys up in the database.
type KeyRepo struct {
	db *gorm.DB
}

func NewKeyRepo(db *gorm.DB) *KeyRepo {
	return &KeyRepo{db: db}
}

func (r *KeyRepo) LookupKey(prefix string) (*APIKey, error) {
	var key APIKey
	if err := r.db.Where("prefix = ? AND active = ?", prefix, true).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// StaticKeys serves keys held in memory, used when no database is
// configured.
type StaticKeys map[string]*APIKey

// NewStaticKeys hashes every configured token. tokens maps role to token;
// empty tokens are skipped.
func NewStaticKeys(tokens map[string]string) (StaticKeys, error) {
	keys := make(StaticKeys, len(tokens))
	for role, token := range tokens {
		if token == "" {
			continue
		}
		k, err := NewAPIKey("bootstrap-"+role, role, token)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", role, err)
		}
		keys[k.Prefix] = k
	}
	return keys, nil
}

func (s StaticKeys) LookupKey(prefix string) (*APIKey, error) {
	k, ok := s[prefix]
	if !ok || !k.Active {
		return nil, ErrKeyNotFound
	}
	return k, nil
}
