// Package auth resolves caller identity for the audit API. Two credentials are
// accepted: HS256 JWTs issued by the surrounding platform (stateless
// verification) and service API keys configured with their bcrypt hashes for
// machine ingestion.
// See internal/middleware/auth.go for the request-time logic that uses them.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of characters used for key lookup and display
	DisplayPrefixLength = 10

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12

	// DefaultKeyPrefix starts every generated key.
	DefaultKeyPrefix = "adt"
)

// GenerateAPIKey creates a new random API key with the given prefix
// Returns: full key (to show once), bcrypt hash (to store), display prefix
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullKey := fmt.Sprintf("%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), BcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return fullKey, string(hashBytes), keyPrefix(fullKey), nil
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey)) == nil
}

func keyPrefix(key string) string {
	if len(key) > DisplayPrefixLength {
		return key[:DisplayPrefixLength]
	}
	return key
}

// ExtractBearerToken extracts the credential from an Authorization header.
// Expected format: "Bearer <token>"
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("authorization token is empty after Bearer prefix")
	}
	return token, nil
}

// ServiceKey is one configured machine credential.
type ServiceKey struct {
	Name   string
	Prefix string
	Hash   string
	Scopes []string
}

// KeyRing authenticates service API keys. Keys are indexed by their plaintext
// prefix so only candidates sharing it pay for a bcrypt comparison.
type KeyRing struct {
	byPrefix map[string][]ServiceKey
}

// NewKeyRing indexes keys and rejects entries with unknown scopes or no hash.
func NewKeyRing(keys []ServiceKey) (*KeyRing, error) {
	kr := &KeyRing{byPrefix: make(map[string][]ServiceKey, len(keys))}
	for _, k := range keys {
		if k.Hash == "" || k.Prefix == "" {
			return nil, fmt.Errorf("api key %q: prefix and hash are required", k.Name)
		}
		if err := ValidateScopes(k.Scopes); err != nil {
			return nil, fmt.Errorf("api key %q: %w", k.Name, err)
		}
		p := keyPrefix(k.Prefix)
		kr.byPrefix[p] = append(kr.byPrefix[p], k)
	}
	return kr, nil
}

// Len returns the number of configured keys.
func (kr *KeyRing) Len() int {
	if kr == nil {
		return 0
	}
	n := 0
	for _, ks := range kr.byPrefix {
		n += len(ks)
	}
	return n
}

// Authenticate returns the key matching token, or nil.
func (kr *KeyRing) Authenticate(token string) *ServiceKey {
	if kr == nil {
		return nil
	}
	for _, k := range kr.byPrefix[keyPrefix(token)] {
		if ValidateAPIKey(token, k.Hash) {
			return &k
		}
	}
	return nil
}
