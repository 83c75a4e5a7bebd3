package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rudironsoni/synaxis/internal/events"
	"github.com/rudironsoni/synaxis/internal/store"
)

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's 72-byte limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

const (
	keyPrefix    = "synaxis_"
	keyRandBytes = 32 // 64 hex chars
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute
)

type cachedKey struct {
	record    *store.APIKeyRecord
	expiresAt time.Time
}

// Manager handles API key generation, validation, and rotation.
type Manager struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cachedKey // keyString -> cached record
}

// NewManager creates a new API key manager.
func NewManager(s store.Store) *Manager {
	return &Manager{
		store: s,
		cache: make(map[string]cachedKey),
	}
}

// Generate creates a new API key for an org, stores its bcrypt hash, and
// returns the plaintext key exactly once.
func (m *Manager) Generate(ctx context.Context, org, name, scopes string, rotationDays int, expiresAt *time.Time, monthlyBudgetUSD float64) (string, *store.APIKeyRecord, error) {
	if org == "" {
		return "", nil, errors.New("org is required")
	}
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash: %w", err)
	}

	id := hex.EncodeToString(raw[:8]) // 16-char hex ID
	rec := store.APIKeyRecord{
		ID:               id,
		OrgID:            org,
		KeyHash:          string(hash),
		KeyPrefix:        plaintext[:len(keyPrefix)+8],
		Name:             name,
		Scopes:           scopes,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        expiresAt,
		RotationDays:     rotationDays,
		Enabled:          true,
		MonthlyBudgetUSD: monthlyBudgetUSD,
	}

	if err := m.store.CreateAPIKey(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, &rec, nil
}

// Validate checks a plaintext API key and returns the associated record.
// Uses a short TTL cache to avoid bcrypt on every request.
func (m *Manager) Validate(ctx context.Context, keyString string) (*store.APIKeyRecord, error) {
	m.mu.RLock()
	if cached, ok := m.cache[keyString]; ok && time.Now().Before(cached.expiresAt) {
		m.mu.RUnlock()
		return cached.record, nil
	}
	m.mu.RUnlock()

	if len(keyString) < len(keyPrefix)+8 {
		return nil, errors.New("invalid api key")
	}

	// Narrow to keys sharing the lookup prefix, then bcrypt-compare.
	keys, err := m.store.GetAPIKeysByPrefix(ctx, keyString[:len(keyPrefix)+8])
	if err != nil {
		return nil, fmt.Errorf("lookup keys: %w", err)
	}

	for i := range keys {
		k := &keys[i]
		if err := bcrypt.CompareHashAndPassword([]byte(k.KeyHash), hashForBcrypt(keyString)); err != nil {
			continue
		}
		if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
			return nil, errors.New("api key expired")
		}
		now := time.Now().UTC()
		k.LastUsedAt = &now
		_ = m.store.UpdateAPIKey(ctx, *k)

		m.mu.Lock()
		m.cache[keyString] = cachedKey{
			record:    k,
			expiresAt: time.Now().Add(cacheTTL),
		}
		m.mu.Unlock()

		return k, nil
	}

	return nil, errors.New("invalid api key")
}

// Rotate generates a new key for an existing key record, replacing the hash.
// Returns the new plaintext key exactly once.
func (m *Manager) Rotate(ctx context.Context, id string) (string, error) {
	rec, err := m.store.GetAPIKey(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get key: %w", err)
	}
	if rec == nil {
		return "", errors.New("api key not found")
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}

	rec.KeyHash = string(hash)
	rec.KeyPrefix = plaintext[:len(keyPrefix)+8]

	if err := m.store.UpdateAPIKey(ctx, *rec); err != nil {
		return "", fmt.Errorf("update key: %w", err)
	}

	// Invalidate cache entries that matched the old key.
	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()

	return plaintext, nil
}

// EnforceRotation disables keys whose rotation window has elapsed
// (created_at + rotation_days in the past). Returns the number of keys
// disabled. A nil bus skips event publication.
func (m *Manager) EnforceRotation(ctx context.Context, bus *events.Bus, logger *slog.Logger) (int, error) {
	keys, err := m.store.ListAPIKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	now := time.Now().UTC()
	disabled := 0
	for i := range keys {
		k := &keys[i]
		if !k.Enabled || k.RotationDays <= 0 {
			continue
		}
		deadline := k.CreatedAt.Add(time.Duration(k.RotationDays) * 24 * time.Hour)
		if now.Before(deadline) {
			continue
		}

		k.Enabled = false
		if err := m.store.UpdateAPIKey(ctx, *k); err != nil {
			return disabled, fmt.Errorf("disable key %s: %w", k.ID, err)
		}
		disabled++

		reason := fmt.Sprintf("rotation period of %d days elapsed", k.RotationDays)
		logger.Warn("api key disabled: rotation expired",
			slog.String("key_id", k.ID),
			slog.String("name", k.Name),
			slog.Int("rotation_days", k.RotationDays))
		if bus != nil {
			bus.Publish(events.Event{
				Type:       events.EventKeyRotationExpired,
				Org:        k.OrgID,
				APIKeyName: k.Name,
				Reason:     reason,
			})
		}

		m.mu.Lock()
		for cacheKey, v := range m.cache {
			if v.record.ID == k.ID {
				delete(m.cache, cacheKey)
			}
		}
		m.mu.Unlock()
	}
	return disabled, nil
}

// CheckScope checks if a key's scopes allow access to the given endpoint.
func CheckScope(record *store.APIKeyRecord, endpoint string) bool {
	// Scopes is a JSON array like ["chat"]. Completion endpoints need the
	// "chat" scope; admin routes have separate auth and pass through here.
	switch endpoint {
	case "/v1/chat/completions", "/v1/completions":
		return hasScope(record.Scopes, "chat")
	default:
		return true
	}
}

func hasScope(scopes, scope string) bool {
	if scopes == "" || scopes == "[]" {
		return true // empty scopes = allow all
	}
	return strings.Contains(scopes, `"`+scope+`"`)
}
