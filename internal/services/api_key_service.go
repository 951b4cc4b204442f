package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/google/uuid"
)

// APIKeyConfig holds lifetimes for the key lifecycle
type APIKeyConfig struct {
	Lifetime        time.Duration
	RotationGrace   time.Duration
	RotationWarning time.Duration
	// Retention is how long a dead key stays listable before Sweep drops it
	Retention time.Duration
}

// DefaultAPIKeyConfig returns 90 day keys, 30 day grace and a 7 day warning window
func DefaultAPIKeyConfig() APIKeyConfig {
	return APIKeyConfig{
		Lifetime:        90 * 24 * time.Hour,
		RotationGrace:   30 * 24 * time.Hour,
		RotationWarning: 7 * 24 * time.Hour,
		Retention:       30 * 24 * time.Hour,
	}
}

// apiKeyEntry guards one key's lifecycle fields. Usage counters are atomics
// because they are informational and updated on every validation.
type apiKeyEntry struct {
	mu           sync.Mutex
	key          models.APIKey
	requestCount atomic.Int64
	lastUsed     atomic.Int64 // unix nanos, zero when never used
}

func (e *apiKeyEntry) snapshot() models.APIKey {
	e.mu.Lock()
	key := e.key
	e.mu.Unlock()

	key.RequestCount = e.requestCount.Load()
	if ns := e.lastUsed.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		key.LastUsedAt = &t
	}
	return key
}

// APIKeyService issues, validates, rotates and revokes service API keys
type APIKeyService struct {
	byHash sync.Map // key hash -> *apiKeyEntry
	byID   sync.Map // key id -> *apiKeyEntry

	keyManager *auth.APIKeyManager
	config     APIKeyConfig
	clock      clock.Clock
	audit      AuditRecorder
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewAPIKeyService creates a new APIKeyService
func NewAPIKeyService(keyManager *auth.APIKeyManager, config APIKeyConfig, clk clock.Clock, audit AuditRecorder, logger *slog.Logger, m *metrics.Metrics) *APIKeyService {
	defaults := DefaultAPIKeyConfig()
	if config.Lifetime <= 0 {
		config.Lifetime = defaults.Lifetime
	}
	if config.RotationGrace <= 0 {
		config.RotationGrace = defaults.RotationGrace
	}
	if config.RotationWarning <= 0 {
		config.RotationWarning = defaults.RotationWarning
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	return &APIKeyService{
		keyManager: keyManager,
		config:     config,
		clock:      clock.OrReal(clk),
		audit:      audit,
		logger:     logger,
		metrics:    m,
	}
}

// Generate issues a new active key for serviceName. actor is the admin who asked for it.
func (s *APIKeyService) Generate(ctx context.Context, serviceName, description, actor string) (*models.GeneratedAPIKey, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name is required: %w", models.ErrBadRequest)
	}

	generated, err := s.issue(serviceName, description)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate api key", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.metrics.ObserveKeyLifecycle("generate")
	s.audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryAPIKey,
		Action:   models.AuditActionKeyGenerated,
		UserID:   actor,
		Success:  true,
		Severity: models.SeverityLow,
		Details: map[string]string{
			"key_id":       generated.APIKey.ID,
			"key_prefix":   generated.APIKey.KeyPrefix,
			"service_name": serviceName,
			"expires_at":   generated.APIKey.ExpiresAt.Format(time.RFC3339),
		},
	})

	return generated, nil
}

// issue creates and stores a key without auditing
func (s *APIKeyService) issue(serviceName, description string) (*models.GeneratedAPIKey, error) {
	plainKey, keyHash, err := s.keyManager.Generate()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	entry := &apiKeyEntry{
		key: models.APIKey{
			ID:          uuid.NewString(),
			KeyHash:     keyHash,
			KeyPrefix:   s.keyManager.DisplayPrefix(plainKey),
			ServiceName: serviceName,
			Description: description,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.config.Lifetime),
			IsActive:    true,
		},
	}

	if _, loaded := s.byHash.LoadOrStore(keyHash, entry); loaded {
		return nil, fmt.Errorf("api key hash collision: %w", models.ErrConflict)
	}
	s.byID.Store(entry.key.ID, entry)

	key := entry.snapshot()
	return &models.GeneratedAPIKey{PlainKey: plainKey, APIKey: &key}, nil
}

// Validate authenticates a presented key. Successful validations bump the
// usage counters and are not audited; every rejection is.
func (s *APIKeyService) Validate(ctx context.Context, plainKey string) (*models.APIKey, error) {
	now := s.clock.Now()

	keyHash, err := s.keyManager.Hash(plainKey)
	if err != nil {
		s.reject(ctx, plainKey, nil, "malformed")
		return nil, models.ErrInvalidCredential
	}

	// Keys are indexed by hash, so the lookup is the comparison
	v, ok := s.byHash.Load(keyHash)
	if !ok {
		s.reject(ctx, plainKey, nil, "unknown")
		return nil, models.ErrInvalidCredential
	}
	entry := v.(*apiKeyEntry)

	entry.mu.Lock()
	state := entry.key.StateAt(now)
	entry.mu.Unlock()

	if state != models.APIKeyStateActive && state != models.APIKeyStateRotated {
		s.reject(ctx, plainKey, entry, string(state))
		return nil, models.ErrInvalidCredential
	}

	entry.requestCount.Add(1)
	entry.lastUsed.Store(now.UnixNano())
	s.metrics.ObserveKeyValidation(string(state))

	key := entry.snapshot()
	return &key, nil
}

// reject audits a failed validation. Input that matched no stored key is
// recorded only as a digest; it may be a secret from another system.
func (s *APIKeyService) reject(ctx context.Context, plainKey string, entry *apiKeyEntry, reason string) {
	s.metrics.ObserveKeyValidation(reason)

	details := map[string]string{"reason": reason}
	if entry != nil {
		details["key_id"] = entry.key.ID
		details["key_prefix"] = entry.key.KeyPrefix
	} else {
		details["key_hash"] = pkglogger.HashForLogging(plainKey)
	}

	s.audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryAPIKey,
		Action:   models.AuditActionKeyRejected,
		Success:  false,
		Severity: models.SeverityMedium,
		Details:  details,
	})
}

// Rotate issues a successor for the key with id and deprecates the old key
// after the grace period. Both keys validate until then.
func (s *APIKeyService) Rotate(ctx context.Context, id, actor string) (*models.GeneratedAPIKey, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.key.StateAt(now) {
	case models.APIKeyStateRotated:
		return nil, models.ErrKeyAlreadyRotated
	case models.APIKeyStateRevoked, models.APIKeyStateExpired:
		return nil, models.ErrInvalidCredential
	}

	successor, err := s.issue(entry.key.ServiceName, entry.key.Description)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate successor api key", slog.String("key_id", id), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	deprecation := now.Add(s.config.RotationGrace)
	entry.key.RotatedTo = &successor.APIKey.ID
	entry.key.DeprecationDate = &deprecation

	s.metrics.ObserveKeyLifecycle("rotate")
	s.audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryAPIKey,
		Action:   models.AuditActionKeyRotated,
		UserID:   actor,
		Success:  true,
		Severity: models.SeverityLow,
		Details: map[string]string{
			"key_id":           id,
			"successor_id":     successor.APIKey.ID,
			"deprecation_date": deprecation.Format(time.RFC3339),
		},
	})

	return successor, nil
}

// Revoke deactivates the key with id immediately, including during a rotation grace period
func (s *APIKeyService) Revoke(ctx context.Context, id, actor string) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	entry.mu.Lock()
	if !entry.key.IsActive {
		entry.mu.Unlock()
		return models.ErrKeyRevoked
	}
	entry.key.IsActive = false
	entry.key.RevokedAt = &now
	prefix := entry.key.KeyPrefix
	entry.mu.Unlock()

	s.metrics.ObserveKeyLifecycle("revoke")
	s.audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryAPIKey,
		Action:   models.AuditActionKeyRevoked,
		UserID:   actor,
		Success:  true,
		Severity: models.SeverityMedium,
		Details: map[string]string{
			"key_id":     id,
			"key_prefix": prefix,
		},
	})

	return nil
}

// KeysNeedingRotation returns active, not yet rotated keys that expire inside the warning window
func (s *APIKeyService) KeysNeedingRotation(ctx context.Context) []models.APIKey {
	now := s.clock.Now()
	horizon := now.Add(s.config.RotationWarning)

	return s.collect(func(k *models.APIKey) bool {
		return k.StateAt(now) == models.APIKeyStateActive && k.ExpiresAt.Before(horizon)
	}, func(a, b *models.APIKey) bool {
		return a.ExpiresAt.Before(b.ExpiresAt)
	})
}

// List returns every key still held, oldest first
func (s *APIKeyService) List(ctx context.Context) []models.APIKey {
	return s.collect(func(*models.APIKey) bool { return true }, func(a, b *models.APIKey) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Get returns the key with id
func (s *APIKeyService) Get(ctx context.Context, id string) (*models.APIKey, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	key := entry.snapshot()
	return &key, nil
}

// State returns the lifecycle state of the key with id
func (s *APIKeyService) State(ctx context.Context, id string) (models.APIKeyState, error) {
	key, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return key.StateAt(s.clock.Now()), nil
}

func (s *APIKeyService) entry(id string) (*apiKeyEntry, error) {
	v, ok := s.byID.Load(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return v.(*apiKeyEntry), nil
}

func (s *APIKeyService) collect(keep func(*models.APIKey) bool, less func(a, b *models.APIKey) bool) []models.APIKey {
	keys := make([]models.APIKey, 0)
	s.byID.Range(func(_, value any) bool {
		key := value.(*apiKeyEntry).snapshot()
		if keep(&key) {
			keys = append(keys, key)
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return less(&keys[i], &keys[j]) })
	return keys
}

// Name identifies the registry to the cleanup manager
func (s *APIKeyService) Name() string {
	return "api_keys"
}

// Sweep drops keys that have been invalid for longer than the retention period
func (s *APIKeyService) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.config.Retention)
	removed := 0

	s.byID.Range(func(id, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		entry := value.(*apiKeyEntry)
		entry.mu.Lock()
		since := entry.key.InvalidSince(now)
		keyHash := entry.key.KeyHash
		entry.mu.Unlock()

		if since != nil && since.Before(cutoff) {
			s.byID.Delete(id)
			s.byHash.Delete(keyHash)
			removed++
		}
		return true
	})

	return removed, ctx.Err()
}
