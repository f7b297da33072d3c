package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/pkg/cache"
)

// DefaultAbilityTTL is how long a compiled rule list stays cached
const DefaultAbilityTTL = time.Hour

const abilityKeyPrefix = "ability:"

// UserLoader loads a user together with its roles and their rules
type UserLoader interface {
	GetWithRoles(ctx context.Context, userID string) (*entities.User, error)
}

// AbilityProvider resolves the Ability of a user
type AbilityProvider interface {
	GetAbility(ctx context.Context, userID string) (*Ability, error)
}

// Invalidator drops cached abilities
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
	InvalidateMany(ctx context.Context, userIDs []string) error
	InvalidateAll(ctx context.Context) error
}

// CacheRecorder receives ability cache events (implemented by the metrics exporter)
type CacheRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheMalformed()
	RecordAbilityRebuild()
}

// cacheEntry is the serialized form of a cached ability
type cacheEntry struct {
	UserID    string          `json:"userId"`
	Rules     []entities.Rule `json:"rules"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// AbilityCache resolves abilities through a cache.Cache, compiling them from the
// rule store on a miss. Only the raw rule list is cached, never the Ability itself.
type AbilityCache struct {
	cache    cache.Cache
	users    UserLoader
	compiler *Compiler
	ttl      time.Duration
	recorder CacheRecorder
	logger   logrus.FieldLogger
}

// AbilityCacheOption configures an AbilityCache
type AbilityCacheOption func(*AbilityCache)

// WithTTL overrides DefaultAbilityTTL
func WithTTL(ttl time.Duration) AbilityCacheOption {
	return func(c *AbilityCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRecorder attaches a metrics recorder
func WithRecorder(recorder CacheRecorder) AbilityCacheOption {
	return func(c *AbilityCache) {
		c.recorder = recorder
	}
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) AbilityCacheOption {
	return func(c *AbilityCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewAbilityCache creates a new AbilityCache
func NewAbilityCache(c cache.Cache, users UserLoader, compiler *Compiler, opts ...AbilityCacheOption) *AbilityCache {
	ac := &AbilityCache{
		cache:    c,
		users:    users,
		compiler: compiler,
		ttl:      DefaultAbilityTTL,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(ac)
	}
	return ac
}

// GetAbility returns the Ability of a user.
// On a hit the Ability is rebuilt from the cached rules without touching the
// rule store. A malformed entry is deleted and the Ability is rebuilt from the
// store exactly once.
func (c *AbilityCache) GetAbility(ctx context.Context, userID string) (*Ability, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	if ability, ok := c.lookup(ctx, userID); ok {
		return ability, nil
	}
	return c.rebuild(ctx, userID)
}

// lookup returns the cached ability, or false on any kind of miss
func (c *AbilityCache) lookup(ctx context.Context, userID string) (*Ability, bool) {
	key := cacheKey(userID)
	log := c.logger.WithField("user_id", userID)

	data, found, err := c.cache.Get(ctx, key)
	if err != nil {
		log.WithError(err).Warn("ability cache read failed, rebuilding")
		c.recordMiss()
		return nil, false
	}
	if !found {
		c.recordMiss()
		return nil, false
	}

	entry, err := decodeEntry(data, userID)
	if err == nil && time.Now().After(entry.ExpiresAt) {
		c.recordMiss()
		c.drop(ctx, key, log)
		return nil, false
	}
	var ability *Ability
	if err == nil {
		ability, err = c.compiler.FromRules(entry.Rules)
	}
	if err != nil {
		log.WithError(err).Warn("malformed ability cache entry, discarding")
		if c.recorder != nil {
			c.recorder.RecordCacheMalformed()
		}
		c.drop(ctx, key, log)
		return nil, false
	}

	if c.recorder != nil {
		c.recorder.RecordCacheHit()
	}
	return ability, true
}

// rebuild compiles the ability from the rule store and caches its rules
func (c *AbilityCache) rebuild(ctx context.Context, userID string) (*Ability, error) {
	user, err := c.users.GetWithRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	ability := c.compiler.Compile(user)
	if c.recorder != nil {
		c.recorder.RecordAbilityRebuild()
	}

	rules := ability.Rules()
	if rules == nil {
		rules = []entities.Rule{}
	}
	data, err := json.Marshal(cacheEntry{
		UserID:    userID,
		Rules:     rules,
		ExpiresAt: time.Now().Add(c.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ability for user %s: %w", userID, err)
	}
	if err := c.cache.Set(ctx, cacheKey(userID), data, c.ttl); err != nil {
		c.logger.WithField("user_id", userID).WithError(err).Warn("failed to store ability in cache")
	}

	return ability, nil
}

func (c *AbilityCache) drop(ctx context.Context, key string, log logrus.FieldLogger) {
	if err := c.cache.Delete(ctx, key); err != nil {
		log.WithError(err).Warn("failed to delete ability cache entry")
	}
}

func (c *AbilityCache) recordMiss() {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss()
	}
}

// Invalidate deletes the cached ability of a user
func (c *AbilityCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.cache.Delete(ctx, cacheKey(userID)); err != nil {
		return fmt.Errorf("failed to invalidate ability for user %s: %w", userID, err)
	}
	c.logger.WithField("user_id", userID).Debug("ability invalidated")
	return nil
}

// InvalidateMany deletes the cached abilities of several users.
// Every user is attempted; the returned error joins all failures.
func (c *AbilityCache) InvalidateMany(ctx context.Context, userIDs []string) error {
	var errs []error
	for _, id := range userIDs {
		if err := c.Invalidate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateAll drops every cached ability
func (c *AbilityCache) InvalidateAll(ctx context.Context) error {
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear ability cache: %w", err)
	}
	c.logger.Info("all abilities invalidated")
	return nil
}

func cacheKey(userID string) string {
	return abilityKeyPrefix + userID
}

func decodeEntry(data []byte, userID string) (*cacheEntry, error) {
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if entry.UserID != userID {
		return nil, fmt.Errorf("entry belongs to user %q", entry.UserID)
	}
	if entry.Rules == nil {
		return nil, fmt.Errorf("entry has no rule list")
	}
	if entry.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("entry has no expiry")
	}
	return &entry, nil
}
