package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/uptrace/bun"
)

var ErrUnknownUser = errors.New("unknown user")

// Provider resolves the attributes eligibility and authority checks use.
type Provider interface {
	GetCallerAttributes(ctx context.Context, userID string) (models.CallerAttributes, error)
}

// DB reads the campus_users projection.
type DB struct {
	Bun *bun.DB
}

func (d *DB) GetCallerAttributes(ctx context.Context, userID string) (models.CallerAttributes, error) {
	var u models.CampusUser
	err := d.Bun.NewSelect().
		Model(&u).
		Where("id = ?", userID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallerAttributes{}, ErrUnknownUser
	}
	if err != nil {
		return models.CallerAttributes{}, err
	}
	return u.Attributes(), nil
}

const cacheKeyPrefix = "identity:"

// Cache is a Redis read-through cache in front of another Provider. Redis
// failures fall back to the source.
type Cache struct {
	Client *redis.Client
	Source Provider
	TTL    time.Duration
	Logger *logger.Logger
}

func NewCache(client *redis.Client, source Provider, ttl time.Duration, log *logger.Logger) *Cache {
	return &Cache{Client: client, Source: source, TTL: ttl, Logger: log}
}

func (c *Cache) GetCallerAttributes(ctx context.Context, userID string) (models.CallerAttributes, error) {
	key := cacheKeyPrefix + userID

	raw, err := c.Client.Get(ctx, key).Bytes()
	if err == nil {
		var attrs models.CallerAttributes
		if jerr := json.Unmarshal(raw, &attrs); jerr == nil {
			return attrs, nil
		}
		c.Logger.Warn("IDENTITY", fmt.Sprintf("Dropping corrupt cache entry for %s", userID))
	} else if err != redis.Nil {
		c.Logger.Warn("IDENTITY", fmt.Sprintf("Cache read failed for %s: %v", userID, err))
	}

	attrs, err := c.Source.GetCallerAttributes(ctx, userID)
	if err != nil {
		return models.CallerAttributes{}, err
	}

	if payload, err := json.Marshal(attrs); err == nil {
		if err := c.Client.Set(ctx, key, payload, c.TTL).Err(); err != nil {
			c.Logger.Warn("IDENTITY", fmt.Sprintf("Cache write failed for %s: %v", userID, err))
		}
	}
	return attrs, nil
}

// Invalidate drops a cached entry after the identity service changes a user.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	return c.Client.Del(ctx, cacheKeyPrefix+userID).Err()
}
