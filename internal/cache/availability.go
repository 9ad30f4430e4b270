// Package cache keeps computed availability in Redis so repeated slot lookups
// for a busy professional do not rebuild the day from Postgres.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"physia/backend/internal/domain"
)

const (
	availabilityPrefix = "physia:availability:"

	// generationTTL outlives any single availability read by a wide margin,
	// so a generation never expires and restarts under a read still in flight.
	generationTTL = 24 * time.Hour
)

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection with a short ping.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// AvailabilityCache stores one hash per (professional, date). Each field holds
// the answer for one (organization, service), so a booking on that day can
// drop every variant with a single DEL.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAvailabilityCache(client *redis.Client, ttl time.Duration) *AvailabilityCache {
	return &AvailabilityCache{client: client, ttl: ttl}
}

func dayKey(professionalID uuid.UUID, date time.Time) string {
	return availabilityPrefix + professionalID.String() + ":" + domain.FormatDate(date)
}

func generationKey(professionalID uuid.UUID, date time.Time) string {
	return dayKey(professionalID, date) + ":gen"
}

func serviceField(organizationID, serviceID int64) string {
	return fmt.Sprintf("%d:%d", organizationID, serviceID)
}

// Get returns the cached availability and whether it was present.
func (c *AvailabilityCache) Get(ctx context.Context, organizationID int64, professionalID uuid.UUID, serviceID int64, date time.Time) (domain.Availability, bool, error) {
	data, err := c.client.HGet(ctx, dayKey(professionalID, date), serviceField(organizationID, serviceID)).Bytes()
	if err == redis.Nil {
		return domain.Availability{}, false, nil
	}
	if err != nil {
		return domain.Availability{}, false, err
	}

	var a domain.Availability
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.Availability{}, false, err
	}
	return a, true, nil
}

// Generation returns the day's invalidation counter. A missing counter reads
// as zero.
func (c *AvailabilityCache) Generation(ctx context.Context, professionalID uuid.UUID, date time.Time) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(professionalID, date)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// Set stores the answer only while the day's generation still equals
// generation. The counter is watched, so an Invalidate landing between the
// check and the write aborts the transaction and nothing is stored.
func (c *AvailabilityCache) Set(ctx context.Context, organizationID int64, professionalID uuid.UUID, serviceID int64, date time.Time, generation int64, a domain.Availability) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}

	key := dayKey(professionalID, date)
	genKey := generationKey(professionalID, date)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, serviceField(organizationID, serviceID), b)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if err == redis.TxFailedErr {
		return nil
	}
	return err
}

// Invalidate advances the day's generation and drops every cached answer for
// the professional's day.
func (c *AvailabilityCache) Invalidate(ctx context.Context, professionalID uuid.UUID, date time.Time) error {
	genKey := generationKey(professionalID, date)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, max(c.ttl, generationTTL))
		pipe.Del(ctx, dayKey(professionalID, date))
		return nil
	})
	return err
}
