package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"eventsync/internal/models"
	"eventsync/internal/storage"

	"github.com/redis/go-redis/v9"
)

const (
	categoriesKey = "eventsync:categories"
	// generationKey is bumped on every invalidation. A list read from the
	// database is only cached while the generation it was read under is
	// still current.
	generationKey = "eventsync:categories:generation"
)

// Storage caches the category list, which is read on every page load and
// changes rarely.
type Storage struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr, password string, db int, ttl time.Duration) *Storage {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Storage{client: client, ttl: ttl}
}

// Categories returns the cached category list and the current generation.
// On a miss the error is storage.ErrCacheMiss and the generation is still
// valid for a following SaveCategories.
func (s *Storage) Categories(ctx context.Context) ([]models.Category, int64, error) {
	const op = "storage.redis.Categories"

	values, err := s.client.MGet(ctx, generationKey, categoriesKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	generation, err := parseGeneration(values[0])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	data, ok := values[1].(string)
	if !ok {
		return nil, generation, fmt.Errorf("%s: %w", op, storage.ErrCacheMiss)
	}

	var categories []models.Category
	if err := json.Unmarshal([]byte(data), &categories); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	return categories, generation, nil
}

// SaveCategories caches categories unless the cache was invalidated after
// generation was read. A skipped save is not an error.
func (s *Storage) SaveCategories(ctx context.Context, generation int64, categories []models.Category) error {
	const op = "storage.redis.SaveCategories"

	data, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, categoriesKey, data, s.ttl)
			return nil
		})
		return err
	}, generationKey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) InvalidateCategories(ctx context.Context) error {
	const op = "storage.redis.InvalidateCategories"

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey)
		pipe.Del(ctx, categoriesKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Stop() error {
	const op = "storage.redis.Stop"

	if err := s.client.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func parseGeneration(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	raw, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected generation type %T", v)
	}
	return strconv.ParseInt(raw, 10, 64)
}
