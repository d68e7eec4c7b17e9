package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"eventsync/internal/lib/logger/sl"
	"eventsync/internal/models"
	"eventsync/internal/storage"
)

// CreateCategory stores a new global category.
func (s *Service) CreateCategory(ctx context.Context, name string) (models.Category, error) {
	const op = "events.CreateCategory"
	log := s.log.With(slog.String("op", op))

	name = strings.TrimSpace(name)
	if name == "" {
		return models.Category{}, fmt.Errorf("%s: %w: name is required", op, ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > models.MaxCategoryNameLength {
		return models.Category{}, fmt.Errorf("%s: %w", op, ErrCategoryNameTooLong)
	}

	category, err := s.categories.CreateCategory(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrCategoryExists) {
			log.Info("category exists", slog.String("name", name))
			return models.Category{}, fmt.Errorf("%s: %w", op, ErrCategoryExists)
		}
		log.Error("failed to create category", sl.Err(err))
		return models.Category{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("category created", slog.Int64("id", category.ID))

	if s.cache != nil {
		if err := s.cache.InvalidateCategories(ctx); err != nil {
			log.Warn("failed to invalidate category cache", sl.Err(err))
		}
	}

	return category, nil
}

// ListCategories returns every category, from the cache when possible.
func (s *Service) ListCategories(ctx context.Context) ([]models.Category, error) {
	const op = "events.ListCategories"
	log := s.log.With(slog.String("op", op))

	var (
		generation int64
		save       bool
	)
	if s.cache != nil {
		categories, gen, err := s.cache.Categories(ctx)
		if err == nil {
			return categories, nil
		}
		if errors.Is(err, storage.ErrCacheMiss) {
			generation, save = gen, true
		} else {
			log.Warn("failed to read category cache", sl.Err(err))
		}
	}

	categories, err := s.categories.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if save {
		if err := s.cache.SaveCategories(ctx, generation, categories); err != nil {
			log.Warn("failed to cache categories", sl.Err(err))
		}
	}

	return categories, nil
}
