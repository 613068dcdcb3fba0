package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"katasu/internal/models"
	"katasu/internal/repository"
)

type StateLoader interface {
	GetPublicState(ctx context.Context, id string) (models.PublicState, error)
}

type statusEntry struct {
	state models.PublicState
	found bool
}

// StatusCache fronts the catalog for the public read path. Missing images
// are cached too, so hot 404s do not reach the database.
type StatusCache struct {
	entries *expirable.LRU[string, statusEntry]
	loader  StateLoader
}

func NewStatusCache(size int, ttl time.Duration, loader StateLoader) *StatusCache {
	if size <= 0 {
		size = 1024
	}
	return &StatusCache{
		entries: expirable.NewLRU[string, statusEntry](size, nil, ttl),
		loader:  loader,
	}
}

// Get reports the public state of an image and whether it exists.
func (c *StatusCache) Get(ctx context.Context, imageID string) (models.PublicState, bool, error) {
	if entry, ok := c.entries.Get(imageID); ok {
		return entry.state, entry.found, nil
	}

	state, err := c.loader.GetPublicState(ctx, imageID)
	switch {
	case errors.Is(err, repository.ErrImageNotFound):
		c.entries.Add(imageID, statusEntry{})
		return models.PublicState{}, false, nil
	case err != nil:
		return models.PublicState{}, false, err
	}

	c.entries.Add(imageID, statusEntry{state: state, found: true})
	return state, true, nil
}

func (c *StatusCache) Forget(imageID string) {
	c.entries.Remove(imageID)
}
