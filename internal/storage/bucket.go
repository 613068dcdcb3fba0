package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Bucket is one object area. Put overwrites, Delete ignores missing keys.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Areas binds the holding area for unmoderated uploads and the public area
// the CDN and the moderation classifier read from.
type Areas struct {
	Temp          Bucket
	Public        Bucket
	PublicBaseURL string
}

func (a Areas) PublicURL(key string) string {
	return strings.TrimSuffix(a.PublicBaseURL, "/") + "/" + strings.TrimPrefix(key, "/")
}
