package events

import (
	"time"

	"github.com/google/uuid"
)

// CacheCreated is emitted when a manager builds a new cache because its pool
// was empty.
type CacheCreated struct {
	CacheID uuid.UUID
	Nodes   int
}

// CacheLeased is emitted when a cache is handed out. Reused is false for a
// freshly created cache.
type CacheLeased struct {
	CacheID uuid.UUID
	Reused  bool
}

// CacheReleased is emitted when a lease is returned. Pooled is false when the
// pool was full and the cache was dropped.
type CacheReleased struct {
	CacheID  uuid.UUID
	Pooled   bool
	Duration time.Duration
}

// CompilePass is emitted after each compilation pass over a cache.
type CompilePass struct {
	CacheID  uuid.UUID
	FirstUse bool
	Compiled int
	Reused   int
	Err      error
	Duration time.Duration
}
