// This file defines how cache entries expire over time.

package expiration

import (
	"fmt"
	"time"

	"github.com/krisalay/client-cache/types"
)

/*
Strategy is the interface that all expiration rules must follow. Instead of hard-coding
expiration logic into the cache, we define a strategy so expiration behavior can be swapped easily.
*/
type Strategy interface {

	// IsExpired checks if the entry is expired
	IsExpired(*types.EntryMeta, time.Time) bool

	// OnAccess is called whenever a cache entry is read successfully.
	OnAccess(*types.EntryMeta, time.Time)

	// OnWrite is called whenever a cache entry is written or updated.
	OnWrite(*types.EntryMeta, time.Time)

	// TTL is the configured lifetime.
	TTL() time.Duration
}

// StrategyType identifies one of the built-in strategies.
type StrategyType string

const (
	// AfterWrite expires an entry a fixed TTL after it was cached.
	AfterWrite StrategyType = "write"

	// AfterAccess expires an entry a fixed TTL after it was last read.
	AfterAccess StrategyType = "access"
)

// New builds the strategy named by t.
func New(t StrategyType, ttl time.Duration) (Strategy, error) {
	switch t {
	case AfterWrite, "":
		return &ExpireAfterWrite{Lifetime: ttl}, nil
	case AfterAccess:
		return &ExpireAfterAccess{Lifetime: ttl}, nil
	default:
		return nil, fmt.Errorf("unknown expiration strategy %q", t)
	}
}
