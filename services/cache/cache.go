package cache

import (
	"time"
)

// CacheService represents a generic cache service. The fetch paths use it to
// hold short-lived block keys for sources that recently rate-limited us.
type CacheService interface {
	// Get retrieves a value from the cache
	Get(key string) ([]byte, error)

	// Set stores a value in the cache with an expiration time
	Set(key string, value []byte, expiration time.Duration) error

	// Delete removes a value from the cache
	Delete(key string) error
}
