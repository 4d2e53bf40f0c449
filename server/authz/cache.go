package authz

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedPredicate wraps a caller-id role/identity lookup that is too slow
// to run on every call (e.g. a network round trip to an external identity
// provider) behind a short-lived in-process cache, so a Predicate rule
// built from it stays cheap even though the gate is otherwise stateless.
func CachedPredicate(ttl time.Duration, lookup func(callerID string) bool) func(callerID, method string, params any) bool {
	c := cache.New(ttl, 2*ttl)
	return func(callerID, method string, params any) bool {
		key := fmt.Sprintf("role:%s", callerID)
		if v, ok := c.Get(key); ok {
			return v.(bool)
		}
		result := lookup(callerID)
		c.Set(key, result, cache.DefaultExpiration)
		return result
	}
}
