package api

import (
	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/facade"
)

/*
Facade defines the maintenance surface every domain cache exposes.
It is what the process-wide services (the janitor, the debug endpoints and
shutdown) need to know about a facade, without exposing its domain API.
*/
type Facade interface {

	/*
		ClearCache drops every cached entry of the facade.

		BEHAVIOR:
		---------
		- Removes entries from every cache the facade owns
		- Does NOT close realtime listeners
		- Does NOT touch the backing store

		The next read of any key goes to the store.
	*/
	ClearCache()

	/*
		PurgeExpired removes every entry that outlived its TTL and returns how
		many were removed.

		Expired entries are also removed lazily on read; this is the eager
		sweep the janitor runs so idle keys do not hold memory.
	*/
	PurgeExpired() int

	/*
		CacheStats describes every cache the facade owns, one Stats per cache.
	*/
	CacheStats() []cache.Stats
}

var (
	_ Facade = (*facade.Users)(nil)
	_ Facade = (*facade.Groups)(nil)
	_ Facade = (*facade.HotSpots)(nil)
	_ Facade = (*facade.Posts)(nil)
	_ Facade = (*facade.Notifications)(nil)
	_ Facade = (*facade.Hashtags)(nil)
)

// Named pairs a facade with the name it is reported under.
type Named struct {
	Name   string
	Facade Facade
}

// PurgeAll runs PurgeExpired on every facade and returns the total removed.
func PurgeAll(facades []Named) int {
	total := 0
	for _, f := range facades {
		total += f.Facade.PurgeExpired()
	}
	return total
}

// ClearAll empties every facade.
func ClearAll(facades []Named) {
	for _, f := range facades {
		f.Facade.ClearCache()
	}
}

// Stats collects the cache stats of every facade by name.
func Stats(facades []Named) map[string][]cache.Stats {
	out := make(map[string][]cache.Stats, len(facades))
	for _, f := range facades {
		out[f.Name] = f.Facade.CacheStats()
	}
	return out
}
