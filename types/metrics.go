package types

// This file defines how the caching layer reports what it is doing.

/*
Metrics is an interface that defines what the layer wants to measure.
Each method represents an event in the lifecycle of a cache, a shared fetch,
a batch commit or a realtime connection. Components call these methods whenever
something happens; the labels are the logical names of the caches, groups and
reasons involved.
*/
type Metrics interface {

	// Hit is called when a cache returns a valid value.
	Hit(cache string)

	// Miss is called when a cache does NOT have a valid value for a key.
	Miss(cache string)

	// Expire is called when n entries are removed because they passed their TTL.
	Expire(cache string, n int)

	// Eviction is called when n entries are removed to relieve capacity pressure.
	Eviction(cache string, n int)

	// Size reports the current number of entries held by a cache.
	Size(cache string, n int)

	// Shared is called when a caller joins a fetch that was already in flight.
	Shared(group string)

	// BatchCommit is called once per committed chunk of the batch writer.
	BatchCommit(ops int, err error)

	// ConnectionClosed is called whenever a realtime connection is torn down.
	ConnectionClosed(reason string)

	// Connections reports the number of live realtime connections.
	Connections(n int)
}

/*
NoopMetrics is a "do nothing" implementation of Metrics.

Components that are built without metrics still call through this type,
so none of them needs `if metrics != nil` checks.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit(string)              {}
func (NoopMetrics) Miss(string)             {}
func (NoopMetrics) Expire(string, int)      {}
func (NoopMetrics) Eviction(string, int)    {}
func (NoopMetrics) Size(string, int)        {}
func (NoopMetrics) Shared(string)           {}
func (NoopMetrics) BatchCommit(int, error)  {}
func (NoopMetrics) ConnectionClosed(string) {}
func (NoopMetrics) Connections(int)         {}
