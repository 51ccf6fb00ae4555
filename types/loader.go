package types

import "context"

/*
LoaderFunc is how the cache talks to the outside world when it does NOT have the data.

 1. Cache checks memory → key not found or expired
 2. The deduplicator makes sure only one LoaderFunc runs per key
 3. The LoaderFunc fetches from the document store
 4. The result is stored in memory and handed to every waiting caller

The context passed to a LoaderFunc is detached from the caller's cancellation:
a caller that gives up does not abort a fetch other callers may be waiting on.
*/
type LoaderFunc[V any] func(ctx context.Context) (V, error)
