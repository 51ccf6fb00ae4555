package eviction

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/krisalay/client-cache/types"
)

/*
This file defines how a cache decides what to remove when it runs out of space.

Eviction here is a pressure-relief pass, not a one-in-one-out swap. When a cache
is at capacity after expired entries were dropped, the policy picks a whole slice
of the oldest entries (30% of the capacity by default) so the next few writes do
not each pay for a cleanup.
*/

// DefaultFraction is the share of capacity purged by one pressure-relief pass.
const DefaultFraction = 0.3

/*
Policy is the interface that all eviction strategies must follow.

The cache does NOT care how victims are chosen.
It hands over a snapshot of its entries and deletes the keys it gets back.
*/
type Policy interface {

	// Victims returns the keys to purge from a cache of capacity maxSize.
	Victims(entries []types.EntryMeta, maxSize int) []string
}

// PolicyType is a simple identifier for supported eviction strategies.
type PolicyType string

const (
	// WriteTime evicts the entries that were cached longest ago, regardless of reads.
	WriteTime PolicyType = "write"

	// AccessTime evicts the entries that were read longest ago (true LRU).
	AccessTime PolicyType = "access"
)

// NewEvictionPolicy is a small factory function.
// Given a PolicyType, it creates the correct eviction policy.
func NewEvictionPolicy(t PolicyType) (Policy, error) {
	switch t {
	case WriteTime, "":
		return &oldestFirst{fraction: DefaultFraction, stamp: func(m types.EntryMeta) time.Time { return m.CachedAt }}, nil
	case AccessTime:
		return &oldestFirst{fraction: DefaultFraction, stamp: func(m types.EntryMeta) time.Time { return m.LastAccessedAt }}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", t)
	}
}

// Quota is the number of entries one pressure-relief pass removes: ceil(maxSize * fraction).
func Quota(maxSize int, fraction float64) int {
	if maxSize <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(maxSize) * fraction))
	if n < 1 {
		n = 1
	}
	return n
}

// oldestFirst sorts entries by a timestamp and returns the oldest Quota of them.
type oldestFirst struct {
	fraction float64
	stamp    func(types.EntryMeta) time.Time
}

func (p *oldestFirst) Victims(entries []types.EntryMeta, maxSize int) []string {
	n := Quota(maxSize, p.fraction)
	if n > len(entries) {
		n = len(entries)
	}
	if n == 0 {
		return nil
	}

	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b types.EntryMeta) int {
		if c := p.stamp(a).Compare(p.stamp(b)); c != 0 {
			return c
		}
		// ties broken by key so a pass is deterministic
		return strings.Compare(a.Key, b.Key)
	})

	victims := make([]string, n)
	for i := range victims {
		victims[i] = sorted[i].Key
	}
	return victims
}
