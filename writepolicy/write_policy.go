package writepolicy

import (
	"context"
	"errors"
	"time"
)

/*
This file defines what a "write policy" is.

Facades never talk to the store's write path directly. They hand mutations to
a policy, which decides when they reach the store:
- Write-through: one store write per mutation, right away
- Write-back: mutations are coalesced and committed in periodic batches
*/

// ErrClosed is returned by OnWrite after Close.
var ErrClosed = errors.New("writepolicy: closed")

/*
Mutation is one pending partial update of a document.

ScopeID groups mutations that belong together (a chat room, a user): each scope
is committed independently of the others.

Done, if set, is called once with the outcome of the commit that carried the
mutation. A mutation replaced by a later one for the same document reports the
outcome of that later commit. Done is not called for a mutation the policy
rejected with ErrClosed.
*/
type Mutation struct {
	ScopeID    string
	Collection string
	ID         string
	Fields     map[string]any
	EnqueuedAt time.Time
	Done       func(error)
}

func (m Mutation) report(err error) {
	if m.Done != nil {
		m.Done(err)
	}
}

// chainDone reports to both callbacks, earlier first.
func chainDone(earlier, later func(error)) func(error) {
	switch {
	case earlier == nil:
		return later
	case later == nil:
		return earlier
	}
	return func(err error) {
		earlier(err)
		later(err)
	}
}

func (m Mutation) key() mutationKey {
	return mutationKey{scope: m.ScopeID, collection: m.Collection, id: m.ID}
}

type mutationKey struct {
	scope, collection, id string
}

/*
WritePolicy is the contract that all write policies must follow.
*/
type WritePolicy interface {

	// OnWrite hands a mutation to the policy.
	OnWrite(ctx context.Context, m Mutation) error

	// Flush pushes everything pending to the store now.
	Flush(ctx context.Context) error

	// Close flushes and stops accepting mutations.
	Close(ctx context.Context) error
}
