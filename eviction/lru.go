// This file implements an O(1) recency list.

package eviction

// recencyNode represents ONE key inside the list. We use a doubly-linked list to track activity order.
type recencyNode struct {
	// key is the key this node represents
	key string

	// prev points to the node that was active just after this one
	prev *recencyNode

	// next points to the node that was active just before this one
	next *recencyNode
}

/*
Recency keeps keys ordered by their last activity.

The connection manager uses it to find the connection with the oldest
lastActivity without scanning every record when the connection cap is hit.
It is not safe for concurrent use; callers hold their own lock.
*/
type Recency struct {
	// nodes maps keys to their corresponding list nodes.
	// This allows us to find and move nodes in O(1) time.
	nodes map[string]*recencyNode

	// head points to the MOST recently active key
	head *recencyNode

	// tail points to the LEAST recently active key
	tail *recencyNode
}

func NewRecency() *Recency {
	return &Recency{nodes: make(map[string]*recencyNode)}
}

// Touch marks k as the most recently active key, adding it if it is new.
func (l *Recency) Touch(k string) {
	if n, ok := l.nodes[k]; ok {
		l.moveToFront(n)
		return
	}
	n := &recencyNode{key: k}
	l.nodes[k] = n
	l.addFront(n)
}

// Oldest returns the least recently active key.
func (l *Recency) Oldest() (string, bool) {
	if l.tail == nil {
		return "", false
	}
	return l.tail.key, true
}

// Newest returns the most recently active key.
func (l *Recency) Newest() (string, bool) {
	if l.head == nil {
		return "", false
	}
	return l.head.key, true
}

// Remove drops k from the list. Removing an unknown key is a no-op.
func (l *Recency) Remove(k string) {
	if n, ok := l.nodes[k]; ok {
		l.remove(n)
		delete(l.nodes, k)
	}
}

// Len returns the number of tracked keys.
func (l *Recency) Len() int { return len(l.nodes) }

// addFront adds a node to the front of the linked list. This marks the node as "most recently active".
func (l *Recency) addFront(n *recencyNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n

	// If the list was empty, head and tail are the same
	if l.tail == nil {
		l.tail = n
	}
}

// remove unlinks a node, fixing head and tail if needed.
func (l *Recency) remove(n *recencyNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (l *Recency) moveToFront(n *recencyNode) {
	l.remove(n)
	l.addFront(n)
}
