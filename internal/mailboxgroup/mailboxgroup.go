// Package mailboxgroup models a client's likely group of mailboxes, so a
// server can detect when a client is about to run the same STATUS/FETCH
// pattern over many mailboxes in a row and pre-fetch the rest speculatively
// instead of paying per-mailbox round trips to storage.
package mailboxgroup

// Group is a candidate set of mailbox ids the client is suspected of
// about to operate on one at a time (e.g. a mail client doing STATUS on
// every mailbox after connecting). Testing a mailbox against Contains
// removes it from the group on a hit, so Remaining() never returns a
// mailbox that has already been individually confirmed.
type Group struct {
	mailboxes map[int64]bool
	hits      int
	misses    int
	streak    int // hits since the last miss
}

// New builds a Group from the given candidate mailbox ids.
func New(mailboxIDs []int64) *Group {
	g := &Group{mailboxes: make(map[int64]bool, len(mailboxIDs))}
	for _, id := range mailboxIDs {
		g.mailboxes[id] = true
	}
	return g
}

// Contains reports whether id is (still) in the group, records a hit or
// miss, and removes id from the group on a hit so it won't be
// double-counted by a later speculative batch.
func (g *Group) Contains(id int64) bool {
	if g.mailboxes[id] {
		g.hits++
		g.streak++
		delete(g.mailboxes, id)
		return true
	}
	g.misses++
	g.streak = 0
	return false
}

// Hits returns how many times Contains has found a match.
func (g *Group) Hits() int { return g.hits }

// Misses returns how many times Contains has not found a match.
func (g *Group) Misses() int { return g.misses }

// Remaining returns the mailbox ids still in the group (not yet tested
// with Contains), in no particular order.
func (g *Group) Remaining() []int64 {
	out := make([]int64, 0, len(g.mailboxes))
	for id := range g.mailboxes {
		out = append(out, id)
	}
	return out
}

// ShouldPrefetch reports whether enough hits have accumulated to justify
// speculatively batch-loading the rest of the group; three consecutive
// hits is the threshold a client cycling through mailboxes one at a time
// reliably clears within the first few requests, while a client touching
// mailboxes at random rarely does.
func (g *Group) ShouldPrefetch() bool {
	return g.streak >= 3 && len(g.mailboxes) > 0
}
