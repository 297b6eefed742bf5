// Package queue implements the vote-ordered queue of a listening session.
//
// Items are ranked by (votes desc, insertion sequence asc). Every operation
// takes the queue's lock for its whole duration, so a vote is never observed
// half-applied and PopNext hands any given item to exactly one caller.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pravuX/ksunira/errs"
	"github.com/rs/xid"
)

// Vote is a single participant's cast on a queue item.
type Vote int

const (
	VoteDown Vote = -1
	VoteUp   Vote = 1
)

// Valid returns true for +1 and -1.
func (v Vote) Valid() bool {
	return v == VoteUp || v == VoteDown
}

// Item is a snapshot of a queued track and its tally. Position and UserVote
// are filled in by List and are not part of the stored state.
type Item struct {
	ID        string    `json:"id"`
	Track     Track     `json:"track"`
	Votes     int       `json:"votes"`
	Position  int       `json:"position"`
	UserVote  *Vote     `json:"user_vote"`
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	id        string
	track     Track
	votes     int
	seq       uint64
	createdAt time.Time
	voters    map[string]Vote // user id -> cast
}

func (e *entry) snapshot(forUserID string) Item {
	it := Item{
		ID:        e.id,
		Track:     e.track,
		Votes:     e.votes,
		CreatedAt: e.createdAt,
	}
	if forUserID != "" {
		if v, ok := e.voters[forUserID]; ok {
			it.UserVote = &v
		}
	}
	return it
}

// ranksBefore reports whether a is ahead of b in the queue order.
func ranksBefore(a, b *entry) bool {
	if a.votes != b.votes {
		return a.votes > b.votes
	}
	return a.seq < b.seq
}

// Queue is the pending track list of one session.
type Queue struct {
	mu      sync.Mutex
	entries []*entry // insertion order
	byID    map[string]*entry
	nextSeq uint64
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		entries: make([]*entry, 0),
		byID:    make(map[string]*entry),
	}
}

// Enqueue appends a track with zero votes. Tracks whose canonical id is
// already queued are rejected with errs.ErrDuplicateTrack.
func (q *Queue) Enqueue(t Track) (Item, error) {
	if !t.IsValid() {
		return Item{}, fmt.Errorf("enqueue %q: %w", t.Title, errs.ErrUnresolvableSource)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.CanonicalID != "" {
		for _, e := range q.entries {
			if e.track.CanonicalID == t.CanonicalID {
				return Item{}, errs.ErrDuplicateTrack
			}
		}
	}
	if t.ID == "" {
		t.ID = xid.New().String()
	}

	e := &entry{
		id:        xid.New().String(),
		track:     t,
		seq:       q.nextSeq,
		createdAt: time.Now().UTC(),
		voters:    make(map[string]Vote),
	}
	q.nextSeq++
	q.entries = append(q.entries, e)
	q.byID[e.id] = e

	it := e.snapshot("")
	it.Position = q.positionLocked(e)
	return it, nil
}

// Vote records userID's cast on the item. Repeating the same cast is a no-op,
// casting the opposite value flips it. Returns errs.ErrNotFound once the
// item has left the queue.
func (q *Queue) Vote(itemID, userID string, v Vote) (Item, error) {
	if !v.Valid() || userID == "" {
		return Item{}, errs.ErrInvalidVote
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[itemID]
	if !ok {
		return Item{}, fmt.Errorf("vote on %s: %w", itemID, errs.ErrNotFound)
	}

	prev, voted := e.voters[userID]
	switch {
	case !voted:
		e.voters[userID] = v
		e.votes += int(v)
	case prev != v:
		e.voters[userID] = v
		e.votes += int(v) - int(prev)
	}

	it := e.snapshot(userID)
	it.Position = q.positionLocked(e)
	return it, nil
}

// Get returns a single queued item, annotated for forUserID when non-empty.
func (q *Queue) Get(itemID, forUserID string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[itemID]
	if !ok {
		return Item{}, fmt.Errorf("get %s: %w", itemID, errs.ErrNotFound)
	}
	it := e.snapshot(forUserID)
	it.Position = q.positionLocked(e)
	return it, nil
}

// List returns the queue in rank order. When forUserID is set each item
// carries that user's own cast; this never affects ordering.
func (q *Queue) List(forUserID string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	ranked := q.rankedLocked()
	items := make([]Item, len(ranked))
	for i, e := range ranked {
		items[i] = e.snapshot(forUserID)
		items[i].Position = i
	}
	return items
}

// PopNext removes and returns the highest-ranked item. ok is false when the
// queue is empty, which is a normal outcome rather than an error.
func (q *Queue) PopNext() (it Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Item{}, false
	}

	best := 0
	for i := 1; i < len(q.entries); i++ {
		if ranksBefore(q.entries[i], q.entries[best]) {
			best = i
		}
	}

	e := q.entries[best]
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	delete(q.byID, e.id)

	return e.snapshot(""), true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops every queued item and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	q.entries = make([]*entry, 0)
	q.byID = make(map[string]*entry)
	return n
}

func (q *Queue) rankedLocked() []*entry {
	ranked := make([]*entry, len(q.entries))
	copy(ranked, q.entries)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranksBefore(ranked[i], ranked[j])
	})
	return ranked
}

func (q *Queue) positionLocked(target *entry) int {
	pos := 0
	for _, e := range q.entries {
		if e != target && ranksBefore(e, target) {
			pos++
		}
	}
	return pos
}
