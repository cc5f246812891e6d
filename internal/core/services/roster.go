package services

import (
	"sort"
	"sync"

	"voicemesh/internal/core/domain"
)

// Roster is the read model of the participants of the joined channel.
// It is written from the event loop and safe for any number of readers.
type Roster struct {
	mu          sync.RWMutex
	channelID   domain.ChannelID
	self        domain.UserID
	entries     map[domain.UserID]domain.ParticipantState
	subscribers map[int]chan []domain.ParticipantState
	nextSubID   int
}

func NewRoster() *Roster {
	return &Roster{
		entries:     make(map[domain.UserID]domain.ParticipantState),
		subscribers: make(map[int]chan []domain.ParticipantState),
	}
}

// Reset empties the roster and binds it to channelID. An empty channelID
// means not joined.
func (r *Roster) Reset(channelID domain.ChannelID) {
	r.mu.Lock()
	r.channelID = channelID
	r.self = ""
	r.entries = make(map[domain.UserID]domain.ParticipantState)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(snapshot)
}

// SetSelf inserts the local participant. The entry is pinned: snapshots and
// incremental events from the relay never overwrite or remove it.
func (r *Roster) SetSelf(p domain.ParticipantState) {
	r.mu.Lock()
	r.self = p.UserID
	r.entries[p.UserID] = p
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(snapshot)
}

// UpdateSelf mutates the pinned local entry.
func (r *Roster) UpdateSelf(update func(p *domain.ParticipantState)) {
	r.mu.Lock()
	p, ok := r.entries[r.self]
	if r.self == "" || !ok {
		r.mu.Unlock()
		return
	}
	update(&p)
	r.entries[r.self] = p
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(snapshot)
}

// Upsert inserts or replaces a remote participant and reports whether it
// was new.
func (r *Roster) Upsert(p domain.ParticipantState) bool {
	r.mu.Lock()
	if p.UserID == r.self {
		r.mu.Unlock()
		return false
	}
	_, existed := r.entries[p.UserID]
	r.entries[p.UserID] = p
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(snapshot)
	return !existed
}

// Remove drops a remote participant and returns its last state.
func (r *Roster) Remove(userID domain.UserID) (domain.ParticipantState, bool) {
	r.mu.Lock()
	p, ok := r.entries[userID]
	if !ok || userID == r.self {
		r.mu.Unlock()
		return domain.ParticipantState{}, false
	}
	delete(r.entries, userID)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(snapshot)
	return p, true
}

// ApplySnapshot replaces every remote entry with users. Fields absent from
// earlier incremental events are reset to the snapshot's values.
func (r *Roster) ApplySnapshot(channelID domain.ChannelID, users []domain.ParticipantState) domain.RosterDiff {
	r.mu.Lock()
	if channelID != r.channelID {
		r.mu.Unlock()
		return domain.RosterDiff{}
	}

	next := make(map[domain.UserID]domain.ParticipantState, len(users)+1)
	if self, ok := r.entries[r.self]; ok {
		next[r.self] = self
	}

	var diff domain.RosterDiff
	for _, u := range users {
		if u.UserID == "" || u.UserID == r.self {
			continue
		}
		if _, existed := r.entries[u.UserID]; !existed {
			diff.Added = append(diff.Added, u)
		}
		next[u.UserID] = u
	}
	for id, old := range r.entries {
		if _, still := next[id]; !still {
			diff.Removed = append(diff.Removed, old)
		}
	}
	r.entries = next
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	sortParticipants(diff.Added)
	sortParticipants(diff.Removed)
	r.publish(snapshot)
	return diff
}

// ApplyUpdate merges an incremental event. Unknown users and the local
// entry are ignored.
func (r *Roster) ApplyUpdate(u domain.ParticipantUpdate) bool {
	r.mu.Lock()
	p, ok := r.entries[u.UserID]
	if !ok || u.UserID == r.self {
		r.mu.Unlock()
		return false
	}
	r.entries[u.UserID] = u.Apply(p)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.publish(snapshot)
	return true
}

func (r *Roster) Get(userID domain.UserID) (domain.ParticipantState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[userID]
	return p, ok
}

func (r *Roster) ChannelID() domain.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelID
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the last fully applied state ordered by username.
func (r *Roster) Snapshot() []domain.ParticipantState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest snapshot not yet
// received. Slow readers skip intermediate states.
func (r *Roster) Subscribe() (<-chan []domain.ParticipantState, func()) {
	ch := make(chan []domain.ParticipantState, 1)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	ch <- r.snapshotLocked()
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			r.mu.Unlock()
		})
	}
}

func (r *Roster) snapshotLocked() []domain.ParticipantState {
	out := make([]domain.ParticipantState, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p)
	}
	sortParticipants(out)
	return out
}

func (r *Roster) publish(snapshot []domain.ParticipantState) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func sortParticipants(ps []domain.ParticipantState) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Username != ps[j].Username {
			return ps[i].Username < ps[j].Username
		}
		return ps[i].UserID < ps[j].UserID
	})
}
