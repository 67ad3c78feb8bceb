package syncer

import (
	"sort"
	"time"

	"github.com/mmynk/ledgersync/internal/relay"
)

// State is the orchestrator's position in its state machine.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
	StateOffline State = "offline"
)

// Status is a point-in-time copy of the orchestrator state.
type Status struct {
	State      State
	Online     bool
	LastError  error
	LastSyncAt time.Time

	// SubscribedGroups lists groups the device wants live updates for,
	// whether or not a feed is currently open.
	SubscribedGroups []string
	LiveGroups       []string
}

// liveSubscription is an open transport feed. cancel unblocks callbacks
// still trying to hand a record to the loop.
type liveSubscription struct {
	sub    relay.Subscription
	cancel func()
}

// SyncState is everything the driving loop owns. Only the loop goroutine
// reads or writes it.
type SyncState struct {
	Online     bool
	State      State
	LastError  error
	LastSyncAt time.Time

	// subscribed maps group ID to the local actor ID whose own writes are
	// filtered from that group's feed.
	subscribed map[string]string
	live       map[string]*liveSubscription
	applied    *appliedSet
}

func newSyncState(online bool, appliedCapacity int) *SyncState {
	s := &SyncState{
		Online:     online,
		State:      StateIdle,
		subscribed: make(map[string]string),
		live:       make(map[string]*liveSubscription),
		applied:    newAppliedSet(appliedCapacity),
	}
	if !online {
		s.State = StateOffline
	}
	return s
}

func (s *SyncState) snapshot() Status {
	st := Status{
		State:      s.State,
		Online:     s.Online,
		LastError:  s.LastError,
		LastSyncAt: s.LastSyncAt,
	}
	for g := range s.subscribed {
		st.SubscribedGroups = append(st.SubscribedGroups, g)
	}
	for g := range s.live {
		st.LiveGroups = append(st.LiveGroups, g)
	}
	sort.Strings(st.SubscribedGroups)
	sort.Strings(st.LiveGroups)
	return st
}

func (s *SyncState) subscribedGroups() []string {
	groups := make([]string, 0, len(s.subscribed))
	for g := range s.subscribed {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// appliedSet remembers the most recent applied record IDs, oldest evicted first.
type appliedSet struct {
	capacity int
	ids      map[string]struct{}
	order    []string
	next     int
}

func newAppliedSet(capacity int) *appliedSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &appliedSet{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (a *appliedSet) contains(id string) bool {
	_, ok := a.ids[id]
	return ok
}

func (a *appliedSet) add(id string) {
	if id == "" || a.contains(id) {
		return
	}
	if len(a.order) < a.capacity {
		a.order = append(a.order, id)
	} else {
		delete(a.ids, a.order[a.next])
		a.order[a.next] = id
		a.next = (a.next + 1) % a.capacity
	}
	a.ids[id] = struct{}{}
}
