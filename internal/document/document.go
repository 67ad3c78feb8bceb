// Package document implements the causal multi-writer container the ledger
// replicates: a fixed set of named maps with last-write-wins semantics per
// key, a version vector, snapshot and incremental export, and
// merge-on-import.
//
// Every write goes through Transact. There is no other mutation path, so an
// operation can never be applied without being recorded for export.
package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Container names one of the document's map containers.
type Container string

const (
	Entries               Container = "entries"
	Members               Container = "members"
	MemberAliases         Container = "memberAliases"
	MemberEvents          Container = "memberEvents"
	SettlementPreferences Container = "settlementPreferences"
)

var containers = map[Container]bool{
	Entries:               true,
	Members:               true,
	MemberAliases:         true,
	MemberEvents:          true,
	SettlementPreferences: true,
}

// Valid reports whether c is one of the known containers.
func (c Container) Valid() bool {
	return containers[c]
}

var (
	// ErrUnknownContainer is returned when a caller names a container the
	// document does not define.
	ErrUnknownContainer = errors.New("unknown container")
	// ErrMalformedUpdate is returned by Import for bytes that do not decode.
	ErrMalformedUpdate = errors.New("malformed update")
)

// Version is a version vector: peer ID to the highest contiguous operation
// counter seen from that peer.
type Version map[string]uint64

// Clone returns an independent copy of v.
func (v Version) Clone() Version {
	out := make(Version, len(v))
	for k, c := range v {
		out[k] = c
	}
	return out
}

// Equal reports whether two version vectors are identical.
func (v Version) Equal(other Version) bool {
	if len(v) != len(other) {
		return false
	}
	for k, c := range v {
		if other[k] != c {
			return false
		}
	}
	return true
}

// String renders the vector deterministically, for logs and version tags.
func (v Version) String() string {
	peers := make([]string, 0, len(v))
	for p := range v {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	s := ""
	for i, p := range peers {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s:%d", p, v[p])
	}
	return s
}

type opID struct {
	peer    string
	counter uint64
}

type op struct {
	peer      string
	counter   uint64
	lamport   uint64
	container Container
	key       string
	value     []byte
	deleted   bool
}

// wins reports whether o should replace the current winner c for its key.
func (o op) wins(c cell) bool {
	if o.lamport != c.lamport {
		return o.lamport > c.lamport
	}
	return o.peer > c.peer
}

type cell struct {
	value   []byte
	deleted bool
	lamport uint64
	peer    string
}

// Document is a replicated set of LWW maps. It is safe for concurrent use.
type Document struct {
	mu      sync.RWMutex
	peer    string
	counter uint64
	lamport uint64
	ops     []op
	seen    map[opID]bool
	state   map[Container]map[string]cell
	version Version
}

// New creates an empty document whose local writes are attributed to peer.
func New(peer string) *Document {
	d := &Document{
		peer:    peer,
		seen:    make(map[opID]bool),
		state:   make(map[Container]map[string]cell, len(containers)),
		version: make(Version),
	}
	for c := range containers {
		d.state[c] = make(map[string]cell)
	}
	return d
}

// PeerID returns the peer local writes are attributed to.
func (d *Document) PeerID() string {
	return d.peer
}

// Version returns a copy of the current version vector.
func (d *Document) Version() Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version.Clone()
}

// OpCount returns the number of operations the document holds.
func (d *Document) OpCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ops)
}

// Transact runs fn with a transaction and commits its writes atomically if
// fn returns nil. A transaction that writes nothing commits nothing.
func (d *Document) Transact(fn func(tx *Txn) error) error {
	tx := &Txn{doc: d, pending: make(map[Container]map[string]pendingWrite)}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.order) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range tx.order {
		d.counter++
		d.lamport++
		o := op{
			peer:      d.peer,
			counter:   d.counter,
			lamport:   d.lamport,
			container: w.container,
			key:       w.key,
			value:     w.value,
			deleted:   w.deleted,
		}
		d.applyLocked(o)
	}
	return nil
}

// applyLocked records o and folds it into the state. Callers hold d.mu.
func (d *Document) applyLocked(o op) bool {
	id := opID{peer: o.peer, counter: o.counter}
	if d.seen[id] {
		return false
	}
	d.seen[id] = true
	d.ops = append(d.ops, o)

	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}
	if o.peer == d.peer && o.counter > d.counter {
		d.counter = o.counter
	}

	for d.seen[opID{peer: o.peer, counter: d.version[o.peer] + 1}] {
		d.version[o.peer]++
	}

	m := d.state[o.container]
	if cur, ok := m[o.key]; !ok || o.wins(cur) {
		m[o.key] = cell{value: o.value, deleted: o.deleted, lamport: o.lamport, peer: o.peer}
	}
	return true
}

// ExportSnapshot encodes every operation the document holds.
func (d *Document) ExportSnapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeOps(d.ops)
}

// ExportIncremental encodes the operations not covered by from. The result
// is empty when there is nothing new.
func (d *Document) ExportIncremental(from Version) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var diff []op
	for _, o := range d.ops {
		if o.counter > from[o.peer] {
			diff = append(diff, o)
		}
	}
	if len(diff) == 0 {
		return nil
	}
	return encodeOps(diff)
}

// Import merges a snapshot or incremental update. Operations already known
// are skipped, so importing the same bytes twice is harmless. It returns
// the number of operations that were new.
func (d *Document) Import(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	ops, err := decodeOps(data)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	applied := 0
	for _, o := range ops {
		if !o.container.Valid() {
			return applied, fmt.Errorf("%w: %q", ErrUnknownContainer, o.container)
		}
		if d.applyLocked(o) {
			applied++
		}
	}
	return applied, nil
}

// Map returns a read view over container c.
func (d *Document) Map(c Container) (*Map, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, c)
	}
	return &Map{doc: d, container: c}, nil
}

// MustMap is Map for the package's own container constants.
func (d *Document) MustMap(c Container) *Map {
	m, err := d.Map(c)
	if err != nil {
		panic(err)
	}
	return m
}

// Map is a read-only view of one container.
type Map struct {
	doc       *Document
	container Container
}

// Get returns the live value stored under key.
func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	c, ok := m.doc.state[m.container][key]
	if !ok || c.deleted {
		return nil, false
	}
	return c.value, true
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	keys := make([]string, 0, len(m.doc.state[m.container]))
	for k, c := range m.doc.state[m.container] {
		if !c.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	n := 0
	for _, c := range m.doc.state[m.container] {
		if !c.deleted {
			n++
		}
	}
	return n
}

// Range calls fn for every live key in sorted order until fn returns false.
func (m *Map) Range(fn func(key string, value []byte) bool) {
	for _, k := range m.Keys() {
		v, ok := m.Get(k)
		if !ok {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}

type pendingWrite struct {
	container Container
	key       string
	value     []byte
	deleted   bool
}

// Txn buffers writes until the surrounding Transact commits.
type Txn struct {
	doc     *Document
	pending map[Container]map[string]pendingWrite
	order   []pendingWrite
}

// Set writes value under key in container c.
func (tx *Txn) Set(c Container, key string, value []byte) error {
	return tx.write(pendingWrite{container: c, key: key, value: append([]byte(nil), value...)})
}

// Delete removes key from container c.
func (tx *Txn) Delete(c Container, key string) error {
	return tx.write(pendingWrite{container: c, key: key, deleted: true})
}

func (tx *Txn) write(w pendingWrite) error {
	if !w.container.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownContainer, w.container)
	}
	if tx.pending[w.container] == nil {
		tx.pending[w.container] = make(map[string]pendingWrite)
	}
	tx.pending[w.container][w.key] = w
	tx.order = append(tx.order, w)
	return nil
}

// Get reads key from c, seeing the transaction's own writes first.
func (tx *Txn) Get(c Container, key string) ([]byte, bool) {
	if w, ok := tx.pending[c][key]; ok {
		if w.deleted {
			return nil, false
		}
		return w.value, true
	}
	m, err := tx.doc.Map(c)
	if err != nil {
		return nil, false
	}
	return m.Get(key)
}
