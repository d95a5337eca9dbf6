// Package crdt implements the replicated document shared by every replica of
// a collaborative document. It is a sequence CRDT over runes: every rune is an
// item placed after the item that was on its left when it was created, ties
// broken by Lamport clock, and deletions are a grow-only set of item ids.
// Updates commute and are idempotent, so replicas that have seen the same set
// of updates render the same text regardless of delivery order.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/alimasry/go-collab-sync/delta"
)

// ErrDestroyed is returned by writes after Destroy.
var ErrDestroyed = errors.New("document destroyed")

// Event describes a change that was integrated into the document.
type Event struct {
	// Update holds only the information that was new to this replica.
	Update []byte
	// Origin is the value passed to Apply or Edit by whoever produced the change.
	Origin any
}

type observer struct {
	id int
	fn func(Event)
}

// Document is safe for concurrent use. Observers run synchronously on the
// goroutine that applied the change, after the document lock is released.
type Document struct {
	mu      sync.Mutex
	client  string
	seq     uint64
	lamport uint64

	items   []Item // document order, tombstones included
	known   map[ID]struct{}
	deleted map[ID]struct{}
	pending []Item // items whose origin has not arrived yet
	lastIdx int

	observers []observer
	nextObsID int
	destroyed bool
}

// NewDocument creates an empty document for the given replica id. An empty
// id is replaced by a random one.
func NewDocument(client string) *Document {
	if client == "" {
		client = uuid.NewString()
	}
	return &Document{
		client:  client,
		known:   make(map[ID]struct{}),
		deleted: make(map[ID]struct{}),
		lastIdx: -1,
	}
}

// Client returns the replica id used for local edits.
func (d *Document) Client() string { return d.client }

// Apply integrates an encoded update. Observers are notified with the part of
// the update that was new; re-applying known state notifies nobody.
func (d *Document) Apply(update []byte, origin any) error {
	u, err := DecodeUpdate(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	eff := d.integrate(u)
	obs := d.observerFuncs()
	d.mu.Unlock()

	d.notify(obs, eff, origin)
	return nil
}

// Edit converts a local edit into an update, integrates it and returns the
// encoded update. A no-op edit returns nil.
func (d *Document) Edit(op delta.Operation, origin any) ([]byte, error) {
	return d.edit(func() delta.Operation { return op }, origin)
}

// EditFunc is Edit with the operation built from the current text while the
// document is locked, so no concurrent update can move the base in between.
// build must not call back into the Document.
func (d *Document) EditFunc(build func(text string) delta.Operation, origin any) ([]byte, error) {
	return d.edit(func() delta.Operation { return build(d.textLocked()) }, origin)
}

func (d *Document) edit(build func() delta.Operation, origin any) ([]byte, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil, ErrDestroyed
	}
	op := build()
	if err := op.Validate(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if op.IsNoop() {
		d.mu.Unlock()
		return nil, nil
	}
	visible := d.visibleIndexes()
	if len(visible) != op.BaseLen() {
		d.mu.Unlock()
		return nil, fmt.Errorf("edit base length %d != document length %d", op.BaseLen(), len(visible))
	}

	var u Update
	var left *ID
	pos := 0
	for _, c := range op.Ops {
		switch {
		case c.IsRetain():
			pos += c.Retain
			left = nil
			if pos > 0 {
				id := d.items[visible[pos-1]].ID
				left = &id
			}
		case c.IsInsert():
			for _, r := range c.Insert {
				d.seq++
				d.lamport++
				it := Item{
					ID:      ID{Client: d.client, Seq: d.seq},
					Origin:  left,
					Lamport: d.lamport,
					Value:   string(r),
				}
				u.Items = append(u.Items, it)
				id := it.ID
				left = &id
			}
		case c.IsDelete():
			for i := pos; i < pos+c.Delete; i++ {
				u.Deletes = append(u.Deletes, d.items[visible[i]].ID)
			}
			pos += c.Delete
		}
	}

	eff := d.integrate(u)
	obs := d.observerFuncs()
	d.mu.Unlock()

	d.notify(obs, eff, origin)
	return EncodeUpdate(u), nil
}

// Observe registers fn for every integrated change. The returned function
// removes the registration and may be called more than once.
func (d *Document) Observe(fn func(Event)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return func() {}
	}
	d.nextObsID++
	id := d.nextObsID
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

// Destroy drops all observers and rejects further writes. Reads keep
// returning the last state.
func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.observers = nil
}

// Text renders the visible content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked()
}

func (d *Document) textLocked() string {
	var b strings.Builder
	for _, it := range d.items {
		if _, gone := d.deleted[it.ID]; !gone {
			b.WriteString(it.Value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visibleIndexes())
}

// Snapshot encodes the complete state, including items still waiting for
// their origin.
func (d *Document) Snapshot() []byte {
	return d.Diff(nil)
}

// StateVector reports, per replica, the highest contiguous sequence number
// integrated so far.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	seqs := make(map[string][]uint64)
	for _, it := range d.items {
		seqs[it.ID.Client] = append(seqs[it.ID.Client], it.ID.Seq)
	}
	sv := make(StateVector, len(seqs))
	for client, s := range seqs {
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
		var n uint64
		for _, seq := range s {
			if seq != n+1 {
				break
			}
			n = seq
		}
		if n > 0 {
			sv[client] = n
		}
	}
	return sv
}

// Diff encodes every item a replica with state vector sv is missing, plus
// the full delete set. A nil sv yields the whole document.
func (d *Document) Diff(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var u Update
	for _, it := range d.items {
		if it.ID.Seq > sv[it.ID.Client] {
			u.Items = append(u.Items, it)
		}
	}
	for _, it := range d.pending {
		if it.ID.Seq > sv[it.ID.Client] {
			u.Items = append(u.Items, it)
		}
	}
	for id := range d.deleted {
		u.Deletes = append(u.Deletes, id)
	}
	sortItems(u.Items)
	sortIDs(u.Deletes)
	return EncodeUpdate(u)
}

// integrate must be called with d.mu held. It returns the effective update.
func (d *Document) integrate(u Update) Update {
	var eff Update
	for _, id := range u.Deletes {
		if _, ok := d.deleted[id]; ok {
			continue
		}
		d.deleted[id] = struct{}{}
		eff.Deletes = append(eff.Deletes, id)
	}

	items := append([]Item(nil), u.Items...)
	sortItems(items)
	for _, it := range items {
		if d.seen(it.ID) {
			continue
		}
		eff.Items = append(eff.Items, it)
		d.observeClock(it)
		if !d.insert(it) {
			d.pending = append(d.pending, it)
		}
	}

	for progress := len(d.pending) > 0; progress; {
		progress = false
		var rest []Item
		for _, it := range d.pending {
			if d.insert(it) {
				progress = true
				continue
			}
			rest = append(rest, it)
		}
		d.pending = rest
	}
	return eff
}

func (d *Document) seen(id ID) bool {
	if _, ok := d.known[id]; ok {
		return true
	}
	for _, it := range d.pending {
		if it.ID == id {
			return true
		}
	}
	return false
}

func (d *Document) observeClock(it Item) {
	if it.Lamport > d.lamport {
		d.lamport = it.Lamport
	}
	if it.ID.Client == d.client && it.ID.Seq > d.seq {
		d.seq = it.ID.Seq
	}
}

// insert places it after its origin, skipping items with a newer clock.
// It reports false when the origin is unknown.
func (d *Document) insert(it Item) bool {
	pos := 0
	if it.Origin != nil {
		idx := d.indexOf(*it.Origin)
		if idx < 0 {
			return false
		}
		pos = idx + 1
	}
	for pos < len(d.items) && less(it, d.items[pos]) {
		pos++
	}
	d.items = append(d.items, Item{})
	copy(d.items[pos+1:], d.items[pos:])
	d.items[pos] = it
	d.known[it.ID] = struct{}{}
	d.lastIdx = pos
	return true
}

func (d *Document) indexOf(id ID) int {
	if _, ok := d.known[id]; !ok {
		return -1
	}
	// Runs of typed text reference the item inserted just before.
	if d.lastIdx >= 0 && d.lastIdx < len(d.items) && d.items[d.lastIdx].ID == id {
		return d.lastIdx
	}
	for i := range d.items {
		if d.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Document) visibleIndexes() []int {
	idx := make([]int, 0, len(d.items))
	for i, it := range d.items {
		if _, gone := d.deleted[it.ID]; !gone {
			idx = append(idx, i)
		}
	}
	return idx
}

func (d *Document) observerFuncs() []func(Event) {
	fns := make([]func(Event), len(d.observers))
	for i, o := range d.observers {
		fns[i] = o.fn
	}
	return fns
}

func (d *Document) notify(obs []func(Event), eff Update, origin any) {
	if eff.IsEmpty() || len(obs) == 0 {
		return
	}
	ev := Event{Update: EncodeUpdate(eff), Origin: origin}
	for _, fn := range obs {
		fn(ev)
	}
}
