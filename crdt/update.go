package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ID identifies an item by the replica that created it and that replica's
// sequence number.
type ID struct {
	Client string `json:"c"`
	Seq    uint64 `json:"s"`
}

func (id ID) String() string { return fmt.Sprintf("%s:%d", id.Client, id.Seq) }

// Item is a single rune together with its placement metadata.
type Item struct {
	ID      ID     `json:"id"`
	Origin  *ID    `json:"o,omitempty"` // left neighbour when created; nil means document start
	Lamport uint64 `json:"l"`
	Value   string `json:"v"`
}

// Update is the unit exchanged between replicas. Applying the same update
// twice, or updates in any order, converges to the same state.
type Update struct {
	Items   []Item `json:"items,omitempty"`
	Deletes []ID   `json:"deletes,omitempty"`
}

// IsEmpty reports whether the update carries no information.
func (u Update) IsEmpty() bool { return len(u.Items) == 0 && len(u.Deletes) == 0 }

// StateVector maps a replica id to the highest contiguous sequence number
// integrated from it.
type StateVector map[string]uint64

// EncodeUpdate serializes an update.
func EncodeUpdate(u Update) []byte {
	b, _ := json.Marshal(u)
	return b
}

// DecodeUpdate parses an encoded update.
func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if len(b) == 0 {
		return u, nil
	}
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

// MergeUpdates combines encoded updates into one. Duplicate items and
// deletes are collapsed.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	items := make(map[ID]Item)
	deletes := make(map[ID]struct{})
	for i, b := range updates {
		u, err := DecodeUpdate(b)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		for _, it := range u.Items {
			items[it.ID] = it
		}
		for _, id := range u.Deletes {
			deletes[id] = struct{}{}
		}
	}
	merged := Update{}
	for _, it := range items {
		merged.Items = append(merged.Items, it)
	}
	for id := range deletes {
		merged.Deletes = append(merged.Deletes, id)
	}
	sortItems(merged.Items)
	sortIDs(merged.Deletes)
	return EncodeUpdate(merged), nil
}

// less orders items by Lamport clock, then replica id. Integrating in this
// order guarantees every origin precedes the items that reference it.
func less(a, b Item) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.ID.Client != b.ID.Client {
		return a.ID.Client < b.ID.Client
	}
	return a.ID.Seq < b.ID.Seq
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Seq < ids[j].Seq
	})
}
