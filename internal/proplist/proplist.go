// Package proplist implements the client property list container: an
// ordered set of string keys mapped to opaque byte values, sent to the
// server on SET_CLIENT_NAME (version >= 13) and mutated via
// UPDATE_CLIENT_PROPLIST / REMOVE_CLIENT_PROPLIST.
//
// This is one of the components spec.md §1 lists as an external
// collaborator; the implementation here is intentionally minimal — an
// ordered map, not a full property-list DSL — just enough to drive the
// wire operations the core actually performs.
package proplist

import "github.com/gopulse/pulseclient/internal/proto"

// PropList is an insertion-ordered string->[]byte map.
type PropList struct {
	order  []string
	values map[string][]byte
}

// New creates an empty property list.
func New() *PropList {
	return &PropList{values: make(map[string][]byte)}
}

// Sets stores or overwrites a key's value, moving it to the end of the
// iteration order the first time it is inserted.
func (p *PropList) Set(key string, value []byte) {
	if _, exists := p.values[key]; !exists {
		p.order = append(p.order, key)
	}
	p.values[key] = value
}

// SetString is a convenience wrapper for text properties.
func (p *PropList) SetString(key, value string) {
	p.Set(key, []byte(value))
}

func (p *PropList) Get(key string) ([]byte, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (p *PropList) Keys() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Clone returns a deep copy.
func (p *PropList) Clone() *PropList {
	c := New()
	for _, k := range p.order {
		v := make([]byte, len(p.values[k]))
		copy(v, p.values[k])
		c.Set(k, v)
	}
	return c
}

// Remove deletes the given keys, if present. It never errors: removing a
// key that isn't there is a no-op, matching REMOVE_CLIENT_PROPLIST's
// idempotent server-side semantics.
func (p *PropList) Remove(keys ...string) {
	for _, k := range keys {
		if _, ok := p.values[k]; !ok {
			continue
		}
		delete(p.values, k)
		for i, existing := range p.order {
			if existing == k {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
}

// Update merges other into p according to mode:
//   - Set: p becomes exactly other's contents.
//   - Merge: keys in other are added/overwritten in p; existing keys not
//     in other are kept.
//   - Replace: same as Set (there is no "add without overwrite" case in
//     this protocol; Merge already means "overwrite on conflict").
func (p *PropList) Update(mode proto.ProplistUpdateMode, other *PropList) {
	switch mode {
	case proto.ProplistSet, proto.ProplistReplace:
		p.order = nil
		p.values = make(map[string][]byte)
		for _, k := range other.order {
			p.Set(k, other.values[k])
		}
	case proto.ProplistMerge:
		for _, k := range other.order {
			p.Set(k, other.values[k])
		}
	}
}

// Len reports the number of properties.
func (p *PropList) Len() int { return len(p.order) }
