// Package trie implements the broker's routing trie: an indexed map from
// MQTT subscription filters to payloads of a generic, monoid-like type V,
// supporting the wildcard matching semantics of "+" and "#".
//
// The trie is a recursive structure: each node carries an optional payload
// and a mapping from the next filter level to a child node. Two
// distinguished children, "+" and "#", hold the wildcard branches; every
// other child is keyed by a literal level string.
package trie

import "github.com/localrivet/gobroker/topic"

// Monoid describes the capability a payload type V must provide to live in
// a Trie: an associative Combine used when two inserts land on the same
// filter, and a Difference used when unsubscribing one contribution from
// another. IsEmpty tells the trie when a node's payload should be treated
// as absent so it can be pruned.
type Monoid[V any] interface {
	Combine(a, b V) V
	Difference(a, b V) V
	IsEmpty(v V) bool
}

// Node is one level of the trie. A nil payload pointer means "no payload at
// this node"; Children and Plus/Hash are nil unless populated.
type Node[V any] struct {
	payload  *V
	children map[string]*Node[V]
	plus     *Node[V]
	hash     *Node[V]
}

// Trie is a routing trie over filters, rooted at an (initially empty) Node.
type Trie[V any] struct {
	monoid Monoid[V]
	root   *Node[V]
}

// Empty returns a trie with no nodes, using m as the payload capability.
func Empty[V any](m Monoid[V]) *Trie[V] {
	return &Trie[V]{monoid: m, root: &Node[V]{}}
}

func newNode[V any]() *Node[V] {
	return &Node[V]{}
}

// InsertWith inserts v at the node keyed by filter, combining with any
// existing payload there via combine. combine is typically t's own
// Monoid.Combine, but callers may supply a different associative function
// for the same payload type.
func (t *Trie[V]) InsertWith(combine func(a, b V) V, filter topic.Filter, v V) {
	t.root = insert(t.root, filter, v, combine)
}

// Insert is InsertWith using the trie's own Monoid.Combine.
func (t *Trie[V]) Insert(filter topic.Filter, v V) {
	t.InsertWith(t.monoid.Combine, filter, v)
}

func insert[V any](n *Node[V], levels []string, v V, combine func(a, b V) V) *Node[V] {
	if n == nil {
		n = newNode[V]()
	}
	if len(levels) == 0 {
		if n.payload == nil {
			n.payload = &v
		} else {
			combined := combine(*n.payload, v)
			n.payload = &combined
		}
		return n
	}
	head, rest := levels[0], levels[1:]
	switch head {
	case "+":
		n.plus = insert(n.plus, rest, v, combine)
	case "#":
		n.hash = insert(n.hash, rest, v, combine)
	default:
		if n.children == nil {
			n.children = make(map[string]*Node[V])
		}
		n.children[head] = insert(n.children[head], rest, v, combine)
	}
	return n
}

// Delete removes the payload stored exactly at filter, then prunes any
// nodes left empty (no payload and no children) by the removal.
func (t *Trie[V]) Delete(filter topic.Filter) {
	t.root, _ = deleteAt(t.root, filter)
	if t.root == nil {
		t.root = newNode[V]()
	}
}

func deleteAt[V any](n *Node[V], levels []string) (*Node[V], bool) {
	if n == nil {
		return nil, true
	}
	if len(levels) == 0 {
		n.payload = nil
		return pruneIfEmpty(n)
	}
	head, rest := levels[0], levels[1:]
	switch head {
	case "+":
		n.plus, _ = deleteAt(n.plus, rest)
	case "#":
		n.hash, _ = deleteAt(n.hash, rest)
	default:
		if n.children != nil {
			child, _ := deleteAt(n.children[head], rest)
			if child == nil {
				delete(n.children, head)
			} else {
				n.children[head] = child
			}
		}
	}
	return pruneIfEmpty(n)
}

func pruneIfEmpty[V any](n *Node[V]) (*Node[V], bool) {
	if n.payload == nil && len(n.children) == 0 && n.plus == nil && n.hash == nil {
		return nil, true
	}
	return n, false
}

// Adjust replaces the payload at filter with f(v) if a payload v exists
// there, pruning the node if the result is empty per the trie's Monoid.
func (t *Trie[V]) Adjust(f func(v V) V, filter topic.Filter) {
	t.root, _ = adjust(t.root, filter, f, t.monoid)
}

func adjust[V any](n *Node[V], levels []string, f func(V) V, m Monoid[V]) (*Node[V], bool) {
	if n == nil {
		return nil, true
	}
	if len(levels) == 0 {
		if n.payload != nil {
			next := f(*n.payload)
			if m.IsEmpty(next) {
				n.payload = nil
			} else {
				n.payload = &next
			}
		}
		return pruneIfEmpty(n)
	}
	head, rest := levels[0], levels[1:]
	switch head {
	case "+":
		n.plus, _ = adjust(n.plus, rest, f, m)
	case "#":
		n.hash, _ = adjust(n.hash, rest, f, m)
	default:
		if n.children != nil {
			child, _ := adjust(n.children[head], rest, f, m)
			if child == nil {
				delete(n.children, head)
			} else {
				n.children[head] = child
			}
		}
	}
	return pruneIfEmpty(n)
}

// DifferenceWith performs a structural zip of t1 and t2: overlapping
// payloads are replaced by sub(v1, v2); payloads present only in t1 are
// kept unchanged; payloads present only in t2 are ignored. Nodes left
// empty by the result are pruned. t1 and t2 are not mutated; a new trie is
// returned.
func DifferenceWith[V any](sub func(a, b V) V, t1, t2 *Trie[V]) *Trie[V] {
	out := &Trie[V]{monoid: t1.monoid}
	out.root, _ = differenceNode(t1.root, t2.root, sub, t1.monoid)
	if out.root == nil {
		out.root = newNode[V]()
	}
	return out
}

func differenceNode[V any](n1, n2 *Node[V], sub func(a, b V) V, m Monoid[V]) (*Node[V], bool) {
	if n1 == nil {
		return nil, true
	}
	if n2 == nil {
		return n1, n1 == nil
	}
	out := &Node[V]{}
	if n1.payload != nil {
		if n2.payload != nil {
			diff := sub(*n1.payload, *n2.payload)
			if !m.IsEmpty(diff) {
				out.payload = &diff
			}
		} else {
			v := *n1.payload
			out.payload = &v
		}
	}
	out.plus, _ = differenceNode(n1.plus, n2.plus, sub, m)
	out.hash, _ = differenceNode(n1.hash, n2.hash, sub, m)
	if len(n1.children) > 0 {
		out.children = make(map[string]*Node[V], len(n1.children))
		for k, c1 := range n1.children {
			child, empty := differenceNode(c1, n2.children[k], sub, m)
			if !empty {
				out.children[k] = child
			}
		}
	}
	return pruneIfEmpty(out)
}

// Map transforms every payload in the trie via f, returning a new trie.
func Map[V, W any](f func(V) W, t *Trie[V], wm Monoid[W]) *Trie[W] {
	out := &Trie[W]{monoid: wm}
	out.root = mapNode(t.root, f)
	if out.root == nil {
		out.root = newNode[W]()
	}
	return out
}

func mapNode[V, W any](n *Node[V], f func(V) W) *Node[W] {
	if n == nil {
		return nil
	}
	out := &Node[W]{}
	if n.payload != nil {
		w := f(*n.payload)
		out.payload = &w
	}
	out.plus = mapNode(n.plus, f)
	out.hash = mapNode(n.hash, f)
	if len(n.children) > 0 {
		out.children = make(map[string]*Node[W], len(n.children))
		for k, c := range n.children {
			out.children[k] = mapNode(c, f)
		}
	}
	return out
}

// LookupWith matches topic t against every filter stored in the trie and
// combines the payloads of all matching filters with combine, returning
// (zero, false) if nothing matches.
//
// At each topic level, three branches are considered: the literal child
// (if any), the "+" child (if any, matching any single level including
// empty), and the "#" child, whose payload (if any) is contributed
// unconditionally because "#" matches the remaining levels at any depth,
// including zero additional levels. After the last topic level is
// consumed, the current node's own payload (if any) is also contributed.
func (t *Trie[V]) LookupWith(combine func(a, b V) V, tp topic.Topic) (V, bool) {
	var zero V
	acc, ok := lookup(t.root, []string(tp), combine)
	if !ok {
		return zero, false
	}
	return acc, true
}

func lookup[V any](n *Node[V], levels []string, combine func(a, b V) V) (V, bool) {
	var acc V
	has := false

	add := func(v V, ok bool) {
		if !ok {
			return
		}
		if !has {
			acc, has = v, true
			return
		}
		acc = combine(acc, v)
	}

	if n == nil {
		var zero V
		return zero, false
	}

	// "#" matches the remainder unconditionally, at any depth,
	// including zero additional levels — so it contributes here
	// whether or not any topic levels remain.
	if n.hash != nil && n.hash.payload != nil {
		add(*n.hash.payload, true)
	}

	if len(levels) == 0 {
		if n.payload != nil {
			add(*n.payload, true)
		}
		return acc, has
	}

	head, rest := levels[0], levels[1:]

	if n.children != nil {
		if child, ok := n.children[head]; ok {
			add(lookup(child, rest, combine))
		}
	}
	if n.plus != nil {
		add(lookup(n.plus, rest, combine))
	}

	return acc, has
}

// Subscriptions is the convenience wrapper over LookupWith for set-valued
// tries: it returns the union of all payloads of filters matching topic t.
func Subscriptions[K comparable](t *Trie[Set[K]], tp topic.Topic) Set[K] {
	v, ok := t.LookupWith(t.monoid.Combine, tp)
	if !ok {
		return nil
	}
	return v
}
