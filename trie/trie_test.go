package trie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/gobroker/topic"
)

func mustFilter(t *testing.T, s string) topic.Filter {
	t.Helper()
	f, err := topic.ParseFilter(s)
	require.NoError(t, err)
	return f
}

func mustTopic(t *testing.T, s string) topic.Topic {
	t.Helper()
	tp, err := topic.ParseTopic(s)
	require.NoError(t, err)
	return tp
}

func TestInsertLookupMatches(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	tr.Insert(mustFilter(t, "a/+"), NewSet("k1"))

	got := Subscriptions(tr, mustTopic(t, "a/x"))
	assert.Contains(t, got, "k1")
}

func TestDeleteInsertInverse(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	f := mustFilter(t, "a/b")
	tr.Insert(f, NewSet("k1"))
	tr.Delete(f)

	got := Subscriptions(tr, mustTopic(t, "a/b"))
	assert.Empty(t, got)
}

func TestMonoidCombine(t *testing.T) {
	f := mustFilter(t, "a/b")

	combined := Empty[Set[string]](SetMonoid[string]{})
	combined.Insert(f, SetMonoid[string]{}.Combine(NewSet("k1"), NewSet("k2")))

	separate := Empty[Set[string]](SetMonoid[string]{})
	separate.Insert(f, NewSet("k1"))
	separate.Insert(f, NewSet("k2"))

	wantTopic := mustTopic(t, "a/b")
	assert.Equal(t, Subscriptions(combined, wantTopic), Subscriptions(separate, wantTopic))
}

func TestHashCapturesDescendants(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	tr.Insert(mustFilter(t, "a/#"), NewSet("k1"))

	assert.Contains(t, Subscriptions(tr, mustTopic(t, "a")), "k1")
	assert.Contains(t, Subscriptions(tr, mustTopic(t, "a/b")), "k1")
	assert.Contains(t, Subscriptions(tr, mustTopic(t, "a/b/c")), "k1")
	assert.Empty(t, Subscriptions(tr, mustTopic(t, "b/a")))
}

func TestPlusMatchesSingleLevelIncludingEmpty(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	tr.Insert(mustFilter(t, "+/x"), NewSet("k1"))

	assert.Contains(t, Subscriptions(tr, mustTopic(t, "/x")), "k1")
	assert.Contains(t, Subscriptions(tr, mustTopic(t, "a/x")), "k1")
	assert.Empty(t, Subscriptions(tr, mustTopic(t, "x")))
	assert.Empty(t, Subscriptions(tr, mustTopic(t, "a/b/x")))
}

func TestHashAloneMatchesEveryTopic(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	tr.Insert(mustFilter(t, "#"), NewSet("k1"))

	assert.Contains(t, Subscriptions(tr, mustTopic(t, "a")), "k1")
	assert.Contains(t, Subscriptions(tr, mustTopic(t, "/a")), "k1")
	assert.Contains(t, Subscriptions(tr, mustTopic(t, "a/b/c")), "k1")
}

func TestPlusAloneMatchesOnlySingleLevel(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	tr.Insert(mustFilter(t, "+"), NewSet("k1"))

	assert.Contains(t, Subscriptions(tr, mustTopic(t, "a")), "k1")
	assert.Empty(t, Subscriptions(tr, mustTopic(t, "a/b")))
}

func TestInsertSameFilterTwiceDoesNotDuplicateStructure(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	f := mustFilter(t, "a/b/c")
	tr.Insert(f, NewSet("k1"))
	tr.Insert(f, NewSet("k2"))

	got := Subscriptions(tr, mustTopic(t, "a/b/c"))
	assert.Len(t, got, 2)
	assert.Contains(t, got, "k1")
	assert.Contains(t, got, "k2")
}

func TestQosMonoidMaxCombine(t *testing.T) {
	tr := Empty[QoS](QosMonoid{})
	f := mustFilter(t, "a/b")
	tr.Insert(f, Qos0)
	tr.Insert(f, Qos2)

	got, ok := tr.LookupWith(QosMonoid{}.Combine, mustTopic(t, "a/b"))
	require.True(t, ok)
	assert.Equal(t, Qos2, got)
}

func TestDifferenceWithRemovesOverlap(t *testing.T) {
	t1 := Empty[Set[string]](SetMonoid[string]{})
	f := mustFilter(t, "a/b")
	t1.Insert(f, NewSet("k1", "k2"))

	t2 := Empty[Set[string]](SetMonoid[string]{})
	t2.Insert(f, NewSet("k1"))

	out := DifferenceWith(SetMonoid[string]{}.Difference, t1, t2)
	got := Subscriptions(out, mustTopic(t, "a/b"))
	assert.NotContains(t, got, "k1")
	assert.Contains(t, got, "k2")
}

func TestAdjustPrunesEmptyResult(t *testing.T) {
	tr := Empty[Set[string]](SetMonoid[string]{})
	f := mustFilter(t, "a/b")
	tr.Insert(f, NewSet("k1"))

	tr.Adjust(Remove[string]("k1"), f)

	assert.Empty(t, Subscriptions(tr, mustTopic(t, "a/b")))
}
