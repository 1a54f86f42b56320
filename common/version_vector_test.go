package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionVectorObserveAndMerge(t *testing.T) {
	vv := NewVersionVector()
	require.EqualValues(t, 0, vv.Get("a"))

	vv.Observe("a", 3)
	vv.Observe("a", 2) // never shrinks
	require.EqualValues(t, 3, vv.Get("a"))

	other := NewVersionVector()
	other.Observe("a", 5)
	other.Observe("b", 1)
	vv.Merge(other)
	require.EqualValues(t, 5, vv.Get("a"))
	require.EqualValues(t, 1, vv.Get("b"))
	require.Equal(t, []ReplicaID{"a", "b"}, vv.Replicas())
}

func TestVersionVectorAwareness(t *testing.T) {
	deleted := NewVersionVector()
	deleted.Observe("a", 2)
	deleted.Observe("b", 1)

	subtree := NewVersionVector()
	subtree.Observe("a", 2)
	require.True(t, deleted.IsAwareOf(subtree))

	subtree.Observe("b", 2)
	require.False(t, deleted.IsAwareOf(subtree))

	// empty vector is dominated by everything
	require.True(t, deleted.IsAwareOf(NewVersionVector()))
	require.True(t, NewVersionVector().IsAwareOf(NewVersionVector()))
	require.False(t, NewVersionVector().IsAwareOf(deleted))
}

func TestVersionVectorCloneIndependent(t *testing.T) {
	vv := NewVersionVector()
	vv.Observe("a", 1)
	clone := vv.Clone()
	clone.Observe("a", 9)
	require.EqualValues(t, 1, vv.Get("a"))
	require.EqualValues(t, 9, clone.Get("a"))
}

func TestVersionVectorJSONRoundTrip(t *testing.T) {
	vv := NewVersionVector()
	vv.Observe("a", 7)
	vv.Observe(ReplicaID([]byte{0x00, 0xff, 0x10}), 42)

	data := vv.MustJSON()
	back, err := VersionVectorFromJSON(data)
	require.NoError(t, err)
	require.True(t, vv.Equal(back))
	require.EqualValues(t, 42, back.Get(ReplicaID([]byte{0x00, 0xff, 0x10})))

	empty, err := VersionVectorFromJSON(nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, empty.Len())
}
