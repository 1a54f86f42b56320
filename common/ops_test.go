package common

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalOpOrder(t *testing.T) {
	t.Run("lamport dominates", func(t *testing.T) {
		a := NewMove("z", 1, 4, NodeIDFromUint64(1), RootNodeID, nil)
		b := NewMove("a", 1, 5, NodeIDFromUint64(1), RootNodeID, nil)
		require.True(t, CompareOps(a, b) < 0)
		require.True(t, CompareOps(b, a) > 0)
	})
	t.Run("replica breaks lamport ties", func(t *testing.T) {
		a := NewMove("a", 10, 5, NodeIDFromUint64(1), RootNodeID, nil)
		b := NewMove("b", 10, 5, NodeIDFromUint64(1), RootNodeID, nil)
		require.True(t, CompareOps(a, b) < 0)
	})
	t.Run("counter breaks replica ties", func(t *testing.T) {
		a := NewSetPayload("a", 1, 5, NodeIDFromUint64(1), []byte("x"))
		b := NewSetPayload("a", 2, 5, NodeIDFromUint64(1), []byte("y"))
		require.True(t, CompareOps(a, b) < 0)
		require.EqualValues(t, 0, CompareOps(a, a))
	})
	t.Run("long replica ids fall back to full compare", func(t *testing.T) {
		// identical first 8 bytes and counters force the trailing comparison
		a := NewTombstone("longreplica-a", 3, 7, NodeIDFromUint64(2))
		b := NewTombstone("longreplicb-a", 3, 7, NodeIDFromUint64(2))
		require.True(t, CompareOps(a, b) < 0)
	})
}

func TestOpTieBreaker(t *testing.T) {
	tie := OpTieBreaker([]byte("ab"), 0x0102030405060708)
	expected := [16]byte{'a', 'b', 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}
	require.Equal(t, expected, tie)

	// replicas longer than 8 bytes are truncated in the tie breaker
	long := OpTieBreaker([]byte("abcdefghij"), 1)
	require.Equal(t, byte('h'), long[7])
}

func TestSortOps(t *testing.T) {
	ops := []*Operation{
		NewMove("b", 2, 9, NodeIDFromUint64(1), RootNodeID, nil),
		NewInsert("a", 1, 3, RootNodeID, NodeIDFromUint64(1), nil),
		NewSetPayload("a", 2, 9, NodeIDFromUint64(1), []byte("p")),
		NewDelete("c", 5, 1, NodeIDFromUint64(1), nil),
	}
	SortOps(ops)
	require.EqualValues(t, 1, ops[0].Lamport)
	require.EqualValues(t, 3, ops[1].Lamport)
	// lamport 9: replica "a" before "b"
	require.Equal(t, ReplicaID("a"), ops[2].ID.Replica)
	require.Equal(t, ReplicaID("b"), ops[3].ID.Replica)
}

func TestOpKeyBytesOrder(t *testing.T) {
	ops := []*Operation{
		NewInsert("a", 1, 3, RootNodeID, NodeIDFromUint64(1), nil),
		NewMove("a", 2, 9, NodeIDFromUint64(1), RootNodeID, nil),
		NewMove("b", 2, 9, NodeIDFromUint64(1), RootNodeID, nil),
		NewTombstone("b", 3, 12, NodeIDFromUint64(1)),
	}
	for i := 0; i+1 < len(ops); i++ {
		a, b := ops[i], ops[i+1]
		aKey := OpKeyBytes(a.Lamport, a.ID.Replica.Bytes(), a.ID.Counter)
		bKey := OpKeyBytes(b.Lamport, b.ID.Replica.Bytes(), b.ID.Counter)
		require.True(t, bytes.Compare(aKey, bKey) < 0)
	}
}

func TestOperationCodec(t *testing.T) {
	ks := NewVersionVector()
	ks.Observe("a", 3)
	ks.Observe("b", 9)

	cases := []*Operation{
		NewInsert("a", 1, 1, RootNodeID, NodeIDFromUint64(7), []byte{0x00, 0x05}),
		NewInsertWithPayload("a", 2, 2, RootNodeID, NodeIDFromUint64(8), []byte{0x00, 0x06}, []byte("hello")),
		NewMove("bb", 3, 5, NodeIDFromUint64(7), NodeIDFromUint64(8), []byte{0x00, 0x01}),
		NewDelete("a", 4, 6, NodeIDFromUint64(7), &ks),
		NewTombstone("ccc", 5, 7, NodeIDFromUint64(8)),
		NewSetPayload("a", 6, 8, NodeIDFromUint64(8), []byte{}),
		NewClearPayload("a", 7, 9, NodeIDFromUint64(8)),
	}
	for _, op := range cases {
		back, err := OperationFromBytes(op.Bytes())
		require.NoError(t, err, op.String())
		require.Equal(t, op.Kind, back.Kind)
		require.Equal(t, op.ID, back.ID)
		require.EqualValues(t, op.Lamport, back.Lamport)
		require.Equal(t, op.Node, back.Node)
		require.Equal(t, op.HasPayload, back.HasPayload)
		switch op.Kind {
		case OpInsert:
			require.Equal(t, op.Parent, back.Parent)
			require.Equal(t, op.OrderKey, back.OrderKey)
		case OpMove:
			require.Equal(t, op.NewParent, back.NewParent)
			require.Equal(t, op.OrderKey, back.OrderKey)
		}
		if op.HasPayload {
			require.Equal(t, op.Payload, back.Payload)
		}
		if op.KnownState != nil {
			require.NotNil(t, back.KnownState)
			require.True(t, op.KnownState.Equal(*back.KnownState))
		} else {
			require.Nil(t, back.KnownState)
		}
	}

	_, err := OperationFromBytes([]byte{0x99, 0x00})
	require.Error(t, err)
}

func TestNodeIDReserved(t *testing.T) {
	require.Equal(t, "ROOT", RootNodeID.String())
	require.Equal(t, "TRASH", TrashNodeID.String())
	for _, b := range TrashNodeID {
		require.EqualValues(t, 0xff, b)
	}
	n := NodeIDFromUint64(0x0102)
	require.Equal(t, byte(0x02), n[15])
	require.Equal(t, byte(0x01), n[14])

	back, err := NodeIDFromBytes(n.Bytes())
	require.NoError(t, err)
	require.Equal(t, n, back)
	_, err = NodeIDFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}
