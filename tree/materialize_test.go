package tree_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cybersemics/treecrdt.go/common"
	"github.com/cybersemics/treecrdt.go/tree"
)

type indexEntry struct {
	parent common.NodeID
	opID   common.OperationID
	seq    uint64
}

// recordingIndex is a test double for the parent-op index
type recordingIndex struct {
	entries []indexEntry
	resets  int
}

func (x *recordingIndex) Reset() error {
	x.resets++
	x.entries = nil
	return nil
}

func (x *recordingIndex) Record(parent common.NodeID, opID common.OperationID, seq uint64) error {
	x.entries = append(x.entries, indexEntry{parent: parent, opID: opID, seq: seq})
	return nil
}

func (x *recordingIndex) lookup(parent common.NodeID, opID common.OperationID) (uint64, bool) {
	for _, e := range x.entries {
		if e.parent == parent && e.opID == opID {
			return e.seq, true
		}
	}
	return 0, false
}

// testCursor is an in-memory materialization bookmark
type testCursor struct {
	dirty       bool
	headLamport common.Lamport
	headReplica []byte
	headCounter uint64
	headSeq     uint64
}

func (c *testCursor) Dirty() bool                 { return c.dirty }
func (c *testCursor) HeadLamport() common.Lamport { return c.headLamport }
func (c *testCursor) HeadReplica() []byte         { return c.headReplica }
func (c *testCursor) HeadCounter() uint64         { return c.headCounter }
func (c *testCursor) HeadSeq() uint64             { return c.headSeq }

func (c *testCursor) apply(head *tree.MaterializationHead) {
	c.headLamport = head.Lamport
	c.headReplica = head.Replica
	c.headCounter = head.Counter
	c.headSeq = head.Seq
}

func TestApplyIncrementalOps(t *testing.T) {
	t.Run("empty batch is a no-op", func(t *testing.T) {
		crdt := newCrdt(t, "x")
		head, err := tree.ApplyIncrementalOps(crdt, &recordingIndex{}, &testCursor{}, nil)
		require.NoError(t, err)
		require.Nil(t, head)
	})

	t.Run("dirty cursor fails", func(t *testing.T) {
		crdt := newCrdt(t, "x")
		ops := []*common.Operation{common.NewInsert("r", 1, 1, common.RootNodeID, nid(1), nil)}
		_, err := tree.ApplyIncrementalOps(crdt, &recordingIndex{}, &testCursor{dirty: true}, ops)
		require.Error(t, err)
		require.True(t, errors.Is(err, common.ErrStorage))
	})

	t.Run("batch sorted and applied, head advances", func(t *testing.T) {
		crdt := newCrdt(t, "x")
		index := &recordingIndex{}
		cursor := &testCursor{}

		n1, n2 := nid(1), nid(2)
		insert1 := common.NewInsert("r", 1, 1, common.RootNodeID, n1, nil)
		insert2 := common.NewInsert("r", 2, 2, n1, n2, nil)

		// delivered unsorted; the protocol sorts canonically
		head, err := tree.ApplyIncrementalOps(crdt, index, cursor, []*common.Operation{insert2, insert1})
		require.NoError(t, err)
		require.NotNil(t, head)
		require.EqualValues(t, 2, head.Lamport)
		require.EqualValues(t, 2, head.Counter)
		require.EqualValues(t, 2, head.Seq)
		cursor.apply(head)

		seq, ok := index.lookup(common.RootNodeID, insert1.ID)
		require.True(t, ok)
		require.EqualValues(t, 1, seq)
		seq, ok = index.lookup(n1, insert2.ID)
		require.True(t, ok)
		require.EqualValues(t, 2, seq)

		// a duplicate batch does not advance the sequence
		head, err = tree.ApplyIncrementalOps(crdt, index, cursor, []*common.Operation{insert2})
		require.NoError(t, err)
		require.EqualValues(t, 2, head.Seq)
	})

	t.Run("op before materialized head fails", func(t *testing.T) {
		crdt := newCrdt(t, "x")
		index := &recordingIndex{}
		cursor := &testCursor{}

		late := common.NewInsert("r", 5, 9, common.RootNodeID, nid(5), nil)
		head, err := tree.ApplyIncrementalOps(crdt, index, cursor, []*common.Operation{late})
		require.NoError(t, err)
		cursor.apply(head)

		early := common.NewInsert("r", 1, 1, common.RootNodeID, nid(1), nil)
		_, err = tree.ApplyIncrementalOps(crdt, index, cursor, []*common.Operation{early})
		require.Error(t, err)
		require.True(t, errors.Is(err, common.ErrStorage))
	})
}

func TestMaterializationPayloadVisibilityOnMove(t *testing.T) {
	crdt := newCrdt(t, "x")
	index := &recordingIndex{}
	cursor := &testCursor{}

	n1, n2 := nid(1), nid(2)
	insertParent := common.NewInsert("r", 1, 1, common.RootNodeID, n1, nil)
	insertNode := common.NewInsert("r", 2, 2, common.RootNodeID, n2, nil)
	payload := common.NewSetPayload("r", 3, 3, n2, []byte("v"))
	move := common.NewMove("r", 4, 4, n2, n1, nil)

	head, err := tree.ApplyIncrementalOps(crdt, index, cursor,
		[]*common.Operation{insertParent, insertNode, payload})
	require.NoError(t, err)
	cursor.apply(head)

	// moving a node with a payload records the payload op under the new
	// parent so children(parent) subscribers catch the latest payload
	head, err = tree.ApplyIncrementalOps(crdt, index, cursor, []*common.Operation{move})
	require.NoError(t, err)
	cursor.apply(head)

	_, ok := index.lookup(n1, move.ID)
	require.True(t, ok)
	_, ok = index.lookup(n1, payload.ID)
	require.True(t, ok, "payload op must be discoverable under the new parent")
}

func TestReplayWithMaterializationRebuildsIndex(t *testing.T) {
	crdt := newCrdt(t, "x")
	index := &recordingIndex{}

	n1, n2 := nid(1), nid(2)
	var seq uint64
	for _, op := range []*common.Operation{
		common.NewInsert("r", 1, 1, common.RootNodeID, n1, nil),
		common.NewInsertWithPayload("r", 2, 2, n1, n2, nil, []byte("v")),
		common.NewDelete("r", 3, 3, n2, nil),
	} {
		_, err := crdt.ApplyRemoteWithMaterializationSeq(op, index, &seq)
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, seq)
	require.True(t, mustTombstoned(t, crdt, n2))

	require.NoError(t, crdt.ReplayFromStorageWithMaterialization(index))
	require.Equal(t, 1, index.resets)

	// structural rows are rebuilt and the payload backfill row is present
	_, ok := index.lookup(common.RootNodeID, common.NewOperationID("r", 1))
	require.True(t, ok)
	_, ok = index.lookup(n1, common.NewOperationID("r", 2))
	require.True(t, ok)
	require.True(t, mustTombstoned(t, crdt, n2))
	require.Equal(t, 3, crdt.LogLen())
}

func TestTryIncrementalMaterialization(t *testing.T) {
	markCalls := 0
	mark := func() { markCalls++ }

	ok := tree.TryIncrementalMaterialization(true, func() error { return nil }, mark)
	require.False(t, ok)
	require.Equal(t, 1, markCalls)

	ok = tree.TryIncrementalMaterialization(false, func() error { return errors.New("boom") }, mark)
	require.False(t, ok)
	require.Equal(t, 2, markCalls)

	ok = tree.TryIncrementalMaterialization(false, func() error { return nil }, mark)
	require.True(t, ok)
	require.Equal(t, 2, markCalls)
}
