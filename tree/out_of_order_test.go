package tree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cybersemics/treecrdt.go/common"
	"github.com/cybersemics/treecrdt.go/tree"
)

func TestAppliesInsertAfterParentArrivesOutOfOrder(t *testing.T) {
	crdt := newCrdt(t, "a")

	parent := nid(1)
	child := nid(2)

	childFirst := common.NewInsert("r1", 1, 1, parent, child, nil)
	require.NoError(t, crdt.ApplyRemote(childFirst))

	parentOp := common.NewInsert("r1", 2, 2, common.RootNodeID, parent, nil)
	require.NoError(t, crdt.ApplyRemote(parentOp))

	require.Equal(t, parent, mustParent(t, crdt, child))
	require.Equal(t, []common.NodeID{child}, mustChildren(t, crdt, parent))
}

func TestMoveAppliedBeforeInsertsArriveOutOfOrder(t *testing.T) {
	crdt := newCrdt(t, "a")

	parent := nid(1)
	node := nid(2)

	// the move references a node and a parent that do not exist yet
	moveOp := common.NewMove("r1", 3, 3, node, parent, nil)
	require.NoError(t, crdt.ApplyRemote(moveOp))

	parentInsert := common.NewInsert("r1", 1, 1, common.RootNodeID, parent, nil)
	nodeInsert := common.NewInsert("r1", 2, 2, common.RootNodeID, node, nil)
	require.NoError(t, crdt.ApplyRemote(parentInsert))
	require.NoError(t, crdt.ApplyRemote(nodeInsert))

	require.Equal(t, parent, mustParent(t, crdt, node))
	require.Equal(t, []common.NodeID{node}, mustChildren(t, crdt, parent))
}

func TestReplayRebuildsStateAndAdvancesClock(t *testing.T) {
	storage := common.NewMemoryStorage()
	replica := common.NewReplicaID([]byte("r1"))
	parent := nid(10)
	node := nid(20)

	// out-of-order arrival persisted straight to storage
	moveFirst := common.NewMove(replica, 3, 4, node, parent, nil)
	nodeInsert := common.NewInsert(replica, 1, 2, common.RootNodeID, node, nil)
	parentInsert := common.NewInsert(replica, 2, 5, common.RootNodeID, parent, nil)
	for _, op := range []*common.Operation{moveFirst, nodeInsert, parentInsert} {
		inserted, err := storage.Apply(op)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	crdt, err := tree.New(replica, storage, &common.LamportClock{})
	require.NoError(t, err)
	require.NoError(t, crdt.ReplayFromStorage())

	require.Equal(t, parent, mustParent(t, crdt, node))
	require.Equal(t, []common.NodeID{node}, mustChildren(t, crdt, parent))
	require.EqualValues(t, 5, crdt.Lamport())
	require.Equal(t, 3, crdt.LogLen())

	// an already-seen op is a no-op
	require.NoError(t, crdt.ApplyRemote(moveFirst))
	require.Equal(t, []common.NodeID{node}, mustChildren(t, crdt, parent))
	require.Equal(t, 3, crdt.LogLen())

	// local emission continues above the persisted counter
	op, err := crdt.LocalInsertAfter(common.RootNodeID, nid(30), nil)
	require.NoError(t, err)
	require.EqualValues(t, 4, op.ID.Counter)
	require.EqualValues(t, 6, op.Lamport)
}

func TestOperationsSince(t *testing.T) {
	crdt := newCrdt(t, "a")

	_, err := crdt.LocalInsertAfter(common.RootNodeID, nid(1), nil)
	require.NoError(t, err)
	_, err = crdt.LocalInsertAfter(common.RootNodeID, nid(2), nil)
	require.NoError(t, err)

	ops, err := crdt.OperationsSince(0)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	ops, err = crdt.OperationsSince(1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, nid(2), ops[0].Node)
}
