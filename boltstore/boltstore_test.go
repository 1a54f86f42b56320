package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cybersemics/treecrdt.go/common"
	"github.com/cybersemics/treecrdt.go/tree"
)

func nid(n uint64) common.NodeID {
	return common.NodeIDFromUint64(n)
}

func openDoc(t *testing.T, path string) *Document {
	t.Helper()
	doc, err := Open(path, Options{
		ReplicaID: common.NewReplicaID([]byte("local")),
		DocID:     []byte("doc-1"),
	})
	require.NoError(t, err)
	return doc
}

func TestDocumentAppendAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.db")
	doc := openDoc(t, path)
	defer doc.Close()

	n1, n2 := nid(1), nid(2)
	ops := []*common.Operation{
		common.NewInsert("r", 1, 1, common.RootNodeID, n1, nil),
		common.NewInsertWithPayload("r", 2, 2, n1, n2, nil, []byte("v")),
	}
	require.NoError(t, doc.Append(ops))

	children, err := doc.Tree().Children(common.RootNodeID)
	require.NoError(t, err)
	require.Equal(t, []common.NodeID{n1}, children)

	payload, ok, err := doc.Tree().Payload(n2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), payload)

	refs, err := doc.OpRefs(common.RootNodeID)
	require.NoError(t, err)
	require.Contains(t, refs, common.DeriveOpRef([]byte("doc-1"), "r", 1))

	all, err := doc.AllOpRefs()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDocumentSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.db")
	doc := openDoc(t, path)

	n1 := nid(1)
	require.NoError(t, doc.Append([]*common.Operation{
		common.NewInsert("r", 1, 1, common.RootNodeID, n1, nil),
	}))
	require.NoError(t, doc.Update(func(crdt *tree.TreeCrdt) error {
		_, err := crdt.LocalInsertAfterWithPayload(n1, nid(2), nil, []byte("kept"))
		return err
	}))
	require.NoError(t, doc.Close())

	doc = openDoc(t, path)
	defer doc.Close()

	parent, ok, err := doc.Tree().Parent(nid(2))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, n1, parent)

	payload, ok, err := doc.Tree().Payload(nid(2))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("kept"), payload)

	// local emission resumes above the persisted counter
	require.NoError(t, doc.Update(func(crdt *tree.TreeCrdt) error {
		op, err := crdt.LocalInsertAfter(common.RootNodeID, nid(3), nil)
		if err != nil {
			return err
		}
		require.EqualValues(t, 2, op.ID.Counter)
		return nil
	}))
}

func TestDocumentDirtyFallbackAndRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.db")
	doc := openDoc(t, path)
	defer doc.Close()

	late := common.NewInsert("r", 5, 9, common.RootNodeID, nid(5), nil)
	require.NoError(t, doc.Append([]*common.Operation{late}))
	require.False(t, doc.cursor.Dirty())

	// a batch before the materialized head cannot apply incrementally: the
	// ops are stashed and the document goes dirty
	early := common.NewInsert("r", 1, 1, common.RootNodeID, nid(1), nil)
	require.NoError(t, doc.Append([]*common.Operation{early}))
	require.True(t, doc.cursor.Dirty())

	// rebuild on read heals everything
	require.NoError(t, doc.EnsureMaterialized())
	require.False(t, doc.cursor.Dirty())

	children, err := doc.Tree().Children(common.RootNodeID)
	require.NoError(t, err)
	// both inserts carry empty order keys, so siblings fall back to node id order
	require.Equal(t, []common.NodeID{nid(1), nid(5)}, children)
	require.NoError(t, doc.Tree().ValidateInvariants())
	require.Equal(t, 2, doc.Tree().LogLen())
}

func TestDocumentIdempotentAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.db")
	doc := openDoc(t, path)
	defer doc.Close()

	op := common.NewInsert("r", 1, 1, common.RootNodeID, nid(1), nil)
	require.NoError(t, doc.Append([]*common.Operation{op}))
	require.NoError(t, doc.Append([]*common.Operation{op}))

	require.Equal(t, 1, doc.Tree().LogLen())
	require.False(t, doc.cursor.Dirty())
}
