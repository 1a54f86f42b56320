package tree

import (
	"github.com/cybersemics/treecrdt.go/common"
)

// The materialization protocol lets adapters maintain durable derived tables
// (nodes, payload, parent-op index) incrementally, falling back to a full
// rebuild when delivery outruns the materialized head. The adapter serializes
// writers per document, appends ops, then runs either the incremental path or
// a rebuild; readers check the dirty flag first

// MaterializationCursor is the adapter's bookmark describing how far derived
// tables have been maintained: a dirty flag, the head op key and the head
// sequence number. A fresh document starts clean with all zeros
type MaterializationCursor interface {
	Dirty() bool
	HeadLamport() common.Lamport
	HeadReplica() []byte
	HeadCounter() uint64
	HeadSeq() uint64
}

// MaterializationHead is the new bookmark after a successful incremental batch
type MaterializationHead struct {
	Lamport common.Lamport
	Replica []byte
	Counter uint64
	Seq     uint64
}

// ApplyIncrementalOps applies a batch through core materialization semantics:
// the batch is sorted canonically, validated against the materialized head,
// and applied with parent-op index and cached-tombstone maintenance. Returns
// nil for an empty batch. Fails with ErrStorage when the cursor is dirty (the
// adapter must rebuild) or when the batch starts before the materialized head
func ApplyIncrementalOps(crdt *TreeCrdt, index common.ParentOpIndex, meta MaterializationCursor, ops []*common.Operation) (*MaterializationHead, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if meta.Dirty() {
		return nil, common.ErrStoragef("materialize called while dirty")
	}

	sorted := append([]*common.Operation(nil), ops...)
	common.SortOps(sorted)

	first := sorted[0]
	if common.CompareOpKeys(first.Lamport, first.ID.Replica.Bytes(), first.ID.Counter,
		meta.HeadLamport(), meta.HeadReplica(), meta.HeadCounter()) < 0 {
		return nil, common.ErrStoragef("out-of-order op before materialized head")
	}

	seq := meta.HeadSeq()
	for _, op := range sorted {
		if _, err := crdt.ApplyRemoteWithMaterializationSeq(op, index, &seq); err != nil {
			return nil, err
		}
	}

	last := crdt.HeadOp()
	if last == nil {
		return nil, common.ErrStoragef("expected head op after materialization")
	}

	return &MaterializationHead{
		Lamport: last.Lamport,
		Replica: last.ID.Replica.Bytes(),
		Counter: last.ID.Counter,
		Seq:     seq,
	}, nil
}

// TryIncrementalMaterialization runs the incremental path when possible and
// otherwise marks the document dirty. Returns true when incremental
// materialization succeeded, false when the caller should rely on a full
// rebuild later
func TryIncrementalMaterialization(alreadyDirty bool, incremental func() error, markDirty func()) bool {
	if alreadyDirty {
		markDirty()
		return false
	}
	if err := incremental(); err != nil {
		markDirty()
		return false
	}
	return true
}
