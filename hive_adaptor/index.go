package hive_adaptor

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/iotaledger/hive.go/core/kvstore"

	"github.com/cybersemics/treecrdt.go/common"
	"github.com/cybersemics/treecrdt.go/tree"
)

// KVParentOpIndex persists the parent-op rows partial-sync subscribers replay
// to catch up on children(parent). Rows are keyed (parent ‖ op-ref) with the
// sequence number as value; the first record for a pair wins, matching a
// primary-key insert-or-ignore
type KVParentOpIndex struct {
	kvs    kvstore.KVStore
	prefix []byte
	docID  []byte
}

// NewKVParentOpIndex creates the index for a document. docID scopes the
// derived op-refs
func NewKVParentOpIndex(kvs kvstore.KVStore, prefix, docID []byte) *KVParentOpIndex {
	return &KVParentOpIndex{kvs: kvs, prefix: prefix, docID: append([]byte(nil), docID...)}
}

func (s *KVParentOpIndex) rowKey(parent common.NodeID, ref common.OpRef) []byte {
	return makeKey(s.prefix, partitionIndex, parent[:], ref[:])
}

func (s *KVParentOpIndex) Reset() error {
	return deletePartition(s.kvs, s.prefix, partitionIndex)
}

func (s *KVParentOpIndex) Record(parent common.NodeID, opID common.OperationID, seq uint64) error {
	ref := common.DeriveOpRef(s.docID, opID.Replica, opID.Counter)
	key := s.rowKey(parent, ref)
	has, err := s.kvs.Has(key)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], seq)
	return s.kvs.Set(key, be[:])
}

// OpRefs returns the recorded refs for parent ordered by sequence number
func (s *KVParentOpIndex) OpRefs(parent common.NodeID) ([]common.OpRef, error) {
	type row struct {
		ref common.OpRef
		seq uint64
	}
	var rows []row
	searchPrefix := makeKey(s.prefix, partitionIndex, parent[:])
	err := s.kvs.Iterate(searchPrefix, func(key kvstore.Key, value kvstore.Value) bool {
		rem := key[len(searchPrefix):]
		if len(rem) != common.OpRefSize || len(value) != 8 {
			return true
		}
		var ref common.OpRef
		copy(ref[:], rem)
		rows = append(rows, row{ref: ref, seq: binary.BigEndian.Uint64(value)})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].seq != rows[j].seq {
			return rows[i].seq < rows[j].seq
		}
		return bytes.Compare(rows[i].ref[:], rows[j].ref[:]) < 0
	})
	ret := make([]common.OpRef, len(rows))
	for i, r := range rows {
		ret[i] = r.ref
	}
	return ret, nil
}

// KVMaterializationCursor is the persisted materialization bookmark. Load
// reads a snapshot; mutations write through immediately
type KVMaterializationCursor struct {
	kvs    kvstore.KVStore
	prefix []byte

	dirty       bool
	headLamport common.Lamport
	headReplica []byte
	headCounter uint64
	headSeq     uint64
}

var cursorKeySuffix = []byte("cursor")

// LoadKVMaterializationCursor reads the cursor row, defaulting to clean zeros
func LoadKVMaterializationCursor(kvs kvstore.KVStore, prefix []byte) (*KVMaterializationCursor, error) {
	ret := &KVMaterializationCursor{kvs: kvs, prefix: prefix}
	value, ok, err := kvGet(kvs, makeKey(prefix, partitionCursor, cursorKeySuffix))
	if err != nil {
		return nil, err
	}
	if !ok {
		return ret, nil
	}
	r := bytes.NewReader(value)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, common.ErrStoragef("cursor decode: %v", err)
	}
	ret.dirty = flags&0x01 != 0
	if err := common.ReadUint64(r, &ret.headLamport); err != nil {
		return nil, common.ErrStoragef("cursor decode: %v", err)
	}
	if ret.headReplica, err = common.ReadBytes16(r); err != nil {
		return nil, common.ErrStoragef("cursor decode: %v", err)
	}
	if err := common.ReadUint64(r, &ret.headCounter); err != nil {
		return nil, common.ErrStoragef("cursor decode: %v", err)
	}
	if err := common.ReadUint64(r, &ret.headSeq); err != nil {
		return nil, common.ErrStoragef("cursor decode: %v", err)
	}
	return ret, nil
}

func (c *KVMaterializationCursor) save() error {
	var buf bytes.Buffer
	var flags byte
	if c.dirty {
		flags |= 0x01
	}
	buf.WriteByte(flags)
	_ = common.WriteUint64(&buf, c.headLamport)
	_ = common.WriteBytes16(&buf, c.headReplica)
	_ = common.WriteUint64(&buf, c.headCounter)
	_ = common.WriteUint64(&buf, c.headSeq)
	return c.kvs.Set(makeKey(c.prefix, partitionCursor, cursorKeySuffix), buf.Bytes())
}

func (c *KVMaterializationCursor) Dirty() bool                 { return c.dirty }
func (c *KVMaterializationCursor) HeadLamport() common.Lamport { return c.headLamport }
func (c *KVMaterializationCursor) HeadReplica() []byte         { return c.headReplica }
func (c *KVMaterializationCursor) HeadCounter() uint64         { return c.headCounter }
func (c *KVMaterializationCursor) HeadSeq() uint64             { return c.headSeq }

// MarkDirty flags the document for rebuild-on-read
func (c *KVMaterializationCursor) MarkDirty() error {
	c.dirty = true
	return c.save()
}

// SetHead advances the bookmark after a successful incremental batch and
// clears the dirty flag
func (c *KVMaterializationCursor) SetHead(head *tree.MaterializationHead) error {
	c.dirty = false
	c.headLamport = head.Lamport
	c.headReplica = append([]byte(nil), head.Replica...)
	c.headCounter = head.Counter
	c.headSeq = head.Seq
	return c.save()
}

// Clear resets the bookmark to clean zeros (after a full rebuild)
func (c *KVMaterializationCursor) Clear() error {
	*c = KVMaterializationCursor{kvs: c.kvs, prefix: c.prefix}
	return c.save()
}

// SetHeadFromReplay records the post-replay head of the engine and clears the
// dirty flag. seq is the engine's op count after replay
func (c *KVMaterializationCursor) SetHeadFromReplay(crdt *tree.TreeCrdt) error {
	head := crdt.HeadOp()
	if head == nil {
		return c.Clear()
	}
	return c.SetHead(&tree.MaterializationHead{
		Lamport: head.Lamport,
		Replica: head.ID.Replica.Bytes(),
		Counter: head.ID.Counter,
		Seq:     uint64(crdt.LogLen()),
	})
}
