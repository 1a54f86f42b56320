package boltstore

import (
	"bytes"
	"encoding/binary"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cybersemics/treecrdt.go/common"
)

// parentOpIndex persists (parent ‖ op-ref) -> seq rows. The first record for
// a pair wins, matching a primary-key insert-or-ignore
type parentOpIndex struct {
	doc *Document
}

func (x *parentOpIndex) rowKey(parent common.NodeID, ref common.OpRef) []byte {
	ret := make([]byte, 0, 16+common.OpRefSize)
	ret = append(ret, parent[:]...)
	return append(ret, ref[:]...)
}

func (x *parentOpIndex) Reset() error {
	err := x.doc.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketParentOps); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketParentOps)
		return err
	})
	if err != nil {
		return common.ErrStoragef("reset parent-op index: %v", err)
	}
	return nil
}

func (x *parentOpIndex) Record(parent common.NodeID, opID common.OperationID, seq uint64) error {
	ref := common.DeriveOpRef(x.doc.docID, opID.Replica, opID.Counter)
	err := x.doc.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParentOps)
		key := x.rowKey(parent, ref)
		if b.Get(key) != nil {
			return nil
		}
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], seq)
		return b.Put(key, be[:])
	})
	if err != nil {
		return common.ErrStoragef("record parent-op row: %v", err)
	}
	return nil
}

func (x *parentOpIndex) opRefs(parent common.NodeID) ([]common.OpRef, error) {
	type row struct {
		ref common.OpRef
		seq uint64
	}
	var rows []row
	err := x.doc.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketParentOps).Cursor()
		for k, v := c.Seek(parent[:]); k != nil && bytes.HasPrefix(k, parent[:]); k, v = c.Next() {
			if len(k) != 16+common.OpRefSize || len(v) != 8 {
				continue
			}
			var ref common.OpRef
			copy(ref[:], k[16:])
			rows = append(rows, row{ref: ref, seq: binary.BigEndian.Uint64(v)})
		}
		return nil
	})
	if err != nil {
		return nil, common.WrapStorage(err)
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
