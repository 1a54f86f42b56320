package boltstore

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/cybersemics/treecrdt.go/common"
)

// opLog adapts the document's bbolt buckets to the Storage capability. Rows
// are keyed by the canonical op key bytes, so bbolt's sorted cursors stream
// the log in key byte order without an extra sort; that is the canonical order
// under the condition OpKeyBytes states
type opLog struct {
	doc *Document
}

func opIDKey(id common.OperationID) []byte {
	ret := make([]byte, 0, 4+len(id.Replica)+8)
	var be [8]byte
	binary.BigEndian.PutUint32(be[:4], uint32(len(id.Replica)))
	ret = append(ret, be[:4]...)
	ret = append(ret, id.Replica.Bytes()...)
	binary.BigEndian.PutUint64(be[:], id.Counter)
	return append(ret, be[:]...)
}

func (s *opLog) Apply(op *common.Operation) (bool, error) {
	inserted := false
	err := s.doc.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketOpIDs)
		idKey := opIDKey(op.ID)
		if ids.Get(idKey) != nil {
			return nil
		}
		opKey := common.OpKeyBytes(op.Lamport, op.ID.Replica.Bytes(), op.ID.Counter)
		if err := tx.Bucket(bucketOps).Put(opKey, op.Bytes()); err != nil {
			return err
		}
		if err := ids.Put(idKey, opKey); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		if op.Lamport > metaUint64(meta, metaLatestLamport) {
			if err := putMetaUint64(meta, metaLatestLamport, op.Lamport); err != nil {
				return err
			}
		}
		counterKey := append(append([]byte(nil), metaCounterPrefix...), op.ID.Replica.Bytes()...)
		if op.ID.Counter > metaUint64(meta, counterKey) {
			if err := putMetaUint64(meta, counterKey, op.ID.Counter); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, common.ErrStoragef("append op %s: %v", op.ID, err)
	}
	return inserted, nil
}

func (s *opLog) LoadSince(lamport common.Lamport) ([]*common.Operation, error) {
	var ret []*common.Operation
	err := s.doc.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(_, v []byte) error {
			op, err := common.OperationFromBytes(v)
			if err != nil {
				return err
			}
			if op.Lamport > lamport {
				ret = append(ret, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	return ret, nil
}

// ScanSince streams rows through bbolt's sorted cursor; no in-memory sort
func (s *opLog) ScanSince(lamport common.Lamport, visit func(op *common.Operation) error) error {
	return s.doc.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOps).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op, err := common.OperationFromBytes(v)
			if err != nil {
				return err
			}
			if op.Lamport <= lamport {
				continue
			}
			if err := visit(op); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *opLog) LatestLamport() common.Lamport {
	var ret common.Lamport
	_ = s.doc.db.View(func(tx *bolt.Tx) error {
		ret = metaUint64(tx.Bucket(bucketMeta), metaLatestLamport)
		return nil
	})
	return ret
}

func (s *opLog) LatestCounter(replica common.ReplicaID) (uint64, error) {
	var ret uint64
	err := s.doc.db.View(func(tx *bolt.Tx) error {
		key := append(append([]byte(nil), metaCounterPrefix...), replica.Bytes()...)
		ret = metaUint64(tx.Bucket(bucketMeta), key)
		return nil
	})
	if err != nil {
		return 0, common.WrapStorage(err)
	}
	return ret, nil
}

func metaUint64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putMetaUint64(b *bolt.Bucket, key []byte, val uint64) error {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], val)
	return b.Put(key, be[:])
}
