package hive_adaptor

import (
	"encoding/binary"

	"github.com/iotaledger/hive.go/core/kvstore"

	"github.com/cybersemics/treecrdt.go/common"
)

// KVStorage is the op log over a hive.go KVStore partition. Rows are keyed by
// the canonical op key bytes; ScanSince decodes the rows and sorts them with
// CompareOps (DefaultScanSince). A secondary id partition provides the
// idempotence check and a meta partition the per-replica latest counter
type KVStorage struct {
	kvs    kvstore.KVStore
	prefix []byte
}

// NewKVStorage creates the op log in the given document partition
func NewKVStorage(kvs kvstore.KVStore, prefix []byte) *KVStorage {
	return &KVStorage{kvs: kvs, prefix: prefix}
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

func counterKey(replica common.ReplicaID) []byte {
	return append([]byte("counter/"), replica.Bytes()...)
}

var latestLamportKey = []byte("lamport")

func (s *KVStorage) Apply(op *common.Operation) (bool, error) {
	idKey := makeKey(s.prefix, partitionOpIDs, opIDKey(op.ID))
	has, err := s.kvs.Has(idKey)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	opKey := common.OpKeyBytes(op.Lamport, op.ID.Replica.Bytes(), op.ID.Counter)
	if err := s.kvs.Set(makeKey(s.prefix, partitionOps, opKey), op.Bytes()); err != nil {
		return false, err
	}
	if err := s.kvs.Set(idKey, opKey); err != nil {
		return false, err
	}

	if op.Lamport > s.LatestLamport() {
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], op.Lamport)
		if err := s.kvs.Set(makeKey(s.prefix, partitionMeta, latestLamportKey), be[:]); err != nil {
			return false, err
		}
	}
	latest, err := s.LatestCounter(op.ID.Replica)
	if err != nil {
		return false, err
	}
	if op.ID.Counter > latest {
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], op.ID.Counter)
		if err := s.kvs.Set(makeKey(s.prefix, partitionMeta, counterKey(op.ID.Replica)), be[:]); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *KVStorage) LoadSince(lamport common.Lamport) ([]*common.Operation, error) {
	var ret []*common.Operation
	var decodeErr error
	err := s.kvs.Iterate(makeKey(s.prefix, partitionOps), func(_ kvstore.Key, value kvstore.Value) bool {
		op, err := common.OperationFromBytes(value)
		if err != nil {
			decodeErr = err
			return false
		}
		if op.Lamport > lamport {
			ret = append(ret, op)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return ret, nil
}

func (s *KVStorage) ScanSince(lamport common.Lamport, visit func(op *common.Operation) error) error {
	return common.DefaultScanSince(s, lamport, visit)
}

func (s *KVStorage) LatestLamport() common.Lamport {
	value, ok, err := kvGet(s.kvs, makeKey(s.prefix, partitionMeta, latestLamportKey))
	if err != nil || !ok || len(value) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(value)
}

func (s *KVStorage) LatestCounter(replica common.ReplicaID) (uint64, error) {
	value, ok, err := kvGet(s.kvs, makeKey(s.prefix, partitionMeta, counterKey(replica)))
	if err != nil {
		return 0, err
	}
	if !ok || len(value) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(value), nil
}

// AllOpRefs derives the op-ref of every stored operation, ordered by the op
// key bytes of its row (canonical order under the condition OpKeyBytes states)
func (s *KVStorage) AllOpRefs(docID []byte) ([]common.OpRef, error) {
	type row struct {
		key []byte
		ref common.OpRef
	}
	var rows []row
	var decodeErr error
	err := s.kvs.Iterate(makeKey(s.prefix, partitionOps), func(key kvstore.Key, value kvstore.Value) bool {
		op, err := common.OperationFromBytes(value)
		if err != nil {
			decodeErr = err
			return false
		}
		rows = append(rows, row{
			key: append([]byte(nil), key...),
			ref: common.DeriveOpRef(docID, op.ID.Replica, op.ID.Counter),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sortByteKeyed(len(rows), func(i int) []byte { return rows[i].key }, func(i, j int) {
		rows[i], rows[j] = rows[j], rows[i]
	})
	ret := make([]common.OpRef, len(rows))
	for i, r := range rows {
		ret[i] = r.ref
	}
	return ret, nil
}
