// Package hive_adaptor binds the tree CRDT collaborator capabilities to the
// key/value interfaces implemented in the `hive.go` repository. Each
// capability lives in its own partition of a shared KVStore, so one backend
// (mapdb for tests and demos, badger for durable benches) can host the op
// log, the materialized node and payload state, the parent-op index and the
// materialization cursor of a document side by side
package hive_adaptor

import (
	"bytes"
	"errors"
	"sort"

	"github.com/iotaledger/hive.go/core/kvstore"
)

// partition tags appended to the document prefix
const (
	partitionOps     = byte('o')
	partitionOpIDs   = byte('d')
	partitionMeta    = byte('t')
	partitionNodes   = byte('n')
	partitionKids    = byte('c')
	partitionPayload = byte('p')
	partitionIndex   = byte('x')
	partitionCursor  = byte('m')
)

func makeKey(prefix []byte, partition byte, k ...[]byte) []byte {
	ret := make([]byte, 0, len(prefix)+1+32)
	ret = append(ret, prefix...)
	ret = append(ret, partition)
	for _, part := range k {
		ret = append(ret, part...)
	}
	return ret
}

func kvGet(kvs kvstore.KVStore, key []byte) ([]byte, bool, error) {
	v, err := kvs.Get(key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// deletePartition removes every key of one partition. hive.go iteration order
// is backend-specific, so keys are collected first and deleted after
func deletePartition(kvs kvstore.KVStore, prefix []byte, partition byte) error {
	var keys [][]byte
	err := kvs.IterateKeys(makeKey(prefix, partition), func(k kvstore.Key) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := kvs.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// sortByteKeyed sorts n elements by their byte key using the provided swap
func sortByteKeyed(n int, key func(i int) []byte, swap func(i, j int)) {
	sort.Sort(&byteKeyedSorter{n: n, key: key, swap: swap})
}

type byteKeyedSorter struct {
	n    int
	key  func(i int) []byte
	swap func(i, j int)
}

func (s *byteKeyedSorter) Len() int           { return s.n }
func (s *byteKeyedSorter) Less(i, j int) bool { return bytes.Compare(s.key(i), s.key(j)) < 0 }
func (s *byteKeyedSorter) Swap(i, j int)      { s.swap(i, j) }
