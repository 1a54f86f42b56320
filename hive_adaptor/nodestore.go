package hive_adaptor

import (
	"bytes"
	"io"
	"sort"

	"github.com/iotaledger/hive.go/core/kvstore"

	"github.com/cybersemics/treecrdt.go/common"
)

// KVNodeStore materializes node state into two partitions: one row per node
// (parent, order key, cached tombstone, causal metadata) and one child-link
// row per attached node, keyed parent ‖ order key ‖ node so the children of a
// parent are recovered with a single prefix iteration
type KVNodeStore struct {
	kvs    kvstore.KVStore
	prefix []byte
}

// NewKVNodeStore creates the node store in the given document partition
func NewKVNodeStore(kvs kvstore.KVStore, prefix []byte) *KVNodeStore {
	return &KVNodeStore{kvs: kvs, prefix: prefix}
}

const (
	nodeFlagHasParent = 0x01
	nodeFlagTombstone = 0x02
	nodeFlagDeletedAt = 0x04
)

type nodeRow struct {
	parent       common.NodeID
	hasParent    bool
	orderKey     []byte
	tombstone    bool
	lastChange   common.VersionVector
	deletedAt    common.VersionVector
	hasDeletedAt bool
}

func encodeNodeRow(row *nodeRow) []byte {
	var buf bytes.Buffer
	var flags byte
	if row.hasParent {
		flags |= nodeFlagHasParent
	}
	if row.tombstone {
		flags |= nodeFlagTombstone
	}
	if row.hasDeletedAt {
		flags |= nodeFlagDeletedAt
	}
	buf.WriteByte(flags)
	buf.Write(row.parent[:])
	_ = common.WriteBytes16(&buf, row.orderKey)
	_ = common.WriteBytes16(&buf, row.lastChange.MustJSON())
	if row.hasDeletedAt {
		_ = common.WriteBytes16(&buf, row.deletedAt.MustJSON())
	}
	return buf.Bytes()
}

func decodeNodeRow(data []byte) (*nodeRow, error) {
	r := bytes.NewReader(data)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, common.ErrStoragef("node row decode: %v", err)
	}
	ret := &nodeRow{
		hasParent:    flags&nodeFlagHasParent != 0,
		tombstone:    flags&nodeFlagTombstone != 0,
		hasDeletedAt: flags&nodeFlagDeletedAt != 0,
	}
	if _, err := io.ReadFull(r, ret.parent[:]); err != nil {
		return nil, common.ErrStoragef("node row decode: %v", err)
	}
	if ret.orderKey, err = common.ReadBytes16(r); err != nil {
		return nil, common.ErrStoragef("node row decode: %v", err)
	}
	lastChange, err := common.ReadBytes16(r)
	if err != nil {
		return nil, common.ErrStoragef("node row decode: %v", err)
	}
	if ret.lastChange, err = common.VersionVectorFromJSON(lastChange); err != nil {
		return nil, err
	}
	if ret.hasDeletedAt {
		deletedAt, err := common.ReadBytes16(r)
		if err != nil {
			return nil, common.ErrStoragef("node row decode: %v", err)
		}
		if ret.deletedAt, err = common.VersionVectorFromJSON(deletedAt); err != nil {
			return nil, err
		}
	}
	if len(ret.orderKey) == 0 {
		ret.orderKey = nil
	}
	return ret, nil
}

func (s *KVNodeStore) nodeKey(node common.NodeID) []byte {
	return makeKey(s.prefix, partitionNodes, node[:])
}

func (s *KVNodeStore) childKey(parent common.NodeID, orderKey []byte, node common.NodeID) []byte {
	return makeKey(s.prefix, partitionKids, parent[:], orderKey, node[:])
}

// row returns the stored row; ROOT has an implicit zero row
func (s *KVNodeStore) row(node common.NodeID) (*nodeRow, bool, error) {
	value, ok, err := kvGet(s.kvs, s.nodeKey(node))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		if node == common.RootNodeID {
			return &nodeRow{}, true, nil
		}
		return nil, false, nil
	}
	ret, err := decodeNodeRow(value)
	if err != nil {
		return nil, false, err
	}
	return ret, true, nil
}

func (s *KVNodeStore) mustRow(node common.NodeID) (*nodeRow, error) {
	ret, ok, err := s.row(node)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrInconsistentStatef("node %s missing from store", node)
	}
	return ret, nil
}

func (s *KVNodeStore) putRow(node common.NodeID, row *nodeRow) error {
	return s.kvs.Set(s.nodeKey(node), encodeNodeRow(row))
}

func (s *KVNodeStore) Reset() error {
	if err := deletePartition(s.kvs, s.prefix, partitionNodes); err != nil {
		return err
	}
	return deletePartition(s.kvs, s.prefix, partitionKids)
}

func (s *KVNodeStore) EnsureNode(node common.NodeID) error {
	_, ok, err := s.row(node)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.putRow(node, &nodeRow{})
}

func (s *KVNodeStore) Exists(node common.NodeID) (bool, error) {
	if node == common.RootNodeID {
		return true, nil
	}
	_, ok, err := s.row(node)
	return ok, err
}

func (s *KVNodeStore) Parent(node common.NodeID) (common.NodeID, bool, error) {
	row, ok, err := s.row(node)
	if err != nil {
		return common.NodeID{}, false, err
	}
	if !ok || !row.hasParent {
		return common.NodeID{}, false, nil
	}
	return row.parent, true, nil
}

func (s *KVNodeStore) Children(parent common.NodeID) ([]common.NodeID, error) {
	if _, err := s.mustRow(parent); err != nil {
		return nil, err
	}
	type link struct {
		orderKey []byte
		node     common.NodeID
	}
	var links []link
	searchPrefix := makeKey(s.prefix, partitionKids, parent[:])
	err := s.kvs.IterateKeys(searchPrefix, func(key kvstore.Key) bool {
		rem := key[len(searchPrefix):]
		if len(rem) < 16 {
			return true
		}
		var node common.NodeID
		copy(node[:], rem[len(rem)-16:])
		links = append(links, link{
			orderKey: append([]byte(nil), rem[:len(rem)-16]...),
			node:     node,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool {
		if c := bytes.Compare(links[i].orderKey, links[j].orderKey); c != 0 {
			return c < 0
		}
		return bytes.Compare(links[i].node[:], links[j].node[:]) < 0
	})
	ret := make([]common.NodeID, len(links))
	for i, l := range links {
		ret[i] = l.node
	}
	return ret, nil
}

func (s *KVNodeStore) OrderKey(node common.NodeID) ([]byte, error) {
	row, ok, err := s.row(node)
	if err != nil {
		return nil, err
	}
	if !ok || len(row.orderKey) == 0 {
		return nil, nil
	}
	return row.orderKey, nil
}

func (s *KVNodeStore) Detach(node common.NodeID) error {
	row, ok, err := s.row(node)
	if err != nil {
		return err
	}
	if !ok || !row.hasParent {
		return nil
	}
	if row.parent != common.TrashNodeID {
		if err := s.kvs.Delete(s.childKey(row.parent, row.orderKey, node)); err != nil {
			return err
		}
	}
	row.hasParent = false
	return s.putRow(node, row)
}

func (s *KVNodeStore) Attach(node common.NodeID, parent common.NodeID, orderKey []byte) error {
	if err := s.EnsureNode(parent); err != nil {
		return err
	}
	row, ok, err := s.row(node)
	if err != nil {
		return err
	}
	if !ok {
		row = &nodeRow{}
	}
	row.parent = parent
	row.hasParent = true
	row.orderKey = append([]byte(nil), orderKey...)
	if err := s.putRow(node, row); err != nil {
		return err
	}
	if parent == common.TrashNodeID {
		return nil
	}
	return s.kvs.Set(s.childKey(parent, row.orderKey, node), []byte{1})
}

func (s *KVNodeStore) Tombstone(node common.NodeID) (bool, error) {
	row, err := s.mustRow(node)
	if err != nil {
		return false, err
	}
	return row.tombstone, nil
}

func (s *KVNodeStore) SetTombstone(node common.NodeID, tombstone bool) error {
	row, err := s.mustRow(node)
	if err != nil {
		return err
	}
	row.tombstone = tombstone
	return s.putRow(node, row)
}

func (s *KVNodeStore) LastChange(node common.NodeID) (common.VersionVector, error) {
	row, err := s.mustRow(node)
	if err != nil {
		return common.VersionVector{}, err
	}
	return row.lastChange, nil
}

func (s *KVNodeStore) MergeLastChange(node common.NodeID, delta common.VersionVector) error {
	row, err := s.mustRow(node)
	if err != nil {
		return err
	}
	row.lastChange.Merge(delta)
	return s.putRow(node, row)
}

func (s *KVNodeStore) DeletedAt(node common.NodeID) (common.VersionVector, bool, error) {
	row, err := s.mustRow(node)
	if err != nil {
		return common.VersionVector{}, false, err
	}
	if !row.hasDeletedAt {
		return common.VersionVector{}, false, nil
	}
	return row.deletedAt, true, nil
}

func (s *KVNodeStore) MergeDeletedAt(node common.NodeID, delta common.VersionVector) error {
	row, err := s.mustRow(node)
	if err != nil {
		return err
	}
	row.deletedAt.Merge(delta)
	row.hasDeletedAt = true
	return s.putRow(node, row)
}

func (s *KVNodeStore) HasDeletedAt(node common.NodeID) (bool, error) {
	row, err := s.mustRow(node)
	if err != nil {
		return false, err
	}
	return row.hasDeletedAt, nil
}

func (s *KVNodeStore) ParentAndHasDeletedAt(node common.NodeID) (common.NodeID, bool, bool, bool, error) {
	row, ok, err := s.row(node)
	if err != nil {
		return common.NodeID{}, false, false, false, err
	}
	if !ok {
		return common.NodeID{}, false, false, false, nil
	}
	return row.parent, row.hasParent, row.hasDeletedAt, true, nil
}

func (s *KVNodeStore) SubtreeVersionVector(node common.NodeID) (common.VersionVector, error) {
	return common.SubtreeVersionVector(s, node)
}

func (s *KVNodeStore) AllNodes() ([]common.NodeID, error) {
	var ret []common.NodeID
	searchPrefix := makeKey(s.prefix, partitionNodes)
	err := s.kvs.IterateKeys(searchPrefix, func(key kvstore.Key) bool {
		rem := key[len(searchPrefix):]
		if len(rem) != 16 {
			return true
		}
		var node common.NodeID
		copy(node[:], rem)
		ret = append(ret, node)
		return true
	})
	if err != nil {
		return nil, err
	}
	seenRoot := false
	for _, node := range ret {
		if node == common.RootNodeID {
			seenRoot = true
			break
		}
	}
	if !seenRoot {
		ret = append(ret, common.RootNodeID)
	}
	sortByteKeyed(len(ret), func(i int) []byte { return ret[i][:] }, func(i, j int) {
		ret[i], ret[j] = ret[j], ret[i]
	})
	return ret, nil
}
