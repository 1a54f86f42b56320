package hive_adaptor

import (
	"bytes"

	"github.com/iotaledger/hive.go/core/kvstore"

	"github.com/cybersemics/treecrdt.go/common"
)

// KVPayloadStore holds last-writer-wins payload rows, one per node
type KVPayloadStore struct {
	kvs    kvstore.KVStore
	prefix []byte
}

// NewKVPayloadStore creates the payload store in the given document partition
func NewKVPayloadStore(kvs kvstore.KVStore, prefix []byte) *KVPayloadStore {
	return &KVPayloadStore{kvs: kvs, prefix: prefix}
}

const payloadFlagSet = 0x01

type payloadRow struct {
	payload    []byte
	hasPayload bool
	lamport    common.Lamport
	replica    common.ReplicaID
	counter    uint64
}

func encodePayloadRow(row *payloadRow) []byte {
	var buf bytes.Buffer
	var flags byte
	if row.hasPayload {
		flags |= payloadFlagSet
	}
	buf.WriteByte(flags)
	_ = common.WriteUint64(&buf, row.lamport)
	_ = common.WriteBytes16(&buf, row.replica.Bytes())
	_ = common.WriteUint64(&buf, row.counter)
	if row.hasPayload {
		_ = common.WriteBytes32(&buf, row.payload)
	}
	return buf.Bytes()
}

func decodePayloadRow(data []byte) (*payloadRow, error) {
	r := bytes.NewReader(data)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, common.ErrStoragef("payload row decode: %v", err)
	}
	ret := &payloadRow{hasPayload: flags&payloadFlagSet != 0}
	if err := common.ReadUint64(r, &ret.lamport); err != nil {
		return nil, common.ErrStoragef("payload row decode: %v", err)
	}
	replica, err := common.ReadBytes16(r)
	if err != nil {
		return nil, common.ErrStoragef("payload row decode: %v", err)
	}
	ret.replica = common.ReplicaID(replica)
	if err := common.ReadUint64(r, &ret.counter); err != nil {
		return nil, common.ErrStoragef("payload row decode: %v", err)
	}
	if ret.hasPayload {
		if ret.payload, err = common.ReadBytes32(r); err != nil {
			return nil, common.ErrStoragef("payload row decode: %v", err)
		}
	}
	return ret, nil
}

func (s *KVPayloadStore) payloadKey(node common.NodeID) []byte {
	return makeKey(s.prefix, partitionPayload, node[:])
}

func (s *KVPayloadStore) Reset() error {
	return deletePartition(s.kvs, s.prefix, partitionPayload)
}

func (s *KVPayloadStore) Payload(node common.NodeID) ([]byte, bool, error) {
	value, ok, err := kvGet(s.kvs, s.payloadKey(node))
	if err != nil || !ok {
		return nil, false, err
	}
	row, err := decodePayloadRow(value)
	if err != nil {
		return nil, false, err
	}
	if !row.hasPayload {
		return nil, false, nil
	}
	return row.payload, true, nil
}

func (s *KVPayloadStore) LastWriter(node common.NodeID) (common.Lamport, common.OperationID, bool, error) {
	value, ok, err := kvGet(s.kvs, s.payloadKey(node))
	if err != nil || !ok {
		return 0, common.OperationID{}, false, err
	}
	row, err := decodePayloadRow(value)
	if err != nil {
		return 0, common.OperationID{}, false, err
	}
	return row.lamport, common.NewOperationID(row.replica, row.counter), true, nil
}

func (s *KVPayloadStore) SetPayload(node common.NodeID, payload []byte, hasPayload bool, lamport common.Lamport, writer common.OperationID) error {
	return s.kvs.Set(s.payloadKey(node), encodePayloadRow(&payloadRow{
		payload:    payload,
		hasPayload: hasPayload,
		lamport:    lamport,
		replica:    writer.Replica,
		counter:    writer.Counter,
	}))
}
