package common

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ReplicaID is an opaque byte string identifying a replica. It is chosen once
// per replica and stays stable for its whole life. Replica ids are compared
// lexicographically as raw bytes; lengths up to 255 bytes are recommended
type ReplicaID string

// NewReplicaID wraps raw bytes into a ReplicaID
func NewReplicaID(b []byte) ReplicaID {
	return ReplicaID(b)
}

// Bytes returns the raw bytes of the replica id
func (r ReplicaID) Bytes() []byte {
	return []byte(r)
}

func (r ReplicaID) String() string {
	for _, c := range []byte(r) {
		if c < 0x20 || c > 0x7e {
			return hex.EncodeToString([]byte(r))
		}
	}
	return string(r)
}

// NodeID is a 128-bit node identifier. Two values are reserved: RootNodeID
// (all zero) and TrashNodeID (all ones). Nodes are created by the first
// operation referencing them and are never destroyed, only tombstoned
type NodeID [16]byte

var (
	// RootNodeID is the root of the visible tree. It has no parent and is never tombstoned
	RootNodeID = NodeID{}
	// TrashNodeID holds nodes explicitly moved out of the visible tree.
	// Children of TRASH are not returned by any query
	TrashNodeID = NodeID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// NodeIDFromUint64 makes a NodeID from a small integer, big-endian in the low 8 bytes
func NodeIDFromUint64(n uint64) NodeID {
	var ret NodeID
	binary.BigEndian.PutUint64(ret[8:], n)
	return ret
}

// NodeIDFromBytes makes a NodeID from exactly 16 bytes
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var ret NodeID
	if len(b) != len(ret) {
		return ret, xerrInvalidf("node id must be 16 bytes, got %d", len(b))
	}
	copy(ret[:], b)
	return ret, nil
}

// Bytes returns the node id as a 16-byte slice
func (n NodeID) Bytes() []byte {
	return append([]byte(nil), n[:]...)
}

func (n NodeID) String() string {
	switch n {
	case RootNodeID:
		return "ROOT"
	case TrashNodeID:
		return "TRASH"
	}
	return hex.EncodeToString(n[:])
}

// Lamport is a 64-bit Lamport timestamp, monotonically non-decreasing per replica
type Lamport = uint64

// OperationID identifies an operation: the emitting replica plus a counter
// strictly increasing per replica
type OperationID struct {
	Replica ReplicaID
	Counter uint64
}

// NewOperationID assembles an operation id
func NewOperationID(replica ReplicaID, counter uint64) OperationID {
	return OperationID{Replica: replica, Counter: counter}
}

func (id OperationID) String() string {
	return fmt.Sprintf("%s:%d", id.Replica, id.Counter)
}

// OpTieBreaker computes the 128-bit tie breaker used to order operations with
// equal Lamport timestamps: the first 8 bytes of the replica id (zero-padded)
// concatenated with the big-endian counter. It intentionally avoids comparing
// the full replica id in the hot path; combined with the trailing full
// (replica, counter) comparison the order stays total
func OpTieBreaker(replica []byte, counter uint64) [16]byte {
	var ret [16]byte
	n := len(replica)
	if n > 8 {
		n = 8
	}
	copy(ret[:n], replica[:n])
	binary.BigEndian.PutUint64(ret[8:], counter)
	return ret
}
