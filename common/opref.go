package common

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// An op-ref is the 16-byte content-addressed identifier of an operation
// within a document: the identifier partial-sync and set-reconciliation
// layers exchange. It is a pure function of the emission and the document
// scope, so any two replicas derive identical refs for the same op

const (
	opRefDomain = "treecrdt/opref/v0"
	// OpRefSize is the width of an op-ref in bytes
	OpRefSize = 16
)

// OpRef is the 16-byte opaque operation reference
type OpRef [OpRefSize]byte

// DeriveOpRef computes blake3(domain ‖ docID ‖ u32-be(len(replica)) ‖ replica
// ‖ u64-be(counter)) truncated to 16 bytes
func DeriveOpRef(docID []byte, replica ReplicaID, counter uint64) OpRef {
	h := blake3.New(32, nil)
	h.Write([]byte(opRefDomain))
	h.Write(docID)
	var be [8]byte
	binary.BigEndian.PutUint32(be[:4], uint32(len(replica)))
	h.Write(be[:4])
	h.Write([]byte(replica))
	binary.BigEndian.PutUint64(be[:], counter)
	h.Write(be[:])

	var ret OpRef
	copy(ret[:], h.Sum(nil)[:OpRefSize])
	return ret
}

// Bytes returns the ref as a fresh slice
func (r OpRef) Bytes() []byte {
	return append([]byte(nil), r[:]...)
}

// OpRefFromBytes converts exactly 16 bytes into an OpRef
func OpRefFromBytes(b []byte) (OpRef, error) {
	var ret OpRef
	if len(b) != OpRefSize {
		return ret, xerrStoragef("op ref must be %d bytes, got %d", OpRefSize, len(b))
	}
	copy(ret[:], b)
	return ret, nil
}
