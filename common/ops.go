package common

import (
	"bytes"
	"fmt"
	"sort"
)

// OpKind tags the five tree mutations
type OpKind byte

const (
	// OpInsert introduces a node as a child of a parent at a given order key,
	// optionally setting the initial payload atomically
	OpInsert OpKind = iota + 1
	// OpMove reparents a node under a new parent at a given order key
	OpMove
	// OpDelete requests deletion. It must carry the emitter's subtree version
	// vector for the target as its known state
	OpDelete
	// OpTombstone is the remote/compacted delete form; known state is
	// optional. It is applied exactly like OpDelete: the node counts as
	// tombstoned only while its deleted-at dominates the subtree version vector
	OpTombstone
	// OpPayload sets or clears the opaque payload bytes, last-writer-wins
	OpPayload
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpMove:
		return "move"
	case OpDelete:
		return "delete"
	case OpTombstone:
		return "tombstone"
	case OpPayload:
		return "payload"
	}
	return fmt.Sprintf("OpKind(%d)", byte(k))
}

// OpKindFromString parses the persisted kind name
func OpKindFromString(s string) (OpKind, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "move":
		return OpMove, nil
	case "delete":
		return OpDelete, nil
	case "tombstone":
		return OpTombstone, nil
	case "payload":
		return OpPayload, nil
	}
	return 0, xerrStoragef("unknown op kind %q", s)
}

// Operation is the full operation envelope: causal metadata plus one tree
// mutation. Operations are immutable once emitted. Which of the optional
// fields are meaningful depends on Kind:
//
//	Insert:    Parent, Node, OrderKey, optionally Payload (HasPayload)
//	Move:      Node, NewParent, OrderKey
//	Delete:    Node, KnownState
//	Tombstone: Node
//	Payload:   Node, Payload if HasPayload, otherwise a clear
type Operation struct {
	ID         OperationID
	Lamport    Lamport
	KnownState *VersionVector

	Kind      OpKind
	Parent    NodeID
	Node      NodeID
	NewParent NodeID
	OrderKey  []byte
	Payload   []byte
	// HasPayload distinguishes "set to Payload bytes" from "clear"/"absent"
	HasPayload bool
}

// NewInsert builds an Insert without initial payload
func NewInsert(replica ReplicaID, counter uint64, lamport Lamport, parent, node NodeID, orderKey []byte) *Operation {
	return &Operation{
		ID:       NewOperationID(replica, counter),
		Lamport:  lamport,
		Kind:     OpInsert,
		Parent:   parent,
		Node:     node,
		OrderKey: orderKey,
	}
}

// NewInsertWithPayload builds an Insert carrying an atomic initial payload.
// The payload obeys the same last-writer-wins rule as a Payload op emitted at
// the same (lamport, replica, counter)
func NewInsertWithPayload(replica ReplicaID, counter uint64, lamport Lamport, parent, node NodeID, orderKey, payload []byte) *Operation {
	ret := NewInsert(replica, counter, lamport, parent, node, orderKey)
	ret.Payload = payload
	ret.HasPayload = true
	return ret
}

// NewMove builds a Move
func NewMove(replica ReplicaID, counter uint64, lamport Lamport, node, newParent NodeID, orderKey []byte) *Operation {
	return &Operation{
		ID:        NewOperationID(replica, counter),
		Lamport:   lamport,
		Kind:      OpMove,
		Node:      node,
		NewParent: newParent,
		OrderKey:  orderKey,
	}
}

// NewDelete builds a Delete. knownState must be the emitter's subtree version
// vector for node at the moment of emission
func NewDelete(replica ReplicaID, counter uint64, lamport Lamport, node NodeID, knownState *VersionVector) *Operation {
	return &Operation{
		ID:         NewOperationID(replica, counter),
		Lamport:    lamport,
		KnownState: knownState,
		Kind:       OpDelete,
		Node:       node,
	}
}

// NewTombstone builds a delete that carries no known state
func NewTombstone(replica ReplicaID, counter uint64, lamport Lamport, node NodeID) *Operation {
	return &Operation{
		ID:      NewOperationID(replica, counter),
		Lamport: lamport,
		Kind:    OpTombstone,
		Node:    node,
	}
}

// NewSetPayload builds a Payload op setting the bytes
func NewSetPayload(replica ReplicaID, counter uint64, lamport Lamport, node NodeID, payload []byte) *Operation {
	return &Operation{
		ID:         NewOperationID(replica, counter),
		Lamport:    lamport,
		Kind:       OpPayload,
		Node:       node,
		Payload:    payload,
		HasPayload: true,
	}
}

// NewClearPayload builds a Payload op clearing the bytes
func NewClearPayload(replica ReplicaID, counter uint64, lamport Lamport, node NodeID) *Operation {
	return &Operation{
		ID:      NewOperationID(replica, counter),
		Lamport: lamport,
		Kind:    OpPayload,
		Node:    node,
	}
}

// Clone returns an independent deep copy of the operation
func (op *Operation) Clone() *Operation {
	ret := *op
	if op.OrderKey != nil {
		ret.OrderKey = append([]byte(nil), op.OrderKey...)
	}
	if op.Payload != nil {
		ret.Payload = append([]byte(nil), op.Payload...)
	}
	if op.KnownState != nil {
		ks := op.KnownState.Clone()
		ret.KnownState = &ks
	}
	return &ret
}

func (op *Operation) String() string {
	switch op.Kind {
	case OpInsert:
		return fmt.Sprintf("insert(%s, %s->%s)", op.ID, op.Parent, op.Node)
	case OpMove:
		return fmt.Sprintf("move(%s, %s->%s)", op.ID, op.Node, op.NewParent)
	case OpPayload:
		return fmt.Sprintf("payload(%s, %s)", op.ID, op.Node)
	}
	return fmt.Sprintf("%s(%s, %s)", op.Kind, op.ID, op.Node)
}

// CompareOpKeys is the canonical total order over operation keys:
// lexicographic on (lamport, tie breaker, replica bytes, counter).
// Returns -1, 0 or 1
func CompareOpKeys(aLamport Lamport, aReplica []byte, aCounter uint64, bLamport Lamport, bReplica []byte, bCounter uint64) int {
	switch {
	case aLamport < bLamport:
		return -1
	case aLamport > bLamport:
		return 1
	}
	aTie := OpTieBreaker(aReplica, aCounter)
	bTie := OpTieBreaker(bReplica, bCounter)
	if c := bytes.Compare(aTie[:], bTie[:]); c != 0 {
		return c
	}
	if c := bytes.Compare(aReplica, bReplica); c != 0 {
		return c
	}
	switch {
	case aCounter < bCounter:
		return -1
	case aCounter > bCounter:
		return 1
	}
	return 0
}

// CompareOps orders full operations canonically
func CompareOps(a, b *Operation) int {
	return CompareOpKeys(a.Lamport, a.ID.Replica.Bytes(), a.ID.Counter, b.Lamport, b.ID.Replica.Bytes(), b.ID.Counter)
}

// SortOps sorts the slice in canonical op-key order, in place
func SortOps(ops []*Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return CompareOps(ops[i], ops[j]) < 0
	})
}

// OpKeyBytes encodes the canonical op key as a byte string for sorted op
// scans. Its lexicographic order equals CompareOpKeys except between two keys
// with equal lamport and tie breaker whose replica ids are a proper prefix of
// one another; sets of fixed-length replica ids never hit that case
func OpKeyBytes(lamport Lamport, replica []byte, counter uint64) []byte {
	tie := OpTieBreaker(replica, counter)
	ret := make([]byte, 0, 8+16+len(replica)+8)
	ret = appendUint64(ret, lamport)
	ret = append(ret, tie[:]...)
	ret = append(ret, replica...)
	ret = appendUint64(ret, counter)
	return ret
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
