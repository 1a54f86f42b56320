package common

// Collaborator capabilities the engine is wired with. The engine never peeks
// behind these abstractions: the same tree logic drives the in-memory stores,
// a key/value backend and a durable document store

// Clock is a pluggable logical clock. The default is a plain Lamport clock;
// hybrid logical clocks or test clocks implement the same contract
type Clock interface {
	// Tick advances the clock for a local emission and returns the new value
	Tick() Lamport
	// Observe raises the clock to at least the external value
	Observe(external Lamport)
	// Now returns the current value without advancing
	Now() Lamport
}

// AccessControl is a hook that can deny operations or reads. Denial policy is
// an adapter concern. The engine in package tree holds no AccessControl and
// calls neither method
type AccessControl interface {
	CanApply(op *Operation) error
	CanRead(node NodeID) error
}

// Storage is the persistent or in-memory operation log
type Storage interface {
	// Apply persists a single operation. Returns true if the op was newly
	// inserted, false if an op with the same id was already present
	// (idempotent no-op)
	Apply(op *Operation) (bool, error)
	// LoadSince returns all operations with lamport strictly greater than the
	// argument, in no particular order
	LoadSince(lamport Lamport) ([]*Operation, error)
	// ScanSince visits operations with lamport strictly greater than the
	// argument in canonical op-key order. Implementations that cannot stream
	// sorted rows can delegate to DefaultScanSince
	ScanSince(lamport Lamport, visit func(op *Operation) error) error
	// LatestLamport returns the highest lamport present in the log, 0 if empty
	LatestLamport() Lamport
	// LatestCounter returns the highest counter the log holds for replica,
	// 0 if none. The engine observes it on construction so local counters
	// survive restarts
	LatestCounter(replica ReplicaID) (uint64, error)
}

// DefaultScanSince loads the ops since lamport into memory, sorts them
// canonically and visits each. Storage backends able to stream rows in sorted
// order (e.g. via an ORDER BY) should do that instead
func DefaultScanSince(s Storage, lamport Lamport, visit func(op *Operation) error) error {
	ops, err := s.LoadSince(lamport)
	if err != nil {
		return err
	}
	SortOps(ops)
	for _, op := range ops {
		if err := visit(op); err != nil {
			return err
		}
	}
	return nil
}

// NodeStore holds materialized node state: parent/children ordering plus the
// causal metadata tombstoning is derived from. This is the seam that lets
// embedders persist and index node state while the core owns all tree logic
type NodeStore interface {
	// Reset drops everything except the implicit root entry
	Reset() error
	// EnsureNode creates an empty entry for node unless present
	EnsureNode(node NodeID) error
	Exists(node NodeID) (bool, error)

	Parent(node NodeID) (NodeID, bool, error)
	// Children returns the children of parent ordered by
	// (order key ascending, node id ascending)
	Children(parent NodeID) ([]NodeID, error)
	// OrderKey returns the order key the node was last attached with, nil
	// when it has none. Detach does not clear it
	OrderKey(node NodeID) ([]byte, error)

	// Detach removes node from its parent's child list, if attached
	Detach(node NodeID) error
	// Attach links node under parent with the given order key. Attaching
	// under TRASH records the parent but keeps no child list
	Attach(node NodeID, parent NodeID, orderKey []byte) error

	// Tombstone is the cached tombstone flag, derived from deleted-at and
	// subtree awareness. Core helpers refresh it; adapters may rely on it for
	// fast child queries without recomputing awareness recursively
	Tombstone(node NodeID) (bool, error)
	SetTombstone(node NodeID, tombstone bool) error

	LastChange(node NodeID) (VersionVector, error)
	MergeLastChange(node NodeID, delta VersionVector) error

	DeletedAt(node NodeID) (VersionVector, bool, error)
	MergeDeletedAt(node NodeID, delta VersionVector) error
	HasDeletedAt(node NodeID) (bool, error)

	// ParentAndHasDeletedAt reads parent and deleted-at presence in one call.
	// ok is false when the node is unknown
	ParentAndHasDeletedAt(node NodeID) (parent NodeID, hasParent bool, hasDeletedAt bool, ok bool, err error)

	// SubtreeVersionVector joins last-change over node and every descendant
	SubtreeVersionVector(node NodeID) (VersionVector, error)

	AllNodes() ([]NodeID, error)
}

// SubtreeVersionVector is the recursive default for NodeStore implementations
// without a smarter aggregate
func SubtreeVersionVector(s NodeStore, node NodeID) (VersionVector, error) {
	exists, err := s.Exists(node)
	if err != nil {
		return VersionVector{}, err
	}
	if !exists {
		return NewVersionVector(), nil
	}
	ret, err := s.LastChange(node)
	if err != nil {
		return VersionVector{}, err
	}
	ret = ret.Clone()
	children, err := s.Children(node)
	if err != nil {
		return VersionVector{}, err
	}
	for _, child := range children {
		childVV, err := SubtreeVersionVector(s, child)
		if err != nil {
			return VersionVector{}, err
		}
		ret.Merge(childVV)
	}
	return ret, nil
}

// PayloadStore holds last-writer-wins node payloads: opaque application bytes
// plus the (lamport, operation id) of the winning writer
type PayloadStore interface {
	Reset() error
	// Payload returns the current bytes and whether a payload is set
	Payload(node NodeID) ([]byte, bool, error)
	// LastWriter returns the winning writer, ok false when the node never had
	// a payload op applied
	LastWriter(node NodeID) (Lamport, OperationID, bool, error)
	// SetPayload stores bytes (or the cleared state when hasPayload is false)
	// and the writer. Ordering decisions belong to the engine
	SetPayload(node NodeID, payload []byte, hasPayload bool, lamport Lamport, writer OperationID) error
}

// ParentOpIndex records, per applied op, which parents it is relevant to,
// keyed by a monotonic sequence number. Partial-sync subscribers that only
// care about children(parent) replay these rows to catch up
type ParentOpIndex interface {
	Reset() error
	Record(parent NodeID, opID OperationID, seq uint64) error
}

// NoopParentOpIndex discards records; use when no index is needed
type NoopParentOpIndex struct{}

func (NoopParentOpIndex) Reset() error { return nil }

func (NoopParentOpIndex) Record(NodeID, OperationID, uint64) error { return nil }

// LamportClock is the basic Clock used by default flows and tests
type LamportClock struct {
	counter Lamport
}

func (c *LamportClock) Tick() Lamport {
	c.counter++
	return c.counter
}

func (c *LamportClock) Observe(external Lamport) {
	if external > c.counter {
		c.counter = external
	}
}

func (c *LamportClock) Now() Lamport {
	return c.counter
}

// AllowAllAccess grants everything; helpful for early prototyping
type AllowAllAccess struct{}

func (AllowAllAccess) CanApply(*Operation) error { return nil }

func (AllowAllAccess) CanRead(NodeID) error { return nil }
