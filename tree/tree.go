// Package tree implements the replicated tree engine: local operation
// emission, convergent remote application with defensive delete and revival,
// cycle prevention, replay, and the incremental materialization protocol for
// storage adapters. It is generic over the collaborator capabilities defined
// in the common package and is single-threaded per replica: callers that
// share an engine coordinate externally
package tree

import (
	"bytes"
	"sort"

	"github.com/cybersemics/treecrdt.go/common"
)

// TreeCrdt wires a replica id, a clock, the op log and the node and payload
// stores together; the parent-op index is passed to the materializing calls. Any two
// replicas that have received the same set of operations materialize the same
// tree, regardless of delivery order
type TreeCrdt struct {
	replicaID common.ReplicaID
	storage   common.Storage
	clock     common.Clock
	counter   uint64
	nodes     common.NodeStore
	payloads  common.PayloadStore
	vv        common.VersionVector
	head      *common.Operation
	opCount   uint64
}

// nodeSnapshot captures parent and order key of the affected node before a
// forward step, creating the node entry if absent
type nodeSnapshot struct {
	parent    common.NodeID
	hasParent bool
	orderKey  []byte
}

// NodeSnapshot is the exported pre-state of an applied op's target node
type NodeSnapshot struct {
	Parent    common.NodeID
	HasParent bool
	OrderKey  []byte
}

// ApplyDelta describes what an accepted remote op touched: the pre-state of
// the affected node and the set of parents whose child lists may have changed
type ApplyDelta struct {
	Snapshot        NodeSnapshot
	AffectedParents []common.NodeID
}

// NodeExport is a debug/adapter dump of one materialized node
type NodeExport struct {
	Node         common.NodeID
	Parent       common.NodeID
	HasParent    bool
	Children     []common.NodeID
	LastChange   common.VersionVector
	DeletedAt    common.VersionVector
	HasDeletedAt bool
}

// NodePair is one row of Nodes(): a visible node and its parent
type NodePair struct {
	Node      common.NodeID
	Parent    common.NodeID
	HasParent bool
}

// New creates an engine over the given op log and clock with the in-memory
// node and payload stores. The engine observes the log's latest counter for
// its replica and the latest lamport, so local emission survives restarts
func New(replicaID common.ReplicaID, storage common.Storage, clock common.Clock) (*TreeCrdt, error) {
	return NewWithStores(replicaID, storage, clock, common.NewMemoryNodeStore(), common.NewMemoryPayloadStore())
}

// NewWithNodeStore creates an engine with a custom node store and the
// in-memory payload store
func NewWithNodeStore(replicaID common.ReplicaID, storage common.Storage, clock common.Clock, nodes common.NodeStore) (*TreeCrdt, error) {
	return NewWithStores(replicaID, storage, clock, nodes, common.NewMemoryPayloadStore())
}

// NewWithStores creates an engine with custom node and payload stores
func NewWithStores(replicaID common.ReplicaID, storage common.Storage, clock common.Clock, nodes common.NodeStore, payloads common.PayloadStore) (*TreeCrdt, error) {
	counter, err := storage.LatestCounter(replicaID)
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	clock.Observe(storage.LatestLamport())
	return &TreeCrdt{
		replicaID: replicaID,
		storage:   storage,
		clock:     clock,
		counter:   counter,
		nodes:     nodes,
		payloads:  payloads,
		vv:        common.NewVersionVector(),
	}, nil
}

// ReplicaID returns the engine's replica id
func (c *TreeCrdt) ReplicaID() common.ReplicaID {
	return c.replicaID
}

// isInOrder reports whether op sorts strictly after the last applied op
func (c *TreeCrdt) isInOrder(op *common.Operation) bool {
	if c.head == nil {
		return true
	}
	return common.CompareOps(op, c.head) > 0
}

// LocalInsertAfter emits an Insert of node under parent, positioned right
// after the sibling `after`, or before the current first child when after is
// nil. Fails with ErrInvalidOperation when after is not a (visible) child of
// parent
func (c *TreeCrdt) LocalInsertAfter(parent, node common.NodeID, after *common.NodeID) (*common.Operation, error) {
	replica := c.replicaID
	counter := c.nextCounter()
	lamport := c.clock.Tick()
	seed := emissionSeed(replica, counter)
	orderKey, err := c.allocateChildKeyAfter(parent, node, after, seed)
	if err != nil {
		return nil, err
	}
	return c.commitLocal(common.NewInsert(replica, counter, lamport, parent, node, orderKey))
}

// LocalInsertAfterWithPayload is LocalInsertAfter with an atomic initial
// payload at the same operation id
func (c *TreeCrdt) LocalInsertAfterWithPayload(parent, node common.NodeID, after *common.NodeID, payload []byte) (*common.Operation, error) {
	replica := c.replicaID
	counter := c.nextCounter()
	lamport := c.clock.Tick()
	seed := emissionSeed(replica, counter)
	orderKey, err := c.allocateChildKeyAfter(parent, node, after, seed)
	if err != nil {
		return nil, err
	}
	return c.commitLocal(common.NewInsertWithPayload(replica, counter, lamport, parent, node, orderKey, payload))
}

// LocalMoveAfter emits a Move of node under newParent. The node itself is
// excluded from sibling scanning so its current placement does not influence
// the new position
func (c *TreeCrdt) LocalMoveAfter(node, newParent common.NodeID, after *common.NodeID) (*common.Operation, error) {
	replica := c.replicaID
	counter := c.nextCounter()
	lamport := c.clock.Tick()
	seed := emissionSeed(replica, counter)
	orderKey, err := c.allocateChildKeyAfter(newParent, node, after, seed)
	if err != nil {
		return nil, err
	}
	return c.commitLocal(common.NewMove(replica, counter, lamport, node, newParent, orderKey))
}

// LocalDelete emits a Delete whose known state is the current subtree version
// vector of node. Carrying the subtree VV, not the replica's global VV, is
// what keeps revival working: unrelated local operations must not inflate the
// delete's awareness
func (c *TreeCrdt) LocalDelete(node common.NodeID) (*common.Operation, error) {
	replica := c.replicaID
	counter := c.nextCounter()
	lamport := c.clock.Tick()
	knownState, err := c.nodes.SubtreeVersionVector(node)
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	return c.commitLocal(common.NewDelete(replica, counter, lamport, node, &knownState))
}

// LocalSetPayload emits a Payload op setting the node's opaque bytes
func (c *TreeCrdt) LocalSetPayload(node common.NodeID, payload []byte) (*common.Operation, error) {
	replica := c.replicaID
	counter := c.nextCounter()
	lamport := c.clock.Tick()
	return c.commitLocal(common.NewSetPayload(replica, counter, lamport, node, payload))
}

// LocalClearPayload emits a Payload op clearing the node's bytes
func (c *TreeCrdt) LocalClearPayload(node common.NodeID) (*common.Operation, error) {
	replica := c.replicaID
	counter := c.nextCounter()
	lamport := c.clock.Tick()
	return c.commitLocal(common.NewClearPayload(replica, counter, lamport, node))
}

// ApplyRemote ingests one operation. It is idempotent: an op already present
// in storage is a no-op. New ops either apply forward (when they sort after
// the current head) or trigger a full replay from storage
func (c *TreeCrdt) ApplyRemote(op *common.Operation) error {
	c.clock.Observe(op.Lamport)
	c.vv.Observe(op.ID.Replica, op.ID.Counter)
	inserted, err := c.storage.Apply(op)
	if err != nil {
		return common.WrapStorage(err)
	}
	if !inserted {
		return nil
	}

	if c.isInOrder(op) {
		if _, err := c.applyForward(op); err != nil {
			return err
		}
		c.opCount++
		c.head = op
		return nil
	}

	return c.ReplayFromStorage()
}

// ApplyRemoteWithDelta is ApplyRemote returning the pre-state snapshot and
// the touched parents when the op was accepted in order. nil means the op was
// a duplicate or forced a replay
func (c *TreeCrdt) ApplyRemoteWithDelta(op *common.Operation) (*ApplyDelta, error) {
	c.clock.Observe(op.Lamport)
	c.vv.Observe(op.ID.Replica, op.ID.Counter)
	if op.ID.Replica == c.replicaID && op.ID.Counter > c.counter {
		c.counter = op.ID.Counter
	}

	inserted, err := c.storage.Apply(op)
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	if !inserted {
		return nil, nil
	}

	if c.isInOrder(op) {
		snapshot, err := c.applyForward(op)
		if err != nil {
			return nil, err
		}
		c.opCount++
		c.head = op

		return &ApplyDelta{
			Snapshot: NodeSnapshot{
				Parent:    snapshot.parent,
				HasParent: snapshot.hasParent,
				OrderKey:  snapshot.orderKey,
			},
			AffectedParents: affectedParents(snapshot, op),
		}, nil
	}

	// out-of-order delivery: rebuild derived state from storage
	if err := c.ReplayFromStorage(); err != nil {
		return nil, err
	}
	return nil, nil
}

// ApplyRemoteWithMaterialization applies a remote op while maintaining
// adapter-provided derived state: parent-op index rows for partial sync, and
// cached tombstone flags refreshed upward from every touched node. Payload
// visibility for moved nodes is preserved by recording the node's latest
// payload op under its new parent
func (c *TreeCrdt) ApplyRemoteWithMaterialization(op *common.Operation, index common.ParentOpIndex, seq uint64) (*ApplyDelta, error) {
	opNode := op.Node
	var parentAfter common.NodeID
	hasParentAfter := false
	switch op.Kind {
	case common.OpInsert:
		parentAfter, hasParentAfter = op.Parent, true
	case common.OpMove:
		parentAfter, hasParentAfter = op.NewParent, true
	}
	opID := op.ID

	delta, err := c.ApplyRemoteWithDelta(op)
	if err != nil {
		return nil, err
	}
	if delta == nil {
		return nil, nil
	}

	for _, parent := range delta.AffectedParents {
		if parent == common.TrashNodeID {
			continue
		}
		if err := index.Record(parent, opID, seq); err != nil {
			return nil, common.WrapStorage(err)
		}
	}

	// keep the latest payload op for opNode discoverable under its current
	// parent, so catchup consumers tracking children(parent) see the payload
	if hasParentAfter && parentAfter != common.TrashNodeID {
		moved := !delta.Snapshot.HasParent || delta.Snapshot.Parent != parentAfter
		if moved {
			_, writerID, ok, err := c.payloads.LastWriter(opNode)
			if err != nil {
				return nil, common.WrapStorage(err)
			}
			if ok {
				if err := index.Record(parentAfter, writerID, seq); err != nil {
					return nil, common.WrapStorage(err)
				}
			}
		}
	}

	starts := append([]common.NodeID(nil), delta.AffectedParents...)
	starts = append(starts, opNode)
	if err := c.RefreshTombstonesUpward(starts); err != nil {
		return nil, err
	}

	return delta, nil
}

// ApplyRemoteWithMaterializationSeq advances *seq only when the op is
// accepted. Adapters hold seq in their cursor row and pass it across a batch
func (c *TreeCrdt) ApplyRemoteWithMaterializationSeq(op *common.Operation, index common.ParentOpIndex, seq *uint64) (*ApplyDelta, error) {
	*seq++
	delta, err := c.ApplyRemoteWithMaterialization(op, index, *seq)
	if err != nil {
		*seq--
		return nil, err
	}
	if delta == nil {
		*seq--
	}
	return delta, nil
}

// RefreshTombstonesUpward recomputes the cached tombstone flag for every
// start node with a delete pending, walking parent chains toward the root
func (c *TreeCrdt) RefreshTombstonesUpward(starts []common.NodeID) error {
	stack := append([]common.NodeID(nil), starts...)
	visited := make(map[common.NodeID]struct{})

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == common.RootNodeID || node == common.TrashNodeID {
			continue
		}
		if _, seen := visited[node]; seen {
			continue
		}
		visited[node] = struct{}{}

		parent, hasParent, hasDeletedAt, ok, err := c.nodes.ParentAndHasDeletedAt(node)
		if err != nil {
			return common.WrapStorage(err)
		}
		if !ok {
			continue
		}

		if hasDeletedAt {
			tombstoned, err := c.IsTombstoned(node)
			if err != nil {
				return err
			}
			if err := c.nodes.SetTombstone(node, tombstoned); err != nil {
				return common.WrapStorage(err)
			}
		}

		if hasParent {
			stack = append(stack, parent)
		}
	}
	return nil
}

// RefreshAllTombstones recomputes every cached tombstone flag in one pass,
// sharing subtree version vectors through a memo
func (c *TreeCrdt) RefreshAllTombstones() error {
	all, err := c.nodes.AllNodes()
	if err != nil {
		return common.WrapStorage(err)
	}

	cache := make(map[common.NodeID]common.VersionVector)
	visiting := make(map[common.NodeID]struct{})

	var subtreeVV func(node common.NodeID) (common.VersionVector, error)
	subtreeVV = func(node common.NodeID) (common.VersionVector, error) {
		if vv, ok := cache[node]; ok {
			return vv, nil
		}
		if _, busy := visiting[node]; busy {
			return common.VersionVector{}, common.ErrInconsistentStatef("cycle detected while computing subtree version vector")
		}
		visiting[node] = struct{}{}

		vv, err := c.nodes.LastChange(node)
		if err != nil {
			return common.VersionVector{}, common.WrapStorage(err)
		}
		vv = vv.Clone()
		children, err := c.nodes.Children(node)
		if err != nil {
			return common.VersionVector{}, common.WrapStorage(err)
		}
		for _, child := range children {
			childVV, err := subtreeVV(child)
			if err != nil {
				return common.VersionVector{}, err
			}
			vv.Merge(childVV)
		}

		delete(visiting, node)
		cache[node] = vv
		return vv, nil
	}

	type update struct {
		node       common.NodeID
		tombstoned bool
	}
	var updates []update
	for _, node := range all {
		if node == common.RootNodeID || node == common.TrashNodeID {
			continue
		}
		deletedVV, hasDeletedAt, err := c.nodes.DeletedAt(node)
		if err != nil {
			return common.WrapStorage(err)
		}
		if !hasDeletedAt {
			continue
		}
		subtree, err := subtreeVV(node)
		if err != nil {
			return err
		}
		updates = append(updates, update{node: node, tombstoned: deletedVV.IsAwareOf(subtree)})
	}

	for _, u := range updates {
		if err := c.nodes.SetTombstone(u.node, u.tombstoned); err != nil {
			return common.WrapStorage(err)
		}
	}
	return nil
}

// ReplayFromStorage discards all derived state and streams the op log in
// canonical order through the forward path. This is the universal correctness
// net: any derived-state drift heals with a fresh scan
func (c *TreeCrdt) ReplayFromStorage() error {
	c.vv = common.NewVersionVector()
	if err := c.nodes.Reset(); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.payloads.Reset(); err != nil {
		return common.WrapStorage(err)
	}
	c.head = nil
	c.opCount = 0

	var seq uint64
	var head *common.Operation
	err := c.storage.ScanSince(0, func(op *common.Operation) error {
		c.clock.Observe(op.Lamport)
		c.vv.Observe(op.ID.Replica, op.ID.Counter)
		if _, err := c.applyForward(op); err != nil {
			return err
		}
		seq++
		head = op
		return nil
	})
	if err != nil {
		return common.WrapStorage(err)
	}

	c.head = head
	c.opCount = seq
	if own := c.vv.Get(c.replicaID); own > c.counter {
		c.counter = own
	}
	return nil
}

// ReplayFromStorageWithMaterialization is ReplayFromStorage additionally
// rebuilding the parent-op index, the cached tombstone flags and the
// payload-visibility rows
func (c *TreeCrdt) ReplayFromStorageWithMaterialization(index common.ParentOpIndex) error {
	if err := index.Reset(); err != nil {
		return common.WrapStorage(err)
	}

	c.vv = common.NewVersionVector()
	if err := c.nodes.Reset(); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.payloads.Reset(); err != nil {
		return common.WrapStorage(err)
	}
	c.head = nil
	c.opCount = 0

	var seq uint64
	var head *common.Operation
	err := c.storage.ScanSince(0, func(op *common.Operation) error {
		c.clock.Observe(op.Lamport)
		c.vv.Observe(op.ID.Replica, op.ID.Counter)

		snapshot, err := c.applyForward(op)
		if err != nil {
			return err
		}
		seq++

		for _, parent := range affectedParents(snapshot, op) {
			if parent == common.TrashNodeID {
				continue
			}
			if err := index.Record(parent, op.ID, seq); err != nil {
				return err
			}
		}

		head = op
		return nil
	})
	if err != nil {
		return common.WrapStorage(err)
	}

	c.head = head
	c.opCount = seq
	if own := c.vv.Get(c.replicaID); own > c.counter {
		c.counter = own
	}

	if err := c.RefreshAllTombstones(); err != nil {
		return err
	}

	// payload-visibility backfill: make each node's winning payload op
	// discoverable under its current parent
	payloadSeq := seq
	if payloadSeq == 0 {
		payloadSeq = 1
	}
	all, err := c.nodes.AllNodes()
	if err != nil {
		return common.WrapStorage(err)
	}
	for _, node := range all {
		if node == common.RootNodeID || node == common.TrashNodeID {
			continue
		}
		parent, hasParent, err := c.nodes.Parent(node)
		if err != nil {
			return common.WrapStorage(err)
		}
		if !hasParent || parent == common.TrashNodeID {
			continue
		}
		_, writerID, ok, err := c.payloads.LastWriter(node)
		if err != nil {
			return common.WrapStorage(err)
		}
		if !ok {
			continue
		}
		if err := index.Record(parent, writerID, payloadSeq); err != nil {
			return common.WrapStorage(err)
		}
	}
	return nil
}

// OperationsSince returns all stored operations with lamport strictly greater
// than the argument
func (c *TreeCrdt) OperationsSince(lamport common.Lamport) ([]*common.Operation, error) {
	ops, err := c.storage.LoadSince(lamport)
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	return ops, nil
}

// Children returns the visible (non-tombstoned) children of parent in
// (order key, node id) order. Unknown parents yield an empty slice
func (c *TreeCrdt) Children(parent common.NodeID) ([]common.NodeID, error) {
	exists, err := c.nodes.Exists(parent)
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	if !exists {
		return nil, nil
	}
	children, err := c.nodes.Children(parent)
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	ret := make([]common.NodeID, 0, len(children))
	for _, child := range children {
		tombstoned, err := c.IsTombstoned(child)
		if err != nil {
			return nil, err
		}
		if !tombstoned {
			ret = append(ret, child)
		}
	}
	return ret, nil
}

// Parent returns the visible parent of node. Tombstoned nodes report TRASH;
// nodes parked under TRASH report no parent
func (c *TreeCrdt) Parent(node common.NodeID) (common.NodeID, bool, error) {
	exists, err := c.nodes.Exists(node)
	if err != nil {
		return common.NodeID{}, false, common.WrapStorage(err)
	}
	if !exists {
		return common.NodeID{}, false, nil
	}
	tombstoned, err := c.IsTombstoned(node)
	if err != nil {
		return common.NodeID{}, false, err
	}
	if tombstoned {
		return common.TrashNodeID, true, nil
	}
	parent, hasParent, err := c.nodes.Parent(node)
	if err != nil {
		return common.NodeID{}, false, common.WrapStorage(err)
	}
	if !hasParent || parent == common.TrashNodeID {
		return common.NodeID{}, false, nil
	}
	return parent, true, nil
}

// Payload returns the node's opaque bytes, if set
func (c *TreeCrdt) Payload(node common.NodeID) ([]byte, bool, error) {
	payload, ok, err := c.payloads.Payload(node)
	if err != nil {
		return nil, false, common.WrapStorage(err)
	}
	return payload, ok, nil
}

// PayloadLastWriter returns the winning payload writer for node
func (c *TreeCrdt) PayloadLastWriter(node common.NodeID) (common.Lamport, common.OperationID, bool, error) {
	lamport, id, ok, err := c.payloads.LastWriter(node)
	if err != nil {
		return 0, common.OperationID{}, false, common.WrapStorage(err)
	}
	return lamport, id, ok, nil
}

// IsTombstoned reports whether node is deleted: some delete has been applied
// and its joined known state is aware of the node's whole subtree. Any
// concurrent modification the deleter had not seen revives the node
func (c *TreeCrdt) IsTombstoned(node common.NodeID) (bool, error) {
	exists, err := c.nodes.Exists(node)
	if err != nil {
		return false, common.WrapStorage(err)
	}
	if !exists {
		return false, nil
	}
	deletedVV, hasDeletedAt, err := c.nodes.DeletedAt(node)
	if err != nil {
		return false, common.WrapStorage(err)
	}
	if !hasDeletedAt {
		return false, nil
	}
	subtreeVV, err := c.nodes.SubtreeVersionVector(node)
	if err != nil {
		return false, common.WrapStorage(err)
	}
	return deletedVV.IsAwareOf(subtreeVV), nil
}

// IsKnown reports whether any applied op has referenced node
func (c *TreeCrdt) IsKnown(node common.NodeID) (bool, error) {
	exists, err := c.nodes.Exists(node)
	if err != nil {
		return false, common.WrapStorage(err)
	}
	return exists, nil
}

// Lamport returns the current clock value
func (c *TreeCrdt) Lamport() common.Lamport {
	return c.clock.Now()
}

// VersionVector returns a copy of the engine's merged version vector
func (c *TreeCrdt) VersionVector() common.VersionVector {
	return c.vv.Clone()
}

// Nodes lists the visible nodes with their parents, sorted by node id
func (c *TreeCrdt) Nodes() ([]NodePair, error) {
	all, err := c.nodes.AllNodes()
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	ret := make([]NodePair, 0, len(all))
	for _, node := range all {
		if node == common.RootNodeID || node == common.TrashNodeID {
			continue
		}
		tombstoned, err := c.IsTombstoned(node)
		if err != nil {
			return nil, err
		}
		if tombstoned {
			continue
		}
		parent, hasParent, err := c.nodes.Parent(node)
		if err != nil {
			return nil, common.WrapStorage(err)
		}
		if hasParent && parent == common.TrashNodeID {
			continue
		}
		ret = append(ret, NodePair{Node: node, Parent: parent, HasParent: hasParent})
	}
	sort.Slice(ret, func(i, j int) bool {
		return bytes.Compare(ret[i].Node[:], ret[j].Node[:]) < 0
	})
	return ret, nil
}

// ExportNodes dumps every known node with its full causal metadata
func (c *TreeCrdt) ExportNodes() ([]NodeExport, error) {
	all, err := c.nodes.AllNodes()
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	ret := make([]NodeExport, 0, len(all))
	for _, node := range all {
		parent, hasParent, err := c.nodes.Parent(node)
		if err != nil {
			return nil, common.WrapStorage(err)
		}
		children, err := c.nodes.Children(node)
		if err != nil {
			return nil, common.WrapStorage(err)
		}
		lastChange, err := c.nodes.LastChange(node)
		if err != nil {
			return nil, common.WrapStorage(err)
		}
		deletedAt, hasDeletedAt, err := c.nodes.DeletedAt(node)
		if err != nil {
			return nil, common.WrapStorage(err)
		}
		ret = append(ret, NodeExport{
			Node:         node,
			Parent:       parent,
			HasParent:    hasParent,
			Children:     children,
			LastChange:   lastChange,
			DeletedAt:    deletedAt,
			HasDeletedAt: hasDeletedAt,
		})
	}
	return ret, nil
}

// SubtreeVersionVector joins last-change over node and all its descendants
func (c *TreeCrdt) SubtreeVersionVector(node common.NodeID) (common.VersionVector, error) {
	vv, err := c.nodes.SubtreeVersionVector(node)
	if err != nil {
		return common.VersionVector{}, common.WrapStorage(err)
	}
	return vv, nil
}

// LogLen returns the number of ops in the current derived state: those
// streamed by the last replay plus those applied since
func (c *TreeCrdt) LogLen() int {
	return int(c.opCount)
}

// HeadOp returns the last applied op in canonical order, nil when none
func (c *TreeCrdt) HeadOp() *common.Operation {
	return c.head
}

// ValidateInvariants checks materialized state: child lists free of
// duplicates, child/parent pointers consistent, and no cycles
func (c *TreeCrdt) ValidateInvariants() error {
	all, err := c.nodes.AllNodes()
	if err != nil {
		return common.WrapStorage(err)
	}
	for _, pid := range all {
		children, err := c.nodes.Children(pid)
		if err != nil {
			return common.WrapStorage(err)
		}
		seen := make(map[common.NodeID]struct{}, len(children))
		for _, child := range children {
			if _, dup := seen[child]; dup {
				return common.ErrInvalidOperationf("duplicate child entry under %s", pid)
			}
			seen[child] = struct{}{}
			exists, err := c.nodes.Exists(child)
			if err != nil {
				return common.WrapStorage(err)
			}
			if !exists {
				return common.ErrInvalidOperationf("child %s not present in nodes", child)
			}
			parent, hasParent, err := c.nodes.Parent(child)
			if err != nil {
				return common.WrapStorage(err)
			}
			if !hasParent || parent != pid {
				return common.ErrInvalidOperationf("child %s parent mismatch", child)
			}
		}
	}

	for _, node := range all {
		cyclic, err := c.hasCycleFrom(node)
		if err != nil {
			return err
		}
		if cyclic {
			return common.ErrInvalidOperationf("cycle detected at %s", node)
		}
	}
	return nil
}

func (c *TreeCrdt) hasCycleFrom(start common.NodeID) (bool, error) {
	if start == common.RootNodeID || start == common.TrashNodeID {
		return false, nil
	}
	visited := make(map[common.NodeID]struct{})
	current, hasCurrent := start, true
	for hasCurrent {
		if _, seen := visited[current]; seen {
			return true, nil
		}
		visited[current] = struct{}{}
		if current == common.RootNodeID || current == common.TrashNodeID {
			return false, nil
		}
		next, ok, err := c.nodes.Parent(current)
		if err != nil {
			return false, common.WrapStorage(err)
		}
		current, hasCurrent = next, ok
	}
	return false, nil
}

func (c *TreeCrdt) commitLocal(op *common.Operation) (*common.Operation, error) {
	c.vv.Observe(c.replicaID, op.ID.Counter)
	inserted, err := c.storage.Apply(op)
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	if !inserted {
		return op, nil
	}
	if _, err := c.applyForward(op); err != nil {
		return nil, err
	}
	c.opCount++
	c.head = op
	return op, nil
}

// emissionSeed is the per-op order-key seed: replica bytes ‖ be64(counter)
func emissionSeed(replica common.ReplicaID, counter uint64) []byte {
	ret := make([]byte, 0, len(replica)+8)
	ret = append(ret, replica.Bytes()...)
	return append(ret, byte(counter>>56), byte(counter>>48), byte(counter>>40), byte(counter>>32),
		byte(counter>>24), byte(counter>>16), byte(counter>>8), byte(counter))
}

// allocateChildKeyAfter picks left/right neighbor keys among the visible
// children of parent (excluding the node being placed) and allocates between
func (c *TreeCrdt) allocateChildKeyAfter(parent, node common.NodeID, after *common.NodeID, seed []byte) ([]byte, error) {
	if parent == common.TrashNodeID {
		return nil, nil
	}

	children, err := c.Children(parent)
	if err != nil {
		return nil, err
	}
	filtered := children[:0]
	for _, child := range children {
		if child != node {
			filtered = append(filtered, child)
		}
	}
	children = filtered

	var left, right []byte
	if after != nil {
		idx := -1
		for i, child := range children {
			if child == *after {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, common.ErrInvalidOperationf("after node %s is not a child of %s", *after, parent)
		}
		left, err = c.nodes.OrderKey(*after)
		if err != nil {
			return nil, common.WrapStorage(err)
		}
		if idx+1 < len(children) {
			right, err = c.nodes.OrderKey(children[idx+1])
			if err != nil {
				return nil, common.WrapStorage(err)
			}
		}
	} else if len(children) > 0 {
		right, err = c.nodes.OrderKey(children[0])
		if err != nil {
			return nil, common.WrapStorage(err)
		}
	}

	return common.AllocateOrderKeyBetween(left, right, seed)
}

func (c *TreeCrdt) nextCounter() uint64 {
	c.counter++
	return c.counter
}
