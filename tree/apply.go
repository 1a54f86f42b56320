package tree

import (
	"bytes"
	"sort"

	"github.com/cybersemics/treecrdt.go/common"
)

// Forward application: the deterministic per-op state transition. Every
// replica running the same ops through these rules in the same order reaches
// identical materialized state. Rejected ops (cycles, self-parenting, weaker
// payload writers, deletes of reserved nodes) are silent successes: a
// concurrent replica applying the same op must reach the same no-op
// conclusion, so none of them surface as errors

func (c *TreeCrdt) applyForward(op *common.Operation) (nodeSnapshot, error) {
	snapshot, err := c.snapshot(op)
	if err != nil {
		return nodeSnapshot{}, err
	}
	switch op.Kind {
	case common.OpInsert:
		if err := c.applyInsert(op); err != nil {
			return nodeSnapshot{}, err
		}
		if op.HasPayload {
			if err := c.applyPayload(op); err != nil {
				return nodeSnapshot{}, err
			}
		}
	case common.OpMove:
		if err := c.applyMove(op); err != nil {
			return nodeSnapshot{}, err
		}
	case common.OpDelete, common.OpTombstone:
		if err := c.applyDelete(op); err != nil {
			return nodeSnapshot{}, err
		}
	case common.OpPayload:
		if err := c.applyPayload(op); err != nil {
			return nodeSnapshot{}, err
		}
	default:
		// unknown kinds are ignored so newer emitters stay compatible
	}
	return snapshot, nil
}

func (c *TreeCrdt) snapshot(op *common.Operation) (nodeSnapshot, error) {
	if err := c.nodes.EnsureNode(op.Node); err != nil {
		return nodeSnapshot{}, common.WrapStorage(err)
	}
	parent, hasParent, err := c.nodes.Parent(op.Node)
	if err != nil {
		return nodeSnapshot{}, common.WrapStorage(err)
	}
	orderKey, err := c.nodes.OrderKey(op.Node)
	if err != nil {
		return nodeSnapshot{}, common.WrapStorage(err)
	}
	return nodeSnapshot{parent: parent, hasParent: hasParent, orderKey: orderKey}, nil
}

func (c *TreeCrdt) applyInsert(op *common.Operation) error {
	parent, node := op.Parent, op.Node
	if parent == node {
		return nil
	}
	cyclic, err := c.introducesCycle(node, parent)
	if err != nil {
		return err
	}
	if cyclic {
		return nil
	}
	if err := c.nodes.EnsureNode(parent); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.nodes.EnsureNode(node); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.nodes.Detach(node); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.nodes.Attach(node, parent, op.OrderKey); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.updateLastChange(op, node); err != nil {
		return err
	}
	return c.updateLastChange(op, parent)
}

func (c *TreeCrdt) applyMove(op *common.Operation) error {
	node, newParent := op.Node, op.NewParent
	if node == common.RootNodeID {
		return nil
	}
	if err := c.nodes.EnsureNode(node); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.nodes.EnsureNode(newParent); err != nil {
		return common.WrapStorage(err)
	}
	if newParent != common.TrashNodeID {
		cyclic, err := c.introducesCycle(node, newParent)
		if err != nil {
			return err
		}
		if cyclic || node == newParent {
			return nil
		}
	}

	oldParent, hadParent, err := c.nodes.Parent(node)
	if err != nil {
		return common.WrapStorage(err)
	}

	if err := c.nodes.Detach(node); err != nil {
		return common.WrapStorage(err)
	}
	if err := c.nodes.Attach(node, newParent, op.OrderKey); err != nil {
		return common.WrapStorage(err)
	}

	if err := c.updateLastChange(op, node); err != nil {
		return err
	}
	if hadParent && oldParent != common.TrashNodeID {
		if err := c.updateLastChange(op, oldParent); err != nil {
			return err
		}
	}
	if newParent != common.TrashNodeID {
		if err := c.updateLastChange(op, newParent); err != nil {
			return err
		}
	}
	return nil
}

// applyDelete merges the delete's awareness into the target's deleted-at.
// Tombstone-ness is derived later from deleted-at vs the subtree VV, never
// set here
func (c *TreeCrdt) applyDelete(op *common.Operation) error {
	node := op.Node
	if node == common.RootNodeID || node == common.TrashNodeID {
		return nil
	}
	if err := c.nodes.EnsureNode(node); err != nil {
		return common.WrapStorage(err)
	}

	deleteVV := operationVersionVector(op)
	if op.KnownState != nil {
		deleteVV.Merge(*op.KnownState)
	}
	if err := c.nodes.MergeDeletedAt(node, deleteVV); err != nil {
		return common.WrapStorage(err)
	}
	return nil
}

// applyPayload is last-writer-wins by canonical op key. A writer not strictly
// greater than the stored one is ignored
func (c *TreeCrdt) applyPayload(op *common.Operation) error {
	node := op.Node
	if err := c.nodes.EnsureNode(node); err != nil {
		return common.WrapStorage(err)
	}

	lamport, writerID, hasWriter, err := c.payloads.LastWriter(node)
	if err != nil {
		return common.WrapStorage(err)
	}
	if hasWriter {
		if common.CompareOpKeys(op.Lamport, op.ID.Replica.Bytes(), op.ID.Counter,
			lamport, writerID.Replica.Bytes(), writerID.Counter) <= 0 {
			return nil
		}
	}

	if err := c.payloads.SetPayload(node, op.Payload, op.HasPayload, op.Lamport, op.ID); err != nil {
		return common.WrapStorage(err)
	}
	return c.updateLastChange(op, node)
}

func operationVersionVector(op *common.Operation) common.VersionVector {
	vv := common.NewVersionVector()
	vv.Observe(op.ID.Replica, op.ID.Counter)
	return vv
}

func (c *TreeCrdt) updateLastChange(op *common.Operation, node common.NodeID) error {
	if err := c.nodes.MergeLastChange(node, operationVersionVector(op)); err != nil {
		return common.WrapStorage(err)
	}
	if op.KnownState != nil {
		if err := c.nodes.MergeLastChange(node, *op.KnownState); err != nil {
			return common.WrapStorage(err)
		}
	}
	return nil
}

// introducesCycle walks parent pointers from potentialParent; finding node
// before ROOT or TRASH means attaching node under it would close a loop.
// O(depth), run on every structural op
func (c *TreeCrdt) introducesCycle(node, potentialParent common.NodeID) (bool, error) {
	if potentialParent == common.TrashNodeID || potentialParent == common.RootNodeID {
		return false, nil
	}
	current, hasCurrent := potentialParent, true
	for hasCurrent {
		if current == node {
			return true, nil
		}
		if current == common.TrashNodeID || current == common.RootNodeID {
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

// affectedParents collects the parents whose child lists an op may touch:
// the pre-state parent plus the post-state parent for structural ops
func affectedParents(snapshot nodeSnapshot, op *common.Operation) []common.NodeID {
	var parents []common.NodeID
	if snapshot.hasParent {
		parents = append(parents, snapshot.parent)
	}
	switch op.Kind {
	case common.OpInsert:
		parents = append(parents, op.Parent)
	case common.OpMove:
		parents = append(parents, op.NewParent)
	}
	sort.Slice(parents, func(i, j int) bool {
		return bytes.Compare(parents[i][:], parents[j][:]) < 0
	})
	ret := parents[:0]
	for i, p := range parents {
		if i == 0 || p != parents[i-1] {
			ret = append(ret, p)
		}
	}
	return ret
}
