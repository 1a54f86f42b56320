package boltstore

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"github.com/cybersemics/treecrdt.go/common"
	"github.com/cybersemics/treecrdt.go/tree"
)

// cursor is the persisted materialization bookmark: dirty flag, head op key
// and head sequence. A fresh document starts clean with all zeros
type cursor struct {
	doc *Document

	dirty       bool
	headLamport common.Lamport
	headReplica []byte
	headCounter uint64
	headSeq     uint64
}

func (d *Document) loadCursor() (*cursor, error) {
	ret := &cursor{doc: d}
	err := d.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketMeta).Get(metaCursor)
		if value == nil {
			return nil
		}
		r := bytes.NewReader(value)
		flags, err := r.ReadByte()
		if err != nil {
			return err
		}
		ret.dirty = flags&0x01 != 0
		if err := common.ReadUint64(r, &ret.headLamport); err != nil {
			return err
		}
		if ret.headReplica, err = common.ReadBytes16(r); err != nil {
			return err
		}
		if err := common.ReadUint64(r, &ret.headCounter); err != nil {
			return err
		}
		return common.ReadUint64(r, &ret.headSeq)
	})
	if err != nil {
		return nil, common.ErrStoragef("load cursor: %v", err)
	}
	return ret, nil
}

func (c *cursor) save() error {
	var buf bytes.Buffer
	var flags byte
	if c.dirty {
		flags |= 0x01
	}
	buf.WriteByte(flags)
	_ = common.WriteUint64(&buf, c.headLamport)
	_ = common.WriteBytes16(&buf, c.headReplica)
	_ = common.WriteUint64(&buf, c.headCounter)
	_ = common.WriteUint64(&buf, c.headSeq)
	err := c.doc.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaCursor, buf.Bytes())
	})
	if err != nil {
		return common.ErrStoragef("save cursor: %v", err)
	}
	return nil
}

func (c *cursor) Dirty() bool                 { return c.dirty }
func (c *cursor) HeadLamport() common.Lamport { return c.headLamport }
func (c *cursor) HeadReplica() []byte         { return c.headReplica }
func (c *cursor) HeadCounter() uint64         { return c.headCounter }
func (c *cursor) HeadSeq() uint64             { return c.headSeq }

func (c *cursor) markDirty() error {
	c.dirty = true
	return c.save()
}

func (c *cursor) setHead(head *tree.MaterializationHead) error {
	c.dirty = false
	c.headLamport = head.Lamport
	c.headReplica = append([]byte(nil), head.Replica...)
	c.headCounter = head.Counter
	c.headSeq = head.Seq
	return c.save()
}

func (c *cursor) clear() error {
	c.dirty = false
	c.headLamport = 0
	c.headReplica = nil
	c.headCounter = 0
	c.headSeq = 0
	return c.save()
}
