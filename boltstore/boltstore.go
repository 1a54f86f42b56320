// Package boltstore is a durable document adapter over bbolt. It persists the
// op log, the parent-op index and the materialization cursor in one database
// file per document and maintains derived tree state through the incremental
// materialization protocol, falling back to a dirty flag plus
// rebuild-on-read when a batch cannot be applied incrementally.
//
// Writers are serialized twice: an in-process mutex for callers sharing a
// Document, and an advisory file lock so two processes appending to the same
// document cannot interleave forward application with replay
package boltstore

import (
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cybersemics/treecrdt.go/common"
	"github.com/cybersemics/treecrdt.go/tree"
)

var (
	bucketOps       = []byte("ops")
	bucketOpIDs     = []byte("op_ids")
	bucketMeta      = []byte("meta")
	bucketParentOps = []byte("parent_ops")

	metaLatestLamport = []byte("latest_lamport")
	metaCursor        = []byte("cursor")
	metaCounterPrefix = []byte("counter/")
)

// Options configures a Document
type Options struct {
	// ReplicaID is the local replica identity used for emission
	ReplicaID common.ReplicaID
	// DocID scopes derived op-refs
	DocID []byte
	// Logger defaults to a disabled logger
	Logger *zerolog.Logger
	// FileMode for the database file, 0600 when zero
	FileMode os.FileMode
}

// Document is one replicated tree backed by a bbolt file
type Document struct {
	db   *bolt.DB
	lock *flock.Flock
	mu   sync.Mutex
	log  zerolog.Logger

	docID  []byte
	crdt   *tree.TreeCrdt
	index  *parentOpIndex
	cursor *cursor
}

// Open opens (creating if needed) the document database at path and replays
// the stored log into memory so queries are served without further I/O
func Open(path string, opts Options) (*Document, error) {
	mode := opts.FileMode
	if mode == 0 {
		mode = 0o600
	}
	db, err := bolt.Open(path, mode, nil)
	if err != nil {
		return nil, common.ErrStoragef("open %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOps, bucketOpIDs, bucketMeta, bucketParentOps} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, common.ErrStoragef("create buckets: %v", err)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "boltstore").Logger()

	doc := &Document{
		db:    db,
		lock:  flock.New(path + ".lock"),
		log:   logger,
		docID: append([]byte(nil), opts.DocID...),
	}
	doc.index = &parentOpIndex{doc: doc}

	storage := &opLog{doc: doc}
	crdt, err := tree.NewWithStores(opts.ReplicaID, storage, &common.LamportClock{},
		common.NewMemoryNodeStore(), common.NewMemoryPayloadStore())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	doc.crdt = crdt

	cur, err := doc.loadCursor()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	doc.cursor = cur

	if err := doc.rebuild(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return doc, nil
}

// Close releases the file lock and the database
func (d *Document) Close() error {
	_ = d.lock.Unlock()
	return d.db.Close()
}

// Tree returns the engine for queries. Mutation must go through Update/Append
func (d *Document) Tree() *tree.TreeCrdt {
	return d.crdt
}

func (d *Document) withWriterLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lock.Lock(); err != nil {
		return common.ErrStoragef("acquire document lock: %v", err)
	}
	defer func() { _ = d.lock.Unlock() }()
	return fn()
}

// Update runs fn holding the writer lock, for local emission flows
func (d *Document) Update(fn func(crdt *tree.TreeCrdt) error) error {
	return d.withWriterLock(func() error {
		return fn(d.crdt)
	})
}

// Append ingests a batch of remote operations. Ops are always persisted; the
// derived state is maintained incrementally when possible, otherwise the
// document is marked dirty and rebuilt on the next read
func (d *Document) Append(ops []*common.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	return d.withWriterLock(func() error {
		dirty := d.cursor.Dirty()
		ok := tree.TryIncrementalMaterialization(dirty, func() error {
			head, err := tree.ApplyIncrementalOps(d.crdt, d.index, d.cursor, ops)
			if err != nil {
				return err
			}
			if head != nil {
				return d.cursor.setHead(head)
			}
			return nil
		}, func() {
			if err := d.markDirtyAndStash(ops); err != nil {
				d.log.Error().Err(err).Msg("failed to stash ops while marking dirty")
			}
		})
		if !ok {
			d.log.Debug().Int("ops", len(ops)).Msg("incremental materialization unavailable, document marked dirty")
			return nil
		}
		return nil
	})
}

// markDirtyAndStash persists the ops that could not be applied incrementally
// and flags the document for rebuild
func (d *Document) markDirtyAndStash(ops []*common.Operation) error {
	storage := &opLog{doc: d}
	for _, op := range ops {
		if _, err := storage.Apply(op); err != nil {
			return err
		}
	}
	return d.cursor.markDirty()
}

// EnsureMaterialized rebuilds derived state when the document is dirty.
// Readers call this before serving queries
func (d *Document) EnsureMaterialized() error {
	if !d.cursor.Dirty() {
		return nil
	}
	return d.withWriterLock(func() error {
		if !d.cursor.Dirty() {
			return nil
		}
		return d.rebuild()
	})
}

func (d *Document) rebuild() error {
	d.log.Debug().Msg("replaying document from storage")
	if err := d.crdt.ReplayFromStorageWithMaterialization(d.index); err != nil {
		return err
	}
	head := d.crdt.HeadOp()
	if head == nil {
		return d.cursor.clear()
	}
	return d.cursor.setHead(&tree.MaterializationHead{
		Lamport: head.Lamport,
		Replica: head.ID.Replica.Bytes(),
		Counter: head.ID.Counter,
		Seq:     uint64(d.crdt.LogLen()),
	})
}

// OpRefs returns the catch-up refs recorded for parent, ordered by sequence
func (d *Document) OpRefs(parent common.NodeID) ([]common.OpRef, error) {
	if err := d.EnsureMaterialized(); err != nil {
		return nil, err
	}
	return d.index.opRefs(parent)
}

// AllOpRefs returns the refs of every stored op in op-key byte order, which
// is the canonical order under the condition OpKeyBytes states
func (d *Document) AllOpRefs() ([]common.OpRef, error) {
	type row struct {
		key []byte
		ref common.OpRef
	}
	var rows []row
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(k, v []byte) error {
			op, err := common.OperationFromBytes(v)
			if err != nil {
				return err
			}
			rows = append(rows, row{
				key: append([]byte(nil), k...),
				ref: common.DeriveOpRef(d.docID, op.ID.Replica, op.ID.Counter),
			})
			return nil
		})
	})
	if err != nil {
		return nil, common.WrapStorage(err)
	}
	// bbolt iterates keys in byte order, so rows arrive sorted by op key
	// bytes
	ret := make([]common.OpRef, len(rows))
	for i, r := range rows {
		ret[i] = r.ref
	}
	return ret, nil
}
