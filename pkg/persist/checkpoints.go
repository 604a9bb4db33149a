// Package persist is the durable checkpoint store described in §6's
// "Persisted state layout": checkpoint files keyed by op_number, and a
// pointer file naming the current view and the latest committed
// checkpoint. It is a host-layer concern, not part of the replication
// core — the core only decides when to emit and accept checkpoints.
package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/vrnode/pkg/vr"
)

// CheckpointStore persists replica checkpoints and the current-view pointer
// in a BadgerDB instance, namespaced by replica index so several replicas
// in a simulated cluster can share one process without colliding.
type CheckpointStore struct {
	db      *badger.DB
	metrics *storeMetrics
}

// Open opens (creating if absent) a BadgerDB-backed CheckpointStore rooted
// at dir.
func Open(dir string) (*CheckpointStore, error) {
	return OpenSized(dir, 0)
}

// OpenSized opens the store with a cap on Badger's value log file size.
// Zero uses Badger's default.
func OpenSized(dir string, valueLogFileSize int64) (*CheckpointStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if valueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(valueLogFileSize)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persist: opening badger store at %q: %w", dir, err)
	}
	return &CheckpointStore{db: db, metrics: newStoreMetrics("badger")}, nil
}

// Close releases the underlying BadgerDB handle.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

func keyCheckpoint(index vr.ReplicaIndex, op vr.OpNumber) []byte {
	key := make([]byte, 0, 24)
	key = append(key, []byte("ckpt:")...)
	key = binary.BigEndian.AppendUint32(key, uint32(index))
	key = append(key, ':')
	key = binary.BigEndian.AppendUint64(key, uint64(op))
	return key
}

func keyPointer(index vr.ReplicaIndex) []byte {
	key := make([]byte, 0, 16)
	key = append(key, []byte("ptr:")...)
	key = binary.BigEndian.AppendUint32(key, uint32(index))
	return key
}

// pointer names the latest durable checkpoint and the view it was saved
// in. It is written only together with a checkpoint; a later view change
// does not update it.
type pointer struct {
	View              uint64 `json:"view"`
	LatestCheckpoint  uint64 `json:"latest_checkpoint_op"`
}

// SaveCheckpoint durably stores snapshot bytes under (index, op) and
// updates the pointer file to reference it as the latest checkpoint.
func (s *CheckpointStore) SaveCheckpoint(index vr.ReplicaIndex, view vr.View, op vr.OpNumber, snapshot []byte) error {
	done := s.metrics.observeWrite()
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyCheckpoint(index, op), snapshot); err != nil {
			return err
		}
		ptr := pointer{View: uint64(view), LatestCheckpoint: uint64(op)}
		ptrBytes, err := json.Marshal(ptr)
		if err != nil {
			return err
		}
		return txn.Set(keyPointer(index), ptrBytes)
	})
	done(err == nil)
	return err
}

// LoadLatest returns the most recent durable checkpoint for index, per the
// pointer file, or ok=false if none has ever been saved.
func (s *CheckpointStore) LoadLatest(index vr.ReplicaIndex) (view vr.View, op vr.OpNumber, snapshot []byte, ok bool, err error) {
	done := s.metrics.observeRead()
	err = s.db.View(func(txn *badger.Txn) error {
		ptrItem, getErr := txn.Get(keyPointer(index))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}

		var ptr pointer
		if valErr := ptrItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &ptr)
		}); valErr != nil {
			return valErr
		}

		snapItem, getErr := txn.Get(keyCheckpoint(index, vr.OpNumber(ptr.LatestCheckpoint)))
		if getErr != nil {
			return getErr
		}
		return snapItem.Value(func(val []byte) error {
			snapshot = append([]byte{}, val...)
			view = vr.View(ptr.View)
			op = vr.OpNumber(ptr.LatestCheckpoint)
			ok = true
			return nil
		})
	})
	done(ok && err == nil)
	return view, op, snapshot, ok, err
}

// PrunePriorTo removes every checkpoint for index strictly below keep, the
// op-number of the new oldest retained checkpoint, mirroring the in-memory
// retention the replica core already applies to its log.
func (s *CheckpointStore) PrunePriorTo(index vr.ReplicaIndex, keep vr.OpNumber) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := append([]byte("ckpt:"), make([]byte, 0, 4)...)
		prefix = binary.BigEndian.AppendUint32(prefix, uint32(index))

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) < len(prefix)+9 {
				continue
			}
			op := vr.OpNumber(binary.BigEndian.Uint64(key[len(prefix)+1:]))
			if op < keep {
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
