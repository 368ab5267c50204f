package pollsync

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/golang/glog"
)

// PollStorage is the persistent key value store for poll snapshots.
// Values are opaque serialized snapshots produced and consumed by the
// manager.
type PollStorage interface {
	// Get returns the stored value, or false if the key has no value.
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

type BadgerDbSettings struct {
	// InMemory keeps all data in memory. For tests.
	InMemory   bool
	SyncWrites bool
}

func DefaultBadgerDbSettings() *BadgerDbSettings {
	return &BadgerDbSettings{
		SyncWrites: true,
	}
}

// OpenBadgerDb opens the embedded database shared by BadgerStorage and
// BadgerBinlog. The two use disjoint key prefixes.
func OpenBadgerDb(path string, settings *BadgerDbSettings) (*badger.DB, error) {
	var opts badger.Options
	if settings.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithSyncWrites(settings.SyncWrites).WithLogger(nil)
	return badger.Open(opts)
}

type BadgerStorage struct {
	db *badger.DB
}

func NewBadgerStorage(db *badger.DB) *BadgerStorage {
	return &BadgerStorage{
		db: db,
	}
}

func (self *BadgerStorage) Get(key string) ([]byte, bool) {
	var value []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		// the snapshot store must stay readable for correctness
		glog.Fatalf("[store]read %s error = %s\n", key, err)
	}
	return value, true
}

func (self *BadgerStorage) Set(key string, value []byte) {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		glog.Fatalf("[store]write %s error = %s\n", key, err)
	}
}
