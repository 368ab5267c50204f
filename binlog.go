package pollsync

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/golang/glog"
)

// record kinds are a closed set. Replay matches them exhaustively and
// treats an unknown kind as fatal.
type RecordKind int32

const (
	RecordKindSetAnswer RecordKind = 1
)

type BinlogRecord struct {
	RecordId uint64
	Kind     RecordKind
	Payload  []byte
}

// Binlog is the durable write ahead log for in flight requests.
// Records survive process restarts and are fed back in append order
// through Replay. Record ids are never zero.
type Binlog interface {
	Append(kind RecordKind, payload []byte) uint64
	// Rewrite replaces the record in place. The returned id is the
	// handle to keep using; it may equal the old one.
	Rewrite(recordId uint64, kind RecordKind, payload []byte) uint64
	Erase(recordId uint64)
	// Replay returns all live records in append order.
	Replay() []BinlogRecord
}

const badgerBinlogKeyPrefix = "binlog:"

func badgerBinlogKey(recordId uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", badgerBinlogKeyPrefix, recordId))
}

// value layout: 4-byte IEEE CRC32 of the rest, 4-byte big endian kind,
// payload
func encodeBinlogValue(kind RecordKind, payload []byte) []byte {
	value := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(value[4:8], uint32(kind))
	copy(value[8:], payload)
	binary.BigEndian.PutUint32(value[0:4], crc32.ChecksumIEEE(value[4:]))
	return value
}

func decodeBinlogValue(value []byte) (RecordKind, []byte) {
	if len(value) < 8 {
		glog.Fatalf("[binlog]truncated record value (%d bytes)\n", len(value))
	}
	storedCrc := binary.BigEndian.Uint32(value[0:4])
	if crc := crc32.ChecksumIEEE(value[4:]); crc != storedCrc {
		// the log was written by this same process family and must
		// always verify
		glog.Fatalf("[binlog]record crc mismatch: stored %08x computed %08x\n", storedCrc, crc)
	}
	return RecordKind(binary.BigEndian.Uint32(value[4:8])), value[8:]
}

// BadgerBinlog stores records under sequence-numbered keys so that
// badger's sorted iteration yields them in append order.
type BadgerBinlog struct {
	db *badger.DB

	stateLock    sync.Mutex
	nextRecordId uint64
}

func NewBadgerBinlog(db *badger.DB) *BadgerBinlog {
	binlog := &BadgerBinlog{
		db: db,
	}
	binlog.nextRecordId = binlog.maxRecordId() + 1
	return binlog
}

func (self *BadgerBinlog) maxRecordId() uint64 {
	maxRecordId := uint64(0)
	err := self.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerBinlogKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			var recordId uint64
			if _, err := fmt.Sscanf(key, badgerBinlogKeyPrefix+"%d", &recordId); err != nil {
				glog.Fatalf("[binlog]bad record key %s\n", key)
			}
			if maxRecordId < recordId {
				maxRecordId = recordId
			}
		}
		return nil
	})
	if err != nil {
		glog.Fatalf("[binlog]scan error = %s\n", err)
	}
	return maxRecordId
}

func (self *BadgerBinlog) Append(kind RecordKind, payload []byte) uint64 {
	self.stateLock.Lock()
	recordId := self.nextRecordId
	self.nextRecordId += 1
	self.stateLock.Unlock()

	self.put(recordId, kind, payload)
	return recordId
}

func (self *BadgerBinlog) Rewrite(recordId uint64, kind RecordKind, payload []byte) uint64 {
	// same key, new value. The id stays stable across rewrites.
	self.put(recordId, kind, payload)
	return recordId
}

func (self *BadgerBinlog) put(recordId uint64, kind RecordKind, payload []byte) {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerBinlogKey(recordId), encodeBinlogValue(kind, payload))
	})
	if err != nil {
		// a write ahead log that cannot write gives no durability
		glog.Fatalf("[binlog]write record %d error = %s\n", recordId, err)
	}
}

func (self *BadgerBinlog) Erase(recordId uint64) {
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerBinlogKey(recordId))
	})
	if err != nil {
		glog.Fatalf("[binlog]erase record %d error = %s\n", recordId, err)
	}
}

func (self *BadgerBinlog) Replay() []BinlogRecord {
	records := []BinlogRecord{}
	err := self.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerBinlogKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			var recordId uint64
			if _, err := fmt.Sscanf(key, badgerBinlogKeyPrefix+"%d", &recordId); err != nil {
				glog.Fatalf("[binlog]bad record key %s\n", key)
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			kind, payload := decodeBinlogValue(value)
			records = append(records, BinlogRecord{
				RecordId: recordId,
				Kind:     kind,
				Payload:  payload,
			})
		}
		return nil
	})
	if err != nil {
		glog.Fatalf("[binlog]replay error = %s\n", err)
	}
	return records
}
