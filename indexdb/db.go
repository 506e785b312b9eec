package indexdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	// latestDbVersion is the schema version this package writes and the
	// newest version it knows how to read.
	latestDbVersion = 1

	// DefaultDBTimeout is how long we will wait to obtain the database
	// lock before giving up.
	DefaultDBTimeout = time.Second * 60
)

var (
	// dataBucket is the single top-level bucket all records of an index
	// live in.
	dataBucket = []byte("index-data")

	// dbVersionKey is the key under which the schema version is stored.
	// Indexes must not use keys starting with 'v' for their own records.
	dbVersionKey = []byte("v")

	// ErrKeyNotFound is returned when the queried key has no value in
	// the database.
	ErrKeyNotFound = errors.New("key not found in index db")

	// ErrVersionTooNew is returned when the database on disk was written
	// by a newer schema version than this code understands. Such a
	// database is refused rather than misread.
	ErrVersionTooNew = errors.New("index db version too new")
)

// DB is the key/value database backing a single index. All mutations go
// through batches that are applied atomically, so reads only ever observe
// fully committed batches.
type DB struct {
	db walletdb.DB

	// tmpDir is the throwaway directory holding the database file when
	// running in memory only mode. It is removed again on Close.
	tmpDir string
}

// Open opens, or creates, the index database at path. With wipe set any
// existing database file is removed first. With memoryOnly set the database
// file is placed in a temp directory that is deleted on Close, so nothing
// outlives the process.
func Open(path string, memoryOnly, wipe bool) (*DB, error) {
	var tmpDir string
	if memoryOnly {
		var err error
		tmpDir, err = os.MkdirTemp("", "indexdb")
		if err != nil {
			return nil, fmt.Errorf("unable to create temp dir: "+
				"%w", err)
		}
		path = filepath.Join(tmpDir, filepath.Base(path))
	} else {
		err := os.MkdirAll(filepath.Dir(path), 0700)
		if err != nil {
			return nil, fmt.Errorf("unable to create index db "+
				"dir: %w", err)
		}

		if wipe {
			err := os.Remove(path)
			if err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("unable to wipe "+
					"index db: %w", err)
			}
		}
	}

	var (
		db  walletdb.DB
		err error
	)
	if fileExists(path) {
		db, err = walletdb.Open("bdb", path, true, DefaultDBTimeout)
	} else {
		db, err = walletdb.Create("bdb", path, true, DefaultDBTimeout)
	}
	if err != nil {
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		}
		return nil, fmt.Errorf("unable to open index db: %w", err)
	}

	indexDB := &DB{
		db:     db,
		tmpDir: tmpDir,
	}
	if err := indexDB.checkVersion(); err != nil {
		indexDB.Close()
		return nil, err
	}

	return indexDB, nil
}

// checkVersion creates the data bucket if needed and verifies the schema
// version record, stamping the latest version into a fresh database.
func (d *DB) checkVersion() error {
	return walletdb.Update(d.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := tx.CreateTopLevelBucket(dataBucket)
		if err != nil {
			return fmt.Errorf("unable to create index bucket: "+
				"%w", err)
		}

		rawVersion := bucket.Get(dbVersionKey)
		if rawVersion == nil {
			var scratch [4]byte
			binary.BigEndian.PutUint32(
				scratch[:], latestDbVersion,
			)
			return bucket.Put(dbVersionKey, scratch[:])
		}
		if len(rawVersion) != 4 {
			return fmt.Errorf("corrupt version record of "+
				"length %d", len(rawVersion))
		}

		version := binary.BigEndian.Uint32(rawVersion)
		if version > latestDbVersion {
			return fmt.Errorf("%w: latest known version %d, db "+
				"has version %d", ErrVersionTooNew,
				latestDbVersion, version)
		}

		return nil
	})
}

// Get returns the value stored under key, or ErrKeyNotFound when the key
// has no value.
func (d *DB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(dataBucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}

		dbValue := bucket.Get(key)
		if dbValue == nil {
			return ErrKeyNotFound
		}

		// The returned slice is only valid for the life of the
		// transaction, so copy it out.
		value = make([]byte, len(dbValue))
		copy(value, dbValue)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Has reports whether key has a value in the database.
func (d *DB) Has(key []byte) (bool, error) {
	var exists bool
	err := walletdb.View(d.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(dataBucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}

		exists = bucket.Get(key) != nil

		return nil
	})
	if err != nil {
		return false, err
	}

	return exists, nil
}

// batchOp is a single staged mutation.
type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch stages a set of mutations that Commit later applies as one atomic
// unit. A Batch is not safe for concurrent use.
type Batch struct {
	ops []batchOp
}

// NewBatch returns a new empty batch.
func (d *DB) NewBatch() *Batch {
	return &Batch{}
}

// Put stages the write of value under key. Both slices are copied, the
// caller is free to reuse them.
func (b *Batch) Put(key, value []byte) {
	op := batchOp{
		key:   make([]byte, len(key)),
		value: make([]byte, len(value)),
	}
	copy(op.key, key)
	copy(op.value, value)

	b.ops = append(b.ops, op)
}

// Delete stages the removal of key. Removing an absent key is not an error.
func (b *Batch) Delete(key []byte) {
	op := batchOp{
		key:    make([]byte, len(key)),
		delete: true,
	}
	copy(op.key, key)

	b.ops = append(b.ops, op)
}

// Len returns the number of staged mutations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Commit applies all mutations staged in the batch within a single database
// transaction: either every mutation becomes visible or none does.
func (d *DB) Commit(batch *Batch) error {
	err := walletdb.Update(d.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(dataBucket)
		if bucket == nil {
			return walletdb.ErrBucketNotFound
		}

		for _, op := range batch.ops {
			if op.delete {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}

			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to commit batch: %w", err)
	}

	return nil
}

// Close shuts the database down and, in memory only mode, removes the
// backing file along with its temp directory.
func (d *DB) Close() error {
	err := d.db.Close()

	if d.tmpDir != "" {
		rmErr := os.RemoveAll(d.tmpDir)
		if rmErr != nil && err == nil {
			err = rmErr
		}
	}

	return err
}

// fileExists reports whether the named file exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		return !os.IsNotExist(err)
	}

	return true
}
