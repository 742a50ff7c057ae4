package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"
)

// BadgerDB implements KeyValue and represents the application's connection
// to BadgerDB.
type BadgerDB struct {
	connection *badger.DB
	keyTTL     time.Duration // TTL for each key in the db
}

// NewBadgerDB initializes the BadgerDB embedded database. It is up to the
// caller to close the database with Close().
func NewBadgerDB(conf *KVConfig) (*BadgerDB, error) {
	c, err := conf.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}

	// See: https://dgraph.io/docs/badger/get-started/#opening-a-database
	db, err := badger.Open(
		badger.DefaultOptions(c.StorageDirPath).WithLogger(badgerLogger{}),
	)
	if err != nil {
		return nil, fmt.Errorf("can't open the db connection: %w", err)
	}

	return &BadgerDB{
		connection: db,
		keyTTL:     c.KeyTTLDuration,
	}, nil
}

// Put upserts an entry
func (db *BadgerDB) Put(entry KVEntry) error {
	err := db.connection.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(entry.Key, entry.Value).WithTTL(db.keyTTL)
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("could not set the KV pair: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	return nil
}

// Read returns an entry by key.
func (db *BadgerDB) Read(key []byte) (KVEntry, error) {
	var val []byte
	// See: https://dgraph.io/docs/badger/get-started/#read-only-transactions
	err := db.connection.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return fmt.Errorf("can't retrieve a value for the key provided: %w", err)
		}

		// We copy values rather than return them directly because item.Value()
		// is considered undefined behavior outside a transaction.
		// https://godoc.org/github.com/dgraph-io/badger#Item.Value
		val, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("can't copy the value from the database: %w", err)
		}
		return nil
	})
	if err != nil {
		return KVEntry{}, err
	}
	return KVEntry{
		Key:   key,
		Value: val,
	}, nil
}

// Keys returns every unexpired key beginning with prefix, in key order.
func (db *BadgerDB) Keys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := db.connection.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't list keys: %w", err)
	}
	return keys, nil
}

// Cleanup performs BadgerDB's garbage collection routine with the
// recommended discardRatio.
//
// This is the only time old records are actually removed, so make sure you're
// setting TTLs for records!
func (db *BadgerDB) Cleanup() error {
	var discardRatio float64 = .5
	err := db.connection.RunValueLogGC(discardRatio)
	// If the GC determines that it can't rewrite anything, don't worry the
	// caller--just skip it
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close tears down the database connection. You should defer this.
func (db *BadgerDB) Close() error {
	if err := db.connection.Close(); err != nil {
		return fmt.Errorf("could not close the database: %w", err)
	}
	return nil
}

// badgerLogger sends badger's own logging through zerolog so it doesn't
// interleave unstructured lines with ours.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error().Str("component", "badger").Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warn().Str("component", "badger").Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(f string, v ...interface{}) {
	log.Debug().Str("component", "badger").Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Debugf(f string, v ...interface{}) {
	log.Trace().Str("component", "badger").Msg(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
