package storage

import (
	"errors"
	"time"
)

// Kept sent copies expire after 30 days unless configured otherwise.
const defaultKeyTTL = 720 * time.Hour

// KVConfig contains settings specific to BadgerDB connections
type KVConfig struct {
	StorageDirPath string        `yaml:"storageDir" json:"storageDir"`
	KeyTTLDuration time.Duration `yaml:"keyTTL" json:"keyTTL"`
}

// CheckAndSetDefaults validates c and either returns a copy of c with
// default settings applied or returns an error due to an invalid
// configuration
func (c *KVConfig) CheckAndSetDefaults() (KVConfig, error) {
	if c.StorageDirPath == "" {
		return KVConfig{}, errors.New("must supply a storage directory")
	}
	if c.KeyTTLDuration < 0 {
		return KVConfig{}, errors.New("the key TTL can't be negative")
	}
	n := *c
	if n.KeyTTLDuration == 0 {
		n.KeyTTLDuration = defaultKeyTTL
	}
	return n, nil
}

// KeyValue exposes a common interface for performing CRUD operations on an
// underlying storage layer.
//
// Implentations need to include connection logic in code to initialize
// a Store.
type KeyValue interface {
	// Replace the value of an entry or create a new one if it doesn't exist
	Put(KVEntry) error
	// Return an entry given its key
	Read(key []byte) (KVEntry, error)
	// Keys lists every live key that starts with prefix.
	Keys(prefix []byte) ([][]byte, error)
	// Cleanup performs routine deletion of old records. We assign
	// TTLs to KV pairs and delete them periodically.
	Cleanup() error
	// Drain/tear down the connection, or something analogous for
	// an embedded database
	Close() error
}

// KVEntry is what we'll write to and read from the KV store
type KVEntry struct {
	Key   []byte
	Value []byte
}
