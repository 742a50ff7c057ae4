package sentcopy

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ptgott/batchmail/storage"
)

// ArchivePrefix starts the key of every archived copy.
const ArchivePrefix = "sent/"

// ArchiveConfig places the local archive of sent copies.
type ArchiveConfig struct {
	storage.KVConfig `yaml:",inline"`
}

// Archive stores sent copies in a KeyValue store under ArchivePrefix plus a
// random UUID.
type Archive struct {
	db storage.KeyValue
}

// NewArchive returns an Archive backed by db. The caller still owns db.
func NewArchive(db storage.KeyValue) *Archive {
	return &Archive{db: db}
}

// Name implements Appender.
func (a *Archive) Name() string {
	return "archive"
}

// Append implements Appender.
func (a *Archive) Append(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := ArchivePrefix + uuid.New().String()
	if err := a.db.Put(storage.KVEntry{Key: []byte(k), Value: raw}); err != nil {
		return fmt.Errorf("can't archive the sent message: %w", err)
	}
	return nil
}

// List returns the IDs of all archived copies that haven't expired.
func (a *Archive) List() ([]string, error) {
	keys, err := a.db.Keys([]byte(ArchivePrefix))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(string(k), ArchivePrefix))
	}
	return ids, nil
}

// Get returns the raw copy stored under id.
func (a *Archive) Get(id string) ([]byte, error) {
	e, err := a.db.Read([]byte(ArchivePrefix + id))
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}
