package blob

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shardpost/mailcore/pkg/ids"
)

// LocalBackend stores blob content on a local filesystem, sharded into
// subdirectories by the first two bytes of the hash so no single
// directory accumulates every blob in the store.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

func (b *LocalBackend) path(id ids.BlobId) string {
	hex := fmt.Sprintf("%x", id.Hash)
	return filepath.Join(b.root, hex[0:2], hex[2:4], hex)
}

func (b *LocalBackend) Put(id ids.BlobId, data []byte) error {
	p := b.path(id)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0600)
}

func (b *LocalBackend) Get(id ids.BlobId) ([]byte, error) {
	return os.ReadFile(b.path(id))
}

func (b *LocalBackend) GetRange(id ids.BlobId, start, end uint32) ([]byte, error) {
	f, err := os.Open(b.path(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, int64(start)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *LocalBackend) Delete(id ids.BlobId) error {
	err := os.Remove(b.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
