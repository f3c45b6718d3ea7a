package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Pebble is an on-disk Backend so cached snapshots survive restarts.
// Expiry is left to the cache envelope; ttl is ignored.
type Pebble struct {
	db   *pebble.DB
	path string
	log  *zap.Logger
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string, log *zap.Logger) (*Pebble, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("opening_pebble_cache", zap.String("path", path))
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &Pebble{db: db, path: path, log: log}, nil
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return err
	}
	p.db = nil
	p.log.Info("pebble_cache_closed", zap.String("path", p.path))
	return nil
}

func (p *Pebble) Get(ctx context.Context, key string) ([]byte, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *Pebble) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// cache writes are advisory; skip the fsync
	return p.db.Set([]byte(key), value, pebble.NoSync)
}

func (p *Pebble) Delete(ctx context.Context, keys ...string) error {
	b := p.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete([]byte(k), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (p *Pebble) Keys(ctx context.Context, prefix string) ([]string, error) {
	pfx := []byte(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: pfx})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(iter.Key()))
	}
	return out, iter.Error()
}
