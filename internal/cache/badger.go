package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/log"
)

// gcInterval paces value-log garbage collection.
const gcInterval = 10 * time.Minute

// Badger is a node-local persistent Cacher. TTLs are native Badger entry
// TTLs, so restarts keep warm entries without resurrecting expired ones.
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
	stop   chan struct{}
	once   sync.Once
	stats  struct {
		hits   atomic.Int64
		misses atomic.Int64
		sets   atomic.Int64
	}
}

// OpenBadger opens (or creates) the cache database at path and starts the
// value-log GC loop.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger at %s: %w", path, err)
	}
	b := &Badger{
		db:     db,
		logger: log.WithComponent("cache").With().Str("backend", "badger").Logger(),
		stop:   make(chan struct{}),
	}
	go b.gcLoop()
	return b, nil
}

func (b *Badger) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// One rewrite per tick is enough; ErrNoRewrite just means
			// there was nothing worth collecting.
			if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.logger.Warn().Err(err).Msg("value log gc failed")
			}
		case <-b.stop:
			return
		}
	}
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		b.stats.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		b.stats.misses.Add(1)
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	b.stats.hits.Add(1)
	return out, true, nil
}

func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	b.stats.sets.Add(1)
	return nil
}

func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

func (b *Badger) DeletePrefix(ctx context.Context, prefix string) error {
	// Collect under a read txn, delete in write batches, so the iterator
	// never observes its own deletions.
	var keys [][]byte
	p := []byte(prefix)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: scan prefix %s: %w", prefix, err)
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("cache: delete prefix %s: %w", prefix, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("cache: flush prefix delete %s: %w", prefix, err)
	}
	return nil
}

func (b *Badger) Stats(_ context.Context) (Stats, error) {
	var size int
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			size++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}
	return Stats{
		Hits:        b.stats.hits.Load(),
		Misses:      b.stats.misses.Load(),
		Sets:        b.stats.sets.Load(),
		CurrentSize: size,
	}, nil
}

func (b *Badger) HealthCheck(_ context.Context) error {
	if b.db.IsClosed() {
		return errors.New("cache: badger closed")
	}
	return nil
}

func (b *Badger) Close() error {
	b.once.Do(func() { close(b.stop) })
	return b.db.Close()
}

var _ Cacher = (*Badger)(nil)
