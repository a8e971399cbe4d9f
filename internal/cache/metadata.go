package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/ksuzuki/vaultsearch/internal/domain"
	"github.com/ksuzuki/vaultsearch/internal/logger"
)

// ErrNotFound is returned by a Loader when the file does not exist, so the
// miss is not cached as an error.
var ErrNotFound = errors.New("cache: file not found")

// Loader fetches a file's metadata from the source of truth on cache miss.
type Loader func(ctx context.Context, fileID string) (*domain.VaultFile, error)

// MetadataCacheConfig tunes the two tiers.
type MetadataCacheConfig struct {
	FastMaxBytes int64
	FastTTL      time.Duration
	DurableTTL   time.Duration
	DurablePath  string
	InMemory     bool
}

// MetadataCache is a two-tier read-through cache for file metadata: a fast
// in-memory tier in front of a durable on-disk tier that survives restarts.
// A durable hit is written back to the fast tier.
type MetadataCache struct {
	fast    *ristretto.Cache[string, []byte]
	durable *badger.DB
	cfg     MetadataCacheConfig
}

// NewMetadataCache opens both tiers. With InMemory set the durable tier
// lives in memory too, which keeps tests hermetic.
func NewMetadataCache(cfg MetadataCacheConfig) (*MetadataCache, error) {
	if cfg.FastMaxBytes <= 0 {
		cfg.FastMaxBytes = 32 << 20
	}
	if cfg.FastTTL <= 0 {
		cfg.FastTTL = 15 * time.Minute
	}
	if cfg.DurableTTL <= 0 {
		cfg.DurableTTL = 12 * time.Hour
	}

	fast, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e6,
		MaxCost:     cfg.FastMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create fast metadata tier: %w", err)
	}

	opts := badger.DefaultOptions(cfg.DurablePath).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	durable, err := badger.Open(opts)
	if err != nil {
		fast.Close()
		return nil, fmt.Errorf("open durable metadata tier: %w", err)
	}

	return &MetadataCache{fast: fast, durable: durable, cfg: cfg}, nil
}

// Get returns a file's metadata, trying fast tier, durable tier, then the
// loader. Loader results populate both tiers.
func (m *MetadataCache) Get(ctx context.Context, fileID string, load Loader) (*domain.VaultFile, error) {
	if payload, ok := m.fast.Get(fileID); ok {
		return decodeFile(payload)
	}

	payload, err := m.readDurable(fileID)
	if err == nil {
		m.setFast(fileID, payload)
		logger.CtxDebug(ctx, "metadata for %s served from durable tier", fileID)
		return decodeFile(payload)
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		logger.CtxWarn(ctx, "durable metadata tier read for %s: %v", fileID, err)
	}

	file, err := load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := m.Put(ctx, file); err != nil {
		logger.CtxWarn(ctx, "populate metadata cache for %s: %v", fileID, err)
	}
	return file, nil
}

// Put writes a file's metadata to both tiers.
func (m *MetadataCache) Put(ctx context.Context, file *domain.VaultFile) error {
	payload, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", file.FileID, err)
	}
	m.setFast(file.FileID, payload)
	err = m.durable.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(file.FileID), payload).WithTTL(m.cfg.DurableTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write durable metadata for %s: %w", file.FileID, err)
	}
	return nil
}

// Invalidate drops one file from both tiers, used when a sync cycle updates
// or deletes the file.
func (m *MetadataCache) Invalidate(fileID string) error {
	m.fast.Del(fileID)
	err := m.durable.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fileID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("invalidate durable metadata for %s: %w", fileID, err)
	}
	return nil
}

// Close releases both tiers.
func (m *MetadataCache) Close() error {
	m.fast.Close()
	return m.durable.Close()
}

func (m *MetadataCache) setFast(fileID string, payload []byte) {
	m.fast.SetWithTTL(fileID, payload, int64(len(payload)), m.cfg.FastTTL)
	m.fast.Wait()
}

func (m *MetadataCache) readDurable(fileID string) ([]byte, error) {
	var payload []byte
	err := m.durable.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fileID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	return payload, err
}

func decodeFile(payload []byte) (*domain.VaultFile, error) {
	var file domain.VaultFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("decode cached metadata: %w", err)
	}
	return &file, nil
}
