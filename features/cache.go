package features

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/auscultate/heartsound/logging"
)

// ErrCacheMiss reports that no usable cache entry exists for a sample.
// Callers recompute; a miss is never user-visible.
var ErrCacheMiss = errors.New("features: cache miss")

// Cache is a content-addressed store of processed FeatureTensors keyed
// by sample ID and feature-configuration hash. Changing the feature
// configuration changes the key, so stale entries are never served.
type Cache struct {
	dir    string
	hash   string
	logger logging.Logger
}

// cacheEntry is the on-disk record. The embedded hash is verified on
// read so hand-moved files cannot smuggle mismatched features in.
type cacheEntry struct {
	ConfigHash string
	Tensor     *FeatureTensor
}

// NewCache opens (creating if needed) a cache directory bound to the
// given feature-configuration hash
func NewCache(dir, configHash string, logger logging.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.WithFields(logging.Fields{
			"component": "feature_cache",
		})
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, hash: configHash, logger: logger}, nil
}

func (c *Cache) entryPath(id string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s.feat", id, shortHash(c.hash)))
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Get returns the cached tensor for a sample, or ErrCacheMiss. An entry
// whose embedded hash does not match the current configuration is
// discarded and reported as a miss.
func (c *Cache) Get(id string) (*FeatureTensor, error) {
	f, err := os.Open(c.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to open cache entry for %s: %w", id, err)
	}
	var entry cacheEntry
	decodeErr := gob.NewDecoder(f).Decode(&entry)
	f.Close()

	if decodeErr != nil {
		c.logger.Warn("discarding unreadable cache entry", logging.Fields{
			"sample_id": id,
		})
		os.Remove(c.entryPath(id))
		return nil, ErrCacheMiss
	}

	if entry.ConfigHash != c.hash {
		c.logger.Debug("discarding stale cache entry", logging.Fields{
			"sample_id": id,
		})
		os.Remove(c.entryPath(id))
		return nil, ErrCacheMiss
	}

	return entry.Tensor, nil
}

// Put stores a tensor atomically: write to a temp file, then rename
func (c *Cache) Put(id string, t *FeatureTensor) error {
	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}

	entry := cacheEntry{ConfigHash: c.hash, Tensor: t}
	if err := gob.NewEncoder(tmp).Encode(&entry); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to encode cache entry for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache temp file: %w", err)
	}

	return os.Rename(tmp.Name(), c.entryPath(id))
}
