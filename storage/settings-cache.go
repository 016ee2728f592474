package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/bigfile/piecefield"
)

// The settings cache key Piecefields are persisted under.
const PiecefieldsKey = "piecefields"

// Small persistent key-value store kept alongside a site's settings. Implementations must be
// concurrent-safe. Get returns nil for missing keys.
type SettingsCache interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Writes all tracked Piecefields to cache.
func (m *Manager) SavePiecefields(cache SettingsCache) error {
	packed := m.Piecefields()
	blob := make(map[string]string, len(packed))
	for hash, p := range packed {
		blob[hash] = base64.StdEncoding.EncodeToString(p)
	}
	b, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return cache.Put(PiecefieldsKey, b)
}

// Restores Piecefields saved by SavePiecefields, then removes them from the cache. If the process
// dies before the next save the files are reconciled from disk instead of trusting stale bits.
// Entries that don't decode are skipped.
func (m *Manager) LoadPiecefields(cache SettingsCache) (loaded int, err error) {
	b, err := cache.Get(PiecefieldsKey)
	if err != nil || b == nil {
		return
	}
	var blob map[string]string
	err = json.Unmarshal(b, &blob)
	if err != nil {
		err = fmt.Errorf("decoding saved piecefields: %w", err)
		return
	}
	for hash, s := range blob {
		raw, decodeErr := base64.StdEncoding.DecodeString(s)
		if decodeErr == nil {
			var p piecefield.Packed
			p, decodeErr = piecefield.ParsePacked(raw, piecefield.DefaultMaxRun)
			if decodeErr == nil {
				m.SetPiecefield(hash, p.Unpack())
				loaded++
				continue
			}
		}
		m.logger.Levelf(log.Warning, "skipping saved piecefield for %.16s: %v", hash, decodeErr)
	}
	err = cache.Delete(PiecefieldsKey)
	return
}

type mapSettingsCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

// A SettingsCache that doesn't persist anything.
func NewMapSettingsCache() SettingsCache {
	return &mapSettingsCache{m: make(map[string][]byte)}
}

func (me *mapSettingsCache) Get(key string) ([]byte, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.m[key], nil
}

func (me *mapSettingsCache) Put(key string, value []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.m[key] = append([]byte(nil), value...)
	return nil
}

func (me *mapSettingsCache) Delete(key string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.m, key)
	return nil
}

func (me *mapSettingsCache) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	clear(me.m)
	return nil
}
