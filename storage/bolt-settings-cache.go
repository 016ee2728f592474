//go:build !wasm

package storage

import (
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var settingsBucketKey = []byte("settings")

type boltSettingsCache struct {
	db *bbolt.DB
}

// Opens or creates a bbolt backed SettingsCache in dir.
func NewBoltSettingsCache(dir string) (SettingsCache, error) {
	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dir, ".bigfile-settings.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, err
	}
	db.NoSync = true
	return &boltSettingsCache{db}, nil
}

func (me *boltSettingsCache) Get(key string) (ret []byte, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(settingsBucketKey)
		if b == nil {
			return nil
		}
		// Only valid for the life of the transaction.
		v := b.Get([]byte(key))
		if v != nil {
			ret = append([]byte(nil), v...)
		}
		return nil
	})
	return
}

func (me *boltSettingsCache) Put(key string, value []byte) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(settingsBucketKey)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (me *boltSettingsCache) Delete(key string) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(settingsBucketKey)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (me *boltSettingsCache) Close() error {
	return me.db.Close()
}
