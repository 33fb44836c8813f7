// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package harvester

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// formatKey is a reserved key in the entries map recording the serialization
// encoding, so a future format change can detect old stores. It is excluded
// from iteration and counts.
const (
	formatKey = "__format__"
	formatTag = "json/1"
)

// scratchSuffixes are the temp artifact extensions swept by Reset.
var scratchSuffixes = []string{".pdf", ".png", ".nxml", ".tar.gz"}

// Store is the persistent state of a harvest: three independently opened
// bbolt databases under the data directory.
//
//	entries/  id  -> JSON-serialized Entry (the canonical record)
//	doi/      doi -> id                    (dedup reverse index)
//	fail/     id  -> error token           (last attempt failed)
//
// All writes happen in single-writer transactions driven by the batch
// coordinator; reads may run concurrently.
type Store struct {
	dataPath string
	entries  *bolt.DB
	doi      *bolt.DB
	fail     *bolt.DB
}

// OpenStore opens (creating if necessary) the three maps under dataPath.
func OpenStore(dataPath string) (*Store, error) {
	s := &Store{dataPath: dataPath}
	if err := s.open(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	var err error
	if s.entries, err = openMap(s.dataPath, "entries"); err != nil {
		return err
	}
	if s.doi, err = openMap(s.dataPath, "doi"); err != nil {
		return err
	}
	if s.fail, err = openMap(s.dataPath, "fail"); err != nil {
		return err
	}
	// Stamp the encoding version on first open.
	return s.entries.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(formatKey)) == nil {
			return b.Put([]byte(formatKey), []byte(formatTag))
		}
		return nil
	})
}

var bucketName = []byte("kv")

func openMap(dataPath, name string) (*bolt.DB, error) {
	dir := filepath.Join(dataPath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, name+".db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &StoreError{Map: name, Err: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &StoreError{Map: name, Err: err}
	}
	return db, nil
}

// Close closes all three maps. Safe to call on a partially opened store.
func (s *Store) Close() error {
	var first error
	for _, db := range []*bolt.DB{s.entries, s.doi, s.fail} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.entries, s.doi, s.fail = nil, nil, nil
	return first
}

// PutEntry writes the canonical record for the entry, keyed by its id.
func (s *Store) PutEntry(e Entry) error {
	if s.entries == nil {
		return ErrStoreClosed
	}
	val, err := json.Marshal(e)
	if err != nil {
		return &StoreError{Map: "entries", Key: e.ID(), Err: err}
	}
	err = s.entries.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(e.ID()), val)
	})
	if err != nil {
		return &StoreError{Map: "entries", Key: e.ID(), Err: err}
	}
	return nil
}

// Entry looks up a record by id.
func (s *Store) Entry(id string) (Entry, bool, error) {
	if s.entries == nil {
		return nil, false, ErrStoreClosed
	}
	var e Entry
	found := false
	err := s.entries.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, false, &StoreError{Map: "entries", Key: id, Err: err}
	}
	return e, found, nil
}

// PutDOI records the doi -> id mapping used for dedup.
func (s *Store) PutDOI(doi, id string) error {
	if s.doi == nil {
		return ErrStoreClosed
	}
	err := s.doi.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(doi), []byte(id))
	})
	if err != nil {
		return &StoreError{Map: "doi", Key: doi, Err: err}
	}
	return nil
}

// IDByDOI returns the id previously assigned to doi, if any.
func (s *Store) IDByDOI(doi string) (string, bool, error) {
	if s.doi == nil {
		return "", false, ErrStoreClosed
	}
	var id string
	err := s.doi.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(doi)); v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, &StoreError{Map: "doi", Key: doi, Err: err}
	}
	return id, id != "", nil
}

// PutFail records the error token of a failed attempt.
func (s *Store) PutFail(id, token string) error {
	if s.fail == nil {
		return ErrStoreClosed
	}
	err := s.fail.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(id), []byte(token))
	})
	if err != nil {
		return &StoreError{Map: "fail", Key: id, Err: err}
	}
	return nil
}

// DeleteFail removes an id from the fail log after a successful reprocess.
func (s *Store) DeleteFail(id string) error {
	if s.fail == nil {
		return ErrStoreClosed
	}
	err := s.fail.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
	if err != nil {
		return &StoreError{Map: "fail", Key: id, Err: err}
	}
	return nil
}

// FailToken returns the recorded error token for id, if present.
func (s *Store) FailToken(id string) (string, bool, error) {
	if s.fail == nil {
		return "", false, ErrStoreClosed
	}
	var token string
	found := false
	err := s.fail.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(id)); v != nil {
			token = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, &StoreError{Map: "fail", Key: id, Err: err}
	}
	return token, found, nil
}

// ForEachEntry iterates the entries map in cursor order, skipping the
// reserved format key. The callback must not write to the store.
func (s *Store) ForEachEntry(fn func(id string, e Entry) error) error {
	if s.entries == nil {
		return ErrStoreClosed
	}
	return s.entries.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) == formatKey {
				continue
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return &StoreError{Map: "entries", Key: string(k), Err: err}
			}
			if err := fn(string(k), e); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailIDs returns every id currently present in the fail log.
func (s *Store) FailIDs() ([]string, error) {
	if s.fail == nil {
		return nil, ErrStoreClosed
	}
	var ids []string
	err := s.fail.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Map: "fail", Err: err}
	}
	return ids, nil
}

// Counts returns (failed, total) entry counts.
func (s *Store) Counts() (fails int, total int, err error) {
	if s.entries == nil || s.fail == nil {
		return 0, 0, ErrStoreClosed
	}
	err = s.entries.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		total = b.Stats().KeyN
		if b.Get([]byte(formatKey)) != nil {
			total-- // reserved key is not an entry
		}
		return nil
	})
	if err != nil {
		return 0, 0, &StoreError{Map: "entries", Err: err}
	}
	err = s.fail.View(func(tx *bolt.Tx) error {
		fails = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, 0, &StoreError{Map: "fail", Err: err}
	}
	return fails, total, nil
}

// Reset closes the maps, removes their backing directories, re-opens fresh
// ones, and sweeps stray scratch artifacts from the data directory.
func (s *Store) Reset() error {
	if err := s.Close(); err != nil {
		return err
	}
	for _, name := range []string{"entries", "doi", "fail"} {
		if err := os.RemoveAll(filepath.Join(s.dataPath, name)); err != nil {
			return err
		}
	}
	if err := s.open(); err != nil {
		return err
	}

	files, err := os.ReadDir(s.dataPath)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		for _, suffix := range scratchSuffixes {
			if strings.HasSuffix(f.Name(), suffix) {
				if err := os.Remove(filepath.Join(s.dataPath, f.Name())); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}
