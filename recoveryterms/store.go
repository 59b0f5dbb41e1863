// Package recoveryterms implements the process-wide recovery-terms
// key/value collaborator of §6: a small per-queue record written at clean
// shutdown ("terminate") to speed up the next start. The index only ever
// reads/writes its own "segments" key; any other keys a caller supplies to
// Write are preserved verbatim, as §6 requires.
//
// Grounded on andreyvit/edb's pairing of go.etcd.io/bbolt for storage with
// github.com/vmihailenco/msgpack/v5 for value encoding (see
// andreyvit-edb/encoding.go): one bbolt bucket, values msgpack-encoded.
package recoveryterms

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("queue_recovery_terms")

// SegmentUnacked is one (seg_number, unacked_count) pair, §4.6/§6.
type SegmentUnacked struct {
	Seg     uint32 `msgpack:"seg"`
	Unacked int    `msgpack:"unacked"`
}

// Terms is the opaque per-queue value: the index's own "segments" list plus
// whatever extra key/value pairs the owning queue process asked to persist
// alongside it (§4.6 terminate's extra_terms).
type Terms struct {
	Segments []SegmentUnacked `msgpack:"segments"`
	Extra    map[string][]byte `msgpack:"extra,omitempty"`
}

// Store is the interface the index depends on (§5 "model as an injected
// handle, not a singleton", §6). A *BoltStore is the concrete, process-wide
// implementation; tests may substitute an in-memory fake.
type Store interface {
	Start() error
	Stop() error
	Read(dirName string) (Terms, bool, error)
	Write(dirName string, terms Terms) error
	Clear(dirName string) error
	// Names returns every dir-name currently holding persisted terms.
	Names() ([]string, error)
}

// BoltStore is a single shared bbolt database for the broker process,
// one key per queue directory basename (§6).
type BoltStore struct {
	path string
	db   *bolt.DB
}

func NewBoltStore(path string) *BoltStore {
	return &BoltStore{path: path}
}

func (s *BoltStore) Start() error {
	db, err := bolt.Open(s.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("recoveryterms: open %s: %w", s.path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *BoltStore) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BoltStore) Read(dirName string) (Terms, bool, error) {
	var terms Terms
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(dirName))
		if raw == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(raw, &terms)
	})
	if err != nil {
		return Terms{}, false, err
	}
	return terms, found, nil
}

func (s *BoltStore) Write(dirName string, terms Terms) error {
	raw, err := msgpack.Marshal(&terms)
	if err != nil {
		return fmt.Errorf("recoveryterms: encode terms for %s: %w", dirName, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return errors.New("recoveryterms: bucket missing, Start not called")
		}
		return b.Put([]byte(dirName), raw)
	})
}

func (s *BoltStore) Clear(dirName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(dirName))
	})
}

func (s *BoltStore) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
