// Package peerbook remembers the relays a node has peered with, so a
// restarted process can announce them to its node again without waiting for
// discovery.
//
// The book is a bbolt database in the node's data directory. Entries are
// keyed by relay identity; a newer UpdatedAt replaces an older one.
package peerbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const fileName = "peers.db"

var bucketPeers = []byte("peers")

var (
	ErrNotFound        = errors.New("peerbook: no such peer")
	ErrInvalidIdentity = errors.New("peerbook: entry needs an identity and a uri")
)

// Entry is a relay this node has heard a handshake from.
type Entry struct {
	Identity  string    `json:"identity"`
	ClusterID string    `json:"cluster_id"`
	URI       string    `json:"uri"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Book is a persistent peer store backed by bbolt.
type Book struct {
	db *bolt.DB
}

// Open opens (or creates) the peer book in dir.
func Open(dir string) (*Book, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("peerbook: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, fileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("peerbook: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Book{db: db}, nil
}

// Close closes the underlying database.
func (b *Book) Close() error {
	return b.db.Close()
}

// Put inserts or updates e. It reports whether the book changed: entries
// not newer than the stored one are ignored.
func (b *Book) Put(e Entry) (bool, error) {
	if e.Identity == "" || e.URI == "" {
		return false, ErrInvalidIdentity
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	changed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPeers)
		key := []byte(e.Identity)

		if existing := bkt.Get(key); existing != nil {
			var old Entry
			if json.Unmarshal(existing, &old) == nil && !e.UpdatedAt.After(old.UpdatedAt) {
				return nil
			}
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		changed = true
		return bkt.Put(key, data)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Get finds an entry by relay identity.
func (b *Book) Get(identity string) (Entry, error) {
	var e Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(identity))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	return e, err
}

// All returns every entry, oldest first.
func (b *Book) All() ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil {
				out = append(out, e)
			}
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, err
}

// Delete removes the entry for identity.
func (b *Book) Delete(identity string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPeers)
		if bkt.Get([]byte(identity)) == nil {
			return ErrNotFound
		}
		return bkt.Delete([]byte(identity))
	})
}
