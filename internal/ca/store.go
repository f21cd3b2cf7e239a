// LeafStore is the interface for the cross-session leaf certificate store.
// It persists hostname → minted certificate mappings so a restarted proxy
// presents the same certificate for a host it has intercepted before.
//
// Two implementations are provided:
//   - memoryStore — in-memory only, used in tests.
//   - bboltStore  — embedded key-value store (bbolt), used when a store path
//     is configured.
//
// The interface is intentionally minimal: the authority reads one host at a
// time on mint-path misses and writes one entry per mint. Eviction from the
// in-memory cache deletes the entry here too, so the on-disk size stays
// bounded by the cache size.
package ca

import (
	"bytes"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/synchronizing/mitm/internal/logger"
)

// LeafStore persists minted leaf certificates across process restarts.
// All implementations must be safe for concurrent use.
type LeafStore interface {
	// Get returns the stored certificate for host, if present and parseable.
	Get(host string) (*tls.Certificate, bool)

	// Put stores the certificate for host. Overwrites silently.
	Put(host string, leaf *tls.Certificate)

	// Delete removes the entry for host, if present.
	Delete(host string)

	// Close releases any resources held by the store (e.g. file handles).
	Close() error
}

// --- memoryStore ---------------------------------------------------------

// memoryStore is a thread-safe in-memory LeafStore.
type memoryStore struct {
	mu    sync.RWMutex
	store map[string][]byte
}

// NewMemoryStore returns a LeafStore that does not survive restarts.
func NewMemoryStore() LeafStore {
	return &memoryStore{store: make(map[string][]byte)}
}

func (s *memoryStore) Get(host string) (*tls.Certificate, bool) {
	s.mu.RLock()
	raw, ok := s.store[host]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	leaf, err := decodeLeaf(raw)
	if err != nil {
		return nil, false
	}
	return leaf, true
}

func (s *memoryStore) Put(host string, leaf *tls.Certificate) {
	raw, err := encodeLeaf(leaf)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.store[host] = raw
	s.mu.Unlock()
}

func (s *memoryStore) Delete(host string) {
	s.mu.Lock()
	delete(s.store, host)
	s.mu.Unlock()
}

func (s *memoryStore) Close() error { return nil }

// --- bboltStore ----------------------------------------------------------

const leafBucket = "leaf_certs"

// bboltStore is a LeafStore backed by an embedded bbolt database.
type bboltStore struct {
	db  *bolt.DB
	log *logger.Logger
}

// NewBoltStore opens (or creates) the bbolt database at path and ensures the
// bucket exists.
func NewBoltStore(path string, log *logger.Logger) (LeafStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open leaf store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(leafBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create leaf bucket: %w", err)
	}

	log.Infof("store_open", "leaf store opened at %s", path)
	return &bboltStore{db: db, log: log}, nil
}

func (s *bboltStore) Get(host string) (*tls.Certificate, bool) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(leafBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(host)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, false
	}
	leaf, err := decodeLeaf(raw)
	if err != nil {
		s.log.Warnf("store_get", "stored certificate for %s is corrupt: %v", host, err)
		return nil, false
	}
	return leaf, true
}

func (s *bboltStore) Put(host string, leaf *tls.Certificate) {
	raw, err := encodeLeaf(leaf)
	if err != nil {
		s.log.Warnf("store_put", "encode certificate for %s: %v", host, err)
		return
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(leafBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", leafBucket)
		}
		return b.Put([]byte(host), raw)
	}); err != nil {
		s.log.Warnf("store_put", "store certificate for %s: %v", host, err)
	}
}

func (s *bboltStore) Delete(host string) {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(leafBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(host))
	}); err != nil {
		s.log.Warnf("store_delete", "delete certificate for %s: %v", host, err)
	}
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

// --- PEM bundle encoding --------------------------------------------------

// encodeLeaf serializes a certificate chain plus RSA key as concatenated PEM
// blocks: CERTIFICATE blocks in chain order, then one RSA PRIVATE KEY block.
func encodeLeaf(leaf *tls.Certificate) ([]byte, error) {
	key, ok := leaf.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("leaf key is not RSA")
	}
	var buf bytes.Buffer
	for _, der := range leaf.Certificate {
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return nil, err
		}
	}
	if err := pem.Encode(&buf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeLeaf is the inverse of encodeLeaf.
func decodeLeaf(raw []byte) (*tls.Certificate, error) {
	leaf := &tls.Certificate{}
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			leaf.Certificate = append(leaf.Certificate, block.Bytes)
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse stored key: %w", err)
			}
			leaf.PrivateKey = key
		}
	}
	if len(leaf.Certificate) == 0 || leaf.PrivateKey == nil {
		return nil, fmt.Errorf("incomplete certificate bundle")
	}
	var err error
	leaf.Leaf, err = x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse stored certificate: %w", err)
	}
	return leaf, nil
}
