package installer

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketInstalled = []byte("installed")

// Store persists installed-package markers so already-installed servers are
// recognized across restarts without re-probing the package manager.
type Store struct {
	db *bolt.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstalled)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IsInstalled reports whether the package has a recorded install marker.
func (s *Store) IsInstalled(pkg string) bool {
	if s == nil || s.db == nil || pkg == "" {
		return false
	}
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalled)
		if b == nil {
			return nil
		}
		found = b.Get([]byte(pkg)) != nil
		return nil
	})
	return found
}

// MarkInstalled records a successful install with its timestamp.
func (s *Store) MarkInstalled(pkg string) error {
	if s == nil || s.db == nil || pkg == "" {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalled)
		if b == nil {
			return nil
		}
		return b.Put([]byte(pkg), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}
