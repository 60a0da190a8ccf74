package state

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the database directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

var (
	metaBucket    = []byte("meta")
	recordsBucket = []byte("records")
	tokenKey      = []byte("changelog_token")
)

// Metadata keys stored on file records.
const (
	MetaID                    = "Id"
	MetaVersionSeriesID       = "VersionSeriesId"
	MetaVersionLabel          = "VersionLabel"
	MetaCreationDate          = "CreationDate"
	MetaCreatedBy             = "CreatedBy"
	MetaLastModifiedBy        = "lastModifiedBy"
	MetaCheckinComment        = "CheckinComment"
	MetaIsImmutable           = "IsImmutable"
	MetaContentStreamMimeType = "ContentStreamMimeType"
)

// Record is the last synchronized state of one local file or folder.
// Records are keyed by absolute local path.
type Record struct {
	Path           string            `json:"path"`
	ServerModified time.Time         `json:"server_modified"`
	Folder         bool              `json:"folder"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Cache wraps a bbolt database holding the change log token and one
// record per synchronized local entry.
type Cache struct {
	db *bolt.DB
}

// Open opens the cache database at path, creating it if it does not
// exist.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(recordsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// OpenReadOnly opens an existing cache database without taking the write
// lock, so it can be inspected while a daemon holds it open.
func OpenReadOnly(path string) (*Cache, error) {
	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ChangeLogToken returns the stored change log token. ok is false when no
// sync has completed yet.
func (c *Cache) ChangeLogToken() (token string, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}

		if v := b.Get(tokenKey); v != nil {
			token, ok = string(v), true
		}

		return nil
	})

	return token, ok, err
}

// SetChangeLogToken persists the change log token.
func (c *Cache) SetChangeLogToken(token string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(tokenKey, []byte(token))
	})
}

// AddFolder records a synchronized folder.
func (c *Cache) AddFolder(path string, serverModified time.Time, metadata map[string]string) error {
	return c.put(Record{Path: path, ServerModified: serverModified, Folder: true, Metadata: metadata})
}

// AddFile records a synchronized file.
func (c *Cache) AddFile(path string, serverModified time.Time, metadata map[string]string) error {
	return c.put(Record{Path: path, ServerModified: serverModified, Metadata: metadata})
}

func (c *Cache) put(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(r.Path), data)
	})
}

// SetFileServerSideModificationDate updates the server timestamp of an
// existing record. A missing record is created as a file record.
func (c *Cache) SetFileServerSideModificationDate(path string, serverModified time.Time) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)

		r := Record{Path: path}
		if v := b.Get([]byte(path)); v != nil {
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
		}

		r.ServerModified = serverModified

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return b.Put([]byte(path), data)
	})
}

// RemoveFolder removes the record for path and every record below it.
func (c *Cache) RemoveFolder(path string) error {
	prefix := []byte(path + string(filepath.Separator))

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)

		if err := b.Delete([]byte(path)); err != nil {
			return err
		}

		// Collect first: deleting while iterating skips keys.
		var keys [][]byte

		cur := b.Cursor()
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			keys = append(keys, bytes.Clone(k))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// Get returns the record for path, or nil if not found.
func (c *Cache) Get(path string) (*Record, error) {
	var r *Record

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}

		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		r = &Record{}

		return json.Unmarshal(v, r)
	})

	return r, err
}

// FindByID returns the record whose metadata carries the given remote
// object id, or nil if none does.
func (c *Cache) FindByID(id string) (*Record, error) {
	var found *Record

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}

			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if r.Metadata[MetaID] == id {
				found = &r
			}

			return nil
		})
	})

	return found, err
}

// All returns every record sorted by path.
func (c *Cache) All() ([]Record, error) {
	var records []Record

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			records = append(records, r)

			return nil
		})
	})

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

	return records, err
}
