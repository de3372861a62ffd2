// Package store is the durable download cache (§4.4): a typed
// key/value store of download outcomes backed by an embedded ordered
// KV (bbolt, the Go analog of the original's sled/typed_sled), plus a
// blob bucket for the actual downloaded bytes, keyed by each request's
// FinalPath.
//
// Three bucket families exist per request kind: final (req -> parsed
// result or error), pending (req -> running bool), and — owned by
// package proxypool, sharing this same *bbolt.DB — proxy, scraper, and
// statistics trees. Bucket names embed the request kind, the parsed
// type name, and cacheVersion, so evolving either payload shape
// invalidates the cache safely instead of deserializing garbage.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"go.etcd.io/bbolt"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
)

// cacheVersion is bumped whenever the on-disk entry encoding changes
// incompatibly.
const cacheVersion = 1

// DownloadEntry is the durable record for one request: either a
// parsed result, or a negative entry carrying the most recent error
// text and how many times the request has failed.
type DownloadEntry[T any] struct {
	Parsed    *T
	ErrorText string
	FailCount uint8
}

// Cache is the process-wide durable download cache.
type Cache struct {
	db    *bbolt.DB
	blobs *blob.Bucket
}

// Open opens (creating if absent) the bbolt database at dbPath and a
// file-backed blob bucket rooted at tilesRoot for final tile/geojson
// bytes, per §6's filesystem layout.
func Open(dbPath, tilesRoot string) (*Cache, error) {
	db, err := bbolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt db: %w", err)
	}
	bucket, err := blob.OpenBucket(context.Background(), "file://"+tilesRoot+"?no_tmp_dir=true")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open blob bucket: %w", err)
	}
	return &Cache{db: db, blobs: bucket}, nil
}

// Close releases the underlying database and blob bucket.
func (c *Cache) Close() error {
	blobErr := c.blobs.Close()
	dbErr := c.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return blobErr
}

// DB exposes the underlying bbolt handle so package proxypool can open
// its own buckets against the same durable store, per §4.4's "at least
// three trees per request type" plus the process-wide proxy/scraper/
// stat trees.
func (c *Cache) DB() *bbolt.DB { return c.db }

func parsedTypeName[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		// T is an interface or pointer type whose zero value is nil;
		// fall back to the static type via a typed nil pointer.
		t = reflect.TypeOf(&zero).Elem()
	}
	return t.String()
}

func finalBucketName(kind string, parsedType string) []byte {
	return []byte(fmt.Sprintf("%s__%s__final_v%d", kind, parsedType, cacheVersion))
}

func pendingBucketName(kind string, parsedType string) []byte {
	return []byte(fmt.Sprintf("%s__%s__pending_v%d", kind, parsedType, cacheVersion))
}

// Get looks up the final-tree entry for key under the given request
// kind, returning ok=false on a cache miss.
func Get[T any](c *Cache, kind string, key string) (DownloadEntry[T], bool, error) {
	var entry DownloadEntry[T]
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(finalBucketName(kind, parsedTypeName[T]()))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return DownloadEntry[T]{}, false, fmt.Errorf("store: get %s/%s: %w", kind, key, err)
	}
	return entry, found, nil
}

// PutFinalAndClearPending writes the final-tree entry for key and, in
// the same transaction, removes its pending-queue row — the
// transactional "pending-queue eviction is transactional with
// final-entry write" guarantee from §4.2/§4.4.
func PutFinalAndClearPending[T any](c *Cache, kind string, key string, entry DownloadEntry[T]) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal entry: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		finalB, err := tx.CreateBucketIfNotExists(finalBucketName(kind, parsedTypeName[T]()))
		if err != nil {
			return err
		}
		if err := finalB.Put([]byte(key), raw); err != nil {
			return err
		}
		pendingB, err := tx.CreateBucketIfNotExists(pendingBucketName(kind, parsedTypeName[T]()))
		if err != nil {
			return err
		}
		return pendingB.Delete([]byte(key))
	})
}

// PutFinal writes a final-tree entry without touching the pending
// queue, used for the "file already at final_path, re-parsed
// successfully" path (§4.2 step 3) where no pending row exists yet.
func PutFinal[T any](c *Cache, kind string, key string, entry DownloadEntry[T]) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: marshal entry: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(finalBucketName(kind, parsedTypeName[T]()))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
}

// SetPending upserts the pending-queue row for key with the given
// running flag.
func SetPending[T any](c *Cache, kind string, key string, running bool) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(pendingBucketName(kind, parsedTypeName[T]()))
		if err != nil {
			return err
		}
		val := byte(0)
		if running {
			val = 1
		}
		return b.Put([]byte(key), []byte{val})
	})
}

// DeletePending removes key from the pending queue outright, without
// touching the final tree.
func DeletePending[T any](c *Cache, kind string, key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucketName(kind, parsedTypeName[T]()))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ResetAllRunning clears the running flag on every pending row of one
// request kind and returns how many rows it cleared, the crash-recovery
// step of §4.2 step 2.
func ResetAllRunning[T any](c *Cache, kind string) (int, error) {
	n := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucketName(kind, parsedTypeName[T]()))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 1 && v[0] == 1 {
				n++
				return b.Put(k, []byte{0})
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("store: reset running: %w", err)
	}
	return n, nil
}

// NotRunning returns up to limit pending keys whose running flag is
// false (limit <= 0 means no limit).
func NotRunning[T any](c *Cache, kind string, limit int) ([]string, error) {
	var out []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucketName(kind, parsedTypeName[T]()))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			if len(v) == 1 && v[0] == 0 {
				out = append(out, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	return out, nil
}

// WriteFinalBytes writes raw bytes to the blob bucket at key (a
// FinalPath per the DownloadRequest implementation), satisfying §6's
// "tiles_root / map_type / server / z / x / y.ext" layout.
func (c *Cache) WriteFinalBytes(ctx context.Context, key string, data []byte) error {
	w, err := c.blobs.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("store: open blob writer %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("store: write blob %s: %w", key, err)
	}
	return w.Close()
}

// ReadFinalBytes reads back bytes previously written at key, ok=false
// if no such object exists.
func (c *Cache) ReadFinalBytes(ctx context.Context, key string) ([]byte, bool, error) {
	exists, err := c.blobs.Exists(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("store: stat blob %s: %w", key, err)
	}
	if !exists {
		return nil, false, nil
	}
	data, err := c.blobs.ReadAll(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("store: read blob %s: %w", key, err)
	}
	return data, true, nil
}

// DeleteFinalBytes removes a previously written blob, used when a
// file sitting at final_path fails re-verification (§4.2 step 3).
func (c *Cache) DeleteFinalBytes(ctx context.Context, key string) error {
	err := c.blobs.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("store: delete blob %s: %w", key, err)
	}
	return nil
}
